package simulator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// Maximum acceleration in degrees/second^2
	maxAccel = 20
	// Maximum velocity in degrees/second
	maxVel = 10
	// Secondary axis travel limits in degrees
	minAxis2, maxAxis2 = -90, 90
	// Discrete simulation step size
	stepSize = 25 * time.Millisecond
)

type axisState struct {
	pos, vel, cmdVel float64
}

// Simulator is a simulated two-axis mount. It integrates the commanded
// speeds over time with limited acceleration and serves any number of
// client connections.
type Simulator struct {
	mu           sync.Mutex
	axis1, axis2 axisState
}

// New returns a simulator with its axes at the given raw positions.
func New(axis1, axis2 float64) *Simulator {
	return &Simulator{
		axis1: axisState{pos: math.Mod(axis1+360, 360)},
		axis2: axisState{pos: axis2},
	}
}

// Pipe returns the client end of an in-memory connection served by s.
// The connection is served until ctx is canceled or the client closes it.
func (s *Simulator) Pipe(ctx context.Context) net.Conn {
	a, b := net.Pipe()
	go func() {
		if err := s.ServeConn(ctx, a); err != nil {
			slog.Warn("simulator connection", "err", err)
		}
	}()
	return b
}

// Run advances the simulation until ctx is canceled.
func (s *Simulator) Run(ctx context.Context) error {
	t := time.NewTicker(stepSize)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		s.step(stepSize.Seconds())
	}
}

// Serve accepts connections on l until ctx is canceled.
func (s *Simulator) Serve(ctx context.Context, l net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		l.Close()
		return nil
	})
	g.Go(func() error {
		for {
			conn, err := l.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accepting connection: %w", err)
			}
			slog.Info("simulator client connected", "remote", conn.RemoteAddr())
			g.Go(func() error {
				if err := s.ServeConn(ctx, conn); err != nil {
					slog.Warn("simulator connection", "remote", conn.RemoteAddr(), "err", err)
				}
				return nil
			})
		}
	})
	return g.Wait()
}

// ServeConn answers requests on conn until it is closed or ctx is canceled.
func (s *Simulator) ServeConn(ctx context.Context, conn io.ReadWriteCloser) error {
	g, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
		return nil
	})
	g.Go(func() error {
		defer close(done)
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			input := scanner.Text()
			slog.Debug("client->sim", "msg", input)
			resp := s.handle(input)
			slog.Debug("sim->client", "msg", resp.String())
			if _, err := fmt.Fprintf(conn, "%s\n", resp); err != nil {
				return fmt.Errorf("writing reply: %w", err)
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, io.ErrClosedPipe) {
			return fmt.Errorf("reading connection: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (s *Simulator) handle(input string) Response {
	req, err := ParseRequest(input)
	if err != nil {
		return Response{Kind: Reply, Err: err.Error()}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch req.Kind {
	case Slew:
		if math.Abs(req.Axis1) > maxVel || math.Abs(req.Axis2) > maxVel {
			return Response{Kind: Reply, Err: fmt.Sprintf("speed exceeds %d°/s", maxVel)}
		}
		s.axis1.cmdVel = req.Axis1
		s.axis2.cmdVel = req.Axis2
	case Stop:
		s.axis1.cmdVel = 0
		s.axis2.cmdVel = 0
	case GetPosition:
		return Response{Kind: Position, Axis1: s.axis1.pos, Axis2: s.axis2.pos}
	}
	return Response{Kind: Reply}
}

// velServo returns an actual velocity for the given current and target
// velocity after dt seconds.
func velServo(v, target, dt float64) float64 {
	delta := math.Abs(target - v)
	if delta > maxAccel*dt {
		delta = maxAccel * dt
	}
	if target < v {
		delta = -delta
	}
	return v + delta
}

func (s *Simulator) step(dt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.axis1.vel = velServo(s.axis1.vel, s.axis1.cmdVel, dt)
	s.axis2.vel = velServo(s.axis2.vel, s.axis2.cmdVel, dt)

	s.axis1.pos = math.Mod(s.axis1.pos+s.axis1.vel*dt+360, 360)
	s.axis2.pos += s.axis2.vel * dt
	if s.axis2.pos > maxAxis2 {
		s.axis2.pos, s.axis2.vel = maxAxis2, 0
	} else if s.axis2.pos < minAxis2 {
		s.axis2.pos, s.axis2.vel = minAxis2, 0
	}
}

// State returns the current positions and velocities.
func (s *Simulator) State() (pos1, pos2, vel1, vel2 float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.axis1.pos, s.axis2.pos, s.axis1.vel, s.axis2.vel
}
