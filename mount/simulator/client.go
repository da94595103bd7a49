// Package simulator implements the line protocol spoken by the mount
// simulator, a client for it and the simulator itself.
package simulator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/w1xm/mount_interface/geometry"
	"github.com/w1xm/mount_interface/mount"
)

// Client talks to a simulator over one connection. Calls are not safe for
// concurrent use.
type Client struct {
	addr   string
	conn   io.ReadWriteCloser
	reader *bufio.Reader

	// Last commanded speeds, used to build a two-axis slew from SlewAxis.
	speed1, speed2 geometry.AngularVelocity
}

var _ mount.Mount = (*Client)(nil)

// callTimeout bounds each request/reply exchange on connections that
// support deadlines.
const callTimeout = 2 * time.Second

func Dial(ctx context.Context, addr string) (*Client, error) {
	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to simulator %q: %w", addr, err)
	}
	slog.Info("connected to mount simulator", "addr", addr)
	return NewClient(conn, addr), nil
}

// NewClient wraps an established connection.
func NewClient(conn io.ReadWriteCloser, addr string) *Client {
	return &Client{
		addr:   addr,
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

func (c *Client) Info() string {
	return fmt.Sprintf("Simulator on %s", c.addr)
}

func (c *Client) call(req Request, want ResponseKind) (Response, error) {
	if d, ok := c.conn.(interface{ SetDeadline(time.Time) error }); ok {
		if err := d.SetDeadline(time.Now().Add(callTimeout)); err != nil {
			return Response{}, fmt.Errorf("setting deadline for %v: %w", req, err)
		}
	}
	slog.Debug("sim request", "req", req.String())
	if _, err := fmt.Fprintf(c.conn, "%s\n", req); err != nil {
		return Response{}, fmt.Errorf("sending %v: %w", req, err)
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Response{}, fmt.Errorf("reading reply to %v: %w", req, err)
	}
	resp, err := ParseResponse(line)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", mount.ErrProtocol, err)
	}
	if resp.Kind != want {
		return Response{}, fmt.Errorf("%w: got %v reply to %v", mount.ErrProtocol, resp.Kind, req)
	}
	if resp.Err != "" {
		return Response{}, &mount.RemoteError{Op: req.String(), Msg: resp.Err}
	}
	return resp, nil
}

func (c *Client) Slew(axis1, axis2 geometry.AngularVelocity) error {
	c.speed1, c.speed2 = axis1, axis2
	_, err := c.call(Request{Kind: Slew, Axis1: axis1.DegPerSec(), Axis2: axis2.DegPerSec()}, Reply)
	return err
}

func (c *Client) SlewAxis(axis mount.Axis, speed geometry.AngularVelocity) error {
	a1, a2 := c.speed1, c.speed2
	switch axis {
	case mount.Primary:
		a1 = speed
	case mount.Secondary:
		a2 = speed
	default:
		return fmt.Errorf("invalid axis %v", axis)
	}
	return c.Slew(a1, a2)
}

func (c *Client) Stop() error {
	c.speed1, c.speed2 = 0, 0
	_, err := c.call(Request{Kind: Stop}, Reply)
	return err
}

func (c *Client) Position() (geometry.Angle, geometry.Angle, error) {
	resp, err := c.call(Request{Kind: GetPosition}, Position)
	if err != nil {
		return 0, 0, err
	}
	return geometry.Deg(resp.Axis1), geometry.Deg(resp.Axis2), nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
