package tracking

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/w1xm/mount_interface/geometry"
	"github.com/w1xm/mount_interface/mount"
	"github.com/w1xm/mount_interface/target"
)

type command struct {
	Op            string
	Axis          mount.Axis
	Speed, Speed2 float64
}

type fakeMount struct {
	pos1, pos2 float64 // degrees
	posErr     error
	slewErr    error
	commands   []command
}

func (f *fakeMount) Info() string { return "fake" }

func (f *fakeMount) Slew(a1, a2 geometry.AngularVelocity) error {
	f.commands = append(f.commands, command{Op: "slew", Speed: a1.DegPerSec(), Speed2: a2.DegPerSec()})
	return f.slewErr
}

func (f *fakeMount) SlewAxis(axis mount.Axis, s geometry.AngularVelocity) error {
	f.commands = append(f.commands, command{Op: "slew_axis", Axis: axis, Speed: s.DegPerSec()})
	return f.slewErr
}

func (f *fakeMount) Stop() error {
	f.commands = append(f.commands, command{Op: "stop"})
	return nil
}

func (f *fakeMount) Position() (geometry.Angle, geometry.Angle, error) {
	if f.posErr != nil {
		return 0, 0, f.posErr
	}
	return geometry.Deg(f.pos1), geometry.Deg(f.pos2), nil
}

func (f *fakeMount) Close() error { return nil }

var approx = cmpopts.EquateApprox(0, 1e-9)

func stationaryTarget(az, alt float64) *target.Kinematics {
	return &target.Kinematics{
		Azimuth:  geometry.Deg(az),
		Altitude: geometry.Deg(alt),
		// Moving along the horizon, eastwards in the local frame at az 0.
		Tangential: r3.Vector{Y: -1},
	}
}

type setup struct {
	mount   *fakeMount
	world   *World
	engine  *Engine
	running []bool
}

func newSetup(t *testing.T, mountAz, mountAlt float64) *setup {
	t.Helper()
	s := &setup{mount: &fakeMount{pos1: mountAz, pos2: mountAlt}}
	s.world = &World{Mount: mount.Wrap(s.mount)}
	t0 := time.Unix(0, 0)
	s.world.MountSpeed.Notify(0, 0, t0)
	s.world.MountSpeed.Notify(0, 0, t0.Add(time.Second))
	s.engine = New(s.world, DefaultMaxSpeed, func(running bool) {
		s.running = append(s.running, running)
	})
	if err := s.engine.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.engine.Stop)
	return s
}

func TestTickProportional(t *testing.T) {
	for _, test := range []struct {
		name                string
		mountAz, mountAlt   float64
		targetAz, targetAlt float64
		azRate, altRate     float64
		want1, want2        float64
	}{
		{name: "stationary", mountAz: 90, mountAlt: 10, targetAz: 100, targetAlt: 10, want1: 2.5, want2: 0},
		{name: "clamped", mountAz: 0, mountAlt: 10, targetAz: 100, targetAlt: 30, want1: 5, want2: 5},
		{name: "clamped negative", mountAz: 200, mountAlt: 50, targetAz: 100, targetAlt: 45, want1: -5, want2: -1.25},
		{name: "across north", mountAz: 358, mountAlt: 10, targetAz: 2, targetAlt: 10, want1: 1, want2: 0},
		{name: "with target rate", mountAz: 98, mountAlt: 10, targetAz: 100, targetAlt: 12, azRate: 1, altRate: -0.25, want1: 1.5, want2: 0.25},
	} {
		t.Run(test.name, func(t *testing.T) {
			s := newSetup(t, test.mountAz, test.mountAlt)
			tgt := stationaryTarget(test.targetAz, test.targetAlt)
			tgt.AzimuthRate = geometry.DegPerSec(test.azRate)
			tgt.AltitudeRate = geometry.DegPerSec(test.altRate)
			s.world.Target = tgt
			s.engine.Tick()
			want := []command{
				{Op: "slew_axis", Axis: mount.Primary, Speed: test.want1},
				{Op: "slew_axis", Axis: mount.Secondary, Speed: test.want2},
			}
			if diff := cmp.Diff(want, s.mount.commands, approx); diff != "" {
				t.Errorf("commands: got(+)/want(-):\n%s", diff)
			}
			if s.engine.State() != Tracking {
				t.Errorf("state = %v, want tracking", s.engine.State())
			}
		})
	}
}

func TestTickNoTargetStops(t *testing.T) {
	s := newSetup(t, 0, 0)
	s.engine.Tick()
	if s.engine.IsActive() || s.engine.Ticks() != nil {
		t.Error("engine still active without a target")
	}
	if diff := cmp.Diff([]bool{true, false}, s.running); diff != "" {
		t.Errorf("state callbacks: got(+)/want(-):\n%s", diff)
	}
	if len(s.mount.commands) != 0 {
		t.Errorf("unexpected commands %v", s.mount.commands)
	}
}

func TestTickNoMountStops(t *testing.T) {
	s := newSetup(t, 0, 0)
	s.world.Mount = nil
	s.engine.Tick()
	if s.engine.State() != Idle {
		t.Errorf("state = %v, want idle", s.engine.State())
	}
}

func TestTickWaitsForSpeedEstimate(t *testing.T) {
	s := newSetup(t, 90, 10)
	s.world.Target = stationaryTarget(100, 10)
	s.world.MountSpeed.Reset()
	s.engine.Tick()
	if len(s.mount.commands) != 0 || !s.engine.IsActive() {
		t.Errorf("commands %v, active %v", s.mount.commands, s.engine.IsActive())
	}
}

func TestTickSkipsFailedRead(t *testing.T) {
	s := newSetup(t, 90, 10)
	s.world.Target = stationaryTarget(100, 10)
	s.mount.posErr = errors.New("timeout")
	s.engine.Tick()
	if len(s.mount.commands) != 0 || !s.engine.IsActive() {
		t.Errorf("commands %v, active %v", s.mount.commands, s.engine.IsActive())
	}
}

func TestTickContinuesAfterSlewError(t *testing.T) {
	s := newSetup(t, 90, 10)
	s.world.Target = stationaryTarget(100, 10)
	s.mount.slewErr = errors.New("no confirmation")
	s.engine.Tick()
	s.engine.Tick()
	if !s.engine.IsActive() {
		t.Error("slew error stopped tracking")
	}
	if got := len(s.mount.commands); got != 4 {
		t.Errorf("got %d commands, want both axes commanded on both ticks", got)
	}
}

func TestTickSkipsNonFiniteAxis(t *testing.T) {
	for _, test := range []struct {
		name string
		edit func(k *target.Kinematics)
		want []command
	}{
		{
			name: "NaN azimuth rate",
			edit: func(k *target.Kinematics) { k.AzimuthRate = geometry.DegPerSec(math.NaN()) },
			want: []command{{Op: "slew_axis", Axis: mount.Secondary, Speed: 0}},
		},
		{
			name: "infinite altitude rate",
			edit: func(k *target.Kinematics) { k.AltitudeRate = geometry.DegPerSec(math.Inf(-1)) },
			want: []command{{Op: "slew_axis", Axis: mount.Primary, Speed: 2.5}},
		},
		{
			name: "NaN azimuth",
			edit: func(k *target.Kinematics) { k.Azimuth = geometry.Deg(math.NaN()) },
			want: []command{{Op: "slew_axis", Axis: mount.Secondary, Speed: 0}},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			s := newSetup(t, 90, 10)
			tgt := stationaryTarget(100, 10)
			test.edit(tgt)
			s.world.Target = tgt
			s.engine.Tick()
			if diff := cmp.Diff(test.want, s.mount.commands, approx); diff != "" {
				t.Errorf("commands: got(+)/want(-):\n%s", diff)
			}
			if s.engine.State() != Tracking {
				t.Errorf("state = %v, want tracking", s.engine.State())
			}
		})
	}
}

func TestAdjustSlewRefusesNonFinite(t *testing.T) {
	s := newSetup(t, 90, 10)
	tgt := stationaryTarget(100, 10)
	tgt.AltitudeRate = geometry.DegPerSec(math.NaN())
	s.world.Target = tgt
	s.engine.AdjustSlew(1, 0)
	if len(s.mount.commands) != 0 {
		t.Errorf("unexpected commands %v", s.mount.commands)
	}
}

// captureLog sends the default logger to a buffer for the rest of the test.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(old) })
	return &buf
}

func TestTickWarningsThrottledSeparately(t *testing.T) {
	buf := captureLog(t)
	s := newSetup(t, 90, 10)
	s.world.Target = stationaryTarget(100, 10)

	s.mount.posErr = errors.New("timeout")
	s.engine.Tick()
	s.engine.Tick()
	s.mount.posErr = nil
	s.mount.slewErr = errors.New("no confirmation")
	s.engine.Tick()

	var warnings, debug []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		for _, msg := range []string{"failed to get mount position", "slewing axis"} {
			if !strings.Contains(line, msg) {
				continue
			}
			switch {
			case strings.Contains(line, "level=WARN"):
				warnings = append(warnings, msg)
			case strings.Contains(line, "level=DEBUG"):
				debug = append(debug, msg)
			}
		}
	}
	// The second read failure and the second axis failure are throttled.
	if diff := cmp.Diff([]string{"failed to get mount position", "slewing axis"}, warnings); diff != "" {
		t.Errorf("warnings: got(+)/want(-):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"failed to get mount position", "slewing axis"}, debug); diff != "" {
		t.Errorf("debug messages: got(+)/want(-):\n%s", diff)
	}
}

func TestTickAbortsOnTravelLimit(t *testing.T) {
	s := newSetup(t, 0, 0)
	s.world.Target = stationaryTarget(100, 10)
	w := s.world.Mount
	w.SetMaxTravel(geometry.Deg(90))
	w.OnMaxTravelExceeded(func(mw *mount.Wrapper, _, _ bool) {
		s.engine.Stop()
		mw.Stop()
	})
	// First read primes the travel accounting.
	w.Position()
	s.mount.pos1 = 100
	s.engine.Tick()
	if s.engine.IsActive() {
		t.Error("tracking still active after travel limit")
	}
	if diff := cmp.Diff([]command{{Op: "stop"}}, s.mount.commands); diff != "" {
		t.Errorf("commands: got(+)/want(-):\n%s", diff)
	}
}

func TestStartRequiresMount(t *testing.T) {
	var running []bool
	e := New(&World{}, 0, func(r bool) { running = append(running, r) })
	if err := e.Start(); !errors.Is(err, ErrNoMount) {
		t.Errorf("got %v, want ErrNoMount", err)
	}
	if e.IsActive() || len(running) != 0 {
		t.Errorf("active %v, callbacks %v", e.IsActive(), running)
	}
	if e.maxSpeed != DefaultMaxSpeed {
		t.Errorf("max speed %v, want default", e.maxSpeed)
	}
}

func TestStartStop(t *testing.T) {
	s := newSetup(t, 0, 0)
	if s.engine.Ticks() == nil || s.engine.State() != Tracking {
		t.Fatal("not tracking after Start")
	}
	s.world.Target = stationaryTarget(0, 0)
	s.engine.AdjustSlew(0, 0)
	if s.engine.State() != Adjusting {
		t.Fatalf("state = %v, want adjusting", s.engine.State())
	}
	s.engine.Stop()
	if s.engine.Ticks() != nil || s.engine.State() != Idle {
		t.Error("still tracking after Stop")
	}
	if _, ok := s.engine.Adjustment(); ok {
		t.Error("adjustment kept after Stop")
	}
}

func TestAdjustSlew(t *testing.T) {
	s := newSetup(t, 100, 10)
	tgt := stationaryTarget(100, 10)
	tgt.AzimuthRate = geometry.DegPerSec(1)
	s.world.Target = tgt

	s.engine.AdjustSlew(1, -0.5)
	if s.engine.State() != Adjusting {
		t.Fatalf("state = %v, want adjusting", s.engine.State())
	}
	// Ticks are suspended while adjusting.
	s.engine.Tick()
	s.engine.ChangeAdjustmentSlewSpeed(0.5)
	s.engine.AdjustSlew(0, 1)
	want := []command{
		{Op: "slew", Speed: 1.5, Speed2: -0.25},
		{Op: "slew", Speed: 1, Speed2: 0.25},
	}
	if diff := cmp.Diff(want, s.mount.commands, approx); diff != "" {
		t.Errorf("commands: got(+)/want(-):\n%s", diff)
	}
}

func TestAdjustSlewNoTarget(t *testing.T) {
	s := newSetup(t, 0, 0)
	s.engine.AdjustSlew(1, 0)
	if s.engine.State() != Idle {
		t.Errorf("state = %v, want idle", s.engine.State())
	}
}

func TestSaveZeroAdjustment(t *testing.T) {
	s := newSetup(t, 100, 10)
	s.world.Target = stationaryTarget(100, 10)

	s.engine.SaveAdjustment() // not adjusting: ignored
	if _, ok := s.engine.Adjustment(); ok {
		t.Fatal("adjustment saved without adjusting")
	}
	s.engine.AdjustSlew(0, 0)
	s.engine.SaveAdjustment()
	adj, ok := s.engine.Adjustment()
	if !ok || s.engine.State() != Tracking {
		t.Fatalf("adjustment %v, state %v", ok, s.engine.State())
	}
	if adj.Magnitude != 0 {
		t.Errorf("magnitude = %v, want 0", adj.Magnitude)
	}
	s.mount.commands = nil
	s.engine.Tick()
	s.engine.Tick()
	for _, c := range s.mount.commands {
		if math.Abs(c.Speed) > 1e-9 {
			t.Errorf("zero adjustment moved the aim point: %+v", c)
		}
	}
}

func TestCancelAdjustment(t *testing.T) {
	s := newSetup(t, 101, 10)
	s.world.Target = stationaryTarget(100, 10)
	s.engine.AdjustSlew(1, 0)
	s.engine.SaveAdjustment()
	if _, ok := s.engine.Adjustment(); !ok {
		t.Fatal("no adjustment saved")
	}
	s.engine.AdjustSlew(1, 0)
	s.engine.CancelAdjustment()
	if _, ok := s.engine.Adjustment(); ok || s.engine.State() != Tracking {
		t.Errorf("adjustment kept or state %v after cancel", s.engine.State())
	}
}

func TestChangeAdjustmentSlewSpeed(t *testing.T) {
	e := New(&World{}, 0, nil)
	var got []float64
	for _, f := range []float64{1.5, 1 / 1.5, 0.1, 0.1, 3, 100} {
		e.ChangeAdjustmentSlewSpeed(f)
		got = append(got, e.AdjustmentSlewSpeed().DegPerSec())
	}
	want := []float64{0.5, 0.5 / 1.5, 0.5 / 15, 0.025, 0.075, 0.5}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("adjustment speeds: got(+)/want(-):\n%s", diff)
	}
}

func TestAdjustmentFollowsTarget(t *testing.T) {
	vt := r3.Vector{X: 0.3, Y: -1, Z: 0.2}
	for _, test := range []struct {
		dAz, dAlt float64
	}{
		{0.5, 0}, {-0.5, 0}, {0, 0.5}, {0, -0.3}, {0.2, -0.2}, {-0.4, 0.1},
	} {
		t.Run(fmt.Sprintf("%v,%v", test.dAz, test.dAlt), func(t *testing.T) {
			targetAz, targetAlt := geometry.Deg(10), geometry.Deg(20)
			// Make the tangential velocity perpendicular to the line of sight.
			r := geometry.SphericalToUnit(targetAz, targetAlt)
			v := vt.Sub(r.Mul(vt.Dot(r)))
			mountAz, mountAlt := geometry.Deg(10+test.dAz), geometry.Deg(20+test.dAlt)

			adj := newAdjustment(targetAz, targetAlt, mountAz, mountAlt, v)
			az, alt := adjustedPosition(targetAz, targetAlt, v, adj)
			got := []float64{az.Degrees(), alt.Degrees()}
			want := []float64{mountAz.Degrees(), mountAlt.Degrees()}
			if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 0.01)); diff != "" {
				t.Errorf("adjusted aim point (%v): got(+)/want(-):\n%s", adj, diff)
			}
		})
	}
}

func TestAdjustmentZeroVelocity(t *testing.T) {
	adj := newAdjustment(geometry.Deg(10), geometry.Deg(20), geometry.Deg(11), geometry.Deg(20), r3.Vector{})
	if adj.Direction != 0 || adj.Magnitude == 0 {
		t.Errorf("got %v", adj)
	}
	az, alt := adjustedPosition(geometry.Deg(10), geometry.Deg(20), r3.Vector{}, adj)
	if math.Abs(az.Degrees()-10) > 1e-9 || math.Abs(alt.Degrees()-20) > 1e-9 {
		t.Errorf("adjusted position without velocity = %v, %v", az.Degrees(), alt.Degrees())
	}
}
