// Package station owns the tracker's world state: the connected mount, the
// latest target, the mount speed estimate and the tracking engine. All of it
// is touched by a single goroutine running Run; other goroutines hand work
// to it with Do.
package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/w1xm/mount_interface/geometry"
	"github.com/w1xm/mount_interface/internal/config"
	"github.com/w1xm/mount_interface/internal/telemetry"
	"github.com/w1xm/mount_interface/mount"
	"github.com/w1xm/mount_interface/target"
	"github.com/w1xm/mount_interface/tracking"
	"golang.org/x/time/rate"
)

const (
	MainInterval      = 200 * time.Millisecond
	TargetLogInterval = time.Second

	SlewSpeedChangeFactor = 1.5

	initialSlewSpeed = geometry.AngularVelocity(1)
	minSlewSpeed     = geometry.AngularVelocity(0.01)
	maxSlewSpeed     = geometry.AngularVelocity(5)
)

var (
	ErrStopped       = errors.New("station is not running")
	ErrUnknownPreset = errors.New("unknown reference preset")
)

// Recorder stores telemetry points.
type Recorder interface {
	RecordTarget(k target.Kinematics, t time.Time)
	RecordMount(s telemetry.MountStatus, t time.Time)
}

type Options struct {
	MaxSpeed  geometry.AngularVelocity
	MaxTravel geometry.Angle

	Axis1Reversed, Axis2Reversed bool

	Presets  []config.Preset
	Observer geometry.GeoPos

	Metrics  *telemetry.Metrics
	Recorder Recorder
	// OnStatus is called on the dispatcher goroutine whenever the status
	// changes. It must not block.
	OnStatus func(Status)
}

type Station struct {
	opts   Options
	world  tracking.World
	engine *tracking.Engine

	slewSpeed    geometry.AngularVelocity
	// Last operator slew request per axis, in [-1, 1].
	slew1, slew2 float64

	// Last calibrated mount position read by the main timer.
	pos1, pos2 geometry.Angle
	hasPos     bool

	dataSource string
	mountErr   error
	status     Status

	commands chan call
	samples  chan target.Sample
	done     chan struct{}

	warnLimit *rate.Limiter
}

func New(opts Options) *Station {
	if opts.MaxTravel <= 0 {
		opts.MaxTravel = mount.DefaultMaxTravel
	}
	s := &Station{
		opts:      opts,
		slewSpeed: initialSlewSpeed,
		commands:  make(chan call),
		samples:   make(chan target.Sample, 16),
		done:      make(chan struct{}),
		warnLimit: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	s.engine = tracking.New(&s.world, opts.MaxSpeed, s.onTrackingStateChanged)
	s.status = s.snapshot(time.Now())
	return s
}

// Samples is where data sources deliver target samples.
func (s *Station) Samples() chan<- target.Sample {
	return s.samples
}

type call struct {
	f    func(*Station) error
	errc chan error
}

// Do runs f on the dispatcher goroutine and returns its result once the
// resulting status has been published.
func (s *Station) Do(ctx context.Context, f func(*Station) error) error {
	c := call{f: f, errc: make(chan error, 1)}
	select {
	case s.commands <- c:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dispatches commands, samples and timers until ctx is canceled. On
// return the mount is stopped and closed.
func (s *Station) Run(ctx context.Context) error {
	defer close(s.done)
	mainTimer := time.NewTicker(MainInterval)
	defer mainTimer.Stop()
	logTimer := time.NewTicker(TargetLogInterval)
	defer logTimer.Stop()

	s.publish(time.Now())
	for {
		select {
		case <-ctx.Done():
			s.StopTracking()
			s.DisconnectMount()
			return ctx.Err()
		case c := <-s.commands:
			err := c.f(s)
			s.publish(time.Now())
			c.errc <- err
		case <-s.engine.Ticks():
			s.engine.Tick()
		case sample := <-s.samples:
			s.SetTarget(sample)
		case now := <-mainTimer.C:
			s.onMainTimer(now)
		case now := <-logTimer.C:
			s.onTargetLog(now)
		}
	}
}

// Status returns the last published status.
func (s *Station) Status() Status {
	return s.status
}

func (s *Station) Engine() *tracking.Engine {
	return s.engine
}

func (s *Station) Mount() *mount.Wrapper {
	return s.world.Mount
}

func (s *Station) Target() (target.Kinematics, bool) {
	if s.world.Target == nil {
		return target.Kinematics{}, false
	}
	return *s.world.Target, true
}

func (s *Station) SlewSpeed() geometry.AngularVelocity {
	return s.slewSpeed
}

// SetDataSource names the data source shown in the status.
func (s *Station) SetDataSource(name string) {
	s.dataSource = name
}

// ConnectMount wraps m and makes it the current mount, replacing (and
// closing) any previous one.
func (s *Station) ConnectMount(m mount.Mount) {
	s.DisconnectMount()
	w := mount.Wrap(m)
	w.SetMaxTravel(s.opts.MaxTravel)
	w.OnMaxTravelExceeded(s.onMaxTravelExceeded)
	s.world.Mount = w
	s.world.MountSpeed.Reset()
	s.hasPos = false
	s.mountErr = nil
	slog.Info("mount connected", "mount", m.Info())
}

// DisconnectMount stops tracking, then stops and closes the mount.
func (s *Station) DisconnectMount() {
	w := s.world.Mount
	if w == nil {
		return
	}
	if s.engine.IsActive() {
		s.engine.Stop()
	}
	if err := w.Stop(); err != nil {
		slog.Error("error stopping the mount", "err", err)
	}
	if err := w.Close(); err != nil {
		slog.Error("error closing the mount", "err", err)
	}
	s.world.Mount = nil
	s.world.MountSpeed.Reset()
	s.hasPos = false
	slog.Info("mount disconnected", "mount", w.Info())
}

// SetTarget replaces the current target with the kinematics of sample.
func (s *Station) SetTarget(sample target.Sample) {
	k, err := target.FromSample(sample)
	if err != nil {
		if s.warnLimit.Allow() {
			slog.Warn("ignoring target sample", "err", err)
		}
		return
	}
	s.world.Target = &k
	s.opts.Metrics.ObserveTarget(k)
}

func (s *Station) StartTracking() error {
	return s.engine.Start()
}

func (s *Station) StopTracking() {
	if s.engine.IsActive() {
		s.engine.Stop()
	}
}

func (s *Station) ToggleTracking() error {
	if s.engine.IsActive() {
		s.engine.Stop()
		return nil
	}
	return s.StartTracking()
}

// clampRel limits x to [-1, 1]; NaN counts as no slew.
func clampRel(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return min(max(x, -1), 1)
}

// Slew sets the operator slew on both axes. rel1 and rel2 are in [-1, 1].
// While tracking the slew adjusts the aim relative to the target; otherwise
// the mount moves at the slew speed scaled by rel.
func (s *Station) Slew(rel1, rel2 float64) error {
	rel1, rel2 = clampRel(rel1), clampRel(rel2)
	if s.opts.Axis1Reversed {
		rel1 = -rel1
	}
	if s.opts.Axis2Reversed {
		rel2 = -rel2
	}
	s.slew1, s.slew2 = rel1, rel2
	return s.applySlew()
}

// SlewAxis changes the operator slew on one axis, keeping the other. The
// value is taken as is, without reversal, like a push button.
func (s *Station) SlewAxis(axis mount.Axis, rel float64) error {
	switch axis {
	case mount.Primary:
		s.slew1 = clampRel(rel)
	case mount.Secondary:
		s.slew2 = clampRel(rel)
	default:
		return fmt.Errorf("unknown axis %v", axis)
	}
	return s.applySlew()
}

func (s *Station) applySlew() error {
	if s.engine.IsActive() {
		s.engine.AdjustSlew(s.slew1, s.slew2)
		return nil
	}
	w := s.world.Mount
	if w == nil {
		return mount.ErrNotConnected
	}
	err := w.Slew(s.slewSpeed.Scale(s.slew1), s.slewSpeed.Scale(s.slew2))
	if err != nil {
		slog.Error("error when slewing", "err", err)
		s.opts.Metrics.MountError("slew")
	}
	return err
}

// StopMount stops the mount and tracking.
func (s *Station) StopMount() error {
	s.slew1, s.slew2 = 0, 0
	w := s.world.Mount
	if w == nil {
		return mount.ErrNotConnected
	}
	err := w.Stop()
	if err != nil {
		slog.Error("error stopping the mount", "err", err)
		s.opts.Metrics.MountError("stop")
	}
	s.StopTracking()
	return err
}

func (s *Station) SaveAdjustment() {
	s.engine.SaveAdjustment()
}

func (s *Station) CancelAdjustment() {
	s.engine.CancelAdjustment()
}

// ChangeSlewSpeed multiplies the slew speed by factor. While tracking it
// changes the adjustment slew speed instead.
func (s *Station) ChangeSlewSpeed(factor float64) error {
	if factor <= 0 {
		return fmt.Errorf("invalid slew speed factor %v", factor)
	}
	if s.engine.IsActive() {
		s.engine.ChangeAdjustmentSlewSpeed(factor)
		return nil
	}
	s.slewSpeed = s.slewSpeed.Scale(factor).Clamp(minSlewSpeed, maxSlewSpeed)
	slog.Info("slew speed changed", "speed", s.slewSpeed)
	return nil
}

// SetReference declares that the mount currently points at (azimuth,
// altitude).
func (s *Station) SetReference(azimuth, altitude geometry.Angle) error {
	w := s.world.Mount
	if w == nil {
		return mount.ErrNotConnected
	}
	if err := w.SetReferencePosition(azimuth, altitude); err != nil {
		return err
	}
	slog.Info("reference position set", "azimuth", azimuth.Degrees(), "altitude", altitude.Degrees())
	// Calibrated positions jump; do not differentiate across the change.
	s.world.MountSpeed.Reset()
	s.hasPos = false
	return nil
}

// SetReferencePreset uses a named reference position from the configuration.
func (s *Station) SetReferencePreset(name string) error {
	for _, p := range s.opts.Presets {
		if p.Name == name {
			return s.SetReference(geometry.Deg(p.AzimuthDeg), geometry.Deg(p.AltitudeDeg))
		}
	}
	return fmt.Errorf("%w %q", ErrUnknownPreset, name)
}

// SetReferenceToward declares that the mount points at a landmark at the
// given geodetic position, as seen from the observer.
func (s *Station) SetReferenceToward(landmark geometry.GeoPos) error {
	az, alt := geometry.AzAltBetween(s.opts.Observer, landmark)
	return s.SetReference(az, alt)
}

// SetZero starts counting axis travel from the current position.
func (s *Station) SetZero() error {
	w := s.world.Mount
	if w == nil {
		return mount.ErrNotConnected
	}
	return w.SetZeroPosition()
}

func (s *Station) onMainTimer(now time.Time) {
	w := s.world.Mount
	if w == nil {
		return
	}
	axis1, axis2, err := w.Position()
	if err != nil {
		s.mountErr = err
		s.opts.Metrics.MountError("position")
		if s.warnLimit.Allow() {
			slog.Warn("failed to get mount position", "err", err)
		}
		s.publish(now)
		return
	}
	s.mountErr = nil
	s.pos1, s.pos2, s.hasPos = axis1, axis2, true
	s.world.MountSpeed.Notify(axis1, axis2, now)
	s.publish(now)

	if ms := s.status.Mount; ms != nil {
		t := ms.telemetry(s.engine.State().String())
		s.opts.Metrics.ObserveMount(t)
		if s.opts.Recorder != nil {
			s.opts.Recorder.RecordMount(t, now)
		}
	}
}

func (s *Station) onTargetLog(now time.Time) {
	k := s.world.Target
	if k == nil {
		return
	}
	slog.Info(fmt.Sprintf("target-log;dist;%.01f;speed;%v;altitude;%v", k.Distance, k.Speed, k.AltitudeAboveGround))
	if s.opts.Recorder != nil {
		s.opts.Recorder.RecordTarget(*k, now)
	}
}

func (s *Station) onMaxTravelExceeded(w *mount.Wrapper, axis1, axis2 bool) {
	if axis1 {
		slog.Warn("max travel in azimuth exceeded")
	}
	if axis2 {
		slog.Warn("max travel in altitude exceeded")
	}
	if axis1 || axis2 {
		s.StopTracking()
		if err := w.Stop(); err != nil {
			slog.Error("error stopping mount", "err", err)
		}
	}
}

func (s *Station) onTrackingStateChanged(running bool) {
	if running {
		slog.Info("tracking enabled")
	} else {
		slog.Info("tracking disabled")
	}
	s.opts.Metrics.SetTracking(running)
}

func (s *Station) snapshot(now time.Time) Status {
	st := Status{
		Time:                now,
		DataSource:          s.dataSource,
		Tracking:            s.engine.State().String(),
		SlewSpeed:           s.slewSpeed.DegPerSec(),
		AdjustmentSlewSpeed: s.engine.AdjustmentSlewSpeed().DegPerSec(),
	}
	if k := s.world.Target; k != nil {
		st.Target = targetStatus(*k)
	}
	if adj, ok := s.engine.Adjustment(); ok {
		st.Adjustment = &AdjustmentStatus{Direction: adj.Direction.Degrees(), Magnitude: adj.Magnitude.Degrees()}
	}
	if w := s.world.Mount; w != nil {
		ms := &MountStatus{
			Info:      w.Info(),
			MaxTravel: w.MaxTravel().Degrees(),
		}
		if s.hasPos {
			ms.Axis1, ms.Axis2 = s.pos1.Degrees(), s.pos2.Degrees()
			ms.Azimuth = displayAzimuth(ms.Axis1)
		}
		if s1, s2, ok := s.world.MountSpeed.Speed(); ok {
			d1, d2 := s1.DegPerSec(), s2.DegPerSec()
			ms.Speed1, ms.Speed2 = &d1, &d2
		}
		t1, t2 := w.TotalTravel()
		ms.Travel1, ms.Travel2 = t1.Degrees(), t2.Degrees()
		_, _, ms.ZeroSet = w.ZeroPosition()
		if s.mountErr != nil {
			ms.Error = s.mountErr.Error()
		}
		st.Mount = ms
	}
	return st
}

func (s *Station) publish(now time.Time) {
	s.status = s.snapshot(now)
	if s.opts.OnStatus != nil {
		s.opts.OnStatus(s.status)
	}
}
