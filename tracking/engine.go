// Package tracking keeps the mount pointed at a moving target by
// periodically commanding axis speeds from the target's angular rates and
// the remaining position error.
package tracking

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/w1xm/mount_interface/geometry"
	"github.com/w1xm/mount_interface/mount"
	"github.com/w1xm/mount_interface/target"
	"golang.org/x/time/rate"
)

const (
	// Kp is the speed commanded per degree of position error, in °/s per °.
	Kp = 0.25

	TickInterval = 500 * time.Millisecond

	DefaultMaxSpeed = geometry.AngularVelocity(5)

	minAdjustmentSpeed = geometry.AngularVelocity(0.025)
	maxAdjustmentSpeed = geometry.AngularVelocity(0.5)
)

var (
	ErrNoTarget = errors.New("no target")
	ErrNoMount  = errors.New("mount not connected")
)

// World is the state the engine shares with the rest of the dispatcher
// goroutine. It is owned by that goroutine and never locked.
type World struct {
	// Mount is nil while disconnected.
	Mount *mount.Wrapper
	// Target is nil until the first sample arrives.
	Target     *target.Kinematics
	MountSpeed mount.SpeedEstimator
}

type State int

const (
	Idle State = iota
	Tracking
	Adjusting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Tracking:
		return "tracking"
	case Adjusting:
		return "adjusting"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Controller is the subset of the engine used by operator commands and
// safety handlers.
type Controller interface {
	Start() error
	Stop()
	IsActive() bool
	ChangeAdjustmentSlewSpeed(factor float64)
}

// StateCallback is told whether tracking is running after every start
// and stop.
type StateCallback func(running bool)

type Engine struct {
	world    *World
	maxSpeed geometry.AngularVelocity
	callback StateCallback

	ticker     *time.Ticker
	adjusting  bool
	adjustment *Adjustment
	// adjustSpeed lasts for the session only.
	adjustSpeed geometry.AngularVelocity

	// Failed position reads and failed axis commands are throttled
	// separately; throttled failures still go to the debug log.
	positionWarn *rate.Limiter
	slewWarn     *rate.Limiter
}

var _ Controller = (*Engine)(nil)

func New(world *World, maxSpeed geometry.AngularVelocity, callback StateCallback) *Engine {
	if maxSpeed <= 0 {
		maxSpeed = DefaultMaxSpeed
	}
	if callback == nil {
		callback = func(bool) {}
	}
	return &Engine{
		world:        world,
		maxSpeed:     maxSpeed,
		callback:     callback,
		adjustSpeed:  maxAdjustmentSpeed,
		positionWarn: rate.NewLimiter(rate.Every(5*time.Second), 1),
		slewWarn:     rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Start arms the tick timer. It fails if no mount is connected.
func (e *Engine) Start() error {
	if e.world.Mount == nil {
		return ErrNoMount
	}
	slog.Info("start tracking")
	if e.ticker == nil {
		e.ticker = time.NewTicker(TickInterval)
	}
	e.callback(true)
	return nil
}

// Stop disarms the timer and drops any adjustment.
func (e *Engine) Stop() {
	slog.Info("stop tracking")
	if e.ticker != nil {
		e.ticker.Stop()
		e.ticker = nil
	}
	e.adjusting = false
	e.adjustment = nil
	e.callback(false)
}

func (e *Engine) IsActive() bool {
	return e.ticker != nil
}

func (e *Engine) State() State {
	switch {
	case e.ticker == nil:
		return Idle
	case e.adjusting:
		return Adjusting
	}
	return Tracking
}

// Ticks delivers timer ticks while tracking; it returns nil when idle so a
// select on it blocks.
func (e *Engine) Ticks() <-chan time.Time {
	if e.ticker == nil {
		return nil
	}
	return e.ticker.C
}

// Adjustment returns the saved adjustment, if any.
func (e *Engine) Adjustment() (Adjustment, bool) {
	if e.adjustment == nil {
		return Adjustment{}, false
	}
	return *e.adjustment, true
}

func (e *Engine) AdjustmentSlewSpeed() geometry.AngularVelocity {
	return e.adjustSpeed
}

// ChangeAdjustmentSlewSpeed multiplies the adjustment slew speed by factor,
// keeping it within [0.025, 0.5] °/s.
func (e *Engine) ChangeAdjustmentSlewSpeed(factor float64) {
	e.adjustSpeed = e.adjustSpeed.Scale(factor).Clamp(minAdjustmentSpeed, maxAdjustmentSpeed)
}

// Tick runs one control step. Errors that make tracking impossible stop
// the engine.
func (e *Engine) Tick() {
	if e.ticker == nil {
		return
	}
	if err := e.onTimer(); err != nil {
		slog.Error("error while tracking", "err", err)
		e.Stop()
	}
}

func (e *Engine) onTimer() error {
	m := e.world.Mount
	if m == nil {
		return ErrNoMount
	}
	if e.adjusting {
		return nil
	}
	if _, _, ok := e.world.MountSpeed.Speed(); !ok {
		slog.Debug("waiting for mount speed estimation")
		return nil
	}

	mountAz, mountAlt, err := m.Position()
	if err != nil {
		warnThrottled(e.positionWarn, "failed to get mount position", "err", err)
		return nil
	}
	// Position may have tripped the travel limit, which stops tracking.
	if e.ticker == nil {
		return nil
	}

	t := e.world.Target
	if t == nil {
		return ErrNoTarget
	}
	targetAz, targetAlt := t.Azimuth, t.Altitude
	if e.adjustment != nil {
		targetAz, targetAlt = adjustedPosition(targetAz, targetAlt, t.Tangential, *e.adjustment)
	}

	azDelta := geometry.AngleDiff(mountAz, targetAz)
	altDelta := geometry.AngleDiff(mountAlt, targetAlt)
	slog.Debug("tracking deltas", "az_delta", azDelta.Degrees(), "alt_delta", altDelta.Degrees())

	e.updateAxis(mount.Primary, azDelta, t.AzimuthRate)
	e.updateAxis(mount.Secondary, altDelta, t.AltitudeRate)
	return nil
}

func warnThrottled(l *rate.Limiter, msg string, args ...any) {
	if l.Allow() {
		slog.Warn(msg, args...)
	} else {
		slog.Debug(msg, args...)
	}
}

// axisSpeed adds the proportional correction for posDelta to the target
// rate and limits the result to the maximum speed. ok is false when the
// inputs do not yield a finite speed.
func (e *Engine) axisSpeed(posDelta geometry.Angle, targetRate geometry.AngularVelocity) (spd geometry.AngularVelocity, ok bool) {
	spd = targetRate + geometry.DegPerSec(posDelta.Degrees()*Kp)
	if !spd.IsFinite() {
		return 0, false
	}
	return spd.Clamp(-e.maxSpeed, e.maxSpeed), true
}

// updateAxis commands one axis. A failed command is logged and tracking
// carries on with the next tick.
func (e *Engine) updateAxis(axis mount.Axis, posDelta geometry.Angle, targetRate geometry.AngularVelocity) {
	spd, ok := e.axisSpeed(posDelta, targetRate)
	if !ok {
		warnThrottled(e.slewWarn, "skipping axis command with non-finite speed",
			"axis", axis, "delta", posDelta.Degrees(), "rate", targetRate.DegPerSec())
		return
	}
	if err := e.world.Mount.SlewAxis(axis, spd); err != nil {
		warnThrottled(e.slewWarn, "slewing axis", "axis", axis, "speed", spd, "err", err)
	}
}

// AdjustSlew moves the mount relative to the target at the adjustment slew
// speed scaled by rel1 and rel2, each in [-1, 1]. Ticks are suspended until
// the adjustment is saved or canceled.
func (e *Engine) AdjustSlew(rel1, rel2 float64) {
	if !e.adjusting {
		e.adjusting = true
		slog.Info("begin manual adjustment")
	}
	t := e.world.Target
	if t == nil {
		slog.Error("no target")
		e.Stop()
		return
	}
	if e.world.Mount == nil {
		slog.Error("error when slewing", "err", ErrNoMount)
		e.Stop()
		return
	}
	axis1 := t.AzimuthRate + e.adjustSpeed.Scale(rel1)
	axis2 := t.AltitudeRate + e.adjustSpeed.Scale(rel2)
	if !axis1.IsFinite() || !axis2.IsFinite() {
		slog.Error("refusing non-finite adjustment slew", "axis1", float64(axis1), "axis2", float64(axis2))
		return
	}
	if err := e.world.Mount.Slew(axis1, axis2); err != nil {
		slog.Error("error when slewing", "err", err)
	}
}

// SaveAdjustment records the current offset between mount and target as
// the adjustment and resumes tracking.
func (e *Engine) SaveAdjustment() {
	if !e.adjusting {
		return
	}
	t := e.world.Target
	if t == nil {
		slog.Error("no target")
		return
	}
	if e.world.Mount == nil {
		slog.Error("saving adjustment", "err", ErrNoMount)
		return
	}
	mountAz, mountAlt, err := e.world.Mount.Position()
	if err != nil {
		slog.Warn("failed to get mount position", "err", err)
		return
	}
	adj := newAdjustment(t.Azimuth, t.Altitude, mountAz, mountAlt, t.Tangential)
	slog.Info("using new adjustment", "adjustment", adj.String())
	e.adjustment = &adj
	e.adjusting = false
}

// CancelAdjustment drops the adjustment and resumes plain tracking.
func (e *Engine) CancelAdjustment() {
	e.adjusting = false
	e.adjustment = nil
	slog.Info("cancel manual adjustment")
}
