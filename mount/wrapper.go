package mount

import (
	"fmt"
	"time"

	"github.com/w1xm/mount_interface/geometry"
)

// DefaultMaxTravel is the cumulative rotation per axis, in either direction,
// after which the travel callback fires.
var DefaultMaxTravel = geometry.Deg(360)

// Float noise from summing many small diffs must not trip the limit early.
const travelEpsilon = geometry.Angle(1e-9)

const zeroPositionRetry = time.Second

// TravelCallback is called with the current exceeded state of each axis
// whenever either axis newly crosses the travel limit.
type TravelCallback func(w *Wrapper, axis1Exceeded, axis2Exceeded bool)

// Wrapper adds a reference offset and cumulative travel accounting to a
// Mount. Slew, SlewAxis, Stop, Info and Close pass straight through.
//
// A Wrapper is owned by a single goroutine and is not safe for concurrent
// use.
type Wrapper struct {
	Mount

	// offset1 and offset2 are added to raw positions.
	offset1, offset2 geometry.Angle

	zero1, zero2 geometry.Angle
	hasZero      bool

	travel1, travel2 geometry.Angle
	maxTravel        geometry.Angle

	last1, last2 geometry.Angle
	hasLast      bool

	exceeded TravelCallback

	now   func() time.Time
	sleep func(time.Duration)
}

func Wrap(m Mount) *Wrapper {
	return &Wrapper{
		Mount:     m,
		maxTravel: DefaultMaxTravel,
		now:       time.Now,
		sleep:     time.Sleep,
	}
}

// Unwrap returns the device client.
func (w *Wrapper) Unwrap() Mount {
	return w.Mount
}

func (w *Wrapper) SetMaxTravel(max geometry.Angle) {
	w.maxTravel = max
}

func (w *Wrapper) MaxTravel() geometry.Angle {
	return w.maxTravel
}

// OnMaxTravelExceeded registers the callback; it fires once per crossing.
func (w *Wrapper) OnMaxTravelExceeded(cb TravelCallback) {
	w.exceeded = cb
}

// SetReferencePosition calibrates the mount so that its current position
// reads as (axis1, axis2).
func (w *Wrapper) SetReferencePosition(axis1, axis2 geometry.Angle) error {
	raw1, raw2, err := w.Mount.Position()
	if err != nil {
		return fmt.Errorf("setting reference position: %w", err)
	}
	w.offset1 = axis1 - raw1
	w.offset2 = axis2 - raw2
	return nil
}

func (w *Wrapper) ReferenceOffset() (axis1, axis2 geometry.Angle) {
	return w.offset1, w.offset2
}

// SetZeroPosition stores the current raw position as the zero position and
// resets cumulative travel. Reads are retried for up to a second.
func (w *Wrapper) SetZeroPosition() error {
	start := w.now()
	var lastErr error
	for w.now().Sub(start) < zeroPositionRetry {
		raw1, raw2, err := w.Mount.Position()
		if err == nil {
			w.zero1, w.zero2, w.hasZero = raw1, raw2, true
			w.travel1, w.travel2 = 0, 0
			return nil
		}
		lastErr = err
		w.sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("failed to read mount position: %w", lastErr)
}

// ZeroPosition returns the raw position stored by SetZeroPosition.
func (w *Wrapper) ZeroPosition() (axis1, axis2 geometry.Angle, ok bool) {
	return w.zero1, w.zero2, w.hasZero
}

// TotalTravel returns the signed rotation of each axis since the last zero.
func (w *Wrapper) TotalTravel() (axis1, axis2 geometry.Angle) {
	return w.travel1, w.travel2
}

func (w *Wrapper) overLimit(travel geometry.Angle) bool {
	return travel.Abs() > w.maxTravel+travelEpsilon
}

// Position returns the calibrated position, updating cumulative travel
// from the previous raw read.
func (w *Wrapper) Position() (axis1, axis2 geometry.Angle, err error) {
	raw1, raw2, err := w.Mount.Position()
	if err != nil {
		return 0, 0, err
	}
	fire := false
	var exceeded1, exceeded2 bool
	if w.hasLast {
		was1, was2 := w.overLimit(w.travel1), w.overLimit(w.travel2)
		w.travel1 += geometry.AngleDiff(w.last1, raw1)
		w.travel2 += geometry.AngleDiff(w.last2, raw2)
		exceeded1, exceeded2 = w.overLimit(w.travel1), w.overLimit(w.travel2)
		fire = (!was1 && exceeded1) || (!was2 && exceeded2)
	}
	w.last1, w.last2, w.hasLast = raw1, raw2, true
	if fire && w.exceeded != nil {
		w.exceeded(w, exceeded1, exceeded2)
	}
	return raw1 + w.offset1, raw2 + w.offset2, nil
}
