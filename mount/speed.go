package mount

import (
	"time"

	"github.com/w1xm/mount_interface/geometry"
)

// SpeedEstimator derives axis speeds by differentiating successive
// calibrated position reads.
type SpeedEstimator struct {
	lastT        time.Time
	last1, last2 geometry.Angle
	hasLast      bool

	speed1, speed2 geometry.AngularVelocity
	hasSpeed       bool
}

// Notify records a position read taken at t.
func (e *SpeedEstimator) Notify(axis1, axis2 geometry.Angle, t time.Time) {
	if e.hasLast {
		if dt := t.Sub(e.lastT).Seconds(); dt > 0 {
			e.speed1 = geometry.RadPerSec((axis1 - e.last1).Radians() / dt)
			e.speed2 = geometry.RadPerSec((axis2 - e.last2).Radians() / dt)
			e.hasSpeed = true
		}
	}
	e.lastT, e.last1, e.last2, e.hasLast = t, axis1, axis2, true
}

// Speed returns the most recent estimate; ok is false until two reads with
// distinct timestamps have been seen.
func (e *SpeedEstimator) Speed() (axis1, axis2 geometry.AngularVelocity, ok bool) {
	return e.speed1, e.speed2, e.hasSpeed
}

// Reset forgets all reads, e.g. after switching mounts.
func (e *SpeedEstimator) Reset() {
	*e = SpeedEstimator{}
}
