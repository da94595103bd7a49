package tracking

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/golang/geo/r3"
	"github.com/w1xm/mount_interface/geometry"
)

// Adjustment is a persistent correction of the aim point relative to the
// computed target position, expressed in the target's own frame so that it
// follows the target across the sky.
type Adjustment struct {
	// Direction is the rotation of the tangential velocity around the
	// target position vector.
	Direction geometry.Angle
	// Magnitude is the angular displacement along Direction.
	Magnitude geometry.Angle
}

func (a Adjustment) String() string {
	return fmt.Sprintf("rel_dir = %.01f°, angle = %.02f°", a.Direction.Degrees(), a.Magnitude.Degrees())
}

// newAdjustment derives the adjustment that moves the aim point from the
// target position to the mount position. The offset is not projected onto
// the tangent plane and its chord stands in for the arc; both are fine for
// the small angles involved.
func newAdjustment(targetAz, targetAlt, mountAz, mountAlt geometry.Angle, vTangential r3.Vector) Adjustment {
	targetPos := geometry.SphericalToUnit(targetAz, targetAlt)
	mountPos := geometry.SphericalToUnit(mountAz, mountAlt)
	offset := mountPos.Sub(targetPos)

	var rotation float64
	if denom := offset.Norm() * vTangential.Norm(); denom > 0 {
		cross := vTangential.Cross(offset)
		rotation = math.Asin(math.Min(1, cross.Norm()/denom))
		if vTangential.Dot(offset) < 0 {
			rotation = math.Pi - rotation
		}
		if cross.Dot(targetPos) < 0 {
			rotation = -rotation
		}
	}
	return Adjustment{
		Direction: geometry.Rad(rotation),
		Magnitude: geometry.Rad(offset.Norm()),
	}
}

// adjustedPosition applies adj to the target position.
func adjustedPosition(azimuth, altitude geometry.Angle, vTangential r3.Vector, adj Adjustment) (geometry.Angle, geometry.Angle) {
	r := geometry.SphericalToUnit(azimuth, altitude)
	dir := geometry.RotateAbout(vTangential.Normalize(), r, adj.Direction)
	az, alt := geometry.ToSpherical(r.Add(dir.Mul(adj.Magnitude.Radians())))
	slog.Debug("adjusted position", "az", az.Degrees(), "alt", alt.Degrees())
	return az, alt
}
