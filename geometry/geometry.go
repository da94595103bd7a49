// Package geometry holds the angle and vector math shared by the mount,
// target and tracking packages.
//
// The local frame has its origin at the observer with x pointing north,
// y pointing west and z pointing up.
package geometry

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// EarthRadius is the radius in metres of the spherical Earth used by
// AzAltBetween.
const EarthRadius = 6371000.0

// Angle is stored in radians; use Deg and Degrees to cross the unit boundary.
type Angle = s1.Angle

// Deg returns an Angle of x degrees.
func Deg(x float64) Angle {
	return Angle(x) * s1.Degree
}

// Rad returns an Angle of x radians.
func Rad(x float64) Angle {
	return Angle(x)
}

// AngularVelocity is in degrees per second.
// Mount protocols speak degrees, so keeping them as the base unit avoids
// round-trip error when encoding commands.
type AngularVelocity float64

func DegPerSec(x float64) AngularVelocity {
	return AngularVelocity(x)
}

func RadPerSec(x float64) AngularVelocity {
	return AngularVelocity(x * 180 / math.Pi)
}

func (v AngularVelocity) DegPerSec() float64 {
	return float64(v)
}

func (v AngularVelocity) RadPerSec() float64 {
	return float64(v) * math.Pi / 180
}

// Scale multiplies v by a dimensionless factor.
func (v AngularVelocity) Scale(f float64) AngularVelocity {
	return AngularVelocity(float64(v) * f)
}

// IsFinite reports whether v is neither NaN nor infinite.
func (v AngularVelocity) IsFinite() bool {
	return !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0)
}

// Clamp limits v to [lo, hi]. NaN clamps to zero.
func (v AngularVelocity) Clamp(lo, hi AngularVelocity) AngularVelocity {
	if math.IsNaN(float64(v)) {
		return 0
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (v AngularVelocity) String() string {
	return fmt.Sprintf("%.2f°/s", float64(v))
}

// AngleDiff returns b-a normalized into (-180°, 180°], i.e. the shorter
// rotation taking a onto b.
func AngleDiff(a, b Angle) Angle {
	d1 := math.Mod(a.Degrees(), 360)
	d2 := math.Mod(b.Degrees(), 360)

	// Bring both operands onto the same side of zero.
	if math.Signbit(d1) != math.Signbit(d2) {
		if math.Signbit(d1) {
			d1 += 360
		} else {
			d2 += 360
		}
	}

	d := d2 - d1
	switch {
	case d > 180:
		d -= 360
	case d <= -180:
		d += 360
	}
	return Deg(d)
}

// ToSpherical returns the azimuth and altitude of pos.
// Azimuth grows from north towards east and lies in (0°, 360°]; a vector
// pointing due north reports 360°.
func ToSpherical(pos r3.Vector) (azimuth, altitude Angle) {
	atan2 := math.Atan2(pos.Y, pos.X) * 180 / math.Pi
	var az float64
	if atan2 < 0 && atan2 > -180 {
		az = -atan2
	} else {
		az = 360 - atan2
	}
	alt := math.Asin(pos.Z/pos.Norm()) * 180 / math.Pi
	return Deg(az), Deg(alt)
}

// SphericalToUnit returns the unit vector pointing at azimuth, altitude.
func SphericalToUnit(azimuth, altitude Angle) r3.Vector {
	az, alt := azimuth.Radians(), altitude.Radians()
	return r3.Vector{
		X: math.Cos(alt) * math.Cos(az),
		Y: -math.Cos(alt) * math.Sin(az),
		Z: math.Sin(alt),
	}
}

// RotateAbout rotates v counter-clockwise by angle around the unit vector axis.
func RotateAbout(v, axis r3.Vector, angle Angle) r3.Vector {
	s, c := math.Sincos(angle.Radians())
	return v.Mul(c).
		Add(axis.Cross(v).Mul(s)).
		Add(axis.Mul(axis.Dot(v) * (1 - c)))
}

// GeoPos is a position above a spherical Earth.
type GeoPos struct {
	LatLng s2.LatLng
	// Elevation above the sphere in metres.
	Elevation float64
}

func NewGeoPos(latDeg, lonDeg, elevation float64) GeoPos {
	return GeoPos{LatLng: s2.LatLngFromDegrees(latDeg, lonDeg), Elevation: elevation}
}

func (g GeoPos) unit() r3.Vector {
	return s2.PointFromLatLng(g.LatLng).Vector
}

func (g GeoPos) String() string {
	return fmt.Sprintf("%.5f,%.5f,%.0fm", g.LatLng.Lat.Degrees(), g.LatLng.Lng.Degrees(), g.Elevation)
}

// unitTangent returns the unit vector tangent at p1 to the great circle
// running from p1 towards p2.
func unitTangent(p1, p2 r3.Vector) r3.Vector {
	return p1.Cross(p2).Normalize().Cross(p1)
}

func clampUnit(x float64) float64 {
	return math.Max(-1, math.Min(1, x))
}

// AzAltBetween returns the azimuth and altitude at which an observer at obs
// sees target.
//
// When obs and target share a latitude and longitude the direction is
// degenerate: azimuth is reported as 0 and altitude as +90°, -90° or 0
// depending on which one is higher.
func AzAltBetween(obs, target GeoPos) (azimuth, altitude Angle) {
	northPole := r3.Vector{Z: 1}
	p1 := obs.unit()
	p2 := target.unit()

	cos := clampUnit(p1.Dot(p2))
	sin := math.Sqrt(1 - cos*cos)
	if sin == 0 {
		switch {
		case target.Elevation > obs.Elevation:
			return 0, Deg(90)
		case target.Elevation < obs.Elevation:
			return 0, Deg(-90)
		}
		return 0, 0
	}

	toNorthPole := unitTangent(p1, northPole)
	toTarget := unitTangent(p1, p2)
	az := math.Acos(clampUnit(toNorthPole.Dot(toTarget)))
	if toNorthPole.Cross(toTarget).Dot(p1) > 0 {
		az = -az
	}

	ratio := (EarthRadius + obs.Elevation) / (EarthRadius + target.Elevation)
	alt := math.Atan((cos - ratio) / sin)

	return Rad(az), Rad(alt)
}
