package station

import (
	"math"
	"time"

	"github.com/w1xm/mount_interface/internal/telemetry"
	"github.com/w1xm/mount_interface/target"
)

// Status is a snapshot of the station published after every main timer
// tick and every command.
type Status struct {
	Time                time.Time         `json:"time"`
	Mount               *MountStatus      `json:"mount,omitempty"`
	Target              *TargetStatus     `json:"target,omitempty"`
	DataSource          string            `json:"data_source,omitempty"`
	Tracking            string            `json:"tracking"`
	SlewSpeed           float64           `json:"slew_speed"`
	AdjustmentSlewSpeed float64           `json:"adjustment_slew_speed"`
	Adjustment          *AdjustmentStatus `json:"adjustment,omitempty"`
}

type MountStatus struct {
	Info      string   `json:"info"`
	// Azimuth is Axis1 normalized to [0, 360).
	Azimuth   float64  `json:"azimuth"`
	Axis1     float64  `json:"axis1"`
	Axis2     float64  `json:"axis2"`
	Speed1    *float64 `json:"speed1,omitempty"`
	Speed2    *float64 `json:"speed2,omitempty"`
	Travel1   float64  `json:"travel1"`
	Travel2   float64  `json:"travel2"`
	MaxTravel float64  `json:"max_travel"`
	ZeroSet   bool     `json:"zero_set"`
	Error     string   `json:"error,omitempty"`
}

type TargetStatus struct {
	Distance            float64 `json:"distance"`
	Speed               float64 `json:"speed"`
	AltitudeAboveGround float64 `json:"altitude_above_ground"`
	Azimuth             float64 `json:"azimuth"`
	Altitude            float64 `json:"altitude"`
	AzimuthRate         float64 `json:"azimuth_rate"`
	AltitudeRate        float64 `json:"altitude_rate"`
	AngularSpeed        float64 `json:"angular_speed"`
}

type AdjustmentStatus struct {
	Direction float64 `json:"direction"`
	Magnitude float64 `json:"magnitude"`
}

func displayAzimuth(deg float64) float64 {
	return math.Mod(math.Mod(deg, 360)+360, 360)
}

func targetStatus(k target.Kinematics) *TargetStatus {
	return &TargetStatus{
		Distance:            k.Distance,
		Speed:               k.Speed,
		AltitudeAboveGround: k.AltitudeAboveGround,
		Azimuth:             k.Azimuth.Degrees(),
		Altitude:            k.Altitude.Degrees(),
		AzimuthRate:         k.AzimuthRate.DegPerSec(),
		AltitudeRate:        k.AltitudeRate.DegPerSec(),
		AngularSpeed:        k.AngularSpeed.DegPerSec(),
	}
}

func (m *MountStatus) telemetry(tracking string) telemetry.MountStatus {
	t := telemetry.MountStatus{
		Axis1Deg:       m.Axis1,
		Axis2Deg:       m.Axis2,
		Axis1TravelDeg: m.Travel1,
		Axis2TravelDeg: m.Travel2,
		Tracking:       tracking,
	}
	if m.Speed1 != nil && m.Speed2 != nil {
		t.HasSpeed = true
		t.Axis1SpeedDeg, t.Axis2SpeedDeg = *m.Speed1, *m.Speed2
	}
	return t
}
