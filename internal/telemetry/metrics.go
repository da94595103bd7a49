// Package telemetry exports mount and target state as Prometheus metrics
// and InfluxDB points.
package telemetry

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/w1xm/mount_interface/target"
)

// MountStatus is one calibrated reading of the mount.
type MountStatus struct {
	Axis1Deg, Axis2Deg             float64
	Axis1SpeedDeg, Axis2SpeedDeg   float64
	HasSpeed                       bool
	Axis1TravelDeg, Axis2TravelDeg float64
	Tracking                       string
}

// Metrics bundles the Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	MountPosition *prometheus.GaugeVec
	MountSpeed    *prometheus.GaugeVec
	MountTravel   *prometheus.GaugeVec
	Tracking      prometheus.Gauge

	TargetDistance prometheus.Gauge
	TargetAltitude prometheus.Gauge
	TargetSpeed    prometheus.Gauge

	Commands    *prometheus.CounterVec
	MountErrors *prometheus.CounterVec
}

// NewMetrics registers the collectors against reg, defaulting to the global
// registry when nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	m := &Metrics{gatherer: gatherer}
	var err error
	axis := []string{"axis"}
	if m.MountPosition, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mount_position_degrees",
		Help: "Calibrated mount axis position.",
	}, axis), "mount_position_degrees"); err != nil {
		return nil, err
	}
	if m.MountSpeed, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mount_speed_degrees_per_second",
		Help: "Estimated mount axis speed.",
	}, axis), "mount_speed_degrees_per_second"); err != nil {
		return nil, err
	}
	if m.MountTravel, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mount_travel_degrees",
		Help: "Cumulative signed axis rotation since the zero position was set.",
	}, axis), "mount_travel_degrees"); err != nil {
		return nil, err
	}
	if m.Tracking, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracking_active",
		Help: "1 while the tracking engine is running.",
	}), "tracking_active"); err != nil {
		return nil, err
	}
	if m.TargetDistance, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "target_distance_meters",
		Help: "Distance from the observer to the target.",
	}), "target_distance_meters"); err != nil {
		return nil, err
	}
	if m.TargetAltitude, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "target_altitude_above_ground_meters",
		Help: "Target altitude above ground as reported by the data source.",
	}), "target_altitude_above_ground_meters"); err != nil {
		return nil, err
	}
	if m.TargetSpeed, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "target_speed_meters_per_second",
		Help: "Target linear speed.",
	}), "target_speed_meters_per_second"); err != nil {
		return nil, err
	}
	if m.Commands, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "operator_commands_total",
		Help: "Operator commands handled, labeled by command and result.",
	}, []string{"command", "result"}), "operator_commands_total"); err != nil {
		return nil, err
	}
	if m.MountErrors, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mount_errors_total",
		Help: "Failed mount operations, labeled by operation.",
	}, []string{"op"}), "mount_errors_total"); err != nil {
		return nil, err
	}
	return m, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveMount(s MountStatus) {
	if m == nil {
		return
	}
	m.MountPosition.WithLabelValues("primary").Set(s.Axis1Deg)
	m.MountPosition.WithLabelValues("secondary").Set(s.Axis2Deg)
	if s.HasSpeed {
		m.MountSpeed.WithLabelValues("primary").Set(s.Axis1SpeedDeg)
		m.MountSpeed.WithLabelValues("secondary").Set(s.Axis2SpeedDeg)
	}
	m.MountTravel.WithLabelValues("primary").Set(s.Axis1TravelDeg)
	m.MountTravel.WithLabelValues("secondary").Set(s.Axis2TravelDeg)
}

func (m *Metrics) ObserveTarget(k target.Kinematics) {
	if m == nil {
		return
	}
	m.TargetDistance.Set(k.Distance)
	m.TargetAltitude.Set(k.AltitudeAboveGround)
	m.TargetSpeed.Set(k.Speed)
}

func (m *Metrics) SetTracking(active bool) {
	if m == nil {
		return
	}
	if active {
		m.Tracking.Set(1)
	} else {
		m.Tracking.Set(0)
	}
}

// Command counts one operator command; err nil counts as success.
func (m *Metrics) Command(name string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Commands.WithLabelValues(name, result).Inc()
}

func (m *Metrics) MountError(op string) {
	if m == nil {
		return
	}
	m.MountErrors.WithLabelValues(op).Inc()
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
