package telemetry

import (
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/w1xm/mount_interface/target"
)

// Influx writes mount and target points asynchronously.
type Influx struct {
	client   influxdb2.Client
	writeApi api.WriteApi
}

func NewInflux(server, token, org, bucket string) *Influx {
	client := influxdb2.NewClient(server, token)
	// Get non-blocking write client
	writeApi := client.WriteApi(org, bucket)
	i := &Influx{
		client:   client,
		writeApi: writeApi,
	}
	errorsCh := writeApi.Errors()
	go func() {
		for err := range errorsCh {
			slog.Warn("influx write error", "err", err)
		}
	}()
	slog.Info("writing telemetry to influx", "server", server, "org", org, "bucket", bucket)
	return i
}

func targetFields(k target.Kinematics) map[string]interface{} {
	return map[string]interface{}{
		"distance":              k.Distance,
		"speed":                 k.Speed,
		"altitude_above_ground": k.AltitudeAboveGround,
		"azimuth":               k.Azimuth.Degrees(),
		"altitude":              k.Altitude.Degrees(),
		"azimuth_rate":          k.AzimuthRate.DegPerSec(),
		"altitude_rate":         k.AltitudeRate.DegPerSec(),
		"angular_speed":         k.AngularSpeed.DegPerSec(),
	}
}

func mountFields(s MountStatus) map[string]interface{} {
	fields := map[string]interface{}{
		"axis1":        s.Axis1Deg,
		"axis2":        s.Axis2Deg,
		"axis1_travel": s.Axis1TravelDeg,
		"axis2_travel": s.Axis2TravelDeg,
	}
	if s.HasSpeed {
		fields["axis1_speed"] = s.Axis1SpeedDeg
		fields["axis2_speed"] = s.Axis2SpeedDeg
	}
	return fields
}

func (i *Influx) RecordTarget(k target.Kinematics, t time.Time) {
	i.writeApi.WritePoint(influxdb2.NewPoint("target", nil, targetFields(k), t))
}

func (i *Influx) RecordMount(s MountStatus, t time.Time) {
	tags := map[string]string{"tracking": s.Tracking}
	i.writeApi.WritePoint(influxdb2.NewPoint("mount", tags, mountFields(s), t))
}

// Close flushes pending points and shuts down the client.
func (i *Influx) Close() {
	i.writeApi.Flush()
	i.writeApi.Close()
	i.client.Close()
}
