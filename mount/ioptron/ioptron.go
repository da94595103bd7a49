// Package ioptron drives iOptron mounts over their serial command protocol
// in special (axis speed) mode.
package ioptron

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/tarm/serial"
	"github.com/w1xm/mount_interface/geometry"
	"github.com/w1xm/mount_interface/mount"
)

const (
	baudRate    = 115200
	readTimeout = 50 * time.Millisecond
)

// Speeds and positions on the wire are in hundredths of an arcsecond.
const centiArcsecPerDeg = 3600 * 100

type Mount struct {
	model  string
	device string
	port   io.ReadWriteCloser
	link   *link
}

var _ mount.Mount = (*Mount)(nil)

// Open connects to the mount on a serial device such as /dev/ttyUSB0 and
// switches it to special mode if needed.
func Open(device string) (*Mount, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        device,
		Baud:        baudRate,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: readTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", device, err)
	}
	m, err := New(port, device)
	if err != nil {
		port.Close()
		return nil, err
	}
	return m, nil
}

// New identifies the mount on an already open port. Reads from port must
// return no data once its read timeout expires.
func New(port io.ReadWriteCloser, device string) (*Mount, error) {
	return newMount(port, device, &link{rw: port, now: time.Now, sleep: time.Sleep})
}

func newMount(port io.ReadWriteCloser, device string, l *link) (*Mount, error) {
	id, err := l.mountInfo(fail)
	if err != nil {
		return nil, fmt.Errorf("reading mount ID: %w", err)
	}
	if len(id) == 0 {
		return nil, errors.New("mount ID is empty")
	}
	model := modelFromID(string(id))
	slog.Info("found iOptron mount", "model", model, "id", string(id), "device", device)
	if !inSpecialMode(id) {
		slog.Debug("mount not in special mode, switching...")
		if err := l.toggleSpecialMode(); err != nil {
			return nil, err
		}
		slog.Debug("switched successfully")
	}
	return &Mount{
		model:  model,
		device: device,
		port:   port,
		link:   l,
	}, nil
}

func (m *Mount) Info() string {
	return fmt.Sprintf("iOptron %s on %s", m.model, m.device)
}

// slewCommand encodes speed in hundredths of arcseconds per second.
func slewCommand(axis mount.Axis, speed geometry.AngularVelocity) (string, error) {
	if !speed.IsFinite() {
		return "", fmt.Errorf("invalid %v axis speed %v", axis, float64(speed))
	}
	v := math.Trunc(speed.DegPerSec() * centiArcsecPerDeg)
	v = math.Max(math.MinInt32, math.Min(math.MaxInt32, v))
	n := 0
	if axis == mount.Secondary {
		n = 1
	}
	return fmt.Sprintf(":M%d%+09d#", n, int32(v)), nil
}

func (m *Mount) SlewAxis(axis mount.Axis, speed geometry.AngularVelocity) error {
	cmd, err := slewCommand(axis, speed)
	if err != nil {
		return err
	}
	// The confirmation is often missing; do not fail on it.
	_, err = m.link.send(cmd, response{kind: exactChars, chars: "1"}, ignoreAndLog)
	return err
}

func (m *Mount) Slew(axis1, axis2 geometry.AngularVelocity) error {
	if err := m.SlewAxis(mount.Primary, axis1); err != nil {
		return err
	}
	return m.SlewAxis(mount.Secondary, axis2)
}

func (m *Mount) Stop() error {
	return m.Slew(0, 0)
}

func (m *Mount) axisPosition(cmd string) (geometry.Angle, error) {
	reply, err := m.link.send(cmd, response{kind: numChars, n: 11}, fail)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(string(reply[:10]), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: parsing reply to %q: %v", mount.ErrProtocol, cmd, err)
	}
	return geometry.Deg(float64(v) / centiArcsecPerDeg), nil
}

func (m *Mount) Position() (geometry.Angle, geometry.Angle, error) {
	axis1, err := m.axisPosition(":P0#")
	if err != nil {
		return 0, 0, err
	}
	axis2, err := m.axisPosition(":P1#")
	if err != nil {
		return 0, 0, err
	}
	return axis1, axis2, nil
}

// Close stops the mount and returns it to normal mode. Failures of either
// step are logged only.
func (m *Mount) Close() error {
	if err := m.Stop(); err != nil {
		slog.Error("stopping mount", "err", err)
	}
	slog.Debug("switching mount back to normal mode...")
	if err := m.link.toggleSpecialMode(); err != nil {
		slog.Error("failed to switch back to normal mode", "err", err)
	} else {
		slog.Debug("switched successfully")
	}
	return m.port.Close()
}
