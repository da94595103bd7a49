// Package mount defines the two-axis telescope mount interface and the
// calibration layer that sits on top of every device.
package mount

import (
	"errors"
	"fmt"

	"github.com/w1xm/mount_interface/geometry"
)

type Axis int

const (
	Primary Axis = iota
	Secondary
)

func (a Axis) String() string {
	switch a {
	case Primary:
		return "primary"
	case Secondary:
		return "secondary"
	}
	return fmt.Sprintf("Axis(%d)", int(a))
}

// Mount is implemented by every device client. All calls block until the
// device has answered or the transport has given up.
type Mount interface {
	Info() string
	// Slew sets the angular velocity of both axes at once.
	Slew(axis1, axis2 geometry.AngularVelocity) error
	// SlewAxis sets one axis and leaves the other at its last commanded speed.
	SlewAxis(axis Axis, speed geometry.AngularVelocity) error
	Stop() error
	// Position returns the raw device angles.
	Position() (axis1, axis2 geometry.Angle, err error)
	Close() error
}

var (
	ErrProtocol     = errors.New("mount protocol error")
	ErrTimeout      = errors.New("mount timed out")
	ErrNotConnected = errors.New("mount not connected")
)

// RemoteError is a well-formed reply in which the device reports that it
// could not carry out a command.
type RemoteError struct {
	Op  string
	Msg string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: mount reported error: %s", e.Op, e.Msg)
}

// IsTransport reports whether err came from the link to the device (I/O,
// framing, timeouts or unparseable replies) rather than from the device
// rejecting a command.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	var remote *RemoteError
	return !errors.As(err, &remote)
}
