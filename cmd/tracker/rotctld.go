package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/w1xm/mount_interface/geometry"
	"github.com/w1xm/mount_interface/internal/station"
	"github.com/w1xm/mount_interface/mount"
)

// Hamlib return codes.
const (
	rprtOK      = 0
	rprtEIO     = -6
	rprtENAVAIL = -11
	rprtEINVAL  = -22
)

// ServeRotctld accepts rotctld clients on ln until ctx is canceled.
func (s *Server) ServeRotctld(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		slog.Info("shutdown; closing rotctld socket")
		ln.Close()
	}()
	slog.Info("serving rotctld", "addr", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			slog.Warn("failed to accept", "err", err)
			continue
		}
		go s.handleRotctld(ctx, conn)
	}
}

func (s *Server) handleRotctld(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	slog.Info("accepted rotctld connection", "remote", conn.RemoteAddr())
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		// Two forms of command: single character, or "+\" followed by command name.
		cmd := scanner.Text()
		var args []string
		var extended bool
		if len(cmd) == 0 {
			continue
		} else if len(cmd) > 2 && cmd[0:2] == `+\` {
			extended = true
			parts := strings.Split(cmd, " ")
			cmd = parts[0][2:]
			if len(parts) > 1 {
				args = parts[1:]
			}
			fmt.Fprintf(conn, "%s:\n", cmd)
		} else {
			// Space after command is optional.
			if len(cmd) > 1 {
				args = strings.Fields(strings.TrimLeft(cmd[1:], " "))
			}
			cmd = string(cmd[0])
		}
		slog.Debug("rotctld command", "remote", conn.RemoteAddr(), "cmd", cmd, "args", args)
		rprt := rprtEINVAL
		switch cmd {
		case "1", "dump_caps":
			fmt.Fprintf(conn, `Model name: Tracker
Mfg name: mount_interface
Rot type: Az-El
Min Azimuth: -180.00
Max Aximuth: 180.00
Min Elevation: -90.00
Max Elevation: 90.00
Can set Position: N
Can get Position: Y
Can Stop: Y
Can Park: N
Can Reset: N
Can Move: Y
Can get Info: Y
`)
			rprt = rprtOK
		case "_", "get_info":
			status, _ := s.currentStatus()
			info := "no mount"
			if status.Mount != nil {
				info = status.Mount.Info
			}
			if extended {
				fmt.Fprintf(conn, "Info: %s\n", info)
			} else {
				fmt.Fprintf(conn, "%s\n", info)
			}
			rprt = rprtOK
		case "S", "stop":
			extended = true // always print RPRT
			rprt = s.rotctldResult(ctx, "stop_mount", func(st *station.Station) error {
				return st.StopMount()
			})
		case "P", "set_pos":
			// The mount only follows targets; there is no goto.
			extended = true // always print RPRT
			rprt = rprtENAVAIL
		case "set_reference":
			// Declares where the mount points now; it does not move it.
			if len(args) != 2 {
				break
			}
			az, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				break
			}
			el, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				break
			}
			rprt = s.rotctldResult(ctx, "set_reference", func(st *station.Station) error {
				return st.SetReference(geometry.Deg(az), geometry.Deg(el))
			})
		case "M", "move":
			extended = true // always print RPRT
			if len(args) != 2 {
				break
			}
			dir, err := strconv.Atoi(args[0])
			if err != nil {
				break
			}
			// Speed is 0-100, a fraction of the slew speed.
			speed, err := strconv.Atoi(args[1])
			if err != nil || speed < 0 || speed > 100 {
				break
			}
			rel := float64(speed) / 100
			axis, rel, ok := moveAxis(dir, rel)
			if !ok {
				break
			}
			rprt = s.rotctldResult(ctx, "slew", func(st *station.Station) error {
				return st.SlewAxis(axis, rel)
			})
		case "p", "get_pos":
			status, _ := s.currentStatus()
			if status.Mount == nil || status.Mount.Error != "" {
				rprt = rprtEIO
				break
			}
			az := status.Mount.Azimuth
			if az > 180 {
				az -= 360
			}
			if extended {
				fmt.Fprintf(conn, "Azimuth: %.6f\nElevation: %.6f\n", az, status.Mount.Axis2)
			} else {
				fmt.Fprintf(conn, "%.6f\n%.6f\n", az, status.Mount.Axis2)
			}
			rprt = rprtOK
		}
		if extended || rprt != rprtOK {
			fmt.Fprintf(conn, "RPRT %d\n", rprt)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("reading rotctld command", "remote", conn.RemoteAddr(), "err", err)
	}
}

// moveAxis maps a rotctld move direction to an axis and signed slew.
func moveAxis(dir int, rel float64) (mount.Axis, float64, bool) {
	switch dir {
	case 2: // Up
		return mount.Secondary, rel, true
	case 4: // Down
		return mount.Secondary, -rel, true
	case 8: // Left
		return mount.Primary, -rel, true
	case 16: // Right
		return mount.Primary, rel, true
	}
	return 0, 0, false
}

func (s *Server) rotctldResult(ctx context.Context, name string, f func(st *station.Station) error) int {
	err := s.do(ctx, f)
	s.metrics.Command(name, err)
	if err != nil {
		slog.Warn("rotctld command failed", "command", name, "err", err)
		return rprtEIO
	}
	return rprtOK
}
