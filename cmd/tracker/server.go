package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/w1xm/mount_interface/geometry"
	"github.com/w1xm/mount_interface/internal/config"
	"github.com/w1xm/mount_interface/internal/station"
	"github.com/w1xm/mount_interface/internal/telemetry"
	"github.com/w1xm/mount_interface/mount"
)

type MountOpener func(ctx context.Context, cfg config.Mount) (mount.Mount, error)

type Server struct {
	st        *station.Station
	cfg       *config.Config
	metrics   *telemetry.Metrics
	openMount MountOpener

	// cfgMu guards cfg, which is saved after a successful connect.
	cfgMu sync.Mutex

	statusMu   sync.RWMutex
	statusCond *sync.Cond
	status     station.Status
	// statusGen counts published statuses so waiters can tell a new one
	// from a spurious wakeup.
	statusGen  uint64
}

func NewServer(cfg *config.Config, metrics *telemetry.Metrics, openMount MountOpener) *Server {
	s := &Server{
		cfg:       cfg,
		metrics:   metrics,
		openMount: openMount,
	}
	s.statusCond = sync.NewCond(s.statusMu.RLocker())
	return s
}

func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/api/status", s.StatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/command", s.CommandHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/ws", s.StatusSocketHandler)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Landmark is a geodetic position the mount has been pointed at.
type Landmark struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Elevation float64 `json:"elevation"`
}

type Command struct {
	Command string `json:"command"`

	// Relative slew per axis in [-1, 1].
	Axis1 float64 `json:"axis1"`
	Axis2 float64 `json:"axis2"`

	Factor   float64   `json:"factor"`
	Azimuth  float64   `json:"azimuth"`
	Altitude float64   `json:"altitude"`
	Preset   string    `json:"preset,omitempty"`
	Landmark *Landmark `json:"landmark,omitempty"`

	// Mount selects the mount for connect_mount; empty fields keep the
	// configured values.
	Mount *config.Mount `json:"mount,omitempty"`
}

var errUnknownCommand = errors.New("unknown command")

// Execute runs one operator command.
func (s *Server) Execute(ctx context.Context, cmd Command) error {
	err := s.execute(ctx, cmd)
	s.metrics.Command(cmd.Command, err)
	if err != nil {
		slog.Warn("command failed", "command", cmd.Command, "err", err)
	}
	return err
}

func (s *Server) do(ctx context.Context, f func(st *station.Station) error) error {
	return s.st.Do(ctx, f)
}

func (s *Server) execute(ctx context.Context, cmd Command) error {
	switch cmd.Command {
	case "start_tracking":
		return s.do(ctx, (*station.Station).StartTracking)
	case "stop_tracking":
		return s.do(ctx, func(st *station.Station) error {
			st.StopTracking()
			return nil
		})
	case "toggle_tracking":
		return s.do(ctx, (*station.Station).ToggleTracking)
	case "slew":
		return s.do(ctx, func(st *station.Station) error {
			return st.Slew(cmd.Axis1, cmd.Axis2)
		})
	case "stop_mount":
		return s.do(ctx, (*station.Station).StopMount)
	case "save_adjustment":
		return s.do(ctx, func(st *station.Station) error {
			st.SaveAdjustment()
			return nil
		})
	case "cancel_adjustment":
		return s.do(ctx, func(st *station.Station) error {
			st.CancelAdjustment()
			return nil
		})
	case "change_slew_speed":
		return s.do(ctx, func(st *station.Station) error {
			return st.ChangeSlewSpeed(cmd.Factor)
		})
	case "set_reference":
		return s.do(ctx, func(st *station.Station) error {
			switch {
			case cmd.Preset != "":
				return st.SetReferencePreset(cmd.Preset)
			case cmd.Landmark != nil:
				return st.SetReferenceToward(geometry.NewGeoPos(cmd.Landmark.Latitude, cmd.Landmark.Longitude, cmd.Landmark.Elevation))
			}
			return st.SetReference(geometry.Deg(cmd.Azimuth), geometry.Deg(cmd.Altitude))
		})
	case "set_zero":
		return s.do(ctx, (*station.Station).SetZero)
	case "connect_mount":
		s.cfgMu.Lock()
		mc := s.cfg.Mount
		s.cfgMu.Unlock()
		if m := cmd.Mount; m != nil {
			if m.Type != "" {
				mc.Type = m.Type
			}
			if m.SimulatorAddr != "" {
				mc.SimulatorAddr = m.SimulatorAddr
			}
			if m.IoptronDevice != "" {
				mc.IoptronDevice = m.IoptronDevice
			}
		}
		return s.ConnectMount(ctx, mc)
	case "disconnect_mount":
		return s.do(ctx, func(st *station.Station) error {
			st.DisconnectMount()
			return nil
		})
	}
	return fmt.Errorf("%w %q", errUnknownCommand, cmd.Command)
}

// ConnectMount opens the mount off the dispatcher, since opening an iOptron
// can take seconds, then hands it to the station. The configuration is
// saved on success.
func (s *Server) ConnectMount(ctx context.Context, mc config.Mount) error {
	m, err := s.openMount(ctx, mc)
	if err != nil {
		return fmt.Errorf("connecting to %s mount: %w", mc.Type, err)
	}
	if err := s.do(ctx, func(st *station.Station) error {
		st.ConnectMount(m)
		return nil
	}); err != nil {
		m.Close()
		return err
	}

	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.cfg.Mount.Type = mc.Type
	s.cfg.Mount.SimulatorAddr = mc.SimulatorAddr
	s.cfg.Mount.IoptronDevice = mc.IoptronDevice
	if err := s.cfg.Save(); err != nil {
		slog.Warn("saving configuration", "err", err)
	}
	return nil
}

func (s *Server) currentStatus() (station.Status, uint64) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status, s.statusGen
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	status, _ := s.currentStatus()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		slog.Warn("writing status", "err", err)
	}
}

func (s *Server) CommandHandler(w http.ResponseWriter, r *http.Request) {
	var cmd Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Execute(r.Context(), cmd); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, errUnknownCommand) {
			code = http.StatusBadRequest
		}
		http.Error(w, err.Error(), code)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	// Read and process incoming messages
	go func() {
		defer func() {
			cancel()
			// Wake the writer below.
			s.statusMu.Lock()
			s.statusCond.Broadcast()
			s.statusMu.Unlock()
		}()
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			s.Execute(ctx, msg)
		}
	}()

	status, gen := s.currentStatus()
	for {
		if err := conn.WriteJSON(status); err != nil {
			slog.Debug("websocket closed", "err", err)
			return
		}
		s.statusMu.RLock()
		for s.statusGen == gen && ctx.Err() == nil {
			s.statusCond.Wait()
		}
		status, gen = s.status, s.statusGen
		s.statusMu.RUnlock()
		if ctx.Err() != nil {
			return
		}
	}
}

// statusCallback runs on the station's dispatcher goroutine.
func (s *Server) statusCallback(status station.Status) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status = status
	s.statusGen++
	s.statusCond.Broadcast()
}
