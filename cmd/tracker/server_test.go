package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/w1xm/mount_interface/internal/config"
	"github.com/w1xm/mount_interface/internal/station"
	"github.com/w1xm/mount_interface/internal/telemetry"
	"github.com/w1xm/mount_interface/mount"
	"github.com/w1xm/mount_interface/mount/simulator"
	"github.com/w1xm/mount_interface/tracking"
)

type harness struct {
	ctx context.Context
	srv *Server
	cfg *config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	cfg, err := config.Load(filepath.Join(t.TempDir(), config.FileName))
	require.NoError(t, err)
	cfg.ReferencePresets = []config.Preset{{Name: "mast", AzimuthDeg: 10, AltitudeDeg: 20}}

	metrics, err := telemetry.NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	sim := simulator.New(200, 30)
	open := func(_ context.Context, mc config.Mount) (mount.Mount, error) {
		if mc.Type != "simulator" {
			return nil, fmt.Errorf("unsupported mount type %q", mc.Type)
		}
		return simulator.NewClient(sim.Pipe(ctx), mc.SimulatorAddr), nil
	}
	srv := NewServer(cfg, metrics, open)
	st := station.New(station.Options{
		Presets:  cfg.ReferencePresets,
		Metrics:  metrics,
		OnStatus: srv.statusCallback,
	})
	srv.st = st

	done := make(chan struct{})
	go func() {
		defer close(done)
		st.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool {
		_, gen := srv.currentStatus()
		return gen > 0
	}, 5*time.Second, 10*time.Millisecond)
	return &harness{ctx: ctx, srv: srv, cfg: cfg}
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, h.srv.Execute(h.ctx, Command{Command: "connect_mount"}))
	// Wait for the first position read.
	require.Eventually(t, func() bool {
		status, _ := h.srv.currentStatus()
		return status.Mount != nil && status.Mount.Axis2 != 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestExecute(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.srv.Execute(h.ctx, Command{Command: "start_tracking"}), tracking.ErrNoMount)
	assert.ErrorIs(t, h.srv.Execute(h.ctx, Command{Command: "bogus"}), errUnknownCommand)

	h.connect(t)
	_, err := os.Stat(h.cfg.Path())
	assert.NoError(t, err, "configuration saved after connecting")

	status, _ := h.srv.currentStatus()
	assert.InDelta(t, 200, status.Mount.Azimuth, 1e-6)
	assert.Equal(t, "Simulator on 127.0.0.1:45500", status.Mount.Info)

	require.NoError(t, h.srv.Execute(h.ctx, Command{Command: "set_reference", Preset: "mast"}))
	assert.ErrorIs(t, h.srv.Execute(h.ctx, Command{Command: "set_reference", Preset: "tower"}), station.ErrUnknownPreset)
	require.Eventually(t, func() bool {
		status, _ := h.srv.currentStatus()
		return status.Mount.Error == "" && status.Mount.Axis2 > 19.99 && status.Mount.Axis2 < 20.01
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.srv.Execute(h.ctx, Command{Command: "change_slew_speed", Factor: 1.5}))
	require.NoError(t, h.srv.Execute(h.ctx, Command{Command: "slew", Axis1: 1}))
	status, _ = h.srv.currentStatus()
	assert.InDelta(t, 1.5, status.SlewSpeed, 1e-9)

	require.NoError(t, h.srv.Execute(h.ctx, Command{Command: "toggle_tracking"}))
	status, _ = h.srv.currentStatus()
	assert.Equal(t, "tracking", status.Tracking)
	require.NoError(t, h.srv.Execute(h.ctx, Command{Command: "stop_mount"}))
	status, _ = h.srv.currentStatus()
	assert.Equal(t, "idle", status.Tracking)

	require.NoError(t, h.srv.Execute(h.ctx, Command{Command: "disconnect_mount"}))
	status, _ = h.srv.currentStatus()
	assert.Nil(t, status.Mount)

	err = h.srv.Execute(h.ctx, Command{Command: "connect_mount", Mount: &config.Mount{Type: "ioptron"}})
	assert.ErrorContains(t, err, "unsupported mount type")
}

func newRouter(h *harness) *mux.Router {
	r := mux.NewRouter()
	h.srv.Register(r)
	return r
}

func TestHTTPHandlers(t *testing.T) {
	h := newHarness(t)
	r := newRouter(h)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tracking":"idle"`)

	for _, test := range []struct {
		body string
		want int
	}{
		{`{"command":"change_slew_speed","factor":2}`, http.StatusNoContent},
		{`{"command":"start_tracking"}`, http.StatusInternalServerError},
		{`{"command":"launch"}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
	} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/command", bytes.NewBufferString(test.body)))
		assert.Equal(t, test.want, rec.Code, test.body)
	}
}

func TestStatusSocket(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(newRouter(h))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	var status station.Status
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, "idle", status.Tracking)

	require.NoError(t, conn.WriteJSON(Command{Command: "change_slew_speed", Factor: 2}))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for status.SlewSpeed != 2 {
		require.NoError(t, conn.ReadJSON(&status))
	}
}

func TestRotctld(t *testing.T) {
	h := newHarness(t)
	client, server := net.Pipe()
	go h.srv.handleRotctld(h.ctx, server)
	defer client.Close()
	client.SetDeadline(time.Now().Add(10 * time.Second))
	r := bufio.NewReader(client)

	exchange := func(cmd string, lines int) []string {
		t.Helper()
		_, err := fmt.Fprintf(client, "%s\n", cmd)
		require.NoError(t, err)
		var got []string
		for i := 0; i < lines; i++ {
			line, err := r.ReadString('\n')
			require.NoError(t, err)
			got = append(got, strings.TrimSuffix(line, "\n"))
		}
		return got
	}

	assert.Equal(t, []string{"RPRT -6"}, exchange("p", 1))
	h.connect(t)

	assert.Equal(t, []string{"-160.000000", "30.000000"}, exchange("p", 2))
	assert.Equal(t, []string{"get_pos:", "Azimuth: -160.000000", "Elevation: 30.000000", "RPRT 0"}, exchange(`+\get_pos`, 4))
	assert.Equal(t, []string{"get_info:", "Info: Simulator on 127.0.0.1:45500", "RPRT 0"}, exchange(`+\get_info`, 3))
	// Positioning is not supported and must not recalibrate the mount.
	assert.Equal(t, []string{"RPRT -11"}, exchange("P 10 20", 1))
	assert.Equal(t, []string{"set_pos:", "RPRT -11"}, exchange(`+\set_pos 10 20`, 2))
	assert.Equal(t, []string{"-160.000000", "30.000000"}, exchange("p", 2))
	assert.Contains(t, exchange("1", 14), "Can set Position: N")

	assert.Equal(t, []string{"RPRT 0"}, exchange("M 16 50", 1))
	assert.Equal(t, []string{"RPRT -22"}, exchange("M 3 50", 1))
	assert.Equal(t, []string{"RPRT 0"}, exchange("S", 1))

	assert.Equal(t, []string{"set_reference:", "RPRT -22"}, exchange(`+\set_reference 10`, 2))
	assert.Equal(t, []string{"set_reference:", "RPRT 0"}, exchange(`+\set_reference 10 20`, 2))
	require.Eventually(t, func() bool {
		status, _ := h.srv.currentStatus()
		return status.Mount != nil && math.Abs(status.Mount.Azimuth-10) < 0.5 && math.Abs(status.Mount.Axis2-20) < 0.5
	}, 5*time.Second, 10*time.Millisecond)
}
