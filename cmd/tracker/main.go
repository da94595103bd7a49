package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/w1xm/mount_interface/geometry"
	"github.com/w1xm/mount_interface/internal/config"
	"github.com/w1xm/mount_interface/internal/logging"
	"github.com/w1xm/mount_interface/internal/station"
	"github.com/w1xm/mount_interface/internal/telemetry"
	"github.com/w1xm/mount_interface/mount"
	"github.com/w1xm/mount_interface/mount/ioptron"
	"github.com/w1xm/mount_interface/mount/simulator"
	"github.com/w1xm/mount_interface/target"
	"golang.org/x/sync/errgroup"
)

var (
	configPath   = flag.String("config", "", "configuration file (default: "+config.FileName+" in the user config directory)")
	httpAddr     = flag.String("http", "127.0.0.1:8503", "address for the HTTP status and control API")
	rotctldAddr  = flag.String("rotctld", "127.0.0.1:4533", "address for the rotctld-compatible control port; empty disables it")
	logLevel     = flag.String("log_level", "", "log level; overrides the configuration file")
	logFormat    = flag.String("log_format", "text", "log format, text or json")
	influxServer = flag.String("influx_server", "", "InfluxDB server URL; enables telemetry recording")
)

const dataSourceRetry = 5 * time.Second

func main() {
	flag.Parse()

	path := *configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "locating configuration: %v\n", err)
			os.Exit(1)
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logger, _ := logging.New(logging.Config{Level: level, Format: *logFormat})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("exiting", "err", err)
		os.Exit(1)
	}
}

// openMount connects to the mount described by cfg.
func openMount(ctx context.Context, cfg config.Mount) (mount.Mount, error) {
	switch cfg.Type {
	case "simulator":
		c, err := simulator.Dial(ctx, cfg.SimulatorAddr)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "ioptron":
		m, err := ioptron.Open(cfg.IoptronDevice)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, fmt.Errorf("unknown mount type %q", cfg.Type)
}

func run(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := telemetry.NewMetrics(reg)
	if err != nil {
		return err
	}

	observer := geometry.NewGeoPos(cfg.Observer.LatitudeDeg, cfg.Observer.LongitudeDeg, cfg.Observer.ElevationM)
	opts := station.Options{
		MaxSpeed:      geometry.DegPerSec(cfg.Tracking.MaxSpeedDegPerSec),
		MaxTravel:     geometry.Deg(cfg.Mount.MaxTravelDeg),
		Axis1Reversed: cfg.Mount.Axis1Reversed,
		Axis2Reversed: cfg.Mount.Axis2Reversed,
		Presets:       cfg.ReferencePresets,
		Observer:      observer,
		Metrics:       metrics,
	}

	server := *influxServer
	if server == "" && cfg.Influx.Enabled {
		server = cfg.Influx.Server
	}
	if server != "" {
		influx := telemetry.NewInflux(server, cfg.Influx.Token, cfg.Influx.Org, cfg.Influx.Bucket)
		defer influx.Close()
		opts.Recorder = influx
	}

	srv := NewServer(cfg, metrics, openMount)
	opts.OnStatus = srv.statusCallback
	st := station.New(opts)
	srv.st = st

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return st.Run(ctx)
	})
	g.Go(func() error {
		if err := srv.ConnectMount(ctx, cfg.Mount); err != nil {
			slog.Error("failed to connect to mount", "type", cfg.Mount.Type, "err", err)
		}
		return nil
	})
	g.Go(func() error {
		return runDataSource(ctx, st, cfg.DataSource, observer)
	})

	r := mux.NewRouter()
	srv.Register(r)
	r.Handle("/metrics", metrics.Handler())
	httpServer := &http.Server{
		Handler:      r,
		Addr:         *httpAddr,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	g.Go(func() error {
		slog.Info("serving HTTP", "addr", *httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if *rotctldAddr != "" {
		ln, err := net.Listen("tcp", *rotctldAddr)
		if err != nil {
			return fmt.Errorf("listening for rotctld: %w", err)
		}
		g.Go(func() error {
			return srv.ServeRotctld(ctx, ln)
		})
	}

	return g.Wait()
}

// runDataSource feeds target samples to the station until ctx is canceled.
// The TCP source is redialed whenever the connection drops.
func runDataSource(ctx context.Context, st *station.Station, cfg config.DataSource, observer geometry.GeoPos) error {
	setName := func(name string) {
		st.Do(ctx, func(s *station.Station) error {
			s.SetDataSource(name)
			return nil
		})
	}
	switch cfg.Type {
	case "tle":
		src, err := target.NewTLESource(cfg.TLELine1, cfg.TLELine2, observer)
		if err != nil {
			return fmt.Errorf("data source: %w", err)
		}
		setName("TLE")
		// Run skips failed propagations and only returns once ctx is done.
		src.Run(ctx, time.Second, st.Samples())
		return nil
	case "tcp", "":
	default:
		return fmt.Errorf("unknown data source type %q", cfg.Type)
	}

	for {
		r, err := target.Dial(ctx, cfg.Addr)
		if err == nil {
			setName(r.Addr())
			err = r.Run(ctx, st.Samples())
			setName("")
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			slog.Warn("data source unavailable", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(dataSourceRetry):
		}
	}
}
