// Command mount_simulator serves a simulated two-axis mount over TCP for
// testing the tracker without hardware.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/w1xm/mount_interface/internal/logging"
	"github.com/w1xm/mount_interface/mount/simulator"
	"golang.org/x/sync/errgroup"
)

var (
	addr      = flag.String("addr", "127.0.0.1:45500", "address to listen on")
	axis1     = flag.Float64("axis1", 0, "initial primary axis position in degrees")
	axis2     = flag.Float64("axis2", 0, "initial secondary axis position in degrees")
	logLevel  = flag.String("log_level", "info", "log level")
	logFormat = flag.String("log_format", "text", "log format, text or json")
)

func main() {
	flag.Parse()
	logger, _ := logging.New(logging.Config{Level: *logLevel, Format: *logFormat})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l, err := net.Listen("tcp", *addr)
	if err != nil {
		slog.Error("listen failed", "addr", *addr, "err", err)
		os.Exit(1)
	}
	slog.Info("simulating mount", "addr", l.Addr(), "axis1", *axis1, "axis2", *axis2)

	sim := simulator.New(*axis1, *axis2)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sim.Run(ctx)
	})
	g.Go(func() error {
		return sim.Serve(ctx, l)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("simulator failed", "err", err)
		os.Exit(1)
	}
}
