// vmrouterd -- inter-VM L2/L3 router for hypervisor-isolated applications.
//
// The daemon terminates vhost-user-net connections from app VMs on one
// listener and a single driver VM (the upstream network provider) on
// another, and bridges IPv6 traffic between them. Listeners come either
// from --driver-listen-path/--app-listen-path or from socket activation.
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

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/spectrum-virt/hosttools/internal/config"
	routermetrics "github.com/spectrum-virt/hosttools/internal/metrics"
	"github.com/spectrum-virt/hosttools/internal/router"
	"github.com/spectrum-virt/hosttools/internal/upstream"
	"github.com/spectrum-virt/hosttools/internal/vhostnet"
	appversion "github.com/spectrum-virt/hosttools/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics HTTP
// server to drain during graceful shutdown.
const shutdownTimeout = 5 * time.Second

// Socket-activation errors; the daemon exits non-zero on either.
var (
	errNoDriverSocket = errors.New("not activated with driver socket")
	errNoAppSocket    = errors.New("not activated with app socket")
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	driverPath := flag.String("driver-listen-path", "", "unix socket path for the driver VM")
	appPath := flag.String("app-listen-path", "", "unix socket path for app VMs")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("vmrouterd"))
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}
	if *driverPath != "" || *appPath != "" {
		cfg.Listen.DriverPath = *driverPath
		cfg.Listen.AppPath = *appPath
		if err := cfg.Validate(); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			return 1
		}
	}

	logger := newLogger(cfg.Log)
	logger.Info("vmrouterd starting",
		slog.String("version", appversion.Version),
		slog.Bool("socket_activated", cfg.Listen.SocketActivated()),
	)

	if err := serve(cfg, logger); err != nil {
		logger.Error("vmrouterd exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// The data plane runs until killed; reaching here means a signal.
	logger.Info("vmrouterd stopped")
	return 0
}

// newLogger builds the slog logger from the log configuration.
func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.Level)}
	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(h)
}

// serve wires the upstream agent, router, app accept loop, and metrics
// endpoint together under one errgroup with signal-aware shutdown.
func serve(cfg *config.Config, logger *slog.Logger) error {
	driverLn, appLn, err := listeners(cfg.Listen)
	if err != nil {
		return err
	}
	defer driverLn.Close()
	defer appLn.Close()

	reg := prometheus.NewRegistry()
	collector := routermetrics.NewCollector(reg)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	dial := func(conn *net.UnixConn) (upstream.Device, error) {
		return vhostnet.FromUnixStream(conn, logger)
	}
	agent, upStream, upSink := upstream.New(driverLn, dial, logger,
		upstream.WithMetrics(collector))

	r := router.New(router.Upstream, logger, router.WithMetrics(collector))
	r.AddIface(gCtx, router.Upstream, upStream, upSink)

	g.Go(func() error { return agent.Run(gCtx) })
	g.Go(func() error { return r.Run(gCtx) })
	g.Go(func() error { return acceptApps(gCtx, appLn, r, collector, logger) })

	if cfg.Metrics.Addr != "" {
		startMetricsServer(gCtx, g, cfg.Metrics, reg, logger)
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("sd_notify failed", slog.String("error", err.Error()))
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil // signal-initiated shutdown
	}
	return err
}

// listeners acquires the driver and app unix listeners: explicit paths
// when configured, otherwise the first two sockets inherited from the
// supervisor.
func listeners(cfg config.ListenConfig) (driver, app *net.UnixListener, err error) {
	if !cfg.SocketActivated() {
		driver, err = listenUnix(cfg.DriverPath)
		if err != nil {
			return nil, nil, err
		}
		app, err = listenUnix(cfg.AppPath)
		if err != nil {
			driver.Close()
			return nil, nil, err
		}
		return driver, app, nil
	}

	lns, err := activation.Listeners()
	if err != nil {
		return nil, nil, fmt.Errorf("inheriting listeners: %w", err)
	}
	driver, app, err = activatedListeners(lns)
	if err != nil {
		return nil, nil, err
	}
	return driver, app, nil
}

// activatedListeners validates the inherited listener set: index 0 is
// the driver socket, index 1 the app socket, both unix streams.
func activatedListeners(lns []net.Listener) (*net.UnixListener, *net.UnixListener, error) {
	if len(lns) < 1 || lns[0] == nil {
		return nil, nil, errNoDriverSocket
	}
	if len(lns) < 2 || lns[1] == nil {
		return nil, nil, errNoAppSocket
	}
	driver, ok := lns[0].(*net.UnixListener)
	if !ok {
		return nil, nil, errNoDriverSocket
	}
	app, ok := lns[1].(*net.UnixListener)
	if !ok {
		return nil, nil, errNoAppSocket
	}
	return driver, app, nil
}

// listenUnix binds a fresh unix stream listener at path, clearing any
// stale socket left by a previous run.
func listenUnix(path string) (*net.UnixListener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket %q: %w", path, err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listening on %q: %w", path, err)
	}
	return ln, nil
}

// acceptApps installs every accepted app VM connection as a new router
// interface. The app counter only ever grows; interfaces are never
// removed.
func acceptApps(
	ctx context.Context,
	ln *net.UnixListener,
	r *router.Router,
	collector *routermetrics.Collector,
	logger *slog.Logger,
) error {
	var appNum uint64
	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("app connection failed",
				slog.String("error", err.Error()),
			)
			continue
		}

		dev, err := vhostnet.FromUnixStream(conn, logger)
		if err != nil {
			logger.Error("app handshake failed",
				slog.String("error", err.Error()),
			)
			conn.Close()
			continue
		}

		logger.Info("app connected", slog.Uint64("app", appNum))
		r.AddIface(ctx, router.App(appNum), deviceStream{dev: dev}, deviceSink{dev: dev})
		collector.AppInterfaceAdded()
		appNum++
	}
}

// startMetricsServer runs the Prometheus endpoint under the errgroup.
func startMetricsServer(
	ctx context.Context,
	g *errgroup.Group,
	cfg config.MetricsConfig,
	reg *prometheus.Registry,
	logger *slog.Logger,
) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	g.Go(func() error {
		logger.Info("metrics endpoint listening", slog.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
