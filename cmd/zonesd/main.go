// zonesd is the host-resident zones manager daemon.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/godbus/dbus/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/zonesd/zonesd/internal/bus"
	"github.com/zonesd/zonesd/internal/config"
	"github.com/zonesd/zonesd/internal/filemove"
	"github.com/zonesd/zonesd/internal/inputmon"
	"github.com/zonesd/zonesd/internal/ipc"
	"github.com/zonesd/zonesd/internal/ipcapi"
	"github.com/zonesd/zonesd/internal/manager"
	"github.com/zonesd/zonesd/internal/metrics"
	"github.com/zonesd/zonesd/internal/policy"
	"github.com/zonesd/zonesd/internal/runtime"
	appversion "github.com/zonesd/zonesd/internal/version"
	"github.com/zonesd/zonesd/internal/zone"
)

// shutdownTimeout bounds how long the metrics HTTP server gets to drain
// connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (JSON)")
	flag.Parse()

	if *configPath == "" {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("missing required -config flag")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("zonesd starting",
		slog.String("version", appversion.Version),
		slog.String("default_id", cfg.DefaultID),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.String("ipc_socket", cfg.IPC.SocketPath),
	)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	mgr, closeBus, err := buildManager(cfg, collector, logger)
	if err != nil {
		logger.Error("failed to wire manager", slog.String("error", err.Error()))
		return 1
	}

	if err := runDaemon(cfg, mgr, reg, closeBus, logger); err != nil {
		logger.Error("zonesd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("zonesd stopped")
	return 0
}

// buildManager wires the policy engine, the host bus endpoint, and every
// configured zone's bus endpoint into a Manager. It returns a closeBus
// func that tears down every D-Bus connection opened along the way; on
// error, buildManager calls it itself before returning.
func buildManager(cfg *config.ManagerConfig, collector *metrics.Collector, logger *slog.Logger) (*manager.Manager, func(), error) {
	rules, err := manager.BuildPolicyRules(cfg.ProxyCallRules)
	if err != nil {
		return nil, nil, fmt.Errorf("build policy rules: %w", err)
	}
	policyEngine, err := policy.New(rules)
	if err != nil {
		return nil, nil, fmt.Errorf("build policy engine: %w", err)
	}

	mgr := manager.New(cfg, policyEngine, nil, collector, filemove.NewPathMover(), logger)
	mgr.SetDetachOnExit(cfg.DetachOnExit)

	hostConn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, nil, fmt.Errorf("connect host endpoint to bus: %w", err)
	}
	hostTransport := bus.NewRealTransport(hostConn)

	var zoneConns []*dbus.Conn
	closeBus := func() {
		_ = hostTransport.Close()
		for _, c := range zoneConns {
			_ = c.Close()
		}
	}

	host := bus.NewHostEndpoint(hostTransport, mgr, logger)
	mgr.SetHost(host)

	mgr.SetZoneFactory(func(id, templateName string) (*zone.Zone, *bus.ZoneEndpoint, error) {
		path := filepath.Join(cfg.ContainersPath, "templates", templateName+".json")
		zc, err := config.LoadZoneConfig(path)
		if err != nil {
			return nil, nil, err
		}
		zc.ID = id

		z, endpoint, conn, err := newZone(cfg, zc, mgr, logger)
		if err != nil {
			return nil, nil, err
		}
		zoneConns = append(zoneConns, conn)
		return z, endpoint, nil
	})

	for _, path := range cfg.ContainerConfigs {
		zc, err := config.LoadZoneConfig(path)
		if err != nil {
			closeBus()
			return nil, nil, fmt.Errorf("load zone config %s: %w", path, err)
		}

		z, endpoint, conn, err := newZone(cfg, zc, mgr, logger)
		if err != nil {
			closeBus()
			return nil, nil, fmt.Errorf("build zone %s: %w", zc.ID, err)
		}
		zoneConns = append(zoneConns, conn)
		mgr.AddZone(z, endpoint)
	}

	if err := mgr.ValidateConstruction(); err != nil {
		closeBus()
		return nil, nil, fmt.Errorf("validate construction: %w", err)
	}

	if err := host.Start(); err != nil {
		closeBus()
		return nil, nil, fmt.Errorf("start host bus endpoint: %w", err)
	}

	return mgr, closeBus, nil
}

// newZone constructs a Zone and its zone-bus endpoint from a loaded
// ZoneConfig. Each zone opens its own bus connection, standing in for the
// dedicated per-container bus the real container runtime assigns it; that
// per-container routing belongs to the runtime integration, not here (see
// runtime.ContainerHandle's doc comment).
func newZone(cfg *config.ManagerConfig, zc *config.ZoneConfig, cb zone.ManagerCallbacks, logger *slog.Logger) (*zone.Zone, *bus.ZoneEndpoint, *dbus.Conn, error) {
	z, err := zone.New(zone.Config{
		ID:                          zc.ID,
		RootFS:                      zc.RootFS,
		Terminal:                    zc.Terminal,
		Privilege:                   zc.Privilege,
		SwitchToDefaultAfterTimeout: zc.SwitchToDefaultAfterTimeout,
		PermittedToSend:             zc.PermittedToSend,
		PermittedToRecv:             zc.PermittedToRecv,
	}, runtime.NewSimulated(), cb, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("zone.New(%s): %w", zc.ID, err)
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect zone %s to bus: %w", zc.ID, err)
	}

	transport := bus.NewRealTransport(conn)
	endpoint := bus.NewZoneEndpoint(zc.ID, transport, manager.ZoneRPCAdapter{Zone: z}, logger)
	endpoint.SetDisplayOffHandler(z.HandleDisplayOff)
	if err := endpoint.Start(cfg.Bus.PowerManagerName); err != nil {
		_ = conn.Close()
		return nil, nil, nil, fmt.Errorf("start zone %s bus endpoint: %w", zc.ID, err)
	}

	return z, endpoint, conn, nil
}

// runDaemon starts the metrics server, the IPC service, the input monitor,
// and all configured zones, then blocks until a shutdown signal arrives and
// graceful teardown completes.
func runDaemon(cfg *config.ManagerConfig, mgr *manager.Manager, reg *prometheus.Registry, closeBus func(), logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	if err := os.MkdirAll(filepath.Dir(cfg.IPC.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create ipc socket directory: %w", err)
	}
	_ = os.Remove(cfg.IPC.SocketPath)

	ipcSvc := ipc.New(cfg.IPC.SocketPath, logger)
	registerIPCHandlers(ipcSvc, mgr)
	if err := ipcSvc.Start(gCtx); err != nil {
		return fmt.Errorf("start ipc service: %w", err)
	}

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr))
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	mon := inputmon.NewStub(logger)
	if !cfg.Input.Enabled {
		logger.Debug("input monitor disabled in configuration")
	}
	g.Go(func() error {
		return mon.Run(gCtx)
	})
	g.Go(func() error {
		rotateForegroundOnInput(gCtx, mon, mgr, logger)
		return nil
	})

	if err := mgr.StartAll(gCtx); err != nil {
		return fmt.Errorf("start zones: %w", err)
	}

	g.Go(func() error {
		runWatchdog(gCtx, logger)
		return nil
	})

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, mgr, ipcSvc, mon, metricsSrv, closeBus, logger)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// rotateForegroundOnInput advances the foreground zone round-robin on every
// input event, until the context is cancelled or the monitor closes its
// event channel.
func rotateForegroundOnInput(ctx context.Context, mon inputmon.Monitor, mgr *manager.Manager, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-mon.Events():
			if !ok {
				return
			}
			if err := mgr.RotateForegroundRoundRobin(ctx); err != nil {
				logger.Warn("rotate foreground on input event failed", slog.String("error", err.Error()))
			}
		}
	}
}

// registerIPCHandlers wires the administrative control surface (distinct
// from the per-zone and host D-Bus APIs) onto the IPC service.
func registerIPCHandlers(svc *ipc.Service, mgr *manager.Manager) {
	svc.AddMethodHandler(ipcapi.MethodGetZoneIds, func(ctx context.Context, _ uint64, _ []byte) ([]byte, error) {
		return json.Marshal(ipcapi.ZoneIdsResponse{Ids: mgr.GetZoneIds(ctx)})
	})

	svc.AddMethodHandler(ipcapi.MethodGetActiveZoneId, func(ctx context.Context, _ uint64, _ []byte) ([]byte, error) {
		return json.Marshal(ipcapi.ActiveZoneResponse{ID: mgr.GetActiveZoneId(ctx)})
	})

	svc.AddMethodHandler(ipcapi.MethodSetActiveZone, func(ctx context.Context, _ uint64, payload []byte) ([]byte, error) {
		var req ipcapi.SetActiveZoneRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode set_active_zone request: %w", err)
		}
		return nil, mgr.SetActiveZone(ctx, req.ID)
	})

	svc.AddMethodHandler(ipcapi.MethodCreateZone, func(ctx context.Context, _ uint64, payload []byte) ([]byte, error) {
		var req ipcapi.CreateZoneRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode create_zone request: %w", err)
		}
		return nil, mgr.CreateZone(ctx, req.ID, req.Template)
	})

	svc.AddMethodHandler(ipcapi.MethodDestroyZone, func(ctx context.Context, _ uint64, payload []byte) ([]byte, error) {
		var req ipcapi.DestroyZoneRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode destroy_zone request: %w", err)
		}
		return nil, mgr.DestroyZone(ctx, req.ID, req.Force)
	})
}

// gracefulShutdown drains the daemon's components in reverse startup
// order: input monitor, then the bus connections, then IPC, then the
// zones themselves (skipped when detach-on-exit is set).
func gracefulShutdown(
	ctx context.Context,
	mgr *manager.Manager,
	ipcSvc *ipc.Service,
	mon inputmon.Monitor,
	metricsSrv *http.Server,
	closeBus func(),
	logger *slog.Logger,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	if err := mon.Close(); err != nil {
		logger.Warn("close input monitor", slog.String("error", err.Error()))
	}

	closeBus()

	if err := ipcSvc.Stop(); err != nil {
		logger.Warn("stop ipc service", slog.String("error", err.Error()))
	}

	if mgr.DetachOnExit() {
		logger.Info("detach_on_exit set, leaving zones running")
	} else {
		mgr.StopAll(context.WithoutCancel(ctx))
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Systemd integration — sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd at half the
// configured interval, until ctx is cancelled. A no-op if the watchdog is
// not configured.
func runWatchdog(ctx context.Context, logger *slog.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return
	}
	if interval == 0 {
		return
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", err.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// Server setup
// -------------------------------------------------------------------------

func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
