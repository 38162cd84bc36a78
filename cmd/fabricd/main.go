// fabricd is the router daemon: it loads configuration, wires the
// codec/channel/dispatch/router/session/cluster/queue stack together,
// and serves the admin/metrics HTTP surfaces until signalled to stop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lilltek-go/fabric/internal/admin"
	"github.com/lilltek-go/fabric/internal/config"
	fabricmetrics "github.com/lilltek-go/fabric/internal/metrics"
	"github.com/lilltek-go/fabric/pkg/channel"
	"github.com/lilltek-go/fabric/pkg/cluster"
	"github.com/lilltek-go/fabric/pkg/dispatch"
	"github.com/lilltek-go/fabric/pkg/envelope"
	"github.com/lilltek-go/fabric/pkg/queue"
	"github.com/lilltek-go/fabric/pkg/router"
	"github.com/lilltek-go/fabric/pkg/session"
)

// version is the daemon build version, overridden at build time via
// -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLogger(cfg.Log.Format, logLevel)

	logger.Info("fabricd starting",
		slog.String("version", version),
		slog.String("router_ep", cfg.Router.RouterEP),
		slog.String("role", cfg.Router.Role),
	)

	if err := runDaemon(cfg, logger, *configPath, logLevel); err != nil {
		logger.Error("fabricd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("fabricd stopped")
	return 0
}

func newLogger(format string, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// runDaemon wires the fabric stack and runs every task under one
// errgroup bound to a signal-aware context, mirroring the teacher's
// runServers shutdown shape.
func runDaemon(cfg *config.Config, logger *slog.Logger, configPath string, logLevel *slog.LevelVar) error {
	reg := prometheus.NewRegistry()
	collector := fabricmetrics.NewCollector(reg)

	sharedKey := []byte(cfg.Router.SharedKey)
	codec := envelope.NewCodec(1<<20, sharedKey)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	disp := dispatch.New(ctx, logger)

	chMgr := channel.NewManager(logger, channel.WithMaxIdle(cfg.Router.MaxIdle))

	role, err := parseRole(cfg.Router.Role)
	if err != nil {
		return err
	}
	discoveryMode, err := parseDiscoveryMode(cfg.Router.DiscoveryMode)
	if err != nil {
		return err
	}

	rcfg := router.Config{
		RouterEP:               cfg.Router.RouterEP,
		ParentEP:               cfg.Router.ParentEP,
		Role:                   role,
		Discovery:              discoveryMode,
		MulticastAddr:          cfg.Router.UdpEP,
		EnableP2P:              cfg.Router.EnableP2P,
		BkInterval:             cfg.Router.BkInterval,
		AdvertiseTime:          cfg.Router.AdvertiseTime,
		ReceiptDelay:           cfg.Router.KeepAliveTime,
		DeadRouterTTL:          cfg.Router.DeadRouterTTL,
		DefMsgTTL:              cfg.Router.DefMsgTTL,
		MaxLogicalAdvertiseEPs: cfg.Router.MaxLogicalAdvertiseEPs,
		UplinkEP:               cfg.Router.UplinkEP,
		DownlinkEP:             cfg.Router.DownlinkEP,
	}
	rt := router.New(rcfg, logger, codec, chMgr, disp)
	chMgr.SetDispatcher(rt)

	abstractEntries := make(map[string]string, len(cfg.Abstract))
	for _, rule := range cfg.Abstract {
		abstractEntries[rule.Pattern] = rule.Target
	}
	rt.ReloadAbstractMap(ctx, abstractEntries, nil)

	sessMgr := session.New(session.Config{
		SessionCacheTime: cfg.Session.SessionCacheTime,
		SessionRetries:   cfg.Session.SessionRetries,
		SessionTimeout:   cfg.Session.SessionTimeout,
	}, logger, rt)
	rt.OnSessionReply(sessMgr.OnReply)

	var clusterMgr *cluster.Manager
	if cfg.Cluster.ClusterBaseEP != "" {
		mode, merr := parseClusterMode(cfg.Cluster.Mode)
		if merr != nil {
			return merr
		}
		clusterMgr = cluster.New(cluster.Config{
			InstanceEP:              cfg.Cluster.ClusterBaseEP,
			Mode:                    mode,
			MasterBroadcastInterval: cfg.Cluster.MasterBroadcastInterval,
			SlaveUpdateInterval:     cfg.Cluster.SlaveUpdateInterval,
			MissingMasterCount:      cfg.Cluster.MissingMasterCount,
			MissingSlaveCount:       cfg.Cluster.MissingSlaveCount,
			ElectionInterval:        cfg.Cluster.ElectionInterval,
		}, logger, rt, cluster.Hooks{})
		rt.OnClusterMessage(func(fromEP string, typeID envelope.TypeID, props map[string]string) {
			switch typeID {
			case envelope.TypeElectionCall:
				clusterMgr.HandleElectionCall(fromEP, props)
			case envelope.TypeMasterBroadcast, envelope.TypeClusterStatus:
				clusterMgr.HandleClusterStatus(props)
			case envelope.TypeSlaveStatus:
				clusterMgr.HandleSlaveStatus(props)
			}
		})
	}

	var queueMgr *queue.Manager
	if len(cfg.Queue.QueueMap) > 0 {
		queueMgr = queue.New(queue.Config{
			FlushInterval:       cfg.Queue.FlushInterval,
			DeadLetterTTL:       cfg.Queue.DeadLetterTTL,
			MaxDeliveryAttempts: cfg.Queue.MaxDeliveryAttempts,
		}, logger, queue.NewMemoryStore())
		for _, pattern := range cfg.Queue.QueueMap {
			if _, qerr := queueMgr.Queue(pattern); qerr != nil {
				return fmt.Errorf("register queue %s: %w", pattern, qerr)
			}
			rt.RegisterLogical(pattern)
		}
	}

	adminSrv := &admin.Server{Logger: logger, Router: rt, Sessions: sessMgr}
	if clusterMgr != nil {
		adminSrv.Cluster = clusterMgr
	}
	if queueMgr != nil {
		adminSrv.Queues = queueMgr
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := startChannels(gctx, cfg, chMgr, rt, logger); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}

	g.Go(func() error { return rt.Run(gctx) })
	if clusterMgr != nil {
		g.Go(func() error { return clusterMgr.Run(gctx) })
	}
	if queueMgr != nil {
		g.Go(func() error { return queueMgr.Run(gctx) })
	}
	g.Go(func() error { return adminSrv.ListenAndServe(gctx, cfg.Admin.Addr) })
	g.Go(func() error { return serveMetrics(gctx, cfg.Metrics, reg) })
	g.Go(func() error { return runWatchdog(gctx, logger) })
	g.Go(func() error { syncMetrics(gctx, rt, queueMgr, collector, cfg.Router.BkInterval); return nil })

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(gctx, sigHUP, configPath, logLevel, rt, logger)
		return nil
	})

	notifyReady(logger)
	defer notifyStopping(logger)

	<-gctx.Done()
	rt.Stop()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

func startChannels(ctx context.Context, cfg *config.Config, chMgr *channel.Manager, rt *router.Router, logger *slog.Logger) error {
	if cfg.Router.TcpEP != "" {
		if _, err := chMgr.ListenTCP(ctx, cfg.Router.TcpEP, rt); err != nil {
			return fmt.Errorf("listen tcp %s: %w", cfg.Router.TcpEP, err)
		}
		logger.Info("tcp channel listening", slog.String("addr", cfg.Router.TcpEP))
	}
	if cfg.Router.UdpEP != "" {
		if err := chMgr.ListenUDP(ctx, cfg.Router.UdpEP, rt); err != nil {
			return fmt.Errorf("listen udp %s: %w", cfg.Router.UdpEP, err)
		}
		logger.Info("udp channel listening", slog.String("addr", cfg.Router.UdpEP))
	}
	if cfg.Router.DiscoveryMode == "MULTICAST" && cfg.Router.UdpEP != "" {
		if err := chMgr.JoinMulticast(ctx, cfg.Router.UdpEP, nil, true, rt); err != nil {
			return fmt.Errorf("join multicast %s: %w", cfg.Router.UdpEP, err)
		}
		logger.Info("joined multicast group", slog.String("addr", cfg.Router.UdpEP))
	}
	return nil
}

func serveMetrics(ctx context.Context, cfg config.MetricsConfig, reg *prometheus.Registry) error {
	if cfg.Addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

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
// configured interval; it is a no-op when the watchdog is not enabled.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		return nil
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// handleSIGHUP reloads the dynamic log level and the process-wide
// abstract-endpoint map on SIGHUP, matching spec.md §9's "explicit
// reload call, not a live-patch" resolution.
func handleSIGHUP(ctx context.Context, sigHUP <-chan os.Signal, configPath string, logLevel *slog.LevelVar, rt *router.Router, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, err := config.Load(configPath)
			if err != nil {
				logger.Error("failed to reload configuration, keeping current settings", slog.String("error", err.Error()))
				continue
			}
			logLevel.Set(config.ParseLogLevel(newCfg.Log.Level))

			entries := make(map[string]string, len(newCfg.Abstract))
			for _, rule := range newCfg.Abstract {
				entries[rule.Pattern] = rule.Target
			}
			rt.ReloadAbstractMap(ctx, entries, nil)
			logger.Info("configuration reloaded")
		}
	}
}

func parseRole(s string) (router.Role, error) {
	switch s {
	case "leaf":
		return router.RoleLeaf, nil
	case "hub":
		return router.RoleHub, nil
	case "root":
		return router.RoleRoot, nil
	default:
		return 0, fmt.Errorf("unknown router role %q", s)
	}
}

func parseDiscoveryMode(s string) (router.DiscoveryMode, error) {
	switch s {
	case "MULTICAST":
		return router.DiscoveryMulticast, nil
	case "UDPBROADCAST":
		return router.DiscoveryUDPBroadcast, nil
	default:
		return 0, fmt.Errorf("unknown discovery mode %q", s)
	}
}

func parseClusterMode(s string) (cluster.Mode, error) {
	switch s {
	case "Normal":
		return cluster.ModeNormal, nil
	case "Observer":
		return cluster.ModeObserver, nil
	case "Monitor":
		return cluster.ModeMonitor, nil
	case "PreferMaster":
		return cluster.ModePreferMaster, nil
	case "PreferSlave":
		return cluster.ModePreferSlave, nil
	default:
		return 0, fmt.Errorf("unknown cluster mode %q", s)
	}
}

// syncMetrics periodically copies point-in-time state (route table
// size, queue depth) into the collector's gauges.
func syncMetrics(ctx context.Context, rt *router.Router, queueMgr *queue.Manager, collector *fabricmetrics.Collector, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := rt.Routes().Snapshot()
			collector.RoutesKnown.WithLabelValues(rt.DiscoveryMode().String()).Set(float64(len(snap.Physical)))
			if queueMgr == nil {
				continue
			}
			for _, q := range queueMgr.Queues() {
				for prio, n := range q.DepthByPriority() {
					collector.QueueDepth.WithLabelValues(q.EP(), prio.String()).Set(float64(n))
				}
			}
		}
	}
}
