// Package app wires the control plane together: it reads configuration,
// connects to the store and Redis, constructs every component of §4, and
// runs them either as an HTTP server, the background control loops, or
// both (spec.md §9 "no global mutable state... specify them as an explicit
// configuration record passed to a constructed control-plane object").
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/greenlease/fleetplane/internal/config"
	"github.com/greenlease/fleetplane/internal/httpserver"
	"github.com/greenlease/fleetplane/internal/platform"
	"github.com/greenlease/fleetplane/internal/ratelimit"
	"github.com/greenlease/fleetplane/internal/telemetry"
	"github.com/greenlease/fleetplane/pkg/controlleradapter"
	"github.com/greenlease/fleetplane/pkg/gc"
	"github.com/greenlease/fleetplane/pkg/hostregistry"
	"github.com/greenlease/fleetplane/pkg/nodeagent"
	"github.com/greenlease/fleetplane/pkg/notify"
	"github.com/greenlease/fleetplane/pkg/operatorapi"
	"github.com/greenlease/fleetplane/pkg/placement"
	"github.com/greenlease/fleetplane/pkg/provisioner"
	"github.com/greenlease/fleetplane/pkg/reconciler"
	"github.com/greenlease/fleetplane/pkg/scaler"
	"github.com/greenlease/fleetplane/pkg/store"
)

// Run is the control plane's entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api, loops, or both).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting fleetplane", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	deps := build(db, rdb, logger, cfg)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, deps, metricsReg)
	case "loops":
		return runLoops(ctx, cfg, logger, deps)
	case "all":
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return runAPI(gctx, cfg, logger, deps, metricsReg) })
		g.Go(func() error { return runLoops(gctx, cfg, logger, deps) })
		return g.Wait()
	default:
		return fmt.Errorf("unknown mode: %s (want api, loops, or all)", cfg.Mode)
	}
}

// deps holds every constructed component, shared between the API server
// and the background loops (spec.md §5 "Shared state is the Store").
type deps struct {
	store       *store.Store
	registry    *hostregistry.Registry
	controller  controlleradapter.Adapter
	nodeAgent   nodeagent.Client
	placer      *placement.Placer
	provisioner *provisioner.Provisioner
	scaler      *scaler.Scaler
	reconciler  *reconciler.Reconciler
	gc          *gc.GC
	notifier    *notify.Notifier
	authLimiter *ratelimit.Limiter
}

func build(db *pgxpool.Pool, rdb *redis.Client, logger *slog.Logger, cfg *config.Config) *deps {
	st := store.New(db)
	rpcTimeout := time.Duration(cfg.RPCTimeoutSec) * time.Second
	heartbeatInterval := time.Duration(cfg.HeartbeatIntervalSec) * time.Second

	controller := controlleradapter.NewHTTPAdapter(cfg.ControllerBaseURL, cfg.ControllerAPIToken, rpcTimeout)
	nodeAgentClient := nodeagent.NewHTTPClient(rpcTimeout, cfg.NodeAgentConcurrency)

	registry := hostregistry.New(st, hostregistry.Config{
		AllowUnknownHostRegistration: cfg.AllowUnknownHostRegistration,
		SessionTokenTTL:              time.Duration(cfg.SessionTokenTTLSec) * time.Second,
		HeartbeatInterval:            heartbeatInterval,
		StalenessMultiplier:          cfg.StalenessMultiplier,
	}, logger)

	servesLabel := func(h store.Host, label string) bool {
		for _, l := range h.Labels {
			if l == label {
				return true
			}
		}
		return false
	}
	schedulable := func(h store.Host, now time.Time, cpuDemand, ramDemandMB int) bool {
		return hostregistry.Schedulable(h, now, heartbeatInterval, cfg.StalenessMultiplier, cpuDemand, ramDemandMB)
	}
	placer := placement.New(schedulable, servesLabel, time.Duration(cfg.ReservationTTLSec)*time.Second)

	prov := provisioner.New(st, controller, nodeAgentClient, logger, rpcTimeout,
		telemetry.ScaleLaunchFailedTotal, cfg.ControllerBaseURL, cfg.BaseImageID, cfg.LeaseDiskDemandGB)

	scl := scaler.New(st, controller, placer, prov, logger, scaler.Config{
		LabelBurst:         cfg.LabelBurst,
		LabelMaxInflight:   cfg.LabelMaxInflight,
		GlobalMaxVMs:       cfg.GlobalMaxVMs,
		CooldownSec:        cfg.CooldownSec,
		ConnectDeadlineSec: cfg.ConnectDeadlineSec,
		VMTTLSec:           cfg.VMTTLSec,
		CPUDemand:          cfg.LeaseCPUDemand,
		RAMDemandMB:        cfg.LeaseRAMDemandMB,
	})

	rec := reconciler.New(st, controller, nodeAgentClient, logger, reconciler.Config{
		ControllerNodePrefix: cfg.ControllerNodePrefix,
		BootGrace:            time.Duration(cfg.BootGraceSec) * time.Second,
		DisconnectedGrace:    time.Duration(cfg.DisconnectedGraceSec) * time.Second,
		HeartbeatInterval:    heartbeatInterval,
		StalenessMultiplier:  cfg.StalenessMultiplier,
	}, telemetry.OrphanVMCleanupTotal, telemetry.HostStaleTotal, telemetry.QueueToConnectSeconds, telemetry.LeasesByState)

	notifier := notify.NewNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)

	collector := gc.New(st, controller, nodeAgentClient, notifier, logger, gc.Config{
		RetryBudget: cfg.RetryBudget,
		RPCTimeout:  rpcTimeout,
	}, telemetry.LeasesNeverConnectedTotal, telemetry.LeaseTerminateRetryTotal, telemetry.RetryExhaustedTotal)

	var authLimiter *ratelimit.Limiter
	if rdb != nil {
		authLimiter = ratelimit.New(rdb, 20, 15*time.Minute)
	}

	return &deps{
		store:       st,
		registry:    registry,
		controller:  controller,
		nodeAgent:   nodeAgentClient,
		placer:      placer,
		provisioner: prov,
		scaler:      scl,
		reconciler:  rec,
		gc:          collector,
		notifier:    notifier,
		authLimiter: authLimiter,
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, d *deps, metricsReg *prometheus.Registry) error {
	srv := httpserver.NewServer(cfg, logger, d.store, metricsReg)

	hostregistryHandler := hostregistry.NewHandler(d.registry, logger, d.authLimiter)
	operatorHandler := operatorapi.NewHandler(d.store, d.registry, logger)

	// /v1/hosts/{host_id}/register and /heartbeat (node-agent inbound) plus
	// /v1/hosts/{host_id}/enable and /disable (operator-only) share one
	// sub-router (spec.md §6).
	hostRouter := hostregistryHandler.Routes()
	hostRouter.Post("/{host_id}/enable", operatorHandler.HandleEnableHost)
	hostRouter.Post("/{host_id}/disable", operatorHandler.HandleDisableHost)
	srv.V1Router.Mount("/hosts", hostRouter)

	srv.V1Router.Mount("/leases", operatorHandler.LeaseRoutes())

	srv.Router.Get("/ui", operatorHandler.HandleUI)
	srv.Router.Get("/ui/snapshot.json", operatorHandler.HandleSnapshot)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// runLoops runs the scaler, reconciler, and GC on independent tickers
// until ctx is cancelled (spec.md §5 "each loop is a cooperative task that
// wakes on a timer, does a bounded amount of work, and yields"). A graceful
// shutdown lets each loop finish its current iteration and exit; no lease
// is left in an intermediate in-memory-only state because the store is the
// only authoritative record (spec.md §5 "Cancellation").
func runLoops(ctx context.Context, cfg *config.Config, logger *slog.Logger, d *deps) error {
	if cfg.DisableBackgroundLoops {
		logger.Info("background loops disabled (DISABLE_BACKGROUND_LOOPS=true)")
		<-ctx.Done()
		return nil
	}

	loopInterval := time.Duration(cfg.LoopIntervalSec) * time.Second
	gcInterval := time.Duration(cfg.GCIntervalSec) * time.Second

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runTicker(gctx, logger, "scaler", loopInterval, d.scaler.Tick) })
	g.Go(func() error { return runTicker(gctx, logger, "reconciler", loopInterval, d.reconciler.Tick) })
	g.Go(func() error { return runTicker(gctx, logger, "gc", gcInterval, d.gc.Tick) })
	return g.Wait()
}

// runTicker runs fn on every tick of interval until ctx is cancelled,
// logging (not failing) per-tick errors so one bad tick doesn't bring down
// the loop or its siblings.
func runTicker(ctx context.Context, logger *slog.Logger, name string, interval time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("loop stopped", "loop", name)
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				logger.Error("loop tick failed", "loop", name, "error", err)
			}
		}
	}
}
