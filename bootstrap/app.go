package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"intelvault/api"
	"intelvault/config"
	"intelvault/correlation"
	"intelvault/feeds"
	"intelvault/notify"
	"intelvault/quota"
	"intelvault/service"
	"intelvault/store"
	"intelvault/util/goroutine"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// App holds every long-lived component of a running intelvault process.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Persistence store.Persistence
	Stores      *store.Stores
	Guard       *quota.Guard
	Sweeper     *quota.Sweeper
	Hub         *notify.Hub
	Service     *service.IntelligenceService
	Scheduler   *feeds.Scheduler
	APIServer   *api.API

	natsConn        *nats.Conn
	tracingShutdown func(context.Context) error

	serviceWg *sync.WaitGroup
	errCh     chan error
}

// NewApp loads configuration from configPath (empty for defaults and env) and
// builds every component. Nothing runs until Start.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, sugar, err := InitLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	sugar.Info("intelvault starting...")
	logConfig(cfg, sugar)
	return NewAppWithConfig(ctx, cfg, logger)
}

// NewAppWithConfig builds the components for an already loaded configuration.
func NewAppWithConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	sugar := logger.Sugar()
	app := &App{
		Config:          cfg,
		Logger:          logger,
		Sugar:           sugar,
		tracingShutdown: func(context.Context) error { return nil },
		serviceWg:       &sync.WaitGroup{},
		errCh:           make(chan error, 1),
	}

	if err := EnsureDataDirectories(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight check failed: %w", err)
	}

	shutdownTracing, err := InitTracing(cfg, sugar)
	if err != nil {
		if !cfg.IsGracefulMode() {
			return nil, err
		}
		sugar.Warnw("Tracing disabled", "error", err)
	} else {
		app.tracingShutdown = shutdownTracing
	}

	stores, persistence, err := InitStores(ctx, cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.Stores, app.Persistence = stores, persistence

	app.Guard = quota.NewGuard(quota.Config{
		APIWindow:      cfg.Quota.APIWindow,
		BucketInterval: cfg.Quota.BucketInterval,
	}, sugar)
	app.Sweeper = quota.NewSweeper(app.Guard, cfg.Quota.SweepSchedule, sugar)

	app.Hub, err = notify.NewHub(cfg.Notifications.Hub, sugar)
	if err != nil {
		app.closeStorage()
		return nil, fmt.Errorf("failed to create notification hub: %w", err)
	}

	correlator, err := correlation.NewEngine(stores, cfg.Correlation.CacheSize, sugar)
	if err != nil {
		app.closeStorage()
		return nil, fmt.Errorf("failed to create correlation engine: %w", err)
	}

	app.Service, err = service.New(service.Deps{
		Stores:     stores,
		Guard:      app.Guard,
		Hub:        app.Hub,
		Correlator: correlator,
		Exporter:   service.NewSnapshotExporter(stores, cfg.DataPaths.ExportDir, sugar),
		Logger:     sugar,
		JobBacklog: cfg.Jobs.Backlog,
	})
	if err != nil {
		app.closeStorage()
		return nil, err
	}

	if err := app.provisionTenants(ctx); err != nil {
		app.closeStorage()
		return nil, err
	}
	if err := app.attachNotifiers(); err != nil {
		app.closeStorage()
		return nil, err
	}

	var scheduler api.FeedScheduler
	if cfg.Feeds.SchedulerEnabled {
		app.Scheduler, err = feeds.NewScheduler(feeds.SchedulerConfig{
			Source:             app.Service,
			Poller:             feeds.NewHTTPPoller(&http.Client{Timeout: cfg.Feeds.HTTPTimeout}, feeds.EnvCredentials),
			Logger:             sugar,
			MaxConcurrentSyncs: cfg.Feeds.MaxConcurrentSyncs,
			SyncTimeout:        cfg.Feeds.SyncTimeout,
			Timezone:           cfg.Feeds.Timezone,
		})
		if err != nil {
			app.closeStorage()
			return nil, fmt.Errorf("failed to create feed scheduler: %w", err)
		}
		scheduler = app.Scheduler
	} else {
		sugar.Info("Feed scheduler disabled by configuration")
	}

	app.APIServer = api.NewAPI(app.Service, scheduler, cfg, sugar)
	return app, nil
}

// provisionTenants registers the configured tenants and seeds their usage from
// the loaded records.
func (a *App) provisionTenants(ctx context.Context) error {
	for _, t := range a.Config.Tenants {
		if err := a.Service.ProvisionTenant(t); err != nil {
			if !a.Config.IsGracefulMode() {
				return fmt.Errorf("failed to provision tenant %s: %w", t.ID, err)
			}
			a.Sugar.Warnw("Skipping tenant", "tenant", t.ID, "error", err)
			continue
		}
		a.Sugar.Infow("Tenant provisioned", "tenant", t.ID, "name", t.Name)
	}
	if len(a.Config.Tenants) == 0 {
		a.Sugar.Warn("No tenants configured; every request will be rejected")
	}
	if err := a.Service.ReconcileUsage(ctx); err != nil {
		return fmt.Errorf("failed to reconcile tenant usage: %w", err)
	}
	return nil
}

// attachNotifiers subscribes the configured webhooks and the NATS forwarder
// to the hub.
func (a *App) attachNotifiers() error {
	for i, wh := range a.Config.Notifications.Webhooks {
		deliverer, err := notify.NewWebhookDeliverer(wh, a.Sugar)
		if err == nil {
			_, err = deliverer.Attach(a.Hub)
		}
		if err != nil {
			if !a.Config.IsGracefulMode() {
				return fmt.Errorf("webhook %d: %w", i, err)
			}
			a.Sugar.Warnw("Skipping webhook", "index", i, "tenant", wh.TenantID, "error", err)
		}
	}

	natsCfg := a.Config.Notifications.NATS
	if !natsCfg.Enabled {
		return nil
	}
	nc, err := notify.ConnectNATS(natsCfg.URL, "intelvault", a.Sugar)
	if err != nil {
		if !a.Config.IsGracefulMode() {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		a.Sugar.Warnw("NATS forwarding disabled", "url", natsCfg.URL, "error", err)
		return nil
	}
	a.natsConn = nc
	forwarder := notify.NewNATSForwarder(nc, natsCfg.SubjectPrefix, a.Sugar)
	for _, tenant := range natsCfg.Tenants {
		if _, err := forwarder.Attach(a.Hub, tenant, nil); err != nil {
			a.Sugar.Warnw("Failed to forward tenant events to NATS", "tenant", tenant, "error", err)
		}
	}
	return nil
}

// Start launches the job workers, the quota sweeper, the feed scheduler and
// the API server.
func (a *App) Start(ctx context.Context) error {
	if err := a.Service.Start(ctx, a.Config.Jobs.Workers); err != nil {
		return fmt.Errorf("failed to start job workers: %w", err)
	}
	if err := a.Sweeper.Start(); err != nil {
		return fmt.Errorf("failed to start quota sweeper: %w", err)
	}
	if a.Scheduler != nil {
		if err := a.Scheduler.Start(ctx); err != nil {
			if !a.Config.IsGracefulMode() {
				return fmt.Errorf("failed to start feed scheduler: %w", err)
			}
			a.Sugar.Warnw("Feed scheduler not started", "error", err)
		}
	}

	goroutine.Go("api-server", a.Sugar, a.serviceWg, func() {
		var err error
		if a.Config.API.TLS {
			err = a.APIServer.StartTLS()
		} else {
			err = a.APIServer.Start()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Sugar.Errorw("API server failed", "error", err)
			select {
			case a.errCh <- err:
			default:
			}
		}
	})
	a.Sugar.Infow("intelvault started", "addr", a.Config.Addr())
	return nil
}

// WaitForShutdown blocks until a shutdown signal arrives or the API server fails.
func (a *App) WaitForShutdown() error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		a.Sugar.Infow("Shutdown signal received", "signal", sig.String())
		return nil
	case err := <-a.errCh:
		return err
	}
}

// Shutdown stops components in reverse dependency order: first intake (API,
// feed polling), then background work, then delivery, then storage.
func (a *App) Shutdown(ctx context.Context) {
	a.Sugar.Info("Shutting down...")

	apiCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := a.APIServer.Stop(apiCtx); err != nil {
		a.Sugar.Warnw("API server shutdown error", "error", err)
	}
	cancel()

	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	a.Sweeper.Stop()
	a.Service.Stop()

	hubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.Hub.Close(hubCtx); err != nil {
		a.Sugar.Warnw("Notification hub did not drain", "error", err)
	}
	cancel()

	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.natsConn.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		a.serviceWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		a.Sugar.Warn("Timed out waiting for service goroutines")
	}

	a.closeStorage()

	traceCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if err := a.tracingShutdown(traceCtx); err != nil {
		a.Sugar.Warnw("Tracer flush failed", "error", err)
	}
	cancel()

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}

func (a *App) closeStorage() {
	if a.Persistence == nil {
		return
	}
	if err := a.Persistence.Close(); err != nil {
		a.Sugar.Warnw("Failed to close storage", "backend", a.Persistence.Name(), "error", err)
	}
}
