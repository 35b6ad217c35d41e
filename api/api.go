// Package api exposes the intelligence service over a tenant-scoped REST and
// WebSocket interface.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"intelvault/config"
	"intelvault/core"
	"intelvault/service"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// FeedScheduler is the part of the feed scheduler the API drives. It may be nil,
// in which case feed writes are not rescheduled and sync requests fail.
type FeedScheduler interface {
	SyncNow(ctx context.Context, tenantID, feedID string) (*service.IngestResult, error)
	RefreshFeed(feed *core.IntelligenceFeed) error
	RemoveFeed(tenantID, feedID string)
	NextSyncTime(tenantID, feedID string) (time.Time, bool)
}

// API is the HTTP server.
type API struct {
	router    *mux.Router
	server    *http.Server
	svc       *service.IntelligenceService
	scheduler FeedScheduler
	config    *config.Config
	logger    *zap.SugaredLogger
	validate  *validator.Validate

	rateLimiters   map[string]*limiterEntry
	rateLimitersMu sync.Mutex
	stopCh         chan struct{}
	stopOnce       sync.Once
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewAPI creates the API server and its routes. It does not listen until Start.
func NewAPI(svc *service.IntelligenceService, scheduler FeedScheduler, cfg *config.Config, logger *zap.SugaredLogger) *API {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	a := &API{
		router:       mux.NewRouter(),
		svc:          svc,
		scheduler:    scheduler,
		config:       cfg,
		logger:       logger,
		validate:     newValidator(),
		rateLimiters: make(map[string]*limiterEntry),
		stopCh:       make(chan struct{}),
	}
	a.setupRoutes()
	a.server = a.newServer()
	go a.cleanupRateLimiters()
	return a
}

// Handler returns the root handler, for tests and embedding.
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) setupRoutes() {
	a.router.Use(a.recoveryMiddleware, a.metricsMiddleware, a.corsMiddleware)

	a.router.HandleFunc("/health", a.health).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := a.router.PathPrefix("/api/v1").Subrouter()
	v1.Use(a.tenantMiddleware, a.rateLimitMiddleware, a.quotaMiddleware)

	mountResource(v1, a, "/indicators", resource[*core.Indicator, core.IndicatorPatch]{
		kind:     core.KindIndicator,
		newValue: func() *core.Indicator { return &core.Indicator{} },
		create:   a.svc.CreateIndicator,
		get:      a.svc.GetIndicator,
		update:   a.svc.UpdateIndicator,
		remove:   a.svc.DeleteIndicator,
		list:     a.svc.ListIndicators,
		search:   a.svc.SearchIndicators,
	})
	mountResource(v1, a, "/actors", resource[*core.ThreatActor, core.ThreatActorPatch]{
		kind:     core.KindThreatActor,
		newValue: func() *core.ThreatActor { return &core.ThreatActor{} },
		create:   a.svc.CreateThreatActor,
		get:      a.svc.GetThreatActor,
		update:   a.svc.UpdateThreatActor,
		remove:   a.svc.DeleteThreatActor,
		list:     a.svc.ListThreatActors,
		search:   a.svc.SearchThreatActors,
	})
	mountResource(v1, a, "/campaigns", resource[*core.ThreatCampaign, core.ThreatCampaignPatch]{
		kind:     core.KindCampaign,
		newValue: func() *core.ThreatCampaign { return &core.ThreatCampaign{} },
		create:   a.svc.CreateCampaign,
		get:      a.svc.GetCampaign,
		update:   a.svc.UpdateCampaign,
		remove:   a.svc.DeleteCampaign,
		list:     a.svc.ListCampaigns,
		search:   a.svc.SearchCampaigns,
	})
	mountResource(v1, a, "/reports", resource[*core.Report, core.ReportPatch]{
		kind:     core.KindReport,
		newValue: func() *core.Report { return &core.Report{} },
		create:   a.svc.CreateReport,
		get:      a.svc.GetReport,
		update:   a.svc.UpdateReport,
		remove:   a.svc.DeleteReport,
		list:     a.svc.ListReports,
		search:   a.svc.SearchReports,
	})

	v1.HandleFunc("/feeds/{id}/ingest", a.ingestFeed).Methods("POST")
	v1.HandleFunc("/feeds/{id}/sync", a.syncFeed).Methods("POST")
	v1.HandleFunc("/feeds/{id}/schedule", a.feedSchedule).Methods("GET")
	mountResource(v1, a, "/feeds", resource[*core.IntelligenceFeed, core.IntelligenceFeedPatch]{
		kind:        core.KindFeed,
		newValue:    func() *core.IntelligenceFeed { return &core.IntelligenceFeed{} },
		create:      a.svc.CreateFeed,
		get:         a.svc.GetFeed,
		update:      a.svc.UpdateFeed,
		remove:      a.svc.DeleteFeed,
		list:        a.svc.ListFeeds,
		search:      a.svc.SearchFeeds,
		afterWrite:  a.rescheduleFeed,
		afterDelete: a.unscheduleFeed,
	})

	v1.HandleFunc("/indicators/{id}/correlations", a.correlate).Methods("GET")
	v1.HandleFunc("/indicators/{id}/enrich", a.requestEnrichment).Methods("POST")

	v1.HandleFunc("/summary", a.summary).Methods("GET")
	v1.HandleFunc("/landscape", a.landscape).Methods("GET")
	v1.HandleFunc("/analytics", a.runAnalytics).Methods("POST")
	v1.HandleFunc("/usage", a.usage).Methods("GET")
	v1.HandleFunc("/features", a.features).Methods("GET")

	v1.HandleFunc("/exports", a.requestExport).Methods("POST")
	v1.HandleFunc("/jobs", a.listJobs).Methods("GET")
	v1.HandleFunc("/jobs/{id}", a.getJob).Methods("GET")
	v1.HandleFunc("/jobs/{id}/cancel", a.cancelJob).Methods("POST")

	v1.HandleFunc("/stream", a.stream).Methods("GET")

	// preflight; corsMiddleware writes the headers and the status
	a.router.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
}

// Start listens on the configured address. It blocks until the server stops.
func (a *API) Start() error {
	a.logger.Infow("Starting API server", "addr", a.server.Addr)
	return a.server.ListenAndServe()
}

// StartTLS listens with TLS using the configured certificate.
func (a *API) StartTLS() error {
	a.logger.Infow("Starting API server with TLS", "addr", a.server.Addr)
	return a.server.ListenAndServeTLS(a.config.API.CertFile, a.config.API.KeyFile)
}

func (a *API) newServer() *http.Server {
	return &http.Server{
		Addr:              a.config.Addr(),
		Handler:           a.router,
		ReadTimeout:       a.config.API.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      a.config.API.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}
}

// Stop shuts the server down and stops background cleanup.
func (a *API) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	return a.server.Shutdown(ctx)
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	}
	if hub := a.svc.Hub(); hub != nil {
		status["subscribers"] = hub.SubscriberCount()
	}
	respondJSON(w, core.OK(status), http.StatusOK)
}
