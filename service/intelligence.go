// Package service implements the intelligence facade: the single entry point
// that validates tenant access, reserves quota, mutates the stores and
// publishes change notifications.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"intelvault/core"
	"intelvault/correlation"
	"intelvault/jobs"
	"intelvault/notify"
	"intelvault/quota"
	"intelvault/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	// ErrNoCollaborator is returned when an operation needs a collaborator that
	// was not configured.
	ErrNoCollaborator = errors.New("collaborator not configured")
	// ErrNotificationsDisabled is returned by Subscribe when no hub is configured.
	ErrNotificationsDisabled = errors.New("notifications are not enabled")
)

// Deps are the collaborators of an IntelligenceService. Stores and Guard are
// required; everything else is optional.
type Deps struct {
	Stores     *store.Stores
	Guard      *quota.Guard
	Hub        *notify.Hub
	Correlator *correlation.Engine
	Analyzer   Analyzer
	Exporter   Exporter
	Enricher   Enricher
	Logger     *zap.SugaredLogger
	Clock      func() time.Time
	// JobBacklog bounds queued job ids; zero uses the queue default
	JobBacklog int
}

// IntelligenceService orchestrates the quota guard, the stores, the
// correlation engine and the notification hub for every tenant operation.
type IntelligenceService struct {
	stores     *store.Stores
	guard      *quota.Guard
	hub        *notify.Hub
	correlator *correlation.Engine
	jobs       *jobs.Queue
	analyzer   Analyzer
	exporter   Exporter
	enricher   Enricher
	logger     *zap.SugaredLogger
	tracer     trace.Tracer
	clock      func() time.Time

	// sizes holds the dataSize bytes reserved for each record, released on delete
	sizes sync.Map
}

// New creates the facade.
func New(deps Deps) (*IntelligenceService, error) {
	if deps.Stores == nil {
		return nil, errors.New("intelligence service requires stores")
	}
	if deps.Guard == nil {
		return nil, errors.New("intelligence service requires a quota guard")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Correlator == nil {
		engine, err := correlation.NewEngine(deps.Stores, 0, deps.Logger)
		if err != nil {
			return nil, err
		}
		deps.Correlator = engine
	}

	s := &IntelligenceService{
		stores:     deps.Stores,
		guard:      deps.Guard,
		hub:        deps.Hub,
		correlator: deps.Correlator,
		analyzer:   deps.Analyzer,
		exporter:   deps.Exporter,
		enricher:   deps.Enricher,
		logger:     deps.Logger,
		tracer:     otel.Tracer("intelvault/service"),
		clock:      deps.Clock,
	}
	queueOpts := []jobs.Option{jobs.WithObserver(s.publishJob), jobs.WithClock(deps.Clock)}
	if deps.JobBacklog > 0 {
		queueOpts = append(queueOpts, jobs.WithBacklog(deps.JobBacklog))
	}
	s.jobs = jobs.NewQueue(deps.Logger, queueOpts...)
	s.jobs.Register(jobs.TypeExport, s.runExport)
	s.jobs.Register(jobs.TypeEnrichment, s.runEnrichment)
	return s, nil
}

// Jobs returns the background job queue.
func (s *IntelligenceService) Jobs() *jobs.Queue { return s.jobs }

// Guard returns the quota guard.
func (s *IntelligenceService) Guard() *quota.Guard { return s.guard }

// Hub returns the notification hub, which may be nil.
func (s *IntelligenceService) Hub() *notify.Hub { return s.hub }

// Start launches the job workers.
func (s *IntelligenceService) Start(ctx context.Context, workers int) error {
	return s.jobs.Start(ctx, workers)
}

// Stop stops the job workers.
func (s *IntelligenceService) Stop() {
	s.jobs.Stop()
}

func (s *IntelligenceService) startSpan(ctx context.Context, op string, kind core.Kind, tenantID string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "intelligence."+op, trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("entity.kind", string(kind)),
	))
}

// fail records err on span and returns it.
func fail(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, core.ErrorCode(err))
	}
	return err
}

// requireTenant rejects operations for tenants the guard does not know.
func (s *IntelligenceService) requireTenant(tenantID string) error {
	if tenantID == "" {
		return core.NewValidationError("tenant_id", "is required")
	}
	if _, ok := s.guard.Quota(tenantID); !ok {
		return quota.Decision{Reason: quota.ReasonNotProvisioned}.Err(tenantID)
	}
	return nil
}

// requireFeature rejects operations the tenant's plan does not include.
func (s *IntelligenceService) requireFeature(tenantID string, f core.Feature) error {
	if err := s.requireTenant(tenantID); err != nil {
		return err
	}
	features, _ := s.guard.Features(tenantID)
	if !features.Enabled(f) {
		return &core.FeatureDisabledError{TenantID: tenantID, Feature: string(f)}
	}
	return nil
}

func (s *IntelligenceService) release(tenantID string, resource core.Resource, delta int64) {
	if delta == 0 {
		return
	}
	if err := s.guard.Release(tenantID, resource, delta); err != nil {
		s.logger.Errorw("Failed to release quota", "tenant", tenantID, "resource", resource, "delta", delta, "error", err)
	}
}

func (s *IntelligenceService) publish(tenantID string, kind core.Kind, action core.Action, entityID string, payload any) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(core.Event{
		TenantID:  tenantID,
		Channel:   kind.Channel(),
		Action:    action,
		Kind:      kind,
		EntityID:  entityID,
		Payload:   payload,
		Timestamp: s.clock().UTC(),
	})
}

func (s *IntelligenceService) publishJob(job *jobs.Job) {
	if s.hub == nil {
		return
	}
	action := core.ActionUpdated
	if job.Status == jobs.StatusPending {
		action = core.ActionCreated
	}
	s.hub.Publish(core.Event{
		TenantID:  job.TenantID,
		Channel:   core.ChannelJobs,
		Action:    action,
		Kind:      "job",
		EntityID:  job.ID,
		Payload:   job,
		Timestamp: s.clock().UTC(),
	})
}

// RecordAPIRequest charges one request against the tenant's rolling API window.
func (s *IntelligenceService) RecordAPIRequest(tenantID string) error {
	return s.guard.RecordAPIRequest(tenantID).Err(tenantID)
}
