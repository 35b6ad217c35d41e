package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"intelvault/core"
	"intelvault/jobs"
)

// AnalyticsRequest selects the analyses to run over a time range.
type AnalyticsRequest struct {
	TenantID string    `json:"tenant_id"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Types    []string  `json:"types"`
}

// AnalyticsReport is whatever the analytics engine returns, keyed by analysis type.
type AnalyticsReport struct {
	TenantID    string         `json:"tenant_id"`
	GeneratedAt time.Time      `json:"generated_at"`
	Results     map[string]any `json:"results"`
}

// Analyzer is the external scoring engine. The service never computes
// analytics itself.
type Analyzer interface {
	Analyze(ctx context.Context, req AnalyticsRequest) (*AnalyticsReport, error)
}

// Export formats understood by the bundled exporter.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatCSV  = "csv"
)

// ExportRequest is the scope of a requested export.
type ExportRequest struct {
	Kinds  []core.Kind  `json:"kinds"`
	Format string       `json:"format"`
	Filter *core.Filter `json:"filter,omitempty"`
}

// Validate checks the request names at least one known kind and a format.
func (r ExportRequest) Validate() error {
	if len(r.Kinds) == 0 {
		return core.NewValidationError("kinds", "at least one kind is required")
	}
	for _, k := range r.Kinds {
		if !k.IsValid() {
			return core.NewValidationError("kinds", fmt.Sprintf("unknown kind %q", k))
		}
	}
	switch r.Format {
	case FormatJSON, FormatYAML, FormatCSV:
		return nil
	case "":
		return core.NewValidationError("format", "is required")
	default:
		return core.NewValidationError("format", fmt.Sprintf("unsupported format %q", r.Format))
	}
}

// ExportScope is an ExportRequest bound to the job and tenant that run it.
type ExportScope struct {
	ExportRequest
	JobID    string `json:"job_id"`
	TenantID string `json:"tenant_id"`
}

// Exporter performs an export job. Serialization and delivery belong to it.
type Exporter interface {
	Export(ctx context.Context, scope ExportScope, progress jobs.ProgressFunc) (any, error)
}

// Enricher looks an indicator up in external sources.
type Enricher interface {
	Enrich(ctx context.Context, ind *core.Indicator) (*core.Enrichment, error)
}

const (
	paramScope       = "scope"
	paramKinds       = "kinds"
	paramFormat      = "format"
	paramIndicatorID = "indicator_id"
)

// RunAnalytics forwards req to the analytics engine if the tenant's plan
// includes advanced analytics.
func (s *IntelligenceService) RunAnalytics(ctx context.Context, req AnalyticsRequest) (*AnalyticsReport, error) {
	ctx, span := s.startSpan(ctx, "analytics", "", req.TenantID)
	defer span.End()

	if err := s.requireFeature(req.TenantID, core.FeatureAdvancedAnalytics); err != nil {
		return nil, fail(span, err)
	}
	if !req.From.IsZero() && !req.To.IsZero() && req.To.Before(req.From) {
		return nil, fail(span, core.NewValidationError("to", "must not be before from"))
	}
	if s.analyzer == nil {
		return nil, fail(span, fmt.Errorf("analytics: %w", ErrNoCollaborator))
	}
	report, err := s.analyzer.Analyze(ctx, req)
	if err != nil {
		return nil, fail(span, fmt.Errorf("analytics failed: %w", err))
	}
	return report, nil
}

// RequestExport records the export scope and queues a job for it. The caller
// polls the returned job for completion.
func (s *IntelligenceService) RequestExport(ctx context.Context, tenantID string, req ExportRequest) (*jobs.Job, error) {
	_, span := s.startSpan(ctx, "export", "", tenantID)
	defer span.End()

	if err := s.requireFeature(tenantID, core.FeatureDataExport); err != nil {
		return nil, fail(span, err)
	}
	if err := req.Validate(); err != nil {
		return nil, fail(span, err)
	}
	if s.exporter == nil {
		return nil, fail(span, fmt.Errorf("export: %w", ErrNoCollaborator))
	}

	scope, err := json.Marshal(req)
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to encode export scope: %w", err))
	}
	kinds := make([]string, len(req.Kinds))
	for i, k := range req.Kinds {
		kinds[i] = string(k)
	}
	job, err := s.jobs.Submit(tenantID, jobs.TypeExport, map[string]string{
		paramScope:  string(scope),
		paramKinds:  strings.Join(kinds, ","),
		paramFormat: req.Format,
	})
	return job, fail(span, err)
}

func (s *IntelligenceService) runExport(ctx context.Context, job *jobs.Job, progress jobs.ProgressFunc) (any, error) {
	var req ExportRequest
	if err := json.Unmarshal([]byte(job.Params[paramScope]), &req); err != nil {
		return nil, fmt.Errorf("invalid export scope: %w", err)
	}
	if s.exporter == nil {
		return nil, ErrNoCollaborator
	}
	return s.exporter.Export(ctx, ExportScope{ExportRequest: req, JobID: job.ID, TenantID: job.TenantID}, progress)
}

// RequestEnrichment queues a job that enriches one of the tenant's indicators.
func (s *IntelligenceService) RequestEnrichment(ctx context.Context, tenantID, indicatorID string) (*jobs.Job, error) {
	ctx, span := s.startSpan(ctx, "enrich", core.KindIndicator, tenantID)
	defer span.End()

	if _, err := s.indicators().get(ctx, tenantID, indicatorID); err != nil {
		return nil, fail(span, err)
	}
	if s.enricher == nil {
		return nil, fail(span, fmt.Errorf("enrichment: %w", ErrNoCollaborator))
	}
	job, err := s.jobs.Submit(tenantID, jobs.TypeEnrichment, map[string]string{paramIndicatorID: indicatorID})
	return job, fail(span, err)
}

func (s *IntelligenceService) runEnrichment(ctx context.Context, job *jobs.Job, progress jobs.ProgressFunc) (any, error) {
	id := job.Params[paramIndicatorID]
	ind, err := s.indicators().get(ctx, job.TenantID, id)
	if err != nil {
		return nil, err
	}
	if s.enricher == nil {
		return nil, ErrNoCollaborator
	}
	enrichment, err := s.enricher.Enrich(ctx, ind)
	if err != nil {
		return nil, err
	}
	if enrichment == nil {
		return nil, fmt.Errorf("enricher returned nothing for indicator %s", id)
	}
	progress(50)
	if enrichment.EnrichedAt.IsZero() {
		enrichment.EnrichedAt = s.clock().UTC()
	}

	updated, err := s.UpdateIndicator(ctx, job.TenantID, id, core.IndicatorPatch{Enrichment: enrichment})
	if err != nil {
		return nil, err
	}
	return updated.Enrichment, nil
}

// GetJob returns one of the tenant's jobs.
func (s *IntelligenceService) GetJob(tenantID, id string) (*jobs.Job, error) {
	job, err := s.jobs.Get(id)
	if err != nil {
		return nil, err
	}
	if job.TenantID != tenantID {
		return nil, &core.NotFoundError{Kind: "job", ID: id}
	}
	return job, nil
}

// ListJobs returns the tenant's jobs in submission order.
func (s *IntelligenceService) ListJobs(tenantID string) []*jobs.Job {
	return s.jobs.List(tenantID)
}

// CancelJob cancels one of the tenant's jobs.
func (s *IntelligenceService) CancelJob(tenantID, id string) error {
	if _, err := s.GetJob(tenantID, id); err != nil {
		return err
	}
	return s.jobs.Cancel(id)
}
