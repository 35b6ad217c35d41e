package service

import (
	"context"
	"errors"
	"fmt"

	"intelvault/core"
	"intelvault/store"
)

// binding ties one entity store to its quota resource and the service's
// shared create/get/update/delete flow.
type binding[T core.Record[T]] struct {
	svc   *IntelligenceService
	store *store.EntityStore[T]
	kind  core.Kind
}

func bind[T core.Record[T]](s *IntelligenceService, st *store.EntityStore[T]) binding[T] {
	return binding[T]{svc: s, store: st, kind: st.Kind()}
}

func sizeKey(kind core.Kind, id string) string { return string(kind) + "/" + id }

// create runs validate → reserve → write → publish. Any failure after a
// reservation releases it before returning.
func (b binding[T]) create(ctx context.Context, tenantID string, input T) (T, error) {
	var zero T
	s := b.svc
	ctx, span := s.startSpan(ctx, "create", b.kind, tenantID)
	defer span.End()

	if err := s.requireTenant(tenantID); err != nil {
		return zero, fail(span, err)
	}
	if any(input) == any(zero) {
		return zero, fail(span, core.NewValidationError(string(b.kind), "is required"))
	}

	candidate := input.Clone()
	candidate.Meta().TenantID = tenantID
	if err := candidate.Validate(); err != nil {
		return zero, fail(span, err)
	}

	resource, gated := b.kind.Resource()
	var size int64
	if gated {
		var err error
		size, err = b.store.EncodedSize(candidate)
		if err != nil {
			return zero, fail(span, err)
		}
		if d := s.guard.CheckAndReserve(tenantID, resource, 1); !d.Allowed {
			return zero, fail(span, d.Err(tenantID))
		}
		if d := s.guard.CheckAndReserve(tenantID, core.ResourceDataSize, size); !d.Allowed {
			s.release(tenantID, resource, 1)
			return zero, fail(span, d.Err(tenantID))
		}
	}

	created, err := b.store.Create(ctx, tenantID, candidate)
	if err != nil {
		if gated {
			s.release(tenantID, resource, 1)
			s.release(tenantID, core.ResourceDataSize, size)
		}
		return zero, fail(span, err)
	}
	meta := created.Meta()
	if gated {
		s.sizes.Store(sizeKey(b.kind, meta.ID), size)
	}

	s.publish(tenantID, b.kind, core.ActionCreated, meta.ID, created.Clone())
	s.logger.Debugw("Entity created", "kind", b.kind, "tenant", tenantID, "id", meta.ID)
	return created, nil
}

// get returns the record only when tenantID owns it. Records of other tenants
// are reported as not found.
func (b binding[T]) get(ctx context.Context, tenantID, id string) (T, error) {
	var zero T
	rec, err := b.store.Get(ctx, id)
	if err != nil {
		return zero, err
	}
	if rec.Meta().TenantID != tenantID {
		return zero, &core.NotFoundError{Kind: b.kind, ID: id}
	}
	return rec, nil
}

func (b binding[T]) update(ctx context.Context, tenantID, id string, patch core.Patch[T]) (T, error) {
	var zero T
	s := b.svc
	ctx, span := s.startSpan(ctx, "update", b.kind, tenantID)
	defer span.End()

	if _, err := b.get(ctx, tenantID, id); err != nil {
		return zero, fail(span, err)
	}
	updated, err := b.store.Update(ctx, id, patch)
	if err != nil {
		return zero, fail(span, err)
	}
	s.publish(tenantID, b.kind, core.ActionUpdated, id, updated.Clone())
	return updated, nil
}

// remove deletes a record the tenant owns. It returns false, and no error, when
// there is nothing to delete.
func (b binding[T]) remove(ctx context.Context, tenantID, id string) (bool, error) {
	s := b.svc
	ctx, span := s.startSpan(ctx, "delete", b.kind, tenantID)
	defer span.End()

	rec, err := b.get(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return false, nil
		}
		return false, fail(span, err)
	}
	deleted, err := b.store.Delete(ctx, id)
	if err != nil {
		return false, fail(span, err)
	}
	if !deleted {
		return false, nil
	}

	if resource, gated := b.kind.Resource(); gated {
		s.release(tenantID, resource, 1)
		if size, ok := s.sizes.LoadAndDelete(sizeKey(b.kind, id)); ok {
			s.release(tenantID, core.ResourceDataSize, size.(int64))
		}
	}
	s.publish(tenantID, b.kind, core.ActionDeleted, id, rec)
	return true, nil
}

func (b binding[T]) list(ctx context.Context, tenantID string, filter *core.Filter, page core.Pagination) (core.Page[T], error) {
	if tenantID == "" {
		return core.Page[T]{}, core.NewValidationError("tenant_id", "is required")
	}
	return b.store.List(ctx, tenantID, filter, page)
}

func (b binding[T]) search(ctx context.Context, tenantID, text string, filter *core.Filter, page core.Pagination) (core.Page[T], error) {
	if tenantID == "" {
		return core.Page[T]{}, core.NewValidationError("tenant_id", "is required")
	}
	return b.store.Search(ctx, tenantID, text, filter, page)
}

// seedSizes recomputes the dataSize reservation of every record the tenant owns
// and returns the total.
func (b binding[T]) seedSizes(tenantID string) (int64, error) {
	var (
		total int64
		err   error
	)
	b.store.Range(tenantID, func(rec T) bool {
		var size int64
		size, err = b.store.EncodedSize(rec)
		if err != nil {
			err = fmt.Errorf("failed to size %s %s: %w", b.kind, rec.Meta().ID, err)
			return false
		}
		b.svc.sizes.Store(sizeKey(b.kind, rec.Meta().ID), size)
		total += size
		return true
	})
	return total, err
}

// =============================================================================
// Indicators
// =============================================================================

func (s *IntelligenceService) indicators() binding[*core.Indicator] {
	return bind(s, s.stores.Indicators)
}

// CreateIndicator creates an indicator for the tenant, subject to quota.
func (s *IntelligenceService) CreateIndicator(ctx context.Context, tenantID string, ind *core.Indicator) (*core.Indicator, error) {
	return s.indicators().create(ctx, tenantID, ind)
}

// GetIndicator returns one of the tenant's indicators.
func (s *IntelligenceService) GetIndicator(ctx context.Context, tenantID, id string) (*core.Indicator, error) {
	return s.indicators().get(ctx, tenantID, id)
}

// UpdateIndicator merges patch into one of the tenant's indicators.
func (s *IntelligenceService) UpdateIndicator(ctx context.Context, tenantID, id string, patch core.IndicatorPatch) (*core.Indicator, error) {
	return s.indicators().update(ctx, tenantID, id, patch)
}

// DeleteIndicator deletes one of the tenant's indicators and releases its quota.
func (s *IntelligenceService) DeleteIndicator(ctx context.Context, tenantID, id string) (bool, error) {
	return s.indicators().remove(ctx, tenantID, id)
}

// ListIndicators pages through the tenant's indicators matching filter.
func (s *IntelligenceService) ListIndicators(ctx context.Context, tenantID string, filter *core.Filter, page core.Pagination) (core.Page[*core.Indicator], error) {
	return s.indicators().list(ctx, tenantID, filter, page)
}

// SearchIndicators is ListIndicators plus a case-insensitive text match.
func (s *IntelligenceService) SearchIndicators(ctx context.Context, tenantID, text string, filter *core.Filter, page core.Pagination) (core.Page[*core.Indicator], error) {
	return s.indicators().search(ctx, tenantID, text, filter, page)
}

// =============================================================================
// Threat actors
// =============================================================================

func (s *IntelligenceService) actors() binding[*core.ThreatActor] {
	return bind(s, s.stores.Actors)
}

func (s *IntelligenceService) CreateThreatActor(ctx context.Context, tenantID string, actor *core.ThreatActor) (*core.ThreatActor, error) {
	return s.actors().create(ctx, tenantID, actor)
}

func (s *IntelligenceService) GetThreatActor(ctx context.Context, tenantID, id string) (*core.ThreatActor, error) {
	return s.actors().get(ctx, tenantID, id)
}

func (s *IntelligenceService) UpdateThreatActor(ctx context.Context, tenantID, id string, patch core.ThreatActorPatch) (*core.ThreatActor, error) {
	return s.actors().update(ctx, tenantID, id, patch)
}

func (s *IntelligenceService) DeleteThreatActor(ctx context.Context, tenantID, id string) (bool, error) {
	return s.actors().remove(ctx, tenantID, id)
}

func (s *IntelligenceService) ListThreatActors(ctx context.Context, tenantID string, filter *core.Filter, page core.Pagination) (core.Page[*core.ThreatActor], error) {
	return s.actors().list(ctx, tenantID, filter, page)
}

func (s *IntelligenceService) SearchThreatActors(ctx context.Context, tenantID, text string, filter *core.Filter, page core.Pagination) (core.Page[*core.ThreatActor], error) {
	return s.actors().search(ctx, tenantID, text, filter, page)
}

// =============================================================================
// Campaigns
// =============================================================================

func (s *IntelligenceService) campaigns() binding[*core.ThreatCampaign] {
	return bind(s, s.stores.Campaigns)
}

func (s *IntelligenceService) CreateCampaign(ctx context.Context, tenantID string, c *core.ThreatCampaign) (*core.ThreatCampaign, error) {
	return s.campaigns().create(ctx, tenantID, c)
}

func (s *IntelligenceService) GetCampaign(ctx context.Context, tenantID, id string) (*core.ThreatCampaign, error) {
	return s.campaigns().get(ctx, tenantID, id)
}

func (s *IntelligenceService) UpdateCampaign(ctx context.Context, tenantID, id string, patch core.ThreatCampaignPatch) (*core.ThreatCampaign, error) {
	return s.campaigns().update(ctx, tenantID, id, patch)
}

func (s *IntelligenceService) DeleteCampaign(ctx context.Context, tenantID, id string) (bool, error) {
	return s.campaigns().remove(ctx, tenantID, id)
}

func (s *IntelligenceService) ListCampaigns(ctx context.Context, tenantID string, filter *core.Filter, page core.Pagination) (core.Page[*core.ThreatCampaign], error) {
	return s.campaigns().list(ctx, tenantID, filter, page)
}

func (s *IntelligenceService) SearchCampaigns(ctx context.Context, tenantID, text string, filter *core.Filter, page core.Pagination) (core.Page[*core.ThreatCampaign], error) {
	return s.campaigns().search(ctx, tenantID, text, filter, page)
}

// =============================================================================
// Feeds (not quota-tracked)
// =============================================================================

func (s *IntelligenceService) feeds() binding[*core.IntelligenceFeed] {
	return bind(s, s.stores.Feeds)
}

func (s *IntelligenceService) CreateFeed(ctx context.Context, tenantID string, f *core.IntelligenceFeed) (*core.IntelligenceFeed, error) {
	return s.feeds().create(ctx, tenantID, f)
}

func (s *IntelligenceService) GetFeed(ctx context.Context, tenantID, id string) (*core.IntelligenceFeed, error) {
	return s.feeds().get(ctx, tenantID, id)
}

func (s *IntelligenceService) UpdateFeed(ctx context.Context, tenantID, id string, patch core.IntelligenceFeedPatch) (*core.IntelligenceFeed, error) {
	return s.feeds().update(ctx, tenantID, id, patch)
}

func (s *IntelligenceService) DeleteFeed(ctx context.Context, tenantID, id string) (bool, error) {
	return s.feeds().remove(ctx, tenantID, id)
}

func (s *IntelligenceService) ListFeeds(ctx context.Context, tenantID string, filter *core.Filter, page core.Pagination) (core.Page[*core.IntelligenceFeed], error) {
	return s.feeds().list(ctx, tenantID, filter, page)
}

func (s *IntelligenceService) SearchFeeds(ctx context.Context, tenantID, text string, filter *core.Filter, page core.Pagination) (core.Page[*core.IntelligenceFeed], error) {
	return s.feeds().search(ctx, tenantID, text, filter, page)
}

// =============================================================================
// Reports
// =============================================================================

func (s *IntelligenceService) reports() binding[*core.Report] {
	return bind(s, s.stores.Reports)
}

func (s *IntelligenceService) CreateReport(ctx context.Context, tenantID string, r *core.Report) (*core.Report, error) {
	return s.reports().create(ctx, tenantID, r)
}

func (s *IntelligenceService) GetReport(ctx context.Context, tenantID, id string) (*core.Report, error) {
	return s.reports().get(ctx, tenantID, id)
}

func (s *IntelligenceService) UpdateReport(ctx context.Context, tenantID, id string, patch core.ReportPatch) (*core.Report, error) {
	return s.reports().update(ctx, tenantID, id, patch)
}

func (s *IntelligenceService) DeleteReport(ctx context.Context, tenantID, id string) (bool, error) {
	return s.reports().remove(ctx, tenantID, id)
}

func (s *IntelligenceService) ListReports(ctx context.Context, tenantID string, filter *core.Filter, page core.Pagination) (core.Page[*core.Report], error) {
	return s.reports().list(ctx, tenantID, filter, page)
}

func (s *IntelligenceService) SearchReports(ctx context.Context, tenantID, text string, filter *core.Filter, page core.Pagination) (core.Page[*core.Report], error) {
	return s.reports().search(ctx, tenantID, text, filter, page)
}
