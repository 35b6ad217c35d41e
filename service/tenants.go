package service

import (
	"context"
	"fmt"

	"intelvault/core"
	"intelvault/notify"
)

// ProvisionTenant registers a tenant's quota and features, or replaces them
// for an existing tenant. Usage is kept.
func (s *IntelligenceService) ProvisionTenant(t core.Tenant) error {
	return s.guard.Provision(t)
}

// GetUsage returns the tenant's usage counters.
func (s *IntelligenceService) GetUsage(tenantID string) (core.TenantUsage, error) {
	return s.guard.GetUsage(tenantID)
}

// TenantFeatures returns the tenant's plan flags.
func (s *IntelligenceService) TenantFeatures(tenantID string) (core.TenantFeatures, error) {
	if err := s.requireTenant(tenantID); err != nil {
		return core.TenantFeatures{}, err
	}
	f, _ := s.guard.Features(tenantID)
	return f, nil
}

// ReconcileUsage sets every provisioned tenant's counters from the records in
// the stores. It is run once after the stores are loaded from persistence and
// before traffic is served.
func (s *IntelligenceService) ReconcileUsage(ctx context.Context) error {
	for _, tenantID := range s.guard.Tenants() {
		if err := ctx.Err(); err != nil {
			return err
		}

		var dataSize int64
		for _, kind := range core.AllKinds {
			resource, gated := kind.Resource()
			if !gated {
				continue
			}
			if err := s.guard.Seed(tenantID, resource, int64(s.stores.Count(kind, tenantID))); err != nil {
				return fmt.Errorf("failed to seed %s for tenant %s: %w", resource, tenantID, err)
			}
			size, err := s.seedSizes(kind, tenantID)
			if err != nil {
				return err
			}
			dataSize += size
		}
		if err := s.guard.Seed(tenantID, core.ResourceDataSize, dataSize); err != nil {
			return fmt.Errorf("failed to seed data size for tenant %s: %w", tenantID, err)
		}

		usage, _ := s.guard.GetUsage(tenantID)
		s.logger.Infow("Tenant usage reconciled",
			"tenant", tenantID,
			"indicators", usage.Indicators,
			"threatActors", usage.ThreatActors,
			"campaigns", usage.Campaigns,
			"reports", usage.Reports,
			"dataSize", usage.DataSize)
	}

	provisioned := make(map[string]bool)
	for _, id := range s.guard.Tenants() {
		provisioned[id] = true
	}
	for _, id := range s.stores.Indicators.Tenants() {
		if !provisioned[id] {
			s.logger.Warnw("Stored records belong to a tenant that is not provisioned", "tenant", id)
		}
	}
	return nil
}

func (s *IntelligenceService) seedSizes(kind core.Kind, tenantID string) (int64, error) {
	switch kind {
	case core.KindIndicator:
		return s.indicators().seedSizes(tenantID)
	case core.KindThreatActor:
		return s.actors().seedSizes(tenantID)
	case core.KindCampaign:
		return s.campaigns().seedSizes(tenantID)
	case core.KindReport:
		return s.reports().seedSizes(tenantID)
	default:
		return 0, nil
	}
}

// Subscribe registers deliver for the tenant's events on channels (all channels
// when empty). The tenant's plan must include real-time updates.
func (s *IntelligenceService) Subscribe(tenantID string, channels []core.Channel, predicate notify.Predicate, deliver notify.DeliverFunc) (string, error) {
	if s.hub == nil {
		return "", ErrNotificationsDisabled
	}
	if err := s.requireFeature(tenantID, core.FeatureRealTimeUpdates); err != nil {
		return "", err
	}
	return s.hub.Subscribe(tenantID, channels, predicate, deliver)
}

// Unsubscribe removes a subscription. It reports whether one was removed.
func (s *IntelligenceService) Unsubscribe(id string) bool {
	if s.hub == nil {
		return false
	}
	return s.hub.Unsubscribe(id)
}
