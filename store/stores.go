package store

import (
	"context"

	"intelvault/core"
)

// Stores bundles one EntityStore per entity kind over a shared persistence backend.
type Stores struct {
	Indicators *EntityStore[*core.Indicator]
	Actors     *EntityStore[*core.ThreatActor]
	Campaigns  *EntityStore[*core.ThreatCampaign]
	Feeds      *EntityStore[*core.IntelligenceFeed]
	Reports    *EntityStore[*core.Report]
}

// NewStores creates a store per kind. All stores share the options, including the
// persistence backend.
func NewStores(opts ...Option) *Stores {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.persistence == nil {
		// share one backend instead of one per store
		opts = append(opts, WithPersistence(NewMemoryPersistence()))
	}
	return &Stores{
		Indicators: New(func() *core.Indicator { return new(core.Indicator) }, opts...),
		Actors:     New(func() *core.ThreatActor { return new(core.ThreatActor) }, opts...),
		Campaigns:  New(func() *core.ThreatCampaign { return new(core.ThreatCampaign) }, opts...),
		Feeds:      New(func() *core.IntelligenceFeed { return new(core.IntelligenceFeed) }, opts...),
		Reports:    New(func() *core.Report { return new(core.Report) }, opts...),
	}
}

// Generation returns the sum of every store's generation. It changes whenever
// any kind is mutated.
func (s *Stores) Generation() uint64 {
	return s.Indicators.Generation() + s.Actors.Generation() + s.Campaigns.Generation() +
		s.Feeds.Generation() + s.Reports.Generation()
}

// Load rehydrates every store and returns the number of records loaded per kind.
func (s *Stores) Load(ctx context.Context) (map[core.Kind]int, error) {
	loaders := []interface {
		Kind() core.Kind
		Load(context.Context) (int, error)
	}{s.Indicators, s.Actors, s.Campaigns, s.Feeds, s.Reports}

	counts := make(map[core.Kind]int, len(loaders))
	for _, l := range loaders {
		n, err := l.Load(ctx)
		if err != nil {
			return counts, err
		}
		counts[l.Kind()] = n
	}
	return counts, nil
}

// Count returns how many records of kind the tenant owns.
func (s *Stores) Count(kind core.Kind, tenantID string) int {
	switch kind {
	case core.KindIndicator:
		return s.Indicators.Count(tenantID)
	case core.KindThreatActor:
		return s.Actors.Count(tenantID)
	case core.KindCampaign:
		return s.Campaigns.Count(tenantID)
	case core.KindFeed:
		return s.Feeds.Count(tenantID)
	case core.KindReport:
		return s.Reports.Count(tenantID)
	default:
		return 0
	}
}
