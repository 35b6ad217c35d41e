// Package correlation derives links between an indicator and the campaigns,
// threat actors and indicators of the same tenant.
package correlation

import (
	"context"
	"fmt"

	"intelvault/core"
	"intelvault/metrics"
	"intelvault/store"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// DefaultCacheSize is the number of correlation results kept when none is configured.
const DefaultCacheSize = 4096

// HitKind is the kind of entity a correlation points at.
type HitKind string

const (
	HitCampaign         HitKind = "Campaign"
	HitThreatActor      HitKind = "ThreatActor"
	HitRelatedIndicator HitKind = "RelatedIndicator"
)

// Hit is one correlation. Label is the human-readable form, for example
// "Campaign:Operation X" or "RelatedIndicator:<id>(communicates_with)".
type Hit struct {
	Kind     HitKind               `json:"kind"`
	EntityID string                `json:"entity_id"`
	Name     string                `json:"name,omitempty"`
	Relation core.RelationshipType `json:"relation,omitempty"`
	Label    string                `json:"label"`
}

func (h Hit) String() string { return h.Label }

// Labels returns the label of every hit, in order.
func Labels(hits []Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.Label
	}
	return out
}

type cacheKey struct {
	indicatorID string
	generation  uint64
}

// Engine correlates indicators against the stores. Results are cached per
// (indicator, store generation): any mutation of any kind moves the
// generation, so a cached result is never stale.
type Engine struct {
	stores *store.Stores
	cache  *lru.Cache[cacheKey, []Hit]
	logger *zap.SugaredLogger
}

// NewEngine creates an engine over stores. cacheSize <= 0 uses DefaultCacheSize.
func NewEngine(stores *store.Stores, cacheSize int, logger *zap.SugaredLogger) (*Engine, error) {
	if stores == nil {
		return nil, fmt.Errorf("correlation engine requires stores")
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[cacheKey, []Hit](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create correlation cache: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{stores: stores, cache: cache, logger: logger}, nil
}

// Correlate returns the ordered correlations of an indicator: campaigns that
// contain it, then actors named in its context, then its explicit
// relationships. Within each group the order is record insertion order.
func (e *Engine) Correlate(ctx context.Context, indicatorID string) ([]Hit, error) {
	gen := e.stores.Generation()
	key := cacheKey{indicatorID: indicatorID, generation: gen}
	if hits, ok := e.cache.Get(key); ok {
		metrics.CorrelationCacheHits.Inc()
		return cloneHits(hits), nil
	}
	metrics.CorrelationCacheMisses.Inc()

	ind, err := e.stores.Indicators.Get(ctx, indicatorID)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0)
	hits = append(hits, e.campaignHits(ind)...)
	hits = append(hits, e.actorHits(ind)...)
	related, err := e.relationshipHits(ctx, ind)
	if err != nil {
		return nil, err
	}
	hits = append(hits, related...)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.logger.Debugw("Correlated indicator", "indicator", indicatorID, "hits", len(hits))
	// only cache when nothing changed while we were reading
	if e.stores.Generation() == gen {
		e.cache.Add(key, hits)
	}
	return cloneHits(hits), nil
}

func (e *Engine) campaignHits(ind *core.Indicator) []Hit {
	var hits []Hit
	e.stores.Campaigns.Range(ind.TenantID, func(c *core.ThreatCampaign) bool {
		if c.ContainsIndicator(ind.ID) {
			hits = append(hits, Hit{
				Kind:     HitCampaign,
				EntityID: c.ID,
				Name:     c.Name,
				Label:    fmt.Sprintf("%s:%s", HitCampaign, c.Name),
			})
		}
		return true
	})
	return hits
}

func (e *Engine) actorHits(ind *core.Indicator) []Hit {
	if len(ind.Context.ThreatActors) == 0 {
		return nil
	}
	var hits []Hit
	e.stores.Actors.Range(ind.TenantID, func(a *core.ThreatActor) bool {
		for _, name := range ind.Context.ThreatActors {
			if a.HasName(name) {
				hits = append(hits, Hit{
					Kind:     HitThreatActor,
					EntityID: a.ID,
					Name:     a.Name,
					Label:    fmt.Sprintf("%s:%s", HitThreatActor, a.Name),
				})
				break
			}
		}
		return true
	})
	return hits
}

func (e *Engine) relationshipHits(ctx context.Context, ind *core.Indicator) ([]Hit, error) {
	hits := make([]Hit, 0, len(ind.Relationships))
	for _, rel := range ind.Relationships {
		target, err := e.stores.Indicators.Get(ctx, rel.TargetID)
		switch {
		case err == nil && target.TenantID != ind.TenantID:
			// edges into another tenant are never surfaced
			continue
		case err != nil && !store.IsNotFound(err):
			return nil, err
		}
		hits = append(hits, Hit{
			Kind:     HitRelatedIndicator,
			EntityID: rel.TargetID,
			Relation: rel.Type,
			Label:    fmt.Sprintf("%s:%s(%s)", HitRelatedIndicator, rel.TargetID, rel.Type),
		})
	}
	return hits, nil
}

// Purge drops every cached result.
func (e *Engine) Purge() {
	e.cache.Purge()
}

func cloneHits(hits []Hit) []Hit {
	out := make([]Hit, len(hits))
	copy(out, hits)
	return out
}
