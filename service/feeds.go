package service

import (
	"context"
	"errors"

	"intelvault/core"
)

// IngestResult summarizes one feed ingestion.
type IngestResult struct {
	FeedID        string   `json:"feed_id"`
	Received      int      `json:"received"`
	Created       int      `json:"created"`
	Updated       int      `json:"updated"`
	Filtered      int      `json:"filtered"`
	Rejected      int      `json:"rejected"`
	QuotaExceeded bool     `json:"quota_exceeded"`
	Errors        []string `json:"errors,omitempty"`
}

// maxIngestErrors bounds IngestResult.Errors.
const maxIngestErrors = 20

// IngestFeedIndicators runs a feed's processing rules over indicators polled
// from it. A survivor whose type and normalized value the tenant already holds
// is merged into that indicator (sources, tags, LastSeen); the rest are created
// through the normal quota-checked path. Ingestion stops at the first quota
// rejection. The feed's LastUpdated is stamped whenever at least one indicator
// was received.
func (s *IntelligenceService) IngestFeedIndicators(ctx context.Context, tenantID, feedID string, inds []*core.Indicator) (*IngestResult, error) {
	feed, err := s.GetFeed(ctx, tenantID, feedID)
	if err != nil {
		return nil, err
	}
	res := &IngestResult{FeedID: feedID, Received: len(inds)}
	known := s.indicatorIDsByValue(tenantID)

	for _, in := range inds {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if in == nil {
			res.Rejected++
			continue
		}
		ind := in.Clone()
		keep, err := feed.ApplyRules(ind)
		if err != nil {
			res.Rejected++
			res.addError(err)
			continue
		}
		if !keep {
			res.Filtered++
			continue
		}
		ind.Sources = append(ind.Sources, feed.Name)

		key := valueKey(ind.Type, core.NormalizeIndicatorValue(ind.Type, ind.Value))
		if id, ok := known[key]; ok {
			err := s.mergeFeedIndicator(ctx, tenantID, id, ind)
			if err == nil {
				res.Updated++
				continue
			}
			if !errors.Is(err, core.ErrNotFound) {
				res.Rejected++
				res.addError(err)
				continue
			}
			// deleted since the lookup, create it again
			delete(known, key)
		}

		created, err := s.CreateIndicator(ctx, tenantID, ind)
		if err != nil {
			if errors.Is(err, core.ErrQuotaExceeded) {
				res.QuotaExceeded = true
				res.addError(err)
				break
			}
			res.Rejected++
			res.addError(err)
			continue
		}
		known[key] = created.ID
		res.Created++
	}

	if res.Received > 0 {
		now := s.clock().UTC()
		if _, err := s.UpdateFeed(ctx, tenantID, feedID, core.IntelligenceFeedPatch{LastUpdated: &now}); err != nil {
			s.logger.Warnw("Failed to stamp feed update time", "feed", feedID, "error", err)
		}
	}
	s.logger.Infow("Feed ingested",
		"tenant", tenantID,
		"feed", feedID,
		"received", res.Received,
		"created", res.Created,
		"updated", res.Updated,
		"filtered", res.Filtered,
		"rejected", res.Rejected,
		"quotaExceeded", res.QuotaExceeded)
	return res, nil
}

func valueKey(t core.IndicatorType, value string) string {
	return string(t) + "|" + value
}

// indicatorIDsByValue maps the tenant's stored indicators by type and value.
// Stored values are already normalized.
func (s *IntelligenceService) indicatorIDsByValue(tenantID string) map[string]string {
	known := make(map[string]string)
	s.stores.Indicators.Range(tenantID, func(ind *core.Indicator) bool {
		known[valueKey(ind.Type, ind.Value)] = ind.ID
		return true
	})
	return known
}

// mergeFeedIndicator folds a re-observed indicator into the stored one: its
// sources and tags are added and LastSeen advances.
func (s *IntelligenceService) mergeFeedIndicator(ctx context.Context, tenantID, id string, seen *core.Indicator) error {
	current, err := s.GetIndicator(ctx, tenantID, id)
	if err != nil {
		return err
	}
	lastSeen := s.clock().UTC()
	if seen.LastSeen.After(lastSeen) {
		lastSeen = seen.LastSeen
	}
	sources := mergeStrings(current.Sources, seen.Sources)
	tags := mergeStrings(current.Tags, seen.Tags)
	_, err = s.UpdateIndicator(ctx, tenantID, id, core.IndicatorPatch{
		Sources:  &sources,
		Tags:     &tags,
		LastSeen: &lastSeen,
	})
	return err
}

// mergeStrings appends the values of extra missing from base, keeping order.
func mergeStrings(base, extra []string) []string {
	out := append([]string(nil), base...)
	seen := make(map[string]struct{}, len(base))
	for _, v := range base {
		seen[v] = struct{}{}
	}
	for _, v := range extra {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func (r *IngestResult) addError(err error) {
	if len(r.Errors) < maxIngestErrors {
		r.Errors = append(r.Errors, err.Error())
	}
}

// AllFeeds returns every tenant's feeds. It is used by the feed scheduler,
// which runs outside any one tenant's scope.
func (s *IntelligenceService) AllFeeds(ctx context.Context) ([]*core.IntelligenceFeed, error) {
	var out []*core.IntelligenceFeed
	for _, tenantID := range s.stores.Feeds.Tenants() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.stores.Feeds.Range(tenantID, func(f *core.IntelligenceFeed) bool {
			out = append(out, f)
			return true
		})
	}
	return out, nil
}
