package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"intelvault/core"
	"intelvault/correlation"

	"golang.org/x/sync/errgroup"
)

const (
	// HighConfidence is the confidence at or above which an indicator counts as high confidence.
	HighConfidence = 0.8
	// DefaultTopN bounds the ranked lists of summaries and landscapes.
	DefaultTopN = 10
)

// Landscape section names reported in ThreatLandscape.Incomplete.
const (
	SectionTopActors            = "top_actors"
	SectionActiveCampaigns      = "active_campaigns"
	SectionTopMalwareFamilies   = "top_malware_families"
	SectionTargetedSectors      = "targeted_sectors"
	SectionSeverityDistribution = "severity_distribution"
)

// CountEntry is one row of a ranked list.
type CountEntry struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// IndicatorSummary aggregates a tenant's indicators.
type IndicatorSummary struct {
	Total          int                        `json:"total"`
	Active         int                        `json:"active"`
	Expired        int                        `json:"expired"`
	HighConfidence int                        `json:"high_confidence"`
	ByType         map[core.IndicatorType]int `json:"by_type"`
	BySeverity     map[core.Severity]int      `json:"by_severity"`
}

// IntelligenceSummary is a point-in-time overview of one tenant's data.
type IntelligenceSummary struct {
	TenantID        string           `json:"tenant_id"`
	GeneratedAt     time.Time        `json:"generated_at"`
	Indicators      IndicatorSummary `json:"indicators"`
	ThreatActors    int              `json:"threat_actors"`
	Campaigns       int              `json:"campaigns"`
	ActiveCampaigns int              `json:"active_campaigns"`
	Feeds           int              `json:"feeds"`
	EnabledFeeds    int              `json:"enabled_feeds"`
	Reports         int              `json:"reports"`
	TopTags         []CountEntry     `json:"top_tags"`
	Usage           core.TenantUsage `json:"usage"`
}

// CampaignBrief is the landscape view of an active campaign.
type CampaignBrief struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	StartDate  time.Time `json:"start_date"`
	Indicators int       `json:"indicators"`
	Actors     int       `json:"actors"`
}

// ThreatLandscape ranks the actors, campaigns, malware and sectors a tenant
// sees most. When the context ends early the finished sections are returned
// with Partial set and the unfinished ones listed in Incomplete.
type ThreatLandscape struct {
	TenantID             string                `json:"tenant_id"`
	GeneratedAt          time.Time             `json:"generated_at"`
	TopActors            []CountEntry          `json:"top_actors"`
	ActiveCampaigns      []CampaignBrief       `json:"active_campaigns"`
	TopMalwareFamilies   []CountEntry          `json:"top_malware_families"`
	TargetedSectors      []CountEntry          `json:"targeted_sectors"`
	SeverityDistribution map[core.Severity]int `json:"severity_distribution"`
	Partial              bool                  `json:"partial"`
	Incomplete           []string              `json:"incomplete,omitempty"`
}

// Correlate returns the correlations of one of the tenant's indicators.
func (s *IntelligenceService) Correlate(ctx context.Context, tenantID, indicatorID string) ([]correlation.Hit, error) {
	ctx, span := s.startSpan(ctx, "correlate", core.KindIndicator, tenantID)
	defer span.End()

	if _, err := s.indicators().get(ctx, tenantID, indicatorID); err != nil {
		return nil, fail(span, err)
	}
	hits, err := s.correlator.Correlate(ctx, indicatorID)
	return hits, fail(span, err)
}

// GenerateIntelligenceSummary aggregates the tenant's current data. It reads
// only; quota counters are untouched and nothing is published.
func (s *IntelligenceService) GenerateIntelligenceSummary(ctx context.Context, tenantID string) (*IntelligenceSummary, error) {
	ctx, span := s.startSpan(ctx, "summary", "", tenantID)
	defer span.End()

	if err := s.requireTenant(tenantID); err != nil {
		return nil, fail(span, err)
	}
	now := s.clock().UTC()
	sum := &IntelligenceSummary{
		TenantID:    tenantID,
		GeneratedAt: now,
		Indicators: IndicatorSummary{
			ByType:     make(map[core.IndicatorType]int),
			BySeverity: make(map[core.Severity]int),
		},
	}
	tags := make(map[string]int)

	s.stores.Indicators.Range(tenantID, func(ind *core.Indicator) bool {
		sum.Indicators.Total++
		sum.Indicators.ByType[ind.Type]++
		sum.Indicators.BySeverity[ind.Severity]++
		if ind.IsExpired(now) {
			sum.Indicators.Expired++
		} else {
			sum.Indicators.Active++
		}
		if ind.Confidence >= HighConfidence {
			sum.Indicators.HighConfidence++
		}
		for _, t := range ind.Tags {
			tags[t]++
		}
		return ctx.Err() == nil
	})
	if err := ctx.Err(); err != nil {
		return nil, fail(span, err)
	}

	sum.ThreatActors = s.stores.Actors.Count(tenantID)
	s.stores.Campaigns.Range(tenantID, func(c *core.ThreatCampaign) bool {
		sum.Campaigns++
		if c.IsActive(now) {
			sum.ActiveCampaigns++
		}
		return true
	})
	s.stores.Feeds.Range(tenantID, func(f *core.IntelligenceFeed) bool {
		sum.Feeds++
		if f.Enabled {
			sum.EnabledFeeds++
		}
		return true
	})
	sum.Reports = s.stores.Reports.Count(tenantID)
	sum.TopTags = topN(tags, DefaultTopN)

	usage, err := s.guard.GetUsage(tenantID)
	if err != nil {
		return nil, fail(span, err)
	}
	sum.Usage = usage
	return sum, nil
}

// GenerateThreatLandscape computes the landscape sections in parallel. It never
// mutates state. If ctx ends before a section finishes, the section is left
// empty and reported in Incomplete.
func (s *IntelligenceService) GenerateThreatLandscape(ctx context.Context, tenantID string) (*ThreatLandscape, error) {
	ctx, span := s.startSpan(ctx, "landscape", "", tenantID)
	defer span.End()

	if err := s.requireTenant(tenantID); err != nil {
		return nil, fail(span, err)
	}
	now := s.clock().UTC()
	out := &ThreatLandscape{TenantID: tenantID, GeneratedAt: now}

	// one snapshot shared read-only by every section
	var (
		indicators []*core.Indicator
		actors     []*core.ThreatActor
		campaigns  []*core.ThreatCampaign
	)
	s.stores.Indicators.Range(tenantID, func(i *core.Indicator) bool {
		indicators = append(indicators, i)
		return ctx.Err() == nil
	})
	s.stores.Actors.Range(tenantID, func(a *core.ThreatActor) bool {
		actors = append(actors, a)
		return true
	})
	s.stores.Campaigns.Range(tenantID, func(c *core.ThreatCampaign) bool {
		campaigns = append(campaigns, c)
		return true
	})
	if err := ctx.Err(); err != nil {
		out.Partial = true
		out.Incomplete = []string{SectionActiveCampaigns, SectionSeverityDistribution, SectionTargetedSectors,
			SectionTopActors, SectionTopMalwareFamilies}
		s.logger.Warnw("Threat landscape aborted", "tenant", tenantID, "error", err)
		return out, nil
	}

	var (
		mu         sync.Mutex
		incomplete []string
	)
	section := func(name string, fn func() bool) func() error {
		return func() error {
			if ctx.Err() != nil || !fn() {
				mu.Lock()
				incomplete = append(incomplete, name)
				mu.Unlock()
			}
			return nil
		}
	}

	var g errgroup.Group
	g.Go(section(SectionTopActors, func() bool {
		counts := make(map[string]int, len(actors))
		for _, a := range actors {
			if ctx.Err() != nil {
				return false
			}
			n := 0
			for _, ind := range indicators {
				for _, name := range ind.Context.ThreatActors {
					if a.HasName(name) {
						n++
						break
					}
				}
			}
			for _, c := range campaigns {
				for _, id := range c.ActorIDs {
					if id == a.ID {
						n++
						break
					}
				}
			}
			counts[a.Name] += n
		}
		out.TopActors = topN(counts, DefaultTopN)
		return true
	}))
	g.Go(section(SectionActiveCampaigns, func() bool {
		briefs := make([]CampaignBrief, 0)
		for _, c := range campaigns {
			if ctx.Err() != nil {
				return false
			}
			if !c.IsActive(now) {
				continue
			}
			briefs = append(briefs, CampaignBrief{
				ID:         c.ID,
				Name:       c.Name,
				StartDate:  c.StartDate,
				Indicators: len(c.IndicatorIDs),
				Actors:     len(c.ActorIDs),
			})
		}
		sort.SliceStable(briefs, func(i, j int) bool {
			return briefs[i].StartDate.After(briefs[j].StartDate)
		})
		out.ActiveCampaigns = briefs
		return true
	}))
	g.Go(section(SectionTopMalwareFamilies, func() bool {
		counts := make(map[string]int)
		for _, ind := range indicators {
			if ctx.Err() != nil {
				return false
			}
			for _, m := range ind.Context.MalwareFamilies {
				counts[m]++
			}
		}
		for _, a := range actors {
			for _, m := range a.MalwareFamilies {
				counts[m]++
			}
		}
		out.TopMalwareFamilies = topN(counts, DefaultTopN)
		return true
	}))
	g.Go(section(SectionTargetedSectors, func() bool {
		counts := make(map[string]int)
		for _, ind := range indicators {
			if ctx.Err() != nil {
				return false
			}
			for _, sector := range ind.Context.TargetedSectors {
				counts[sector]++
			}
		}
		for _, c := range campaigns {
			for _, sector := range c.TargetSectors {
				counts[sector]++
			}
		}
		out.TargetedSectors = topN(counts, DefaultTopN)
		return true
	}))
	g.Go(section(SectionSeverityDistribution, func() bool {
		dist := make(map[core.Severity]int, len(core.AllSeverities))
		for _, sev := range core.AllSeverities {
			dist[sev] = 0
		}
		for _, ind := range indicators {
			if ctx.Err() != nil {
				return false
			}
			if !ind.IsExpired(now) {
				dist[ind.Severity]++
			}
		}
		out.SeverityDistribution = dist
		return true
	}))
	_ = g.Wait()

	if len(incomplete) > 0 {
		sort.Strings(incomplete)
		out.Partial = true
		out.Incomplete = incomplete
		s.logger.Warnw("Threat landscape incomplete", "tenant", tenantID, "sections", incomplete, "error", ctx.Err())
	}
	return out, nil
}

// topN ranks counts by count descending, then name ascending.
func topN(counts map[string]int, n int) []CountEntry {
	out := make([]CountEntry, 0, len(counts))
	for name, c := range counts {
		if c > 0 {
			out = append(out, CountEntry{Name: name, Count: c})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
