package core

import (
	"sort"
	"time"
)

// TimelineEvent is one dated entry in a campaign's history.
type TimelineEvent struct {
	Timestamp   time.Time `json:"timestamp" msgpack:"timestamp"`
	Title       string    `json:"title" msgpack:"title"`
	Description string    `json:"description,omitempty" msgpack:"description"`
	IndicatorID string    `json:"indicator_id,omitempty" msgpack:"indicator_id"`
}

// ThreatCampaign is a coordinated set of activity attributed to one or more actors.
type ThreatCampaign struct {
	Metadata `msgpack:",inline"`

	Name          string          `json:"name" msgpack:"name"`
	Description   string          `json:"description,omitempty" msgpack:"description"`
	ActorIDs      []string        `json:"actor_ids,omitempty" msgpack:"actor_ids"`
	StartDate     time.Time       `json:"start_date" msgpack:"start_date"`
	EndDate       *time.Time      `json:"end_date,omitempty" msgpack:"end_date"` // nil while ongoing
	TargetSectors []string        `json:"target_sectors,omitempty" msgpack:"target_sectors"`
	TargetRegions []string        `json:"target_regions,omitempty" msgpack:"target_regions"`
	IndicatorIDs  []string        `json:"indicator_ids,omitempty" msgpack:"indicator_ids"`
	Timeline      []TimelineEvent `json:"timeline,omitempty" msgpack:"timeline"`
	Confidence    float64         `json:"confidence" msgpack:"confidence"`
	Tags          []string        `json:"tags,omitempty" msgpack:"tags"`
}

func (c *ThreatCampaign) Kind() Kind { return KindCampaign }

// IsActive reports whether the campaign has no end date or ends after now.
func (c *ThreatCampaign) IsActive(now time.Time) bool {
	return c.EndDate == nil || c.EndDate.After(now)
}

// ContainsIndicator reports whether id is one of the campaign's indicators.
func (c *ThreatCampaign) ContainsIndicator(id string) bool {
	for _, ind := range c.IndicatorIDs {
		if ind == id {
			return true
		}
	}
	return false
}

func (c *ThreatCampaign) Validate() error {
	if c.TenantID == "" {
		return NewValidationError("tenant_id", "is required")
	}
	if c.Name == "" {
		return NewValidationError("name", "is required")
	}
	if len(c.Description) > MaxDescriptionLength {
		return NewValidationError("description", "exceeds maximum length")
	}
	if c.EndDate != nil && !c.StartDate.IsZero() && c.EndDate.Before(c.StartDate) {
		return NewValidationError("end_date", "must not be before start_date")
	}
	c.ActorIDs = dedupeStrings(c.ActorIDs)
	c.IndicatorIDs = dedupeStrings(c.IndicatorIDs)
	c.Tags = dedupeStrings(c.Tags)
	sort.SliceStable(c.Timeline, func(i, j int) bool {
		return c.Timeline[i].Timestamp.Before(c.Timeline[j].Timestamp)
	})
	c.Confidence = Clamp01(c.Confidence)
	return nil
}

// Stamp defaults StartDate to now, or to EndDate when the campaign already
// ended, so EndDate never precedes StartDate.
func (c *ThreatCampaign) Stamp(now time.Time) {
	if !c.StartDate.IsZero() {
		return
	}
	c.StartDate = now
	if c.EndDate != nil && c.EndDate.Before(now) {
		c.StartDate = *c.EndDate
	}
}

func (c *ThreatCampaign) Clone() *ThreatCampaign {
	out := *c
	out.ActorIDs = cloneStrings(c.ActorIDs)
	out.EndDate = cloneTime(c.EndDate)
	out.TargetSectors = cloneStrings(c.TargetSectors)
	out.TargetRegions = cloneStrings(c.TargetRegions)
	out.IndicatorIDs = cloneStrings(c.IndicatorIDs)
	out.Tags = cloneStrings(c.Tags)
	if c.Timeline != nil {
		out.Timeline = make([]TimelineEvent, len(c.Timeline))
		copy(out.Timeline, c.Timeline)
	}
	return &out
}

func (c *ThreatCampaign) Matches(f *Filter) bool {
	if f.isEmpty() {
		return true
	}
	if c.Confidence < f.MinConfidence {
		return false
	}
	return anyOf(f.Tags, c.Tags)
}

func (c *ThreatCampaign) SearchFields() []string {
	fields := make([]string, 0, len(c.Tags)+2)
	fields = append(fields, c.Name, c.Description)
	return append(fields, c.Tags...)
}

// ThreatCampaignPatch is a partial update for a ThreatCampaign.
type ThreatCampaignPatch struct {
	ID       *string `json:"id,omitempty"`
	TenantID *string `json:"tenant_id,omitempty"`

	Name          *string          `json:"name,omitempty"`
	Description   *string          `json:"description,omitempty"`
	ActorIDs      *[]string        `json:"actor_ids,omitempty"`
	StartDate     *time.Time       `json:"start_date,omitempty"`
	EndDate       *time.Time       `json:"end_date,omitempty"`
	TargetSectors *[]string        `json:"target_sectors,omitempty"`
	TargetRegions *[]string        `json:"target_regions,omitempty"`
	IndicatorIDs  *[]string        `json:"indicator_ids,omitempty"`
	Timeline      *[]TimelineEvent `json:"timeline,omitempty"`
	Confidence    *float64         `json:"confidence,omitempty"`
	Tags          *[]string        `json:"tags,omitempty"`
}

func (p ThreatCampaignPatch) Identity() (id, tenantID *string) { return p.ID, p.TenantID }

func (p ThreatCampaignPatch) Apply(c *ThreatCampaign) error {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.ActorIDs != nil {
		c.ActorIDs = cloneStrings(*p.ActorIDs)
	}
	if p.StartDate != nil {
		c.StartDate = *p.StartDate
	}
	if p.EndDate != nil {
		c.EndDate = cloneTime(p.EndDate)
	}
	if p.TargetSectors != nil {
		c.TargetSectors = cloneStrings(*p.TargetSectors)
	}
	if p.TargetRegions != nil {
		c.TargetRegions = cloneStrings(*p.TargetRegions)
	}
	if p.IndicatorIDs != nil {
		c.IndicatorIDs = cloneStrings(*p.IndicatorIDs)
	}
	if p.Timeline != nil {
		c.Timeline = make([]TimelineEvent, len(*p.Timeline))
		copy(c.Timeline, *p.Timeline)
	}
	if p.Confidence != nil {
		c.Confidence = *p.Confidence
	}
	if p.Tags != nil {
		c.Tags = cloneStrings(*p.Tags)
	}
	return nil
}
