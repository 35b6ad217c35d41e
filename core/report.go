package core

import "time"

// Report is a finished intelligence product that references other entities.
type Report struct {
	Metadata `msgpack:",inline"`

	Title        string     `json:"title" msgpack:"title"`
	Description  string     `json:"description,omitempty" msgpack:"description"`
	Severity     Severity   `json:"severity,omitempty" msgpack:"severity"`
	IndicatorIDs []string   `json:"indicator_ids,omitempty" msgpack:"indicator_ids"`
	ActorIDs     []string   `json:"actor_ids,omitempty" msgpack:"actor_ids"`
	CampaignIDs  []string   `json:"campaign_ids,omitempty" msgpack:"campaign_ids"`
	Tags         []string   `json:"tags,omitempty" msgpack:"tags"`
	PublishedAt  *time.Time `json:"published_at,omitempty" msgpack:"published_at"`
	Confidence   float64    `json:"confidence" msgpack:"confidence"`
}

func (r *Report) Kind() Kind { return KindReport }

func (r *Report) Validate() error {
	if r.TenantID == "" {
		return NewValidationError("tenant_id", "is required")
	}
	if r.Title == "" {
		return NewValidationError("title", "is required")
	}
	if r.Severity != "" && !r.Severity.IsValid() {
		return NewValidationError("severity", "unknown severity")
	}
	r.IndicatorIDs = dedupeStrings(r.IndicatorIDs)
	r.ActorIDs = dedupeStrings(r.ActorIDs)
	r.CampaignIDs = dedupeStrings(r.CampaignIDs)
	r.Tags = dedupeStrings(r.Tags)
	r.Confidence = Clamp01(r.Confidence)
	return nil
}

func (r *Report) Stamp(time.Time) {}

func (r *Report) Clone() *Report {
	c := *r
	c.IndicatorIDs = cloneStrings(r.IndicatorIDs)
	c.ActorIDs = cloneStrings(r.ActorIDs)
	c.CampaignIDs = cloneStrings(r.CampaignIDs)
	c.Tags = cloneStrings(r.Tags)
	c.PublishedAt = cloneTime(r.PublishedAt)
	return &c
}

func (r *Report) Matches(f *Filter) bool {
	if f.isEmpty() {
		return true
	}
	if len(f.Severities) > 0 {
		ok := false
		for _, s := range f.Severities {
			if s == r.Severity {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if r.Confidence < f.MinConfidence {
		return false
	}
	return anyOf(f.Tags, r.Tags)
}

func (r *Report) SearchFields() []string {
	fields := make([]string, 0, len(r.Tags)+2)
	fields = append(fields, r.Title, r.Description)
	return append(fields, r.Tags...)
}

// ReportPatch is a partial update for a Report.
type ReportPatch struct {
	ID       *string `json:"id,omitempty"`
	TenantID *string `json:"tenant_id,omitempty"`

	Title        *string    `json:"title,omitempty"`
	Description  *string    `json:"description,omitempty"`
	Severity     *Severity  `json:"severity,omitempty"`
	IndicatorIDs *[]string  `json:"indicator_ids,omitempty"`
	ActorIDs     *[]string  `json:"actor_ids,omitempty"`
	CampaignIDs  *[]string  `json:"campaign_ids,omitempty"`
	Tags         *[]string  `json:"tags,omitempty"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
	Confidence   *float64   `json:"confidence,omitempty"`
}

func (p ReportPatch) Identity() (id, tenantID *string) { return p.ID, p.TenantID }

func (p ReportPatch) Apply(r *Report) error {
	if p.Title != nil {
		r.Title = *p.Title
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.Severity != nil {
		r.Severity = *p.Severity
	}
	if p.IndicatorIDs != nil {
		r.IndicatorIDs = cloneStrings(*p.IndicatorIDs)
	}
	if p.ActorIDs != nil {
		r.ActorIDs = cloneStrings(*p.ActorIDs)
	}
	if p.CampaignIDs != nil {
		r.CampaignIDs = cloneStrings(*p.CampaignIDs)
	}
	if p.Tags != nil {
		r.Tags = cloneStrings(*p.Tags)
	}
	if p.PublishedAt != nil {
		r.PublishedAt = cloneTime(p.PublishedAt)
	}
	if p.Confidence != nil {
		r.Confidence = *p.Confidence
	}
	return nil
}
