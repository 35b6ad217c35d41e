package core

import (
	"strings"
	"time"
)

// Kind identifies one of the closed set of entity kinds held by the store.
type Kind string

const (
	KindIndicator   Kind = "indicator"
	KindThreatActor Kind = "threat_actor"
	KindCampaign    Kind = "campaign"
	KindFeed        Kind = "feed"
	KindReport      Kind = "report"
)

// AllKinds lists every entity kind in a stable order.
var AllKinds = []Kind{KindIndicator, KindThreatActor, KindCampaign, KindFeed, KindReport}

// IsValid checks if the kind is one of AllKinds.
func (k Kind) IsValid() bool {
	for _, valid := range AllKinds {
		if k == valid {
			return true
		}
	}
	return false
}

// Channel returns the notification channel mutations of this kind are published on.
func (k Kind) Channel() Channel {
	switch k {
	case KindIndicator:
		return ChannelIndicators
	case KindThreatActor:
		return ChannelThreatActors
	case KindCampaign:
		return ChannelCampaigns
	case KindFeed:
		return ChannelFeeds
	case KindReport:
		return ChannelReports
	default:
		return Channel(k)
	}
}

// Resource returns the quota resource that counts entities of this kind.
// Feeds are not quota-tracked and return false.
func (k Kind) Resource() (Resource, bool) {
	switch k {
	case KindIndicator:
		return ResourceIndicators, true
	case KindThreatActor:
		return ResourceThreatActors, true
	case KindCampaign:
		return ResourceCampaigns, true
	case KindReport:
		return ResourceReports, true
	default:
		return "", false
	}
}

// Metadata is embedded by every entity. ID and TenantID never change after creation.
type Metadata struct {
	ID        string    `json:"id" msgpack:"id"`
	TenantID  string    `json:"tenant_id" msgpack:"tenant_id"`
	CreatedAt time.Time `json:"created_at" msgpack:"created_at"`
	UpdatedAt time.Time `json:"updated_at" msgpack:"updated_at"`
}

// Meta exposes the embedded metadata to generic code.
func (m *Metadata) Meta() *Metadata { return m }

// Record is the constraint satisfied by every entity pointer type (*Indicator, *ThreatActor, ...).
type Record[T any] interface {
	Meta() *Metadata
	Kind() Kind
	// Validate checks required fields and invariants. It may normalize values in place.
	Validate() error
	// Stamp sets kind-specific timestamps on creation.
	Stamp(now time.Time)
	// Clone returns a deep copy safe to hand to callers.
	Clone() T
	// Matches applies the conjunctive list filter. Criteria that do not apply to the kind are ignored.
	Matches(f *Filter) bool
	// SearchFields returns the text searched by Search.
	SearchFields() []string
}

// Patch is a partial update for entity type T. Only non-nil fields are applied.
type Patch[T any] interface {
	Apply(entity T) error
	// Identity returns the ID and tenant the patch tries to set, if any.
	Identity() (id, tenantID *string)
}

// MaxPageSize bounds the number of entities returned by one List or Search call.
const MaxPageSize = 500

// DefaultPageSize is used when a request does not specify a limit.
const DefaultPageSize = 50

// Pagination is offset/limit paging.
type Pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// Normalize applies the default and maximum limit. A negative offset is a validation error.
func (p Pagination) Normalize() (Pagination, error) {
	if p.Offset < 0 {
		return p, NewValidationError("offset", "must not be negative")
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	return p, nil
}

// Page is one page of a listing together with the total size of the filtered set.
type Page[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// Filter holds the list/search criteria. All non-empty criteria must match (AND);
// list-valued criteria match when any element matches.
type Filter struct {
	Types           []IndicatorType `json:"types,omitempty"`
	Severities      []Severity      `json:"severities,omitempty"`
	MinConfidence   float64         `json:"min_confidence,omitempty"`
	Sources         []string        `json:"sources,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
	MalwareFamilies []string        `json:"malware_families,omitempty"`
}

func (f *Filter) isEmpty() bool {
	return f == nil || (len(f.Types) == 0 && len(f.Severities) == 0 && f.MinConfidence <= 0 &&
		len(f.Sources) == 0 && len(f.Tags) == 0 && len(f.MalwareFamilies) == 0)
}

// anyOf reports whether want is empty or shares at least one element (case-insensitive) with have.
func anyOf(want, have []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(w, h) {
				return true
			}
		}
	}
	return false
}

// MatchText reports whether every whitespace-separated token of query occurs
// (case-insensitively) in at least one of fields. An empty query matches everything.
func MatchText(query string, fields []string) bool {
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		return true
	}
	lowered := make([]string, len(fields))
	for i, f := range fields {
		lowered[i] = strings.ToLower(f)
	}
	for _, tok := range tokens {
		found := false
		for _, f := range lowered {
			if strings.Contains(f, tok) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Clamp01 clamps a score to [0.0, 1.0].
func Clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// dedupeStrings trims, drops empties and removes duplicates while preserving order.
func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// CheckImmutable rejects patches that try to change an immutable field.
func CheckImmutable(m *Metadata, id, tenantID *string) error {
	if id != nil && *id != m.ID {
		return &ImmutableFieldError{Field: "id"}
	}
	if tenantID != nil && *tenantID != m.TenantID {
		return &ImmutableFieldError{Field: "tenant_id"}
	}
	return nil
}
