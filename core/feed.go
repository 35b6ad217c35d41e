package core

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// FeedType classifies where a feed comes from.
type FeedType string

const (
	FeedCommercial FeedType = "commercial"
	FeedOpenSource FeedType = "open_source"
	FeedGovernment FeedType = "government"
	FeedCommunity  FeedType = "community"
	FeedInternal   FeedType = "internal"
)

// FeedFormat is the wire format a feed is published in.
type FeedFormat string

const (
	FormatSTIX  FeedFormat = "stix"
	FormatTAXII FeedFormat = "taxii"
	FormatMISP  FeedFormat = "misp"
	FormatCSV   FeedFormat = "csv"
	FormatJSON  FeedFormat = "json"
	FormatText  FeedFormat = "txt"
)

// AuthType is how the feed poller authenticates to the source.
type AuthType string

const (
	AuthNone        AuthType = "none"
	AuthAPIKey      AuthType = "api_key"
	AuthBasic       AuthType = "basic"
	AuthOAuth2      AuthType = "oauth2"
	AuthCertificate AuthType = "certificate"
)

// RuleAction is what a processing rule does with a matching indicator.
type RuleAction string

const (
	RuleInclude RuleAction = "include"
	RuleExclude RuleAction = "exclude"
	RuleTag     RuleAction = "tag"
)

// Feed polling bounds.
const (
	MinPollingInterval     = time.Minute
	DefaultPollingInterval = time.Hour
	// RuleMatchTimeout bounds a single processing-rule regex evaluation.
	RuleMatchTimeout = 100 * time.Millisecond
)

var (
	validFeedTypes   = map[FeedType]bool{FeedCommercial: true, FeedOpenSource: true, FeedGovernment: true, FeedCommunity: true, FeedInternal: true}
	validFeedFormats = map[FeedFormat]bool{FormatSTIX: true, FormatTAXII: true, FormatMISP: true, FormatCSV: true, FormatJSON: true, FormatText: true}
	validAuthTypes   = map[AuthType]bool{AuthNone: true, AuthAPIKey: true, AuthBasic: true, AuthOAuth2: true, AuthCertificate: true}
)

// Authentication describes how to reach a feed. Secrets are never stored here,
// only a reference to where a credential provider can find them.
type Authentication struct {
	Type          AuthType `json:"type" msgpack:"type"`
	CredentialRef string   `json:"credential_ref,omitempty" msgpack:"credential_ref"`
}

// ProcessingRule filters or tags indicators ingested from a feed.
// Field is one of value, type, source or tag.
type ProcessingRule struct {
	Field   string     `json:"field" msgpack:"field"`
	Pattern string     `json:"pattern" msgpack:"pattern"`
	Action  RuleAction `json:"action" msgpack:"action"`
	Value   string     `json:"value,omitempty" msgpack:"value"` // tag to add for RuleTag
}

// Compile compiles the rule pattern with a bounded match timeout.
func (r ProcessingRule) Compile() (*regexp2.Regexp, error) {
	re, err := regexp2.Compile(r.Pattern, regexp2.IgnoreCase)
	if err != nil {
		return nil, fmt.Errorf("failed to compile rule pattern: %w", err)
	}
	re.MatchTimeout = RuleMatchTimeout
	return re, nil
}

func (r ProcessingRule) validate() error {
	switch r.Field {
	case "value", "type", "source", "tag":
	default:
		return NewValidationError("processing_rules", fmt.Sprintf("unknown field %q", r.Field))
	}
	switch r.Action {
	case RuleInclude, RuleExclude:
	case RuleTag:
		if strings.TrimSpace(r.Value) == "" {
			return NewValidationError("processing_rules", "tag action requires a value")
		}
	default:
		return NewValidationError("processing_rules", fmt.Sprintf("unknown action %q", r.Action))
	}
	if r.Pattern == "" {
		return NewValidationError("processing_rules", "pattern is required")
	}
	if _, err := r.Compile(); err != nil {
		return NewValidationError("processing_rules", err.Error())
	}
	return nil
}

// fieldValues returns the indicator values the rule applies to.
func (r ProcessingRule) fieldValues(ind *Indicator) []string {
	switch r.Field {
	case "value":
		return []string{ind.Value}
	case "type":
		return []string{string(ind.Type)}
	case "source":
		return ind.Sources
	case "tag":
		return ind.Tags
	}
	return nil
}

// ApplyRules runs the feed's processing rules against ind in order. It returns
// false if the indicator must be dropped. Tag rules mutate ind. If any include
// rule exists, the indicator must match at least one of them.
func (f *IntelligenceFeed) ApplyRules(ind *Indicator) (bool, error) {
	hasInclude, included := false, false
	for _, rule := range f.ProcessingRules {
		re, err := rule.Compile()
		if err != nil {
			return false, err
		}
		matched := false
		for _, v := range rule.fieldValues(ind) {
			ok, err := re.MatchString(v)
			if err != nil {
				return false, fmt.Errorf("rule %q on %s: %w", rule.Pattern, rule.Field, err)
			}
			if ok {
				matched = true
				break
			}
		}
		switch rule.Action {
		case RuleExclude:
			if matched {
				return false, nil
			}
		case RuleInclude:
			hasInclude = true
			included = included || matched
		case RuleTag:
			if matched {
				ind.Tags = dedupeStrings(append(ind.Tags, rule.Value))
			}
		}
	}
	return !hasInclude || included, nil
}

// IntelligenceFeed is an external source of indicators polled on a schedule.
type IntelligenceFeed struct {
	Metadata `msgpack:",inline"`

	Name            string           `json:"name" msgpack:"name"`
	Description     string           `json:"description,omitempty" msgpack:"description"`
	Type            FeedType         `json:"type" msgpack:"type"`
	Format          FeedFormat       `json:"format" msgpack:"format"`
	SourceURL       string           `json:"source_url" msgpack:"source_url"`
	Enabled         bool             `json:"enabled" msgpack:"enabled"`
	PollingInterval time.Duration    `json:"polling_interval" msgpack:"polling_interval"`
	LastUpdated     *time.Time       `json:"last_updated,omitempty" msgpack:"last_updated"`
	Authentication  Authentication   `json:"authentication" msgpack:"authentication"`
	ProcessingRules []ProcessingRule `json:"processing_rules,omitempty" msgpack:"processing_rules"`
	Quality         float64          `json:"quality" msgpack:"quality"`
	Reliability     float64          `json:"reliability" msgpack:"reliability"`
	Tags            []string         `json:"tags,omitempty" msgpack:"tags"`
}

func (f *IntelligenceFeed) Kind() Kind { return KindFeed }

func (f *IntelligenceFeed) Validate() error {
	if f.TenantID == "" {
		return NewValidationError("tenant_id", "is required")
	}
	if f.Name == "" {
		return NewValidationError("name", "is required")
	}
	if f.Type == "" {
		f.Type = FeedCommunity
	}
	if !validFeedTypes[f.Type] {
		return NewValidationError("type", fmt.Sprintf("unknown feed type %q", f.Type))
	}
	if f.Format == "" {
		f.Format = FormatJSON
	}
	if !validFeedFormats[f.Format] {
		return NewValidationError("format", fmt.Sprintf("unknown feed format %q", f.Format))
	}
	if f.SourceURL == "" {
		return NewValidationError("source_url", "is required")
	}
	u, err := url.Parse(f.SourceURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return NewValidationError("source_url", "is not a valid URL")
	}
	if f.Authentication.Type == "" {
		f.Authentication.Type = AuthNone
	}
	if !validAuthTypes[f.Authentication.Type] {
		return NewValidationError("authentication", fmt.Sprintf("unknown auth type %q", f.Authentication.Type))
	}
	if f.Authentication.Type != AuthNone && f.Authentication.CredentialRef == "" {
		return NewValidationError("authentication", "credential_ref is required")
	}
	if f.PollingInterval == 0 {
		f.PollingInterval = DefaultPollingInterval
	}
	if f.PollingInterval < MinPollingInterval {
		return NewValidationError("polling_interval", fmt.Sprintf("must be at least %s", MinPollingInterval))
	}
	for _, rule := range f.ProcessingRules {
		if err := rule.validate(); err != nil {
			return err
		}
	}
	f.Quality = Clamp01(f.Quality)
	f.Reliability = Clamp01(f.Reliability)
	f.Tags = dedupeStrings(f.Tags)
	return nil
}

func (f *IntelligenceFeed) Stamp(time.Time) {}

func (f *IntelligenceFeed) Clone() *IntelligenceFeed {
	c := *f
	c.LastUpdated = cloneTime(f.LastUpdated)
	c.Tags = cloneStrings(f.Tags)
	if f.ProcessingRules != nil {
		c.ProcessingRules = make([]ProcessingRule, len(f.ProcessingRules))
		copy(c.ProcessingRules, f.ProcessingRules)
	}
	return &c
}

// Matches applies the tag criterion; MinConfidence is compared against reliability.
func (f *IntelligenceFeed) Matches(fl *Filter) bool {
	if fl.isEmpty() {
		return true
	}
	if f.Reliability < fl.MinConfidence {
		return false
	}
	return anyOf(fl.Tags, f.Tags)
}

func (f *IntelligenceFeed) SearchFields() []string {
	fields := make([]string, 0, len(f.Tags)+3)
	fields = append(fields, f.Name, f.Description, f.SourceURL)
	return append(fields, f.Tags...)
}

// IntelligenceFeedPatch is a partial update for an IntelligenceFeed.
type IntelligenceFeedPatch struct {
	ID       *string `json:"id,omitempty"`
	TenantID *string `json:"tenant_id,omitempty"`

	Name            *string           `json:"name,omitempty"`
	Description     *string           `json:"description,omitempty"`
	Type            *FeedType         `json:"type,omitempty"`
	Format          *FeedFormat       `json:"format,omitempty"`
	SourceURL       *string           `json:"source_url,omitempty"`
	Enabled         *bool             `json:"enabled,omitempty"`
	PollingInterval *time.Duration    `json:"polling_interval,omitempty"`
	LastUpdated     *time.Time        `json:"last_updated,omitempty"`
	Authentication  *Authentication   `json:"authentication,omitempty"`
	ProcessingRules *[]ProcessingRule `json:"processing_rules,omitempty"`
	Quality         *float64          `json:"quality,omitempty"`
	Reliability     *float64          `json:"reliability,omitempty"`
	Tags            *[]string         `json:"tags,omitempty"`
}

func (p IntelligenceFeedPatch) Identity() (id, tenantID *string) { return p.ID, p.TenantID }

func (p IntelligenceFeedPatch) Apply(f *IntelligenceFeed) error {
	if p.Name != nil {
		f.Name = *p.Name
	}
	if p.Description != nil {
		f.Description = *p.Description
	}
	if p.Type != nil {
		f.Type = *p.Type
	}
	if p.Format != nil {
		f.Format = *p.Format
	}
	if p.SourceURL != nil {
		f.SourceURL = *p.SourceURL
	}
	if p.Enabled != nil {
		f.Enabled = *p.Enabled
	}
	if p.PollingInterval != nil {
		f.PollingInterval = *p.PollingInterval
	}
	if p.LastUpdated != nil && (f.LastUpdated == nil || p.LastUpdated.After(*f.LastUpdated)) {
		f.LastUpdated = cloneTime(p.LastUpdated)
	}
	if p.Authentication != nil {
		f.Authentication = *p.Authentication
	}
	if p.ProcessingRules != nil {
		f.ProcessingRules = make([]ProcessingRule, len(*p.ProcessingRules))
		copy(f.ProcessingRules, *p.ProcessingRules)
	}
	if p.Quality != nil {
		f.Quality = *p.Quality
	}
	if p.Reliability != nil {
		f.Reliability = *p.Reliability
	}
	if p.Tags != nil {
		f.Tags = cloneStrings(*p.Tags)
	}
	return nil
}
