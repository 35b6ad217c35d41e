package core

import (
	"fmt"
	"net"
	"net/mail"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// =============================================================================
// Indicator Types and Constants
// =============================================================================

// IndicatorType represents the type of an observable indicator of compromise
type IndicatorType string

const (
	IndicatorIP          IndicatorType = "ip"
	IndicatorDomain      IndicatorType = "domain"
	IndicatorURL         IndicatorType = "url"
	IndicatorFileHash    IndicatorType = "file_hash" // MD5, SHA1, SHA256, SHA512
	IndicatorEmail       IndicatorType = "email"
	IndicatorRegistry    IndicatorType = "registry"
	IndicatorMutex       IndicatorType = "mutex"
	IndicatorCertificate IndicatorType = "certificate"
	IndicatorUserAgent   IndicatorType = "user_agent"
	IndicatorJA3         IndicatorType = "ja3" // TLS fingerprint
	IndicatorYARA        IndicatorType = "yara"
	IndicatorSigma       IndicatorType = "sigma"
	IndicatorCustom      IndicatorType = "custom"
)

// AllIndicatorTypes returns all valid indicator types for validation
var AllIndicatorTypes = []IndicatorType{
	IndicatorIP, IndicatorDomain, IndicatorURL, IndicatorFileHash, IndicatorEmail,
	IndicatorRegistry, IndicatorMutex, IndicatorCertificate, IndicatorUserAgent,
	IndicatorJA3, IndicatorYARA, IndicatorSigma, IndicatorCustom,
}

// IsValid checks if the indicator type is valid
func (t IndicatorType) IsValid() bool {
	for _, valid := range AllIndicatorTypes {
		if t == valid {
			return true
		}
	}
	return false
}

// Severity is an ordered threat severity level: info < low < medium < high < critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AllSeverities lists severities from lowest to highest.
var AllSeverities = []Severity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank returns the position of s in the severity order, or -1 if s is unknown.
func (s Severity) Rank() int {
	for i, valid := range AllSeverities {
		if s == valid {
			return i
		}
	}
	return -1
}

// IsValid checks if the severity is valid
func (s Severity) IsValid() bool { return s.Rank() >= 0 }

// AtLeast reports whether s is at or above other in the severity order.
func (s Severity) AtLeast(other Severity) bool { return s.Rank() >= other.Rank() }

// RelationshipType describes a typed edge between two indicators.
type RelationshipType string

const (
	RelationResolvesTo     RelationshipType = "resolves_to"
	RelationCommunicates   RelationshipType = "communicates_with"
	RelationDownloads      RelationshipType = "downloads"
	RelationDrops          RelationshipType = "drops"
	RelationVariantOf      RelationshipType = "variant_of"
	RelationRelatedTo      RelationshipType = "related_to"
	RelationHostedOn       RelationshipType = "hosted_on"
	RelationSignedBy       RelationshipType = "signed_by"
	RelationSubdomainOf    RelationshipType = "subdomain_of"
	RelationDerivedFrom    RelationshipType = "derived_from"
	RelationAttributedTo   RelationshipType = "attributed_to"
	RelationIndicatorOfTTP RelationshipType = "indicates"
)

// =============================================================================
// Indicator Value Validation
// =============================================================================

// Validation patterns - compiled once at package init
var (
	domainPattern = regexp.MustCompile(`^(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,}$`)
	hashPattern   = regexp.MustCompile(`^[a-fA-F0-9]{32}$|^[a-fA-F0-9]{40}$|^[a-fA-F0-9]{64}$|^[a-fA-F0-9]{128}$`)
	ja3Pattern    = regexp.MustCompile(`^[a-fA-F0-9]{32}$`)
)

// Maximum lengths for indicator fields
const (
	MaxIndicatorValueLength = 4096
	MaxDescriptionLength    = 4000
	MaxTagLength            = 100
	MaxTagCount             = 50
	MaxRelationshipCount    = 200
)

// Default expiration periods by indicator type (in days). Ephemeral network
// indicators burn faster than file artifacts. Zero means no default expiration.
var defaultExpirationDays = map[IndicatorType]int{
	IndicatorIP:          30,
	IndicatorURL:         30,
	IndicatorDomain:      60,
	IndicatorUserAgent:   90,
	IndicatorEmail:       180,
	IndicatorCertificate: 365,
	IndicatorJA3:         365,
	IndicatorRegistry:    365,
	IndicatorMutex:       365,
	IndicatorFileHash:    730,
}

// DefaultExpiration returns the default expiry for an indicator type first seen at from,
// or nil if the type never expires by default.
func DefaultExpiration(t IndicatorType, from time.Time) *time.Time {
	days, ok := defaultExpirationDays[t]
	if !ok || days <= 0 {
		return nil
	}
	expires := from.Add(time.Duration(days) * 24 * time.Hour)
	return &expires
}

// ValidateIndicatorValue validates a value based on its indicator type
func ValidateIndicatorValue(t IndicatorType, value string) error {
	if value == "" {
		return NewValidationError("value", "is required")
	}
	if len(value) > MaxIndicatorValueLength {
		return NewValidationError("value", fmt.Sprintf("exceeds maximum length of %d characters", MaxIndicatorValueLength))
	}

	normalized := strings.TrimSpace(value)

	switch t {
	case IndicatorIP:
		if net.ParseIP(normalized) == nil {
			if _, _, err := net.ParseCIDR(normalized); err != nil {
				return NewValidationError("value", "is not a valid IP address or CIDR")
			}
		}
	case IndicatorDomain:
		if !domainPattern.MatchString(strings.ToLower(normalized)) {
			return NewValidationError("value", "is not a valid domain")
		}
	case IndicatorFileHash:
		if !hashPattern.MatchString(normalized) {
			return NewValidationError("value", "must be an MD5, SHA1, SHA256 or SHA512 hash")
		}
	case IndicatorURL:
		parsed, err := url.ParseRequestURI(normalized)
		if err != nil {
			return NewValidationError("value", "is not a valid URL")
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return NewValidationError("value", "URL must include scheme and host")
		}
	case IndicatorEmail:
		if _, err := mail.ParseAddress(normalized); err != nil {
			return NewValidationError("value", "is not a valid email address")
		}
	case IndicatorRegistry:
		upper := strings.ToUpper(normalized)
		valid := false
		for _, hive := range []string{"HKEY_", "HKLM\\", "HKCU\\", "HKU\\", "HKCR\\", "HKCC\\"} {
			if strings.HasPrefix(upper, hive) {
				valid = true
				break
			}
		}
		if !valid {
			return NewValidationError("value", "registry key must start with a valid hive")
		}
	case IndicatorJA3:
		if !ja3Pattern.MatchString(normalized) {
			return NewValidationError("value", "JA3 fingerprint must be a 32-char hex string")
		}
	case IndicatorMutex, IndicatorCertificate, IndicatorUserAgent, IndicatorYARA, IndicatorSigma, IndicatorCustom:
		// free-form values
	default:
		return NewValidationError("type", fmt.Sprintf("unknown indicator type %q", t))
	}

	return nil
}

// NormalizeIndicatorValue normalizes a value for consistent storage and matching
func NormalizeIndicatorValue(t IndicatorType, value string) string {
	normalized := strings.TrimSpace(value)

	switch t {
	case IndicatorIP, IndicatorDomain, IndicatorFileHash, IndicatorJA3:
		return strings.ToLower(normalized)
	case IndicatorURL:
		if parsed, err := url.Parse(normalized); err == nil {
			parsed.Scheme = strings.ToLower(parsed.Scheme)
			parsed.Host = strings.ToLower(parsed.Host)
			return parsed.String()
		}
		return normalized
	case IndicatorEmail:
		// local part is case-sensitive, domain is not
		if at := strings.LastIndex(normalized, "@"); at > 0 {
			return normalized[:at] + strings.ToLower(normalized[at:])
		}
		return normalized
	default:
		return normalized
	}
}

// =============================================================================
// Indicator
// =============================================================================

// Relationship is a typed edge to another indicator of the same tenant.
type Relationship struct {
	TargetID string           `json:"target_id" msgpack:"target_id"`
	Type     RelationshipType `json:"type" msgpack:"type"`
}

// IndicatorContext carries free-form attribution context.
type IndicatorContext struct {
	MalwareFamilies []string `json:"malware_families,omitempty" msgpack:"malware_families"`
	ThreatActors    []string `json:"threat_actors,omitempty" msgpack:"threat_actors"`
	Campaigns       []string `json:"campaigns,omitempty" msgpack:"campaigns"`
	TargetedSectors []string `json:"targeted_sectors,omitempty" msgpack:"targeted_sectors"`
}

func (c IndicatorContext) clone() IndicatorContext {
	return IndicatorContext{
		MalwareFamilies: cloneStrings(c.MalwareFamilies),
		ThreatActors:    cloneStrings(c.ThreatActors),
		Campaigns:       cloneStrings(c.Campaigns),
		TargetedSectors: cloneStrings(c.TargetedSectors),
	}
}

// Indicator is an observable artifact of compromise.
type Indicator struct {
	Metadata `msgpack:",inline"`

	Type        IndicatorType `json:"type" msgpack:"type"`
	Value       string        `json:"value" msgpack:"value"`
	Description string        `json:"description,omitempty" msgpack:"description"`
	Confidence  float64       `json:"confidence" msgpack:"confidence"` // 0.0-1.0
	Severity    Severity      `json:"severity" msgpack:"severity"`

	FirstSeen time.Time  `json:"first_seen" msgpack:"first_seen"`
	LastSeen  time.Time  `json:"last_seen" msgpack:"last_seen"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" msgpack:"expires_at"`

	Sources       []string         `json:"sources,omitempty" msgpack:"sources"`
	Tags          []string         `json:"tags,omitempty" msgpack:"tags"`
	Context       IndicatorContext `json:"context" msgpack:"context"`
	Relationships []Relationship   `json:"relationships,omitempty" msgpack:"relationships"`
	Enrichment    *Enrichment      `json:"enrichment,omitempty" msgpack:"enrichment"`
}

// Kind implements Record.
func (i *Indicator) Kind() Kind { return KindIndicator }

// IsExpired reports whether the indicator's expiration has passed at now.
func (i *Indicator) IsExpired(now time.Time) bool {
	return i.ExpiresAt != nil && now.After(*i.ExpiresAt)
}

// Validate checks required fields, normalizes the value and clamps scores.
func (i *Indicator) Validate() error {
	if i.TenantID == "" {
		return NewValidationError("tenant_id", "is required")
	}
	if i.Type == "" {
		return NewValidationError("type", "is required")
	}
	if !i.Type.IsValid() {
		return NewValidationError("type", fmt.Sprintf("unknown indicator type %q", i.Type))
	}
	if err := ValidateIndicatorValue(i.Type, i.Value); err != nil {
		return err
	}
	i.Value = NormalizeIndicatorValue(i.Type, i.Value)

	if i.Severity == "" {
		i.Severity = SeverityMedium
	}
	if !i.Severity.IsValid() {
		return NewValidationError("severity", fmt.Sprintf("unknown severity %q", i.Severity))
	}
	if len(i.Description) > MaxDescriptionLength {
		return NewValidationError("description", fmt.Sprintf("exceeds maximum length of %d characters", MaxDescriptionLength))
	}

	i.Tags = dedupeStrings(i.Tags)
	if len(i.Tags) > MaxTagCount {
		return NewValidationError("tags", fmt.Sprintf("too many tags (max %d)", MaxTagCount))
	}
	for _, tag := range i.Tags {
		if len(tag) > MaxTagLength {
			return NewValidationError("tags", fmt.Sprintf("tag exceeds maximum length of %d characters", MaxTagLength))
		}
	}
	i.Sources = dedupeStrings(i.Sources)

	if len(i.Relationships) > MaxRelationshipCount {
		return NewValidationError("relationships", fmt.Sprintf("too many relationships (max %d)", MaxRelationshipCount))
	}
	for _, rel := range i.Relationships {
		if rel.TargetID == "" || rel.Type == "" {
			return NewValidationError("relationships", "target_id and type are required")
		}
		if rel.TargetID == i.ID && i.ID != "" {
			return NewValidationError("relationships", "an indicator cannot relate to itself")
		}
	}

	i.Confidence = Clamp01(i.Confidence)
	if i.Enrichment != nil {
		i.Enrichment.clamp()
	}
	if !i.FirstSeen.IsZero() && !i.LastSeen.IsZero() && i.LastSeen.Before(i.FirstSeen) {
		return NewValidationError("last_seen", "must not be before first_seen")
	}
	return nil
}

// Stamp sets first/last seen and the default expiration on creation.
func (i *Indicator) Stamp(now time.Time) {
	if i.FirstSeen.IsZero() {
		i.FirstSeen = now
	}
	if i.LastSeen.IsZero() || i.LastSeen.Before(i.FirstSeen) {
		i.LastSeen = i.FirstSeen
	}
	if i.ExpiresAt == nil {
		i.ExpiresAt = DefaultExpiration(i.Type, i.FirstSeen)
	}
}

// Clone returns a deep copy.
func (i *Indicator) Clone() *Indicator {
	c := *i
	c.ExpiresAt = cloneTime(i.ExpiresAt)
	c.Sources = cloneStrings(i.Sources)
	c.Tags = cloneStrings(i.Tags)
	c.Context = i.Context.clone()
	if i.Relationships != nil {
		c.Relationships = make([]Relationship, len(i.Relationships))
		copy(c.Relationships, i.Relationships)
	}
	if i.Enrichment != nil {
		c.Enrichment = i.Enrichment.Clone()
	}
	return &c
}

// Matches applies every filter criterion.
func (i *Indicator) Matches(f *Filter) bool {
	if f.isEmpty() {
		return true
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == i.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Severities) > 0 {
		ok := false
		for _, s := range f.Severities {
			if s == i.Severity {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if i.Confidence < f.MinConfidence {
		return false
	}
	return anyOf(f.Sources, i.Sources) &&
		anyOf(f.Tags, i.Tags) &&
		anyOf(f.MalwareFamilies, i.Context.MalwareFamilies)
}

// SearchFields returns value, description and tags.
func (i *Indicator) SearchFields() []string {
	fields := make([]string, 0, len(i.Tags)+2)
	fields = append(fields, i.Value, i.Description)
	return append(fields, i.Tags...)
}

// IndicatorPatch is a partial update. Nil fields are left unchanged.
type IndicatorPatch struct {
	ID       *string `json:"id,omitempty"`
	TenantID *string `json:"tenant_id,omitempty"`

	Type          *IndicatorType    `json:"type,omitempty"`
	Value         *string           `json:"value,omitempty"`
	Description   *string           `json:"description,omitempty"`
	Confidence    *float64          `json:"confidence,omitempty"`
	Severity      *Severity         `json:"severity,omitempty"`
	LastSeen      *time.Time        `json:"last_seen,omitempty"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
	Sources       *[]string         `json:"sources,omitempty"`
	Tags          *[]string         `json:"tags,omitempty"`
	Context       *IndicatorContext `json:"context,omitempty"`
	Relationships *[]Relationship   `json:"relationships,omitempty"`
	Enrichment    *Enrichment       `json:"enrichment,omitempty"`
}

// Identity implements Patch.
func (p IndicatorPatch) Identity() (id, tenantID *string) { return p.ID, p.TenantID }

// Apply merges the supplied fields into i. LastSeen never moves backwards.
func (p IndicatorPatch) Apply(i *Indicator) error {
	if p.Type != nil {
		i.Type = *p.Type
	}
	if p.Value != nil {
		i.Value = *p.Value
	}
	if p.Description != nil {
		i.Description = *p.Description
	}
	if p.Confidence != nil {
		i.Confidence = *p.Confidence
	}
	if p.Severity != nil {
		i.Severity = *p.Severity
	}
	if p.LastSeen != nil && p.LastSeen.After(i.LastSeen) {
		i.LastSeen = *p.LastSeen
	}
	if p.ExpiresAt != nil {
		i.ExpiresAt = cloneTime(p.ExpiresAt)
	}
	if p.Sources != nil {
		i.Sources = cloneStrings(*p.Sources)
	}
	if p.Tags != nil {
		i.Tags = cloneStrings(*p.Tags)
	}
	if p.Context != nil {
		i.Context = p.Context.clone()
	}
	if p.Relationships != nil {
		i.Relationships = make([]Relationship, len(*p.Relationships))
		copy(i.Relationships, *p.Relationships)
	}
	if p.Enrichment != nil {
		i.Enrichment = p.Enrichment.Clone()
	}
	return nil
}
