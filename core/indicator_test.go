package core

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Indicator Type Validation Tests
// =============================================================================

func TestIndicatorType_IsValid(t *testing.T) {
	tests := []struct {
		typ   IndicatorType
		valid bool
	}{
		{IndicatorIP, true},
		{IndicatorDomain, true},
		{IndicatorURL, true},
		{IndicatorFileHash, true},
		{IndicatorJA3, true},
		{IndicatorSigma, true},
		{IndicatorCustom, true},
		{"cve", false},
		{"", false},
	}

	for _, tc := range tests {
		t.Run(string(tc.typ), func(t *testing.T) {
			if tc.typ.IsValid() != tc.valid {
				t.Errorf("IndicatorType(%s).IsValid() = %v, want %v", tc.typ, tc.typ.IsValid(), tc.valid)
			}
		})
	}
}

func TestSeverity_Order(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.True(t, SeverityHigh.AtLeast(SeverityHigh))
	assert.False(t, SeverityLow.AtLeast(SeverityMedium))
	assert.Equal(t, 0, SeverityInfo.Rank())
	assert.Equal(t, 4, SeverityCritical.Rank())
	assert.Equal(t, -1, Severity("extreme").Rank())
}

// =============================================================================
// Indicator Value Validation Tests
// =============================================================================

func TestValidateIndicatorValue(t *testing.T) {
	tests := []struct {
		name        string
		typ         IndicatorType
		value       string
		expectError bool
	}{
		{"ipv4", IndicatorIP, "203.0.113.5", false},
		{"ipv6", IndicatorIP, "2001:db8::1", false},
		{"cidr", IndicatorIP, "10.0.0.0/8", false},
		{"bad ip", IndicatorIP, "192.168.1.256", true},
		{"domain", IndicatorDomain, "evil.example.com", false},
		{"bad domain", IndicatorDomain, "not a domain", true},
		{"url", IndicatorURL, "https://evil.example.com/payload", false},
		{"url without host", IndicatorURL, "/payload", true},
		{"md5", IndicatorFileHash, "d41d8cd98f00b204e9800998ecf8427e", false},
		{"sha256", IndicatorFileHash, strings.Repeat("a", 64), false},
		{"bad hash", IndicatorFileHash, "xyz", true},
		{"email", IndicatorEmail, "phish@example.com", false},
		{"bad email", IndicatorEmail, "nobody", true},
		{"registry", IndicatorRegistry, `HKLM\Software\Run`, false},
		{"bad registry", IndicatorRegistry, `Software\Run`, true},
		{"ja3", IndicatorJA3, "e7d705a3286e19ea42f587b344ee6865", false},
		{"mutex", IndicatorMutex, "Global\\evil", false},
		{"empty", IndicatorCustom, "", true},
		{"too long", IndicatorCustom, strings.Repeat("x", MaxIndicatorValueLength+1), true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateIndicatorValue(tc.typ, tc.value)
			if tc.expectError {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrValidation))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestNormalizeIndicatorValue(t *testing.T) {
	assert.Equal(t, "evil.example.com", NormalizeIndicatorValue(IndicatorDomain, "  EVIL.Example.COM "))
	assert.Equal(t, "https://evil.example.com/Path", NormalizeIndicatorValue(IndicatorURL, "HTTPS://EVIL.example.com/Path"))
	assert.Equal(t, "Phish@example.com", NormalizeIndicatorValue(IndicatorEmail, "Phish@EXAMPLE.com"))
	assert.Equal(t, "Global\\Evil", NormalizeIndicatorValue(IndicatorMutex, "Global\\Evil"))
}

// =============================================================================
// Indicator Record Tests
// =============================================================================

func newIndicator() *Indicator {
	return &Indicator{
		Metadata:   Metadata{TenantID: "t1"},
		Type:       IndicatorIP,
		Value:      "203.0.113.5",
		Severity:   SeverityHigh,
		Confidence: 0.7,
		Tags:       []string{"c2", "c2", " botnet "},
		Sources:    []string{"osint"},
		Context:    IndicatorContext{ThreatActors: []string{"APT-X"}, MalwareFamilies: []string{"Emotet"}},
	}
}

func TestIndicator_Validate(t *testing.T) {
	t.Run("normalizes and dedupes", func(t *testing.T) {
		ind := newIndicator()
		ind.Confidence = 1.7
		ind.Enrichment = &Enrichment{Reputation: &ReputationEnrichment{Score: -3}}
		require.NoError(t, ind.Validate())
		assert.Equal(t, []string{"c2", "botnet"}, ind.Tags)
		assert.Equal(t, 1.0, ind.Confidence)
		assert.Equal(t, 0.0, ind.Enrichment.Reputation.Score)
	})

	t.Run("defaults severity", func(t *testing.T) {
		ind := newIndicator()
		ind.Severity = ""
		require.NoError(t, ind.Validate())
		assert.Equal(t, SeverityMedium, ind.Severity)
	})

	missing := map[string]func(*Indicator){
		"tenant_id": func(i *Indicator) { i.TenantID = "" },
		"type":      func(i *Indicator) { i.Type = "" },
		"value":     func(i *Indicator) { i.Value = "" },
	}
	for field, mutate := range missing {
		t.Run("missing "+field, func(t *testing.T) {
			ind := newIndicator()
			mutate(ind)
			err := ind.Validate()
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, field, verr.Field)
		})
	}

	t.Run("relationship requires target", func(t *testing.T) {
		ind := newIndicator()
		ind.Relationships = []Relationship{{Type: RelationResolvesTo}}
		assert.ErrorIs(t, ind.Validate(), ErrValidation)
	})
}

func TestIndicator_StampDefaultExpiration(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ind := newIndicator()
	ind.Stamp(now)

	assert.Equal(t, now, ind.FirstSeen)
	assert.Equal(t, now, ind.LastSeen)
	require.NotNil(t, ind.ExpiresAt)
	assert.Equal(t, now.Add(30*24*time.Hour), *ind.ExpiresAt)
	assert.False(t, ind.IsExpired(now))
	assert.True(t, ind.IsExpired(now.Add(31*24*time.Hour)))

	yara := &Indicator{Type: IndicatorYARA}
	yara.Stamp(now)
	assert.Nil(t, yara.ExpiresAt)
}

func TestIndicator_CloneIsDeep(t *testing.T) {
	ind := newIndicator()
	ind.Relationships = []Relationship{{TargetID: "x", Type: RelationRelatedTo}}
	ind.Enrichment = &Enrichment{DNS: &DNSEnrichment{A: []string{"1.2.3.4"}}}

	c := ind.Clone()
	c.Tags[0] = "changed"
	c.Context.ThreatActors[0] = "changed"
	c.Relationships[0].TargetID = "changed"
	c.Enrichment.DNS.A[0] = "changed"

	assert.Equal(t, "c2", ind.Tags[0])
	assert.Equal(t, "APT-X", ind.Context.ThreatActors[0])
	assert.Equal(t, "x", ind.Relationships[0].TargetID)
	assert.Equal(t, "1.2.3.4", ind.Enrichment.DNS.A[0])
}

func TestIndicator_Matches(t *testing.T) {
	ind := newIndicator()
	require.NoError(t, ind.Validate())

	tests := []struct {
		name   string
		filter *Filter
		want   bool
	}{
		{"nil filter", nil, true},
		{"type match", &Filter{Types: []IndicatorType{IndicatorIP, IndicatorURL}}, true},
		{"type miss", &Filter{Types: []IndicatorType{IndicatorURL}}, false},
		{"severity", &Filter{Severities: []Severity{SeverityHigh}}, true},
		{"min confidence", &Filter{MinConfidence: 0.9}, false},
		{"tag case-insensitive", &Filter{Tags: []string{"BOTNET"}}, true},
		{"malware family", &Filter{MalwareFamilies: []string{"emotet"}}, true},
		{"conjunctive", &Filter{Types: []IndicatorType{IndicatorIP}, Sources: []string{"vendor"}}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ind.Matches(tc.filter))
		})
	}
}

func TestIndicatorPatch_Apply(t *testing.T) {
	ind := newIndicator()
	ind.LastSeen = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	conf := 0.95
	older := ind.LastSeen.Add(-time.Hour)
	require.NoError(t, IndicatorPatch{Confidence: &conf, LastSeen: &older}.Apply(ind))

	assert.Equal(t, 0.95, ind.Confidence)
	assert.Equal(t, SeverityHigh, ind.Severity)
	assert.Equal(t, "203.0.113.5", ind.Value)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), ind.LastSeen, "last_seen must not move backwards")
}

func TestMatchText(t *testing.T) {
	fields := []string{"evil.example.com", "Dropper infrastructure", "c2"}
	assert.True(t, MatchText("", fields))
	assert.True(t, MatchText("EVIL dropper", fields))
	assert.False(t, MatchText("evil ransomware", fields))
}
