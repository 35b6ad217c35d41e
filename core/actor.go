package core

import (
	"fmt"
	"time"
)

// ActorType classifies who is behind a threat actor.
type ActorType string

const (
	ActorNationState ActorType = "nation_state"
	ActorCriminal    ActorType = "criminal"
	ActorHacktivist  ActorType = "hacktivist"
	ActorInsider     ActorType = "insider"
	ActorTerrorist   ActorType = "terrorist"
	ActorUnknownType ActorType = "unknown"
)

// Sophistication is an actor's assessed capability level.
type Sophistication string

const (
	SophisticationNone         Sophistication = "none"
	SophisticationMinimal      Sophistication = "minimal"
	SophisticationIntermediate Sophistication = "intermediate"
	SophisticationAdvanced     Sophistication = "advanced"
	SophisticationExpert       Sophistication = "expert"
	SophisticationStrategic    Sophistication = "strategic"
)

var validActorTypes = map[ActorType]bool{
	ActorNationState: true, ActorCriminal: true, ActorHacktivist: true,
	ActorInsider: true, ActorTerrorist: true, ActorUnknownType: true,
}

var validSophistication = map[Sophistication]bool{
	SophisticationNone: true, SophisticationMinimal: true, SophisticationIntermediate: true,
	SophisticationAdvanced: true, SophisticationExpert: true, SophisticationStrategic: true,
}

// ThreatActor is an adversary tracked by a tenant.
type ThreatActor struct {
	Metadata `msgpack:",inline"`

	Name            string         `json:"name" msgpack:"name"`
	Aliases         []string       `json:"aliases,omitempty" msgpack:"aliases"`
	Type            ActorType      `json:"type" msgpack:"type"`
	Sophistication  Sophistication `json:"sophistication,omitempty" msgpack:"sophistication"`
	Motivations     []string       `json:"motivations,omitempty" msgpack:"motivations"`
	TargetSectors   []string       `json:"target_sectors,omitempty" msgpack:"target_sectors"`
	TargetRegions   []string       `json:"target_regions,omitempty" msgpack:"target_regions"`
	FirstObserved   time.Time      `json:"first_observed" msgpack:"first_observed"`
	LastActivity    time.Time      `json:"last_activity" msgpack:"last_activity"`
	CampaignIDs     []string       `json:"campaign_ids,omitempty" msgpack:"campaign_ids"`
	MalwareFamilies []string       `json:"malware_families,omitempty" msgpack:"malware_families"`
	Confidence      float64        `json:"confidence" msgpack:"confidence"`
	Description     string         `json:"description,omitempty" msgpack:"description"`
	Tags            []string       `json:"tags,omitempty" msgpack:"tags"`
}

func (a *ThreatActor) Kind() Kind { return KindThreatActor }

func (a *ThreatActor) Validate() error {
	if a.TenantID == "" {
		return NewValidationError("tenant_id", "is required")
	}
	if a.Name == "" {
		return NewValidationError("name", "is required")
	}
	if a.Type == "" {
		a.Type = ActorUnknownType
	}
	if !validActorTypes[a.Type] {
		return NewValidationError("type", fmt.Sprintf("unknown actor type %q", a.Type))
	}
	if a.Sophistication != "" && !validSophistication[a.Sophistication] {
		return NewValidationError("sophistication", fmt.Sprintf("unknown sophistication %q", a.Sophistication))
	}
	if len(a.Description) > MaxDescriptionLength {
		return NewValidationError("description", fmt.Sprintf("exceeds maximum length of %d characters", MaxDescriptionLength))
	}
	a.Aliases = dedupeStrings(a.Aliases)
	// motivations are a set
	a.Motivations = dedupeStrings(a.Motivations)
	a.Tags = dedupeStrings(a.Tags)
	a.CampaignIDs = dedupeStrings(a.CampaignIDs)
	a.Confidence = Clamp01(a.Confidence)
	return nil
}

func (a *ThreatActor) Stamp(now time.Time) {
	if a.FirstObserved.IsZero() {
		a.FirstObserved = now
	}
	if a.LastActivity.Before(a.FirstObserved) {
		a.LastActivity = a.FirstObserved
	}
}

func (a *ThreatActor) Clone() *ThreatActor {
	c := *a
	c.Aliases = cloneStrings(a.Aliases)
	c.Motivations = cloneStrings(a.Motivations)
	c.TargetSectors = cloneStrings(a.TargetSectors)
	c.TargetRegions = cloneStrings(a.TargetRegions)
	c.CampaignIDs = cloneStrings(a.CampaignIDs)
	c.MalwareFamilies = cloneStrings(a.MalwareFamilies)
	c.Tags = cloneStrings(a.Tags)
	return &c
}

// Matches ignores indicator-only criteria (types, severities).
func (a *ThreatActor) Matches(f *Filter) bool {
	if f.isEmpty() {
		return true
	}
	if a.Confidence < f.MinConfidence {
		return false
	}
	return anyOf(f.Tags, a.Tags) && anyOf(f.MalwareFamilies, a.MalwareFamilies)
}

func (a *ThreatActor) SearchFields() []string {
	fields := make([]string, 0, len(a.Aliases)+len(a.Tags)+2)
	fields = append(fields, a.Name, a.Description)
	fields = append(fields, a.Aliases...)
	return append(fields, a.Tags...)
}

// HasName reports whether name matches the actor's name or one of its aliases.
func (a *ThreatActor) HasName(name string) bool {
	return anyOf([]string{name}, append([]string{a.Name}, a.Aliases...))
}

// ThreatActorPatch is a partial update for a ThreatActor.
type ThreatActorPatch struct {
	ID       *string `json:"id,omitempty"`
	TenantID *string `json:"tenant_id,omitempty"`

	Name            *string         `json:"name,omitempty"`
	Aliases         *[]string       `json:"aliases,omitempty"`
	Type            *ActorType      `json:"type,omitempty"`
	Sophistication  *Sophistication `json:"sophistication,omitempty"`
	Motivations     *[]string       `json:"motivations,omitempty"`
	TargetSectors   *[]string       `json:"target_sectors,omitempty"`
	TargetRegions   *[]string       `json:"target_regions,omitempty"`
	LastActivity    *time.Time      `json:"last_activity,omitempty"`
	CampaignIDs     *[]string       `json:"campaign_ids,omitempty"`
	MalwareFamilies *[]string       `json:"malware_families,omitempty"`
	Confidence      *float64        `json:"confidence,omitempty"`
	Description     *string         `json:"description,omitempty"`
	Tags            *[]string       `json:"tags,omitempty"`
}

func (p ThreatActorPatch) Identity() (id, tenantID *string) { return p.ID, p.TenantID }

func (p ThreatActorPatch) Apply(a *ThreatActor) error {
	if p.Name != nil {
		a.Name = *p.Name
	}
	if p.Aliases != nil {
		a.Aliases = cloneStrings(*p.Aliases)
	}
	if p.Type != nil {
		a.Type = *p.Type
	}
	if p.Sophistication != nil {
		a.Sophistication = *p.Sophistication
	}
	if p.Motivations != nil {
		a.Motivations = cloneStrings(*p.Motivations)
	}
	if p.TargetSectors != nil {
		a.TargetSectors = cloneStrings(*p.TargetSectors)
	}
	if p.TargetRegions != nil {
		a.TargetRegions = cloneStrings(*p.TargetRegions)
	}
	if p.LastActivity != nil && p.LastActivity.After(a.LastActivity) {
		a.LastActivity = *p.LastActivity
	}
	if p.CampaignIDs != nil {
		a.CampaignIDs = cloneStrings(*p.CampaignIDs)
	}
	if p.MalwareFamilies != nil {
		a.MalwareFamilies = cloneStrings(*p.MalwareFamilies)
	}
	if p.Confidence != nil {
		a.Confidence = *p.Confidence
	}
	if p.Description != nil {
		a.Description = *p.Description
	}
	if p.Tags != nil {
		a.Tags = cloneStrings(*p.Tags)
	}
	return nil
}
