// Package core defines the domain model shared by every intelvault component.
//
// # Entities
//
// The store holds a closed set of entity kinds, each a concrete struct embedding
// Metadata:
//   - Indicator (observables of compromise, with context, relationships and enrichment)
//   - ThreatActor
//   - ThreatCampaign
//   - IntelligenceFeed
//   - Report
//
// Every entity pointer type satisfies Record, which lets the generic store
// validate, stamp, clone, filter and search it without reflection. Partial
// updates are typed patch structs (IndicatorPatch, ThreatActorPatch, ...) whose
// nil fields mean "not supplied".
//
// # Tenancy
//
// Tenant, TenantQuota, TenantUsage and TenantFeatures describe a customer's plan.
// Quota ceilings below zero are unlimited.
//
// # Errors
//
// All domain errors are typed, unwrap to a sentinel usable with errors.Is and
// carry a stable code (see ErrorCode and Result) for API gateways.
package core
