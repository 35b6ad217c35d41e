package core

import "time"

// Channel is a named notification stream.
type Channel string

const (
	ChannelIndicators   Channel = "indicators"
	ChannelThreatActors Channel = "threat_actors"
	ChannelCampaigns    Channel = "campaigns"
	ChannelFeeds        Channel = "feeds"
	ChannelReports      Channel = "reports"
	ChannelJobs         Channel = "jobs"
)

// Action is the mutation an event reports.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// Event is an entity-change notification. Payload is a snapshot owned by the
// event; subscribers must not mutate it.
type Event struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Channel   Channel   `json:"channel"`
	Action    Action    `json:"action"`
	Kind      Kind      `json:"kind"`
	EntityID  string    `json:"entity_id"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
