// Package jobs runs background work (exports, enrichment) through an explicit
// pending → running → completed | failed state machine.
package jobs

import (
	"time"

	"intelvault/core"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsValid checks if the status is known.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal returns true if the job is in a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Type names the kind of work a job performs.
type Type string

const (
	TypeExport     Type = "export"
	TypeEnrichment Type = "enrichment"
	TypeAnalytics  Type = "analytics"
)

// Job is a unit of background work owned by a tenant.
type Job struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	Type        Type              `json:"type"`
	Status      Status            `json:"status"`
	Params      map[string]string `json:"params,omitempty"`
	Progress    float64           `json:"progress"`
	Result      any               `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Clone returns a copy that shares nothing mutable with j, except Result,
// which handlers must not modify after returning it.
func (j *Job) Clone() *Job {
	c := *j
	if j.Params != nil {
		c.Params = make(map[string]string, len(j.Params))
		for k, v := range j.Params {
			c.Params[k] = v
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func (j *Job) transition(next Status, now time.Time) error {
	if !j.Status.CanTransitionTo(next) {
		return &core.InvalidTransitionError{From: string(j.Status), To: string(next)}
	}
	j.Status = next
	switch {
	case next == StatusRunning:
		j.StartedAt = &now
	case next.IsTerminal():
		j.CompletedAt = &now
		if next == StatusCompleted {
			j.Progress = 100
		}
	}
	return nil
}
