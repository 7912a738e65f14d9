// Package model defines the core domain types for Kiroku.
//
// All types correspond directly to database tables and API payloads.
// Types use strong typing (UUIDs, time.Time, enums) and avoid
// interface{} wherever possible; item content is the one deliberate
// exception, since items are opaque schema-validated records.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelled  RunStatus = "cancelled"
)

// Terminal reports whether the status is a final state. Terminal runs
// never accept further items or status changes.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// ValidRunStatus reports whether s names a known run status.
func ValidRunStatus(s string) bool {
	switch RunStatus(s) {
	case RunStatusInProgress, RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Run is one execution attempt within a session. A session holds an
// ordered list of runs; at most one run may be in_progress at a time.
type Run struct {
	ID         uuid.UUID      `json:"id"`
	SessionID  uuid.UUID      `json:"session_id"`
	OrgID      uuid.UUID      `json:"org_id"`
	AgentName  string         `json:"agent_name"`
	Status     RunStatus      `json:"status"`
	FailReason *string        `json:"fail_reason,omitempty"`
	Metadata   map[string]any `json:"metadata"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	// ExpiresAt is set while the run is in_progress; the expiry sweeper
	// fails runs whose deadline has passed without a new patch.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
