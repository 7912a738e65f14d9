package model

import (
	"time"

	"github.com/google/uuid"
)

// Session is an ordered history of items recorded for one agent,
// partitioned into runs.
type Session struct {
	ID        uuid.UUID      `json:"id"`
	OrgID     uuid.UUID      `json:"org_id"`
	AgentName string         `json:"agent_name"`
	Name      *string        `json:"name,omitempty"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SessionItem is one record in a session's history: input, step,
// tool call, tool result, or output. Items are append-only within a
// run and never rewritten once persisted.
type SessionItem struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	RunID     uuid.UUID `json:"run_id"`
	OrgID     uuid.UUID `json:"org_id"`
	// SortOrder is the item's position within its run, starting at 0.
	SortOrder int `json:"sort_order"`
	// IsState marks state snapshot items. Snapshots are excluded from
	// item matching and only the latest one is meaningful.
	IsState   bool           `json:"is_state"`
	Content   map[string]any `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
}

// Comment is reviewer feedback attached to a session item.
type Comment struct {
	ID        uuid.UUID `json:"id"`
	OrgID     uuid.UUID `json:"org_id"`
	ItemID    uuid.UUID `json:"item_id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Score is a named evaluation attached to a session item. The value is
// validated against the ScoreConfig declared on the item's matched slot.
type Score struct {
	ID        uuid.UUID `json:"id"`
	OrgID     uuid.UUID `json:"org_id"`
	ItemID    uuid.UUID `json:"item_id"`
	Name      string    `json:"name"`
	Value     any       `json:"value"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}
