package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field size limits for client-submitted payloads. These bound what a
// single request can push into Postgres TEXT/JSONB columns.
const (
	MaxItemContentBytes = 256 * 1024 // 256 KB per item, serialized
	MaxCommentBytes     = 32 * 1024  // 32 KB
	MaxScoreNameLen     = 200
	MaxItemsPerPatch    = 500
)

// ValidateItemContents checks per-item size limits on a patch's items.
func ValidateItemContents(items []map[string]any) error {
	if len(items) > MaxItemsPerPatch {
		return fmt.Errorf("patch exceeds maximum of %d items", MaxItemsPerPatch)
	}
	for i, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("items[%d]: not serializable: %w", i, err)
		}
		if len(raw) > MaxItemContentBytes {
			return fmt.Errorf("items[%d] exceeds maximum size of %d bytes", i, MaxItemContentBytes)
		}
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error. For run-validation failures,
// Details carries the offending item content.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes. Validation failures
// from the matching engine carry their own codes (see internal/match).
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// AuthTokenRequest is the request body for POST /auth/token. Org is
// the organization slug; empty selects the default organization.
type AuthTokenRequest struct {
	Org       string `json:"org,omitempty"`
	AgentName string `json:"agent_name"`
	APIKey    string `json:"api_key"`
}

// CreateOrgRequest is the request body for POST /v1/orgs. AdminAPIKey,
// when set, bootstraps an admin agent inside the new organization so it
// can be administered without out-of-band access.
type CreateOrgRequest struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	AdminAPIKey string `json:"admin_api_key,omitempty"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateAgentRequest is the request body for POST /v1/agents.
type CreateAgentRequest struct {
	Name   string          `json:"name"`
	URL    *string         `json:"url,omitempty"`
	Role   AgentRole       `json:"role"`
	APIKey string          `json:"api_key"`
	Config json.RawMessage `json:"config"`
}

// UpdateAgentRequest is the request body for PATCH /v1/agents/{name}.
type UpdateAgentRequest struct {
	URL    *string         `json:"url,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// CreateSessionRequest is the request body for POST /v1/sessions.
type CreateSessionRequest struct {
	AgentName string         `json:"agent_name"`
	Name      *string        `json:"name,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// UpdateSessionMetadataRequest is the request body for
// PATCH /v1/sessions/{session_id}. Metadata is shallow-merged into the
// session's existing metadata.
type UpdateSessionMetadataRequest struct {
	Metadata map[string]any `json:"metadata"`
}

// RunPatchRequest is the request body for POST /v1/sessions/{id}/runs
// (run creation, first item is the input) and for
// PATCH /v1/sessions/{id}/runs/{run_id} (incremental update).
type RunPatchRequest struct {
	Items      []map[string]any `json:"items,omitempty"`
	Status     *string          `json:"status,omitempty"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
	State      map[string]any   `json:"state,omitempty"`
	FailReason *string          `json:"fail_reason,omitempty"`
}

// CreateCommentRequest is the request body for POST .../items/{item_id}/comments.
type CreateCommentRequest struct {
	Body string `json:"body"`
}

// CreateScoreRequest is the request body for POST .../items/{item_id}/scores.
type CreateScoreRequest struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// ItemSlotResponse describes which configured slot an item matched.
// Returned by GET .../items/{item_id}/slot.
type ItemSlotResponse struct {
	ItemID          uuid.UUID      `json:"item_id"`
	SlotType        string         `json:"slot_type"`
	StepIndex       *int           `json:"step_index,omitempty"`
	Content         map[string]any `json:"content"`
	ToolCallContent map[string]any `json:"tool_call_content,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}
