package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentRole represents the RBAC role assigned to an agent credential.
type AgentRole string

const (
	RoleAdmin  AgentRole = "admin"
	RoleAgent  AgentRole = "agent"
	RoleReader AgentRole = "reader"
)

// Agent is a registered agent identity with its declarative run
// configuration. The config document is compiled per request by the
// agentconfig package; model only carries the raw JSON.
type Agent struct {
	ID         uuid.UUID       `json:"id"`
	OrgID      uuid.UUID       `json:"org_id"`
	Name       string          `json:"name"`
	URL        *string         `json:"url,omitempty"`
	Role       AgentRole       `json:"role"`
	APIKeyHash *string         `json:"-"`
	Config     json.RawMessage `json:"config"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Organization represents a tenant. Every other entity is scoped to
// exactly one organization.
type Organization struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RoleRank returns the numeric rank of a role (higher = more privileges).
// Only relative ordering matters; RoleAtLeast uses >= comparison.
func RoleRank(r AgentRole) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleAgent:
		return 2
	case RoleReader:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole AgentRole) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// ValidateAgentName checks that an agent name conforms to the allowed
// format: 1-255 ASCII characters, alphanumeric plus dots, hyphens,
// underscores, and @ signs.
func ValidateAgentName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("agent name is required")
	}
	if len(name) > 255 {
		return fmt.Errorf("agent name must be at most 255 characters")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return fmt.Errorf("agent name contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
