package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kiroku-ai/kiroku/internal/model"
)

const agentColumns = `id, org_id, name, url, role, api_key_hash, config, created_at, updated_at`

func scanAgent(row pgx.Row) (model.Agent, error) {
	var a model.Agent
	err := row.Scan(&a.ID, &a.OrgID, &a.Name, &a.URL, &a.Role,
		&a.APIKeyHash, &a.Config, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// CreateAgent inserts a new agent. Agent names are unique within an org.
func (db *DB) CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (id, org_id, name, url, role, api_key_hash, config, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		agent.ID, agent.OrgID, agent.Name, agent.URL, string(agent.Role),
		agent.APIKeyHash, agent.Config, agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", agent.Name, ErrDuplicate)
		}
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return agent, nil
}

// GetAgent retrieves an agent by ID, scoped to the given org.
func (db *DB) GetAgent(ctx context.Context, orgID, id uuid.UUID) (model.Agent, error) {
	agent, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE org_id = $1 AND id = $2`, orgID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return agent, nil
}

// GetAgentByName retrieves an agent by its unique name within an org.
func (db *DB) GetAgentByName(ctx context.Context, orgID uuid.UUID, name string) (model.Agent, error) {
	agent, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE org_id = $1 AND name = $2`, orgID, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", name, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent by name: %w", err)
	}
	return agent, nil
}

// ListAgents returns agents in an org ordered by name.
func (db *DB) ListAgents(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]model.Agent, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agents WHERE org_id = $1`, orgID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count agents: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE org_id = $1
		 ORDER BY name ASC LIMIT $2 OFFSET $3`, orgID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, total, rows.Err()
}

// UpdateAgent updates an agent's url, role, config, and API key hash.
func (db *DB) UpdateAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	agent.UpdatedAt = time.Now().UTC()
	tag, err := db.pool.Exec(ctx,
		`UPDATE agents SET url = $1, role = $2, api_key_hash = $3, config = $4, updated_at = $5
		 WHERE org_id = $6 AND id = $7`,
		agent.URL, string(agent.Role), agent.APIKeyHash, agent.Config,
		agent.UpdatedAt, agent.OrgID, agent.ID,
	)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: update agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Agent{}, fmt.Errorf("storage: agent %s: %w", agent.ID, ErrNotFound)
	}
	return agent, nil
}

// DeleteAgent removes an agent. Sessions recorded for the agent keep
// its name but the credential stops resolving.
func (db *DB) DeleteAgent(ctx context.Context, orgID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM agents WHERE org_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return fmt.Errorf("storage: delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
	}
	return nil
}
