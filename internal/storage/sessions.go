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

// CreateSession inserts a new session for an agent.
func (db *DB) CreateSession(ctx context.Context, sess model.Session) (model.Session, error) {
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	if sess.Metadata == nil {
		sess.Metadata = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO sessions (id, org_id, agent_name, name, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, sess.OrgID, sess.AgentName, sess.Name, sess.Metadata, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: create session: %w", err)
	}
	return sess, nil
}

// GetSession retrieves a session by ID, scoped to the given org.
func (db *DB) GetSession(ctx context.Context, orgID, id uuid.UUID) (model.Session, error) {
	var sess model.Session
	err := db.pool.QueryRow(ctx,
		`SELECT id, org_id, agent_name, name, metadata, created_at, updated_at
		 FROM sessions WHERE org_id = $1 AND id = $2`, orgID, id,
	).Scan(&sess.ID, &sess.OrgID, &sess.AgentName, &sess.Name,
		&sess.Metadata, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Session{}, fmt.Errorf("storage: session %s: %w", id, ErrNotFound)
		}
		return model.Session{}, fmt.Errorf("storage: get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions in an org, optionally filtered by
// agent name, newest first.
func (db *DB) ListSessions(ctx context.Context, orgID uuid.UUID, agentName string, limit, offset int) ([]model.Session, int, error) {
	if limit <= 0 {
		limit = 50
	}

	where := `WHERE org_id = $1`
	args := []any{orgID}
	if agentName != "" {
		where += ` AND agent_name = $2`
		args = append(args, agentName)
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sessions `+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count sessions: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := db.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, org_id, agent_name, name, metadata, created_at, updated_at
		 FROM sessions %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
			where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		var s model.Session
		if err := rows.Scan(&s.ID, &s.OrgID, &s.AgentName, &s.Name,
			&s.Metadata, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("storage: scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, total, rows.Err()
}

// UpdateSessionMetadata shallow-merges metadata into a session's
// existing metadata document.
func (db *DB) UpdateSessionMetadata(ctx context.Context, orgID, id uuid.UUID, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE sessions SET metadata = metadata || $1, updated_at = $2
		 WHERE org_id = $3 AND id = $4`,
		metadata, time.Now().UTC(), orgID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: update session metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: session %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteSession removes a session and, via cascading constraints, its
// runs, items, comments, and scores.
func (db *DB) DeleteSession(ctx context.Context, orgID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM sessions WHERE org_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return fmt.Errorf("storage: delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: session %s: %w", id, ErrNotFound)
	}
	return nil
}
