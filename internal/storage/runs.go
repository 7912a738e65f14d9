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

const runColumns = `id, session_id, org_id, agent_name, status, fail_reason, metadata,
	 started_at, finished_at, expires_at, created_at, updated_at`

func scanRun(row pgx.Row) (model.Run, error) {
	var r model.Run
	err := row.Scan(&r.ID, &r.SessionID, &r.OrgID, &r.AgentName, &r.Status,
		&r.FailReason, &r.Metadata, &r.StartedAt, &r.FinishedAt,
		&r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// GetRun retrieves a run by ID, scoped to the given org.
func (db *DB) GetRun(ctx context.Context, orgID, id uuid.UUID) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE org_id = $1 AND id = $2`, orgID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// GetRunForUpdate retrieves a run with a row lock held for the rest of
// the transaction. Concurrent patches against the same run serialize
// behind this lock.
func (db *DB) GetRunForUpdate(ctx context.Context, tx pgx.Tx, orgID, id uuid.UUID) (model.Run, error) {
	run, err := scanRun(tx.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE org_id = $1 AND id = $2 FOR UPDATE`, orgID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run for update: %w", err)
	}
	return run, nil
}

// ListRuns returns a session's runs in start order.
func (db *DB) ListRuns(ctx context.Context, orgID, sessionID uuid.UUID) ([]model.Run, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE org_id = $1 AND session_id = $2
		 ORDER BY started_at ASC, created_at ASC`, orgID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// SessionHasRunInProgress reports whether the session has an
// in_progress run, locking that run's row if one exists. Run creation
// calls this inside the same transaction as the insert; the partial
// unique index idx_runs_in_progress catches creates that race past
// this check.
func (db *DB) SessionHasRunInProgress(ctx context.Context, tx pgx.Tx, orgID, sessionID uuid.UUID) (bool, error) {
	var id uuid.UUID
	err := tx.QueryRow(ctx,
		`SELECT id FROM runs
		 WHERE org_id = $1 AND session_id = $2 AND status = 'in_progress'
		 LIMIT 1 FOR UPDATE`, orgID, sessionID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: check in-progress run: %w", err)
	}
	return true, nil
}

// InsertRun inserts a run within a transaction.
func (db *DB) InsertRun(ctx context.Context, tx pgx.Tx, run model.Run) error {
	if run.Metadata == nil {
		run.Metadata = map[string]any{}
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO runs (id, session_id, org_id, agent_name, status, fail_reason, metadata,
		 started_at, finished_at, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID, run.SessionID, run.OrgID, run.AgentName, string(run.Status),
		run.FailReason, run.Metadata, run.StartedAt, run.FinishedAt,
		run.ExpiresAt, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: session %s already has a run in progress: %w", run.SessionID, ErrDuplicate)
		}
		return fmt.Errorf("storage: insert run: %w", err)
	}
	return nil
}

// UpdateRun persists a run's mutable fields within a transaction.
func (db *DB) UpdateRun(ctx context.Context, tx pgx.Tx, run model.Run) error {
	tag, err := tx.Exec(ctx,
		`UPDATE runs SET status = $1, fail_reason = $2, metadata = $3,
		 finished_at = $4, expires_at = $5, updated_at = $6
		 WHERE org_id = $7 AND id = $8`,
		string(run.Status), run.FailReason, run.Metadata,
		run.FinishedAt, run.ExpiresAt, run.UpdatedAt, run.OrgID, run.ID,
	)
	if err != nil {
		return fmt.Errorf("storage: update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

// ExpireIdleRuns fails every in_progress run whose expiry deadline has
// passed and returns the IDs of the runs it failed.
func (db *DB) ExpireIdleRuns(ctx context.Context, failReason string) ([]uuid.UUID, error) {
	now := time.Now().UTC()
	rows, err := db.pool.Query(ctx,
		`UPDATE runs SET status = 'failed', fail_reason = $1,
		 finished_at = $2, expires_at = NULL, updated_at = $2
		 WHERE status = 'in_progress' AND expires_at IS NOT NULL AND expires_at < $2
		 RETURNING id`, failReason, now)
	if err != nil {
		return nil, fmt.Errorf("storage: expire idle runs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan expired run: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
