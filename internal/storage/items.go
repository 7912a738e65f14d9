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

const itemColumns = `id, session_id, run_id, org_id, sort_order, is_state, content, created_at`

func scanItem(row pgx.Row) (model.SessionItem, error) {
	var it model.SessionItem
	err := row.Scan(&it.ID, &it.SessionID, &it.RunID, &it.OrgID,
		&it.SortOrder, &it.IsState, &it.Content, &it.CreatedAt)
	return it, err
}

// InsertItems inserts items within a transaction using the COPY
// protocol. Items are append-only; there is no update path.
func (db *DB) InsertItems(ctx context.Context, tx pgx.Tx, items []model.SessionItem) error {
	if len(items) == 0 {
		return nil
	}

	columns := []string{"id", "session_id", "run_id", "org_id", "sort_order", "is_state", "content", "created_at"}
	rows := make([][]any, len(items))
	for i, it := range items {
		rows[i] = []any{
			it.ID, it.SessionID, it.RunID, it.OrgID,
			it.SortOrder, it.IsState, it.Content, it.CreatedAt,
		}
	}

	// Dedicated COPY timeout so a hung Postgres cannot block the
	// request indefinitely.
	copyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := tx.CopyFrom(copyCtx,
		pgx.Identifier{"session_items"}, columns, pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("storage: copy items: %w", err)
	}
	return nil
}

// ItemsForRun returns a run's items in sort order, inside the caller's
// transaction so reads are consistent with the run's row lock.
func (db *DB) ItemsForRun(ctx context.Context, tx pgx.Tx, orgID, runID uuid.UUID) ([]model.SessionItem, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+itemColumns+` FROM session_items
		 WHERE org_id = $1 AND run_id = $2
		 ORDER BY sort_order ASC`, orgID, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: items for run: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// ListRunItems returns a run's items outside any transaction.
func (db *DB) ListRunItems(ctx context.Context, orgID, runID uuid.UUID) ([]model.SessionItem, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM session_items
		 WHERE org_id = $1 AND run_id = $2
		 ORDER BY sort_order ASC`, orgID, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list run items: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// ListSessionItems returns every item in a session across all runs, in
// run start order then item sort order.
func (db *DB) ListSessionItems(ctx context.Context, orgID, sessionID uuid.UUID) ([]model.SessionItem, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT i.id, i.session_id, i.run_id, i.org_id, i.sort_order, i.is_state, i.content, i.created_at
		 FROM session_items i
		 JOIN runs r ON r.id = i.run_id
		 WHERE i.org_id = $1 AND i.session_id = $2
		 ORDER BY r.started_at ASC, r.created_at ASC, i.sort_order ASC`,
		orgID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("storage: list session items: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// GetItem retrieves a single item by ID, scoped to the given org.
func (db *DB) GetItem(ctx context.Context, orgID, id uuid.UUID) (model.SessionItem, error) {
	it, err := scanItem(db.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM session_items WHERE org_id = $1 AND id = $2`, orgID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SessionItem{}, fmt.Errorf("storage: item %s: %w", id, ErrNotFound)
		}
		return model.SessionItem{}, fmt.Errorf("storage: get item: %w", err)
	}
	return it, nil
}

func collectItems(rows pgx.Rows) ([]model.SessionItem, error) {
	var items []model.SessionItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
