package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kiroku-ai/kiroku/internal/model"
)

// CreateScore attaches a named score to a session item. Re-scoring the
// same name by the same author replaces the earlier value.
func (db *DB) CreateScore(ctx context.Context, s model.Score) (model.Score, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO item_scores (id, org_id, item_id, name, value, author, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (org_id, item_id, name, author)
		 DO UPDATE SET id = EXCLUDED.id, value = EXCLUDED.value, created_at = EXCLUDED.created_at`,
		s.ID, s.OrgID, s.ItemID, s.Name, s.Value, s.Author, s.CreatedAt,
	)
	if err != nil {
		return model.Score{}, fmt.Errorf("storage: create score: %w", err)
	}
	return s, nil
}

// ListScores returns an item's scores ordered by name then author.
func (db *DB) ListScores(ctx context.Context, orgID, itemID uuid.UUID) ([]model.Score, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, org_id, item_id, name, value, author, created_at
		 FROM item_scores WHERE org_id = $1 AND item_id = $2
		 ORDER BY name ASC, author ASC`, orgID, itemID)
	if err != nil {
		return nil, fmt.Errorf("storage: list scores: %w", err)
	}
	defer rows.Close()

	var scores []model.Score
	for rows.Next() {
		var s model.Score
		if err := rows.Scan(&s.ID, &s.OrgID, &s.ItemID, &s.Name,
			&s.Value, &s.Author, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan score: %w", err)
		}
		scores = append(scores, s)
	}
	return scores, rows.Err()
}
