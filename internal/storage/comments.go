package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kiroku-ai/kiroku/internal/model"
)

// CreateComment attaches a comment to a session item.
func (db *DB) CreateComment(ctx context.Context, c model.Comment) (model.Comment, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO item_comments (id, org_id, item_id, author, body, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.OrgID, c.ItemID, c.Author, c.Body, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return model.Comment{}, fmt.Errorf("storage: create comment: %w", err)
	}
	return c, nil
}

// ListComments returns an item's comments oldest first.
func (db *DB) ListComments(ctx context.Context, orgID, itemID uuid.UUID) ([]model.Comment, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, org_id, item_id, author, body, created_at, updated_at
		 FROM item_comments WHERE org_id = $1 AND item_id = $2
		 ORDER BY created_at ASC`, orgID, itemID)
	if err != nil {
		return nil, fmt.Errorf("storage: list comments: %w", err)
	}
	defer rows.Close()

	var comments []model.Comment
	for rows.Next() {
		var c model.Comment
		if err := rows.Scan(&c.ID, &c.OrgID, &c.ItemID, &c.Author,
			&c.Body, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// DeleteComment removes a comment.
func (db *DB) DeleteComment(ctx context.Context, orgID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM item_comments WHERE org_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return fmt.Errorf("storage: delete comment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: comment %s: %w", id, ErrNotFound)
	}
	return nil
}
