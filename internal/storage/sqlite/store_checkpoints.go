package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/provenancedb/provenance/internal/storage"
)

// CheckpointStore methods

// GetCheckpoint returns the last saved checkpoint of a projection.
func (s *Store) GetCheckpoint(ctx context.Context, projectionID string) (storage.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return storage.Checkpoint{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Checkpoint{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(projectionID) == "" {
		return storage.Checkpoint{}, fmt.Errorf("projection id is required")
	}

	var (
		checkpoint storage.Checkpoint
		updatedAt  int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT projection_id, position, updated_at FROM checkpoints WHERE projection_id = ?",
		projectionID,
	).Scan(&checkpoint.ProjectionID, &checkpoint.Position, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Checkpoint{}, storage.ErrNotFound
		}
		return storage.Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	checkpoint.UpdatedAt = fromMillis(updatedAt)
	return checkpoint, nil
}

// SaveCheckpoint upserts a projection checkpoint.
//
// Positions never move backwards: a stale save is ignored so a racing
// restart cannot rewind a projection past work it already acknowledged.
func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint storage.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(checkpoint.ProjectionID) == "" {
		return fmt.Errorf("projection id is required")
	}
	updatedAt := checkpoint.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO checkpoints (projection_id, position, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (projection_id) DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at
WHERE excluded.position > checkpoints.position`,
		checkpoint.ProjectionID, checkpoint.Position, toMillis(updatedAt),
	); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
