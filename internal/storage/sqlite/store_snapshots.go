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

// SnapshotStore methods

// PutSnapshot records a snapshot pointer for a stream version.
//
// Re-recording the same (stream, version) replaces the pointer, so snapshot
// writers can retry after a failed blob upload.
func (s *Store) PutSnapshot(ctx context.Context, snapshot storage.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(snapshot.StreamID) == "" {
		return fmt.Errorf("stream id is required")
	}
	if strings.TrimSpace(snapshot.BlobRef) == "" {
		return fmt.Errorf("blob ref is required")
	}
	if strings.TrimSpace(snapshot.LastCID) == "" {
		return fmt.Errorf("last cid is required")
	}
	createdAt := snapshot.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO snapshots (stream_id, version, blob_ref, last_cid, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (stream_id, version) DO UPDATE SET blob_ref = excluded.blob_ref, last_cid = excluded.last_cid, created_at = excluded.created_at`,
		snapshot.StreamID, int64(snapshot.Version), snapshot.BlobRef, snapshot.LastCID, toMillis(createdAt),
	); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

// GetLatestSnapshot returns the highest-version snapshot at or below
// maxVersion. maxVersion < 0 means unbounded.
func (s *Store) GetLatestSnapshot(ctx context.Context, streamID string, maxVersion int64) (storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return storage.Snapshot{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Snapshot{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(streamID) == "" {
		return storage.Snapshot{}, fmt.Errorf("stream id is required")
	}

	query := "SELECT stream_id, version, blob_ref, last_cid, created_at FROM snapshots WHERE stream_id = ?"
	args := []any{streamID}
	if maxVersion >= 0 {
		query += " AND version <= ?"
		args = append(args, maxVersion)
	}
	query += " ORDER BY version DESC LIMIT 1"

	row := s.sqlDB.QueryRowContext(ctx, query, args...)
	snapshot, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Snapshot{}, storage.ErrNotFound
		}
		return storage.Snapshot{}, fmt.Errorf("get latest snapshot: %w", err)
	}
	return snapshot, nil
}

// ListSnapshots returns snapshots of a stream, newest first.
func (s *Store) ListSnapshots(ctx context.Context, streamID string, limit int) ([]storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(streamID) == "" {
		return nil, fmt.Errorf("stream id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT stream_id, version, blob_ref, last_cid, created_at FROM snapshots WHERE stream_id = ? ORDER BY version DESC LIMIT ?",
		streamID, int64(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []storage.Snapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snapshots = append(snapshots, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snapshots, nil
}

// PruneSnapshots deletes all but the newest keep snapshots of a stream.
func (s *Store) PruneSnapshots(ctx context.Context, streamID string, keep int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(streamID) == "" {
		return fmt.Errorf("stream id is required")
	}
	if keep < 0 {
		return fmt.Errorf("keep must not be negative")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM snapshots
WHERE stream_id = ? AND version NOT IN (
    SELECT version FROM snapshots WHERE stream_id = ? ORDER BY version DESC LIMIT ?
)`,
		streamID, streamID, int64(keep),
	); err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	return nil
}

func scanSnapshot(row rowScanner) (storage.Snapshot, error) {
	var (
		snapshot  storage.Snapshot
		version   int64
		createdAt int64
	)
	if err := row.Scan(&snapshot.StreamID, &version, &snapshot.BlobRef, &snapshot.LastCID, &createdAt); err != nil {
		return storage.Snapshot{}, err
	}
	snapshot.Version = uint64(version)
	snapshot.CreatedAt = fromMillis(createdAt)
	return snapshot, nil
}
