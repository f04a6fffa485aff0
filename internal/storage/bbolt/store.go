// Package bbolt provides a BoltDB-backed checkpoint store for projections
// that keep their checkpoint beside the read model instead of in the journal
// database.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/provenancedb/provenance/internal/storage"
)

const checkpointBucket = "checkpoint"

// Store provides a BoltDB-backed checkpoint store.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type checkpointRecord struct {
	Position  int64 `json:"position"`
	UpdatedMS int64 `json:"updated_ms"`
}

// GetCheckpoint returns the last saved checkpoint of a projection.
func (s *Store) GetCheckpoint(ctx context.Context, projectionID string) (storage.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return storage.Checkpoint{}, err
	}
	if s == nil || s.db == nil {
		return storage.Checkpoint{}, fmt.Errorf("storage is not configured")
	}
	projectionID = strings.TrimSpace(projectionID)
	if projectionID == "" {
		return storage.Checkpoint{}, fmt.Errorf("projection id is required")
	}

	var record checkpointRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(checkpointBucket))
		if bucket == nil {
			return fmt.Errorf("checkpoint bucket is missing")
		}
		payload := bucket.Get(checkpointKey(projectionID))
		if payload == nil {
			return storage.ErrNotFound
		}
		if err := json.Unmarshal(payload, &record); err != nil {
			return fmt.Errorf("unmarshal checkpoint: %w", err)
		}
		return nil
	})
	if err != nil {
		return storage.Checkpoint{}, err
	}

	return storage.Checkpoint{
		ProjectionID: projectionID,
		Position:     record.Position,
		UpdatedAt:    time.UnixMilli(record.UpdatedMS).UTC(),
	}, nil
}

// SaveCheckpoint upserts a projection checkpoint.
//
// Positions never move backwards: a stale save is ignored so a racing
// restart cannot rewind a projection past work it already acknowledged.
func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint storage.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(checkpoint.ProjectionID) == "" {
		return fmt.Errorf("projection id is required")
	}
	updatedAt := checkpoint.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(checkpointRecord{
		Position:  checkpoint.Position,
		UpdatedMS: updatedAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(checkpointBucket))
		if bucket == nil {
			return fmt.Errorf("checkpoint bucket is missing")
		}
		key := checkpointKey(checkpoint.ProjectionID)
		if existing := bucket.Get(key); existing != nil {
			var record checkpointRecord
			if err := json.Unmarshal(existing, &record); err != nil {
				return fmt.Errorf("unmarshal checkpoint: %w", err)
			}
			if record.Position >= checkpoint.Position {
				return nil
			}
		}
		return bucket.Put(key, payload)
	})
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(checkpointBucket))
		if err != nil {
			return fmt.Errorf("create checkpoint bucket: %w", err)
		}
		return nil
	})
}

func checkpointKey(projectionID string) []byte {
	return []byte(projectionID)
}
