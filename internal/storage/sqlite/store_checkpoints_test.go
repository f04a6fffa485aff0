package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/provenancedb/provenance/internal/storage"
)

func TestGetCheckpointNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetCheckpoint(context.Background(), "balances")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSaveAndGetCheckpoint(t *testing.T) {
	store := openTestStore(t)

	saved := storage.Checkpoint{
		ProjectionID: "balances",
		Position:     42,
		UpdatedAt:    time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC),
	}
	if err := store.SaveCheckpoint(context.Background(), saved); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	got, err := store.GetCheckpoint(context.Background(), "balances")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if got.Position != 42 {
		t.Fatalf("expected position 42, got %d", got.Position)
	}
	if !got.UpdatedAt.Equal(saved.UpdatedAt) {
		t.Fatalf("expected updated at %v, got %v", saved.UpdatedAt, got.UpdatedAt)
	}
}

func TestSaveCheckpointNeverRewinds(t *testing.T) {
	store := openTestStore(t)

	if err := store.SaveCheckpoint(context.Background(), storage.Checkpoint{ProjectionID: "balances", Position: 42}); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	if err := store.SaveCheckpoint(context.Background(), storage.Checkpoint{ProjectionID: "balances", Position: 7}); err != nil {
		t.Fatalf("save stale checkpoint: %v", err)
	}

	got, err := store.GetCheckpoint(context.Background(), "balances")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if got.Position != 42 {
		t.Fatalf("expected position to stay at 42, got %d", got.Position)
	}
}

func TestCheckpointsAreIndependentPerProjection(t *testing.T) {
	store := openTestStore(t)

	if err := store.SaveCheckpoint(context.Background(), storage.Checkpoint{ProjectionID: "balances", Position: 10}); err != nil {
		t.Fatalf("save balances: %v", err)
	}
	if err := store.SaveCheckpoint(context.Background(), storage.Checkpoint{ProjectionID: "audit", Position: 3}); err != nil {
		t.Fatalf("save audit: %v", err)
	}

	audit, err := store.GetCheckpoint(context.Background(), "audit")
	if err != nil {
		t.Fatalf("get audit checkpoint: %v", err)
	}
	if audit.Position != 3 {
		t.Fatalf("expected audit position 3, got %d", audit.Position)
	}
}
