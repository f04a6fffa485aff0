// Package storage defines the persistence contracts of the event store and
// the shared records and errors its backends implement.
//
// The journal is the only source of truth: snapshots, checkpoints, and
// projections are derived, rebuildable artifacts.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/provenancedb/provenance/internal/event"
)

// ErrNotFound indicates a record does not exist.
var ErrNotFound = errors.New("storage: not found")

// Version sentinels for AppendEvents expected-version checks.
//
// Stream versions equal the highest assigned sequence; sequences start at 0,
// so an empty stream has version VersionNoStream.
const (
	// VersionAny skips the optimistic concurrency check.
	VersionAny int64 = -2
	// VersionNoStream expects the stream to not exist yet.
	VersionNoStream int64 = -1
)

// ConcurrencyError reports an append rejected because the stream's version
// moved underneath the writer. The caller should re-read the current version
// and retry with recomputed events.
type ConcurrencyError struct {
	StreamID string
	Expected int64
	Actual   int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("storage: version conflict stream_id=%s expected=%d actual=%d", e.StreamID, e.Expected, e.Actual)
}

// ReplayError wraps a failure while folding an event into derived state. The
// offending event's coordinates and message id are preserved for diagnosis.
type ReplayError struct {
	StreamID  string
	Seq       uint64
	MessageID string
	Err       error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("storage: replay failed stream_id=%s seq=%d message_id=%s: %v", e.StreamID, e.Seq, e.MessageID, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// Snapshot records a materialized aggregate state at a stream version.
//
// Snapshots are disposable accelerators: the state itself lives behind the
// blob boundary, and losing it only forces a full replay.
type Snapshot struct {
	StreamID  string
	Version   uint64
	BlobRef   string
	LastCID   string
	CreatedAt time.Time
}

// Checkpoint records the last applied global position for one projection.
type Checkpoint struct {
	ProjectionID string
	Position     int64
	UpdatedAt    time.Time
}

// OutboxEntry describes one pending publish-outbox row.
type OutboxEntry struct {
	StreamID     string
	Seq          uint64
	EventType    event.Type
	AttemptCount int
}

// EventStore is the journal surface consumed by loaders, projections, and
// services.
type EventStore interface {
	// AppendEvents atomically appends a batch to one stream. The whole batch
	// lands with contiguous sequences or not at all. Events whose EventID is
	// already stored on the stream are skipped and returned in their stored
	// form. A mismatched expectedVersion reports *ConcurrencyError.
	AppendEvents(ctx context.Context, streamID string, events []event.Event, expectedVersion int64) ([]event.Event, error)
	// ListEvents returns events of one stream ordered by sequence ascending,
	// starting at fromSeq.
	ListEvents(ctx context.Context, streamID string, fromSeq uint64, limit int) ([]event.Event, error)
	// ListEventsGlobal returns events across all streams ordered by global
	// position, strictly after afterPos.
	ListEventsGlobal(ctx context.Context, afterPos int64, limit int) ([]event.Event, error)
	// GetEventBySeq retrieves a single event.
	GetEventBySeq(ctx context.Context, streamID string, seq uint64) (event.Event, error)
	// CurrentVersion returns the highest assigned sequence, or VersionNoStream
	// when the stream is empty.
	CurrentVersion(ctx context.Context, streamID string) (int64, error)
	// LatestCID returns the CID of the stream's tail event, or "" when empty.
	LatestCID(ctx context.Context, streamID string) (string, error)
	// AppendNotifications returns a channel closed after the next successful
	// append, for live-tail consumers.
	AppendNotifications() <-chan struct{}
}

// SnapshotStore persists snapshot records.
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, snapshot Snapshot) error
	// GetLatestSnapshot returns the highest-version snapshot at or below
	// maxVersion; maxVersion < 0 means unbounded.
	GetLatestSnapshot(ctx context.Context, streamID string, maxVersion int64) (Snapshot, error)
	ListSnapshots(ctx context.Context, streamID string, limit int) ([]Snapshot, error)
	// PruneSnapshots deletes all but the newest keep snapshots of a stream.
	PruneSnapshots(ctx context.Context, streamID string, keep int) error
}

// CheckpointStore persists projection checkpoints. A checkpoint is owned by
// exactly one projection and never read by anything else.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, projectionID string) (Checkpoint, error)
	SaveCheckpoint(ctx context.Context, checkpoint Checkpoint) error
}
