// Package aggregate rebuilds aggregate state by folding journal events,
// optionally fast-forwarded from a snapshot.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/provenancedb/provenance/internal/blob"
	"github.com/provenancedb/provenance/internal/chain"
	"github.com/provenancedb/provenance/internal/event"
	"github.com/provenancedb/provenance/internal/snapshot"
	"github.com/provenancedb/provenance/internal/storage"
)

const defaultPageSize = 200

var (
	// ErrEventStoreRequired indicates a missing event store.
	ErrEventStoreRequired = errors.New("event store is required")
	// ErrFolderRequired indicates a missing folder.
	ErrFolderRequired = errors.New("folder is required")
	// ErrStreamIDRequired indicates a missing stream id.
	ErrStreamIDRequired = errors.New("stream id is required")
)

// EventStore lists stream events for replay.
type EventStore interface {
	ListEvents(ctx context.Context, streamID string, fromSeq uint64, limit int) ([]event.Event, error)
}

// Folder folds events into aggregate state.
//
// Apply must be deterministic and free of side effects: replaying the same
// events always produces the same state.
type Folder interface {
	// New returns the empty state of a stream with no events.
	New() any
	// Apply folds one event into state and returns the next state.
	Apply(state any, evt event.Event) (any, error)
	// Marshal serializes state for snapshotting.
	Marshal(state any) ([]byte, error)
	// Unmarshal restores state from snapshot bytes.
	Unmarshal(data []byte) (any, error)
}

// Result captures a loaded aggregate.
type Result struct {
	StreamID string
	State    any
	// Version is the highest folded sequence, storage.VersionNoStream when
	// the stream is empty.
	Version int64
	// TailCID is the CID of the last folded event, "" when the stream is
	// empty.
	TailCID string
	// Replayed counts the events folded from the journal, excluding any
	// snapshot fast-forward.
	Replayed int
}

// Loader loads aggregates from the journal.
type Loader struct {
	events    EventStore
	folder    Folder
	registry  *event.Registry
	snapshots *snapshot.Service
	pageSize  int
}

// Option configures a Loader.
type Option func(*Loader)

// WithSnapshots makes the loader fast-forward from snapshots when present.
func WithSnapshots(service *snapshot.Service) Option {
	return func(l *Loader) {
		l.snapshots = service
	}
}

// WithPageSize overrides the replay page size.
func WithPageSize(size int) Option {
	return func(l *Loader) {
		if size > 0 {
			l.pageSize = size
		}
	}
}

// NewLoader creates an aggregate loader.
func NewLoader(events EventStore, folder Folder, registry *event.Registry, opts ...Option) (*Loader, error) {
	if events == nil {
		return nil, ErrEventStoreRequired
	}
	if folder == nil {
		return nil, ErrFolderRequired
	}
	if registry == nil {
		return nil, fmt.Errorf("event registry is required")
	}
	loader := &Loader{
		events:   events,
		folder:   folder,
		registry: registry,
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(loader)
		}
	}
	return loader, nil
}

// Load rebuilds the current state of a stream.
func (l *Loader) Load(ctx context.Context, streamID string) (Result, error) {
	return l.LoadVersion(ctx, streamID, -1)
}

// LoadVersion rebuilds the state of a stream at maxVersion. maxVersion < 0
// loads the current state.
//
// When a snapshot is usable the fold starts from it; a snapshot whose blob
// is gone degrades to a full replay instead of failing the load. Chain
// integrity is verified for every replayed event.
func (l *Loader) LoadVersion(ctx context.Context, streamID string, maxVersion int64) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return Result{}, ErrStreamIDRequired
	}

	result := Result{
		StreamID: streamID,
		State:    l.folder.New(),
		Version:  storage.VersionNoStream,
	}

	if l.snapshots != nil {
		snap, state, err := l.snapshots.Latest(ctx, streamID, maxVersion)
		switch {
		case err == nil:
			restored, unmarshalErr := l.folder.Unmarshal(state)
			if unmarshalErr != nil {
				return Result{}, fmt.Errorf("restore snapshot state stream_id=%s version=%d: %w", streamID, snap.Version, unmarshalErr)
			}
			result.State = restored
			result.Version = int64(snap.Version)
			result.TailCID = snap.LastCID
		case errors.Is(err, storage.ErrNotFound):
			// No snapshot, replay from the start.
		case errors.Is(err, blob.ErrNotFound):
			// Snapshot blob lost, replay from the start.
		default:
			return Result{}, err
		}
	}

	nextSeq := uint64(0)
	if result.Version >= 0 {
		nextSeq = uint64(result.Version) + 1
	}

	for {
		events, err := l.events.ListEvents(ctx, streamID, nextSeq, l.pageSize)
		if err != nil {
			return Result{}, fmt.Errorf("list events stream_id=%s: %w", streamID, err)
		}
		if len(events) == 0 {
			return result, nil
		}
		for _, evt := range events {
			if maxVersion >= 0 && evt.Seq > uint64(maxVersion) {
				return result, nil
			}
			if evt.Seq != nextSeq {
				return Result{}, fmt.Errorf("event sequence gap stream_id=%s expected=%d got=%d", streamID, nextSeq, evt.Seq)
			}
			if err := chain.Verify(evt, result.TailCID); err != nil {
				return Result{}, err
			}

			canonical, err := l.registry.Canonical(evt)
			if err != nil {
				return Result{}, &storage.ReplayError{
					StreamID:  streamID,
					Seq:       evt.Seq,
					MessageID: evt.Meta.Identity.MessageID(),
					Err:       err,
				}
			}
			next, err := l.folder.Apply(result.State, canonical)
			if err != nil {
				return Result{}, &storage.ReplayError{
					StreamID:  streamID,
					Seq:       evt.Seq,
					MessageID: evt.Meta.Identity.MessageID(),
					Err:       err,
				}
			}

			result.State = next
			result.Version = int64(evt.Seq)
			result.TailCID = evt.CID
			result.Replayed++
			nextSeq = evt.Seq + 1
		}
	}
}

// MaybeSnapshot offers the loaded state to the snapshot service, which
// decides by policy whether to materialize it. It is a no-op for loaders
// without snapshots or for empty streams.
func (l *Loader) MaybeSnapshot(ctx context.Context, result Result) (bool, error) {
	if l.snapshots == nil || result.Version < 0 {
		return false, nil
	}
	state, err := l.folder.Marshal(result.State)
	if err != nil {
		return false, fmt.Errorf("marshal aggregate state stream_id=%s: %w", result.StreamID, err)
	}
	return l.snapshots.MaybeSnapshot(ctx, result.StreamID, uint64(result.Version), result.TailCID, state)
}
