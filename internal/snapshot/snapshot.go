// Package snapshot decides when aggregate state is worth materializing and
// moves the state bytes through the blob boundary.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/provenancedb/provenance/internal/blob"
	"github.com/provenancedb/provenance/internal/storage"
)

// Policy controls when a new snapshot is taken.
//
// A snapshot is due when either threshold is crossed since the last one. A
// zero threshold disables that trigger.
type Policy struct {
	// EventThreshold is the number of events since the last snapshot.
	EventThreshold uint64
	// TimeThreshold is the age of the last snapshot.
	TimeThreshold time.Duration
}

func (p Policy) enabled() bool {
	return p.EventThreshold > 0 || p.TimeThreshold > 0
}

// Service writes and reads snapshots for aggregate loaders.
type Service struct {
	snapshots storage.SnapshotStore
	blobs     blob.Store
	policy    Policy
	keep      int
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithKeep sets how many snapshots to retain per stream after a new one
// lands. Zero disables pruning.
func WithKeep(keep int) Option {
	return func(s *Service) {
		s.keep = keep
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a snapshot service.
func NewService(snapshots storage.SnapshotStore, blobs blob.Store, policy Policy, opts ...Option) (*Service, error) {
	if snapshots == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	service := &Service{
		snapshots: snapshots,
		blobs:     blobs,
		policy:    policy,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service, nil
}

// Ref returns the blob reference of a stream snapshot version.
func Ref(streamID string, version uint64) string {
	return fmt.Sprintf("snapshots/%s/%d", streamID, version)
}

// MaybeSnapshot records a snapshot of state at version when the policy says
// one is due. It reports whether a snapshot was written.
//
// The blob is written before the pointer so a crash between the two leaves
// at worst an orphaned blob, never a dangling pointer.
func (s *Service) MaybeSnapshot(ctx context.Context, streamID string, version uint64, lastCID string, state []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !s.policy.enabled() {
		return false, nil
	}

	due, err := s.due(ctx, streamID, version)
	if err != nil {
		return false, err
	}
	if !due {
		return false, nil
	}
	if err := s.Record(ctx, streamID, version, lastCID, state); err != nil {
		return false, err
	}
	return true, nil
}

// Record unconditionally writes a snapshot of state at version.
func (s *Service) Record(ctx context.Context, streamID string, version uint64, lastCID string, state []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(streamID) == "" {
		return fmt.Errorf("stream id is required")
	}
	if strings.TrimSpace(lastCID) == "" {
		return fmt.Errorf("last cid is required")
	}

	ref := Ref(streamID, version)
	if err := s.blobs.Put(ctx, ref, state); err != nil {
		return fmt.Errorf("write snapshot blob: %w", err)
	}
	if err := s.snapshots.PutSnapshot(ctx, storage.Snapshot{
		StreamID:  streamID,
		Version:   version,
		BlobRef:   ref,
		LastCID:   lastCID,
		CreatedAt: s.now().UTC(),
	}); err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}

	if s.keep > 0 {
		if err := s.snapshots.PruneSnapshots(ctx, streamID, s.keep); err != nil {
			return fmt.Errorf("prune snapshots: %w", err)
		}
	}
	return nil
}

// Latest returns the newest snapshot at or below maxVersion along with its
// state bytes. maxVersion < 0 means unbounded.
//
// A missing pointer reports storage.ErrNotFound. A pointer whose blob is
// gone reports blob.ErrNotFound so callers can fall back to a full replay.
func (s *Service) Latest(ctx context.Context, streamID string, maxVersion int64) (storage.Snapshot, []byte, error) {
	if err := ctx.Err(); err != nil {
		return storage.Snapshot{}, nil, err
	}
	if strings.TrimSpace(streamID) == "" {
		return storage.Snapshot{}, nil, fmt.Errorf("stream id is required")
	}

	snapshot, err := s.snapshots.GetLatestSnapshot(ctx, streamID, maxVersion)
	if err != nil {
		return storage.Snapshot{}, nil, err
	}
	state, err := s.blobs.Get(ctx, snapshot.BlobRef)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return snapshot, nil, fmt.Errorf("snapshot blob %s: %w", snapshot.BlobRef, err)
		}
		return storage.Snapshot{}, nil, fmt.Errorf("load snapshot blob: %w", err)
	}
	return snapshot, state, nil
}

func (s *Service) due(ctx context.Context, streamID string, version uint64) (bool, error) {
	last, err := s.snapshots.GetLatestSnapshot(ctx, streamID, -1)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// No snapshot yet: the event threshold counts from stream start.
			return s.policy.EventThreshold > 0 && version+1 >= s.policy.EventThreshold, nil
		}
		return false, fmt.Errorf("load latest snapshot: %w", err)
	}
	if version <= last.Version {
		return false, nil
	}
	if s.policy.EventThreshold > 0 && version-last.Version >= s.policy.EventThreshold {
		return true, nil
	}
	if s.policy.TimeThreshold > 0 && s.now().UTC().Sub(last.CreatedAt) >= s.policy.TimeThreshold {
		return true, nil
	}
	return false, nil
}
