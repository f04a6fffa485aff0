// Package projection runs checkpointed read-model builders over the global
// event feed.
//
// Delivery is at least once: a crash between apply and checkpoint redelivers
// the tail events on restart, so handlers must be idempotent.
package projection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/provenancedb/provenance/internal/event"
	"github.com/provenancedb/provenance/internal/storage"
)

// Status describes a runner's lifecycle state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusCatchingUp Status = "catching_up"
	StatusLive       Status = "live"
	StatusStopped    Status = "stopped"
	StatusFailed     Status = "failed"
)

const (
	defaultBatchSize       = 200
	defaultCheckpointEvery = 100
	defaultPollInterval    = 5 * time.Second
)

// Source feeds the runner events in global order and wakes it on appends.
type Source interface {
	ListEventsGlobal(ctx context.Context, afterPos int64, limit int) ([]event.Event, error)
	AppendNotifications() <-chan struct{}
}

// Handler applies one event to a read model.
//
// Apply must be idempotent: the runner redelivers events after a crash.
type Handler interface {
	Apply(ctx context.Context, evt event.Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, evt event.Event) error

func (f HandlerFunc) Apply(ctx context.Context, evt event.Event) error { return f(ctx, evt) }

// Runner drives one projection from its checkpoint to the journal head and
// keeps it live.
type Runner struct {
	projectionID string
	source       Source
	checkpoints  storage.CheckpointStore
	registry     *event.Registry
	handler      Handler

	batchSize       int
	checkpointEvery int
	pollInterval    time.Duration

	mu       sync.Mutex
	status   Status
	position int64
	lastErr  error
}

// Option configures a Runner.
type Option func(*Runner)

// WithBatchSize sets how many events one catch-up page reads.
func WithBatchSize(size int) Option {
	return func(r *Runner) {
		if size > 0 {
			r.batchSize = size
		}
	}
}

// WithCheckpointEvery sets how many applied events may elapse between
// checkpoint saves inside a batch. The checkpoint is always saved at the
// end of a drained batch.
func WithCheckpointEvery(every int) Option {
	return func(r *Runner) {
		if every > 0 {
			r.checkpointEvery = every
		}
	}
}

// WithPollInterval bounds how long a live runner waits without an append
// notification before re-polling.
func WithPollInterval(interval time.Duration) Option {
	return func(r *Runner) {
		if interval > 0 {
			r.pollInterval = interval
		}
	}
}

// NewRunner creates a projection runner.
func NewRunner(projectionID string, source Source, checkpoints storage.CheckpointStore, registry *event.Registry, handler Handler, opts ...Option) (*Runner, error) {
	if strings.TrimSpace(projectionID) == "" {
		return nil, fmt.Errorf("projection id is required")
	}
	if source == nil {
		return nil, fmt.Errorf("event source is required")
	}
	if checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("event registry is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("projection handler is required")
	}
	runner := &Runner{
		projectionID:    projectionID,
		source:          source,
		checkpoints:     checkpoints,
		registry:        registry,
		handler:         handler,
		batchSize:       defaultBatchSize,
		checkpointEvery: defaultCheckpointEvery,
		pollInterval:    defaultPollInterval,
		status:          StatusIdle,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(runner)
		}
	}
	return runner, nil
}

// Status reports the runner's state, its last applied position, and the
// error that failed it, if any.
func (r *Runner) Status() (Status, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.position, r.lastErr
}

func (r *Runner) setStatus(status Status, position int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.position = position
	r.lastErr = err
}

// Run processes events until ctx is canceled or the handler fails.
//
// The runner catches up from its checkpoint, then turns live and follows
// appends. A context cancel is a clean stop and returns nil; a handler error
// marks the runner failed and is returned.
func (r *Runner) Run(ctx context.Context) error {
	position, err := r.loadCheckpoint(ctx)
	if err != nil {
		r.setStatus(StatusFailed, 0, err)
		return err
	}
	r.setStatus(StatusCatchingUp, position, nil)

	for {
		// Acquire the notification channel before reading so an append
		// between the read and the wait still wakes the runner.
		notify := r.source.AppendNotifications()

		events, err := r.source.ListEventsGlobal(ctx, position, r.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				r.setStatus(StatusStopped, position, nil)
				return nil
			}
			err = fmt.Errorf("list events for projection %s: %w", r.projectionID, err)
			r.setStatus(StatusFailed, position, err)
			return err
		}

		if len(events) == 0 {
			r.setStatus(StatusLive, position, nil)
			timer := time.NewTimer(r.pollInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				r.setStatus(StatusStopped, position, nil)
				return nil
			case <-notify:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}

		sinceCheckpoint := 0
		for _, evt := range events {
			if err := r.applyOne(ctx, evt); err != nil {
				r.setStatus(StatusFailed, position, err)
				return err
			}
			position = evt.GlobalPos
			sinceCheckpoint++
			if sinceCheckpoint >= r.checkpointEvery {
				if err := r.saveCheckpoint(ctx, position); err != nil {
					r.setStatus(StatusFailed, position, err)
					return err
				}
				sinceCheckpoint = 0
			}
		}
		if err := r.saveCheckpoint(ctx, position); err != nil {
			r.setStatus(StatusFailed, position, err)
			return err
		}
		r.setStatus(StatusCatchingUp, position, nil)
	}
}

func (r *Runner) applyOne(ctx context.Context, evt event.Event) error {
	canonical, err := r.registry.Canonical(evt)
	if err != nil {
		return &storage.ReplayError{
			StreamID:  evt.StreamID,
			Seq:       evt.Seq,
			MessageID: evt.Meta.Identity.MessageID(),
			Err:       err,
		}
	}
	if err := r.handler.Apply(ctx, canonical); err != nil {
		return &storage.ReplayError{
			StreamID:  evt.StreamID,
			Seq:       evt.Seq,
			MessageID: evt.Meta.Identity.MessageID(),
			Err:       err,
		}
	}
	return nil
}

func (r *Runner) loadCheckpoint(ctx context.Context) (int64, error) {
	checkpoint, err := r.checkpoints.GetCheckpoint(ctx, r.projectionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("load checkpoint for projection %s: %w", r.projectionID, err)
	}
	return checkpoint.Position, nil
}

func (r *Runner) saveCheckpoint(ctx context.Context, position int64) error {
	if err := r.checkpoints.SaveCheckpoint(ctx, storage.Checkpoint{
		ProjectionID: r.projectionID,
		Position:     position,
		UpdatedAt:    time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("save checkpoint for projection %s: %w", r.projectionID, err)
	}
	return nil
}
