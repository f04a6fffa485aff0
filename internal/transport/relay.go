package transport

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/provenancedb/provenance/internal/event"
)

const (
	defaultRelayInterval  = time.Second
	defaultRelayBatchSize = 100
)

// OutboxSource is the journal-side surface the relay drains, combined with
// append wakeups.
type OutboxSource interface {
	ProcessPublishOutbox(ctx context.Context, now time.Time, limit int, publish func(context.Context, event.Event) error) (int, error)
	AppendNotifications() <-chan struct{}
}

// Relay drains the publish outbox into a Publisher.
//
// It polls on an interval and additionally wakes on append notifications so
// fresh events ship without waiting out the timer.
type Relay struct {
	outbox    OutboxSource
	publisher Publisher
	logger    *log.Logger
	interval  time.Duration
	batchSize int
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRelayInterval sets the poll interval.
func WithRelayInterval(interval time.Duration) RelayOption {
	return func(r *Relay) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithRelayBatchSize sets how many outbox rows one pass claims.
func WithRelayBatchSize(size int) RelayOption {
	return func(r *Relay) {
		if size > 0 {
			r.batchSize = size
		}
	}
}

// NewRelay creates an outbox relay.
func NewRelay(outbox OutboxSource, publisher Publisher, logger *log.Logger, opts ...RelayOption) (*Relay, error) {
	if outbox == nil {
		return nil, fmt.Errorf("outbox source is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	relay := &Relay{
		outbox:    outbox,
		publisher: publisher,
		logger:    logger,
		interval:  defaultRelayInterval,
		batchSize: defaultRelayBatchSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(relay)
		}
	}
	return relay, nil
}

// Run drains the outbox until ctx is canceled.
func (r *Relay) Run(ctx context.Context) error {
	for {
		notify := r.outbox.AppendNotifications()

		processed, err := r.outbox.ProcessPublishOutbox(ctx, time.Now().UTC(), r.batchSize, r.publisher.Publish)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Printf("outbox relay: %v", err)
		}
		if processed > 0 {
			// More rows may already be due.
			continue
		}

		timer := time.NewTimer(r.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}
