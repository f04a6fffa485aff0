// Package transport publishes committed journal events to downstream
// consumers.
//
// Publishing is at-least-once: the outbox relay redelivers on failure, so
// consumers and publishers dedupe by event id.
package transport

import (
	"context"
	"sync"

	"github.com/provenancedb/provenance/internal/event"
)

// Publisher delivers one committed event to a downstream channel.
type Publisher interface {
	Publish(ctx context.Context, evt event.Event) error
}

// MemoryPublisher collects published events in memory, deduplicating by
// event id. It backs tests and single-process consumers.
type MemoryPublisher struct {
	mu     sync.Mutex
	seen   map[string]bool
	events []event.Event
}

// NewMemoryPublisher creates an empty in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{seen: make(map[string]bool)}
}

func (p *MemoryPublisher) Publish(ctx context.Context, evt event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen[evt.EventID] {
		return nil
	}
	p.seen[evt.EventID] = true
	p.events = append(p.events, evt)
	return nil
}

// Events returns the published events in delivery order.
func (p *MemoryPublisher) Events() []event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]event.Event(nil), p.events...)
}
