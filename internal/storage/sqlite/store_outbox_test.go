package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/provenancedb/provenance/internal/event"
	"github.com/provenancedb/provenance/internal/storage"
)

func TestAppendEnqueuesPublishOutbox(t *testing.T) {
	store := openTestStore(t, WithPublishOutboxEnabled(true))

	if _, err := store.AppendEvents(context.Background(), "account-1", []event.Event{
		testEvent("evt-1", "account.opened", `{}`),
		testEvent("evt-2", "account.credited", `{}`),
	}, storage.VersionNoStream); err != nil {
		t.Fatalf("append: %v", err)
	}

	summary, err := store.GetPublishOutboxSummary(context.Background())
	if err != nil {
		t.Fatalf("outbox summary: %v", err)
	}
	if summary.PendingCount != 2 {
		t.Fatalf("expected 2 pending rows, got %d", summary.PendingCount)
	}
}

func TestAppendWithoutOutboxEnqueuesNothing(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.AppendEvents(context.Background(), "account-1", []event.Event{
		testEvent("evt-1", "account.opened", `{}`),
	}, storage.VersionNoStream); err != nil {
		t.Fatalf("append: %v", err)
	}

	summary, err := store.GetPublishOutboxSummary(context.Background())
	if err != nil {
		t.Fatalf("outbox summary: %v", err)
	}
	if summary.PendingCount != 0 {
		t.Fatalf("expected empty outbox, got %d pending", summary.PendingCount)
	}
}

func TestProcessPublishOutboxDeliversAndCompletes(t *testing.T) {
	store := openTestStore(t, WithPublishOutboxEnabled(true))

	if _, err := store.AppendEvents(context.Background(), "account-1", []event.Event{
		testEvent("evt-1", "account.opened", `{}`),
		testEvent("evt-2", "account.credited", `{}`),
	}, storage.VersionNoStream); err != nil {
		t.Fatalf("append: %v", err)
	}

	var published []event.Event
	processed, err := store.ProcessPublishOutbox(context.Background(), time.Now().UTC(), 10, func(_ context.Context, evt event.Event) error {
		published = append(published, evt)
		return nil
	})
	if err != nil {
		t.Fatalf("process outbox: %v", err)
	}
	if processed != 2 {
		t.Fatalf("expected 2 processed rows, got %d", processed)
	}
	if len(published) != 2 {
		t.Fatalf("expected 2 published events, got %d", len(published))
	}
	if published[0].Seq != 0 || published[1].Seq != 1 {
		t.Fatalf("expected events in sequence order, got %d then %d", published[0].Seq, published[1].Seq)
	}

	summary, err := store.GetPublishOutboxSummary(context.Background())
	if err != nil {
		t.Fatalf("outbox summary: %v", err)
	}
	if summary.PendingCount != 0 || summary.ProcessingCount != 0 {
		t.Fatalf("expected drained outbox, got %+v", summary)
	}
}

func TestProcessPublishOutboxRetriesFailures(t *testing.T) {
	store := openTestStore(t, WithPublishOutboxEnabled(true))

	if _, err := store.AppendEvents(context.Background(), "account-1", []event.Event{
		testEvent("evt-1", "account.opened", `{}`),
	}, storage.VersionNoStream); err != nil {
		t.Fatalf("append: %v", err)
	}

	now := time.Now().UTC()
	processed, err := store.ProcessPublishOutbox(context.Background(), now, 10, func(context.Context, event.Event) error {
		return fmt.Errorf("broker unavailable")
	})
	if err != nil {
		t.Fatalf("process outbox: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected 1 processed row, got %d", processed)
	}

	summary, err := store.GetPublishOutboxSummary(context.Background())
	if err != nil {
		t.Fatalf("outbox summary: %v", err)
	}
	if summary.FailedCount != 1 {
		t.Fatalf("expected 1 failed row, got %+v", summary)
	}

	// Not due yet: the retry backoff pushed next_attempt_at into the future.
	processed, err = store.ProcessPublishOutbox(context.Background(), now, 10, func(context.Context, event.Event) error {
		t.Fatal("row should not be due yet")
		return nil
	})
	if err != nil {
		t.Fatalf("process outbox again: %v", err)
	}
	if processed != 0 {
		t.Fatalf("expected no rows due, got %d", processed)
	}

	// Due after the backoff window: delivery succeeds and drains the row.
	later := now.Add(time.Hour)
	processed, err = store.ProcessPublishOutbox(context.Background(), later, 10, func(context.Context, event.Event) error {
		return nil
	})
	if err != nil {
		t.Fatalf("process outbox later: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected 1 row processed later, got %d", processed)
	}
}

func TestPublishOutboxDeadLetterAndRequeue(t *testing.T) {
	store := openTestStore(t, WithPublishOutboxEnabled(true))

	if _, err := store.AppendEvents(context.Background(), "account-1", []event.Event{
		testEvent("evt-1", "account.opened", `{}`),
	}, storage.VersionNoStream); err != nil {
		t.Fatalf("append: %v", err)
	}

	now := time.Now().UTC()
	for attempt := 0; attempt < outboxDeadLetterThreshold; attempt++ {
		processed, err := store.ProcessPublishOutbox(context.Background(), now, 10, func(context.Context, event.Event) error {
			return fmt.Errorf("broker unavailable")
		})
		if err != nil {
			t.Fatalf("process attempt %d: %v", attempt, err)
		}
		if processed != 1 {
			t.Fatalf("attempt %d: expected 1 processed row, got %d", attempt, processed)
		}
		now = now.Add(10 * time.Minute)
	}

	summary, err := store.GetPublishOutboxSummary(context.Background())
	if err != nil {
		t.Fatalf("outbox summary: %v", err)
	}
	if summary.DeadCount != 1 {
		t.Fatalf("expected 1 dead row, got %+v", summary)
	}

	requeued, err := store.RequeuePublishOutboxDeadRows(context.Background(), 10, now)
	if err != nil {
		t.Fatalf("requeue dead rows: %v", err)
	}
	if requeued != 1 {
		t.Fatalf("expected 1 requeued row, got %d", requeued)
	}

	processed, err := store.ProcessPublishOutbox(context.Background(), now, 10, func(context.Context, event.Event) error {
		return nil
	})
	if err != nil {
		t.Fatalf("process after requeue: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected requeued row to deliver, got %d", processed)
	}
}
