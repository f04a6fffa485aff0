package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/provenancedb/provenance/internal/event"
	"github.com/provenancedb/provenance/internal/identity"
	"github.com/provenancedb/provenance/internal/storage/integrity"
)

func testKeyring(t *testing.T) *integrity.Keyring {
	t.Helper()
	keyring, err := integrity.NewKeyring(
		map[string][]byte{"test-key-1": []byte("0123456789abcdef0123456789abcdef")},
		"test-key-1",
	)
	if err != nil {
		t.Fatalf("create test keyring: %v", err)
	}
	return keyring
}

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.sqlite")
	store, err := Open(path, testKeyring(t), event.NewRegistry(), opts...)
	if err != nil {
		t.Fatalf("open journal store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close journal store: %v", err)
		}
	})
	return store
}

func testEvent(eventID string, typ event.Type, payload string) event.Event {
	return event.Event{
		EventID: eventID,
		Type:    typ,
		Payload: []byte(payload),
		Meta: event.Metadata{
			Identity:  identity.NewRoot(),
			Timestamp: time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC),
			Actor:     "svc:test",
		},
	}
}
