package aggregate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/provenancedb/provenance/internal/blob"
	"github.com/provenancedb/provenance/internal/chain"
	"github.com/provenancedb/provenance/internal/event"
	"github.com/provenancedb/provenance/internal/identity"
	"github.com/provenancedb/provenance/internal/snapshot"
	"github.com/provenancedb/provenance/internal/storage"
	"github.com/provenancedb/provenance/internal/storage/integrity"
	"github.com/provenancedb/provenance/internal/storage/sqlite"
)

type account struct {
	Owner  string `json:"owner"`
	Amount int    `json:"amount"`
}

type accountFolder struct{}

func (accountFolder) New() any { return account{} }

func (accountFolder) Apply(state any, evt event.Event) (any, error) {
	acct, ok := state.(account)
	if !ok {
		return nil, fmt.Errorf("unexpected state type %T", state)
	}
	switch evt.Type {
	case "account.opened":
		var payload struct {
			Owner string `json:"owner"`
		}
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			return nil, err
		}
		acct.Owner = payload.Owner
	case "account.credited":
		var payload struct {
			Amount int `json:"amount"`
		}
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			return nil, err
		}
		acct.Amount += payload.Amount
	case "account.debited":
		var payload struct {
			Amount int `json:"amount"`
		}
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			return nil, err
		}
		acct.Amount -= payload.Amount
	default:
		return nil, fmt.Errorf("unknown event type %q", evt.Type)
	}
	return acct, nil
}

func (accountFolder) Marshal(state any) ([]byte, error) {
	return json.Marshal(state)
}

func (accountFolder) Unmarshal(data []byte) (any, error) {
	var acct account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, err
	}
	return acct, nil
}

func openJournal(t *testing.T) *sqlite.Store {
	store, _ := openJournalAt(t)
	return store
}

func openJournalAt(t *testing.T) (*sqlite.Store, string) {
	t.Helper()
	keyring, err := integrity.NewKeyring(
		map[string][]byte{"test-key-1": []byte("0123456789abcdef0123456789abcdef")},
		"test-key-1",
	)
	if err != nil {
		t.Fatalf("create keyring: %v", err)
	}
	path := filepath.Join(t.TempDir(), "journal.sqlite")
	store, err := sqlite.Open(path, keyring, event.NewRegistry())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close journal: %v", err)
		}
	})
	return store, path
}

func testEvent(eventID string, typ event.Type, payload string) event.Event {
	return event.Event{
		EventID: eventID,
		Type:    typ,
		Payload: []byte(payload),
		Meta: event.Metadata{
			Identity:  identity.NewRoot(),
			Timestamp: time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC),
		},
	}
}

func seedAccountStream(t *testing.T, store *sqlite.Store, streamID string) []event.Event {
	t.Helper()
	stored, err := store.AppendEvents(context.Background(), streamID, []event.Event{
		testEvent("evt-1", "account.opened", `{"owner":"ada"}`),
		testEvent("evt-2", "account.credited", `{"amount":10}`),
		testEvent("evt-3", "account.debited", `{"amount":3}`),
	}, storage.VersionNoStream)
	if err != nil {
		t.Fatalf("seed stream: %v", err)
	}
	return stored
}

func TestLoadEmptyStream(t *testing.T) {
	store := openJournal(t)
	loader, err := NewLoader(store, accountFolder{}, event.NewRegistry())
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}

	result, err := loader.Load(context.Background(), "account-empty")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if result.Version != storage.VersionNoStream {
		t.Fatalf("expected no-stream version, got %d", result.Version)
	}
	if result.Replayed != 0 {
		t.Fatalf("expected nothing replayed, got %d", result.Replayed)
	}
	if !reflect.DeepEqual(result.State, account{}) {
		t.Fatalf("expected empty state, got %+v", result.State)
	}
}

func TestLoadFoldsEventsInOrder(t *testing.T) {
	store := openJournal(t)
	stored := seedAccountStream(t, store, "account-1")

	loader, err := NewLoader(store, accountFolder{}, event.NewRegistry())
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}

	result, err := loader.Load(context.Background(), "account-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if result.Version != 2 {
		t.Fatalf("expected version 2, got %d", result.Version)
	}
	if result.TailCID != stored[2].CID {
		t.Fatalf("expected tail cid %q, got %q", stored[2].CID, result.TailCID)
	}
	want := account{Owner: "ada", Amount: 7}
	if !reflect.DeepEqual(result.State, want) {
		t.Fatalf("expected state %+v, got %+v", want, result.State)
	}
}

func TestLoadIsDeterministic(t *testing.T) {
	store := openJournal(t)
	seedAccountStream(t, store, "account-1")

	loader, err := NewLoader(store, accountFolder{}, event.NewRegistry())
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}

	first, err := loader.Load(context.Background(), "account-1")
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	second, err := loader.Load(context.Background(), "account-1")
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if !reflect.DeepEqual(first.State, second.State) || first.Version != second.Version {
		t.Fatal("expected repeated loads to produce identical results")
	}
}

func TestLoadVersionPointInTime(t *testing.T) {
	store := openJournal(t)
	seedAccountStream(t, store, "account-1")

	loader, err := NewLoader(store, accountFolder{}, event.NewRegistry())
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}

	result, err := loader.LoadVersion(context.Background(), "account-1", 1)
	if err != nil {
		t.Fatalf("load version: %v", err)
	}
	if result.Version != 1 {
		t.Fatalf("expected version 1, got %d", result.Version)
	}
	want := account{Owner: "ada", Amount: 10}
	if !reflect.DeepEqual(result.State, want) {
		t.Fatalf("expected state %+v, got %+v", want, result.State)
	}
}

func newSnapshotService(t *testing.T, store *sqlite.Store, blobs blob.Store) *snapshot.Service {
	t.Helper()
	service, err := snapshot.NewService(store, blobs, snapshot.Policy{EventThreshold: 1})
	if err != nil {
		t.Fatalf("new snapshot service: %v", err)
	}
	return service
}

func TestLoadWithSnapshotFastForward(t *testing.T) {
	store := openJournal(t)
	stored := seedAccountStream(t, store, "account-1")

	blobs := blob.NewMemoryStore()
	snapshots := newSnapshotService(t, store, blobs)

	// Snapshot the state at version 1.
	state, err := json.Marshal(account{Owner: "ada", Amount: 10})
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	if err := snapshots.Record(context.Background(), "account-1", 1, stored[1].CID, state); err != nil {
		t.Fatalf("record snapshot: %v", err)
	}

	loader, err := NewLoader(store, accountFolder{}, event.NewRegistry(), WithSnapshots(snapshots))
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}

	result, err := loader.Load(context.Background(), "account-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if result.Replayed != 1 {
		t.Fatalf("expected 1 replayed event after fast-forward, got %d", result.Replayed)
	}

	// Snapshot use is an optimization only: same outcome as a full replay.
	full, err := NewLoader(store, accountFolder{}, event.NewRegistry())
	if err != nil {
		t.Fatalf("new full loader: %v", err)
	}
	fullResult, err := full.Load(context.Background(), "account-1")
	if err != nil {
		t.Fatalf("full load: %v", err)
	}
	if !reflect.DeepEqual(result.State, fullResult.State) || result.Version != fullResult.Version {
		t.Fatal("expected snapshot load to match full replay")
	}
}

func TestLoadLostSnapshotBlobFallsBackToFullReplay(t *testing.T) {
	store := openJournal(t)
	stored := seedAccountStream(t, store, "account-1")

	blobs := blob.NewMemoryStore()
	snapshots := newSnapshotService(t, store, blobs)

	state, err := json.Marshal(account{Owner: "ada", Amount: 10})
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	if err := snapshots.Record(context.Background(), "account-1", 1, stored[1].CID, state); err != nil {
		t.Fatalf("record snapshot: %v", err)
	}
	if err := blobs.Delete(context.Background(), snapshot.Ref("account-1", 1)); err != nil {
		t.Fatalf("delete blob: %v", err)
	}

	loader, err := NewLoader(store, accountFolder{}, event.NewRegistry(), WithSnapshots(snapshots))
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}

	result, err := loader.Load(context.Background(), "account-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if result.Replayed != 3 {
		t.Fatalf("expected full replay of 3 events, got %d", result.Replayed)
	}
	want := account{Owner: "ada", Amount: 7}
	if !reflect.DeepEqual(result.State, want) {
		t.Fatalf("expected state %+v, got %+v", want, result.State)
	}
}

func TestLoadApplyErrorReportsReplayError(t *testing.T) {
	store := openJournal(t)

	evt := testEvent("evt-1", "account.unknown", `{}`)
	stored, err := store.AppendEvents(context.Background(), "account-1", []event.Event{evt}, storage.VersionNoStream)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	loader, err := NewLoader(store, accountFolder{}, event.NewRegistry())
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}

	_, err = loader.Load(context.Background(), "account-1")
	var replayErr *storage.ReplayError
	if !errors.As(err, &replayErr) {
		t.Fatalf("expected replay error, got %v", err)
	}
	if replayErr.StreamID != "account-1" || replayErr.Seq != 0 {
		t.Fatalf("unexpected replay coordinates: %s/%d", replayErr.StreamID, replayErr.Seq)
	}
	if replayErr.MessageID != stored[0].Meta.Identity.MessageID() {
		t.Fatal("expected offending message id to be preserved")
	}
}

func TestLoadDetectsTamperedChain(t *testing.T) {
	store, path := openJournalAt(t)
	seedAccountStream(t, store, "account-1")

	// Tamper through a second connection, bypassing the store.
	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	defer raw.Close()
	if _, err := raw.Exec(
		"UPDATE events SET payload = ? WHERE stream_id = ? AND seq = 1",
		[]byte(`{"amount":9999}`), "account-1",
	); err != nil {
		t.Fatalf("tamper payload: %v", err)
	}

	loader, err := NewLoader(store, accountFolder{}, event.NewRegistry())
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}

	_, err = loader.Load(context.Background(), "account-1")
	var broken *chain.BrokenChainError
	if !errors.As(err, &broken) {
		t.Fatalf("expected broken chain error, got %v", err)
	}
}

func TestMaybeSnapshotWritesAtThreshold(t *testing.T) {
	store := openJournal(t)
	seedAccountStream(t, store, "account-1")

	blobs := blob.NewMemoryStore()
	snapshots, err := snapshot.NewService(store, blobs, snapshot.Policy{EventThreshold: 3})
	if err != nil {
		t.Fatalf("new snapshot service: %v", err)
	}

	loader, err := NewLoader(store, accountFolder{}, event.NewRegistry(), WithSnapshots(snapshots))
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}

	result, err := loader.Load(context.Background(), "account-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	written, err := loader.MaybeSnapshot(context.Background(), result)
	if err != nil {
		t.Fatalf("maybe snapshot: %v", err)
	}
	if !written {
		t.Fatal("expected snapshot at threshold")
	}

	// The next load fast-forwards from the snapshot.
	next, err := loader.Load(context.Background(), "account-1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if next.Replayed != 0 {
		t.Fatalf("expected snapshot to cover the stream, replayed %d", next.Replayed)
	}
	if !reflect.DeepEqual(next.State, result.State) {
		t.Fatal("expected identical state after snapshot fast-forward")
	}
}
