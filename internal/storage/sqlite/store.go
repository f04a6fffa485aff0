// Package sqlite implements the journal, snapshot, checkpoint, and outbox
// stores on a single SQLite database.
package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/provenancedb/provenance/internal/event"
	"github.com/provenancedb/provenance/internal/platform/storage/sqlitemigrate"
	"github.com/provenancedb/provenance/internal/storage/integrity"
	"github.com/provenancedb/provenance/internal/storage/sqlite/migrations"
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store provides a SQLite-backed journal store.
//
// One Store owns the canonical log: sequence allocation, chain extension,
// and the expected-version check are serialized per stream, while reads and
// writers of unrelated streams proceed concurrently.
type Store struct {
	sqlDB         *sql.DB
	keyring       *integrity.Keyring
	registry      *event.Registry
	outboxEnabled bool
	tracer        trace.Tracer

	locksMu     sync.Mutex
	streamLocks map[string]*sync.Mutex

	notifyMu sync.Mutex
	notifyCh chan struct{}
}

// Option configures store behavior.
type Option func(*Store)

// WithPublishOutboxEnabled toggles enqueueing publish work for appended
// events in the same transaction.
func WithPublishOutboxEnabled(enabled bool) Option {
	return func(s *Store) {
		s.outboxEnabled = enabled
	}
}

// Open opens a SQLite journal store at the provided path.
//
// Integrity key material and the event registry are wired here so every
// appended event is consistently validated, hashed, and signed in one place.
func Open(path string, keyring *integrity.Keyring, registry *event.Registry, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if keyring == nil {
		return nil, fmt.Errorf("event integrity keyring is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("event registry is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.JournalFS, "journal"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	store := &Store{
		sqlDB:       sqlDB,
		keyring:     keyring,
		registry:    registry,
		tracer:      otel.Tracer("provenancedb/provenance/storage/sqlite"),
		streamLocks: make(map[string]*sync.Mutex),
		notifyCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// Close closes the underlying SQLite database.
//
// Close is nil-safe so callers can defer it in all startup paths.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// streamLock returns the append mutex for one stream.
func (s *Store) streamLock(streamID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.streamLocks[streamID]
	if !ok {
		lock = &sync.Mutex{}
		s.streamLocks[streamID] = lock
	}
	return lock
}

// AppendNotifications returns a channel closed after the next successful
// append. Live-tail consumers must re-acquire the channel before each wait.
func (s *Store) AppendNotifications() <-chan struct{} {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	return s.notifyCh
}

func (s *Store) wakeAppendWaiters() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	close(s.notifyCh)
	s.notifyCh = make(chan struct{})
}
