package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/provenancedb/provenance/internal/chain"
	"github.com/provenancedb/provenance/internal/event"
	"github.com/provenancedb/provenance/internal/identity"
	"github.com/provenancedb/provenance/internal/storage"
)

const eventColumns = "global_pos, stream_id, seq, event_id, cid, prev_cid, event_type, payload, message_id, correlation_id, causation_id, timestamp, actor, signature_key_id, signature"

// AppendEvents atomically appends a batch of events to one stream.
//
// The batch lands with contiguous sequences or not at all. Events whose
// event id is already stored on the stream are skipped and returned in their
// stored form; when every event is a duplicate the call succeeds without the
// expected-version check. Otherwise a mismatched expectedVersion reports
// *storage.ConcurrencyError.
func (s *Store) AppendEvents(ctx context.Context, streamID string, events []event.Event, expectedVersion int64) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(streamID) == "" {
		return nil, fmt.Errorf("stream id is required")
	}
	if len(events) == 0 {
		return nil, nil
	}

	ctx, span := s.tracer.Start(ctx, "sqlite.AppendEvents")
	defer span.End()

	// Validate all events before taking the stream lock.
	validated := make([]event.Event, len(events))
	for i, evt := range events {
		if evt.StreamID != "" && evt.StreamID != streamID {
			return nil, fmt.Errorf("event %d: stream id %q does not match %q", i, evt.StreamID, streamID)
		}
		evt.StreamID = streamID
		v, err := s.registry.ValidateForAppend(evt)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		validated[i] = v
	}

	lock := s.streamLock(streamID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	version, tailCID, err := streamHead(ctx, tx, streamID)
	if err != nil {
		return nil, err
	}

	// Partition out events already stored on this stream so retried batches
	// are idempotent.
	stored := make(map[string]event.Event, len(validated))
	for _, evt := range validated {
		existing, err := getEventByIDTx(ctx, tx, streamID, evt.EventID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		stored[evt.EventID] = existing
	}

	result := make([]event.Event, len(validated))
	fresh := make([]int, 0, len(validated))
	for i, evt := range validated {
		if existing, ok := stored[evt.EventID]; ok {
			result[i] = existing
			continue
		}
		fresh = append(fresh, i)
	}
	if len(fresh) == 0 {
		return result, nil
	}

	if expectedVersion != storage.VersionAny && expectedVersion != version {
		return nil, &storage.ConcurrencyError{StreamID: streamID, Expected: expectedVersion, Actual: version}
	}

	// Verify the stored tail before extending it. A corrupted chain must
	// never be papered over by new writes.
	if version >= 0 {
		tail, err := getEventBySeqTx(ctx, tx, streamID, uint64(version))
		if err != nil {
			return nil, fmt.Errorf("load tail event: %w", err)
		}
		if tail.CID != tailCID {
			return nil, &chain.BrokenChainError{StreamID: streamID, Seq: tail.Seq}
		}
		if err := chain.Verify(tail, tail.PrevCID); err != nil {
			if errors.As(err, new(*chain.BrokenLinkError)) {
				return nil, &chain.BrokenChainError{StreamID: streamID, Seq: tail.Seq}
			}
			return nil, err
		}
	}

	prevCID := tailCID
	seq := version
	for _, i := range fresh {
		evt := validated[i]
		seq++
		evt.Seq = uint64(seq)
		evt.PrevCID = prevCID

		cid, err := chain.Compute(streamID, evt.Type, evt.Payload, prevCID)
		if err != nil {
			return nil, fmt.Errorf("event %d cid: %w", i, err)
		}
		evt.CID = cid

		signature, keyID, err := s.keyring.SignCID(streamID, cid)
		if err != nil {
			return nil, fmt.Errorf("event %d sign cid: %w", i, err)
		}
		evt.Signature = signature
		evt.SignatureKeyID = keyID

		res, err := tx.ExecContext(ctx, `
INSERT INTO events (stream_id, seq, event_id, cid, prev_cid, event_type, payload, message_id, correlation_id, causation_id, timestamp, actor, signature_key_id, signature)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			streamID,
			int64(evt.Seq),
			evt.EventID,
			evt.CID,
			evt.PrevCID,
			string(evt.Type),
			evt.Payload,
			evt.Meta.Identity.MessageID(),
			evt.Meta.Identity.CorrelationID(),
			evt.Meta.Identity.CausationID(),
			toMillis(evt.Meta.Timestamp),
			evt.Meta.Actor,
			evt.SignatureKeyID,
			evt.Signature,
		)
		if err != nil {
			if isConstraintError(err) {
				// Another process appended to this stream between our head
				// read and the insert.
				return nil, &storage.ConcurrencyError{StreamID: streamID, Expected: expectedVersion, Actual: version}
			}
			return nil, fmt.Errorf("append event %d: %w", i, err)
		}
		globalPos, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("event %d global position: %w", i, err)
		}
		evt.GlobalPos = globalPos

		if s.outboxEnabled {
			if err := enqueuePublishOutbox(ctx, tx, evt); err != nil {
				return nil, err
			}
		}

		prevCID = evt.CID
		result[i] = evt
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO stream_heads (stream_id, version, tail_cid, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (stream_id) DO UPDATE SET version = excluded.version, tail_cid = excluded.tail_cid, updated_at = excluded.updated_at`,
		streamID, seq, prevCID, toMillis(time.Now()),
	); err != nil {
		return nil, fmt.Errorf("update stream head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	s.wakeAppendWaiters()

	return result, nil
}

// ListEvents returns events of one stream ordered by sequence ascending,
// starting at fromSeq.
func (s *Store) ListEvents(ctx context.Context, streamID string, fromSeq uint64, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(streamID) == "" {
		return nil, fmt.Errorf("stream id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE stream_id = ? AND seq >= ? ORDER BY seq ASC LIMIT ?",
		streamID, int64(fromSeq), int64(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// ListEventsGlobal returns events across all streams ordered by global
// position, strictly after afterPos.
func (s *Store) ListEventsGlobal(ctx context.Context, afterPos int64, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE global_pos > ? ORDER BY global_pos ASC LIMIT ?",
		afterPos, int64(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list events global: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// ListEventsByCorrelation returns every event sharing a correlation id,
// across streams, ordered by global position.
func (s *Store) ListEventsByCorrelation(ctx context.Context, correlationID string, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(correlationID) == "" {
		return nil, fmt.Errorf("correlation id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE correlation_id = ? ORDER BY global_pos ASC LIMIT ?",
		correlationID, int64(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list events by correlation: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// GetEventBySeq retrieves a single event by stream and sequence.
func (s *Store) GetEventBySeq(ctx context.Context, streamID string, seq uint64) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if s == nil || s.sqlDB == nil {
		return event.Event{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(streamID) == "" {
		return event.Event{}, fmt.Errorf("stream id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE stream_id = ? AND seq = ?",
		streamID, int64(seq),
	)
	evt, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return event.Event{}, storage.ErrNotFound
		}
		return event.Event{}, fmt.Errorf("get event by seq: %w", err)
	}
	return evt, nil
}

// GetEventByID retrieves a single event by stream and event id.
func (s *Store) GetEventByID(ctx context.Context, streamID, eventID string) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if s == nil || s.sqlDB == nil {
		return event.Event{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(streamID) == "" {
		return event.Event{}, fmt.Errorf("stream id is required")
	}
	if strings.TrimSpace(eventID) == "" {
		return event.Event{}, fmt.Errorf("event id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE stream_id = ? AND event_id = ?",
		streamID, eventID,
	)
	evt, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return event.Event{}, storage.ErrNotFound
		}
		return event.Event{}, fmt.Errorf("get event by id: %w", err)
	}
	return evt, nil
}

// CurrentVersion returns the highest assigned sequence of a stream, or
// storage.VersionNoStream when the stream has no events.
func (s *Store) CurrentVersion(ctx context.Context, streamID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(streamID) == "" {
		return 0, fmt.Errorf("stream id is required")
	}

	var version int64
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT version FROM stream_heads WHERE stream_id = ?", streamID,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.VersionNoStream, nil
		}
		return 0, fmt.Errorf("get stream version: %w", err)
	}
	return version, nil
}

// LatestCID returns the CID of the stream's tail event, or "" when empty.
func (s *Store) LatestCID(ctx context.Context, streamID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s == nil || s.sqlDB == nil {
		return "", fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(streamID) == "" {
		return "", fmt.Errorf("stream id is required")
	}

	var tailCID string
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT tail_cid FROM stream_heads WHERE stream_id = ?", streamID,
	).Scan(&tailCID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get stream tail cid: %w", err)
	}
	return tailCID, nil
}

// VerifyStream walks one stream from sequence zero and checks contiguity,
// chain linkage, recomputed CIDs, and HMAC signatures.
func (s *Store) VerifyStream(ctx context.Context, streamID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(streamID) == "" {
		return fmt.Errorf("stream id is required")
	}

	var (
		nextSeq uint64
		prevCID string
	)
	for {
		events, err := s.ListEvents(ctx, streamID, nextSeq, 200)
		if err != nil {
			return fmt.Errorf("list events stream_id=%s: %w", streamID, err)
		}
		if len(events) == 0 {
			return nil
		}
		for _, evt := range events {
			if evt.Seq != nextSeq {
				return fmt.Errorf("event sequence gap stream_id=%s expected=%d got=%d", streamID, nextSeq, evt.Seq)
			}
			if err := chain.Verify(evt, prevCID); err != nil {
				return err
			}
			if err := s.keyring.VerifyCID(streamID, evt.CID, evt.Signature, evt.SignatureKeyID); err != nil {
				return fmt.Errorf("signature mismatch stream_id=%s seq=%d: %w", streamID, evt.Seq, err)
			}
			prevCID = evt.CID
			nextSeq = evt.Seq + 1
		}
	}
}

// VerifyAllStreams verifies every stream in the journal.
func (s *Store) VerifyAllStreams(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	streamIDs, err := s.listStreamIDs(ctx)
	if err != nil {
		return err
	}
	for _, streamID := range streamIDs {
		if err := s.VerifyStream(ctx, streamID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) listStreamIDs(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, "SELECT DISTINCT stream_id FROM events ORDER BY stream_id")
	if err != nil {
		return nil, fmt.Errorf("list stream ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stream id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stream ids: %w", err)
	}
	return ids, nil
}

// Transaction-scoped helpers

func streamHead(ctx context.Context, tx *sql.Tx, streamID string) (int64, string, error) {
	var (
		version int64
		tailCID string
	)
	err := tx.QueryRowContext(ctx,
		"SELECT version, tail_cid FROM stream_heads WHERE stream_id = ?", streamID,
	).Scan(&version, &tailCID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.VersionNoStream, "", nil
		}
		return 0, "", fmt.Errorf("get stream head: %w", err)
	}
	return version, tailCID, nil
}

func getEventByIDTx(ctx context.Context, tx *sql.Tx, streamID, eventID string) (event.Event, error) {
	row := tx.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE stream_id = ? AND event_id = ?",
		streamID, eventID,
	)
	evt, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return event.Event{}, storage.ErrNotFound
		}
		return event.Event{}, fmt.Errorf("get event by id: %w", err)
	}
	return evt, nil
}

func getEventBySeqTx(ctx context.Context, tx *sql.Tx, streamID string, seq uint64) (event.Event, error) {
	row := tx.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE stream_id = ? AND seq = ?",
		streamID, int64(seq),
	)
	evt, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return event.Event{}, storage.ErrNotFound
		}
		return event.Event{}, err
	}
	return evt, nil
}

// Row conversion helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (event.Event, error) {
	var (
		evt           event.Event
		seq           int64
		timestamp     int64
		eventType     string
		messageID     string
		correlationID string
		causationID   string
	)
	if err := row.Scan(
		&evt.GlobalPos,
		&evt.StreamID,
		&seq,
		&evt.EventID,
		&evt.CID,
		&evt.PrevCID,
		&eventType,
		&evt.Payload,
		&messageID,
		&correlationID,
		&causationID,
		&timestamp,
		&evt.Meta.Actor,
		&evt.SignatureKeyID,
		&evt.Signature,
	); err != nil {
		return event.Event{}, err
	}

	ident, err := identity.Restore(messageID, correlationID, causationID)
	if err != nil {
		return event.Event{}, fmt.Errorf("restore identity stream_id=%s seq=%d: %w", evt.StreamID, seq, err)
	}

	evt.Seq = uint64(seq)
	evt.Type = event.Type(eventType)
	evt.Meta.Identity = ident
	evt.Meta.Timestamp = fromMillis(timestamp)
	return evt, nil
}

func collectEvents(rows *sql.Rows) ([]event.Event, error) {
	var events []event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
