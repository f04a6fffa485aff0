package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/provenancedb/provenance/internal/event"
	"github.com/provenancedb/provenance/internal/storage"
)

// Publish outbox methods
//
// Appends enqueue one row per event in the append transaction; a relay
// claims due rows, publishes the stored event, and deletes the row. Rows
// that keep failing move to 'dead' and stay for operator requeue.

const (
	outboxDeadLetterThreshold = 8
	outboxProcessingLease     = 2 * time.Minute
)

func enqueuePublishOutbox(ctx context.Context, tx *sql.Tx, evt event.Event) error {
	enqueuedAt := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO publish_outbox (stream_id, seq, event_type, status, attempt_count, next_attempt_at, last_error, updated_at)
VALUES (?, ?, ?, 'pending', 0, ?, '', ?)
ON CONFLICT (stream_id, seq) DO NOTHING`,
		evt.StreamID,
		int64(evt.Seq),
		string(evt.Type),
		toMillis(enqueuedAt),
		toMillis(enqueuedAt),
	); err != nil {
		return fmt.Errorf("enqueue publish outbox: %w", err)
	}
	return nil
}

// PublishOutboxSummary reports outbox depth by status and the oldest
// retry-eligible row.
type PublishOutboxSummary struct {
	PendingCount          int
	ProcessingCount       int
	FailedCount           int
	DeadCount             int
	OldestPendingStreamID string
	OldestPendingSeq      uint64
	OldestPendingAt       time.Time
}

// GetPublishOutboxSummary returns queue depth by status and the oldest
// pending/failed row metadata.
func (s *Store) GetPublishOutboxSummary(ctx context.Context) (PublishOutboxSummary, error) {
	if err := ctx.Err(); err != nil {
		return PublishOutboxSummary{}, err
	}
	if s == nil || s.sqlDB == nil {
		return PublishOutboxSummary{}, fmt.Errorf("storage is not configured")
	}

	summary := PublishOutboxSummary{}
	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM publish_outbox GROUP BY status",
	)
	if err != nil {
		return PublishOutboxSummary{}, fmt.Errorf("query outbox summary counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return PublishOutboxSummary{}, fmt.Errorf("scan outbox summary count: %w", err)
		}
		switch strings.ToLower(strings.TrimSpace(status)) {
		case "pending":
			summary.PendingCount = count
		case "processing":
			summary.ProcessingCount = count
		case "failed":
			summary.FailedCount = count
		case "dead":
			summary.DeadCount = count
		}
	}
	if err := rows.Err(); err != nil {
		return PublishOutboxSummary{}, fmt.Errorf("iterate outbox summary counts: %w", err)
	}

	var (
		streamID    string
		seq         int64
		nextAttempt int64
	)
	err = s.sqlDB.QueryRowContext(ctx, `
SELECT stream_id, seq, next_attempt_at
FROM publish_outbox
WHERE status IN ('pending', 'failed')
ORDER BY next_attempt_at ASC, seq ASC
LIMIT 1`,
	).Scan(&streamID, &seq, &nextAttempt)
	if err == nil {
		summary.OldestPendingStreamID = streamID
		summary.OldestPendingSeq = uint64(seq)
		summary.OldestPendingAt = fromMillis(nextAttempt)
		return summary, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return summary, nil
	}
	return PublishOutboxSummary{}, fmt.Errorf("query oldest pending outbox row: %w", err)
}

// ProcessPublishOutbox claims due outbox rows and publishes the stored
// events through the provided callback. Successful rows are removed.
func (s *Store) ProcessPublishOutbox(
	ctx context.Context,
	now time.Time,
	limit int,
	publish func(context.Context, event.Event) error,
) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if publish == nil {
		return 0, fmt.Errorf("publish callback is required")
	}
	if limit <= 0 {
		return 0, nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	rows, err := s.claimPublishOutboxDue(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, row := range rows {
		storedEvent, loadErr := s.GetEventBySeq(ctx, row.StreamID, row.Seq)
		if loadErr != nil {
			attempt := row.AttemptCount + 1
			nextAttempt := now.Add(outboxRetryBackoff(attempt))
			if err := s.markPublishOutboxRetry(ctx, row, now, attempt, nextAttempt, fmt.Sprintf("load event: %v", loadErr)); err != nil {
				return processed, err
			}
			processed++
			continue
		}

		if publishErr := publish(ctx, storedEvent); publishErr != nil {
			attempt := row.AttemptCount + 1
			nextAttempt := now.Add(outboxRetryBackoff(attempt))
			if err := s.markPublishOutboxRetry(ctx, row, now, attempt, nextAttempt, fmt.Sprintf("publish event: %v", publishErr)); err != nil {
				return processed, err
			}
			processed++
			continue
		}

		if err := s.completePublishOutboxRow(ctx, row); err != nil {
			return processed, err
		}
		processed++
	}

	return processed, nil
}

func (s *Store) claimPublishOutboxDue(ctx context.Context, now time.Time, limit int) ([]storage.OutboxEntry, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin outbox claim tx: %w", err)
	}
	defer tx.Rollback()

	staleBefore := now.Add(-outboxProcessingLease)
	rows, err := tx.QueryContext(ctx, `
SELECT stream_id, seq, event_type, attempt_count
FROM publish_outbox
WHERE (
    status IN ('pending', 'failed') AND next_attempt_at <= ?
) OR (
    status = 'processing' AND updated_at <= ?
)
ORDER BY next_attempt_at, seq
LIMIT ?`,
		toMillis(now),
		toMillis(staleBefore),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due outbox rows: %w", err)
	}
	defer rows.Close()

	candidates := make([]storage.OutboxEntry, 0, limit)
	for rows.Next() {
		var (
			entry     storage.OutboxEntry
			seq       int64
			eventType string
		)
		if err := rows.Scan(&entry.StreamID, &seq, &eventType, &entry.AttemptCount); err != nil {
			return nil, fmt.Errorf("scan due outbox row: %w", err)
		}
		entry.Seq = uint64(seq)
		entry.EventType = event.Type(eventType)
		candidates = append(candidates, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due outbox rows: %w", err)
	}

	claimed := make([]storage.OutboxEntry, 0, len(candidates))
	for _, candidate := range candidates {
		result, err := tx.ExecContext(ctx, `
UPDATE publish_outbox
SET status = 'processing', updated_at = ?
WHERE stream_id = ? AND seq = ?
  AND (
    (status IN ('pending', 'failed') AND next_attempt_at <= ?)
    OR (status = 'processing' AND updated_at <= ?)
  )`,
			toMillis(now),
			candidate.StreamID,
			int64(candidate.Seq),
			toMillis(now),
			toMillis(staleBefore),
		)
		if err != nil {
			return nil, fmt.Errorf("claim outbox row %s/%d: %w", candidate.StreamID, candidate.Seq, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim outbox row rows affected %s/%d: %w", candidate.StreamID, candidate.Seq, err)
		}
		if affected == 1 {
			claimed = append(claimed, candidate)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit outbox claim tx: %w", err)
	}
	return claimed, nil
}

func (s *Store) markPublishOutboxRetry(ctx context.Context, row storage.OutboxEntry, now time.Time, attempt int, nextAttempt time.Time, lastError string) error {
	status := "failed"
	if attempt >= outboxDeadLetterThreshold {
		status = "dead"
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE publish_outbox
SET status = ?, attempt_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
WHERE stream_id = ? AND seq = ? AND status = 'processing'`,
		status,
		attempt,
		toMillis(nextAttempt),
		lastError,
		toMillis(now),
		row.StreamID,
		int64(row.Seq),
	)
	if err != nil {
		return fmt.Errorf("mark outbox retry for row %s/%d: %w", row.StreamID, row.Seq, err)
	}
	return ensurePublishOutboxSingleRow(result, row, "mark outbox retry for row", "updated")
}

func (s *Store) completePublishOutboxRow(ctx context.Context, row storage.OutboxEntry) error {
	result, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM publish_outbox WHERE stream_id = ? AND seq = ? AND status = 'processing'",
		row.StreamID,
		int64(row.Seq),
	)
	if err != nil {
		return fmt.Errorf("complete outbox row %s/%d: %w", row.StreamID, row.Seq, err)
	}
	return ensurePublishOutboxSingleRow(result, row, "complete outbox row", "deleted")
}

func ensurePublishOutboxSingleRow(result sql.Result, row storage.OutboxEntry, operation, verb string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected %s/%d: %w", operation, row.StreamID, row.Seq, err)
	}
	if affected != 1 {
		return fmt.Errorf("%s %s/%d: expected 1 row %s, got %d", operation, row.StreamID, row.Seq, verb, affected)
	}
	return nil
}

// RequeuePublishOutboxDeadRows transitions up to limit dead outbox rows back
// to pending in deterministic retry order.
func (s *Store) RequeuePublishOutboxDeadRows(ctx context.Context, limit int, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return 0, fmt.Errorf("outbox requeue limit must be greater than zero")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	result, err := s.sqlDB.ExecContext(ctx, `
WITH to_requeue AS (
    SELECT stream_id, seq
    FROM publish_outbox
    WHERE status = 'dead'
    ORDER BY next_attempt_at ASC, seq ASC
    LIMIT ?
)
UPDATE publish_outbox
SET status = 'pending', attempt_count = 0, next_attempt_at = ?, last_error = '', updated_at = ?
WHERE status = 'dead'
  AND EXISTS (
      SELECT 1 FROM to_requeue
      WHERE to_requeue.stream_id = publish_outbox.stream_id
        AND to_requeue.seq = publish_outbox.seq
  )`,
		limit,
		toMillis(now),
		toMillis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue dead outbox rows: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue dead outbox rows affected: %w", err)
	}
	return int(affected), nil
}

func outboxRetryBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	backoff := time.Second << (attempt - 1)
	if backoff > 5*time.Minute {
		return 5 * time.Minute
	}
	return backoff
}
