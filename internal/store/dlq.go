package store

import (
	"context"
	"fmt"
	"time"
)

// DeadLetter is one row handed to the DLQ processor while it holds the
// processing lock.
type DeadLetter struct {
	ID           int64
	IngestID     string
	SourcePath   string
	SourceOffset int64
	Reason       string
	RawPayload   []byte
	RetryCount   int
	Priority     int
	CreatedAt    time.Time
}

// AcquireDeadLetters locks and returns up to limit unresolved rows in
// (priority, created_at) order. Rows whose previous lock expired are fair
// game, which is how work from crashed workers is recovered. The returned
// lock token must accompany every follow-up write.
func (s *Store) AcquireDeadLetters(ctx context.Context, lockToken string, lockTTL time.Duration, limit int) ([]DeadLetter, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE dead_letter_events SET
			processing_lock = $1,
			lock_expires_at = now() + $2,
			updated_at      = now()
		WHERE id IN (
			SELECT id FROM dead_letter_events
			WHERE NOT resolved
			  AND (processing_lock IS NULL OR lock_expires_at < now())
			ORDER BY priority ASC, created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, COALESCE(ingest_id::text, ''), source_path, source_offset,
		          reason, raw_payload, retry_count, priority, created_at`,
		lockToken, lockTTL, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		err := rows.Scan(&dl.ID, &dl.IngestID, &dl.SourcePath, &dl.SourceOffset,
			&dl.Reason, &dl.RawPayload, &dl.RetryCount, &dl.Priority, &dl.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// ResolveDeadLetter marks a locked row as resolved and releases the lock.
func (s *Store) ResolveDeadLetter(ctx context.Context, id int64, lockToken string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dead_letter_events SET
			resolved        = TRUE,
			processing_lock = NULL,
			lock_expires_at = NULL,
			updated_at      = now()
		WHERE id = $1 AND processing_lock = $2`, id, lockToken)
	if err != nil {
		return fmt.Errorf("failed to resolve dead letter %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dead letter %d lock lost before resolve", id)
	}
	return nil
}

// FailDeadLetter appends to the row's error history, bumps the retry count
// and releases the lock so a later pass can try again.
func (s *Store) FailDeadLetter(ctx context.Context, id int64, lockToken, errorClass, message string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dead_letter_events SET
			retry_count     = retry_count + 1,
			error_history   = error_history || jsonb_build_array(jsonb_build_object(
				'timestamp', to_char(now() AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS"Z"'),
				'error_class', $3::text,
				'message', $4::text
			)),
			processing_lock = NULL,
			lock_expires_at = NULL,
			updated_at      = now()
		WHERE id = $1 AND processing_lock = $2`, id, lockToken, errorClass, message)
	if err != nil {
		return fmt.Errorf("failed to record dead letter failure %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dead letter %d lock lost before failure record", id)
	}
	return nil
}

// ReplayRawEvent inserts a repaired event from the DLQ back into raw_events.
// The original (source_path, source_offset) identity is preserved so the
// insert stays idempotent against the quarantined placeholder row.
func (s *Store) ReplayRawEvent(ctx context.Context, ev RawEventRow) error {
	var payload any
	if ev.Payload != nil {
		payload = string(ev.Payload)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO raw_events (
			ingest_id, source_path, source_offset, session_id, event_type,
			event_at, payload, quarantined, risk_score
		) VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
		ON CONFLICT (source_path, source_offset) DO UPDATE SET
			session_id  = EXCLUDED.session_id,
			event_type  = EXCLUDED.event_type,
			event_at    = EXCLUDED.event_at,
			payload     = EXCLUDED.payload,
			quarantined = FALSE,
			risk_score  = EXCLUDED.risk_score`,
		ev.IngestID, ev.SourcePath, ev.SourceOffset,
		nullIfEmpty(ev.SessionID), nullIfEmpty(ev.EventType),
		ev.EventAt, payload, ev.RiskScore)
	if err != nil {
		return fmt.Errorf("failed to replay raw event %s@%d: %w", ev.SourcePath, ev.SourceOffset, err)
	}
	return nil
}

// DLQStats summarizes queue health for metrics and the status command.
type DLQStats struct {
	Depth        int64
	OldestUnres  *time.Time
	ByReason     map[string]int64
	ResolvedLast int64
}

func (s *Store) DLQStatistics(ctx context.Context) (DLQStats, error) {
	stats := DLQStats{ByReason: make(map[string]int64)}

	err := s.pool.QueryRow(ctx, `
		SELECT count(*), min(created_at)
		FROM dead_letter_events WHERE NOT resolved`).Scan(&stats.Depth, &stats.OldestUnres)
	if err != nil {
		return stats, fmt.Errorf("failed to read dlq depth: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT reason, count(*) FROM dead_letter_events
		WHERE NOT resolved GROUP BY reason`)
	if err != nil {
		return stats, fmt.Errorf("failed to read dlq reasons: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var reason string
		var n int64
		if err := rows.Scan(&reason, &n); err != nil {
			return stats, fmt.Errorf("failed to scan dlq reason: %w", err)
		}
		stats.ByReason[reason] = n
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	err = s.pool.QueryRow(ctx, `
		SELECT count(*) FROM dead_letter_events
		WHERE resolved AND updated_at > now() - interval '24 hours'`).Scan(&stats.ResolvedLast)
	if err != nil {
		return stats, fmt.Errorf("failed to read dlq resolved count: %w", err)
	}
	return stats, nil
}
