package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// RawEventRow is one honeypot event destined for raw_events. Quarantined
// rows carry a nil payload; the bytes live on the matching dead letter row.
type RawEventRow struct {
	IngestID     string
	SourcePath   string
	SourceOffset int64
	SessionID    string
	EventType    string
	EventAt      *time.Time
	Payload      []byte
	Quarantined  bool
	RiskScore    float64
}

// DeadLetterRow is one quarantined input line.
type DeadLetterRow struct {
	IngestID     string
	SourcePath   string
	SourceOffset int64
	Reason       string
	RawPayload   []byte
	Priority     int
}

// SessionUpsert carries one session's aggregate deltas plus the snapshot
// columns derived for this batch. Counters apply additively on conflict;
// snapshot columns and the inventory FK apply through COALESCE and stay
// immutable once set.
type SessionUpsert struct {
	SessionID         string
	Sensor            string
	EventCount        int64
	CommandCount      int64
	FileDownloads     int64
	LoginAttempts     int64
	SSHKeyInjections  int64
	UniqueSSHKeys     []string
	SourceFiles       []string
	SourceIPs         []string
	CanonicalSourceIP string
	FirstEventAt      time.Time
	LastEventAt       time.Time
	HighestRisk       float64
	VTFlagged         bool
	DShieldFlagged    bool
	Enrichment        []byte

	SourceIPFK      *string
	SnapshotASN     *int64
	SnapshotCountry *string
	SnapshotIPType  *string
	EnrichmentAt    *time.Time
}

// Cursor is the resume checkpoint recorded with each batch commit.
type Cursor struct {
	Source     string
	Inode      string
	LastOffset int64
	IngestID   string
	BatchIndex int64
	Sessions   []string
}

// Batch is one transactional unit of the loader commit protocol.
type Batch struct {
	RawEvents   []RawEventRow
	DeadLetters []DeadLetterRow
	Sessions    []SessionUpsert
	Cursor      Cursor
}

// BatchResult reports what the commit actually changed. Conflicting rows
// (reprocessed after a crash) count as neither inserted nor quarantined.
type BatchResult struct {
	EventsInserted    int64
	EventsQuarantined int64
	SessionsTouched   int64
}

const insertRawEventSQL = `
	INSERT INTO raw_events (
		ingest_id, source_path, source_offset, session_id, event_type,
		event_at, payload, quarantined, risk_score
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (source_path, source_offset) DO NOTHING`

const insertDeadLetterSQL = `
	INSERT INTO dead_letter_events (
		ingest_id, source_path, source_offset, reason, raw_payload,
		priority, idempotency_key, payload_checksum
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (idempotency_key) DO NOTHING`

const upsertSessionSQL = `
	INSERT INTO session_summaries (
		session_id, sensor, event_count, command_count, file_downloads,
		login_attempts, ssh_key_injections, unique_ssh_keys, source_files,
		source_ips, canonical_source_ip, first_event_at, last_event_at,
		highest_risk, vt_flagged, dshield_flagged, enrichment, source_ip,
		snapshot_asn, snapshot_country, snapshot_ip_type, enrichment_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		$16, $17, $18, $19, $20, $21, $22
	)
	ON CONFLICT (session_id) DO UPDATE SET
		sensor              = COALESCE(session_summaries.sensor, EXCLUDED.sensor),
		event_count         = session_summaries.event_count + EXCLUDED.event_count,
		command_count       = session_summaries.command_count + EXCLUDED.command_count,
		file_downloads      = session_summaries.file_downloads + EXCLUDED.file_downloads,
		login_attempts      = session_summaries.login_attempts + EXCLUDED.login_attempts,
		ssh_key_injections  = session_summaries.ssh_key_injections + EXCLUDED.ssh_key_injections,
		unique_ssh_keys     = (
			SELECT COALESCE(jsonb_agg(DISTINCT v), '[]'::jsonb)
			FROM jsonb_array_elements_text(session_summaries.unique_ssh_keys || EXCLUDED.unique_ssh_keys) AS t(v)
		),
		source_files        = (
			SELECT COALESCE(jsonb_agg(DISTINCT v), '[]'::jsonb)
			FROM jsonb_array_elements_text(session_summaries.source_files || EXCLUDED.source_files) AS t(v)
		),
		source_ips          = (
			SELECT COALESCE(jsonb_agg(DISTINCT v), '[]'::jsonb)
			FROM jsonb_array_elements_text(session_summaries.source_ips || EXCLUDED.source_ips) AS t(v)
		),
		canonical_source_ip = COALESCE(session_summaries.canonical_source_ip, EXCLUDED.canonical_source_ip),
		first_event_at      = LEAST(session_summaries.first_event_at, EXCLUDED.first_event_at),
		last_event_at       = GREATEST(session_summaries.last_event_at, EXCLUDED.last_event_at),
		highest_risk        = GREATEST(session_summaries.highest_risk, EXCLUDED.highest_risk),
		vt_flagged          = session_summaries.vt_flagged OR EXCLUDED.vt_flagged,
		dshield_flagged     = session_summaries.dshield_flagged OR EXCLUDED.dshield_flagged,
		enrichment          = COALESCE(EXCLUDED.enrichment, session_summaries.enrichment),
		source_ip           = COALESCE(session_summaries.source_ip, EXCLUDED.source_ip),
		snapshot_asn        = COALESCE(session_summaries.snapshot_asn, EXCLUDED.snapshot_asn),
		snapshot_country    = COALESCE(session_summaries.snapshot_country, EXCLUDED.snapshot_country),
		snapshot_ip_type    = COALESCE(session_summaries.snapshot_ip_type, EXCLUDED.snapshot_ip_type),
		enrichment_at       = COALESCE(session_summaries.enrichment_at, EXCLUDED.enrichment_at),
		updated_at          = now()`

const upsertCursorSQL = `
	INSERT INTO ingest_cursors (source, inode, last_offset, ingest_id, batch_index, sessions, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, now())
	ON CONFLICT (source, inode) DO UPDATE SET
		last_offset = GREATEST(ingest_cursors.last_offset, EXCLUDED.last_offset),
		ingest_id   = EXCLUDED.ingest_id,
		batch_index = EXCLUDED.batch_index,
		sessions    = EXCLUDED.sessions,
		updated_at  = now()`

// CommitBatch applies one loader batch atomically: raw events (valid and
// quarantined), dead letters, session summary upserts and the ingest cursor
// all land in a single transaction, or none of them do.
func (s *Store) CommitBatch(ctx context.Context, batch *Batch) (BatchResult, error) {
	var res BatchResult

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return res, fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	pending := &pgx.Batch{}
	for _, ev := range batch.RawEvents {
		var payload any
		if ev.Payload != nil {
			payload = string(ev.Payload)
		}
		pending.Queue(insertRawEventSQL,
			ev.IngestID, ev.SourcePath, ev.SourceOffset,
			nullIfEmpty(ev.SessionID), nullIfEmpty(ev.EventType),
			ev.EventAt, payload, ev.Quarantined, ev.RiskScore)
	}
	for _, dl := range batch.DeadLetters {
		pending.Queue(insertDeadLetterSQL,
			dl.IngestID, dl.SourcePath, dl.SourceOffset, dl.Reason,
			dl.RawPayload, dl.Priority,
			IdempotencyKey(dl.SourcePath, dl.SourceOffset, dl.Reason),
			PayloadChecksum(dl.RawPayload))
	}

	br := tx.SendBatch(ctx, pending)
	for i := 0; i < len(batch.RawEvents); i++ {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return res, fmt.Errorf("failed to insert raw event: %w", err)
		}
		if batch.RawEvents[i].Quarantined {
			res.EventsQuarantined += tag.RowsAffected()
		} else {
			res.EventsInserted += tag.RowsAffected()
		}
	}
	for range batch.DeadLetters {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return res, fmt.Errorf("failed to insert dead letter: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return res, fmt.Errorf("failed to flush batch inserts: %w", err)
	}

	for _, sess := range batch.Sessions {
		var enrichment any
		if sess.Enrichment != nil {
			enrichment = string(sess.Enrichment)
		}
		_, err := tx.Exec(ctx, upsertSessionSQL,
			sess.SessionID, nullIfEmpty(sess.Sensor),
			sess.EventCount, sess.CommandCount, sess.FileDownloads,
			sess.LoginAttempts, sess.SSHKeyInjections,
			jsonStringArray(sess.UniqueSSHKeys), jsonStringArray(sess.SourceFiles),
			jsonStringArray(sess.SourceIPs),
			nullIfEmpty(sess.CanonicalSourceIP),
			sess.FirstEventAt, sess.LastEventAt, sess.HighestRisk,
			sess.VTFlagged, sess.DShieldFlagged, enrichment,
			sess.SourceIPFK, sess.SnapshotASN, sess.SnapshotCountry,
			sess.SnapshotIPType, sess.EnrichmentAt)
		if err != nil {
			return res, fmt.Errorf("failed to upsert session %s: %w", sess.SessionID, err)
		}
		res.SessionsTouched++
	}

	cur := batch.Cursor
	_, err = tx.Exec(ctx, upsertCursorSQL,
		cur.Source, cur.Inode, cur.LastOffset, cur.IngestID, cur.BatchIndex,
		jsonStringArray(cur.Sessions))
	if err != nil {
		return res, fmt.Errorf("failed to record ingest cursor: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("failed to commit batch: %w", err)
	}
	return res, nil
}

// LoadCursor returns the last committed cursor for a source, if any.
func (s *Store) LoadCursor(ctx context.Context, source string) (*Cursor, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT source, inode, last_offset, COALESCE(ingest_id::text, ''), batch_index
		FROM ingest_cursors WHERE source = $1
		ORDER BY updated_at DESC LIMIT 1`, source)

	var cur Cursor
	err := row.Scan(&cur.Source, &cur.Inode, &cur.LastOffset, &cur.IngestID, &cur.BatchIndex)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor for %s: %w", source, err)
	}
	return &cur, nil
}

// IdempotencyKey derives the dead letter uniqueness key from the quarantined
// line's identity. The checksum of the payload is advisory metadata only.
func IdempotencyKey(sourcePath string, sourceOffset int64, reason string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%s", sourcePath, sourceOffset, reason))
	return hex.EncodeToString(sum[:])
}

// PayloadChecksum is the advisory integrity hash stored beside a dead letter.
func PayloadChecksum(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func jsonStringArray(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}
