package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/meridianlabs/trapline/internal/events"
	"github.com/meridianlabs/trapline/internal/metrics"
	"github.com/meridianlabs/trapline/internal/store"
)

const (
	DefaultBatchSize     = 2000
	DefaultFlushInterval = 5 * time.Second
)

// deadLetterPriority orders DLQ reprocessing: likely-recoverable reasons
// first, oversized lines last.
var deadLetterPriority = map[events.Reason]int{
	events.ReasonSchemaViolation: 40,
	events.ReasonJSONError:       50,
	events.ReasonEncodingError:   60,
	events.ReasonReadError:       70,
	events.ReasonSizeLimit:       90,
	events.ReasonOther:           100,
}

// BatchStore is the loader's view of the row store.
type BatchStore interface {
	CommitBatch(ctx context.Context, batch *store.Batch) (store.BatchResult, error)
	LoadCursor(ctx context.Context, source string) (*store.Cursor, error)
}

// SnapshotWriter annotates session upserts with enrichment snapshots before
// they are committed.
type SnapshotWriter interface {
	Annotate(ctx context.Context, sessions []store.SessionUpsert) error
}

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Metrics *metrics.LoaderMetrics

	Store    BatchStore
	Snapshot SnapshotWriter

	// StatusDir, when set, receives a JSON progress file per source.
	StatusDir string

	BatchSize     int
	FlushInterval time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	return nil
}

// LoadResult totals one load run.
type LoadResult struct {
	EventsInserted    int64
	EventsQuarantined int64
	SessionsTouched   int64
	BatchesCommitted  int64
	Cursors           []store.Cursor
}

type Loader struct {
	log       *slog.Logger
	clock     clockwork.Clock
	metrics   *metrics.LoaderMetrics
	cfg       Config
	validator *events.Validator
}

func NewLoader(cfg Config) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate loader config: %w", err)
	}
	return &Loader{
		log:       cfg.Logger,
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		cfg:       cfg,
		validator: events.NewValidator(),
	}, nil
}

// Load ingests the given sources in order under one ingest id. Each source
// resumes from its committed cursor when the file's inode still matches;
// a rotated file starts from zero. Kill-safety comes from the commit
// protocol: at most one uncommitted batch is ever in flight, and re-reading
// it after a crash is a no-op at the row level.
func (l *Loader) Load(ctx context.Context, sources []string, ingestID string) (*LoadResult, error) {
	result := &LoadResult{}
	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		cursor, err := l.loadSource(ctx, source, ingestID, result)
		if err != nil {
			return result, fmt.Errorf("failed to load %s: %w", source, err)
		}
		result.Cursors = append(result.Cursors, cursor)
	}
	return result, nil
}

func (l *Loader) loadSource(ctx context.Context, source, ingestID string, result *LoadResult) (store.Cursor, error) {
	resumeOffset := int64(0)
	prev, err := l.cfg.Store.LoadCursor(ctx, source)
	if err != nil {
		return store.Cursor{}, err
	}

	src, err := events.OpenSource(l.log, source, 0)
	if err != nil {
		return store.Cursor{}, err
	}
	// src is reopened below on resume; the deferred close must follow the
	// variable, not the first reader.
	defer func() { _ = src.Close() }()

	if prev != nil {
		if prev.Inode == src.Inode() {
			resumeOffset = prev.LastOffset
		} else {
			l.log.Info("loader: source rotated, starting over",
				"source", source, "prev_inode", prev.Inode, "inode", src.Inode())
		}
	}
	if resumeOffset > 0 {
		src.Close()
		src, err = events.OpenSource(l.log, source, resumeOffset)
		if err != nil {
			return store.Cursor{}, err
		}
		l.log.Info("loader: resuming source", "source", source, "offset", resumeOffset)
	}

	run := &sourceRun{
		loader:   l,
		source:   source,
		ingestID: ingestID,
		src:      src,
		agg:      NewAggregator(),
		started:  l.clock.Now(),
	}
	if prev != nil {
		run.batchIndex = prev.BatchIndex
	}

	if err := run.drain(ctx, result); err != nil {
		return store.Cursor{}, err
	}
	run.writeStatus("done", result)
	return run.cursor(), nil
}

// sourceRun is the per-source loading state.
type sourceRun struct {
	loader   *Loader
	source   string
	ingestID string
	src      *events.FileSource
	agg      *Aggregator

	raw         []store.RawEventRow
	deadLetters []store.DeadLetterRow
	validCount  int
	batchStart  time.Time
	batchIndex  int64
	started     time.Time

	totalInserted    int64
	totalQuarantined int64
}

func (r *sourceRun) drain(ctx context.Context, result *LoadResult) error {
	l := r.loader
	r.batchStart = l.clock.Now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := r.src.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// Commit everything read before the corruption point; the
			// cursor then resumes there once the source is repaired.
			if ferr := r.flush(ctx, result); ferr != nil {
				return errors.Join(err, ferr)
			}
			return err
		}
		r.consume(rec)

		if r.validCount >= l.cfg.BatchSize || l.clock.Since(r.batchStart) >= l.cfg.FlushInterval {
			if err := r.flush(ctx, result); err != nil {
				return err
			}
		}
	}

	return r.flush(ctx, result)
}

func (r *sourceRun) consume(rec events.Record) {
	l := r.loader

	if rec.Err != nil {
		r.quarantine(rec, events.ReasonReadError)
		return
	}

	ev, invalid := l.validator.Validate(rec.Payload)
	if invalid != nil {
		r.quarantineInvalid(rec, invalid)
		return
	}

	ts := ev.Timestamp
	r.raw = append(r.raw, store.RawEventRow{
		IngestID:     r.ingestID,
		SourcePath:   rec.SourcePath,
		SourceOffset: rec.Offset,
		SessionID:    ev.SessionID,
		EventType:    ev.EventID,
		EventAt:      &ts,
		Payload:      ev.Sanitized,
		RiskScore:    ev.RiskScore,
	})
	r.agg.Add(ev, rec.SourcePath)
	r.validCount++
}

func (r *sourceRun) quarantine(rec events.Record, reason events.Reason) {
	r.raw = append(r.raw, store.RawEventRow{
		IngestID:     r.ingestID,
		SourcePath:   rec.SourcePath,
		SourceOffset: rec.Offset,
		Quarantined:  true,
	})
	r.deadLetters = append(r.deadLetters, store.DeadLetterRow{
		IngestID:     r.ingestID,
		SourcePath:   rec.SourcePath,
		SourceOffset: rec.Offset,
		Reason:       string(reason),
		RawPayload:   rec.Payload,
		Priority:     priorityFor(reason),
	})
}

func (r *sourceRun) quarantineInvalid(rec events.Record, invalid *events.Invalid) {
	r.quarantine(rec, invalid.Reason)
}

// flush commits the current batch: raw rows, dead letters, annotated
// session upserts and the cursor, atomically. A batch holding only dead
// letters still commits so the cursor keeps moving past poison input.
func (r *sourceRun) flush(ctx context.Context, result *LoadResult) error {
	l := r.loader
	if len(r.raw) == 0 && len(r.deadLetters) == 0 {
		return nil
	}

	sessions := r.agg.Drain()
	if l.cfg.Snapshot != nil && len(sessions) > 0 {
		if err := l.cfg.Snapshot.Annotate(ctx, sessions); err != nil {
			// Snapshots are best-effort at load time; a later batch or
			// enrichment pass fills what this one could not.
			l.log.Warn("loader: snapshot annotation failed", "source", r.source, "error", err)
		}
	}

	r.batchIndex++
	cur := r.cursor()
	for _, s := range sessions {
		cur.Sessions = append(cur.Sessions, s.SessionID)
	}
	batch := &store.Batch{
		RawEvents:   r.raw,
		DeadLetters: r.deadLetters,
		Sessions:    sessions,
		Cursor:      cur,
	}

	commitStart := l.clock.Now()
	res, err := l.cfg.Store.CommitBatch(ctx, batch)
	if err != nil {
		l.log.Warn("loader: batch commit failed, retrying once",
			"source", r.source, "batch", r.batchIndex, "error", err)
		res, err = l.cfg.Store.CommitBatch(ctx, batch)
	}
	if err != nil {
		if l.metrics != nil {
			l.metrics.BatchCommitFailures.Inc()
		}
		return fmt.Errorf("failed to commit batch %d: %w", r.batchIndex, err)
	}

	result.EventsInserted += res.EventsInserted
	result.EventsQuarantined += res.EventsQuarantined
	result.SessionsTouched += res.SessionsTouched
	result.BatchesCommitted++
	r.totalInserted += res.EventsInserted
	r.totalQuarantined += res.EventsQuarantined

	if l.metrics != nil {
		l.metrics.EventsInserted.Add(float64(res.EventsInserted))
		l.metrics.EventsQuarantined.Add(float64(res.EventsQuarantined))
		l.metrics.SessionsTouched.Add(float64(res.SessionsTouched))
		l.metrics.BatchesCommitted.Inc()
		l.metrics.BatchCommitDuration.Observe(l.clock.Since(commitStart).Seconds())
	}
	l.log.Debug("loader: batch committed",
		"source", r.source, "batch", r.batchIndex,
		"inserted", res.EventsInserted, "quarantined", res.EventsQuarantined,
		"sessions", res.SessionsTouched, "offset", r.src.Offset())

	r.raw = nil
	r.deadLetters = nil
	r.validCount = 0
	r.batchStart = l.clock.Now()
	r.writeStatus("loading", result)
	return nil
}

// cursor snapshots the resume point: the start of the first unprocessed
// line in the uncompressed stream.
func (r *sourceRun) cursor() store.Cursor {
	return store.Cursor{
		Source:     r.source,
		Inode:      r.src.Inode(),
		LastOffset: r.src.Offset(),
		IngestID:   r.ingestID,
		BatchIndex: r.batchIndex,
	}
}

func priorityFor(reason events.Reason) int {
	if p, ok := deadLetterPriority[reason]; ok {
		return p
	}
	return 100
}
