package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/meridianlabs/trapline/internal/events"
	"github.com/meridianlabs/trapline/internal/metrics"
	"github.com/meridianlabs/trapline/internal/store"
)

const (
	DefaultLockTTL      = 5 * time.Minute
	DefaultAcquireLimit = 100
	DefaultPollInterval = 30 * time.Second

	// pauseEvery briefly yields between bursts of records so a deep queue
	// drain does not monopolize the store.
	pauseEvery    = 100
	pauseDuration = time.Second
)

// Queue is the processor's view of the dead letter store.
type Queue interface {
	AcquireDeadLetters(ctx context.Context, lockToken string, lockTTL time.Duration, limit int) ([]store.DeadLetter, error)
	ResolveDeadLetter(ctx context.Context, id int64, lockToken string) error
	FailDeadLetter(ctx context.Context, id int64, lockToken, errorClass, message string) error
	ReplayRawEvent(ctx context.Context, ev store.RawEventRow) error
	DLQStatistics(ctx context.Context) (store.DLQStats, error)
}

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Metrics *metrics.DLQMetrics

	Queue Queue

	LockTTL          time.Duration
	AcquireLimit     int
	PollInterval     time.Duration
	FailureThreshold int
	OpenDuration     time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Queue == nil {
		return fmt.Errorf("queue is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.AcquireLimit <= 0 {
		c.AcquireLimit = DefaultAcquireLimit
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return nil
}

// Processor drains the dead letter queue. Some quarantined lines become
// valid after a validator fix or a truncated write completes on a re-ship;
// those replay into raw_events and resolve. The rest record the failure and
// wait for the next pass.
type Processor struct {
	log     *slog.Logger
	clock   clockwork.Clock
	metrics *metrics.DLQMetrics
	cfg     Config

	validator *events.Validator
	breaker   *breaker
}

func NewProcessor(cfg Config) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate dlq config: %w", err)
	}
	return &Processor{
		log:       cfg.Logger,
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		cfg:       cfg,
		validator: events.NewValidator(),
		breaker:   newBreaker(cfg.Clock, cfg.FailureThreshold, cfg.OpenDuration),
	}, nil
}

// Run polls the queue until ctx is done.
func (p *Processor) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := p.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Error("dlq: pass failed", "error", err)
		}
		p.reportStats(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}

// PassResult totals one processing pass.
type PassResult struct {
	Processed int
	Resolved  int
	Failed    int
	Rejected  int
}

// ProcessOnce acquires one batch of dead letters and works through it.
func (p *Processor) ProcessOnce(ctx context.Context) (PassResult, error) {
	var res PassResult

	lockToken := uuid.NewString()
	letters, err := p.cfg.Queue.AcquireDeadLetters(ctx, lockToken, p.cfg.LockTTL, p.cfg.AcquireLimit)
	if err != nil {
		return res, fmt.Errorf("failed to acquire dead letters: %w", err)
	}
	if len(letters) == 0 {
		return res, nil
	}
	p.log.Info("dlq: acquired batch", "count", len(letters))

	for i, dl := range letters {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if i > 0 && i%pauseEvery == 0 {
			p.clock.Sleep(pauseDuration)
		}

		if err := p.breaker.Allow(); err != nil {
			res.Rejected++
			continue
		}

		res.Processed++
		if p.metrics != nil {
			p.metrics.Processed.Inc()
		}

		if err := p.processOne(ctx, dl, lockToken); err != nil {
			res.Failed++
			p.breaker.Failure()
			if p.metrics != nil {
				p.metrics.Failures.Inc()
			}
			p.log.Debug("dlq: record failed", "id", dl.ID, "reason", dl.Reason, "error", err)
		} else {
			res.Resolved++
			p.breaker.Success()
			if p.metrics != nil {
				p.metrics.Resolved.Inc()
			}
		}

		if p.metrics != nil {
			p.metrics.BreakerState.Set(float64(p.breaker.State()))
		}
	}
	return res, nil
}

// processOne revalidates one quarantined line. Success replays it into
// raw_events and resolves the dead letter; a record that is still invalid
// stays failed with its history appended.
func (p *Processor) processOne(ctx context.Context, dl store.DeadLetter, lockToken string) error {
	ev, invalid := p.validator.Validate(dl.RawPayload)
	if invalid != nil {
		detail := fmt.Sprintf("still invalid: %s", invalid.Detail)
		if err := p.cfg.Queue.FailDeadLetter(ctx, dl.ID, lockToken, string(invalid.Reason), detail); err != nil {
			return fmt.Errorf("failed to record validation failure: %w", err)
		}
		return fmt.Errorf("record %d still invalid (%s)", dl.ID, invalid.Reason)
	}

	ts := ev.Timestamp
	err := p.cfg.Queue.ReplayRawEvent(ctx, store.RawEventRow{
		IngestID:     dl.IngestID,
		SourcePath:   dl.SourcePath,
		SourceOffset: dl.SourceOffset,
		SessionID:    ev.SessionID,
		EventType:    ev.EventID,
		EventAt:      &ts,
		Payload:      ev.Sanitized,
		RiskScore:    ev.RiskScore,
	})
	if err != nil {
		if failErr := p.cfg.Queue.FailDeadLetter(ctx, dl.ID, lockToken, "replay_error", err.Error()); failErr != nil {
			return fmt.Errorf("failed to record replay failure: %w", failErr)
		}
		return err
	}

	return p.cfg.Queue.ResolveDeadLetter(ctx, dl.ID, lockToken)
}

func (p *Processor) reportStats(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	stats, err := p.cfg.Queue.DLQStatistics(ctx)
	if err != nil {
		p.log.Debug("dlq: failed to read statistics", "error", err)
		return
	}
	p.metrics.Depth.Set(float64(stats.Depth))
	if stats.OldestUnres != nil {
		p.metrics.OldestAgeHours.Set(p.clock.Since(*stats.OldestUnres).Hours())
	} else {
		p.metrics.OldestAgeHours.Set(0)
	}
}
