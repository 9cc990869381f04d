// Package retry re-dispatches FAILED messages within their retry budget. The
// orchestrator owns the FAILED -> RETRY -> QUEUED path of the state machine
// and schedules the re-enqueue behind an exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/message-dispatch/internal/events"
	"github.com/example/message-dispatch/internal/message"
	"github.com/example/message-dispatch/internal/queue"
	"github.com/example/message-dispatch/internal/store"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 60 * time.Second
	defaultSweepLimit = 100
)

// Skip reasons reported when a message is not re-dispatched.
const (
	ReasonNotFailed = "message is not in FAILED status"
	ReasonExhausted = "retry budget exhausted"
)

// Config tunes the retry policy.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	SweepLimit int
}

// Dependencies collects the orchestrator's collaborators. Queues maps each
// channel to its submit queue.
type Dependencies struct {
	Store  store.Store
	Queues map[message.Type]queue.Queue
	Events events.Publisher
	Logger zerolog.Logger
}

// Report summarises a sweep over failed messages.
type Report struct {
	Retried int `json:"retried"`
	Skipped int `json:"skipped"`
}

// Orchestrator re-dispatches failed messages.
type Orchestrator struct {
	cfg    Config
	store  store.Store
	queues map[message.Type]queue.Queue
	events events.Publisher
	logger zerolog.Logger
}

// New validates dependencies and constructs an Orchestrator.
func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = defaultSweepLimit
	}
	if deps.Store == nil {
		return nil, errors.New("retry: store dependency is required")
	}
	if len(deps.Queues) == 0 {
		return nil, errors.New("retry: at least one channel queue is required")
	}
	if deps.Events == nil {
		deps.Events = events.NopPublisher{}
	}

	return &Orchestrator{
		cfg:    cfg,
		store:  deps.Store,
		queues: deps.Queues,
		events: deps.Events,
		logger: deps.Logger.With().Str("component", "retry-orchestrator").Logger(),
	}, nil
}

// RetryOne re-dispatches a single message by id. The boolean reports whether
// a retry was scheduled; when false, reason explains the skip. Errors are
// reserved for lookup and persistence failures.
func (o *Orchestrator) RetryOne(ctx context.Context, id string) (bool, string, error) {
	m, err := o.store.FindByID(ctx, id)
	if err != nil {
		return false, "", err
	}
	return o.retry(ctx, m)
}

// RetryAll sweeps failed messages and re-dispatches every eligible one. Each
// message is handled independently; a persistence failure on one does not
// stop the sweep.
func (o *Orchestrator) RetryAll(ctx context.Context, limit int) (Report, error) {
	if limit <= 0 {
		limit = o.cfg.SweepLimit
	}

	failed, err := o.store.FailedMessages(ctx, limit)
	if err != nil {
		return Report{}, fmt.Errorf("retry: list failed messages: %w", err)
	}

	var report Report
	for _, m := range failed {
		retried, _, err := o.retry(ctx, m)
		if err != nil {
			o.logger.Error().Str("message_id", m.ID).Err(err).Msg("retry failed")
			report.Skipped++
			continue
		}
		if retried {
			report.Retried++
		} else {
			report.Skipped++
		}
	}

	o.logger.Info().
		Int("retried", report.Retried).
		Int("skipped", report.Skipped).
		Msg("retry sweep complete")
	return report, nil
}

// ReclaimStuck marks messages that have sat in SENDING past the cutoff as
// FAILED, which makes them visible to the retry sweep. This covers workers
// that died mid-dispatch without recording an outcome.
func (o *Orchestrator) ReclaimStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	stuck, err := o.store.StuckSending(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retry: list stuck messages: %w", err)
	}

	reclaimed := 0
	for _, m := range stuck {
		if err := m.MarkFailed("dispatch timed out"); err != nil {
			o.logger.Error().Str("message_id", m.ID).Err(err).Msg("failed to mark stuck message")
			continue
		}
		if err := o.store.Update(ctx, m); err != nil {
			o.logger.Error().Str("message_id", m.ID).Err(err).Msg("failed to persist reclaimed message")
			continue
		}
		o.logger.Warn().
			Str("message_id", m.ID).
			Str("channel", string(m.Type)).
			Msg("reclaimed stuck message")
		o.publish(ctx, m, events.EventFailed)
		reclaimed++
	}
	return reclaimed, nil
}

func (o *Orchestrator) retry(ctx context.Context, m *message.Message) (bool, string, error) {
	if m.Status != message.StatusFailed {
		return false, ReasonNotFailed, nil
	}
	if !m.CanRetry(o.cfg.MaxRetries) {
		return false, ReasonExhausted, nil
	}

	q, ok := o.queues[m.Type]
	if !ok {
		return false, "", fmt.Errorf("retry: no queue for channel %s", m.Type)
	}

	// Backoff grows with the count of retries already burned, so the first
	// retry waits one base delay.
	delay := message.RetryDelay(o.cfg.BaseDelay, m.RetryCount)

	if err := m.IncrementRetry(); err != nil {
		return false, "", err
	}
	if err := m.MarkQueued(); err != nil {
		return false, "", err
	}
	if err := o.store.Update(ctx, m); err != nil {
		return false, "", fmt.Errorf("retry: persist retry transition: %w", err)
	}
	if err := q.AddJobDelayed(ctx, m, delay); err != nil {
		return false, "", fmt.Errorf("retry: enqueue: %w", err)
	}

	o.logger.Info().
		Str("message_id", m.ID).
		Int("retry_count", m.RetryCount).
		Dur("delay", delay).
		Msg("message scheduled for retry")
	o.publish(ctx, m, events.EventRetry)
	return true, "", nil
}

func (o *Orchestrator) publish(ctx context.Context, m *message.Message, eventType string) {
	if err := o.events.Publish(ctx, events.FromMessage(m, eventType)); err != nil {
		o.logger.Error().Str("message_id", m.ID).Err(err).Msg("failed to publish lifecycle event")
	}
}
