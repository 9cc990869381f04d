// Package worker runs the per-channel dispatch loop: it reserves jobs from
// the channel queue, drives the referenced message through SENDING and into
// SENT or FAILED, and persists every transition. Domain retries are not its
// concern; a failed send completes the job and leaves the message FAILED for
// the retry orchestrator.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/message-dispatch/internal/events"
	"github.com/example/message-dispatch/internal/message"
	"github.com/example/message-dispatch/internal/provider"
	"github.com/example/message-dispatch/internal/queue"
	"github.com/example/message-dispatch/internal/store"
)

const defaultPollInterval = 250 * time.Millisecond

// Config contains the runtime settings for a channel worker.
type Config struct {
	Channel      message.Type
	Concurrency  int
	PollInterval time.Duration
}

// Dependencies collects the collaborators the worker needs.
type Dependencies struct {
	Store  store.Store
	Source queue.Source
	Sender provider.Sender
	Events events.Publisher
	Logger zerolog.Logger
}

// Worker dispatches jobs for a single channel. Multiple jobs may be in
// flight concurrently, bounded by the semaphore; per-message exclusivity is
// the queue's delivery guarantee.
type Worker struct {
	cfg    Config
	store  store.Store
	source queue.Source
	sender provider.Sender
	events events.Publisher
	logger zerolog.Logger
	sem    *semaphore.Weighted
}

// New validates configuration and collaborators and constructs a Worker.
func New(cfg Config, deps Dependencies) (*Worker, error) {
	if cfg.Channel != message.TypeEmail && cfg.Channel != message.TypeSMS {
		return nil, fmt.Errorf("worker: unsupported channel %q", cfg.Channel)
	}
	if cfg.Concurrency < 1 {
		return nil, errors.New("worker: concurrency must be >= 1")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if deps.Store == nil {
		return nil, errors.New("worker: store dependency is required")
	}
	if deps.Source == nil {
		return nil, errors.New("worker: queue source dependency is required")
	}
	if deps.Sender == nil {
		return nil, errors.New("worker: sender dependency is required")
	}
	if deps.Events == nil {
		deps.Events = events.NopPublisher{}
	}

	return &Worker{
		cfg:    cfg,
		store:  deps.Store,
		source: deps.Source,
		sender: deps.Sender,
		events: deps.Events,
		logger: deps.Logger.With().
			Str("component", "worker").
			Str("channel", string(cfg.Channel)).
			Logger(),
		sem: semaphore.NewWeighted(int64(cfg.Concurrency)),
	}, nil
}

// Run pulls jobs until the context is cancelled. Reserved jobs are processed
// on their own goroutines, bounded by the configured concurrency.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().
		Int("concurrency", w.cfg.Concurrency).
		Msg("worker started")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := w.source.Reserve(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("reserve failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			continue
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			continue
		}

		if err := w.sem.Acquire(ctx, 1); err != nil {
			// Shutting down with a reserved job; release it for redelivery.
			if nackErr := w.source.Nack(context.Background(), job); nackErr != nil {
				w.logger.Error().Err(nackErr).Msg("failed to release job on shutdown")
			}
			return err
		}
		go func(job *queue.Job) {
			defer w.sem.Release(1)
			w.Process(ctx, job)
		}(job)
	}
}

// Process executes a single job to completion: load, mark SENDING, send,
// record the outcome. Provider failures complete the job; only missing
// messages and persistence errors nack it for infra-level redelivery.
func (w *Worker) Process(ctx context.Context, job *queue.Job) {
	log := w.logger.With().Str("message_id", job.MessageID).Logger()

	m, err := w.store.FindByID(ctx, job.MessageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Error().Msg("job references unknown message")
		} else {
			log.Error().Err(err).Msg("failed to load message")
		}
		w.nack(ctx, job, log)
		return
	}
	if m.Type != w.cfg.Channel {
		log.Error().
			Str("message_type", string(m.Type)).
			Msg("job delivered to wrong channel worker")
		w.nack(ctx, job, log)
		return
	}

	if err := m.MarkSending(); err != nil {
		// Usually a redelivered job for a message that already completed;
		// consume the job and let the state machine stand.
		log.Warn().
			Str("status", string(m.Status)).
			Err(err).
			Msg("message not in a dispatchable state; dropping job")
		w.ack(ctx, job, log)
		return
	}
	if err := w.store.Update(ctx, m); err != nil {
		log.Error().Err(err).Msg("failed to persist SENDING transition")
		w.nack(ctx, job, log)
		return
	}
	w.publish(ctx, m, events.EventSending, log)

	start := time.Now()
	result, err := w.sender.Send(ctx, m)
	duration := time.Since(start)

	switch {
	case err != nil:
		w.recordFailure(ctx, m, err.Error(), log)
	case result == nil:
		w.recordFailure(ctx, m, "provider returned no result", log)
	case !result.Success:
		reason := result.Error
		if reason == "" {
			reason = "unknown provider error"
		}
		w.recordFailure(ctx, m, reason, log)
	default:
		if err := m.MarkSent(); err != nil {
			log.Error().Err(err).Msg("failed to mark message sent")
		} else if err := w.store.Update(ctx, m); err != nil {
			log.Error().Err(err).Msg("failed to persist SENT transition")
		} else {
			log.Info().
				Dur("duration", duration).
				Str("provider_message_id", result.ProviderMessageID).
				Msg("message sent")
			w.publish(ctx, m, events.EventSent, log)
		}
	}

	w.ack(ctx, job, log)
}

func (w *Worker) recordFailure(ctx context.Context, m *message.Message, reason string, log zerolog.Logger) {
	if err := m.MarkFailed(reason); err != nil {
		log.Error().Err(err).Msg("failed to mark message failed")
		return
	}
	if err := w.store.Update(ctx, m); err != nil {
		log.Error().Err(err).Msg("failed to persist FAILED transition")
		return
	}
	log.Warn().
		Str("reason", reason).
		Int("retry_count", m.RetryCount).
		Msg("message failed")
	w.publish(ctx, m, events.EventFailed, log)
}

func (w *Worker) publish(ctx context.Context, m *message.Message, eventType string, log zerolog.Logger) {
	if err := w.events.Publish(ctx, events.FromMessage(m, eventType)); err != nil {
		log.Error().Err(err).Str("event", eventType).Msg("failed to publish lifecycle event")
	}
}

func (w *Worker) ack(ctx context.Context, job *queue.Job, log zerolog.Logger) {
	if err := w.source.Ack(ctx, job); err != nil {
		log.Error().Err(err).Msg("failed to ack job")
	}
}

func (w *Worker) nack(ctx context.Context, job *queue.Job, log zerolog.Logger) {
	if err := w.source.Nack(ctx, job); err != nil {
		log.Error().Err(err).Msg("failed to nack job")
	}
}
