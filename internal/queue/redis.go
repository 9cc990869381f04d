package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/message-dispatch/internal/message"
)

const (
	defaultMaxDeliveries     = 3
	defaultRedeliveryBackoff = 60 * time.Second
	defaultVisibility        = 5 * time.Minute
	promoteBatch             = 32

	// priorityBand separates priority classes in the ready set score while
	// leaving room for the FIFO sequence number below it.
	priorityBand = float64(1 << 48)
)

// Option customises a RedisQueue.
type Option func(*RedisQueue)

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *RedisQueue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithMaxDeliveries bounds infrastructure-level redelivery attempts.
func WithMaxDeliveries(n int) Option {
	return func(q *RedisQueue) {
		if n > 0 {
			q.maxDeliveries = n
		}
	}
}

// WithRedeliveryBackoff sets the base delay between redeliveries.
func WithRedeliveryBackoff(d time.Duration) Option {
	return func(q *RedisQueue) {
		if d > 0 {
			q.backoff = d
		}
	}
}

// WithVisibilityTimeout sets how long a reserved job may stay unacked before
// it is considered abandoned and becomes eligible for redelivery.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *RedisQueue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

// RedisQueue is a durable priority queue on Redis sorted sets. Ready jobs are
// scored by priority band plus submission sequence, so lower priority values
// dequeue first and ties resolve FIFO. Delayed jobs (backoff scheduling and
// redelivery) wait in a second set scored by their ready time; reserved jobs
// sit in an in-flight set scored by visibility deadline until acked.
type RedisQueue struct {
	rdb    *redis.Client
	name   string
	logger zerolog.Logger

	maxDeliveries int
	backoff       time.Duration
	visibility    time.Duration
	now           func() time.Time
}

var _ Queue = (*RedisQueue)(nil)
var _ Source = (*RedisQueue)(nil)

// NewRedisQueue constructs a queue named after its channel, e.g. "email-queue".
func NewRedisQueue(rdb *redis.Client, name string, logger zerolog.Logger, opts ...Option) (*RedisQueue, error) {
	if rdb == nil {
		return nil, errors.New("queue: redis client is required")
	}
	if name == "" {
		return nil, errors.New("queue: name is required")
	}

	q := &RedisQueue{
		rdb:           rdb,
		name:          name,
		logger:        logger.With().Str("component", "queue").Str("queue", name).Logger(),
		maxDeliveries: defaultMaxDeliveries,
		backoff:       defaultRedeliveryBackoff,
		visibility:    defaultVisibility,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q, nil
}

func (q *RedisQueue) readyKey() string   { return q.name + ":ready" }
func (q *RedisQueue) delayedKey() string { return q.name + ":delayed" }
func (q *RedisQueue) activeKey() string  { return q.name + ":active" }
func (q *RedisQueue) seqKey() string     { return q.name + ":seq" }

// AddJob submits a job for immediate delivery.
func (q *RedisQueue) AddJob(ctx context.Context, m *message.Message) error {
	return q.add(ctx, m, 0)
}

// AddJobDelayed submits a job that becomes deliverable after delay.
func (q *RedisQueue) AddJobDelayed(ctx context.Context, m *message.Message, delay time.Duration) error {
	return q.add(ctx, m, delay)
}

func (q *RedisQueue) add(ctx context.Context, m *message.Message, delay time.Duration) error {
	seq, err := q.rdb.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("queue %s: next seq: %w", q.name, err)
	}

	job := Job{
		MessageID:  m.ID,
		Priority:   m.Priority.QueueValue(),
		Seq:        seq,
		EnqueuedAt: q.now().UTC(),
	}
	member, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue %s: marshal job: %w", q.name, err)
	}

	if delay > 0 {
		readyAt := q.now().Add(delay)
		err = q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{
			Score:  float64(readyAt.UnixMilli()),
			Member: member,
		}).Err()
	} else {
		err = q.rdb.ZAdd(ctx, q.readyKey(), redis.Z{
			Score:  readyScore(&job),
			Member: member,
		}).Err()
	}
	if err != nil {
		return fmt.Errorf("queue %s: add job: %w", q.name, err)
	}

	q.logger.Debug().
		Str("message_id", m.ID).
		Int("priority", job.Priority).
		Dur("delay", delay).
		Msg("job submitted")
	return nil
}

// Reserve promotes due delayed and expired in-flight jobs, then pops the
// highest-priority ready job. ZPopMin delivers each member to exactly one
// caller even under concurrent reservers.
func (q *RedisQueue) Reserve(ctx context.Context) (*Job, error) {
	if err := q.promote(ctx); err != nil {
		return nil, err
	}

	popped, err := q.rdb.ZPopMin(ctx, q.readyKey(), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue %s: pop: %w", q.name, err)
	}
	if len(popped) == 0 {
		return nil, nil
	}

	member, ok := popped[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("queue %s: unexpected member type %T", q.name, popped[0].Member)
	}

	var job Job
	if err := json.Unmarshal([]byte(member), &job); err != nil {
		return nil, fmt.Errorf("queue %s: unmarshal job: %w", q.name, err)
	}
	job.raw = []byte(member)

	deadline := q.now().Add(q.visibility)
	if err := q.rdb.ZAdd(ctx, q.activeKey(), redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: member,
	}).Err(); err != nil {
		return nil, fmt.Errorf("queue %s: track in-flight: %w", q.name, err)
	}

	return &job, nil
}

// Ack removes the job permanently.
func (q *RedisQueue) Ack(ctx context.Context, job *Job) error {
	if job == nil {
		return nil
	}
	if err := q.rdb.ZRem(ctx, q.activeKey(), string(job.memberBytes())).Err(); err != nil {
		return fmt.Errorf("queue %s: ack: %w", q.name, err)
	}
	return nil
}

// Nack releases the job and schedules redelivery with exponential backoff,
// dropping it once the delivery budget is spent.
func (q *RedisQueue) Nack(ctx context.Context, job *Job) error {
	if job == nil {
		return nil
	}
	if err := q.rdb.ZRem(ctx, q.activeKey(), string(job.memberBytes())).Err(); err != nil {
		return fmt.Errorf("queue %s: release: %w", q.name, err)
	}
	return q.redeliver(ctx, job)
}

func (q *RedisQueue) redeliver(ctx context.Context, job *Job) error {
	deliveries := job.Attempt + 1
	if deliveries >= q.maxDeliveries {
		// The job is lost to the queue layer; monitoring picks this up from
		// the log stream.
		q.logger.Error().
			Str("message_id", job.MessageID).
			Int("deliveries", deliveries).
			Msg("job dropped after exhausting delivery attempts")
		return nil
	}

	next := Job{
		MessageID:  job.MessageID,
		Priority:   job.Priority,
		Attempt:    deliveries,
		Seq:        job.Seq,
		EnqueuedAt: job.EnqueuedAt,
	}
	member, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("queue %s: marshal redelivery: %w", q.name, err)
	}

	backoff := q.backoff * (1 << uint(deliveries-1))
	readyAt := q.now().Add(backoff)
	if err := q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: member,
	}).Err(); err != nil {
		return fmt.Errorf("queue %s: schedule redelivery: %w", q.name, err)
	}

	q.logger.Warn().
		Str("message_id", job.MessageID).
		Int("delivery", deliveries+1).
		Dur("backoff", backoff).
		Msg("job redelivery scheduled")
	return nil
}

// promote moves due delayed jobs into the ready set and recycles in-flight
// jobs whose visibility window lapsed. The ZRem guard makes each mover win a
// member at most once under concurrency.
func (q *RedisQueue) promote(ctx context.Context) error {
	nowMilli := fmt.Sprintf("%d", q.now().UnixMilli())

	due, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: nowMilli, Count: promoteBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("queue %s: scan delayed: %w", q.name, err)
	}
	for _, member := range due {
		removed, err := q.rdb.ZRem(ctx, q.delayedKey(), member).Result()
		if err != nil {
			return fmt.Errorf("queue %s: promote: %w", q.name, err)
		}
		if removed == 0 {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			q.logger.Error().Err(err).Msg("dropping undecodable delayed job")
			continue
		}
		if err := q.rdb.ZAdd(ctx, q.readyKey(), redis.Z{
			Score:  readyScore(&job),
			Member: member,
		}).Err(); err != nil {
			return fmt.Errorf("queue %s: promote: %w", q.name, err)
		}
	}

	expired, err := q.rdb.ZRangeByScore(ctx, q.activeKey(), &redis.ZRangeBy{
		Min: "-inf", Max: nowMilli, Count: promoteBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("queue %s: scan in-flight: %w", q.name, err)
	}
	for _, member := range expired {
		removed, err := q.rdb.ZRem(ctx, q.activeKey(), member).Result()
		if err != nil {
			return fmt.Errorf("queue %s: recycle: %w", q.name, err)
		}
		if removed == 0 {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			q.logger.Error().Err(err).Msg("dropping undecodable in-flight job")
			continue
		}
		q.logger.Warn().
			Str("message_id", job.MessageID).
			Msg("reclaiming job with lapsed visibility")
		if err := q.redeliver(ctx, &job); err != nil {
			return err
		}
	}

	return nil
}

func (j *Job) memberBytes() []byte {
	if len(j.raw) > 0 {
		return j.raw
	}
	member, err := json.Marshal(j)
	if err != nil {
		return nil
	}
	return member
}

func readyScore(job *Job) float64 {
	return float64(job.Priority)*priorityBand + float64(job.Seq)
}
