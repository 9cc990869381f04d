// Package queue provides the per-channel priority job queues that decouple
// message submission from worker execution. Jobs reference messages by id
// only; the store remains the single source of truth for message state.
package queue

import (
	"context"
	"time"

	"github.com/example/message-dispatch/internal/message"
)

// Job is a queue entry. Attempt counts infrastructure-level deliveries and is
// unrelated to the domain retry counter on the message itself.
type Job struct {
	MessageID  string    `json:"message_id"`
	Priority   int       `json:"priority"`
	Attempt    int       `json:"attempt"`
	Seq        int64     `json:"seq"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	raw []byte
}

// Raw returns the serialized form the job was delivered with.
func (j *Job) Raw() []byte { return j.raw }

// Queue is the submit side of a channel queue. AddJob returns only after the
// submission is durably acknowledged by the backing store.
type Queue interface {
	AddJob(ctx context.Context, m *message.Message) error

	// AddJobDelayed submits a job that becomes deliverable after the given
	// delay. The retry orchestrator uses this for backoff scheduling.
	AddJobDelayed(ctx context.Context, m *message.Message, delay time.Duration) error
}

// Source is the worker side of a channel queue. Reserve hands each job to
// exactly one caller; the job stays invisible to other callers until it is
// acked, nacked, or its visibility window lapses.
type Source interface {
	// Reserve returns the next deliverable job, or nil when the queue is
	// currently empty.
	Reserve(ctx context.Context) (*Job, error)

	// Ack removes a delivered job permanently.
	Ack(ctx context.Context, job *Job) error

	// Nack schedules bounded redelivery with exponential backoff. Once the
	// delivery budget is exhausted the job is dropped and logged as lost.
	Nack(ctx context.Context, job *Job) error
}
