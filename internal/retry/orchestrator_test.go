package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/message-dispatch/internal/message"
	"github.com/example/message-dispatch/internal/queue"
	"github.com/example/message-dispatch/internal/store"
	"github.com/example/message-dispatch/internal/store/memory"
)

type enqueue struct {
	messageID string
	delay     time.Duration
}

type stubQueue struct {
	added []enqueue
	err   error
}

func (q *stubQueue) AddJob(_ context.Context, m *message.Message) error {
	q.added = append(q.added, enqueue{messageID: m.ID})
	return q.err
}

func (q *stubQueue) AddJobDelayed(_ context.Context, m *message.Message, delay time.Duration) error {
	q.added = append(q.added, enqueue{messageID: m.ID, delay: delay})
	return q.err
}

func newTestOrchestrator(t *testing.T, cfg Config) (*Orchestrator, *memory.Store, *stubQueue) {
	t.Helper()
	st := memory.New()
	q := &stubQueue{}
	o, err := New(cfg, Dependencies{
		Store: st,
		Queues: map[message.Type]queue.Queue{
			message.TypeEmail: q,
			message.TypeSMS:   q,
		},
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o, st, q
}

func failedSMS(t *testing.T, st *memory.Store, retryCount int) *message.Message {
	t.Helper()
	m := message.NewSMS(message.SMSPayload{From: "+15550001111", To: "+15552223333", Body: "hi"}, message.Options{})
	if err := m.MarkQueued(); err != nil {
		t.Fatalf("MarkQueued: %v", err)
	}
	if err := m.MarkSending(); err != nil {
		t.Fatalf("MarkSending: %v", err)
	}
	if err := m.MarkFailed("provider down"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	m.RetryCount = retryCount
	if err := st.Save(context.Background(), m); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return m
}

func TestRetryOneSchedulesBackoff(t *testing.T) {
	o, st, q := newTestOrchestrator(t, Config{BaseDelay: time.Minute})
	m := failedSMS(t, st, 1)

	retried, reason, err := o.RetryOne(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("RetryOne: %v", err)
	}
	if !retried {
		t.Fatalf("not retried: %s", reason)
	}

	got, err := st.FindByID(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Status != message.StatusQueued {
		t.Fatalf("status = %s, want QUEUED", got.Status)
	}
	if got.RetryCount != 2 {
		t.Fatalf("retryCount = %d, want 2", got.RetryCount)
	}

	if len(q.added) != 1 {
		t.Fatalf("enqueued %d jobs, want 1", len(q.added))
	}
	// One retry already burned, so the second waits base * 2^1.
	if q.added[0].delay != 2*time.Minute {
		t.Fatalf("delay = %s, want 2m", q.added[0].delay)
	}
}

func TestRetryOneSkipsExhaustedBudget(t *testing.T) {
	o, st, q := newTestOrchestrator(t, Config{MaxRetries: 3})
	m := failedSMS(t, st, 3)

	retried, reason, err := o.RetryOne(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("RetryOne: %v", err)
	}
	if retried {
		t.Fatal("retried past the budget")
	}
	if reason != ReasonExhausted {
		t.Fatalf("reason = %q, want %q", reason, ReasonExhausted)
	}

	got, _ := st.FindByID(context.Background(), m.ID)
	if got.Status != message.StatusFailed {
		t.Fatalf("status = %s, want FAILED untouched", got.Status)
	}
	if len(q.added) != 0 {
		t.Fatalf("unexpected enqueues: %v", q.added)
	}
}

func TestRetryOneSkipsNonFailed(t *testing.T) {
	o, st, _ := newTestOrchestrator(t, Config{})
	m := message.NewSMS(message.SMSPayload{From: "+15550001111", To: "+15552223333", Body: "hi"}, message.Options{})
	if err := st.Save(context.Background(), m); err != nil {
		t.Fatalf("Save: %v", err)
	}

	retried, reason, err := o.RetryOne(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("RetryOne: %v", err)
	}
	if retried {
		t.Fatal("retried a PENDING message")
	}
	if reason != ReasonNotFailed {
		t.Fatalf("reason = %q, want %q", reason, ReasonNotFailed)
	}
}

func TestRetryOneUnknownID(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, Config{})
	if _, _, err := o.RetryOne(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRetryAllCountsRetriedAndSkipped(t *testing.T) {
	o, st, q := newTestOrchestrator(t, Config{MaxRetries: 3})
	eligible := failedSMS(t, st, 0)
	exhausted := failedSMS(t, st, 3)

	report, err := o.RetryAll(context.Background(), 0)
	if err != nil {
		t.Fatalf("RetryAll: %v", err)
	}
	if report.Retried != 1 || report.Skipped != 1 {
		t.Fatalf("report = %+v, want 1 retried 1 skipped", report)
	}
	if len(q.added) != 1 || q.added[0].messageID != eligible.ID {
		t.Fatalf("enqueued = %v, want only %s", q.added, eligible.ID)
	}

	got, _ := st.FindByID(context.Background(), exhausted.ID)
	if got.Status != message.StatusFailed {
		t.Fatalf("exhausted message status = %s, want FAILED", got.Status)
	}
}

func TestRetryAllIsIdempotent(t *testing.T) {
	o, st, q := newTestOrchestrator(t, Config{})
	failedSMS(t, st, 0)

	first, err := o.RetryAll(context.Background(), 0)
	if err != nil {
		t.Fatalf("RetryAll: %v", err)
	}
	if first.Retried != 1 {
		t.Fatalf("first sweep retried = %d, want 1", first.Retried)
	}

	// The message is now QUEUED, so a second sweep finds nothing to do.
	second, err := o.RetryAll(context.Background(), 0)
	if err != nil {
		t.Fatalf("RetryAll: %v", err)
	}
	if second.Retried != 0 || second.Skipped != 0 {
		t.Fatalf("second sweep = %+v, want empty", second)
	}
	if len(q.added) != 1 {
		t.Fatalf("enqueued %d jobs across sweeps, want 1", len(q.added))
	}
}

func TestReclaimStuckMarksFailed(t *testing.T) {
	o, st, _ := newTestOrchestrator(t, Config{})

	stuck := message.NewSMS(message.SMSPayload{From: "+15550001111", To: "+15552223333", Body: "hi"}, message.Options{})
	if err := stuck.MarkQueued(); err != nil {
		t.Fatal(err)
	}
	if err := stuck.MarkSending(); err != nil {
		t.Fatal(err)
	}
	if err := st.Save(context.Background(), stuck); err != nil {
		t.Fatal(err)
	}
	st.SetUpdatedAt(stuck.ID, time.Now().Add(-time.Hour))

	fresh := message.NewSMS(message.SMSPayload{From: "+15550001111", To: "+15552223333", Body: "hi"}, message.Options{})
	if err := fresh.MarkQueued(); err != nil {
		t.Fatal(err)
	}
	if err := fresh.MarkSending(); err != nil {
		t.Fatal(err)
	}
	if err := st.Save(context.Background(), fresh); err != nil {
		t.Fatal(err)
	}

	reclaimed, err := o.ReclaimStuck(context.Background(), 10*time.Minute)
	if err != nil {
		t.Fatalf("ReclaimStuck: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed = %d, want 1", reclaimed)
	}

	got, _ := st.FindByID(context.Background(), stuck.ID)
	if got.Status != message.StatusFailed {
		t.Fatalf("stuck message status = %s, want FAILED", got.Status)
	}
	if got.Error != "dispatch timed out" {
		t.Fatalf("error = %q", got.Error)
	}

	untouched, _ := st.FindByID(context.Background(), fresh.ID)
	if untouched.Status != message.StatusSending {
		t.Fatalf("fresh message status = %s, want SENDING", untouched.Status)
	}
}
