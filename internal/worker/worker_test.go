package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/message-dispatch/internal/events"
	"github.com/example/message-dispatch/internal/message"
	"github.com/example/message-dispatch/internal/provider"
	"github.com/example/message-dispatch/internal/queue"
	"github.com/example/message-dispatch/internal/store/memory"
)

type stubSource struct {
	mu     sync.Mutex
	acked  []string
	nacked []string
}

func (s *stubSource) Reserve(context.Context) (*queue.Job, error) { return nil, nil }

func (s *stubSource) Ack(_ context.Context, job *queue.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, job.MessageID)
	return nil
}

func (s *stubSource) Nack(_ context.Context, job *queue.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nacked = append(s.nacked, job.MessageID)
	return nil
}

type stubSender struct {
	result *provider.Result
	err    error
	sent   []string
}

func (s *stubSender) Send(_ context.Context, m *message.Message) (*provider.Result, error) {
	s.sent = append(s.sent, m.ID)
	return s.result, s.err
}

type captureEvents struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureEvents) Publish(_ context.Context, ev events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

func newTestWorker(t *testing.T, channel message.Type, sender provider.Sender) (*Worker, *memory.Store, *stubSource, *captureEvents) {
	t.Helper()
	st := memory.New()
	src := &stubSource{}
	evs := &captureEvents{}
	w, err := New(Config{Channel: channel, Concurrency: 1}, Dependencies{
		Store:  st,
		Source: src,
		Sender: sender,
		Events: evs,
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w, st, src, evs
}

func queuedSMS(t *testing.T, st *memory.Store, body string) *message.Message {
	t.Helper()
	m := message.NewSMS(message.SMSPayload{From: "+15550001111", To: "+15552223333", Body: body}, message.Options{})
	if err := m.MarkQueued(); err != nil {
		t.Fatalf("MarkQueued: %v", err)
	}
	if err := st.Save(context.Background(), m); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return m
}

func TestNewValidatesConfig(t *testing.T) {
	deps := Dependencies{Store: memory.New(), Source: &stubSource{}, Sender: &stubSender{}, Logger: zerolog.Nop()}

	if _, err := New(Config{Channel: "FAX", Concurrency: 1}, deps); err == nil {
		t.Fatal("expected error for unsupported channel")
	}
	if _, err := New(Config{Channel: message.TypeSMS, Concurrency: 0}, deps); err == nil {
		t.Fatal("expected error for zero concurrency")
	}
	if _, err := New(Config{Channel: message.TypeSMS, Concurrency: 1}, Dependencies{Source: deps.Source, Sender: deps.Sender}); err == nil {
		t.Fatal("expected error for missing store")
	}
	if _, err := New(Config{Channel: message.TypeSMS, Concurrency: 1}, deps); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestProcessSuccessfulDispatch(t *testing.T) {
	sender := &stubSender{result: &provider.Result{Success: true, ProviderMessageID: "prov-1"}}
	w, st, src, evs := newTestWorker(t, message.TypeSMS, sender)
	m := queuedSMS(t, st, "hello")

	w.Process(context.Background(), &queue.Job{MessageID: m.ID})

	got, err := st.FindByID(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Status != message.StatusSent {
		t.Fatalf("status = %s, want SENT", got.Status)
	}
	if got.SentAt == nil {
		t.Fatal("sentAt not stamped")
	}
	if len(src.acked) != 1 || src.acked[0] != m.ID {
		t.Fatalf("acked = %v, want [%s]", src.acked, m.ID)
	}
	if len(src.nacked) != 0 {
		t.Fatalf("unexpected nacks: %v", src.nacked)
	}

	types := evs.types()
	if len(types) != 2 || types[0] != events.EventSending || types[1] != events.EventSent {
		t.Fatalf("event types = %v, want [sending sent]", types)
	}
}

func TestProcessProviderRejection(t *testing.T) {
	sender := &stubSender{result: &provider.Result{Success: false, Error: "blocked"}}
	w, st, src, evs := newTestWorker(t, message.TypeSMS, sender)
	m := queuedSMS(t, st, "hello")

	w.Process(context.Background(), &queue.Job{MessageID: m.ID})

	got, err := st.FindByID(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Status != message.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if got.Error != "blocked" {
		t.Fatalf("error = %q, want %q", got.Error, "blocked")
	}
	if got.FailedAt == nil {
		t.Fatal("failedAt not stamped")
	}
	// Provider rejections complete the job; redelivery would duplicate sends.
	if len(src.acked) != 1 {
		t.Fatalf("acked = %v, want one ack", src.acked)
	}

	types := evs.types()
	if len(types) != 2 || types[1] != events.EventFailed {
		t.Fatalf("event types = %v, want failed last", types)
	}
}

func TestProcessSenderError(t *testing.T) {
	sender := &stubSender{err: errors.New("dial tcp: connection refused")}
	w, st, src, _ := newTestWorker(t, message.TypeSMS, sender)
	m := queuedSMS(t, st, "hello")

	w.Process(context.Background(), &queue.Job{MessageID: m.ID})

	got, _ := st.FindByID(context.Background(), m.ID)
	if got.Status != message.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if got.Error != "dial tcp: connection refused" {
		t.Fatalf("error = %q", got.Error)
	}
	if len(src.acked) != 1 {
		t.Fatalf("acked = %v, want one ack", src.acked)
	}
}

func TestProcessUnknownMessageNacks(t *testing.T) {
	sender := &stubSender{result: &provider.Result{Success: true}}
	w, _, src, _ := newTestWorker(t, message.TypeSMS, sender)

	w.Process(context.Background(), &queue.Job{MessageID: "missing"})

	if len(src.nacked) != 1 || src.nacked[0] != "missing" {
		t.Fatalf("nacked = %v, want [missing]", src.nacked)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("sender invoked for unknown message: %v", sender.sent)
	}
}

func TestProcessWrongChannelNacks(t *testing.T) {
	sender := &stubSender{result: &provider.Result{Success: true}}
	w, st, src, _ := newTestWorker(t, message.TypeEmail, sender)
	m := queuedSMS(t, st, "hello")

	w.Process(context.Background(), &queue.Job{MessageID: m.ID})

	if len(src.nacked) != 1 {
		t.Fatalf("nacked = %v, want one nack", src.nacked)
	}
	if len(sender.sent) != 0 {
		t.Fatal("sender invoked for wrong-channel job")
	}
}

func TestProcessCompletedMessageDropsJob(t *testing.T) {
	sender := &stubSender{result: &provider.Result{Success: true}}
	w, st, src, _ := newTestWorker(t, message.TypeSMS, sender)
	m := queuedSMS(t, st, "hello")
	if err := m.MarkSending(); err != nil {
		t.Fatalf("MarkSending: %v", err)
	}
	if err := m.MarkSent(); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if err := st.Update(context.Background(), m); err != nil {
		t.Fatalf("Update: %v", err)
	}

	w.Process(context.Background(), &queue.Job{MessageID: m.ID})

	if len(src.acked) != 1 {
		t.Fatalf("acked = %v, want redelivered job consumed", src.acked)
	}
	if len(sender.sent) != 0 {
		t.Fatal("sender invoked for already-sent message")
	}
}
