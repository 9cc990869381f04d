package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/message-dispatch/internal/message"
	"github.com/example/message-dispatch/internal/queue"
	"github.com/example/message-dispatch/internal/retry"
	"github.com/example/message-dispatch/internal/service"
	"github.com/example/message-dispatch/internal/store/memory"
)

const testAPIKey = "test-key"

type stubQueue struct {
	added []string
}

func (q *stubQueue) AddJob(_ context.Context, m *message.Message) error {
	q.added = append(q.added, m.ID)
	return nil
}

func (q *stubQueue) AddJobDelayed(ctx context.Context, m *message.Message, _ time.Duration) error {
	return q.AddJob(ctx, m)
}

func newTestServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()
	st := memory.New()
	queues := map[message.Type]queue.Queue{
		message.TypeEmail: &stubQueue{},
		message.TypeSMS:   &stubQueue{},
	}

	svc, err := service.New(service.Config{}, service.Dependencies{
		Store:  st,
		Queues: queues,
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}

	orch, err := retry.New(retry.Config{}, retry.Dependencies{
		Store:  st,
		Queues: queues,
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("retry.New: %v", err)
	}

	srv, err := New(Config{APIKey: testAPIKey}, Dependencies{
		Service: svc,
		Retry:   orch,
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, st
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-API-Key", testAPIKey)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestMissingAPIKey(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/messages/stats", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestSendSMSEndpoint(t *testing.T) {
	srv, st := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/messages/sms", map[string]any{
		"from": "+15550001111",
		"to":   "+15552223333",
		"body": "hello",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var receipt service.Receipt
	if err := json.Unmarshal(rec.Body.Bytes(), &receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt.Status != message.StatusQueued {
		t.Fatalf("receipt status = %s", receipt.Status)
	}
	if _, err := st.FindByID(context.Background(), receipt.ID); err != nil {
		t.Fatalf("message not persisted: %v", err)
	}
}

func TestSendSMSValidationFailure(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/messages/sms", map[string]any{
		"from": "bad",
		"to":   "+15552223333",
		"body": "hello",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var resp struct {
		Error  string   `json:"error"`
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if len(resp.Errors) == 0 {
		t.Fatalf("missing rule violations: %+v", resp)
	}
}

func TestSendEmailBatchEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/messages/email/batch", []map[string]any{
		{
			"from":    map[string]any{"email": "noreply@example.com"},
			"to":      []map[string]any{{"email": "user@example.com"}},
			"subject": "hi",
			"body":    "hello",
		},
		{
			"from":    map[string]any{"email": "noreply@example.com"},
			"to":      []map[string]any{},
			"subject": "hi",
			"body":    "hello",
		},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var result service.BatchResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Accepted != 1 || result.Rejected != 1 {
		t.Fatalf("result = %+v", result)
	}
}

func TestGetStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/messages/sms", map[string]any{
		"from": "+15550001111",
		"to":   "+15552223333",
		"body": "hello",
	})
	var receipt service.Receipt
	if err := json.Unmarshal(rec.Body.Bytes(), &receipt); err != nil {
		t.Fatal(err)
	}

	rec = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/api/messages/%s/status", receipt.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var info service.StatusInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.Status != message.StatusQueued || info.Segments != 1 {
		t.Fatalf("info = %+v", info)
	}
}

func TestGetStatusUnknownID(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/messages/nope/status", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRetryEndpoints(t *testing.T) {
	srv, st := newTestServer(t)

	m := message.NewSMS(message.SMSPayload{From: "+15550001111", To: "+15552223333", Body: "hi"}, message.Options{})
	if err := m.MarkQueued(); err != nil {
		t.Fatal(err)
	}
	if err := m.MarkSending(); err != nil {
		t.Fatal(err)
	}
	if err := m.MarkFailed("provider down"); err != nil {
		t.Fatal(err)
	}
	if err := st.Save(context.Background(), m); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/messages/%s/retry", m.ID), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// The message is now QUEUED, so retrying again conflicts.
	rec = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/messages/%s/retry", m.ID), nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/messages/retry-all", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var report retry.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.Retried != 0 {
		t.Fatalf("report = %+v, want nothing left to retry", report)
	}
}

func TestQueryEndpointFilters(t *testing.T) {
	srv, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		rec := doJSON(t, srv, http.MethodPost, "/api/messages/sms", map[string]any{
			"from": "+15550001111",
			"to":   "+15552223333",
			"body": "hello",
		})
		if rec.Code != http.StatusAccepted {
			t.Fatalf("seed %d failed: %d", i, rec.Code)
		}
	}

	rec := doJSON(t, srv, http.MethodGet, "/api/messages/?type=SMS&limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var page struct {
		Messages []json.RawMessage `json:"messages"`
		Total    int               `json:"total"`
		HasMore  bool              `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if page.Total != 3 || len(page.Messages) != 2 || !page.HasMore {
		t.Fatalf("page = total %d len %d hasMore %v", page.Total, len(page.Messages), page.HasMore)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/messages/?limit=bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/messages/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
