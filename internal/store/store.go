package store

import (
	"context"
	"errors"
	"time"

	"github.com/example/message-dispatch/internal/message"
)

// ErrNotFound is returned when a message id does not exist. Callers map it to
// a missing-resource outcome, distinct from validation failures.
var ErrNotFound = errors.New("store: message not found")

// Filter narrows Query and Count. Zero values mean "no constraint".
type Filter struct {
	Type    message.Type
	Status  message.Status
	UserID  string
	TraceID string
	Start   time.Time
	End     time.Time
	Limit   int
	Offset  int
}

// Page is a query result slice with pagination metadata. HasMore is computed
// as offset + len(Messages) < Total.
type Page struct {
	Messages []*message.Message `json:"messages"`
	Total    int                `json:"total"`
	HasMore  bool               `json:"has_more"`
}

// Stats aggregates message counts. Pending covers every non-terminal state
// (PENDING, QUEUED, SENDING). SuccessRate is sent/total*100, 0 when empty.
type Stats struct {
	Total       int     `json:"total_messages"`
	Sent        int     `json:"sent_count"`
	Failed      int     `json:"failed_count"`
	Pending     int     `json:"pending_count"`
	Email       int     `json:"email_count"`
	SMS         int     `json:"sms_count"`
	SuccessRate float64 `json:"success_rate"`
}

// Store is the durable repository for messages. It is the single source of
// truth for message state; every lifecycle transition goes through Update.
// Update must write the full document atomically. Per-id exclusivity during
// dispatch is the queue's delivery guarantee, not the store's concern.
type Store interface {
	Save(ctx context.Context, m *message.Message) error
	SaveBatch(ctx context.Context, msgs []*message.Message) error
	FindByID(ctx context.Context, id string) (*message.Message, error)
	Query(ctx context.Context, f Filter) (*Page, error)
	Update(ctx context.Context, m *message.Message) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	Count(ctx context.Context, f Filter) (int, error)

	// FailedMessages returns up to limit FAILED messages ordered by most
	// recently failed first, for the retry orchestrator.
	FailedMessages(ctx context.Context, limit int) ([]*message.Message, error)

	// StuckSending returns messages that have sat in SENDING since before
	// the cutoff, for the reconciliation sweep.
	StuckSending(ctx context.Context, cutoff time.Time) ([]*message.Message, error)

	Stats(ctx context.Context) (*Stats, error)
}
