package message

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Type identifies the delivery channel of a message.
type Type string

const (
	TypeEmail Type = "EMAIL"
	TypeSMS   Type = "SMS"
)

// Status is the lifecycle state of a message. Transitions are restricted to
// the dispatch state machine; see Message.transition.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusQueued  Status = "QUEUED"
	StatusSending Status = "SENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
	StatusRetry   Status = "RETRY"
)

// Priority controls queue ordering. It is set at creation and never changes.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// QueueValue maps the priority to its numeric queue weight. Lower values are
// served first. Unknown values fall back to NORMAL.
func (p Priority) QueueValue() int {
	switch p {
	case PriorityUrgent:
		return 1
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 3
	case PriorityLow:
		return 4
	default:
		return 3
	}
}

// ErrInvalidTransition is returned when a status change is requested outside
// the dispatch state machine.
var ErrInvalidTransition = errors.New("message: invalid status transition")

// Recipient is an email address with an optional display name.
type Recipient struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Attachment is a file attached to an email. Either Content or Path is set.
type Attachment struct {
	Filename    string `json:"filename"`
	Content     []byte `json:"content,omitempty"`
	Path        string `json:"path,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// EmailPayload holds the channel specific fields of an email message.
type EmailPayload struct {
	From         Recipient      `json:"from"`
	To           []Recipient    `json:"to"`
	Subject      string         `json:"subject"`
	Body         string         `json:"body"`
	HTML         bool           `json:"html"`
	CC           []Recipient    `json:"cc,omitempty"`
	BCC          []Recipient    `json:"bcc,omitempty"`
	Attachments  []Attachment   `json:"attachments,omitempty"`
	ReplyTo      string         `json:"reply_to,omitempty"`
	TemplateName string         `json:"template_name,omitempty"`
	TemplateData map[string]any `json:"template_data,omitempty"`
}

// SMSPayload holds the channel specific fields of an SMS message. From and To
// are E.164 formatted phone numbers.
type SMSPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
	Body string `json:"body"`
}

// Message is the dispatch entity shared by both channels. Exactly one of
// Email or SMS is non-nil, matching Type.
type Message struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	Status     Status         `json:"status"`
	Priority   Priority       `json:"priority"`
	CreatedAt  time.Time      `json:"created_at"`
	SentAt     *time.Time     `json:"sent_at,omitempty"`
	FailedAt   *time.Time     `json:"failed_at,omitempty"`
	RetryCount int            `json:"retry_count"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`

	Email *EmailPayload `json:"email,omitempty"`
	SMS   *SMSPayload   `json:"sms,omitempty"`
}

// Options carries the attributes shared by both constructors.
type Options struct {
	Priority Priority
	Metadata map[string]any
	UserID   string
	TraceID  string
}

// NewEmail constructs a PENDING email message with a fresh id.
func NewEmail(payload EmailPayload, opts Options) *Message {
	m := newMessage(TypeEmail, opts)
	m.Email = &payload
	return m
}

// NewSMS constructs a PENDING SMS message with a fresh id.
func NewSMS(payload SMSPayload, opts Options) *Message {
	m := newMessage(TypeSMS, opts)
	m.SMS = &payload
	return m
}

func newMessage(t Type, opts Options) *Message {
	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	return &Message{
		ID:        uuid.NewString(),
		Type:      t,
		Status:    StatusPending,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
		Metadata:  opts.Metadata,
		UserID:    opts.UserID,
		TraceID:   opts.TraceID,
	}
}

// transitions is the dispatch state machine. FAILED -> RETRY -> QUEUED is the
// only back edge and is reserved for the retry orchestrator.
var transitions = map[Status][]Status{
	StatusPending: {StatusQueued},
	StatusQueued:  {StatusSending},
	StatusSending: {StatusSent, StatusFailed},
	StatusFailed:  {StatusRetry},
	StatusRetry:   {StatusQueued},
}

func (m *Message) transition(to Status) error {
	for _, allowed := range transitions[m.Status] {
		if allowed == to {
			m.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, to)
}

// MarkQueued moves the message into the active pipeline.
func (m *Message) MarkQueued() error {
	return m.transition(StatusQueued)
}

// MarkSending records that a worker has taken the message.
func (m *Message) MarkSending() error {
	return m.transition(StatusSending)
}

// MarkSent stamps the success terminal state.
func (m *Message) MarkSent() error {
	if err := m.transition(StatusSent); err != nil {
		return err
	}
	now := time.Now().UTC()
	m.SentAt = &now
	return nil
}

// MarkFailed stamps the failure state and records the reason. The reason
// overwrites any previous failure.
func (m *Message) MarkFailed(reason string) error {
	if err := m.transition(StatusFailed); err != nil {
		return err
	}
	now := time.Now().UTC()
	m.FailedAt = &now
	m.Error = reason
	return nil
}

// IncrementRetry moves a FAILED message to RETRY and bumps the retry counter.
// Only the retry orchestrator should call this, after checking eligibility.
func (m *Message) IncrementRetry() error {
	if err := m.transition(StatusRetry); err != nil {
		return err
	}
	m.RetryCount++
	return nil
}

// CanRetry reports whether the retry budget still has room.
func (m *Message) CanRetry(maxRetries int) bool {
	return m.RetryCount < maxRetries
}

// RetryEligible reports whether the message may be re-dispatched: it must be
// FAILED with remaining retry budget.
func (m *Message) RetryEligible(maxRetries int) bool {
	return m.Status == StatusFailed && m.CanRetry(maxRetries)
}

// SegmentCount returns the number of SMS segments the body occupies, at 160
// characters per segment. Length is counted in runes, not bytes, so
// multibyte bodies are not over-billed. Zero for non-SMS messages and empty
// bodies.
func (m *Message) SegmentCount() int {
	if m.SMS == nil || m.SMS.Body == "" {
		return 0
	}
	return (utf8.RuneCountInString(m.SMS.Body) + 159) / 160
}

// RetryDelay computes the exponential backoff before a retry becomes
// eligible for re-dispatch: base * 2^retryCount, uncapped.
func RetryDelay(base time.Duration, retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	return base * (1 << uint(retryCount))
}
