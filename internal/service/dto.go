package service

import (
	"strings"
	"time"

	"github.com/example/message-dispatch/internal/message"
)

// EmailRequest is an inbound email submission. Either Body or Template is
// set; when Template names a registered template it is rendered with
// TemplateData and the result replaces Body.
type EmailRequest struct {
	From         message.Recipient    `json:"from"`
	To           []message.Recipient  `json:"to"`
	Subject      string               `json:"subject"`
	Body         string               `json:"body"`
	HTML         bool                 `json:"html"`
	CC           []message.Recipient  `json:"cc,omitempty"`
	BCC          []message.Recipient  `json:"bcc,omitempty"`
	ReplyTo      string               `json:"reply_to,omitempty"`
	Attachments  []message.Attachment `json:"attachments,omitempty"`
	Template     string               `json:"template,omitempty"`
	TemplateData map[string]any       `json:"template_data,omitempty"`
	Priority     message.Priority     `json:"priority,omitempty"`
	Metadata     map[string]any       `json:"metadata,omitempty"`
	UserID       string               `json:"user_id,omitempty"`
	TraceID      string               `json:"trace_id,omitempty"`
}

// SMSRequest is an inbound SMS submission. Phone numbers are E.164.
type SMSRequest struct {
	From     string           `json:"from"`
	To       string           `json:"to"`
	Body     string           `json:"body"`
	Priority message.Priority `json:"priority,omitempty"`
	Metadata map[string]any   `json:"metadata,omitempty"`
	UserID   string           `json:"user_id,omitempty"`
	TraceID  string           `json:"trace_id,omitempty"`
}

// Receipt acknowledges an accepted submission.
type Receipt struct {
	ID     string         `json:"id"`
	Status message.Status `json:"status"`
}

// BatchItem is the per-item outcome of a batch submission. Exactly one of
// Receipt and Errors is set.
type BatchItem struct {
	Index   int      `json:"index"`
	Receipt *Receipt `json:"receipt,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// BatchResult summarises a batch submission.
type BatchResult struct {
	Accepted int         `json:"accepted"`
	Rejected int         `json:"rejected"`
	Items    []BatchItem `json:"items"`
}

// StatusInfo is the delivery status view of a single message.
type StatusInfo struct {
	ID         string         `json:"id"`
	Status     message.Status `json:"status"`
	SentAt     *time.Time     `json:"sent_at,omitempty"`
	FailedAt   *time.Time     `json:"failed_at,omitempty"`
	Error      string         `json:"error,omitempty"`
	RetryCount int            `json:"retry_count"`
	Segments   int            `json:"segments,omitempty"`
}

// ValidationError carries the rule violations of a rejected submission.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Errors, "; ")
}
