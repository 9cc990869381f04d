// Package service implements the submission and query use cases: it
// validates inbound requests, persists the message, and hands it to the
// channel queue. Everything past the queue is the workers' job.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/message-dispatch/internal/events"
	"github.com/example/message-dispatch/internal/message"
	"github.com/example/message-dispatch/internal/queue"
	"github.com/example/message-dispatch/internal/report"
	"github.com/example/message-dispatch/internal/store"
	"github.com/example/message-dispatch/internal/template"
)

const defaultMaxBatchSize = 100

// Config tunes the service.
type Config struct {
	MaxBatchSize int
}

// Dependencies collects the service's collaborators. Templates and Reports
// are optional; without them template rendering and report attachment are
// rejected at request time.
type Dependencies struct {
	Store     store.Store
	Queues    map[message.Type]queue.Queue
	Events    events.Publisher
	Templates *template.Registry
	Reports   *report.Client
	Logger    zerolog.Logger
}

// Service is the application layer over store and queues.
type Service struct {
	cfg       Config
	store     store.Store
	queues    map[message.Type]queue.Queue
	events    events.Publisher
	templates *template.Registry
	reports   *report.Client
	logger    zerolog.Logger
}

// New validates dependencies and constructs a Service.
func New(cfg Config, deps Dependencies) (*Service, error) {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}
	if deps.Store == nil {
		return nil, errors.New("service: store dependency is required")
	}
	if len(deps.Queues) == 0 {
		return nil, errors.New("service: at least one channel queue is required")
	}
	if deps.Events == nil {
		deps.Events = events.NopPublisher{}
	}

	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		queues:    deps.Queues,
		events:    deps.Events,
		templates: deps.Templates,
		reports:   deps.Reports,
		logger:    deps.Logger.With().Str("component", "dispatch-service").Logger(),
	}, nil
}

// SendEmail validates and enqueues a single email. Rejected requests are
// reported as *ValidationError and leave no trace in the store.
func (s *Service) SendEmail(ctx context.Context, req EmailRequest) (*Receipt, error) {
	m, err := s.buildEmail(req)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, m)
}

// SendSMS validates and enqueues a single SMS.
func (s *Service) SendSMS(ctx context.Context, req SMSRequest) (*Receipt, error) {
	m := buildSMS(req)
	return s.submit(ctx, m)
}

// SendEmailWithReport downloads the named report and attaches it before
// submitting the email.
func (s *Service) SendEmailWithReport(ctx context.Context, req EmailRequest, reportID string, format report.Format) (*Receipt, error) {
	if s.reports == nil {
		return nil, errors.New("service: report attachment is not configured")
	}
	att, err := s.reports.GetReportFile(ctx, reportID, format)
	if err != nil {
		return nil, err
	}
	req.Attachments = append(req.Attachments, *att)
	return s.SendEmail(ctx, req)
}

// SendEmailBatch submits each email independently. One rejected or failed
// item never blocks the rest of the batch.
func (s *Service) SendEmailBatch(ctx context.Context, reqs []EmailRequest) (*BatchResult, error) {
	if len(reqs) == 0 {
		return nil, &ValidationError{Errors: []string{"batch is empty"}}
	}
	if len(reqs) > s.cfg.MaxBatchSize {
		return nil, &ValidationError{Errors: []string{fmt.Sprintf("batch exceeds maximum size of %d", s.cfg.MaxBatchSize)}}
	}

	result := &BatchResult{}
	for i, req := range reqs {
		receipt, err := s.SendEmail(ctx, req)
		result.Items = append(result.Items, batchItem(i, receipt, err))
		if err != nil {
			result.Rejected++
		} else {
			result.Accepted++
		}
	}
	return result, nil
}

// SendSMSBatch submits each SMS independently.
func (s *Service) SendSMSBatch(ctx context.Context, reqs []SMSRequest) (*BatchResult, error) {
	if len(reqs) == 0 {
		return nil, &ValidationError{Errors: []string{"batch is empty"}}
	}
	if len(reqs) > s.cfg.MaxBatchSize {
		return nil, &ValidationError{Errors: []string{fmt.Sprintf("batch exceeds maximum size of %d", s.cfg.MaxBatchSize)}}
	}

	result := &BatchResult{}
	for i, req := range reqs {
		receipt, err := s.SendSMS(ctx, req)
		result.Items = append(result.Items, batchItem(i, receipt, err))
		if err != nil {
			result.Rejected++
		} else {
			result.Accepted++
		}
	}
	return result, nil
}

// GetByID returns the full message record.
func (s *Service) GetByID(ctx context.Context, id string) (*message.Message, error) {
	return s.store.FindByID(ctx, id)
}

// GetStatus returns the delivery status view of a message. SMS messages
// additionally report their segment count.
func (s *Service) GetStatus(ctx context.Context, id string) (*StatusInfo, error) {
	m, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StatusInfo{
		ID:         m.ID,
		Status:     m.Status,
		SentAt:     m.SentAt,
		FailedAt:   m.FailedAt,
		Error:      m.Error,
		RetryCount: m.RetryCount,
		Segments:   m.SegmentCount(),
	}, nil
}

// Query lists messages matching the filter, newest first.
func (s *Service) Query(ctx context.Context, f store.Filter) (*store.Page, error) {
	return s.store.Query(ctx, f)
}

// Stats returns aggregate dispatch statistics.
func (s *Service) Stats(ctx context.Context) (*store.Stats, error) {
	return s.store.Stats(ctx)
}

func (s *Service) buildEmail(req EmailRequest) (*message.Message, error) {
	payload := message.EmailPayload{
		From:         req.From,
		To:           req.To,
		Subject:      req.Subject,
		Body:         req.Body,
		HTML:         req.HTML,
		CC:           req.CC,
		BCC:          req.BCC,
		Attachments:  req.Attachments,
		ReplyTo:      req.ReplyTo,
		TemplateName: req.Template,
		TemplateData: req.TemplateData,
	}

	if req.Template != "" {
		if s.templates == nil {
			return nil, &ValidationError{Errors: []string{"template rendering is not configured"}}
		}
		body, isHTML, err := s.templates.Render(req.Template, req.TemplateData)
		if err != nil {
			if errors.Is(err, template.ErrUnknownTemplate) {
				return nil, &ValidationError{Errors: []string{fmt.Sprintf("unknown template: %s", req.Template)}}
			}
			return nil, err
		}
		payload.Body = body
		payload.HTML = isHTML
	}

	if payload.HTML {
		payload.Body = sanitizeHTML(payload.Body)
	}

	return message.NewEmail(payload, message.Options{
		Priority: req.Priority,
		Metadata: req.Metadata,
		UserID:   req.UserID,
		TraceID:  req.TraceID,
	}), nil
}

func buildSMS(req SMSRequest) *message.Message {
	return message.NewSMS(message.SMSPayload{
		From: req.From,
		To:   req.To,
		Body: req.Body,
	}, message.Options{
		Priority: req.Priority,
		Metadata: req.Metadata,
		UserID:   req.UserID,
		TraceID:  req.TraceID,
	})
}

// submit runs the common acceptance path: validate, persist, queue. The
// message reaches the store only after validation passes.
func (s *Service) submit(ctx context.Context, m *message.Message) (*Receipt, error) {
	if result := m.Validate(); !result.Valid {
		return nil, &ValidationError{Errors: result.Errors}
	}

	q, ok := s.queues[m.Type]
	if !ok {
		return nil, fmt.Errorf("service: no queue for channel %s", m.Type)
	}

	if err := s.store.Save(ctx, m); err != nil {
		return nil, fmt.Errorf("service: persist message: %w", err)
	}
	if err := m.MarkQueued(); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, m); err != nil {
		return nil, fmt.Errorf("service: persist QUEUED transition: %w", err)
	}
	if err := q.AddJob(ctx, m); err != nil {
		return nil, fmt.Errorf("service: enqueue message: %w", err)
	}

	s.logger.Info().
		Str("message_id", m.ID).
		Str("channel", string(m.Type)).
		Str("priority", string(m.Priority)).
		Msg("message accepted")

	if err := s.events.Publish(ctx, events.FromMessage(m, events.EventQueued)); err != nil {
		s.logger.Error().Str("message_id", m.ID).Err(err).Msg("failed to publish lifecycle event")
	}

	return &Receipt{ID: m.ID, Status: m.Status}, nil
}

func batchItem(index int, receipt *Receipt, err error) BatchItem {
	if err == nil {
		return BatchItem{Index: index, Receipt: receipt}
	}
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return BatchItem{Index: index, Errors: vErr.Errors}
	}
	return BatchItem{Index: index, Errors: []string{err.Error()}}
}
