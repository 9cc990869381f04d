// Package api exposes the dispatch service over HTTP. All routes live under
// /api and require the configured API key.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/example/message-dispatch/internal/message"
	"github.com/example/message-dispatch/internal/report"
	"github.com/example/message-dispatch/internal/retry"
	"github.com/example/message-dispatch/internal/service"
	"github.com/example/message-dispatch/internal/store"
)

// Config holds the HTTP surface settings.
type Config struct {
	APIKey string
}

// Dependencies collects the handlers' collaborators.
type Dependencies struct {
	Service *service.Service
	Retry   *retry.Orchestrator
	Logger  zerolog.Logger
}

// Server holds the routed handler.
type Server struct {
	cfg     Config
	service *service.Service
	retry   *retry.Orchestrator
	logger  zerolog.Logger
	router  chi.Router
}

// New validates dependencies and builds the router.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("api: API key is required")
	}
	if deps.Service == nil {
		return nil, errors.New("api: service dependency is required")
	}
	if deps.Retry == nil {
		return nil, errors.New("api: retry orchestrator dependency is required")
	}

	s := &Server{
		cfg:     cfg,
		service: deps.Service,
		retry:   deps.Retry,
		logger:  deps.Logger.With().Str("component", "api").Logger(),
	}
	s.router = s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Route("/messages", func(r chi.Router) {
			r.Post("/email", s.handleSendEmail)
			r.Post("/email/batch", s.handleSendEmailBatch)
			r.Post("/email/report", s.handleSendEmailWithReport)
			r.Post("/sms", s.handleSendSMS)
			r.Post("/sms/batch", s.handleSendSMSBatch)
			r.Post("/retry-all", s.handleRetryAll)

			r.Get("/", s.handleQuery)
			r.Get("/stats", s.handleStats)
			r.Get("/{id}", s.handleGetByID)
			r.Get("/{id}/status", s.handleGetStatus)
			r.Post("/{id}/retry", s.handleRetryOne)
		})
	})

	return r
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != s.cfg.APIKey {
			s.writeError(w, http.StatusUnauthorized, "invalid or missing API key", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSendEmail(w http.ResponseWriter, r *http.Request) {
	var req service.EmailRequest
	if !s.decode(w, r, &req) {
		return
	}
	receipt, err := s.service.SendEmail(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handleSendEmailBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []service.EmailRequest
	if !s.decode(w, r, &reqs) {
		return
	}
	result, err := s.service.SendEmailBatch(r.Context(), reqs)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, result)
}

type emailWithReportRequest struct {
	service.EmailRequest
	ReportID string        `json:"report_id"`
	Format   report.Format `json:"format"`
}

func (s *Server) handleSendEmailWithReport(w http.ResponseWriter, r *http.Request) {
	var req emailWithReportRequest
	if !s.decode(w, r, &req) {
		return
	}
	receipt, err := s.service.SendEmailWithReport(r.Context(), req.EmailRequest, req.ReportID, req.Format)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handleSendSMS(w http.ResponseWriter, r *http.Request) {
	var req service.SMSRequest
	if !s.decode(w, r, &req) {
		return
	}
	receipt, err := s.service.SendSMS(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handleSendSMSBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []service.SMSRequest
	if !s.decode(w, r, &reqs) {
		return
	}
	result, err := s.service.SendSMSBatch(r.Context(), reqs)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	page, err := s.service.Query(r.Context(), f)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetByID(w http.ResponseWriter, r *http.Request) {
	m, err := s.service.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	info, err := s.service.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

type retryResponse struct {
	Retried bool   `json:"retried"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) handleRetryOne(w http.ResponseWriter, r *http.Request) {
	retried, reason, err := s.retry.RetryOne(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	status := http.StatusAccepted
	if !retried {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, retryResponse{Retried: retried, Reason: reason})
}

func (s *Server) handleRetryAll(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", nil)
			return
		}
		limit = parsed
	}
	reportOut, err := s.retry.RetryAll(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reportOut)
}

func parseFilter(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()
	f := store.Filter{
		Type:    message.Type(q.Get("type")),
		Status:  message.Status(q.Get("status")),
		UserID:  q.Get("user_id"),
		TraceID: q.Get("trace_id"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
		f.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return f, errors.New("offset must be a non-negative integer")
		}
		f.Offset = offset
	}
	if raw := q.Get("start"); raw != "" {
		start, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, errors.New("start must be an RFC3339 timestamp")
		}
		f.Start = start
	}
	if raw := q.Get("end"); raw != "" {
		end, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, errors.New("end must be an RFC3339 timestamp")
		}
		f.End = end
	}
	return f, nil
}

type errorResponse struct {
	Error  string   `json:"error"`
	Errors []string `json:"errors,omitempty"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), nil)
		return false
	}
	return true
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var vErr *service.ValidationError
	switch {
	case errors.As(err, &vErr):
		s.writeError(w, http.StatusBadRequest, "validation failed", vErr.Errors)
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "message not found", nil)
	default:
		s.logger.Error().Err(err).Msg("request failed")
		s.writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string, details []string) {
	s.writeJSON(w, status, errorResponse{Error: msg, Errors: details})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}
