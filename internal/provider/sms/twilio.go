package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/message-dispatch/internal/message"
	"github.com/example/message-dispatch/internal/provider"
)

// Config holds Twilio credentials.
type Config struct {
	AccountSID  string
	AuthToken   string
	PhoneNumber string
}

// HTTPClient abstracts http.Client.Do for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option customises the Twilio provider.
type Option func(*TwilioProvider)

// WithHTTPClient overrides the HTTP client used to talk to Twilio.
func WithHTTPClient(client HTTPClient) Option {
	return func(p *TwilioProvider) {
		if client != nil {
			p.httpClient = client
		}
	}
}

// WithBaseURL sets the base Twilio API URL. Useful for tests.
func WithBaseURL(baseURL string) Option {
	return func(p *TwilioProvider) {
		p.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// TwilioProvider sends SMS messages through Twilio's REST API.
type TwilioProvider struct {
	logger       zerolog.Logger
	accountSID   string
	authToken    string
	defaultFrom  string
	httpClient   HTTPClient
	baseURL      string
	maxBodyBytes int64
}

var _ provider.Sender = (*TwilioProvider)(nil)

// NewTwilioProvider constructs a Twilio-backed SMS sender.
func NewTwilioProvider(cfg Config, logger zerolog.Logger, opts ...Option) (*TwilioProvider, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" {
		return nil, errors.New("twilio provider: account SID is required")
	}
	if strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, errors.New("twilio provider: auth token is required")
	}

	p := &TwilioProvider{
		logger:       logger.With().Str("component", "twilio-provider").Logger(),
		accountSID:   strings.TrimSpace(cfg.AccountSID),
		authToken:    strings.TrimSpace(cfg.AuthToken),
		defaultFrom:  strings.TrimSpace(cfg.PhoneNumber),
		baseURL:      "https://api.twilio.com/2010-04-01",
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		maxBodyBytes: 16 * 1024,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	return p, nil
}

type twilioResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Send posts the SMS to Twilio. Rejections come back as a failed Result; only
// request construction problems surface as errors.
func (p *TwilioProvider) Send(ctx context.Context, m *message.Message) (*provider.Result, error) {
	if m == nil || m.SMS == nil {
		return nil, errors.New("twilio provider: sms payload is required")
	}
	payload := m.SMS

	from := payload.From
	if from == "" {
		from = p.defaultFrom
	}
	if from == "" {
		return nil, errors.New("twilio provider: from number is required")
	}

	form := url.Values{}
	form.Set("From", from)
	form.Set("To", payload.To)
	form.Set("Body", payload.Body)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", p.baseURL, url.PathEscape(p.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("twilio provider: build request: %w", err)
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Warn().Str("message_id", m.ID).Err(err).Msg("twilio request failed")
		return &provider.Result{Success: false, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, p.maxBodyBytes))

	var parsed twilioResponse
	_ = json.Unmarshal(body, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reason := parsed.Message
		if reason == "" {
			reason = fmt.Sprintf("twilio returned status %d", resp.StatusCode)
		}
		p.logger.Warn().
			Str("message_id", m.ID).
			Int("status_code", resp.StatusCode).
			Msg("twilio rejected message")
		return &provider.Result{Success: false, Error: reason}, nil
	}

	p.logger.Debug().
		Str("message_id", m.ID).
		Str("twilio_sid", parsed.SID).
		Msg("twilio accepted message")
	return &provider.Result{Success: true, ProviderMessageID: parsed.SID}, nil
}
