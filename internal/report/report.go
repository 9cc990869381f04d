// Package report fetches generated report files from the reporting service
// so they can be attached to outgoing emails.
package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/message-dispatch/internal/message"
)

// Format identifies the file format of a requested report.
type Format string

const (
	FormatPDF   Format = "pdf"
	FormatExcel Format = "excel"
	FormatCSV   Format = "csv"
)

// contentType returns the MIME type and filename extension for the format.
func (f Format) contentType() (mime, ext string, err error) {
	switch f {
	case FormatPDF:
		return "application/pdf", "pdf", nil
	case FormatExcel:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "xlsx", nil
	case FormatCSV:
		return "text/csv", "csv", nil
	default:
		return "", "", fmt.Errorf("report: unsupported format %q", f)
	}
}

// HTTPClient abstracts http.Client.Do for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option customises the report client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used to reach the report service.
func WithHTTPClient(client HTTPClient) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// Client downloads report files over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient HTTPClient
	logger     zerolog.Logger
	maxBytes   int64
}

// NewClient constructs a report client for the given service base URL.
func NewClient(baseURL, apiKey string, logger zerolog.Logger, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("report: base URL is required")
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger.With().Str("component", "report-client").Logger(),
		maxBytes:   32 << 20,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// GetReportFile downloads the report with the given id in the requested
// format and returns it as an email attachment.
func (c *Client) GetReportFile(ctx context.Context, reportID string, format Format) (*message.Attachment, error) {
	if strings.TrimSpace(reportID) == "" {
		return nil, errors.New("report: report id is required")
	}
	mime, ext, err := format.contentType()
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/reports/%s/file?format=%s", c.baseURL, url.PathEscape(reportID), url.QueryEscape(string(format)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("report: build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("Accept", mime)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("report: fetch %s: %w", reportID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("report: service returned status %d for %s", resp.StatusCode, reportID)
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("report: read body: %w", err)
	}

	c.logger.Debug().
		Str("report_id", reportID).
		Str("format", string(format)).
		Int("bytes", len(content)).
		Msg("report downloaded")

	return &message.Attachment{
		Filename:    fmt.Sprintf("report-%s.%s", reportID, ext),
		Content:     content,
		ContentType: mime,
	}, nil
}
