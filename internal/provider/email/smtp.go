package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/message-dispatch/internal/message"
	"github.com/example/message-dispatch/internal/provider"
)

// Config holds SMTP connection settings.
type Config struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

// Option customises the SMTP provider.
type Option func(*SMTPProvider)

// WithTLSConfig overrides the TLS configuration used for STARTTLS.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(p *SMTPProvider) {
		if cfg != nil {
			p.tlsConfig = cfg
		}
	}
}

// WithDialer swaps the network dialer, for tests.
func WithDialer(d Dialer) Option {
	return func(p *SMTPProvider) {
		if d != nil {
			p.dialer = d
		}
	}
}

// WithAuth supplies a custom SMTP auth strategy.
func WithAuth(auth smtp.Auth) Option {
	return func(p *SMTPProvider) {
		p.auth = auth
	}
}

// Dialer abstracts net.Dialer to simplify testing.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// SMTPProvider sends email messages through an SMTP server.
type SMTPProvider struct {
	logger    zerolog.Logger
	host      string
	port      int
	from      string
	auth      smtp.Auth
	tlsConfig *tls.Config
	dialer    Dialer
}

var _ provider.Sender = (*SMTPProvider)(nil)

// NewSMTPProvider constructs a provider.Sender backed by an SMTP server.
func NewSMTPProvider(cfg Config, logger zerolog.Logger, opts ...Option) (*SMTPProvider, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp provider: host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("smtp provider: invalid port %d", cfg.Port)
	}

	p := &SMTPProvider{
		logger:    logger.With().Str("component", "smtp-provider").Logger(),
		host:      cfg.Host,
		port:      cfg.Port,
		from:      strings.TrimSpace(cfg.From),
		dialer:    &net.Dialer{Timeout: 30 * time.Second},
		tlsConfig: &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12},
	}

	if strings.TrimSpace(cfg.User) != "" {
		p.auth = smtp.PlainAuth("", cfg.User, cfg.Pass, cfg.Host)
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	return p, nil
}

// Send delivers the email payload. Transport errors come back as a failed
// Result rather than an error so the worker records them on the message.
func (p *SMTPProvider) Send(ctx context.Context, m *message.Message) (*provider.Result, error) {
	if m == nil || m.Email == nil {
		return nil, errors.New("smtp provider: email payload is required")
	}
	payload := m.Email

	from := payload.From.Email
	if from == "" {
		from = p.from
	}
	recipients := collectRecipients(payload)
	if len(recipients) == 0 {
		return &provider.Result{Success: false, Error: "no recipients"}, nil
	}

	body, err := buildMIME(m.ID, from, payload)
	if err != nil {
		return nil, fmt.Errorf("smtp provider: build message: %w", err)
	}

	if err := p.deliver(ctx, from, recipients, body); err != nil {
		p.logger.Warn().
			Str("message_id", m.ID).
			Err(err).
			Msg("smtp delivery failed")
		return &provider.Result{Success: false, Error: err.Error()}, nil
	}

	p.logger.Debug().
		Str("message_id", m.ID).
		Int("recipients", len(recipients)).
		Msg("smtp delivery succeeded")
	return &provider.Result{Success: true, ProviderMessageID: m.ID}, nil
}

func (p *SMTPProvider) deliver(ctx context.Context, from string, recipients []string, body []byte) error {
	addr := net.JoinHostPort(p.host, fmt.Sprintf("%d", p.port))
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, p.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(p.tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if p.auth != nil {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(p.auth); err != nil {
				return fmt.Errorf("auth: %w", err)
			}
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close body: %w", err)
	}

	return client.Quit()
}

func collectRecipients(p *message.EmailPayload) []string {
	seen := make(map[string]struct{})
	var out []string
	appendAll := func(rcpts []message.Recipient) {
		for _, r := range rcpts {
			addr := strings.TrimSpace(r.Email)
			if addr == "" {
				continue
			}
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	appendAll(p.To)
	appendAll(p.CC)
	appendAll(p.BCC)
	return out
}

func buildMIME(messageID, from string, p *message.EmailPayload) ([]byte, error) {
	var buf bytes.Buffer

	writeHeader := func(key, value string) {
		fmt.Fprintf(&buf, "%s: %s\r\n", key, value)
	}

	writeHeader("Message-ID", fmt.Sprintf("<%s@dispatch>", messageID))
	writeHeader("From", formatRecipient(message.Recipient{Email: from, Name: p.From.Name}))
	writeHeader("To", formatRecipients(p.To))
	if len(p.CC) > 0 {
		writeHeader("Cc", formatRecipients(p.CC))
	}
	if p.ReplyTo != "" {
		writeHeader("Reply-To", p.ReplyTo)
	}
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", p.Subject))
	writeHeader("MIME-Version", "1.0")
	writeHeader("Date", time.Now().UTC().Format(time.RFC1123Z))

	contentType := "text/plain; charset=utf-8"
	if p.HTML {
		contentType = "text/html; charset=utf-8"
	}

	if len(p.Attachments) == 0 {
		writeHeader("Content-Type", contentType)
		buf.WriteString("\r\n")
		buf.WriteString(p.Body)
		return buf.Bytes(), nil
	}

	const boundary = "dispatch-mixed-boundary"
	writeHeader("Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", boundary))
	buf.WriteString("\r\n")

	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	fmt.Fprintf(&buf, "Content-Type: %s\r\n\r\n", contentType)
	buf.WriteString(p.Body)
	buf.WriteString("\r\n")

	for _, att := range p.Attachments {
		content := att.Content
		if len(content) == 0 && att.Path != "" {
			data, err := os.ReadFile(att.Path)
			if err != nil {
				return nil, fmt.Errorf("read attachment %s: %w", att.Filename, err)
			}
			content = data
		}
		attType := att.ContentType
		if attType == "" {
			attType = "application/octet-stream"
		}

		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		fmt.Fprintf(&buf, "Content-Type: %s\r\n", attType)
		fmt.Fprintf(&buf, "Content-Disposition: attachment; filename=%q\r\n", att.Filename)
		buf.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")

		encoded := base64.StdEncoding.EncodeToString(content)
		for len(encoded) > 76 {
			buf.WriteString(encoded[:76])
			buf.WriteString("\r\n")
			encoded = encoded[76:]
		}
		buf.WriteString(encoded)
		buf.WriteString("\r\n")
	}
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)

	return buf.Bytes(), nil
}

func formatRecipient(r message.Recipient) string {
	if r.Name == "" {
		return r.Email
	}
	return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", r.Name), r.Email)
}

func formatRecipients(rcpts []message.Recipient) string {
	parts := make([]string, 0, len(rcpts))
	for _, r := range rcpts {
		parts = append(parts, formatRecipient(r))
	}
	return strings.Join(parts, ", ")
}
