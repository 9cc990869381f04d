// Package config loads runtime configuration from the environment, with a
// .env file as an optional convenience for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the dispatch service.
type Config struct {
	App       AppConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	Queues    QueueConfig
	Kafka     KafkaConfig
	Retry     RetryConfig
	Worker    WorkerConfig
	Providers ProviderConfig
	Templates TemplateConfig
	Reports   ReportConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	Port     int
	LogLevel string
	APIKey   string
}

// PostgresConfig holds the message store connection. An empty URL selects the
// in-memory store, which suits local runs and tests.
type PostgresConfig struct {
	URL string
}

// RedisConfig holds the queue backend connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// QueueConfig names the per-channel queues and tunes delivery behaviour.
type QueueConfig struct {
	EmailName         string
	SMSName           string
	MaxDeliveries     int
	RedeliveryBackoff time.Duration
	VisibilityTimeout time.Duration
}

// KafkaConfig controls the lifecycle event stream. Disabled when no brokers
// are configured.
type KafkaConfig struct {
	Brokers     []string
	EventsTopic string
}

// Enabled reports whether lifecycle events should be published.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// RetryConfig controls the retry orchestrator.
type RetryConfig struct {
	MaxRetries    int
	BaseDelay     time.Duration
	SweepInterval time.Duration
	SweepLimit    int
	StuckAfter    time.Duration
}

// WorkerConfig tunes the per-channel dispatch workers.
type WorkerConfig struct {
	EmailConcurrency int
	SMSConcurrency   int
	PollInterval     time.Duration
}

// SMTPConfig stores SMTP credentials for email delivery.
type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

// TwilioConfig stores Twilio credentials for SMS delivery.
type TwilioConfig struct {
	AccountSID  string
	AuthToken   string
	PhoneNumber string
}

// ProviderConfig wraps configuration for external providers. Mode "mock"
// swaps both channels to in-process senders.
type ProviderConfig struct {
	Mode   string
	SMTP   SMTPConfig
	Twilio TwilioConfig
}

// Mock reports whether the mock providers should be used.
func (c ProviderConfig) Mock() bool {
	return strings.EqualFold(c.Mode, "mock")
}

// TemplateConfig points at the email template directory. Empty disables
// template rendering.
type TemplateConfig struct {
	Dir string
}

// ReportConfig points at the reporting service. Empty disables report
// attachments.
type ReportConfig struct {
	BaseURL string
	APIKey  string
}

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.Port = ldr.getInt("APP_PORT", 8080, false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)
	cfg.App.APIKey = ldr.getString("API_KEY", "", true)

	cfg.Postgres.URL = ldr.getString("POSTGRES_URL", "", false)

	cfg.Redis.Addr = ldr.getString("REDIS_ADDR", "", true)
	cfg.Redis.Password = ldr.getString("REDIS_PASSWORD", "", false)
	cfg.Redis.DB = ldr.getInt("REDIS_DB", 0, false)

	cfg.Queues.EmailName = ldr.getString("QUEUE_EMAIL_NAME", "dispatch:email", false)
	cfg.Queues.SMSName = ldr.getString("QUEUE_SMS_NAME", "dispatch:sms", false)
	cfg.Queues.MaxDeliveries = ldr.getInt("QUEUE_MAX_DELIVERIES", 3, false)
	cfg.Queues.RedeliveryBackoff = ldr.getDuration("QUEUE_REDELIVERY_BACKOFF_MS", 60*time.Second)
	cfg.Queues.VisibilityTimeout = ldr.getDuration("QUEUE_VISIBILITY_TIMEOUT_MS", 5*time.Minute)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", false)
	cfg.Kafka.EventsTopic = ldr.getString("KAFKA_EVENTS_TOPIC", "message-events", false)

	cfg.Retry.MaxRetries = ldr.getInt("RETRY_MAX_RETRIES", 3, false)
	cfg.Retry.BaseDelay = ldr.getDuration("RETRY_BASE_DELAY_MS", 60*time.Second)
	cfg.Retry.SweepInterval = ldr.getDuration("RETRY_SWEEP_INTERVAL_MS", 5*time.Minute)
	cfg.Retry.SweepLimit = ldr.getInt("RETRY_SWEEP_LIMIT", 100, false)
	cfg.Retry.StuckAfter = ldr.getDuration("RETRY_STUCK_AFTER_MS", 10*time.Minute)

	cfg.Worker.EmailConcurrency = ldr.getInt("WORKER_EMAIL_CONCURRENCY", 10, false)
	cfg.Worker.SMSConcurrency = ldr.getInt("WORKER_SMS_CONCURRENCY", 10, false)
	cfg.Worker.PollInterval = ldr.getDuration("WORKER_POLL_INTERVAL_MS", 250*time.Millisecond)

	cfg.Providers.Mode = ldr.getString("PROVIDER_MODE", "live", false)
	live := !cfg.Providers.Mock()
	cfg.Providers.SMTP.Host = ldr.getString("SMTP_HOST", "", live)
	cfg.Providers.SMTP.Port = ldr.getInt("SMTP_PORT", 0, live)
	cfg.Providers.SMTP.User = ldr.getString("SMTP_USER", "", live)
	cfg.Providers.SMTP.Pass = ldr.getString("SMTP_PASS", "", live)
	cfg.Providers.SMTP.From = ldr.getString("SMTP_FROM", "", live)

	cfg.Providers.Twilio.AccountSID = ldr.getString("TWILIO_ACCOUNT_SID", "", live)
	cfg.Providers.Twilio.AuthToken = ldr.getString("TWILIO_AUTH_TOKEN", "", live)
	cfg.Providers.Twilio.PhoneNumber = ldr.getString("TWILIO_PHONE_NUMBER", "", live)

	cfg.Templates.Dir = ldr.getString("TEMPLATE_DIR", "", false)

	cfg.Reports.BaseURL = ldr.getString("REPORT_SERVICE_URL", "", false)
	cfg.Reports.APIKey = ldr.getString("REPORT_SERVICE_API_KEY", "", false)

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		i, err := strconv.Atoi(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid integer", key))
			return def
		}
		return i
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

// getDuration reads a millisecond count. Durations are configured in
// milliseconds across the board so operators never guess the unit.
func (l *envLoader) getDuration(key string, def time.Duration) time.Duration {
	ms := l.getInt(key, int(def/time.Millisecond), false)
	if ms < 0 {
		l.addError(fmt.Sprintf("%s must not be negative", key))
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		if required {
			return nil
		}
		return []string{}
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
