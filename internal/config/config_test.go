package config_test

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/example/message-dispatch/internal/config"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("API_KEY", "secret")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("PROVIDER_MODE", "mock")
}

func TestLoadSuccess(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("APP_PORT", "9000")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("POSTGRES_URL", "postgres://localhost/dispatch")
	t.Setenv("KAFKA_BROKERS", "broker-a:9092, broker-b:9093")
	t.Setenv("RETRY_BASE_DELAY_MS", "30000")
	t.Setenv("QUEUE_EMAIL_NAME", "q:email")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Env != "production" || cfg.App.Port != 9000 || cfg.App.LogLevel != "warn" {
		t.Fatalf("app config = %+v", cfg.App)
	}
	wantBrokers := []string{"broker-a:9092", "broker-b:9093"}
	if !reflect.DeepEqual(cfg.Kafka.Brokers, wantBrokers) {
		t.Fatalf("brokers = %v, want %v", cfg.Kafka.Brokers, wantBrokers)
	}
	if !cfg.Kafka.Enabled() {
		t.Fatal("kafka should be enabled with brokers set")
	}
	if cfg.Retry.BaseDelay != 30*time.Second {
		t.Fatalf("base delay = %s, want 30s", cfg.Retry.BaseDelay)
	}
	if cfg.Queues.EmailName != "q:email" {
		t.Fatalf("email queue = %q", cfg.Queues.EmailName)
	}
	if !cfg.Providers.Mock() {
		t.Fatal("mock mode not detected")
	}
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Retry.MaxRetries != 3 {
		t.Fatalf("max retries = %d, want 3", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.BaseDelay != 60*time.Second {
		t.Fatalf("base delay = %s, want 60s", cfg.Retry.BaseDelay)
	}
	if cfg.Queues.MaxDeliveries != 3 {
		t.Fatalf("max deliveries = %d, want 3", cfg.Queues.MaxDeliveries)
	}
	if cfg.Kafka.Enabled() {
		t.Fatal("kafka should be disabled without brokers")
	}
	if cfg.Postgres.URL != "" {
		t.Fatalf("postgres url = %q, want empty", cfg.Postgres.URL)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("API_KEY", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("PROVIDER_MODE", "mock")

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, key := range []string{"API_KEY", "REDIS_ADDR"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error %q does not mention %s", err, key)
		}
	}
}

func TestLoadLiveModeRequiresProviders(t *testing.T) {
	t.Setenv("API_KEY", "secret")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("PROVIDER_MODE", "live")

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected validation error for missing provider credentials")
	}
	if !strings.Contains(err.Error(), "SMTP_HOST") || !strings.Contains(err.Error(), "TWILIO_ACCOUNT_SID") {
		t.Fatalf("error %q does not mention provider keys", err)
	}
}

func TestLoadRejectsBadInteger(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_PORT", "not-a-port")

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "APP_PORT") {
		t.Fatalf("error %q does not mention APP_PORT", err)
	}
}
