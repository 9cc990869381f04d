package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/message-dispatch/internal/api"
	"github.com/example/message-dispatch/internal/config"
	"github.com/example/message-dispatch/internal/events"
	"github.com/example/message-dispatch/internal/logger"
	"github.com/example/message-dispatch/internal/message"
	"github.com/example/message-dispatch/internal/provider"
	emailprovider "github.com/example/message-dispatch/internal/provider/email"
	smsprovider "github.com/example/message-dispatch/internal/provider/sms"
	"github.com/example/message-dispatch/internal/queue"
	"github.com/example/message-dispatch/internal/report"
	"github.com/example/message-dispatch/internal/retry"
	"github.com/example/message-dispatch/internal/scheduler"
	"github.com/example/message-dispatch/internal/service"
	"github.com/example/message-dispatch/internal/store"
	"github.com/example/message-dispatch/internal/store/memory"
	"github.com/example/message-dispatch/internal/store/postgres"
	"github.com/example/message-dispatch/internal/template"
	"github.com/example/message-dispatch/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "dispatcher").Logger()

	st, closeStore, err := newStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise message store")
	}
	defer closeStore()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("failed to reach redis")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close redis client")
		}
	}()

	queueOpts := []queue.Option{
		queue.WithMaxDeliveries(cfg.Queues.MaxDeliveries),
		queue.WithRedeliveryBackoff(cfg.Queues.RedeliveryBackoff),
		queue.WithVisibilityTimeout(cfg.Queues.VisibilityTimeout),
	}
	emailQueue, err := queue.NewRedisQueue(rdb, cfg.Queues.EmailName, log, queueOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create email queue")
	}
	smsQueue, err := queue.NewRedisQueue(rdb, cfg.Queues.SMSName, log, queueOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create sms queue")
	}
	queues := map[message.Type]queue.Queue{
		message.TypeEmail: emailQueue,
		message.TypeSMS:   smsQueue,
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Kafka.Enabled() {
		kafkaPublisher, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create event publisher")
		}
		defer func() {
			if err := kafkaPublisher.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close event publisher")
			}
		}()
		publisher = kafkaPublisher
	}

	var templates *template.Registry
	if cfg.Templates.Dir != "" {
		templates, err = template.NewRegistry(cfg.Templates.Dir, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load templates")
		}
	}

	var reports *report.Client
	if cfg.Reports.BaseURL != "" {
		reports, err = report.NewClient(cfg.Reports.BaseURL, cfg.Reports.APIKey, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create report client")
		}
	}

	emailSender, smsSender, err := newSenders(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise providers")
	}

	svc, err := service.New(service.Config{}, service.Dependencies{
		Store:     st,
		Queues:    queues,
		Events:    publisher,
		Templates: templates,
		Reports:   reports,
		Logger:    log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise service")
	}

	orch, err := retry.New(retry.Config{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		SweepLimit: cfg.Retry.SweepLimit,
	}, retry.Dependencies{
		Store:  st,
		Queues: queues,
		Events: publisher,
		Logger: log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise retry orchestrator")
	}

	emailWorker, err := worker.New(worker.Config{
		Channel:      message.TypeEmail,
		Concurrency:  cfg.Worker.EmailConcurrency,
		PollInterval: cfg.Worker.PollInterval,
	}, worker.Dependencies{
		Store:  st,
		Source: emailQueue,
		Sender: emailSender,
		Events: publisher,
		Logger: log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise email worker")
	}

	smsWorker, err := worker.New(worker.Config{
		Channel:      message.TypeSMS,
		Concurrency:  cfg.Worker.SMSConcurrency,
		PollInterval: cfg.Worker.PollInterval,
	}, worker.Dependencies{
		Store:  st,
		Source: smsQueue,
		Sender: smsSender,
		Events: publisher,
		Logger: log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise sms worker")
	}

	sched, err := scheduler.New(scheduler.Config{
		Interval:   cfg.Retry.SweepInterval,
		SweepLimit: cfg.Retry.SweepLimit,
		StuckAfter: cfg.Retry.StuckAfter,
	}, orch, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise scheduler")
	}

	apiServer, err := api.New(api.Config{APIKey: cfg.App.APIKey}, api.Dependencies{
		Service: svc,
		Retry:   orch,
		Logger:  log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise api server")
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.App.Port),
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 4)
	go runLoop(ctx, errCh, "email worker", emailWorker.Run)
	go runLoop(ctx, errCh, "sms worker", smsWorker.Run)
	go runLoop(ctx, errCh, "scheduler", sched.Run)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	log.Info().Int("port", cfg.App.Port).Msg("dispatcher started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("component terminated with error")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
}

func runLoop(ctx context.Context, errCh chan<- error, name string, run func(context.Context) error) {
	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		errCh <- fmt.Errorf("%s: %w", name, err)
	}
}

// newStore picks Postgres when a URL is configured and falls back to the
// in-memory store otherwise.
func newStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, func(), error) {
	if cfg.Postgres.URL == "" {
		log.Warn().Msg("no POSTGRES_URL configured; using in-memory store")
		return memory.New(), func() {}, nil
	}
	pg, err := postgres.New(ctx, cfg.Postgres.URL, 0, log)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

func newSenders(cfg *config.Config, log zerolog.Logger) (provider.Sender, provider.Sender, error) {
	if cfg.Providers.Mock() {
		log.Warn().Msg("mock providers enabled; no messages leave the process")
		return emailprovider.NewMockProvider(log), smsprovider.NewMockProvider(log), nil
	}

	smtpSender, err := emailprovider.NewSMTPProvider(emailprovider.Config{
		Host: cfg.Providers.SMTP.Host,
		Port: cfg.Providers.SMTP.Port,
		User: cfg.Providers.SMTP.User,
		Pass: cfg.Providers.SMTP.Pass,
		From: cfg.Providers.SMTP.From,
	}, log)
	if err != nil {
		return nil, nil, err
	}

	twilioSender, err := smsprovider.NewTwilioProvider(smsprovider.Config{
		AccountSID:  cfg.Providers.Twilio.AccountSID,
		AuthToken:   cfg.Providers.Twilio.AuthToken,
		PhoneNumber: cfg.Providers.Twilio.PhoneNumber,
	}, log)
	if err != nil {
		return nil, nil, err
	}

	return smtpSender, twilioSender, nil
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("dispatcher init failed")
}
