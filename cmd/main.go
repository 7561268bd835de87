/**
 * @description
 * This is the main entry point for the ledger-service. It loads configuration,
 * opens the store, wires the idempotency guard, the transfer engine and the
 * notification dispatcher, starts the audit cron and the HTTP server, and
 * shuts everything down on SIGINT/SIGTERM.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: idempotency outcome cache.
 * - github.com/joho/godotenv: local .env loading.
 * - internal/api, internal/app, internal/config, internal/store: the service itself.
 * - pkg/rabbitmq, pkg/notifier: broker client and notification transports.
 */

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

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/api"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/config"
	"github.com/transfa/ledger-service/internal/logging"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/notifier"
	rmrabbit "github.com/transfa/ledger-service/pkg/rabbitmq"
	"go.uber.org/zap"
)

// ledgerStore is what both repository implementations provide.
type ledgerStore interface {
	store.Repository
	store.JobRecorder
}

func main() {
	dotenvErr := godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "level=fatal component=bootstrap msg=\"config load failed\" err=%v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "level=fatal component=bootstrap msg=\"logger init failed\" err=%v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if dotenvErr != nil {
		logger.Debug("no .env file loaded", zap.String("component", "bootstrap"), zap.Error(dotenvErr))
	}
	for _, warning := range cfg.Warnings {
		logger.Warn("config value coerced", zap.String("component", "bootstrap"), zap.String("reason", warning))
	}

	logger.Info("starting ledger-service",
		zap.String("component", "bootstrap"),
		zap.String("port", cfg.ServerPort),
		zap.String("store", cfg.StoreDriver),
		zap.String("notification_transport", cfg.NotificationTransport),
		zap.String("notifier", cfg.Notifier),
	)

	repository, closeStore := openStore(cfg, logger)
	defer closeStore()

	var cache app.OutcomeCache
	if redisClient := openRedis(cfg, logger); redisClient != nil {
		defer redisClient.Close()
		cache = app.NewRedisOutcomeCache(redisClient, cfg.IdempotencyCachePrefix, time.Duration(cfg.IdempotencyCacheTTLSeconds)*time.Second)
	}
	guard := app.NewIdempotencyGuard(cache, logger)

	var producer rmrabbit.Publisher = &rmrabbit.EventProducerFallback{Logger: logger}
	if cfg.RabbitMQURL != "" {
		eventProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Warn("rabbitmq producer unavailable; using fallback", zap.String("component", "bootstrap"), zap.Error(err))
		} else {
			producer = eventProducer
			logger.Info("rabbitmq producer connected", zap.String("component", "bootstrap"))
		}
	}
	defer producer.Close()

	dispatcher := app.NewNotificationDispatcher(buildNotifier(cfg, logger), repository, app.DispatcherConfig{
		MaxRetries: cfg.NotificationMaxRetries,
		RetryDelay: cfg.NotificationRetryDelay(),
		Workers:    cfg.NotificationWorkers,
		QueueSize:  cfg.NotificationQueueSize,
	}, logger)
	dispatcher.OnAbandoned(app.AbandonedNotificationPublisher(producer, cfg.EventsExchange, logger))

	dispatchCtx, stopDispatcher := context.WithCancel(context.Background())
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		if err := dispatcher.Run(dispatchCtx); err != nil {
			logger.Error("notification dispatcher stopped", zap.String("component", "dispatcher"), zap.Error(err))
		}
	}()

	var scheduler app.NotificationScheduler = dispatcher
	if cfg.NotificationTransport == config.TransportRabbitMQ {
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, logger,
			rmrabbit.WithPrefetch(cfg.NotificationWorkers),
			rmrabbit.WithDeadLetterExchange(cfg.EventsExchange+".dlx"),
		)
		if err != nil {
			logger.Fatal("rabbitmq consumer init failed", zap.String("component", "bootstrap"), zap.Error(err))
		}
		defer rabbitConsumer.Close()

		consumer := app.NewTransferCompletedConsumer(dispatcher, logger)
		bindings := map[string]rmrabbit.Handler{
			app.RoutingKeyTransferCompleted: consumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.NotificationQueue, bindings); err != nil {
			logger.Fatal("transfer consumer start failed", zap.String("component", "bootstrap"), zap.Error(err))
		}
		scheduler = app.NewBrokerScheduler(producer, cfg.EventsExchange)
	}

	engine := app.NewTransferEngine(repository, guard, scheduler, app.EngineConfig{
		FeeRate:             cfg.FeeRate,
		MinimumAmountForFee: cfg.MinimumAmountForFee,
		FeeWalletID:         cfg.FeeWalletID,
	}, logger)

	audit := app.NewAuditJob(repository, time.Duration(cfg.AuditWindowHours)*time.Hour, 0, logger)
	cronScheduler := app.NewScheduler(audit, cfg.AuditSchedule, logger)
	if err := cronScheduler.Start(); err != nil {
		logger.Warn("ledger audit disabled", zap.String("component", "bootstrap"), zap.Error(err))
	}

	handlers := api.NewLedgerHandlers(engine, repository, logger)
	router := api.LedgerRoutes(handlers, api.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins(),
		JWTSecret:      cfg.JWTSecret,
		RequestTimeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("component", "http"), zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server stopped unexpectedly", zap.String("component", "http"), zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started", zap.String("component", "http"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", zap.String("component", "http"), zap.Error(err))
	}
	<-cronScheduler.Stop().Done()
	stopDispatcher()
	<-dispatcherDone

	logger.Info("shutdown complete", zap.String("component", "http"))
}

func openStore(cfg config.Config, logger *zap.Logger) (ledgerStore, func()) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		repo := store.NewMemoryRepository(cfg.LockTimeout())
		feeWallet, err := repo.CreateWallet(context.Background(), "fees", decimal.Zero, true)
		if err != nil {
			logger.Fatal("fee wallet seed failed", zap.String("component", "bootstrap"), zap.Error(err))
		}
		if feeWallet.ID != cfg.FeeWalletID {
			logger.Warn("fee wallet id does not match configuration",
				zap.String("component", "bootstrap"),
				zap.Int64("seeded_id", feeWallet.ID),
				zap.Int64("configured_id", cfg.FeeWalletID),
			)
		}
		logger.Warn("using in-memory store; balances are lost on restart", zap.String("component", "bootstrap"))
		return repo, func() {}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database url parse failed", zap.String("component", "bootstrap"), zap.Error(err))
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// No prepared statement cache; works behind PgBouncer transaction pooling.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		logger.Fatal("database connection failed", zap.String("component", "bootstrap"), zap.Error(err))
	}
	logger.Info("database connected", zap.String("component", "bootstrap"))

	return store.NewPostgresRepository(dbpool, cfg.LockTimeout()), dbpool.Close
}

func openRedis(cfg config.Config, logger *zap.Logger) *redis.Client {
	if cfg.RedisURL == "" {
		logger.Info("redis url missing; idempotency cache disabled", zap.String("component", "bootstrap"))
		return nil
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; idempotency cache disabled", zap.String("component", "bootstrap"), zap.Error(err))
		return nil
	}

	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; idempotency cache disabled", zap.String("component", "bootstrap"), zap.Error(err))
		client.Close()
		return nil
	}
	logger.Info("redis connected", zap.String("component", "bootstrap"))
	return client
}

func buildNotifier(cfg config.Config, logger *zap.Logger) app.Notifier {
	var delivery app.Notifier = notifier.NewLogNotifier(logger)

	switch cfg.Notifier {
	case config.NotifierEmail:
		email, err := notifier.NewEmailNotifier(notifier.EmailConfig{
			Host:        cfg.SMTPHost,
			Port:        cfg.SMTPPort,
			Username:    cfg.SMTPUsername,
			Password:    cfg.SMTPPassword,
			From:        cfg.SMTPFrom,
			To:          cfg.SMTPRecipients(),
			Subject:     "Transfer completed",
			ImplicitTLS: cfg.SMTPImplicitTLS,
		})
		if err != nil {
			logger.Warn("email notifier misconfigured; logging notifications instead", zap.String("component", "bootstrap"), zap.Error(err))
			break
		}
		delivery = email
	case config.NotifierWebhook:
		webhook, err := notifier.NewWebhookNotifier(notifier.WebhookConfig{
			URL:    cfg.WebhookURL,
			APIKey: cfg.WebhookAPIKey,
		}, logger)
		if err != nil {
			logger.Warn("webhook notifier misconfigured; logging notifications instead", zap.String("component", "bootstrap"), zap.Error(err))
			break
		}
		delivery = webhook
	}

	if cfg.SimulateNotificationFailures > 0 {
		logger.Warn("simulating notification failures",
			zap.String("component", "bootstrap"),
			zap.Int("fail_first", cfg.SimulateNotificationFailures),
		)
		delivery = notifier.NewFlakyNotifier(delivery, cfg.SimulateNotificationFailures)
	}
	return delivery
}
