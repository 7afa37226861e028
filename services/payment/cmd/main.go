// Payment Service — сервис обработки платежей.
// Принимает платёжные запросы по HTTP, проводит их через каналы оплаты,
// обрабатывает уведомления каналов и выполняет ежедневную сверку.
// События жизненного цикла платежа публикуются в Kafka через Outbox Worker
// с гарантией at-least-once.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"example.com/payment-system/pkg/config"
	dbpkg "example.com/payment-system/pkg/db"
	"example.com/payment-system/pkg/healthcheck"
	"example.com/payment-system/pkg/jwt"
	"example.com/payment-system/pkg/kafka"
	"example.com/payment-system/pkg/lock"
	"example.com/payment-system/pkg/logger"
	"example.com/payment-system/pkg/metrics"
	"example.com/payment-system/pkg/outbox"
	"example.com/payment-system/pkg/tracing"
	"example.com/payment-system/services/payment/internal/channel"
	"example.com/payment-system/services/payment/internal/client"
	"example.com/payment-system/services/payment/internal/handler"
	"example.com/payment-system/services/payment/internal/middleware"
	"example.com/payment-system/services/payment/internal/reconciliation"
	"example.com/payment-system/services/payment/internal/repository"
	"example.com/payment-system/services/payment/internal/risk"
	"example.com/payment-system/services/payment/internal/service"
)

func main() {
	// Загружаем конфигурацию
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Инициализируем логгер
	logger.Init(logger.Config{
		Level:  cfg.App.LogLevel,
		Pretty: cfg.App.LogPretty,
	})

	log := logger.With().Str("service", "payment-service").Logger()

	log.Info().
		Str("env", cfg.App.Env).
		Int("port", cfg.HTTP.Port).
		Msg("Запуск Payment Service")

	// === Observability: Tracing ===

	shutdownTracing, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "payment-service",
		JaegerEndpoint: cfg.Jaeger.OTLPEndpoint(),
		Enabled:        cfg.Jaeger.Enabled,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Не удалось инициализировать tracing")
	}

	// === Подключение к зависимостям ===

	db, err := dbpkg.ConnectMySQL(cfg.MySQL, cfg.IsDevelopment())
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка подключения к MySQL")
	}
	log.Info().Msg("Подключение к MySQL установлено")

	rdb := dbpkg.ConnectRedis(cfg.Redis)
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Redis")
		}
	}()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		log.Fatal().Err(err).Msg("Ошибка подключения к Redis")
	}
	pingCancel()
	log.Info().Msg("Подключение к Redis установлено")

	// ReadinessChecker для /readyz — проверяет MySQL и Redis
	readinessCheck := healthcheck.Composite(
		func(ctx context.Context) error { return healthcheck.CheckMySQL(ctx, db) },
		func(ctx context.Context) error { return healthcheck.CheckRedis(ctx, rdb) },
	)

	// === Observability: Metrics ===

	var metricsServer *metrics.Server
	var metricsWg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(
			cfg.Metrics.Addr(),
			"payment-service",
			metrics.WithReadinessCheck(readinessCheck),
		)
		metricsWg.Add(1)
		go func() {
			defer metricsWg.Done()
			if err := metricsServer.Start(); err != nil {
				log.Error().Err(err).Msg("Ошибка Metrics Server")
			}
		}()
	}

	// === Платёжные каналы ===

	balanceClient := client.NewAccountClient(cfg.Channels.UserServiceURL, cfg.Channels.CollaboratorTimeout, "user-service")
	campusClient := client.NewAccountClient(cfg.Channels.CampusServiceURL, cfg.Channels.CollaboratorTimeout, "campus-service")

	registry := channel.NewRegistry(
		channel.NewBalanceStrategy(balanceClient),
		channel.NewCampusCardStrategy(campusClient),
		channel.NewStripeStrategy(cfg.Channels.Stripe.APIKey, cfg.Channels.Stripe.WebhookSecret),
		channel.NewCardGateStrategy(channel.CardGateConfig{
			BaseURL:    cfg.Channels.CardGate.BaseURL,
			MerchantID: cfg.Channels.CardGate.MerchantID,
			Secret:     cfg.Channels.CardGate.Secret,
			NotifyURL:  cfg.Channels.CardGate.NotifyURL,
			Timeout:    cfg.Channels.CardGate.Timeout,
		}),
	)

	// === Инициализация бизнес-логики ===

	paymentRepo := repository.NewPaymentRepository(db)
	reconRepo := repository.NewReconciliationRepository(db)
	paymentOutbox := outbox.NewOutboxRepository(db, "payment")
	reconOutbox := outbox.NewOutboxRepository(db, "reconciliation")

	locker := lock.NewLocker(rdb, cfg.Lock.Wait, cfg.Lock.Lease)

	riskEngine, err := risk.NewEngine(rdb, cfg.Risk)
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка инициализации риск-контроля")
	}

	paymentService := service.NewPaymentService(paymentRepo, registry, locker, riskEngine, rdb)
	reconService := reconciliation.NewService(reconRepo, paymentRepo, registry, reconOutbox)

	// === Операторская авторизация ===

	var operatorMW *middleware.OperatorAuthMiddleware
	if cfg.Operator.PublicKeyPath != "" {
		jwtManager, err := jwt.NewManager(jwt.Config{
			PublicKeyPath: cfg.Operator.PublicKeyPath,
			Issuer:        cfg.Operator.Issuer,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Ошибка инициализации проверки операторских токенов")
		}
		jwtManager.SetBlacklist(jwt.NewBlacklist(rdb))
		operatorMW = middleware.NewOperatorAuthMiddleware(jwtManager)
	} else {
		log.Warn().Msg("Операторский публичный ключ не задан — эндпоинты сверки без авторизации")
	}

	// === HTTP сервер ===

	router := handler.NewRouter(handler.RouterConfig{
		Payments:       paymentService,
		Recon:          reconService,
		Risk:           riskEngine,
		OperatorMW:     operatorMW,
		RateLimitMW:    middleware.NewRateLimitMiddleware(middleware.RateLimitConfig{Redis: rdb}),
		TracingMW:      middleware.NewTracingMiddleware(),
		ReadinessCheck: readinessCheck,
		Debug:          cfg.IsDevelopment(),
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      router.Engine(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr()).Msg("HTTP сервер запущен")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Ошибка HTTP сервера")
		}
	}()

	// === Фоновые воркеры ===

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var kafkaProducer *kafka.Producer
	var workersWg sync.WaitGroup

	if len(cfg.Kafka.Brokers) > 0 {
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("Инициализация Kafka")

		kafkaProducer, err = kafka.NewProducer(kafka.Config{Brokers: cfg.Kafka.Brokers})
		if err != nil {
			log.Fatal().Err(err).Msg("Ошибка создания Kafka Producer")
		}

		// Outbox Worker платёжных событий (payment.events)
		paymentWorker := outbox.NewOutboxWorker(paymentOutbox, kafkaProducer, outbox.DefaultWorkerConfig(), "payment")
		workersWg.Add(1)
		go func() {
			defer workersWg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("Паника в Payment Outbox Worker")
				}
			}()
			paymentWorker.Run(ctx)
		}()

		// Outbox Worker событий сверки (reconciliation.events)
		reconWorker := outbox.NewOutboxWorker(reconOutbox, kafkaProducer, outbox.DefaultWorkerConfig(), "reconciliation")
		workersWg.Add(1)
		go func() {
			defer workersWg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("Паника в Recon Outbox Worker")
				}
			}()
			reconWorker.Run(ctx)
		}()

		log.Info().Msg("Outbox Workers запущены")
	} else {
		log.Warn().Msg("Kafka не настроена — публикация событий отключена")
	}

	// Ежедневная сверка внешних каналов
	if cfg.Recon.Enabled {
		reconDaily := reconciliation.NewWorker(
			reconService,
			[]string{channel.ChannelStripe, channel.ChannelCardGate},
			cfg.Recon.RunHour,
		)
		workersWg.Add(1)
		go func() {
			defer workersWg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("Паника в воркере сверки")
				}
			}()
			reconDaily.Run(ctx)
		}()
	}

	// Досверка зависших PENDING платежей, по которым коллбэк не дошёл
	sweeper := service.NewStuckSweeper(paymentService, paymentRepo)
	workersWg.Add(1)
	go func() {
		defer workersWg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Паника в воркере досверки")
			}
		}()
		sweeper.Run(ctx)
	}()

	// Ожидаем сигнал завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Получен сигнал завершения, останавливаем сервер...")

	// Останавливаем приём новых запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ошибка остановки HTTP сервера")
	}

	// Останавливаем фоновые воркеры
	cancel()
	workersWg.Wait()

	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Kafka Producer")
		}
	}

	if sqlDB, err := db.DB(); err == nil && sqlDB != nil {
		if err := sqlDB.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия MySQL")
		}
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Metrics Server")
		}
		metricsWg.Wait()
	}

	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Tracing")
		}
	}

	log.Info().Msg("Payment Service остановлен")
}
