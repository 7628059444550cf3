// Точка входа Signing Module — ядро электронного подписания документов.
// Загружает конфигурацию, подключает хранилище (PostgreSQL или память),
// Redis, RabbitMQ и MinIO, создаёт сервисный слой и API handlers,
// запускает фоновые воркеры, topologymetrics и HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/bigkaa/gosign/signing-module/internal/analysis"
	"github.com/bigkaa/gosign/signing-module/internal/api/handlers"
	"github.com/bigkaa/gosign/signing-module/internal/api/middleware"
	"github.com/bigkaa/gosign/signing-module/internal/api/openapi"
	"github.com/bigkaa/gosign/signing-module/internal/compliance"
	"github.com/bigkaa/gosign/signing-module/internal/config"
	"github.com/bigkaa/gosign/signing-module/internal/content"
	"github.com/bigkaa/gosign/signing-module/internal/database"
	"github.com/bigkaa/gosign/signing-module/internal/kv"
	"github.com/bigkaa/gosign/signing-module/internal/notify"
	"github.com/bigkaa/gosign/signing-module/internal/pubsub"
	"github.com/bigkaa/gosign/signing-module/internal/repository"
	"github.com/bigkaa/gosign/signing-module/internal/server"
	"github.com/bigkaa/gosign/signing-module/internal/service"
)

// Размер in-memory KV без Redis.
const memoryKVSize = 10000

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Signing Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("storage", cfg.Storage),
	)

	ctx := context.Background()
	var deps []handlers.Dependency

	// 3. Хранилище документов, запросов и журнала
	var (
		store repository.Store
		pgDB  *sql.DB
	)
	if cfg.Storage == config.StoragePostgres {
		logger.Info("Применение миграций БД...")
		if err := database.Migrate(cfg, logger); err != nil {
			logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
			os.Exit(1)
		}
		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer pool.Close()

		// Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode).
		pgDB = stdlib.OpenDBFromPool(pool)
		defer pgDB.Close()

		store = repository.NewPostgresStore(pool)
		deps = append(deps, handlers.Dependency{
			Name: "postgresql", Checker: database.NewReadinessChecker(pool), Critical: true,
		})
	} else {
		logger.Warn("Хранилище в памяти: данные не сохраняются между рестартами")
		store = repository.NewMemoryStore()
	}

	// 4. Redis: KV для Idempotency-Key и pub/sub событий журнала
	var (
		kvStore   kv.Store
		publisher pubsub.Publisher
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		kvStore = kv.NewRedisStore(rdb, "sg:")
		publisher = pubsub.NewRedisPublisher(rdb)
		deps = append(deps, handlers.Dependency{Name: "redis", Checker: kv.NewReadinessChecker(rdb)})
		logger.Info("Redis подключён", slog.String("addr", cfg.RedisAddr))
	} else {
		kvStore = kv.NewMemoryStore(memoryKVSize, cfg.IdempotencyTTL)
		publisher = pubsub.NewLogPublisher(logger)
	}

	// 5. RabbitMQ: уведомления получателей
	var sender notify.Sender
	if cfg.AMQPURL != "" {
		amqpSender, err := notify.NewAMQPSender(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			logger.Error("Ошибка подключения к RabbitMQ", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer amqpSender.Close()
		sender = amqpSender
		deps = append(deps, handlers.Dependency{Name: "rabbitmq", Checker: amqpSender})
	} else {
		sender = notify.NewLogSender(logger)
	}

	// 6. MinIO: содержимое документов
	var contentStore content.Store
	if cfg.MinioEndpoint != "" {
		minioStore, err := content.NewMinioStore(content.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, logger)
		if err != nil {
			logger.Error("Ошибка создания клиента MinIO", slog.String("error", err.Error()))
			os.Exit(1)
		}
		if err := minioStore.EnsureBucket(ctx); err != nil {
			logger.Error("Ошибка подготовки bucket MinIO", slog.String("error", err.Error()))
			os.Exit(1)
		}
		contentStore = minioStore
		deps = append(deps, handlers.Dependency{Name: "minio", Checker: minioStore, Critical: true})
	} else {
		contentStore = content.NewMemoryStore()
	}

	// 7. Сервисный слой
	locks := service.NewKeyedMutex()
	ledger := service.NewAuditLedger(store, publisher, cfg.NotifyQueueSize, logger)
	notifier := service.NewNotificationDispatcher(sender, cfg.NotifyWorkers, cfg.NotifyQueueSize, logger)
	signing := service.NewSigningService(store, ledger, notifier, locks, cfg.DefaultExpiryDays, logger)
	complianceSvc := service.NewComplianceService(
		store, compliance.DefaultRegistry(),
		cfg.ComplianceFramework, cfg.ComplianceCacheSize, cfg.ComplianceCacheTTL,
		logger,
	)

	var analysisRunner *service.AnalysisRunner
	switch cfg.AnalysisMode {
	case config.AnalysisStub:
		analysisRunner = service.NewAnalysisRunner(analysis.NewStubAnalyzer(), contentStore, store, ledger, cfg.AnalysisTimeout, logger)
	case config.AnalysisHTTP:
		analyzer := analysis.NewHTTPAnalyzer(cfg.AnalysisURL, cfg.AnalysisTimeout, logger)
		analysisRunner = service.NewAnalysisRunner(analyzer, contentStore, store, ledger, cfg.AnalysisTimeout, logger)
	}

	coord := service.NewCoordinator(
		store, ledger, signing, complianceSvc, contentStore,
		analysisRunner, locks, cfg.MaxContentSize,
		logger,
	)

	// 8. Аутентификация
	var auth func(next http.Handler) http.Handler
	if cfg.AuthEnabled {
		jwtAuth, err := middleware.NewJWTAuth(
			cfg.JWTJWKSURL,
			cfg.JWKSCACertPath,
			cfg.JWTIssuer,
			cfg.JWKSClientTimeout,
			cfg.JWKSRefreshInterval,
			cfg.JWTLeeway,
			logger,
		)
		if err != nil {
			logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
			os.Exit(1)
		}
		auth = jwtAuth.Middleware()
		logger.Info("JWT middleware инициализирован",
			slog.String("jwks_url", cfg.JWTJWKSURL),
			slog.String("issuer", cfg.JWTIssuer),
		)

		kcChecker, err := middleware.NewKeycloakReadinessChecker(cfg.JWTJWKSURL, cfg.JWKSCACertPath, cfg.JWKSClientTimeout)
		if err != nil {
			logger.Error("Ошибка создания Keycloak readiness checker", slog.String("error", err.Error()))
			os.Exit(1)
		}
		deps = append(deps, handlers.Dependency{Name: "keycloak", Checker: kcChecker, Critical: true})
	} else {
		logger.Warn("Аутентификация отключена (SG_AUTH_ENABLED=false), identity из X-Dev-Subject")
		auth = middleware.DevIdentity("dev-user")
	}

	// 9. OpenAPI-валидация запросов
	doc, err := openapi.Load(ctx)
	if err != nil {
		logger.Error("Ошибка загрузки OpenAPI-спецификации", slog.String("error", err.Error()))
		os.Exit(1)
	}
	validator, err := middleware.NewRequestValidator(doc)
	if err != nil {
		logger.Error("Ошибка создания OpenAPI validator", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 10. API handler
	healthHandler := handlers.NewHealthHandler(deps...)
	apiHandler := handlers.NewAPIHandler(healthHandler, coord, cfg.MaxContentSize, logger)

	// 11. Фоновые воркеры
	ledger.Start(ctx)
	notifier.Start(ctx)
	if analysisRunner != nil {
		analysisRunner.Start(ctx)
	}

	// 11.1 topologymetrics — мониторинг зависимостей
	var dephealthURL string
	if cfg.Storage == config.StoragePostgres {
		dephealthURL = cfg.DatabaseURL()
	}
	var keycloakJWKS string
	if cfg.AuthEnabled {
		keycloakJWKS = cfg.JWTJWKSURL
	}
	var analysisURL string
	if cfg.AnalysisMode == config.AnalysisHTTP {
		analysisURL = cfg.AnalysisURL
	}
	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthConfig{
		ServiceID:       "signing-module",
		Group:           cfg.DephealthGroup,
		DB:              pgDB,
		PGConnURL:       dephealthURL,
		KeycloakJWKSURL: keycloakJWKS,
		AnalysisURL:     analysisURL,
		CheckInterval:   cfg.DephealthCheckInterval,
	}, logger)
	switch {
	case service.IsNoDependencies(dephealthErr):
		logger.Info("topologymetrics: внешних зависимостей нет, мониторинг не запускается")
		dephealthSvc = nil
	case dephealthErr != nil:
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	default:
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
			dephealthSvc = nil
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 12. HTTP-сервер
	srv := server.New(cfg, logger, apiHandler, server.Options{
		Auth:        auth,
		RateLimiter: middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		Validator:   validator,
		Idempotency: middleware.NewIdempotency(kvStore, cfg.IdempotencyTTL, logger),
	})
	runErr := srv.Run()
	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
	}

	// 13. Остановка фоновых задач: анализ пишет в журнал,
	// журнал останавливается последним.
	logger.Info("Останавливаем фоновые задачи...")
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	if analysisRunner != nil {
		analysisRunner.Stop()
	}
	notifier.Stop()
	ledger.Stop()

	logger.Info("Signing Module остановлен")
	if runErr != nil {
		os.Exit(1)
	}
}
