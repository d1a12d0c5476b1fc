// Точка входа Deposit Module — движок депозитов и записей репозитория.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// поисковому индексу и handoff-хранилищу, собирает движок, запускает
// восстановление индекса, topologymetrics и служебный HTTP-сервер.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/goartstore/deposit-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/deposit-module/internal/audit"
	"github.com/bigkaa/goartstore/deposit-module/internal/blobstore"
	"github.com/bigkaa/goartstore/deposit-module/internal/bucket"
	"github.com/bigkaa/goartstore/deposit-module/internal/config"
	"github.com/bigkaa/goartstore/deposit-module/internal/database"
	"github.com/bigkaa/goartstore/deposit-module/internal/handoff"
	"github.com/bigkaa/goartstore/deposit-module/internal/indexer"
	"github.com/bigkaa/goartstore/deposit-module/internal/pidstore"
	"github.com/bigkaa/goartstore/deposit-module/internal/repository"
	"github.com/bigkaa/goartstore/deposit-module/internal/schema"
	"github.com/bigkaa/goartstore/deposit-module/internal/server"
	"github.com/bigkaa/goartstore/deposit-module/internal/service"
)

func main() {
	// 1. Конфигурация
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Логирование
	logger := config.SetupLogger(cfg)
	logger.Info("Deposit Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("index_backend", cfg.IndexBackend),
		slog.String("handoff_backend", cfg.HandoffBackend),
	)

	// 3. Миграции БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. PostgreSQL
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	if err := database.VerifySchema(ctx, pool); err != nil {
		logger.Error("Схема БД не соответствует ожидаемой", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Адаптер pgxpool → *sql.DB для topologymetrics
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Файловое хранилище
	blobs, err := blobstore.New(cfg.DataDir)
	if err != nil {
		logger.Error("Ошибка инициализации blob-хранилища",
			slog.String("data_dir", cfg.DataDir),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	buckets := bucket.New(blobs, cfg.BucketQuotaSize, cfg.BucketMaxFileSize, logger)

	// 6. Поисковый индекс
	var backend indexer.Backend
	var elasticURL string
	switch cfg.IndexBackend {
	case config.IndexBackendElastic:
		backend, err = indexer.NewElasticBackend(indexer.ElasticOptions{
			Addresses:       cfg.ESURLs,
			Username:        cfg.ESUsername,
			Password:        cfg.ESPassword,
			CACertPath:      cfg.ESCACertPath,
			Index:           cfg.ESIndex,
			FileIndex:       cfg.ESFileIndex,
			Pipeline:        cfg.ESContentPipeline,
			ScrollSize:      cfg.IndexScrollSize,
			ScrollKeepAlive: cfg.IndexScrollKeepAlive,
		}, logger)
		if err != nil {
			logger.Error("Ошибка создания клиента Elasticsearch", slog.String("error", err.Error()))
			os.Exit(1)
		}
		elasticURL = cfg.ESURLs[0]
	default:
		logger.Warn("Используется in-memory индекс, данные не сохраняются между рестартами")
		backend = indexer.NewMemoryBackend(cfg.IndexScrollSize)
	}
	writer := indexer.NewWriter(backend, indexer.WriterOptions{
		MaxRetries:      cfg.IndexRetryMax,
		InitialInterval: cfg.IndexRetryInitial,
		Timeout:         cfg.IndexTimeout,
	}, logger)
	projector := indexer.NewProjector(buckets, cfg.IndexContentMaxSize, cfg.IndexContentMimetypes, logger)

	// 7. Handoff-хранилище
	var handoffStore handoff.Store
	switch cfg.HandoffBackend {
	case config.HandoffBackendRedis:
		redisStore, err := handoff.OpenRedisStore(ctx, handoff.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.HandoffTTL,
			Prefix:   cfg.HandoffPrefix,
		})
		if err != nil {
			logger.Error("Ошибка подключения к Redis", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer redisStore.Close()
		handoffStore = redisStore
	default:
		handoffStore = handoff.NewMemoryStore(cfg.HandoffSize, cfg.HandoffTTL, cfg.HandoffPrefix)
	}

	// 8. Схемы типов элементов
	validator := schema.NewValidator(logger)
	if cfg.SchemaDir != "" {
		if err := validator.LoadDir(cfg.SchemaDir); err != nil {
			logger.Error("Ошибка загрузки схем",
				slog.String("schema_dir", cfg.SchemaDir),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		logger.Info("Схемы загружены", slog.Int("count", validator.Len()))
	}

	// 9. Движок
	store := repository.NewPgStore(pool)
	engine := service.NewEngine(service.EngineDeps{
		Store:              store,
		PIDs:               pidstore.NewRegistry(),
		Buckets:            buckets,
		Writer:             writer,
		Projector:          projector,
		Validator:          validator,
		Tree:               repository.NewTreeRepository(pool),
		Handoff:            handoffStore,
		Audit:              audit.NewLogSink(logger),
		CascadeConcurrency: cfg.CascadeConcurrency,
	}, logger)

	// 10. Фоновые задачи
	repairSvc := service.NewRepairService(engine, store,
		cfg.RepairInterval, cfg.RepairBatch, cfg.RepairMinAge, logger)
	repairSvc.Start(ctx)

	dephealthSvc, dephealthErr := service.NewDephealthService(
		"deposit-module",
		cfg.DephealthGroup,
		service.DephealthTargets{
			DB:          pgDB,
			PostgresURL: cfg.DatabaseURL(),
			ElasticURL:  elasticURL,
		},
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 11. HTTP-сервер
	health := handlers.NewHealthHandler(
		database.NewReadinessChecker(pool),
		indexer.NewReadinessChecker(writer, cfg.IndexTimeout),
	)
	srv := server.New(cfg, logger, health)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 12. Остановка фоновых задач
	logger.Info("Останавливаем фоновые задачи...")
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	repairSvc.Stop()

	logger.Info("Deposit Module остановлен")
}
