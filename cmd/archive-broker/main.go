// Точка входа Archive Broker — брокер архивации между каталогом ICAT
// и сервисом передачи FTS3.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// создаёт клиенты ICAT и FTS, storage endpoints, сервисный слой и API handlers,
// запускает фоновый опрос FTS, topologymetrics и HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/goartstore/archive-broker/internal/api/handlers"
	"github.com/bigkaa/goartstore/archive-broker/internal/api/openapi"
	"github.com/bigkaa/goartstore/archive-broker/internal/config"
	"github.com/bigkaa/goartstore/archive-broker/internal/database"
	"github.com/bigkaa/goartstore/archive-broker/internal/fts"
	"github.com/bigkaa/goartstore/archive-broker/internal/icat"
	"github.com/bigkaa/goartstore/archive-broker/internal/paramstore"
	"github.com/bigkaa/goartstore/archive-broker/internal/repository"
	"github.com/bigkaa/goartstore/archive-broker/internal/server"
	"github.com/bigkaa/goartstore/archive-broker/internal/service"
	"github.com/bigkaa/goartstore/archive-broker/internal/storage"
	"github.com/bigkaa/goartstore/archive-broker/internal/transfer"
)

func main() {
	// 1. Конфигурация из переменных окружения и YAML storage endpoints
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Логирование
	logger := config.SetupLogger(cfg)
	logger.Info("Archive Broker запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	if os.Getenv("AB_DEPHEALTH_GROUP") == "" {
		logger.Warn("AB_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. PostgreSQL (pgxpool); подключение ждёт базу, миграции — после него
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4. Схема реестра
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Клиенты каталога и FTS
	icatClient := icat.New(cfg.IcatURL, cfg.IcatCheckCert, cfg.IcatTimeout, logger)
	logger.Info("ICAT клиент создан",
		slog.String("url", cfg.IcatURL),
		slog.String("facility", cfg.IcatFacilityName),
	)

	ftsClient, err := fts.New(cfg.FTSURL, cfg.FTSCertFile, cfg.FTSKeyFile, cfg.FTSCACertPath, cfg.FTSTimeout, logger)
	if err != nil {
		logger.Error("Ошибка создания FTS клиента", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("FTS клиент создан", slog.String("url", cfg.FTSURL))

	// 6. Storage endpoints (диск, лента, S3)
	registry, err := storage.FromConfig(cfg.Storage, logger)
	if err != nil {
		logger.Error("Ошибка конфигурации storage endpoints", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Storage endpoints загружены", slog.Any("names", registry.Names()))

	// 7. Repositories
	jobRepo := repository.NewTransferJobRepository(pool)
	pollRepo := repository.NewPollStateRepository(pool)

	// 8. Зарезервированные параметры каталога
	names := paramstore.Names{
		JobState:     cfg.IcatParamJobState,
		JobIDs:       cfg.IcatParamJobIDs,
		DeletionDate: cfg.IcatParamDeletionDate,
	}
	types := paramstore.NewTypeResolver(icatClient, names, cfg.IcatFacilityName, cfg.IcatCreateParameterTypes, logger)
	params := paramstore.New(icatClient, types, logger)

	// 9. Services
	sessionsSvc := service.NewSessionService(icatClient, service.SessionConfig{
		Admins:             cfg.IcatAdminUsers,
		Functional:         cfg.IcatFunctionalUser,
		FunctionalPassword: cfg.IcatFunctionalPassword,
		CacheSize:          cfg.SessionCacheSize,
		CacheTTL:           cfg.SessionCacheTTL,
	}, logger)

	batcher := transfer.New(ftsClient, transfer.Options{
		MaxFileSize:        cfg.MaxFileSize,
		MaxTotalSize:       cfg.MaxTotalSize,
		MaxPerJob:          cfg.FTSMaxTransfersPerJob,
		Retry:              cfg.FTSRetry,
		VerifyChecksum:     cfg.FTSVerifyChecksum,
		SupportedChecksums: cfg.FTSSupportedChecksums,
	}, logger)

	reconcileSvc := service.NewReconcileService(
		params, ftsClient, sessionsSvc,
		jobRepo, pollRepo,
		registry.Prefixes(), cfg.PollInterval,
		logger,
	)
	archiveSvc := service.NewArchiveService(
		icatClient, registry, batcher, params, reconcileSvc, jobRepo,
		service.ArchiveConfig{
			Facility:     cfg.IcatFacilityName,
			EmbargoYears: cfg.IcatEmbargoYears,
			EmbargoTypes: cfg.IcatEmbargoTypes,
			RefCacheSize: cfg.SessionCacheSize,
			RefCacheTTL:  cfg.SessionCacheTTL,
		},
		logger,
	)
	transferSvc := service.NewTransferService(icatClient, registry, batcher, jobRepo, logger)
	statusSvc := service.NewStatusService(reconcileSvc, params, sessionsSvc, logger)
	jobSvc := service.NewJobService(ftsClient, params, sessionsSvc, jobRepo, registry.Prefixes(), logger)
	jobListSvc := service.NewJobListService(jobRepo, pollRepo, sessionsSvc)
	bucketSvc := service.NewBucketService(registry, ftsClient, jobRepo, logger)

	// 10. Readiness checkers (PostgreSQL + ICAT, FTS добавляется после запуска topologymetrics)
	healthHandler := handlers.NewHealthHandler(database.NewReadinessChecker(pool), icatClient)

	// 11. API handler (реализует openapi.ServerInterface)
	apiHandler := handlers.NewAPIHandler(healthHandler, handlers.Services{
		Sessions:  sessionsSvc,
		Archive:   archiveSvc,
		Transfers: transferSvc,
		Status:    statusSvc,
		Jobs:      jobSvc,
		Ledger:    jobListSvc,
		Buckets:   bucketSvc,
	}, logger)

	// 12. Валидация запросов по OpenAPI документу
	doc, err := openapi.Load()
	if err != nil {
		logger.Error("Ошибка загрузки OpenAPI документа", slog.String("error", err.Error()))
		os.Exit(1)
	}
	validator, err := openapi.NewValidator(doc, logger)
	if err != nil {
		logger.Error("Ошибка создания OpenAPI валидатора", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 13. Фоновый опрос FTS
	if cfg.PollEnabled {
		reconcileSvc.Start(ctx)
	} else {
		logger.Info("Фоновый опрос FTS отключён (AB_POLL_ENABLED=false)")
	}

	// 13.1 topologymetrics — мониторинг зависимостей (PostgreSQL + ICAT + FTS)
	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthConfig{
		ServiceID:     "archive-broker",
		Group:         cfg.DephealthGroup,
		DB:            pgDB,
		PgConnURL:     cfg.DatabaseURL(),
		IcatURL:       cfg.IcatURL,
		IcatCheckCert: cfg.IcatCheckCert,
		FtsURL:        cfg.FTSURL,
		CheckInterval: cfg.DephealthCheckInterval,
		IsEntry:       cfg.DephealthIsEntry,
	}, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics",
			slog.String("error", startErr.Error()),
		)
	} else {
		healthHandler.WithFTS(dephealthSvc.Readiness("fts"))
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 14. HTTP-сервер
	srv := server.New(cfg, logger, apiHandler, validator)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 15. Остановка фоновых задач
	logger.Info("Останавливаем фоновые задачи...")
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	reconcileSvc.Stop()

	logger.Info("Archive Broker остановлен")
}
