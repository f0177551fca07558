// Пакет database — база локального реестра заданий FTS (transfer_jobs)
// и состояния фонового опроса (poll_state).
//
// Брокер работает только со схемой версии SchemaVersion: Migrate доводит
// базу до неё и отказывается работать с базой, изменённой более новой
// версией брокера, а ReadinessChecker проверяет схему, а не только ping.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/goartstore/archive-broker/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SchemaVersion — номер последней миграции в migrations/.
const SchemaVersion uint = 1

// migrationsTable — таблица версий golang-migrate (значение по умолчанию драйвера pgx5).
const migrationsTable = "schema_migrations"

// ledgerTables — таблицы, без которых реестр не работает.
var ledgerTables = []string{"transfer_jobs", "poll_state"}

const (
	applicationName = "archive-broker"
	connectRetries  = 5
	readyTimeout    = 3 * time.Second
)

// ErrSchemaMismatch — схема базы не совпадает с SchemaVersion.
var ErrSchemaMismatch = errors.New("схема реестра не совпадает с ожидаемой")

// Connect открывает пул к базе реестра. PostgreSQL может подняться позже
// брокера, поэтому первый ping повторяется с экспоненциальной задержкой.
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("разбор DSN реестра: %w", err)
	}
	// имя видно в pg_stat_activity
	poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("создание пула реестра: %w", err)
	}

	ping := func() error { return pool.Ping(ctx) }
	notify := func(err error, next time.Duration) {
		logger.Warn("PostgreSQL недоступен, повтор подключения",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", next),
		)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), connectRetries), ctx)
	if err := backoff.RetryNotify(ping, policy, notify); err != nil {
		pool.Close()
		return nil, fmt.Errorf("подключение к реестру %s:%d/%s: %w", cfg.DBHost, cfg.DBPort, cfg.DBName, err)
	}

	logger.Info("Реестр заданий подключён",
		slog.String("host", cfg.DBHost),
		slog.Int("port", cfg.DBPort),
		slog.String("database", cfg.DBName),
	)
	return pool, nil
}

// Migrate доводит схему реестра до SchemaVersion.
// Прерванная миграция (dirty) и схема новее SchemaVersion — ошибка:
// первая требует ручного исправления, вторая означает откат брокера
// на версию, которая не знает о новых столбцах.
func Migrate(cfg *config.Config, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("источник миграций: %w", err)
	}

	// golang-migrate ожидает схему pgx5://
	dbURL := "pgx5" + strings.TrimPrefix(cfg.DatabaseURL(), "postgres")
	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return fmt.Errorf("инициализация миграций: %w", err)
	}
	defer m.Close()

	before, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		before = 0
	case err != nil:
		return fmt.Errorf("чтение версии схемы: %w", err)
	case dirty:
		return fmt.Errorf("%w: миграция %d прервана, нужна ручная правка %s",
			ErrSchemaMismatch, before, migrationsTable)
	case before > SchemaVersion:
		return fmt.Errorf("%w: версия базы %d новее поддерживаемой %d", ErrSchemaMismatch, before, SchemaVersion)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("применение миграций: %w", err)
	}

	after, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("чтение версии схемы: %w", err)
	}
	if after != SchemaVersion {
		return fmt.Errorf("%w: после миграций версия %d, ожидалась %d", ErrSchemaMismatch, after, SchemaVersion)
	}

	logger.Info("Схема реестра актуальна",
		slog.Uint64("from", uint64(before)),
		slog.Uint64("version", uint64(after)),
	)
	return nil
}

// Schema — состояние схемы реестра в базе.
type Schema struct {
	Version uint
	Dirty   bool
	// Missing — отсутствующие таблицы из ledgerTables
	Missing []string
	// PollRow — есть единственная строка poll_state
	PollRow bool
}

// Check возвращает ErrSchemaMismatch с описанием, если со схемой брокер
// работать не может.
func (s Schema) Check() error {
	switch {
	case len(s.Missing) > 0:
		return fmt.Errorf("%w: нет таблиц %s", ErrSchemaMismatch, strings.Join(s.Missing, ", "))
	case s.Dirty:
		return fmt.Errorf("%w: миграция %d прервана", ErrSchemaMismatch, s.Version)
	case s.Version != SchemaVersion:
		return fmt.Errorf("%w: версия %d, ожидалась %d", ErrSchemaMismatch, s.Version, SchemaVersion)
	case !s.PollRow:
		return fmt.Errorf("%w: нет строки poll_state", ErrSchemaMismatch)
	}
	return nil
}

// Inspect читает версию схемы и проверяет наличие таблиц реестра.
func Inspect(ctx context.Context, pool *pgxpool.Pool) (Schema, error) {
	var s Schema

	required := append([]string{migrationsTable}, ledgerTables...)
	rows, err := pool.Query(ctx,
		`SELECT t FROM unnest($1::text[]) AS t WHERE to_regclass('public.' || t) IS NULL`, required)
	if err != nil {
		return s, fmt.Errorf("проверка таблиц: %w", err)
	}
	s.Missing, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return s, fmt.Errorf("проверка таблиц: %w", err)
	}
	if len(s.Missing) > 0 {
		return s, nil
	}

	var version int64
	err = pool.QueryRow(ctx, `SELECT version, dirty FROM `+migrationsTable+` LIMIT 1`).Scan(&version, &s.Dirty)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return s, fmt.Errorf("чтение версии схемы: %w", err)
	}
	s.Version = uint(version)

	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM poll_state WHERE id = 1)`).Scan(&s.PollRow); err != nil {
		return s, fmt.Errorf("чтение poll_state: %w", err)
	}
	return s, nil
}

// ReadinessChecker — готовность реестра для /health/ready: база доступна
// и схема совпадает с SchemaVersion.
type ReadinessChecker struct {
	pool *pgxpool.Pool
}

// NewReadinessChecker создаёт проверку готовности реестра.
func NewReadinessChecker(pool *pgxpool.Pool) *ReadinessChecker {
	return &ReadinessChecker{pool: pool}
}

// CheckReady реализует handlers.ReadinessChecker.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), readyTimeout)
	defer cancel()

	schema, err := Inspect(ctx, c.pool)
	if err != nil {
		return "fail", fmt.Sprintf("реестр недоступен: %v", err)
	}
	if err := schema.Check(); err != nil {
		return "fail", err.Error()
	}
	return "ok", fmt.Sprintf("схема версии %d", schema.Version)
}
