package database

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/goartstore/archive-broker/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestSchemaVersion_LatestMigration — SchemaVersion равна номеру
// последней миграции, и у каждой up есть down.
func TestSchemaVersion_LatestMigration(t *testing.T) {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		t.Fatal(err)
	}
	ups := make(map[uint]bool)
	downs := make(map[uint]bool)
	var latest uint
	for _, name := range names {
		base := strings.TrimPrefix(name, "migrations/")
		prefix, _, ok := strings.Cut(base, "_")
		if !ok {
			t.Fatalf("имя миграции без номера: %s", base)
		}
		n, err := strconv.ParseUint(prefix, 10, 32)
		if err != nil {
			t.Fatalf("номер миграции %s: %v", base, err)
		}
		v := uint(n)
		switch {
		case strings.HasSuffix(base, ".up.sql"):
			ups[v] = true
		case strings.HasSuffix(base, ".down.sql"):
			downs[v] = true
		}
		latest = max(latest, v)
	}

	if latest != SchemaVersion {
		t.Errorf("последняя миграция %d, SchemaVersion = %d", latest, SchemaVersion)
	}
	for v := range ups {
		if !downs[v] {
			t.Errorf("у миграции %d нет down", v)
		}
	}
}

func TestSchema_Check(t *testing.T) {
	tests := []struct {
		name    string
		schema  Schema
		wantErr string
	}{
		{
			name:   "актуальная схема",
			schema: Schema{Version: SchemaVersion, PollRow: true},
		},
		{
			name:    "нет таблиц",
			schema:  Schema{Missing: []string{"schema_migrations", "poll_state"}},
			wantErr: "нет таблиц schema_migrations, poll_state",
		},
		{
			name:    "прерванная миграция",
			schema:  Schema{Version: SchemaVersion, Dirty: true, PollRow: true},
			wantErr: "прервана",
		},
		{
			name:    "старая схема",
			schema:  Schema{Version: 0, PollRow: true},
			wantErr: "версия 0",
		},
		{
			name:    "схема новее брокера",
			schema:  Schema{Version: SchemaVersion + 1, PollRow: true},
			wantErr: "ожидалась",
		},
		{
			name:    "нет строки опроса",
			schema:  Schema{Version: SchemaVersion},
			wantErr: "poll_state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schema.Check()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Check() = %v", err)
				}
				return
			}
			if !errors.Is(err, ErrSchemaMismatch) {
				t.Fatalf("Check() = %v, ожидалась ErrSchemaMismatch", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Check() = %q, ожидалось упоминание %q", err, tt.wantErr)
			}
		})
	}
}

// setupTestDB запускает PostgreSQL в Docker-контейнере через testcontainers.
// Возвращает конфиг подключения; контейнер останавливается в t.Cleanup.
func setupTestDB(t *testing.T) *config.Config {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("archive_broker_test"),
		postgres.WithUsername("archive_broker"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("port контейнера: %v", err)
	}

	return &config.Config{
		DBHost:     host,
		DBPort:     port.Int(),
		DBName:     "archive_broker_test",
		DBUser:     "archive_broker",
		DBPassword: "test-password",
		DBSSLMode:  "disable",
	}
}

// TestReadiness_BeforeAndAfterMigrate — до миграций база доступна, но
// не готова; после Migrate схема актуальна, повторный Migrate не меняет её.
func TestReadiness_BeforeAndAfterMigrate(t *testing.T) {
	cfg := setupTestDB(t)
	ctx := context.Background()
	logger := testLogger()

	pool, err := Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer pool.Close()

	checker := NewReadinessChecker(pool)
	if status, msg := checker.CheckReady(); status != "fail" || !strings.Contains(msg, "transfer_jobs") {
		t.Errorf("до миграций: %s %q, ожидался fail с перечнем таблиц", status, msg)
	}

	if err := Migrate(cfg, logger); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := Migrate(cfg, logger); err != nil {
		t.Fatalf("повторный Migrate: %v", err)
	}

	schema, err := Inspect(ctx, pool)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if schema.Version != SchemaVersion || schema.Dirty || !schema.PollRow || len(schema.Missing) != 0 {
		t.Errorf("схема после миграций: %+v", schema)
	}
	if status, msg := checker.CheckReady(); status != "ok" {
		t.Errorf("после миграций: %s %q", status, msg)
	}
}

// TestMigrate_RejectsNewerSchema — брокер не работает с базой,
// изменённой более новой версией.
func TestMigrate_RejectsNewerSchema(t *testing.T) {
	cfg := setupTestDB(t)
	ctx := context.Background()
	logger := testLogger()

	if err := Migrate(cfg, logger); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	pool, err := Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, `UPDATE schema_migrations SET version = $1`, int64(SchemaVersion)+1); err != nil {
		t.Fatalf("подмена версии: %v", err)
	}
	if err := Migrate(cfg, logger); !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("Migrate на новой схеме = %v, ожидалась ErrSchemaMismatch", err)
	}
	if status, _ := NewReadinessChecker(pool).CheckReady(); status != "fail" {
		t.Errorf("CheckReady на новой схеме = %s, ожидался fail", status)
	}
}

// TestReadiness_PollRowRemoved — без строки poll_state опрос не может
// записывать своё состояние.
func TestReadiness_PollRowRemoved(t *testing.T) {
	cfg := setupTestDB(t)
	ctx := context.Background()
	logger := testLogger()

	if err := Migrate(cfg, logger); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	pool, err := Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, `DELETE FROM poll_state`); err != nil {
		t.Fatalf("удаление poll_state: %v", err)
	}
	status, msg := NewReadinessChecker(pool).CheckReady()
	if status != "fail" || !strings.Contains(msg, "poll_state") {
		t.Errorf("CheckReady = %s %q", status, msg)
	}
}
