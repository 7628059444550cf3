package database

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/gosign/signing-module/internal/config"
)

// setupTestDB запускает PostgreSQL в Docker-контейнере через testcontainers.
func setupTestDB(t *testing.T) *config.Config {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("gosign_test"),
		postgres.WithUsername("gosign"),
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
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	t.Setenv("SG_DB_HOST", host)
	t.Setenv("SG_DB_PORT", port.Port())
	t.Setenv("SG_DB_NAME", "gosign_test")
	t.Setenv("SG_DB_USER", "gosign")
	t.Setenv("SG_DB_PASSWORD", "test-password")
	t.Setenv("SG_DB_SSL_MODE", "disable")
	t.Setenv("SG_AUTH_ENABLED", "false")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestConnect(t *testing.T) {
	cfg := setupTestDB(t)
	ctx := context.Background()

	pool, err := Connect(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("Connect() вернул ошибку: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("pool.Ping() вернул ошибку: %v", err)
	}
}

// TestMigrate проверяет применение миграций и их идемпотентность.
func TestMigrate(t *testing.T) {
	cfg := setupTestDB(t)
	logger := testLogger()

	if err := Migrate(cfg, logger); err != nil {
		t.Fatalf("Migrate() вернул ошибку: %v", err)
	}
	// Повторное применение — ErrNoChange, не ошибка
	if err := Migrate(cfg, logger); err != nil {
		t.Fatalf("Повторный Migrate() вернул ошибку: %v", err)
	}

	ctx := context.Background()
	pool, err := Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Connect() вернул ошибку: %v", err)
	}
	defer pool.Close()

	tables := []string{
		"documents",
		"signature_requests",
		"recipients",
		"signature_records",
		"audit_events",
		"signature_fields",
	}
	for _, table := range tables {
		var exists bool
		err := pool.QueryRow(ctx,
			`SELECT EXISTS (
				SELECT FROM information_schema.tables
				WHERE table_schema = 'public' AND table_name = $1
			)`, table).Scan(&exists)
		if err != nil {
			t.Fatalf("Ошибка проверки таблицы %s: %v", table, err)
		}
		if !exists {
			t.Errorf("Таблица %s не создана", table)
		}
	}
}

func TestLatestMigration(t *testing.T) {
	version, err := LatestMigration()
	if err != nil {
		t.Fatalf("LatestMigration() вернул ошибку: %v", err)
	}
	if version != 2 {
		t.Errorf("LatestMigration() = %d, ожидали 2", version)
	}
}

func TestReadinessChecker(t *testing.T) {
	cfg := setupTestDB(t)
	ctx := context.Background()
	logger := testLogger()

	pool, err := Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Connect() вернул ошибку: %v", err)
	}

	checker := NewReadinessChecker(pool)
	if status, msg := checker.CheckReady(); status != "fail" {
		t.Errorf("CheckReady() без миграций = (%q, %q), ожидали fail", status, msg)
	}

	if err := Migrate(cfg, logger); err != nil {
		t.Fatalf("Migrate() вернул ошибку: %v", err)
	}
	if status, msg := checker.CheckReady(); status != "ok" {
		t.Errorf("CheckReady() = (%q, %q), ожидали ok", status, msg)
	}

	var appName string
	if err := pool.QueryRow(ctx, `SELECT current_setting('application_name')`).Scan(&appName); err != nil {
		t.Fatalf("application_name: %v", err)
	}
	if appName != ApplicationName {
		t.Errorf("application_name = %q, ожидали %q", appName, ApplicationName)
	}

	pool.Close()
	if status, _ := checker.CheckReady(); status != "fail" {
		t.Errorf("CheckReady() после Close = %q, ожидали fail", status)
	}
}
