// Пакет database — подключение к PostgreSQL через pgxpool,
// применение миграций (golang-migrate) и проверка готовности.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/gosign/signing-module/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ApplicationName — имя подключения в pg_stat_activity.
const ApplicationName = "signing-module"

// Connect создаёт пул подключений к PostgreSQL и проверяет его ping.
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}
	if _, ok := poolCfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания пула подключений: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка подключения к PostgreSQL: %w", err)
	}

	logger.Info("Подключение к PostgreSQL установлено",
		slog.String("host", cfg.DBHost),
		slog.Int("port", cfg.DBPort),
		slog.String("database", cfg.DBName),
	)
	return pool, nil
}

// Migrate применяет встроенные SQL-миграции (драйвер pgx5).
func Migrate(cfg *config.Config, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ошибка создания источника миграций: %w", err)
	}

	dbURL := fmt.Sprintf(
		"pgx5://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBSSLMode,
	)

	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return fmt.Errorf("ошибка инициализации миграций: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("ошибка применения миграций: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("Миграции применены",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// LatestMigration возвращает номер последней встроенной миграции.
func LatestMigration() (uint, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("ошибка создания источника миграций: %w", err)
	}
	defer source.Close()

	version, err := source.First()
	if err != nil {
		return 0, fmt.Errorf("нет встроенных миграций: %w", err)
	}
	for {
		next, err := source.Next(version)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return version, nil
			}
			return 0, fmt.Errorf("ошибка чтения миграций: %w", err)
		}
		version = next
	}
}

// ReadinessChecker — проверка готовности PostgreSQL для /health/ready.
// Готовность означает доступную базу и применённую схему журнала.
type ReadinessChecker struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	want    uint
}

// NewReadinessChecker создаёт проверку готовности PostgreSQL.
func NewReadinessChecker(pool *pgxpool.Pool) *ReadinessChecker {
	want, _ := LatestMigration()
	return &ReadinessChecker{pool: pool, timeout: 3 * time.Second, want: want}
}

// CheckReady выполняет ping и сверяет версию схемы.
// Возвращает статус ("ok", "fail") и сообщение.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.pool.Ping(ctx); err != nil {
		return "fail", fmt.Sprintf("PostgreSQL недоступен: %v", err)
	}

	var (
		version int64
		dirty   bool
	)
	err := c.pool.QueryRow(ctx, `SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	switch {
	case err != nil:
		return "fail", fmt.Sprintf("схема не применена: %v", err)
	case dirty:
		return "fail", fmt.Sprintf("миграция %d применена не полностью", version)
	case version < int64(c.want):
		return "fail", fmt.Sprintf("версия схемы %d, ожидается %d", version, c.want)
	}
	return "ok", fmt.Sprintf("подключение активно, версия схемы %d", version)
}
