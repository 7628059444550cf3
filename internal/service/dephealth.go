// dephealth.go — мониторинг зависимостей через topologymetrics SDK.
//
// Signing Module мониторит:
//   - PostgreSQL — SQL checker через существующий pgxpool (pool mode, critical)
//   - Keycloak — HTTP checker к JWKS endpoint (critical, если включена аутентификация)
//   - сервис анализа содержимого — HTTP checker (non-critical, режим http)
//
// Метрики app_dependency_* публикуются на /metrics вместе с остальными.
package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // HTTP checker для Keycloak и анализа
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// DephealthConfig — набор отслеживаемых зависимостей. Пустые поля
// означают, что зависимость не используется.
type DephealthConfig struct {
	ServiceID string
	Group     string
	// *sql.DB из pgxpool через stdlib.OpenDBFromPool(); nil — режим memory
	DB *sql.DB
	// URL PostgreSQL для меток метрик
	PGConnURL       string
	KeycloakJWKSURL string
	AnalysisURL     string
	CheckInterval   time.Duration
}

// DephealthService — мониторинг зависимостей.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// errNoDependencies — нечего мониторить (memory-режим без Keycloak).
var errNoDependencies = errors.New("нет зависимостей для мониторинга")

// NewDephealthService создаёт сервис с регистрацией метрик в глобальном registry.
func NewDephealthService(cfg DephealthConfig, logger *slog.Logger) (*DephealthService, error) {
	return newDephealthService(cfg, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(cfg DephealthConfig, logger *slog.Logger, registerer prometheus.Registerer) (*DephealthService, error) {
	return newDephealthService(cfg, logger, dephealth.WithRegisterer(registerer))
}

func newDephealthService(cfg DephealthConfig, logger *slog.Logger, extraOpts ...dephealth.Option) (*DephealthService, error) {
	opts := []dephealth.Option{dephealth.WithLogger(logger)}

	if cfg.DB != nil {
		opts = append(opts, dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(cfg.DB)),
			dephealth.FromURL(cfg.PGConnURL),
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(true),
		))
	}
	if cfg.KeycloakJWKSURL != "" {
		opts = append(opts, dephealth.HTTP("keycloak-jwks",
			dephealth.FromURL(cfg.KeycloakJWKSURL),
			dephealth.WithHTTPHealthPath(healthPath(cfg.KeycloakJWKSURL)),
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(true),
			dephealth.WithHTTPTLSSkipVerify(true), // Dev-среда: self-signed сертификаты
		))
	}
	if cfg.AnalysisURL != "" {
		opts = append(opts, dephealth.HTTP("content-analysis",
			dephealth.FromURL(cfg.AnalysisURL),
			dephealth.WithHTTPHealthPath(healthPath(cfg.AnalysisURL)),
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(false),
		))
	}
	if len(opts) == 1 {
		return nil, errNoDependencies
	}
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(cfg.ServiceID, cfg.Group, opts...)
	if err != nil {
		return nil, err
	}
	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// IsNoDependencies сообщает, что мониторинг не нужен.
func IsNoDependencies(err error) bool {
	return errors.Is(err, errNoDependencies)
}

// healthPath — путь проверки: path самого URL или /health.
// У Keycloak /health доступен только на management-порту,
// поэтому проверяется сам JWKS endpoint.
func healthPath(rawURL string) string {
	if parsed, err := url.Parse(rawURL); err == nil && parsed.Path != "" {
		return parsed.Path
	}
	return "/health"
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает состояние зависимостей: имя → ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
