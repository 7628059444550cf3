// Пакет config — загрузка и валидация конфигурации Signing Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Режимы хранения.
const (
	// StoragePostgres — основное хранилище (PostgreSQL).
	StoragePostgres = "postgres"
	// StorageMemory — in-memory хранилище (dev/тесты, без персистентности).
	StorageMemory = "memory"
)

// Режимы анализа содержимого.
const (
	AnalysisDisabled = "disabled"
	AnalysisStub     = "stub"
	AnalysisHTTP     = "http"
)

// Config содержит все параметры конфигурации Signing Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (диапазон 8010-8019)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- Хранилище ---

	// Режим хранения: postgres, memory
	Storage string

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Аутентификация ---

	// Включена ли проверка JWT (false — только для локальной разработки)
	AuthEnabled bool
	// URL Keycloak (например, https://keycloak.kryukov.lan)
	KeycloakURL string
	// Имя realm в Keycloak
	KeycloakRealm string
	// Issuer JWT (авто-вычисляется из KeycloakURL, если не задан)
	JWTIssuer string
	// URL JWKS endpoint (авто-вычисляется из KeycloakURL, если не задан)
	JWTJWKSURL string
	// Путь к CA-сертификату для JWKS (опционально)
	JWKSCACertPath string
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration
	// Интервал обновления JWKS-ключей
	JWKSRefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration

	// --- Подписание ---

	// Срок действия запроса на подпись по умолчанию (дни)
	DefaultExpiryDays int
	// Максимальный размер загружаемого документа (байт)
	MaxContentSize int64

	// --- Compliance ---

	// Фреймворк compliance по умолчанию
	ComplianceFramework string
	// Максимальное число отчётов в кэше
	ComplianceCacheSize int
	// Время жизни отчёта в кэше
	ComplianceCacheTTL time.Duration

	// --- Redis (KV + pub/sub) ---

	// Адрес Redis (host:port). Пусто — in-memory KV и логирующий publisher.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// TTL ответов для Idempotency-Key
	IdempotencyTTL time.Duration

	// --- RabbitMQ (уведомления) ---

	// URL AMQP. Пусто — уведомления только логируются.
	AMQPURL string
	// Exchange для уведомлений
	AMQPExchange string
	// Количество воркеров диспетчера уведомлений
	NotifyWorkers int
	// Размер очереди диспетчера уведомлений
	NotifyQueueSize int

	// --- MinIO (содержимое документов) ---

	// Endpoint MinIO (host:port). Пусто — содержимое хранится в памяти.
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	// --- Анализ содержимого ---

	// Режим анализа: disabled, stub, http
	AnalysisMode string
	// URL сервиса анализа (для режима http)
	AnalysisURL string
	// Таймаут запроса к сервису анализа
	AnalysisTimeout time.Duration

	// --- Rate limiting ---

	// Запросов в секунду на клиента (0 — выключено)
	RateLimitRPS float64
	// Размер burst
	RateLimitBurst int

	// --- topologymetrics ---

	// Имя группы в метриках dephealth
	DephealthGroup string
	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// SG_PORT — порт HTTP-сервера (по умолчанию 8010)
	cfg.Port, err = getEnvInt("SG_PORT", 8010)
	if err != nil {
		return nil, fmt.Errorf("SG_PORT: %w", err)
	}
	if cfg.Port < 8010 || cfg.Port > 8019 {
		return nil, fmt.Errorf("SG_PORT: значение %d вне допустимого диапазона 8010-8019", cfg.Port)
	}

	// SG_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("SG_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("SG_LOG_LEVEL: %w", err)
	}

	// SG_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("SG_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("SG_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- Хранилище ---

	cfg.Storage = getEnvDefault("SG_STORAGE", StoragePostgres)
	if cfg.Storage != StoragePostgres && cfg.Storage != StorageMemory {
		return nil, fmt.Errorf("SG_STORAGE: недопустимое значение %q, допустимые: postgres, memory", cfg.Storage)
	}

	// --- PostgreSQL ---

	if cfg.Storage == StoragePostgres {
		if err := loadDatabase(cfg); err != nil {
			return nil, err
		}
	}

	// --- Аутентификация ---

	cfg.AuthEnabled, err = getEnvBool("SG_AUTH_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("SG_AUTH_ENABLED: %w", err)
	}
	if cfg.AuthEnabled {
		if err := loadAuth(cfg); err != nil {
			return nil, err
		}
	}

	// --- Подписание ---

	cfg.DefaultExpiryDays, err = getEnvInt("SG_DEFAULT_EXPIRY_DAYS", 7)
	if err != nil {
		return nil, fmt.Errorf("SG_DEFAULT_EXPIRY_DAYS: %w", err)
	}
	if cfg.DefaultExpiryDays < 1 || cfg.DefaultExpiryDays > 365 {
		return nil, fmt.Errorf("SG_DEFAULT_EXPIRY_DAYS: значение %d вне допустимого диапазона 1-365", cfg.DefaultExpiryDays)
	}

	maxContent, err := getEnvInt("SG_MAX_CONTENT_SIZE", 50*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("SG_MAX_CONTENT_SIZE: %w", err)
	}
	if maxContent < 1 {
		return nil, fmt.Errorf("SG_MAX_CONTENT_SIZE: значение %d должно быть положительным", maxContent)
	}
	cfg.MaxContentSize = int64(maxContent)

	// --- Compliance ---

	cfg.ComplianceFramework = getEnvDefault("SG_COMPLIANCE_FRAMEWORK", "eta-2019")

	cfg.ComplianceCacheSize, err = getEnvInt("SG_COMPLIANCE_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("SG_COMPLIANCE_CACHE_SIZE: %w", err)
	}
	if cfg.ComplianceCacheSize < 1 {
		return nil, fmt.Errorf("SG_COMPLIANCE_CACHE_SIZE: значение %d должно быть положительным", cfg.ComplianceCacheSize)
	}

	cfg.ComplianceCacheTTL, err = getEnvDuration("SG_COMPLIANCE_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("SG_COMPLIANCE_CACHE_TTL: %w", err)
	}

	// --- Redis ---

	cfg.RedisAddr = getEnvDefault("SG_REDIS_ADDR", "")
	cfg.RedisPassword = getEnvDefault("SG_REDIS_PASSWORD", "")
	cfg.RedisDB, err = getEnvInt("SG_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("SG_REDIS_DB: %w", err)
	}
	cfg.IdempotencyTTL, err = getEnvDuration("SG_IDEMPOTENCY_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("SG_IDEMPOTENCY_TTL: %w", err)
	}

	// --- RabbitMQ ---

	cfg.AMQPURL = getEnvDefault("SG_AMQP_URL", "")
	cfg.AMQPExchange = getEnvDefault("SG_AMQP_EXCHANGE", "signing.notifications")

	cfg.NotifyWorkers, err = getEnvInt("SG_NOTIFY_WORKERS", 2)
	if err != nil {
		return nil, fmt.Errorf("SG_NOTIFY_WORKERS: %w", err)
	}
	if cfg.NotifyWorkers < 1 || cfg.NotifyWorkers > 64 {
		return nil, fmt.Errorf("SG_NOTIFY_WORKERS: значение %d вне допустимого диапазона 1-64", cfg.NotifyWorkers)
	}

	cfg.NotifyQueueSize, err = getEnvInt("SG_NOTIFY_QUEUE_SIZE", 1024)
	if err != nil {
		return nil, fmt.Errorf("SG_NOTIFY_QUEUE_SIZE: %w", err)
	}
	if cfg.NotifyQueueSize < 1 {
		return nil, fmt.Errorf("SG_NOTIFY_QUEUE_SIZE: значение %d должно быть положительным", cfg.NotifyQueueSize)
	}

	// --- MinIO ---

	cfg.MinioEndpoint = getEnvDefault("SG_MINIO_ENDPOINT", "")
	if cfg.MinioEndpoint != "" {
		cfg.MinioAccessKey, err = getEnvRequired("SG_MINIO_ACCESS_KEY")
		if err != nil {
			return nil, err
		}
		cfg.MinioSecretKey, err = getEnvRequired("SG_MINIO_SECRET_KEY")
		if err != nil {
			return nil, err
		}
	}
	cfg.MinioBucket = getEnvDefault("SG_MINIO_BUCKET", "signing-documents")
	cfg.MinioUseSSL, err = getEnvBool("SG_MINIO_USE_SSL", false)
	if err != nil {
		return nil, fmt.Errorf("SG_MINIO_USE_SSL: %w", err)
	}

	// --- Анализ содержимого ---

	cfg.AnalysisMode = getEnvDefault("SG_ANALYSIS_MODE", AnalysisStub)
	switch cfg.AnalysisMode {
	case AnalysisDisabled, AnalysisStub:
	case AnalysisHTTP:
		cfg.AnalysisURL, err = getEnvRequired("SG_ANALYSIS_URL")
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("SG_ANALYSIS_MODE: недопустимое значение %q, допустимые: disabled, stub, http", cfg.AnalysisMode)
	}
	cfg.AnalysisTimeout, err = getEnvDuration("SG_ANALYSIS_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("SG_ANALYSIS_TIMEOUT: %w", err)
	}

	// --- Rate limiting ---

	cfg.RateLimitRPS, err = getEnvFloat("SG_RATE_LIMIT_RPS", 20)
	if err != nil {
		return nil, fmt.Errorf("SG_RATE_LIMIT_RPS: %w", err)
	}
	if cfg.RateLimitRPS < 0 {
		return nil, fmt.Errorf("SG_RATE_LIMIT_RPS: значение %v не может быть отрицательным", cfg.RateLimitRPS)
	}
	cfg.RateLimitBurst, err = getEnvInt("SG_RATE_LIMIT_BURST", 40)
	if err != nil {
		return nil, fmt.Errorf("SG_RATE_LIMIT_BURST: %w", err)
	}

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("SG_DEPHEALTH_GROUP", "gosign")
	cfg.DephealthCheckInterval, err = getEnvDuration("SG_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("SG_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("SG_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("SG_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// loadDatabase загружает параметры подключения к PostgreSQL.
func loadDatabase(cfg *Config) error {
	var err error

	cfg.DBHost, err = getEnvRequired("SG_DB_HOST")
	if err != nil {
		return err
	}

	cfg.DBPort, err = getEnvInt("SG_DB_PORT", 5432)
	if err != nil {
		return fmt.Errorf("SG_DB_PORT: %w", err)
	}

	cfg.DBName, err = getEnvRequired("SG_DB_NAME")
	if err != nil {
		return err
	}

	cfg.DBUser, err = getEnvRequired("SG_DB_USER")
	if err != nil {
		return err
	}

	cfg.DBPassword, err = getEnvRequired("SG_DB_PASSWORD")
	if err != nil {
		return err
	}

	cfg.DBSSLMode = getEnvDefault("SG_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return fmt.Errorf("SG_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}
	return nil
}

// loadAuth загружает параметры Keycloak и JWT.
func loadAuth(cfg *Config) error {
	var err error

	cfg.KeycloakURL, err = getEnvRequired("SG_KEYCLOAK_URL")
	if err != nil {
		return err
	}
	cfg.KeycloakURL = strings.TrimRight(cfg.KeycloakURL, "/")

	cfg.KeycloakRealm = getEnvDefault("SG_KEYCLOAK_REALM", "gosign")

	cfg.JWTIssuer = getEnvDefault("SG_JWT_ISSUER",
		fmt.Sprintf("%s/realms/%s", cfg.KeycloakURL, cfg.KeycloakRealm))

	cfg.JWTJWKSURL = getEnvDefault("SG_JWT_JWKS_URL",
		fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", cfg.KeycloakURL, cfg.KeycloakRealm))

	cfg.JWKSCACertPath = getEnvDefault("SG_JWKS_CA_CERT_PATH", "")

	cfg.JWKSClientTimeout, err = getEnvDuration("SG_JWKS_CLIENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return fmt.Errorf("SG_JWKS_CLIENT_TIMEOUT: %w", err)
	}

	cfg.JWKSRefreshInterval, err = getEnvDuration("SG_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return fmt.Errorf("SG_JWKS_REFRESH_INTERVAL: %w", err)
	}

	cfg.JWTLeeway, err = getEnvDuration("SG_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return fmt.Errorf("SG_JWT_LEEWAY: %w", err)
	}
	return nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для лейблов dephealth).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvFloat возвращает значение с плавающей точкой или значение по умолчанию.
func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное число: %q", val)
	}
	return f, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
