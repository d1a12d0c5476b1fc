// Пакет config — загрузка и валидация конфигурации Deposit Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Допустимые бэкенды поискового индекса.
const (
	IndexBackendElastic = "elastic"
	IndexBackendMemory  = "memory"
)

// Допустимые бэкенды handoff-хранилища.
const (
	HandoffBackendRedis  = "redis"
	HandoffBackendMemory = "memory"
)

// Config содержит все параметры конфигурации Deposit Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (диапазон 8020-8029)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string
	// Размер пула подключений
	DBMaxConns int
	DBMinConns int
	// Время простоя, после которого соединение закрывается
	DBMaxConnIdleTime time.Duration

	// --- Поисковый индекс ---

	// Бэкенд индекса: elastic, memory
	IndexBackend string
	// Узлы Elasticsearch
	ESURLs []string
	// Учётные данные Elasticsearch (опционально)
	ESUsername string
	ESPassword string
	// Путь к CA-сертификату Elasticsearch (опционально)
	ESCACertPath string
	// Индекс документов записей
	ESIndex string
	// Индекс проекций файлов
	ESFileIndex string
	// Ingest pipeline для документов с содержимым файлов
	ESContentPipeline string

	// Количество попыток записи в индекс
	IndexRetryMax int
	// Начальный интервал между попытками
	IndexRetryInitial time.Duration
	// Таймаут одной операции с индексом
	IndexTimeout time.Duration
	// Размер страницы scroll_by_path
	IndexScrollSize int
	// Время жизни scroll-курсора
	IndexScrollKeepAlive time.Duration
	// Максимальный размер файла, содержимое которого попадает в индекс
	IndexContentMaxSize int64
	// MIME-типы, содержимое которых попадает в индекс
	IndexContentMimetypes []string

	// --- Handoff-хранилище ---

	// Бэкенд handoff: redis, memory
	HandoffBackend string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	// Время жизни записи handoff
	HandoffTTL time.Duration
	// Ёмкость in-memory handoff
	HandoffSize int
	// Префикс ключей handoff
	HandoffPrefix string

	// --- Файлы ---

	// Корневая директория blob-хранилища
	DataDir string
	// Квота бакета (байт)
	BucketQuotaSize int64
	// Максимальный размер одного файла (байт)
	BucketMaxFileSize int64

	// --- Схемы ---

	// Директория JSON Schema по типам элементов (пусто — без валидации по схеме)
	SchemaDir string

	// --- Восстановление индекса ---

	RepairInterval time.Duration
	RepairBatch    int
	RepairMinAge   time.Duration
	// Параллелизм записей в индекс при каскадных операциях
	CascadeConcurrency int

	// --- topologymetrics ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	cfg.Port, err = getEnvInt("DM_PORT", 8020)
	if err != nil {
		return nil, fmt.Errorf("DM_PORT: %w", err)
	}
	if cfg.Port < 8020 || cfg.Port > 8029 {
		return nil, fmt.Errorf("DM_PORT: значение %d вне допустимого диапазона 8020-8029", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("DM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("DM_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("DM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("DM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	cfg.DBHost, err = getEnvRequired("DM_DB_HOST")
	if err != nil {
		return nil, err
	}

	cfg.DBPort, err = getEnvInt("DM_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("DM_DB_PORT: %w", err)
	}

	cfg.DBName, err = getEnvRequired("DM_DB_NAME")
	if err != nil {
		return nil, err
	}

	cfg.DBUser, err = getEnvRequired("DM_DB_USER")
	if err != nil {
		return nil, err
	}

	cfg.DBPassword, err = getEnvRequired("DM_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	cfg.DBSSLMode = getEnvDefault("DM_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("DM_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	cfg.DBMaxConns, err = getEnvInt("DM_DB_MAX_CONNS", 16)
	if err != nil {
		return nil, fmt.Errorf("DM_DB_MAX_CONNS: %w", err)
	}
	if cfg.DBMaxConns < 1 {
		return nil, fmt.Errorf("DM_DB_MAX_CONNS: значение %d должно быть положительным", cfg.DBMaxConns)
	}
	cfg.DBMinConns, err = getEnvInt("DM_DB_MIN_CONNS", 2)
	if err != nil {
		return nil, fmt.Errorf("DM_DB_MIN_CONNS: %w", err)
	}
	if cfg.DBMinConns < 0 || cfg.DBMinConns > cfg.DBMaxConns {
		return nil, fmt.Errorf("DM_DB_MIN_CONNS: значение %d должно быть в диапазоне 0..%d", cfg.DBMinConns, cfg.DBMaxConns)
	}
	cfg.DBMaxConnIdleTime, err = getEnvDuration("DM_DB_MAX_CONN_IDLE_TIME", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DM_DB_MAX_CONN_IDLE_TIME: %w", err)
	}

	// --- Поисковый индекс ---

	cfg.IndexBackend = getEnvDefault("DM_INDEX_BACKEND", IndexBackendElastic)
	if cfg.IndexBackend != IndexBackendElastic && cfg.IndexBackend != IndexBackendMemory {
		return nil, fmt.Errorf("DM_INDEX_BACKEND: недопустимое значение %q, допустимые: elastic, memory", cfg.IndexBackend)
	}

	cfg.ESURLs = parseCSV(getEnvDefault("DM_ES_URLS", "http://localhost:9200"))
	for _, u := range cfg.ESURLs {
		if _, err := url.ParseRequestURI(u); err != nil {
			return nil, fmt.Errorf("DM_ES_URLS: некорректный URL %q", u)
		}
	}
	if cfg.IndexBackend == IndexBackendElastic && len(cfg.ESURLs) == 0 {
		return nil, fmt.Errorf("DM_ES_URLS: не задан ни один узел Elasticsearch")
	}
	cfg.ESUsername = getEnvDefault("DM_ES_USERNAME", "")
	cfg.ESPassword = getEnvDefault("DM_ES_PASSWORD", "")
	cfg.ESCACertPath = getEnvDefault("DM_ES_CA_CERT_PATH", "")
	cfg.ESIndex = getEnvDefault("DM_ES_INDEX", "deposit-records")
	cfg.ESFileIndex = getEnvDefault("DM_ES_FILE_INDEX", "deposit-files")
	cfg.ESContentPipeline = getEnvDefault("DM_ES_CONTENT_PIPELINE", "item-file-pipeline")

	cfg.IndexRetryMax, err = getEnvInt("DM_INDEX_RETRY_MAX", 3)
	if err != nil {
		return nil, fmt.Errorf("DM_INDEX_RETRY_MAX: %w", err)
	}
	if cfg.IndexRetryMax < 0 || cfg.IndexRetryMax > 10 {
		return nil, fmt.Errorf("DM_INDEX_RETRY_MAX: значение %d вне допустимого диапазона 0-10", cfg.IndexRetryMax)
	}

	cfg.IndexRetryInitial, err = getEnvDuration("DM_INDEX_RETRY_INITIAL", 200*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("DM_INDEX_RETRY_INITIAL: %w", err)
	}

	cfg.IndexTimeout, err = getEnvDuration("DM_INDEX_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DM_INDEX_TIMEOUT: %w", err)
	}

	cfg.IndexScrollSize, err = getEnvInt("DM_INDEX_SCROLL_SIZE", 3000)
	if err != nil {
		return nil, fmt.Errorf("DM_INDEX_SCROLL_SIZE: %w", err)
	}
	if cfg.IndexScrollSize < 1 || cfg.IndexScrollSize > 10000 {
		return nil, fmt.Errorf("DM_INDEX_SCROLL_SIZE: значение %d вне допустимого диапазона 1-10000", cfg.IndexScrollSize)
	}

	cfg.IndexScrollKeepAlive, err = getEnvDuration("DM_INDEX_SCROLL_KEEPALIVE", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DM_INDEX_SCROLL_KEEPALIVE: %w", err)
	}

	cfg.IndexContentMaxSize, err = getEnvInt64("DM_INDEX_CONTENT_MAX_SIZE", 10*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("DM_INDEX_CONTENT_MAX_SIZE: %w", err)
	}

	cfg.IndexContentMimetypes = parseCSV(getEnvDefault("DM_INDEX_CONTENT_MIMETYPES",
		"application/pdf,text/plain,application/msword,"+
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document"))

	// --- Handoff ---

	cfg.HandoffBackend = getEnvDefault("DM_HANDOFF_BACKEND", HandoffBackendMemory)
	if cfg.HandoffBackend != HandoffBackendRedis && cfg.HandoffBackend != HandoffBackendMemory {
		return nil, fmt.Errorf("DM_HANDOFF_BACKEND: недопустимое значение %q, допустимые: redis, memory", cfg.HandoffBackend)
	}
	cfg.RedisAddr = getEnvDefault("DM_REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = getEnvDefault("DM_REDIS_PASSWORD", "")
	cfg.RedisDB, err = getEnvInt("DM_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("DM_REDIS_DB: %w", err)
	}

	cfg.HandoffTTL, err = getEnvDuration("DM_HANDOFF_TTL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("DM_HANDOFF_TTL: %w", err)
	}
	cfg.HandoffSize, err = getEnvInt("DM_HANDOFF_SIZE", 10000)
	if err != nil {
		return nil, fmt.Errorf("DM_HANDOFF_SIZE: %w", err)
	}
	if cfg.HandoffSize < 1 {
		return nil, fmt.Errorf("DM_HANDOFF_SIZE: значение %d должно быть положительным", cfg.HandoffSize)
	}
	cfg.HandoffPrefix = getEnvDefault("DM_HANDOFF_PREFIX", "deposit_items:")

	// --- Файлы ---

	cfg.DataDir = getEnvDefault("DM_DATA_DIR", "/data/deposit")

	cfg.BucketQuotaSize, err = getEnvInt64("DM_BUCKET_QUOTA_SIZE", 50*1024*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("DM_BUCKET_QUOTA_SIZE: %w", err)
	}
	cfg.BucketMaxFileSize, err = getEnvInt64("DM_BUCKET_MAX_FILE_SIZE", 50*1024*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("DM_BUCKET_MAX_FILE_SIZE: %w", err)
	}
	if cfg.BucketMaxFileSize > cfg.BucketQuotaSize {
		return nil, fmt.Errorf("DM_BUCKET_MAX_FILE_SIZE: %d превышает квоту бакета %d", cfg.BucketMaxFileSize, cfg.BucketQuotaSize)
	}

	cfg.SchemaDir = getEnvDefault("DM_SCHEMA_DIR", "")

	// --- Восстановление индекса ---

	cfg.RepairInterval, err = getEnvDuration("DM_REPAIR_INTERVAL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DM_REPAIR_INTERVAL: %w", err)
	}
	cfg.RepairBatch, err = getEnvInt("DM_REPAIR_BATCH", 100)
	if err != nil {
		return nil, fmt.Errorf("DM_REPAIR_BATCH: %w", err)
	}
	if cfg.RepairBatch < 1 || cfg.RepairBatch > 10000 {
		return nil, fmt.Errorf("DM_REPAIR_BATCH: значение %d вне допустимого диапазона 1-10000", cfg.RepairBatch)
	}
	cfg.RepairMinAge, err = getEnvDuration("DM_REPAIR_MIN_AGE", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DM_REPAIR_MIN_AGE: %w", err)
	}
	cfg.CascadeConcurrency, err = getEnvInt("DM_CASCADE_CONCURRENCY", 8)
	if err != nil {
		return nil, fmt.Errorf("DM_CASCADE_CONCURRENCY: %w", err)
	}
	if cfg.CascadeConcurrency < 1 {
		return nil, fmt.Errorf("DM_CASCADE_CONCURRENCY: значение %d должно быть положительным", cfg.CascadeConcurrency)
	}

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("DM_DEPHEALTH_GROUP", "deposit")
	cfg.DephealthCheckInterval, err = getEnvDuration("DM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("DM_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DM_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для лейблов topologymetrics).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s@%s:%d/%s", c.DBUser, c.DBHost, c.DBPort, c.DBName)
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

// getEnvInt64 — то же, что getEnvInt, для размеров в байтах.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	if n <= 0 {
		return 0, fmt.Errorf("значение должно быть положительным: %d", n)
	}
	return n, nil
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

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
