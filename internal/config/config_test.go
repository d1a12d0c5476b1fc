package config

import (
	"log/slog"
	"testing"
	"time"
)

// setEnvs устанавливает переменные окружения на время теста.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

// minimalEnvs возвращает минимальный набор обязательных переменных.
func minimalEnvs() map[string]string {
	return map[string]string{
		"DM_DB_HOST":     "localhost",
		"DM_DB_NAME":     "deposit",
		"DM_DB_USER":     "deposit",
		"DM_DB_PASSWORD": "secret",
	}
}

func TestLoad_MinimalConfig(t *testing.T) {
	setEnvs(t, minimalEnvs())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	if cfg.Port != 8020 {
		t.Errorf("Port = %d, ожидается 8020", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, ожидается Info", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, ожидается json", cfg.LogFormat)
	}
	if cfg.DBPort != 5432 {
		t.Errorf("DBPort = %d, ожидается 5432", cfg.DBPort)
	}
	if cfg.IndexBackend != IndexBackendElastic {
		t.Errorf("IndexBackend = %q, ожидается elastic", cfg.IndexBackend)
	}
	if len(cfg.ESURLs) != 1 || cfg.ESURLs[0] != "http://localhost:9200" {
		t.Errorf("ESURLs = %v, ожидается [http://localhost:9200]", cfg.ESURLs)
	}
	if cfg.ESIndex != "deposit-records" {
		t.Errorf("ESIndex = %q, ожидается deposit-records", cfg.ESIndex)
	}
	if cfg.IndexRetryMax != 3 {
		t.Errorf("IndexRetryMax = %d, ожидается 3", cfg.IndexRetryMax)
	}
	if cfg.IndexScrollSize != 3000 {
		t.Errorf("IndexScrollSize = %d, ожидается 3000", cfg.IndexScrollSize)
	}
	if cfg.IndexScrollKeepAlive != time.Minute {
		t.Errorf("IndexScrollKeepAlive = %v, ожидается 1m", cfg.IndexScrollKeepAlive)
	}
	if cfg.HandoffBackend != HandoffBackendMemory {
		t.Errorf("HandoffBackend = %q, ожидается memory", cfg.HandoffBackend)
	}
	if cfg.HandoffTTL != time.Hour {
		t.Errorf("HandoffTTL = %v, ожидается 1h", cfg.HandoffTTL)
	}
	if cfg.HandoffPrefix != "deposit_items:" {
		t.Errorf("HandoffPrefix = %q, ожидается deposit_items:", cfg.HandoffPrefix)
	}
	if cfg.RepairInterval != time.Minute {
		t.Errorf("RepairInterval = %v, ожидается 1m", cfg.RepairInterval)
	}
	if cfg.CascadeConcurrency != 8 {
		t.Errorf("CascadeConcurrency = %d, ожидается 8", cfg.CascadeConcurrency)
	}
	if cfg.DBMaxConns != 16 || cfg.DBMinConns != 2 {
		t.Errorf("пул БД = %d/%d, ожидается 16/2", cfg.DBMaxConns, cfg.DBMinConns)
	}
	if cfg.DBMaxConnIdleTime != 5*time.Minute {
		t.Errorf("DBMaxConnIdleTime = %v, ожидается 5m", cfg.DBMaxConnIdleTime)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v, ожидается 5s", cfg.ShutdownTimeout)
	}
	if len(cfg.IndexContentMimetypes) != 4 {
		t.Errorf("IndexContentMimetypes: ожидалось 4 типа, получено %d", len(cfg.IndexContentMimetypes))
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	required := []string{"DM_DB_HOST", "DM_DB_NAME", "DM_DB_USER", "DM_DB_PASSWORD"}

	for _, key := range required {
		t.Run(key, func(t *testing.T) {
			envs := minimalEnvs()
			delete(envs, key)
			setEnvs(t, envs)
			t.Setenv(key, "")

			if _, err := Load(); err == nil {
				t.Errorf("ожидалась ошибка при отсутствии %s", key)
			}
		})
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"порт вне диапазона", "DM_PORT", "8000"},
		{"порт не число", "DM_PORT", "abc"},
		{"уровень логов", "DM_LOG_LEVEL", "trace"},
		{"формат логов", "DM_LOG_FORMAT", "xml"},
		{"ssl mode", "DM_DB_SSL_MODE", "maybe"},
		{"бэкенд индекса", "DM_INDEX_BACKEND", "solr"},
		{"URL Elasticsearch", "DM_ES_URLS", "::bad"},
		{"число попыток", "DM_INDEX_RETRY_MAX", "42"},
		{"размер страницы", "DM_INDEX_SCROLL_SIZE", "0"},
		{"бэкенд handoff", "DM_HANDOFF_BACKEND", "memcached"},
		{"длительность", "DM_HANDOFF_TTL", "час"},
		{"квота", "DM_BUCKET_QUOTA_SIZE", "-1"},
		{"размер батча", "DM_REPAIR_BATCH", "0"},
		{"параллелизм", "DM_CASCADE_CONCURRENCY", "0"},
		{"размер пула", "DM_DB_MAX_CONNS", "0"},
		{"минимум пула больше максимума", "DM_DB_MIN_CONNS", "17"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnvs(t, minimalEnvs())
			t.Setenv(tt.key, tt.val)

			if _, err := Load(); err == nil {
				t.Errorf("ожидалась ошибка для %s=%q", tt.key, tt.val)
			}
		})
	}
}

func TestLoad_MaxFileSizeAboveQuota(t *testing.T) {
	setEnvs(t, minimalEnvs())
	t.Setenv("DM_BUCKET_QUOTA_SIZE", "1024")
	t.Setenv("DM_BUCKET_MAX_FILE_SIZE", "2048")

	if _, err := Load(); err == nil {
		t.Error("ожидалась ошибка: размер файла больше квоты")
	}
}

func TestLoad_CustomValues(t *testing.T) {
	setEnvs(t, minimalEnvs())
	setEnvs(t, map[string]string{
		"DM_PORT":            "8025",
		"DM_LOG_LEVEL":       "debug",
		"DM_INDEX_BACKEND":   "memory",
		"DM_ES_URLS":         "http://es1:9200, http://es2:9200",
		"DM_HANDOFF_BACKEND": "redis",
		"DM_REDIS_ADDR":      "redis:6379",
		"DM_REDIS_DB":        "2",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}
	if cfg.Port != 8025 {
		t.Errorf("Port = %d, ожидается 8025", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, ожидается Debug", cfg.LogLevel)
	}
	if len(cfg.ESURLs) != 2 || cfg.ESURLs[1] != "http://es2:9200" {
		t.Errorf("ESURLs = %v", cfg.ESURLs)
	}
	if cfg.RedisAddr != "redis:6379" || cfg.RedisDB != 2 {
		t.Errorf("Redis = %s/%d, ожидается redis:6379/2", cfg.RedisAddr, cfg.RedisDB)
	}
}

func TestDatabaseDSN(t *testing.T) {
	cfg := &Config{
		DBHost: "db", DBPort: 5433, DBName: "deposit",
		DBUser: "u", DBPassword: "p", DBSSLMode: "require",
	}
	want := "host=db port=5433 dbname=deposit user=u password=p sslmode=require"
	if got := cfg.DatabaseDSN(); got != want {
		t.Errorf("DatabaseDSN() = %q, ожидается %q", got, want)
	}
	if got := cfg.DatabaseURL(); got != "postgres://u@db:5433/deposit" {
		t.Errorf("DatabaseURL() = %q", got)
	}
}

func TestParseCSV(t *testing.T) {
	got := parseCSV(" a, ,b ,c")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("parseCSV = %v, ожидается [a b c]", got)
	}
	if parseCSV("") != nil {
		t.Error("parseCSV(\"\") должен вернуть nil")
	}
}
