package database

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/goartstore/deposit-module/internal/config"
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
		postgres.WithDatabase("deposit_test"),
		postgres.WithUsername("deposit"),
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

	t.Setenv("DM_DB_HOST", host)
	t.Setenv("DM_DB_PORT", port.Port())
	t.Setenv("DM_DB_NAME", "deposit_test")
	t.Setenv("DM_DB_USER", "deposit")
	t.Setenv("DM_DB_PASSWORD", "test-password")
	t.Setenv("DM_DB_SSL_MODE", "disable")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	return cfg
}

// TestMigrate проверяет применение миграций и их идемпотентность.
func TestMigrate(t *testing.T) {
	cfg := setupTestDB(t)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if err := Migrate(cfg, logger); err != nil {
		t.Fatalf("Migrate() вернул ошибку: %v", err)
	}
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
		"deposits",
		"records",
		"revisions",
		"pids",
		"pid_relations",
		"buckets",
		"file_objects",
		"records_buckets",
		"index_outbox",
		"index_tree",
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

	var next int64
	if err := pool.QueryRow(ctx, `SELECT nextval('recid_seq')`).Scan(&next); err != nil {
		t.Fatalf("Последовательность recid_seq недоступна: %v", err)
	}
	if next != 1 {
		t.Errorf("recid_seq: ожидалось 1, получено %d", next)
	}

	if err := VerifySchema(ctx, pool); err != nil {
		t.Fatalf("VerifySchema() после миграций: %v", err)
	}

	var appName string
	if err := pool.QueryRow(ctx, `SELECT current_setting('application_name')`).Scan(&appName); err != nil {
		t.Fatalf("Ошибка чтения application_name: %v", err)
	}
	if appName != applicationName {
		t.Errorf("application_name = %q, ожидается %q", appName, applicationName)
	}

	// Без индекса одного черновика схема считается повреждённой
	if _, err := pool.Exec(ctx, `DROP INDEX uq_pid_relations_one_draft`); err != nil {
		t.Fatalf("Ошибка удаления индекса: %v", err)
	}
	err = VerifySchema(ctx, pool)
	if err == nil || !strings.Contains(err.Error(), "uq_pid_relations_one_draft") {
		t.Errorf("VerifySchema(): ожидалась ошибка про uq_pid_relations_one_draft, получено %v", err)
	}
}

func TestPoolConfig(t *testing.T) {
	cfg := &config.Config{
		DBHost: "db", DBPort: 5432, DBName: "deposit", DBUser: "deposit",
		DBPassword: "secret", DBSSLMode: "disable",
		DBMaxConns: 12, DBMinConns: 3, DBMaxConnIdleTime: time.Minute,
	}

	poolCfg, err := poolConfig(cfg)
	if err != nil {
		t.Fatalf("poolConfig() вернул ошибку: %v", err)
	}
	if poolCfg.MaxConns != 12 || poolCfg.MinConns != 3 {
		t.Errorf("пул = %d/%d, ожидается 12/3", poolCfg.MaxConns, poolCfg.MinConns)
	}
	if poolCfg.MaxConnIdleTime != time.Minute {
		t.Errorf("MaxConnIdleTime = %v, ожидается 1m", poolCfg.MaxConnIdleTime)
	}
	if got := poolCfg.ConnConfig.RuntimeParams["application_name"]; got != applicationName {
		t.Errorf("application_name = %q, ожидается %q", got, applicationName)
	}
}

func TestMigrateURL_EscapesCredentials(t *testing.T) {
	cfg := &config.Config{
		DBHost: "db", DBPort: 5433, DBName: "deposit", DBUser: "dep",
		DBPassword: "p@ss/w:rd", DBSSLMode: "require",
	}

	got := migrateURL(cfg)
	want := "pgx5://dep:p%40ss%2Fw%3Ard@db:5433/deposit?sslmode=require"
	if got != want {
		t.Errorf("migrateURL() = %q, ожидается %q", got, want)
	}
}

func TestMissingObjects(t *testing.T) {
	got := missingObjects(requiredObjects, []string{"recid_seq", "uq_file_objects_head"})
	want := []string{"uq_pid_relations_one_draft", "uq_pids_external_registered"}
	if !slices.Equal(got, want) {
		t.Errorf("missingObjects() = %v, ожидается %v", got, want)
	}
	if got := missingObjects(requiredObjects, requiredObjects); len(got) != 0 {
		t.Errorf("полная схема: ожидался пустой список, получено %v", got)
	}
}

// TestReadinessChecker проверяет ReadinessChecker.
func TestReadinessChecker(t *testing.T) {
	cfg := setupTestDB(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if err := Migrate(cfg, logger); err != nil {
		t.Fatalf("Migrate() вернул ошибку: %v", err)
	}
	pool, err := Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Connect() вернул ошибку: %v", err)
	}
	defer pool.Close()

	checker := NewReadinessChecker(pool)
	status, msg := checker.CheckReady()
	if status != "ok" {
		t.Errorf("CheckReady() status = %q, message = %q; ожидали ok", status, msg)
	}
}
