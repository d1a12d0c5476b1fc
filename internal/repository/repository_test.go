package repository

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/goartstore/deposit-module/internal/config"
	"github.com/bigkaa/goartstore/deposit-module/internal/database"
	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
)

// setupTestDB запускает PostgreSQL контейнер, применяет миграции.
func setupTestDB(t *testing.T) *pgxpool.Pool {
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

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

func newTestDeposit(title string) *model.Deposit {
	id := uuid.New()
	d := &model.Deposit{Body: model.Body{
		ID:            id,
		Metadata:      model.Metadata{"title": title},
		Path:          []string{"1"},
		PublishStatus: model.PublishPrivate,
	}}
	d.System.Deposit = model.DepositBlock{ID: "1", Status: model.DepositDraft, Owners: []string{"7"}}
	return d
}

// --- Тесты RecordRepository ---

func TestDepositRevisions(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewRecordRepository(pool)

	d := newTestDeposit("A")
	if err := repo.CreateDeposit(ctx, d); err != nil {
		t.Fatalf("CreateDeposit() ошибка: %v", err)
	}
	if d.Revision != 0 || d.CreatedAt.IsZero() {
		t.Fatalf("после создания: revision = %d, created_at = %v", d.Revision, d.CreatedAt)
	}

	d.Metadata["title"] = "B"
	if err := repo.SaveDeposit(ctx, d, 0); err != nil {
		t.Fatalf("SaveDeposit() ошибка: %v", err)
	}
	if d.Revision != 1 {
		t.Errorf("revision = %d, ожидалось 1", d.Revision)
	}

	// Устаревшая ревизия отклоняется
	d.Metadata["title"] = "C"
	if err := repo.SaveDeposit(ctx, d, 0); !errors.Is(err, ErrStaleRevision) {
		t.Errorf("SaveDeposit(0) = %v, ожидалось ErrStaleRevision", err)
	}

	got, err := repo.GetDeposit(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDeposit() ошибка: %v", err)
	}
	if got.Metadata.Title() != "B" || got.Revision != 1 {
		t.Errorf("GetDeposit: title = %q, revision = %d", got.Metadata.Title(), got.Revision)
	}
	if got.System.Deposit.Status != model.DepositDraft || len(got.System.Deposit.Owners) != 1 {
		t.Errorf("системные поля не сохранены: %+v", got.System.Deposit)
	}

	anc, err := repo.GetRevision(ctx, d.ID, model.KindDeposit, 0)
	if err != nil {
		t.Fatalf("GetRevision() ошибка: %v", err)
	}
	if anc.Metadata.Title() != "A" {
		t.Errorf("ревизия 0: title = %q, ожидалось A", anc.Metadata.Title())
	}

	if _, err := repo.GetDeposit(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDeposit(несуществующий) = %v, ожидалось ErrNotFound", err)
	}
	missing := newTestDeposit("X")
	if err := repo.SaveDeposit(ctx, missing, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("SaveDeposit(несуществующий) = %v, ожидалось ErrNotFound", err)
	}
}

func TestRecordCreateAndSave(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewRecordRepository(pool)

	rec := &model.Record{Body: newTestDeposit("A").Body}
	if err := repo.CreateRecord(ctx, rec); err != nil {
		t.Fatalf("CreateRecord() ошибка: %v", err)
	}
	if err := repo.CreateRecord(ctx, rec); !errors.Is(err, ErrConflict) {
		t.Errorf("повторный CreateRecord() = %v, ожидалось ErrConflict", err)
	}

	rec.PublishStatus = model.PublishPublic
	if err := repo.SaveRecord(ctx, rec, 0); err != nil {
		t.Fatalf("SaveRecord() ошибка: %v", err)
	}
	got, err := repo.GetRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetRecord() ошибка: %v", err)
	}
	if got.Revision != 1 || got.PublishStatus != model.PublishPublic {
		t.Errorf("GetRecord: revision = %d, publish_status = %q", got.Revision, got.PublishStatus)
	}
}

// --- Тесты PIDRepository ---

func TestPIDLifecycle(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewPIDRepository(pool)
	obj := uuid.New()

	recid := &model.PID{Type: model.PIDRecID, Value: "1", Status: model.PIDReserved, ObjectID: obj}
	if err := repo.Create(ctx, recid); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}
	dup := &model.PID{Type: model.PIDRecID, Value: "1", Status: model.PIDReserved, ObjectID: uuid.New()}
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("дубликат recid = %v, ожидалось ErrConflict", err)
	}
	depid := &model.PID{Type: model.PIDDepID, Value: "1", Status: model.PIDRegistered, ObjectID: obj}
	if err := repo.Create(ctx, depid); err != nil {
		t.Fatalf("Create(depid) ошибка: %v", err)
	}

	n, err := repo.MarkDeleted(ctx, obj)
	if err != nil || n != 2 {
		t.Fatalf("MarkDeleted() = %d, %v; ожидалось 2", n, err)
	}
	got, _ := repo.Get(ctx, model.PIDRecID, "1")
	if got.Status != model.PIDDeleted || got.StatusBeforeDelete != model.PIDReserved {
		t.Errorf("после удаления: status = %q, before = %q", got.Status, got.StatusBeforeDelete)
	}

	if _, err := repo.RestoreDeleted(ctx, obj); err != nil {
		t.Fatalf("RestoreDeleted() ошибка: %v", err)
	}
	got, _ = repo.Get(ctx, model.PIDRecID, "1")
	if got.Status != model.PIDRegistered {
		t.Errorf("после восстановления recid: status = %q, ожидалось registered", got.Status)
	}
	got, _ = repo.Get(ctx, model.PIDDepID, "1")
	if got.Status != model.PIDRegistered {
		t.Errorf("после восстановления depid: status = %q, ожидалось registered", got.Status)
	}

	// Повторное восстановление — no-op
	if n, _ := repo.RestoreDeleted(ctx, obj); n != 0 {
		t.Errorf("повторный RestoreDeleted() = %d, ожидалось 0", n)
	}
}

func TestLineageOneDraft(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewPIDRepository(pool)

	first, second := uuid.New(), uuid.New()
	parent := &model.PID{Type: model.PIDParent, Value: "parent:1", Status: model.PIDRegistered, ObjectID: first}
	c0 := &model.PID{Type: model.PIDRecID, Value: "1", Status: model.PIDRegistered, ObjectID: first}
	c1 := &model.PID{Type: model.PIDRecID, Value: "1.1", Status: model.PIDReserved, ObjectID: second}
	c2 := &model.PID{Type: model.PIDRecID, Value: "1.2", Status: model.PIDReserved, ObjectID: uuid.New()}
	for _, p := range []*model.PID{parent, c0, c1, c2} {
		if err := repo.Create(ctx, p); err != nil {
			t.Fatalf("Create(%s) ошибка: %v", p.Value, err)
		}
	}

	if err := repo.InsertChild(ctx, parent.ID, c0.ID, 0, false); err != nil {
		t.Fatalf("InsertChild(0) ошибка: %v", err)
	}
	if err := repo.InsertChild(ctx, parent.ID, c1.ID, 1, true); err != nil {
		t.Fatalf("InsertChild(1) ошибка: %v", err)
	}
	if err := repo.InsertChild(ctx, parent.ID, c2.ID, 2, true); !errors.Is(err, ErrConflict) {
		t.Errorf("второй черновик = %v, ожидалось ErrConflict", err)
	}

	members, err := repo.Children(ctx, parent.ID)
	if err != nil {
		t.Fatalf("Children() ошибка: %v", err)
	}
	if len(members) != 2 || members[0].RecID.Value != "1" || !members[1].Draft {
		t.Fatalf("Children() = %+v", members)
	}

	if err := repo.Lock(ctx, parent.ID); err != nil {
		t.Errorf("Lock() ошибка: %v", err)
	}
	p, err := repo.ParentOf(ctx, c1.ID)
	if err != nil || p.ID != parent.ID {
		t.Errorf("ParentOf() = %v, %v", p, err)
	}

	next1, _ := repo.NextRecID(ctx)
	next2, _ := repo.NextRecID(ctx)
	if next2 != next1+1 {
		t.Errorf("NextRecID не монотонен: %d, %d", next1, next2)
	}
}

// --- Тесты BucketRepository ---

func TestBucketObjects(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewBucketRepository(pool)

	b := &model.Bucket{ID: uuid.New(), QuotaSize: 1000, MaxFileSize: 500}
	if err := repo.Create(ctx, b); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	ownerA, ownerB := uuid.New(), uuid.New()
	v1 := &model.FileObject{BucketID: b.ID, Key: "a.pdf", VersionID: uuid.New(), Checksum: "sha256:1", Size: 10, CreatedBy: ownerA}
	if err := repo.PutObject(ctx, v1); err != nil {
		t.Fatalf("PutObject(v1) ошибка: %v", err)
	}
	v2 := &model.FileObject{BucketID: b.ID, Key: "a.pdf", VersionID: uuid.New(), Checksum: "sha256:2", Size: 20, CreatedBy: ownerB}
	if err := repo.PutObject(ctx, v2); err != nil {
		t.Fatalf("PutObject(v2) ошибка: %v", err)
	}

	heads, _ := repo.HeadObjects(ctx, b.ID)
	if len(heads) != 1 || heads[0].VersionID != v2.VersionID {
		t.Fatalf("HeadObjects() = %+v, ожидалась v2", heads)
	}
	if usage, _ := repo.Usage(ctx, b.ID); usage != 30 {
		t.Errorf("Usage() = %d, ожидалось 30", usage)
	}

	removed, err := repo.RemoveObjectsBy(ctx, b.ID, ownerB)
	if err != nil || len(removed) != 1 || removed[0] != "sha256:2" {
		t.Fatalf("RemoveObjectsBy() = %v, %v", removed, err)
	}
	heads, _ = repo.HeadObjects(ctx, b.ID)
	if len(heads) != 1 || heads[0].VersionID != v1.VersionID {
		t.Errorf("после удаления головной должна стать v1: %+v", heads)
	}

	rec := uuid.New()
	if err := repo.Link(ctx, rec, b.ID); err != nil {
		t.Fatalf("Link() ошибка: %v", err)
	}
	if got, _ := repo.BucketOf(ctx, rec); got != b.ID {
		t.Errorf("BucketOf() = %s, ожидалось %s", got, b.ID)
	}
	if n, _ := repo.LinkCount(ctx, b.ID); n != 1 {
		t.Errorf("LinkCount() = %d, ожидалось 1", n)
	}

	checksums, err := repo.Remove(ctx, b.ID)
	if err != nil || len(checksums) != 1 {
		t.Fatalf("Remove() = %v, %v", checksums, err)
	}
	if inUse, _ := repo.ChecksumInUse(ctx, "sha256:1"); inUse {
		t.Error("blob не должен использоваться после удаления бакета")
	}
	if _, err := repo.BucketOf(ctx, rec); !errors.Is(err, ErrNotFound) {
		t.Errorf("связь должна быть удалена: %v", err)
	}
}

// --- Тесты Store / Savepoint ---

func TestStoreRollbackAndSavepoint(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	store := NewPgStore(pool)

	d := newTestDeposit("A")
	boom := errors.New("сбой")
	err := store.RunInTx(ctx, func(tx Tx) error {
		if err := tx.Records().CreateDeposit(ctx, d); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("RunInTx() = %v, ожидалась исходная ошибка", err)
	}
	if _, err := NewRecordRepository(pool).GetDeposit(ctx, d.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("рабочая копия должна быть откачена: %v", err)
	}

	inner := newTestDeposit("B")
	err = store.RunInTx(ctx, func(tx Tx) error {
		if err := tx.Records().CreateDeposit(ctx, d); err != nil {
			return err
		}
		spErr := tx.Savepoint(ctx, func(sp Tx) error {
			if err := sp.Records().CreateDeposit(ctx, inner); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(spErr, boom) {
			t.Errorf("Savepoint() = %v", spErr)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunInTx() ошибка: %v", err)
	}

	repo := NewRecordRepository(pool)
	if _, err := repo.GetDeposit(ctx, d.ID); err != nil {
		t.Errorf("внешние изменения должны сохраниться: %v", err)
	}
	if _, err := repo.GetDeposit(ctx, inner.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("изменения savepoint должны быть откачены: %v", err)
	}
}

// --- Тесты OutboxRepository и TreeRepository ---

func TestOutbox(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewOutboxRepository(pool)

	obj := uuid.New()
	id, err := repo.Enqueue(ctx, obj, model.OutboxReindex)
	if err != nil {
		t.Fatalf("Enqueue() ошибка: %v", err)
	}
	if err := repo.Fail(ctx, id, "таймаут"); err != nil {
		t.Fatalf("Fail() ошибка: %v", err)
	}

	pending, err := repo.Pending(ctx, time.Now().Add(time.Minute), 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("Pending() = %v, %v", pending, err)
	}
	if pending[0].Attempts != 1 || pending[0].LastError != "таймаут" || pending[0].ObjectID != obj {
		t.Errorf("Pending()[0] = %+v", pending[0])
	}
	if old, _ := repo.Pending(ctx, time.Now().Add(-time.Hour), 10); len(old) != 0 {
		t.Errorf("свежие записи не должны попадать в выборку: %v", old)
	}

	if err := repo.Done(ctx, id); err != nil {
		t.Fatalf("Done() ошибка: %v", err)
	}
	if n, _ := repo.Count(ctx); n != 0 {
		t.Errorf("Count() = %d, ожидалось 0", n)
	}
}

func TestTreeResolvePaths(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `
		INSERT INTO index_tree (id, parent_id, name) VALUES
			(1, NULL, 'корень'), (5, 1, 'раздел'), (12, 5, 'подраздел'), (2, NULL, 'другой')`)
	if err != nil {
		t.Fatalf("Ошибка заполнения дерева: %v", err)
	}

	repo := NewTreeRepository(pool)
	paths, err := repo.ResolvePaths(ctx, []string{"12", "2", "99", "abc"})
	if err != nil {
		t.Fatalf("ResolvePaths() ошибка: %v", err)
	}
	want := []string{"1/5/12", "2"}
	if len(paths) != len(want) || paths[0] != want[0] || paths[1] != want[1] {
		t.Errorf("ResolvePaths() = %v, ожидалось %v", paths, want)
	}
}
