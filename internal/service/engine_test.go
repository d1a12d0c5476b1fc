package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/deposit-module/internal/audit"
	"github.com/bigkaa/goartstore/deposit-module/internal/blobstore"
	"github.com/bigkaa/goartstore/deposit-module/internal/bucket"
	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
	"github.com/bigkaa/goartstore/deposit-module/internal/handoff"
	"github.com/bigkaa/goartstore/deposit-module/internal/indexer"
	"github.com/bigkaa/goartstore/deposit-module/internal/pidstore"
	"github.com/bigkaa/goartstore/deposit-module/internal/repository"
	"github.com/bigkaa/goartstore/deposit-module/internal/repository/memory"
	"github.com/bigkaa/goartstore/deposit-module/internal/schema"
)

// testEnv — движок поверх хранилища и индекса в памяти.
type testEnv struct {
	engine  *Engine
	store   *memory.Store
	faults  *storeFaults
	index   *indexer.MemoryBackend
	tree    *memory.Tree
	handoff *handoff.MemoryStore
	schemas *schema.Validator
	logger  *slog.Logger
}

// setupEngine создаёт тестовое окружение движка.
func setupEngine(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	blobs, err := blobstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("Ошибка создания blob-хранилища: %v", err)
	}
	buckets := bucket.New(blobs, 1<<20, 1<<19, logger)

	backend := indexer.NewMemoryBackend(2)
	writer := indexer.NewWriter(backend, indexer.WriterOptions{
		MaxRetries:      0,
		InitialInterval: time.Millisecond,
		Timeout:         time.Second,
	}, logger)

	tree := memory.NewTree()
	tree.Add(1, 0)
	tree.Add(12, 1)
	tree.Add(13, 1)

	env := &testEnv{
		store:   memory.NewStore(),
		faults:  &storeFaults{},
		index:   backend,
		tree:    tree,
		handoff: handoff.NewMemoryStore(100, time.Minute, "test:"),
		schemas: schema.NewValidator(logger),
		logger:  logger,
	}
	env.engine = NewEngine(EngineDeps{
		Store:              &faultyStore{inner: env.store, faults: env.faults},
		PIDs:               pidstore.NewRegistry(),
		Buckets:            buckets,
		Writer:             writer,
		Projector:          indexer.NewProjector(buckets, 1<<16, []string{"text/plain"}, logger),
		Validator:          env.schemas,
		Tree:               tree,
		Handoff:            env.handoff,
		Audit:              audit.Nop{},
		CascadeConcurrency: 4,
	}, logger)
	return env
}

// create создаёт черновик с заголовком title.
func (env *testEnv) create(t *testing.T, title string) *model.Deposit {
	t.Helper()
	d, out, err := env.engine.Create(context.Background(), CreateInput{
		Metadata: model.Metadata{"title": title},
		Owner:    "1",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if out.Stale() {
		t.Fatalf("Create: индекс не обновлён: %v", out.IndexErr)
	}
	return d
}

// update загружает handle, меняет метаданные и путь и фиксирует.
func (env *testEnv) update(t *testing.T, id uuid.UUID, md model.Metadata, indexIDs []string) *model.Deposit {
	t.Helper()
	ctx := context.Background()
	d, err := env.engine.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := env.engine.Update(ctx, d, UpdateInput{Metadata: md, IndexIDs: indexIDs}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := env.engine.Commit(ctx, d); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return d
}

// publish публикует черновик.
func (env *testEnv) publish(t *testing.T, id uuid.UUID) *model.Record {
	t.Helper()
	rec, out, err := env.engine.Publish(context.Background(), id)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if out.Stale() {
		t.Fatalf("Publish: индекс не обновлён: %v", out.IndexErr)
	}
	return rec
}

// published создаёт и публикует запись с путём indexIDs.
func (env *testEnv) published(t *testing.T, title string, indexIDs ...string) *model.Deposit {
	t.Helper()
	d := env.create(t, title)
	env.update(t, d.ID, model.Metadata{"title": title}, indexIDs)
	env.publish(t, d.ID)
	return d
}

// doc возвращает документ индекса или nil.
func (env *testEnv) doc(t *testing.T, id uuid.UUID) *model.IndexDocument {
	t.Helper()
	doc, err := env.index.Get(context.Background(), id.String())
	if errors.Is(err, indexer.ErrDocumentNotFound) {
		return nil
	}
	if err != nil {
		t.Fatalf("index.Get: %v", err)
	}
	return doc
}

// deposit читает рабочую копию напрямую из хранилища.
func (env *testEnv) deposit(t *testing.T, id uuid.UUID) *model.Deposit {
	t.Helper()
	d, err := env.engine.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return d
}

// recid возвращает recid объекта в любом статусе.
func (env *testEnv) recid(t *testing.T, id uuid.UUID) *model.PID {
	t.Helper()
	var p *model.PID
	err := env.store.RunInTx(context.Background(), func(tx repository.Tx) error {
		var err error
		p, err = tx.PIDs().GetByObject(context.Background(), model.PIDRecID, id)
		return err
	})
	if err != nil {
		t.Fatalf("GetByObject: %v", err)
	}
	return p
}

// outboxLen возвращает длину очереди восстановления.
func (env *testEnv) outboxLen(t *testing.T) int {
	t.Helper()
	var n int
	err := env.store.RunInTx(context.Background(), func(tx repository.Tx) error {
		var err error
		n, err = tx.Outbox().Count(context.Background())
		return err
	})
	if err != nil {
		t.Fatalf("Outbox.Count: %v", err)
	}
	return n
}

func TestCreate_AllocatesIdentifiers(t *testing.T) {
	env := setupEngine(t)
	d := env.create(t, "Статья")

	if d.System.RecID != "1" {
		t.Errorf("recid: хотели %q, получили %q", "1", d.System.RecID)
	}
	if d.Metadata[model.KeyControlNumber] != "1" {
		t.Errorf("control_number: получили %v", d.Metadata[model.KeyControlNumber])
	}
	if d.Status() != model.DepositDraft {
		t.Errorf("статус: хотели draft, получили %s", d.Status())
	}
	if p := env.recid(t, d.ID); p.Status != model.PIDReserved {
		t.Errorf("статус recid: хотели RESERVED, получили %s", p.Status)
	}

	doc := env.doc(t, d.ID)
	if doc == nil {
		t.Fatal("документ черновика не записан в индекс")
	}
	if doc.Version != 0 || doc.Title != "Статья" || doc.Status != string(model.DepositDraft) {
		t.Errorf("документ: version=%d title=%q status=%q", doc.Version, doc.Title, doc.Status)
	}
	if env.outboxLen(t) != 0 {
		t.Errorf("очередь восстановления должна быть пуста")
	}
}

func TestCreate_Validation(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	_, _, err := env.engine.Create(ctx, CreateInput{})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Create без метаданных: хотели ErrValidation, получили %v", err)
	}

	if err := env.schemas.Register("10", `{"type":"object","required":["title"]}`); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, _, err = env.engine.Create(ctx, CreateInput{ItemTypeID: "10", Metadata: model.Metadata{"creator": "x"}})
	var ve *ValidationError
	if !errors.As(err, &ve) || len(ve.Problems) == 0 {
		t.Errorf("Create с нарушением схемы: хотели ValidationError, получили %v", err)
	}
}

func TestPublish_FirstPublication(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	d := env.create(t, "Статья")
	env.update(t, d.ID, model.Metadata{"title": "Статья v1"}, []string{"1/12"})

	rec := env.publish(t, d.ID)
	if rec.Revision != 0 {
		t.Errorf("ревизия записи: хотели 0, получили %d", rec.Revision)
	}
	if _, ok := rec.Metadata[model.KeyControlNumber]; ok {
		t.Error("запись не должна содержать control_number")
	}
	if p := env.recid(t, d.ID); p.Status != model.PIDRegistered {
		t.Errorf("статус recid: хотели REGISTERED, получили %s", p.Status)
	}

	stored := env.deposit(t, d.ID)
	if stored.Status() != model.DepositPublished || !stored.IsPublished() {
		t.Fatalf("рабочая копия: статус %s, pid %v", stored.Status(), stored.System.Deposit.PID)
	}
	if stored.Metadata[model.KeyControlNumber] != "1" {
		t.Errorf("control_number рабочей копии потерян")
	}

	doc := env.doc(t, d.ID)
	if doc == nil {
		t.Fatal("документ не найден в индексе")
	}
	if doc.Version != int64(stored.Revision) {
		t.Errorf("версия документа %d не равна ревизии %d", doc.Version, stored.Revision)
	}
	if !doc.RelationVersionIsLast || doc.Status != string(model.DepositPublished) {
		t.Errorf("документ: is_last=%v status=%q", doc.RelationVersionIsLast, doc.Status)
	}
	if len(doc.Path) != 1 || doc.Path[0] != "12" {
		t.Errorf("путь документа: %v", doc.Path)
	}

	entry, err := env.engine.Resolve(ctx, "1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if entry.Kind() != model.KindRecord {
		t.Errorf("Resolve зарегистрированного recid: хотели запись, получили %s", entry.Kind())
	}

	// Повторная публикация без правок недопустима
	if _, _, err := env.engine.Publish(ctx, d.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Publish опубликованной записи: хотели ErrInvalidState, получили %v", err)
	}
}

func TestUpdate_InvalidTreeNode(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	d := env.create(t, "Статья")

	err := env.engine.Update(ctx, d, UpdateInput{Metadata: model.Metadata{"title": "x"}, IndexIDs: []string{"999"}})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Update с несуществующим узлом: хотели ErrValidation, получили %v", err)
	}
}

func TestUpdate_Handoff(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	d := env.create(t, "Статья")

	if err := env.engine.Update(ctx, d, UpdateInput{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("Update без метаданных и handoff: хотели ErrValidation, получили %v", err)
	}

	if err := env.handoff.Put(ctx, d.System.RecID, model.Metadata{"title": "Из формы"}); err != nil {
		t.Fatalf("handoff.Put: %v", err)
	}
	if err := env.engine.Update(ctx, d, UpdateInput{Actions: "publish"}); err != nil {
		t.Fatalf("Update из handoff: %v", err)
	}
	if d.Metadata.Title() != "Из формы" {
		t.Errorf("заголовок: получили %q", d.Metadata.Title())
	}
	if d.PublishStatus != model.PublishPublic {
		t.Errorf("статус публикации: хотели %q, получили %q", model.PublishPublic, d.PublishStatus)
	}
	if d.Metadata[model.KeyControlNumber] != d.System.RecID {
		t.Error("control_number должен сохраниться")
	}
	if !d.PendingIndex {
		t.Error("handle должен ждать записи в индекс")
	}

	// Запись handoff одноразовая
	if err := env.engine.Update(ctx, d, UpdateInput{}); !errors.Is(err, ErrValidation) {
		t.Errorf("повторное чтение handoff: хотели ErrValidation, получили %v", err)
	}
}

func TestUpdate_StripsReservedKeys(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	d := env.create(t, "Статья")

	err := env.engine.Update(ctx, d, UpdateInput{Metadata: model.Metadata{
		"title":          "x",
		"_deposit":       map[string]any{"id": "999"},
		"publish_status": "0",
	}})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, ok := d.Metadata["_deposit"]; ok {
		t.Error("системный ключ _deposit попал в метаданные")
	}
	if d.System.Deposit.ID != "1" {
		t.Errorf("системный блок изменён: %q", d.System.Deposit.ID)
	}
	if d.PublishStatus != model.PublishPrivate {
		t.Errorf("статус публикации меняется только через actions: %q", d.PublishStatus)
	}
}

func TestCommit_StaleHandleMerges(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	d := env.create(t, "T")

	a := env.deposit(t, d.ID)
	b := env.deposit(t, d.ID)

	if err := env.engine.Update(ctx, a, UpdateInput{Metadata: model.Metadata{"title": "A", "x": "1"}}); err != nil {
		t.Fatalf("Update a: %v", err)
	}
	if _, err := env.engine.Commit(ctx, a); err != nil {
		t.Fatalf("Commit a: %v", err)
	}

	if err := env.engine.Update(ctx, b, UpdateInput{Metadata: model.Metadata{"title": "T", "y": "2"}}); err != nil {
		t.Fatalf("Update b: %v", err)
	}
	if _, err := env.engine.Commit(ctx, b); err != nil {
		t.Fatalf("Commit b: %v", err)
	}

	stored := env.deposit(t, d.ID)
	if stored.Revision != 2 {
		t.Errorf("ревизия: хотели 2, получили %d", stored.Revision)
	}
	if stored.Metadata.Title() != "A" || stored.Metadata["x"] != "1" || stored.Metadata["y"] != "2" {
		t.Errorf("слияние: %v", stored.Metadata)
	}
	if b.Revision != stored.Revision {
		t.Errorf("handle должен получить ревизию после записи")
	}
	if doc := env.doc(t, d.ID); doc == nil || doc.Version != 2 {
		t.Errorf("версия документа индекса должна быть 2: %+v", doc)
	}
}

func TestCommit_MergeConflict(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	d := env.create(t, "T")

	a := env.deposit(t, d.ID)
	b := env.deposit(t, d.ID)

	if err := env.engine.Update(ctx, a, UpdateInput{Metadata: model.Metadata{"title": "A"}}); err != nil {
		t.Fatalf("Update a: %v", err)
	}
	if _, err := env.engine.Commit(ctx, a); err != nil {
		t.Fatalf("Commit a: %v", err)
	}
	if err := env.engine.Update(ctx, b, UpdateInput{Metadata: model.Metadata{"title": "B"}}); err != nil {
		t.Fatalf("Update b: %v", err)
	}
	_, err := env.engine.Commit(ctx, b)
	if !errors.Is(err, ErrMergeConflict) {
		t.Fatalf("Commit b: хотели ErrMergeConflict, получили %v", err)
	}
	if stored := env.deposit(t, d.ID); stored.Metadata.Title() != "A" {
		t.Errorf("хранилище не должно измениться: %q", stored.Metadata.Title())
	}
}

func TestPublish_MergesAdminChange(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	d := env.published(t, "v1", "12")

	// Правка черновика опубликованной записи
	env.update(t, d.ID, model.Metadata{"title": "v2"}, nil)

	// Административная правка головы записи
	if _, err := env.engine.UpdatePublishStatus(ctx, d.ID, model.PublishPublic); err != nil {
		t.Fatalf("UpdatePublishStatus: %v", err)
	}
	rec, err := env.engine.GetRecord(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.Revision != 1 {
		t.Fatalf("ревизия записи после правки: хотели 1, получили %d", rec.Revision)
	}
	if draft := env.deposit(t, d.ID); draft.PublishStatus != model.PublishPrivate {
		t.Errorf("черновик не должен меняться административной правкой")
	}

	rec = env.publish(t, d.ID)
	if rec.Revision != 2 {
		t.Errorf("ревизия записи: хотели 2, получили %d", rec.Revision)
	}
	if rec.Metadata.Title() != "v2" || rec.PublishStatus != model.PublishPublic {
		t.Errorf("слияние при публикации: title=%q publish_status=%q", rec.Metadata.Title(), rec.PublishStatus)
	}
	stored := env.deposit(t, d.ID)
	if stored.System.Deposit.PID.RevisionID != rec.Revision {
		t.Errorf("ревизия pid рабочей копии: хотели %d, получили %d", rec.Revision, stored.System.Deposit.PID.RevisionID)
	}
}

func TestPublish_EditOfSupersededVersion(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	r1 := env.published(t, "v1", "12")

	// Правка r1 зафиксирована до появления новой версии
	env.update(t, r1.ID, model.Metadata{"title": "v1 правка"}, nil)

	r2, _, err := env.engine.NewVersion(ctx, r1.ID)
	if err != nil {
		t.Fatalf("NewVersion: %v", err)
	}
	env.publish(t, r2.ID)

	rec := env.publish(t, r1.ID)
	if rec.Metadata.Title() != "v1 правка" || rec.Revision != 1 {
		t.Errorf("запись r1: title=%q revision=%d", rec.Metadata.Title(), rec.Revision)
	}
	if doc := env.doc(t, r2.ID); doc == nil || !doc.RelationVersionIsLast {
		t.Errorf("r2 остаётся последней версией: %+v", doc)
	}
	if doc := env.doc(t, r1.ID); doc == nil || doc.RelationVersionIsLast || doc.Title != "v1 правка" {
		t.Errorf("документ r1: %+v", doc)
	}
}

func TestMergeWithPublished(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	d := env.published(t, "v1", "12")
	env.update(t, d.ID, model.Metadata{"title": "v2"}, nil)

	if _, err := env.engine.UpdateRecordPath(ctx, d.ID, []string{"13"}); err != nil {
		t.Fatalf("UpdateRecordPath: %v", err)
	}

	merged, err := env.engine.MergeWithPublished(ctx, d.ID)
	if err != nil {
		t.Fatalf("MergeWithPublished: %v", err)
	}
	if merged.Metadata.Title() != "v2" || len(merged.Path) != 1 || merged.Path[0] != "13" {
		t.Errorf("слияние: title=%q path=%v", merged.Metadata.Title(), merged.Path)
	}
	if merged.Metadata[model.KeyControlNumber] != "1" {
		t.Error("control_number должен сохраниться")
	}
	if stored := env.deposit(t, d.ID); len(stored.Path) != 1 || stored.Path[0] != "12" {
		t.Errorf("MergeWithPublished не должен сохранять: %v", stored.Path)
	}
}

func TestNewVersion_LastVersionFlips(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	r1 := env.published(t, "v1", "12")

	d2, _, err := env.engine.NewVersion(ctx, r1.ID)
	if err != nil {
		t.Fatalf("NewVersion: %v", err)
	}
	if d2.System.RecID != "1.1" || d2.Metadata[model.KeyControlNumber] != "1.1" {
		t.Errorf("recid новой версии: %q, control_number %v", d2.System.RecID, d2.Metadata[model.KeyControlNumber])
	}
	if d2.Metadata.Title() != "v1" || len(d2.Path) != 1 {
		t.Errorf("метаданные не скопированы: %v %v", d2.Metadata, d2.Path)
	}
	if d2.System.Buckets.Deposit != r1.System.Buckets.Deposit {
		t.Error("бакет должен быть общим для линии")
	}
	if doc := env.doc(t, r1.ID); doc == nil || !doc.RelationVersionIsLast {
		t.Error("до публикации новой версии r1 остаётся последней")
	}

	if _, _, err := env.engine.NewVersion(ctx, r1.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("второй черновик: хотели ErrConflict, получили %v", err)
	}

	env.publish(t, d2.ID)

	if doc := env.doc(t, r1.ID); doc == nil || doc.RelationVersionIsLast {
		t.Error("r1 перестаёт быть последней версией")
	}
	if doc := env.doc(t, d2.ID); doc == nil || !doc.RelationVersionIsLast {
		t.Error("r2 должна быть последней версией")
	}

	// Прежняя версия только для чтения
	h := env.deposit(t, r1.ID)
	err = env.engine.Update(ctx, h, UpdateInput{Metadata: model.Metadata{"title": "x"}})
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("Update прежней версии: хотели ErrInvalidState, получили %v", err)
	}

	// Новая версия от прежней берёт метаданные последней версии
	env.update(t, d2.ID, model.Metadata{"title": "v2"}, nil)
	env.publish(t, d2.ID)
	d3, _, err := env.engine.NewVersion(ctx, r1.ID)
	if err != nil {
		t.Fatalf("NewVersion от прежней версии: %v", err)
	}
	if d3.System.RecID != "1.2" || d3.Metadata.Title() != "v2" {
		t.Errorf("третья версия: recid=%q title=%q", d3.System.RecID, d3.Metadata.Title())
	}
}

func TestNewVersion_Concurrent(t *testing.T) {
	env := setupEngine(t)
	r1 := env.published(t, "v1")

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := env.engine.NewVersion(context.Background(), r1.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("NewVersion: неожиданная ошибка %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || conflicts != n-1 {
		t.Errorf("успешных: %d, конфликтов: %d", ok, conflicts)
	}
}

func TestNewVersion_RequiresPublished(t *testing.T) {
	env := setupEngine(t)
	d := env.create(t, "Черновик")

	if _, _, err := env.engine.NewVersion(context.Background(), d.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("NewVersion черновика: хотели ErrInvalidState, получили %v", err)
	}
}

func TestDiscard(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	draft := env.create(t, "Черновик")
	d, _, err := env.engine.Discard(ctx, draft.ID)
	if err != nil {
		t.Fatalf("Discard черновика: %v", err)
	}
	if len(d.Metadata) != 1 || d.Metadata[model.KeyControlNumber] != "1" {
		t.Errorf("у черновика остаётся только control_number: %v", d.Metadata)
	}

	pub := env.published(t, "v1", "12")
	env.update(t, pub.ID, model.Metadata{"title": "v2"}, []string{"13"})
	d, _, err = env.engine.Discard(ctx, pub.ID)
	if err != nil {
		t.Fatalf("Discard опубликованной: %v", err)
	}
	if d.Status() != model.DepositPublished || d.Metadata.Title() != "v1" || d.Path[0] != "12" {
		t.Errorf("рабочая копия не вернулась к записи: %s %v %v", d.Status(), d.Metadata, d.Path)
	}
	if doc := env.doc(t, pub.ID); doc == nil || doc.Title != "v1" {
		t.Errorf("документ индекса не обновлён: %+v", doc)
	}
}

func TestPutFile_Projection(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	d := env.create(t, "С файлом")

	obj, err := env.engine.PutFile(ctx, d.ID, "data.txt", "text/plain", bytes.NewReader([]byte("hello")))
	if err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	env.update(t, d.ID, model.Metadata{"title": "С файлом"}, nil)

	stored := env.deposit(t, d.ID)
	if len(stored.System.Files) != 1 || stored.System.Files[0].VersionID != obj.VersionID.String() {
		t.Fatalf("_files: %+v", stored.System.Files)
	}
	if !env.index.HasFile(obj.VersionID.String()) {
		t.Error("проекция файла не записана")
	}

	// Новая версия файла вытесняет проекцию прежней
	obj2, err := env.engine.PutFile(ctx, d.ID, "data.txt", "text/plain", bytes.NewReader([]byte("hello 2")))
	if err != nil {
		t.Fatalf("PutFile v2: %v", err)
	}
	env.update(t, d.ID, model.Metadata{"title": "С файлом"}, nil)
	if env.index.HasFile(obj.VersionID.String()) || !env.index.HasFile(obj2.VersionID.String()) {
		t.Error("проекции файлов не синхронизированы")
	}

	env.publish(t, d.ID)
	_, err = env.engine.PutFile(ctx, d.ID, "more.txt", "text/plain", bytes.NewReader([]byte("x")))
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("PutFile в опубликованную запись: хотели ErrInvalidState, получили %v", err)
	}
}

func TestDelete_Draft(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	d := env.create(t, "Удаляемый")

	if _, err := env.engine.Delete(ctx, d.ID, false); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if env.doc(t, d.ID) != nil {
		t.Error("документ должен быть удалён из индекса")
	}
	if p := env.recid(t, d.ID); !p.IsDeleted() {
		t.Errorf("recid должен быть помечен удалённым: %s", p.Status)
	}
	if stored := env.deposit(t, d.ID); stored.Status() != model.DepositDeleted {
		t.Errorf("статус рабочей копии: %s", stored.Status())
	}

	pub := env.published(t, "Опубликованная")
	if _, err := env.engine.Delete(ctx, pub.ID, false); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Delete опубликованной: хотели ErrInvalidState, получили %v", err)
	}
}

func TestDelete_SharedBucket(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	d := env.create(t, "v1")
	first, err := env.engine.PutFile(ctx, d.ID, "a.txt", "text/plain", bytes.NewReader([]byte("v1")))
	if err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	env.update(t, d.ID, model.Metadata{"title": "v1"}, nil)
	env.publish(t, d.ID)

	d2, _, err := env.engine.NewVersion(ctx, d.ID)
	if err != nil {
		t.Fatalf("NewVersion: %v", err)
	}
	second, err := env.engine.PutFile(ctx, d2.ID, "a.txt", "text/plain", bytes.NewReader([]byte("v2")))
	if err != nil {
		t.Fatalf("PutFile в новую версию: %v", err)
	}

	if _, err := env.engine.Delete(ctx, d2.ID, true); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	bucketID := uuid.MustParse(d.System.Buckets.Deposit)
	err = env.store.RunInTx(ctx, func(tx repository.Tx) error {
		heads, err := tx.Buckets().HeadObjects(ctx, bucketID)
		if err != nil {
			return err
		}
		if len(heads) != 1 || heads[0].VersionID != first.VersionID {
			t.Errorf("головная версия должна вернуться к версии r1: %+v", heads)
		}
		for _, o := range heads {
			if o.VersionID == second.VersionID {
				t.Error("версия удалённого черновика осталась в бакете")
			}
		}
		b, err := tx.Buckets().Get(ctx, bucketID)
		if err != nil {
			return err
		}
		if !b.Locked {
			t.Error("общий бакет должен снова быть заблокирован")
		}
		if _, err := tx.PIDs().GetByObject(ctx, model.PIDRecID, d2.ID); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("force удаляет идентификаторы: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunInTx: %v", err)
	}

	// Черновик снова можно создать
	if _, _, err := env.engine.NewVersion(ctx, d.ID); err != nil {
		t.Errorf("NewVersion после удаления черновика: %v", err)
	}
}

func TestNewVersion_SkipsDeletedDraftRecID(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	r1 := env.published(t, "v1")

	d2, _, err := env.engine.NewVersion(ctx, r1.ID)
	if err != nil {
		t.Fatalf("NewVersion: %v", err)
	}
	if _, err := env.engine.Delete(ctx, d2.ID, false); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	d3, _, err := env.engine.NewVersion(ctx, r1.ID)
	if err != nil {
		t.Fatalf("NewVersion после мягкого удаления черновика: %v", err)
	}
	if d3.System.RecID != "1.2" {
		t.Errorf("recid: хотели %q, получили %q", "1.2", d3.System.RecID)
	}
}

func TestIndexFailure_StoreCommitted(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	env.index.SetFailure(errors.New("индекс недоступен"))

	d, out, err := env.engine.Create(ctx, CreateInput{Metadata: model.Metadata{"title": "T"}})
	if err != nil {
		t.Fatalf("Create: ошибка индекса не должна откатывать хранилище: %v", err)
	}
	if !out.Stale() {
		t.Error("Outcome должен сообщать об устаревшем индексе")
	}
	if env.deposit(t, d.ID) == nil {
		t.Fatal("рабочая копия должна быть сохранена")
	}
	if env.outboxLen(t) != 1 {
		t.Errorf("запись должна остаться в очереди восстановления, длина %d", env.outboxLen(t))
	}
}

func TestUpdatePublishStatus(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	d := env.published(t, "v1")

	if _, err := env.engine.UpdatePublishStatus(ctx, d.ID, "2"); !errors.Is(err, ErrValidation) {
		t.Errorf("недопустимый статус: хотели ErrValidation, получили %v", err)
	}
	if _, err := env.engine.UpdatePublishStatus(ctx, d.ID, model.PublishPublic); err != nil {
		t.Fatalf("UpdatePublishStatus: %v", err)
	}

	stored := env.deposit(t, d.ID)
	if stored.PublishStatus != model.PublishPublic {
		t.Errorf("опубликованная рабочая копия должна следовать за записью: %q", stored.PublishStatus)
	}
	doc := env.doc(t, d.ID)
	if doc == nil || doc.PublishStatus != string(model.PublishPublic) || doc.Version != int64(stored.Revision) {
		t.Errorf("документ: %+v, ревизия %d", doc, stored.Revision)
	}

	draft := env.create(t, "Черновик")
	if _, err := env.engine.UpdatePublishStatus(ctx, draft.ID, model.PublishPublic); !errors.Is(err, ErrInvalidState) {
		t.Errorf("правка неопубликованной записи: хотели ErrInvalidState, получили %v", err)
	}
}

func TestAssignIdentifier(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	d := env.published(t, "v1")

	if _, err := env.engine.AssignIdentifier(ctx, d.ID, model.PIDRecID, "x"); !errors.Is(err, ErrValidation) {
		t.Errorf("тип recid: хотели ErrValidation, получили %v", err)
	}
	p, err := env.engine.AssignIdentifier(ctx, d.ID, model.PIDDOI, "10.1234/abc")
	if err != nil {
		t.Fatalf("AssignIdentifier: %v", err)
	}
	if p.Status != model.PIDRegistered || p.ObjectID != d.ID {
		t.Errorf("идентификатор: %+v", p)
	}
	if _, err := env.engine.AssignIdentifier(ctx, d.ID, model.PIDDOI, "10.1234/def"); !errors.Is(err, ErrConflict) {
		t.Errorf("второй DOI: хотели ErrConflict, получили %v", err)
	}
}
