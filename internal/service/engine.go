// Пакет service — движок депозитов: жизненный цикл записи, линии версий,
// синхронизация основного хранилища с поисковым индексом.
//
// Каждая операция — одна транзакция хранилища. Запись в индекс
// выполняется после коммита и не откатывает хранилище: ошибка индекса
// возвращается в Outcome как предупреждение, а запись остаётся в очереди
// восстановления (index_outbox) до успешной проекции.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/goartstore/deposit-module/internal/audit"
	"github.com/bigkaa/goartstore/deposit-module/internal/bucket"
	"github.com/bigkaa/goartstore/deposit-module/internal/domain/lifecycle"
	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
	"github.com/bigkaa/goartstore/deposit-module/internal/handoff"
	"github.com/bigkaa/goartstore/deposit-module/internal/indexer"
	"github.com/bigkaa/goartstore/deposit-module/internal/pidstore"
	"github.com/bigkaa/goartstore/deposit-module/internal/repository"
)

// Validator — сервис проверки метаданных по схеме типа элемента.
type Validator interface {
	Validate(itemTypeID string, md model.Metadata) []string
}

// PathResolver — сервис дерева классификации.
type PathResolver interface {
	// ResolvePaths возвращает полные пути существующих узлов.
	ResolvePaths(ctx context.Context, ids []string) ([]string, error)
}

// EngineDeps — зависимости движка.
type EngineDeps struct {
	Store     repository.Store
	PIDs      *pidstore.Registry
	Buckets   *bucket.Store
	Writer    *indexer.Writer
	Projector *indexer.Projector
	Validator Validator
	Tree      PathResolver
	Handoff   handoff.Store
	Audit     audit.Sink
	// CascadeConcurrency — параллелизм записей в индекс после коммита
	CascadeConcurrency int
}

// Engine — движок депозитов.
type Engine struct {
	store       repository.Store
	pids        *pidstore.Registry
	buckets     *bucket.Store
	writer      *indexer.Writer
	projector   *indexer.Projector
	validator   Validator
	tree        PathResolver
	handoff     handoff.Store
	audit       audit.Sink
	concurrency int
	logger      *slog.Logger
}

// NewEngine создаёт движок депозитов.
func NewEngine(deps EngineDeps, logger *slog.Logger) *Engine {
	concurrency := deps.CascadeConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	sink := deps.Audit
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Engine{
		store:       deps.Store,
		pids:        deps.PIDs,
		buckets:     deps.Buckets,
		writer:      deps.Writer,
		projector:   deps.Projector,
		validator:   deps.Validator,
		tree:        deps.Tree,
		handoff:     deps.Handoff,
		audit:       sink,
		concurrency: concurrency,
		logger:      logger.With(slog.String("component", "deposit_engine")),
	}
}

// run выполняет fn в транзакции и приводит ошибку к таксономии движка.
func (e *Engine) run(ctx context.Context, op string, fn func(tx repository.Tx) error) error {
	start := time.Now()
	err := classify(e.store.RunInTx(ctx, fn))
	engineOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	engineOperationsTotal.WithLabelValues(op, resultLabel(err)).Inc()
	if err != nil && errors.Is(err, ErrStore) {
		e.logger.Error("Транзакция операции откатена",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
	}
	return err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrMergeConflict):
		return "merge_conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDeleted):
		return "deleted"
	default:
		return "error"
	}
}

func logRecordID(id uuid.UUID) slog.Attr { return slog.String("record_id", id.String()) }

func logRecID(recid string) slog.Attr { return slog.String("recid", recid) }

func logError(err error) slog.Attr { return slog.String("error", err.Error()) }

// --- Состояние и линия версий ---

// member — член линии версий, загруженный в транзакции.
type member struct {
	recid   *model.PID
	lineage *model.Lineage
}

// memberOf загружает recid объекта и его линию версий.
func (e *Engine) memberOf(ctx context.Context, tx repository.Tx, id uuid.UUID) (*member, error) {
	recid, err := tx.PIDs().GetByObject(ctx, model.PIDRecID, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: recid записи %s", ErrNotFound, id)
		}
		return nil, err
	}
	lineage, err := e.pids.LineageOf(ctx, tx.PIDs(), id)
	if err != nil {
		return nil, err
	}
	return &member{recid: recid, lineage: lineage}, nil
}

// lockLineage блокирует parent-идентификатор линии до конца транзакции
// и перечитывает детей под блокировкой.
func (e *Engine) lockLineage(ctx context.Context, tx repository.Tx, m *member) error {
	if err := tx.PIDs().Lock(ctx, m.lineage.Parent.ID); err != nil {
		return err
	}
	lineage, err := e.pids.Lineage(ctx, tx.PIDs(), m.lineage.Parent)
	if err != nil {
		return err
	}
	m.lineage = lineage
	return nil
}

// state выводит состояние жизненного цикла рабочей копии.
func (m *member) state(status model.DepositStatus, id uuid.UUID) lifecycle.State {
	return lifecycle.Derive(status, m.recid.Status, m.lineage.IsLast(id))
}

// memberState выводит состояние члена линии l. Объект вне линии
// (удалённый черновик) считается удалённым.
func memberState(l *model.Lineage, id uuid.UUID, status model.DepositStatus) lifecycle.State {
	recid := model.PIDDeleted
	if lm := l.Member(id); lm != nil {
		recid = lm.RecID.Status
	}
	return lifecycle.Derive(status, recid, l.IsLast(id))
}

// require проверяет допустимость операции.
func require(s lifecycle.State, op lifecycle.Operation) error {
	if s == lifecycle.StateDeleted && op != lifecycle.OpRestore {
		return fmt.Errorf("%w: операция %s над удалённой записью", ErrDeleted, op)
	}
	if err := lifecycle.Require(s, op); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	return nil
}

// transition проверяет переход состояния, к которому приводит операция.
func transition(from, to lifecycle.State) error {
	if err := lifecycle.Transition(from, to); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	return nil
}

// relationsFor строит блок relations по линии версий.
func relationsFor(l *model.Lineage, id uuid.UUID) *model.Relations {
	m := l.Member(id)
	if m == nil {
		return nil
	}
	return &model.Relations{Version: []model.VersionRelation{{
		Parent: l.Parent.Value,
		Index:  m.Index,
		IsLast: l.IsLast(id),
		Count:  len(l.Members),
	}}}
}

// refreshSystem обновляет вычисляемые системные поля: _files по головным
// версиям бакета и relations по линии версий.
func (e *Engine) refreshSystem(ctx context.Context, tx repository.Tx, body *model.Body, l *model.Lineage) error {
	if body.System.Buckets.Deposit != "" {
		bucketID, err := uuid.Parse(body.System.Buckets.Deposit)
		if err != nil {
			return fmt.Errorf("некорректная ссылка на бакет %q: %w", body.System.Buckets.Deposit, err)
		}
		files, err := e.buckets.Files(ctx, tx.Buckets(), bucketID)
		if err != nil {
			return err
		}
		body.System.Files = files
	}
	body.System.Relations = relationsFor(l, body.ID)
	return nil
}

// leafIDs берёт последний сегмент каждого пути позиции ("1/5/12" → "12").
func leafIDs(position []string) []string {
	out := make([]string, 0, len(position))
	for _, p := range position {
		p = strings.Trim(strings.TrimSpace(p), "/")
		if p == "" {
			continue
		}
		if i := strings.LastIndex(p, "/"); i >= 0 {
			p = p[i+1:]
		}
		out = append(out, p)
	}
	return out
}

// resolvePath проверяет узлы классификации и возвращает идентификаторы листьев.
func (e *Engine) resolvePath(ctx context.Context, position []string) ([]string, error) {
	leaves := leafIDs(position)
	if len(leaves) == 0 || e.tree == nil {
		return leaves, nil
	}
	paths, err := e.tree.ResolvePaths(ctx, leaves)
	if err != nil {
		return nil, fmt.Errorf("%w: дерево классификации: %w", ErrStore, err)
	}
	if len(paths) != len(leaves) {
		return nil, invalid(fmt.Sprintf("узлы классификации не найдены: запрошено %d, найдено %d", len(leaves), len(paths)))
	}
	return leaves, nil
}

// validate проверяет метаданные по схеме типа элемента.
func (e *Engine) validate(itemTypeID string, md model.Metadata) error {
	if md == nil {
		return invalid("метаданные не заданы")
	}
	if e.validator == nil {
		return nil
	}
	if problems := e.validator.Validate(itemTypeID, md); len(problems) > 0 {
		return invalid(problems...)
	}
	return nil
}

// userMetadata нормализует метаданные и убирает системные и административные ключи.
func userMetadata(md model.Metadata) (model.Metadata, error) {
	if md == nil {
		return nil, nil
	}
	out, err := model.NormalizeMetadata(md)
	if err != nil {
		return nil, invalid(err.Error())
	}
	for k := range out {
		if model.IsReservedKey(k) {
			delete(out, k)
		}
	}
	return out, nil
}

// --- Проекция в индекс после коммита ---

// indexJob — запись в индекс после коммита и связанная запись очереди.
type indexJob struct {
	outboxID int64
	objectID uuid.UUID
	op       string
	run      func(ctx context.Context) error
}

// enqueue ставит запись в очередь восстановления в текущей транзакции.
func enqueue(ctx context.Context, tx repository.Tx, id uuid.UUID, op model.OutboxOperation, name string, fn func(ctx context.Context) error) (indexJob, error) {
	outboxID, err := tx.Outbox().Enqueue(ctx, id, op)
	if err != nil {
		return indexJob{}, err
	}
	return indexJob{outboxID: outboxID, objectID: id, op: name, run: fn}, nil
}

// project выполняет записи в индекс параллельно (до concurrency одновременно).
// Ошибки не прерывают остальные записи и не откатывают хранилище.
// Успешно спроецированные записи снимаются с очереди; устаревшая
// запись (ErrStaleWrite) тоже снимается: в индексе уже более новая версия.
func (e *Engine) project(ctx context.Context, jobs []indexJob) Outcome {
	if len(jobs) == 0 || e.writer == nil {
		return Outcome{}
	}

	var (
		mu   sync.Mutex
		errs []error
		done []int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			err := job.run(gctx)
			mu.Lock()
			defer mu.Unlock()
			if err == nil || errors.Is(err, indexer.ErrStaleWrite) {
				if job.outboxID != 0 {
					done = append(done, job.outboxID)
				}
			}
			if err != nil {
				e.logger.Warn("Запись в индекс не выполнена, документ устарел",
					logRecordID(job.objectID),
					slog.String("operation", job.op),
					logError(err),
				)
				errs = append(errs, fmt.Errorf("%s %s: %w", job.op, job.objectID, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(done) > 0 {
		err := e.store.RunInTx(ctx, func(tx repository.Tx) error {
			for _, id := range done {
				if err := tx.Outbox().Done(ctx, id); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			e.logger.Warn("Не удалось снять записи с очереди восстановления",
				slog.Int("count", len(done)),
				slog.String("error", err.Error()),
			)
		}
	}
	return Outcome{IndexErr: errors.Join(errs...)}
}

// collectBlobs удаляет blob-ы, на которые больше нет ссылок.
func (e *Engine) collectBlobs(ctx context.Context, checksums []string) {
	if len(checksums) == 0 {
		return
	}
	var removed int
	err := e.store.RunInTx(ctx, func(tx repository.Tx) error {
		removed = e.buckets.GC(ctx, tx.Buckets(), checksums)
		return nil
	})
	if err != nil {
		e.logger.Warn("Сборка мусора blob-ов не выполнена", slog.String("error", err.Error()))
		return
	}
	e.logger.Debug("Сборка мусора blob-ов", slog.Int("removed", removed))
}

// projection — данные для проекции рабочей копии, собранные в транзакции.
type projection struct {
	doc   *model.IndexDocument
	stale []string
}

// prepareProjection строит документ индекса для тела записи.
func (e *Engine) prepareProjection(ctx context.Context, tx repository.Tx, body *model.Body, status string, isLast bool) (*projection, error) {
	var objects []*model.FileObject
	if body.System.Buckets.Deposit != "" {
		bucketID, err := uuid.Parse(body.System.Buckets.Deposit)
		if err != nil {
			return nil, fmt.Errorf("некорректная ссылка на бакет %q: %w", body.System.Buckets.Deposit, err)
		}
		objects, err = tx.Buckets().Objects(ctx, bucketID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}
	files := indexer.SelectFiles(objects, body.System.Files)
	return &projection{
		doc:   e.projector.Project(body, status, isLast, files),
		stale: indexer.StaleFileIDs(objects, body.ID, body.System.Files),
	}, nil
}

// upsertJob — полная проекция рабочей копии с версией = ревизия после записи.
func (e *Engine) upsertJob(p *projection, version int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := e.writer.Upsert(ctx, p.doc, int64(version)); err != nil {
			return err
		}
		return e.syncFiles(ctx, p)
	}
}

// replaceJob — идемпотентная проекция из хранилища (восстановление).
func (e *Engine) replaceJob(p *projection, version int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := e.writer.Replace(ctx, p.doc, int64(version)); err != nil {
			return err
		}
		return e.syncFiles(ctx, p)
	}
}

// syncFiles обновляет проекции файлов записи и удаляет устаревшие версии.
func (e *Engine) syncFiles(ctx context.Context, p *projection) error {
	if err := e.writer.DeleteFileProjection(ctx, p.stale, p.doc.ID); err != nil {
		return err
	}
	return e.writer.PutFileProjection(ctx, p.doc.ID, p.doc.Content)
}

// deleteJob — физическое удаление документа и проекций файлов.
func (e *Engine) deleteJob(id uuid.UUID, fileIDs []string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := e.writer.Delete(ctx, id.String()); err != nil {
			return err
		}
		return e.writer.DeleteFileProjection(ctx, fileIDs, id.String())
	}
}

// fileIDs возвращает идентификаторы версий из _files.
func fileIDs(files []model.FileEntry) []string {
	ids := make([]string, 0, len(files))
	for _, f := range files {
		ids = append(ids, f.VersionID)
	}
	return ids
}

// schemaRef — ссылка на схему типа элемента.
func schemaRef(itemTypeID string) string {
	if itemTypeID == "" {
		return ""
	}
	return "/items/jsonschema/" + itemTypeID
}
