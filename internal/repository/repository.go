// Пакет repository — слой доступа к данным PostgreSQL.
// Все запросы — чистый SQL через pgx, без ORM.
//
// Операции движка выполняются через Store.RunInTx: все репозитории
// внутри fn работают в одной транзакции, вложенные шаги — через
// Tx.Savepoint.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — запись уже существует")
	// ErrStaleRevision — ревизия в хранилище не совпала с ожидаемой.
	ErrStaleRevision = errors.New("ревизия устарела")
)

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RecordRepository — рабочие копии, опубликованные записи и их ревизии.
type RecordRepository interface {
	// CreateDeposit вставляет рабочую копию с ревизией 0.
	CreateDeposit(ctx context.Context, d *model.Deposit) error
	// GetDeposit возвращает рабочую копию.
	GetDeposit(ctx context.Context, id uuid.UUID) (*model.Deposit, error)
	// LockDeposit возвращает рабочую копию под блокировкой строки.
	LockDeposit(ctx context.Context, id uuid.UUID) (*model.Deposit, error)
	// SaveDeposit записывает новый снимок, если ревизия в хранилище равна expected.
	// При успехе d.Revision = expected + 1. Иначе ErrStaleRevision.
	SaveDeposit(ctx context.Context, d *model.Deposit, expected int) error
	// CreateRecord вставляет опубликованную запись с ревизией 0.
	CreateRecord(ctx context.Context, r *model.Record) error
	// GetRecord возвращает голову опубликованной записи.
	GetRecord(ctx context.Context, id uuid.UUID) (*model.Record, error)
	// LockRecord возвращает голову под блокировкой строки.
	LockRecord(ctx context.Context, id uuid.UUID) (*model.Record, error)
	// SaveRecord записывает новый снимок записи (ревизия expected + 1).
	SaveRecord(ctx context.Context, r *model.Record, expected int) error
	// GetRevision возвращает снимок заданной ревизии.
	GetRevision(ctx context.Context, id uuid.UUID, kind model.Kind, revision int) (*model.Body, error)
}

// PIDRepository — идентификаторы и линии версий.
type PIDRepository interface {
	Create(ctx context.Context, p *model.PID) error
	Get(ctx context.Context, t model.PIDType, value string) (*model.PID, error)
	GetByObject(ctx context.Context, t model.PIDType, objectID uuid.UUID) (*model.PID, error)
	ListByObject(ctx context.Context, objectID uuid.UUID) ([]*model.PID, error)
	SetStatus(ctx context.Context, id int64, status model.PIDStatus) error
	// MarkDeleted помечает все PID объекта удалёнными, запоминая прежний статус.
	MarkDeleted(ctx context.Context, objectID uuid.UUID) (int, error)
	// RestoreDeleted возвращает удалённым PID объекта прежний статус.
	RestoreDeleted(ctx context.Context, objectID uuid.UUID) (int, error)
	Delete(ctx context.Context, id int64) error
	// Lock блокирует строку PID до конца транзакции.
	Lock(ctx context.Context, id int64) error
	// NextRecID выдаёт следующий номер recid.
	NextRecID(ctx context.Context) (int64, error)

	// InsertChild добавляет ребёнка в линию. ErrConflict, если черновик уже есть.
	InsertChild(ctx context.Context, parentID, childID int64, idx int, draft bool) error
	// Children возвращает детей линии по возрастанию индекса.
	Children(ctx context.Context, parentID int64) ([]model.LineageMember, error)
	// ParentOf возвращает parent-идентификатор ребёнка.
	ParentOf(ctx context.Context, childID int64) (*model.PID, error)
	SetDraft(ctx context.Context, parentID, childID int64, draft bool) error
	RemoveChild(ctx context.Context, parentID, childID int64) error
}

// BucketRepository — бакеты, версии файлов и связи запись → бакет.
type BucketRepository interface {
	Create(ctx context.Context, b *model.Bucket) error
	Get(ctx context.Context, id uuid.UUID) (*model.Bucket, error)
	SetLocked(ctx context.Context, id uuid.UUID, locked bool) error
	// Remove удаляет бакет и все объекты; возвращает checksum удалённых версий.
	Remove(ctx context.Context, id uuid.UUID) ([]string, error)

	Link(ctx context.Context, recordID, bucketID uuid.UUID) error
	Unlink(ctx context.Context, recordID uuid.UUID) error
	BucketOf(ctx context.Context, recordID uuid.UUID) (uuid.UUID, error)
	LinkCount(ctx context.Context, bucketID uuid.UUID) (int, error)

	// PutObject добавляет версию файла и делает её головной.
	PutObject(ctx context.Context, o *model.FileObject) error
	HeadObjects(ctx context.Context, bucketID uuid.UUID) ([]*model.FileObject, error)
	Objects(ctx context.Context, bucketID uuid.UUID) ([]*model.FileObject, error)
	// RemoveObjectsBy удаляет версии, загруженные рабочей копией,
	// и пересчитывает головные версии.
	RemoveObjectsBy(ctx context.Context, bucketID, createdBy uuid.UUID) ([]string, error)
	Usage(ctx context.Context, bucketID uuid.UUID) (int64, error)
	ChecksumInUse(ctx context.Context, checksum string) (bool, error)
}

// OutboxRepository — очередь восстановления индекса.
type OutboxRepository interface {
	Enqueue(ctx context.Context, objectID uuid.UUID, op model.OutboxOperation) (int64, error)
	Done(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64, reason string) error
	Pending(ctx context.Context, olderThan time.Time, limit int) ([]*model.OutboxEntry, error)
	Count(ctx context.Context) (int, error)
}

// Tx — набор репозиториев одной транзакции.
type Tx interface {
	Records() RecordRepository
	PIDs() PIDRepository
	Buckets() BucketRepository
	Outbox() OutboxRepository
	// Savepoint выполняет fn во вложенной транзакции (SAVEPOINT).
	// Ошибка fn откатывает только вложенные изменения.
	Savepoint(ctx context.Context, fn func(Tx) error) error
}

// Store — точка входа в транзакции.
type Store interface {
	// RunInTx выполняет fn внутри транзакции.
	// При ошибке fn — откат, при успехе — коммит.
	RunInTx(ctx context.Context, fn func(Tx) error) error
}

// PgStore — Store поверх pgxpool.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore создаёт Store для PostgreSQL.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// RunInTx реализует Store.
func (s *PgStore) RunInTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(newPgTx(tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ошибка коммита транзакции: %w", err)
	}
	return nil
}

// pgTx — репозитории поверх pgx.Tx.
type pgTx struct {
	tx pgx.Tx
}

func newPgTx(tx pgx.Tx) *pgTx { return &pgTx{tx: tx} }

func (t *pgTx) Records() RecordRepository { return NewRecordRepository(t.tx) }
func (t *pgTx) PIDs() PIDRepository       { return NewPIDRepository(t.tx) }
func (t *pgTx) Buckets() BucketRepository { return NewBucketRepository(t.tx) }
func (t *pgTx) Outbox() OutboxRepository  { return NewOutboxRepository(t.tx) }

// Savepoint реализует Tx: pgx.Tx.Begin внутри транзакции создаёт SAVEPOINT.
func (t *pgTx) Savepoint(ctx context.Context, fn func(Tx) error) error {
	nested, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка создания savepoint: %w", err)
	}
	defer nested.Rollback(ctx) //nolint:errcheck // откат после release — no-op

	if err := fn(newPgTx(nested)); err != nil {
		return err
	}
	if err := nested.Commit(ctx); err != nil {
		return fmt.Errorf("ошибка release savepoint: %w", err)
	}
	return nil
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
