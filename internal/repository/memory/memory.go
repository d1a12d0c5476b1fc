// Пакет memory — транзакционное хранилище в памяти.
// Транзакции сериализуются мьютексом; откат — восстановлением снимка
// состояния, снятого в начале транзакции (или savepoint).
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
	"github.com/bigkaa/goartstore/deposit-module/internal/repository"
)

type bodyRow struct {
	raw       []byte
	status    model.DepositStatus
	revision  int
	createdAt time.Time
	updatedAt time.Time
}

type revKey struct {
	id       uuid.UUID
	kind     model.Kind
	revision int
}

type relation struct {
	parent int64
	child  int64
	idx    int
	draft  bool
}

// state — всё содержимое хранилища.
type state struct {
	deposits  map[uuid.UUID]bodyRow
	records   map[uuid.UUID]bodyRow
	revisions map[revKey]bodyRow

	pids      map[int64]model.PID
	nextPID   int64
	recidSeq  int64
	relations []relation

	buckets map[uuid.UUID]model.Bucket
	objects []model.FileObject
	links   map[uuid.UUID]uuid.UUID

	outbox     map[int64]model.OutboxEntry
	nextOutbox int64
}

func newState() *state {
	return &state{
		deposits:  make(map[uuid.UUID]bodyRow),
		records:   make(map[uuid.UUID]bodyRow),
		revisions: make(map[revKey]bodyRow),
		pids:      make(map[int64]model.PID),
		buckets:   make(map[uuid.UUID]model.Bucket),
		links:     make(map[uuid.UUID]uuid.UUID),
		outbox:    make(map[int64]model.OutboxEntry),
	}
}

// clone снимает копию состояния. Тела строк неизменяемы ([]byte не
// модифицируется на месте), поэтому копируются только контейнеры.
func (s *state) clone() *state {
	out := *s
	out.deposits = maps.Clone(s.deposits)
	out.records = maps.Clone(s.records)
	out.revisions = maps.Clone(s.revisions)
	out.pids = maps.Clone(s.pids)
	out.relations = slices.Clone(s.relations)
	out.buckets = maps.Clone(s.buckets)
	out.objects = slices.Clone(s.objects)
	out.links = maps.Clone(s.links)
	out.outbox = maps.Clone(s.outbox)
	return &out
}

// Store — repository.Store в памяти.
type Store struct {
	mu sync.Mutex
	st *state
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{st: newState()}
}

// RunInTx реализует repository.Store.
func (s *Store) RunInTx(ctx context.Context, fn func(repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := s.st.clone()
	if err := fn(&tx{st: s.st}); err != nil {
		*s.st = *snapshot
		return err
	}
	return nil
}

// tx — репозитории поверх общего состояния.
type tx struct {
	st *state
}

func (t *tx) Records() repository.RecordRepository { return &records{st: t.st} }
func (t *tx) PIDs() repository.PIDRepository       { return &pids{st: t.st} }
func (t *tx) Buckets() repository.BucketRepository { return &buckets{st: t.st} }
func (t *tx) Outbox() repository.OutboxRepository  { return &outbox{st: t.st} }

// Savepoint реализует repository.Tx.
func (t *tx) Savepoint(_ context.Context, fn func(repository.Tx) error) error {
	snapshot := t.st.clone()
	if err := fn(t); err != nil {
		*t.st = *snapshot
		return err
	}
	return nil
}

func now() time.Time { return time.Now().UTC() }
