// Пакет pidstore — реестр персистентных идентификаторов и линий версий.
// Реестр не открывает собственных транзакций: все вызовы получают
// репозиторий PID текущей транзакции движка.
package pidstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
	"github.com/bigkaa/goartstore/deposit-module/internal/repository"
)

var (
	// ErrNotFound — идентификатор не найден.
	ErrNotFound = errors.New("идентификатор не найден")
	// ErrDeleted — идентификатор помечен удалённым.
	ErrDeleted = errors.New("идентификатор удалён")
	// ErrDraftExists — в линии уже есть черновик.
	ErrDraftExists = errors.New("в линии версий уже есть черновик")
	// ErrNoLineage — идентификатор не состоит в линии версий.
	ErrNoLineage = errors.New("идентификатор не состоит в линии версий")
)

// Registry — реестр идентификаторов.
type Registry struct{}

// NewRegistry создаёт реестр.
func NewRegistry() *Registry {
	return &Registry{}
}

// NextRecID выдаёт новый базовый recid.
func (r *Registry) NextRecID(ctx context.Context, pids repository.PIDRepository) (string, error) {
	n, err := pids.NextRecID(ctx)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n, 10), nil
}

// AllocateLineage создаёт parent-идентификатор линии, привязанный к записи
// (статус REGISTERED).
func (r *Registry) AllocateLineage(ctx context.Context, pids repository.PIDRepository, recordID uuid.UUID, recid string) (*model.PID, error) {
	parent := &model.PID{
		Type:     model.PIDParent,
		Value:    model.ParentValue(recid),
		Status:   model.PIDRegistered,
		ObjectID: recordID,
	}
	if err := pids.Create(ctx, parent); err != nil {
		return nil, err
	}
	return parent, nil
}

// Mint создаёт идентификатор заданного типа для объекта.
func (r *Registry) Mint(ctx context.Context, pids repository.PIDRepository, t model.PIDType, value string, status model.PIDStatus, objectID uuid.UUID) (*model.PID, error) {
	p := &model.PID{Type: t, Value: value, Status: status, ObjectID: objectID}
	if err := pids.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// InsertDraftChild добавляет recid в хвост линии как черновик.
// Возвращает индекс ребёнка. ErrDraftExists, если черновик уже есть.
func (r *Registry) InsertDraftChild(ctx context.Context, pids repository.PIDRepository, parent, child *model.PID) (int, error) {
	children, err := pids.Children(ctx, parent.ID)
	if err != nil {
		return 0, err
	}
	for _, m := range children {
		if m.Draft {
			return 0, fmt.Errorf("%w: %s", ErrDraftExists, m.RecID.Value)
		}
	}

	idx := 0
	if n := len(children); n > 0 {
		idx = children[n-1].Index + 1
	}
	// Уникальный индекс по черновику сериализует конкурентные вставки.
	if err := pids.InsertChild(ctx, parent.ID, child.ID, idx, true); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return 0, fmt.Errorf("%w: %w", ErrDraftExists, err)
		}
		return 0, err
	}
	return idx, nil
}

// LatestVersionIndex возвращает число детей линии минус один.
func (r *Registry) LatestVersionIndex(ctx context.Context, pids repository.PIDRepository, parent *model.PID) (int, error) {
	children, err := pids.Children(ctx, parent.ID)
	if err != nil {
		return 0, err
	}
	return len(children) - 1, nil
}

// Lineage загружает линию версий parent-идентификатора.
func (r *Registry) Lineage(ctx context.Context, pids repository.PIDRepository, parent *model.PID) (*model.Lineage, error) {
	children, err := pids.Children(ctx, parent.ID)
	if err != nil {
		return nil, err
	}
	return &model.Lineage{Parent: parent, Members: children}, nil
}

// LineageOf загружает линию версий, в которой состоит объект.
func (r *Registry) LineageOf(ctx context.Context, pids repository.PIDRepository, objectID uuid.UUID) (*model.Lineage, error) {
	recid, err := pids.GetByObject(ctx, model.PIDRecID, objectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: recid объекта %s", ErrNotFound, objectID)
		}
		return nil, err
	}
	parent, err := pids.ParentOf(ctx, recid.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoLineage, recid.Value)
		}
		return nil, err
	}
	return r.Lineage(ctx, pids, parent)
}

// Resolve ищет идентификатор. ErrNotFound — нет такого,
// ErrDeleted — помечен удалённым (возвращается вместе с PID).
func (r *Registry) Resolve(ctx context.Context, pids repository.PIDRepository, t model.PIDType, value string) (*model.PID, error) {
	p, err := r.ResolveAny(ctx, pids, t, value)
	if err != nil {
		return nil, err
	}
	if p.IsDeleted() {
		return p, fmt.Errorf("%w: %s:%s", ErrDeleted, t, value)
	}
	return p, nil
}

// ResolveAny ищет идентификатор в любом статусе (для восстановления).
func (r *Registry) ResolveAny(ctx context.Context, pids repository.PIDRepository, t model.PIDType, value string) (*model.PID, error) {
	p, err := pids.Get(ctx, t, value)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s:%s", ErrNotFound, t, value)
		}
		return nil, err
	}
	return p, nil
}

// RegisterExternal регистрирует DOI или handle объекта.
// Второй зарегистрированный идентификатор того же типа — repository.ErrConflict.
func (r *Registry) RegisterExternal(ctx context.Context, pids repository.PIDRepository, objectID uuid.UUID, t model.PIDType, value string) (*model.PID, error) {
	if t != model.PIDDOI && t != model.PIDHandle {
		return nil, fmt.Errorf("тип %q не является внешним идентификатором", t)
	}
	if existing, err := pids.GetByObject(ctx, t, objectID); err == nil && existing.Status == model.PIDRegistered {
		return nil, fmt.Errorf("%w: у записи уже зарегистрирован %s %s", repository.ErrConflict, t, existing.Value)
	}
	return r.Mint(ctx, pids, t, value, model.PIDRegistered, objectID)
}
