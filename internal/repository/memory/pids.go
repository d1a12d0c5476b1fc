package memory

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
	"github.com/bigkaa/goartstore/deposit-module/internal/repository"
)

type pids struct {
	st *state
}

func (r *pids) Create(_ context.Context, p *model.PID) error {
	for _, existing := range r.st.pids {
		if existing.Type == p.Type && existing.Value == p.Value {
			return fmt.Errorf("%w: PID %s:%s уже существует", repository.ErrConflict, p.Type, p.Value)
		}
	}
	if err := r.checkExternal(*p, 0); err != nil {
		return err
	}
	r.st.nextPID++
	ts := now()
	p.ID = r.st.nextPID
	p.CreatedAt, p.UpdatedAt = ts, ts
	p.StatusBeforeDelete = ""
	r.st.pids[p.ID] = *p
	return nil
}

// checkExternal повторяет частичный уникальный индекс: один
// зарегистрированный doi/hdl на объект.
func (r *pids) checkExternal(p model.PID, self int64) error {
	if p.Status != model.PIDRegistered || (p.Type != model.PIDDOI && p.Type != model.PIDHandle) {
		return nil
	}
	for id, existing := range r.st.pids {
		if id != self && existing.ObjectID == p.ObjectID && existing.Type == p.Type &&
			existing.Status == model.PIDRegistered {
			return fmt.Errorf("%w: у объекта уже есть зарегистрированный %s", repository.ErrConflict, p.Type)
		}
	}
	return nil
}

func (r *pids) Get(_ context.Context, t model.PIDType, value string) (*model.PID, error) {
	for _, p := range r.st.pids {
		if p.Type == t && p.Value == value {
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *pids) GetByObject(_ context.Context, t model.PIDType, objectID uuid.UUID) (*model.PID, error) {
	var best *model.PID
	for _, p := range r.sorted() {
		if p.Type != t || p.ObjectID != objectID {
			continue
		}
		switch {
		case best == nil:
			best = &p
		case p.Status == model.PIDRegistered || best.Status != model.PIDRegistered:
			best = &p
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	return best, nil
}

func (r *pids) ListByObject(_ context.Context, objectID uuid.UUID) ([]*model.PID, error) {
	var result []*model.PID
	for _, p := range r.sorted() {
		if p.ObjectID == objectID {
			result = append(result, &p)
		}
	}
	return result, nil
}

func (r *pids) SetStatus(_ context.Context, id int64, status model.PIDStatus) error {
	p, ok := r.st.pids[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.Status = status
	if err := r.checkExternal(p, id); err != nil {
		return err
	}
	p.UpdatedAt = now()
	r.st.pids[id] = p
	return nil
}

func (r *pids) MarkDeleted(_ context.Context, objectID uuid.UUID) (int, error) {
	n := 0
	for id, p := range r.st.pids {
		if p.ObjectID != objectID || p.Status == model.PIDDeleted {
			continue
		}
		p.StatusBeforeDelete = p.Status
		p.Status = model.PIDDeleted
		p.UpdatedAt = now()
		r.st.pids[id] = p
		n++
	}
	return n, nil
}

func (r *pids) RestoreDeleted(_ context.Context, objectID uuid.UUID) (int, error) {
	n := 0
	for id, p := range r.st.pids {
		if p.ObjectID != objectID || p.Status != model.PIDDeleted {
			continue
		}
		p.Status = p.RestoredStatus()
		p.StatusBeforeDelete = ""
		p.UpdatedAt = now()
		r.st.pids[id] = p
		n++
	}
	return n, nil
}

func (r *pids) Delete(_ context.Context, id int64) error {
	if _, ok := r.st.pids[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.st.pids, id)
	r.st.relations = slices.DeleteFunc(r.st.relations, func(rel relation) bool {
		return rel.parent == id || rel.child == id
	})
	return nil
}

func (r *pids) Lock(_ context.Context, id int64) error {
	if _, ok := r.st.pids[id]; !ok {
		return repository.ErrNotFound
	}
	return nil
}

func (r *pids) NextRecID(_ context.Context) (int64, error) {
	r.st.recidSeq++
	return r.st.recidSeq, nil
}

func (r *pids) InsertChild(_ context.Context, parentID, childID int64, idx int, draft bool) error {
	for _, rel := range r.st.relations {
		switch {
		case rel.parent == parentID && rel.idx == idx:
			return fmt.Errorf("%w: в линии уже есть версия %d", repository.ErrConflict, idx)
		case rel.parent == parentID && draft && rel.draft:
			return fmt.Errorf("%w: в линии уже есть черновик", repository.ErrConflict)
		case rel.child == childID:
			return fmt.Errorf("%w: PID уже состоит в линии", repository.ErrConflict)
		}
	}
	r.st.relations = append(r.st.relations, relation{parent: parentID, child: childID, idx: idx, draft: draft})
	return nil
}

func (r *pids) Children(_ context.Context, parentID int64) ([]model.LineageMember, error) {
	var result []model.LineageMember
	for _, rel := range r.st.relations {
		if rel.parent != parentID {
			continue
		}
		p := r.st.pids[rel.child]
		result = append(result, model.LineageMember{RecID: &p, Index: rel.idx, Draft: rel.draft})
	}
	slices.SortFunc(result, func(a, b model.LineageMember) int { return a.Index - b.Index })
	return result, nil
}

func (r *pids) ParentOf(_ context.Context, childID int64) (*model.PID, error) {
	for _, rel := range r.st.relations {
		if rel.child == childID {
			p := r.st.pids[rel.parent]
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *pids) SetDraft(_ context.Context, parentID, childID int64, draft bool) error {
	pos := -1
	for i, rel := range r.st.relations {
		if rel.parent == parentID && rel.child == childID {
			pos = i
		} else if draft && rel.parent == parentID && rel.draft {
			return fmt.Errorf("%w: в линии уже есть черновик", repository.ErrConflict)
		}
	}
	if pos < 0 {
		return repository.ErrNotFound
	}
	r.st.relations[pos].draft = draft
	return nil
}

func (r *pids) RemoveChild(_ context.Context, parentID, childID int64) error {
	before := len(r.st.relations)
	r.st.relations = slices.DeleteFunc(r.st.relations, func(rel relation) bool {
		return rel.parent == parentID && rel.child == childID
	})
	if len(r.st.relations) == before {
		return repository.ErrNotFound
	}
	return nil
}

// sorted возвращает PID по возрастанию id.
func (r *pids) sorted() []model.PID {
	out := make([]model.PID, 0, len(r.st.pids))
	for _, p := range r.st.pids {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b model.PID) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
