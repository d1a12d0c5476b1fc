package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
)

// pidRepo — реализация PIDRepository.
type pidRepo struct {
	db DBTX
}

// NewPIDRepository создаёт репозиторий идентификаторов.
func NewPIDRepository(db DBTX) PIDRepository {
	return &pidRepo{db: db}
}

const pidColumns = `id, pid_type, pid_value, status, object_uuid,
	COALESCE(status_before_delete, ''), created_at, updated_at`

func (r *pidRepo) Create(ctx context.Context, p *model.PID) error {
	query := `
		INSERT INTO pids (pid_type, pid_value, status, object_uuid)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRow(ctx, query, string(p.Type), p.Value, string(p.Status), p.ObjectID).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: PID %s:%s уже существует", ErrConflict, p.Type, p.Value)
		}
		return fmt.Errorf("ошибка создания PID: %w", err)
	}
	return nil
}

func (r *pidRepo) Get(ctx context.Context, t model.PIDType, value string) (*model.PID, error) {
	query := `SELECT ` + pidColumns + `
		FROM pids
		WHERE pid_type = $1 AND pid_value = $2`

	return scanPID(r.db.QueryRow(ctx, query, string(t), value))
}

func (r *pidRepo) GetByObject(ctx context.Context, t model.PIDType, objectID uuid.UUID) (*model.PID, error) {
	// Для doi/hdl предпочитаем зарегистрированный идентификатор.
	query := `SELECT ` + pidColumns + `
		FROM pids
		WHERE pid_type = $1 AND object_uuid = $2
		ORDER BY (status = 'registered') DESC, id DESC
		LIMIT 1`

	return scanPID(r.db.QueryRow(ctx, query, string(t), objectID))
}

func (r *pidRepo) ListByObject(ctx context.Context, objectID uuid.UUID) ([]*model.PID, error) {
	query := `SELECT ` + pidColumns + `
		FROM pids
		WHERE object_uuid = $1
		ORDER BY id`

	rows, err := r.db.Query(ctx, query, objectID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения PID объекта: %w", err)
	}
	defer rows.Close()

	var result []*model.PID
	for rows.Next() {
		p, err := scanPID(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (r *pidRepo) SetStatus(ctx context.Context, id int64, status model.PIDStatus) error {
	query := `
		UPDATE pids
		SET status = $2, updated_at = now()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, string(status))
	if err != nil {
		return fmt.Errorf("ошибка смены статуса PID: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pidRepo) MarkDeleted(ctx context.Context, objectID uuid.UUID) (int, error) {
	query := `
		UPDATE pids
		SET status_before_delete = status, status = 'deleted', updated_at = now()
		WHERE object_uuid = $1 AND status != 'deleted'`

	tag, err := r.db.Exec(ctx, query, objectID)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления PID: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *pidRepo) RestoreDeleted(ctx context.Context, objectID uuid.UUID) (int, error) {
	query := `
		UPDATE pids
		SET status = CASE
				WHEN pid_type IN ('recid', 'depid', 'parent') THEN 'registered'
				ELSE COALESCE(status_before_delete, 'registered')
			END,
			status_before_delete = NULL, updated_at = now()
		WHERE object_uuid = $1 AND status = 'deleted'`

	tag, err := r.db.Exec(ctx, query, objectID)
	if err != nil {
		return 0, fmt.Errorf("ошибка восстановления PID: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *pidRepo) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM pids WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления PID: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pidRepo) Lock(ctx context.Context, id int64) error {
	var locked int64
	err := r.db.QueryRow(ctx, `SELECT id FROM pids WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка блокировки PID: %w", err)
	}
	return nil
}

func (r *pidRepo) NextRecID(ctx context.Context) (int64, error) {
	var next int64
	if err := r.db.QueryRow(ctx, `SELECT nextval('recid_seq')`).Scan(&next); err != nil {
		return 0, fmt.Errorf("ошибка выдачи recid: %w", err)
	}
	return next, nil
}

func (r *pidRepo) InsertChild(ctx context.Context, parentID, childID int64, idx int, draft bool) error {
	query := `
		INSERT INTO pid_relations (parent_id, child_id, idx, is_draft)
		VALUES ($1, $2, $3, $4)`

	if _, err := r.db.Exec(ctx, query, parentID, childID, idx, draft); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: в линии уже есть черновик или версия %d", ErrConflict, idx)
		}
		return fmt.Errorf("ошибка добавления версии в линию: %w", err)
	}
	return nil
}

func (r *pidRepo) Children(ctx context.Context, parentID int64) ([]model.LineageMember, error) {
	query := `
		SELECT rel.idx, rel.is_draft,
			p.id, p.pid_type, p.pid_value, p.status, p.object_uuid,
			COALESCE(p.status_before_delete, ''), p.created_at, p.updated_at
		FROM pid_relations rel
		JOIN pids p ON p.id = rel.child_id
		WHERE rel.parent_id = $1
		ORDER BY rel.idx`

	rows, err := r.db.Query(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения линии версий: %w", err)
	}
	defer rows.Close()

	var result []model.LineageMember
	for rows.Next() {
		var m model.LineageMember
		p := &model.PID{}
		var pidType, status, before string
		if err := rows.Scan(&m.Index, &m.Draft,
			&p.ID, &pidType, &p.Value, &status, &p.ObjectID, &before, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования линии версий: %w", err)
		}
		p.Type = model.PIDType(pidType)
		p.Status = model.PIDStatus(status)
		p.StatusBeforeDelete = model.PIDStatus(before)
		m.RecID = p
		result = append(result, m)
	}
	return result, rows.Err()
}

func (r *pidRepo) ParentOf(ctx context.Context, childID int64) (*model.PID, error) {
	query := `
		SELECT p.id, p.pid_type, p.pid_value, p.status, p.object_uuid,
			COALESCE(p.status_before_delete, ''), p.created_at, p.updated_at
		FROM pid_relations rel
		JOIN pids p ON p.id = rel.parent_id
		WHERE rel.child_id = $1`

	return scanPID(r.db.QueryRow(ctx, query, childID))
}

func (r *pidRepo) SetDraft(ctx context.Context, parentID, childID int64, draft bool) error {
	query := `
		UPDATE pid_relations
		SET is_draft = $3
		WHERE parent_id = $1 AND child_id = $2`

	tag, err := r.db.Exec(ctx, query, parentID, childID, draft)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: в линии уже есть черновик", ErrConflict)
		}
		return fmt.Errorf("ошибка смены признака черновика: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pidRepo) RemoveChild(ctx context.Context, parentID, childID int64) error {
	query := `DELETE FROM pid_relations WHERE parent_id = $1 AND child_id = $2`

	tag, err := r.db.Exec(ctx, query, parentID, childID)
	if err != nil {
		return fmt.Errorf("ошибка удаления версии из линии: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPID(row pgx.Row) (*model.PID, error) {
	p := &model.PID{}
	var pidType, status, before string
	err := row.Scan(&p.ID, &pidType, &p.Value, &status, &p.ObjectID, &before, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка чтения PID: %w", err)
	}
	p.Type = model.PIDType(pidType)
	p.Status = model.PIDStatus(status)
	p.StatusBeforeDelete = model.PIDStatus(before)
	return p, nil
}
