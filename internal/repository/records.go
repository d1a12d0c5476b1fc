package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
)

// recordRepo — реализация RecordRepository.
type recordRepo struct {
	db DBTX
}

// NewRecordRepository создаёт репозиторий рабочих копий и записей.
func NewRecordRepository(db DBTX) RecordRepository {
	return &recordRepo{db: db}
}

func (r *recordRepo) CreateDeposit(ctx context.Context, d *model.Deposit) error {
	raw, err := d.MarshalDocument()
	if err != nil {
		return err
	}

	query := `
		INSERT INTO deposits (id, json, status, revision_id)
		VALUES ($1, $2, $3, 0)
		RETURNING created_at, updated_at`

	err = r.db.QueryRow(ctx, query, d.ID, raw, string(d.Status())).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: рабочая копия %s уже существует", ErrConflict, d.ID)
		}
		return fmt.Errorf("ошибка создания рабочей копии: %w", err)
	}
	d.Revision = 0

	return r.appendRevision(ctx, d.ID, model.KindDeposit, 0, raw)
}

func (r *recordRepo) GetDeposit(ctx context.Context, id uuid.UUID) (*model.Deposit, error) {
	return r.getDeposit(ctx, id, false)
}

func (r *recordRepo) LockDeposit(ctx context.Context, id uuid.UUID) (*model.Deposit, error) {
	return r.getDeposit(ctx, id, true)
}

func (r *recordRepo) getDeposit(ctx context.Context, id uuid.UUID, lock bool) (*model.Deposit, error) {
	query := `
		SELECT json, revision_id, created_at, updated_at
		FROM deposits
		WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	body, err := r.scanBody(r.db.QueryRow(ctx, query, id), id)
	if err != nil {
		return nil, err
	}
	return &model.Deposit{Body: body}, nil
}

func (r *recordRepo) SaveDeposit(ctx context.Context, d *model.Deposit, expected int) error {
	raw, err := d.MarshalDocument()
	if err != nil {
		return err
	}

	query := `
		UPDATE deposits
		SET json = $3, status = $4, revision_id = revision_id + 1, updated_at = now()
		WHERE id = $1 AND revision_id = $2
		RETURNING revision_id, updated_at`

	var rev int
	var updated time.Time
	err = r.db.QueryRow(ctx, query, d.ID, expected, raw, string(d.Status())).Scan(&rev, &updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.missingOrStale(ctx, "deposits", d.ID)
		}
		return fmt.Errorf("ошибка сохранения рабочей копии: %w", err)
	}
	d.Revision = rev
	d.UpdatedAt = updated

	return r.appendRevision(ctx, d.ID, model.KindDeposit, rev, raw)
}

func (r *recordRepo) CreateRecord(ctx context.Context, rec *model.Record) error {
	raw, err := rec.MarshalDocument()
	if err != nil {
		return err
	}

	query := `
		INSERT INTO records (id, json, revision_id)
		VALUES ($1, $2, 0)
		RETURNING created_at, updated_at`

	err = r.db.QueryRow(ctx, query, rec.ID, raw).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: запись %s уже существует", ErrConflict, rec.ID)
		}
		return fmt.Errorf("ошибка создания записи: %w", err)
	}
	rec.Revision = 0

	return r.appendRevision(ctx, rec.ID, model.KindRecord, 0, raw)
}

func (r *recordRepo) GetRecord(ctx context.Context, id uuid.UUID) (*model.Record, error) {
	return r.getRecord(ctx, id, false)
}

func (r *recordRepo) LockRecord(ctx context.Context, id uuid.UUID) (*model.Record, error) {
	return r.getRecord(ctx, id, true)
}

func (r *recordRepo) getRecord(ctx context.Context, id uuid.UUID, lock bool) (*model.Record, error) {
	query := `
		SELECT json, revision_id, created_at, updated_at
		FROM records
		WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	body, err := r.scanBody(r.db.QueryRow(ctx, query, id), id)
	if err != nil {
		return nil, err
	}
	return &model.Record{Body: body}, nil
}

func (r *recordRepo) SaveRecord(ctx context.Context, rec *model.Record, expected int) error {
	raw, err := rec.MarshalDocument()
	if err != nil {
		return err
	}

	query := `
		UPDATE records
		SET json = $3, revision_id = revision_id + 1, updated_at = now()
		WHERE id = $1 AND revision_id = $2
		RETURNING revision_id, updated_at`

	var rev int
	var updated time.Time
	err = r.db.QueryRow(ctx, query, rec.ID, expected, raw).Scan(&rev, &updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.missingOrStale(ctx, "records", rec.ID)
		}
		return fmt.Errorf("ошибка сохранения записи: %w", err)
	}
	rec.Revision = rev
	rec.UpdatedAt = updated

	return r.appendRevision(ctx, rec.ID, model.KindRecord, rev, raw)
}

func (r *recordRepo) GetRevision(ctx context.Context, id uuid.UUID, kind model.Kind, revision int) (*model.Body, error) {
	query := `
		SELECT json, revision_id, created_at, created_at
		FROM revisions
		WHERE object_id = $1 AND kind = $2 AND revision_id = $3`

	body, err := r.scanBody(r.db.QueryRow(ctx, query, id, string(kind), revision), id)
	if err != nil {
		return nil, err
	}
	return &body, nil
}

func (r *recordRepo) appendRevision(ctx context.Context, id uuid.UUID, kind model.Kind, rev int, raw []byte) error {
	query := `
		INSERT INTO revisions (object_id, kind, revision_id, json)
		VALUES ($1, $2, $3, $4)`

	if _, err := r.db.Exec(ctx, query, id, string(kind), rev, raw); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: ревизия %d уже записана", ErrStaleRevision, rev)
		}
		return fmt.Errorf("ошибка записи ревизии: %w", err)
	}
	return nil
}

// missingOrStale различает отсутствие строки и несовпадение ревизии.
func (r *recordRepo) missingOrStale(ctx context.Context, table string, id uuid.UUID) error {
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table)
	if err := r.db.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return fmt.Errorf("ошибка проверки существования: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStaleRevision
}

func (r *recordRepo) scanBody(row pgx.Row, id uuid.UUID) (model.Body, error) {
	var (
		raw     []byte
		rev     int
		created time.Time
		updated time.Time
	)
	if err := row.Scan(&raw, &rev, &created, &updated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Body{}, ErrNotFound
		}
		return model.Body{}, fmt.Errorf("ошибка чтения тела: %w", err)
	}

	body, err := model.ParseDocument(raw)
	if err != nil {
		return model.Body{}, err
	}
	body.ID = id
	body.Revision = rev
	body.CreatedAt = created
	body.UpdatedAt = updated
	return body, nil
}
