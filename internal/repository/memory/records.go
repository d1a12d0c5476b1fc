package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
	"github.com/bigkaa/goartstore/deposit-module/internal/repository"
)

type records struct {
	st *state
}

func (r *records) CreateDeposit(_ context.Context, d *model.Deposit) error {
	if _, ok := r.st.deposits[d.ID]; ok {
		return fmt.Errorf("%w: рабочая копия %s уже существует", repository.ErrConflict, d.ID)
	}
	raw, err := d.MarshalDocument()
	if err != nil {
		return err
	}
	ts := now()
	row := bodyRow{raw: raw, status: d.Status(), createdAt: ts, updatedAt: ts}
	r.st.deposits[d.ID] = row
	r.st.revisions[revKey{d.ID, model.KindDeposit, 0}] = row

	d.Revision = 0
	d.CreatedAt, d.UpdatedAt = ts, ts
	return nil
}

func (r *records) GetDeposit(_ context.Context, id uuid.UUID) (*model.Deposit, error) {
	row, ok := r.st.deposits[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	body, err := parseRow(id, row)
	if err != nil {
		return nil, err
	}
	return &model.Deposit{Body: body}, nil
}

func (r *records) LockDeposit(ctx context.Context, id uuid.UUID) (*model.Deposit, error) {
	return r.GetDeposit(ctx, id)
}

func (r *records) SaveDeposit(_ context.Context, d *model.Deposit, expected int) error {
	row, ok := r.st.deposits[d.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if row.revision != expected {
		return repository.ErrStaleRevision
	}
	raw, err := d.MarshalDocument()
	if err != nil {
		return err
	}
	row.raw = raw
	row.status = d.Status()
	row.revision = expected + 1
	row.updatedAt = now()
	r.st.deposits[d.ID] = row
	r.st.revisions[revKey{d.ID, model.KindDeposit, row.revision}] = row

	d.Revision = row.revision
	d.UpdatedAt = row.updatedAt
	return nil
}

func (r *records) CreateRecord(_ context.Context, rec *model.Record) error {
	if _, ok := r.st.records[rec.ID]; ok {
		return fmt.Errorf("%w: запись %s уже существует", repository.ErrConflict, rec.ID)
	}
	raw, err := rec.MarshalDocument()
	if err != nil {
		return err
	}
	ts := now()
	row := bodyRow{raw: raw, createdAt: ts, updatedAt: ts}
	r.st.records[rec.ID] = row
	r.st.revisions[revKey{rec.ID, model.KindRecord, 0}] = row

	rec.Revision = 0
	rec.CreatedAt, rec.UpdatedAt = ts, ts
	return nil
}

func (r *records) GetRecord(_ context.Context, id uuid.UUID) (*model.Record, error) {
	row, ok := r.st.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	body, err := parseRow(id, row)
	if err != nil {
		return nil, err
	}
	return &model.Record{Body: body}, nil
}

func (r *records) LockRecord(ctx context.Context, id uuid.UUID) (*model.Record, error) {
	return r.GetRecord(ctx, id)
}

func (r *records) SaveRecord(_ context.Context, rec *model.Record, expected int) error {
	row, ok := r.st.records[rec.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if row.revision != expected {
		return repository.ErrStaleRevision
	}
	raw, err := rec.MarshalDocument()
	if err != nil {
		return err
	}
	row.raw = raw
	row.revision = expected + 1
	row.updatedAt = now()
	r.st.records[rec.ID] = row
	r.st.revisions[revKey{rec.ID, model.KindRecord, row.revision}] = row

	rec.Revision = row.revision
	rec.UpdatedAt = row.updatedAt
	return nil
}

func (r *records) GetRevision(_ context.Context, id uuid.UUID, kind model.Kind, revision int) (*model.Body, error) {
	row, ok := r.st.revisions[revKey{id, kind, revision}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	row.revision = revision
	body, err := parseRow(id, row)
	if err != nil {
		return nil, err
	}
	return &body, nil
}

func parseRow(id uuid.UUID, row bodyRow) (model.Body, error) {
	body, err := model.ParseDocument(row.raw)
	if err != nil {
		return model.Body{}, err
	}
	body.ID = id
	body.Revision = row.revision
	body.CreatedAt = row.createdAt
	body.UpdatedAt = row.updatedAt
	return body, nil
}
