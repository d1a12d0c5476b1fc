// publish.go — публикация черновика и создание новой версии.
package service

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/deposit-module/internal/domain/lifecycle"
	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
	"github.com/bigkaa/goartstore/deposit-module/internal/merge"
	"github.com/bigkaa/goartstore/deposit-module/internal/repository"
)

// Publish публикует черновик. Первая публикация создаёт запись
// с ревизией 0 и регистрирует recid. Повторная публикация после правок
// сливает черновик с головой записи, если запись менялась с момента
// прошлой публикации. Предыдущая последняя версия линии перестаёт быть
// последней.
func (e *Engine) Publish(ctx context.Context, id uuid.UUID) (*model.Record, Outcome, error) {
	var (
		rec  *model.Record
		jobs []indexJob
	)
	err := e.run(ctx, "publish", func(tx repository.Tx) error {
		jobs = nil
		d, err := tx.Records().LockDeposit(ctx, id)
		if err != nil {
			return err
		}
		m, err := e.memberOf(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := e.lockLineage(ctx, tx, m); err != nil {
			return err
		}
		before := m.state(d.Status(), id)
		if err := require(before, lifecycle.OpPublish); err != nil {
			return err
		}

		var prevLast uuid.UUID
		if last := m.lineage.LastChild(); last != nil && last.RecID.ObjectID != id {
			prevLast = last.RecID.ObjectID
		}

		firstPublish := !d.IsPublished()
		var head *model.Record
		if firstPublish {
			if err := tx.PIDs().SetStatus(ctx, m.recid.ID, model.PIDRegistered); err != nil {
				return err
			}
			if err := tx.PIDs().SetDraft(ctx, m.lineage.Parent.ID, m.recid.ID, false); err != nil {
				return err
			}
		} else {
			if head, err = tx.Records().LockRecord(ctx, id); err != nil {
				return err
			}
		}

		lineage, err := e.pids.Lineage(ctx, tx.PIDs(), m.lineage.Parent)
		if err != nil {
			return err
		}
		// Черновик правки записи, которую уже сменила новая версия,
		// публикуется устаревшей версией: последняя версия линии не меняется.
		isLast := lineage.IsLast(id)
		if err := transition(before, lifecycle.Derive(model.DepositPublished, model.PIDRegistered, isLast)); err != nil {
			return err
		}
		if err := e.refreshSystem(ctx, tx, &d.Body, lineage); err != nil {
			return err
		}

		rec = publishedRecord(d, m.recid.Value)
		if firstPublish {
			rec.System.Deposit.PID.RevisionID = 0
			if err := tx.Records().CreateRecord(ctx, rec); err != nil {
				return err
			}
		} else {
			if base := d.System.Deposit.PID.RevisionID; head.Revision != base {
				ancestor, err := tx.Records().GetRevision(ctx, id, model.KindRecord, base)
				if err != nil {
					return err
				}
				merged, err := merge.Merge(ancestor.MergeView(), head.MergeView(), d.MergeView(), model.PreserveKeys)
				if err != nil {
					return err
				}
				rec.ApplyMergeView(merged)
				delete(rec.Metadata, model.KeyControlNumber)
			}
			rec.System.Deposit.PID.RevisionID = head.Revision + 1
			if err := tx.Records().SaveRecord(ctx, rec, head.Revision); err != nil {
				return err
			}
		}

		if ref := d.System.Buckets.Deposit; ref != "" {
			bucketID, err := uuid.Parse(ref)
			if err != nil {
				return fmt.Errorf("некорректная ссылка на бакет %q: %w", ref, err)
			}
			if err := e.buckets.Lock(ctx, tx.Buckets(), bucketID); err != nil {
				return err
			}
		}

		expected := d.Revision
		d.Metadata = withControlNumber(rec.Metadata, d.Metadata)
		d.Path = slices.Clone(rec.Path)
		d.PublishStatus = rec.PublishStatus
		d.ItemTypeID = rec.ItemTypeID
		d.SetStatus(model.DepositPublished)
		d.System.Deposit.PID = &model.PIDBlock{
			Type:       string(model.PIDRecID),
			Value:      m.recid.Value,
			RevisionID: rec.Revision,
		}
		if err := tx.Records().SaveDeposit(ctx, d, expected); err != nil {
			return err
		}

		p, err := e.prepareProjection(ctx, tx, &d.Body, string(model.DepositPublished), isLast)
		if err != nil {
			return err
		}
		job, err := enqueue(ctx, tx, id, model.OutboxReindex, "publish", e.upsertJob(p, d.Revision))
		if err != nil {
			return err
		}
		jobs = append(jobs, job)

		if isLast && prevLast != uuid.Nil {
			job, err := enqueue(ctx, tx, prevLast, model.OutboxReindex, "set_last_version",
				func(ctx context.Context) error {
					return e.writer.SetLastVersion(ctx, prevLast.String(), false)
				})
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, Outcome{}, err
	}

	e.logger.Info("Запись опубликована",
		logRecordID(id),
		logRecID(rec.System.RecID),
	)
	return rec, e.project(ctx, jobs), nil
}

// publishedRecord строит тело записи из черновика: без control_number
// и ссылки на схему, с блоком pid и статусом published.
func publishedRecord(d *model.Deposit, recid string) *model.Record {
	rec := &model.Record{Body: d.Clone().Body}
	delete(rec.Metadata, model.KeyControlNumber)
	rec.System.Schema = ""
	rec.System.Deposit.Status = model.DepositPublished
	rec.System.Deposit.PID = &model.PIDBlock{Type: string(model.PIDRecID), Value: recid}
	return rec
}

// withControlNumber копирует метаданные записи, сохраняя control_number черновика.
func withControlNumber(md, draft model.Metadata) model.Metadata {
	out := md.Clone()
	if out == nil {
		out = model.Metadata{}
	}
	if cn, ok := draft[model.KeyControlNumber]; ok {
		out[model.KeyControlNumber] = cn
	}
	return out
}

// MergeWithPublished возвращает черновик, слитый с головой опубликованной
// записи относительно ревизии, от которой черновик отделён. Ничего не
// сохраняет. Несовместимые правки — ErrMergeConflict.
func (e *Engine) MergeWithPublished(ctx context.Context, id uuid.UUID) (*model.Deposit, error) {
	var out *model.Deposit
	err := e.run(ctx, "merge_with_published", func(tx repository.Tx) error {
		d, err := tx.Records().GetDeposit(ctx, id)
		if err != nil {
			return err
		}
		out = d
		if !d.IsPublished() {
			return nil
		}
		head, err := tx.Records().GetRecord(ctx, id)
		if err != nil {
			return err
		}
		base := d.System.Deposit.PID.RevisionID
		if head.Revision == base {
			return nil
		}
		ancestor, err := tx.Records().GetRevision(ctx, id, model.KindRecord, base)
		if err != nil {
			return err
		}
		merged, err := merge.Merge(ancestor.MergeView(), head.MergeView(), d.MergeView(), model.PreserveKeys)
		if err != nil {
			return err
		}
		cn := d.Metadata[model.KeyControlNumber]
		out.ApplyMergeView(merged)
		if cn != nil {
			out.Metadata[model.KeyControlNumber] = cn
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NewVersion создаёт черновик следующей версии опубликованной записи.
// Метаданные берутся из последней опубликованной версии линии, владельцы
// и бакет — от предка; бакет общий для линии и разблокируется для черновика.
// Второй черновик в линии — ErrConflict.
func (e *Engine) NewVersion(ctx context.Context, recordID uuid.UUID) (*model.Deposit, Outcome, error) {
	var (
		d    *model.Deposit
		jobs []indexJob
	)
	err := e.run(ctx, "newversion", func(tx repository.Tx) error {
		jobs = nil
		ancestor, err := tx.Records().GetRecord(ctx, recordID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("%w: запись %s не опубликована", ErrInvalidState, recordID)
			}
			return err
		}
		m, err := e.memberOf(ctx, tx, recordID)
		if err != nil {
			return err
		}
		if err := e.lockLineage(ctx, tx, m); err != nil {
			return err
		}
		state := lifecycle.Derive(model.DepositPublished, m.recid.Status, m.lineage.IsLast(recordID))
		if err := require(state, lifecycle.OpNewVersion); err != nil {
			return err
		}
		if draft := m.lineage.DraftChild(); draft != nil {
			return fmt.Errorf("%w: в линии уже есть черновик %s", ErrConflict, draft.RecID.Value)
		}

		source := ancestor
		if last := m.lineage.LastChild(); last != nil && last.RecID.ObjectID != recordID {
			if source, err = tx.Records().GetRecord(ctx, last.RecID.ObjectID); err != nil {
				return err
			}
		}

		idx, err := e.pids.LatestVersionIndex(ctx, tx.PIDs(), m.lineage.Parent)
		if err != nil {
			return err
		}
		value, err := freeVersionValue(ctx, tx.PIDs(), m.recid.Value, idx+1)
		if err != nil {
			return err
		}
		id := uuid.New()

		var bucketRef string
		if ref := ancestor.System.Buckets.Deposit; ref != "" {
			bucketID, err := uuid.Parse(ref)
			if err != nil {
				return fmt.Errorf("некорректная ссылка на бакет %q: %w", ref, err)
			}
			cloned, err := e.buckets.CloneUnlocked(ctx, tx.Buckets(), bucketID)
			if err != nil {
				return err
			}
			if err := tx.Buckets().Link(ctx, id, cloned.BucketID); err != nil {
				return err
			}
			bucketRef = cloned.BucketID.String()
		}

		recidPID, err := e.pids.Mint(ctx, tx.PIDs(), model.PIDRecID, value, model.PIDReserved, id)
		if err != nil {
			return err
		}
		if _, err := e.pids.Mint(ctx, tx.PIDs(), model.PIDDepID, value, model.PIDRegistered, id); err != nil {
			return err
		}
		if _, err := e.pids.InsertDraftChild(ctx, tx.PIDs(), m.lineage.Parent, recidPID); err != nil {
			return err
		}

		md := source.Metadata.Without(model.KeyControlNumber)
		if md == nil {
			md = model.Metadata{}
		}
		md[model.KeyControlNumber] = value
		d = &model.Deposit{Body: model.Body{
			ID:            id,
			Metadata:      md,
			Path:          slices.Clone(source.Path),
			PublishStatus: source.PublishStatus,
			ItemTypeID:    source.ItemTypeID,
		}}
		if d.Path == nil {
			d.Path = []string{}
		}
		d.System.Deposit = model.DepositBlock{
			ID:        value,
			Status:    model.DepositDraft,
			Owners:    slices.Clone(ancestor.System.Deposit.Owners),
			CreatedBy: ancestor.System.Deposit.CreatedBy,
		}
		d.System.Buckets.Deposit = bucketRef
		d.System.Owners = slices.Clone(ancestor.System.Owners)
		d.System.RecID = value
		d.System.ConceptRecID = m.lineage.Parent.Value
		d.System.ConceptDOI = ancestor.System.ConceptDOI
		d.System.Schema = schemaRef(source.ItemTypeID)

		lineage, err := e.pids.Lineage(ctx, tx.PIDs(), m.lineage.Parent)
		if err != nil {
			return err
		}
		if err := e.refreshSystem(ctx, tx, &d.Body, lineage); err != nil {
			return err
		}
		if err := transition(lifecycle.StateNew, memberState(lineage, id, d.Status())); err != nil {
			return err
		}
		if err := tx.Records().CreateDeposit(ctx, d); err != nil {
			return err
		}

		p, err := e.prepareProjection(ctx, tx, &d.Body, string(model.DepositDraft), false)
		if err != nil {
			return err
		}
		job, err := enqueue(ctx, tx, id, model.OutboxReindex, "newversion", e.upsertJob(p, d.Revision))
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
		return nil
	})
	if err != nil {
		return nil, Outcome{}, err
	}

	e.logger.Info("Создана новая версия",
		logRecordID(d.ID),
		logRecID(d.System.RecID),
	)
	return d, e.project(ctx, jobs), nil
}

// freeVersionValue возвращает первый свободный recid версии начиная с index.
// Номер может быть занят recid удалённого черновика.
func freeVersionValue(ctx context.Context, pids repository.PIDRepository, recid string, index int) (string, error) {
	for i := index; ; i++ {
		value := model.VersionedRecID(recid, i)
		_, err := pids.Get(ctx, model.PIDRecID, value)
		if errors.Is(err, repository.ErrNotFound) {
			return value, nil
		}
		if err != nil {
			return "", err
		}
	}
}
