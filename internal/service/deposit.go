// deposit.go — операции над рабочей копией: создание, изменение,
// фиксация, сброс, удаление черновика, загрузка файлов.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/deposit-module/internal/audit"
	"github.com/bigkaa/goartstore/deposit-module/internal/domain/lifecycle"
	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
	"github.com/bigkaa/goartstore/deposit-module/internal/handoff"
	"github.com/bigkaa/goartstore/deposit-module/internal/merge"
	"github.com/bigkaa/goartstore/deposit-module/internal/repository"
)

// CreateInput — параметры создания рабочей копии.
type CreateInput struct {
	Metadata   model.Metadata
	ItemTypeID string
	// Owner — идентификатор владельца (пользователя)
	Owner string
}

// UpdateInput — параметры изменения рабочей копии.
type UpdateInput struct {
	// Actor — кто меняет запись (попадает в событие аудита)
	Actor string
	// IndexIDs — позиции в дереве классификации ("1/5/12" или "12").
	// nil — путь не меняется.
	IndexIDs []string
	// Actions — намерение публикации: "publish" или "0" делают запись публичной
	Actions string
	// Metadata — новые метаданные; nil — взять из хранилища передачи
	Metadata model.Metadata
}

// Get загружает рабочую копию. Изменения handle фиксируются через Commit.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*model.Deposit, error) {
	var d *model.Deposit
	err := e.run(ctx, "get", func(tx repository.Tx) error {
		var err error
		d, err = tx.Records().GetDeposit(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// GetRecord загружает голову опубликованной записи.
func (e *Engine) GetRecord(ctx context.Context, id uuid.UUID) (*model.Record, error) {
	var rec *model.Record
	err := e.run(ctx, "get_record", func(tx repository.Tx) error {
		var err error
		rec, err = tx.Records().GetRecord(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Resolve находит запись по recid. Зарегистрированный recid указывает
// на опубликованную запись, зарезервированный — на черновик.
func (e *Engine) Resolve(ctx context.Context, recid string) (model.Entry, error) {
	var entry model.Entry
	err := e.run(ctx, "resolve", func(tx repository.Tx) error {
		p, err := e.pids.Resolve(ctx, tx.PIDs(), model.PIDRecID, recid)
		if err != nil {
			return err
		}
		if p.Status == model.PIDRegistered {
			rec, err := tx.Records().GetRecord(ctx, p.ObjectID)
			if err == nil {
				entry = rec
				return nil
			}
			if !errors.Is(err, repository.ErrNotFound) {
				return err
			}
		}
		d, err := tx.Records().GetDeposit(ctx, p.ObjectID)
		if err != nil {
			return err
		}
		entry = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Create создаёт черновик: recid (RESERVED), depid (REGISTERED),
// parent линии версий, бакет и связь записи с бакетом.
func (e *Engine) Create(ctx context.Context, in CreateInput) (*model.Deposit, Outcome, error) {
	md, err := userMetadata(in.Metadata)
	if err != nil {
		return nil, Outcome{}, err
	}
	if err := e.validate(in.ItemTypeID, md); err != nil {
		return nil, Outcome{}, err
	}

	var (
		d    *model.Deposit
		jobs []indexJob
	)
	err = e.run(ctx, "create", func(tx repository.Tx) error {
		jobs = nil
		id := uuid.New()
		pids := tx.PIDs()

		recid, err := e.pids.NextRecID(ctx, pids)
		if err != nil {
			return err
		}
		recidPID, err := e.pids.Mint(ctx, pids, model.PIDRecID, recid, model.PIDReserved, id)
		if err != nil {
			return err
		}
		if _, err := e.pids.Mint(ctx, pids, model.PIDDepID, recid, model.PIDRegistered, id); err != nil {
			return err
		}
		parent, err := e.pids.AllocateLineage(ctx, pids, id, recid)
		if err != nil {
			return err
		}
		if _, err := e.pids.InsertDraftChild(ctx, pids, parent, recidPID); err != nil {
			return err
		}

		b, err := e.buckets.Create(ctx, tx.Buckets(), 0, 0)
		if err != nil {
			return err
		}
		if err := tx.Buckets().Link(ctx, id, b.ID); err != nil {
			return err
		}

		var owners []string
		if in.Owner != "" {
			owners = []string{in.Owner}
		}
		body := md.Clone()
		body[model.KeyControlNumber] = recid

		d = &model.Deposit{Body: model.Body{
			ID:            id,
			Metadata:      body,
			Path:          []string{},
			PublishStatus: model.PublishPrivate,
			ItemTypeID:    in.ItemTypeID,
		}}
		d.System.Deposit = model.DepositBlock{
			ID:        recid,
			Status:    model.DepositDraft,
			Owners:    owners,
			CreatedBy: in.Owner,
		}
		d.System.Buckets.Deposit = b.ID.String()
		d.System.Owners = slices.Clone(owners)
		d.System.RecID = recid
		d.System.ConceptRecID = parent.Value
		d.System.Schema = schemaRef(in.ItemTypeID)

		lineage, err := e.pids.Lineage(ctx, pids, parent)
		if err != nil {
			return err
		}
		if err := e.refreshSystem(ctx, tx, &d.Body, lineage); err != nil {
			return err
		}
		if err := tx.Records().CreateDeposit(ctx, d); err != nil {
			return err
		}

		p, err := e.prepareProjection(ctx, tx, &d.Body, string(model.DepositDraft), false)
		if err != nil {
			return err
		}
		job, err := enqueue(ctx, tx, id, model.OutboxReindex, "create", e.upsertJob(p, d.Revision))
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
		return nil
	})
	if err != nil {
		return nil, Outcome{}, err
	}

	e.logger.Info("Черновик создан",
		logRecordID(d.ID),
		logRecID(d.System.RecID),
	)
	return d, e.project(ctx, jobs), nil
}

// Update меняет рабочую копию в памяти: метаданные, путь классификации,
// статус публикации. Статус всегда становится draft. Системные поля
// handle не меняются. Изменения сохраняет Commit.
func (e *Engine) Update(ctx context.Context, d *model.Deposit, in UpdateInput) error {
	var (
		recidDeleted bool
		published    *model.Record
	)
	err := e.run(ctx, "update", func(tx repository.Tx) error {
		recidDeleted, published = false, nil
		recid, err := tx.PIDs().GetByObject(ctx, model.PIDRecID, d.ID)
		if err != nil {
			return err
		}
		if recid.IsDeleted() {
			recidDeleted = true
			return nil
		}
		m, err := e.memberOf(ctx, tx, d.ID)
		if err != nil {
			return err
		}
		if err := require(m.state(d.Status(), d.ID), lifecycle.OpUpdate); err != nil {
			return err
		}
		rec, err := tx.Records().GetRecord(ctx, d.ID)
		switch {
		case err == nil:
			published = rec
		case !errors.Is(err, repository.ErrNotFound):
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	if recidDeleted {
		if e.writer != nil {
			if err := e.writer.Delete(ctx, d.ID.String()); err != nil {
				e.logger.Warn("Не удалось удалить документ удалённой записи из индекса",
					logRecordID(d.ID),
					logError(err),
				)
			}
		}
		return fmt.Errorf("%w: recid %s", ErrDeleted, d.System.RecID)
	}

	md := in.Metadata
	if md == nil {
		md, err = e.takeHandoff(ctx, d.System.RecID)
		if err != nil {
			return err
		}
	}
	md, err = userMetadata(md)
	if err != nil {
		return err
	}
	if err := e.validate(d.ItemTypeID, md); err != nil {
		return err
	}

	var path []string
	if in.IndexIDs != nil {
		if path, err = e.resolvePath(ctx, in.IndexIDs); err != nil {
			return err
		}
	}

	if cn, ok := d.Metadata[model.KeyControlNumber]; ok {
		if _, set := md[model.KeyControlNumber]; !set {
			md[model.KeyControlNumber] = cn
		}
	}
	d.Metadata = md
	if in.IndexIDs != nil {
		d.Path = path
	}
	d.PublishStatus = publishStatusFor(in.Actions, published)
	d.SetStatus(model.DepositDraft)
	d.PendingIndex = true

	e.audit.Notify(ctx, audit.Event{
		Operation: "update",
		Actor:     in.Actor,
		TargetID:  d.System.RecID,
		Title:     md.Title(),
	})
	return nil
}

// publishStatusFor выбирает статус публикации при изменении.
func publishStatusFor(actions string, published *model.Record) model.PublishStatus {
	switch {
	case actions == "publish" || actions == string(model.PublishPublic):
		return model.PublishPublic
	case published != nil && published.PublishStatus != "":
		return published.PublishStatus
	default:
		return model.PublishPrivate
	}
}

// takeHandoff забирает метаданные, переданные через хранилище передачи.
func (e *Engine) takeHandoff(ctx context.Context, recid string) (model.Metadata, error) {
	if e.handoff == nil {
		return nil, invalid("метаданные не переданы")
	}
	md, err := e.handoff.Take(ctx, recid)
	if err != nil {
		if errors.Is(err, handoff.ErrNotFound) {
			return nil, invalid(fmt.Sprintf("метаданные записи %s не найдены в хранилище передачи", recid))
		}
		return nil, fmt.Errorf("%w: хранилище передачи: %w", ErrStore, err)
	}
	return md, nil
}

// Commit сохраняет handle в хранилище, затем пишет проекцию в индекс
// с версией = новая ревизия. Если после загрузки handle в хранилище
// зафиксирована другая ревизия, правки сливаются трёхсторонне
// (предок — ревизия, с которой загружен handle).
//
// Ошибка индекса не откатывает хранилище и возвращается в Outcome.
func (e *Engine) Commit(ctx context.Context, d *model.Deposit) (Outcome, error) {
	var (
		next *model.Deposit
		jobs []indexJob
	)
	err := e.run(ctx, "commit", func(tx repository.Tx) error {
		jobs = nil
		next = d.Clone()

		stored, err := tx.Records().LockDeposit(ctx, d.ID)
		if err != nil {
			return err
		}
		m, err := e.memberOf(ctx, tx, d.ID)
		if err != nil {
			return err
		}
		if err := require(m.state(next.Status(), d.ID), lifecycle.OpCommit); err != nil {
			return err
		}

		if stored.Revision != d.Revision {
			ancestor, err := tx.Records().GetRevision(ctx, d.ID, model.KindDeposit, d.Revision)
			if err != nil {
				return err
			}
			merged, err := merge.Merge(ancestor.MergeView(), stored.MergeView(), next.MergeView(), model.PreserveKeys)
			if err != nil {
				return err
			}
			next.ApplyMergeView(merged)
			status := next.Status()
			next.System = stored.System.Clone()
			next.SetStatus(status)
		}

		if err := e.refreshSystem(ctx, tx, &next.Body, m.lineage); err != nil {
			return err
		}
		if err := tx.Records().SaveDeposit(ctx, next, stored.Revision); err != nil {
			return err
		}

		p, err := e.prepareProjection(ctx, tx, &next.Body, string(next.Status()), m.lineage.IsLast(d.ID))
		if err != nil {
			return err
		}
		job, err := enqueue(ctx, tx, d.ID, model.OutboxReindex, "commit", e.upsertJob(p, next.Revision))
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	next.PendingIndex = false
	*d = *next
	return e.project(ctx, jobs), nil
}

// Discard отменяет несохранённые в записи правки черновика: черновик
// опубликованной записи возвращается к голове записи, у неопубликованного
// черновика очищаются метаданные.
func (e *Engine) Discard(ctx context.Context, id uuid.UUID) (*model.Deposit, Outcome, error) {
	var (
		d    *model.Deposit
		jobs []indexJob
	)
	err := e.run(ctx, "discard", func(tx repository.Tx) error {
		jobs = nil
		var err error
		d, err = tx.Records().LockDeposit(ctx, id)
		if err != nil {
			return err
		}
		m, err := e.memberOf(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := require(m.state(d.Status(), id), lifecycle.OpDiscard); err != nil {
			return err
		}

		expected := d.Revision
		if d.IsPublished() {
			rec, err := tx.Records().GetRecord(ctx, id)
			if err != nil {
				return err
			}
			d.Metadata = withControlNumber(rec.Metadata, d.Metadata)
			d.Path = slices.Clone(rec.Path)
			d.PublishStatus = rec.PublishStatus
			d.ItemTypeID = rec.ItemTypeID
			d.SetStatus(model.DepositPublished)
		} else {
			md := model.Metadata{}
			if cn, ok := d.Metadata[model.KeyControlNumber]; ok {
				md[model.KeyControlNumber] = cn
			}
			d.Metadata = md
		}

		if err := e.refreshSystem(ctx, tx, &d.Body, m.lineage); err != nil {
			return err
		}
		if err := tx.Records().SaveDeposit(ctx, d, expected); err != nil {
			return err
		}
		p, err := e.prepareProjection(ctx, tx, &d.Body, string(d.Status()), m.lineage.IsLast(id))
		if err != nil {
			return err
		}
		job, err := enqueue(ctx, tx, id, model.OutboxReindex, "discard", e.upsertJob(p, d.Revision))
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
		return nil
	})
	if err != nil {
		return nil, Outcome{}, err
	}
	return d, e.project(ctx, jobs), nil
}

// Delete удаляет никогда не публиковавшийся черновик: файлы и бакет
// (или только версии черновика, если бакет общий с другими версиями),
// связь с бакетом, место в линии версий. force = false помечает
// идентификаторы удалёнными, force = true удаляет их.
func (e *Engine) Delete(ctx context.Context, id uuid.UUID, force bool) (Outcome, error) {
	var (
		jobs      []indexJob
		checksums []string
	)
	err := e.run(ctx, "delete", func(tx repository.Tx) error {
		jobs, checksums = nil, nil
		d, err := tx.Records().LockDeposit(ctx, id)
		if err != nil {
			return err
		}
		m, err := e.memberOf(ctx, tx, id)
		if err != nil {
			return err
		}
		before := m.state(d.Status(), id)
		if err := require(before, lifecycle.OpDelete); err != nil {
			return err
		}
		if err := transition(before, lifecycle.StateDeleted); err != nil {
			return err
		}
		if d.IsPublished() {
			return fmt.Errorf("%w: запись %s опубликована, удаляется только черновик", ErrInvalidState, d.System.RecID)
		}

		if checksums, err = e.releaseBucket(ctx, tx, id); err != nil {
			return err
		}

		if err := tx.PIDs().RemoveChild(ctx, m.lineage.Parent.ID, m.recid.ID); err != nil {
			return err
		}
		if force {
			list, err := tx.PIDs().ListByObject(ctx, id)
			if err != nil {
				return err
			}
			for _, p := range list {
				if err := tx.PIDs().Delete(ctx, p.ID); err != nil {
					return err
				}
			}
		} else if _, err := tx.PIDs().MarkDeleted(ctx, id); err != nil {
			return err
		}

		d.SetStatus(model.DepositDeleted)
		if err := tx.Records().SaveDeposit(ctx, d, d.Revision); err != nil {
			return err
		}
		job, err := enqueue(ctx, tx, id, model.OutboxDelete, "delete", e.deleteJob(id, fileIDs(d.System.Files)))
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	e.logger.Info("Черновик удалён", logRecordID(id))
	out := e.project(ctx, jobs)
	e.collectBlobs(ctx, checksums)
	return out, nil
}

// releaseBucket отвязывает запись от бакета. Бакет, на который больше
// никто не ссылается, удаляется; из общего бакета удаляются только
// версии, загруженные этой рабочей копией.
func (e *Engine) releaseBucket(ctx context.Context, tx repository.Tx, id uuid.UUID) ([]string, error) {
	repo := tx.Buckets()
	bucketID, err := repo.BucketOf(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if err := repo.Unlink(ctx, id); err != nil {
		return nil, err
	}
	links, err := repo.LinkCount(ctx, bucketID)
	if err != nil {
		return nil, err
	}
	if links > 0 {
		return e.buckets.ReleaseObjectsOf(ctx, repo, bucketID, id)
	}
	return e.buckets.Remove(ctx, repo, bucketID)
}

// PutFile загружает новую версию файла key в бакет черновика.
// Ошибка загрузки откатывает только вложенный шаг (savepoint).
func (e *Engine) PutFile(ctx context.Context, id uuid.UUID, key, mimetype string, r io.Reader) (*model.FileObject, error) {
	var obj *model.FileObject
	err := e.run(ctx, "put_file", func(tx repository.Tx) error {
		d, err := tx.Records().GetDeposit(ctx, id)
		if err != nil {
			return err
		}
		m, err := e.memberOf(ctx, tx, id)
		if err != nil {
			return err
		}
		if s := m.state(d.Status(), id); s != lifecycle.StateDraft {
			return fmt.Errorf("%w: файлы загружаются только в черновик, состояние %s", ErrInvalidState, s)
		}
		bucketID, err := uuid.Parse(d.System.Buckets.Deposit)
		if err != nil {
			return fmt.Errorf("%w: у записи нет бакета", ErrInvalidState)
		}
		return tx.Savepoint(ctx, func(stx repository.Tx) error {
			obj, err = e.buckets.PutObject(ctx, stx.Buckets(), bucketID, key, mimetype, r, id)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// Reindex заново проецирует рабочую копию из хранилища в индекс.
// Удалённая запись удаляется из индекса.
func (e *Engine) Reindex(ctx context.Context, id uuid.UUID) (Outcome, error) {
	var jobs []indexJob
	err := e.run(ctx, "reindex", func(tx repository.Tx) error {
		jobs = nil
		d, err := tx.Records().GetDeposit(ctx, id)
		if err != nil {
			return err
		}
		drop := indexJob{objectID: id, op: "reindex", run: e.deleteJob(id, fileIDs(d.System.Files))}
		if d.Status() == model.DepositDeleted {
			jobs = append(jobs, drop)
			return nil
		}
		m, err := e.memberOf(ctx, tx, id)
		if err != nil {
			return err
		}
		if m.recid.IsDeleted() {
			jobs = append(jobs, drop)
			return nil
		}
		p, err := e.prepareProjection(ctx, tx, &d.Body, string(d.Status()), m.lineage.IsLast(id))
		if err != nil {
			return err
		}
		jobs = append(jobs, indexJob{objectID: id, op: "reindex", run: e.replaceJob(p, d.Revision)})
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return e.project(ctx, jobs), nil
}
