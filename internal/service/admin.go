// admin.go — административные правки опубликованных записей:
// путь классификации, статус публикации, внешние идентификаторы.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/deposit-module/internal/domain/lifecycle"
	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
	"github.com/bigkaa/goartstore/deposit-module/internal/repository"
)

// amend применяет mutate к голове записи (новая ревизия записи) и к рабочей
// копии. Черновик опубликованной записи меняется только при always = true:
// иначе правка попадёт в него слиянием при публикации. Возвращает рабочую
// копию; её ревизия повышена, только если она сохранена.
func (e *Engine) amend(ctx context.Context, tx repository.Tx, id uuid.UUID, always bool, mutate func(*model.Body)) (*model.Deposit, error) {
	d, err := tx.Records().LockDeposit(ctx, id)
	if err != nil {
		return nil, err
	}
	rec, err := tx.Records().LockRecord(ctx, id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		rec = nil
	case err != nil:
		return nil, err
	}

	if rec != nil {
		mutate(&rec.Body)
		if err := tx.Records().SaveRecord(ctx, rec, rec.Revision); err != nil {
			return nil, err
		}
	}

	mirror := d.Status() == model.DepositPublished
	if !mirror && !always {
		return d, nil
	}
	mutate(&d.Body)
	if mirror && rec != nil && d.System.Deposit.PID != nil {
		d.System.Deposit.PID.RevisionID = rec.Revision
	}
	if err := tx.Records().SaveDeposit(ctx, d, d.Revision); err != nil {
		return nil, err
	}
	return d, nil
}

// requirePublished проверяет, что запись опубликована и допускает операцию.
// Состояние выводится со стороны записи: черновик правок не мешает.
func (e *Engine) requirePublished(ctx context.Context, tx repository.Tx, id uuid.UUID, op lifecycle.Operation) (*member, error) {
	if _, err := tx.Records().GetRecord(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: запись %s не опубликована", ErrInvalidState, id)
		}
		return nil, err
	}
	m, err := e.memberOf(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	state := lifecycle.Derive(model.DepositPublished, m.recid.Status, m.lineage.IsLast(id))
	if err := require(state, op); err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateRecordPath меняет путь классификации опубликованной записи
// с повышением ревизии.
func (e *Engine) UpdateRecordPath(ctx context.Context, recordID uuid.UUID, indexIDs []string) (Outcome, error) {
	path, err := e.resolvePath(ctx, indexIDs)
	if err != nil {
		return Outcome{}, err
	}

	var jobs []indexJob
	err = e.run(ctx, "update_record_path", func(tx repository.Tx) error {
		jobs = nil
		if _, err := e.requirePublished(ctx, tx, recordID, lifecycle.OpAmend); err != nil {
			return err
		}
		before, err := tx.Records().GetDeposit(ctx, recordID)
		if err != nil {
			return err
		}
		d, err := e.amend(ctx, tx, recordID, false, func(b *model.Body) {
			b.Path = slices.Clone(path)
		})
		if err != nil {
			return err
		}
		bumped := d.Revision != before.Revision
		job, err := enqueue(ctx, tx, recordID, model.OutboxPath, "update_path",
			e.pathJob(recordID, path, d.Revision, bumped))
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return e.project(ctx, jobs), nil
}

// UpdatePublishStatus меняет статус публикации опубликованной записи
// ("0" — публичная, "1" — закрытая) с повышением ревизии.
func (e *Engine) UpdatePublishStatus(ctx context.Context, recordID uuid.UUID, status model.PublishStatus) (Outcome, error) {
	if status != model.PublishPublic && status != model.PublishPrivate {
		return Outcome{}, invalid(fmt.Sprintf("недопустимый статус публикации %q", status))
	}

	var jobs []indexJob
	err := e.run(ctx, "update_publish_status", func(tx repository.Tx) error {
		jobs = nil
		if _, err := e.requirePublished(ctx, tx, recordID, lifecycle.OpAmend); err != nil {
			return err
		}
		before, err := tx.Records().GetDeposit(ctx, recordID)
		if err != nil {
			return err
		}
		d, err := e.amend(ctx, tx, recordID, false, func(b *model.Body) {
			b.PublishStatus = status
		})
		if err != nil {
			return err
		}
		version := 0
		if d.Revision != before.Revision {
			version = d.Revision
		}
		job, err := enqueue(ctx, tx, recordID, model.OutboxReindex, "set_publish_status",
			func(ctx context.Context) error {
				return e.writer.SetPublishStatus(ctx, recordID.String(), status, int64(version))
			})
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return e.project(ctx, jobs), nil
}

// AssignIdentifier регистрирует DOI или handle опубликованной записи.
// Второй зарегистрированный идентификатор того же типа — ErrConflict.
func (e *Engine) AssignIdentifier(ctx context.Context, recordID uuid.UUID, t model.PIDType, value string) (*model.PID, error) {
	if t != model.PIDDOI && t != model.PIDHandle {
		return nil, invalid(fmt.Sprintf("тип %q не является внешним идентификатором", t))
	}
	if value == "" {
		return nil, invalid("значение идентификатора не задано")
	}

	var pid *model.PID
	err := e.run(ctx, "assign_identifier", func(tx repository.Tx) error {
		if _, err := e.requirePublished(ctx, tx, recordID, lifecycle.OpAssignPID); err != nil {
			return err
		}
		var err error
		pid, err = e.pids.RegisterExternal(ctx, tx.PIDs(), recordID, t, value)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("Зарегистрирован внешний идентификатор",
		logRecordID(recordID),
		slog.String("pid", string(t)+":"+value),
	)
	return pid, nil
}
