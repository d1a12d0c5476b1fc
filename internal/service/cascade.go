// cascade.go — каскадные операции над всей линией версий: мягкое
// удаление, восстановление, снятие узла классификации.
//
// Каскад выполняется в одной транзакции; шаг каждого члена линии —
// во вложенной (savepoint), ошибка шага откатывает весь каскад.
// Записи в индекс после коммита выполняются параллельно.
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
	"github.com/bigkaa/goartstore/deposit-module/internal/indexer"
	"github.com/bigkaa/goartstore/deposit-module/internal/repository"
)

// lineageObjects возвращает объекты членов линии и объект parent-идентификатора.
func lineageObjects(l *model.Lineage) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(l.Members)+1)
	for _, m := range l.Members {
		out = append(out, m.RecID.ObjectID)
	}
	if !slices.Contains(out, l.Parent.ObjectID) {
		out = append(out, l.Parent.ObjectID)
	}
	return out
}

// SoftDelete мягко удаляет всю линию версий записи: все идентификаторы
// членов линии и parent помечаются DELETED с запоминанием прежнего
// статуса, документы удаляются из индекса. Пути и тела в хранилище
// сохраняются. Повторный вызов для удалённой линии ничего не делает.
func (e *Engine) SoftDelete(ctx context.Context, recordID uuid.UUID) (Outcome, error) {
	var jobs []indexJob
	err := e.run(ctx, "soft_delete", func(tx repository.Tx) error {
		jobs = nil
		m, err := e.memberOf(ctx, tx, recordID)
		if err != nil {
			return err
		}
		if m.recid.IsDeleted() {
			return nil
		}
		if err := e.lockLineage(ctx, tx, m); err != nil {
			return err
		}
		d, err := tx.Records().GetDeposit(ctx, recordID)
		if err != nil {
			return err
		}
		if err := require(m.state(d.Status(), recordID), lifecycle.OpSoftDelete); err != nil {
			return err
		}

		for _, obj := range lineageObjects(m.lineage) {
			err := tx.Savepoint(ctx, func(stx repository.Tx) error {
				member, err := stx.Records().GetDeposit(ctx, obj)
				if err != nil && !errors.Is(err, repository.ErrNotFound) {
					return err
				}
				if member != nil {
					// Член линии, ранее удалённый снятием пути, уже в deleted
					if from := memberState(m.lineage, obj, member.Status()); from != lifecycle.StateDeleted {
						if err := transition(from, lifecycle.StateDeleted); err != nil {
							return err
						}
					}
				}
				if _, err := stx.PIDs().MarkDeleted(ctx, obj); err != nil {
					return err
				}
				if member == nil {
					return nil
				}
				job, err := enqueue(ctx, stx, obj, model.OutboxDelete, "soft_delete",
					e.deleteJob(obj, fileIDs(member.System.Files)))
				if err != nil {
					return err
				}
				jobs = append(jobs, job)
				return nil
			})
			if err != nil {
				return fmt.Errorf("мягкое удаление %s: %w", obj, err)
			}
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	if len(jobs) > 0 {
		e.logger.Info("Линия версий мягко удалена",
			logRecordID(recordID),
			slog.Int("members", len(jobs)),
		)
	}
	return e.project(ctx, jobs), nil
}

// Restore восстанавливает мягко удалённую линию версий: идентификаторы
// линии снова REGISTERED (черновик линии остаётся черновиком по признаку
// draft), внешние идентификаторы получают статус до удаления. Документы
// индекса проецируются заново: существующему документу обновляется путь
// без повышения ревизии, отсутствующий пишется полностью из хранилища.
// Повторный вызов для восстановленной линии ничего не делает.
func (e *Engine) Restore(ctx context.Context, recordID uuid.UUID) (Outcome, error) {
	var jobs []indexJob
	err := e.run(ctx, "restore", func(tx repository.Tx) error {
		jobs = nil
		m, err := e.memberOf(ctx, tx, recordID)
		if err != nil {
			return err
		}
		if !m.recid.IsDeleted() {
			return nil
		}
		if err := tx.PIDs().Lock(ctx, m.lineage.Parent.ID); err != nil {
			return err
		}

		for _, obj := range lineageObjects(m.lineage) {
			err := tx.Savepoint(ctx, func(stx repository.Tx) error {
				_, err := stx.PIDs().RestoreDeleted(ctx, obj)
				return err
			})
			if err != nil {
				return fmt.Errorf("восстановление %s: %w", obj, err)
			}
		}

		lineage, err := e.pids.Lineage(ctx, tx.PIDs(), m.lineage.Parent)
		if err != nil {
			return err
		}
		for _, member := range lineage.Members {
			obj := member.RecID.ObjectID
			d, err := tx.Records().GetDeposit(ctx, obj)
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if d.Status() == model.DepositDeleted {
				continue
			}
			if err := transition(lifecycle.StateDeleted, memberState(lineage, obj, d.Status())); err != nil {
				return err
			}
			p, err := e.prepareProjection(ctx, tx, &d.Body, string(d.Status()), lineage.IsLast(obj))
			if err != nil {
				return err
			}
			job, err := enqueue(ctx, tx, obj, model.OutboxReindex, "restore", e.restoreJob(p, d))
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	if len(jobs) > 0 {
		e.logger.Info("Линия версий восстановлена",
			logRecordID(recordID),
			slog.Int("members", len(jobs)),
		)
	}
	return e.project(ctx, jobs), nil
}

// restoreJob обновляет путь существующего документа без повышения
// ревизии, отсутствующий документ пишет полностью.
func (e *Engine) restoreJob(p *projection, d *model.Deposit) func(ctx context.Context) error {
	path := slices.Clone(d.Path)
	replace := e.replaceJob(p, d.Revision)
	return func(ctx context.Context) error {
		exists, err := e.writer.Exists(ctx, p.doc.ID)
		if err != nil {
			return err
		}
		if !exists {
			return replace(ctx)
		}
		err = e.writer.UpdatePath(ctx, p.doc.ID, path, 0, false)
		if errors.Is(err, indexer.ErrDocumentNotFound) {
			return replace(ctx)
		}
		return err
	}
}

// RemoveIndexPath снимает узел классификации path со всех записей,
// найденных в индексе по этому пути. Запись, у которой не осталось
// путей, мягко удаляется (документ удаляется из индекса). Документ
// без рабочей копии в хранилище получает путь без повышения ревизии.
func (e *Engine) RemoveIndexPath(ctx context.Context, path string) (Outcome, error) {
	if e.writer == nil {
		return Outcome{}, nil
	}
	ids, err := e.writer.ScrollByPath(path).Collect(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("поиск записей по пути %s: %w", path, err)
	}
	if len(ids) == 0 {
		return Outcome{}, nil
	}

	var jobs []indexJob
	err = e.run(ctx, "remove_index_path", func(tx repository.Tx) error {
		jobs = nil
		for _, raw := range ids {
			id, err := uuid.Parse(raw)
			if err != nil {
				e.logger.Warn("Некорректный идентификатор документа индекса",
					slog.String("doc_id", raw),
				)
				continue
			}
			err = tx.Savepoint(ctx, func(stx repository.Tx) error {
				job, err := e.removePathFrom(ctx, stx, id, path)
				if err != nil || job == nil {
					return err
				}
				jobs = append(jobs, *job)
				return nil
			})
			if err != nil {
				return fmt.Errorf("снятие пути %s с %s: %w", path, id, err)
			}
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	e.logger.Info("Узел классификации снят с записей",
		slog.String("path", path),
		slog.Int("records", len(jobs)),
	)
	return e.project(ctx, jobs), nil
}

// removePathFrom снимает путь с одной записи в текущей транзакции.
func (e *Engine) removePathFrom(ctx context.Context, tx repository.Tx, id uuid.UUID, path string) (*indexJob, error) {
	d, err := tx.Records().GetDeposit(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		// Рабочей копии нет: обновляется только документ индекса
		return &indexJob{objectID: id, op: "update_path", run: e.orphanPathJob(id, path)}, nil
	}
	if err != nil {
		return nil, err
	}

	recid, err := tx.PIDs().GetByObject(ctx, model.PIDRecID, id)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if recid != nil && recid.IsDeleted() {
		return nil, nil
	}

	remaining := slices.DeleteFunc(slices.Clone(d.Path), func(p string) bool { return p == path })
	if len(remaining) == len(d.Path) {
		j, err := enqueue(ctx, tx, id, model.OutboxPath, "update_path", e.pathJob(id, d.Path, 0, false))
		return &j, err
	}

	d, err = e.amend(ctx, tx, id, true, func(b *model.Body) {
		b.Path = slices.DeleteFunc(b.Path, func(p string) bool { return p == path })
	})
	if err != nil {
		return nil, err
	}

	if len(remaining) == 0 {
		if _, err := tx.PIDs().MarkDeleted(ctx, id); err != nil {
			return nil, err
		}
		j, err := enqueue(ctx, tx, id, model.OutboxDelete, "soft_delete", e.deleteJob(id, fileIDs(d.System.Files)))
		return &j, err
	}
	j, err := enqueue(ctx, tx, id, model.OutboxPath, "update_path", e.pathJob(id, remaining, d.Revision, true))
	return &j, err
}

// pathJob обновляет путь документа индекса.
func (e *Engine) pathJob(id uuid.UUID, path []string, version int, bump bool) func(ctx context.Context) error {
	path = slices.Clone(path)
	return func(ctx context.Context) error {
		return e.writer.UpdatePath(ctx, id.String(), path, int64(version), bump)
	}
}

// orphanPathJob снимает путь с документа, у которого нет рабочей копии.
func (e *Engine) orphanPathJob(id uuid.UUID, path string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		doc, err := e.writer.Backend().Get(ctx, id.String())
		if errors.Is(err, indexer.ErrDocumentNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		remaining := slices.DeleteFunc(doc.Path, func(p string) bool { return p == path })
		return e.writer.UpdatePath(ctx, id.String(), remaining, 0, false)
	}
}
