// repair.go — фоновое восстановление поискового индекса.
//
// Каждая операция движка в своей транзакции ставит запись в очередь
// index_outbox и снимает её после успешной записи в индекс. Записи,
// оставшиеся в очереди дольше minAge (запись в индекс не удалась или
// процесс упал между коммитом и индексом), RepairService проецирует
// заново из хранилища. Проекция идемпотентна (external_gte), поэтому
// повторная обработка безопасна.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
	"github.com/bigkaa/goartstore/deposit-module/internal/repository"
)

// RepairResult — итог одного прохода восстановления.
type RepairResult struct {
	Repaired int
	Failed   int
}

// RepairService — фоновый сервис восстановления индекса.
type RepairService struct {
	engine   *Engine
	store    repository.Store
	interval time.Duration
	batch    int
	minAge   time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRepairService создаёт сервис восстановления индекса.
func NewRepairService(
	engine *Engine,
	store repository.Store,
	interval time.Duration,
	batch int,
	minAge time.Duration,
	logger *slog.Logger,
) *RepairService {
	if batch <= 0 {
		batch = 100
	}
	return &RepairService{
		engine:   engine,
		store:    store,
		interval: interval,
		batch:    batch,
		minAge:   minAge,
		logger:   logger.With(slog.String("component", "index_repair")),
	}
}

// Start запускает фоновую горутину с периодическим восстановлением.
func (s *RepairService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.logger.Info("Восстановление индекса запущено",
			slog.String("interval", s.interval.String()),
			slog.Int("batch", s.batch),
			slog.String("min_age", s.minAge.String()),
		)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Восстановление индекса остановлено")
				return
			case <-ticker.C:
				res, err := s.RunOnce(ctx)
				if err != nil {
					s.logger.Error("Ошибка прохода восстановления индекса", logError(err))
					continue
				}
				if res.Repaired > 0 || res.Failed > 0 {
					s.logger.Info("Проход восстановления индекса завершён",
						slog.Int("repaired", res.Repaired),
						slog.Int("failed", res.Failed),
					)
				}
			}
		}
	}()
}

// Stop останавливает фоновую горутину и ждёт завершения.
func (s *RepairService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// RunOnce обрабатывает одну пачку записей очереди старше minAge.
// Успешно спроецированные записи снимаются с очереди, у остальных
// увеличивается счётчик попыток.
func (s *RepairService) RunOnce(ctx context.Context) (RepairResult, error) {
	start := time.Now()
	defer func() { repairRunDuration.Observe(time.Since(start).Seconds()) }()

	var entries []*model.OutboxEntry
	err := s.store.RunInTx(ctx, func(tx repository.Tx) error {
		var err error
		entries, err = tx.Outbox().Pending(ctx, time.Now().UTC().Add(-s.minAge), s.batch)
		return err
	})
	if err != nil {
		return RepairResult{}, err
	}
	if len(entries) == 0 {
		s.updatePending(ctx)
		return RepairResult{}, nil
	}

	var (
		mu       sync.Mutex
		repaired []int64
		failed   = make(map[int64]string)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.engine.concurrency)
	for _, entry := range entries {
		g.Go(func() error {
			err := s.repair(gctx, entry)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[entry.ID] = err.Error()
				repairEntriesTotal.WithLabelValues(string(entry.Operation), "failed").Inc()
				s.logger.Warn("Запись индекса не восстановлена",
					logRecordID(entry.ObjectID),
					slog.String("operation", string(entry.Operation)),
					slog.Int("attempts", entry.Attempts+1),
					logError(err),
				)
				return nil
			}
			repaired = append(repaired, entry.ID)
			repairEntriesTotal.WithLabelValues(string(entry.Operation), "repaired").Inc()
			return nil
		})
	}
	_ = g.Wait()

	err = s.store.RunInTx(ctx, func(tx repository.Tx) error {
		for _, id := range repaired {
			if err := tx.Outbox().Done(ctx, id); err != nil {
				return err
			}
		}
		for id, reason := range failed {
			if err := tx.Outbox().Fail(ctx, id, reason); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return RepairResult{}, err
	}
	s.updatePending(ctx)
	return RepairResult{Repaired: len(repaired), Failed: len(failed)}, nil
}

// repair проецирует объект записи очереди заново из хранилища.
func (s *RepairService) repair(ctx context.Context, entry *model.OutboxEntry) error {
	out, err := s.engine.Reindex(ctx, entry.ObjectID)
	if errors.Is(err, ErrNotFound) {
		// Идентификаторы удалены физически: документ индекса тоже не нужен
		return s.engine.writer.Delete(ctx, entry.ObjectID.String())
	}
	if err != nil {
		return err
	}
	if out.IndexErr != nil && !errors.Is(out.IndexErr, ErrStaleWrite) {
		return out.IndexErr
	}
	return nil
}

func (s *RepairService) updatePending(ctx context.Context) {
	_ = s.store.RunInTx(ctx, func(tx repository.Tx) error {
		n, err := tx.Outbox().Count(ctx)
		if err == nil {
			repairPending.Set(float64(n))
		}
		return err
	})
}
