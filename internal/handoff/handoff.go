// Пакет handoff — хранилище передачи метаданных между запросами
// с ограниченным временем жизни.
//
// Внешний компонент кладёт метаданные под ключом recid, update забирает
// их один раз (Take читает и удаляет). Хранилище передаётся движку
// зависимостью, процессного синглтона нет.
package handoff

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
)

// ErrNotFound — записи нет или истёк срок её жизни.
var ErrNotFound = errors.New("запись handoff не найдена")

// Store — хранилище передачи метаданных.
type Store interface {
	// Put сохраняет метаданные под ключом key.
	Put(ctx context.Context, key string, md model.Metadata) error
	// Take возвращает и удаляет метаданные. ErrNotFound — записи нет.
	Take(ctx context.Context, key string) (model.Metadata, error)
}

// Prometheus-метрики handoff.
var (
	handoffHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deposit_handoff_hits_total",
		Help: "Количество найденных записей handoff.",
	})
	handoffMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deposit_handoff_misses_total",
		Help: "Количество отсутствующих или истёкших записей handoff.",
	})
)

func observe(err error) {
	switch {
	case err == nil:
		handoffHitsTotal.Inc()
	case errors.Is(err, ErrNotFound):
		handoffMissesTotal.Inc()
	}
}
