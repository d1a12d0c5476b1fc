package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики движка депозитов и восстановления индекса.
var (
	engineOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deposit_engine_operations_total",
		Help: "Количество операций движка депозитов по результату",
	}, []string{"operation", "result"})

	engineOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deposit_engine_operation_duration_seconds",
		Help:    "Длительность транзакции операции движка депозитов",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	repairRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "deposit_repair_run_duration_seconds",
		Help:    "Длительность прохода восстановления индекса",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms … ~20s
	})

	repairEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deposit_repair_entries_total",
		Help: "Количество обработанных записей очереди восстановления индекса",
	}, []string{"operation", "result"}) // result: repaired, failed

	repairPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "deposit_repair_pending",
		Help: "Количество записей в очереди восстановления индекса",
	})
)
