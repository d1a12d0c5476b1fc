package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// indexWritesTotal — количество операций записи в индекс по результату.
	indexWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deposit_index_writes_total",
			Help: "Количество операций записи в поисковый индекс",
		},
		[]string{"operation", "result"},
	)

	// indexWriteDuration — длительность операций записи с учётом повторов.
	indexWriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deposit_index_write_duration_seconds",
			Help:    "Длительность операций записи в поисковый индекс",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// indexRetriesTotal — количество повторных попыток.
	indexRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deposit_index_retries_total",
			Help: "Количество повторных попыток записи в поисковый индекс",
		},
		[]string{"operation"},
	)
)
