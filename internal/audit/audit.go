// Пакет audit — приёмник событий аудита изменений метаданных.
// Отправка fire-and-forget: приёмник не возвращает ошибок.
package audit

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event — событие изменения записи.
type Event struct {
	// Operation — операция движка (update, publish, soft_delete, ...)
	Operation string
	// Actor — идентификатор пользователя, выполнившего операцию
	Actor string
	// TargetID — recid записи
	TargetID string
	Title    string
}

// Sink — приёмник событий аудита.
type Sink interface {
	Notify(ctx context.Context, e Event)
}

var auditEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "deposit_audit_events_total",
		Help: "Количество событий аудита по операциям.",
	},
	[]string{"operation"},
)

// LogSink пишет события в структурированный лог.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink создаёт приёмник поверх slog.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With(slog.String("component", "audit"))}
}

// Notify реализует Sink.
func (s *LogSink) Notify(ctx context.Context, e Event) {
	auditEventsTotal.WithLabelValues(e.Operation).Inc()
	s.logger.InfoContext(ctx, "Событие аудита",
		slog.String("operation", e.Operation),
		slog.String("actor", e.Actor),
		slog.String("target_id", e.TargetID),
		slog.String("title", e.Title),
	)
}

// Nop отбрасывает события.
type Nop struct{}

// Notify реализует Sink.
func (Nop) Notify(context.Context, Event) {}
