package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
)

// outboxRepo — реализация OutboxRepository.
type outboxRepo struct {
	db DBTX
}

// NewOutboxRepository создаёт репозиторий очереди восстановления индекса.
func NewOutboxRepository(db DBTX) OutboxRepository {
	return &outboxRepo{db: db}
}

func (r *outboxRepo) Enqueue(ctx context.Context, objectID uuid.UUID, op model.OutboxOperation) (int64, error) {
	query := `
		INSERT INTO index_outbox (object_id, operation)
		VALUES ($1, $2)
		RETURNING id`

	var id int64
	if err := r.db.QueryRow(ctx, query, objectID, string(op)).Scan(&id); err != nil {
		return 0, fmt.Errorf("ошибка постановки в очередь индексации: %w", err)
	}
	return id, nil
}

func (r *outboxRepo) Done(ctx context.Context, id int64) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM index_outbox WHERE id = $1`, id); err != nil {
		return fmt.Errorf("ошибка удаления из очереди индексации: %w", err)
	}
	return nil
}

func (r *outboxRepo) Fail(ctx context.Context, id int64, reason string) error {
	query := `
		UPDATE index_outbox
		SET attempts = attempts + 1, last_error = $2, updated_at = now()
		WHERE id = $1`

	if _, err := r.db.Exec(ctx, query, id, reason); err != nil {
		return fmt.Errorf("ошибка обновления очереди индексации: %w", err)
	}
	return nil
}

// Pending возвращает записи старше olderThan; SKIP LOCKED позволяет
// нескольким экземплярам разбирать очередь без пересечений.
func (r *outboxRepo) Pending(ctx context.Context, olderThan time.Time, limit int) ([]*model.OutboxEntry, error) {
	query := `
		SELECT id, object_id, operation, attempts, last_error, enqueued_at, updated_at
		FROM index_outbox
		WHERE enqueued_at <= $1
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`

	rows, err := r.db.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения очереди индексации: %w", err)
	}
	defer rows.Close()

	var result []*model.OutboxEntry
	for rows.Next() {
		e := &model.OutboxEntry{}
		var op string
		if err := rows.Scan(&e.ID, &e.ObjectID, &op, &e.Attempts, &e.LastError, &e.EnqueuedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования очереди индексации: %w", err)
		}
		e.Operation = model.OutboxOperation(op)
		result = append(result, e)
	}
	return result, rows.Err()
}

func (r *outboxRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM index_outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта очереди индексации: %w", err)
	}
	return n, nil
}
