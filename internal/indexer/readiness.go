package indexer

import (
	"context"
	"fmt"
	"time"
)

// ReadinessChecker — проверка готовности поискового индекса для health endpoint.
type ReadinessChecker struct {
	writer  *Writer
	timeout time.Duration
}

// NewReadinessChecker создаёт проверку готовности индекса.
func NewReadinessChecker(writer *Writer, timeout time.Duration) *ReadinessChecker {
	return &ReadinessChecker{writer: writer, timeout: timeout}
}

// CheckReady возвращает ("ok"|"fail", сообщение).
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.writer.Ping(ctx); err != nil {
		return "fail", fmt.Sprintf("индекс недоступен: %v", err)
	}
	return "ok", "индекс доступен"
}
