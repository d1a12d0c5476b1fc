package indexer

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestReadinessChecker(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	backend := NewMemoryBackend(10)
	writer := NewWriter(backend, WriterOptions{Timeout: time.Second}, logger)
	checker := NewReadinessChecker(writer, time.Second)

	if status, msg := checker.CheckReady(); status != "ok" {
		t.Errorf("доступный индекс: %s (%s)", status, msg)
	}

	backend.SetFailure(errors.New("нет связи"))
	if status, _ := checker.CheckReady(); status != "fail" {
		t.Errorf("недоступный индекс: ожидался fail, получен %s", status)
	}
}
