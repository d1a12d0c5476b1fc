package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
)

func TestRepairRunOnce_Empty(t *testing.T) {
	env := setupEngine(t)
	repair := NewRepairService(env.engine, env.store, time.Hour, 10, 0, env.logger)

	res, err := repair.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Repaired != 0 || res.Failed != 0 {
		t.Errorf("пустая очередь: %+v", res)
	}
}

func TestRepairRunOnce_ReprojectsAfterFailure(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	d := env.published(t, "v1", "12")

	env.index.SetFailure(errors.New("индекс недоступен"))
	h := env.deposit(t, d.ID)
	if err := env.engine.Update(ctx, h, UpdateInput{Metadata: model.Metadata{"title": "v2"}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	out, err := env.engine.Commit(ctx, h)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !out.Stale() {
		t.Fatal("Commit должен сообщить об ошибке индекса")
	}

	repair := NewRepairService(env.engine, env.store, time.Hour, 10, 0, env.logger)

	// Индекс всё ещё недоступен: запись остаётся в очереди
	res, err := repair.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Failed != 1 || env.outboxLen(t) != 1 {
		t.Errorf("проход при недоступном индексе: %+v, очередь %d", res, env.outboxLen(t))
	}

	env.index.SetFailure(nil)
	res, err = repair.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Repaired != 1 || res.Failed != 0 {
		t.Errorf("проход восстановления: %+v", res)
	}
	if n := env.outboxLen(t); n != 0 {
		t.Errorf("очередь должна опустеть, осталось %d", n)
	}

	doc := env.doc(t, d.ID)
	if doc == nil || doc.Title != "v2" || doc.Version != int64(h.Revision) {
		t.Errorf("документ после восстановления: %+v, ревизия %d", doc, h.Revision)
	}
}

func TestRepairRunOnce_DeletedDraft(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	d := env.create(t, "Удаляемый")

	env.index.SetFailure(errors.New("индекс недоступен"))
	out, err := env.engine.Delete(ctx, d.ID, true)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !out.Stale() {
		t.Fatal("Delete должен сообщить об ошибке индекса")
	}
	if env.doc(t, d.ID) == nil {
		t.Fatal("документ должен остаться в индексе до восстановления")
	}

	env.index.SetFailure(nil)
	repair := NewRepairService(env.engine, env.store, time.Hour, 10, 0, env.logger)
	res, err := repair.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Repaired != 1 {
		t.Errorf("проход восстановления: %+v", res)
	}
	if env.doc(t, d.ID) != nil {
		t.Error("документ удалённого черновика должен быть удалён")
	}
}

func TestRepairService_StartStop(t *testing.T) {
	env := setupEngine(t)
	repair := NewRepairService(env.engine, env.store, 10*time.Millisecond, 10, 0, env.logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repair.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	// Stop не должен блокироваться
	repair.Stop()
}
