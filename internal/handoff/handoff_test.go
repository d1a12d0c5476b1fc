package handoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := OpenRedisStore(context.Background(), RedisOptions{
		Addr:   mr.Addr(),
		TTL:    time.Minute,
		Prefix: "deposit_items:",
	})
	if err != nil {
		t.Fatalf("OpenRedisStore() ошибка: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestStores_TakeOnce(t *testing.T) {
	redisStore, _ := newRedisStore(t)
	stores := map[string]Store{
		"memory": NewMemoryStore(10, time.Minute, "deposit_items:"),
		"redis":  redisStore,
	}

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			md := model.Metadata{"title": "A", "count": float64(2)}

			if err := s.Put(ctx, "12", md); err != nil {
				t.Fatalf("Put() ошибка: %v", err)
			}
			md["title"] = "изменено после Put"

			got, err := s.Take(ctx, "12")
			if err != nil {
				t.Fatalf("Take() ошибка: %v", err)
			}
			if got.String("title") != "A" || got["count"] != float64(2) {
				t.Errorf("Take() = %v", got)
			}

			if _, err := s.Take(ctx, "12"); !errors.Is(err, ErrNotFound) {
				t.Errorf("повторный Take() = %v, ожидалась ErrNotFound", err)
			}
		})
	}
}

func TestRedisStore_PrefixAndTTL(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "7", model.Metadata{"title": "x"}); err != nil {
		t.Fatalf("Put() ошибка: %v", err)
	}
	if !mr.Exists("deposit_items:7") {
		t.Fatal("ключ должен храниться с префиксом")
	}
	if ttl := mr.TTL("deposit_items:7"); ttl != time.Minute {
		t.Errorf("TTL = %v, ожидалась 1m", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := s.Take(ctx, "7"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Take() после истечения = %v, ожидалась ErrNotFound", err)
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	s := NewMemoryStore(10, 20*time.Millisecond, "")
	ctx := context.Background()

	_ = s.Put(ctx, "1", model.Metadata{"title": "x"})
	time.Sleep(60 * time.Millisecond)

	if _, err := s.Take(ctx, "1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Take() после TTL = %v, ожидалась ErrNotFound", err)
	}
}

func TestOpenRedisStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := OpenRedisStore(context.Background(), RedisOptions{Addr: addr}); err == nil {
		t.Error("ожидалась ошибка подключения")
	}
}
