package handoff

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
)

// MemoryStore — handoff в памяти процесса: LRU с TTL поверх
// hashicorp/golang-lru/v2/expirable. Подходит для одного экземпляра.
type MemoryStore struct {
	mu     sync.Mutex
	cache  *expirable.LRU[string, model.Metadata]
	prefix string
}

// NewMemoryStore создаёт LRU-хранилище.
// maxSize — максимальное количество записей, ttl — время жизни записи.
func NewMemoryStore(maxSize int, ttl time.Duration, prefix string) *MemoryStore {
	return &MemoryStore{
		cache:  expirable.NewLRU[string, model.Metadata](maxSize, nil, ttl),
		prefix: prefix,
	}
}

// Put реализует Store.
func (s *MemoryStore) Put(_ context.Context, key string, md model.Metadata) error {
	s.cache.Add(s.prefix+key, md.Clone())
	return nil
}

// Take реализует Store. Чтение и удаление выполняются под одной блокировкой.
func (s *MemoryStore) Take(_ context.Context, key string) (model.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	md, ok := s.cache.Get(s.prefix + key)
	if !ok {
		observe(ErrNotFound)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	s.cache.Remove(s.prefix + key)
	observe(nil)
	return md, nil
}
