package memory

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// Tree — дерево классификации в памяти.
type Tree struct {
	mu      sync.RWMutex
	parents map[int64]int64
}

// NewTree создаёт пустое дерево.
func NewTree() *Tree {
	return &Tree{parents: make(map[int64]int64)}
}

// Add добавляет узел; parent = 0 — корень.
func (t *Tree) Add(id, parent int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.parents[id] = parent
}

// Remove удаляет узел.
func (t *Tree) Remove(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.parents, id)
}

// ResolvePaths возвращает полные пути узлов ("1/5/12") в порядке ids.
// Неизвестные и нечисловые идентификаторы пропускаются.
func (t *Tree) ResolvePaths(_ context.Context, ids []string) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]string, 0, len(ids))
	for _, s := range ids {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		if _, ok := t.parents[id]; !ok {
			continue
		}
		var chain []string
		for cur := id; cur != 0; cur = t.parents[cur] {
			chain = append(chain, strconv.FormatInt(cur, 10))
		}
		slices.Reverse(chain)
		result = append(result, strings.Join(chain, "/"))
	}
	return result, nil
}
