package repository

import (
	"context"
	"fmt"
	"strconv"
)

// TreeRepository — чтение дерева классификации.
type TreeRepository struct {
	db DBTX
}

// NewTreeRepository создаёт репозиторий дерева классификации.
func NewTreeRepository(db DBTX) *TreeRepository {
	return &TreeRepository{db: db}
}

// ResolvePaths возвращает полные пути узлов ("1/5/12") в порядке ids.
// Неизвестные и нечисловые идентификаторы пропускаются.
func (r *TreeRepository) ResolvePaths(ctx context.Context, ids []string) ([]string, error) {
	nodes := make([]int64, 0, len(ids))
	for _, s := range ids {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		nodes = append(nodes, n)
	}
	if len(nodes) == 0 {
		return []string{}, nil
	}

	query := `
		WITH RECURSIVE up AS (
			SELECT t.id AS node, t.id, t.parent_id, 0 AS depth
			FROM index_tree t
			WHERE t.id = ANY($1)
			UNION ALL
			SELECT up.node, p.id, p.parent_id, up.depth + 1
			FROM index_tree p
			JOIN up ON p.id = up.parent_id
		)
		SELECT node, string_agg(id::text, '/' ORDER BY depth DESC)
		FROM up
		GROUP BY node`

	rows, err := r.db.Query(ctx, query, nodes)
	if err != nil {
		return nil, fmt.Errorf("ошибка построения путей классификации: %w", err)
	}
	defer rows.Close()

	paths := make(map[int64]string, len(nodes))
	for rows.Next() {
		var node int64
		var path string
		if err := rows.Scan(&node, &path); err != nil {
			return nil, fmt.Errorf("ошибка сканирования пути классификации: %w", err)
		}
		paths[node] = path
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if p, ok := paths[n]; ok {
			result = append(result, p)
		}
	}
	return result, nil
}
