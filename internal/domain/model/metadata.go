// Пакет model — доменные модели Deposit Module.
//
// Тело записи хранится в PostgreSQL одним JSON-документом, но в коде
// разделено на три части:
//   - Metadata — открытая карта пользовательских метаданных (валидируется схемой);
//   - SystemFields — типизированный preserve-set системных полей;
//   - административные поля (path, publish_status, item_type_id).
package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Metadata — открытая карта метаданных (ключ → JSON-совместимое значение).
// Допустимые значения: nil, bool, float64, string, []any, map[string]any.
type Metadata map[string]any

// Clone возвращает глубокую копию метаданных.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// String возвращает строковое значение ключа или пустую строку.
func (m Metadata) String(key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// Title возвращает заголовок записи: строку title либо первый элемент списка.
func (m Metadata) Title() string {
	switch v := m["title"].(type) {
	case string:
		return v
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

// Without возвращает копию без указанных ключей.
func (m Metadata) Without(keys ...string) Metadata {
	out := m.Clone()
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// NormalizeMetadata приводит произвольное значение к Metadata через JSON,
// чтобы числа, срезы и вложенные структуры имели каноничные типы.
func NormalizeMetadata(v any) (Metadata, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("сериализация метаданных: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("метаданные должны быть JSON-объектом: %w", err)
	}
	if m == nil {
		m = Metadata{}
	}
	return m, nil
}

// CloneValue копирует JSON-совместимое значение рекурсивно.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = CloneValue(vv)
		}
		return out
	case Metadata:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = CloneValue(vv)
		}
		return out
	case []string:
		return slices.Clone(t)
	default:
		return t
	}
}

// PublishStatus — статус публикации записи.
type PublishStatus string

const (
	// PublishPublic — запись видна всем.
	PublishPublic PublishStatus = "0"
	// PublishPrivate — запись видна только владельцам.
	PublishPrivate PublishStatus = "1"
)

// Ключи административных полей в JSON-теле.
const (
	keyPath          = "path"
	keyPublishStatus = "publish_status"
	keyItemTypeID    = "item_type_id"
	// KeyControlNumber — временный номер, удаляемый при публикации.
	KeyControlNumber = "control_number"
)

// adminKeys — административные ключи, вынесенные из Metadata в Body.
var adminKeys = []string{keyPath, keyPublishStatus, keyItemTypeID}

// IsReservedKey сообщает, что ключ не принадлежит открытой карте метаданных.
func IsReservedKey(key string) bool {
	return slices.Contains(PreserveKeys, key) || slices.Contains(adminKeys, key)
}

// MergeView возвращает представление тела для трёхстороннего слияния:
// метаданные плюс административные поля, без системных.
func (b *Body) MergeView() map[string]any {
	out := make(map[string]any, len(b.Metadata)+len(adminKeys))
	maps.Copy(out, b.Metadata.Clone())
	out[keyPath] = stringsToAny(b.Path)
	out[keyPublishStatus] = string(b.PublishStatus)
	if b.ItemTypeID != "" {
		out[keyItemTypeID] = b.ItemTypeID
	}
	return out
}

// ApplyMergeView записывает результат слияния обратно в тело.
// Системные поля не затрагиваются.
func (b *Body) ApplyMergeView(view map[string]any) {
	md := make(Metadata, len(view))
	for k, v := range view {
		if IsReservedKey(k) {
			continue
		}
		md[k] = CloneValue(v)
	}
	b.Metadata = md
	b.Path = anyToStrings(view[keyPath])
	b.PublishStatus = PublishStatus(asString(view[keyPublishStatus]))
	b.ItemTypeID = asString(view[keyItemTypeID])
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func anyToStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return slices.Clone(t)
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{}
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
