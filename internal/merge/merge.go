// Пакет merge — трёхстороннее слияние JSON-документов.
//
// Документы раскладываются на листья по путям ключей. Списки и скаляры
// считаются атомарными листьями: изменение списка — это замена целиком.
// Правки ancestor → published и ancestor → draft вычисляются независимо;
// если обе стороны меняют один лист по-разному (или одна сторона меняет
// лист, а другая — его предка), возвращается *ConflictError.
// Опустошение объекта не конфликтует с добавлением в него новых полей.
// Иначе объединённый набор правок применяется к ancestor.
//
// Функция чистая: без побочных эффектов, результат детерминирован.
package merge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// pathSep разделяет сегменты пути во внутреннем ключе.
const pathSep = "\x00"

// ConflictError — поля, изменённые обеими сторонами по-разному.
type ConflictError struct {
	// Paths — отсортированные пути конфликтующих полей (сегменты через точку).
	Paths []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("конфликт слияния в полях: %s", strings.Join(e.Paths, ", "))
}

// opKind — вид правки листа.
type opKind int

const (
	opSet opKind = iota
	opRemove
	// opEmpty — объект остался пустым после удаления всех его полей.
	// Удаления полей записаны отдельными правками; сам пустой объект
	// сохраняется, только если после слияния в нём ничего не осталось.
	opEmpty
)

type edit struct {
	kind  opKind
	value any
}

// Merge сливает published и draft относительно общего предка ancestor.
// Ключи верхнего уровня из preserve исключаются из всех трёх входов
// и не попадают в результат.
func Merge(ancestor, published, draft map[string]any, preserve []string) (map[string]any, error) {
	base := flatten(strip(ancestor, preserve))
	pub := diff(base, flatten(strip(published, preserve)))
	drf := diff(base, flatten(strip(draft, preserve)))

	var conflicts []string
	for p, pe := range pub {
		if de, ok := drf[p]; ok && !sameEdit(pe, de) {
			conflicts = append(conflicts, p)
		}
	}
	conflicts = append(conflicts, prefixConflicts(pub, drf)...)
	conflicts = append(conflicts, prefixConflicts(drf, pub)...)

	if len(conflicts) > 0 {
		return nil, &ConflictError{Paths: displayPaths(conflicts)}
	}

	result := make(map[string]any, len(base))
	for p, v := range base {
		result[p] = v
	}
	apply(result, pub)
	apply(result, drf)
	keepEmptied(result, pub, drf)

	return unflatten(result), nil
}

// strip возвращает копию без ключей preserve.
func strip(doc map[string]any, preserve []string) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if slices.Contains(preserve, k) {
			continue
		}
		out[k] = v
	}
	return out
}

// flatten раскладывает документ на листья. Пустые объекты — тоже листья.
func flatten(doc map[string]any) map[string]any {
	out := make(map[string]any)
	flattenInto(out, "", doc)
	return out
}

func flattenInto(out map[string]any, prefix string, m map[string]any) {
	for k, v := range m {
		p := k
		if prefix != "" {
			p = prefix + pathSep + k
		}
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			flattenInto(out, p, nested)
			continue
		}
		out[p] = v
	}
}

// diff вычисляет правки base → target.
func diff(base, target map[string]any) map[string]edit {
	edits := make(map[string]edit)
	for p, bv := range base {
		tv, ok := target[p]
		if !ok {
			edits[p] = edit{kind: opRemove}
			continue
		}
		if !equal(bv, tv) {
			edits[p] = edit{kind: opSet, value: tv}
		}
	}
	for p, tv := range target {
		if _, ok := base[p]; ok {
			continue
		}
		if isEmptyObject(tv) && hasDescendant(base, p) {
			edits[p] = edit{kind: opEmpty}
			continue
		}
		edits[p] = edit{kind: opSet, value: tv}
	}
	return edits
}

func isEmptyObject(v any) bool {
	m, ok := v.(map[string]any)
	return ok && len(m) == 0
}

// hasDescendant — в flat есть лист внутри объекта p.
func hasDescendant(flat map[string]any, p string) bool {
	prefix := p + pathSep
	for k := range flat {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// sameEdit — обе стороны сделали одинаковую правку.
func sameEdit(a, b edit) bool {
	if a.kind != b.kind {
		return false
	}
	return a.kind != opSet || equal(a.value, b.value)
}

// prefixConflicts находит правки в a, путь которых — строгий предок
// пути какой-либо правки в b.
func prefixConflicts(a, b map[string]edit) []string {
	var out []string
	for pa, ea := range a {
		if ea.kind == opEmpty {
			continue
		}
		for pb := range b {
			if strings.HasPrefix(pb, pa+pathSep) {
				out = append(out, pa)
				break
			}
		}
	}
	return out
}

// apply применяет правки к плоскому документу.
func apply(flat map[string]any, edits map[string]edit) {
	for p, e := range edits {
		switch e.kind {
		case opRemove:
			delete(flat, p)
		case opSet:
			flat[p] = e.value
		}
	}
}

// keepEmptied восстанавливает опустевшие объекты, в которых после
// слияния не осталось полей.
func keepEmptied(flat map[string]any, sides ...map[string]edit) {
	for _, edits := range sides {
		for p, e := range edits {
			if e.kind == opEmpty && !hasDescendant(flat, p) {
				flat[p] = map[string]any{}
			}
		}
	}
}

// unflatten собирает вложенный документ из листьев.
func unflatten(flat map[string]any) map[string]any {
	keys := make([]string, 0, len(flat))
	for p := range flat {
		keys = append(keys, p)
	}
	slices.Sort(keys)

	out := make(map[string]any)
	for _, p := range keys {
		segs := strings.Split(p, pathSep)
		cur := out
		for _, s := range segs[:len(segs)-1] {
			next, ok := cur[s].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cur[s] = next
			}
			cur = next
		}
		// Ключи отсортированы: лист-предок всегда записывается раньше потомков
		cur[segs[len(segs)-1]] = cloneValue(flat[p])
	}
	return out
}

// displayPaths переводит внутренние пути в вид a.b.c и сортирует.
func displayPaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		d := strings.ReplaceAll(p, pathSep, ".")
		if !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	slices.Sort(out)
	return out
}

// equal сравнивает JSON-значения. Срезы и карты сравниваются
// по каноничному JSON, чтобы []string и []any с теми же элементами
// считались равными.
func equal(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}
