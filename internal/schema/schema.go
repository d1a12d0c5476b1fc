// Пакет schema — валидация метаданных по JSON Schema типа элемента.
//
// Схемы лежат в директории файлами <item_type_id>.json (draft 2020-12).
// Для типа без схемы проверяется только то, что метаданные — объект.
package schema

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
)

// Validator — набор скомпилированных схем по типам элементов.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
	logger  *slog.Logger
}

// NewValidator создаёт пустой валидатор.
func NewValidator(logger *slog.Logger) *Validator {
	return &Validator{
		schemas: make(map[string]*jsonschema.Schema),
		logger:  logger.With(slog.String("component", "schema_validator")),
	}
}

// LoadDir компилирует все *.json схемы директории. Пустой dir — без схем.
func (v *Validator) LoadDir(dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("чтение директории схем %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("чтение схемы %s: %w", e.Name(), err)
		}
		itemType := strings.TrimSuffix(e.Name(), ".json")
		if err := v.Register(itemType, string(raw)); err != nil {
			return err
		}
	}
	v.logger.Info("Схемы метаданных загружены",
		slog.String("dir", dir),
		slog.Int("count", v.Len()),
	)
	return nil
}

// Register компилирует схему типа элемента. Пустая схема снимает регистрацию.
func (v *Validator) Register(itemTypeID, schema string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if schema == "" {
		delete(v.schemas, itemTypeID)
		return nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://deposit.schemas.local/items/%s.schema.json", itemTypeID)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("загрузка схемы %s: %w", itemTypeID, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("компиляция схемы %s: %w", itemTypeID, err)
	}
	v.schemas[itemTypeID] = compiled
	return nil
}

// Len возвращает количество зарегистрированных схем.
func (v *Validator) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.schemas)
}

// Validate проверяет метаданные и возвращает список нарушений
// (пустой — метаданные корректны).
func (v *Validator) Validate(itemTypeID string, md model.Metadata) []string {
	if md == nil {
		return []string{"метаданные должны быть JSON-объектом"}
	}

	v.mu.RLock()
	s, ok := v.schemas[itemTypeID]
	v.mu.RUnlock()
	if !ok {
		return nil
	}

	err := s.Validate(map[string]any(md.Clone()))
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}

	var problems []string
	collect(ve, &problems)
	slices.Sort(problems)
	return slices.Compact(problems)
}

// collect собирает листовые причины нарушения.
func collect(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*out = append(*out, fmt.Sprintf("%s: %s", loc, ve.Message))
		return
	}
	for _, c := range ve.Causes {
		collect(c, out)
	}
}
