package indexer

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
)

// MemoryBackend — потокобезопасный индекс в памяти.
// Используется в тестах и при DM_INDEX_BACKEND=memory.
type MemoryBackend struct {
	mu       sync.RWMutex
	docs     map[string]*model.IndexDocument
	files    map[string]model.ContentEntry
	scrolls  map[string][]string
	pageSize int
	// failWrites — ошибка, возвращаемая операциями записи.
	failWrites error
}

// NewMemoryBackend создаёт пустой индекс. pageSize — размер страницы курсора.
func NewMemoryBackend(pageSize int) *MemoryBackend {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &MemoryBackend{
		docs:     make(map[string]*model.IndexDocument),
		files:    make(map[string]model.ContentEntry),
		scrolls:  make(map[string][]string),
		pageSize: pageSize,
	}
}

// SetFailure включает или выключает отказ операций записи и Ping.
func (m *MemoryBackend) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = err
}

// Get возвращает копию документа.
func (m *MemoryBackend) Get(_ context.Context, id string) (*model.IndexDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	return doc.Clone(), nil
}

// Put записывает копию документа с проверкой версии.
func (m *MemoryBackend) Put(_ context.Context, doc *model.IndexDocument, mode VersionMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites != nil {
		return m.failWrites
	}
	if stored, ok := m.docs[doc.ID]; ok {
		stale := stored.Version >= doc.Version
		if mode == VersionExternalGTE {
			stale = stored.Version > doc.Version
		}
		if stale {
			return fmt.Errorf("%w: %s версия %d, сохранена %d", ErrStaleWrite, doc.ID, doc.Version, stored.Version)
		}
	}
	m.docs[doc.ID] = doc.Clone()
	return nil
}

// Delete удаляет документ.
func (m *MemoryBackend) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites != nil {
		return m.failWrites
	}
	if _, ok := m.docs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	delete(m.docs, id)
	return nil
}

// PutFiles записывает проекции файлов.
func (m *MemoryBackend) PutFiles(_ context.Context, _ string, files []model.ContentEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites != nil {
		return m.failWrites
	}
	for _, f := range files {
		m.files[f.FileID] = f
	}
	return nil
}

// DeleteFiles удаляет проекции файлов.
func (m *MemoryBackend) DeleteFiles(_ context.Context, _ string, fileIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites != nil {
		return m.failWrites
	}
	for _, id := range fileIDs {
		delete(m.files, id)
	}
	return nil
}

// HasFile сообщает, есть ли проекция файла.
func (m *MemoryBackend) HasFile(fileID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.files[fileID]
	return ok
}

// Len возвращает количество документов.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// OpenScroll снимает список подходящих документов и возвращает первую страницу.
func (m *MemoryBackend) OpenScroll(_ context.Context, path string) (Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, doc := range m.docs {
		if slices.Contains(doc.Path, path) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	cursor := uuid.NewString()
	m.scrolls[cursor] = ids
	return m.nextPage(cursor), nil
}

// ContinueScroll возвращает следующую страницу.
func (m *MemoryBackend) ContinueScroll(_ context.Context, cursor string) (Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.scrolls[cursor]; !ok {
		return Page{}, fmt.Errorf("курсор %s не найден или истёк", cursor)
	}
	return m.nextPage(cursor), nil
}

// CloseScroll освобождает курсор.
func (m *MemoryBackend) CloseScroll(_ context.Context, cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scrolls, cursor)
	return nil
}

// Ping возвращает ошибку, заданную через SetFailure, иначе nil.
func (m *MemoryBackend) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failWrites
}

func (m *MemoryBackend) nextPage(cursor string) Page {
	rest := m.scrolls[cursor]
	n := min(m.pageSize, len(rest))
	page := Page{IDs: slices.Clone(rest[:n]), Cursor: cursor}
	m.scrolls[cursor] = rest[n:]
	return page
}
