// Пакет indexer — запись денормализованных проекций записей в поисковый индекс.
//
// Версия документа — внешний токен оптимистичной блокировки (ревизия
// рабочей копии после записи). Индекс отклоняет запись с версией,
// не превышающей сохранённую, и документ остаётся прежним.
package indexer

import (
	"context"
	"errors"

	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
)

var (
	// ErrStaleWrite — версия записи не новее сохранённой; документ не изменён.
	ErrStaleWrite = errors.New("устаревшая запись в индекс")
	// ErrDocumentNotFound — документ отсутствует в индексе.
	ErrDocumentNotFound = errors.New("документ не найден в индексе")
)

// VersionMode — правило сравнения внешней версии.
type VersionMode string

const (
	// VersionExternal — запись принимается, только если версия больше сохранённой.
	VersionExternal VersionMode = "external"
	// VersionExternalGTE — запись принимается, если версия не меньше сохранённой.
	// Используется для административных правок без повышения ревизии.
	VersionExternalGTE VersionMode = "external_gte"
)

// Page — страница курсора по пути классификации.
type Page struct {
	IDs    []string
	Cursor string
}

// Backend — поисковый индекс.
type Backend interface {
	// Get возвращает документ вместе с версией. ErrDocumentNotFound — нет документа.
	Get(ctx context.Context, id string) (*model.IndexDocument, error)
	// Put записывает документ с версией doc.Version. ErrStaleWrite — версия отклонена.
	Put(ctx context.Context, doc *model.IndexDocument, mode VersionMode) error
	// Delete удаляет документ. ErrDocumentNotFound — нет документа.
	Delete(ctx context.Context, id string) error

	// PutFiles записывает проекции содержимого файлов записи parentID.
	PutFiles(ctx context.Context, parentID string, files []model.ContentEntry) error
	// DeleteFiles удаляет проекции файлов; отсутствующие пропускаются.
	DeleteFiles(ctx context.Context, parentID string, fileIDs []string) error

	// OpenScroll открывает курсор по документам с путём path.
	OpenScroll(ctx context.Context, path string) (Page, error)
	// ContinueScroll возвращает следующую страницу курсора.
	ContinueScroll(ctx context.Context, cursor string) (Page, error)
	// CloseScroll освобождает курсор.
	CloseScroll(ctx context.Context, cursor string) error

	// Ping проверяет доступность индекса.
	Ping(ctx context.Context) error
}
