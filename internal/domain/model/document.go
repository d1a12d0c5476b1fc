package model

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// IndexDocument — денормализованная проекция записи в поисковом индексе.
// ID и Version передаются индексу отдельно от тела.
type IndexDocument struct {
	ID      string `json:"-"`
	Version int64  `json:"-"`

	ControlNumber         string         `json:"control_number"`
	ItemTypeID            string         `json:"item_type_id,omitempty"`
	Title                 string         `json:"title,omitempty"`
	Path                  []string       `json:"path"`
	PublishStatus         string         `json:"publish_status"`
	RelationVersionIsLast bool           `json:"relation_version_is_last"`
	Status                string         `json:"status"`
	Owners                []string       `json:"owners,omitempty"`
	ItemMetadata          Metadata       `json:"_item_metadata"`
	Content               []ContentEntry `json:"content,omitempty"`
	Created               time.Time      `json:"_created"`
	Updated               time.Time      `json:"_updated"`
}

// ContentEntry — извлекаемое содержимое файла (base64) для полнотекстового поиска.
type ContentEntry struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	Mimetype string `json:"mimetype"`
	Size     int64  `json:"size"`
	Data     string `json:"file"`
}

// Clone возвращает глубокую копию документа.
func (d *IndexDocument) Clone() *IndexDocument {
	out := *d
	out.Path = slices.Clone(d.Path)
	out.Owners = slices.Clone(d.Owners)
	out.ItemMetadata = d.ItemMetadata.Clone()
	out.Content = slices.Clone(d.Content)
	return &out
}

// HasContent сообщает, что документ несёт содержимое файлов.
func (d *IndexDocument) HasContent() bool { return len(d.Content) > 0 }

// OutboxOperation — операция отложенной записи в индекс.
type OutboxOperation string

const (
	// OutboxReindex — полная проекция из хранилища.
	OutboxReindex OutboxOperation = "reindex"
	// OutboxPath — проекция пути без повышения версии.
	OutboxPath OutboxOperation = "path"
	// OutboxDelete — физическое удаление документа.
	OutboxDelete OutboxOperation = "delete"
)

// OutboxEntry — запись очереди восстановления индекса.
type OutboxEntry struct {
	ID         int64
	ObjectID   uuid.UUID
	Operation  OutboxOperation
	Attempts   int
	LastError  string
	EnqueuedAt time.Time
	UpdatedAt  time.Time
}
