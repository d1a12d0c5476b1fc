package model

import (
	"time"

	"github.com/google/uuid"
)

// Bucket — контейнер файловых объектов линии версий.
type Bucket struct {
	ID          uuid.UUID
	QuotaSize   int64
	MaxFileSize int64
	Locked      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BucketRef — ссылка рабочей копии на бакет линии.
type BucketRef struct {
	BucketID uuid.UUID
	Unlocked bool
}

// FileObject — версия файла в бакете. Загрузка файла с тем же ключом
// создаёт новую версию, а не перезаписывает старую.
type FileObject struct {
	BucketID  uuid.UUID
	Key       string
	VersionID uuid.UUID
	Checksum  string
	Size      int64
	Mimetype  string
	IsHead    bool
	// CreatedBy — рабочая копия, загрузившая эту версию.
	CreatedBy uuid.UUID
	CreatedAt time.Time
}

// Entry возвращает элемент списка _files для объекта.
func (o *FileObject) Entry() FileEntry {
	return FileEntry{
		Key:       o.Key,
		VersionID: o.VersionID.String(),
		BucketID:  o.BucketID.String(),
		Checksum:  o.Checksum,
		Size:      o.Size,
		Mimetype:  o.Mimetype,
	}
}
