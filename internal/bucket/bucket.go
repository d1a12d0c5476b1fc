// Пакет bucket — хранилище бакетов линии версий: создание, клонирование
// без копирования байтов, версионная запись объектов, блокировка,
// удаление и сборка мусора blob-ов.
package bucket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/deposit-module/internal/blobstore"
	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
	"github.com/bigkaa/goartstore/deposit-module/internal/repository"
)

var (
	// ErrLocked — бакет доступен только для чтения.
	ErrLocked = errors.New("бакет заблокирован")
	// ErrQuotaExceeded — превышена квота бакета.
	ErrQuotaExceeded = errors.New("превышена квота бакета")
	// ErrFileTooLarge — файл больше допустимого размера.
	ErrFileTooLarge = errors.New("файл превышает допустимый размер")
)

// Store — операции с бакетами. Метаданные пишутся через репозиторий
// текущей транзакции, содержимое — в blobstore.
type Store struct {
	blobs       *blobstore.Store
	quotaSize   int64
	maxFileSize int64
	logger      *slog.Logger
}

// New создаёт хранилище бакетов с лимитами по умолчанию.
func New(blobs *blobstore.Store, quotaSize, maxFileSize int64, logger *slog.Logger) *Store {
	return &Store{
		blobs:       blobs,
		quotaSize:   quotaSize,
		maxFileSize: maxFileSize,
		logger:      logger.With(slog.String("component", "bucket_store")),
	}
}

// Create создаёт пустой бакет. Нулевые лимиты заменяются значениями по умолчанию.
func (s *Store) Create(ctx context.Context, repo repository.BucketRepository, quotaSize, maxFileSize int64) (*model.Bucket, error) {
	if quotaSize <= 0 {
		quotaSize = s.quotaSize
	}
	if maxFileSize <= 0 {
		maxFileSize = s.maxFileSize
	}
	if maxFileSize > quotaSize {
		maxFileSize = quotaSize
	}

	b := &model.Bucket{ID: uuid.New(), QuotaSize: quotaSize, MaxFileSize: maxFileSize}
	if err := repo.Create(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// CloneUnlocked возвращает ссылку на те же объекты бакета без копирования
// байтов и снимает блокировку, чтобы новая версия могла добавлять файлы.
func (s *Store) CloneUnlocked(ctx context.Context, repo repository.BucketRepository, bucketID uuid.UUID) (model.BucketRef, error) {
	if _, err := repo.Get(ctx, bucketID); err != nil {
		return model.BucketRef{}, err
	}
	if err := repo.SetLocked(ctx, bucketID, false); err != nil {
		return model.BucketRef{}, err
	}
	return model.BucketRef{BucketID: bucketID, Unlocked: true}, nil
}

// Lock переводит бакет в режим только чтения.
func (s *Store) Lock(ctx context.Context, repo repository.BucketRepository, bucketID uuid.UUID) error {
	return repo.SetLocked(ctx, bucketID, true)
}

// Remove удаляет все объекты и сам бакет. Возвращает checksum
// удалённых версий для сборки мусора после коммита.
func (s *Store) Remove(ctx context.Context, repo repository.BucketRepository, bucketID uuid.UUID) ([]string, error) {
	return repo.Remove(ctx, bucketID)
}

// ReleaseObjectsOf удаляет версии, загруженные рабочей копией, из общего
// бакета линии и снова блокирует его.
func (s *Store) ReleaseObjectsOf(ctx context.Context, repo repository.BucketRepository, bucketID, depositID uuid.UUID) ([]string, error) {
	checksums, err := repo.RemoveObjectsBy(ctx, bucketID, depositID)
	if err != nil {
		return nil, err
	}
	if err := repo.SetLocked(ctx, bucketID, true); err != nil {
		return nil, err
	}
	return checksums, nil
}

// PutObject записывает новую версию файла key. Предыдущая головная
// версия ключа перестаёт быть головной.
func (s *Store) PutObject(ctx context.Context, repo repository.BucketRepository, bucketID uuid.UUID, key, mimetype string, r io.Reader, createdBy uuid.UUID) (*model.FileObject, error) {
	b, err := repo.Get(ctx, bucketID)
	if err != nil {
		return nil, err
	}
	if b.Locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, bucketID)
	}

	blob, err := s.blobs.Put(r, b.MaxFileSize)
	if err != nil {
		if errors.Is(err, blobstore.ErrTooLarge) {
			return nil, fmt.Errorf("%w: %s (максимум %d байт)", ErrFileTooLarge, key, b.MaxFileSize)
		}
		return nil, err
	}

	used, err := repo.Usage(ctx, bucketID)
	if err != nil {
		s.collect(ctx, repo, blob.Checksum)
		return nil, err
	}
	if used+blob.Size > b.QuotaSize {
		s.collect(ctx, repo, blob.Checksum)
		return nil, fmt.Errorf("%w: занято %d из %d байт, файл %d байт", ErrQuotaExceeded, used, b.QuotaSize, blob.Size)
	}

	obj := &model.FileObject{
		BucketID:  bucketID,
		Key:       key,
		VersionID: uuid.New(),
		Checksum:  blob.Checksum,
		Size:      blob.Size,
		Mimetype:  mimetype,
		CreatedBy: createdBy,
	}
	if err := repo.PutObject(ctx, obj); err != nil {
		s.collect(ctx, repo, blob.Checksum)
		return nil, err
	}
	return obj, nil
}

// Files возвращает список _files по головным версиям бакета.
func (s *Store) Files(ctx context.Context, repo repository.BucketRepository, bucketID uuid.UUID) ([]model.FileEntry, error) {
	heads, err := repo.HeadObjects(ctx, bucketID)
	if err != nil {
		return nil, err
	}
	files := make([]model.FileEntry, 0, len(heads))
	for _, o := range heads {
		files = append(files, o.Entry())
	}
	return files, nil
}

// ReadContent читает содержимое версии, если оно не больше limit байт.
func (s *Store) ReadContent(o *model.FileObject, limit int64) ([]byte, error) {
	return s.blobs.ReadAll(o.Checksum, limit)
}

// GC удаляет blob-ы, на которые больше не ссылается ни одна версия.
// Вызывается после коммита транзакции, удалившей версии.
func (s *Store) GC(ctx context.Context, repo repository.BucketRepository, checksums []string) int {
	removed := 0
	seen := make(map[string]bool, len(checksums))
	for _, c := range checksums {
		if seen[c] {
			continue
		}
		seen[c] = true
		if s.collect(ctx, repo, c) {
			removed++
		}
	}
	return removed
}

// collect удаляет blob, если на него нет ссылок.
func (s *Store) collect(ctx context.Context, repo repository.BucketRepository, checksum string) bool {
	inUse, err := repo.ChecksumInUse(ctx, checksum)
	if err != nil {
		s.logger.Warn("Не удалось проверить использование blob",
			slog.String("checksum", checksum),
			slog.String("error", err.Error()),
		)
		return false
	}
	if inUse {
		return false
	}
	if err := s.blobs.Delete(checksum); err != nil {
		s.logger.Warn("Не удалось удалить blob",
			slog.String("checksum", checksum),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}
