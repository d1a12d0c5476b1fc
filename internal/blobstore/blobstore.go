// Пакет blobstore — контентно-адресуемое хранение содержимого файлов на диске.
// Ключ blob — SHA-256 содержимого; одинаковые файлы хранятся один раз,
// поэтому клонирование бакета не копирует байты.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const checksumPrefix = "sha256:"

var (
	// ErrNotFound — blob отсутствует.
	ErrNotFound = errors.New("blob не найден")
	// ErrTooLarge — содержимое превышает допустимый размер.
	ErrTooLarge = errors.New("размер содержимого превышает допустимый")
	// ErrInvalidChecksum — некорректный ключ blob.
	ErrInvalidChecksum = errors.New("некорректный checksum")
)

// Store — хранилище blob-ов.
type Store struct {
	// dataDir — корневая директория (DM_DATA_DIR)
	dataDir string
}

// Blob — результат сохранения.
type Blob struct {
	// Checksum — ключ blob: "sha256:<hex>"
	Checksum string
	// Size — размер содержимого в байтах
	Size int64
}

// New создаёт хранилище. Создаёт директории, если их нет.
func New(dataDir string) (*Store, error) {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "tmp")} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dir, err)
		}
	}
	return &Store{dataDir: dataDir}, nil
}

// Put записывает содержимое reader с подсчётом SHA-256 на лету.
// maxSize > 0 ограничивает размер: превышение — ErrTooLarge.
//
// Паттерн: temp файл → запись + SHA-256 → fsync → atomic rename.
// При ошибке temp файл удаляется.
func (s *Store) Put(reader io.Reader, maxSize int64) (*Blob, error) {
	tmpPath := filepath.Join(s.dataDir, "tmp", uuid.NewString())

	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	src := reader
	if maxSize > 0 {
		src = io.LimitReader(reader, maxSize+1)
	}
	hasher := sha256.New()
	size, err := io.Copy(f, io.TeeReader(src, hasher))
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}
	if maxSize > 0 && size > maxSize {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: больше %d байт", ErrTooLarge, maxSize)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	fullPath := s.path(sum)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка создания директории blob: %w", err)
	}

	// Такое содержимое уже хранится
	if _, err := os.Stat(fullPath); err == nil {
		os.Remove(tmpPath)
		return &Blob{Checksum: checksumPrefix + sum, Size: size}, nil
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return &Blob{Checksum: checksumPrefix + sum, Size: size}, nil
}

// Open открывает blob для чтения. Вызывающий код обязан закрыть файл.
func (s *Store) Open(checksum string) (*os.File, error) {
	sum, err := parseChecksum(checksum)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(sum))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, checksum)
		}
		return nil, fmt.Errorf("ошибка открытия blob %s: %w", checksum, err)
	}
	return f, nil
}

// ReadAll читает blob целиком, если он не больше limit байт.
func (s *Store) ReadAll(checksum string, limit int64) ([]byte, error) {
	f, err := s.Open(checksum)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения blob %s: %w", checksum, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, checksum)
	}
	return data, nil
}

// Delete удаляет blob. Возвращает nil, если blob уже отсутствует.
func (s *Store) Delete(checksum string) error {
	sum, err := parseChecksum(checksum)
	if err != nil {
		return err
	}
	if err := os.Remove(s.path(sum)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления blob %s: %w", checksum, err)
	}
	return nil
}

// Exists проверяет наличие blob.
func (s *Store) Exists(checksum string) bool {
	sum, err := parseChecksum(checksum)
	if err != nil {
		return false
	}
	_, err = os.Stat(s.path(sum))
	return err == nil
}

// ComputeChecksum вычисляет ключ содержимого без записи на диск.
func ComputeChecksum(r io.Reader) (string, error) {
	hasher := sha256.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("ошибка вычисления checksum: %w", err)
	}
	return checksumPrefix + hex.EncodeToString(hasher.Sum(nil)), nil
}

// path раскладывает blob-ы по двум уровням директорий: ab/cd/abcd....
func (s *Store) path(sum string) string {
	return filepath.Join(s.dataDir, sum[:2], sum[2:4], sum)
}

func parseChecksum(checksum string) (string, error) {
	sum, ok := strings.CutPrefix(checksum, checksumPrefix)
	if !ok || len(sum) != sha256.Size*2 {
		return "", fmt.Errorf("%w: %q", ErrInvalidChecksum, checksum)
	}
	if _, err := hex.DecodeString(sum); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidChecksum, checksum)
	}
	return sum, nil
}
