package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
)

// bucketRepo — реализация BucketRepository.
type bucketRepo struct {
	db DBTX
}

// NewBucketRepository создаёт репозиторий бакетов.
func NewBucketRepository(db DBTX) BucketRepository {
	return &bucketRepo{db: db}
}

const objectColumns = `version_id, bucket_id, key, checksum, size, mimetype, is_head, created_by, created_at`

func (r *bucketRepo) Create(ctx context.Context, b *model.Bucket) error {
	query := `
		INSERT INTO buckets (id, quota_size, max_file_size, locked)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query, b.ID, b.QuotaSize, b.MaxFileSize, b.Locked).
		Scan(&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: бакет %s уже существует", ErrConflict, b.ID)
		}
		return fmt.Errorf("ошибка создания бакета: %w", err)
	}
	return nil
}

func (r *bucketRepo) Get(ctx context.Context, id uuid.UUID) (*model.Bucket, error) {
	query := `
		SELECT id, quota_size, max_file_size, locked, created_at, updated_at
		FROM buckets
		WHERE id = $1`

	b := &model.Bucket{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&b.ID, &b.QuotaSize, &b.MaxFileSize, &b.Locked, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения бакета: %w", err)
	}
	return b, nil
}

func (r *bucketRepo) SetLocked(ctx context.Context, id uuid.UUID, locked bool) error {
	query := `
		UPDATE buckets
		SET locked = $2, updated_at = now()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, locked)
	if err != nil {
		return fmt.Errorf("ошибка смены блокировки бакета: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *bucketRepo) Remove(ctx context.Context, id uuid.UUID) ([]string, error) {
	rows, err := r.db.Query(ctx, `DELETE FROM file_objects WHERE bucket_id = $1 RETURNING checksum`, id)
	if err != nil {
		return nil, fmt.Errorf("ошибка удаления объектов бакета: %w", err)
	}
	checksums, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("ошибка удаления объектов бакета: %w", err)
	}

	if _, err := r.db.Exec(ctx, `DELETE FROM records_buckets WHERE bucket_id = $1`, id); err != nil {
		return nil, fmt.Errorf("ошибка удаления связей бакета: %w", err)
	}

	tag, err := r.db.Exec(ctx, `DELETE FROM buckets WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("ошибка удаления бакета: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return checksums, nil
}

func (r *bucketRepo) Link(ctx context.Context, recordID, bucketID uuid.UUID) error {
	query := `
		INSERT INTO records_buckets (record_id, bucket_id)
		VALUES ($1, $2)
		ON CONFLICT (record_id) DO UPDATE SET bucket_id = EXCLUDED.bucket_id`

	if _, err := r.db.Exec(ctx, query, recordID, bucketID); err != nil {
		return fmt.Errorf("ошибка связывания записи с бакетом: %w", err)
	}
	return nil
}

func (r *bucketRepo) Unlink(ctx context.Context, recordID uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM records_buckets WHERE record_id = $1`, recordID); err != nil {
		return fmt.Errorf("ошибка удаления связи записи с бакетом: %w", err)
	}
	return nil
}

func (r *bucketRepo) BucketOf(ctx context.Context, recordID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx, `SELECT bucket_id FROM records_buckets WHERE record_id = $1`, recordID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("ошибка получения бакета записи: %w", err)
	}
	return id, nil
}

func (r *bucketRepo) LinkCount(ctx context.Context, bucketID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM records_buckets WHERE bucket_id = $1`, bucketID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта связей бакета: %w", err)
	}
	return n, nil
}

func (r *bucketRepo) PutObject(ctx context.Context, o *model.FileObject) error {
	_, err := r.db.Exec(ctx, `
		UPDATE file_objects
		SET is_head = false
		WHERE bucket_id = $1 AND key = $2 AND is_head`, o.BucketID, o.Key)
	if err != nil {
		return fmt.Errorf("ошибка снятия головной версии: %w", err)
	}

	query := `
		INSERT INTO file_objects (version_id, bucket_id, key, checksum, size, mimetype, is_head, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, true, $7)
		RETURNING created_at`

	err = r.db.QueryRow(ctx, query,
		o.VersionID, o.BucketID, o.Key, o.Checksum, o.Size, o.Mimetype, o.CreatedBy,
	).Scan(&o.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: версия %s уже существует", ErrConflict, o.VersionID)
		}
		return fmt.Errorf("ошибка записи версии файла: %w", err)
	}
	o.IsHead = true
	return nil
}

func (r *bucketRepo) HeadObjects(ctx context.Context, bucketID uuid.UUID) ([]*model.FileObject, error) {
	query := `SELECT ` + objectColumns + `
		FROM file_objects
		WHERE bucket_id = $1 AND is_head
		ORDER BY key`

	return r.queryObjects(ctx, query, bucketID)
}

func (r *bucketRepo) Objects(ctx context.Context, bucketID uuid.UUID) ([]*model.FileObject, error) {
	query := `SELECT ` + objectColumns + `
		FROM file_objects
		WHERE bucket_id = $1
		ORDER BY key, created_at, version_id`

	return r.queryObjects(ctx, query, bucketID)
}

func (r *bucketRepo) RemoveObjectsBy(ctx context.Context, bucketID, createdBy uuid.UUID) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		DELETE FROM file_objects
		WHERE bucket_id = $1 AND created_by = $2
		RETURNING checksum`, bucketID, createdBy)
	if err != nil {
		return nil, fmt.Errorf("ошибка удаления версий рабочей копии: %w", err)
	}
	checksums, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("ошибка удаления версий рабочей копии: %w", err)
	}

	// Головной становится последняя оставшаяся версия каждого ключа.
	_, err = r.db.Exec(ctx, `
		UPDATE file_objects f
		SET is_head = true
		WHERE f.bucket_id = $1
			AND NOT EXISTS (
				SELECT 1 FROM file_objects h
				WHERE h.bucket_id = f.bucket_id AND h.key = f.key AND h.is_head
			)
			AND f.version_id = (
				SELECT l.version_id FROM file_objects l
				WHERE l.bucket_id = f.bucket_id AND l.key = f.key
				ORDER BY l.created_at DESC, l.version_id DESC
				LIMIT 1
			)`, bucketID)
	if err != nil {
		return nil, fmt.Errorf("ошибка пересчёта головных версий: %w", err)
	}
	return checksums, nil
}

func (r *bucketRepo) Usage(ctx context.Context, bucketID uuid.UUID) (int64, error) {
	var size int64
	err := r.db.QueryRow(ctx, `SELECT COALESCE(SUM(size), 0) FROM file_objects WHERE bucket_id = $1`, bucketID).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта объёма бакета: %w", err)
	}
	return size, nil
}

func (r *bucketRepo) ChecksumInUse(ctx context.Context, checksum string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM file_objects WHERE checksum = $1)`, checksum).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки использования blob: %w", err)
	}
	return exists, nil
}

func (r *bucketRepo) queryObjects(ctx context.Context, query string, args ...any) ([]*model.FileObject, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения версий файлов: %w", err)
	}
	defer rows.Close()

	var result []*model.FileObject
	for rows.Next() {
		o := &model.FileObject{}
		if err := rows.Scan(
			&o.VersionID, &o.BucketID, &o.Key, &o.Checksum, &o.Size,
			&o.Mimetype, &o.IsHead, &o.CreatedBy, &o.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования версии файла: %w", err)
		}
		result = append(result, o)
	}
	return result, rows.Err()
}
