package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
	"github.com/bigkaa/goartstore/deposit-module/internal/repository"
)

type buckets struct {
	st *state
}

func (r *buckets) Create(_ context.Context, b *model.Bucket) error {
	if _, ok := r.st.buckets[b.ID]; ok {
		return fmt.Errorf("%w: бакет %s уже существует", repository.ErrConflict, b.ID)
	}
	ts := now()
	b.CreatedAt, b.UpdatedAt = ts, ts
	r.st.buckets[b.ID] = *b
	return nil
}

func (r *buckets) Get(_ context.Context, id uuid.UUID) (*model.Bucket, error) {
	b, ok := r.st.buckets[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &b, nil
}

func (r *buckets) SetLocked(_ context.Context, id uuid.UUID, locked bool) error {
	b, ok := r.st.buckets[id]
	if !ok {
		return repository.ErrNotFound
	}
	b.Locked = locked
	b.UpdatedAt = now()
	r.st.buckets[id] = b
	return nil
}

func (r *buckets) Remove(_ context.Context, id uuid.UUID) ([]string, error) {
	if _, ok := r.st.buckets[id]; !ok {
		return nil, repository.ErrNotFound
	}
	var checksums []string
	r.st.objects = slices.DeleteFunc(r.st.objects, func(o model.FileObject) bool {
		if o.BucketID == id {
			checksums = append(checksums, o.Checksum)
			return true
		}
		return false
	})
	for rec, b := range r.st.links {
		if b == id {
			delete(r.st.links, rec)
		}
	}
	delete(r.st.buckets, id)
	return checksums, nil
}

func (r *buckets) Link(_ context.Context, recordID, bucketID uuid.UUID) error {
	if _, ok := r.st.buckets[bucketID]; !ok {
		return repository.ErrNotFound
	}
	r.st.links[recordID] = bucketID
	return nil
}

func (r *buckets) Unlink(_ context.Context, recordID uuid.UUID) error {
	delete(r.st.links, recordID)
	return nil
}

func (r *buckets) BucketOf(_ context.Context, recordID uuid.UUID) (uuid.UUID, error) {
	id, ok := r.st.links[recordID]
	if !ok {
		return uuid.Nil, repository.ErrNotFound
	}
	return id, nil
}

func (r *buckets) LinkCount(_ context.Context, bucketID uuid.UUID) (int, error) {
	n := 0
	for _, b := range r.st.links {
		if b == bucketID {
			n++
		}
	}
	return n, nil
}

func (r *buckets) PutObject(_ context.Context, o *model.FileObject) error {
	if _, ok := r.st.buckets[o.BucketID]; !ok {
		return repository.ErrNotFound
	}
	for i := range r.st.objects {
		existing := &r.st.objects[i]
		if existing.VersionID == o.VersionID {
			return fmt.Errorf("%w: версия %s уже существует", repository.ErrConflict, o.VersionID)
		}
		if existing.BucketID == o.BucketID && existing.Key == o.Key {
			existing.IsHead = false
		}
	}
	o.IsHead = true
	o.CreatedAt = now()
	r.st.objects = append(r.st.objects, *o)
	return nil
}

func (r *buckets) HeadObjects(_ context.Context, bucketID uuid.UUID) ([]*model.FileObject, error) {
	return r.collect(func(o model.FileObject) bool { return o.BucketID == bucketID && o.IsHead }), nil
}

func (r *buckets) Objects(_ context.Context, bucketID uuid.UUID) ([]*model.FileObject, error) {
	return r.collect(func(o model.FileObject) bool { return o.BucketID == bucketID }), nil
}

func (r *buckets) RemoveObjectsBy(_ context.Context, bucketID, createdBy uuid.UUID) ([]string, error) {
	var checksums []string
	r.st.objects = slices.DeleteFunc(r.st.objects, func(o model.FileObject) bool {
		if o.BucketID == bucketID && o.CreatedBy == createdBy {
			checksums = append(checksums, o.Checksum)
			return true
		}
		return false
	})

	// Головной становится последняя оставшаяся версия каждого ключа.
	latest := make(map[string]int)
	hasHead := make(map[string]bool)
	for i, o := range r.st.objects {
		if o.BucketID != bucketID {
			continue
		}
		latest[o.Key] = i
		if o.IsHead {
			hasHead[o.Key] = true
		}
	}
	for key, i := range latest {
		if !hasHead[key] {
			r.st.objects[i].IsHead = true
		}
	}
	return checksums, nil
}

func (r *buckets) Usage(_ context.Context, bucketID uuid.UUID) (int64, error) {
	var size int64
	for _, o := range r.st.objects {
		if o.BucketID == bucketID {
			size += o.Size
		}
	}
	return size, nil
}

func (r *buckets) ChecksumInUse(_ context.Context, checksum string) (bool, error) {
	for _, o := range r.st.objects {
		if o.Checksum == checksum {
			return true, nil
		}
	}
	return false, nil
}

// collect возвращает копии объектов, упорядоченные по ключу и времени создания.
func (r *buckets) collect(keep func(model.FileObject) bool) []*model.FileObject {
	var result []*model.FileObject
	for _, o := range r.st.objects {
		if keep(o) {
			result = append(result, &o)
		}
	}
	slices.SortStableFunc(result, func(a, b *model.FileObject) int {
		if c := strings.Compare(a.Key, b.Key); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return result
}

type outbox struct {
	st *state
}

func (r *outbox) Enqueue(_ context.Context, objectID uuid.UUID, op model.OutboxOperation) (int64, error) {
	r.st.nextOutbox++
	ts := now()
	r.st.outbox[r.st.nextOutbox] = model.OutboxEntry{
		ID:         r.st.nextOutbox,
		ObjectID:   objectID,
		Operation:  op,
		EnqueuedAt: ts,
		UpdatedAt:  ts,
	}
	return r.st.nextOutbox, nil
}

func (r *outbox) Done(_ context.Context, id int64) error {
	delete(r.st.outbox, id)
	return nil
}

func (r *outbox) Fail(_ context.Context, id int64, reason string) error {
	e, ok := r.st.outbox[id]
	if !ok {
		return nil
	}
	e.Attempts++
	e.LastError = reason
	e.UpdatedAt = now()
	r.st.outbox[id] = e
	return nil
}

func (r *outbox) Pending(_ context.Context, olderThan time.Time, limit int) ([]*model.OutboxEntry, error) {
	var result []*model.OutboxEntry
	for _, e := range r.st.outbox {
		if !e.EnqueuedAt.After(olderThan) {
			result = append(result, &e)
		}
	}
	slices.SortFunc(result, func(a, b *model.OutboxEntry) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *outbox) Count(_ context.Context) (int, error) {
	return len(r.st.outbox), nil
}
