package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
)

// WriterOptions — параметры повторов записи.
type WriterOptions struct {
	// MaxRetries — количество повторов после первой попытки
	MaxRetries int
	// InitialInterval — начальный интервал между попытками
	InitialInterval time.Duration
	// Timeout — таймаут одной попытки
	Timeout time.Duration
}

// Writer — запись проекций в индекс с ограниченными повторами.
// Ошибки ErrStaleWrite и ErrDocumentNotFound не повторяются.
type Writer struct {
	backend Backend
	opts    WriterOptions
	logger  *slog.Logger
}

// NewWriter создаёт Writer.
func NewWriter(backend Backend, opts WriterOptions, logger *slog.Logger) *Writer {
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 200 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Writer{
		backend: backend,
		opts:    opts,
		logger:  logger.With(slog.String("component", "index_writer")),
	}
}

// Backend возвращает нижележащий индекс.
func (w *Writer) Backend() Backend { return w.backend }

// Upsert записывает документ с версией version. Версия не новее
// сохранённой — ErrStaleWrite, документ в индексе не меняется.
func (w *Writer) Upsert(ctx context.Context, doc *model.IndexDocument, version int64) error {
	out := doc.Clone()
	out.Version = version
	return w.do(ctx, "upsert", func(ctx context.Context) error {
		return w.backend.Put(ctx, out, VersionExternal)
	})
}

// Replace перезаписывает документ проекцией из хранилища с версией не ниже
// сохранённой (external_gte). Используется при восстановлении индекса:
// проекция той же ревизии идемпотентна, более новая запись не затирается.
func (w *Writer) Replace(ctx context.Context, doc *model.IndexDocument, version int64) error {
	out := doc.Clone()
	out.Version = version
	return w.do(ctx, "replace", func(ctx context.Context) error {
		return w.backend.Put(ctx, out, VersionExternalGTE)
	})
}

// UpdatePath меняет путь и время изменения документа.
// bump = true — запись с версией version (ревизия записи повышена);
// bump = false — без проверки ревизии, с сохранённой версией документа.
func (w *Writer) UpdatePath(ctx context.Context, id string, path []string, version int64, bump bool) error {
	if !bump {
		version = 0
	}
	return w.patch(ctx, "update_path", id, version, func(doc *model.IndexDocument) {
		doc.Path = slices.Clone(path)
		if doc.Path == nil {
			doc.Path = []string{}
		}
	})
}

// SetLastVersion выставляет признак последней версии без повышения ревизии.
func (w *Writer) SetLastVersion(ctx context.Context, id string, isLast bool) error {
	return w.patch(ctx, "set_last_version", id, 0, func(doc *model.IndexDocument) {
		doc.RelationVersionIsLast = isLast
	})
}

// SetPublishStatus меняет статус публикации с версией version.
func (w *Writer) SetPublishStatus(ctx context.Context, id string, status model.PublishStatus, version int64) error {
	return w.patch(ctx, "set_publish_status", id, version, func(doc *model.IndexDocument) {
		doc.PublishStatus = string(status)
	})
}

// Delete удаляет документ; отсутствие документа не ошибка.
func (w *Writer) Delete(ctx context.Context, id string) error {
	err := w.do(ctx, "delete", func(ctx context.Context) error {
		return w.backend.Delete(ctx, id)
	})
	if errors.Is(err, ErrDocumentNotFound) {
		return nil
	}
	return err
}

// PutFileProjection записывает проекции содержимого файлов записи.
func (w *Writer) PutFileProjection(ctx context.Context, parentID string, files []model.ContentEntry) error {
	if len(files) == 0 {
		return nil
	}
	return w.do(ctx, "put_file_projection", func(ctx context.Context) error {
		return w.backend.PutFiles(ctx, parentID, files)
	})
}

// DeleteFileProjection удаляет проекции файлов; отсутствующие пропускаются.
func (w *Writer) DeleteFileProjection(ctx context.Context, fileIDs []string, parentID string) error {
	if len(fileIDs) == 0 {
		return nil
	}
	return w.do(ctx, "delete_file_projection", func(ctx context.Context) error {
		return w.backend.DeleteFiles(ctx, parentID, fileIDs)
	})
}

// Exists сообщает, есть ли документ в индексе.
func (w *Writer) Exists(ctx context.Context, id string) (bool, error) {
	var found bool
	err := w.do(ctx, "get", func(ctx context.Context) error {
		_, err := w.backend.Get(ctx, id)
		if err == nil {
			found = true
		}
		return err
	})
	if errors.Is(err, ErrDocumentNotFound) {
		return false, nil
	}
	return found, err
}

// ScrollByPath открывает курсор по идентификаторам документов с путём path.
// Каждый вызов создаёт новый курсор.
func (w *Writer) ScrollByPath(path string) *Scroll {
	return &Scroll{w: w, path: path}
}

// Ping проверяет доступность индекса.
func (w *Writer) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	defer cancel()
	return w.backend.Ping(ctx)
}

// patch читает документ, применяет mutate и записывает обратно.
// version > 0 — запись с новой версией; иначе с сохранённой (external_gte).
// Конкурентная запись между чтением и записью приводит к повтору с чтения.
func (w *Writer) patch(ctx context.Context, op, id string, version int64, mutate func(*model.IndexDocument)) error {
	return w.do(ctx, op, func(ctx context.Context) error {
		doc, err := w.backend.Get(ctx, id)
		if err != nil {
			return err
		}
		mutate(doc)
		doc.Updated = time.Now().UTC()

		if version > 0 {
			doc.Version = version
			return w.backend.Put(ctx, doc, VersionExternal)
		}
		if err := w.backend.Put(ctx, doc, VersionExternalGTE); err != nil {
			if errors.Is(err, ErrStaleWrite) {
				return errRetryRead
			}
			return err
		}
		return nil
	})
}

// errRetryRead — документ изменился между чтением и записью.
var errRetryRead = errors.New("документ изменился, повтор чтения")

// do выполняет операцию с таймаутом на попытку и экспоненциальными повторами.
func (w *Writer) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	attempt := 0

	operation := func() error {
		attempt++
		if attempt > 1 {
			indexRetriesTotal.WithLabelValues(op).Inc()
		}
		actx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
		defer cancel()

		err := fn(actx)
		if errors.Is(err, ErrStaleWrite) || errors.Is(err, ErrDocumentNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = w.opts.InitialInterval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(max(w.opts.MaxRetries, 0))), ctx)

	err := backoff.Retry(operation, policy)
	indexWriteDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		indexWritesTotal.WithLabelValues(op, "ok").Inc()
		return nil
	case errors.Is(err, ErrStaleWrite):
		indexWritesTotal.WithLabelValues(op, "stale").Inc()
	case errors.Is(err, ErrDocumentNotFound):
		indexWritesTotal.WithLabelValues(op, "not_found").Inc()
	default:
		indexWritesTotal.WithLabelValues(op, "error").Inc()
		w.logger.Debug("Операция с индексом не выполнена",
			slog.String("operation", op),
			slog.Int("attempts", attempt),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, errRetryRead) {
			return fmt.Errorf("%w: %s", ErrStaleWrite, op)
		}
	}
	return err
}

// Scroll — ленивый курсор по идентификаторам документов с заданным путём.
// Повторяемость — постраничная: новый вызов ScrollByPath начинает новый курсор.
type Scroll struct {
	w      *Writer
	path   string
	cursor string
	opened bool
	done   bool
}

// Next возвращает следующую страницу идентификаторов или io.EOF.
func (s *Scroll) Next(ctx context.Context) ([]string, error) {
	if s.done {
		return nil, io.EOF
	}

	var page Page
	err := s.w.do(ctx, "scroll_by_path", func(ctx context.Context) error {
		var err error
		if !s.opened {
			page, err = s.w.backend.OpenScroll(ctx, s.path)
		} else {
			page, err = s.w.backend.ContinueScroll(ctx, s.cursor)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	s.opened = true
	s.cursor = page.Cursor
	if len(page.IDs) == 0 {
		s.done = true
		_ = s.Close(ctx)
		return nil, io.EOF
	}
	return page.IDs, nil
}

// Close освобождает курсор.
func (s *Scroll) Close(ctx context.Context) error {
	s.done = true
	if s.cursor == "" {
		return nil
	}
	cursor := s.cursor
	s.cursor = ""
	return s.w.backend.CloseScroll(ctx, cursor)
}

// Collect читает курсор до конца.
func (s *Scroll) Collect(ctx context.Context) ([]string, error) {
	var ids []string
	for {
		page, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return ids, nil
		}
		if err != nil {
			return nil, err
		}
		ids = append(ids, page...)
	}
}
