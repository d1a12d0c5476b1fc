package indexer

import (
	"encoding/base64"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
)

// ContentReader читает содержимое версии файла.
type ContentReader interface {
	ReadContent(o *model.FileObject, limit int64) ([]byte, error)
}

// Projector строит денормализованный документ индекса из тела записи.
type Projector struct {
	content   ContentReader
	maxSize   int64
	mimetypes []string
	logger    *slog.Logger
}

// NewProjector создаёт Projector. Содержимое файлов попадает в документ,
// если MIME-тип в списке mimetypes и размер не больше maxSize.
func NewProjector(content ContentReader, maxSize int64, mimetypes []string, logger *slog.Logger) *Projector {
	return &Projector{
		content:   content,
		maxSize:   maxSize,
		mimetypes: mimetypes,
		logger:    logger.With(slog.String("component", "index_projector")),
	}
}

// Project возвращает документ индекса. ID документа — UUID записи,
// версия заполняется Writer-ом.
func (p *Projector) Project(body *model.Body, status string, isLast bool, heads []*model.FileObject) *model.IndexDocument {
	path := slices.Clone(body.Path)
	if path == nil {
		path = []string{}
	}
	owners := body.System.Owners
	if len(owners) == 0 {
		owners = body.System.Deposit.Owners
	}

	doc := &model.IndexDocument{
		ID:                    body.ID.String(),
		ControlNumber:         body.System.RecID,
		ItemTypeID:            body.ItemTypeID,
		Title:                 body.Metadata.Title(),
		Path:                  path,
		PublishStatus:         string(body.PublishStatus),
		RelationVersionIsLast: isLast,
		Status:                status,
		Owners:                slices.Clone(owners),
		ItemMetadata:          body.Metadata.Clone(),
		Created:               body.CreatedAt,
		Updated:               body.UpdatedAt,
	}
	doc.Content = p.Content(heads)
	return doc
}

// Content возвращает проекции содержимого головных версий файлов.
// Файлы, которые не удалось прочитать, пропускаются.
func (p *Projector) Content(heads []*model.FileObject) []model.ContentEntry {
	var out []model.ContentEntry
	for _, o := range heads {
		if !p.indexable(o) {
			continue
		}
		data, err := p.content.ReadContent(o, p.maxSize)
		if err != nil {
			p.logger.Warn("Содержимое файла не попало в индекс",
				slog.String("file_id", o.VersionID.String()),
				slog.String("key", o.Key),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, model.ContentEntry{
			FileID:   o.VersionID.String(),
			Filename: o.Key,
			Mimetype: o.Mimetype,
			Size:     o.Size,
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	return out
}

// StaleFileIDs возвращает версии файлов, загруженные владельцем owner,
// которых нет в текущем списке _files. Бакет общий для линии версий,
// поэтому версии других членов линии не затрагиваются.
func StaleFileIDs(objects []*model.FileObject, owner uuid.UUID, current []model.FileEntry) []string {
	keep := make(map[string]bool, len(current))
	for _, f := range current {
		keep[f.VersionID] = true
	}
	var ids []string
	for _, o := range objects {
		id := o.VersionID.String()
		if o.CreatedBy == owner && !keep[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// SelectFiles возвращает объекты, перечисленные в _files.
func SelectFiles(objects []*model.FileObject, files []model.FileEntry) []*model.FileObject {
	want := make(map[string]bool, len(files))
	for _, f := range files {
		want[f.VersionID] = true
	}
	var out []*model.FileObject
	for _, o := range objects {
		if want[o.VersionID.String()] {
			out = append(out, o)
		}
	}
	return out
}

func (p *Projector) indexable(o *model.FileObject) bool {
	if p.content == nil || p.maxSize <= 0 {
		return false
	}
	if o.Size > p.maxSize {
		return false
	}
	return slices.Contains(p.mimetypes, o.Mimetype)
}
