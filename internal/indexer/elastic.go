package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
)

// ElasticOptions — параметры подключения к Elasticsearch.
type ElasticOptions struct {
	Addresses []string
	Username  string
	Password  string
	// CACertPath — путь к CA-сертификату (пустая строка — стандартный пул)
	CACertPath string
	// Index — индекс документов записей
	Index string
	// FileIndex — индекс проекций файлов
	FileIndex string
	// Pipeline — ingest pipeline для документов с содержимым файлов
	Pipeline string
	// ScrollSize — размер страницы курсора
	ScrollSize int
	// ScrollKeepAlive — время жизни курсора между страницами
	ScrollKeepAlive time.Duration
}

// ElasticBackend — Backend поверх go-elasticsearch с внешним версионированием.
type ElasticBackend struct {
	es     *elasticsearch.Client
	opts   ElasticOptions
	logger *slog.Logger
}

// NewElasticBackend создаёт клиент Elasticsearch.
func NewElasticBackend(opts ElasticOptions, logger *slog.Logger) (*ElasticBackend, error) {
	cfg := elasticsearch.Config{
		Addresses: opts.Addresses,
		Username:  opts.Username,
		Password:  opts.Password,
	}

	if opts.CACertPath != "" {
		caCert, err := os.ReadFile(opts.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("чтение CA-сертификата Elasticsearch: %w", err)
		}
		cfg.CACert = caCert
		logger.Info("CA-сертификат Elasticsearch добавлен в пул доверия",
			slog.String("ca_cert", opts.CACertPath),
		)
	}

	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("создание клиента Elasticsearch: %w", err)
	}

	return &ElasticBackend{
		es:     es,
		opts:   opts,
		logger: logger.With(slog.String("component", "elastic_backend")),
	}, nil
}

type getResponse struct {
	Found   bool                `json:"found"`
	Version int64               `json:"_version"`
	Source  model.IndexDocument `json:"_source"`
}

// Get реализует Backend.
func (b *ElasticBackend) Get(ctx context.Context, id string) (*model.IndexDocument, error) {
	res, err := b.es.Get(b.opts.Index, id, b.es.Get.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("запрос Get %s: %w", id, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	if res.IsError() {
		return nil, responseError("Get", res)
	}

	var body getResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("разбор ответа Get %s: %w", id, err)
	}
	if !body.Found {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	doc := body.Source
	doc.ID = id
	doc.Version = body.Version
	return &doc, nil
}

// Put реализует Backend. Документы с содержимым файлов идут через ingest pipeline.
func (b *ElasticBackend) Put(ctx context.Context, doc *model.IndexDocument, mode VersionMode) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("сериализация документа %s: %w", doc.ID, err)
	}

	opts := []func(*esapi.IndexRequest){
		b.es.Index.WithContext(ctx),
		b.es.Index.WithDocumentID(doc.ID),
		b.es.Index.WithVersion(int(doc.Version)),
		b.es.Index.WithVersionType(string(mode)),
	}
	if doc.HasContent() && b.opts.Pipeline != "" {
		opts = append(opts, b.es.Index.WithPipeline(b.opts.Pipeline))
	}

	res, err := b.es.Index(b.opts.Index, bytes.NewReader(payload), opts...)
	if err != nil {
		return fmt.Errorf("запрос Index %s: %w", doc.ID, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusConflict {
		return fmt.Errorf("%w: %s версия %d", ErrStaleWrite, doc.ID, doc.Version)
	}
	if res.IsError() {
		return responseError("Index", res)
	}
	return nil
}

// Delete реализует Backend.
func (b *ElasticBackend) Delete(ctx context.Context, id string) error {
	res, err := b.es.Delete(b.opts.Index, id, b.es.Delete.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("запрос Delete %s: %w", id, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	if res.IsError() {
		return responseError("Delete", res)
	}
	return nil
}

type fileDocument struct {
	model.ContentEntry
	ParentID string `json:"parent_id"`
}

// PutFiles реализует Backend. Проекции файлов маршрутизируются по записи.
func (b *ElasticBackend) PutFiles(ctx context.Context, parentID string, files []model.ContentEntry) error {
	for _, f := range files {
		payload, err := json.Marshal(fileDocument{ContentEntry: f, ParentID: parentID})
		if err != nil {
			return fmt.Errorf("сериализация проекции файла %s: %w", f.FileID, err)
		}

		opts := []func(*esapi.IndexRequest){
			b.es.Index.WithContext(ctx),
			b.es.Index.WithDocumentID(f.FileID),
			b.es.Index.WithRouting(parentID),
		}
		if b.opts.Pipeline != "" {
			opts = append(opts, b.es.Index.WithPipeline(b.opts.Pipeline))
		}

		res, err := b.es.Index(b.opts.FileIndex, bytes.NewReader(payload), opts...)
		if err != nil {
			return fmt.Errorf("запрос Index файла %s: %w", f.FileID, err)
		}
		isErr := res.IsError()
		var resErr error
		if isErr {
			resErr = responseError("Index файла", res)
		}
		res.Body.Close()
		if resErr != nil {
			return resErr
		}
	}
	return nil
}

// DeleteFiles реализует Backend. Отсутствующие проекции пропускаются.
func (b *ElasticBackend) DeleteFiles(ctx context.Context, parentID string, fileIDs []string) error {
	for _, id := range fileIDs {
		res, err := b.es.Delete(b.opts.FileIndex, id,
			b.es.Delete.WithContext(ctx),
			b.es.Delete.WithRouting(parentID),
		)
		if err != nil {
			return fmt.Errorf("запрос Delete файла %s: %w", id, err)
		}
		var resErr error
		if res.IsError() && res.StatusCode != http.StatusNotFound {
			resErr = responseError("Delete файла", res)
		}
		res.Body.Close()
		if resErr != nil {
			return resErr
		}
	}
	return nil
}

type scrollResponse struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Hits []struct {
			ID string `json:"_id"`
		} `json:"hits"`
	} `json:"hits"`
}

// OpenScroll реализует Backend.
func (b *ElasticBackend) OpenScroll(ctx context.Context, path string) (Page, error) {
	query := map[string]any{
		"query": map[string]any{"term": map[string]any{"path": path}},
		"sort":  []any{"_doc"},
	}
	payload, err := json.Marshal(query)
	if err != nil {
		return Page{}, fmt.Errorf("сериализация запроса scroll: %w", err)
	}

	res, err := b.es.Search(
		b.es.Search.WithContext(ctx),
		b.es.Search.WithIndex(b.opts.Index),
		b.es.Search.WithBody(bytes.NewReader(payload)),
		b.es.Search.WithScroll(b.opts.ScrollKeepAlive),
		b.es.Search.WithSize(b.opts.ScrollSize),
		b.es.Search.WithSource("false"),
	)
	if err != nil {
		return Page{}, fmt.Errorf("запрос Search по пути %s: %w", path, err)
	}
	return decodeScroll("Search", res)
}

// ContinueScroll реализует Backend.
func (b *ElasticBackend) ContinueScroll(ctx context.Context, cursor string) (Page, error) {
	res, err := b.es.Scroll(
		b.es.Scroll.WithContext(ctx),
		b.es.Scroll.WithScrollID(cursor),
		b.es.Scroll.WithScroll(b.opts.ScrollKeepAlive),
	)
	if err != nil {
		return Page{}, fmt.Errorf("запрос Scroll: %w", err)
	}
	return decodeScroll("Scroll", res)
}

// CloseScroll реализует Backend.
func (b *ElasticBackend) CloseScroll(ctx context.Context, cursor string) error {
	res, err := b.es.ClearScroll(
		b.es.ClearScroll.WithContext(ctx),
		b.es.ClearScroll.WithScrollID(cursor),
	)
	if err != nil {
		return fmt.Errorf("запрос ClearScroll: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return responseError("ClearScroll", res)
	}
	return nil
}

// Ping реализует Backend.
func (b *ElasticBackend) Ping(ctx context.Context) error {
	res, err := b.es.Ping(b.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("запрос Ping: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError("Ping", res)
	}
	return nil
}

func decodeScroll(op string, res *esapi.Response) (Page, error) {
	defer res.Body.Close()
	if res.IsError() {
		return Page{}, responseError(op, res)
	}

	var body scrollResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return Page{}, fmt.Errorf("разбор ответа %s: %w", op, err)
	}
	page := Page{Cursor: body.ScrollID, IDs: make([]string, 0, len(body.Hits.Hits))}
	for _, h := range body.Hits.Hits {
		page.IDs = append(page.IDs, h.ID)
	}
	return page, nil
}

// responseError формирует ошибку из ответа с кодом >= 400.
func responseError(op string, res *esapi.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return fmt.Errorf("%s: Elasticsearch вернул %d: %s", op, res.StatusCode, bytes.TrimSpace(body))
}
