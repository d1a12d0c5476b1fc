package model

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Kind — тег варианта жизненного цикла.
type Kind string

const (
	// KindDeposit — изменяемая рабочая копия.
	KindDeposit Kind = "deposit"
	// KindRecord — опубликованный неизменяемый снимок.
	KindRecord Kind = "record"
)

// Body — общая часть обоих вариантов: метаданные, системные
// и административные поля.
type Body struct {
	ID            uuid.UUID
	Revision      int
	Metadata      Metadata
	System        SystemFields
	Path          []string
	PublishStatus PublishStatus
	ItemTypeID    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Entry — сумма-тип «Record Lifecycle»: *Deposit или *Record.
type Entry interface {
	Kind() Kind
	Common() *Body
}

// Deposit — рабочая копия. Тот же ID, что у будущей Record.
type Deposit struct {
	Body

	// PendingIndex — update подготовил проекцию, commit должен её записать.
	PendingIndex bool
}

// Kind реализует Entry.
func (d *Deposit) Kind() Kind { return KindDeposit }

// Common реализует Entry.
func (d *Deposit) Common() *Body { return &d.Body }

// Status возвращает статус рабочей копии.
func (d *Deposit) Status() DepositStatus { return d.System.Deposit.Status }

// SetStatus меняет статус рабочей копии.
func (d *Deposit) SetStatus(s DepositStatus) { d.System.Deposit.Status = s }

// IsPublished сообщает, публиковалась ли рабочая копия хотя бы раз.
func (d *Deposit) IsPublished() bool { return d.System.Deposit.PID != nil }

// Clone возвращает глубокую копию.
func (d *Deposit) Clone() *Deposit {
	out := *d
	out.Body = d.Body.clone()
	return &out
}

// Record — опубликованный снимок.
type Record struct {
	Body
}

// Kind реализует Entry.
func (r *Record) Kind() Kind { return KindRecord }

// Common реализует Entry.
func (r *Record) Common() *Body { return &r.Body }

// Clone возвращает глубокую копию.
func (r *Record) Clone() *Record {
	return &Record{Body: r.Body.clone()}
}

func (b Body) clone() Body {
	out := b
	out.Metadata = b.Metadata.Clone()
	out.System = b.System.Clone()
	out.Path = slices.Clone(b.Path)
	return out
}

// Document собирает JSON-тело для хранения:
// метаданные ∪ административные поля ∪ системные поля.
// При совпадении ключей побеждают системные поля.
func (b *Body) Document() (map[string]any, error) {
	doc := make(map[string]any, len(b.Metadata)+len(PreserveKeys)+len(adminKeys))
	for k, v := range b.Metadata {
		doc[k] = CloneValue(v)
	}
	path := b.Path
	if path == nil {
		path = []string{}
	}
	doc[keyPath] = stringsToAny(path)
	doc[keyPublishStatus] = string(b.PublishStatus)
	if b.ItemTypeID != "" {
		doc[keyItemTypeID] = b.ItemTypeID
	}

	sys, err := b.System.toMap()
	if err != nil {
		return nil, err
	}
	for k, v := range sys {
		doc[k] = v
	}
	return doc, nil
}

// MarshalDocument сериализует Document в JSON.
func (b *Body) MarshalDocument() ([]byte, error) {
	doc, err := b.Document()
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// ParseDocument разбирает JSON-тело обратно на части Body.
// ID, Revision и временные метки заполняет вызывающий код.
func ParseDocument(raw []byte) (Body, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Body{}, fmt.Errorf("разбор JSON-тела: %w", err)
	}
	return SplitDocument(doc)
}

// SplitDocument разделяет карту тела на метаданные, административные
// и системные поля.
func SplitDocument(doc map[string]any) (Body, error) {
	var b Body
	sysPart := make(map[string]any)
	b.Metadata = make(Metadata, len(doc))

	for k, v := range doc {
		switch {
		case slices.Contains(PreserveKeys, k):
			sysPart[k] = v
		case k == keyPath:
			b.Path = anyToStrings(v)
		case k == keyPublishStatus:
			b.PublishStatus = PublishStatus(asString(v))
		case k == keyItemTypeID:
			b.ItemTypeID = asString(v)
		default:
			b.Metadata[k] = CloneValue(v)
		}
	}
	if b.Path == nil {
		b.Path = []string{}
	}

	sys, err := systemFromMap(sysPart)
	if err != nil {
		return Body{}, err
	}
	b.System = sys
	return b, nil
}
