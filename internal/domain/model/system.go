package model

import (
	"encoding/json"
	"fmt"
	"slices"
)

// PreserveKeys — ключи системных полей, которые update и слияние
// никогда не теряют.
var PreserveKeys = []string{
	"_deposit",
	"_buckets",
	"_files",
	"_internal",
	"_oai",
	"relations",
	"owners",
	"recid",
	"conceptrecid",
	"conceptdoi",
	"$schema",
}

// DepositStatus — статус рабочей копии.
type DepositStatus string

const (
	DepositDraft     DepositStatus = "draft"
	DepositPublished DepositStatus = "published"
	DepositDeleted   DepositStatus = "deleted"
)

// PIDBlock — идентификатор опубликованной записи и ревизия,
// от которой отделён черновик.
type PIDBlock struct {
	Type       string `json:"type"`
	Value      string `json:"value"`
	RevisionID int    `json:"revision_id"`
}

// DepositBlock — блок _deposit.
type DepositBlock struct {
	ID        string        `json:"id"`
	Status    DepositStatus `json:"status"`
	Owners    []string      `json:"owners,omitempty"`
	CreatedBy string        `json:"created_by,omitempty"`
	PID       *PIDBlock     `json:"pid,omitempty"`
}

// BucketsBlock — ссылки на бакеты (_buckets).
type BucketsBlock struct {
	Deposit string `json:"deposit,omitempty"`
}

// FileEntry — элемент списка _files.
type FileEntry struct {
	Key       string `json:"key"`
	VersionID string `json:"version_id"`
	BucketID  string `json:"bucket"`
	Checksum  string `json:"checksum"`
	Size      int64  `json:"size"`
	Mimetype  string `json:"mimetype,omitempty"`
}

// OAIBlock — метаданные OAI-PMH харвестинга.
type OAIBlock struct {
	ID   string   `json:"id,omitempty"`
	Sets []string `json:"sets,omitempty"`
}

// VersionRelation — положение записи в линии версий.
type VersionRelation struct {
	Parent string `json:"parent"`
	Index  int    `json:"index"`
	IsLast bool   `json:"is_last"`
	Count  int    `json:"count"`
}

// Relations — блок relations.
type Relations struct {
	Version []VersionRelation `json:"version,omitempty"`
}

// SystemFields — типизированный preserve-set.
type SystemFields struct {
	Deposit      DepositBlock   `json:"_deposit"`
	Buckets      BucketsBlock   `json:"_buckets"`
	Files        []FileEntry    `json:"_files,omitempty"`
	Internal     map[string]any `json:"_internal,omitempty"`
	OAI          *OAIBlock      `json:"_oai,omitempty"`
	Relations    *Relations     `json:"relations,omitempty"`
	Owners       []string       `json:"owners,omitempty"`
	RecID        string         `json:"recid,omitempty"`
	ConceptRecID string         `json:"conceptrecid,omitempty"`
	ConceptDOI   string         `json:"conceptdoi,omitempty"`
	Schema       string         `json:"$schema,omitempty"`
}

// Clone возвращает глубокую копию системных полей.
func (s SystemFields) Clone() SystemFields {
	out := s
	out.Deposit.Owners = slices.Clone(s.Deposit.Owners)
	if s.Deposit.PID != nil {
		pid := *s.Deposit.PID
		out.Deposit.PID = &pid
	}
	out.Files = slices.Clone(s.Files)
	if s.Internal != nil {
		out.Internal = Metadata(s.Internal).Clone()
	}
	if s.OAI != nil {
		oai := *s.OAI
		oai.Sets = slices.Clone(s.OAI.Sets)
		out.OAI = &oai
	}
	if s.Relations != nil {
		rel := Relations{Version: slices.Clone(s.Relations.Version)}
		out.Relations = &rel
	}
	out.Owners = slices.Clone(s.Owners)
	return out
}

// toMap сериализует системные поля в карту для JSON-тела.
func (s SystemFields) toMap() (map[string]any, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("сериализация системных полей: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("сериализация системных полей: %w", err)
	}
	return m, nil
}

// systemFromMap восстанавливает системные поля из подмножества JSON-тела.
func systemFromMap(m map[string]any) (SystemFields, error) {
	var s SystemFields
	raw, err := json.Marshal(m)
	if err != nil {
		return s, fmt.Errorf("разбор системных полей: %w", err)
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("разбор системных полей: %w", err)
	}
	return s, nil
}
