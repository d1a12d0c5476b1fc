package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PIDType — тип персистентного идентификатора.
type PIDType string

const (
	PIDRecID  PIDType = "recid"
	PIDDepID  PIDType = "depid"
	PIDParent PIDType = "parent"
	PIDDOI    PIDType = "doi"
	PIDHandle PIDType = "hdl"
)

// PIDStatus — статус идентификатора.
type PIDStatus string

const (
	PIDRegistered PIDStatus = "registered"
	PIDReserved   PIDStatus = "reserved"
	PIDDeleted    PIDStatus = "deleted"
)

// PID — персистентный идентификатор.
type PID struct {
	ID       int64
	Type     PIDType
	Value    string
	Status   PIDStatus
	ObjectID uuid.UUID
	// StatusBeforeDelete — статус до мягкого удаления; при restore
	// возвращается только внешним идентификаторам (doi, hdl).
	StatusBeforeDelete PIDStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsDeleted сообщает, что идентификатор помечен удалённым.
func (p *PID) IsDeleted() bool { return p.Status == PIDDeleted }

// RestoredStatus возвращает статус идентификатора после restore.
// Идентификаторы линии версий (recid, depid, parent) регистрируются,
// черновик линии отмечается признаком draft, а не статусом.
func (p *PID) RestoredStatus() PIDStatus {
	switch p.Type {
	case PIDRecID, PIDDepID, PIDParent:
		return PIDRegistered
	}
	if p.StatusBeforeDelete == "" {
		return PIDRegistered
	}
	return p.StatusBeforeDelete
}

// ParentValue возвращает значение parent-идентификатора для базового recid.
func ParentValue(recid string) string {
	return "parent:" + BaseRecID(recid)
}

// BaseRecID возвращает базовую часть recid без номера версии ("12.3" → "12").
func BaseRecID(recid string) string {
	base, _, _ := strings.Cut(recid, ".")
	return base
}

// VersionedRecID строит recid версии: "12" и 3 → "12.3".
func VersionedRecID(recid string, index int) string {
	return fmt.Sprintf("%s.%d", BaseRecID(recid), index)
}

// LineageMember — член линии версий.
type LineageMember struct {
	RecID *PID
	Index int
	Draft bool
}

// Lineage — линия версий: parent → упорядоченные дети.
type Lineage struct {
	Parent  *PID
	Members []LineageMember
}

// DraftChild возвращает черновой хвост линии или nil.
func (l *Lineage) DraftChild() *LineageMember {
	for i := range l.Members {
		if l.Members[i].Draft {
			return &l.Members[i]
		}
	}
	return nil
}

// LastChild возвращает последнего опубликованного (REGISTERED) члена или nil.
func (l *Lineage) LastChild() *LineageMember {
	for i := len(l.Members) - 1; i >= 0; i-- {
		m := &l.Members[i]
		if !m.Draft && m.RecID.Status == PIDRegistered {
			return m
		}
	}
	return nil
}

// LatestVersionIndex возвращает количество детей минус один.
func (l *Lineage) LatestVersionIndex() int {
	return len(l.Members) - 1
}

// Member возвращает члена линии по идентификатору объекта.
func (l *Lineage) Member(objectID uuid.UUID) *LineageMember {
	for i := range l.Members {
		if l.Members[i].RecID.ObjectID == objectID {
			return &l.Members[i]
		}
	}
	return nil
}

// IsLast сообщает, является ли объект последней опубликованной версией.
func (l *Lineage) IsLast(objectID uuid.UUID) bool {
	last := l.LastChild()
	return last != nil && last.RecID.ObjectID == objectID
}
