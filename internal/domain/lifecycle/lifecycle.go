// Пакет lifecycle — конечный автомат жизненного цикла записи.
//
// Состояния: new → draft → published → superseded / deleted.
// Восстановление (restore) возвращает запись в состояние до удаления.
// Состояние не хранится отдельно: оно выводится из статуса рабочей
// копии, статуса recid и положения записи в линии версий (Derive).
package lifecycle

import (
	"fmt"

	"github.com/bigkaa/goartstore/deposit-module/internal/domain/model"
)

// State — состояние жизненного цикла.
type State string

const (
	// StateNew — запись ещё не создана.
	StateNew State = "new"
	// StateDraft — изменяемый черновик.
	StateDraft State = "draft"
	// StatePublished — опубликованная последняя версия.
	StatePublished State = "published"
	// StateSuperseded — опубликована, но есть более новая версия.
	StateSuperseded State = "superseded"
	// StateDeleted — мягко удалена; выход только через restore.
	StateDeleted State = "deleted"
)

// Operation — операция движка над записью.
type Operation string

const (
	OpCreate     Operation = "create"
	OpUpdate     Operation = "update"
	OpCommit     Operation = "commit"
	OpPublish    Operation = "publish"
	OpDiscard    Operation = "discard"
	OpDelete     Operation = "delete"
	OpNewVersion Operation = "newversion"
	OpSoftDelete Operation = "soft_delete"
	OpRestore    Operation = "restore"
	OpAmend      Operation = "amend"
	OpAssignPID  Operation = "assign_identifier"
)

// validTransitions — матрица допустимых переходов. Черновик правки
// записи, которую уже сменила новая версия, публикуется сразу в superseded.
var validTransitions = map[State]map[State]bool{
	StateNew:        {StateDraft: true},
	StateDraft:      {StateDraft: true, StatePublished: true, StateSuperseded: true, StateDeleted: true},
	StatePublished:  {StateDraft: true, StatePublished: true, StateSuperseded: true, StateDeleted: true},
	StateSuperseded: {StateDeleted: true},
	StateDeleted:    {StateDraft: true, StatePublished: true, StateSuperseded: true},
}

// allowedOperations — матрица допустимых операций для каждого состояния.
var allowedOperations = map[State]map[Operation]bool{
	StateNew: {OpCreate: true},
	StateDraft: {
		OpUpdate: true, OpCommit: true, OpPublish: true, OpDiscard: true,
		OpDelete: true, OpSoftDelete: true,
	},
	StatePublished: {
		OpUpdate: true, OpNewVersion: true, OpSoftDelete: true,
		OpAmend: true, OpAssignPID: true,
	},
	StateSuperseded: {
		OpNewVersion: true, OpSoftDelete: true, OpAmend: true, OpAssignPID: true,
	},
	StateDeleted: {OpRestore: true},
}

// Коды ошибок.
const (
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeOperationNotAllowed = "OPERATION_NOT_ALLOWED"
)

// TransitionError — недопустимый переход или операция.
type TransitionError struct {
	Code    string // Машиночитаемый код (INVALID_TRANSITION, OPERATION_NOT_ALLOWED)
	Message string // Человекочитаемое описание
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Derive выводит состояние из статуса рабочей копии, статуса recid
// и того, является ли запись последней опубликованной версией линии.
func Derive(status model.DepositStatus, recid model.PIDStatus, isLast bool) State {
	switch {
	case recid == model.PIDDeleted || status == model.DepositDeleted:
		return StateDeleted
	case status == model.DepositDraft:
		return StateDraft
	case !isLast:
		return StateSuperseded
	default:
		return StatePublished
	}
}

// CanTransition проверяет, допустим ли переход from → to.
func CanTransition(from, to State) bool {
	transitions, ok := validTransitions[from]
	if !ok {
		return false
	}
	return transitions[to]
}

// Transition возвращает ошибку, если переход from → to недопустим.
func Transition(from, to State) error {
	if !isValidState(to) {
		return &TransitionError{
			Code:    CodeInvalidTransition,
			Message: fmt.Sprintf("недопустимое целевое состояние: %q", to),
		}
	}
	if !CanTransition(from, to) {
		return &TransitionError{
			Code:    CodeInvalidTransition,
			Message: fmt.Sprintf("переход %s → %s недопустим", from, to),
		}
	}
	return nil
}

// CanPerform проверяет, допустима ли операция в состоянии.
func CanPerform(s State, op Operation) bool {
	ops, ok := allowedOperations[s]
	if !ok {
		return false
	}
	return ops[op]
}

// Require возвращает ошибку, если операция в состоянии недопустима.
func Require(s State, op Operation) error {
	if CanPerform(s, op) {
		return nil
	}
	return &TransitionError{
		Code:    CodeOperationNotAllowed,
		Message: fmt.Sprintf("операция %s недопустима в состоянии %s", op, s),
	}
}

// isValidState проверяет, является ли строка допустимым состоянием.
func isValidState(s State) bool {
	switch s {
	case StateNew, StateDraft, StatePublished, StateSuperseded, StateDeleted:
		return true
	default:
		return false
	}
}
