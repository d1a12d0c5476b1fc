// errors.go — ошибки движка депозитов.
package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bigkaa/goartstore/deposit-module/internal/bucket"
	"github.com/bigkaa/goartstore/deposit-module/internal/domain/lifecycle"
	"github.com/bigkaa/goartstore/deposit-module/internal/indexer"
	"github.com/bigkaa/goartstore/deposit-module/internal/merge"
	"github.com/bigkaa/goartstore/deposit-module/internal/pidstore"
	"github.com/bigkaa/goartstore/deposit-module/internal/repository"
)

var (
	// ErrValidation — метаданные не прошли проверку схемы или бизнес-правил.
	ErrValidation = errors.New("ошибка валидации")
	// ErrInvalidState — операция недопустима в текущем состоянии записи.
	ErrInvalidState = errors.New("недопустимое состояние записи")
	// ErrConflict — нарушена уникальность (второй черновик, дублирующийся идентификатор).
	ErrConflict = errors.New("конфликт — ресурс уже существует")
	// ErrMergeConflict — трёхстороннее слияние нашло несовместимые правки.
	ErrMergeConflict = errors.New("конфликт слияния")
	// ErrStore — сбой транзакции основного хранилища; операция откатена.
	ErrStore = errors.New("ошибка хранилища")
	// ErrNotFound — идентификатор или запись не найдены.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrDeleted — идентификатор помечен удалённым.
	ErrDeleted = pidstore.ErrDeleted
	// ErrStaleWrite — индекс отклонил запись устаревшей версии.
	ErrStaleWrite = indexer.ErrStaleWrite
)

// ValidationError — список нарушений метаданных.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(e.Problems, "; "))
}

// Unwrap позволяет проверять ошибку через errors.Is(err, ErrValidation).
func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(problems ...string) error {
	return &ValidationError{Problems: problems}
}

// Outcome — результат операции после успешного коммита.
// IndexErr — ошибка проекции в индекс: хранилище уже зафиксировано,
// документ индекса устарел до следующей записи или восстановления.
type Outcome struct {
	IndexErr error
}

// Stale сообщает, что индекс отстаёт от хранилища.
func (o Outcome) Stale() bool { return o.IndexErr != nil }

// classify приводит ошибку нижних слоёв к таксономии движка.
// Ошибки, уже относящиеся к таксономии, возвращаются как есть.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var te *lifecycle.TransitionError
	var ce *merge.ConflictError
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrConflict), errors.Is(err, ErrMergeConflict),
		errors.Is(err, ErrStore), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrDeleted):
		return err
	case errors.As(err, &te):
		return fmt.Errorf("%w: %w", ErrInvalidState, err)
	case errors.As(err, &ce):
		return fmt.Errorf("%w: %w", ErrMergeConflict, err)
	case errors.Is(err, pidstore.ErrDraftExists), errors.Is(err, repository.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case errors.Is(err, pidstore.ErrNotFound), errors.Is(err, pidstore.ErrNoLineage),
		errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, bucket.ErrLocked):
		return fmt.Errorf("%w: %w", ErrInvalidState, err)
	case errors.Is(err, bucket.ErrQuotaExceeded), errors.Is(err, bucket.ErrFileTooLarge):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	default:
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
}
