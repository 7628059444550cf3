// errors.go — ошибки бизнес-логики сервисного слоя и их классификация.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bigkaa/gosign/signing-module/internal/repository"
)

var (
	// ErrDocumentNotFound — документ не найден.
	ErrDocumentNotFound = errors.New("документ не найден")
	// ErrRequestNotFound — запрос на подпись не найден.
	ErrRequestNotFound = errors.New("запрос на подпись не найден")
	// ErrRecipientNotFound — получатель не входит в запрос.
	ErrRecipientNotFound = errors.New("получатель не найден")
	// ErrDocumentHasActiveRequest — у документа уже есть активный запрос.
	ErrDocumentHasActiveRequest = errors.New("у документа уже есть активный запрос на подпись")
	// ErrInvalidRecipientList — пустой список, дубли или некорректные email.
	ErrInvalidRecipientList = errors.New("некорректный список получателей")
	// ErrRequestExpired — срок действия запроса истёк.
	ErrRequestExpired = errors.New("срок действия запроса истёк")
	// ErrRecipientNotAuthorized — подписант не участвует в запросе.
	ErrRecipientNotAuthorized = errors.New("получатель не участвует в запросе")
	// ErrAlreadySigned — получатель уже подписал.
	ErrAlreadySigned = errors.New("получатель уже подписал документ")
	// ErrSigningOrderViolation — нарушен последовательный порядок подписания.
	ErrSigningOrderViolation = errors.New("нарушен порядок подписания")
	// ErrInvalidStateTransition — операция недопустима в текущем состоянии.
	ErrInvalidStateTransition = errors.New("недопустимый переход состояния")
	// ErrStorageUnavailable — хранилище недоступно. Совпадает с ошибкой
	// репозитория, чтобы сбои начала и коммита транзакции классифицировались так же.
	ErrStorageUnavailable = repository.ErrUnavailable
	// ErrAccessDenied — операция доступна только владельцу.
	ErrAccessDenied = errors.New("доступ запрещён")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
)

// Category — категория ошибки для транспортного слоя.
type Category int

const (
	CategoryInternal Category = iota
	CategoryNotFound
	CategoryConflict
	CategoryAuthorization
	CategoryValidation
	CategoryInfrastructure
)

func (c Category) String() string {
	switch c {
	case CategoryNotFound:
		return "not_found"
	case CategoryConflict:
		return "conflict"
	case CategoryAuthorization:
		return "authorization"
	case CategoryValidation:
		return "validation"
	case CategoryInfrastructure:
		return "infrastructure"
	}
	return "internal"
}

var categories = []struct {
	err error
	cat Category
}{
	{ErrDocumentNotFound, CategoryNotFound},
	{ErrRequestNotFound, CategoryNotFound},
	{ErrRecipientNotFound, CategoryNotFound},
	{ErrDocumentHasActiveRequest, CategoryConflict},
	{ErrAlreadySigned, CategoryConflict},
	{ErrInvalidStateTransition, CategoryConflict},
	{ErrRequestExpired, CategoryConflict},
	{ErrSigningOrderViolation, CategoryConflict},
	{ErrRecipientNotAuthorized, CategoryAuthorization},
	{ErrAccessDenied, CategoryAuthorization},
	{ErrInvalidRecipientList, CategoryValidation},
	{ErrValidation, CategoryValidation},
	{ErrStorageUnavailable, CategoryInfrastructure},
	{context.DeadlineExceeded, CategoryInfrastructure},
}

// Classify возвращает категорию ошибки.
func Classify(err error) Category {
	for _, c := range categories {
		if errors.Is(err, c.err) {
			return c.cat
		}
	}
	return CategoryInternal
}

// isDomainError — ошибка уже классифицирована сервисным слоем.
func isDomainError(err error) bool {
	return Classify(err) != CategoryInternal || errors.Is(err, context.Canceled)
}

// storageErr оборачивает ошибку репозитория в ErrStorageUnavailable.
// Ошибки бизнес-логики возвращаются как есть.
func storageErr(op string, err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
