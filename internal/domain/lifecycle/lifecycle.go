// Пакет lifecycle — матрицы допустимых переходов для документа,
// запроса на подпись и получателя.
//
// Жизненные циклы:
//   - запрос: pending → {completed, cancelled, expired}, конечные статусы не меняются
//   - получатель: pending → viewed → signed, pending → signed; signed конечный
//   - документ: draft → sent → pending → completed; sent/pending → draft при
//     отмене или истечении запроса; draft/sent/pending → cancelled
//
// Матрицы не хранят состояния и безопасны для конкурентного использования.
package lifecycle

import (
	"fmt"

	"github.com/bigkaa/gosign/signing-module/internal/domain/model"
)

// Коды ошибок переходов.
const (
	CodeInvalidTransition = "INVALID_STATE_TRANSITION"
	CodeUnknownState      = "UNKNOWN_STATE"
)

// requestTransitions — матрица переходов запроса на подпись.
var requestTransitions = map[model.RequestStatus]map[model.RequestStatus]bool{
	model.RequestPending: {
		model.RequestCompleted: true,
		model.RequestCancelled: true,
		model.RequestExpired:   true,
	},
	model.RequestCompleted: {},
	model.RequestCancelled: {},
	model.RequestExpired:   {},
}

// recipientTransitions — матрица переходов получателя.
// viewed → viewed допустим как no-op (повторный просмотр).
var recipientTransitions = map[model.RecipientStatus]map[model.RecipientStatus]bool{
	model.RecipientPending: {model.RecipientViewed: true, model.RecipientSigned: true},
	model.RecipientViewed:  {model.RecipientViewed: true, model.RecipientSigned: true},
	model.RecipientSigned:  {},
}

// documentTransitions — матрица переходов документа.
var documentTransitions = map[model.DocumentStatus]map[model.DocumentStatus]bool{
	model.DocumentDraft: {
		model.DocumentSent:      true,
		model.DocumentCancelled: true,
	},
	model.DocumentSent: {
		model.DocumentPending:   true,
		model.DocumentCompleted: true,
		model.DocumentDraft:     true,
		model.DocumentCancelled: true,
	},
	model.DocumentPending: {
		model.DocumentCompleted: true,
		model.DocumentDraft:     true,
		model.DocumentCancelled: true,
	},
	model.DocumentCompleted: {},
	model.DocumentCancelled: {},
}

// TransitionError — ошибка недопустимого перехода.
type TransitionError struct {
	Code    string // Машиночитаемый код
	Message string // Человекочитаемое описание
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CheckRequest проверяет переход запроса from → to.
func CheckRequest(from, to model.RequestStatus) error {
	return check("запрос", requestTransitions, from, to)
}

// CheckRecipient проверяет переход получателя from → to.
func CheckRecipient(from, to model.RecipientStatus) error {
	return check("получатель", recipientTransitions, from, to)
}

// CheckDocument проверяет переход документа from → to.
func CheckDocument(from, to model.DocumentStatus) error {
	return check("документ", documentTransitions, from, to)
}

func check[S ~string](entity string, matrix map[S]map[S]bool, from, to S) error {
	targets, ok := matrix[from]
	if !ok {
		return &TransitionError{
			Code:    CodeUnknownState,
			Message: fmt.Sprintf("%s: неизвестное состояние %q", entity, from),
		}
	}
	if _, known := matrix[to]; !known {
		return &TransitionError{
			Code:    CodeUnknownState,
			Message: fmt.Sprintf("%s: неизвестное состояние %q", entity, to),
		}
	}
	if !targets[to] {
		return &TransitionError{
			Code:    CodeInvalidTransition,
			Message: fmt.Sprintf("%s: переход %s → %s недопустим", entity, from, to),
		}
	}
	return nil
}

// ParseOrderingMode преобразует строку в OrderingMode.
// Пустая строка означает sequential.
func ParseOrderingMode(s string) (model.OrderingMode, error) {
	switch model.OrderingMode(s) {
	case "":
		return model.OrderingSequential, nil
	case model.OrderingSequential, model.OrderingParallel:
		return model.OrderingMode(s), nil
	default:
		return "", fmt.Errorf("недопустимый порядок подписания: %q, допустимые: sequential, parallel", s)
	}
}

// ParseRequestStatus преобразует строку в RequestStatus.
func ParseRequestStatus(s string) (model.RequestStatus, error) {
	st := model.RequestStatus(s)
	if _, ok := requestTransitions[st]; !ok {
		return "", fmt.Errorf("недопустимый статус запроса: %q", s)
	}
	return st, nil
}
