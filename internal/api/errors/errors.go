// Пакет errors — ответы с ошибками в формате Signing Module.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError или FromService.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"

	"github.com/bigkaa/gosign/signing-module/internal/service"
)

// Коды ошибок, определённые в OpenAPI контракте.
const (
	CodeValidationError          = "VALIDATION_ERROR"
	CodeNotFound                 = "NOT_FOUND"
	CodeUnauthorized             = "UNAUTHORIZED"
	CodeForbidden                = "FORBIDDEN"
	CodeConflict                 = "CONFLICT"
	CodeDocumentHasActiveRequest = "DOCUMENT_HAS_ACTIVE_REQUEST"
	CodeAlreadySigned            = "ALREADY_SIGNED"
	CodeInvalidStateTransition   = "INVALID_STATE_TRANSITION"
	CodeRequestExpired           = "REQUEST_EXPIRED"
	CodeSigningOrderViolation    = "SIGNING_ORDER_VIOLATION"
	CodeInvalidRecipientList     = "INVALID_RECIPIENT_LIST"
	CodeRecipientNotAuthorized   = "RECIPIENT_NOT_AUTHORIZED"
	CodeRateLimited              = "RATE_LIMITED"
	CodeStorageUnavailable       = "STORAGE_UNAVAILABLE"
	CodeInternalError            = "INTERNAL_ERROR"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// mapping — соответствие доменной ошибки HTTP-статусу и коду.
// Порядок важен: первая подходящая запись.
var mapping = []struct {
	err    error
	status int
	code   string
}{
	{service.ErrDocumentNotFound, http.StatusNotFound, CodeNotFound},
	{service.ErrRequestNotFound, http.StatusNotFound, CodeNotFound},
	{service.ErrRecipientNotFound, http.StatusNotFound, CodeNotFound},
	{service.ErrDocumentHasActiveRequest, http.StatusConflict, CodeDocumentHasActiveRequest},
	{service.ErrAlreadySigned, http.StatusConflict, CodeAlreadySigned},
	{service.ErrInvalidStateTransition, http.StatusConflict, CodeInvalidStateTransition},
	{service.ErrRequestExpired, http.StatusBadRequest, CodeRequestExpired},
	{service.ErrSigningOrderViolation, http.StatusBadRequest, CodeSigningOrderViolation},
	{service.ErrInvalidRecipientList, http.StatusBadRequest, CodeInvalidRecipientList},
	{service.ErrValidation, http.StatusBadRequest, CodeValidationError},
	{service.ErrRecipientNotAuthorized, http.StatusForbidden, CodeRecipientNotAuthorized},
	{service.ErrAccessDenied, http.StatusForbidden, CodeForbidden},
	{service.ErrStorageUnavailable, http.StatusServiceUnavailable, CodeStorageUnavailable},
}

// Status возвращает HTTP-статус и код для ошибки сервисного слоя.
func Status(err error) (int, string) {
	for _, m := range mapping {
		if stderrors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, CodeInternalError
}

// FromService записывает ответ для ошибки сервисного слоя.
// Текст внутренних ошибок клиенту не передаётся.
func FromService(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, code := Status(err)
	message := err.Error()
	switch {
	case status == http.StatusInternalServerError:
		logger.Error("Внутренняя ошибка", slog.String("error", err.Error()))
		message = "Внутренняя ошибка сервера"
	case status == http.StatusServiceUnavailable:
		logger.Warn("Хранилище недоступно", slog.String("error", err.Error()))
		message = "Хранилище временно недоступно, повторите запрос"
	}
	WriteError(w, status, code, message)
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden — 403 недостаточно прав.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// Conflict — 409 конфликт.
func Conflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeConflict, message)
}

// TooManyRequests — 429 превышен лимит запросов.
func TooManyRequests(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusTooManyRequests, CodeRateLimited, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
