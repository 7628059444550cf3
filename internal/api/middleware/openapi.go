// openapi.go — проверка входящих запросов по встроенному OpenAPI-контракту.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"

	apierrors "github.com/bigkaa/gosign/signing-module/internal/api/errors"
)

// Операции с произвольным телом: проверяются только параметры.
var rawBodyOperations = map[string]bool{
	"attachContent": true,
}

// RequestValidator — middleware проверки запросов /api/v1 по контракту.
type RequestValidator struct {
	router routers.Router
}

// NewRequestValidator строит роутер контракта. Серверы из контракта
// не учитываются: сервис работает за gateway под любым host.
func NewRequestValidator(doc *openapi3.T) (*RequestValidator, error) {
	doc.Servers = nil
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, err
	}
	return &RequestValidator{router: router}, nil
}

// Middleware возвращает HTTP middleware. Маршруты вне контракта
// пропускаются без проверки, их обработает роутер chi.
func (v *RequestValidator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/api/") {
				next.ServeHTTP(w, r)
				return
			}
			route, pathParams, err := v.router.FindRoute(r)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			input := &openapi3filter.RequestValidationInput{
				Request:    r,
				PathParams: pathParams,
				Route:      route,
				Options: &openapi3filter.Options{
					AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
					ExcludeRequestBody: rawBodyOperations[route.Operation.OperationID],
				},
			}
			if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
				apierrors.ValidationError(w, validationMessage(err))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// validationMessage — краткое описание ошибки без дампа схемы.
func validationMessage(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		var schemaErr *openapi3.SchemaError
		if errors.As(reqErr.Err, &schemaErr) {
			field := strings.Join(schemaErr.JSONPointer(), ".")
			if reqErr.Parameter != nil {
				field = reqErr.Parameter.Name
			}
			if field != "" {
				return "Некорректное значение " + field + ": " + schemaErr.Reason
			}
			return "Некорректный запрос: " + schemaErr.Reason
		}
		if reqErr.Parameter != nil {
			return "Некорректный параметр " + reqErr.Parameter.Name + ": " + reqErr.Reason
		}
		if reqErr.Reason != "" {
			return "Некорректный запрос: " + reqErr.Reason
		}
	}
	return "Некорректный запрос: " + err.Error()
}
