// handler.go — основной обработчик API, реализующий router.ServerInterface.
// Делегирует запросы в координатор жизненного цикла документа.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"unicode"

	apierrors "github.com/bigkaa/gosign/signing-module/internal/api/errors"
	"github.com/bigkaa/gosign/signing-module/internal/api/middleware"
	"github.com/bigkaa/gosign/signing-module/internal/api/router"
	"github.com/bigkaa/gosign/signing-module/internal/service"
)

const (
	// Максимальный размер JSON-тела запроса.
	maxJSONBody = 1 << 20
	// Максимальная длина User-Agent в журнале аудита, байт.
	maxHeaderText = 512
)

var _ router.ServerInterface = (*APIHandler)(nil)

// APIHandler — основной обработчик API Signing Module.
type APIHandler struct {
	health         *HealthHandler
	coord          *service.Coordinator
	maxContentSize int64
	logger         *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(health *HealthHandler, coord *service.Coordinator, maxContentSize int64, logger *slog.Logger) *APIHandler {
	return &APIHandler{
		health:         health,
		coord:          coord,
		maxContentSize: maxContentSize,
		logger:         logger.With(slog.String("component", "api_handler")),
	}
}

// HealthLive — liveness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// identity возвращает вызывающего или пишет 401.
func identity(w http.ResponseWriter, r *http.Request) (service.Identity, bool) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil || claims.Subject == "" {
		apierrors.Unauthorized(w, "Отсутствуют claims")
		return service.Identity{}, false
	}
	return claims.Identity(), true
}

// decodeJSON разбирает тело запроса. Пустое тело допустимо при allowEmpty.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return false
	}
	return true
}

// requestMeta — адрес клиента и User-Agent для журнала.
// Адрес берётся из первого X-Forwarded-For (TLS termination на gateway).
func requestMeta(r *http.Request) (origin, userAgent *string) {
	addr := ""
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		addr = strings.TrimSpace(strings.Split(fwd, ",")[0])
		if _, err := netip.ParseAddr(addr); err != nil {
			addr = ""
		}
	}
	if addr == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		addr = headerText(host)
	}
	if addr != "" {
		origin = &addr
	}
	if ua := headerText(r.UserAgent()); ua != "" {
		userAgent = &ua
	}
	return origin, userAgent
}

// headerText приводит значение заголовка к виду, который примет PostgreSQL:
// некорректный UTF-8 заменяется, управляющие символы (включая NUL) удаляются.
func headerText(v string) string {
	v = strings.ToValidUTF8(v, "\uFFFD")
	v = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, v)
	if len(v) > maxHeaderText {
		v = strings.ToValidUTF8(v[:maxHeaderText], "")
	}
	return strings.TrimSpace(v)
}

// pageResponse — страница списка.
type pageResponse[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// pageParams применяет значения по умолчанию к параметрам пагинации.
func pageParams(p router.PageParams) (int, int) {
	limit := service.DefaultPageLimit
	offset := 0
	if p.Limit != nil {
		limit = min(max(*p.Limit, 1), service.MaxPageLimit)
	}
	if p.Offset != nil {
		offset = max(*p.Offset, 0)
	}
	return limit, offset
}
