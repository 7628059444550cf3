// logging.go — журнал доступа к API через slog.
//
// Помимо метода и статуса в запись попадают шаблон маршрута, документ
// и запрос на подпись из пути, субъект вызывающего и Idempotency-Key:
// по ним запись доступа сопоставляется с событиями журнала аудита.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// responseWriter — обёртка для перехвата статус-кода и размера ответа.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	written     int64
	wroteHeader bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// accessEntry заполняется нижележащими middleware по ходу запроса.
type accessEntry struct {
	subject string
}

type accessEntryKey struct{}

// noteSubject сохраняет субъект вызывающего для записи доступа.
func noteSubject(ctx context.Context, subject string) {
	if e, ok := ctx.Value(accessEntryKey{}).(*accessEntry); ok {
		e.subject = subject
	}
}

// RequestLogger возвращает middleware, логирующий каждый HTTP-запрос.
// Уровень зависит от статус-кода: INFO (1xx-3xx), WARN (4xx), ERROR (5xx).
// 503 логируется как WARN: хранилище недоступно, клиент повторит запрос.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "http"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := newResponseWriter(w)
			entry := &accessEntry{}

			next.ServeHTTP(wrapped, r.WithContext(context.WithValue(r.Context(), accessEntryKey{}, entry)))

			level := slog.LevelInfo
			switch {
			case wrapped.statusCode == http.StatusServiceUnavailable:
				level = slog.LevelWarn
			case wrapped.statusCode >= 500:
				level = slog.LevelError
			case wrapped.statusCode >= 400:
				level = slog.LevelWarn
			}

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("route", routePattern(r)),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapped.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", wrapped.written),
				slog.String("remote_addr", r.RemoteAddr),
			}
			if id := chimw.GetReqID(r.Context()); id != "" {
				attrs = append(attrs, slog.String("http_request_id", id))
			}
			if entry.subject != "" {
				attrs = append(attrs, slog.String("subject", entry.subject))
			}
			attrs = append(attrs, pathIDs(r)...)
			if key := r.Header.Get(HeaderIdempotencyKey); key != "" {
				attrs = append(attrs, slog.String("idempotency_key", key))
			}
			logger.LogAttrs(r.Context(), level, "HTTP запрос", attrs...)
		})
	}
}

// pathIDs — идентификаторы документа и запроса на подпись из пути.
// Доступны после маршрутизации: chi заполняет RouteContext по ходу запроса.
func pathIDs(r *http.Request) []slog.Attr {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return nil
	}
	var attrs []slog.Attr
	if id := rctx.URLParam("document_id"); id != "" {
		attrs = append(attrs, slog.String("document_id", id))
	}
	if id := rctx.URLParam("request_id"); id != "" {
		attrs = append(attrs, slog.String("signature_request_id", id))
	}
	return attrs
}
