// idempotency.go — повтор POST-запросов по заголовку Idempotency-Key.
// Первый запрос выполняется, его ответ сохраняется в KV; повтор с тем же
// ключом и телом получает сохранённый ответ без повторного выполнения.
package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	apierrors "github.com/bigkaa/gosign/signing-module/internal/api/errors"
	"github.com/bigkaa/gosign/signing-module/internal/kv"
)

const (
	// HeaderIdempotencyKey — ключ идемпотентности запроса.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderIdempotencyReplayed — ответ взят из сохранённых.
	HeaderIdempotencyReplayed = "Idempotency-Replayed"

	maxIdempotencyKeyLength = 255
	// Время жизни маркера выполняющегося запроса
	inflightTTL = time.Minute
)

// storedResponse — сохранённый ответ (или маркер выполняющегося запроса).
type storedResponse struct {
	InFlight    bool   `json:"in_flight,omitempty"`
	Fingerprint string `json:"fingerprint"`
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// Idempotency — middleware повторов по Idempotency-Key.
type Idempotency struct {
	store  kv.Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewIdempotency создаёт middleware. ttl — срок хранения ответа.
func NewIdempotency(store kv.Store, ttl time.Duration, logger *slog.Logger) *Idempotency {
	return &Idempotency{
		store:  store,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "idempotency")),
	}
}

// Middleware возвращает HTTP middleware. Должен стоять после аутентификации:
// ключи разных субъектов не пересекаются.
func (m *Idempotency) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderIdempotencyKey)
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLength {
				apierrors.ValidationError(w, "Idempotency-Key длиннее 255 символов")
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				apierrors.ValidationError(w, "Ошибка чтения тела запроса")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			sum := sha256.Sum256(append([]byte(r.Method+" "+r.URL.RequestURI()+"\n"), body...))
			fingerprint := hex.EncodeToString(sum[:])
			storeKey := "idem:" + SubjectFromContext(r.Context()) + ":" + key

			marker, _ := json.Marshal(storedResponse{InFlight: true, Fingerprint: fingerprint})
			acquired, err := m.store.SetNX(r.Context(), storeKey, marker, inflightTTL)
			if err != nil {
				// KV недоступен — выполняем без гарантии идемпотентности
				m.logger.Warn("Хранилище ключей идемпотентности недоступно",
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}
			if !acquired {
				m.replay(w, r, storeKey, fingerprint)
				return
			}

			rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			// Контекст запроса может быть уже отменён
			ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
			defer cancel()
			if rec.status >= http.StatusInternalServerError {
				// Ошибки сервера не фиксируются, повтор выполнит запрос заново
				if err := m.store.Delete(ctx, storeKey); err != nil {
					m.logger.Warn("Ошибка удаления ключа идемпотентности", slog.String("error", err.Error()))
				}
				return
			}
			stored, _ := json.Marshal(storedResponse{
				Fingerprint: fingerprint,
				Status:      rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			})
			if err := m.store.Set(ctx, storeKey, stored, m.ttl); err != nil {
				m.logger.Warn("Ошибка сохранения ответа идемпотентности", slog.String("error", err.Error()))
			}
		})
	}
}

// replay отдаёт сохранённый ответ.
func (m *Idempotency) replay(w http.ResponseWriter, r *http.Request, storeKey, fingerprint string) {
	data, err := m.store.Get(r.Context(), storeKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			apierrors.Conflict(w, "Запрос с этим Idempotency-Key только что завершился, повторите")
			return
		}
		apierrors.WriteError(w, http.StatusServiceUnavailable, apierrors.CodeStorageUnavailable,
			"Хранилище ключей идемпотентности недоступно")
		return
	}
	var stored storedResponse
	if err := json.Unmarshal(data, &stored); err != nil {
		apierrors.InternalError(w, "Повреждённая запись идемпотентности")
		return
	}
	if stored.Fingerprint != fingerprint {
		apierrors.Conflict(w, "Idempotency-Key уже использован с другим запросом")
		return
	}
	if stored.InFlight {
		apierrors.Conflict(w, "Запрос с этим Idempotency-Key ещё выполняется")
		return
	}

	if stored.ContentType != "" {
		w.Header().Set("Content-Type", stored.ContentType)
	}
	w.Header().Set(HeaderIdempotencyReplayed, "true")
	w.WriteHeader(stored.Status)
	_, _ = w.Write(stored.Body)
}

// recordingWriter пишет ответ клиенту и копирует его в буфер.
type recordingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (rw *recordingWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recordingWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *recordingWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
