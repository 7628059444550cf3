package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// captureLogger пишет JSON-записи slog в буфер.
func captureLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newLoggedRouter(logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(RequestLogger(logger))
	r.Use(DevIdentity("anonymous"))
	r.Post("/api/v1/documents/{document_id}/signature-requests", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	r.Post("/api/v1/signature-requests/{request_id}/sign", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	return r
}

func TestRequestLogger_DomainAttributes(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		key     string
		want    map[string]any
		absent  []string
		wantLvl string
	}{
		{
			name: "открытие запроса на подпись",
			path: "/api/v1/documents/doc-1/signature-requests",
			key:  "k-42",
			want: map[string]any{
				"route":           "/api/v1/documents/{document_id}/signature-requests",
				"document_id":     "doc-1",
				"subject":         "u-alice",
				"idempotency_key": "k-42",
				"status":          float64(http.StatusCreated),
				"component":       "http",
			},
			absent:  []string{"signature_request_id"},
			wantLvl: "INFO",
		},
		{
			name: "подписание",
			path: "/api/v1/signature-requests/req-7/sign",
			want: map[string]any{
				"route":                "/api/v1/signature-requests/{request_id}/sign",
				"signature_request_id": "req-7",
				"status":               float64(http.StatusConflict),
			},
			absent:  []string{"document_id", "idempotency_key"},
			wantLvl: "WARN",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			r := newLoggedRouter(captureLogger(&buf))

			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			req.Header.Set(HeaderDevSubject, "u-alice")
			if tt.key != "" {
				req.Header.Set(HeaderIdempotencyKey, tt.key)
			}
			r.ServeHTTP(httptest.NewRecorder(), req)

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("запись журнала не JSON: %v (%q)", err, buf.String())
			}
			for k, v := range tt.want {
				if entry[k] != v {
					t.Errorf("%s = %v, ожидали %v", k, entry[k], v)
				}
			}
			for _, k := range tt.absent {
				if _, ok := entry[k]; ok {
					t.Errorf("атрибут %s не ожидался: %v", k, entry[k])
				}
			}
			if entry["level"] != tt.wantLvl {
				t.Errorf("уровень = %v, ожидали %s", entry["level"], tt.wantLvl)
			}
			if id, _ := entry["http_request_id"].(string); id == "" {
				t.Error("нет http_request_id")
			}
		})
	}
}

func TestRequestLogger_StorageUnavailableIsWarn(t *testing.T) {
	var buf bytes.Buffer
	h := RequestLogger(captureLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("запись журнала не JSON: %v", err)
	}
	if entry["level"] != "WARN" {
		t.Errorf("уровень = %v, ожидали WARN", entry["level"])
	}
	if _, ok := entry["subject"]; ok {
		t.Error("subject без аутентификации не ожидался")
	}
}
