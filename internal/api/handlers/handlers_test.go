package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/gosign/signing-module/internal/api/middleware"
	"github.com/bigkaa/gosign/signing-module/internal/api/router"
	"github.com/bigkaa/gosign/signing-module/internal/compliance"
	"github.com/bigkaa/gosign/signing-module/internal/content"
	"github.com/bigkaa/gosign/signing-module/internal/domain/model"
	"github.com/bigkaa/gosign/signing-module/internal/notify"
	"github.com/bigkaa/gosign/signing-module/internal/pubsub"
	"github.com/bigkaa/gosign/signing-module/internal/repository"
	"github.com/bigkaa/gosign/signing-module/internal/service"
)

const testMaxContent = 1024

type caller struct {
	subject string
	email   string
}

var (
	ownerCaller    = caller{"owner-1", "owner@example.com"}
	aliceCaller    = caller{"alice-id", "alice@example.com"}
	strangerCaller = caller{"stranger", "eve@example.com"}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestAPI — APIHandler поверх in-memory хранилищ за роутером chi.
func newTestAPI(t *testing.T, deps ...Dependency) http.Handler {
	t.Helper()
	logger := testLogger()
	store := repository.NewMemoryStore()
	locks := service.NewKeyedMutex()
	ledger := service.NewAuditLedger(store, pubsub.NewLogPublisher(logger), 16, logger)
	notifier := service.NewNotificationDispatcher(notify.NewLogSender(logger), 1, 16, logger)
	signing := service.NewSigningService(store, ledger, notifier, locks, 30, logger)
	complianceSvc := service.NewComplianceService(store, compliance.DefaultRegistry(),
		compliance.FrameworkETA2019, 16, time.Minute, logger)
	coord := service.NewCoordinator(store, ledger, signing, complianceSvc, content.NewMemoryStore(),
		nil, locks, testMaxContent, logger)

	ctx, cancel := context.WithCancel(context.Background())
	ledger.Start(ctx)
	notifier.Start(ctx)
	t.Cleanup(func() {
		notifier.Stop()
		ledger.Stop()
		cancel()
	})

	r := chi.NewRouter()
	r.Use(middleware.DevIdentity("anonymous"))
	return router.HandlerFromMux(NewAPIHandler(NewHealthHandler(deps...), coord, testMaxContent, logger), r)
}

func call(t *testing.T, h http.Handler, who caller, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(middleware.HeaderDevSubject, who.subject)
	req.Header.Set(middleware.HeaderDevEmail, who.email)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("некорректный JSON ответа: %v, тело: %s", err, rec.Body.String())
	}
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return body.Error.Code
}

func createDoc(t *testing.T, h http.Handler, title string) *model.Document {
	t.Helper()
	rec := call(t, h, ownerCaller, http.MethodPost, "/api/v1/documents",
		map[string]any{"title": title, "document_type": "general"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("создание документа: %d %s", rec.Code, rec.Body.String())
	}
	return decode[*model.Document](t, rec)
}

func TestDocuments(t *testing.T) {
	h := newTestAPI(t)
	doc := createDoc(t, h, "NDA")

	if doc.Status != model.DocumentDraft || doc.OwnerID != ownerCaller.subject {
		t.Errorf("неожиданный документ: %+v", doc)
	}

	rec := call(t, h, ownerCaller, http.MethodGet, "/api/v1/documents/"+doc.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("чтение документа: %d", rec.Code)
	}

	rec = call(t, h, strangerCaller, http.MethodGet, "/api/v1/documents/"+doc.ID, nil)
	if rec.Code != http.StatusForbidden || errorCode(t, rec) != "FORBIDDEN" {
		t.Errorf("чужой документ: ожидался 403 FORBIDDEN, получен %d %s", rec.Code, rec.Body.String())
	}

	rec = call(t, h, ownerCaller, http.MethodGet, "/api/v1/documents/6f1d2c3b-4a5e-4f60-8a7b-9c0d1e2f3a4b", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("несуществующий документ: ожидался 404, получен %d", rec.Code)
	}

	rec = call(t, h, ownerCaller, http.MethodGet, "/api/v1/documents/not-a-uuid", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("id не uuid: ожидался 400, получен %d", rec.Code)
	}

	createDoc(t, h, "Second")
	rec = call(t, h, ownerCaller, http.MethodGet, "/api/v1/documents?limit=1", nil)
	page := decode[pageResponse[*model.Document]](t, rec)
	if page.Total != 2 || len(page.Items) != 1 || page.Limit != 1 {
		t.Errorf("неожиданная страница: total=%d items=%d limit=%d", page.Total, len(page.Items), page.Limit)
	}

	rec = call(t, h, ownerCaller, http.MethodPost, "/api/v1/documents", []byte(`{"title":`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("битый JSON: ожидался 400, получен %d", rec.Code)
	}
}

func TestAttachContent(t *testing.T) {
	h := newTestAPI(t)
	doc := createDoc(t, h, "NDA")

	rec := call(t, h, ownerCaller, http.MethodPut, "/api/v1/documents/"+doc.ID+"/content", []byte("hello"))
	if rec.Code != http.StatusOK {
		t.Fatalf("загрузка: %d %s", rec.Code, rec.Body.String())
	}
	got := decode[*model.Document](t, rec)
	// sha256("hello")
	const want = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got.Fingerprint() != want {
		t.Errorf("ожидался отпечаток %s, получен %s", want, got.Fingerprint())
	}

	rec = call(t, h, ownerCaller, http.MethodPut, "/api/v1/documents/"+doc.ID+"/content",
		bytes.Repeat([]byte("x"), testMaxContent+1))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("превышение лимита: ожидался 413, получен %d", rec.Code)
	}
}

func TestSigningFlowErrors(t *testing.T) {
	h := newTestAPI(t)
	doc := createDoc(t, h, "NDA")

	rec := call(t, h, ownerCaller, http.MethodPost, "/api/v1/signature-requests", map[string]any{
		"document_id": doc.ID,
		"recipients":  []map[string]any{},
	})
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "INVALID_RECIPIENT_LIST" {
		t.Errorf("пустой список: ожидался INVALID_RECIPIENT_LIST, получен %d %s", rec.Code, rec.Body.String())
	}

	rec = call(t, h, ownerCaller, http.MethodPost, "/api/v1/signature-requests", map[string]any{
		"document_id": doc.ID,
		"recipients":  []map[string]any{{"email": aliceCaller.email}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("открытие запроса: %d %s", rec.Code, rec.Body.String())
	}
	sr := decode[*model.SignatureRequest](t, rec)
	if loc := rec.Header().Get("Location"); !strings.HasSuffix(loc, sr.ID) {
		t.Errorf("Location %q не указывает на запрос", loc)
	}

	rec = call(t, h, ownerCaller, http.MethodPost, "/api/v1/signature-requests", map[string]any{
		"document_id": doc.ID,
		"recipients":  []map[string]any{{"email": aliceCaller.email}},
	})
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "DOCUMENT_HAS_ACTIVE_REQUEST" {
		t.Errorf("второй запрос: ожидался DOCUMENT_HAS_ACTIVE_REQUEST, получен %d %s", rec.Code, rec.Body.String())
	}

	signURL := "/api/v1/signature-requests/" + sr.ID + "/sign"
	rec = call(t, h, strangerCaller, http.MethodPost, signURL, map[string]any{"method": "typed", "payload": []byte("Eve")})
	if rec.Code != http.StatusForbidden || errorCode(t, rec) != "RECIPIENT_NOT_AUTHORIZED" {
		t.Errorf("чужая подпись: ожидался RECIPIENT_NOT_AUTHORIZED, получен %d %s", rec.Code, rec.Body.String())
	}

	rec = call(t, h, aliceCaller, http.MethodPost, signURL, map[string]any{"method": "typed", "payload": []byte("Alice")})
	if rec.Code != http.StatusOK {
		t.Fatalf("подпись: %d %s", rec.Code, rec.Body.String())
	}
	resp := decode[signResponse](t, rec)
	if resp.Request.Status != model.RequestCompleted || resp.Signature.IntegrityHash == "" {
		t.Errorf("неожиданный ответ подписи: %+v", resp)
	}

	rec = call(t, h, ownerCaller, http.MethodPost, "/api/v1/signature-requests/"+sr.ID+"/cancel", nil)
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "INVALID_STATE_TRANSITION" {
		t.Errorf("отмена завершённого: ожидался INVALID_STATE_TRANSITION, получен %d %s", rec.Code, rec.Body.String())
	}
}

func TestSignatureFields(t *testing.T) {
	h := newTestAPI(t)
	doc := createDoc(t, h, "Акт приёмки")
	rec := call(t, h, ownerCaller, http.MethodPost, "/api/v1/signature-requests", map[string]any{
		"document_id": doc.ID,
		"recipients":  []map[string]any{{"email": aliceCaller.email}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("открытие запроса: %d %s", rec.Code, rec.Body.String())
	}
	sr := decode[*model.SignatureRequest](t, rec)
	fieldsURL := "/api/v1/signature-requests/" + sr.ID + "/fields"

	body := map[string]any{"fields": []map[string]any{
		{"signer_email": aliceCaller.email, "page": 1, "x": 72, "y": 700, "width": 200, "height": 50},
		{"signer_email": aliceCaller.email, "page": 1, "x": 320, "y": 700, "width": 120, "height": 30, "type": "date"},
	}}
	rec = call(t, h, aliceCaller, http.MethodPost, fieldsURL, body)
	if rec.Code != http.StatusForbidden || errorCode(t, rec) != "FORBIDDEN" {
		t.Errorf("получатель размещает поля: ожидался 403 FORBIDDEN, получен %d %s", rec.Code, rec.Body.String())
	}

	rec = call(t, h, ownerCaller, http.MethodPost, fieldsURL, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("размещение полей: %d %s", rec.Code, rec.Body.String())
	}
	placed := decode[fieldsResponse](t, rec)
	if placed.RequestID != sr.ID || len(placed.Fields) != 2 || placed.Fields[1].Type != model.FieldDate {
		t.Errorf("неожиданный ответ: %+v", placed)
	}

	rec = call(t, h, aliceCaller, http.MethodGet, fieldsURL, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("список полей: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[fieldsResponse](t, rec); len(got.Fields) != 2 || got.Fields[0].SignerEmail != aliceCaller.email {
		t.Errorf("список полей: %+v", got)
	}

	rec = call(t, h, strangerCaller, http.MethodGet, fieldsURL, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("посторонний: ожидался 403, получен %d", rec.Code)
	}

	rec = call(t, h, ownerCaller, http.MethodPost, fieldsURL, map[string]any{"fields": []map[string]any{
		{"signer_email": strangerCaller.email, "page": 1, "x": 0, "y": 0, "width": 10, "height": 10},
	}})
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "VALIDATION_ERROR" {
		t.Errorf("поле постороннего: ожидался VALIDATION_ERROR, получен %d %s", rec.Code, rec.Body.String())
	}
}

func TestEvidence(t *testing.T) {
	h := newTestAPI(t)
	doc := createDoc(t, h, `NDA <script>alert(1)</script>`)
	base := "/api/v1/documents/" + doc.ID

	rec := call(t, h, ownerCaller, http.MethodGet, base+"/audit-trail?order=asc", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("журнал: %d %s", rec.Code, rec.Body.String())
	}
	trail := decode[struct {
		Items []*model.AuditEvent `json:"items"`
		Total int                 `json:"total"`
		Order string              `json:"order"`
	}](t, rec)
	if trail.Total != 1 || trail.Items[0].Action != model.ActionCreated || trail.Order != "asc" {
		t.Errorf("неожиданный журнал: %+v", trail)
	}

	rec = call(t, h, ownerCaller, http.MethodGet, base+"/audit-trail/verify", nil)
	verify := decode[service.ChainVerification](t, rec)
	if !verify.Valid || verify.Events != 1 {
		t.Errorf("цепочка должна быть целой: %+v", verify)
	}

	rec = call(t, h, ownerCaller, http.MethodGet, base+"/compliance?framework=cran", nil)
	report := decode[*model.ComplianceReport](t, rec)
	if rec.Code != http.StatusOK || report.Framework != compliance.FrameworkCRAN {
		t.Errorf("отчёт CRAN: %d %+v", rec.Code, report)
	}

	rec = call(t, h, ownerCaller, http.MethodGet, base+"/compliance?framework=unknown", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("неизвестный фреймворк: ожидался 400, получен %d", rec.Code)
	}

	rec = call(t, h, ownerCaller, http.MethodGet, base+"/certificate", nil)
	cert := decode[*model.Certificate](t, rec)
	if !strings.HasPrefix(cert.CertificateID, "SIGN-CERT-") || !cert.ChainValid {
		t.Errorf("неожиданный сертификат: %+v", cert)
	}

	rec = call(t, h, ownerCaller, http.MethodGet, base+"/certificate?format=html", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("HTML-сертификат: %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("ожидался text/html, получен %q", ct)
	}
	html := rec.Body.String()
	if strings.Contains(html, "<script>") {
		t.Error("название документа должно экранироваться")
	}
	if !strings.Contains(html, "&lt;script&gt;") || !strings.Contains(html, cert.CertificateID) {
		t.Error("HTML не содержит название документа или ID сертификата")
	}

	rec = call(t, h, ownerCaller, http.MethodGet, base+"/certificate?format=pdf", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("неизвестный формат: ожидался 400, получен %d", rec.Code)
	}

	rec = call(t, h, strangerCaller, http.MethodGet, base+"/certificate", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("чужой сертификат: ожидался 403, получен %d", rec.Code)
	}
}

func TestMissingIdentity(t *testing.T) {
	h := newTestAPI(t)
	rec := call(t, h, caller{}, http.MethodGet, "/api/v1/documents", nil)
	// DevIdentity подставляет субъект по умолчанию
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался 200, получен %d", rec.Code)
	}

	api := NewAPIHandler(NewHealthHandler(), nil, testMaxContent, testLogger())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil)
	raw := httptest.NewRecorder()
	api.ListDocuments(raw, req, router.ListDocumentsParams{})
	if raw.Code != http.StatusUnauthorized {
		t.Errorf("без claims: ожидался 401, получен %d", raw.Code)
	}
}

type stubChecker struct{ status string }

func (s stubChecker) CheckReady() (string, string) { return s.status, "" }

func TestHealthReady(t *testing.T) {
	tests := []struct {
		name       string
		deps       []Dependency
		wantStatus string
		wantCode   int
	}{
		{"без зависимостей", nil, "ok", http.StatusOK},
		{"некритичная недоступна", []Dependency{
			{Name: "postgresql", Checker: stubChecker{"ok"}, Critical: true},
			{Name: "redis", Checker: stubChecker{"fail"}},
		}, "degraded", http.StatusOK},
		{"критичная недоступна", []Dependency{
			{Name: "postgresql", Checker: stubChecker{"fail"}, Critical: true},
		}, "fail", http.StatusServiceUnavailable},
		{"checker не задан", []Dependency{{Name: "minio", Critical: true}}, "fail", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestAPI(t, tt.deps...)
			rec := call(t, h, caller{}, http.MethodGet, "/health/ready", nil)
			if rec.Code != tt.wantCode {
				t.Errorf("ожидался %d, получен %d", tt.wantCode, rec.Code)
			}
			resp := decode[healthReadyResponse](t, rec)
			if resp.Status != tt.wantStatus || len(resp.Checks) != len(tt.deps) {
				t.Errorf("неожиданный ответ: %+v", resp)
			}
		})
	}
}

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{nil, "ok"},
		{[]string{"ok", "ok"}, "ok"},
		{[]string{"ok", "degraded"}, "degraded"},
		{[]string{"degraded", "fail"}, "fail"},
	}
	for _, tt := range tests {
		if got := overallStatus(tt.in...); got != tt.want {
			t.Errorf("overallStatus(%v) = %s, ожидалось %s", tt.in, got, tt.want)
		}
	}
}

func TestRequestMeta(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.1.1:4000"
	req.Header.Set("User-Agent", "curl/8")
	origin, ua := requestMeta(req)
	if origin == nil || *origin != "10.1.1.1" || ua == nil || *ua != "curl/8" {
		t.Errorf("неожиданные метаданные: %v %v", origin, ua)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	origin, _ = requestMeta(req)
	if *origin != "203.0.113.7" {
		t.Errorf("ожидался адрес из X-Forwarded-For, получен %s", *origin)
	}

	// Значения, которые PostgreSQL не примет, не доходят до журнала
	req.Header.Set("X-Forwarded-For", "203.0.113.\xff\x00")
	req.Header.Set("User-Agent", "agent\x00/\xc3\x28 1.0")
	origin, ua = requestMeta(req)
	if origin == nil || *origin != "10.1.1.1" {
		t.Errorf("при некорректном X-Forwarded-For ожидался RemoteAddr, получен %v", origin)
	}
	if ua == nil || !utf8.ValidString(*ua) || strings.ContainsRune(*ua, 0) {
		t.Fatalf("User-Agent не очищен: %q", deref(ua))
	}
	if *ua != "agent/\uFFFD( 1.0" {
		t.Errorf("User-Agent = %q", *ua)
	}

	req.Header.Set("User-Agent", strings.Repeat("я", maxHeaderText))
	_, ua = requestMeta(req)
	if ua == nil || len(*ua) > maxHeaderText || !utf8.ValidString(*ua) {
		t.Errorf("длинный User-Agent не усечён: %d байт", len(deref(ua)))
	}

	req.Header.Set("User-Agent", "\x00\x01")
	if _, ua = requestMeta(req); ua != nil {
		t.Errorf("пустой после очистки User-Agent должен опускаться, получен %q", *ua)
	}
}
