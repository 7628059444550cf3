// Пакет router — маршруты Signing Module в форме chi-server oapi-codegen:
// ServerInterface с типизированными параметрами и обёртка, которая
// связывает path- и query-параметры через oapi-codegen/runtime.
package router

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
	openapi_types "github.com/oapi-codegen/runtime/types"

	apierrors "github.com/bigkaa/gosign/signing-module/internal/api/errors"
)

// PageParams — параметры пагинации.
type PageParams struct {
	Limit  *int `form:"limit,omitempty" json:"limit,omitempty"`
	Offset *int `form:"offset,omitempty" json:"offset,omitempty"`
}

// ListDocumentsParams — параметры GET /api/v1/documents.
type ListDocumentsParams = PageParams

// GetAuditTrailParams — параметры GET .../audit-trail.
type GetAuditTrailParams struct {
	PageParams
	Order *string `form:"order,omitempty" json:"order,omitempty"`
}

// GetComplianceReportParams — параметры GET .../compliance.
type GetComplianceReportParams struct {
	Framework *string `form:"framework,omitempty" json:"framework,omitempty"`
}

// GetCertificateParams — параметры GET .../certificate.
type GetCertificateParams struct {
	Framework *string `form:"framework,omitempty" json:"framework,omitempty"`
	Format    *string `form:"format,omitempty" json:"format,omitempty"`
}

// ServerInterface — обработчики всех операций контракта.
type ServerInterface interface {
	// (GET /health/live)
	HealthLive(w http.ResponseWriter, r *http.Request)
	// (GET /health/ready)
	HealthReady(w http.ResponseWriter, r *http.Request)
	// (GET /metrics)
	GetMetrics(w http.ResponseWriter, r *http.Request)

	// (GET /api/v1/documents)
	ListDocuments(w http.ResponseWriter, r *http.Request, params ListDocumentsParams)
	// (POST /api/v1/documents)
	CreateDocument(w http.ResponseWriter, r *http.Request)
	// (GET /api/v1/documents/{document_id})
	GetDocument(w http.ResponseWriter, r *http.Request, documentID openapi_types.UUID)
	// (PUT /api/v1/documents/{document_id}/content)
	AttachContent(w http.ResponseWriter, r *http.Request, documentID openapi_types.UUID)
	// (POST /api/v1/documents/{document_id}/cancel)
	CancelDocument(w http.ResponseWriter, r *http.Request, documentID openapi_types.UUID)
	// (GET /api/v1/documents/{document_id}/audit-trail)
	GetAuditTrail(w http.ResponseWriter, r *http.Request, documentID openapi_types.UUID, params GetAuditTrailParams)
	// (GET /api/v1/documents/{document_id}/audit-trail/verify)
	VerifyAuditTrail(w http.ResponseWriter, r *http.Request, documentID openapi_types.UUID)
	// (GET /api/v1/documents/{document_id}/compliance)
	GetComplianceReport(w http.ResponseWriter, r *http.Request, documentID openapi_types.UUID, params GetComplianceReportParams)
	// (GET /api/v1/documents/{document_id}/certificate)
	GetCertificate(w http.ResponseWriter, r *http.Request, documentID openapi_types.UUID, params GetCertificateParams)

	// (POST /api/v1/signature-requests)
	OpenSignatureRequest(w http.ResponseWriter, r *http.Request)
	// (GET /api/v1/signature-requests/{request_id})
	GetSignatureRequest(w http.ResponseWriter, r *http.Request, requestID openapi_types.UUID)
	// (POST /api/v1/signature-requests/{request_id}/view)
	RecordView(w http.ResponseWriter, r *http.Request, requestID openapi_types.UUID)
	// (POST /api/v1/signature-requests/{request_id}/sign)
	SubmitSignature(w http.ResponseWriter, r *http.Request, requestID openapi_types.UUID)
	// (POST /api/v1/signature-requests/{request_id}/cancel)
	CancelSignatureRequest(w http.ResponseWriter, r *http.Request, requestID openapi_types.UUID)
	// (POST /api/v1/signature-requests/{request_id}/remind)
	SendReminder(w http.ResponseWriter, r *http.Request, requestID openapi_types.UUID)
	// (POST /api/v1/signature-requests/{request_id}/fields)
	PlaceSignatureFields(w http.ResponseWriter, r *http.Request, requestID openapi_types.UUID)
	// (GET /api/v1/signature-requests/{request_id}/fields)
	ListSignatureFields(w http.ResponseWriter, r *http.Request, requestID openapi_types.UUID)
}

// wrapper связывает параметры и вызывает обработчик.
type wrapper struct {
	handler ServerInterface
}

// HandlerFromMux регистрирует все маршруты контракта в chi.Router.
func HandlerFromMux(si ServerInterface, r chi.Router) http.Handler {
	w := &wrapper{handler: si}

	r.Get("/health/live", si.HealthLive)
	r.Get("/health/ready", si.HealthReady)
	r.Get("/metrics", si.GetMetrics)

	r.Route("/api/v1/documents", func(r chi.Router) {
		r.Get("/", w.listDocuments)
		r.Post("/", si.CreateDocument)
		r.Route("/{document_id}", func(r chi.Router) {
			r.Get("/", w.documentOp(si.GetDocument))
			r.Put("/content", w.documentOp(si.AttachContent))
			r.Post("/cancel", w.documentOp(si.CancelDocument))
			r.Get("/audit-trail", w.getAuditTrail)
			r.Get("/audit-trail/verify", w.documentOp(si.VerifyAuditTrail))
			r.Get("/compliance", w.getComplianceReport)
			r.Get("/certificate", w.getCertificate)
		})
	})

	r.Route("/api/v1/signature-requests", func(r chi.Router) {
		r.Post("/", si.OpenSignatureRequest)
		r.Route("/{request_id}", func(r chi.Router) {
			r.Get("/", w.requestOp(si.GetSignatureRequest))
			r.Post("/view", w.requestOp(si.RecordView))
			r.Post("/sign", w.requestOp(si.SubmitSignature))
			r.Post("/cancel", w.requestOp(si.CancelSignatureRequest))
			r.Post("/remind", w.requestOp(si.SendReminder))
			r.Post("/fields", w.requestOp(si.PlaceSignatureFields))
			r.Get("/fields", w.requestOp(si.ListSignatureFields))
		})
	})
	return r
}

type idHandler func(w http.ResponseWriter, r *http.Request, id openapi_types.UUID)

func (w *wrapper) documentOp(h idHandler) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		id, ok := bindPathUUID(rw, r, "document_id")
		if !ok {
			return
		}
		h(rw, r, id)
	}
}

func (w *wrapper) requestOp(h idHandler) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		id, ok := bindPathUUID(rw, r, "request_id")
		if !ok {
			return
		}
		h(rw, r, id)
	}
}

func (w *wrapper) listDocuments(rw http.ResponseWriter, r *http.Request) {
	var params ListDocumentsParams
	if !bindPage(rw, r, &params) {
		return
	}
	w.handler.ListDocuments(rw, r, params)
}

func (w *wrapper) getAuditTrail(rw http.ResponseWriter, r *http.Request) {
	id, ok := bindPathUUID(rw, r, "document_id")
	if !ok {
		return
	}
	var params GetAuditTrailParams
	if !bindPage(rw, r, &params.PageParams) || !bindQuery(rw, r, "order", &params.Order) {
		return
	}
	w.handler.GetAuditTrail(rw, r, id, params)
}

func (w *wrapper) getComplianceReport(rw http.ResponseWriter, r *http.Request) {
	id, ok := bindPathUUID(rw, r, "document_id")
	if !ok {
		return
	}
	var params GetComplianceReportParams
	if !bindQuery(rw, r, "framework", &params.Framework) {
		return
	}
	w.handler.GetComplianceReport(rw, r, id, params)
}

func (w *wrapper) getCertificate(rw http.ResponseWriter, r *http.Request) {
	id, ok := bindPathUUID(rw, r, "document_id")
	if !ok {
		return
	}
	var params GetCertificateParams
	if !bindQuery(rw, r, "framework", &params.Framework) || !bindQuery(rw, r, "format", &params.Format) {
		return
	}
	w.handler.GetCertificate(rw, r, id, params)
}

// bindPathUUID связывает path-параметр формата uuid.
func bindPathUUID(w http.ResponseWriter, r *http.Request, name string) (openapi_types.UUID, bool) {
	var id openapi_types.UUID
	err := runtime.BindStyledParameterWithOptions("simple", name, chi.URLParam(r, name), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("Некорректный параметр %s: ожидается UUID", name))
		return id, false
	}
	return id, true
}

func bindPage(w http.ResponseWriter, r *http.Request, p *PageParams) bool {
	return bindQuery(w, r, "limit", &p.Limit) && bindQuery(w, r, "offset", &p.Offset)
}

// bindQuery связывает необязательный query-параметр (style form, explode).
func bindQuery(w http.ResponseWriter, r *http.Request, name string, dest any) bool {
	if err := runtime.BindQueryParameter("form", true, false, name, r.URL.Query(), dest); err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("Некорректный параметр %s: %v", name, err))
		return false
	}
	return true
}
