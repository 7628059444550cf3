// evidence.go — журнал аудита, compliance и сертификат документа.
package handlers

import (
	"net/http"

	"github.com/a-h/templ"
	openapi_types "github.com/oapi-codegen/runtime/types"

	apierrors "github.com/bigkaa/gosign/signing-module/internal/api/errors"
	"github.com/bigkaa/gosign/signing-module/internal/api/router"
	"github.com/bigkaa/gosign/signing-module/internal/domain/model"
	"github.com/bigkaa/gosign/signing-module/internal/repository"
	"github.com/bigkaa/gosign/signing-module/internal/service"
)

// auditTrailResponse — страница журнала.
type auditTrailResponse struct {
	DocumentID string `json:"document_id"`
	pageResponse[*model.AuditEvent]
	Order repository.SortOrder `json:"order"`
}

// GetAuditTrail — GET /api/v1/documents/{document_id}/audit-trail.
// По умолчанию новые события первыми, order=asc — хронологически.
func (h *APIHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request, documentID openapi_types.UUID, params router.GetAuditTrailParams) {
	who, ok := identity(w, r)
	if !ok {
		return
	}
	limit, offset := pageParams(params.PageParams)
	order := repository.NewestFirst
	if params.Order != nil {
		order = repository.SortOrder(*params.Order)
	}

	events, total, err := h.coord.GetAuditTrail(r.Context(), documentID.String(), service.AuditTrailQuery{
		Order:  order,
		Limit:  limit,
		Offset: offset,
	}, who)
	if err != nil {
		apierrors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, auditTrailResponse{
		DocumentID: documentID.String(),
		pageResponse: pageResponse[*model.AuditEvent]{
			Items:  events,
			Total:  total,
			Limit:  limit,
			Offset: offset,
		},
		Order: order,
	})
}

// VerifyAuditTrail — GET /api/v1/documents/{document_id}/audit-trail/verify.
func (h *APIHandler) VerifyAuditTrail(w http.ResponseWriter, r *http.Request, documentID openapi_types.UUID) {
	who, ok := identity(w, r)
	if !ok {
		return
	}
	res, err := h.coord.VerifyAuditTrail(r.Context(), documentID.String(), who)
	if err != nil {
		apierrors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetComplianceReport — GET /api/v1/documents/{document_id}/compliance.
func (h *APIHandler) GetComplianceReport(w http.ResponseWriter, r *http.Request, documentID openapi_types.UUID, params router.GetComplianceReportParams) {
	who, ok := identity(w, r)
	if !ok {
		return
	}
	report, err := h.coord.GetComplianceReport(r.Context(), documentID.String(), deref(params.Framework), who)
	if err != nil {
		apierrors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetCertificate — GET /api/v1/documents/{document_id}/certificate.
// format=html отдаёт печатную форму.
func (h *APIHandler) GetCertificate(w http.ResponseWriter, r *http.Request, documentID openapi_types.UUID, params router.GetCertificateParams) {
	who, ok := identity(w, r)
	if !ok {
		return
	}
	format := deref(params.Format)
	if format != "" && format != "json" && format != "html" {
		apierrors.ValidationError(w, "Недопустимый format, допустимые: json, html")
		return
	}

	cert, err := h.coord.GetCertificate(r.Context(), documentID.String(), deref(params.Framework), who)
	if err != nil {
		apierrors.FromService(w, h.logger, err)
		return
	}
	if format == "html" {
		templ.Handler(certificatePage(cert)).ServeHTTP(w, r)
		return
	}
	writeJSON(w, http.StatusOK, cert)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
