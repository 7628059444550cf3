// documents.go — обработчики /api/v1/documents endpoints.
package handlers

import (
	"io"
	"net/http"

	openapi_types "github.com/oapi-codegen/runtime/types"

	apierrors "github.com/bigkaa/gosign/signing-module/internal/api/errors"
	"github.com/bigkaa/gosign/signing-module/internal/api/router"
	"github.com/bigkaa/gosign/signing-module/internal/domain/model"
	"github.com/bigkaa/gosign/signing-module/internal/service"
)

// createDocumentRequest — тело POST /api/v1/documents.
type createDocumentRequest struct {
	Title            string `json:"title"`
	DocumentType     string `json:"document_type"`
	InvolvesConsumer bool   `json:"involves_consumer"`
}

// CreateDocument — POST /api/v1/documents.
func (h *APIHandler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	who, ok := identity(w, r)
	if !ok {
		return
	}
	var req createDocumentRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	origin, ua := requestMeta(r)

	doc, err := h.coord.CreateDocument(r.Context(), service.CreateDocumentInput{
		Title:            req.Title,
		DocumentType:     req.DocumentType,
		InvolvesConsumer: req.InvolvesConsumer,
		Owner:            who,
		Origin:           origin,
		UserAgent:        ua,
	})
	if err != nil {
		apierrors.FromService(w, h.logger, err)
		return
	}
	w.Header().Set("Location", "/api/v1/documents/"+doc.ID)
	writeJSON(w, http.StatusCreated, doc)
}

// ListDocuments — GET /api/v1/documents. Только документы вызывающего.
func (h *APIHandler) ListDocuments(w http.ResponseWriter, r *http.Request, params router.ListDocumentsParams) {
	who, ok := identity(w, r)
	if !ok {
		return
	}
	limit, offset := pageParams(params)

	docs, total, err := h.coord.ListDocuments(r.Context(), who, limit, offset)
	if err != nil {
		apierrors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, pageResponse[*model.Document]{
		Items:  docs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// GetDocument — GET /api/v1/documents/{document_id}.
func (h *APIHandler) GetDocument(w http.ResponseWriter, r *http.Request, documentID openapi_types.UUID) {
	who, ok := identity(w, r)
	if !ok {
		return
	}
	doc, err := h.coord.GetDocument(r.Context(), documentID.String(), who)
	if err != nil {
		apierrors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// AttachContent — PUT /api/v1/documents/{document_id}/content.
// Тело — содержимое документа как есть, тип из Content-Type.
func (h *APIHandler) AttachContent(w http.ResponseWriter, r *http.Request, documentID openapi_types.UUID) {
	who, ok := identity(w, r)
	if !ok {
		return
	}
	if r.ContentLength > h.maxContentSize {
		apierrors.WriteError(w, http.StatusRequestEntityTooLarge, apierrors.CodeValidationError,
			"Размер содержимого превышает лимит")
		return
	}
	// Лишний байт отличает превышение лимита от содержимого ровно на лимит
	data, err := io.ReadAll(io.LimitReader(r.Body, h.maxContentSize+1))
	if err != nil {
		apierrors.ValidationError(w, "Ошибка чтения тела запроса: "+err.Error())
		return
	}
	origin, ua := requestMeta(r)

	doc, err := h.coord.AttachContent(r.Context(), service.AttachContentInput{
		DocumentID:  documentID.String(),
		ContentType: r.Header.Get("Content-Type"),
		Data:        data,
		Owner:       who,
		Origin:      origin,
		UserAgent:   ua,
	})
	if err != nil {
		apierrors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// CancelDocument — POST /api/v1/documents/{document_id}/cancel.
func (h *APIHandler) CancelDocument(w http.ResponseWriter, r *http.Request, documentID openapi_types.UUID) {
	who, ok := identity(w, r)
	if !ok {
		return
	}
	origin, ua := requestMeta(r)

	doc, err := h.coord.CancelDocument(r.Context(), documentID.String(), who, origin, ua)
	if err != nil {
		apierrors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
