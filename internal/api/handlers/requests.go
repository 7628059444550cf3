// requests.go — обработчики /api/v1/signature-requests endpoints.
package handlers

import (
	"net/http"

	openapi_types "github.com/oapi-codegen/runtime/types"

	apierrors "github.com/bigkaa/gosign/signing-module/internal/api/errors"
	"github.com/bigkaa/gosign/signing-module/internal/domain/model"
	"github.com/bigkaa/gosign/signing-module/internal/service"
)

type recipientRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	Required    *bool  `json:"required"`
}

// openRequest — тело POST /api/v1/signature-requests.
type openRequest struct {
	DocumentID    openapi_types.UUID `json:"document_id"`
	Recipients    []recipientRequest `json:"recipients"`
	OrderingMode  string             `json:"ordering_mode"`
	ExpiresInDays int                `json:"expires_in_days"`
	RequireAll    *bool              `json:"require_all_signatures"`
	Message       *string            `json:"message"`
}

// recipientRef — тело view и remind.
type recipientRef struct {
	Email string `json:"email"`
}

// signRequest — тело POST .../sign. Payload передаётся в base64.
type signRequest struct {
	Email   string `json:"email"`
	Method  string `json:"method"`
	Payload []byte `json:"payload"`
}

// fieldRequest — поле в теле POST .../fields.
type fieldRequest struct {
	SignerEmail string  `json:"signer_email"`
	Page        int     `json:"page"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	Type        string  `json:"type"`
	Required    *bool   `json:"required"`
}

type placeFieldsRequest struct {
	Fields []fieldRequest `json:"fields"`
}

// fieldsResponse — ответ POST и GET .../fields.
type fieldsResponse struct {
	RequestID string                  `json:"request_id"`
	Fields    []*model.SignatureField `json:"fields"`
}

// signResponse — ответ на успешную подпись.
type signResponse struct {
	Signature *model.SignatureRecord  `json:"signature"`
	Request   *model.SignatureRequest `json:"request"`
}

// OpenSignatureRequest — POST /api/v1/signature-requests.
// Доступ: владелец документа.
func (h *APIHandler) OpenSignatureRequest(w http.ResponseWriter, r *http.Request) {
	who, ok := identity(w, r)
	if !ok {
		return
	}
	var req openRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	recipients := make([]service.RecipientInput, len(req.Recipients))
	for i, rc := range req.Recipients {
		recipients[i] = service.RecipientInput{
			Email:       rc.Email,
			DisplayName: rc.DisplayName,
			Role:        rc.Role,
			Required:    rc.Required,
		}
	}
	origin, ua := requestMeta(r)

	sr, err := h.coord.OpenSignatureRequest(r.Context(), service.OpenInput{
		DocumentID:    req.DocumentID.String(),
		Recipients:    recipients,
		OrderingMode:  req.OrderingMode,
		ExpiresInDays: req.ExpiresInDays,
		RequireAll:    req.RequireAll,
		Message:       req.Message,
		Origin:        origin,
		UserAgent:     ua,
	}, who)
	if err != nil {
		apierrors.FromService(w, h.logger, err)
		return
	}
	w.Header().Set("Location", "/api/v1/signature-requests/"+sr.ID)
	writeJSON(w, http.StatusCreated, sr)
}

// GetSignatureRequest — GET /api/v1/signature-requests/{request_id}.
// Доступ: владелец документа или получатель (по email токена).
func (h *APIHandler) GetSignatureRequest(w http.ResponseWriter, r *http.Request, requestID openapi_types.UUID) {
	who, ok := identity(w, r)
	if !ok {
		return
	}
	sr, err := h.coord.GetSignatureRequest(r.Context(), requestID.String(), who)
	if err != nil {
		apierrors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sr)
}

// RecordView — POST /api/v1/signature-requests/{request_id}/view.
// Тело необязательно: без email используется email токена.
func (h *APIHandler) RecordView(w http.ResponseWriter, r *http.Request, requestID openapi_types.UUID) {
	who, ok := identity(w, r)
	if !ok {
		return
	}
	var req recipientRef
	if !decodeJSON(w, r, &req, true) {
		return
	}
	origin, ua := requestMeta(r)

	sr, err := h.coord.RecordView(r.Context(), requestID.String(), req.Email, who, origin, ua)
	if err != nil {
		apierrors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sr)
}

// SubmitSignature — POST /api/v1/signature-requests/{request_id}/sign.
func (h *APIHandler) SubmitSignature(w http.ResponseWriter, r *http.Request, requestID openapi_types.UUID) {
	who, ok := identity(w, r)
	if !ok {
		return
	}
	var req signRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	origin, ua := requestMeta(r)

	rec, sr, err := h.coord.SubmitSignature(r.Context(), service.SignInput{
		RequestID: requestID.String(),
		Email:     req.Email,
		Method:    model.SignatureMethod(req.Method),
		Payload:   req.Payload,
		Origin:    origin,
		UserAgent: ua,
	}, who)
	if err != nil {
		apierrors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, signResponse{Signature: rec, Request: sr})
}

// CancelSignatureRequest — POST /api/v1/signature-requests/{request_id}/cancel.
// Доступ: владелец документа.
func (h *APIHandler) CancelSignatureRequest(w http.ResponseWriter, r *http.Request, requestID openapi_types.UUID) {
	who, ok := identity(w, r)
	if !ok {
		return
	}
	origin, ua := requestMeta(r)

	sr, err := h.coord.CancelSignatureRequest(r.Context(), requestID.String(), who, origin, ua)
	if err != nil {
		apierrors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sr)
}

// SendReminder — POST /api/v1/signature-requests/{request_id}/remind.
// Доступ: владелец документа.
func (h *APIHandler) SendReminder(w http.ResponseWriter, r *http.Request, requestID openapi_types.UUID) {
	who, ok := identity(w, r)
	if !ok {
		return
	}
	var req recipientRef
	if !decodeJSON(w, r, &req, false) {
		return
	}
	origin, ua := requestMeta(r)

	sr, err := h.coord.SendReminder(r.Context(), requestID.String(), req.Email, who, origin, ua)
	if err != nil {
		apierrors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sr)
}

// PlaceSignatureFields — POST /api/v1/signature-requests/{request_id}/fields.
// Доступ: владелец документа.
func (h *APIHandler) PlaceSignatureFields(w http.ResponseWriter, r *http.Request, requestID openapi_types.UUID) {
	who, ok := identity(w, r)
	if !ok {
		return
	}
	var req placeFieldsRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	inputs := make([]service.FieldInput, len(req.Fields))
	for i, f := range req.Fields {
		inputs[i] = service.FieldInput{
			SignerEmail: f.SignerEmail,
			Page:        f.Page,
			X:           f.X,
			Y:           f.Y,
			Width:       f.Width,
			Height:      f.Height,
			Type:        f.Type,
			Required:    f.Required,
		}
	}
	origin, ua := requestMeta(r)

	fields, err := h.coord.PlaceSignatureFields(r.Context(), requestID.String(), inputs, who, origin, ua)
	if err != nil {
		apierrors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, fieldsResponse{RequestID: requestID.String(), Fields: fields})
}

// ListSignatureFields — GET /api/v1/signature-requests/{request_id}/fields.
// Доступ: владелец документа или получатель.
func (h *APIHandler) ListSignatureFields(w http.ResponseWriter, r *http.Request, requestID openapi_types.UUID) {
	who, ok := identity(w, r)
	if !ok {
		return
	}
	fields, err := h.coord.ListSignatureFields(r.Context(), requestID.String(), who)
	if err != nil {
		apierrors.FromService(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, fieldsResponse{RequestID: requestID.String(), Fields: fields})
}
