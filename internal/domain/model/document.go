// Пакет model — доменные модели Signing Module.
package model

import "time"

// DocumentStatus — статус документа.
type DocumentStatus string

const (
	DocumentDraft     DocumentStatus = "draft"
	DocumentSent      DocumentStatus = "sent"
	DocumentPending   DocumentStatus = "pending"
	DocumentCompleted DocumentStatus = "completed"
	DocumentCancelled DocumentStatus = "cancelled"
)

// Типы документов, на которые ссылаются правила compliance.
const (
	DocumentTypeGeneral            = "general"
	DocumentTypeEmploymentContract = "employment_contract"
	DocumentTypeGovernmentForm     = "government_form"
)

// Document — документ, на котором запрашиваются подписи.
type Document struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	OwnerID string `json:"owner_id"`
	// Классификация документа (general, employment_contract, government_form, ...)
	DocumentType string `json:"document_type"`
	// Документ заключается с потребителем (правила защиты потребителей)
	InvolvesConsumer bool `json:"involves_consumer"`
	// SHA-256 содержимого (hex), задаётся при загрузке содержимого
	ContentFingerprint *string `json:"content_fingerprint,omitempty"`
	ContentType        *string `json:"content_type,omitempty"`
	ContentSize        *int64  `json:"content_size,omitempty"`

	Status          DocumentStatus `json:"status"`
	ActiveRequestID *string        `json:"active_request_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Fingerprint возвращает отпечаток содержимого или пустую строку.
func (d *Document) Fingerprint() string {
	if d.ContentFingerprint == nil {
		return ""
	}
	return *d.ContentFingerprint
}

// Clone возвращает глубокую копию документа.
func (d *Document) Clone() *Document {
	c := *d
	c.ContentFingerprint = cloneString(d.ContentFingerprint)
	c.ContentType = cloneString(d.ContentType)
	c.ActiveRequestID = cloneString(d.ActiveRequestID)
	if d.ContentSize != nil {
		v := *d.ContentSize
		c.ContentSize = &v
	}
	c.CompletedAt = cloneTime(d.CompletedAt)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
