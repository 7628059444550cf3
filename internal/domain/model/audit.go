package model

import (
	"fmt"
	"time"
)

// AuditAction — закрытое перечисление действий, фиксируемых в журнале.
type AuditAction string

const (
	ActionCreated           AuditAction = "created"
	ActionContentAttached   AuditAction = "content-attached"
	ActionAnalyzed          AuditAction = "analyzed"
	ActionRequestOpened     AuditAction = "request-opened"
	ActionViewed            AuditAction = "viewed"
	ActionSigned            AuditAction = "signed"
	ActionCompleted         AuditAction = "completed"
	ActionCancelled         AuditAction = "cancelled"
	ActionExpired           AuditAction = "expired"
	ActionReminderSent      AuditAction = "reminder-sent"
	ActionFieldsPlaced      AuditAction = "fields-placed"
	ActionDocumentCancelled AuditAction = "document-cancelled"
)

var validActions = map[AuditAction]bool{
	ActionCreated:           true,
	ActionContentAttached:   true,
	ActionAnalyzed:          true,
	ActionRequestOpened:     true,
	ActionViewed:            true,
	ActionSigned:            true,
	ActionCompleted:         true,
	ActionCancelled:         true,
	ActionExpired:           true,
	ActionReminderSent:      true,
	ActionFieldsPlaced:      true,
	ActionDocumentCancelled: true,
}

// ParseAuditAction преобразует строку в AuditAction.
func ParseAuditAction(s string) (AuditAction, error) {
	a := AuditAction(s)
	if !validActions[a] {
		return "", fmt.Errorf("недопустимое действие журнала: %q", s)
	}
	return a, nil
}

// SystemActor — исполнитель для действий, инициированных самой системой (истечение срока).
const SystemActor = "system"

// AuditEvent — неизменяемая запись журнала аудита документа.
// Порядок внутри документа задаётся парой (Timestamp, Sequence).
type AuditEvent struct {
	ID            string         `json:"id"`
	DocumentID    string         `json:"document_id"`
	Sequence      int64          `json:"sequence"`
	Action        AuditAction    `json:"action"`
	Actor         string         `json:"actor"`
	Timestamp     time.Time      `json:"timestamp"`
	OriginAddress *string        `json:"origin_address,omitempty"`
	UserAgent     *string        `json:"user_agent,omitempty"`
	Details       map[string]any `json:"details"`
	PrevHash      string         `json:"prev_hash"`
	Hash          string         `json:"hash"`
}
