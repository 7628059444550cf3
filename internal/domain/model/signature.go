package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// RequestStatus — статус запроса на подпись.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestCompleted RequestStatus = "completed"
	RequestCancelled RequestStatus = "cancelled"
	RequestExpired   RequestStatus = "expired"
)

// IsTerminal возвращает true для конечных статусов запроса.
func (s RequestStatus) IsTerminal() bool {
	return s == RequestCompleted || s == RequestCancelled || s == RequestExpired
}

// OrderingMode — порядок подписания.
type OrderingMode string

const (
	OrderingSequential OrderingMode = "sequential"
	OrderingParallel   OrderingMode = "parallel"
)

// RecipientStatus — статус получателя.
type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientViewed  RecipientStatus = "viewed"
	RecipientSigned  RecipientStatus = "signed"
)

// Роли получателей.
const (
	RoleSigner   = "signer"
	RoleApprover = "approver"
	RoleViewer   = "viewer"
)

// SignatureMethod — способ подписи.
type SignatureMethod string

const (
	MethodDrawn     SignatureMethod = "drawn"
	MethodTyped     SignatureMethod = "typed"
	MethodUploaded  SignatureMethod = "uploaded"
	MethodBiometric SignatureMethod = "biometric"
)

// IsValid проверяет, что способ подписи известен.
func (m SignatureMethod) IsValid() bool {
	switch m {
	case MethodDrawn, MethodTyped, MethodUploaded, MethodBiometric:
		return true
	}
	return false
}

// IsAdvanced возвращает true для способов, дающих усиленную
// привязку подписи к личности подписанта.
func (m SignatureMethod) IsAdvanced() bool {
	return m == MethodDrawn || m == MethodBiometric
}

// SignatureRequest — запрос на подпись документа одним или несколькими получателями.
type SignatureRequest struct {
	ID                   string        `json:"id"`
	DocumentID           string        `json:"document_id"`
	OrderingMode         OrderingMode  `json:"ordering_mode"`
	Status               RequestStatus `json:"status"`
	RequireAllSignatures bool          `json:"require_all_signatures"`
	Message              *string       `json:"message,omitempty"`
	CreatedBy            string        `json:"created_by"`
	Recipients           Recipients    `json:"recipients"`

	ExpiresAt   time.Time  `json:"expires_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	ExpiredAt   *time.Time `json:"expired_at,omitempty"`
}

// IsExpiredAt возвращает true, если срок действия запроса истёк к моменту now.
func (r *SignatureRequest) IsExpiredAt(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// IsComplete проверяет правило завершения: при RequireAllSignatures
// подписать должны все получатели, иначе — все обязательные
// (или хотя бы один, если обязательные не отмечены).
func (r *SignatureRequest) IsComplete() bool {
	if len(r.Recipients) == 0 {
		return false
	}
	if r.RequireAllSignatures {
		return r.Recipients.AllSigned()
	}
	required := 0
	signed := 0
	for _, rc := range r.Recipients {
		if rc.Status == RecipientSigned {
			signed++
		}
		if !rc.Required {
			continue
		}
		required++
		if rc.Status != RecipientSigned {
			return false
		}
	}
	if required == 0 {
		return signed > 0
	}
	return true
}

// Clone возвращает глубокую копию запроса вместе с получателями.
func (r *SignatureRequest) Clone() *SignatureRequest {
	c := *r
	c.Message = cloneString(r.Message)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	c.ExpiredAt = cloneTime(r.ExpiredAt)
	c.Recipients = r.Recipients.Clone()
	return &c
}

// Recipient — получатель запроса на подпись. Принадлежит ровно одному запросу.
type Recipient struct {
	ID          string          `json:"id"`
	RequestID   string          `json:"request_id"`
	Email       string          `json:"email"`
	DisplayName string          `json:"display_name"`
	Role        string          `json:"role"`
	OrderIndex  int             `json:"order_index"`
	Required    bool            `json:"required"`
	Status      RecipientStatus `json:"status"`

	ViewedAt       *time.Time `json:"viewed_at,omitempty"`
	SignedAt       *time.Time `json:"signed_at,omitempty"`
	SignatureRef   *string    `json:"signature_ref,omitempty"`
	LastReminderAt *time.Time `json:"last_reminder_at,omitempty"`
}

// Recipients — упорядоченный реестр получателей одного запроса.
type Recipients []*Recipient

// NormalizeEmail приводит email к каноническому виду для сравнения:
// Unicode case folding, а не только ASCII.
func NormalizeEmail(email string) string {
	// Caser хранит состояние, создаётся на каждый вызов
	return cases.Fold().String(strings.TrimSpace(email))
}

// Find возвращает получателя по email (без учёта регистра) или nil.
func (rs Recipients) Find(email string) *Recipient {
	email = NormalizeEmail(email)
	for _, r := range rs {
		if r.Email == email {
			return r
		}
	}
	return nil
}

// AllSigned возвращает true, если подписали все получатели.
func (rs Recipients) AllSigned() bool {
	for _, r := range rs {
		if r.Status != RecipientSigned {
			return false
		}
	}
	return len(rs) > 0
}

// SignedCount возвращает количество подписавших получателей.
func (rs Recipients) SignedCount() int {
	n := 0
	for _, r := range rs {
		if r.Status == RecipientSigned {
			n++
		}
	}
	return n
}

// FirstUnsignedBefore возвращает первого неподписавшего получателя
// со строго меньшим orderIndex или nil.
func (rs Recipients) FirstUnsignedBefore(orderIndex int) *Recipient {
	for _, r := range rs {
		if r.OrderIndex < orderIndex && r.Status != RecipientSigned {
			return r
		}
	}
	return nil
}

// Clone возвращает глубокую копию реестра.
func (rs Recipients) Clone() Recipients {
	if rs == nil {
		return nil
	}
	out := make(Recipients, len(rs))
	for i, r := range rs {
		c := *r
		c.ViewedAt = cloneTime(r.ViewedAt)
		c.SignedAt = cloneTime(r.SignedAt)
		c.SignatureRef = cloneString(r.SignatureRef)
		c.LastReminderAt = cloneTime(r.LastReminderAt)
		out[i] = &c
	}
	return out
}

// SignatureRecord — неизменяемая запись об успешной подписи.
type SignatureRecord struct {
	ID            string          `json:"id"`
	RequestID     string          `json:"request_id"`
	RecipientID   string          `json:"recipient_id"`
	DocumentID    string          `json:"document_id"`
	Method        SignatureMethod `json:"method"`
	Payload       []byte          `json:"-"`
	Timestamp     time.Time       `json:"timestamp"`
	OriginAddress *string         `json:"origin_address,omitempty"`
	UserAgent     *string         `json:"user_agent,omitempty"`
	IntegrityHash string          `json:"integrity_hash"`
}

// SignatureIntegrityHash связывает подпись с содержимым документа,
// получателем и моментом подписания: SHA-256 (hex) от
// "fingerprint\nrecipientID\ntimestamp\n" + payload.
func SignatureIntegrityHash(fingerprint, recipientID string, ts time.Time, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(fingerprint))
	h.Write([]byte{'\n'})
	h.Write([]byte(recipientID))
	h.Write([]byte{'\n'})
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{'\n'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
