package model

import "time"

// RuleResult — результат оценки одного правила compliance.
type RuleResult struct {
	Title           string   `json:"title"`
	Section         string   `json:"section"`
	Compliant       bool     `json:"compliant"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

// ComplianceReport — производный отчёт о соответствии документа фреймворку.
// Не хранится как источник истины, пересчитывается по запросу.
type ComplianceReport struct {
	DocumentID    string                `json:"document_id"`
	Framework     string                `json:"framework"`
	OverallScore  int                   `json:"overall_score"`
	Rules         map[string]RuleResult `json:"rules"`
	LatestEventID *string               `json:"latest_event_id,omitempty"`
	GeneratedAt   time.Time             `json:"generated_at"`
}

// Analysis — подсказки сервиса анализа содержимого документа.
type Analysis struct {
	Summary         string   `json:"summary"`
	DetectedClauses []string `json:"detected_clauses"`
	SuggestedFields []string `json:"suggested_fields"`
}

// Certificate — экспортная композиция документа, compliance и журнала.
// Формируется по запросу, не хранится.
type Certificate struct {
	CertificateID string             `json:"certificate_id"`
	Document      *Document          `json:"document"`
	Request       *SignatureRequest  `json:"signature_request,omitempty"`
	Signatures    []*SignatureRecord `json:"signatures"`
	Compliance    *ComplianceReport  `json:"compliance"`
	AuditTrail    []*AuditEvent      `json:"audit_trail"`
	ChainValid    bool               `json:"chain_valid"`
	GeneratedAt   time.Time          `json:"generated_at"`
	ValidUntil    time.Time          `json:"valid_until"`
	// SHA-256 канонического JSON сертификата без этого поля
	Digest string `json:"digest"`
}
