package compliance

import (
	"fmt"

	"github.com/bigkaa/gosign/signing-module/internal/domain/model"
)

// Имена встроенных фреймворков.
const (
	FrameworkETA2019 = "eta-2019"
	FrameworkCRAN    = "cran"
)

// advancedRequired — типы документов, для которых допустимы только
// усиленные способы подписи.
var advancedRequired = map[string]bool{
	model.DocumentTypeEmploymentContract: true,
	model.DocumentTypeGovernmentForm:     true,
}

// ETA2019 — правила Electronic Transactions Act 2019.
func ETA2019() *Framework {
	return &Framework{
		Name: FrameworkETA2019,
		Rules: []Rule{
			rule{
				id:      "legal-recognition",
				title:   "Юридическое признание электронной формы",
				section: "ETA 2019 §17",
				eval:    evalLegalRecognition,
			},
			rule{
				id:      "electronic-signature",
				title:   "Требования к электронной подписи",
				section: "ETA 2019 §20",
				eval:    evalElectronicSignature,
			},
			rule{
				id:      "original-integrity",
				title:   "Целостность оригинала",
				section: "ETA 2019 §21",
				eval:    evalOriginalIntegrity,
			},
			rule{
				id:      "audit-trail",
				title:   "Хранение журнала действий",
				section: "ETA 2019 §24",
				eval:    evalAuditTrail,
			},
			rule{
				id:      "consumer-protection",
				title:   "Защита потребителей",
				section: "ETA 2019 Ch.4",
				eval:    evalConsumerProtection,
			},
		},
	}
}

// CRAN — технические требования регулятора к сервисам подписи.
func CRAN() *Framework {
	return &Framework{
		Name: FrameworkCRAN,
		Rules: []Rule{
			rule{
				id:      "signature-integrity",
				title:   "Проверяемость подписей",
				section: "CRAN TS-1",
				eval:    evalSignatureIntegrity,
			},
			rule{
				id:      "audit-chain",
				title:   "Неизменяемость журнала",
				section: "CRAN TS-2",
				eval:    evalAuditChain,
			},
			rule{
				id:      "signer-attribution",
				title:   "Атрибуция подписанта",
				section: "CRAN TS-3",
				eval:    evalSignerAttribution,
			},
		},
	}
}

func evalLegalRecognition(s Snapshot, res *model.RuleResult) {
	if len(s.Signatures) == 0 {
		fail(res, "Документ не содержит ни одной электронной подписи",
			"Отправьте документ на подпись и дождитесь подписи получателей")
	}
	if s.Document.Status != model.DocumentCompleted {
		fail(res, fmt.Sprintf("Подписание не завершено, статус документа %s", s.Document.Status),
			"Дождитесь подписи всех получателей")
	}
	if len(s.Events) == 0 {
		fail(res, "Отсутствует журнал действий с документом", "")
	}
}

func evalElectronicSignature(s Snapshot, res *model.RuleResult) {
	if len(s.Signatures) == 0 {
		fail(res, "Нет подписей для проверки способа подписания", "")
		return
	}
	needAdvanced := advancedRequired[s.Document.DocumentType]
	for _, sig := range s.Signatures {
		if !sig.Method.IsValid() {
			fail(res, fmt.Sprintf("Подпись %s: неизвестный способ %q", sig.ID, sig.Method), "")
		}
		if sig.IntegrityHash == "" {
			fail(res, fmt.Sprintf("Подпись %s не содержит хеша целостности", sig.ID), "")
		}
		if needAdvanced && !sig.Method.IsAdvanced() {
			fail(res,
				fmt.Sprintf("Подпись %s выполнена способом %q, недостаточным для типа %s",
					sig.ID, sig.Method, s.Document.DocumentType),
				"Для трудовых договоров и государственных форм используйте рукописную (drawn) или биометрическую подпись")
		}
	}
}

func evalOriginalIntegrity(s Snapshot, res *model.RuleResult) {
	if s.Document.Fingerprint() == "" {
		fail(res, "Не зафиксирован отпечаток содержимого документа",
			"Загрузите содержимое документа до отправки на подпись")
	}
	if s.Document.CreatedAt.IsZero() {
		fail(res, "Не зафиксировано время создания документа", "")
	}
	if !s.ChainValid {
		fail(res, "Цепочка хешей журнала нарушена", "Проверьте журнал через audit-trail/verify")
	}
}

func evalAuditTrail(s Snapshot, res *model.RuleResult) {
	if len(s.Events) == 0 {
		fail(res, "Журнал действий пуст", "")
		return
	}
	if !s.ChainValid {
		fail(res, "Цепочка хешей журнала нарушена", "")
	}

	signedEvents := make(map[string]bool)
	completed := false
	for _, e := range s.Events {
		switch e.Action {
		case model.ActionSigned:
			if id, ok := e.Details["signature_id"].(string); ok {
				signedEvents[id] = true
			}
		case model.ActionCompleted:
			completed = true
		}
	}
	for _, sig := range s.Signatures {
		if !signedEvents[sig.ID] {
			fail(res, fmt.Sprintf("Подпись %s не отражена в журнале", sig.ID), "")
		}
	}
	if s.Document.Status == model.DocumentCompleted && !completed {
		fail(res, "Завершение документа не отражено в журнале", "")
	}
}

// evalConsumerProtection: для документов с участием потребителя каждый
// подписант должен ознакомиться с документом до подписи, а запрос —
// содержать пояснение о процедуре электронной подписи.
func evalConsumerProtection(s Snapshot, res *model.RuleResult) {
	if !s.Document.InvolvesConsumer {
		return
	}
	if s.Request == nil {
		fail(res, "Документ с участием потребителя не отправлялся на подпись", "")
		return
	}
	if s.Request.Message == nil || *s.Request.Message == "" {
		fail(res, "Запрос не содержит пояснения о процедуре электронной подписи",
			"Добавьте в запрос сообщение с раскрытием процедуры электронной подписи")
	}

	viewed := make(map[string]bool)
	for _, e := range s.Events {
		if e.Action != model.ActionViewed {
			continue
		}
		if id, ok := e.Details["recipient_id"].(string); ok {
			viewed[id] = true
		}
	}
	for _, sig := range s.Signatures {
		if !viewed[sig.RecipientID] {
			fail(res, fmt.Sprintf("Подписант %s не просматривал документ до подписи", sig.RecipientID),
				"Требуйте просмотра документа перед подписью")
		}
	}
}

func evalSignatureIntegrity(s Snapshot, res *model.RuleResult) {
	if len(s.Signatures) == 0 {
		fail(res, "Нет подписей для проверки", "")
		return
	}
	fp := s.Document.Fingerprint()
	if fp == "" {
		fail(res, "Не зафиксирован отпечаток содержимого, подписи нельзя проверить",
			"Загрузите содержимое документа до отправки на подпись")
		return
	}
	for _, sig := range s.Signatures {
		want := model.SignatureIntegrityHash(fp, sig.RecipientID, sig.Timestamp, sig.Payload)
		if sig.IntegrityHash != want {
			fail(res, fmt.Sprintf("Хеш целостности подписи %s не совпадает", sig.ID), "")
		}
	}
}

func evalAuditChain(s Snapshot, res *model.RuleResult) {
	if len(s.Events) == 0 {
		fail(res, "Журнал действий пуст", "")
	}
	if !s.ChainValid {
		fail(res, "Цепочка хешей журнала нарушена", "")
	}
}

func evalSignerAttribution(s Snapshot, res *model.RuleResult) {
	if len(s.Signatures) == 0 {
		fail(res, "Нет подписей для атрибуции", "")
		return
	}
	for _, sig := range s.Signatures {
		if sig.OriginAddress == nil && sig.UserAgent == nil {
			fail(res, fmt.Sprintf("Подпись %s не содержит адреса и user agent подписанта", sig.ID),
				"Передавайте адрес клиента и User-Agent при подписании")
		}
	}
}
