// Пакет analysis — подсказки по содержимому документа: краткое описание,
// найденные разделы, предлагаемые поля подписи. Результат носит
// рекомендательный характер и не влияет на состояние запросов.
package analysis

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/bigkaa/gosign/signing-module/internal/domain/model"
)

// Input — данные для анализа.
type Input struct {
	DocumentID   string `json:"document_id"`
	Title        string `json:"title"`
	DocumentType string `json:"document_type"`
	ContentType  string `json:"content_type"`
	Content      []byte `json:"content"`
}

// Analyzer — сервис анализа содержимого.
type Analyzer interface {
	Analyze(ctx context.Context, in Input) (*model.Analysis, error)
}

// clauseKeywords — ключевые слова разделов договора.
var clauseKeywords = map[string][]string{
	"termination":     {"termination", "terminate", "расторжение"},
	"confidentiality": {"confidential", "non-disclosure", "конфиденциальн"},
	"payment":         {"payment", "invoice", "оплат"},
	"liability":       {"liability", "indemnif", "ответственност"},
	"governing-law":   {"governing law", "jurisdiction", "применимое право"},
	"signature":       {"signature", "signed by", "подпись"},
}

var summaries = map[string]string{
	model.DocumentTypeEmploymentContract: "Трудовой договор: требуются подписи работника и работодателя.",
	model.DocumentTypeGovernmentForm:     "Государственная форма: требуется подпись заявителя и дата.",
}

// StubAnalyzer — локальный анализ по ключевым словам.
// Используется, когда внешний сервис анализа не настроен.
type StubAnalyzer struct{}

// NewStubAnalyzer создаёт анализатор по ключевым словам.
func NewStubAnalyzer() *StubAnalyzer {
	return &StubAnalyzer{}
}

func (a *StubAnalyzer) Analyze(ctx context.Context, in Input) (*model.Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &model.Analysis{
		DetectedClauses: []string{},
		SuggestedFields: []string{"signature", "date"},
	}

	if isText(in) {
		text := string(bytes.ToLower(in.Content))
		for clause, words := range clauseKeywords {
			for _, w := range words {
				if strings.Contains(text, w) {
					result.DetectedClauses = append(result.DetectedClauses, clause)
					break
				}
			}
		}
		sort.Strings(result.DetectedClauses)
	}

	switch in.DocumentType {
	case model.DocumentTypeEmploymentContract:
		result.SuggestedFields = []string{"employee-signature", "employer-signature", "date"}
	case model.DocumentTypeGovernmentForm:
		result.SuggestedFields = append(result.SuggestedFields, "applicant-id")
	}

	if s, ok := summaries[in.DocumentType]; ok {
		result.Summary = s
	} else {
		result.Summary = "Документ «" + in.Title + "» требует подписи сторон."
	}
	return result, nil
}

// isText проверяет, что содержимое можно разбирать как текст.
func isText(in Input) bool {
	if strings.HasPrefix(in.ContentType, "text/") {
		return true
	}
	return in.ContentType == "" && utf8.Valid(in.Content)
}
