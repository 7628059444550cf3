// Пакет compliance — оценка соответствия документа правовым требованиям
// к электронной подписи. Оценка — чистая функция снимка документа
// и его журнала аудита: правила ничего не изменяют и безопасны
// для параллельного вызова.
package compliance

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/bigkaa/gosign/signing-module/internal/domain/model"
)

// ErrUnknownFramework — запрошен неизвестный набор правил.
var ErrUnknownFramework = errors.New("неизвестный фреймворк compliance")

// Snapshot — согласованный снимок данных документа для оценки.
type Snapshot struct {
	Document *model.Document
	// Последний запрос на подпись; nil, если документ не отправлялся
	Request *model.SignatureRequest
	// Подписи запроса Request, см. SigningEvidence
	Signatures []*model.SignatureRecord
	// Полная история, старые события первыми
	Events []*model.AuditEvent
	// Цепочка хешей журнала проверена и не нарушена
	ChainValid  bool
	EvaluatedAt time.Time
}

// SigningEvidence отбирает подписи, которые доказывают подписание:
// только подписи запроса req, и только если он завершён или ещё
// ожидает подписей. Подписи отменённых и истёкших запросов не учитываются.
func SigningEvidence(req *model.SignatureRequest, sigs []*model.SignatureRecord) []*model.SignatureRecord {
	if req == nil || req.Status == model.RequestCancelled || req.Status == model.RequestExpired {
		return nil
	}
	var out []*model.SignatureRecord
	for _, sig := range sigs {
		if sig.RequestID == req.ID {
			out = append(out, sig)
		}
	}
	return out
}

// Rule — одно правило фреймворка.
type Rule interface {
	ID() string
	Title() string
	Section() string
	Evaluate(s Snapshot) model.RuleResult
}

// Framework — именованный набор правил.
type Framework struct {
	Name  string
	Rules []Rule
}

// Registry — реестр фреймворков.
type Registry struct {
	frameworks map[string]*Framework
}

// NewRegistry создаёт реестр с переданными фреймворками.
func NewRegistry(frameworks ...*Framework) *Registry {
	r := &Registry{frameworks: make(map[string]*Framework, len(frameworks))}
	for _, fw := range frameworks {
		r.frameworks[fw.Name] = fw
	}
	return r
}

// DefaultRegistry возвращает реестр со встроенными фреймворками eta-2019 и cran.
func DefaultRegistry() *Registry {
	return NewRegistry(ETA2019(), CRAN())
}

// Get возвращает фреймворк по имени.
func (r *Registry) Get(name string) (*Framework, error) {
	fw, ok := r.frameworks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFramework, name)
	}
	return fw, nil
}

// Names возвращает отсортированные имена фреймворков.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.frameworks))
	for n := range r.frameworks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Evaluate оценивает снимок по всем правилам фреймворка.
// overallScore = round(100 * соответствующих / всего).
func Evaluate(fw *Framework, s Snapshot) *model.ComplianceReport {
	report := &model.ComplianceReport{
		DocumentID:  s.Document.ID,
		Framework:   fw.Name,
		Rules:       make(map[string]model.RuleResult, len(fw.Rules)),
		GeneratedAt: s.EvaluatedAt,
	}
	if n := len(s.Events); n > 0 {
		id := s.Events[n-1].ID
		report.LatestEventID = &id
	}

	compliant := 0
	for _, r := range fw.Rules {
		res := r.Evaluate(s)
		res.Title = r.Title()
		res.Section = r.Section()
		if res.Issues == nil {
			res.Issues = []string{}
		}
		if res.Recommendations == nil {
			res.Recommendations = []string{}
		}
		if res.Compliant {
			compliant++
		}
		report.Rules[r.ID()] = res
	}
	if len(fw.Rules) > 0 {
		report.OverallScore = int(math.Round(100 * float64(compliant) / float64(len(fw.Rules))))
	}
	return report
}

// rule — правило на основе функции оценки.
// Результат соответствует, если eval не добавил ни одного замечания.
type rule struct {
	id      string
	title   string
	section string
	eval    func(s Snapshot, res *model.RuleResult)
}

func (r rule) ID() string      { return r.id }
func (r rule) Title() string   { return r.title }
func (r rule) Section() string { return r.section }

func (r rule) Evaluate(s Snapshot) model.RuleResult {
	var res model.RuleResult
	r.eval(s, &res)
	res.Compliant = len(res.Issues) == 0
	return res
}

// fail добавляет замечание и, если задана, рекомендацию.
func fail(res *model.RuleResult, issue, recommendation string) {
	res.Issues = append(res.Issues, issue)
	if recommendation != "" {
		res.Recommendations = append(res.Recommendations, recommendation)
	}
}
