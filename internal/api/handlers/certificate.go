// certificate.go — HTML-форма сертификата подписания.
package handlers

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/a-h/templ"

	"github.com/bigkaa/gosign/signing-module/internal/domain/model"
)

const certificateStyle = `body{font-family:sans-serif;margin:2em;color:#222}
table{border-collapse:collapse;width:100%;margin-bottom:1.5em}
th,td{border:1px solid #ccc;padding:4px 8px;text-align:left;font-size:13px}
code{font-size:12px;word-break:break-all}
.ok{color:#1a7f37}.fail{color:#cf222e}`

// certificatePage — печатная форма сертификата.
func certificatePage(cert *model.Certificate) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		p := &htmlWriter{w: w}
		p.raw("<!DOCTYPE html><html lang=\"ru\"><head><meta charset=\"utf-8\"><title>")
		p.text(cert.CertificateID)
		p.raw("</title><style>" + certificateStyle + "</style></head><body>")

		p.raw("<h1>Сертификат подписания ")
		p.text(cert.CertificateID)
		p.raw("</h1><table>")
		doc := cert.Document
		p.row("Документ", doc.Title)
		p.row("ID документа", doc.ID)
		p.row("Тип", doc.DocumentType)
		p.row("Статус", string(doc.Status))
		p.row("Отпечаток содержимого", doc.Fingerprint())
		p.row("Сформирован", formatTime(cert.GeneratedAt))
		p.row("Действителен до", formatTime(cert.ValidUntil))
		p.row("Digest", cert.Digest)
		p.raw("<tr><th>Цепочка журнала</th><td>")
		p.status(cert.ChainValid, "не нарушена", "нарушена")
		p.raw("</td></tr></table>")

		if err := ctx.Err(); err != nil {
			return err
		}

		if rep := cert.Compliance; rep != nil {
			p.raw("<h2>Compliance: ")
			p.text(fmt.Sprintf("%s, %d%%", rep.Framework, rep.OverallScore))
			p.raw("</h2><table><tr><th>Правило</th><th>Раздел</th><th>Итог</th><th>Замечания</th></tr>")
			ids := make([]string, 0, len(rep.Rules))
			for id := range rep.Rules {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				rule := rep.Rules[id]
				p.raw("<tr><td>")
				p.text(rule.Title)
				p.raw("</td><td>")
				p.text(rule.Section)
				p.raw("</td><td>")
				p.status(rule.Compliant, "соответствует", "не соответствует")
				p.raw("</td><td>")
				p.text(strings.Join(rule.Issues, "; "))
				p.raw("</td></tr>")
			}
			p.raw("</table>")
		}

		p.raw("<h2>Подписи</h2><table><tr><th>Получатель</th><th>Способ</th><th>Время</th><th>Адрес</th><th>Хеш целостности</th></tr>")
		emails := recipientEmails(cert.Request)
		for _, sig := range cert.Signatures {
			p.raw("<tr><td>")
			p.text(emails[sig.RecipientID])
			p.raw("</td><td>")
			p.text(string(sig.Method))
			p.raw("</td><td>")
			p.text(formatTime(sig.Timestamp))
			p.raw("</td><td>")
			p.text(derefOr(sig.OriginAddress, "-"))
			p.raw("</td><td><code>")
			p.text(sig.IntegrityHash)
			p.raw("</code></td></tr>")
		}
		p.raw("</table>")

		p.raw("<h2>Журнал аудита</h2><table><tr><th>#</th><th>Действие</th><th>Исполнитель</th><th>Время</th><th>Хеш</th></tr>")
		for _, e := range cert.AuditTrail {
			p.raw("<tr><td>")
			p.text(fmt.Sprint(e.Sequence))
			p.raw("</td><td>")
			p.text(string(e.Action))
			p.raw("</td><td>")
			p.text(e.Actor)
			p.raw("</td><td>")
			p.text(formatTime(e.Timestamp))
			p.raw("</td><td><code>")
			p.text(e.Hash)
			p.raw("</code></td></tr>")
		}
		p.raw("</table></body></html>")
		return p.err
	})
}

// htmlWriter запоминает первую ошибку записи.
type htmlWriter struct {
	w   io.Writer
	err error
}

func (p *htmlWriter) raw(s string) {
	if p.err == nil {
		_, p.err = io.WriteString(p.w, s)
	}
}

func (p *htmlWriter) text(s string) {
	p.raw(templ.EscapeString(s))
}

func (p *htmlWriter) row(label, value string) {
	p.raw("<tr><th>")
	p.text(label)
	p.raw("</th><td>")
	p.text(value)
	p.raw("</td></tr>")
}

func (p *htmlWriter) status(ok bool, yes, no string) {
	if ok {
		p.raw(`<span class="ok">`)
		p.text(yes)
	} else {
		p.raw(`<span class="fail">`)
		p.text(no)
	}
	p.raw("</span>")
}

func recipientEmails(req *model.SignatureRequest) map[string]string {
	out := map[string]string{}
	if req == nil {
		return out
	}
	for _, rc := range req.Recipients {
		out[rc.ID] = rc.Email
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func derefOr(s *string, def string) string {
	if s == nil || *s == "" {
		return def
	}
	return *s
}
