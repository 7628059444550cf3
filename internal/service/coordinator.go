// coordinator.go — координатор жизненного цикла документа.
//
// Coordinator объединяет журнал аудита, машину состояний запросов,
// оценку compliance и внешние сервисы (хранилище содержимого, анализ)
// в операции, вызываемые HTTP-обработчиками. Собственного состояния
// не хранит, проверяет права владельца и участника.
package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/bigkaa/gosign/signing-module/internal/content"
	"github.com/bigkaa/gosign/signing-module/internal/domain/lifecycle"
	"github.com/bigkaa/gosign/signing-module/internal/domain/model"
	"github.com/bigkaa/gosign/signing-module/internal/repository"
)

const (
	maxTitleLength = 500
	// Срок действия сертификата
	certificateValidity = 365 * 24 * time.Hour

	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Identity — аутентифицированный вызывающий.
type Identity struct {
	// Субъект (sub) токена, владелец документов
	Subject string
	// Email из токена; пусто, если не передан
	Email string
}

// CreateDocumentInput — параметры создания документа.
type CreateDocumentInput struct {
	Title string
	// Пусто — general
	DocumentType     string
	InvolvesConsumer bool
	Owner            Identity
	Origin           *string
	UserAgent        *string
}

// AttachContentInput — загрузка содержимого документа.
type AttachContentInput struct {
	DocumentID  string
	ContentType string
	Data        []byte
	Owner       Identity
	Origin      *string
	UserAgent   *string
}

// AuditTrailQuery — параметры чтения журнала.
type AuditTrailQuery struct {
	Order  repository.SortOrder
	Limit  int
	Offset int
}

// Coordinator — операции над документами и запросами на подпись.
type Coordinator struct {
	store          repository.Store
	ledger         *AuditLedger
	signing        *SigningService
	compliance     *ComplianceService
	content        content.Store
	analysis       *AnalysisRunner
	locks          *KeyedMutex
	maxContentSize int64
	now            func() time.Time
	logger         *slog.Logger
}

// NewCoordinator создаёт координатор. analysisRunner может быть nil
// (анализ содержимого выключен).
func NewCoordinator(
	store repository.Store,
	ledger *AuditLedger,
	signing *SigningService,
	complianceSvc *ComplianceService,
	contentStore content.Store,
	analysisRunner *AnalysisRunner,
	locks *KeyedMutex,
	maxContentSize int64,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		store:          store,
		ledger:         ledger,
		signing:        signing,
		compliance:     complianceSvc,
		content:        contentStore,
		analysis:       analysisRunner,
		locks:          locks,
		maxContentSize: maxContentSize,
		now:            time.Now,
		logger:         logger.With(slog.String("component", "coordinator")),
	}
}

func (c *Coordinator) clock() time.Time {
	return c.now().UTC().Truncate(time.Microsecond)
}

// CreateDocument создаёт документ в статусе draft и событие created.
func (c *Coordinator) CreateDocument(ctx context.Context, in CreateDocumentInput) (*model.Document, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: название документа не задано", ErrValidation)
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return nil, fmt.Errorf("%w: название длиннее %d символов", ErrValidation, maxTitleLength)
	}
	if !storableText(title) {
		return nil, fmt.Errorf("%w: название содержит недопустимые символы", ErrValidation)
	}
	docType := in.DocumentType
	if docType == "" {
		docType = model.DocumentTypeGeneral
	}
	if !validDocumentType(docType) {
		return nil, fmt.Errorf("%w: недопустимый тип документа %q", ErrValidation, in.DocumentType)
	}
	if in.Owner.Subject == "" {
		return nil, fmt.Errorf("%w: владелец не определён", ErrAccessDenied)
	}

	now := c.clock()
	doc := &model.Document{
		ID:               uuid.NewString(),
		Title:            title,
		OwnerID:          in.Owner.Subject,
		DocumentType:     docType,
		InvolvesConsumer: in.InvolvesConsumer,
		Status:           model.DocumentDraft,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	var event *model.AuditEvent
	err := c.store.RunInTx(ctx, func(repos *repository.Repositories) error {
		if err := repos.Documents.Create(ctx, doc); err != nil {
			return storageErr("создание документа", err)
		}
		var err error
		event, err = c.ledger.Append(ctx, repos, AppendInput{
			DocumentID: doc.ID,
			Action:     model.ActionCreated,
			Actor:      in.Owner.Subject,
			Details: map[string]any{
				"title":         doc.Title,
				"document_type": doc.DocumentType,
			},
			Origin:    in.Origin,
			UserAgent: in.UserAgent,
			At:        now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	c.ledger.Publish(event)

	c.logger.Info("Документ создан",
		slog.String("document_id", doc.ID),
		slog.String("owner_id", doc.OwnerID),
	)
	return doc, nil
}

// GetDocument возвращает документ владельцу.
func (c *Coordinator) GetDocument(ctx context.Context, documentID string, who Identity) (*model.Document, error) {
	return c.ownedDocument(ctx, documentID, who)
}

// ListDocuments возвращает страницу документов владельца и их общее количество.
func (c *Coordinator) ListDocuments(ctx context.Context, who Identity, limit, offset int) ([]*model.Document, int, error) {
	limit, offset = normalizePage(limit, offset)
	var (
		docs  []*model.Document
		total int
	)
	err := defaultReadRetry.do(ctx, func() error {
		repos := c.store.Repos()
		var err error
		if docs, err = repos.Documents.ListByOwner(ctx, who.Subject, limit, offset); err != nil {
			return storageErr("чтение документов", err)
		}
		if total, err = repos.Documents.CountByOwner(ctx, who.Subject); err != nil {
			return storageErr("подсчёт документов", err)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	if docs == nil {
		docs = []*model.Document{}
	}
	return docs, total, nil
}

// AttachContent сохраняет содержимое документа и фиксирует его отпечаток.
// Содержимое адресуется отпечатком и загружается до блокировки документа.
func (c *Coordinator) AttachContent(ctx context.Context, in AttachContentInput) (*model.Document, error) {
	if len(in.Data) == 0 {
		return nil, fmt.Errorf("%w: пустое содержимое", ErrValidation)
	}
	if int64(len(in.Data)) > c.maxContentSize {
		return nil, fmt.Errorf("%w: размер %d превышает лимит %d байт", ErrValidation, len(in.Data), c.maxContentSize)
	}
	contentType := in.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	doc, err := c.ownedDocument(ctx, in.DocumentID, in.Owner)
	if err != nil {
		return nil, err
	}
	if doc.Status != model.DocumentDraft || doc.ActiveRequestID != nil {
		return nil, attachStateErr(doc)
	}

	sum := sha256.Sum256(in.Data)
	fingerprint := hex.EncodeToString(sum[:])
	key := doc.ID + "/" + fingerprint
	if err := c.content.Put(ctx, key, bytes.NewReader(in.Data), int64(len(in.Data)), contentType); err != nil {
		return nil, fmt.Errorf("%w: ошибка сохранения содержимого: %w", ErrStorageUnavailable, err)
	}

	unlock := c.locks.Lock(documentKey(doc.ID))
	var event *model.AuditEvent
	err = c.store.RunInTx(ctx, func(repos *repository.Repositories) error {
		now := c.clock()
		var err error
		doc, err = getDocumentForUpdate(ctx, repos, in.DocumentID)
		if err != nil {
			return err
		}
		if doc.Status != model.DocumentDraft || doc.ActiveRequestID != nil {
			return attachStateErr(doc)
		}
		size := int64(len(in.Data))
		doc.ContentFingerprint = &fingerprint
		doc.ContentType = &contentType
		doc.ContentSize = &size
		doc.UpdatedAt = now
		if err := repos.Documents.UpdateContent(ctx, doc); err != nil {
			return storageErr("обновление документа", err)
		}
		event, err = c.ledger.Append(ctx, repos, AppendInput{
			DocumentID: doc.ID,
			Action:     model.ActionContentAttached,
			Actor:      in.Owner.Subject,
			Details: map[string]any{
				"fingerprint":  fingerprint,
				"content_type": contentType,
				"size":         size,
			},
			Origin:    in.Origin,
			UserAgent: in.UserAgent,
			At:        now,
		})
		return err
	})
	unlock()
	if err != nil {
		return nil, err
	}
	c.ledger.Publish(event)

	if c.analysis != nil {
		c.analysis.enqueue(analysisJob{
			DocumentID:   doc.ID,
			Title:        doc.Title,
			DocumentType: doc.DocumentType,
			ContentType:  contentType,
			ContentKey:   key,
		})
	}

	c.logger.Info("Содержимое документа загружено",
		slog.String("document_id", doc.ID),
		slog.String("fingerprint", fingerprint),
		slog.Int("size", len(in.Data)),
	)
	return doc, nil
}

func attachStateErr(doc *model.Document) error {
	if doc.ActiveRequestID != nil {
		return fmt.Errorf("%w: содержимое нельзя менять во время подписания", ErrDocumentHasActiveRequest)
	}
	return fmt.Errorf("%w: документ в статусе %s", ErrInvalidStateTransition, doc.Status)
}

// CancelDocument отменяет документ вместе с активным запросом.
func (c *Coordinator) CancelDocument(ctx context.Context, documentID string, who Identity, origin, userAgent *string) (*model.Document, error) {
	const attempts = 3
	for range attempts {
		doc, err := c.ownedDocument(ctx, documentID, who)
		if err != nil {
			return nil, err
		}
		result, retry, err := c.cancelDocument(ctx, doc, who, origin, userAgent)
		if !retry {
			return result, err
		}
	}
	return nil, fmt.Errorf("%w: активный запрос документа меняется", ErrDocumentHasActiveRequest)
}

// cancelDocument выполняет отмену под блокировками запроса и документа.
// retry — активный запрос сменился после чтения документа.
func (c *Coordinator) cancelDocument(ctx context.Context, snapshot *model.Document, who Identity, origin, userAgent *string) (*model.Document, bool, error) {
	var activeID string
	unlockReq := func() {}
	if snapshot.ActiveRequestID != nil {
		activeID = *snapshot.ActiveRequestID
		unlockReq = c.locks.Lock(requestKey(activeID))
	}
	unlockDoc := c.locks.Lock(documentKey(snapshot.ID))

	var (
		fx    effects
		doc   *model.Document
		retry bool
	)
	err := c.store.RunInTx(ctx, func(repos *repository.Repositories) error {
		now := c.clock()
		// Строки блокируются в порядке запрос → документ, как при подписании
		var req *model.SignatureRequest
		if activeID != "" {
			var err error
			if req, err = getRequestForUpdate(ctx, repos, activeID); err != nil {
				return err
			}
		}
		var err error
		doc, err = getDocumentForUpdate(ctx, repos, snapshot.ID)
		if err != nil {
			return err
		}
		current := ""
		if doc.ActiveRequestID != nil {
			current = *doc.ActiveRequestID
		}
		if current != activeID {
			retry = true
			return nil
		}
		if doc.Status == model.DocumentCompleted || doc.Status == model.DocumentCancelled {
			return fmt.Errorf("%w: документ в статусе %s", ErrInvalidStateTransition, doc.Status)
		}

		if req != nil {
			expired, err := c.signing.expireIfDue(ctx, repos, req, now, &fx)
			if err != nil {
				return err
			}
			if !expired {
				if err := c.signing.cancelTx(ctx, repos, req, who.Subject, origin, userAgent, now, &fx); err != nil {
					return err
				}
			}
			if doc, err = getDocumentForUpdate(ctx, repos, snapshot.ID); err != nil {
				return err
			}
		}

		if err := lifecycle.CheckDocument(doc.Status, model.DocumentCancelled); err != nil {
			return transitionErr(err)
		}
		doc.Status = model.DocumentCancelled
		doc.ActiveRequestID = nil
		doc.UpdatedAt = now
		if err := repos.Documents.UpdateState(ctx, doc); err != nil {
			return storageErr("обновление документа", err)
		}
		ev, err := c.ledger.Append(ctx, repos, AppendInput{
			DocumentID: doc.ID,
			Action:     model.ActionDocumentCancelled,
			Actor:      who.Subject,
			Details:    map[string]any{},
			Origin:     origin,
			UserAgent:  userAgent,
			At:         now,
		})
		if err != nil {
			return err
		}
		fx.events = append(fx.events, ev)
		return nil
	})
	unlockDoc()
	unlockReq()
	if err != nil || retry {
		return nil, retry, err
	}
	c.signing.dispatch(&fx)

	c.logger.Info("Документ отменён",
		slog.String("document_id", doc.ID),
		slog.String("actor", who.Subject),
	)
	return doc, false, nil
}

// OpenSignatureRequest открывает запрос на подпись от имени владельца.
func (c *Coordinator) OpenSignatureRequest(ctx context.Context, in OpenInput, who Identity) (*model.SignatureRequest, error) {
	in.Actor = who.Subject
	return c.signing.Open(ctx, in)
}

// GetSignatureRequest возвращает запрос владельцу документа или получателю.
func (c *Coordinator) GetSignatureRequest(ctx context.Context, requestID string, who Identity) (*model.SignatureRequest, error) {
	req, err := c.signing.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if who.Email != "" && req.Recipients.Find(who.Email) != nil {
		return req, nil
	}
	doc, err := c.readDocument(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}
	if doc.OwnerID != who.Subject {
		return nil, fmt.Errorf("%w: запрос %s", ErrAccessDenied, requestID)
	}
	return req, nil
}

// PlaceSignatureFields размещает поля подписи. Доступно владельцу документа.
func (c *Coordinator) PlaceSignatureFields(ctx context.Context, requestID string, fields []FieldInput, who Identity, origin, userAgent *string) ([]*model.SignatureField, error) {
	return c.signing.PlaceFields(ctx, requestID, fields, who.Subject, origin, userAgent)
}

// ListSignatureFields возвращает поля подписи владельцу документа или получателю.
func (c *Coordinator) ListSignatureFields(ctx context.Context, requestID string, who Identity) ([]*model.SignatureField, error) {
	if _, err := c.GetSignatureRequest(ctx, requestID, who); err != nil {
		return nil, err
	}
	return c.signing.Fields(ctx, requestID)
}

// RecordView фиксирует просмотр. email пуст — используется email из токена.
func (c *Coordinator) RecordView(ctx context.Context, requestID, email string, who Identity, origin, userAgent *string) (*model.SignatureRequest, error) {
	email, err := signerEmail(email, who)
	if err != nil {
		return nil, err
	}
	return c.signing.View(ctx, requestID, email, origin, userAgent)
}

// SubmitSignature принимает подпись получателя.
func (c *Coordinator) SubmitSignature(ctx context.Context, in SignInput, who Identity) (*model.SignatureRecord, *model.SignatureRequest, error) {
	email, err := signerEmail(in.Email, who)
	if err != nil {
		return nil, nil, err
	}
	in.Email = email
	return c.signing.Sign(ctx, in)
}

// CancelSignatureRequest отменяет запрос от имени владельца.
func (c *Coordinator) CancelSignatureRequest(ctx context.Context, requestID string, who Identity, origin, userAgent *string) (*model.SignatureRequest, error) {
	return c.signing.Cancel(ctx, requestID, who.Subject, origin, userAgent)
}

// SendReminder отправляет напоминание получателю от имени владельца.
func (c *Coordinator) SendReminder(ctx context.Context, requestID, email string, who Identity, origin, userAgent *string) (*model.SignatureRequest, error) {
	return c.signing.Remind(ctx, requestID, email, who.Subject, origin, userAgent)
}

// GetAuditTrail возвращает страницу журнала и общее количество событий.
// По умолчанию новые события первыми.
func (c *Coordinator) GetAuditTrail(ctx context.Context, documentID string, q AuditTrailQuery, who Identity) ([]*model.AuditEvent, int, error) {
	if _, err := c.ownedDocument(ctx, documentID, who); err != nil {
		return nil, 0, err
	}
	order := q.Order
	switch order {
	case "":
		order = repository.NewestFirst
	case repository.NewestFirst, repository.OldestFirst:
	default:
		return nil, 0, fmt.Errorf("%w: недопустимый порядок %q, допустимые: asc, desc", ErrValidation, q.Order)
	}
	limit, offset := normalizePage(q.Limit, q.Offset)

	var (
		events []*model.AuditEvent
		total  int
	)
	err := defaultReadRetry.do(ctx, func() error {
		var err error
		if events, err = c.ledger.List(ctx, documentID, order, limit, offset); err != nil {
			return err
		}
		total, err = c.ledger.Count(ctx, documentID)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	if events == nil {
		events = []*model.AuditEvent{}
	}
	return events, total, nil
}

// VerifyAuditTrail проверяет цепочку хешей журнала документа.
func (c *Coordinator) VerifyAuditTrail(ctx context.Context, documentID string, who Identity) (*ChainVerification, error) {
	if _, err := c.ownedDocument(ctx, documentID, who); err != nil {
		return nil, err
	}
	var res *ChainVerification
	err := defaultReadRetry.do(ctx, func() error {
		var err error
		res, err = c.ledger.VerifyDocument(ctx, documentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		c.logger.Warn("Цепочка журнала нарушена",
			slog.String("document_id", documentID),
			slog.Int64("broken_at", *res.BrokenAt),
			slog.String("reason", res.Reason),
		)
	}
	return res, nil
}

// GetComplianceReport возвращает отчёт compliance владельцу документа.
func (c *Coordinator) GetComplianceReport(ctx context.Context, documentID, framework string, who Identity) (*model.ComplianceReport, error) {
	if _, err := c.ownedDocument(ctx, documentID, who); err != nil {
		return nil, err
	}
	return c.compliance.Score(ctx, documentID, framework)
}

// GetCertificate собирает сертификат: документ, подписи, отчёт
// compliance и полный журнал. Сертификат не хранится.
func (c *Coordinator) GetCertificate(ctx context.Context, documentID, framework string, who Identity) (*model.Certificate, error) {
	if _, err := c.ownedDocument(ctx, documentID, who); err != nil {
		return nil, err
	}
	snap, err := c.compliance.Snapshot(ctx, documentID)
	if err != nil {
		return nil, err
	}
	report, err := c.compliance.Score(ctx, documentID, framework)
	if err != nil {
		return nil, err
	}

	now := c.clock()
	cert := &model.Certificate{
		CertificateID: CertificateID(documentID),
		Document:      snap.Document,
		Request:       snap.Request,
		Signatures:    snap.Signatures,
		Compliance:    report,
		AuditTrail:    snap.Events,
		ChainValid:    snap.ChainValid,
		GeneratedAt:   now,
		ValidUntil:    now.Add(certificateValidity),
	}
	if cert.Signatures == nil {
		cert.Signatures = []*model.SignatureRecord{}
	}
	if cert.AuditTrail == nil {
		cert.AuditTrail = []*model.AuditEvent{}
	}
	if cert.Digest, err = CertificateDigest(cert); err != nil {
		return nil, err
	}
	return cert, nil
}

// CertificateID — идентификатор сертификата документа.
func CertificateID(documentID string) string {
	id := strings.ReplaceAll(documentID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return "SIGN-CERT-" + strings.ToUpper(id)
}

// CertificateDigest — SHA-256 (hex) JSON сертификата с пустым полем digest.
func CertificateDigest(cert *model.Certificate) (string, error) {
	c := *cert
	c.Digest = ""
	data, err := json.Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("ошибка сериализации сертификата: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ownedDocument читает документ и проверяет владельца.
func (c *Coordinator) ownedDocument(ctx context.Context, documentID string, who Identity) (*model.Document, error) {
	doc, err := c.readDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.OwnerID != who.Subject {
		return nil, fmt.Errorf("%w: документ %s", ErrAccessDenied, documentID)
	}
	return doc, nil
}

func (c *Coordinator) readDocument(ctx context.Context, documentID string) (*model.Document, error) {
	var doc *model.Document
	err := defaultReadRetry.do(ctx, func() error {
		var err error
		doc, err = c.store.Repos().Documents.GetByID(ctx, documentID)
		if err != nil {
			return documentErr(documentID, err)
		}
		return nil
	})
	return doc, err
}

// signerEmail определяет email подписанта по токену. Email из запроса
// допускается только как подтверждение и должен совпадать с токеном.
func signerEmail(email string, who Identity) (string, error) {
	email = model.NormalizeEmail(email)
	tokenEmail := model.NormalizeEmail(who.Email)
	switch {
	case tokenEmail == "":
		return "", fmt.Errorf("%w: в токене нет подтверждённого email", ErrRecipientNotAuthorized)
	case email != "" && email != tokenEmail:
		return "", fmt.Errorf("%w: email токена не совпадает с получателем", ErrRecipientNotAuthorized)
	}
	return tokenEmail, nil
}

// validDocumentType — строчные латинские буквы, цифры и подчёркивание, до 64 символов.
func validDocumentType(t string) bool {
	if t == "" || len(t) > 64 {
		return false
	}
	for i, r := range t {
		switch {
		case r >= 'a' && r <= 'z':
		case i > 0 && (r == '_' || (r >= '0' && r <= '9')):
		default:
			return false
		}
	}
	return true
}

// storableText — строка без NUL и с корректным UTF-8.
// PostgreSQL не принимает иное в TEXT и JSONB.
func storableText(s string) bool {
	return utf8.ValidString(s) && !strings.ContainsRune(s, 0)
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
