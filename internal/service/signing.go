// signing.go — машина состояний запроса на подпись.
//
// Каждая операция выполняется под блокировкой запроса (KeyedMutex)
// и в одной транзакции хранилища: изменение состояния и событие
// журнала фиксируются вместе. Уведомления и публикация событий
// отправляются после коммита и снятия блокировок.
//
// Истечение срока ленивое: проверяется при каждой операции над
// запросом. Переход в expired выполняется под блокировкой и только
// из pending, поэтому событие expired записывается ровно один раз.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/gosign/signing-module/internal/domain/lifecycle"
	"github.com/bigkaa/gosign/signing-module/internal/domain/model"
	"github.com/bigkaa/gosign/signing-module/internal/notify"
	"github.com/bigkaa/gosign/signing-module/internal/repository"
)

// Ограничения срока действия запроса (дни).
const (
	MinExpiryDays = 1
	MaxExpiryDays = 365
)

var validRoles = map[string]bool{
	model.RoleSigner:   true,
	model.RoleApprover: true,
	model.RoleViewer:   true,
}

// RecipientInput — получатель в запросе на открытие.
type RecipientInput struct {
	Email       string
	DisplayName string
	// Пусто — signer
	Role string
	// nil — обязательный
	Required *bool
}

// OpenInput — параметры открытия запроса на подпись.
type OpenInput struct {
	DocumentID   string
	Recipients   []RecipientInput
	OrderingMode string
	// 0 — срок по умолчанию
	ExpiresInDays int
	// nil — true
	RequireAll *bool
	Message    *string
	// Субъект владельца документа
	Actor     string
	Origin    *string
	UserAgent *string
}

// SignInput — параметры подписи.
type SignInput struct {
	RequestID string
	Email     string
	Method    model.SignatureMethod
	Payload   []byte
	Origin    *string
	UserAgent *string
}

// effects — побочные эффекты операции, выполняемые после коммита.
type effects struct {
	events        []*model.AuditEvent
	notifications []notify.Notification
	transitions   []model.RequestStatus
}

// SigningService — операции над запросами на подпись.
type SigningService struct {
	store             repository.Store
	ledger            *AuditLedger
	notifier          *NotificationDispatcher
	locks             *KeyedMutex
	defaultExpiryDays int
	now               func() time.Time
	logger            *slog.Logger
}

// NewSigningService создаёт сервис запросов на подпись.
func NewSigningService(
	store repository.Store,
	ledger *AuditLedger,
	notifier *NotificationDispatcher,
	locks *KeyedMutex,
	defaultExpiryDays int,
	logger *slog.Logger,
) *SigningService {
	return &SigningService{
		store:             store,
		ledger:            ledger,
		notifier:          notifier,
		locks:             locks,
		defaultExpiryDays: defaultExpiryDays,
		now:               time.Now,
		logger:            logger.With(slog.String("component", "signing")),
	}
}

// clock возвращает текущее время с точностью хранилища (микросекунды).
func (s *SigningService) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// dispatch выполняет эффекты закоммиченной операции.
func (s *SigningService) dispatch(fx *effects) {
	s.ledger.Publish(fx.events...)
	s.notifier.Dispatch(fx.notifications...)
	for _, st := range fx.transitions {
		requestTransitionsTotal.WithLabelValues(string(st)).Inc()
	}
}

// Open открывает запрос на подпись документа.
func (s *SigningService) Open(ctx context.Context, in OpenInput) (*model.SignatureRequest, error) {
	mode, err := lifecycle.ParseOrderingMode(in.OrderingMode)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	days := in.ExpiresInDays
	if days == 0 {
		days = s.defaultExpiryDays
	}
	if days < MinExpiryDays || days > MaxExpiryDays {
		return nil, fmt.Errorf("%w: срок действия %d дней вне диапазона %d-%d",
			ErrValidation, days, MinExpiryDays, MaxExpiryDays)
	}
	if in.Message != nil && !storableText(*in.Message) {
		return nil, fmt.Errorf("%w: сообщение содержит недопустимые символы", ErrValidation)
	}
	requireAll := true
	if in.RequireAll != nil {
		requireAll = *in.RequireAll
	}
	recipients, err := buildRecipients(in.Recipients, mode, requireAll)
	if err != nil {
		return nil, err
	}

	// Просроченный активный запрос освобождает документ до проверок
	if err := s.releaseExpired(ctx, in.DocumentID); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(documentKey(in.DocumentID))
	var (
		fx  effects
		req *model.SignatureRequest
	)
	err = s.store.RunInTx(ctx, func(repos *repository.Repositories) error {
		now := s.clock()
		doc, err := getDocumentForUpdate(ctx, repos, in.DocumentID)
		if err != nil {
			return err
		}
		if doc.OwnerID != in.Actor {
			return fmt.Errorf("%w: документ %s принадлежит другому владельцу", ErrAccessDenied, doc.ID)
		}
		switch {
		case doc.Status == model.DocumentCompleted || doc.Status == model.DocumentCancelled:
			return fmt.Errorf("%w: документ в статусе %s", ErrInvalidStateTransition, doc.Status)
		case doc.ActiveRequestID != nil || doc.Status != model.DocumentDraft:
			return fmt.Errorf("%w: документ %s", ErrDocumentHasActiveRequest, doc.ID)
		}
		if err := lifecycle.CheckDocument(doc.Status, model.DocumentSent); err != nil {
			return transitionErr(err)
		}

		req = &model.SignatureRequest{
			ID:                   uuid.NewString(),
			DocumentID:           doc.ID,
			OrderingMode:         mode,
			Status:               model.RequestPending,
			RequireAllSignatures: requireAll,
			Message:              in.Message,
			CreatedBy:            in.Actor,
			Recipients:           recipients,
			ExpiresAt:            now.AddDate(0, 0, days),
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		for _, rc := range req.Recipients {
			rc.ID = uuid.NewString()
			rc.RequestID = req.ID
		}
		if err := repos.Requests.Create(ctx, req); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return fmt.Errorf("%w: документ %s", ErrDocumentHasActiveRequest, doc.ID)
			}
			return storageErr("создание запроса", err)
		}

		doc.Status = model.DocumentSent
		doc.ActiveRequestID = &req.ID
		doc.UpdatedAt = now
		if err := repos.Documents.UpdateState(ctx, doc); err != nil {
			return storageErr("обновление документа", err)
		}

		emails := make([]string, 0, len(req.Recipients))
		for _, rc := range req.Recipients {
			emails = append(emails, rc.Email)
		}
		ev, err := s.ledger.Append(ctx, repos, AppendInput{
			DocumentID: doc.ID,
			Action:     model.ActionRequestOpened,
			Actor:      in.Actor,
			Details: map[string]any{
				"request_id":    req.ID,
				"ordering_mode": string(mode),
				"recipients":    emails,
				"expires_at":    req.ExpiresAt.Format(time.RFC3339Nano),
			},
			Origin:    in.Origin,
			UserAgent: in.UserAgent,
			At:        now,
		})
		if err != nil {
			return err
		}
		fx.events = append(fx.events, ev)
		fx.transitions = append(fx.transitions, model.RequestPending)
		fx.notifications = recipientNotifications(notify.KindInvitation, invitees(req), doc, req, now)
		return nil
	})
	unlock()
	if err != nil {
		return nil, err
	}
	s.dispatch(&fx)

	s.logger.Info("Запрос на подпись открыт",
		slog.String("request_id", req.ID),
		slog.String("document_id", req.DocumentID),
		slog.String("ordering_mode", string(req.OrderingMode)),
		slog.Int("recipients", len(req.Recipients)),
	)
	return req, nil
}

// releaseExpired переводит просроченный активный запрос документа в expired.
func (s *SigningService) releaseExpired(ctx context.Context, documentID string) error {
	doc, err := s.store.Repos().Documents.GetByID(ctx, documentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return storageErr("чтение документа", err)
	}
	if doc.ActiveRequestID == nil {
		return nil
	}
	if _, err := s.Get(ctx, *doc.ActiveRequestID); err != nil && !errors.Is(err, ErrRequestNotFound) {
		return err
	}
	return nil
}

// Get возвращает запрос, применяя ленивое истечение срока.
func (s *SigningService) Get(ctx context.Context, requestID string) (*model.SignatureRequest, error) {
	var req *model.SignatureRequest
	err := defaultReadRetry.do(ctx, func() error {
		var err error
		req, err = s.store.Repos().Requests.GetByID(ctx, requestID)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
		}
		return storageErr("чтение запроса", err)
	})
	if err != nil {
		return nil, err
	}
	if req.Status != model.RequestPending || !req.IsExpiredAt(s.clock()) {
		return req, nil
	}

	unlock := s.locks.Lock(requestKey(requestID))
	var fx effects
	err = s.store.RunInTx(ctx, func(repos *repository.Repositories) error {
		var err error
		req, err = getRequestForUpdate(ctx, repos, requestID)
		if err != nil {
			return err
		}
		_, err = s.expireIfDue(ctx, repos, req, s.clock(), &fx)
		return err
	})
	unlock()
	if err != nil {
		return nil, err
	}
	s.dispatch(&fx)
	return req, nil
}

// View фиксирует первый просмотр документа получателем.
// Повторный просмотр ничего не меняет.
func (s *SigningService) View(ctx context.Context, requestID, email string, origin, userAgent *string) (*model.SignatureRequest, error) {
	unlock := s.locks.Lock(requestKey(requestID))
	var (
		fx     effects
		req    *model.SignatureRequest
		bizErr error
	)
	err := s.store.RunInTx(ctx, func(repos *repository.Repositories) error {
		now := s.clock()
		var err error
		req, err = getRequestForUpdate(ctx, repos, requestID)
		if err != nil {
			return err
		}
		if expired, err := s.expireIfDue(ctx, repos, req, now, &fx); err != nil {
			return err
		} else if expired {
			bizErr = fmt.Errorf("%w: %s", ErrRequestExpired, req.ID)
			return nil
		}
		if req.Status != model.RequestPending {
			return fmt.Errorf("%w: запрос в статусе %s", ErrInvalidStateTransition, req.Status)
		}
		rc := req.Recipients.Find(email)
		if rc == nil {
			return fmt.Errorf("%w: %s", ErrRecipientNotFound, email)
		}
		if rc.Status != model.RecipientPending {
			return nil
		}
		if err := lifecycle.CheckRecipient(rc.Status, model.RecipientViewed); err != nil {
			return transitionErr(err)
		}

		rc.Status = model.RecipientViewed
		rc.ViewedAt = &now
		if err := repos.Requests.UpdateRecipient(ctx, rc); err != nil {
			return storageErr("обновление получателя", err)
		}
		if err := s.markActivity(ctx, repos, req, now); err != nil {
			return err
		}
		ev, err := s.ledger.Append(ctx, repos, AppendInput{
			DocumentID: req.DocumentID,
			Action:     model.ActionViewed,
			Actor:      rc.Email,
			Details: map[string]any{
				"request_id":   req.ID,
				"recipient_id": rc.ID,
				"email":        rc.Email,
			},
			Origin:    origin,
			UserAgent: userAgent,
			At:        now,
		})
		if err != nil {
			return err
		}
		fx.events = append(fx.events, ev)
		return nil
	})
	unlock()
	if err != nil {
		return nil, err
	}
	s.dispatch(&fx)
	if bizErr != nil {
		return nil, bizErr
	}
	return req, nil
}

// Sign принимает подпись получателя. Проверки выполняются в порядке:
// существование запроса, срок действия, статус, участие получателя,
// повторная подпись, порядок подписания.
func (s *SigningService) Sign(ctx context.Context, in SignInput) (*model.SignatureRecord, *model.SignatureRequest, error) {
	if !in.Method.IsValid() {
		return nil, nil, fmt.Errorf("%w: недопустимый способ подписи %q", ErrValidation, in.Method)
	}
	if len(in.Payload) == 0 {
		return nil, nil, fmt.Errorf("%w: пустые данные подписи", ErrValidation)
	}

	unlock := s.locks.Lock(requestKey(in.RequestID))
	var (
		fx     effects
		req    *model.SignatureRequest
		rec    *model.SignatureRecord
		bizErr error
	)
	err := s.store.RunInTx(ctx, func(repos *repository.Repositories) error {
		now := s.clock()
		var err error
		req, err = getRequestForUpdate(ctx, repos, in.RequestID)
		if err != nil {
			return err
		}
		if expired, err := s.expireIfDue(ctx, repos, req, now, &fx); err != nil {
			return err
		} else if expired {
			bizErr = fmt.Errorf("%w: %s", ErrRequestExpired, req.ID)
			return nil
		}
		if req.Status != model.RequestPending {
			return fmt.Errorf("%w: запрос в статусе %s", ErrInvalidStateTransition, req.Status)
		}
		rc := req.Recipients.Find(in.Email)
		if rc == nil {
			return fmt.Errorf("%w: %s", ErrRecipientNotAuthorized, in.Email)
		}
		if rc.Status == model.RecipientSigned {
			return fmt.Errorf("%w: %s", ErrAlreadySigned, rc.Email)
		}
		if req.OrderingMode == model.OrderingSequential {
			if blocking := req.Recipients.FirstUnsignedBefore(rc.OrderIndex); blocking != nil {
				return fmt.Errorf("%w: сначала должен подписать %s", ErrSigningOrderViolation, blocking.Email)
			}
		}
		if err := lifecycle.CheckRecipient(rc.Status, model.RecipientSigned); err != nil {
			return transitionErr(err)
		}

		doc, err := getDocumentForUpdate(ctx, repos, req.DocumentID)
		if err != nil {
			return err
		}
		rec = &model.SignatureRecord{
			ID:            uuid.NewString(),
			RequestID:     req.ID,
			RecipientID:   rc.ID,
			DocumentID:    doc.ID,
			Method:        in.Method,
			Payload:       in.Payload,
			Timestamp:     now,
			OriginAddress: in.Origin,
			UserAgent:     in.UserAgent,
			IntegrityHash: model.SignatureIntegrityHash(doc.Fingerprint(), rc.ID, now, in.Payload),
		}
		if err := repos.Signatures.Create(ctx, rec); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return fmt.Errorf("%w: %s", ErrAlreadySigned, rc.Email)
			}
			return storageErr("сохранение подписи", err)
		}

		rc.Status = model.RecipientSigned
		rc.SignedAt = &now
		rc.SignatureRef = &rec.ID
		if err := repos.Requests.UpdateRecipient(ctx, rc); err != nil {
			return storageErr("обновление получателя", err)
		}
		if err := s.markActivity(ctx, repos, req, now); err != nil {
			return err
		}
		ev, err := s.ledger.Append(ctx, repos, AppendInput{
			DocumentID: doc.ID,
			Action:     model.ActionSigned,
			Actor:      rc.Email,
			Details: map[string]any{
				"request_id":   req.ID,
				"recipient_id": rc.ID,
				"signature_id": rec.ID,
				"method":       string(in.Method),
				"email":        rc.Email,
			},
			Origin:    in.Origin,
			UserAgent: in.UserAgent,
			At:        now,
		})
		if err != nil {
			return err
		}
		fx.events = append(fx.events, ev)

		if req.IsComplete() {
			return s.completeTx(ctx, repos, req, now, &fx)
		}
		if req.OrderingMode == model.OrderingSequential {
			if next := nextInLine(req.Recipients); len(next) > 0 && next[0].OrderIndex > rc.OrderIndex {
				fx.notifications = append(fx.notifications,
					recipientNotifications(notify.KindInvitation, next, doc, req, now)...)
			}
		}
		req.UpdatedAt = now
		if err := repos.Requests.UpdateStatus(ctx, req); err != nil {
			return storageErr("обновление запроса", err)
		}
		return nil
	})
	unlock()
	if err != nil {
		return nil, nil, err
	}
	s.dispatch(&fx)
	if bizErr != nil {
		return nil, nil, bizErr
	}

	signaturesTotal.WithLabelValues(string(rec.Method)).Inc()
	s.logger.Info("Подпись принята",
		slog.String("request_id", req.ID),
		slog.String("signature_id", rec.ID),
		slog.String("method", string(rec.Method)),
		slog.String("request_status", string(req.Status)),
	)
	return rec, req, nil
}

// completeTx завершает запрос и документ. Вызывается в транзакции Sign.
func (s *SigningService) completeTx(ctx context.Context, repos *repository.Repositories, req *model.SignatureRequest, now time.Time, fx *effects) error {
	if err := lifecycle.CheckRequest(req.Status, model.RequestCompleted); err != nil {
		return transitionErr(err)
	}
	req.Status = model.RequestCompleted
	req.CompletedAt = &now
	req.UpdatedAt = now
	if err := repos.Requests.UpdateStatus(ctx, req); err != nil {
		return storageErr("обновление запроса", err)
	}

	doc, err := getDocumentForUpdate(ctx, repos, req.DocumentID)
	if err != nil {
		return err
	}
	if isActive(doc, req) {
		if err := lifecycle.CheckDocument(doc.Status, model.DocumentCompleted); err != nil {
			return transitionErr(err)
		}
		doc.Status = model.DocumentCompleted
		doc.CompletedAt = &now
		doc.ActiveRequestID = nil
		doc.UpdatedAt = now
		if err := repos.Documents.UpdateState(ctx, doc); err != nil {
			return storageErr("обновление документа", err)
		}
	}

	ev, err := s.ledger.Append(ctx, repos, AppendInput{
		DocumentID: req.DocumentID,
		Action:     model.ActionCompleted,
		Actor:      model.SystemActor,
		Details: map[string]any{
			"request_id": req.ID,
			"signatures": req.Recipients.SignedCount(),
		},
		At: now,
	})
	if err != nil {
		return err
	}
	fx.events = append(fx.events, ev)
	fx.transitions = append(fx.transitions, model.RequestCompleted)
	fx.notifications = append(fx.notifications, newNotification(notify.KindCompletion, doc.OwnerID, "", doc, req, now))
	fx.notifications = append(fx.notifications, recipientNotifications(notify.KindCompletion, req.Recipients, doc, req, now)...)
	return nil
}

// Cancel отменяет запрос. Доступно только владельцу документа.
func (s *SigningService) Cancel(ctx context.Context, requestID, actor string, origin, userAgent *string) (*model.SignatureRequest, error) {
	unlock := s.locks.Lock(requestKey(requestID))
	var (
		fx     effects
		req    *model.SignatureRequest
		bizErr error
	)
	err := s.store.RunInTx(ctx, func(repos *repository.Repositories) error {
		now := s.clock()
		var err error
		req, err = getRequestForUpdate(ctx, repos, requestID)
		if err != nil {
			return err
		}
		if err := checkOwner(ctx, repos, req, actor); err != nil {
			return err
		}
		if expired, err := s.expireIfDue(ctx, repos, req, now, &fx); err != nil {
			return err
		} else if expired {
			bizErr = fmt.Errorf("%w: срок действия запроса истёк", ErrInvalidStateTransition)
			return nil
		}
		return s.cancelTx(ctx, repos, req, actor, origin, userAgent, now, &fx)
	})
	unlock()
	if err != nil {
		return nil, err
	}
	s.dispatch(&fx)
	if bizErr != nil {
		return nil, bizErr
	}

	s.logger.Info("Запрос на подпись отменён",
		slog.String("request_id", req.ID),
		slog.String("actor", actor),
	)
	return req, nil
}

// cancelTx переводит pending-запрос в cancelled, документ — в draft.
func (s *SigningService) cancelTx(
	ctx context.Context,
	repos *repository.Repositories,
	req *model.SignatureRequest,
	actor string,
	origin, userAgent *string,
	now time.Time,
	fx *effects,
) error {
	if req.Status != model.RequestPending {
		return fmt.Errorf("%w: запрос в статусе %s", ErrInvalidStateTransition, req.Status)
	}
	if err := lifecycle.CheckRequest(req.Status, model.RequestCancelled); err != nil {
		return transitionErr(err)
	}
	req.Status = model.RequestCancelled
	req.CancelledAt = &now
	req.UpdatedAt = now
	if err := repos.Requests.UpdateStatus(ctx, req); err != nil {
		return storageErr("обновление запроса", err)
	}

	doc, err := s.releaseDocument(ctx, repos, req, now)
	if err != nil {
		return err
	}
	ev, err := s.ledger.Append(ctx, repos, AppendInput{
		DocumentID: req.DocumentID,
		Action:     model.ActionCancelled,
		Actor:      actor,
		Details:    map[string]any{"request_id": req.ID},
		Origin:     origin,
		UserAgent:  userAgent,
		At:         now,
	})
	if err != nil {
		return err
	}
	fx.events = append(fx.events, ev)
	fx.transitions = append(fx.transitions, model.RequestCancelled)
	fx.notifications = append(fx.notifications,
		recipientNotifications(notify.KindCancellation, req.Recipients, doc, req, now)...)
	return nil
}

// Remind отправляет напоминание получателю. Доступно только владельцу.
func (s *SigningService) Remind(ctx context.Context, requestID, email, actor string, origin, userAgent *string) (*model.SignatureRequest, error) {
	unlock := s.locks.Lock(requestKey(requestID))
	var (
		fx     effects
		req    *model.SignatureRequest
		bizErr error
	)
	err := s.store.RunInTx(ctx, func(repos *repository.Repositories) error {
		now := s.clock()
		var err error
		req, err = getRequestForUpdate(ctx, repos, requestID)
		if err != nil {
			return err
		}
		if err := checkOwner(ctx, repos, req, actor); err != nil {
			return err
		}
		if expired, err := s.expireIfDue(ctx, repos, req, now, &fx); err != nil {
			return err
		} else if expired {
			bizErr = fmt.Errorf("%w: %s", ErrRequestExpired, req.ID)
			return nil
		}
		if req.Status != model.RequestPending {
			return fmt.Errorf("%w: запрос в статусе %s", ErrInvalidStateTransition, req.Status)
		}
		rc := req.Recipients.Find(email)
		if rc == nil {
			return fmt.Errorf("%w: %s", ErrRecipientNotFound, email)
		}
		if rc.Status == model.RecipientSigned {
			return fmt.Errorf("%w: %s", ErrAlreadySigned, rc.Email)
		}

		rc.LastReminderAt = &now
		if err := repos.Requests.UpdateRecipient(ctx, rc); err != nil {
			return storageErr("обновление получателя", err)
		}
		doc, err := repos.Documents.GetByID(ctx, req.DocumentID)
		if err != nil {
			return documentErr(req.DocumentID, err)
		}
		ev, err := s.ledger.Append(ctx, repos, AppendInput{
			DocumentID: req.DocumentID,
			Action:     model.ActionReminderSent,
			Actor:      actor,
			Details: map[string]any{
				"request_id":   req.ID,
				"recipient_id": rc.ID,
				"email":        rc.Email,
			},
			Origin:    origin,
			UserAgent: userAgent,
			At:        now,
		})
		if err != nil {
			return err
		}
		fx.events = append(fx.events, ev)
		fx.notifications = append(fx.notifications,
			newNotification(notify.KindReminder, rc.Email, rc.DisplayName, doc, req, now))
		return nil
	})
	unlock()
	if err != nil {
		return nil, err
	}
	s.dispatch(&fx)
	if bizErr != nil {
		return nil, bizErr
	}
	return req, nil
}

// expireIfDue проверяет срок действия. Если срок истёк, а запрос ещё
// pending, переводит его в expired. Возвращает true, если срок истёк,
// независимо от статуса запроса.
func (s *SigningService) expireIfDue(
	ctx context.Context,
	repos *repository.Repositories,
	req *model.SignatureRequest,
	now time.Time,
	fx *effects,
) (bool, error) {
	if !req.IsExpiredAt(now) {
		return false, nil
	}
	if req.Status != model.RequestPending {
		return true, nil
	}
	if err := lifecycle.CheckRequest(req.Status, model.RequestExpired); err != nil {
		return true, transitionErr(err)
	}

	req.Status = model.RequestExpired
	req.ExpiredAt = &now
	req.UpdatedAt = now
	if err := repos.Requests.UpdateStatus(ctx, req); err != nil {
		return true, storageErr("обновление запроса", err)
	}
	doc, err := s.releaseDocument(ctx, repos, req, now)
	if err != nil {
		return true, err
	}
	ev, err := s.ledger.Append(ctx, repos, AppendInput{
		DocumentID: req.DocumentID,
		Action:     model.ActionExpired,
		Actor:      model.SystemActor,
		Details:    map[string]any{"request_id": req.ID},
		At:         now,
	})
	if err != nil {
		return true, err
	}
	fx.events = append(fx.events, ev)
	fx.transitions = append(fx.transitions, model.RequestExpired)
	fx.notifications = append(fx.notifications, newNotification(notify.KindExpiration, doc.OwnerID, "", doc, req, now))

	s.logger.Info("Срок действия запроса истёк",
		slog.String("request_id", req.ID),
		slog.String("document_id", req.DocumentID),
	)
	return true, nil
}

// releaseDocument возвращает документ в draft, если req — его активный запрос.
func (s *SigningService) releaseDocument(ctx context.Context, repos *repository.Repositories, req *model.SignatureRequest, now time.Time) (*model.Document, error) {
	doc, err := getDocumentForUpdate(ctx, repos, req.DocumentID)
	if err != nil {
		return nil, err
	}
	if !isActive(doc, req) {
		return doc, nil
	}
	if err := lifecycle.CheckDocument(doc.Status, model.DocumentDraft); err != nil {
		return nil, transitionErr(err)
	}
	doc.Status = model.DocumentDraft
	doc.ActiveRequestID = nil
	doc.UpdatedAt = now
	if err := repos.Documents.UpdateState(ctx, doc); err != nil {
		return nil, storageErr("обновление документа", err)
	}
	return doc, nil
}

// markActivity переводит документ sent → pending при первой активности получателя.
func (s *SigningService) markActivity(ctx context.Context, repos *repository.Repositories, req *model.SignatureRequest, now time.Time) error {
	doc, err := getDocumentForUpdate(ctx, repos, req.DocumentID)
	if err != nil {
		return err
	}
	if !isActive(doc, req) || doc.Status != model.DocumentSent {
		return nil
	}
	doc.Status = model.DocumentPending
	doc.UpdatedAt = now
	if err := repos.Documents.UpdateState(ctx, doc); err != nil {
		return storageErr("обновление документа", err)
	}
	return nil
}

// buildRecipients проверяет список получателей и назначает orderIndex.
func buildRecipients(in []RecipientInput, mode model.OrderingMode, requireAll bool) (model.Recipients, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: список пуст", ErrInvalidRecipientList)
	}
	seen := make(map[string]bool, len(in))
	out := make(model.Recipients, 0, len(in))
	for i, r := range in {
		email := model.NormalizeEmail(r.Email)
		addr, err := mail.ParseAddress(email)
		if err != nil || addr.Address != email {
			return nil, fmt.Errorf("%w: некорректный email %q", ErrInvalidRecipientList, r.Email)
		}
		if seen[email] {
			return nil, fmt.Errorf("%w: email %s указан повторно", ErrInvalidRecipientList, email)
		}
		seen[email] = true

		role := r.Role
		if role == "" {
			role = model.RoleSigner
		}
		if !validRoles[role] {
			return nil, fmt.Errorf("%w: недопустимая роль %q", ErrInvalidRecipientList, r.Role)
		}
		required := requireAll || r.Required == nil || *r.Required

		order := 1
		if mode == model.OrderingSequential {
			order = i + 1
		}
		name := strings.TrimSpace(r.DisplayName)
		if !storableText(name) {
			return nil, fmt.Errorf("%w: имя получателя %s содержит недопустимые символы", ErrInvalidRecipientList, email)
		}
		if name == "" {
			name = email
		}
		out = append(out, &model.Recipient{
			Email:       email,
			DisplayName: name,
			Role:        role,
			OrderIndex:  order,
			Required:    required,
			Status:      model.RecipientPending,
		})
	}
	return out, nil
}

// invitees — получатели, которым приглашение отправляется сразу.
func invitees(req *model.SignatureRequest) model.Recipients {
	if req.OrderingMode == model.OrderingParallel {
		return req.Recipients
	}
	return nextInLine(req.Recipients)
}

// nextInLine — неподписавшие получатели с наименьшим orderIndex.
func nextInLine(rs model.Recipients) model.Recipients {
	minOrder := 0
	for _, rc := range rs {
		if rc.Status != model.RecipientSigned && (minOrder == 0 || rc.OrderIndex < minOrder) {
			minOrder = rc.OrderIndex
		}
	}
	var out model.Recipients
	for _, rc := range rs {
		if rc.Status != model.RecipientSigned && rc.OrderIndex == minOrder {
			out = append(out, rc)
		}
	}
	return out
}

func isActive(doc *model.Document, req *model.SignatureRequest) bool {
	return doc.ActiveRequestID != nil && *doc.ActiveRequestID == req.ID
}

// checkOwner проверяет, что actor — владелец документа запроса.
func checkOwner(ctx context.Context, repos *repository.Repositories, req *model.SignatureRequest, actor string) error {
	doc, err := repos.Documents.GetByID(ctx, req.DocumentID)
	if err != nil {
		return documentErr(req.DocumentID, err)
	}
	if doc.OwnerID != actor {
		return fmt.Errorf("%w: запрос %s", ErrAccessDenied, req.ID)
	}
	return nil
}

func getRequestForUpdate(ctx context.Context, repos *repository.Repositories, id string) (*model.SignatureRequest, error) {
	req, err := repos.Requests.GetForUpdate(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
		}
		return nil, storageErr("чтение запроса", err)
	}
	return req, nil
}

func getDocumentForUpdate(ctx context.Context, repos *repository.Repositories, id string) (*model.Document, error) {
	doc, err := repos.Documents.GetForUpdate(ctx, id)
	if err != nil {
		return nil, documentErr(id, err)
	}
	return doc, nil
}

func documentErr(id string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	return storageErr("чтение документа", err)
}

// transitionErr оборачивает ошибку матрицы переходов.
func transitionErr(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidStateTransition, err)
}
