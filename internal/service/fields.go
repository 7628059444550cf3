package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/gosign/signing-module/internal/domain/model"
	"github.com/bigkaa/gosign/signing-module/internal/repository"
)

// MaxFieldsPerCall — максимум полей в одном вызове PlaceFields.
const MaxFieldsPerCall = 100

// FieldInput — поле подписи в запросе на размещение.
type FieldInput struct {
	SignerEmail string
	Page        int
	X, Y        float64
	Width       float64
	Height      float64
	// Пусто — signature
	Type string
	// nil — обязательное
	Required *bool
}

// PlaceFields размещает поля подписи на страницах документа.
// Доступно только владельцу и только пока запрос ожидает подписей.
// Каждое поле привязывается к получателю, который ещё не подписал.
func (s *SigningService) PlaceFields(
	ctx context.Context,
	requestID string,
	inputs []FieldInput,
	actor string,
	origin, userAgent *string,
) ([]*model.SignatureField, error) {
	if len(inputs) == 0 || len(inputs) > MaxFieldsPerCall {
		return nil, fmt.Errorf("%w: количество полей должно быть от 1 до %d", ErrValidation, MaxFieldsPerCall)
	}

	unlock := s.locks.Lock(requestKey(requestID))
	var (
		fx     effects
		fields []*model.SignatureField
		bizErr error
	)
	err := s.store.RunInTx(ctx, func(repos *repository.Repositories) error {
		now := s.clock()
		req, err := getRequestForUpdate(ctx, repos, requestID)
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

		fields, err = buildFields(req, inputs, now)
		if err != nil {
			return err
		}
		if err := repos.Fields.Create(ctx, fields); err != nil {
			return storageErr("сохранение полей подписи", err)
		}

		ev, err := s.ledger.Append(ctx, repos, AppendInput{
			DocumentID: req.DocumentID,
			Action:     model.ActionFieldsPlaced,
			Actor:      actor,
			Details: map[string]any{
				"request_id": req.ID,
				"count":      len(fields),
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
	return fields, nil
}

// Fields возвращает поля подписи запроса.
func (s *SigningService) Fields(ctx context.Context, requestID string) ([]*model.SignatureField, error) {
	var fields []*model.SignatureField
	err := defaultReadRetry.do(ctx, func() error {
		var err error
		fields, err = s.store.Repos().Fields.ListByRequest(ctx, requestID)
		return storageErr("чтение полей подписи", err)
	})
	if err != nil {
		return nil, err
	}
	if fields == nil {
		fields = []*model.SignatureField{}
	}
	return fields, nil
}

func buildFields(req *model.SignatureRequest, inputs []FieldInput, now time.Time) ([]*model.SignatureField, error) {
	fields := make([]*model.SignatureField, 0, len(inputs))
	for i, in := range inputs {
		rc := req.Recipients.Find(in.SignerEmail)
		if rc == nil {
			return nil, fmt.Errorf("%w: поле %d: %s не входит в запрос", ErrValidation, i+1, in.SignerEmail)
		}
		if rc.Status == model.RecipientSigned {
			return nil, fmt.Errorf("%w: поле %d: %s", ErrAlreadySigned, i+1, rc.Email)
		}
		f := &model.SignatureField{
			ID:          uuid.NewString(),
			RequestID:   req.ID,
			RecipientID: rc.ID,
			SignerEmail: rc.Email,
			Page:        in.Page,
			X:           in.X,
			Y:           in.Y,
			Width:       in.Width,
			Height:      in.Height,
			Type:        model.FieldType(in.Type),
			Required:    in.Required == nil || *in.Required,
			CreatedAt:   now,
		}
		if f.Type == "" {
			f.Type = model.FieldSignature
		}
		if err := f.ValidatePlacement(); err != nil {
			return nil, fmt.Errorf("%w: поле %d: %w", ErrValidation, i+1, err)
		}
		fields = append(fields, f)
	}
	return fields, nil
}
