package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/gosign/signing-module/internal/domain/model"
)

// requestColumns — список колонок для SELECT из signature_requests.
const requestColumns = `id, document_id, ordering_mode, status, require_all_signatures,
	message, created_by, expires_at, created_at, updated_at, completed_at, cancelled_at, expired_at`

// recipientColumns — список колонок для SELECT из recipients.
const recipientColumns = `id, request_id, email, display_name, role, order_index, required,
	status, viewed_at, signed_at, signature_ref, last_reminder_at`

// signatureRequestRepo — реализация SignatureRequestRepository.
type signatureRequestRepo struct {
	db DBTX
}

// NewSignatureRequestRepository создаёт репозиторий запросов на подпись.
func NewSignatureRequestRepository(db DBTX) SignatureRequestRepository {
	return &signatureRequestRepo{db: db}
}

func (r *signatureRequestRepo) Create(ctx context.Context, req *model.SignatureRequest) error {
	query := `
		INSERT INTO signature_requests (id, document_id, ordering_mode, status, require_all_signatures,
			message, created_by, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`

	_, err := r.db.Exec(ctx, query,
		req.ID, req.DocumentID, req.OrderingMode, req.Status, req.RequireAllSignatures,
		req.Message, req.CreatedBy, req.ExpiresAt, req.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: у документа уже есть активный запрос на подпись", ErrConflict)
		}
		return fmt.Errorf("ошибка создания запроса на подпись: %w", err)
	}
	req.UpdatedAt = req.CreatedAt

	recipientQuery := `
		INSERT INTO recipients (id, request_id, position, email, display_name, role,
			order_index, required, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	for i, rc := range req.Recipients {
		_, err := r.db.Exec(ctx, recipientQuery,
			rc.ID, req.ID, i, rc.Email, rc.DisplayName, rc.Role,
			rc.OrderIndex, rc.Required, rc.Status,
		)
		if err != nil {
			if isUniqueViolation(err) && constraintName(err) == "uq_recipients_email" {
				return fmt.Errorf("%w: получатель %s указан дважды", ErrConflict, rc.Email)
			}
			return fmt.Errorf("ошибка создания получателя %s: %w", rc.Email, err)
		}
	}
	return nil
}

func (r *signatureRequestRepo) GetByID(ctx context.Context, id string) (*model.SignatureRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM signature_requests WHERE id = $1`
	return r.getOne(ctx, query, id)
}

func (r *signatureRequestRepo) GetForUpdate(ctx context.Context, id string) (*model.SignatureRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM signature_requests WHERE id = $1 FOR UPDATE`
	return r.getOne(ctx, query, id)
}

func (r *signatureRequestRepo) GetLatestByDocument(ctx context.Context, documentID string) (*model.SignatureRequest, error) {
	query := `SELECT ` + requestColumns + `
		FROM signature_requests
		WHERE document_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`
	return r.getOne(ctx, query, documentID)
}

func (r *signatureRequestRepo) getOne(ctx context.Context, query, arg string) (*model.SignatureRequest, error) {
	req := &model.SignatureRequest{}
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&req.ID, &req.DocumentID, &req.OrderingMode, &req.Status, &req.RequireAllSignatures,
		&req.Message, &req.CreatedBy, &req.ExpiresAt, &req.CreatedAt, &req.UpdatedAt,
		&req.CompletedAt, &req.CancelledAt, &req.ExpiredAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения запроса на подпись: %w", err)
	}

	req.Recipients, err = r.listRecipients(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// listRecipients возвращает получателей запроса в порядке списка.
func (r *signatureRequestRepo) listRecipients(ctx context.Context, requestID string) (model.Recipients, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE request_id = $1 ORDER BY position`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения получателей: %w", err)
	}
	defer rows.Close()

	var result model.Recipients
	for rows.Next() {
		rc := &model.Recipient{}
		if err := rows.Scan(
			&rc.ID, &rc.RequestID, &rc.Email, &rc.DisplayName, &rc.Role, &rc.OrderIndex, &rc.Required,
			&rc.Status, &rc.ViewedAt, &rc.SignedAt, &rc.SignatureRef, &rc.LastReminderAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования получателя: %w", err)
		}
		result = append(result, rc)
	}
	return result, rows.Err()
}

func (r *signatureRequestRepo) UpdateStatus(ctx context.Context, req *model.SignatureRequest) error {
	query := `
		UPDATE signature_requests
		SET status = $2, completed_at = $3, cancelled_at = $4, expired_at = $5, updated_at = $6
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query,
		req.ID, req.Status, req.CompletedAt, req.CancelledAt, req.ExpiredAt, req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса запроса: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *signatureRequestRepo) UpdateRecipient(ctx context.Context, rc *model.Recipient) error {
	query := `
		UPDATE recipients
		SET status = $2, viewed_at = $3, signed_at = $4, signature_ref = $5, last_reminder_at = $6
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query,
		rc.ID, rc.Status, rc.ViewedAt, rc.SignedAt, rc.SignatureRef, rc.LastReminderAt,
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления получателя: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
