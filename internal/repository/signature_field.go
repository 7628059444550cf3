package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/gosign/signing-module/internal/domain/model"
)

// signatureFieldRepo — реализация SignatureFieldRepository.
type signatureFieldRepo struct {
	db DBTX
}

// NewSignatureFieldRepository создаёт репозиторий полей подписи.
func NewSignatureFieldRepository(db DBTX) SignatureFieldRepository {
	return &signatureFieldRepo{db: db}
}

func (r *signatureFieldRepo) Create(ctx context.Context, fields []*model.SignatureField) error {
	query := `
		INSERT INTO signature_fields (id, request_id, recipient_id, signer_email, page,
			x, y, width, height, field_type, required, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	batch := &pgx.Batch{}
	for _, f := range fields {
		batch.Queue(query,
			f.ID, f.RequestID, f.RecipientID, f.SignerEmail, f.Page,
			f.X, f.Y, f.Width, f.Height, f.Type, f.Required, f.CreatedAt,
		)
	}
	br := r.db.SendBatch(ctx, batch)
	for range fields {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("ошибка сохранения поля подписи: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("ошибка сохранения полей подписи: %w", err)
	}
	return nil
}

func (r *signatureFieldRepo) ListByRequest(ctx context.Context, requestID string) ([]*model.SignatureField, error) {
	query := `
		SELECT id, request_id, recipient_id, signer_email, page,
			x, y, width, height, field_type, required, created_at
		FROM signature_fields
		WHERE request_id = $1
		ORDER BY page, position`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения полей подписи: %w", err)
	}
	defer rows.Close()

	var result []*model.SignatureField
	for rows.Next() {
		f := &model.SignatureField{}
		if err := rows.Scan(
			&f.ID, &f.RequestID, &f.RecipientID, &f.SignerEmail, &f.Page,
			&f.X, &f.Y, &f.Width, &f.Height, &f.Type, &f.Required, &f.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования поля подписи: %w", err)
		}
		result = append(result, f)
	}
	return result, rows.Err()
}
