package repository

import (
	"context"
	"fmt"

	"github.com/bigkaa/gosign/signing-module/internal/domain/model"
)

// signatureRecordRepo — реализация SignatureRecordRepository.
type signatureRecordRepo struct {
	db DBTX
}

// NewSignatureRecordRepository создаёт репозиторий подписей.
func NewSignatureRecordRepository(db DBTX) SignatureRecordRepository {
	return &signatureRecordRepo{db: db}
}

func (r *signatureRecordRepo) Create(ctx context.Context, rec *model.SignatureRecord) error {
	query := `
		INSERT INTO signature_records (id, request_id, recipient_id, document_id, method, payload,
			signed_at, origin_address, user_agent, integrity_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.Exec(ctx, query,
		rec.ID, rec.RequestID, rec.RecipientID, rec.DocumentID, rec.Method, rec.Payload,
		rec.Timestamp, rec.OriginAddress, rec.UserAgent, rec.IntegrityHash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: получатель уже подписал запрос", ErrConflict)
		}
		return fmt.Errorf("ошибка сохранения подписи: %w", err)
	}
	return nil
}

func (r *signatureRecordRepo) ListByDocument(ctx context.Context, documentID string) ([]*model.SignatureRecord, error) {
	query := `
		SELECT id, request_id, recipient_id, document_id, method, payload,
			signed_at, origin_address, user_agent, integrity_hash
		FROM signature_records
		WHERE document_id = $1
		ORDER BY signed_at, id`

	rows, err := r.db.Query(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения подписей: %w", err)
	}
	defer rows.Close()

	var result []*model.SignatureRecord
	for rows.Next() {
		rec := &model.SignatureRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.RequestID, &rec.RecipientID, &rec.DocumentID, &rec.Method, &rec.Payload,
			&rec.Timestamp, &rec.OriginAddress, &rec.UserAgent, &rec.IntegrityHash,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования подписи: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}
