package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/gosign/signing-module/internal/domain/model"
)

// documentColumns — список колонок для SELECT из documents.
const documentColumns = `id, title, owner_id, document_type, involves_consumer,
	content_fingerprint, content_type, content_size, status, active_request_id,
	created_at, updated_at, completed_at`

// documentRepo — реализация DocumentRepository.
type documentRepo struct {
	db DBTX
}

// NewDocumentRepository создаёт репозиторий документов.
func NewDocumentRepository(db DBTX) DocumentRepository {
	return &documentRepo{db: db}
}

func (r *documentRepo) Create(ctx context.Context, d *model.Document) error {
	query := `
		INSERT INTO documents (id, title, owner_id, document_type, involves_consumer, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`

	_, err := r.db.Exec(ctx, query,
		d.ID, d.Title, d.OwnerID, d.DocumentType, d.InvolvesConsumer, d.Status, d.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: документ с таким ID уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания документа: %w", err)
	}
	d.UpdatedAt = d.CreatedAt
	return nil
}

func (r *documentRepo) GetByID(ctx context.Context, id string) (*model.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	return r.getOne(ctx, query, id)
}

func (r *documentRepo) GetForUpdate(ctx context.Context, id string) (*model.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1 FOR UPDATE`
	return r.getOne(ctx, query, id)
}

func (r *documentRepo) getOne(ctx context.Context, query, id string) (*model.Document, error) {
	d, err := scanDocument(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения документа: %w", err)
	}
	return d, nil
}

func (r *documentRepo) UpdateState(ctx context.Context, d *model.Document) error {
	query := `
		UPDATE documents
		SET status = $2, active_request_id = $3, completed_at = $4, updated_at = $5
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, d.ID, d.Status, d.ActiveRequestID, d.CompletedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса документа: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *documentRepo) UpdateContent(ctx context.Context, d *model.Document) error {
	query := `
		UPDATE documents
		SET content_fingerprint = $2, content_type = $3, content_size = $4, updated_at = $5
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, d.ID, d.ContentFingerprint, d.ContentType, d.ContentSize, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка обновления содержимого документа: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *documentRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*model.Document, error) {
	query := `SELECT ` + documentColumns + `
		FROM documents
		WHERE owner_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка документов: %w", err)
	}
	defer rows.Close()

	var result []*model.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования документа: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (r *documentRepo) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM documents WHERE owner_id = $1`, ownerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта документов: %w", err)
	}
	return count, nil
}

// scanDocument сканирует строку documents в модель.
func scanDocument(row pgx.Row) (*model.Document, error) {
	d := &model.Document{}
	err := row.Scan(
		&d.ID, &d.Title, &d.OwnerID, &d.DocumentType, &d.InvolvesConsumer,
		&d.ContentFingerprint, &d.ContentType, &d.ContentSize, &d.Status, &d.ActiveRequestID,
		&d.CreatedAt, &d.UpdatedAt, &d.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}
