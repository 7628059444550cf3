package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/gosign/signing-module/internal/domain/model"
)

// eventColumns — список колонок для SELECT из audit_events.
const eventColumns = `id, document_id, sequence, action, actor, occurred_at,
	origin_address, user_agent, details, prev_hash, hash`

// auditEventRepo — реализация AuditEventRepository.
type auditEventRepo struct {
	db DBTX
}

// NewAuditEventRepository создаёт репозиторий журнала аудита.
func NewAuditEventRepository(db DBTX) AuditEventRepository {
	return &auditEventRepo{db: db}
}

// LockDocument берёт транзакционную advisory-блокировку по документу.
// Вне транзакции блокировка снимается сразу после выполнения запроса.
func (r *auditEventRepo) LockDocument(ctx context.Context, documentID string) error {
	if _, err := r.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, documentID); err != nil {
		return fmt.Errorf("ошибка блокировки журнала документа: %w", err)
	}
	return nil
}

func (r *auditEventRepo) Last(ctx context.Context, documentID string) (*model.AuditEvent, error) {
	query := `SELECT ` + eventColumns + `
		FROM audit_events
		WHERE document_id = $1
		ORDER BY sequence DESC
		LIMIT 1`

	e, err := scanEvent(r.db.QueryRow(ctx, query, documentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения последнего события: %w", err)
	}
	return e, nil
}

func (r *auditEventRepo) Append(ctx context.Context, e *model.AuditEvent) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("ошибка сериализации details: %w", err)
	}

	query := `
		INSERT INTO audit_events (id, document_id, sequence, action, actor, occurred_at,
			origin_address, user_agent, details, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = r.db.Exec(ctx, query,
		e.ID, e.DocumentID, e.Sequence, e.Action, e.Actor, e.Timestamp,
		e.OriginAddress, e.UserAgent, details, e.PrevHash, e.Hash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: событие %d документа уже записано", ErrConflict, e.Sequence)
		}
		return fmt.Errorf("ошибка записи события журнала: %w", err)
	}
	return nil
}

func (r *auditEventRepo) ListByDocument(ctx context.Context, documentID string, order SortOrder, limit, offset int) ([]*model.AuditEvent, error) {
	direction := "DESC"
	if order == OldestFirst {
		direction = "ASC"
	}
	query := `SELECT ` + eventColumns + `
		FROM audit_events
		WHERE document_id = $1
		ORDER BY sequence ` + direction + `
		LIMIT $2 OFFSET $3`
	// NULL в LIMIT снимает ограничение
	var lim any
	if limit > 0 {
		lim = limit
	}
	return r.list(ctx, query, documentID, lim, offset)
}

func (r *auditEventRepo) History(ctx context.Context, documentID string) ([]*model.AuditEvent, error) {
	query := `SELECT ` + eventColumns + `
		FROM audit_events
		WHERE document_id = $1
		ORDER BY sequence`
	return r.list(ctx, query, documentID)
}

func (r *auditEventRepo) Count(ctx context.Context, documentID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM audit_events WHERE document_id = $1`, documentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта событий: %w", err)
	}
	return count, nil
}

func (r *auditEventRepo) list(ctx context.Context, query string, args ...any) ([]*model.AuditEvent, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения событий журнала: %w", err)
	}
	defer rows.Close()

	var result []*model.AuditEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования события: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// scanEvent сканирует строку audit_events в модель.
func scanEvent(row pgx.Row) (*model.AuditEvent, error) {
	e := &model.AuditEvent{}
	var details []byte
	err := row.Scan(
		&e.ID, &e.DocumentID, &e.Sequence, &e.Action, &e.Actor, &e.Timestamp,
		&e.OriginAddress, &e.UserAgent, &details, &e.PrevHash, &e.Hash,
	)
	if err != nil {
		return nil, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, fmt.Errorf("ошибка разбора details: %w", err)
		}
	}
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	return e, nil
}
