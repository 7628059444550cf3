// Пакет repository — слой доступа к данным.
// Основная реализация — чистый SQL через pgx, без ORM;
// in-memory реализация используется в dev-режиме и тестах.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/gosign/signing-module/internal/domain/model"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — запись уже существует")
	// ErrUnavailable — хранилище недоступно.
	ErrUnavailable = errors.New("хранилище недоступно")
)

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx, что позволяет
// использовать репозитории как внутри, так и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// DocumentRepository — доступ к таблице documents.
type DocumentRepository interface {
	// Create создаёт документ.
	Create(ctx context.Context, d *model.Document) error
	// GetByID возвращает документ по ID.
	GetByID(ctx context.Context, id string) (*model.Document, error)
	// GetForUpdate возвращает документ с блокировкой строки до конца транзакции.
	GetForUpdate(ctx context.Context, id string) (*model.Document, error)
	// UpdateState сохраняет status, active_request_id и completed_at.
	UpdateState(ctx context.Context, d *model.Document) error
	// UpdateContent сохраняет отпечаток, тип и размер содержимого.
	UpdateContent(ctx context.Context, d *model.Document) error
	// ListByOwner возвращает документы владельца, новые первыми.
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*model.Document, error)
	// CountByOwner возвращает количество документов владельца.
	CountByOwner(ctx context.Context, ownerID string) (int, error)
}

// SignatureRequestRepository — доступ к signature_requests и recipients.
type SignatureRequestRepository interface {
	// Create создаёт запрос вместе с получателями.
	// ErrConflict — у документа уже есть активный запрос или email дублируется.
	Create(ctx context.Context, req *model.SignatureRequest) error
	// GetByID возвращает запрос с получателями.
	GetByID(ctx context.Context, id string) (*model.SignatureRequest, error)
	// GetForUpdate возвращает запрос с блокировкой строки до конца транзакции.
	GetForUpdate(ctx context.Context, id string) (*model.SignatureRequest, error)
	// GetLatestByDocument возвращает последний созданный запрос документа.
	GetLatestByDocument(ctx context.Context, documentID string) (*model.SignatureRequest, error)
	// UpdateStatus сохраняет статус и временные метки запроса.
	UpdateStatus(ctx context.Context, req *model.SignatureRequest) error
	// UpdateRecipient сохраняет прогресс получателя.
	UpdateRecipient(ctx context.Context, r *model.Recipient) error
}

// SignatureRecordRepository — доступ к signature_records.
type SignatureRecordRepository interface {
	// Create сохраняет запись подписи. ErrConflict — получатель уже подписал.
	Create(ctx context.Context, rec *model.SignatureRecord) error
	// ListByDocument возвращает подписи документа в порядке создания.
	ListByDocument(ctx context.Context, documentID string) ([]*model.SignatureRecord, error)
}

// SignatureFieldRepository — доступ к signature_fields.
type SignatureFieldRepository interface {
	// Create сохраняет поля одного запроса.
	Create(ctx context.Context, fields []*model.SignatureField) error
	// ListByRequest возвращает поля запроса по странице и порядку размещения.
	ListByRequest(ctx context.Context, requestID string) ([]*model.SignatureField, error)
}

// AuditEventRepository — доступ к журналу audit_events (только добавление).
type AuditEventRepository interface {
	// LockDocument сериализует добавление событий документа до конца транзакции.
	LockDocument(ctx context.Context, documentID string) error
	// Last возвращает последнее событие документа или ErrNotFound.
	Last(ctx context.Context, documentID string) (*model.AuditEvent, error)
	// Append добавляет событие. ErrConflict — номер в последовательности занят.
	Append(ctx context.Context, e *model.AuditEvent) error
	// ListByDocument возвращает страницу событий документа в порядке order.
	ListByDocument(ctx context.Context, documentID string, order SortOrder, limit, offset int) ([]*model.AuditEvent, error)
	// History возвращает все события документа, старые первыми.
	History(ctx context.Context, documentID string) ([]*model.AuditEvent, error)
	// Count возвращает количество событий документа.
	Count(ctx context.Context, documentID string) (int, error)
}

// SortOrder — порядок выдачи событий журнала по sequence.
type SortOrder string

const (
	// NewestFirst — новые события первыми (по умолчанию).
	NewestFirst SortOrder = "desc"
	// OldestFirst — хронологический порядок.
	OldestFirst SortOrder = "asc"
)

// Repositories — набор репозиториев, привязанных к одному соединению или транзакции.
type Repositories struct {
	Documents  DocumentRepository
	Requests   SignatureRequestRepository
	Signatures SignatureRecordRepository
	Fields     SignatureFieldRepository
	Events     AuditEventRepository
}

// Store — единица работы над репозиториями.
type Store interface {
	// Repos возвращает репозитории вне транзакции (для чтения).
	Repos() *Repositories
	// RunInTx выполняет fn в одной транзакции: всё или ничего.
	RunInTx(ctx context.Context, fn func(repos *Repositories) error) error
}

// NewRepositories создаёт набор PostgreSQL-репозиториев поверх db.
func NewRepositories(db DBTX) *Repositories {
	return &Repositories{
		Documents:  NewDocumentRepository(db),
		Requests:   NewSignatureRequestRepository(db),
		Signatures: NewSignatureRecordRepository(db),
		Fields:     NewSignatureFieldRepository(db),
		Events:     NewAuditEventRepository(db),
	}
}

// TxRunner позволяет выполнять операции в транзакции.
type TxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner создаёт TxRunner для управления транзакциями.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// RunInTx выполняет fn внутри транзакции.
// При ошибке fn — транзакция откатывается.
// При успехе — коммитится.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: ошибка начала транзакции: %w", ErrUnavailable, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: ошибка коммита транзакции: %w", ErrUnavailable, err)
	}
	return nil
}

// PostgresStore — Store поверх pgxpool.
type PostgresStore struct {
	pool  *pgxpool.Pool
	tx    *TxRunner
	repos *Repositories
}

// NewPostgresStore создаёт Store поверх пула подключений.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:  pool,
		tx:    NewTxRunner(pool),
		repos: NewRepositories(pool),
	}
}

// Repos возвращает репозитории поверх пула.
func (s *PostgresStore) Repos() *Repositories {
	return s.repos
}

// RunInTx выполняет fn с репозиториями, привязанными к транзакции.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(repos *Repositories) error) error {
	return s.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		return fn(NewRepositories(tx))
	})
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// constraintName возвращает имя нарушенного ограничения PostgreSQL.
func constraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}
