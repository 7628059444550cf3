// ledger.go — журнал аудита документа с цепочкой хешей.
//
// Append вызывается только внутри транзакции операции: событие
// фиксируется вместе с изменением состояния или не фиксируется вовсе.
// Добавление сериализуется по документу блокировкой репозитория
// (pg_advisory_xact_lock в PostgreSQL), документы не блокируют друг друга.
// После коммита события публикуются через pubsub (fire-and-forget).
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/gosign/signing-module/internal/domain/model"
	"github.com/bigkaa/gosign/signing-module/internal/pubsub"
	"github.com/bigkaa/gosign/signing-module/internal/repository"
)

// AppendInput — параметры нового события журнала.
type AppendInput struct {
	DocumentID string
	Action     model.AuditAction
	Actor      string
	// Значения только JSON-совместимые: строки, числа, bool, []string
	Details   map[string]any
	Origin    *string
	UserAgent *string
	// Момент события; нулевое значение — текущее время журнала
	At time.Time
}

// ChainError — нарушение цепочки хешей журнала.
type ChainError struct {
	Sequence int64
	Reason   string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("цепочка журнала нарушена на событии %d: %s", e.Sequence, e.Reason)
}

// ChainVerification — результат проверки журнала документа.
type ChainVerification struct {
	Valid    bool   `json:"valid"`
	Events   int    `json:"events"`
	BrokenAt *int64 `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// AuditLedger — журнал аудита документов.
type AuditLedger struct {
	store     repository.Store
	publisher pubsub.Publisher
	fanout    *taskQueue[*model.AuditEvent]
	now       func() time.Time
	logger    *slog.Logger
}

// NewAuditLedger создаёт журнал. queueSize — размер очереди публикации.
func NewAuditLedger(store repository.Store, publisher pubsub.Publisher, queueSize int, logger *slog.Logger) *AuditLedger {
	l := &AuditLedger{
		store:     store,
		publisher: publisher,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "audit_ledger")),
	}
	l.fanout = newTaskQueue("ledger_fanout", queueSize, 1, l.publish, l.logger)
	return l
}

// Start запускает публикацию событий.
func (l *AuditLedger) Start(ctx context.Context) { l.fanout.Start(ctx) }

// Stop дожидается публикации принятых событий.
func (l *AuditLedger) Stop() { l.fanout.Stop() }

// Append добавляет событие в журнал документа в рамках транзакции repos.
func (l *AuditLedger) Append(ctx context.Context, repos *repository.Repositories, in AppendInput) (*model.AuditEvent, error) {
	if err := repos.Events.LockDocument(ctx, in.DocumentID); err != nil {
		return nil, storageErr("блокировка журнала", err)
	}

	var seq int64 = 1
	prevHash := ""
	ts := in.At
	if ts.IsZero() {
		ts = l.now()
	}
	ts = ts.UTC().Truncate(time.Microsecond)

	last, err := repos.Events.Last(ctx, in.DocumentID)
	switch {
	case err == nil:
		seq = last.Sequence + 1
		prevHash = last.Hash
		if ts.Before(last.Timestamp) {
			ts = last.Timestamp.UTC()
		}
	case errors.Is(err, repository.ErrNotFound):
	default:
		return nil, storageErr("чтение журнала", err)
	}

	details := make(map[string]any, len(in.Details))
	for k, v := range in.Details {
		details[k] = v
	}

	e := &model.AuditEvent{
		ID:            uuid.NewString(),
		DocumentID:    in.DocumentID,
		Sequence:      seq,
		Action:        in.Action,
		Actor:         in.Actor,
		Timestamp:     ts,
		OriginAddress: in.Origin,
		UserAgent:     in.UserAgent,
		Details:       details,
		PrevHash:      prevHash,
	}
	if e.Hash, err = EventHash(e); err != nil {
		return nil, err
	}
	if err := repos.Events.Append(ctx, e); err != nil {
		return nil, storageErr("запись события", err)
	}

	ledgerAppendsTotal.WithLabelValues(string(e.Action)).Inc()
	return e, nil
}

// Publish ставит закоммиченные события в очередь публикации.
func (l *AuditLedger) Publish(events ...*model.AuditEvent) {
	for _, e := range events {
		l.fanout.Enqueue(e)
	}
}

func (l *AuditLedger) publish(ctx context.Context, e *model.AuditEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("ошибка сериализации события: %w", err)
	}
	return l.publisher.Publish(ctx, pubsub.DocumentEventsTopic(e.DocumentID), payload)
}

// List возвращает страницу событий документа.
func (l *AuditLedger) List(ctx context.Context, documentID string, order repository.SortOrder, limit, offset int) ([]*model.AuditEvent, error) {
	events, err := l.store.Repos().Events.ListByDocument(ctx, documentID, order, limit, offset)
	if err != nil {
		return nil, storageErr("чтение журнала", err)
	}
	return events, nil
}

// Count возвращает количество событий документа.
func (l *AuditLedger) Count(ctx context.Context, documentID string) (int, error) {
	n, err := l.store.Repos().Events.Count(ctx, documentID)
	if err != nil {
		return 0, storageErr("подсчёт событий", err)
	}
	return n, nil
}

// History возвращает всю историю документа, старые события первыми.
func (l *AuditLedger) History(ctx context.Context, documentID string) ([]*model.AuditEvent, error) {
	events, err := l.store.Repos().Events.History(ctx, documentID)
	if err != nil {
		return nil, storageErr("чтение журнала", err)
	}
	return events, nil
}

// VerifyDocument загружает историю документа и проверяет цепочку.
func (l *AuditLedger) VerifyDocument(ctx context.Context, documentID string) (*ChainVerification, error) {
	events, err := l.History(ctx, documentID)
	if err != nil {
		return nil, err
	}
	res := &ChainVerification{Valid: true, Events: len(events)}
	var chainErr *ChainError
	if err := Verify(events); errors.As(err, &chainErr) {
		res.Valid = false
		res.BrokenAt = &chainErr.Sequence
		res.Reason = chainErr.Reason
	}
	return res, nil
}

// Verify проверяет историю (старые первыми): непрерывность sequence,
// связь prevHash, хеш каждого события и неубывание времени.
func Verify(events []*model.AuditEvent) error {
	prevHash := ""
	var prevTS time.Time
	for i, e := range events {
		if e.Sequence != int64(i+1) {
			return &ChainError{Sequence: e.Sequence, Reason: fmt.Sprintf("ожидался номер %d", i+1)}
		}
		if e.PrevHash != prevHash {
			return &ChainError{Sequence: e.Sequence, Reason: "prev_hash не совпадает с хешем предыдущего события"}
		}
		if i > 0 && e.Timestamp.Before(prevTS) {
			return &ChainError{Sequence: e.Sequence, Reason: "время события меньше времени предыдущего"}
		}
		h, err := EventHash(e)
		if err != nil {
			return &ChainError{Sequence: e.Sequence, Reason: err.Error()}
		}
		if h != e.Hash {
			return &ChainError{Sequence: e.Sequence, Reason: "хеш события не совпадает с содержимым"}
		}
		prevHash = e.Hash
		prevTS = e.Timestamp
	}
	return nil
}

// chainRecord — каноническое представление события для хеширования.
type chainRecord struct {
	DocumentID    string            `json:"document_id"`
	Sequence      int64             `json:"sequence"`
	Action        model.AuditAction `json:"action"`
	Actor         string            `json:"actor"`
	Timestamp     string            `json:"timestamp"`
	OriginAddress *string           `json:"origin_address"`
	UserAgent     *string           `json:"user_agent"`
	Details       map[string]any    `json:"details"`
	PrevHash      string            `json:"prev_hash"`
}

// EventHash вычисляет SHA-256 (hex) канонического JSON события.
// encoding/json сортирует ключи map, поэтому представление детерминировано.
func EventHash(e *model.AuditEvent) (string, error) {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	data, err := json.Marshal(chainRecord{
		DocumentID:    e.DocumentID,
		Sequence:      e.Sequence,
		Action:        e.Action,
		Actor:         e.Actor,
		Timestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
		OriginAddress: e.OriginAddress,
		UserAgent:     e.UserAgent,
		Details:       details,
		PrevHash:      e.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("ошибка сериализации события для хеша: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
