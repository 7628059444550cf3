package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bigkaa/gosign/signing-module/internal/domain/model"
)

// MemoryStore — потокобезопасное in-memory хранилище.
//
// Все записи копируются при чтении и записи, поэтому вызывающий код
// не может изменить состояние хранилища в обход репозиториев.
// Транзакции реализованы журналом отката: при ошибке fn все
// изменения, сделанные внутри RunInTx, отменяются в обратном порядке.
//
// Не персистентное: при рестарте данные теряются. Используется
// в dev-режиме (SG_STORAGE=memory) и в тестах сервисного слоя.
type MemoryStore struct {
	mu         sync.RWMutex
	documents  map[string]*model.Document
	requests   map[string]*model.SignatureRequest
	signatures map[string]*model.SignatureRecord
	// request_id → поля в порядке размещения
	fields map[string][]*model.SignatureField
	// document_id → события по возрастанию sequence
	events map[string][]*model.AuditEvent
	// document_id → блокировка журнала; запись живёт, пока её держат или ждут
	docLocks map[string]*docLock
	repos    *Repositories
}

// NewMemoryStore создаёт пустое in-memory хранилище.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		documents:  make(map[string]*model.Document),
		requests:   make(map[string]*model.SignatureRequest),
		signatures: make(map[string]*model.SignatureRecord),
		fields:     make(map[string][]*model.SignatureField),
		events:     make(map[string][]*model.AuditEvent),
		docLocks:   make(map[string]*docLock),
	}
	s.repos = s.bind(nil)
	return s
}

// Repos возвращает репозитории вне транзакции.
func (s *MemoryStore) Repos() *Repositories {
	return s.repos
}

// RunInTx выполняет fn; при ошибке изменения откатываются.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(repos *Repositories) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	tx := &memTx{}
	defer s.releaseLocks(tx)

	if err := fn(s.bind(tx)); err != nil {
		s.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// memTx — журнал отката и блокировки одной транзакции.
type memTx struct {
	undo  []func()
	locks []string
}

// docLock — мьютекс документа со счётчиком держателей и ожидающих.
type docLock struct {
	mu   sync.Mutex
	refs int
}

func (tx *memTx) record(fn func()) {
	if tx != nil {
		tx.undo = append(tx.undo, fn)
	}
}

// releaseLocks освобождает блокировки транзакции в обратном порядке.
func (s *MemoryStore) releaseLocks(tx *memTx) {
	for i := len(tx.locks) - 1; i >= 0; i-- {
		id := tx.locks[i]
		s.mu.Lock()
		l := s.docLocks[id]
		l.mu.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(s.docLocks, id)
		}
		s.mu.Unlock()
	}
	tx.locks = nil
}

// lockDocument захватывает мьютекс документа до конца транзакции tx.
// Повторный захват в той же транзакции — no-op.
func (s *MemoryStore) lockDocument(tx *memTx, documentID string) {
	if tx == nil {
		return
	}
	for _, held := range tx.locks {
		if held == documentID {
			return
		}
	}

	s.mu.Lock()
	l, ok := s.docLocks[documentID]
	if !ok {
		l = &docLock{}
		s.docLocks[documentID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	tx.locks = append(tx.locks, documentID)
}

func (s *MemoryStore) bind(tx *memTx) *Repositories {
	return &Repositories{
		Documents:  &memDocumentRepo{s: s, tx: tx},
		Requests:   &memRequestRepo{s: s, tx: tx},
		Signatures: &memSignatureRepo{s: s, tx: tx},
		Fields:     &memFieldRepo{s: s, tx: tx},
		Events:     &memEventRepo{s: s, tx: tx},
	}
}

// --- Документы ---

type memDocumentRepo struct {
	s  *MemoryStore
	tx *memTx
}

func (r *memDocumentRepo) Create(_ context.Context, d *model.Document) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.documents[d.ID]; ok {
		return fmt.Errorf("%w: документ с таким ID уже существует", ErrConflict)
	}
	d.UpdatedAt = d.CreatedAt
	r.s.documents[d.ID] = d.Clone()
	id := d.ID
	r.tx.record(func() { delete(r.s.documents, id) })
	return nil
}

func (r *memDocumentRepo) GetByID(_ context.Context, id string) (*model.Document, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	d, ok := r.s.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

// GetForUpdate удерживает блокировку документа до конца транзакции,
// как SELECT ... FOR UPDATE. Блокировка общая с журналом документа.
func (r *memDocumentRepo) GetForUpdate(ctx context.Context, id string) (*model.Document, error) {
	r.s.lockDocument(r.tx, id)
	return r.GetByID(ctx, id)
}

func (r *memDocumentRepo) UpdateState(_ context.Context, d *model.Document) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cur, ok := r.s.documents[d.ID]
	if !ok {
		return ErrNotFound
	}
	prev := cur.Clone()
	src := d.Clone()
	cur.Status = src.Status
	cur.ActiveRequestID = src.ActiveRequestID
	cur.CompletedAt = src.CompletedAt
	cur.UpdatedAt = src.UpdatedAt
	r.tx.record(func() {
		doc := r.s.documents[prev.ID]
		doc.Status = prev.Status
		doc.ActiveRequestID = prev.ActiveRequestID
		doc.CompletedAt = prev.CompletedAt
		doc.UpdatedAt = prev.UpdatedAt
	})
	return nil
}

func (r *memDocumentRepo) UpdateContent(_ context.Context, d *model.Document) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cur, ok := r.s.documents[d.ID]
	if !ok {
		return ErrNotFound
	}
	prev := cur.Clone()
	src := d.Clone()
	cur.ContentFingerprint = src.ContentFingerprint
	cur.ContentType = src.ContentType
	cur.ContentSize = src.ContentSize
	cur.UpdatedAt = src.UpdatedAt
	r.tx.record(func() {
		doc := r.s.documents[prev.ID]
		doc.ContentFingerprint = prev.ContentFingerprint
		doc.ContentType = prev.ContentType
		doc.ContentSize = prev.ContentSize
		doc.UpdatedAt = prev.UpdatedAt
	})
	return nil
}

func (r *memDocumentRepo) ListByOwner(_ context.Context, ownerID string, limit, offset int) ([]*model.Document, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var all []*model.Document
	for _, d := range r.s.documents {
		if d.OwnerID == ownerID {
			all = append(all, d.Clone())
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return paginate(all, limit, offset), nil
}

func (r *memDocumentRepo) CountByOwner(_ context.Context, ownerID string) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	n := 0
	for _, d := range r.s.documents {
		if d.OwnerID == ownerID {
			n++
		}
	}
	return n, nil
}

// --- Запросы на подпись ---

type memRequestRepo struct {
	s  *MemoryStore
	tx *memTx
}

func (r *memRequestRepo) Create(_ context.Context, req *model.SignatureRequest) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.requests[req.ID]; ok {
		return fmt.Errorf("%w: запрос с таким ID уже существует", ErrConflict)
	}
	for _, existing := range r.s.requests {
		if existing.DocumentID == req.DocumentID && existing.Status == model.RequestPending {
			return fmt.Errorf("%w: у документа уже есть активный запрос на подпись", ErrConflict)
		}
	}
	seen := make(map[string]bool, len(req.Recipients))
	for _, rc := range req.Recipients {
		if seen[rc.Email] {
			return fmt.Errorf("%w: получатель %s указан дважды", ErrConflict, rc.Email)
		}
		seen[rc.Email] = true
	}

	req.UpdatedAt = req.CreatedAt
	for _, rc := range req.Recipients {
		rc.RequestID = req.ID
	}
	r.s.requests[req.ID] = req.Clone()
	id := req.ID
	r.tx.record(func() { delete(r.s.requests, id) })
	return nil
}

func (r *memRequestRepo) GetByID(_ context.Context, id string) (*model.SignatureRequest, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	req, ok := r.s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return req.Clone(), nil
}

func (r *memRequestRepo) GetForUpdate(ctx context.Context, id string) (*model.SignatureRequest, error) {
	return r.GetByID(ctx, id)
}

func (r *memRequestRepo) GetLatestByDocument(_ context.Context, documentID string) (*model.SignatureRequest, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var latest *model.SignatureRequest
	for _, req := range r.s.requests {
		if req.DocumentID != documentID {
			continue
		}
		if latest == nil || req.CreatedAt.After(latest.CreatedAt) ||
			(req.CreatedAt.Equal(latest.CreatedAt) && req.ID > latest.ID) {
			latest = req
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest.Clone(), nil
}

func (r *memRequestRepo) UpdateStatus(_ context.Context, req *model.SignatureRequest) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cur, ok := r.s.requests[req.ID]
	if !ok {
		return ErrNotFound
	}
	prev := cur.Clone()
	src := req.Clone()
	cur.Status = src.Status
	cur.CompletedAt = src.CompletedAt
	cur.CancelledAt = src.CancelledAt
	cur.ExpiredAt = src.ExpiredAt
	cur.UpdatedAt = src.UpdatedAt
	r.tx.record(func() {
		c := r.s.requests[prev.ID]
		c.Status = prev.Status
		c.CompletedAt = prev.CompletedAt
		c.CancelledAt = prev.CancelledAt
		c.ExpiredAt = prev.ExpiredAt
		c.UpdatedAt = prev.UpdatedAt
	})
	return nil
}

func (r *memRequestRepo) UpdateRecipient(_ context.Context, rc *model.Recipient) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	req, ok := r.s.requests[rc.RequestID]
	if !ok {
		return ErrNotFound
	}
	for i, cur := range req.Recipients {
		if cur.ID != rc.ID {
			continue
		}
		prev := model.Recipients{cur}.Clone()[0]
		req.Recipients[i] = model.Recipients{rc}.Clone()[0]
		idx := i
		r.tx.record(func() { r.s.requests[prev.RequestID].Recipients[idx] = prev })
		return nil
	}
	return ErrNotFound
}

// --- Подписи ---

type memSignatureRepo struct {
	s  *MemoryStore
	tx *memTx
}

func (r *memSignatureRepo) Create(_ context.Context, rec *model.SignatureRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, existing := range r.s.signatures {
		if existing.RequestID == rec.RequestID && existing.RecipientID == rec.RecipientID {
			return fmt.Errorf("%w: получатель уже подписал запрос", ErrConflict)
		}
	}
	c := *rec
	c.Payload = append([]byte(nil), rec.Payload...)
	r.s.signatures[rec.ID] = &c
	id := rec.ID
	r.tx.record(func() { delete(r.s.signatures, id) })
	return nil
}

func (r *memSignatureRepo) ListByDocument(_ context.Context, documentID string) ([]*model.SignatureRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var result []*model.SignatureRecord
	for _, rec := range r.s.signatures {
		if rec.DocumentID == documentID {
			c := *rec
			c.Payload = append([]byte(nil), rec.Payload...)
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].ID < result[j].ID
		}
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// --- Поля подписи ---

type memFieldRepo struct {
	s  *MemoryStore
	tx *memTx
}

func (r *memFieldRepo) Create(_ context.Context, fields []*model.SignatureField) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, f := range fields {
		c := *f
		requestID := f.RequestID
		n := len(r.s.fields[requestID])
		r.s.fields[requestID] = append(r.s.fields[requestID], &c)
		r.tx.record(func() { r.s.fields[requestID] = r.s.fields[requestID][:n:n] })
	}
	return nil
}

func (r *memFieldRepo) ListByRequest(_ context.Context, requestID string) ([]*model.SignatureField, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var result []*model.SignatureField
	for _, f := range r.s.fields[requestID] {
		c := *f
		result = append(result, &c)
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Page < result[j].Page })
	return result, nil
}

// --- Журнал аудита ---

type memEventRepo struct {
	s  *MemoryStore
	tx *memTx
}

// LockDocument блокирует журнал документа до конца транзакции.
// Вне транзакции — no-op.
func (r *memEventRepo) LockDocument(_ context.Context, documentID string) error {
	r.s.lockDocument(r.tx, documentID)
	return nil
}

func (r *memEventRepo) Last(_ context.Context, documentID string) (*model.AuditEvent, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	events := r.s.events[documentID]
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return cloneEvent(events[len(events)-1]), nil
}

func (r *memEventRepo) Append(_ context.Context, e *model.AuditEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	events := r.s.events[e.DocumentID]
	if n := len(events); n > 0 && events[n-1].Sequence >= e.Sequence {
		return fmt.Errorf("%w: событие %d документа уже записано", ErrConflict, e.Sequence)
	}
	r.s.events[e.DocumentID] = append(events, cloneEvent(e))
	docID, seq := e.DocumentID, e.Sequence
	r.tx.record(func() {
		list := r.s.events[docID]
		for i := len(list) - 1; i >= 0; i-- {
			if list[i].Sequence == seq {
				r.s.events[docID] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (r *memEventRepo) ListByDocument(_ context.Context, documentID string, order SortOrder, limit, offset int) ([]*model.AuditEvent, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	events := r.s.events[documentID]
	sorted := make([]*model.AuditEvent, 0, len(events))
	if order == OldestFirst {
		for _, e := range events {
			sorted = append(sorted, cloneEvent(e))
		}
	} else {
		for i := len(events) - 1; i >= 0; i-- {
			sorted = append(sorted, cloneEvent(events[i]))
		}
	}
	return paginate(sorted, limit, offset), nil
}

func (r *memEventRepo) History(_ context.Context, documentID string) ([]*model.AuditEvent, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	events := r.s.events[documentID]
	result := make([]*model.AuditEvent, len(events))
	for i, e := range events {
		result[i] = cloneEvent(e)
	}
	return result, nil
}

func (r *memEventRepo) Count(_ context.Context, documentID string) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return len(r.s.events[documentID]), nil
}

// cloneEvent возвращает копию события (details копируется поверхностно).
func cloneEvent(e *model.AuditEvent) *model.AuditEvent {
	c := *e
	if e.Details != nil {
		c.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	return &c
}

// paginate возвращает срез [offset, offset+limit). limit <= 0 — без ограничения.
func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
