package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/gosign/signing-module/internal/domain/model"
)

// Общие проверки Store: выполняются для in-memory реализации всегда
// и для PostgreSQL при TEST_INTEGRATION.

// baseTime — момент времени с точностью до микросекунд (как в PostgreSQL).
var baseTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestDocument(owner string) *model.Document {
	return &model.Document{
		ID:           uuid.New().String(),
		Title:        "Договор поставки",
		OwnerID:      owner,
		DocumentType: model.DocumentTypeGeneral,
		Status:       model.DocumentDraft,
		CreatedAt:    baseTime,
	}
}

func newTestRequest(docID string, emails ...string) *model.SignatureRequest {
	req := &model.SignatureRequest{
		ID:                   uuid.New().String(),
		DocumentID:           docID,
		OrderingMode:         model.OrderingSequential,
		Status:               model.RequestPending,
		RequireAllSignatures: true,
		CreatedBy:            "owner-1",
		ExpiresAt:            baseTime.Add(7 * 24 * time.Hour),
		CreatedAt:            baseTime,
	}
	for i, e := range emails {
		req.Recipients = append(req.Recipients, &model.Recipient{
			ID:          uuid.New().String(),
			RequestID:   req.ID,
			Email:       e,
			DisplayName: e,
			Role:        model.RoleSigner,
			OrderIndex:  i + 1,
			Required:    true,
			Status:      model.RecipientPending,
		})
	}
	return req
}

func newTestEvent(docID string, seq int64) *model.AuditEvent {
	return &model.AuditEvent{
		ID:         uuid.New().String(),
		DocumentID: docID,
		Sequence:   seq,
		Action:     model.ActionCreated,
		Actor:      "owner-1",
		Timestamp:  baseTime.Add(time.Duration(seq) * time.Second),
		Details:    map[string]any{"title": "Договор поставки"},
		Hash:       fmt.Sprintf("hash-%d", seq),
	}
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("DocumentCRUD", func(t *testing.T) {
		testDocumentCRUD(t, newStore(t))
	})
	t.Run("RequestLifecycle", func(t *testing.T) {
		testRequestLifecycle(t, newStore(t))
	})
	t.Run("SingleActiveRequest", func(t *testing.T) {
		testSingleActiveRequest(t, newStore(t))
	})
	t.Run("DuplicateSignature", func(t *testing.T) {
		testDuplicateSignature(t, newStore(t))
	})
	t.Run("EventsOrdering", func(t *testing.T) {
		testEventsOrdering(t, newStore(t))
	})
	t.Run("TxRollback", func(t *testing.T) {
		testTxRollback(t, newStore(t))
	})
	t.Run("LockDocumentSerializes", func(t *testing.T) {
		testLockDocumentSerializes(t, newStore(t))
	})
	t.Run("SignatureFields", func(t *testing.T) {
		testSignatureFields(t, newStore(t))
	})
}

func testDocumentCRUD(t *testing.T, s Store) {
	ctx := context.Background()
	repos := s.Repos()

	owner := "owner-" + uuid.NewString()
	d := newTestDocument(owner)
	if err := repos.Documents.Create(ctx, d); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repos.Documents.Create(ctx, d); !errors.Is(err, ErrConflict) {
		t.Errorf("повторный Create: ожидали ErrConflict, получили %v", err)
	}

	got, err := repos.Documents.GetByID(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Title != d.Title || got.Status != model.DocumentDraft {
		t.Errorf("GetByID = %+v", got)
	}

	fp, ct, size := "abc123", "application/pdf", int64(42)
	got.ContentFingerprint = &fp
	got.ContentType = &ct
	got.ContentSize = &size
	got.UpdatedAt = baseTime.Add(time.Minute)
	if err := repos.Documents.UpdateContent(ctx, got); err != nil {
		t.Fatalf("UpdateContent: %v", err)
	}

	reqID := uuid.NewString()
	got.Status = model.DocumentSent
	got.ActiveRequestID = &reqID
	if err := repos.Documents.UpdateState(ctx, got); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	got, err = repos.Documents.GetByID(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Fingerprint() != "abc123" {
		t.Errorf("Fingerprint = %q, ожидали abc123", got.Fingerprint())
	}
	if got.Status != model.DocumentSent || got.ActiveRequestID == nil || *got.ActiveRequestID != reqID {
		t.Errorf("состояние не сохранено: %+v", got)
	}

	second := newTestDocument(owner)
	second.CreatedAt = baseTime.Add(time.Hour)
	if err := repos.Documents.Create(ctx, second); err != nil {
		t.Fatalf("Create second: %v", err)
	}
	list, err := repos.Documents.ListByOwner(ctx, owner, 10, 0)
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID {
		t.Errorf("ListByOwner: ожидали 2 документа, новый первым, получили %d", len(list))
	}
	count, err := repos.Documents.CountByOwner(ctx, owner)
	if err != nil || count != 2 {
		t.Errorf("CountByOwner = %d, %v; ожидали 2", count, err)
	}

	if _, err := repos.Documents.GetByID(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID несуществующего: ожидали ErrNotFound, получили %v", err)
	}
	if err := repos.Documents.UpdateState(ctx, newTestDocument(owner)); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateState несуществующего: ожидали ErrNotFound, получили %v", err)
	}
}

func testRequestLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	repos := s.Repos()

	d := newTestDocument("owner-1")
	if err := repos.Documents.Create(ctx, d); err != nil {
		t.Fatalf("Create document: %v", err)
	}
	req := newTestRequest(d.ID, "a@example.com", "b@example.com", "c@example.com")
	if err := repos.Requests.Create(ctx, req); err != nil {
		t.Fatalf("Create request: %v", err)
	}

	got, err := repos.Requests.GetByID(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if len(got.Recipients) != 3 {
		t.Fatalf("получателей = %d, ожидали 3", len(got.Recipients))
	}
	for i, want := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		if got.Recipients[i].Email != want {
			t.Errorf("Recipients[%d] = %s, ожидали %s (порядок списка)", i, got.Recipients[i].Email, want)
		}
	}

	rc := got.Recipients[0]
	signedAt := baseTime.Add(time.Hour)
	ref := uuid.NewString()
	rc.Status = model.RecipientSigned
	rc.SignedAt = &signedAt
	rc.SignatureRef = &ref
	if err := repos.Requests.UpdateRecipient(ctx, rc); err != nil {
		t.Fatalf("UpdateRecipient: %v", err)
	}

	completedAt := baseTime.Add(2 * time.Hour)
	got.Status = model.RequestCompleted
	got.CompletedAt = &completedAt
	got.UpdatedAt = completedAt
	if err := repos.Requests.UpdateStatus(ctx, got); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	latest, err := repos.Requests.GetLatestByDocument(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetLatestByDocument: %v", err)
	}
	if latest.ID != req.ID || latest.Status != model.RequestCompleted {
		t.Errorf("GetLatestByDocument = %s/%s", latest.ID, latest.Status)
	}
	if latest.Recipients[0].Status != model.RecipientSigned || latest.Recipients[0].SignedAt == nil {
		t.Errorf("прогресс получателя не сохранён: %+v", latest.Recipients[0])
	}

	if _, err := repos.Requests.GetLatestByDocument(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Errorf("ожидали ErrNotFound, получили %v", err)
	}
}

func testSingleActiveRequest(t *testing.T, s Store) {
	ctx := context.Background()
	repos := s.Repos()

	d := newTestDocument("owner-1")
	if err := repos.Documents.Create(ctx, d); err != nil {
		t.Fatalf("Create document: %v", err)
	}
	if err := repos.Requests.Create(ctx, newTestRequest(d.ID, "a@example.com")); err != nil {
		t.Fatalf("Create first: %v", err)
	}
	err := repos.Requests.Create(ctx, newTestRequest(d.ID, "b@example.com"))
	if !errors.Is(err, ErrConflict) {
		t.Errorf("второй активный запрос: ожидали ErrConflict, получили %v", err)
	}
}

func testDuplicateSignature(t *testing.T, s Store) {
	ctx := context.Background()
	repos := s.Repos()

	d := newTestDocument("owner-1")
	if err := repos.Documents.Create(ctx, d); err != nil {
		t.Fatalf("Create document: %v", err)
	}
	req := newTestRequest(d.ID, "a@example.com")
	if err := repos.Requests.Create(ctx, req); err != nil {
		t.Fatalf("Create request: %v", err)
	}

	rec := &model.SignatureRecord{
		ID:            uuid.NewString(),
		RequestID:     req.ID,
		RecipientID:   req.Recipients[0].ID,
		DocumentID:    d.ID,
		Method:        model.MethodTyped,
		Payload:       []byte("Иван Петров"),
		Timestamp:     baseTime,
		IntegrityHash: "h",
	}
	if err := repos.Signatures.Create(ctx, rec); err != nil {
		t.Fatalf("Create signature: %v", err)
	}
	dup := *rec
	dup.ID = uuid.NewString()
	if err := repos.Signatures.Create(ctx, &dup); !errors.Is(err, ErrConflict) {
		t.Errorf("повторная подпись: ожидали ErrConflict, получили %v", err)
	}

	list, err := repos.Signatures.ListByDocument(ctx, d.ID)
	if err != nil {
		t.Fatalf("ListByDocument: %v", err)
	}
	if len(list) != 1 || string(list[0].Payload) != "Иван Петров" {
		t.Errorf("ListByDocument = %+v", list)
	}
}

func testEventsOrdering(t *testing.T, s Store) {
	ctx := context.Background()
	repos := s.Repos()

	docID := uuid.NewString()
	if _, err := repos.Events.Last(ctx, docID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Last пустого журнала: ожидали ErrNotFound, получили %v", err)
	}
	if err := repos.Documents.Create(ctx, &model.Document{
		ID: docID, Title: "t", OwnerID: "o", DocumentType: model.DocumentTypeGeneral,
		Status: model.DocumentDraft, CreatedAt: baseTime,
	}); err != nil {
		t.Fatalf("Create document: %v", err)
	}

	for seq := int64(1); seq <= 5; seq++ {
		if err := repos.Events.Append(ctx, newTestEvent(docID, seq)); err != nil {
			t.Fatalf("Append %d: %v", seq, err)
		}
	}
	if err := repos.Events.Append(ctx, newTestEvent(docID, 3)); !errors.Is(err, ErrConflict) {
		t.Errorf("повторный sequence: ожидали ErrConflict, получили %v", err)
	}

	last, err := repos.Events.Last(ctx, docID)
	if err != nil || last.Sequence != 5 {
		t.Fatalf("Last = %v, %v; ожидали sequence 5", last, err)
	}

	page, err := repos.Events.ListByDocument(ctx, docID, NewestFirst, 2, 1)
	if err != nil {
		t.Fatalf("ListByDocument: %v", err)
	}
	if len(page) != 2 || page[0].Sequence != 4 || page[1].Sequence != 3 {
		t.Errorf("страница = %v, ожидали [4 3]", sequences(page))
	}
	page, err = repos.Events.ListByDocument(ctx, docID, OldestFirst, 2, 1)
	if err != nil {
		t.Fatalf("ListByDocument: %v", err)
	}
	if len(page) != 2 || page[0].Sequence != 2 || page[1].Sequence != 3 {
		t.Errorf("страница = %v, ожидали [2 3]", sequences(page))
	}

	history, err := repos.Events.History(ctx, docID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 5 || history[0].Sequence != 1 {
		t.Errorf("History = %v", sequences(history))
	}
	if history[0].Details["title"] != "Договор поставки" {
		t.Errorf("details не сохранены: %v", history[0].Details)
	}

	count, err := repos.Events.Count(ctx, docID)
	if err != nil || count != 5 {
		t.Errorf("Count = %d, %v", count, err)
	}
}

func testTxRollback(t *testing.T, s Store) {
	ctx := context.Background()
	d := newTestDocument("owner-1")
	boom := errors.New("boom")

	err := s.RunInTx(ctx, func(repos *Repositories) error {
		if err := repos.Documents.Create(ctx, d); err != nil {
			return err
		}
		if err := repos.Events.Append(ctx, newTestEvent(d.ID, 1)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("RunInTx: ожидали boom, получили %v", err)
	}

	if _, err := s.Repos().Documents.GetByID(ctx, d.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("документ должен быть откачен, получили %v", err)
	}
	if n, _ := s.Repos().Events.Count(ctx, d.ID); n != 0 {
		t.Errorf("события должны быть откачены, осталось %d", n)
	}

	err = s.RunInTx(ctx, func(repos *Repositories) error {
		return repos.Documents.Create(ctx, d)
	})
	if err != nil {
		t.Fatalf("RunInTx commit: %v", err)
	}
	if _, err := s.Repos().Documents.GetByID(ctx, d.ID); err != nil {
		t.Errorf("документ после коммита: %v", err)
	}
}

// testLockDocumentSerializes проверяет, что параллельные транзакции,
// читающие Last под LockDocument, не получают одинаковый sequence.
func testLockDocumentSerializes(t *testing.T, s Store) {
	ctx := context.Background()
	d := newTestDocument("owner-1")
	if err := s.Repos().Documents.Create(ctx, d); err != nil {
		t.Fatalf("Create document: %v", err)
	}

	const writers = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.RunInTx(ctx, func(repos *Repositories) error {
				if err := repos.Events.LockDocument(ctx, d.ID); err != nil {
					return err
				}
				var next int64 = 1
				last, err := repos.Events.Last(ctx, d.ID)
				switch {
				case err == nil:
					next = last.Sequence + 1
				case !errors.Is(err, ErrNotFound):
					return err
				}
				return repos.Events.Append(ctx, newTestEvent(d.ID, next))
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("RunInTx: %v", err)
		}
	}

	history, err := s.Repos().Events.History(ctx, d.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != writers {
		t.Fatalf("событий = %d, ожидали %d", len(history), writers)
	}
	for i, e := range history {
		if e.Sequence != int64(i+1) {
			t.Errorf("history[%d].Sequence = %d, ожидали %d", i, e.Sequence, i+1)
		}
	}
}

// testSignatureFields проверяет порядок выдачи полей и откат вставки.
func testSignatureFields(t *testing.T, s Store) {
	ctx := context.Background()
	d := newTestDocument("owner-1")
	if err := s.Repos().Documents.Create(ctx, d); err != nil {
		t.Fatalf("Create document: %v", err)
	}
	req := newTestRequest(d.ID, "a@example.com", "b@example.com")
	if err := s.Repos().Requests.Create(ctx, req); err != nil {
		t.Fatalf("Create request: %v", err)
	}

	field := func(rc *model.Recipient, page int, y float64) *model.SignatureField {
		return &model.SignatureField{
			ID:          uuid.NewString(),
			RequestID:   req.ID,
			RecipientID: rc.ID,
			SignerEmail: rc.Email,
			Page:        page,
			X:           72,
			Y:           y,
			Width:       180,
			Height:      48,
			Type:        model.FieldSignature,
			Required:    true,
			CreatedAt:   baseTime,
		}
	}
	a, b := req.Recipients[0], req.Recipients[1]
	fields := []*model.SignatureField{field(a, 2, 100), field(b, 1, 600), field(a, 1, 700)}
	err := s.RunInTx(ctx, func(repos *Repositories) error {
		return repos.Fields.Create(ctx, fields)
	})
	if err != nil {
		t.Fatalf("Create fields: %v", err)
	}

	got, err := s.Repos().Fields.ListByRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("ListByRequest: %v", err)
	}
	want := []string{fields[1].ID, fields[2].ID, fields[0].ID}
	if len(got) != len(want) {
		t.Fatalf("полей = %d, ожидали %d", len(got), len(want))
	}
	for i, f := range got {
		if f.ID != want[i] {
			t.Errorf("got[%d] = %s (стр. %d), ожидали %s", i, f.ID, f.Page, want[i])
		}
	}
	if got[0].SignerEmail != b.Email || got[0].Y != 600 || got[0].Type != model.FieldSignature {
		t.Errorf("поле прочитано неверно: %+v", got[0])
	}

	boom := errors.New("boom")
	err = s.RunInTx(ctx, func(repos *Repositories) error {
		if err := repos.Fields.Create(ctx, []*model.SignatureField{field(b, 3, 10)}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("ожидали boom, получили %v", err)
	}
	if after, _ := s.Repos().Fields.ListByRequest(ctx, req.ID); len(after) != len(want) {
		t.Errorf("после отката полей = %d, ожидали %d", len(after), len(want))
	}
}

func sequences(events []*model.AuditEvent) []int64 {
	out := make([]int64, len(events))
	for i, e := range events {
		out[i] = e.Sequence
	}
	return out
}
