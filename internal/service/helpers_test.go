package service

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/gosign/signing-module/internal/analysis"
	"github.com/bigkaa/gosign/signing-module/internal/compliance"
	"github.com/bigkaa/gosign/signing-module/internal/content"
	"github.com/bigkaa/gosign/signing-module/internal/domain/model"
	"github.com/bigkaa/gosign/signing-module/internal/notify"
	"github.com/bigkaa/gosign/signing-module/internal/repository"
)

// testLogger — логгер для тестов (вывод в stderr, уровень Error).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var (
	owner   = Identity{Subject: "owner-1", Email: "owner@example.com"}
	alice   = "alice@example.com"
	bob     = "bob@example.com"
	startAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

// testClock — управляемые часы.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingSender запоминает отправленные уведомления.
type recordingSender struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (s *recordingSender) Send(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return nil
}

func (s *recordingSender) byKind(kind notify.Kind) []notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Notification
	for _, n := range s.sent {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// recordingPublisher запоминает опубликованные события.
type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.topics)
}

// testEnv — сервисный слой поверх in-memory хранилища.
type testEnv struct {
	store      *repository.MemoryStore
	content    *content.MemoryStore
	clock      *testClock
	sender     *recordingSender
	publisher  *recordingPublisher
	ledger     *AuditLedger
	notifier   *NotificationDispatcher
	signing    *SigningService
	compliance *ComplianceService
	analysis   *AnalysisRunner
	coord      *Coordinator

	stopOnce sync.Once
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testLogger()
	env := &testEnv{
		store:     repository.NewMemoryStore(),
		content:   content.NewMemoryStore(),
		clock:     &testClock{now: startAt},
		sender:    &recordingSender{},
		publisher: &recordingPublisher{},
	}
	locks := NewKeyedMutex()

	env.ledger = NewAuditLedger(env.store, env.publisher, 256, logger)
	env.ledger.now = env.clock.Now
	env.notifier = NewNotificationDispatcher(env.sender, 2, 256, logger)
	env.signing = NewSigningService(env.store, env.ledger, env.notifier, locks, 7, logger)
	env.signing.now = env.clock.Now
	env.compliance = NewComplianceService(env.store, compliance.DefaultRegistry(), compliance.FrameworkETA2019, 100, time.Minute, logger)
	env.compliance.now = env.clock.Now
	env.analysis = NewAnalysisRunner(analysis.NewStubAnalyzer(), env.content, env.store, env.ledger, 5*time.Second, logger)
	env.coord = NewCoordinator(env.store, env.ledger, env.signing, env.compliance, env.content, env.analysis, locks, 1<<20, logger)
	env.coord.now = env.clock.Now

	ctx := context.Background()
	env.ledger.Start(ctx)
	env.notifier.Start(ctx)
	env.analysis.Start(ctx)
	t.Cleanup(env.stop)
	return env
}

// stop дожидается фоновых задач. Порядок: анализ пишет в журнал,
// журнал публикует события.
func (e *testEnv) stop() {
	e.stopOnce.Do(func() {
		e.analysis.Stop()
		e.notifier.Stop()
		e.ledger.Stop()
	})
}

func (e *testEnv) createDocument(t *testing.T, docType string) *model.Document {
	t.Helper()
	doc, err := e.coord.CreateDocument(context.Background(), CreateDocumentInput{
		Title:        "Договор поставки",
		DocumentType: docType,
		Owner:        owner,
	})
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	return doc
}

func (e *testEnv) open(t *testing.T, docID, mode string, emails ...string) *model.SignatureRequest {
	t.Helper()
	req, err := e.coord.OpenSignatureRequest(context.Background(), OpenInput{
		DocumentID:   docID,
		Recipients:   recipientInputs(emails...),
		OrderingMode: mode,
	}, owner)
	if err != nil {
		t.Fatalf("OpenSignatureRequest: %v", err)
	}
	return req
}

func (e *testEnv) sign(requestID, email string) (*model.SignatureRecord, *model.SignatureRequest, error) {
	origin := "192.0.2.10"
	ua := "test-agent/1.0"
	return e.signing.Sign(context.Background(), SignInput{
		RequestID: requestID,
		Email:     email,
		Method:    model.MethodDrawn,
		Payload:   []byte("signature-of-" + email),
		Origin:    &origin,
		UserAgent: &ua,
	})
}

func (e *testEnv) document(t *testing.T, id string) *model.Document {
	t.Helper()
	doc, err := e.store.Repos().Documents.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%s): %v", id, err)
	}
	return doc
}

func (e *testEnv) actions(t *testing.T, docID string) []model.AuditAction {
	t.Helper()
	events, err := e.ledger.History(context.Background(), docID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	out := make([]model.AuditAction, len(events))
	for i, ev := range events {
		out[i] = ev.Action
	}
	return out
}

func (e *testEnv) countAction(t *testing.T, docID string, action model.AuditAction) int {
	t.Helper()
	n := 0
	for _, a := range e.actions(t, docID) {
		if a == action {
			n++
		}
	}
	return n
}

func recipientInputs(emails ...string) []RecipientInput {
	out := make([]RecipientInput, len(emails))
	for i, e := range emails {
		out[i] = RecipientInput{Email: e}
	}
	return out
}

func equalActions(got, want []model.AuditAction) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
