package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/bigkaa/gosign/signing-module/internal/compliance"
	"github.com/bigkaa/gosign/signing-module/internal/domain/model"
	"github.com/bigkaa/gosign/signing-module/internal/repository"
)

// ComplianceService строит отчёты compliance по снимку документа.
// Отчёты кэшируются по (документ, фреймворк, последнее событие журнала):
// новое событие меняет ключ, поэтому устаревший отчёт не возвращается
// дольше, чем до следующего чтения журнала. Блокировки не берутся.
type ComplianceService struct {
	store            repository.Store
	registry         *compliance.Registry
	defaultFramework string
	cache            *expirable.LRU[string, *model.ComplianceReport]
	group            singleflight.Group
	now              func() time.Time
	logger           *slog.Logger
}

// NewComplianceService создаёт сервис compliance с LRU-кэшем
// на cacheSize отчётов и временем жизни ttl.
func NewComplianceService(
	store repository.Store,
	registry *compliance.Registry,
	defaultFramework string,
	cacheSize int,
	ttl time.Duration,
	logger *slog.Logger,
) *ComplianceService {
	return &ComplianceService{
		store:            store,
		registry:         registry,
		defaultFramework: defaultFramework,
		cache:            expirable.NewLRU[string, *model.ComplianceReport](cacheSize, nil, ttl),
		now:              time.Now,
		logger:           logger.With(slog.String("component", "compliance")),
	}
}

// Frameworks возвращает имена доступных фреймворков.
func (s *ComplianceService) Frameworks() []string {
	return s.registry.Names()
}

// Score возвращает отчёт compliance документа. Пустой framework —
// фреймворк по умолчанию.
func (s *ComplianceService) Score(ctx context.Context, documentID, framework string) (*model.ComplianceReport, error) {
	if framework == "" {
		framework = s.defaultFramework
	}
	fw, err := s.registry.Get(framework)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	var latest string
	err = defaultReadRetry.do(ctx, func() error {
		repos := s.store.Repos()
		if _, err := repos.Documents.GetByID(ctx, documentID); err != nil {
			return documentErr(documentID, err)
		}
		last, err := repos.Events.Last(ctx, documentID)
		switch {
		case err == nil:
			latest = last.ID
		case errors.Is(err, repository.ErrNotFound):
			latest = ""
		default:
			return storageErr("чтение журнала", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	key := documentID + "|" + fw.Name + "|" + latest
	if report, ok := s.cache.Get(key); ok {
		complianceCacheHitsTotal.Inc()
		return report, nil
	}
	complianceCacheMissesTotal.Inc()

	v, err, _ := s.group.Do(key, func() (any, error) {
		snap, err := s.Snapshot(ctx, documentID)
		if err != nil {
			return nil, err
		}
		report := compliance.Evaluate(fw, *snap)
		s.cache.Add(key, report)
		return report, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.ComplianceReport), nil
}

// Snapshot собирает снимок документа для оценки: документ, последний
// запрос, подписи этого запроса, история журнала и результат проверки цепочки.
func (s *ComplianceService) Snapshot(ctx context.Context, documentID string) (*compliance.Snapshot, error) {
	snap := &compliance.Snapshot{}
	err := defaultReadRetry.do(ctx, func() error {
		repos := s.store.Repos()
		doc, err := repos.Documents.GetByID(ctx, documentID)
		if err != nil {
			return documentErr(documentID, err)
		}
		req, err := repos.Requests.GetLatestByDocument(ctx, documentID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return storageErr("чтение запроса", err)
		}
		sigs, err := repos.Signatures.ListByDocument(ctx, documentID)
		if err != nil {
			return storageErr("чтение подписей", err)
		}
		events, err := repos.Events.History(ctx, documentID)
		if err != nil {
			return storageErr("чтение журнала", err)
		}

		*snap = compliance.Snapshot{
			Document:    doc,
			Request:     req,
			Signatures:  compliance.SigningEvidence(req, sigs),
			Events:      events,
			ChainValid:  Verify(events) == nil,
			EvaluatedAt: s.now().UTC().Truncate(time.Microsecond),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}
