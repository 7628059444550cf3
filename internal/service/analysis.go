package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bigkaa/gosign/signing-module/internal/analysis"
	"github.com/bigkaa/gosign/signing-module/internal/content"
	"github.com/bigkaa/gosign/signing-module/internal/domain/model"
	"github.com/bigkaa/gosign/signing-module/internal/repository"
)

// analysisJob — анализ загруженного содержимого документа.
type analysisJob struct {
	DocumentID   string
	Title        string
	DocumentType string
	ContentType  string
	ContentKey   string
}

// AnalysisRunner выполняет анализ содержимого в фоне и фиксирует
// результат событием analyzed. Ошибки анализа логируются и не
// влияют на документ.
type AnalysisRunner struct {
	analyzer analysis.Analyzer
	content  content.Store
	store    repository.Store
	ledger   *AuditLedger
	timeout  time.Duration
	queue    *taskQueue[analysisJob]
	logger   *slog.Logger
}

// NewAnalysisRunner создаёт исполнитель анализа.
func NewAnalysisRunner(
	analyzer analysis.Analyzer,
	contentStore content.Store,
	store repository.Store,
	ledger *AuditLedger,
	timeout time.Duration,
	logger *slog.Logger,
) *AnalysisRunner {
	r := &AnalysisRunner{
		analyzer: analyzer,
		content:  contentStore,
		store:    store,
		ledger:   ledger,
		timeout:  timeout,
		logger:   logger.With(slog.String("component", "analysis")),
	}
	r.queue = newTaskQueue("analysis", 64, 1, r.run, r.logger)
	return r
}

// Start запускает воркер анализа.
func (r *AnalysisRunner) Start(ctx context.Context) { r.queue.Start(ctx) }

// Stop дожидается завершения принятых задач.
func (r *AnalysisRunner) Stop() { r.queue.Stop() }

func (r *AnalysisRunner) enqueue(job analysisJob) { r.queue.Enqueue(job) }

func (r *AnalysisRunner) run(ctx context.Context, job analysisJob) error {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	data, err := r.content.Get(runCtx, job.ContentKey)
	if err != nil {
		return fmt.Errorf("ошибка чтения содержимого %s: %w", job.DocumentID, err)
	}

	result, err := r.analyzer.Analyze(runCtx, analysis.Input{
		DocumentID:   job.DocumentID,
		Title:        job.Title,
		DocumentType: job.DocumentType,
		ContentType:  job.ContentType,
		Content:      data,
	})
	if err != nil {
		return fmt.Errorf("ошибка анализа документа %s: %w", job.DocumentID, err)
	}

	var event *model.AuditEvent
	err = r.store.RunInTx(ctx, func(repos *repository.Repositories) error {
		var err error
		event, err = r.ledger.Append(ctx, repos, AppendInput{
			DocumentID: job.DocumentID,
			Action:     model.ActionAnalyzed,
			Actor:      model.SystemActor,
			Details: map[string]any{
				"summary":          result.Summary,
				"detected_clauses": result.DetectedClauses,
				"suggested_fields": result.SuggestedFields,
			},
		})
		return err
	})
	if err != nil {
		return err
	}
	r.ledger.Publish(event)

	r.logger.Debug("Анализ документа завершён",
		slog.String("document_id", job.DocumentID),
		slog.Int("clauses", len(result.DetectedClauses)),
	)
	return nil
}
