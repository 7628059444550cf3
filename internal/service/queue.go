// queue.go — ограниченная очередь фоновых задач с пулом воркеров.
//
// Используется для всего, что выполняется после коммита и снятия
// блокировок: рассылка уведомлений, публикация событий журнала,
// анализ содержимого. При переполнении задача отбрасывается
// с метрикой sg_queue_dropped_total, вызывающий не блокируется.
package service

import (
	"context"
	"log/slog"
	"sync"
)

// taskQueue — очередь задач типа T с фиксированным числом воркеров.
type taskQueue[T any] struct {
	name    string
	tasks   chan T
	workers int
	handle  func(ctx context.Context, task T) error
	logger  *slog.Logger

	mu     sync.RWMutex // защищает closed и отправку в tasks
	closed bool
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func newTaskQueue[T any](
	name string,
	size, workers int,
	handle func(ctx context.Context, task T) error,
	logger *slog.Logger,
) *taskQueue[T] {
	if size < 1 {
		size = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &taskQueue[T]{
		name:    name,
		tasks:   make(chan T, size),
		workers: workers,
		handle:  handle,
		logger:  logger.With(slog.String("queue", name)),
	}
}

// Start запускает воркеры. Вызывается один раз.
func (q *taskQueue[T]) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel

	for range q.workers {
		q.wg.Add(1)
		go q.run(workerCtx)
	}
	q.logger.Debug("Очередь запущена", slog.Int("workers", q.workers), slog.Int("size", cap(q.tasks)))
}

// Stop прекращает приём задач и дожидается обработки уже принятых.
func (q *taskQueue[T]) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	q.wg.Wait()
	if q.cancel != nil {
		q.cancel()
	}
	q.logger.Debug("Очередь остановлена")
}

// Enqueue ставит задачу в очередь. false — очередь переполнена или остановлена.
func (q *taskQueue[T]) Enqueue(task T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		queueDroppedTotal.WithLabelValues(q.name).Inc()
		q.logger.Warn("Очередь остановлена, задача отброшена")
		return false
	}
	select {
	case q.tasks <- task:
		return true
	default:
		queueDroppedTotal.WithLabelValues(q.name).Inc()
		q.logger.Warn("Очередь переполнена, задача отброшена")
		return false
	}
}

func (q *taskQueue[T]) run(ctx context.Context) {
	defer q.wg.Done()
	for task := range q.tasks {
		if err := q.handle(ctx, task); err != nil {
			queueProcessedTotal.WithLabelValues(q.name, "error").Inc()
			q.logger.Warn("Ошибка обработки задачи", slog.String("error", err.Error()))
			continue
		}
		queueProcessedTotal.WithLabelValues(q.name, "ok").Inc()
	}
}
