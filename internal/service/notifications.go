package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/gosign/signing-module/internal/domain/model"
	"github.com/bigkaa/gosign/signing-module/internal/notify"
)

// NotificationDispatcher доставляет уведомления асинхронно.
// Ошибки доставки логируются и не влияют на операции.
type NotificationDispatcher struct {
	sender notify.Sender
	queue  *taskQueue[notify.Notification]
	logger *slog.Logger
}

// NewNotificationDispatcher создаёт диспетчер с workers воркерами
// и очередью размера size.
func NewNotificationDispatcher(sender notify.Sender, workers, size int, logger *slog.Logger) *NotificationDispatcher {
	d := &NotificationDispatcher{
		sender: sender,
		logger: logger.With(slog.String("component", "notifications")),
	}
	d.queue = newTaskQueue("notifications", size, workers, d.send, d.logger)
	return d
}

// Start запускает воркеры доставки.
func (d *NotificationDispatcher) Start(ctx context.Context) { d.queue.Start(ctx) }

// Stop дожидается доставки принятых уведомлений.
func (d *NotificationDispatcher) Stop() { d.queue.Stop() }

// Dispatch ставит уведомления в очередь.
func (d *NotificationDispatcher) Dispatch(ns ...notify.Notification) {
	for _, n := range ns {
		d.queue.Enqueue(n)
	}
}

func (d *NotificationDispatcher) send(ctx context.Context, n notify.Notification) error {
	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return d.sender.Send(sendCtx, n)
}

// newNotification собирает уведомление по документу и запросу.
func newNotification(kind notify.Kind, to, displayName string, doc *model.Document, req *model.SignatureRequest, now time.Time) notify.Notification {
	n := notify.Notification{
		ID:          uuid.NewString(),
		Kind:        kind,
		To:          to,
		DisplayName: displayName,
		DocumentID:  doc.ID,
		Title:       doc.Title,
		CreatedAt:   now,
	}
	if req != nil {
		n.RequestID = req.ID
		if req.Message != nil {
			n.Message = *req.Message
		}
	}
	return n
}

// recipientNotifications — уведомление каждому из получателей.
func recipientNotifications(kind notify.Kind, rs model.Recipients, doc *model.Document, req *model.SignatureRequest, now time.Time) []notify.Notification {
	out := make([]notify.Notification, 0, len(rs))
	for _, rc := range rs {
		out = append(out, newNotification(kind, rc.Email, rc.DisplayName, doc, req, now))
	}
	return out
}
