// Пакет notify — доставка уведомлений получателям и владельцам документов.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Kind — тип уведомления.
type Kind string

const (
	KindInvitation   Kind = "invitation"
	KindReminder     Kind = "reminder"
	KindCancellation Kind = "cancellation"
	KindExpiration   Kind = "expiration"
	KindCompletion   Kind = "completion"
)

// Notification — уведомление одному адресату.
type Notification struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	To          string    `json:"to"`
	DisplayName string    `json:"display_name,omitempty"`
	DocumentID  string    `json:"document_id"`
	Title       string    `json:"title"`
	RequestID   string    `json:"request_id,omitempty"`
	Message     string    `json:"message,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Sender — транспорт уведомлений.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// LogSender только пишет уведомления в лог (RabbitMQ не настроен).
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender создаёт отправитель-заглушку.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With(slog.String("component", "notify"))}
}

func (s *LogSender) Send(_ context.Context, n Notification) error {
	s.logger.Info("Уведомление",
		slog.String("kind", string(n.Kind)),
		slog.String("to", n.To),
		slog.String("document_id", n.DocumentID),
	)
	return nil
}
