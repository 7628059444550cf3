package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPSender публикует уведомления в topic exchange RabbitMQ.
// Routing key — "notification.<kind>".
type AMQPSender struct {
	conn     *amqp.Connection
	exchange string
	logger   *slog.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

// NewAMQPSender подключается к брокеру и объявляет exchange.
func NewAMQPSender(url, exchange string, logger *slog.Logger) (*AMQPSender, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка открытия канала RabbitMQ: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка объявления exchange %s: %w", exchange, err)
	}

	return &AMQPSender{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		logger:   logger.With(slog.String("component", "notify_amqp")),
	}, nil
}

// RoutingKey возвращает routing key для типа уведомления.
func RoutingKey(kind Kind) string {
	return "notification." + string(kind)
}

func (s *AMQPSender) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("ошибка сериализации уведомления: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch.IsClosed() {
		ch, err := s.conn.Channel()
		if err != nil {
			return fmt.Errorf("ошибка переоткрытия канала RabbitMQ: %w", err)
		}
		s.ch = ch
		s.logger.Warn("Канал RabbitMQ переоткрыт")
	}

	err = s.ch.PublishWithContext(ctx, s.exchange, RoutingKey(n.Kind), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.ID,
		Timestamp:    n.CreatedAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("ошибка публикации уведомления: %w", err)
	}
	return nil
}

// Close закрывает соединение с брокером.
func (s *AMQPSender) Close() error {
	return s.conn.Close()
}

// CheckReady проверяет соединение с брокером для /health/ready.
func (s *AMQPSender) CheckReady() (status string, message string) {
	if s.conn.IsClosed() {
		return "fail", "соединение с RabbitMQ закрыто"
	}
	return "ok", "подключение активно"
}
