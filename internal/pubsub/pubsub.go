// Пакет pubsub — публикация событий журнала аудита во внешний мир.
package pubsub

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Publisher — публикация сообщения в топик.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// DocumentEventsTopic возвращает топик событий документа.
func DocumentEventsTopic(documentID string) string {
	return "documents." + documentID + ".events"
}

// RedisPublisher публикует сообщения через Redis PUBLISH.
type RedisPublisher struct {
	client redis.UniversalClient
}

// NewRedisPublisher создаёт публикатор поверх клиента Redis.
func NewRedisPublisher(client redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := p.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("ошибка публикации в %s: %w", topic, err)
	}
	return nil
}

// LogPublisher только логирует публикации (Redis не настроен).
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher создаёт публикатор-заглушку.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With(slog.String("component", "pubsub"))}
}

func (p *LogPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.logger.Debug("Событие опубликовано",
		slog.String("topic", topic),
		slog.Int("size", len(payload)),
	)
	return nil
}
