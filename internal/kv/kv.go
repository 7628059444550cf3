// Пакет kv — key-value хранилище с TTL.
// Используется для сохранения ответов по Idempotency-Key.
package kv

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrNotFound — ключ отсутствует или истёк.
var ErrNotFound = errors.New("ключ не найден")

// Store — key-value хранилище.
type Store interface {
	// Get возвращает значение или ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set сохраняет значение с TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX сохраняет значение, только если ключ отсутствует.
	// Возвращает true, если значение записано.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Delete удаляет ключ. Отсутствие ключа не ошибка.
	Delete(ctx context.Context, key string) error
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore — in-memory реализация на expirable LRU.
// maxTTL ограничивает время жизни любой записи сверху.
type MemoryStore struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, memEntry]
	now   func() time.Time
}

// NewMemoryStore создаёт in-memory хранилище.
func NewMemoryStore(size int, maxTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		cache: expirable.NewLRU[string, memEntry](size, nil, maxTTL),
		now:   time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Add(key, memEntry{value: append([]byte(nil), value...), expiresAt: s.now().Add(ttl)})
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.cache.Add(key, memEntry{value: append([]byte(nil), value...), expiresAt: s.now().Add(ttl)})
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	s.cache.Remove(key)
	s.mu.Unlock()
	return nil
}

// lookup возвращает неистёкшую запись. Вызывается под s.mu.
func (s *MemoryStore) lookup(key string) (memEntry, bool) {
	e, ok := s.cache.Get(key)
	if !ok {
		return memEntry{}, false
	}
	if !s.now().Before(e.expiresAt) {
		s.cache.Remove(key)
		return memEntry{}, false
	}
	return e, true
}
