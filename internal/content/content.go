// Пакет content — хранилище содержимого документов.
// Содержимое адресуется ID документа; отпечаток (SHA-256) считается
// сервисным слоем до записи.
package content

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrNotFound — содержимое не загружено.
var ErrNotFound = errors.New("содержимое документа не найдено")

// Store — хранилище содержимого.
type Store interface {
	// Put сохраняет содержимое под ключом key, перезаписывая существующее.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// Get возвращает содержимое или ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
}

// MemoryStore — in-memory хранилище содержимого (dev-режим, тесты).
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore создаёт пустое in-memory хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}
