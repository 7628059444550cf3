package service

import "sync"

// KeyedMutex — набор мьютексов по ключу. Записи удаляются,
// когда ключ никем не удерживается и никто его не ждёт.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex создаёт пустой набор.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock захватывает мьютекс ключа и возвращает функцию освобождения.
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			k.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
		})
	}
}

// Ключи блокировок. Порядок захвата: запрос → документ.
func requestKey(id string) string  { return "req:" + id }
func documentKey(id string) string { return "doc:" + id }
