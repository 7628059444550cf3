package service

import (
	"context"
	"errors"
	"time"
)

// readRetry — повтор идемпотентных чтений при недоступности хранилища.
type readRetry struct {
	attempts int
	delay    time.Duration
}

var defaultReadRetry = readRetry{attempts: 3, delay: 50 * time.Millisecond}

// do выполняет fn, повторяя при ErrStorageUnavailable с удвоением паузы.
func (r readRetry) do(ctx context.Context, fn func() error) error {
	delay := r.delay
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrStorageUnavailable) || attempt >= r.attempts {
			return err
		}
		readRetriesTotal.Inc()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		delay *= 2
	}
}
