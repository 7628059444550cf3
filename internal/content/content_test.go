package content

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
)

func TestMemoryStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.Get(ctx, "doc-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get до Put: ожидали ErrNotFound, получили %v", err)
	}

	if err := s.Put(ctx, "doc-1", bytes.NewReader([]byte("первая версия")), 0, "text/plain"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "doc-1", bytes.NewReader([]byte("вторая версия")), 0, "text/plain"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "вторая версия" {
		t.Errorf("Get = %q, ожидали перезапись", got)
	}

	// Возвращается копия
	got[0] = 'X'
	again, _ := s.Get(ctx, "doc-1")
	if string(again) != "вторая версия" {
		t.Error("изменение результата Get повлияло на хранилище")
	}
}

func TestObjectName(t *testing.T) {
	if got := objectName("abc"); got != "documents/abc" {
		t.Errorf("objectName = %q", got)
	}
}

func TestNewMinioStore_InvalidEndpoint(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	_, err := NewMinioStore(MinioConfig{Endpoint: "http://bad endpoint", Bucket: "b"}, logger)
	if err == nil {
		t.Error("ожидали ошибку для некорректного endpoint")
	}
}
