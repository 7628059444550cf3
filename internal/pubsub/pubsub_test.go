package pubsub

import (
	"context"
	"log/slog"
	"os"
	"testing"
)

func TestDocumentEventsTopic(t *testing.T) {
	if got := DocumentEventsTopic("abc"); got != "documents.abc.events" {
		t.Errorf("DocumentEventsTopic = %q", got)
	}
}

func TestLogPublisher(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	p := NewLogPublisher(logger)
	if err := p.Publish(context.Background(), "documents.abc.events", []byte(`{}`)); err != nil {
		t.Errorf("Publish: %v", err)
	}
}
