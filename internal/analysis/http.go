package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bigkaa/gosign/signing-module/internal/domain/model"
)

// HTTPAnalyzer — клиент внешнего сервиса анализа.
// POST <url> с JSON Input, ответ — JSON model.Analysis.
type HTTPAnalyzer struct {
	httpClient *http.Client
	url        string
	logger     *slog.Logger
}

// NewHTTPAnalyzer создаёт клиент сервиса анализа.
func NewHTTPAnalyzer(url string, timeout time.Duration, logger *slog.Logger) *HTTPAnalyzer {
	return &HTTPAnalyzer{
		httpClient: &http.Client{Timeout: timeout},
		url:        strings.TrimRight(url, "/"),
		logger:     logger.With(slog.String("component", "analysis_client")),
	}
}

func (a *HTTPAnalyzer) Analyze(ctx context.Context, in Input) (*model.Analysis, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("сериализация запроса анализа: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("создание запроса анализа: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req) //nolint:gosec // G704: URL из конфигурации
	if err != nil {
		return nil, fmt.Errorf("запрос к сервису анализа: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("сервис анализа вернул статус %d: %s", resp.StatusCode, string(msg))
	}

	var result model.Analysis
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("декодирование ответа анализа: %w", err)
	}
	if result.DetectedClauses == nil {
		result.DetectedClauses = []string{}
	}
	if result.SuggestedFields == nil {
		result.SuggestedFields = []string{}
	}
	return &result, nil
}
