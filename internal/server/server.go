// Пакет server — HTTP-сервер Signing Module с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/bigkaa/gosign/signing-module/internal/api/middleware"
	"github.com/bigkaa/gosign/signing-module/internal/api/router"
	"github.com/bigkaa/gosign/signing-module/internal/config"
)

// Options — необязательные middleware API. Нулевые поля отключают слой.
type Options struct {
	// Auth — JWT middleware или DevIdentity. Health и metrics исключены.
	Auth func(http.Handler) http.Handler
	// RateLimiter — ограничение частоты запросов на клиента.
	RateLimiter *middleware.RateLimiter
	// Validator — проверка запросов по OpenAPI.
	Validator *middleware.RequestValidator
	// Idempotency — повтор ответов по Idempotency-Key.
	Idempotency *middleware.Idempotency
}

// Server — HTTP-сервер Signing Module.
type Server struct {
	httpServer *http.Server
	router     chi.Router
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
// handler — реализация router.ServerInterface (APIHandler).
func New(cfg *config.Config, logger *slog.Logger, handler router.ServerInterface, opts Options) *Server {
	r := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	r.Use(chimw.RequestID)
	r.Use(middleware.MetricsMiddleware())
	r.Use(middleware.RequestLogger(logger))

	// Health и metrics проверяются Kubernetes напрямую, без API Gateway.
	if opts.Auth != nil {
		r.Use(withExclusions(opts.Auth, "/health/", "/metrics"))
	}
	// Лимит после auth: ключ клиента — subject токена.
	if opts.RateLimiter != nil {
		r.Use(withExclusions(opts.RateLimiter.Middleware(), "/health/", "/metrics"))
	}
	if opts.Validator != nil {
		r.Use(opts.Validator.Middleware())
	}
	if opts.Idempotency != nil {
		r.Use(opts.Idempotency.Middleware())
	}

	router.HandlerFromMux(handler, r)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		router:     r,
		logger:     logger,
		cfg:        cfg,
	}
}

// Handler возвращает корневой http.Handler (для httptest).
func (s *Server) Handler() http.Handler {
	return s.router
}

// withExclusions оборачивает middleware, пропуская указанные пути.
func withExclusions(mw func(http.Handler) http.Handler, excludePrefixes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		wrapped := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range excludePrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}
			wrapped.ServeHTTP(w, r)
		})
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
