// ratelimit.go — ограничение частоты запросов на клиента (token bucket).
// Клиент — субъект токена, для анонимных запросов — IP-адрес.
package middleware

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	apierrors "github.com/bigkaa/gosign/signing-module/internal/api/errors"
)

// Параметры хранилища лимитеров: лимитер клиента живёт limiterTTL с момента создания.
const (
	limiterCacheSize = 10000
	limiterTTL       = 10 * time.Minute
)

// RateLimiter — лимитеры по клиентам в expirable LRU.
type RateLimiter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	rps      rate.Limit
	burst    int
}

// NewRateLimiter создаёт ограничитель. rps <= 0 — ограничение выключено (nil).
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](limiterCacheSize, nil, limiterTTL),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// limiter возвращает лимитер клиента, создавая его при первом запросе.
func (l *RateLimiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters.Get(key); ok {
		return lim
	}
	lim := rate.NewLimiter(l.rps, l.burst)
	l.limiters.Add(key, lim)
	return lim
}

// Middleware возвращает HTTP middleware. Должен стоять после аутентификации.
func (l *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lim := l.limiter(clientKey(r))
			if !lim.Allow() {
				retry := int(math.Ceil(1 / float64(l.rps)))
				w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))
				apierrors.TooManyRequests(w, fmt.Sprintf("Превышен лимит %.0f запросов в секунду", float64(l.rps)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey — ключ клиента: субъект или IP.
func clientKey(r *http.Request) string {
	if sub := SubjectFromContext(r.Context()); sub != "" {
		return "sub:" + sub
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
