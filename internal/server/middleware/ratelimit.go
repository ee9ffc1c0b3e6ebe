package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter ограничивает частоту запросов по ключу (IP клиента)
// корзиной токенов: емкость rate, полное восстановление за window.
// Пополнение равномерное, поэтому срабатывание лимита не выливается
// в залповый повтор на границе окна.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	rate    int
	window  time.Duration
	logger  *slog.Logger
	done    chan struct{}
	now     func() time.Time
}

type tokenBucket struct {
	tokens float64
	seen   time.Time
}

// NewRateLimiter создает лимитер и запускает фоновую чистку
// неактивных корзин. Stop останавливает чистку.
func NewRateLimiter(rate int, window time.Duration, logger *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		rate:    rate,
		window:  window,
		logger:  logger,
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go rl.evictLoop()

	return rl
}

// Allow списывает токен ключа; false означает превышение лимита.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = &tokenBucket{tokens: float64(rl.rate), seen: now}
		rl.buckets[key] = bucket
	}

	refill := now.Sub(bucket.seen).Seconds() * float64(rl.rate) / rl.window.Seconds()
	bucket.tokens = min(float64(rl.rate), bucket.tokens+refill)
	bucket.seen = now

	if bucket.tokens < 1 {
		return false
	}
	bucket.tokens--

	return true
}

// Stop останавливает фоновую чистку корзин.
func (rl *RateLimiter) Stop() {
	close(rl.done)
}

func (rl *RateLimiter) evictLoop() {
	ticker := time.NewTicker(rl.window * 2)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.mu.Lock()
			cutoff := rl.now().Add(-rl.window * 2)
			for key, bucket := range rl.buckets {
				if bucket.seen.Before(cutoff) {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// PathRateLimit задает отдельный лимит для конкретного пути.
type PathRateLimit struct {
	Path   string
	Rate   int
	Window time.Duration
}

// RateLimitByPathMiddleware лимитирует запросы по IP клиента.
// Открытие sync-сессии дороже рядового запроса и получает собственный,
// более жесткий лимит; остальные маршруты делят дефолтный.
// Превышение отвечает 429 с Retry-After.
func RateLimitByPathMiddleware(limits []PathRateLimit, defaultRate int, defaultWindow time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	limiters := make(map[string]*RateLimiter, len(limits))
	windows := make(map[string]time.Duration, len(limits))
	for _, limit := range limits {
		limiters[limit.Path] = NewRateLimiter(limit.Rate, limit.Window, logger)
		windows[limit.Path] = limit.Window
	}
	defaultLimiter := NewRateLimiter(defaultRate, defaultWindow, logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter, window := defaultLimiter, defaultWindow
			if pathLimiter, ok := limiters[r.URL.Path]; ok {
				limiter, window = pathLimiter, windows[r.URL.Path]
			}

			key := clientIP(r)
			if !limiter.Allow(key) {
				logger.Warn("rate limit exceeded",
					"ip", key,
					"method", r.Method,
					"route", collapseSessionID(r.URL.Path))

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP извлекает адрес клиента с учетом прокси-заголовков.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Первый адрес списка — исходный клиент
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}

	return r.RemoteAddr
}
