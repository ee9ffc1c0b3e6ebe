// Package router диспетчеризует клиентские запросы между кешем,
// offline-очередью и сетью согласно cache policy.
package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/iudanet/hexsync/internal/checksum"
	"github.com/iudanet/hexsync/internal/client/netmon"
	"github.com/iudanet/hexsync/internal/client/storage"
	"github.com/iudanet/hexsync/internal/models"
)

// StatusSource отдает текущее состояние сети (реализуется netmon.Monitor).
type StatusSource interface {
	Status() netmon.Status
}

// Request описывает один логический запрос к API.
type Request struct {
	Params map[string]string
	Method string
	Target string // путь, например "/api/v1/hexagram/1"
	Body   []byte
	Policy Policy
	TTL    time.Duration // TTL кеша для ответа; 0 = DefaultTTL роутера
}

// Response — результат запроса. Staleness ответа всегда явная:
// Degraded=true означает, что payload пришел из просроченного кеша.
type Response struct {
	Body      []byte
	QueueID   string // QueueID id записи offline-очереди, если мутация отложена
	Status    int
	FromCache bool
	Degraded  bool
	Enqueued  bool
}

// Config содержит настройки роутера.
type Config struct {
	BaseURL        string
	AuthToken      string
	MaxRetries     uint64        // количество повторов remote-вызова (default 3)
	BaseDelay      time.Duration // база экспоненциального backoff (default 500ms)
	RequestTimeout time.Duration // таймаут одного remote-вызова (default 15s)
	DefaultTTL     time.Duration // TTL кеша по умолчанию (default 1h)
}

func (c *Config) applyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = time.Hour
	}
}

// Router направляет чтения и мутации в кеш, очередь или сеть.
type Router struct {
	cfg         Config
	cache       storage.CacheStore
	queue       storage.OfflineQueue
	monitor     StatusSource
	httpClient  *http.Client
	logger      *slog.Logger
	onAuthError func(error)
}

// New создает роутер поверх клиентских хранилищ и монитора сети.
func New(cfg Config, cache storage.CacheStore, queue storage.OfflineQueue, monitor StatusSource, logger *slog.Logger) *Router {
	cfg.applyDefaults()
	return &Router{
		cfg:     cfg,
		cache:   cache,
		queue:   queue,
		monitor: monitor,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		logger: logger,
	}
}

// OnAuthError регистрирует callback, вызываемый на 401 от сервера
// до возврата ошибки вызывающему (например, для re-auth).
func (r *Router) OnAuthError(fn func(error)) {
	r.onAuthError = fn
}

// Do выполняет запрос согласно его политике:
//  1. CacheFirst/CacheOnly: свежий cache hit возвращается сразу.
//  2. CacheOnly без hit — ErrCacheMissNetworkDisallowed.
//  3. Offline: stale read (кроме NetworkOnly), иначе enqueue мутации,
//     иначе ErrNetworkUnavailable.
//  4. Иначе remote-вызов с bounded retries и экспоненциальным backoff;
//     успешные чтения пишутся в кеш; исчерпание retry — stale read,
//     enqueue мутации или ErrRetryExhausted.
func (r *Router) Do(ctx context.Context, req Request) (*Response, error) {
	key := cacheKey(req)

	// Шаг 1: свежий кеш для cache-ориентированных политик
	if req.Policy == PolicyCacheFirst || req.Policy == PolicyCacheOnly {
		if entry, err := r.cache.Get(ctx, key); err == nil {
			return &Response{
				Status:    http.StatusOK,
				Body:      entry.Payload,
				FromCache: true,
			}, nil
		}

		// Шаг 2: CacheOnly без попадания — сеть запрещена
		if req.Policy == PolicyCacheOnly {
			return nil, fmt.Errorf("%w: %s %s", ErrCacheMissNetworkDisallowed, req.Method, req.Target)
		}
	}

	// Шаг 3: сеть недоступна
	if r.monitor.Status() == netmon.StatusOffline {
		return r.fallback(ctx, req, key, ErrNetworkUnavailable)
	}

	// Шаг 4: remote-вызов с retry
	resp, err := r.callWithRetry(ctx, req)
	if err != nil {
		// Auth-ошибка всегда всплывает: fallback на кеш скрыл бы
		// протухшие credentials
		if errors.Is(err, ErrAuthenticationFailed) {
			return nil, err
		}
		if errors.Is(err, ErrRetryExhausted) {
			r.logger.Warn("remote call exhausted retries",
				"method", req.Method,
				"target", req.Target,
				"error", err)
			return r.fallback(ctx, req, key, err)
		}
		// Permanent-ошибка (4xx): повтор и offline-очередь бессмысленны
		return nil, err
	}

	// Write-through: успешное чтение кешируется
	if !isMutating(req.Method) {
		ttl := req.TTL
		if ttl <= 0 {
			ttl = r.cfg.DefaultTTL
		}
		if err := r.cache.Put(ctx, key, resp.Body, ttl); err != nil {
			r.logger.Warn("cache write-through failed", "key", key, "error", err)
		}
	}

	return resp, nil
}

// fallback реализует деградацию: stale read, enqueue мутации
// или исходная ошибка.
func (r *Router) fallback(ctx context.Context, req Request, key string, cause error) (*Response, error) {
	if req.Policy.allowsCache() {
		if entry, err := r.cache.GetStale(ctx, key); err == nil {
			r.logger.Info("serving stale cache entry",
				"method", req.Method,
				"target", req.Target,
				"cause", cause)
			return &Response{
				Status:    http.StatusOK,
				Body:      entry.Payload,
				FromCache: true,
				Degraded:  true,
			}, nil
		}
	}

	if isMutating(req.Method) {
		id, err := r.enqueue(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("failed to enqueue request: %w", err)
		}
		r.logger.Info("mutation enqueued for later replay",
			"method", req.Method,
			"target", req.Target,
			"queue_id", id)
		return &Response{
			Status:   http.StatusAccepted,
			Enqueued: true,
			QueueID:  id,
		}, nil
	}

	return nil, cause
}

// callWithRetry выполняет remote-вызов с экспоненциальным backoff
// (delay = base * 2^attempt) и ограниченным числом попыток.
func (r *Router) callWithRetry(ctx context.Context, req Request) (*Response, error) {
	backoff := retry.WithMaxRetries(r.cfg.MaxRetries, retry.NewExponential(r.cfg.BaseDelay))

	var out *Response
	var transient bool

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := r.send(ctx, req)
		if err != nil {
			transient = true
			return retry.RetryableError(err)
		}

		switch {
		case resp.Status == http.StatusUnauthorized:
			transient = false
			authErr := fmt.Errorf("%w: %s %s", ErrAuthenticationFailed, req.Method, req.Target)
			if r.onAuthError != nil {
				r.onAuthError(authErr)
			}
			return authErr
		case resp.Status >= http.StatusInternalServerError:
			transient = true
			return retry.RetryableError(fmt.Errorf("server error: status %d", resp.Status))
		case resp.Status >= http.StatusBadRequest:
			transient = false
			return fmt.Errorf("request failed with status %d: %s", resp.Status, string(resp.Body))
		}

		out = resp
		return nil
	})
	if err != nil {
		if transient {
			return nil, fmt.Errorf("%w: %s", ErrRetryExhausted, err)
		}
		return nil, err
	}

	return out, nil
}

// send выполняет один HTTP-вызов в пределах RequestTimeout.
func (r *Router) send(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	var bodyReader io.Reader
	if req.Body != nil {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, r.buildURL(req), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if r.cfg.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.cfg.AuthToken)
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{Status: resp.StatusCode, Body: respBody}, nil
}

// enqueue кладет мутацию в offline-очередь вместе с credentials
func (r *Router) enqueue(ctx context.Context, req Request) (string, error) {
	headers := map[string]string{}
	if r.cfg.AuthToken != "" {
		headers["Authorization"] = "Bearer " + r.cfg.AuthToken
	}
	if req.Body != nil {
		headers["Content-Type"] = "application/json"
	}

	return r.queue.Enqueue(ctx, &models.QueuedRequest{
		Method:  req.Method,
		Target:  targetWithParams(req),
		Payload: req.Body,
		Headers: headers,
	})
}

func (r *Router) buildURL(req Request) string {
	return r.cfg.BaseURL + targetWithParams(req)
}

// targetWithParams добавляет query-параметры к target в каноническом порядке
func targetWithParams(req Request) string {
	if len(req.Params) == 0 {
		return req.Target
	}

	values := url.Values{}
	for k, v := range req.Params {
		values.Set(k, v)
	}
	return req.Target + "?" + values.Encode()
}

// cacheKey строит fingerprint запроса: метод, target и параметры
// в отсортированном порядке. Один ключ — один закешированный ответ.
func cacheKey(req Request) string {
	parts := make([]string, 0, len(req.Params)+2)
	parts = append(parts, req.Method, req.Target)

	keys := make([]string, 0, len(req.Params))
	for k := range req.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+req.Params[k])
	}

	return checksum.SumBytes([]byte(strings.Join(parts, "|")))
}
