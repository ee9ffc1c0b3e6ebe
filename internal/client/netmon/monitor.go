// Package netmon отслеживает доступность сервера периодическим probe.
package netmon

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Status представляет состояние сетевой доступности.
type Status int

const (
	StatusOffline Status = iota
	StatusLimited
	StatusOnline
)

// String возвращает строковое представление статуса.
func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusLimited:
		return "limited"
	case StatusOffline:
		return "offline"
	}
	return "unknown"
}

// DefaultInterval интервал между probe по умолчанию
const DefaultInterval = 30 * time.Second

// probeTimeout таймаут одного probe-запроса
const probeTimeout = 5 * time.Second

// Monitor периодически опрашивает reachability endpoint и хранит
// текущее состояние сети. Переход Offline → Online — единственный
// триггер немедленного drain offline-очереди (callback OnReconnect);
// остальные переходы только обновляют статус.
type Monitor struct {
	probeURL    string
	interval    time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
	onReconnect func()

	mu     sync.RWMutex
	status Status
}

// New создает монитор; probeURL — лёгкий reachability endpoint сервера.
func New(probeURL string, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		probeURL:   probeURL,
		interval:   interval,
		httpClient: &http.Client{Timeout: probeTimeout},
		logger:     logger,
		status:     StatusOffline, // до первого probe считаем сеть недоступной
	}
}

// OnReconnect регистрирует callback перехода Offline → Online.
// Должен вызываться до Run.
func (m *Monitor) OnReconnect(fn func()) {
	m.onReconnect = fn
}

// Status возвращает текущее состояние сети.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Run выполняет первый probe немедленно, затем по тикеру,
// до отмены контекста.
func (m *Monitor) Run(ctx context.Context) {
	m.ProbeNow(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeNow(ctx)
		}
	}
}

// ProbeNow выполняет один probe и возвращает новое состояние.
func (m *Monitor) ProbeNow(ctx context.Context) Status {
	next := m.probe(ctx)
	m.setStatus(next)
	return next
}

// probe классифицирует ответ reachability endpoint:
// HTTP 200 → Online, любой другой ответ → Limited, ошибка → Offline.
func (m *Monitor) probe(ctx context.Context) Status {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, nil)
	if err != nil {
		m.logger.Warn("failed to build probe request", "error", err)
		return StatusOffline
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return StatusOffline
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusOK {
		return StatusOnline
	}
	return StatusLimited
}

func (m *Monitor) setStatus(next Status) {
	m.mu.Lock()
	prev := m.status
	m.status = next
	m.mu.Unlock()

	if prev == next {
		return
	}

	m.logger.Info("network status changed", "from", prev.String(), "to", next.String())

	// Единственный переход, запускающий немедленный drain
	if prev == StatusOffline && next == StatusOnline && m.onReconnect != nil {
		go m.onReconnect()
	}
}
