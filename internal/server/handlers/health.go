package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Pinger проверяет доступность хранилища
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler обрабатывает health check запросы
type HealthHandler struct {
	logger *slog.Logger
	db     Pinger
}

// NewHealthHandler создает новый handler для health check
func NewHealthHandler(logger *slog.Logger, db Pinger) *HealthHandler {
	return &HealthHandler{
		logger: logger,
		db:     db,
	}
}

// HealthResponse представляет ответ health check
type HealthResponse struct {
	Status string `json:"status"`
}

// Health обрабатывает GET /api/v1/health.
// Эндпоинт одновременно служит probe-целью для клиентского
// монитора сети, поэтому отвечает быстро и без авторизации.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			h.logger.Error("health check: database unreachable", slog.Any("error", err))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(HealthResponse{Status: "degraded"})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(HealthResponse{Status: "ok"}); err != nil {
		h.logger.Error("failed to encode health response", slog.Any("error", err))
	}
}
