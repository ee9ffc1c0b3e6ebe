package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/iudanet/hexsync/internal/models"
	"github.com/iudanet/hexsync/internal/server/session"
	"github.com/iudanet/hexsync/internal/server/storage"
	serversync "github.com/iudanet/hexsync/internal/server/sync"
	"github.com/iudanet/hexsync/internal/validation"
	"github.com/iudanet/hexsync/pkg/api"
)

// contextKey тип для ключей контекста
type contextKey string

const (
	// UserIDKey ключ для хранения user_id в контексте
	UserIDKey contextKey = "user_id"
	// UsernameKey ключ для хранения username в контексте
	UsernameKey contextKey = "username"
)

// GetUserID извлекает user_id из контекста запроса
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok
}

// GetUsername извлекает username из контекста запроса
func GetUsername(ctx context.Context) (string, bool) {
	username, ok := ctx.Value(UsernameKey).(string)
	return username, ok
}

// SyncEngine определяет операции конвейера синхронизации
type SyncEngine interface {
	IncrementalChanges(ctx context.Context, sessionID string, entityTypes []string) ([]*models.DataChange, error)
	ApplyClientChanges(ctx context.Context, sessionID string, changes []*models.DataChange) ([]string, []*models.ConflictRecord, error)
	ResolveConflicts(ctx context.Context, conflictIDs []string, strategy models.ConflictResolution, manualPayloads map[string]map[string]any) ([]string, error)
	Finalize(ctx context.Context, sessionID string) (*models.SyncSession, error)
}

// SessionManager определяет жизненный цикл sync-сессий
type SessionManager interface {
	Start(ctx context.Context, clientID, userID string, lastSync *time.Time, device models.DeviceInfo, dataVersion string) (*models.SyncSession, error)
	Get(ctx context.Context, sessionID string) (*models.SyncSession, error)
}

// SyncHandler handles synchronization protocol requests
type SyncHandler struct {
	logger   *slog.Logger
	engine   SyncEngine
	sessions SessionManager
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(logger *slog.Logger, engine SyncEngine, sessions SessionManager) *SyncHandler {
	return &SyncHandler{
		logger:   logger,
		engine:   engine,
		sessions: sessions,
	}
}

// Register подключает маршруты протокола синхронизации
func (h *SyncHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/sync/sessions", h.StartSession)
	mux.HandleFunc("GET /api/v1/sync/sessions/{id}/changes", h.GetChanges)
	mux.HandleFunc("POST /api/v1/sync/sessions/{id}/changes", h.ApplyChanges)
	mux.HandleFunc("POST /api/v1/sync/sessions/{id}/finalize", h.FinalizeSession)
	mux.HandleFunc("POST /api/v1/sync/conflicts/resolve", h.ResolveConflicts)
}

// StartSession обрабатывает POST /api/v1/sync/sessions.
// user_id берется из токена, а не из тела запроса.
func (h *SyncHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserID(ctx)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req api.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validation.ValidateClientID(req.ClientID); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validation.ValidateDeviceID(req.DeviceInfo.DeviceID); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := h.sessions.Start(ctx, req.ClientID, userID, req.LastSyncTime, models.DeviceInfo{
		DeviceID:   req.DeviceInfo.DeviceID,
		Platform:   req.DeviceInfo.Platform,
		AppVersion: req.DeviceInfo.AppVersion,
	}, req.DataVersion)
	if err != nil {
		h.handleError(w, err, "failed to start session")
		return
	}

	h.writeJSON(w, http.StatusCreated, toAPISession(sess))
}

// GetChanges обрабатывает GET /api/v1/sync/sessions/{id}/changes.
// Отдает инкрементальные изменения с момента прошлой синхронизации
// клиента; параметр entity_types фильтрует по типам через запятую.
func (h *SyncHandler) GetChanges(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	var entityTypes []string
	if raw := r.URL.Query().Get("entity_types"); raw != "" {
		entityTypes = strings.Split(raw, ",")
	}

	changes, err := h.engine.IncrementalChanges(ctx, sess.SessionID, entityTypes)
	if err != nil {
		h.handleError(w, err, "failed to get changes")
		return
	}

	resp := api.ChangesResponse{
		Changes: make([]api.DataChange, 0, len(changes)),
		Total:   len(changes),
	}
	for _, change := range changes {
		resp.Changes = append(resp.Changes, toAPIChange(change))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// ApplyChanges обрабатывает POST /api/v1/sync/sessions/{id}/changes.
// Применяет пакет клиентских мутаций; конфликтные возвращаются
// в ответе и ждут разрешения.
func (h *SyncHandler) ApplyChanges(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	var req api.ApplyChangesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	changes := make([]*models.DataChange, 0, len(req.Changes))
	for i := range req.Changes {
		changes = append(changes, toModelChange(&req.Changes[i]))
	}

	appliedIDs, conflicts, err := h.engine.ApplyClientChanges(ctx, sess.SessionID, changes)
	if err != nil {
		h.handleError(w, err, "failed to apply changes")
		return
	}

	resp := api.ApplyChangesResponse{
		AppliedIDs: appliedIDs,
		Conflicts:  make([]api.ConflictRecord, 0, len(conflicts)),
	}
	for _, conflict := range conflicts {
		resp.Conflicts = append(resp.Conflicts, toAPIConflict(conflict))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// ResolveConflicts обрабатывает POST /api/v1/sync/conflicts/resolve
func (h *SyncHandler) ResolveConflicts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, ok := GetUserID(ctx); !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req api.ResolveConflictsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.ConflictIDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "conflict_ids is required")
		return
	}

	resolvedIDs, err := h.engine.ResolveConflicts(ctx, req.ConflictIDs,
		models.ConflictResolution(req.Strategy), req.ManualPayloads)
	if err != nil {
		h.handleError(w, err, "failed to resolve conflicts")
		return
	}

	h.writeJSON(w, http.StatusOK, api.ResolveConflictsResponse{ResolvedIDs: resolvedIDs})
}

// FinalizeSession обрабатывает POST /api/v1/sync/sessions/{id}/finalize
func (h *SyncHandler) FinalizeSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	final, err := h.engine.Finalize(ctx, sess.SessionID)
	if err != nil {
		h.handleError(w, err, "failed to finalize session")
		return
	}

	h.writeJSON(w, http.StatusOK, api.FinalizeResponse{
		SessionID: final.SessionID,
		Status:    string(final.Status),
		Completed: final.Status == models.SyncStatusCompleted,
	})
}

// ownedSession загружает сессию из path-параметра и проверяет,
// что она принадлежит аутентифицированному пользователю.
func (h *SyncHandler) ownedSession(w http.ResponseWriter, r *http.Request) (*models.SyncSession, bool) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}

	sessionID := r.PathValue("id")
	if sessionID == "" {
		h.writeError(w, http.StatusBadRequest, "session id is required")
		return nil, false
	}

	sess, err := h.sessions.Get(r.Context(), sessionID)
	if err != nil {
		h.handleError(w, err, "failed to load session")
		return nil, false
	}
	if sess.UserID != userID {
		h.writeError(w, http.StatusForbidden, "session belongs to another user")
		return nil, false
	}

	return sess, true
}

// handleError переводит ошибки конвейера в HTTP статусы
func (h *SyncHandler) handleError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, storage.ErrSessionNotFound):
		h.writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, storage.ErrConflictNotFound):
		h.writeError(w, http.StatusNotFound, "conflict not found")
	case errors.Is(err, session.ErrSessionExpired):
		h.writeError(w, http.StatusGone, "session expired")
	case errors.Is(err, session.ErrSessionFinalized):
		h.writeError(w, http.StatusConflict, "session already finalized")
	case errors.Is(err, serversync.ErrNotOwned):
		h.writeError(w, http.StatusForbidden, "record belongs to another user")
	case errors.Is(err, serversync.ErrInvalidChange),
		errors.Is(err, serversync.ErrInvalidResolution),
		errors.Is(err, serversync.ErrManualPayloadMissing):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error(msg, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *SyncHandler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *SyncHandler) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(api.ErrorResponse{Error: msg}); err != nil {
		h.logger.Error("failed to encode error response", "error", err)
	}
}

// Конвертация между wire- и доменными типами

func toAPISession(s *models.SyncSession) api.SessionResponse {
	return api.SessionResponse{
		SessionID:    s.SessionID,
		ClientID:     s.ClientID,
		UserID:       s.UserID,
		StartTime:    s.StartTime,
		LastSyncTime: s.LastSyncTime,
		DataVersion:  s.DataVersion,
		Status:       string(s.Status),
		Conflicts:    s.Conflicts,
		DeviceInfo: api.DeviceInfo{
			DeviceID:   s.DeviceInfo.DeviceID,
			Platform:   s.DeviceInfo.Platform,
			AppVersion: s.DeviceInfo.AppVersion,
		},
		TotalChanges:     s.TotalChanges,
		ProcessedChanges: s.ProcessedChanges,
	}
}

func toAPIChange(c *models.DataChange) api.DataChange {
	return api.DataChange{
		ID:         c.ID,
		EntityType: c.EntityType,
		RecordID:   c.RecordID,
		Operation:  string(c.Operation),
		Payload:    c.Payload,
		Version:    c.Version,
		Checksum:   c.Checksum,
		UserID:     c.UserID,
		DeviceID:   c.DeviceID,
		Timestamp:  c.Timestamp,
	}
}

func toModelChange(c *api.DataChange) *models.DataChange {
	return &models.DataChange{
		ID:         c.ID,
		EntityType: c.EntityType,
		RecordID:   c.RecordID,
		Operation:  models.Operation(c.Operation),
		Payload:    c.Payload,
		Version:    c.Version,
		Checksum:   c.Checksum,
		Timestamp:  c.Timestamp,
	}
}

func toAPIConflict(c *models.ConflictRecord) api.ConflictRecord {
	return api.ConflictRecord{
		ConflictID:      c.ConflictID,
		SessionID:       c.SessionID,
		EntityType:      c.EntityType,
		RecordID:        c.RecordID,
		ClientVersion:   c.ClientVersion,
		ServerVersion:   c.ServerVersion,
		ClientPayload:   c.ClientPayload,
		ServerPayload:   c.ServerPayload,
		ResolvedPayload: c.ResolvedPayload,
		Resolution:      string(c.Resolution),
		Timestamp:       c.Timestamp,
		ResolvedAt:      c.ResolvedAt,
	}
}
