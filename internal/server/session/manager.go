// Package session управляет жизненным циклом sync-сессий:
// создание, прогресс, финализация и истечение по TTL.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iudanet/hexsync/internal/models"
	"github.com/iudanet/hexsync/internal/server/storage"
)

// Session lifecycle errors
var (
	// ErrSessionExpired indicates that session TTL has passed
	ErrSessionExpired = errors.New("sync session expired")

	// ErrSessionFinalized indicates an operation on an already finalized session
	ErrSessionFinalized = errors.New("sync session already finalized")
)

const (
	// DefaultTTL ограничивает время жизни незавершенной сессии
	DefaultTTL = 30 * time.Minute

	// Параметры read-кеша поверх SQLite. Источник истины всегда БД,
	// кеш лишь снимает повторные чтения в пределах одного раунда.
	cacheTTL        = 30 * time.Second
	maxCacheEntries = 1024
)

type cacheEntry struct {
	session  *models.SyncSession
	cachedAt time.Time
}

// Manager управляет sync-сессиями поверх SessionStore.
type Manager struct {
	sessions  storage.SessionStore
	conflicts storage.ConflictStore
	logger    *slog.Logger
	ttl       time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

// NewManager creates a session manager with the given TTL (0 = DefaultTTL)
func NewManager(sessions storage.SessionStore, conflicts storage.ConflictStore, ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		sessions:  sessions,
		conflicts: conflicts,
		logger:    logger,
		ttl:       ttl,
		cache:     make(map[string]cacheEntry),
		now:       time.Now,
	}
}

// Start создает новую сессию в статусе Pending.
func (m *Manager) Start(ctx context.Context, clientID, userID string, lastSync *time.Time, device models.DeviceInfo, dataVersion string) (*models.SyncSession, error) {
	session := models.NewSyncSession(clientID, userID, lastSync, device, dataVersion)

	if err := m.sessions.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	m.cachePut(session)
	m.logger.Info("sync session started",
		"session_id", session.SessionID,
		"client_id", clientID,
		"user_id", userID)

	return session.Clone(), nil
}

// Get возвращает сессию по ID.
// Истекшая незавершенная сессия отдает ErrSessionExpired.
func (m *Manager) Get(ctx context.Context, sessionID string) (*models.SyncSession, error) {
	if session, ok := m.cacheGet(sessionID); ok {
		if err := m.checkExpiry(session); err != nil {
			return nil, err
		}

		// Список конфликтов не кешируется: он растет внутри раунда
		// по мере применения клиентских изменений
		conflicts, err := m.conflictIDs(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		session.Conflicts = conflicts

		return session, nil
	}

	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if err := m.checkExpiry(session); err != nil {
		return nil, err
	}

	m.cachePut(session)
	return session.Clone(), nil
}

// UpdateProgress увеличивает счетчики прогресса сессии и переводит
// Pending в InProgress при первой активности.
func (m *Manager) UpdateProgress(ctx context.Context, sessionID string, totalDelta, processedDelta int) error {
	session, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrSessionFinalized, sessionID)
	}

	session.TotalChanges += totalDelta
	session.ProcessedChanges += processedDelta
	if session.Status == models.SyncStatusPending {
		session.Status = models.SyncStatusInProgress
	}

	if err := m.sessions.UpdateSession(ctx, session); err != nil {
		return fmt.Errorf("failed to update session progress: %w", err)
	}

	m.cachePut(session)
	return nil
}

// Finalize завершает сессию и возвращает итоговое состояние:
//   - остались неразрешенные конфликты — Conflict;
//   - все изменения обработаны — Completed;
//   - иначе — Failed.
//
// Повторная финализация идемпотентна и возвращает прежний статус.
func (m *Manager) Finalize(ctx context.Context, sessionID string) (*models.SyncSession, error) {
	session, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return session, nil
	}

	unresolved, err := m.conflicts.CountUnresolved(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to count unresolved conflicts: %w", err)
	}

	// Итоговое состояние несет полный список конфликтов раунда,
	// включая уже разрешенные
	if session.Conflicts, err = m.conflictIDs(ctx, sessionID); err != nil {
		return nil, err
	}

	switch {
	case unresolved > 0:
		session.Status = models.SyncStatusConflict
	case session.ProcessedChanges >= session.TotalChanges:
		session.Status = models.SyncStatusCompleted
		now := m.now()
		session.LastSyncTime = &now
	default:
		session.Status = models.SyncStatusFailed
	}

	if err := m.sessions.UpdateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to finalize session: %w", err)
	}

	// Завершенная сессия выпадает из кеша: следующие чтения идут в БД
	m.cacheInvalidate(sessionID)

	m.logger.Info("sync session finalized",
		"session_id", sessionID,
		"status", session.Status,
		"total", session.TotalChanges,
		"processed", session.ProcessedChanges,
		"unresolved_conflicts", unresolved)

	return session, nil
}

// CleanupExpired удаляет сессии старше TTL. Возвращает число удаленных.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	deleted, err := m.sessions.DeleteExpired(ctx, m.now().Add(-m.ttl))
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired sessions: %w", err)
	}

	if deleted > 0 {
		// Кеш мог пережить удаленные сессии
		m.mu.Lock()
		m.cache = make(map[string]cacheEntry)
		m.mu.Unlock()

		m.logger.Info("expired sync sessions removed", "count", deleted)
	}

	return deleted, nil
}

// RunCleanup периодически чистит истекшие сессии до отмены контекста.
func (m *Manager) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.CleanupExpired(ctx); err != nil {
				m.logger.Warn("session cleanup failed", "error", err)
			}
		}
	}
}

// conflictIDs возвращает идентификаторы конфликтов сессии в порядке
// создания; никогда не nil.
func (m *Manager) conflictIDs(ctx context.Context, sessionID string) ([]string, error) {
	conflicts, err := m.conflicts.ListSessionConflicts(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session conflicts: %w", err)
	}

	ids := make([]string, 0, len(conflicts))
	for _, conflict := range conflicts {
		ids = append(ids, conflict.ConflictID)
	}

	return ids, nil
}

func (m *Manager) checkExpiry(session *models.SyncSession) error {
	if session.Status.Terminal() {
		return nil
	}
	if m.now().After(session.ExpiresAt(m.ttl)) {
		m.cacheInvalidate(session.SessionID)
		return fmt.Errorf("%w: %s", ErrSessionExpired, session.SessionID)
	}
	return nil
}

func (m *Manager) cacheGet(sessionID string) (*models.SyncSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.cache[sessionID]
	if !ok {
		return nil, false
	}
	if m.now().Sub(entry.cachedAt) > cacheTTL {
		delete(m.cache, sessionID)
		return nil, false
	}

	return entry.session.Clone(), true
}

func (m *Manager) cachePut(session *models.SyncSession) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Грубая защита от разрастания: переполненный кеш сбрасывается целиком
	if len(m.cache) >= maxCacheEntries {
		m.cache = make(map[string]cacheEntry)
	}

	m.cache[session.SessionID] = cacheEntry{
		session:  session.Clone(),
		cachedAt: m.now(),
	}
}

func (m *Manager) cacheInvalidate(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, sessionID)
}
