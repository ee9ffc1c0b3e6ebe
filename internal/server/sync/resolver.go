package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/hexsync/internal/checksum"
	"github.com/iudanet/hexsync/internal/models"
	"github.com/iudanet/hexsync/internal/server/storage"
)

// Resolver применяет стратегию разрешения к пакету конфликтов.
// Весь пакет разрешается в одной транзакции: либо все конфликты
// закрываются, либо ни один. Повторное разрешение идемпотентно.
type Resolver struct {
	data      storage.DataStore
	conflicts storage.ConflictStore
	sessions  storage.SessionStore
	logger    *slog.Logger
	now       func() time.Time
}

// NewResolver creates a conflict resolver
func NewResolver(data storage.DataStore, conflicts storage.ConflictStore, sessions storage.SessionStore, logger *slog.Logger) *Resolver {
	return &Resolver{
		data:      data,
		conflicts: conflicts,
		sessions:  sessions,
		logger:    logger,
		now:       time.Now,
	}
}

// Resolve закрывает перечисленные конфликты одной стратегией.
// manualPayloads обязателен только для ResolutionManual и задает
// итоговое содержимое по conflict ID.
// Возвращает идентификаторы закрытых конфликтов (включая уже
// разрешенные ранее — повтор запроса дает тот же результат).
func (r *Resolver) Resolve(ctx context.Context, conflictIDs []string, strategy models.ConflictResolution, manualPayloads map[string]map[string]any) ([]string, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResolution, strategy)
	}

	// Читаем пакет до открытия транзакции: неизвестный conflict ID
	// отклоняет весь запрос
	batch := make([]*models.ConflictRecord, 0, len(conflictIDs))
	for _, id := range conflictIDs {
		conflict, err := r.conflicts.GetConflict(ctx, id)
		if err != nil {
			return nil, err
		}
		batch = append(batch, conflict)
	}

	// Сессии, породившие конфликты, тоже читаются заранее: пул SQLite
	// держит единственное соединение, и его занимает открытая транзакция
	sessions := make(map[string]*models.SyncSession)
	if strategy != models.ResolutionServerWins {
		for _, conflict := range batch {
			if conflict.Resolved() {
				continue
			}
			if _, ok := sessions[conflict.SessionID]; ok {
				continue
			}
			sess, err := r.sessions.GetSession(ctx, conflict.SessionID)
			if err != nil {
				return nil, fmt.Errorf("failed to load conflict session: %w", err)
			}
			sessions[conflict.SessionID] = sess
		}
	}

	tx, err := r.data.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	resolved := make([]string, 0, len(batch))
	for _, conflict := range batch {
		if conflict.Resolved() {
			// Уже закрыт прошлым запросом
			resolved = append(resolved, conflict.ConflictID)
			continue
		}

		if err := r.resolveOne(ctx, tx, conflict, sessions[conflict.SessionID], strategy, manualPayloads[conflict.ConflictID]); err != nil {
			return nil, err
		}
		resolved = append(resolved, conflict.ConflictID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit resolution: %w", err)
	}

	r.logger.Info("conflicts resolved",
		"strategy", strategy,
		"count", len(resolved))

	return resolved, nil
}

func (r *Resolver) resolveOne(ctx context.Context, tx storage.DataTx, conflict *models.ConflictRecord, sess *models.SyncSession, strategy models.ConflictResolution, manualPayload map[string]any) error {
	resolvedPayload, err := resolvedPayloadFor(conflict, strategy, manualPayload, r.now())
	if err != nil {
		return err
	}

	// ServerWins оставляет запись как есть: применять нечего,
	// фиксируется только исход разрешения
	if strategy != models.ResolutionServerWins {
		change, err := r.resolutionChange(conflict, sess, resolvedPayload)
		if err != nil {
			return err
		}
		if err := tx.ApplyChange(ctx, change); err != nil {
			return fmt.Errorf("failed to apply resolved payload: %w", err)
		}
	}

	now := r.now()
	conflict.Resolution = strategy
	conflict.ResolvedPayload = resolvedPayload
	conflict.ResolvedAt = &now

	if err := tx.MarkResolved(ctx, conflict); err != nil {
		return fmt.Errorf("failed to mark conflict resolved: %w", err)
	}

	return nil
}

// resolutionChange строит changelog-запись разрешения, атрибутированную
// пользователю и устройству сессии, породившей конфликт.
func (r *Resolver) resolutionChange(conflict *models.ConflictRecord, sess *models.SyncSession, payload map[string]any) (*models.DataChange, error) {
	sum, err := checksum.Sum(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to hash resolved payload: %w", err)
	}

	return &models.DataChange{
		ID:         uuid.New().String(),
		EntityType: conflict.EntityType,
		RecordID:   conflict.RecordID,
		Operation:  models.OperationUpdate,
		Payload:    payload,
		Version:    sess.DataVersion,
		Checksum:   sum,
		UserID:     sess.UserID,
		DeviceID:   sess.DeviceInfo.DeviceID,
		Timestamp:  r.now(),
	}, nil
}

// resolvedPayloadFor вычисляет итоговое содержимое записи по стратегии.
func resolvedPayloadFor(conflict *models.ConflictRecord, strategy models.ConflictResolution, manualPayload map[string]any, now time.Time) (map[string]any, error) {
	switch strategy {
	case models.ResolutionClientWins:
		return conflict.ClientPayload, nil

	case models.ResolutionServerWins:
		return conflict.ServerPayload, nil

	case models.ResolutionMerge:
		return mergePayloads(conflict.ServerPayload, conflict.ClientPayload, now), nil

	case models.ResolutionManual:
		if manualPayload == nil {
			return nil, fmt.Errorf("%w: conflict %s", ErrManualPayloadMissing, conflict.ConflictID)
		}
		return manualPayload, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrInvalidResolution, strategy)
}

// mergePayloads накладывает клиентские поля поверх серверных.
// Серверные createdAt/updatedAt сохраняются, затем updatedAt
// обновляется временем разрешения.
func mergePayloads(server, client map[string]any, now time.Time) map[string]any {
	merged := make(map[string]any, len(server)+len(client))
	for k, v := range server {
		merged[k] = v
	}
	for k, v := range client {
		if k == "createdAt" || k == "updatedAt" {
			continue
		}
		merged[k] = v
	}
	merged["updatedAt"] = now.UTC().Format(time.RFC3339Nano)

	return merged
}
