// Package sync реализует серверный конвейер синхронизации:
// извлечение инкрементальных изменений, применение клиентских пакетов
// с детекцией конфликтов и разрешение конфликтов.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/hexsync/internal/checksum"
	"github.com/iudanet/hexsync/internal/models"
	"github.com/iudanet/hexsync/internal/server/session"
	"github.com/iudanet/hexsync/internal/server/storage"
)

// Engine связывает менеджер сессий, хранилище данных и конвейер
// детекции/разрешения конфликтов в операции протокола синхронизации.
type Engine struct {
	sessions  *session.Manager
	data      storage.DataStore
	extractor *Extractor
	detector  *Detector
	resolver  *Resolver
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates a sync engine over the given stores
func NewEngine(sessions *session.Manager, data storage.DataStore, conflicts storage.ConflictStore, sessionStore storage.SessionStore, logger *slog.Logger) *Engine {
	return &Engine{
		sessions:  sessions,
		data:      data,
		extractor: NewExtractor(data),
		detector:  NewDetector(),
		resolver:  NewResolver(data, conflicts, sessionStore, logger),
		logger:    logger,
		now:       time.Now,
	}
}

// IncrementalChanges отдает клиенту изменения с момента его прошлой
// синхронизации (snapshot живых записей для первого sync) и
// засчитывает их в прогресс сессии.
func (e *Engine) IncrementalChanges(ctx context.Context, sessionID string, entityTypes []string) ([]*models.DataChange, error) {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	changes, err := e.extractor.ChangesSince(ctx, sess.UserID, sess.LastSyncTime, entityTypes)
	if err != nil {
		return nil, err
	}

	if len(changes) > 0 {
		if err := e.sessions.UpdateProgress(ctx, sessionID, len(changes), len(changes)); err != nil {
			return nil, err
		}
	}

	return changes, nil
}

// ApplyClientChanges применяет пакет клиентских мутаций в одной
// транзакции. Каждая мутация либо применяется (запись + changelog),
// либо фиксируется как конфликт; timestamp назначает сервер.
// Ошибка валидации или записи откатывает весь пакет.
func (e *Engine) ApplyClientChanges(ctx context.Context, sessionID string, changes []*models.DataChange) ([]string, []*models.ConflictRecord, error) {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess.Status.Terminal() {
		return nil, nil, fmt.Errorf("%w: %s", session.ErrSessionFinalized, sessionID)
	}

	for _, change := range changes {
		if err := validateChange(change); err != nil {
			return nil, nil, err
		}
	}

	tx, err := e.data.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	appliedIDs := make([]string, 0, len(changes))
	var conflicts []*models.ConflictRecord

	for _, change := range changes {
		// Авторство и время применения назначает сервер
		change.UserID = sess.UserID
		change.DeviceID = sess.DeviceInfo.DeviceID
		change.Timestamp = e.now()
		if change.Version == "" {
			change.Version = sess.DataVersion
		}
		if change.Checksum == "" {
			if change.Checksum, err = checksum.Sum(change.Payload); err != nil {
				return nil, nil, fmt.Errorf("failed to hash change payload: %w", err)
			}
		}

		current, err := tx.GetRecord(ctx, change.EntityType, change.RecordID)
		if err != nil && !errors.Is(err, storage.ErrRecordNotFound) {
			return nil, nil, err
		}
		if current != nil && current.UserID != sess.UserID {
			return nil, nil, fmt.Errorf("%w: %s/%s", ErrNotOwned, change.EntityType, change.RecordID)
		}

		detection, err := e.detector.Detect(change, current)
		if err != nil {
			return nil, nil, err
		}

		if detection == DetectionConflict {
			conflict := e.buildConflict(sess, change, current)
			if err := tx.SaveConflict(ctx, conflict); err != nil {
				return nil, nil, fmt.Errorf("failed to save conflict: %w", err)
			}
			conflicts = append(conflicts, conflict)
			continue
		}

		if err := tx.ApplyChange(ctx, change); err != nil {
			return nil, nil, fmt.Errorf("failed to apply change %s: %w", change.ID, err)
		}
		appliedIDs = append(appliedIDs, change.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit change batch: %w", err)
	}

	// Конфликтные мутации тоже считаются обработанными: их дальнейшая
	// судьба решается через разрешение конфликтов
	if err := e.sessions.UpdateProgress(ctx, sessionID, len(changes), len(appliedIDs)+len(conflicts)); err != nil {
		return nil, nil, err
	}

	e.logger.Info("client changes applied",
		"session_id", sessionID,
		"applied", len(appliedIDs),
		"conflicts", len(conflicts))

	return appliedIDs, conflicts, nil
}

// ResolveConflicts закрывает пакет конфликтов одной стратегией.
func (e *Engine) ResolveConflicts(ctx context.Context, conflictIDs []string, strategy models.ConflictResolution, manualPayloads map[string]map[string]any) ([]string, error) {
	return e.resolver.Resolve(ctx, conflictIDs, strategy, manualPayloads)
}

// Finalize завершает сессию и возвращает итоговое состояние.
func (e *Engine) Finalize(ctx context.Context, sessionID string) (*models.SyncSession, error) {
	return e.sessions.Finalize(ctx, sessionID)
}

func (e *Engine) buildConflict(sess *models.SyncSession, change *models.DataChange, current *models.Record) *models.ConflictRecord {
	return &models.ConflictRecord{
		ConflictID:    uuid.New().String(),
		SessionID:     sess.SessionID,
		EntityType:    change.EntityType,
		RecordID:      change.RecordID,
		ClientVersion: change.Version,
		ServerVersion: current.Version,
		ClientPayload: change.Payload,
		ServerPayload: current.Payload,
		Timestamp:     e.now(),
	}
}

func validateChange(change *models.DataChange) error {
	if change.ID == "" {
		return fmt.Errorf("%w: missing change id", ErrInvalidChange)
	}
	if !change.Operation.Valid() {
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidChange, change.Operation)
	}
	if !slices.Contains(models.EntityTypes(), change.EntityType) {
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalidChange, change.EntityType)
	}
	if change.RecordID == "" {
		return fmt.Errorf("%w: missing record id", ErrInvalidChange)
	}
	return nil
}
