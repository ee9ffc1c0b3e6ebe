package sync

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/hexsync/internal/models"
	"github.com/iudanet/hexsync/internal/server/session"
	"github.com/iudanet/hexsync/internal/server/storage"
	"github.com/iudanet/hexsync/internal/server/storage/sqlite"
)

func newTestEngine(t *testing.T) (*Engine, *session.Manager, *sqlite.Storage) {
	t.Helper()

	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	sessions := session.NewManager(store, store, time.Minute, logger)
	engine := NewEngine(sessions, store, store, store, logger)

	return engine, sessions, store
}

func startSession(t *testing.T, sessions *session.Manager, userID string) *models.SyncSession {
	t.Helper()

	sess, err := sessions.Start(context.Background(), "client-1", userID, nil,
		models.DeviceInfo{DeviceID: "device-1", Platform: "cli"}, "1.0")
	require.NoError(t, err)
	return sess
}

func newChange(entityType, recordID string, op models.Operation, payload map[string]any) *models.DataChange {
	return &models.DataChange{
		ID:         uuid.New().String(),
		EntityType: entityType,
		RecordID:   recordID,
		Operation:  op,
		Payload:    payload,
		Version:    "1.0",
	}
}

func TestEngine_ApplyClientChanges(t *testing.T) {
	engine, sessions, store := newTestEngine(t)
	ctx := context.Background()

	sess := startSession(t, sessions, "user-1")

	applied, conflicts, err := engine.ApplyClientChanges(ctx, sess.SessionID, []*models.DataChange{
		newChange(models.EntityHexagram, "1", models.OperationInsert, map[string]any{"number": float64(1)}),
		newChange(models.EntityNote, "n-1", models.OperationInsert, map[string]any{"text": "first"}),
	})
	require.NoError(t, err)
	assert.Len(t, applied, 2)
	assert.Empty(t, conflicts)

	// Сервер назначил авторство и timestamp
	record, err := store.GetRecord(ctx, models.EntityNote, "n-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", record.UserID)

	changes, err := store.ChangesSince(ctx, "user-1", time.Unix(0, 0), nil)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "device-1", changes[0].DeviceID)
	assert.False(t, changes[0].Timestamp.IsZero())

	// Прогресс сессии засчитан
	got, err := sessions.Get(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalChanges)
	assert.Equal(t, 2, got.ProcessedChanges)
}

func TestEngine_ApplyDetectsConflict(t *testing.T) {
	engine, sessions, store := newTestEngine(t)
	ctx := context.Background()

	sess := startSession(t, sessions, "user-1")

	// Исходное состояние на сервере
	_, _, err := engine.ApplyClientChanges(ctx, sess.SessionID, []*models.DataChange{
		newChange(models.EntityNote, "n-1", models.OperationInsert, map[string]any{"text": "server state"}),
	})
	require.NoError(t, err)

	// Клиент с другой версией и другим содержимым
	stale := newChange(models.EntityNote, "n-1", models.OperationUpdate, map[string]any{"text": "client edit"})
	stale.Version = "0.9"

	applied, conflicts, err := engine.ApplyClientChanges(ctx, sess.SessionID, []*models.DataChange{stale})
	require.NoError(t, err)
	assert.Empty(t, applied)
	require.Len(t, conflicts, 1)

	conflict := conflicts[0]
	assert.Equal(t, sess.SessionID, conflict.SessionID)
	assert.Equal(t, "0.9", conflict.ClientVersion)
	assert.Equal(t, "1.0", conflict.ServerVersion)
	assert.Equal(t, map[string]any{"text": "client edit"}, conflict.ClientPayload)
	assert.Equal(t, map[string]any{"text": "server state"}, conflict.ServerPayload)

	// Состояние записи не изменилось
	record, err := store.GetRecord(ctx, models.EntityNote, "n-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "server state"}, record.Payload)

	// Конфликт сразу виден при чтении сессии, до финализации
	mid, err := sessions.Get(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{conflict.ConflictID}, mid.Conflicts)

	// Конфликт виден в сессии и блокирует Completed
	final, err := engine.Finalize(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusConflict, final.Status)
	assert.Equal(t, []string{conflict.ConflictID}, final.Conflicts)
}

func TestEngine_ApplyConvergentChangeWithoutConflict(t *testing.T) {
	engine, sessions, _ := newTestEngine(t)
	ctx := context.Background()

	sess := startSession(t, sessions, "user-1")

	_, _, err := engine.ApplyClientChanges(ctx, sess.SessionID, []*models.DataChange{
		newChange(models.EntityNote, "n-1", models.OperationInsert, map[string]any{"text": "same"}),
	})
	require.NoError(t, err)

	// Версия другая, содержимое то же — расхождение сходится без конфликта
	convergent := newChange(models.EntityNote, "n-1", models.OperationUpdate, map[string]any{"text": "same"})
	convergent.Version = "2.0"

	applied, conflicts, err := engine.ApplyClientChanges(ctx, sess.SessionID, []*models.DataChange{convergent})
	require.NoError(t, err)
	assert.Len(t, applied, 1)
	assert.Empty(t, conflicts)
}

func TestEngine_ApplyRejectsInvalidBatch(t *testing.T) {
	engine, sessions, store := newTestEngine(t)
	ctx := context.Background()

	sess := startSession(t, sessions, "user-1")

	bad := newChange("spellbook", "s-1", models.OperationInsert, map[string]any{})

	_, _, err := engine.ApplyClientChanges(ctx, sess.SessionID, []*models.DataChange{
		newChange(models.EntityNote, "n-1", models.OperationInsert, map[string]any{"text": "ok"}),
		bad,
	})
	assert.ErrorIs(t, err, ErrInvalidChange)

	// Весь пакет отклонен: валидная мутация тоже не применилась
	_, err = store.GetRecord(ctx, models.EntityNote, "n-1")
	assert.ErrorIs(t, err, storage.ErrRecordNotFound)
}

func TestEngine_ApplyRejectsForeignRecord(t *testing.T) {
	engine, sessions, _ := newTestEngine(t)
	ctx := context.Background()

	owner := startSession(t, sessions, "user-1")
	_, _, err := engine.ApplyClientChanges(ctx, owner.SessionID, []*models.DataChange{
		newChange(models.EntityNote, "n-1", models.OperationInsert, map[string]any{"text": "mine"}),
	})
	require.NoError(t, err)

	intruder := startSession(t, sessions, "user-2")
	_, _, err = engine.ApplyClientChanges(ctx, intruder.SessionID, []*models.DataChange{
		newChange(models.EntityNote, "n-1", models.OperationUpdate, map[string]any{"text": "stolen"}),
	})
	assert.ErrorIs(t, err, ErrNotOwned)
}

func TestEngine_IncrementalChanges(t *testing.T) {
	engine, sessions, _ := newTestEngine(t)
	ctx := context.Background()

	writer := startSession(t, sessions, "user-1")
	_, _, err := engine.ApplyClientChanges(ctx, writer.SessionID, []*models.DataChange{
		newChange(models.EntityHexagram, "1", models.OperationInsert, map[string]any{"number": float64(1)}),
		newChange(models.EntityReading, "r-1", models.OperationInsert, map[string]any{"question": "?"}),
		newChange(models.EntityNote, "n-gone", models.OperationInsert, map[string]any{"text": "temp"}),
	})
	require.NoError(t, err)
	_, _, err = engine.ApplyClientChanges(ctx, writer.SessionID, []*models.DataChange{
		newChange(models.EntityNote, "n-gone", models.OperationDelete, nil),
	})
	require.NoError(t, err)
	_, err = engine.Finalize(ctx, writer.SessionID)
	require.NoError(t, err)

	// Новый клиент без lastSyncTime получает snapshot живых записей,
	// а не полную историю changelog: tombstone не включается
	reader := startSession(t, sessions, "user-1")
	changes, err := engine.IncrementalChanges(ctx, reader.SessionID, nil)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	for _, change := range changes {
		assert.Equal(t, models.OperationInsert, change.Operation)
		assert.NotEmpty(t, change.Checksum)
	}

	// Фильтр по типу сущности
	filtered, err := engine.IncrementalChanges(ctx, reader.SessionID, []string{models.EntityReading})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, models.EntityReading, filtered[0].EntityType)

	// Неизвестный тип отклоняется
	_, err = engine.IncrementalChanges(ctx, reader.SessionID, []string{"spellbook"})
	assert.ErrorIs(t, err, ErrInvalidChange)
}

func TestEngine_IncrementalChangesRespectsLastSync(t *testing.T) {
	engine, sessions, _ := newTestEngine(t)
	ctx := context.Background()

	writer := startSession(t, sessions, "user-1")
	_, _, err := engine.ApplyClientChanges(ctx, writer.SessionID, []*models.DataChange{
		newChange(models.EntityNote, "n-1", models.OperationInsert, map[string]any{"text": "old"}),
	})
	require.NoError(t, err)

	cutoff := time.Now()
	time.Sleep(10 * time.Millisecond)

	_, _, err = engine.ApplyClientChanges(ctx, writer.SessionID, []*models.DataChange{
		newChange(models.EntityNote, "n-2", models.OperationInsert, map[string]any{"text": "new"}),
	})
	require.NoError(t, err)

	// Клиент, синхронизировавшийся на cutoff, видит только новое
	reader, err := sessions.Start(ctx, "client-2", "user-1", &cutoff,
		models.DeviceInfo{DeviceID: "device-2"}, "1.0")
	require.NoError(t, err)

	changes, err := engine.IncrementalChanges(ctx, reader.SessionID, nil)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "n-2", changes[0].RecordID)
}

func TestEngine_ResolveClientWins(t *testing.T) {
	engine, sessions, store := newTestEngine(t)
	ctx := context.Background()

	conflict := makeConflict(t, engine, sessions,
		map[string]any{"text": "client edit"}, map[string]any{"text": "server state"})

	resolved, err := engine.ResolveConflicts(ctx, []string{conflict.ConflictID}, models.ResolutionClientWins, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{conflict.ConflictID}, resolved)

	// Клиентское содержимое применено и попало в changelog
	record, err := store.GetRecord(ctx, conflict.EntityType, conflict.RecordID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "client edit"}, record.Payload)

	got, err := store.GetConflict(ctx, conflict.ConflictID)
	require.NoError(t, err)
	assert.True(t, got.Resolved())
	assert.Equal(t, models.ResolutionClientWins, got.Resolution)

	// После разрешения сессия финализируется в Completed
	final, err := engine.Finalize(ctx, conflict.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusCompleted, final.Status)
}

func TestEngine_ResolveServerWinsLeavesRecord(t *testing.T) {
	engine, sessions, store := newTestEngine(t)
	ctx := context.Background()

	conflict := makeConflict(t, engine, sessions,
		map[string]any{"text": "client edit"}, map[string]any{"text": "server state"})

	changesBefore, err := store.ChangesSince(ctx, "user-1", time.Unix(0, 0), nil)
	require.NoError(t, err)

	_, err = engine.ResolveConflicts(ctx, []string{conflict.ConflictID}, models.ResolutionServerWins, nil)
	require.NoError(t, err)

	// Запись не тронута, changelog не растет
	record, err := store.GetRecord(ctx, conflict.EntityType, conflict.RecordID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "server state"}, record.Payload)

	changesAfter, err := store.ChangesSince(ctx, "user-1", time.Unix(0, 0), nil)
	require.NoError(t, err)
	assert.Len(t, changesAfter, len(changesBefore))

	got, err := store.GetConflict(ctx, conflict.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "server state"}, got.ResolvedPayload)
}

func TestEngine_ResolveMergeOverlaysClientFields(t *testing.T) {
	engine, sessions, store := newTestEngine(t)
	ctx := context.Background()

	conflict := makeConflict(t, engine, sessions,
		map[string]any{"text": "client edit", "createdAt": "2026-01-01T00:00:00Z", "updatedAt": "2026-01-02T00:00:00Z"},
		map[string]any{"text": "server state", "mood": "calm", "createdAt": "2025-12-31T00:00:00Z", "updatedAt": "2026-01-03T00:00:00Z"})

	_, err := engine.ResolveConflicts(ctx, []string{conflict.ConflictID}, models.ResolutionMerge, nil)
	require.NoError(t, err)

	record, err := store.GetRecord(ctx, conflict.EntityType, conflict.RecordID)
	require.NoError(t, err)

	// Клиентские поля поверх серверных, серверный createdAt сохранен
	assert.Equal(t, "client edit", record.Payload["text"])
	assert.Equal(t, "calm", record.Payload["mood"])
	assert.Equal(t, "2025-12-31T00:00:00Z", record.Payload["createdAt"])

	// updatedAt обновлен временем разрешения, а не взят у сторон
	assert.NotEqual(t, "2026-01-02T00:00:00Z", record.Payload["updatedAt"])
	assert.NotEqual(t, "2026-01-03T00:00:00Z", record.Payload["updatedAt"])
}

func TestEngine_ResolveManual(t *testing.T) {
	engine, sessions, store := newTestEngine(t)
	ctx := context.Background()

	conflict := makeConflict(t, engine, sessions,
		map[string]any{"text": "client edit"}, map[string]any{"text": "server state"})

	// Без payload manual отклоняется
	_, err := engine.ResolveConflicts(ctx, []string{conflict.ConflictID}, models.ResolutionManual, nil)
	assert.ErrorIs(t, err, ErrManualPayloadMissing)

	manual := map[string]map[string]any{
		conflict.ConflictID: {"text": "hand crafted"},
	}
	_, err = engine.ResolveConflicts(ctx, []string{conflict.ConflictID}, models.ResolutionManual, manual)
	require.NoError(t, err)

	record, err := store.GetRecord(ctx, conflict.EntityType, conflict.RecordID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "hand crafted"}, record.Payload)
}

func TestEngine_ResolveIdempotent(t *testing.T) {
	engine, sessions, store := newTestEngine(t)
	ctx := context.Background()

	conflict := makeConflict(t, engine, sessions,
		map[string]any{"text": "client edit"}, map[string]any{"text": "server state"})

	first, err := engine.ResolveConflicts(ctx, []string{conflict.ConflictID}, models.ResolutionClientWins, nil)
	require.NoError(t, err)

	changesAfterFirst, err := store.ChangesSince(ctx, "user-1", time.Unix(0, 0), nil)
	require.NoError(t, err)

	// Повтор с другой стратегией не перезаписывает исход
	second, err := engine.ResolveConflicts(ctx, []string{conflict.ConflictID}, models.ResolutionServerWins, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	got, err := store.GetConflict(ctx, conflict.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionClientWins, got.Resolution)

	changesAfterSecond, err := store.ChangesSince(ctx, "user-1", time.Unix(0, 0), nil)
	require.NoError(t, err)
	assert.Len(t, changesAfterSecond, len(changesAfterFirst))
}

func TestEngine_ResolveBatchAcrossSessions(t *testing.T) {
	engine, sessions, store := newTestEngine(t)
	ctx := context.Background()

	conflictFor := func(clientID, deviceID, recordID string) *models.ConflictRecord {
		sess, err := sessions.Start(ctx, clientID, "user-1", nil,
			models.DeviceInfo{DeviceID: deviceID, Platform: "cli"}, "1.0")
		require.NoError(t, err)

		_, _, err = engine.ApplyClientChanges(ctx, sess.SessionID, []*models.DataChange{
			newChange(models.EntityNote, recordID, models.OperationInsert, map[string]any{"text": "server " + recordID}),
		})
		require.NoError(t, err)

		stale := newChange(models.EntityNote, recordID, models.OperationUpdate, map[string]any{"text": "client " + recordID})
		stale.Version = "0.9"

		_, conflicts, err := engine.ApplyClientChanges(ctx, sess.SessionID, []*models.DataChange{stale})
		require.NoError(t, err)
		require.Len(t, conflicts, 1)
		return conflicts[0]
	}

	first := conflictFor("client-1", "device-a", "n-a")
	second := conflictFor("client-2", "device-b", "n-b")

	resolved, err := engine.ResolveConflicts(ctx,
		[]string{first.ConflictID, second.ConflictID}, models.ResolutionClientWins, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{first.ConflictID, second.ConflictID}, resolved)

	// Клиентское содержимое применено для обеих записей
	recA, err := store.GetRecord(ctx, models.EntityNote, "n-a")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "client n-a"}, recA.Payload)

	recB, err := store.GetRecord(ctx, models.EntityNote, "n-b")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "client n-b"}, recB.Payload)

	// Changelog-записи разрешения атрибутированы своим сессиям
	changes, err := store.ChangesSince(ctx, "user-1", time.Unix(0, 0), nil)
	require.NoError(t, err)
	for _, change := range changes {
		switch change.Payload["text"] {
		case "client n-a":
			assert.Equal(t, "device-a", change.DeviceID)
		case "client n-b":
			assert.Equal(t, "device-b", change.DeviceID)
		}
	}
}

func TestEngine_ResolveUnknownConflictAbortsBatch(t *testing.T) {
	engine, sessions, store := newTestEngine(t)
	ctx := context.Background()

	conflict := makeConflict(t, engine, sessions,
		map[string]any{"text": "client edit"}, map[string]any{"text": "server state"})

	_, err := engine.ResolveConflicts(ctx, []string{conflict.ConflictID, "missing"}, models.ResolutionClientWins, nil)
	assert.ErrorIs(t, err, storage.ErrConflictNotFound)

	// Пакет атомарен: известный конфликт остался неразрешенным
	got, err := store.GetConflict(ctx, conflict.ConflictID)
	require.NoError(t, err)
	assert.False(t, got.Resolved())
}

// makeConflict создает конфликт через полный конвейер: пишет серверное
// состояние, затем применяет расходящуюся клиентскую мутацию.
func makeConflict(t *testing.T, engine *Engine, sessions *session.Manager, clientPayload, serverPayload map[string]any) *models.ConflictRecord {
	t.Helper()
	ctx := context.Background()

	sess := startSession(t, sessions, "user-1")

	_, _, err := engine.ApplyClientChanges(ctx, sess.SessionID, []*models.DataChange{
		newChange(models.EntityNote, "n-1", models.OperationInsert, serverPayload),
	})
	require.NoError(t, err)

	stale := newChange(models.EntityNote, "n-1", models.OperationUpdate, clientPayload)
	stale.Version = "0.9"

	_, conflicts, err := engine.ApplyClientChanges(ctx, sess.SessionID, []*models.DataChange{stale})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	return conflicts[0]
}
