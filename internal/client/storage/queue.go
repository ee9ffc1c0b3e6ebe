package storage

import (
	"context"

	"github.com/iudanet/hexsync/internal/models"
)

// ApplyFunc применяет одну отложенную мутацию к удаленному сервису.
type ApplyFunc func(ctx context.Context, req *models.QueuedRequest) error

// DrainResult содержит итоги одного прохода drain.
type DrainResult struct {
	Applied  int // количество успешно применённых записей
	Retained int // количество записей, оставленных до следующего прохода
	Failed   int // количество записей, ушедших в audit log после maxRetries
	Skipped  bool
}

// OfflineQueue определяет интерфейс durable FIFO-очереди отложенных мутаций.
//
// Drain идемпотентен и безопасен при повторных вызовах; одновременно
// выполняется не более одного drain (второй вызов возвращает результат
// со Skipped=true, ничего не применяя). Записи, исчерпавшие maxRetries,
// удаляются из очереди и попадают в sync audit log — никогда молча.
type OfflineQueue interface {
	Enqueue(ctx context.Context, req *models.QueuedRequest) (string, error)
	Entries(ctx context.Context) ([]*models.QueuedRequest, error)
	Len(ctx context.Context) (int, error)
	Drain(ctx context.Context, apply ApplyFunc) (*DrainResult, error)
}

// SyncLog определяет интерфейс audit log синхронизации.
type SyncLog interface {
	AppendSyncLog(ctx context.Context, entry *models.SyncLogEntry) error
	SyncLogEntries(ctx context.Context) ([]*models.SyncLogEntry, error)
}
