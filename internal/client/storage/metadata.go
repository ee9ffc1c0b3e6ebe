package storage

import (
	"context"
	"time"
)

// MetadataStore определяет интерфейс служебных метаданных клиента.
// Нулевое время означает "еще ни разу не выполнялось".
type MetadataStore interface {
	SaveLastSyncTime(ctx context.Context, t time.Time) error
	GetLastSyncTime(ctx context.Context) (time.Time, error)
	SaveLastFullSync(ctx context.Context, t time.Time) error
	GetLastFullSync(ctx context.Context) (time.Time, error)
}
