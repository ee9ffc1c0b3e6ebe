package storage

import (
	"context"
	"time"

	"github.com/iudanet/hexsync/internal/models"
)

// CacheStore определяет интерфейс durable-кеша ответов.
//
// Get возвращает ErrCacheMiss для отсутствующей или просроченной записи;
// просроченная запись при этом не удаляется и остается доступной через
// GetStale. GetStale — явный "stale read" путь деградации: вызывается
// только когда сеть недоступна или свежий запрос не удался, и вызывающий
// обязан трактовать результат как degraded-ответ.
type CacheStore interface {
	Get(ctx context.Context, key string) (*models.CacheEntry, error)
	GetStale(ctx context.Context, key string) (*models.CacheEntry, error)
	Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	EvictOlderThan(ctx context.Context, horizon time.Time) (int, error)
	Clear(ctx context.Context) error
}
