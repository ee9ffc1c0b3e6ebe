// Package boltdb реализует клиентские хранилища (cache, offline queue,
// sync audit log, metadata) поверх одного BoltDB файла.
package boltdb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

var (
	// BoltDB bucket names
	bucketCache    = []byte("cache")
	bucketQueue    = []byte("offline_queue")
	bucketSyncLog  = []byte("sync_log")
	bucketMetadata = []byte("sync_meta")
)

// DefaultMaxRetries максимальное количество попыток replay одной записи очереди
const DefaultMaxRetries = 3

// Storage represents BoltDB storage implementation for client
type Storage struct {
	db         *bbolt.DB
	logger     *slog.Logger
	now        func() time.Time
	maxRetries int

	draining atomic.Bool // guard: не более одного drain одновременно
	mu       sync.Mutex  // сериализует мутации очереди
}

// New creates a new BoltDB storage instance
// dbPath is the path to the BoltDB database file
func New(ctx context.Context, dbPath string, logger *slog.Logger) (*Storage, error) {
	// Открываем BoltDB
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	storage := &Storage{
		db:         db,
		logger:     logger,
		now:        time.Now,
		maxRetries: DefaultMaxRetries,
	}

	// Инициализируем buckets
	if err := storage.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return storage, nil
}

// SetMaxRetries overrides the queue retry limit.
func (s *Storage) SetMaxRetries(n int) {
	if n > 0 {
		s.maxRetries = n
	}
}

// Close closes the database connection
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// initBuckets создает необходимые buckets если они не существуют
func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketCache, bucketQueue, bucketSyncLog, bucketMetadata} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}
