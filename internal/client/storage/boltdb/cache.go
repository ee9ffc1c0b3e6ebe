package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"
	"go.etcd.io/bbolt"

	"github.com/iudanet/hexsync/internal/client/storage"
	"github.com/iudanet/hexsync/internal/models"
)

// compressThreshold минимальный размер payload для попытки snappy-сжатия
const compressThreshold = 1024

// Put stores a response payload under the given cache key.
// Payload'ы крупнее порога сжимаются snappy; сохраняется то
// представление, которое оказалось меньше.
func (s *Storage) Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	entry := models.CacheEntry{
		Key:        key,
		Payload:    payload,
		StoredAt:   s.now(),
		TTLSeconds: int64(ttl.Seconds()),
	}

	if len(payload) > compressThreshold {
		compressed := snappy.Encode(nil, payload)
		if len(compressed) < len(payload) {
			entry.Payload = compressed
			entry.Compressed = true
		}
	}

	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCache).Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save cache entry: %w", err)
	}

	return nil
}

// Get returns a fresh cache entry or ErrCacheMiss.
// Просроченная запись не удаляется: она остается доступной через GetStale.
func (s *Storage) Get(ctx context.Context, key string) (*models.CacheEntry, error) {
	entry, err := s.readEntry(key)
	if err != nil {
		return nil, err
	}

	if entry.Expired(s.now()) {
		return nil, storage.ErrCacheMiss
	}

	return entry, nil
}

// GetStale returns the most recent payload for the key regardless of TTL.
// Используется только как degraded fallback при недоступной сети.
func (s *Storage) GetStale(ctx context.Context, key string) (*models.CacheEntry, error) {
	return s.readEntry(key)
}

// readEntry читает и декодирует запись; ошибки I/O логируются
// и трактуются как cache miss.
func (s *Storage) readEntry(key string) (*models.CacheEntry, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var entry *models.CacheEntry

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketCache).Get([]byte(key))
		if data == nil {
			return storage.ErrCacheMiss
		}

		entry = &models.CacheEntry{}
		if err := json.Unmarshal(data, entry); err != nil {
			return fmt.Errorf("failed to unmarshal cache entry: %w", err)
		}
		return nil
	})
	if err != nil {
		if err != storage.ErrCacheMiss {
			// Ошибка хранилища не фатальна — деградируем до miss
			s.logger.Warn("cache read failed, treating as miss", "key", key, "error", err)
		}
		return nil, storage.ErrCacheMiss
	}

	if entry.Compressed {
		decoded, err := snappy.Decode(nil, entry.Payload)
		if err != nil {
			s.logger.Warn("cache decompression failed, treating as miss", "key", key, "error", err)
			return nil, storage.ErrCacheMiss
		}
		entry.Payload = decoded
	}

	return entry, nil
}

// EvictOlderThan deletes cache entries stored before the horizon.
// Возвращает количество удаленных записей.
func (s *Storage) EvictOlderThan(ctx context.Context, horizon time.Time) (int, error) {
	if s.db == nil {
		return 0, storage.ErrStorageClosed
	}

	evicted := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCache)
		c := bucket.Cursor()

		// Собираем ключи заранее: удаление во время ForEach небезопасно
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry models.CacheEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				stale = append(stale, append([]byte(nil), k...))
				continue
			}
			if entry.StoredAt.Before(horizon) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}

		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("failed to delete cache entry: %w", err)
			}
			evicted++
		}
		return nil
	})
	if err != nil {
		return evicted, fmt.Errorf("cache eviction failed: %w", err)
	}

	return evicted, nil
}

// Clear removes all cache entries
func (s *Storage) Clear(ctx context.Context) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketCache); err != nil {
			return fmt.Errorf("failed to delete bucket: %w", err)
		}
		if _, err := tx.CreateBucket(bucketCache); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear transaction failed: %w", err)
	}

	return nil
}
