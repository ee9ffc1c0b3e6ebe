package boltdb

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/hexsync/internal/client/storage"
)

const (
	keyLastSyncTime = "last_sync_time"
	keyLastFullSync = "last_full_sync"
)

// SaveLastSyncTime saves the server timestamp of the last successful sync
func (s *Storage) SaveLastSyncTime(ctx context.Context, t time.Time) error {
	return s.saveTime(keyLastSyncTime, t)
}

// GetLastSyncTime retrieves the server timestamp of the last successful sync
// Returns zero time if no sync has been performed yet
func (s *Storage) GetLastSyncTime(ctx context.Context) (time.Time, error) {
	return s.loadTime(keyLastSyncTime)
}

// SaveLastFullSync saves the local time of the last completed full pull
func (s *Storage) SaveLastFullSync(ctx context.Context, t time.Time) error {
	return s.saveTime(keyLastFullSync, t)
}

// GetLastFullSync retrieves the local time of the last completed full pull
// Returns zero time if no full sync has been performed yet
func (s *Storage) GetLastFullSync(ctx context.Context) (time.Time, error) {
	return s.loadTime(keyLastFullSync)
}

func (s *Storage) saveTime(key string, t time.Time) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		// Конвертируем в UnixNano bytes
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()))

		if err := tx.Bucket(bucketMetadata).Put([]byte(key), buf); err != nil {
			return fmt.Errorf("failed to save %s: %w", key, err)
		}
		return nil
	})
}

func (s *Storage) loadTime(key string) (time.Time, error) {
	if s.db == nil {
		return time.Time{}, storage.ErrStorageClosed
	}

	var t time.Time

	err := s.db.View(func(tx *bbolt.Tx) error {
		buf := tx.Bucket(bucketMetadata).Get([]byte(key))
		if buf == nil {
			// Еще не сохранялось — нулевое время
			return nil
		}
		t = time.Unix(0, int64(binary.BigEndian.Uint64(buf)))
		return nil
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load %s: %w", key, err)
	}

	return t, nil
}
