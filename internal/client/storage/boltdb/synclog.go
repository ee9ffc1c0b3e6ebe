package boltdb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/iudanet/hexsync/internal/client/storage"
	"github.com/iudanet/hexsync/internal/models"
)

// AppendSyncLog appends an entry to the sync audit log.
func (s *Storage) AppendSyncLog(ctx context.Context, entry *models.SyncLogEntry) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return s.appendSyncLogTx(tx, entry)
	})
}

// appendSyncLogTx пишет запись audit log внутри уже открытой транзакции
func (s *Storage) appendSyncLogTx(tx *bbolt.Tx, entry *models.SyncLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}

	bucket := tx.Bucket(bucketSyncLog)

	seq, err := bucket.NextSequence()
	if err != nil {
		return fmt.Errorf("failed to get next sequence: %w", err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal sync log entry: %w", err)
	}

	if err := bucket.Put(seqKey(seq), data); err != nil {
		return fmt.Errorf("failed to append sync log entry: %w", err)
	}

	return nil
}

// SyncLogEntries returns all audit log entries oldest-first.
func (s *Storage) SyncLogEntries(ctx context.Context) ([]*models.SyncLogEntry, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var entries []*models.SyncLogEntry

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSyncLog).ForEach(func(k, v []byte) error {
			var entry models.SyncLogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to unmarshal sync log entry: %w", err)
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read sync log: %w", err)
	}

	return entries, nil
}
