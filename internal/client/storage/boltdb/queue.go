package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/iudanet/hexsync/internal/client/storage"
	"github.com/iudanet/hexsync/internal/models"
)

// Enqueue appends a pending mutation to the offline queue.
// Ключом служит монотонная bolt-последовательность, поэтому
// итерация по bucket дает FIFO-порядок по времени постановки.
func (s *Storage) Enqueue(ctx context.Context, req *models.QueuedRequest) (string, error) {
	if s.db == nil {
		return "", storage.ErrStorageClosed
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = s.now()
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketQueue)

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}

		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("failed to marshal queued request: %w", err)
		}

		return bucket.Put(seqKey(seq), data)
	})
	if err != nil {
		return "", fmt.Errorf("enqueue failed: %w", err)
	}

	return req.ID, nil
}

// Entries returns all pending requests oldest-first.
func (s *Storage) Entries(ctx context.Context) ([]*models.QueuedRequest, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var entries []*models.QueuedRequest

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(k, v []byte) error {
			var req models.QueuedRequest
			if err := json.Unmarshal(v, &req); err != nil {
				return fmt.Errorf("failed to unmarshal queued request: %w", err)
			}
			entries = append(entries, &req)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}

	return entries, nil
}

// Len returns the number of pending requests.
func (s *Storage) Len(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, storage.ErrStorageClosed
	}

	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket(bucketQueue).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}

	return count, nil
}

// Drain replays pending requests oldest-first.
// Успех — запись удаляется; неудача — retryCount++; после maxRetries
// запись удаляется и попадает в sync audit log с последней ошибкой.
// Внутри одного прохода запись не повторяется (no busy-retry).
// Одновременно выполняется не более одного drain: второй вызов
// возвращает Skipped=true, не трогая очередь.
func (s *Storage) Drain(ctx context.Context, apply storage.ApplyFunc) (*storage.DrainResult, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	if !s.draining.CompareAndSwap(false, true) {
		s.logger.Debug("drain already in progress, skipping")
		return &storage.DrainResult{Skipped: true}, nil
	}
	defer s.draining.Store(false)

	// Снимок очереди на момент старта прохода
	type queued struct {
		req *models.QueuedRequest
		key []byte
	}
	var snapshot []queued

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(k, v []byte) error {
			var req models.QueuedRequest
			if err := json.Unmarshal(v, &req); err != nil {
				return fmt.Errorf("failed to unmarshal queued request: %w", err)
			}
			snapshot = append(snapshot, queued{req: &req, key: append([]byte(nil), k...)})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot queue: %w", err)
	}

	result := &storage.DrainResult{}

	for _, item := range snapshot {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		applyErr := apply(ctx, item.req)
		if applyErr == nil {
			if err := s.completeEntry(item.key, item.req); err != nil {
				return result, err
			}
			result.Applied++
			continue
		}

		item.req.RetryCount++
		if item.req.RetryCount >= s.maxRetries {
			// Терминальная неудача: убираем из очереди, фиксируем в audit log
			if err := s.failEntry(item.key, item.req, applyErr); err != nil {
				return result, err
			}
			result.Failed++
			s.logger.Warn("queued request moved to audit log",
				"request_id", item.req.ID,
				"retries", item.req.RetryCount,
				"error", applyErr)
			continue
		}

		// Оставляем до следующего прохода с увеличенным retryCount
		if err := s.retainEntry(item.key, item.req); err != nil {
			return result, err
		}
		result.Retained++
	}

	return result, nil
}

// completeEntry удаляет примененную запись и пишет applied в audit log
func (s *Storage) completeEntry(key []byte, req *models.QueuedRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketQueue).Delete(key); err != nil {
			return fmt.Errorf("failed to delete queue entry: %w", err)
		}
		return s.appendSyncLogTx(tx, &models.SyncLogEntry{
			ID:          uuid.New().String(),
			OperationID: req.ID,
			Status:      models.SyncLogStatusApplied,
			Payload:     req.Payload,
			Timestamp:   s.now(),
		})
	})
}

// failEntry удаляет запись после maxRetries и пишет failed в audit log
func (s *Storage) failEntry(key []byte, req *models.QueuedRequest, lastErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketQueue).Delete(key); err != nil {
			return fmt.Errorf("failed to delete queue entry: %w", err)
		}
		return s.appendSyncLogTx(tx, &models.SyncLogEntry{
			ID:           uuid.New().String(),
			OperationID:  req.ID,
			Status:       models.SyncLogStatusFailed,
			Payload:      req.Payload,
			Timestamp:    s.now(),
			ErrorMessage: lastErr.Error(),
		})
	})
}

// retainEntry сохраняет запись с обновленным retryCount
func (s *Storage) retainEntry(key []byte, req *models.QueuedRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal queued request: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketQueue).Put(key, data)
	})
}

// seqKey кодирует последовательность в big-endian для лексикографического порядка
func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
