package boltdb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/hexsync/internal/client/storage"
	"github.com/iudanet/hexsync/internal/models"
)

// createQueuedRequest создает тестовую запись очереди
func createQueuedRequest(target string) *models.QueuedRequest {
	return &models.QueuedRequest{
		Method:  "POST",
		Target:  target,
		Payload: []byte(`{"note":"test"}`),
		Headers: map[string]string{"Authorization": "Bearer token"},
	}
}

func TestQueue_EnqueueFIFO(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	for _, target := range []string{"/a", "/b", "/c"} {
		_, err := store.Enqueue(ctx, createQueuedRequest(target))
		require.NoError(t, err)
	}

	entries, err := store.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// FIFO по порядку постановки
	assert.Equal(t, "/a", entries[0].Target)
	assert.Equal(t, "/b", entries[1].Target)
	assert.Equal(t, "/c", entries[2].Target)

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestQueue_DrainSuccess(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, createQueuedRequest("/a"))
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, createQueuedRequest("/b"))
	require.NoError(t, err)

	var applied []string
	result, err := store.Drain(ctx, func(ctx context.Context, req *models.QueuedRequest) error {
		applied = append(applied, req.Target)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Applied)
	assert.Equal(t, []string{"/a", "/b"}, applied)

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Успешные replay фиксируются в audit log
	logEntries, err := store.SyncLogEntries(ctx)
	require.NoError(t, err)
	require.Len(t, logEntries, 2)
	assert.Equal(t, models.SyncLogStatusApplied, logEntries[0].Status)
}

func TestQueue_DrainFailureRetains(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, createQueuedRequest("/a"))
	require.NoError(t, err)

	result, err := store.Drain(ctx, func(ctx context.Context, req *models.QueuedRequest) error {
		return errors.New("remote unavailable")
	})
	require.NoError(t, err)

	// Одна неудача внутри прохода — запись остается с retryCount=1
	assert.Equal(t, 0, result.Applied)
	assert.Equal(t, 1, result.Retained)

	entries, err := store.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)
}

func TestQueue_MaxRetriesMovesToAuditLog(t *testing.T) {
	store := createTestStorage(t)
	store.SetMaxRetries(3)
	ctx := context.Background()

	id, err := store.Enqueue(ctx, createQueuedRequest("/a"))
	require.NoError(t, err)

	// Три прохода, все с ошибкой
	for i := 0; i < 3; i++ {
		_, err := store.Drain(ctx, func(ctx context.Context, req *models.QueuedRequest) error {
			return errors.New("still failing")
		})
		require.NoError(t, err)
	}

	// Очередь пуста
	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Запись ровно один раз в audit log с последней ошибкой
	logEntries, err := store.SyncLogEntries(ctx)
	require.NoError(t, err)
	require.Len(t, logEntries, 1)
	assert.Equal(t, id, logEntries[0].OperationID)
	assert.Equal(t, models.SyncLogStatusFailed, logEntries[0].Status)
	assert.Equal(t, "still failing", logEntries[0].ErrorMessage)
}

func TestQueue_ConcurrentDrainSingleFlight(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.Enqueue(ctx, createQueuedRequest("/entry"))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	appliedTotal := 0

	apply := func(ctx context.Context, req *models.QueuedRequest) error {
		mu.Lock()
		appliedTotal++
		mu.Unlock()
		time.Sleep(10 * time.Millisecond) // удерживаем drain, чтобы вызовы пересеклись
		return nil
	}

	// Два триггера одновременно: таймер и reconnect
	var wg sync.WaitGroup
	results := make([]*storage.DrainResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := store.Drain(ctx, apply)
			require.NoError(t, err)
			results[i] = result
		}(i)
	}
	wg.Wait()

	// Каждая запись применена ровно один раз
	assert.Equal(t, 5, appliedTotal)
	assert.True(t, results[0].Skipped || results[1].Skipped)

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestQueue_DrainConvergence(t *testing.T) {
	store := createTestStorage(t)
	store.SetMaxRetries(3)
	ctx := context.Background()

	// Половина записей применяется, половина навсегда падает
	for i := 0; i < 4; i++ {
		target := "/ok"
		if i%2 == 1 {
			target = "/bad"
		}
		_, err := store.Enqueue(ctx, createQueuedRequest(target))
		require.NoError(t, err)
	}

	apply := func(ctx context.Context, req *models.QueuedRequest) error {
		if req.Target == "/bad" {
			return errors.New("permanent failure")
		}
		return nil
	}

	// Достаточное количество проходов приводит очередь к нулю
	for i := 0; i < 3; i++ {
		_, err := store.Drain(ctx, apply)
		require.NoError(t, err)
	}

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	logEntries, err := store.SyncLogEntries(ctx)
	require.NoError(t, err)

	failed := 0
	for _, e := range logEntries {
		if e.Status == models.SyncLogStatusFailed {
			failed++
		}
	}
	assert.Equal(t, 2, failed)
}
