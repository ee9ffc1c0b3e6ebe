// Package sync реализует фоновую оркестрацию синхронизации клиента:
// периодический drain offline-очереди, eviction кеша и полный resync.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	httpClient "github.com/iudanet/hexsync/internal/client/api"
	"github.com/iudanet/hexsync/internal/client/netmon"
	"github.com/iudanet/hexsync/internal/client/storage"
	"github.com/iudanet/hexsync/internal/models"
	"github.com/iudanet/hexsync/pkg/api"
)

// StatusSource отдает текущее состояние сети.
type StatusSource interface {
	Status() netmon.Status
}

// Config содержит настройки оркестратора.
type Config struct {
	ClientID    string
	UserID      string
	DeviceID    string
	Platform    string
	AppVersion  string
	DataVersion string
	AuthToken   string
	EntityTypes []string

	DrainInterval    time.Duration // интервал drain loop (default 1m)
	FullSyncInterval time.Duration // интервал проверки full-sync loop (default 5m)
	FullSyncMaxAge   time.Duration // возраст, после которого нужен полный resync (default 1h)
	CacheRetention   time.Duration // горизонт хранения кеша (default 7d)
	RecordTTL        time.Duration // TTL записей, положенных в кеш полным pull (default 24h)
}

func (c *Config) applyDefaults() {
	if c.DrainInterval <= 0 {
		c.DrainInterval = time.Minute
	}
	if c.FullSyncInterval <= 0 {
		c.FullSyncInterval = 5 * time.Minute
	}
	if c.FullSyncMaxAge <= 0 {
		c.FullSyncMaxAge = time.Hour
	}
	if c.CacheRetention <= 0 {
		c.CacheRetention = 7 * 24 * time.Hour
	}
	if c.RecordTTL <= 0 {
		c.RecordTTL = 24 * time.Hour
	}
	if len(c.EntityTypes) == 0 {
		c.EntityTypes = models.EntityTypes()
	}
}

// SyncResult contains full sync operation results
type SyncResult struct {
	SessionID     string
	PulledChanges int  // количество полученных с сервера изменений
	CachedRecords int  // количество записей, положенных в кеш
	Conflicts     int  // количество конфликтов сессии
	Completed     bool // финализировалась ли сессия со статусом completed
}

// Orchestrator управляет двумя независимыми фоновыми циклами:
// drain loop (очередь + eviction кеша) и full-sync loop.
// Циклы не блокируют друг друга и прерываются между тиками.
type Orchestrator struct {
	cfg       Config
	apiClient httpClient.ClientAPI
	cache     storage.CacheStore
	queue     storage.OfflineQueue
	metadata  storage.MetadataStore
	monitor   StatusSource
	logger    *slog.Logger
}

// NewOrchestrator creates a new sync orchestrator
func NewOrchestrator(
	cfg Config,
	apiClient httpClient.ClientAPI,
	cache storage.CacheStore,
	queue storage.OfflineQueue,
	metadata storage.MetadataStore,
	monitor StatusSource,
	logger *slog.Logger,
) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:       cfg,
		apiClient: apiClient,
		cache:     cache,
		queue:     queue,
		metadata:  metadata,
		monitor:   monitor,
		logger:    logger,
	}
}

// Run запускает оба цикла и блокируется до отмены контекста.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg gosync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		o.drainLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		o.fullSyncLoop(ctx)
	}()

	wg.Wait()
}

// drainLoop периодически дренирует очередь и чистит устаревший кеш.
func (o *Orchestrator) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.drainTick(ctx)
		}
	}
}

func (o *Orchestrator) drainTick(ctx context.Context) {
	if o.monitor.Status() == netmon.StatusOnline {
		o.DrainNow(ctx)
	}

	// Eviction выполняется на каждом тике независимо от сети
	evicted, err := o.cache.EvictOlderThan(ctx, time.Now().Add(-o.cfg.CacheRetention))
	if err != nil {
		o.logger.Warn("cache eviction failed", "error", err)
	} else if evicted > 0 {
		o.logger.Info("evicted expired cache entries", "count", evicted)
	}
}

// DrainNow немедленно дренирует offline-очередь, если она не пуста.
// Вызывается и по тику drain loop, и по переходу сети Offline → Online;
// параллельные вызовы безопасны (drain single-flight внутри очереди).
func (o *Orchestrator) DrainNow(ctx context.Context) {
	n, err := o.queue.Len(ctx)
	if err != nil {
		o.logger.Warn("failed to check queue length", "error", err)
		return
	}
	if n == 0 {
		return
	}

	o.logger.Info("draining offline queue", "pending", n)

	result, err := o.queue.Drain(ctx, o.apiClient.Replay)
	if err != nil {
		o.logger.Warn("queue drain failed", "error", err)
		return
	}
	if result.Skipped {
		return
	}

	o.logger.Info("queue drain finished",
		"applied", result.Applied,
		"retained", result.Retained,
		"failed", result.Failed)
}

// fullSyncLoop запускает полный pull, когда прошлой синхронизации не было
// или она старше FullSyncMaxAge. Ошибки логируются и повторяются
// на следующем тике, не эскалируются.
func (o *Orchestrator) fullSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.FullSyncInterval)
	defer ticker.Stop()

	o.fullSyncTick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.fullSyncTick(ctx)
		}
	}
}

func (o *Orchestrator) fullSyncTick(ctx context.Context) {
	if o.monitor.Status() != netmon.StatusOnline {
		return
	}

	lastFull, err := o.metadata.GetLastFullSync(ctx)
	if err != nil {
		o.logger.Warn("failed to get last full sync time", "error", err)
	}
	if !lastFull.IsZero() && time.Since(lastFull) < o.cfg.FullSyncMaxAge {
		return
	}

	result, err := o.FullSync(ctx)
	if err != nil {
		o.logger.Warn("full sync failed, will retry on next tick", "error", err)
		return
	}

	o.logger.Info("full sync completed",
		"session_id", result.SessionID,
		"pulled", result.PulledChanges,
		"cached", result.CachedRecords,
		"conflicts", result.Conflicts,
		"completed", result.Completed)
}

// FullSync выполняет один полный pull:
// открывает сессию, забирает инкрементальные изменения по каждому типу
// сущностей, прогревает ими кеш и финализирует сессию.
func (o *Orchestrator) FullSync(ctx context.Context) (*SyncResult, error) {
	lastSync, err := o.metadata.GetLastSyncTime(ctx)
	if err != nil {
		o.logger.Warn("failed to get last sync time, assuming first sync", "error", err)
	}

	startReq := api.StartSessionRequest{
		ClientID:    o.cfg.ClientID,
		DataVersion: o.cfg.DataVersion,
		DeviceInfo: api.DeviceInfo{
			DeviceID:   o.cfg.DeviceID,
			Platform:   o.cfg.Platform,
			AppVersion: o.cfg.AppVersion,
		},
	}
	if !lastSync.IsZero() {
		startReq.LastSyncTime = &lastSync
	}

	sess, err := o.apiClient.StartSession(ctx, o.cfg.AuthToken, startReq)
	if err != nil {
		return nil, fmt.Errorf("failed to start sync session: %w", err)
	}

	result := &SyncResult{
		SessionID: sess.SessionID,
		Conflicts: len(sess.Conflicts),
	}

	changes, err := o.apiClient.GetChanges(ctx, o.cfg.AuthToken, sess.SessionID, o.cfg.EntityTypes)
	if err != nil {
		return nil, fmt.Errorf("failed to get incremental changes: %w", err)
	}

	result.PulledChanges = len(changes.Changes)
	maxTimestamp := lastSync

	// Прогреваем кеш полученными записями
	for _, change := range changes.Changes {
		if change.Timestamp.After(maxTimestamp) {
			maxTimestamp = change.Timestamp
		}

		if change.Operation == string(models.OperationDelete) {
			continue
		}

		payload, err := json.Marshal(change.Payload)
		if err != nil {
			o.logger.Warn("failed to marshal pulled payload",
				"change_id", change.ID,
				"error", err)
			continue
		}

		key := recordCacheKey(change.EntityType, change.RecordID)
		if err := o.cache.Put(ctx, key, payload, o.cfg.RecordTTL); err != nil {
			o.logger.Warn("failed to cache pulled record",
				"entity_type", change.EntityType,
				"record_id", change.RecordID,
				"error", err)
			continue
		}
		result.CachedRecords++
	}

	fin, err := o.apiClient.FinalizeSession(ctx, o.cfg.AuthToken, sess.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize session: %w", err)
	}
	result.Completed = fin.Completed

	// Сохраняем прогресс для следующей инкрементальной синхронизации
	if !maxTimestamp.IsZero() {
		if err := o.metadata.SaveLastSyncTime(ctx, maxTimestamp); err != nil {
			o.logger.Warn("failed to save last sync time", "error", err)
		}
	}
	if err := o.metadata.SaveLastFullSync(ctx, time.Now()); err != nil {
		o.logger.Warn("failed to save last full sync time", "error", err)
	}

	return result, nil
}

// PendingCount возвращает количество записей очереди, ожидающих replay.
func (o *Orchestrator) PendingCount(ctx context.Context) (int, error) {
	return o.queue.Len(ctx)
}

// recordCacheKey строит ключ кеша для записи, полученной полным pull.
func recordCacheKey(entityType, recordID string) string {
	return "record/" + entityType + "/" + recordID
}
