package models

import (
	"time"

	"github.com/google/uuid"
)

// SyncStatus представляет состояние сессии синхронизации.
type SyncStatus string

const (
	SyncStatusPending    SyncStatus = "pending"
	SyncStatusInProgress SyncStatus = "in_progress"
	SyncStatusCompleted  SyncStatus = "completed"
	SyncStatusConflict   SyncStatus = "conflict"
	SyncStatusFailed     SyncStatus = "failed"
)

// Terminal сообщает, является ли статус конечным.
func (s SyncStatus) Terminal() bool {
	switch s {
	case SyncStatusCompleted, SyncStatusConflict, SyncStatusFailed:
		return true
	}
	return false
}

// Valid сообщает, принадлежит ли статус закрытому набору.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusPending, SyncStatusInProgress,
		SyncStatusCompleted, SyncStatusConflict, SyncStatusFailed:
		return true
	}
	return false
}

// DeviceInfo описывает устройство клиента, открывшего сессию.
type DeviceInfo struct {
	DeviceID   string `json:"device_id"`
	Platform   string `json:"platform"`    // Platform например "ios", "android", "cli"
	AppVersion string `json:"app_version"` // AppVersion версия клиентского приложения
}

// SyncSession представляет состояние одного раунда синхронизации клиента.
// Создается при старте раунда, живет не дольше session TTL,
// финализируется явно через Finalize.
type SyncSession struct {
	StartTime        time.Time  `json:"start_time"`
	LastSyncTime     *time.Time `json:"last_sync_time"` // LastSyncTime время предыдущей синхронизации клиента (nil для первой)
	SessionID        string     `json:"session_id"`
	ClientID         string     `json:"client_id"`
	UserID           string     `json:"user_id"`
	DataVersion      string     `json:"data_version"`
	Status           SyncStatus `json:"status"`
	Conflicts        []string   `json:"conflicts"` // Conflicts идентификаторы конфликтов раунда, никогда не nil
	DeviceInfo       DeviceInfo `json:"device_info"`
	TotalChanges     int        `json:"total_changes"`
	ProcessedChanges int        `json:"processed_changes"`
}

// NewSyncSession создает сессию в статусе Pending с новым UUID.
func NewSyncSession(clientID, userID string, lastSync *time.Time, device DeviceInfo, dataVersion string) *SyncSession {
	return &SyncSession{
		SessionID:    uuid.New().String(),
		ClientID:     clientID,
		UserID:       userID,
		StartTime:    time.Now(),
		LastSyncTime: lastSync,
		DeviceInfo:   device,
		DataVersion:  dataVersion,
		Status:       SyncStatusPending,
		Conflicts:    []string{},
	}
}

// ExpiresAt возвращает момент истечения сессии при заданном TTL.
func (s *SyncSession) ExpiresAt(ttl time.Duration) time.Time {
	return s.StartTime.Add(ttl)
}

// Clone создает глубокую копию сессии.
func (s *SyncSession) Clone() *SyncSession {
	clone := *s
	clone.Conflicts = make([]string, len(s.Conflicts))
	copy(clone.Conflicts, s.Conflicts)
	if s.LastSyncTime != nil {
		t := *s.LastSyncTime
		clone.LastSyncTime = &t
	}
	return &clone
}
