// Package api содержит wire-типы протокола синхронизации.
package api

import "time"

// DeviceInfo описывает устройство клиента.
type DeviceInfo struct {
	DeviceID   string `json:"device_id"`
	Platform   string `json:"platform"`
	AppVersion string `json:"app_version"`
}

// DataChange представляет одну мутацию в wire-формате.
type DataChange struct {
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload"`
	ID         string         `json:"id"`
	EntityType string         `json:"entity_type"`
	RecordID   string         `json:"record_id"`
	Operation  string         `json:"operation"`
	Version    string         `json:"version"`
	Checksum   string         `json:"checksum,omitempty"`
	UserID     string         `json:"user_id"`
	DeviceID   string         `json:"device_id"`
}

// ConflictRecord представляет конфликт в wire-формате.
type ConflictRecord struct {
	Timestamp       time.Time      `json:"timestamp"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	ClientPayload   map[string]any `json:"client_payload"`
	ServerPayload   map[string]any `json:"server_payload"`
	ResolvedPayload map[string]any `json:"resolved_payload,omitempty"`
	ConflictID      string         `json:"conflict_id"`
	SessionID       string         `json:"session_id"`
	EntityType      string         `json:"entity_type"`
	RecordID        string         `json:"record_id"`
	ClientVersion   string         `json:"client_version"`
	ServerVersion   string         `json:"server_version"`
	Resolution      string         `json:"resolution,omitempty"`
}

// StartSessionRequest представляет запрос на открытие sync-сессии.
// user_id берется из bearer-токена, в теле не передается.
type StartSessionRequest struct {
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
	ClientID     string     `json:"client_id"`
	DataVersion  string     `json:"data_version"`
	DeviceInfo   DeviceInfo `json:"device_info"`
}

// SessionResponse представляет состояние sync-сессии.
type SessionResponse struct {
	StartTime        time.Time  `json:"start_time"`
	LastSyncTime     *time.Time `json:"last_sync_time,omitempty"`
	SessionID        string     `json:"session_id"`
	ClientID         string     `json:"client_id"`
	UserID           string     `json:"user_id"`
	DataVersion      string     `json:"data_version"`
	Status           string     `json:"status"`
	Conflicts        []string   `json:"conflicts"`
	DeviceInfo       DeviceInfo `json:"device_info"`
	TotalChanges     int        `json:"total_changes"`
	ProcessedChanges int        `json:"processed_changes"`
}

// ChangesResponse представляет ответ на запрос инкрементальных изменений.
type ChangesResponse struct {
	Changes []DataChange `json:"changes"`
	Total   int          `json:"total"`
}

// ApplyChangesRequest представляет пакет изменений от клиента.
type ApplyChangesRequest struct {
	Changes []DataChange `json:"changes"`
}

// ApplyChangesResponse представляет результат применения пакета:
// идентификаторы примененных изменений и обнаруженные конфликты.
type ApplyChangesResponse struct {
	AppliedIDs []string         `json:"applied_ids"`
	Conflicts  []ConflictRecord `json:"conflicts"`
}

// ResolveConflictsRequest представляет запрос на разрешение конфликтов.
type ResolveConflictsRequest struct {
	ManualPayloads map[string]map[string]any `json:"manual_payloads,omitempty"` // ManualPayloads по conflict_id, только для strategy=manual
	ConflictIDs    []string                  `json:"conflict_ids"`
	Strategy       string                    `json:"strategy"`
}

// ResolveConflictsResponse представляет результат разрешения конфликтов.
type ResolveConflictsResponse struct {
	ResolvedIDs []string `json:"resolved_ids"`
}

// FinalizeResponse представляет результат финализации сессии.
type FinalizeResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Completed bool   `json:"completed"`
}

// ErrorResponse представляет ответ с ошибкой
type ErrorResponse struct {
	Error   string `json:"error"`             // описание ошибки
	Message string `json:"message,omitempty"` // дополнительное сообщение
}
