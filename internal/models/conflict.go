package models

import "time"

// ConflictResolution представляет стратегию разрешения конфликта.
type ConflictResolution string

const (
	ResolutionClientWins ConflictResolution = "client_wins"
	ResolutionServerWins ConflictResolution = "server_wins"
	ResolutionMerge      ConflictResolution = "merge"
	ResolutionManual     ConflictResolution = "manual"
)

// Valid сообщает, принадлежит ли стратегия закрытому набору.
func (r ConflictResolution) Valid() bool {
	switch r {
	case ResolutionClientWins, ResolutionServerWins, ResolutionMerge, ResolutionManual:
		return true
	}
	return false
}

// ConflictRecord фиксирует расхождение между мутацией клиента и
// текущим состоянием сервера для одной записи.
// Создается детектором, мутируется ровно один раз при разрешении.
type ConflictRecord struct {
	Timestamp       time.Time          `json:"timestamp"`
	ResolvedAt      *time.Time         `json:"resolved_at"`
	ClientPayload   map[string]any     `json:"client_payload"`
	ServerPayload   map[string]any     `json:"server_payload"`
	ResolvedPayload map[string]any     `json:"resolved_payload"` // ResolvedPayload nil пока конфликт не разрешен
	ConflictID      string             `json:"conflict_id"`
	SessionID       string             `json:"session_id"`
	EntityType      string             `json:"entity_type"`
	RecordID        string             `json:"record_id"`
	ClientVersion   string             `json:"client_version"`
	ServerVersion   string             `json:"server_version"`
	Resolution      ConflictResolution `json:"resolution"` // Resolution пустая строка = не разрешен
}

// Resolved сообщает, был ли конфликт уже разрешен.
func (c *ConflictRecord) Resolved() bool {
	return c.Resolution != ""
}
