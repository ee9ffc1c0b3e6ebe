package models

import (
	"time"

	"github.com/google/uuid"
)

// Operation описывает вид мутации, которую несёт DataChange.
type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid сообщает, принадлежит ли операция закрытому набору.
func (o Operation) Valid() bool {
	switch o {
	case OperationInsert, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// Синхронизируемые типы сущностей
const (
	EntityHexagram = "hexagram"
	EntityReading  = "reading"
	EntityNote     = "note"
)

// EntityTypes возвращает полный список синхронизируемых типов сущностей.
func EntityTypes() []string {
	return []string{EntityHexagram, EntityReading, EntityNote}
}

// DataChange представляет одну атомарную мутацию.
// Читается из серверного changelog (исходящие изменения) либо
// приходит от клиента (входящие изменения).
type DataChange struct {
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload"`
	ID         string         `json:"id"`          // ID уникальный идентификатор изменения (UUID)
	EntityType string         `json:"entity_type"` // EntityType тип сущности ("hexagram", "reading", ...)
	RecordID   string         `json:"record_id"`   // RecordID идентификатор записи, к которой относится мутация
	Operation  Operation      `json:"operation"`
	Version    string         `json:"version"`  // Version версия формата данных клиента/сессии
	Checksum   string         `json:"checksum"` // Checksum content hash payload с сортированными ключами
	UserID     string         `json:"user_id"`
	DeviceID   string         `json:"device_id"`
}

// NewDataChange создает DataChange с заполненным ID и timestamp.
func NewDataChange(entityType, recordID string, op Operation, payload map[string]any) *DataChange {
	return &DataChange{
		ID:         uuid.New().String(),
		EntityType: entityType,
		RecordID:   recordID,
		Operation:  op,
		Payload:    payload,
		Timestamp:  time.Now(),
	}
}

// Record представляет текущее состояние одной записи в серверном хранилище.
type Record struct {
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Payload    map[string]any `json:"payload"`
	EntityType string         `json:"entity_type"`
	RecordID   string         `json:"record_id"`
	UserID     string         `json:"user_id"`
	Version    string         `json:"version"`
	Deleted    bool           `json:"deleted"` // Deleted флаг soft delete
}
