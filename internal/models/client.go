package models

import "time"

// CacheEntry представляет один закешированный ответ.
// Key однозначно идентифицирует ответ (fingerprint метода, target и параметров).
type CacheEntry struct {
	StoredAt   time.Time `json:"stored_at"`
	Key        string    `json:"key"`
	ETag       string    `json:"etag,omitempty"`
	Payload    []byte    `json:"payload"`
	TTLSeconds int64     `json:"ttl_seconds"`
	Compressed bool      `json:"compressed"` // Compressed payload хранится в snappy-представлении
}

// Expired сообщает, истек ли TTL записи на момент now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.Sub(e.StoredAt) > time.Duration(e.TTLSeconds)*time.Second
}

// QueuedRequest представляет отложенную мутацию в offline-очереди.
// Создается когда мутирующий вызов не прошел из-за отсутствия сети
// или исчерпания retry; удаляется после успешного replay либо после
// превышения maxRetries (с записью в audit log).
type QueuedRequest struct {
	EnqueuedAt time.Time         `json:"enqueued_at"`
	Headers    map[string]string `json:"headers"` // Headers в т.ч. bearer credential
	ID         string            `json:"id"`
	Method     string            `json:"method"`
	Target     string            `json:"target"`
	Payload    []byte            `json:"payload,omitempty"`
	RetryCount int               `json:"retry_count"`
}

// Статусы записей sync audit log
const (
	SyncLogStatusApplied = "applied"
	SyncLogStatusFailed  = "failed"
)

// SyncLogEntry представляет запись audit log синхронизации.
// Терминальные неудачи очереди никогда не теряются молча:
// они попадают сюда вместе с последней ошибкой.
type SyncLogEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	ID           string    `json:"id"`
	OperationID  string    `json:"operation_id"` // OperationID идентификатор исходного QueuedRequest
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Payload      []byte    `json:"payload,omitempty"`
}
