package storage

import "errors"

var (
	// ErrStorageClosed возвращается при операциях над закрытым хранилищем
	ErrStorageClosed = errors.New("storage is closed")

	// ErrCacheMiss возвращается когда записи нет в кеше или ее TTL истек
	ErrCacheMiss = errors.New("cache miss")

	// ErrNotFound возвращается когда запись не найдена
	ErrNotFound = errors.New("entry not found")
)
