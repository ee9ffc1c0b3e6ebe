package router

import "errors"

var (
	// ErrCacheMissNetworkDisallowed возвращается для CacheOnly без попадания в кеш
	ErrCacheMissNetworkDisallowed = errors.New("cache miss and network disallowed")

	// ErrNetworkUnavailable возвращается когда сеть недоступна
	// и fallback на кеш невозможен или запрещен политикой
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrAuthenticationFailed возвращается на 401 от сервера;
	// запрос не повторяется с теми же credentials
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrRetryExhausted возвращается после исчерпания bounded retries
	ErrRetryExhausted = errors.New("retry attempts exhausted")
)
