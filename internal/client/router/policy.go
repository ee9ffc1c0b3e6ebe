package router

import "net/http"

// Policy определяет стратегию маршрутизации запроса между кешем и сетью.
type Policy int

const (
	PolicyCacheFirst Policy = iota
	PolicyNetworkFirst
	PolicyCacheOnly
	PolicyNetworkOnly
)

// String возвращает строковое представление политики.
func (p Policy) String() string {
	switch p {
	case PolicyCacheFirst:
		return "cache_first"
	case PolicyNetworkFirst:
		return "network_first"
	case PolicyCacheOnly:
		return "cache_only"
	case PolicyNetworkOnly:
		return "network_only"
	}
	return "unknown"
}

// allowsCache сообщает, разрешен ли политике fallback на кеш.
func (p Policy) allowsCache() bool {
	return p != PolicyNetworkOnly
}

// isMutating сообщает, является ли HTTP-метод мутирующим.
// Мутирующие запросы при недоступной сети уходят в offline-очередь.
func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
