package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// statusRecorder запоминает статус и размер ответа для access-лога
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += int64(n)
	return n, err
}

// LoggingMiddleware логирует каждый запрос: метод, маршрут, статус,
// длительность и размер ответа. Идентификатор сессии в пути сворачивается
// в плейсхолдер, чтобы не раздувать кардинальность лога.
// Тела запросов и заголовок Authorization не логируются.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			level := slog.LevelInfo
			switch {
			case rec.status >= http.StatusInternalServerError:
				level = slog.LevelError
			case rec.status >= http.StatusBadRequest:
				level = slog.LevelWarn
			}

			logger.Log(r.Context(), level, "http request",
				"method", r.Method,
				"route", collapseSessionID(r.URL.Path),
				"remote_addr", r.RemoteAddr,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"bytes", rec.bytes,
			)
		})
	}
}

// LoggingWithSkip не логирует перечисленные пути. Health endpoint
// опрашивается монитором сети каждого клиента раз в 30 секунд
// и забил бы access-лог.
func LoggingWithSkip(logger *slog.Logger, skipPaths []string) func(http.Handler) http.Handler {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, path := range skipPaths {
		skip[path] = struct{}{}
	}

	logging := LoggingMiddleware(logger)

	return func(next http.Handler) http.Handler {
		logged := logging(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			logged.ServeHTTP(w, r)
		})
	}
}

// collapseSessionID заменяет идентификатор сессии в sync-маршрутах
// плейсхолдером: /api/v1/sync/sessions/<uuid>/changes превращается
// в /api/v1/sync/sessions/{id}/changes.
func collapseSessionID(path string) string {
	const prefix = "/api/v1/sync/sessions/"

	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || rest == "" {
		return path
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return prefix + "{id}" + rest[i:]
	}
	return prefix + "{id}"
}
