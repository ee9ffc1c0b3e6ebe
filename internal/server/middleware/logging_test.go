package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newLogBuffer() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, nil)), &buf
}

func TestLoggingMiddleware_WritesAccessLog(t *testing.T) {
	logger, buf := newLogBuffer()

	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"session_id":"s-1","status":"pending"}`))
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync/sessions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)

	out := buf.String()
	assert.Contains(t, out, "http request")
	assert.Contains(t, out, "method=POST")
	assert.Contains(t, out, "route=/api/v1/sync/sessions")
	assert.Contains(t, out, "status=201")
}

func TestLoggingMiddleware_LevelFollowsStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		level  string
	}{
		{"success logs info", http.StatusOK, "level=INFO"},
		{"client error logs warn", http.StatusConflict, "level=WARN"},
		{"server error logs error", http.StatusInternalServerError, "level=ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := newLogBuffer()
			handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/v1/sync/sessions/s-1/finalize", nil)
			handler.ServeHTTP(httptest.NewRecorder(), req)

			assert.Contains(t, buf.String(), tt.level)
		})
	}
}

func TestLoggingWithSkip(t *testing.T) {
	logger, buf := newLogBuffer()

	handler := LoggingWithSkip(logger, []string{"/api/v1/health"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Периодические health-пробы клиентов не попадают в лог
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Empty(t, buf.String())

	// Остальные маршруты логируются с маскированным session ID
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/sync/sessions/7e2c/changes", nil))
	assert.Contains(t, buf.String(), "route=/api/v1/sync/sessions/{id}/changes")
}

func TestCollapseSessionID(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{
			name: "changes route",
			path: "/api/v1/sync/sessions/9a1b2c3d/changes",
			want: "/api/v1/sync/sessions/{id}/changes",
		},
		{
			name: "finalize route",
			path: "/api/v1/sync/sessions/9a1b2c3d/finalize",
			want: "/api/v1/sync/sessions/{id}/finalize",
		},
		{
			name: "bare session id",
			path: "/api/v1/sync/sessions/9a1b2c3d",
			want: "/api/v1/sync/sessions/{id}",
		},
		{
			name: "collection route untouched",
			path: "/api/v1/sync/sessions",
			want: "/api/v1/sync/sessions",
		},
		{
			name: "trailing slash untouched",
			path: "/api/v1/sync/sessions/",
			want: "/api/v1/sync/sessions/",
		},
		{
			name: "unrelated route untouched",
			path: "/api/v1/sync/conflicts/resolve",
			want: "/api/v1/sync/conflicts/resolve",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, collapseSessionID(tt.path))
		})
	}
}
