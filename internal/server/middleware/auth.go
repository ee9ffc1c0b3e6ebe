package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/iudanet/hexsync/internal/server/handlers"
)

// AuthMiddleware создает middleware для проверки JWT токена
func AuthMiddleware(logger *slog.Logger, jwtConfig handlers.JWTConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Извлекаем токен из заголовка Authorization
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.Warn("Missing Authorization header")
				writeAuthError(w, "missing token")
				return
			}

			// Ожидаем формат: "Bearer <token>"
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				logger.Warn("Invalid Authorization header format")
				writeAuthError(w, "invalid token format")
				return
			}

			tokenString := parts[1]

			// Валидируем токен
			claims, err := handlers.ValidateAccessToken(jwtConfig, tokenString)
			if err != nil {
				logger.Warn("Invalid access token", "error", err)
				writeAuthError(w, "invalid token")
				return
			}

			// Добавляем данные из токена в контекст
			ctx := context.WithValue(r.Context(), handlers.UserIDKey, claims.UserID)
			ctx = context.WithValue(ctx, handlers.UsernameKey, claims.Username)

			logger.Debug("User authenticated", "user_id", claims.UserID, "username", claims.Username)

			// Передаем запрос дальше с обновленным контекстом
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeAuthError отвечает единым JSON-форматом ошибки авторизации
func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized: ` + msg + `"}`))
}
