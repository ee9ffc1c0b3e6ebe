package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iudanet/hexsync/internal/server/handlers"
	"github.com/iudanet/hexsync/internal/server/middleware"
	"github.com/iudanet/hexsync/internal/server/session"
	"github.com/iudanet/hexsync/internal/server/storage/sqlite"
	serversync "github.com/iudanet/hexsync/internal/server/sync"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

const (
	sessionCleanupInterval = 5 * time.Minute
	shutdownTimeout        = 10 * time.Second
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	addr := flag.String("addr", ":8080", "HTTP listen address")
	dbPath := flag.String("db", "hexsync-server.db", "Path to SQLite database")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	sessionTTL := flag.Duration("session-ttl", session.DefaultTTL, "Sync session TTL")
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	logger := newLogger(*logLevel)

	if err := run(logger, *addr, *dbPath, *sessionTTL); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, addr, dbPath string, sessionTTL time.Duration) error {
	// Секрет подписи JWT приходит из окружения, не из флага
	secret := os.Getenv("HEXSYNC_JWT_SECRET")
	if secret == "" {
		return errors.New("HEXSYNC_JWT_SECRET environment variable is required")
	}
	jwtConfig := handlers.JWTConfig{
		Secret:         []byte(secret),
		AccessTokenTTL: 15 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.New(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}()

	sessions := session.NewManager(store, store, sessionTTL, logger)
	engine := serversync.NewEngine(sessions, store, store, store, logger)

	syncHandler := handlers.NewSyncHandler(logger, engine, sessions)
	healthHandler := handlers.NewHealthHandler(logger, store.DB())

	// Защищенные маршруты протокола
	protected := http.NewServeMux()
	syncHandler.Register(protected)

	authMiddleware := middleware.AuthMiddleware(logger, jwtConfig)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", healthHandler.Health)
	mux.Handle("/api/v1/sync/", authMiddleware(protected))

	// Открытие сессии лимитируется жестче остальных маршрутов
	rateLimited := middleware.RateLimitByPathMiddleware(
		[]middleware.PathRateLimit{
			{Path: "/api/v1/sync/sessions", Rate: 30, Window: time.Minute},
		},
		300, time.Minute, logger,
	)

	handler := middleware.RecoveryMiddleware(logger)(
		middleware.LoggingWithSkip(logger, []string{"/api/v1/health"})(
			rateLimited(mux),
		),
	)

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Фоновая чистка истекших сессий
	go sessions.RunCleanup(ctx, sessionCleanupInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr, "version", Version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func printVersion() {
	fmt.Printf("HexSync Server\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
