package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iudanet/hexsync/internal/client/api"
	"github.com/iudanet/hexsync/internal/client/netmon"
	"github.com/iudanet/hexsync/internal/client/router"
	"github.com/iudanet/hexsync/internal/client/storage/boltdb"
	clientsync "github.com/iudanet/hexsync/internal/client/sync"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	serverURL := flag.String("server", "http://localhost:8080", "Server URL")
	dbPath := flag.String("db", "hexsync-client.db", "Path to local database")
	clientID := flag.String("client-id", "hexsync-cli", "Client identifier")
	deviceID := flag.String("device-id", defaultDeviceID(), "Device identifier")
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := context.Background()

	// Локальное хранилище: кеш, offline-очередь, метаданные
	store, err := boltdb.New(ctx, *dbPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	// Токен приходит из окружения, не из флага
	token := os.Getenv("HEXSYNC_TOKEN")

	apiClient := api.NewClient(*serverURL)
	monitor := netmon.New(*serverURL+"/api/v1/health", netmon.DefaultInterval, logger)

	orchestrator := clientsync.NewOrchestrator(clientsync.Config{
		ClientID:    *clientID,
		DeviceID:    *deviceID,
		Platform:    "cli",
		AppVersion:  Version,
		DataVersion: "1.0",
		AuthToken:   token,
	}, apiClient, store, store, store, monitor, logger)

	var runErr error
	switch command := args[0]; command {
	case "status":
		runErr = runStatus(ctx, store, monitor)
	case "sync":
		runErr = runSync(ctx, monitor, orchestrator)
	case "get":
		runErr = runGet(ctx, args[1:], *serverURL, token, store, monitor, logger)
	case "serve":
		runErr = runServe(ctx, monitor, orchestrator, logger)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		os.Exit(1)
	}
}

// runStatus печатает состояние сети, очереди и синхронизации
func runStatus(ctx context.Context, store *boltdb.Storage, monitor *netmon.Monitor) error {
	status := monitor.ProbeNow(ctx)

	pending, err := store.Len(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue length: %w", err)
	}

	lastSync, err := store.GetLastSyncTime(ctx)
	if err != nil {
		return fmt.Errorf("failed to read last sync time: %w", err)
	}
	lastFull, err := store.GetLastFullSync(ctx)
	if err != nil {
		return fmt.Errorf("failed to read last full sync time: %w", err)
	}

	fmt.Printf("Network:        %s\n", status)
	fmt.Printf("Queued changes: %d\n", pending)
	fmt.Printf("Last sync:      %s\n", formatTime(lastSync))
	fmt.Printf("Last full sync: %s\n", formatTime(lastFull))

	return nil
}

// runSync выполняет один полный раунд: drain очереди и full sync
func runSync(ctx context.Context, monitor *netmon.Monitor, orchestrator *clientsync.Orchestrator) error {
	if status := monitor.ProbeNow(ctx); status != netmon.StatusOnline {
		return fmt.Errorf("server is not reachable (network %s)", status)
	}

	orchestrator.DrainNow(ctx)

	result, err := orchestrator.FullSync(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Session:   %s\n", result.SessionID)
	fmt.Printf("Pulled:    %d changes\n", result.PulledChanges)
	fmt.Printf("Cached:    %d records\n", result.CachedRecords)
	fmt.Printf("Completed: %v\n", result.Completed)

	return nil
}

// runGet читает запись через router: свежий кеш, сеть или stale fallback
func runGet(ctx context.Context, args []string, serverURL, token string, store *boltdb.Storage, monitor *netmon.Monitor, logger *slog.Logger) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: get <entity-type> <record-id>")
	}

	monitor.ProbeNow(ctx)

	r := router.New(router.Config{
		BaseURL:   serverURL,
		AuthToken: token,
	}, store, store, monitor, logger)

	resp, err := r.Do(ctx, router.Request{
		Method: http.MethodGet,
		Target: fmt.Sprintf("/api/v1/%s/%s", args[0], args[1]),
		Policy: router.PolicyCacheFirst,
	})
	if err != nil {
		return err
	}

	if resp.Degraded {
		fmt.Fprintln(os.Stderr, "warning: serving stale cached data")
	}
	fmt.Println(string(resp.Body))

	return nil
}

// runServe запускает фоновые циклы синхронизации до сигнала
func runServe(ctx context.Context, monitor *netmon.Monitor, orchestrator *clientsync.Orchestrator, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Восстановление сети немедленно дренирует очередь
	monitor.OnReconnect(func() {
		orchestrator.DrainNow(ctx)
	})

	go monitor.Run(ctx)

	logger.Info("background sync started")
	orchestrator.Run(ctx)
	logger.Info("background sync stopped")

	return nil
}

func defaultDeviceID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}

func printVersion() {
	fmt.Printf("HexSync Client\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `HexSync Client

Usage:
  hexsync-client [flags] <command>

Commands:
  status   Show network, queue and sync state
  sync     Run one sync round (drain queue + full sync)
  get      Read a record through the cache-aware router
  serve    Run background sync loops until interrupted

Flags:
  -server     Server URL (default http://localhost:8080)
  -db         Path to local database
  -client-id  Client identifier
  -device-id  Device identifier

Environment:
  HEXSYNC_TOKEN  Bearer token for authenticated requests
`)
}
