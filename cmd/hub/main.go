// Command hub runs the multi-agent coordination server: the in-process
// tool surface wired together by pkg/hub, served over the HTTP side
// channel from pkg/api.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/coordhub/hub/pkg/api"
	"github.com/coordhub/hub/pkg/config"
	"github.com/coordhub/hub/pkg/hub"
	"github.com/coordhub/hub/pkg/store"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	envFile := flag.String("env-file", getEnv("HUB_ENV_FILE", ".env"), "Path to a .env file to load before reading configuration")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		log.Printf("Warning: could not load %s: %v", *envFile, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", *envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("Error closing store: %v", err)
		}
	}()
	log.Printf("Store opened at %s", cfg.DatabasePath)

	hubSrv, err := hub.New(st, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to wire hub server: %v", err)
	}
	hubSrv.Start(ctx)
	defer hubSrv.Stop()
	log.Println("Maintenance loop started")

	apiSrv := api.NewServer(hubSrv, st, cfg, logger)

	addr := ":" + cfg.HTTPPort
	log.Printf("HTTP server listening on %s", addr)
	log.Printf("Health check available at http://localhost%s/health", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := apiSrv.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		log.Fatalf("HTTP server failed: %v", err)
	case <-ctx.Done():
		log.Println("Shutdown signal received, draining requests...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error during HTTP shutdown: %v", err)
		}
	}
}
