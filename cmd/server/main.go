package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/busdismissal/tracker/internal/auth"
	"github.com/busdismissal/tracker/internal/config"
	"github.com/busdismissal/tracker/internal/coordinator"
	"github.com/busdismissal/tracker/internal/httpapi"
	"github.com/busdismissal/tracker/internal/models"
	"github.com/busdismissal/tracker/internal/reqcache"
	"github.com/busdismissal/tracker/internal/stats"
	"github.com/busdismissal/tracker/internal/store"
	sheetsstore "github.com/busdismissal/tracker/internal/store/sheets"
	sqlitestore "github.com/busdismissal/tracker/internal/store/sqlite"
)

func main() {
	log.Println("Starting dismissal tracker service...")

	// Load .env first, then .env.local overrides for local development
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	cfg := config.Load()
	log.Printf("Config loaded: backend=%s, poll_interval=%v", cfg.StoreBackend, cfg.PollInterval)

	cache := reqcache.NewController(cfg.PollInterval)

	recordStore, reportCache, cleanup, err := buildStore(cfg, cache)
	if err != nil {
		log.Fatalf("Failed to initialize record store: %v", err)
	}
	defer cleanup()

	coord := coordinator.New(recordStore, cache, models.RoleMonitor, "server")
	reports := stats.New(recordStore, reportCache)

	handler := httpapi.NewHandler(coord, recordStore, reports)
	router := httpapi.NewRouter(handler, cfg.AllowedOrigins)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("HTTP API listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("Shutting down...")
	coord.StopPolling()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	log.Println("Goodbye!")
}

// buildStore selects the record-store backend. The sqlite store is
// always opened so statistics snapshots have somewhere to live; with
// the sheets backend it serves only as that cache.
func buildStore(cfg *config.Config, cache *reqcache.Controller) (store.RecordStore, stats.ReportCache, func(), error) {
	local, err := sqlitestore.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup := func() { local.Close() }

	if cfg.StoreBackend != "sheets" {
		return local, local, cleanup, nil
	}

	if cfg.OAuthClientID == "" {
		log.Println("Warning: OAUTH_CLIENT_ID not set; the consent flow cannot mint new credentials")
	}

	tokens := auth.NewTokenCache(cfg.TokenCachePath)
	waitCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := tokens.Wait(waitCtx); err != nil {
		local.Close()
		return nil, nil, nil, err
	}

	remote, err := sheetsstore.New(context.Background(), tokens.TokenSource(), cache)
	if err != nil {
		local.Close()
		return nil, nil, nil, err
	}
	return remote, local, cleanup, nil
}
