package main

import (
	"log"

	"github.com/jsbattig/share-things-sub004/internal/api"
	"github.com/jsbattig/share-things-sub004/internal/config"
	"github.com/jsbattig/share-things-sub004/internal/logger"
	"github.com/jsbattig/share-things-sub004/internal/scheduler"
	"github.com/jsbattig/share-things-sub004/internal/session"
	"github.com/jsbattig/share-things-sub004/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize chunk storage
	store, err := storage.NewChunkStore(storage.StoreConfig{BasePath: cfg.StoragePath}, logger.NewLogger("storage"))
	if err != nil {
		log.Fatalf("Failed to initialize chunk store: %v", err)
	}
	defer store.Close()

	// Initialize session registry
	tokens := session.NewTokenService(cfg.JWTSecret, cfg.TokenTTL)
	registry := session.NewRegistry(store, tokens, logger.NewLogger("session"))

	// Initialize API server
	server := api.NewServer(cfg, store, registry)

	// Start expiration sweeper
	sweeper := scheduler.NewExpirationSweeper(registry, store, server.Hub(), scheduler.SweeperConfig{
		CleanupInterval:    cfg.CleanupInterval,
		IdleThreshold:      cfg.IdleThreshold,
		MaxItemsPerSession: cfg.MaxItemsPerSession,
	})
	if err := sweeper.Start(); err != nil {
		log.Fatalf("Failed to start expiration sweeper: %v", err)
	}
	defer sweeper.Stop()

	// Start server
	log.Printf("Server starting on port %s", cfg.Port)
	if err := server.Start(); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}
