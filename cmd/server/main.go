package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/obrasync/obrasync/internal/cache"
	"github.com/obrasync/obrasync/internal/config"
	"github.com/obrasync/obrasync/internal/database"
	"github.com/obrasync/obrasync/internal/offline"
	"github.com/obrasync/obrasync/internal/remote"
	"github.com/obrasync/obrasync/internal/repositories"
	"github.com/obrasync/obrasync/internal/services"
	"github.com/obrasync/obrasync/internal/synchub"
)

func main() {
	ctx := context.Background()

	godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Cache store: shared Redis when configured, in-process memory otherwise.
	var store cache.Store
	if cfg.RedisURL != "" {
		redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to create redis client: %v", err)
		}
		defer redisClient.Close()
		store = cache.NewRedisStore(redisClient)
	} else {
		store = cache.NewMemoryStore()
	}

	// Durable event archive, only when a database is configured.
	var archive repositories.SyncEventRepository
	if cfg.DatabaseURL != "" {
		postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to create postgres pool: %v", err)
		}
		defer postgresPool.Close()
		archive = repositories.NewPostgresSyncEventRepository(postgresPool)
	}

	mgr := synchub.NewManager(synchub.DefaultConfig(), store, archive, log.Default())
	defer mgr.Close()

	tokens := services.NewTokenService(cfg.JWTSecret, cfg.JWTExpiry)
	hub := synchub.NewHandler(mgr, tokens, log.Default())

	// Offline queue, only when the remote API is configured.
	if cfg.RemoteAPIURL != "" {
		offlineStore, err := offline.Open(cfg.OfflineDataDir)
		if err != nil {
			log.Fatalf("Failed to open offline store: %v", err)
		}
		defer offlineStore.Close()

		api := remote.NewClient(cfg.RemoteAPIURL, cfg.RemoteAPIToken)
		queue := offline.NewQueue(offlineStore, api, cfg.SyncInterval, log.Default())
		defer queue.Close()
	}

	// Initialize HTTP Server
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Mount("/api/sync", hub.Routes())

	// Health check endpoints
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Start Server
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	// graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	log.Printf("Starting server on port %s", cfg.ServerPort)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server stopped gracefully")
}
