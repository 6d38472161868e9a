package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rpattn/evmbranch/internal/api"
	"github.com/rpattn/evmbranch/internal/branch"
	"github.com/rpattn/evmbranch/internal/changeorder"
	"github.com/rpattn/evmbranch/internal/config"
	"github.com/rpattn/evmbranch/internal/db"
	"github.com/rpattn/evmbranch/internal/export"
	"github.com/rpattn/evmbranch/internal/merge"
	"github.com/rpattn/evmbranch/internal/middleware"
	"github.com/rpattn/evmbranch/internal/repository"
	"github.com/rpattn/evmbranch/internal/versionstore"

	"github.com/rs/cors"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var store repository.Store
	switch cfg.Driver {
	case "memory":
		log.Println("Using in-memory store")
		store = repository.NewMemoryStore()
	default:
		conn, err := db.NewConnection(ctx, cfg.Database)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer conn.Close()

		if err := db.RunMigrations(cfg.Database); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}

		store = repository.NewPostgresStore(conn.Pool)
	}

	// Create services
	entityStore := versionstore.New(store)
	branchManager := branch.NewManager(store)
	mergeEngine := merge.NewEngine(store)
	workflow := changeorder.NewWorkflow(store, branchManager, mergeEngine)
	exportService := export.NewService(mergeEngine)

	handler := api.NewHandler(entityStore, branchManager, mergeEngine, workflow, exportService)

	// Setup CORS
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      middleware.LoggingMiddleware(corsHandler.Handler(handler)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting evmbranch API on %s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
