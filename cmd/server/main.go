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

	"codepair/internal/api"
	"codepair/internal/config"
	"codepair/internal/crdt"
	"codepair/internal/db"
	"codepair/internal/models"
	"codepair/internal/repository"
	"codepair/internal/services/collaboration"
	"codepair/internal/telemetry"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func main() {
	log.Println("🚀 Starting codepair collaboration server...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Initialize Jaeger tracing first so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger("codepair", cfg.JaegerEndpoint)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	// Initialize GORM database
	database, err := db.NewGorm(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Initialize repositories
	userRepo := repository.NewUserRepository(database.DB)
	opRepo := repository.NewOperationRepository(database.DB)

	// Core: event bus, CRDT engine, session registry, dispatcher.
	// Each server process is one replica; local edits are stamped with
	// its id.
	bus := collaboration.NewBus()
	engine := crdt.NewEngine(uuid.NewString())
	registry := collaboration.NewRegistry(userRepo, engine, bus)
	registry.SetDefaultSettings(models.SessionSettings{
		MaxParticipants: cfg.MaxParticipants,
		ConflictPolicy:  models.PolicyLastWriterWins,
		AllowObservers:  true,
	})
	dispatcher := collaboration.NewDispatcher(registry, engine, bus)

	// Persistence collaborator: snapshots and logs written off the bus
	recorder := repository.NewRecorder(database.DB, opRepo)
	bus.SubscribeLifecycle(recorder)
	bus.SubscribeDocument(recorder)
	bus.SubscribeConflict(recorder)

	// Transport: websocket hub, fed by the same bus
	hub := collaboration.NewHub()
	bus.SubscribeLifecycle(hub)
	bus.SubscribeDocument(hub)
	bus.SubscribeConflict(hub)

	// Optional Redis-backed presence mirror and cross-node relay
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Printf("⚠️  Redis unavailable at %s: %v (running single-node)", cfg.RedisAddr, err)
		} else {
			hub.SetPresenceStore(collaboration.NewPresenceStore(rdb, engine.ReplicaID()))
			log.Println("✓ Redis presence relay enabled")
		}
		cancel()
	}

	hub.Start()

	// Session lifecycle sweeps: idle sessions end, ended sessions
	// archive after the retention window.
	scheduler := collaboration.NewScheduler(
		registry,
		collaboration.SystemClock{},
		cfg.SweepInterval,
		cfg.IdleTimeout,
		cfg.ArchiveAfter,
	)
	scheduler.Start()

	// HTTP surface
	wsHandler := collaboration.NewWebSocketHandler(hub, dispatcher)
	handler := api.NewHandler(registry, dispatcher, engine, userRepo, opRepo, wsHandler)
	router := api.SetupRoutes(handler)

	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine so shutdown signals can be handled
	go func() {
		log.Printf("✓ Server listening on http://%s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server failed: %v", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	scheduler.Stop()
	hub.Shutdown()

	log.Println("✓ Server exited cleanly")
}
