package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shadowkeep-backend/internal/config"
	"shadowkeep-backend/internal/database"
	"shadowkeep-backend/internal/handler"
	"shadowkeep-backend/internal/middleware"
	"shadowkeep-backend/internal/model"
	"shadowkeep-backend/internal/repository"
	"shadowkeep-backend/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg := config.Load()

	// Database. An unreachable Postgres degrades history to the
	// in-memory ring instead of preventing startup.
	var pool *pgxpool.Pool
	var chatRepo *repository.ChatRepository
	var rankRepo *repository.RankRepository
	var sessionRepo *repository.SessionRepository

	db, err := database.NewPool(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Printf("Database unavailable, chat history will not be persisted: %v", err)
	} else {
		if err := database.RunMigrations(context.Background(), db); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		log.Println("Migrations applied successfully")
		pool = db
		chatRepo = repository.NewChatRepository(pool)
		rankRepo = repository.NewRankRepository(pool)
		sessionRepo = repository.NewSessionRepository(pool)
		defer pool.Close()
	}

	// Services
	authSvc := service.NewAuthService(sessionRepo, cfg.JWTSecret, cfg.GoddessPassword, cfg.SlavePassword)
	presence := service.NewPresenceTracker()
	hub := service.NewWSHub()

	var history *service.HistoryService
	if chatRepo != nil {
		history = service.NewHistoryService(chatRepo)
	} else {
		history = service.NewHistoryService(nil)
	}

	if cfg.OpenAIAPIKey == "" {
		log.Println("OPENAI_API_KEY not set; personas are disabled, plain chat still works")
	}
	gateway := service.NewOpenAIGateway(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, cfg.GenTimeout)

	var rankStore service.RankStore
	if rankRepo != nil {
		rankStore = rankRepo
	}
	coordinator := service.NewTurnCoordinator(history, hub, gateway, rankStore, service.DefaultProfiles(), cfg.GenTimeout)

	// Fiber app
	app := fiber.New(fiber.Config{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
		BodyLimit:    1 * 1024 * 1024, // 1MB
	})

	app.Use(recover.New())
	app.Use(middleware.Logger())
	app.Use(middleware.CORS(cfg.CORSOrigin))

	// Health
	healthH := handler.NewHealthHandler(pool)
	app.Get("/health", healthH.Health)
	app.Get("/ready", healthH.Ready)

	// API v1
	v1 := app.Group("/api/v1")

	// Auth (public)
	authH := handler.NewAuthHandler(authSvc)
	auth := v1.Group("/auth")
	auth.Post("/login", middleware.LoginRateLimit(10, time.Minute), authH.Login)
	auth.Post("/refresh", middleware.RateLimit(20, time.Minute), authH.Refresh)
	auth.Post("/logout", authH.Logout)

	// Rank: anyone may read, only the Goddess may set
	rankH := handler.NewRankHandler(rankRepo)
	v1.Get("/rank", rankH.Get)
	v1.Post("/rank", middleware.Auth(cfg.JWTSecret), middleware.RequireRole(model.RoleGoddess), rankH.Set)

	// Chat history (JWT-protected)
	chatH := handler.NewChatHandler(history)
	v1.Get("/chat/history", middleware.Auth(cfg.JWTSecret), chatH.GetHistory)

	// WebSocket relay
	wsH := handler.NewWSHandler(hub, presence, history, coordinator, authSvc, cfg.HistoryLimit)
	app.Get("/ws", wsH.Upgrade)

	// Start hub
	go hub.Run()

	// Retention sweep, once at boot and then daily.
	if pool != nil {
		go runRetention(chatRepo, sessionRepo, cfg.RetentionDays)
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Printf("Shadowkeep backend running on :%s (%s)", cfg.Port, cfg.Env)

	<-quit
	log.Println("Shutting down...")
	_ = app.ShutdownWithTimeout(5 * time.Second)
	coordinator.Wait()
	hub.Shutdown()
	log.Println("Server stopped")
}

func runRetention(chatRepo *repository.ChatRepository, sessionRepo *repository.SessionRepository, retentionDays int) {
	sweep := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if retentionDays > 0 {
			if deleted, err := chatRepo.DeleteOlderThan(ctx, retentionDays); err != nil {
				log.Printf("Retention: failed to prune chat messages: %v", err)
			} else if deleted > 0 {
				log.Printf("Retention: pruned %d chat messages older than %d days", deleted, retentionDays)
			}
		}
		if err := sessionRepo.CleanupExpired(ctx); err != nil {
			log.Printf("Retention: failed to prune refresh tokens: %v", err)
		}
	}

	sweep()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		sweep()
	}
}
