package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agrisync/config"
	"agrisync/db"
	"agrisync/handlers"
	"agrisync/metrics"
	"agrisync/middleware"
	"agrisync/services"
	"agrisync/utils"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	// Initialize logger
	logger := utils.NewLogger()

	// Connect to database
	database, err := db.Connect(cfg)
	if err != nil {
		logger.Fatal("Failed to connect to database", "error", err)
	}
	repo := db.NewRepository(database)

	// Connect to Redis (change bus + presence registry)
	redisClient := services.NewRedisClient(cfg, logger)
	defer redisClient.Close()

	// Initialize services
	m := metrics.New()
	publisher := services.NewPublisher(redisClient, logger, m)
	hub := services.NewHub(redisClient, logger, m)
	presenceService := services.NewPresenceService(redisClient, publisher, cfg.PresenceTTL, logger)

	// Initialize handlers
	postHandler := handlers.NewPostHandler(repo, publisher, logger)
	expertHandler := handlers.NewExpertHandler(repo, publisher, logger)
	notificationHandler := handlers.NewNotificationHandler(repo, publisher, logger)
	presenceHandler := handlers.NewPresenceHandler(presenceService, logger)
	wsHandler := handlers.NewWSHandler(hub, cfg.SubscriberBuffer, logger)

	// Start the fan-out hub
	if err := hub.Start(); err != nil {
		logger.Fatal("Failed to start fan-out hub", "error", err)
	}

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.CORS())

	// Health check and metrics endpoints
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// WebSocket endpoint (JWT via token query parameter)
	router.GET("/ws", middleware.Auth(cfg.JWTSecret), wsHandler.Handle)

	// API routes
	v1 := router.Group("/api/v1")
	v1.Use(middleware.Auth(cfg.JWTSecret))
	{
		posts := v1.Group("/posts")
		{
			posts.GET("", postHandler.ListPosts)
			posts.POST("", postHandler.CreatePost)
			posts.POST("/:id/comments", postHandler.CreateComment)
			posts.POST("/:id/reactions", postHandler.ToggleReaction)
			posts.POST("/:id/save", postHandler.ToggleSave)
		}

		experts := v1.Group("/experts")
		{
			experts.GET("", expertHandler.ListExperts)
			experts.POST("/:id/follow", expertHandler.ToggleFollow)
		}

		me := v1.Group("/me")
		{
			me.GET("/reactions", postHandler.ListMyReactions)
			me.GET("/saved", postHandler.ListSaved)
			me.GET("/follows", expertHandler.ListFollowing)
		}

		notifications := v1.Group("/notifications")
		{
			notifications.GET("", notificationHandler.ListNotifications)
			notifications.PUT("/:id/read", notificationHandler.MarkRead)
		}

		presence := v1.Group("/presence")
		{
			presence.POST("/heartbeat", presenceHandler.Heartbeat)
			presence.POST("/offline", presenceHandler.Offline)
			presence.GET("/status", presenceHandler.GetStatus)
			presence.GET("/online", presenceHandler.GetOnlineUsers)
		}
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Starting AgriSync hub", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Stop the fan-out hub
	hub.Stop()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", "error", err)
	}

	logger.Info("Server exited")
}
