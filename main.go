package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"receiptflow/config"
	"receiptflow/handler"
	"receiptflow/middleware"
	"receiptflow/pipeline"
	"receiptflow/pkg/logger"
	"receiptflow/service"

	"github.com/gin-gonic/gin"
)

func main() {
	// Load configuration
	cfg, err := config.Load("config.yaml")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	slog.Info("configuration loaded successfully")

	// Initialize services
	blobStorage, err := service.NewBlobStorage(&cfg.Minio)
	if err != nil {
		slog.Error("failed to initialize blob storage", "error", err)
		os.Exit(1)
	}

	// Ensure bucket exists
	if err := blobStorage.EnsureBucket(context.Background()); err != nil {
		slog.Error("failed to ensure storage bucket", "error", err)
		os.Exit(1)
	}

	store := service.NewReceiptStore()
	entitlements := service.NewEntitlementService(&cfg.Entitlement)

	agent, err := service.NewExtractionAgent(context.Background(), &cfg.Model)
	if err != nil {
		slog.Error("failed to initialize extraction agent", "error", err)
		os.Exit(1)
	}
	defer agent.Close()

	tool := service.NewExtractionTool(store, entitlements)

	// Start the extraction pipeline
	dispatcher := pipeline.NewDispatcher(cfg.Pipeline.QueueSize)
	orchestrator := pipeline.NewOrchestrator(
		agent,
		tool,
		store,
		pipeline.NewRetryPolicy(&cfg.Pipeline),
		cfg.Pipeline.Workers,
	)

	pipelineCtx, stopPipeline := context.WithCancel(context.Background())
	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		if err := orchestrator.Run(pipelineCtx, dispatcher.Events()); err != nil && err != context.Canceled {
			slog.Error("pipeline stopped", "error", err)
		}
	}()

	// Initialize handlers
	authHandler := handler.NewAuthHandler(cfg)
	receiptHandler := handler.NewReceiptHandler(blobStorage, store, entitlements, dispatcher)

	// Setup Gin router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New() // Use New() instead of Default() to avoid default middleware

	// Add custom middleware
	router.Use(middleware.RequestID())     // Request ID for tracing
	router.Use(middleware.Recovery())      // Panic recovery
	router.Use(middleware.RequestLogger()) // Access logging
	router.Use(corsMiddleware())           // CORS

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	// Public routes. Login is keyed by client IP, it runs before auth.
	api := router.Group("/api")
	{
		api.POST("/auth/login", middleware.RateLimit(10, time.Minute), authHandler.Login)
	}

	// Protected routes. The limiter sits behind auth, so each user gets its
	// own budget regardless of the IP it arrives from.
	protected := api.Group("/")
	protected.Use(middleware.AuthMiddleware(&cfg.Auth))
	protected.Use(middleware.RateLimit(100, time.Minute))
	{
		protected.GET("/auth/me", authHandler.GetCurrentUser)
		protected.POST("/receipts", receiptHandler.Upload)
		protected.GET("/receipts", receiptHandler.List)
		protected.GET("/receipts/:id", receiptHandler.Get)
		protected.GET("/receipts/:id/status", receiptHandler.GetStatus)
		protected.GET("/receipts/:id/url", receiptHandler.GetDownloadURL)
		protected.DELETE("/receipts/:id", receiptHandler.Delete)
	}

	// Create server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	// Stop accepting events, then let in-flight runs drain
	dispatcher.Close()
	select {
	case <-pipelineDone:
	case <-ctx.Done():
		stopPipeline()
		<-pipelineDone
	}
	stopPipeline()

	slog.Info("server exited gracefully")
}

// corsMiddleware handles CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
