package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"report-sync/config"
	"report-sync/metrics"
	"report-sync/middleware"
	"report-sync/service"
)

func main() {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Info(".env file not found, using system environment variables")
	}

	// Load configuration
	cfg := config.Load()

	// Set log level
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	metrics.Register()

	// Create service
	svc, err := service.NewService(cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to create service")
	}

	// Start service
	if err := svc.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start service")
	}

	// Setup HTTP server
	router := setupRouter(cfg, svc)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Start server in a goroutine
	go func() {
		log.Infof("Starting HTTP server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Failed to start HTTP server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown the HTTP server, then the service
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}

	if err := svc.Stop(); err != nil {
		log.WithError(err).Error("Error stopping service")
	}

	log.Info("Server exited")
}

func setupRouter(cfg *config.Config, svc *service.Service) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// Websocket upgrades cannot go through the gzip writer
	router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/api/v3/dashboard/live"})))

	// Request logging
	router.Use(func(c *gin.Context) {
		started := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":           c.Request.Method,
			"path":             c.Request.URL.Path,
			"status":           c.Writer.Status(),
			"duration":         time.Since(started).String(),
			"content_encoding": c.Writer.Header().Get("Content-Encoding"),
		}).Debug("request")
	})

	// Add CORS middleware
	router.Use(middleware.CORS())

	h := svc.GetHandlers()

	api := router.Group("/api/v3")
	{
		// Cached report lookups
		api.GET("/reports/by-seq", h.GetReportBySeq)
		api.POST("/reports/invalidate-cache",
			middleware.OptionalToken(cfg.InvalidateToken),
			middleware.RateLimitMiddleware(cfg.InvalidateRateLimit, 10),
			h.InvalidateCache)

		// Reports API pass-through
		api.GET("/reports/last", h.GetLastReports)
		api.GET("/reports-count", h.GetReportsCount)

		// Dashboard store
		api.GET("/dashboard/reports", h.GetDashboardReports)
		api.GET("/dashboard/reports/all", h.GetDashboardAllReports)
		api.GET("/dashboard/state", h.GetDashboardState)
		api.POST("/dashboard/refresh", h.RefreshDashboard)
		api.GET("/dashboard/live", h.ListenDashboard)

		api.GET("/cache/stats", h.GetCacheStats)
	}

	router.GET("/health", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}
