package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/qtrade/pms-engine/internal/api"
	"github.com/qtrade/pms-engine/internal/auth"
	"github.com/qtrade/pms-engine/internal/database"
	"github.com/qtrade/pms-engine/internal/engine"
	"github.com/qtrade/pms-engine/internal/lease"
	"github.com/qtrade/pms-engine/internal/params"
	"github.com/qtrade/pms-engine/internal/store"
	"github.com/qtrade/pms-engine/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the matching-engine API server with graceful
// shutdown support. It wires the database, the distributed lease lock,
// the per-asset-class agents and the API routes.
func main() {
	// Initialize database
	db, err := database.NewDatabase()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// A redundant deployment points REDIS_ADDR at a shared instance so
	// only one engine rebuilds the order pool from persisted state.
	var locker lease.Locker = lease.NewLocalLocker()
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		locker = lease.NewRedisLocker(redis.NewClient(&redis.Options{Addr: addr}))
		zlog.Info().Str("redis_addr", addr).Msg("using redis lease lock")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(auth.Secret())
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	provider := defaultUniverse()
	broker := engine.NewBroker(store.NewDatabase(db), provider, locker)
	handlers := api.NewGinHandlers(broker)

	// Reconstruct active orders from durable storage before serving.
	if err := broker.Prepare(context.Background()); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to prepare order pools")
	}

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, authHandlers, handlers)

	// Get port from env otherwise it's 8080
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Create server
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// defaultUniverse declares the tradable symbols and their parameters. A
// production deployment loads these from the instrument service; the
// defaults here cover the demo universe the simulation drives.
func defaultUniverse() params.Provider {
	return params.NewStaticProvider(
		params.Security("600000.XSHG"),
		params.Security("600519.XSHG"),
		params.Security("000001.XSHE"),
		params.Security("000725.XSHE"),
		params.Futures("IF2609", 0.12, 300),
		params.Futures("RB2610", 0.09, 10),
		params.Futures("CU2609", 0.10, 5),
	)
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Order/portfolio routes: Protected by JWT authentication
// - Internal routes: bar feed and day lifecycle, protected by internal
//   network authentication
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	handlers *api.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth())
		{
			orders.POST("", handlers.AcceptOrdersHandler())
			orders.GET("", handlers.GetOrdersHandler())
			orders.DELETE("/:order_id", handlers.CancelOrderHandler())
		}

		// Portfolio routes
		portfolios := v1.Group("/portfolios")
		portfolios.Use(middleware.JWTAuth())
		{
			portfolios.POST("", handlers.InitPortfolioHandler())
			portfolios.GET("/:portfolio_id", handlers.EvaluateHandler())
			portfolios.GET("/:portfolio_id/trades", handlers.GetTradesHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth())
		{
			internal.POST("/bars", handlers.BarHandler())
			internal.POST("/day/pre", handlers.PreTradingDayHandler())
			internal.POST("/day/post", handlers.PostTradingDayHandler())
		}
	}
}
