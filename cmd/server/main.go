package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-payouts/internal/auth"
	"github.com/ksred/klear-payouts/internal/config"
	"github.com/ksred/klear-payouts/internal/database"
	"github.com/ksred/klear-payouts/internal/metrics"
	"github.com/ksred/klear-payouts/internal/settlement"
	"github.com/ksred/klear-payouts/pkg/middleware"
)

// main initializes and runs the payouts API server with graceful shutdown
// support. It wires configuration, the database, the settlement service and
// the optional settlement scheduler.
func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	config.SetupLogging(cfg.Env, cfg.Log.Level)

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}
	metrics.Init(db)

	rates, err := cfg.FeeRates()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid fee configuration")
	}

	// Initialize services and handlers
	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	for _, client := range cfg.APIClients() {
		if err := authService.RegisterClient(client); err != nil {
			zlog.Fatal().Err(err).Str("api_key", client.APIKey).Msg("Failed to register API client")
		}
	}
	authHandlers := auth.NewGinHandlers(authService)

	settlementService, err := settlement.NewService(db, settlement.Config{
		Rates:       rates,
		GracePeriod: cfg.Settlement.GracePeriod,
		Currency:    cfg.Settlement.Currency,
		TxOptions:   database.TxOptions(cfg.Database.Driver),
	})
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize settlement service")
	}
	settlementHandlers := settlement.NewGinHandlers(settlementService)

	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()
	if cfg.Settlement.Schedule.Enabled {
		settlementProcessor := settlement.NewProcessor(settlementService, cfg.Settlement.Schedule.Interval, cfg.Settlement.Schedule.Period)
		go settlementProcessor.Start(processorCtx)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(middleware.RateLimit())

	setupRoutes(router, authService, authHandlers, settlementHandlers)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		zlog.Info().Str("port", cfg.Server.Port).Msg("Starting payouts API")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")
	processorCancel()

	// Give outstanding builds 5 seconds to commit or roll back
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints:
//   - Auth routes: public token issuance
//   - Settlement routes: any authenticated client, sellers see only their own
//   - Admin routes: building, status changes, reconciliation, payout accounts
func setupRoutes(
	router *gin.Engine,
	authService *auth.Service,
	authHandlers *auth.GinHandlers,
	settlementHandlers *settlement.GinHandlers,
) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		settlements := v1.Group("/settlements")
		settlements.Use(middleware.JWTAuth(authService))

		admin := v1.Group("/admin")
		admin.Use(middleware.JWTAuth(authService), middleware.RequireRole(auth.RoleAdmin))

		settlementHandlers.RegisterRoutes(settlements, admin)
	}
}
