package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"entitlement-api/internal/api"
	"entitlement-api/internal/config"
	"entitlement-api/internal/database"
	"entitlement-api/internal/services"
	"entitlement-api/pkg/logging"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "entitlement-api",
	Short: "Subscription entitlement and purchase verification service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := bootstrap(); err != nil {
			return err
		}
		defer database.CloseDatabase()

		logging.Infof("Database schema is up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// bootstrap loads config, logging and storage (which also migrates the schema)
func bootstrap() error {
	if err := config.InitConfig(); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	logging.InitLogging(config.AppConfig.LogLevel, config.AppConfig.Mode)

	if err := database.InitDatabase(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

func runServer() error {
	if err := bootstrap(); err != nil {
		return err
	}
	defer database.CloseDatabase()

	cfg := config.AppConfig

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	billing, err := services.NewGooglePlayClient(ctx, cfg.PlayCredentialsFile)
	if err != nil {
		return err
	}

	var signature *services.SignatureVerifier
	if cfg.PlayPublicKey != "" {
		signature, err = services.NewSignatureVerifier(cfg.PlayPublicKey)
		if err != nil {
			return fmt.Errorf("invalid PLAY_PUBLIC_KEY: %w", err)
		}
	} else {
		logging.Warnf("PLAY_PUBLIC_KEY not set, signature verification disabled")
	}

	var cache services.VerificationCache
	if cfg.CacheBackend == "redis" {
		cache = services.NewRedisVerificationCache(database.GetRedis(), cfg.VerificationCacheTTL)
	} else {
		cache = services.NewMemoryVerificationCache(cfg.VerificationCacheTTL, cfg.VerificationCacheSweepThreshold)
	}

	db := database.GetDB()
	purchases := database.NewPurchaseStore(db)

	verifier := services.NewPurchaseVerifier(billing, cache, signature, services.PurchaseVerifierOptions{
		PackageName:       cfg.PlayPackageName,
		OneTimeProductIDs: cfg.OneTimeProductIDs,
		Timeout:           cfg.BillingTimeout,
	})

	entitlements := services.NewEntitlementService(
		database.NewSubscriptionStore(db),
		purchases,
		database.NewEventStore(db),
		verifier,
		services.NewWebhookNotifier(cfg.EntitlementWebhookURL, cfg.EntitlementWebhookSecret),
		services.EntitlementOptions{
			TrialDuration:     time.Duration(cfg.TrialDays) * 24 * time.Hour,
			BillingPeriod:     time.Duration(cfg.BillingPeriodDays) * 24 * time.Hour,
			AutoConvertTrials: cfg.AutoConvertTrials,
		},
	)

	quotas := services.NewQuotaService(database.NewQuotaStore(db), entitlements, services.QuotaOptions{
		MaxFreeGenerations: cfg.MaxFreeGenerations,
		MaxAdUnlocks:       cfg.MaxAdUnlocks,
		AdCooldown:         cfg.AdCooldown,
	})

	replay := services.NewReplayProtection()
	defer replay.Stop()

	reconciler := services.NewWebhookReconciler(verifier, purchases, entitlements, replay, cfg.PlayPackageName)

	sweeper := services.NewAckSweeper(verifier, purchases, cfg.AckSweepInterval)
	sweeper.Start()
	defer sweeper.Stop()

	gin.SetMode(cfg.Mode)
	r := gin.Default()

	api.SetupRoutes(r, &api.Handler{
		Entitlements: entitlements,
		Verifier:     verifier,
		Quotas:       quotas,
		Reconciler:   reconciler,
	}, api.RouteOptions{
		GatewaySecret:           cfg.GatewaySecret,
		PubSubVerificationToken: cfg.PubSubVerificationToken,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		logging.Infof("Starting server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server:", err)
		}
	}()

	<-ctx.Done()
	logging.Infof("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
