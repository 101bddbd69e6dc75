package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crosslogic/metering-plane/internal/billing"
	"github.com/crosslogic/metering-plane/internal/config"
	"github.com/crosslogic/metering-plane/internal/gateway"
	"github.com/crosslogic/metering-plane/internal/ledger"
	"github.com/crosslogic/metering-plane/internal/metering"
	"github.com/crosslogic/metering-plane/internal/notifications"
	"github.com/crosslogic/metering-plane/internal/vmmanager"
	"github.com/crosslogic/metering-plane/pkg/cache"
	"github.com/crosslogic/metering-plane/pkg/database"
	"github.com/crosslogic/metering-plane/pkg/events"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting metering plane")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The ledger store: Postgres when a database is configured, the
	// in-memory store otherwise (dev/offline mode).
	var store ledger.Store
	if cfg.Database.Password != "" {
		db, err := database.NewDatabase(cfg.Database)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("failed to migrate database", zap.Error(err))
		}
		store = ledger.NewPostgres(db, logger)
		logger.Info("connected to database")
	} else {
		store = ledger.NewMemory()
		logger.Warn("no database configured, using in-memory ledger")
	}

	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	eventBus := events.NewBus(logger)

	notifier := notifications.NewNotifier(cfg.Notifications.SlackWebhookURL, cfg.Notifications.SlackChannel, logger)
	notifier.Attach(eventBus)

	vmClient := vmmanager.NewClient(vmmanager.Config{
		BaseURL: cfg.Manager.BaseURL,
		Token:   cfg.Manager.Token,
		Timeout: cfg.Manager.Timeout,
	}, logger)

	engine := metering.NewEngine(store, ledger.NewRateTable(), vmClient, eventBus, metering.Config{
		ChargeFrequency: cfg.Metering.ChargeFrequency,
		Lookahead:       cfg.Metering.ChargeLookahead,
		TimerDisabled:   cfg.Metering.TimerDisabled,
	}, logger)
	logger.Info("initialized metering engine",
		zap.Duration("charge_frequency", cfg.Metering.ChargeFrequency),
		zap.Duration("lookahead", cfg.Metering.ChargeLookahead),
		zap.Bool("timer_disabled", cfg.Metering.TimerDisabled),
	)

	// Reconcile persisted state against the VM manager before any
	// charge cycle runs.
	if err := engine.Recover(ctx); err != nil {
		logger.Fatal("recovery failed", zap.Error(err))
	}

	webhookHandler := billing.NewWebhookHandler(cfg.Billing.StripeWebhookSecret, store, redisCache, eventBus, logger)

	gw := gateway.NewGateway(engine, store, redisCache, webhookHandler, cfg.Security.AdminAPIToken, logger)
	logger.Info("initialized API gateway")

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server",
			zap.String("address", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	engine.Stop()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}
