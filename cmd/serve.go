package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"example.com/backstage/services/headset/internal/api"
	"example.com/backstage/services/headset/internal/core"
	"example.com/backstage/services/headset/internal/infrastructure"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the fleet poll loop and the operator API",
	Long: `Polls the device bridge, keeps every connected headset's state in sync with
its manifest and serves the operator API and MQTT command channel.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServer() error {
	logger.Info("Initializing Headset Fleet Service...")

	// --- Infrastructure Setup ---
	collab := core.Collaborators{
		Bridge: infrastructure.NewADBBridge(cfg.Bridge, logger),
	}

	if cfg.Database.DSN != "" {
		logger.Info("Connecting to database...")
		db, err := infrastructure.NewDatabase(cfg.Database)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = db.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}
		collab.Repository = core.NewRepository(db.DB)
	} else {
		logger.Warn("No database configured, headset history disabled")
	}

	if cfg.Redis.Addr != "" {
		logger.Info("Connecting to cache...")
		cache, err := infrastructure.NewCache(cfg.Redis)
		if err != nil {
			logger.WithError(err).Warn("Cache unavailable, continuing without snapshot cache")
		} else {
			defer cache.Close()
			collab.Cache = cache
		}
	}

	wal, err := infrastructure.NewWAL(cfg.Storage.WALPath)
	if err != nil {
		return fmt.Errorf("failed to open event journal: %w", err)
	}
	defer wal.Close()

	var publishers core.MultiPublisher
	if cfg.ServiceBus.ConnectionString != "" {
		logger.Info("Connecting to messaging service...")
		messaging, err := infrastructure.NewMessaging(cfg.ServiceBus, wal, logger)
		if err != nil {
			logger.WithError(err).Warn("Messaging service unavailable, continuing without it")
		} else {
			defer messaging.Close()
			publishers = append(publishers, messaging)
		}
	}

	// The command handler needs the fleet, which needs the broker as a publisher.
	var services *core.ServiceRegistry
	var broker *infrastructure.MQTTBroker
	if cfg.MQTTEnabled() {
		broker, err = infrastructure.NewMQTTBroker(*cfg.MQTT, func(ctx context.Context, serial, action string) error {
			_, err := services.Fleet.Dispatch(serial, action)
			return err
		}, logger)
		if err != nil {
			return fmt.Errorf("invalid MQTT configuration: %w", err)
		}
		publishers = append(publishers, broker)
	}
	collab.Publisher = publishers

	// --- Service Layer Setup ---
	services, err = core.NewServiceRegistry(cfg, collab, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer services.Fleet.Close()

	if broker != nil {
		if err := broker.Start(); err != nil {
			logger.WithError(err).Warn("MQTT broker unavailable, continuing without command channel")
		} else {
			defer broker.Stop()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		services.Fleet.Run(ctx, cfg.Poll.Interval)
	}()

	// --- API Layer Setup ---
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	handlers := api.NewAPIHandlers(services)
	api.SetupRoutes(router, handlers, cfg.API, logger)

	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("Headset Fleet API listening on %s", serverAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Warn("Shutdown signal received, initiating graceful shutdown...")
	case err := <-serverErr:
		logger.WithError(err).Error("HTTP server failed")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	} else {
		logger.Info("Server stopped gracefully")
	}

	wg.Wait()
	logger.Info("Headset Fleet Service shutdown complete")
	return nil
}
