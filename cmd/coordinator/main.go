package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Masterminds/semver/v3"
	"github.com/snapsentinel/snapsentinel/internal/config"
	"github.com/snapsentinel/snapsentinel/internal/coordinator"
	"github.com/snapsentinel/snapsentinel/internal/shared"
	"github.com/snapsentinel/snapsentinel/internal/storage"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

func main() {
	configPath := flag.String("config", "./coordinator.config.json", "path to coordinator config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger, err := shared.NewLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.LoadCoordinatorConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("config loaded successfully",
		zap.String("config_path", *configPath),
	)

	db, err := sql.Open("sqlite", cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open database", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	migrationRunner := storage.NewMigrationRunner(db)
	if err := migrationRunner.Migrate(); err != nil {
		logger.Error("failed to run migrations", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("database migrations complete")

	var minVersion *semver.Version
	if cfg.Agents.MinVersion != "" {
		minVersion = semver.MustParse(cfg.Agents.MinVersion)
	}

	registry := coordinator.NewRegistry(db, minVersion, logger)
	if err := registry.LoadFromDB(); err != nil {
		logger.Error("failed to load device registry", zap.Error(err))
		os.Exit(1)
	}

	broadcaster, err := coordinator.NewBroadcaster(logger)
	if err != nil {
		logger.Error("failed to create broadcaster", zap.Error(err))
		os.Exit(1)
	}

	var notifier coordinator.Notifier = coordinator.NopNotifier{}
	if cfg.Notify.DiscordWebhookURL != "" {
		discord, notifyErr := coordinator.NewDiscordNotifier(cfg.Notify.DiscordWebhookURL)
		if notifyErr != nil {
			logger.Error("failed to configure discord notifier", zap.Error(notifyErr))
			os.Exit(1)
		}
		notifier = discord
		logger.Info("discord notifications enabled")
	}

	coordinator.InitMetrics()
	logger.Info("metrics initialized")

	srv := coordinator.NewServer(cfg, registry, coordinator.NewSessionMap(), broadcaster, notifier, logger)

	baseURL := cfg.Storage.PublicBaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	store := coordinator.NewDiskStore(cfg.Storage.UploadsDir, baseURL)
	ingestor := coordinator.NewIngestor(store, db, broadcaster, notifier, logger)
	srv.SetAPI(coordinator.NewAPI(registry, ingestor, srv.Hub(), cfg.Storage.UploadsDir, logger))

	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", zap.Error(err))
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	logger.Info("received signal, initiating graceful shutdown",
		zap.String("signal", sig.String()),
	)

	if err := srv.Stop(); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("coordinator exited cleanly")
	os.Exit(0)
}
