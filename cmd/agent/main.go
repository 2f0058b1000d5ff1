package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/snapsentinel/snapsentinel/internal/agent"
	"github.com/snapsentinel/snapsentinel/internal/config"
	"github.com/snapsentinel/snapsentinel/internal/shared"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "./agent.config.json", "path to agent config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.LoadAgentConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := shared.NewLogger(*debug)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	deviceID, err := agent.LoadOrCreateDeviceID(cfg.IdentityFile)
	if err != nil {
		logger.Fatal("failed to load device identity", zap.Error(err))
	}
	logger.Info("device identity loaded", zap.String("device_id", deviceID))

	capturer := agent.NewExecCapturer(cfg.Capture.Command, logger)
	uploader := agent.NewUploader(cfg.UploadURL, logger)

	ag, err := agent.NewAgent(cfg, deviceID, capturer, uploader, logger)
	if err != nil {
		logger.Fatal("failed to create agent", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := ag.Start(context.Background()); err != nil {
		logger.Fatal("failed to start agent", zap.Error(err))
	}

	<-sigChan
	logger.Info("shutting down agent")

	if err := ag.Stop(); err != nil {
		logger.Error("error stopping agent", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("agent stopped")
}
