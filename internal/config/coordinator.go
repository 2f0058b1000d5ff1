package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
)

type DatabaseConfig struct {
	Path string `json:"path"`
}

type StorageConfig struct {
	UploadsDir    string `json:"uploads_dir"`
	PublicBaseURL string `json:"public_base_url"`
}

type NotifyConfig struct {
	DiscordWebhookURL string `json:"discord_webhook_url"`
}

type RetentionConfig struct {
	// OfflineMaxAgeHours evicts devices that have been offline longer than
	// this many hours. Zero retains device history for the process lifetime.
	OfflineMaxAgeHours int `json:"offline_max_age_hours"`
}

type AgentsConfig struct {
	// MinVersion flags registering agents below this semver as outdated.
	// Empty disables the gate.
	MinVersion string `json:"min_version"`
}

type CoordinatorConfig struct {
	Server struct {
		Port                  int      `json:"port"`
		HeartbeatIntervalSec  int      `json:"heartbeat_interval_sec"`
		HeartbeatTimeoutCount int      `json:"heartbeat_timeout_count"`
		AllowedOrigins        []string `json:"allowed_origins"`
	} `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Storage   StorageConfig   `json:"storage"`
	Notify    NotifyConfig    `json:"notify"`
	Retention RetentionConfig `json:"retention"`
	Agents    AgentsConfig    `json:"agents"`
}

const (
	defaultHeartbeatIntervalSec  = 15
	defaultHeartbeatTimeoutCount = 3
	defaultUploadsDir            = "./uploads"
)

func LoadCoordinatorConfig(path string) (*CoordinatorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg CoordinatorConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validateCoordinatorConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validateCoordinatorConfig(cfg *CoordinatorConfig) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("validation error: server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.HeartbeatIntervalSec <= 0 {
		cfg.Server.HeartbeatIntervalSec = defaultHeartbeatIntervalSec
	}
	if cfg.Server.HeartbeatTimeoutCount <= 0 {
		cfg.Server.HeartbeatTimeoutCount = defaultHeartbeatTimeoutCount
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./coordinator.db"
	}
	if cfg.Storage.UploadsDir == "" {
		cfg.Storage.UploadsDir = defaultUploadsDir
	}
	if cfg.Retention.OfflineMaxAgeHours < 0 {
		return fmt.Errorf("validation error: retention.offline_max_age_hours must be >= 0, got %d", cfg.Retention.OfflineMaxAgeHours)
	}
	if cfg.Agents.MinVersion != "" {
		if _, err := semver.NewVersion(cfg.Agents.MinVersion); err != nil {
			return fmt.Errorf("validation error: agents.min_version %q is not valid semver: %w", cfg.Agents.MinVersion, err)
		}
	}
	return nil
}
