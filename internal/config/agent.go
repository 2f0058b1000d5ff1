package config

import (
	"encoding/json"
	"fmt"
	"os"
)

type CaptureConfig struct {
	// Command is executed to produce an image; it receives the output path
	// as its final argument. Platform capture tools are external to the core.
	Command     string `json:"command"`
	IntervalSec int    `json:"interval_sec"`
}

type AgentConfig struct {
	CoordinatorURL string        `json:"coordinator_url"`
	UploadURL      string        `json:"upload_url"`
	IdentityFile   string        `json:"identity_file"`
	Version        string        `json:"version"`
	Capture        CaptureConfig `json:"capture"`
}

const (
	defaultCaptureIntervalSec = 300
	defaultIdentityFile       = "./agent.id"
)

func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AgentConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validateAgentConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validateAgentConfig(cfg *AgentConfig) error {
	if cfg.CoordinatorURL == "" {
		return fmt.Errorf("validation error: coordinator_url is required")
	}
	if cfg.UploadURL == "" {
		return fmt.Errorf("validation error: upload_url is required")
	}
	if cfg.IdentityFile == "" {
		cfg.IdentityFile = defaultIdentityFile
	}
	if cfg.Capture.IntervalSec <= 0 {
		cfg.Capture.IntervalSec = defaultCaptureIntervalSec
	}
	if cfg.Capture.Command == "" {
		return fmt.Errorf("validation error: capture.command is required")
	}
	return nil
}
