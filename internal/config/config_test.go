package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	return path
}

func TestLoadCoordinatorConfigDefaults(t *testing.T) {
	path := writeConfig(t, `{"server": {"port": 3000}}`)

	cfg, err := LoadCoordinatorConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Server.HeartbeatIntervalSec != defaultHeartbeatIntervalSec {
		t.Errorf("expected default heartbeat interval, got %d", cfg.Server.HeartbeatIntervalSec)
	}
	if cfg.Server.HeartbeatTimeoutCount != defaultHeartbeatTimeoutCount {
		t.Errorf("expected default heartbeat timeout count, got %d", cfg.Server.HeartbeatTimeoutCount)
	}
	if cfg.Database.Path != "./coordinator.db" {
		t.Errorf("expected default db path, got %s", cfg.Database.Path)
	}
	if cfg.Storage.UploadsDir != defaultUploadsDir {
		t.Errorf("expected default uploads dir, got %s", cfg.Storage.UploadsDir)
	}
	if cfg.Retention.OfflineMaxAgeHours != 0 {
		t.Errorf("expected retention disabled by default, got %d", cfg.Retention.OfflineMaxAgeHours)
	}
}

func TestLoadCoordinatorConfigInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantMsg string
	}{
		{"missing port", `{}`, "server.port"},
		{"bad port", `{"server": {"port": 99999}}`, "server.port"},
		{"negative retention", `{"server": {"port": 3000}, "retention": {"offline_max_age_hours": -1}}`, "retention.offline_max_age_hours"},
		{"bad min version", `{"server": {"port": 3000}, "agents": {"min_version": "not-a-version"}}`, "agents.min_version"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadCoordinatorConfig(writeConfig(t, tc.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Errorf("expected error mentioning %q, got %v", tc.wantMsg, err)
			}
		})
	}
}

func TestLoadCoordinatorConfigMinVersion(t *testing.T) {
	path := writeConfig(t, `{"server": {"port": 3000}, "agents": {"min_version": "1.2.0"}}`)

	cfg, err := LoadCoordinatorConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Agents.MinVersion != "1.2.0" {
		t.Errorf("expected min_version 1.2.0, got %s", cfg.Agents.MinVersion)
	}
}

func TestLoadAgentConfig(t *testing.T) {
	path := writeConfig(t, `{
		"coordinator_url": "ws://localhost:3000/ws/agent",
		"upload_url": "http://localhost:3000/upload",
		"capture": {"command": "capture-frame"}
	}`)

	cfg, err := LoadAgentConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Capture.IntervalSec != defaultCaptureIntervalSec {
		t.Errorf("expected default capture interval, got %d", cfg.Capture.IntervalSec)
	}
	if cfg.IdentityFile != defaultIdentityFile {
		t.Errorf("expected default identity file, got %s", cfg.IdentityFile)
	}
}

func TestLoadAgentConfigInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing coordinator url", `{"upload_url": "http://x/upload", "capture": {"command": "c"}}`},
		{"missing upload url", `{"coordinator_url": "ws://x/ws/agent", "capture": {"command": "c"}}`},
		{"missing capture command", `{"coordinator_url": "ws://x/ws/agent", "upload_url": "http://x/upload"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadAgentConfig(writeConfig(t, tc.content)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
