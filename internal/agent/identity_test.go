package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestLoadOrCreateDeviceID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "agent.id")

	id, err := LoadOrCreateDeviceID(path)
	if err != nil {
		t.Fatalf("first load failed: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("generated id is not a uuid: %q", id)
	}

	// The identity is stable across restarts.
	again, err := LoadOrCreateDeviceID(path)
	if err != nil {
		t.Fatalf("second load failed: %v", err)
	}
	if again != id {
		t.Fatalf("identity changed across loads: %q != %q", again, id)
	}
}

func TestLoadOrCreateDeviceIDTrimsWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.id")
	if err := os.WriteFile(path, []byte("  my-device-id\n"), 0o600); err != nil {
		t.Fatalf("seed identity file failed: %v", err)
	}

	id, err := LoadOrCreateDeviceID(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if id != "my-device-id" {
		t.Fatalf("expected trimmed id, got %q", id)
	}
}

func TestLoadOrCreateDeviceIDReplacesEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.id")
	if err := os.WriteFile(path, []byte("\n"), 0o600); err != nil {
		t.Fatalf("seed empty file failed: %v", err)
	}

	id, err := LoadOrCreateDeviceID(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("expected fresh uuid for empty file, got %q", id)
	}
}
