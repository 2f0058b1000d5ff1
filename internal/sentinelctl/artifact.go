package sentinelctl

import (
	"encoding/json"
	"fmt"
	"time"
)

// ArtifactJSON mirrors the indexed artifact shape served by the coordinator.
type ArtifactJSON struct {
	DeviceID  string    `json:"device_id"`
	URL       string    `json:"url"`
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
}

// ListArtifacts returns the most recently ingested artifacts, newest first.
func ListArtifacts(client *HTTPClient, limit int) ([]ArtifactJSON, error) {
	path := "/api/v1/artifacts"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}

	body, err := client.Get(path)
	if err != nil {
		return nil, err
	}

	var artifacts []ArtifactJSON
	if err := ParseResponse(body, &artifacts); err != nil {
		return nil, err
	}

	return artifacts, nil
}

// HealthStatus is the coordinator liveness report.
type HealthStatus struct {
	Status      string    `json:"status"`
	Devices     int       `json:"devices"`
	Connections int       `json:"connections"`
	Timestamp   time.Time `json:"timestamp"`
}

// Health checks the coordinator's liveness endpoint.
func Health(client *HTTPClient) (*HealthStatus, error) {
	body, err := client.Get("/healthz")
	if err != nil {
		return nil, err
	}

	var status HealthStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}

	return &status, nil
}
