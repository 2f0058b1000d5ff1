package sentinelctl

import (
	"fmt"
	"sort"
	"time"
)

// DeviceJSON mirrors the device shape served by the coordinator API.
type DeviceJSON struct {
	ID          string            `json:"id"`
	Status      string            `json:"status"`
	OS          string            `json:"os,omitempty"`
	Version     string            `json:"version,omitempty"`
	Outdated    bool              `json:"outdated,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	LastSeen    time.Time         `json:"last_seen"`
	ConnectedAt time.Time         `json:"connected_at,omitempty"`
}

// ListDevices returns every known device, sorted by id for stable output.
func ListDevices(client *HTTPClient) ([]DeviceJSON, error) {
	body, err := client.Get("/api/v1/devices")
	if err != nil {
		return nil, err
	}

	var byID map[string]DeviceJSON
	if err := ParseResponse(body, &byID); err != nil {
		return nil, err
	}

	devices := make([]DeviceJSON, 0, len(byID))
	for _, d := range byID {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	return devices, nil
}

func GetDevice(client *HTTPClient, id string) (*DeviceJSON, error) {
	if id == "" {
		return nil, fmt.Errorf("device id is required")
	}

	body, err := client.Get("/api/v1/devices/" + id)
	if err != nil {
		return nil, err
	}

	var device DeviceJSON
	if err := ParseResponse(body, &device); err != nil {
		return nil, err
	}

	return &device, nil
}
