package sentinelctl

import (
	"encoding/json"
	"fmt"
)

// CommandResult is the coordinator's acknowledgement of a dispatched command.
type CommandResult struct {
	TargetDeviceID string `json:"target_device_id"`
	Command        string `json:"command"`
	Status         string `json:"status"`
}

type commandRequest struct {
	TargetDeviceID string          `json:"target_device_id"`
	Command        string          `json:"command"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// SendCommand dispatches a command to a device over its live session.
func SendCommand(client *HTTPClient, deviceID, command string, payload json.RawMessage) (*CommandResult, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if command == "" {
		return nil, fmt.Errorf("command is required")
	}

	body, err := client.Post("/api/v1/commands", commandRequest{
		TargetDeviceID: deviceID,
		Command:        command,
		Payload:        payload,
	})
	if err != nil {
		return nil, err
	}

	var result CommandResult
	if err := ParseResponse(body, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// Capture asks a device to take a snapshot immediately.
func Capture(client *HTTPClient, deviceID string) (*CommandResult, error) {
	return SendCommand(client, deviceID, "capture", nil)
}

// SetInterval changes a device's periodic capture interval.
func SetInterval(client *HTTPClient, deviceID string, intervalSec int) (*CommandResult, error) {
	if intervalSec <= 0 {
		return nil, fmt.Errorf("interval must be a positive number of seconds")
	}

	payload, err := json.Marshal(map[string]int{"interval_sec": intervalSec})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal interval payload: %w", err)
	}

	return SendCommand(client, deviceID, "set_interval", payload)
}
