package shared

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RegisterPayload is sent by an agent immediately after connecting. The
// device ID is client-generated and stable across restarts; everything else
// is free-form registration metadata.
type RegisterPayload struct {
	DeviceID string            `json:"device_id"`
	OS       string            `json:"os,omitempty"`
	Version  string            `json:"version,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (p RegisterPayload) Validate() error {
	if strings.TrimSpace(p.DeviceID) == "" {
		return fmt.Errorf("%w: device_id is required", ErrInvalidPayload)
	}
	return nil
}

// CommandPayload is the one-shot instruction relayed to an agent. The
// payload is opaque to the coordinator.
type CommandPayload struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AdminCommandPayload is an observer-issued command targeting one device.
type AdminCommandPayload struct {
	TargetDeviceID string          `json:"target_device_id"`
	Command        string          `json:"command"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

func (p AdminCommandPayload) Validate() error {
	if strings.TrimSpace(p.TargetDeviceID) == "" {
		return fmt.Errorf("%w: target_device_id is required", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.Command) == "" {
		return fmt.Errorf("%w: command is required", ErrInvalidPayload)
	}
	return nil
}

// NewImagePayload fans out to observers after a successful artifact ingest.
type NewImagePayload struct {
	DeviceID  string    `json:"device_id"`
	URL       string    `json:"url"`
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload reports a failed observer dispatch back over the same socket.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
