package shared

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the wire frame wrapping every message exchanged over a
// WebSocket connection: agent registrations, heartbeats, relayed commands,
// and observer broadcasts all travel inside one.
type Envelope struct {
	Version   int             `json:"version"`
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope builds a versioned envelope around an already-marshaled payload.
func NewEnvelope(msgType MessageType, payload json.RawMessage) *Envelope {
	return &Envelope{
		Version:   ProtocolVersion,
		Type:      string(msgType),
		Timestamp: time.Now().UTC().Unix(),
		Payload:   payload,
	}
}

// EncodeMessage marshals payload and wraps it in a validated envelope frame.
func EncodeMessage(msgType MessageType, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return MarshalEnvelope(NewEnvelope(msgType, raw))
}

// MarshalEnvelope converts an Envelope to JSON bytes
func MarshalEnvelope(env *Envelope) ([]byte, error) {
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// UnmarshalEnvelope converts JSON bytes to an Envelope with validation
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if err := validateEnvelope(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// validateEnvelope checks that the envelope has all required fields and valid version
func validateEnvelope(env *Envelope) error {
	if env.Version != ProtocolVersion {
		return fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, env.Version, ProtocolVersion)
	}
	if env.Type == "" {
		return ErrMissingType
	}
	if env.Timestamp == 0 {
		return ErrMissingTimestamp
	}
	return nil
}
