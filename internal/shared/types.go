package shared

import "errors"

// Protocol version constant
const ProtocolVersion = 1

// Error types for protocol validation
var (
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrMissingType        = errors.New("missing required field: type")
	ErrMissingTimestamp   = errors.New("missing required field: timestamp")
	ErrInvalidPayload     = errors.New("invalid payload")
)

// MessageType represents the type of message being sent
type MessageType string

const (
	// Agent to coordinator.
	MessageTypeRegister  MessageType = "register"
	MessageTypeHeartbeat MessageType = "heartbeat"

	// Coordinator to agent.
	MessageTypeCommand MessageType = "command"

	// Observer to coordinator.
	MessageTypeAdminCommand MessageType = "admin_command"

	// Coordinator to observers.
	MessageTypeClientsUpdate MessageType = "clients_update"
	MessageTypeNewImage      MessageType = "new_image"
	MessageTypeError         MessageType = "error"
)
