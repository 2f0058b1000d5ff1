package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/snapsentinel/snapsentinel/internal/shared"
	"go.uber.org/zap"
)

// Command names relayed to agents. The set is extensible; the router does
// not interpret payloads.
const (
	CommandCapture     = "capture"
	CommandSetInterval = "set_interval"
)

var (
	// ErrDeviceUnreachable means no session is bound for the target device.
	// The command is dropped with no side effect; there is no queuing.
	ErrDeviceUnreachable = errors.New("device unreachable")

	// ErrDeliveryFailed means a session resolved but the transport send did
	// not go through. The device may have disconnected between resolve and
	// send; that race is accepted, not retried.
	ErrDeliveryFailed = errors.New("command delivery failed")
)

// Router delivers observer-issued commands to a device's active session.
// It consults the session map and never mutates it.
type Router struct {
	sessions *SessionMap
	logger   *zap.Logger
	metrics  *Metrics
}

func NewRouter(sessions *SessionMap, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		sessions: sessions,
		logger:   logger,
		metrics:  GetMetrics(),
	}
}

// Dispatch sends one fire-and-forget command to the target device over its
// active session. Commands to the same device go out in dispatch order
// because a session has a single serialized write pump; commands across
// devices are unordered.
func (r *Router) Dispatch(targetDeviceID, command string, payload json.RawMessage) error {
	session := r.sessions.Resolve(targetDeviceID)
	if session == nil {
		r.metrics.RecordCommand(command, "unreachable")
		return fmt.Errorf("dispatch %s to %s: %w", command, targetDeviceID, ErrDeviceUnreachable)
	}

	data, err := shared.EncodeMessage(shared.MessageTypeCommand, shared.CommandPayload{
		Command: command,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("dispatch %s to %s: %w", command, targetDeviceID, err)
	}

	if err := session.conn.enqueue(data); err != nil {
		r.metrics.RecordCommand(command, "delivery_failed")
		r.logger.Warn("command delivery failed",
			zap.String("device_id", targetDeviceID),
			zap.String("command", command),
			zap.Error(err),
		)
		return fmt.Errorf("dispatch %s to %s: %w", command, targetDeviceID, ErrDeliveryFailed)
	}

	r.metrics.RecordCommand(command, "delivered")
	r.logger.Info("command dispatched",
		zap.String("device_id", targetDeviceID),
		zap.String("command", command),
		zap.String("session_id", session.SessionID),
	)
	return nil
}
