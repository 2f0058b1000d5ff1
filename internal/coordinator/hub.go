package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/snapsentinel/snapsentinel/internal/shared"
	"go.uber.org/zap"
)

// Hub owns every live agent connection and the observer fanout. Agent
// connections follow the Gorilla hub pattern: one goroutine serializes
// register/unregister and the heartbeat sweep.
type Hub struct {
	registry    *Registry
	sessions    *SessionMap
	router      *Router
	broadcaster *Broadcaster
	notifier    Notifier
	metrics     *Metrics

	register   chan *AgentConn
	unregister chan *AgentConn

	heartbeatInterval time.Duration
	heartbeatTimeout  int
	allowedOrigins    []string

	upgrader websocket.Upgrader
	logger   *zap.Logger
	mu       sync.RWMutex
	conns    map[string]*AgentConn // session id -> conn
	ctx      context.Context
}

func NewHub(
	ctx context.Context,
	registry *Registry,
	sessions *SessionMap,
	broadcaster *Broadcaster,
	notifier Notifier,
	allowedOrigins []string,
	heartbeatInterval time.Duration,
	heartbeatTimeout int,
	logger *zap.Logger,
) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}

	h := &Hub{
		registry:          registry,
		sessions:          sessions,
		router:            NewRouter(sessions, logger),
		broadcaster:       broadcaster,
		notifier:          notifier,
		metrics:           GetMetrics(),
		register:          make(chan *AgentConn),
		unregister:        make(chan *AgentConn),
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		allowedOrigins:    allowedOrigins,
		logger:            logger,
		conns:             make(map[string]*AgentConn),
		ctx:               ctx,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
	}
	h.registry.OnChange(h.broadcaster.PublishSnapshot)
	return h
}

// Router exposes the command router for the HTTP API and observer paths.
func (h *Hub) Router() *Router {
	return h.router
}

func (h *Hub) Run() {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.mu.Lock()
			for id, conn := range h.conns {
				conn.shutdown()
				delete(h.conns, id)
			}
			h.mu.Unlock()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.conns[conn.sessionID] = conn
			count := len(h.conns)
			h.mu.Unlock()
			h.metrics.SetActiveConnections(int64(count))
			h.logger.Info("agent connected", zap.String("session_id", conn.sessionID))

		case conn := <-h.unregister:
			h.dropConn(conn)

		case <-ticker.C:
			h.sweepHeartbeats()
		}
	}
}

// ServeAgentWS upgrades an agent connection. The session is created here;
// the device binding waits for the register envelope.
func (h *Hub) ServeAgentWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.metrics.RecordConnection("rejected")
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	h.metrics.RecordConnection("accepted")

	agent := newAgentConn(h, conn, uuid.New().String())
	select {
	case h.register <- agent:
	case <-h.ctx.Done():
		conn.Close()
		return
	}

	go agent.writePump()
	go agent.readPump()
}

// ServeObserverWS upgrades an observer console connection and immediately
// pushes the current registry snapshot.
func (h *Hub) ServeObserverWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("observer upgrade failed", zap.Error(err))
		return
	}

	observer := h.broadcaster.Subscribe()

	if data, err := shared.EncodeMessage(shared.MessageTypeClientsUpdate, h.registry.Snapshot()); err == nil {
		h.broadcaster.SendTo(observer.ID, data)
	}

	sock := &observerSocket{hub: h, conn: conn, observer: observer}
	go sock.writePump()
	go sock.readPump()
}

// bindDevice handles an agent's register envelope: registry upsert, session
// supersession, and closing the connection the new one replaced.
func (h *Hub) bindDevice(conn *AgentConn, reg shared.RegisterPayload) {
	if err := reg.Validate(); err != nil {
		h.logger.Warn("invalid registration",
			zap.String("session_id", conn.sessionID),
			zap.Error(err),
		)
		return
	}

	conn.setDeviceID(reg.DeviceID)
	_, superseded := h.sessions.Bind(reg.DeviceID, conn.sessionID, conn)

	dev, err := h.registry.Register(reg.DeviceID, Registration{
		OS:       reg.OS,
		Version:  reg.Version,
		Metadata: reg.Metadata,
	})
	if err != nil {
		h.logger.Error("registry update failed",
			zap.String("device_id", reg.DeviceID),
			zap.Error(err),
		)
	}
	if dev.Outdated {
		h.logger.Warn("agent below minimum supported version",
			zap.String("device_id", dev.ID),
			zap.String("version", dev.Version),
		)
	}

	h.metrics.SetOnlineDevices(int64(h.registry.OnlineCount()))
	h.logger.Info("device registered",
		zap.String("device_id", reg.DeviceID),
		zap.String("session_id", conn.sessionID),
	)

	if superseded != nil {
		h.logger.Info("superseding stale session",
			zap.String("device_id", reg.DeviceID),
			zap.String("stale_session_id", superseded.SessionID),
		)
		superseded.conn.shutdown()
	}
}

// handleAdminCommand routes one observer-issued command and reports a
// failure back on the issuing socket only.
func (h *Hub) handleAdminCommand(observer *Observer, payload json.RawMessage) {
	var cmd shared.AdminCommandPayload
	if err := json.Unmarshal(payload, &cmd); err != nil {
		h.sendObserverError(observer, "BAD_REQUEST", "malformed admin_command payload")
		return
	}
	if err := cmd.Validate(); err != nil {
		h.sendObserverError(observer, "BAD_REQUEST", err.Error())
		return
	}

	err := h.router.Dispatch(cmd.TargetDeviceID, cmd.Command, cmd.Payload)
	switch {
	case err == nil:
	case isDeviceUnreachable(err):
		h.sendObserverError(observer, "DEVICE_UNREACHABLE", fmt.Sprintf("device %s is offline", cmd.TargetDeviceID))
	default:
		h.sendObserverError(observer, "DELIVERY_FAILED", err.Error())
	}
}

func (h *Hub) sendObserverError(observer *Observer, code, message string) {
	data, err := shared.EncodeMessage(shared.MessageTypeError, shared.ErrorPayload{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	h.broadcaster.SendTo(observer.ID, data)
}

// dropConn tears down one agent connection. Only a current-session unbind
// marks the device offline; a stale unbind from a superseded connection is
// the expected tail of a reconnect and changes nothing.
func (h *Hub) dropConn(conn *AgentConn) {
	h.mu.Lock()
	_, tracked := h.conns[conn.sessionID]
	if tracked {
		delete(h.conns, conn.sessionID)
	}
	count := len(h.conns)
	h.mu.Unlock()

	if !tracked {
		return
	}
	h.metrics.SetActiveConnections(int64(count))
	conn.shutdown()

	deviceID, wasCurrent := h.sessions.Unbind(conn.sessionID)
	if !wasCurrent {
		h.logger.Debug("stale session disconnect",
			zap.String("session_id", conn.sessionID),
			zap.String("device_id", conn.DeviceID()),
		)
		return
	}

	h.registry.MarkOffline(deviceID)
	h.metrics.SetOnlineDevices(int64(h.registry.OnlineCount()))
	h.logger.Info("device disconnected",
		zap.String("device_id", deviceID),
		zap.String("session_id", conn.sessionID),
	)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := h.notifier.Notify(ctx, fmt.Sprintf("⚠️ **Device Offline**: %s", deviceID)); err != nil {
			h.logger.Warn("offline notification failed",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		}
	}()
}

func (h *Hub) sweepHeartbeats() {
	timeout := h.heartbeatInterval * time.Duration(h.heartbeatTimeout)
	now := time.Now()

	h.mu.RLock()
	var timedOut []*AgentConn
	for _, conn := range h.conns {
		if conn.heartbeatAge(now) > timeout {
			timedOut = append(timedOut, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range timedOut {
		h.logger.Warn("agent heartbeat timeout",
			zap.String("session_id", conn.sessionID),
			zap.String("device_id", conn.DeviceID()),
		)
		// Closing the socket unwinds the read pump, which funnels the
		// connection through the normal unregister path.
		conn.conn.Close()
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	h.logger.Warn("rejected connection from unauthorized origin", zap.String("origin", origin))
	return false
}

// ConnCount reports live agent connections (bound or not).
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func isDeviceUnreachable(err error) bool {
	return errors.Is(err, ErrDeviceUnreachable)
}
