package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/snapsentinel/snapsentinel/internal/shared"
	"go.uber.org/zap"
)

const (
	wsReadDeadline  = 90 * time.Second
	wsWriteDeadline = 10 * time.Second

	defaultHeartbeatInterval = 15 * time.Second
)

// CommandHandler processes one relayed command. The payload is whatever the
// issuing observer attached.
type CommandHandler func(ctx context.Context, payload json.RawMessage) error

// WSClient maintains the persistent coordinator connection:
//   - jittered exponential backoff reconnect
//   - re-registration on every connect
//   - heartbeats on a ticker
//
// Call Connect once, then Close to shut down.
type WSClient struct {
	url      string
	register shared.RegisterPayload
	logger   *zap.Logger
	backoff  *Backoff

	heartbeatInterval time.Duration
	onConnectHooks    []func() error

	commandHandlers map[string]CommandHandler
	commandMu       sync.RWMutex

	conn   *websocket.Conn
	connMu sync.Mutex

	mu     sync.Mutex // guards the cancel/done lifecycle pair
	cancel context.CancelFunc
	done   chan struct{}
}

// WSClientOption configures a WSClient.
type WSClientOption func(*WSClient)

// WithBackoff overrides the default reconnect policy.
func WithBackoff(b *Backoff) WSClientOption {
	return func(c *WSClient) { c.backoff = b }
}

// WithHeartbeatInterval overrides the heartbeat cadence.
func WithHeartbeatInterval(d time.Duration) WSClientOption {
	return func(c *WSClient) { c.heartbeatInterval = d }
}

// WithOnConnectHook runs after every successful (re)registration.
func WithOnConnectHook(hook func() error) WSClientOption {
	return func(c *WSClient) {
		if hook != nil {
			c.onConnectHooks = append(c.onConnectHooks, hook)
		}
	}
}

// NewWSClient creates a coordinator client for the given device identity.
func NewWSClient(url string, register shared.RegisterPayload, logger *zap.Logger, opts ...WSClientOption) *WSClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &WSClient{
		url:               url,
		register:          register,
		logger:            logger,
		backoff:           DefaultBackoff(),
		heartbeatInterval: defaultHeartbeatInterval,
		commandHandlers:   make(map[string]CommandHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterCommandHandler installs the handler for one command name.
func (c *WSClient) RegisterCommandHandler(command string, handler CommandHandler) {
	c.commandMu.Lock()
	defer c.commandMu.Unlock()
	c.commandHandlers[command] = handler
}

// Connect starts the reconnect loop in a background goroutine.
func (c *WSClient) Connect(ctx context.Context) {
	c.mu.Lock()
	ctx, c.cancel = context.WithCancel(ctx)
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.connectLoop(ctx)
	}()
}

// Close stops the reconnect loop and closes the active connection. Calling
// Close on a client that never connected is a no-op.
func (c *WSClient) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	// Close the socket to unblock any pending read.
	c.closeConn()
	<-done
	return nil
}

// IsConnected reports whether the client has an active connection.
func (c *WSClient) IsConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

func (c *WSClient) connectLoop(ctx context.Context) {
	for {
		err := c.dialAndServe(ctx)
		if ctx.Err() != nil {
			c.logger.Info("ws client shutting down")
			return
		}
		if err != nil {
			c.logger.Error("ws connection error", zap.Error(err))
		}

		wait := c.backoff.Duration()
		c.logger.Info("reconnecting",
			zap.Duration("backoff", wait),
			zap.Int("attempt", c.backoff.Attempt()),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *WSClient) dialAndServe(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	// Pings from the coordinator are the only traffic on a quiet link; let
	// them keep the read deadline alive.
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteDeadline))
	})

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.backoff.Reset()
	c.logger.Info("connected to coordinator", zap.String("url", c.url))

	// The coordinator binds the session only after this.
	if err := c.sendRegister(); err != nil {
		c.closeConn()
		return fmt.Errorf("send register: %w", err)
	}

	if err := c.runOnConnectHooks(); err != nil {
		c.closeConn()
		return fmt.Errorf("run on-connect hooks: %w", err)
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	go c.heartbeatLoop(heartbeatCtx)
	defer stopHeartbeat()

	err = c.readLoop(ctx)
	c.closeConn()
	return err
}

func (c *WSClient) runOnConnectHooks() error {
	for _, hook := range c.onConnectHooks {
		if err := hook(); err != nil {
			return err
		}
	}
	return nil
}

func (c *WSClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendHeartbeat(); err != nil {
				c.logger.Warn("heartbeat send failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *WSClient) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return fmt.Errorf("connection closed")
		}

		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		env, err := shared.UnmarshalEnvelope(msg)
		if err != nil {
			c.logger.Warn("invalid message from coordinator", zap.Error(err))
			continue
		}

		if env.Type == string(shared.MessageTypeCommand) {
			c.handleCommand(ctx, env)
		}
	}
}

func (c *WSClient) sendRegister() error {
	payload, err := json.Marshal(c.register)
	if err != nil {
		return fmt.Errorf("marshal register payload: %w", err)
	}
	return c.SendEnvelope(shared.NewEnvelope(shared.MessageTypeRegister, payload))
}

func (c *WSClient) sendHeartbeat() error {
	payload, err := json.Marshal(map[string]string{"status": "ok"})
	if err != nil {
		return fmt.Errorf("marshal heartbeat payload: %w", err)
	}
	return c.SendEnvelope(shared.NewEnvelope(shared.MessageTypeHeartbeat, payload))
}

// SendEnvelope sends an envelope over the connection. Thread-safe.
func (c *WSClient) SendEnvelope(env *shared.Envelope) error {
	data, err := shared.MarshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	c.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WSClient) handleCommand(ctx context.Context, env *shared.Envelope) {
	var cmd shared.CommandPayload
	if err := json.Unmarshal(env.Payload, &cmd); err != nil {
		c.logger.Warn("failed to parse command payload",
			zap.Error(err),
			zap.String("request_id", env.RequestID),
		)
		return
	}

	c.commandMu.RLock()
	handler, ok := c.commandHandlers[cmd.Command]
	c.commandMu.RUnlock()

	if !ok {
		c.logger.Warn("no handler for command",
			zap.String("command", cmd.Command),
			zap.String("request_id", env.RequestID),
		)
		return
	}

	if err := handler(ctx, cmd.Payload); err != nil {
		c.logger.Error("command handler error",
			zap.String("command", cmd.Command),
			zap.String("request_id", env.RequestID),
			zap.Error(err),
		)
	}
}

func (c *WSClient) closeConn() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
