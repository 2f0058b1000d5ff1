package coordinator

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/snapsentinel/snapsentinel/internal/shared"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // 90% of pongWait
	maxMessageSize = 65536

	sendQueueSize = 256
)

var errConnClosed = errors.New("connection closed")

// AgentConn is one live agent transport. It starts anonymous; the deviceID
// is filled in when the register envelope arrives and the session is bound.
type AgentConn struct {
	hub       *Hub
	conn      *websocket.Conn
	sessionID string
	send      chan []byte

	mu            sync.Mutex
	deviceID      string
	lastHeartbeat time.Time
	closed        bool
}

func newAgentConn(hub *Hub, conn *websocket.Conn, sessionID string) *AgentConn {
	return &AgentConn{
		hub:           hub,
		conn:          conn,
		sessionID:     sessionID,
		send:          make(chan []byte, sendQueueSize),
		lastHeartbeat: time.Now(),
	}
}

// enqueue hands a frame to the write pump without blocking. A closed
// connection or a saturated queue both mean the frame is not going out.
func (c *AgentConn) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.New("send queue saturated")
	}
}

// shutdown closes the send queue exactly once; the write pump drains and
// closes the socket.
func (c *AgentConn) shutdown() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
	c.conn.Close()
}

func (c *AgentConn) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

func (c *AgentConn) setDeviceID(id string) {
	c.mu.Lock()
	c.deviceID = id
	c.mu.Unlock()
}

func (c *AgentConn) touchHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

func (c *AgentConn) heartbeatAge(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastHeartbeat)
}

func (c *AgentConn) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close",
					zap.String("session_id", c.sessionID),
					zap.String("device_id", c.DeviceID()),
					zap.Error(err),
				)
			}
			return
		}

		env, err := shared.UnmarshalEnvelope(message)
		if err != nil {
			continue
		}

		c.handleEnvelope(env)
	}
}

func (c *AgentConn) handleEnvelope(env *shared.Envelope) {
	c.touchHeartbeat()

	switch env.Type {
	case string(shared.MessageTypeHeartbeat):
		// touch above is the whole point

	case string(shared.MessageTypeRegister):
		var reg shared.RegisterPayload
		if err := json.Unmarshal(env.Payload, &reg); err != nil {
			c.hub.logger.Warn("malformed register payload",
				zap.String("session_id", c.sessionID),
				zap.Error(err),
			)
			return
		}
		c.hub.bindDevice(c, reg)
	}
}

func (c *AgentConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// observerSocket pumps broadcast frames out to one attached console and
// feeds observer-issued commands back into the router.
type observerSocket struct {
	hub      *Hub
	conn     *websocket.Conn
	observer *Observer
}

func (o *observerSocket) readPump() {
	defer func() {
		o.hub.broadcaster.Unsubscribe(o.observer.ID)
		o.conn.Close()
	}()

	o.conn.SetReadLimit(maxMessageSize)
	o.conn.SetReadDeadline(time.Now().Add(pongWait))
	o.conn.SetPongHandler(func(string) error {
		o.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := o.conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := shared.UnmarshalEnvelope(message)
		if err != nil {
			continue
		}

		if env.Type == string(shared.MessageTypeAdminCommand) {
			o.hub.handleAdminCommand(o.observer, env.Payload)
		}
	}
}

func (o *observerSocket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		o.conn.Close()
	}()

	for {
		select {
		case message, ok := <-o.observer.C():
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				o.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := o.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
