package coordinator

import (
	"sync"
	"time"
)

// Session is one live transport binding for a device. The generation counter
// increases monotonically per device; it is what makes a late disconnect from
// a superseded connection distinguishable from the current one.
type Session struct {
	SessionID  string
	DeviceID   string
	Generation uint64
	CreatedAt  time.Time

	conn *AgentConn
}

// SessionMap binds each device identity to its currently active transport
// session. Bind, Unbind, and Resolve share one mutex, so no caller ever
// observes a half-updated binding.
type SessionMap struct {
	mu          sync.Mutex
	byDevice    map[string]*Session
	bySession   map[string]string // session id -> device id
	generations map[string]uint64
}

func NewSessionMap() *SessionMap {
	return &SessionMap{
		byDevice:    make(map[string]*Session),
		bySession:   make(map[string]string),
		generations: make(map[string]uint64),
	}
}

// Bind associates the session with the device, superseding any prior
// binding. The superseded session, if any, is returned so its transport can
// be closed; it must never be used for delivery again even if the underlying
// socket is still open.
func (m *SessionMap) Bind(deviceID, sessionID string, conn *AgentConn) (*Session, *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.generations[deviceID]++
	session := &Session{
		SessionID:  sessionID,
		DeviceID:   deviceID,
		Generation: m.generations[deviceID],
		CreatedAt:  time.Now().UTC(),
		conn:       conn,
	}

	superseded := m.byDevice[deviceID]
	if superseded != nil {
		delete(m.bySession, superseded.SessionID)
	}

	m.byDevice[deviceID] = session
	m.bySession[sessionID] = deviceID

	return session, superseded
}

// Unbind clears the binding only if sessionID is still the current one for
// its device. A stale unbind (the session was already superseded) is a
// no-op, which keeps a late disconnect event from an old connection from
// marking a reconnected device offline. Returns the device id and whether
// the binding was current.
func (m *SessionMap) Unbind(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deviceID, ok := m.bySession[sessionID]
	if !ok {
		return "", false
	}

	current := m.byDevice[deviceID]
	if current == nil || current.SessionID != sessionID {
		delete(m.bySession, sessionID)
		return deviceID, false
	}

	delete(m.byDevice, deviceID)
	delete(m.bySession, sessionID)
	return deviceID, true
}

// Resolve returns the device's active session, or nil when it has none.
func (m *SessionMap) Resolve(deviceID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byDevice[deviceID]
}

// ActiveCount reports the number of currently bound sessions.
func (m *SessionMap) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byDevice)
}
