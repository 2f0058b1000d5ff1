package integration

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/snapsentinel/snapsentinel/internal/agent"
	"github.com/snapsentinel/snapsentinel/internal/config"
	"github.com/snapsentinel/snapsentinel/internal/coordinator"
	"github.com/snapsentinel/snapsentinel/internal/shared"
	"github.com/snapsentinel/snapsentinel/internal/storage"
)

// coordinatorHarness runs a full coordinator on a real port: WebSocket hub,
// HTTP API, sqlite persistence, and disk artifact storage.
type coordinatorHarness struct {
	t      *testing.T
	cfg    *config.CoordinatorConfig
	db     *sql.DB
	server *coordinator.Server
	logger *zap.Logger

	uploadsDir    string
	baseURL       string
	agentWSURL    string
	observerWSURL string
}

func newCoordinatorHarness(t *testing.T, port int) *coordinatorHarness {
	t.Helper()

	dir := t.TempDir()
	cfg := &config.CoordinatorConfig{}
	cfg.Server.Port = port
	cfg.Server.HeartbeatIntervalSec = 15
	cfg.Server.HeartbeatTimeoutCount = 3
	cfg.Database.Path = filepath.Join(dir, "coordinator.db")
	cfg.Storage.UploadsDir = filepath.Join(dir, "uploads")

	db, err := sql.Open("sqlite", cfg.Database.Path)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := storage.NewMigrationRunner(db).Migrate(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	h := &coordinatorHarness{
		t:             t,
		cfg:           cfg,
		db:            db,
		logger:        zap.NewNop(),
		uploadsDir:    cfg.Storage.UploadsDir,
		baseURL:       fmt.Sprintf("http://localhost:%d", port),
		agentWSURL:    fmt.Sprintf("ws://localhost:%d/ws/agent", port),
		observerWSURL: fmt.Sprintf("ws://localhost:%d/ws/observer", port),
	}

	h.startServer()

	t.Cleanup(func() {
		h.stopServer()
		db.Close()
	})

	return h
}

// startServer builds a fresh coordinator stack on the harness database and
// waits until the HTTP listener answers. Safe to call again after stopServer
// to simulate a coordinator restart.
func (h *coordinatorHarness) startServer() {
	h.t.Helper()

	registry := coordinator.NewRegistry(h.db, nil, h.logger)
	if err := registry.LoadFromDB(); err != nil {
		h.t.Fatalf("failed to load registry: %v", err)
	}

	broadcaster, err := coordinator.NewBroadcaster(h.logger)
	if err != nil {
		h.t.Fatalf("failed to create broadcaster: %v", err)
	}

	server := coordinator.NewServer(h.cfg, registry, coordinator.NewSessionMap(), broadcaster, coordinator.NopNotifier{}, h.logger)

	store := coordinator.NewDiskStore(h.uploadsDir, h.baseURL)
	ingestor := coordinator.NewIngestor(store, h.db, broadcaster, coordinator.NopNotifier{}, h.logger)
	server.SetAPI(coordinator.NewAPI(registry, ingestor, server.Hub(), h.uploadsDir, h.logger))

	if err := server.Start(); err != nil {
		h.t.Fatalf("failed to start coordinator: %v", err)
	}
	h.server = server

	h.waitForHealthz()
}

func (h *coordinatorHarness) stopServer() {
	if h.server == nil {
		return
	}
	if err := h.server.Stop(); err != nil {
		h.t.Logf("coordinator stop: %v", err)
	}
	h.server = nil
}

func (h *coordinatorHarness) waitForHealthz() {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(h.baseURL + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	h.t.Fatal("coordinator did not become healthy")
}

// observerConn is a raw observer WebSocket for asserting broadcasts.
type observerConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func newObserverConn(t *testing.T, h *coordinatorHarness) *observerConn {
	t.Helper()

	var conn *websocket.Conn
	var err error
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn, _, err = websocket.DefaultDialer.Dial(h.observerWSURL, nil)
		if err == nil {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("failed to dial observer socket: %v", err)
	}

	o := &observerConn{t: t, conn: conn}
	t.Cleanup(func() { conn.Close() })
	return o
}

// readEnvelopeOfType reads frames until one of the wanted type arrives.
func (o *observerConn) readEnvelopeOfType(msgType shared.MessageType, timeout time.Duration) *shared.Envelope {
	o.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		o.conn.SetReadDeadline(deadline)
		_, data, err := o.conn.ReadMessage()
		if err != nil {
			o.t.Fatalf("observer read failed waiting for %s: %v", msgType, err)
		}
		env, err := shared.UnmarshalEnvelope(data)
		if err != nil {
			o.t.Fatalf("observer received invalid envelope: %v", err)
		}
		if env.Type == string(msgType) {
			return env
		}
	}
	o.t.Fatalf("no %s frame within %v", msgType, timeout)
	return nil
}

// waitForDeviceStatus consumes clients_update frames until the device shows
// the wanted status.
func (o *observerConn) waitForDeviceStatus(deviceID string, status coordinator.DeviceStatus, timeout time.Duration) {
	o.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		env := o.readEnvelopeOfType(shared.MessageTypeClientsUpdate, time.Until(deadline))
		var snapshot map[string]coordinator.Device
		if err := unmarshalPayload(env, &snapshot); err != nil {
			o.t.Fatalf("invalid clients_update payload: %v", err)
		}
		if dev, ok := snapshot[deviceID]; ok && dev.Status == status {
			return
		}
	}
	o.t.Fatalf("device %s never reached status %s", deviceID, status)
}

func unmarshalPayload(env *shared.Envelope, target interface{}) error {
	return json.Unmarshal(env.Payload, target)
}

// pngCapturer produces a real 1x1 PNG so artifact validation accepts it.
type pngCapturer struct{}

func (pngCapturer) Capture(ctx context.Context) ([]byte, string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 1, 1))); err != nil {
		return nil, "", err
	}
	name := fmt.Sprintf("snap-%d.png", time.Now().UnixNano())
	return buf.Bytes(), name, nil
}

// newTestAgent starts a full agent against the harness coordinator.
func newTestAgent(t *testing.T, h *coordinatorHarness, deviceID string, intervalSec int) *agent.Agent {
	t.Helper()

	cfg := &config.AgentConfig{
		CoordinatorURL: h.agentWSURL,
		UploadURL:      h.baseURL + "/upload",
		Version:        "1.0.0",
	}
	cfg.Capture.Command = "unused"
	cfg.Capture.IntervalSec = intervalSec

	uploader := agent.NewUploader(cfg.UploadURL, zap.NewNop())
	a, err := agent.NewAgent(cfg, deviceID, pngCapturer{}, uploader, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("failed to start agent: %v", err)
	}

	t.Cleanup(func() {
		if a.IsRunning() {
			a.Stop()
		}
	})
	return a
}

// waitUntil polls cond until it holds or the timeout elapses.
func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
