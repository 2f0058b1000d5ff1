package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/snapsentinel/snapsentinel/internal/shared"
	"go.uber.org/zap"
)

func newTestHub(t *testing.T, ctx context.Context, notifier Notifier, heartbeatInterval time.Duration, heartbeatTimeout int) (*Hub, *Registry) {
	t.Helper()

	db := setupCoordinatorTestDB(t)
	registry := NewRegistry(db, nil, zap.NewNop())
	broadcaster := newTestBroadcaster(t)
	hub := NewHub(ctx, registry, NewSessionMap(), broadcaster, notifier, nil, heartbeatInterval, heartbeatTimeout, zap.NewNop())
	return hub, registry
}

func startTestServer(hub *Hub) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agent", hub.ServeAgentWS)
	mux.HandleFunc("/ws/observer", hub.ServeObserverWS)
	return httptest.NewServer(mux)
}

func wsURL(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, msgType shared.MessageType, payload interface{}) {
	t.Helper()

	data, err := shared.EncodeMessage(msgType, payload)
	if err != nil {
		t.Fatalf("encode %s failed: %v", msgType, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("send %s failed: %v", msgType, err)
	}
}

func readEnvelopeOfType(t *testing.T, conn *websocket.Conn, msgType shared.MessageType) *shared.Envelope {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		_, message, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read waiting for %s failed: %v", msgType, err)
		}
		env, err := shared.UnmarshalEnvelope(message)
		if err != nil {
			continue
		}
		if env.Type == string(msgType) {
			return env
		}
	}
	t.Fatalf("no %s frame within deadline", msgType)
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestHubRegisterRelayAndObserverView(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub, registry := newTestHub(t, ctx, nil, time.Minute, 3)
	go hub.Run()

	server := startTestServer(hub)
	defer server.Close()

	agent, _, err := websocket.DefaultDialer.Dial(wsURL(server, "/ws/agent"), nil)
	if err != nil {
		t.Fatalf("agent dial failed: %v", err)
	}
	defer agent.Close()

	sendEnvelope(t, agent, shared.MessageTypeRegister, shared.RegisterPayload{
		DeviceID: "dev-1",
		OS:       "linux",
		Version:  "1.0.0",
	})
	waitFor(t, "device online", func() bool {
		dev, err := registry.GetDevice("dev-1")
		return err == nil && dev.Status == DeviceStatusOnline
	})

	// An observer attaching now immediately sees the current registry state.
	observer, _, err := websocket.DefaultDialer.Dial(wsURL(server, "/ws/observer"), nil)
	if err != nil {
		t.Fatalf("observer dial failed: %v", err)
	}
	defer observer.Close()

	env := readEnvelopeOfType(t, observer, shared.MessageTypeClientsUpdate)
	var snapshot map[string]Device
	if err := json.Unmarshal(env.Payload, &snapshot); err != nil {
		t.Fatalf("unmarshal snapshot failed: %v", err)
	}
	if snapshot["dev-1"].Status != DeviceStatusOnline {
		t.Fatalf("observer snapshot missing online device: %v", snapshot)
	}

	// An observer-issued command is relayed to the agent over its socket.
	sendEnvelope(t, observer, shared.MessageTypeAdminCommand, shared.AdminCommandPayload{
		TargetDeviceID: "dev-1",
		Command:        CommandCapture,
	})

	cmdEnv := readEnvelopeOfType(t, agent, shared.MessageTypeCommand)
	var cmd shared.CommandPayload
	if err := json.Unmarshal(cmdEnv.Payload, &cmd); err != nil {
		t.Fatalf("unmarshal relayed command failed: %v", err)
	}
	if cmd.Command != CommandCapture {
		t.Fatalf("expected capture command, got %s", cmd.Command)
	}

	// Abrupt agent disconnect flows through to the observer as an offline
	// transition.
	agent.Close()
	env = readEnvelopeOfType(t, observer, shared.MessageTypeClientsUpdate)
	for {
		if err := json.Unmarshal(env.Payload, &snapshot); err != nil {
			t.Fatalf("unmarshal snapshot failed: %v", err)
		}
		if snapshot["dev-1"].Status == DeviceStatusOffline {
			break
		}
		env = readEnvelopeOfType(t, observer, shared.MessageTypeClientsUpdate)
	}

	// The record survives the disconnect.
	if _, err := registry.GetDevice("dev-1"); err != nil {
		t.Fatalf("device record deleted on disconnect: %v", err)
	}
}

func TestHubObserverCommandToOfflineDevice(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub, _ := newTestHub(t, ctx, nil, time.Minute, 3)
	go hub.Run()

	server := startTestServer(hub)
	defer server.Close()

	observer, _, err := websocket.DefaultDialer.Dial(wsURL(server, "/ws/observer"), nil)
	if err != nil {
		t.Fatalf("observer dial failed: %v", err)
	}
	defer observer.Close()

	sendEnvelope(t, observer, shared.MessageTypeAdminCommand, shared.AdminCommandPayload{
		TargetDeviceID: "dev-gone",
		Command:        CommandCapture,
	})

	env := readEnvelopeOfType(t, observer, shared.MessageTypeError)
	var errPayload shared.ErrorPayload
	if err := json.Unmarshal(env.Payload, &errPayload); err != nil {
		t.Fatalf("unmarshal error payload failed: %v", err)
	}
	if errPayload.Code != "DEVICE_UNREACHABLE" {
		t.Fatalf("expected DEVICE_UNREACHABLE, got %s", errPayload.Code)
	}
}

func TestHubReconnectSupersedesOldSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub, registry := newTestHub(t, ctx, nil, time.Minute, 3)
	go hub.Run()

	server := startTestServer(hub)
	defer server.Close()

	register := shared.RegisterPayload{DeviceID: "dev-1", OS: "linux"}

	conn1, _, err := websocket.DefaultDialer.Dial(wsURL(server, "/ws/agent"), nil)
	if err != nil {
		t.Fatalf("first dial failed: %v", err)
	}
	defer conn1.Close()
	sendEnvelope(t, conn1, shared.MessageTypeRegister, register)
	waitFor(t, "first registration", func() bool {
		return hub.sessions.ActiveCount() == 1
	})

	conn2, _, err := websocket.DefaultDialer.Dial(wsURL(server, "/ws/agent"), nil)
	if err != nil {
		t.Fatalf("second dial failed: %v", err)
	}
	defer conn2.Close()
	sendEnvelope(t, conn2, shared.MessageTypeRegister, register)

	// The superseded connection is closed by the coordinator; its delayed
	// disconnect must not mark the reconnected device offline.
	waitFor(t, "old connection torn down", func() bool {
		return hub.ConnCount() == 1
	})
	waitFor(t, "device still online", func() bool {
		dev, err := registry.GetDevice("dev-1")
		return err == nil && dev.Status == DeviceStatusOnline
	})

	// Commands resolve to the new session.
	if err := hub.Router().Dispatch("dev-1", CommandCapture, nil); err != nil {
		t.Fatalf("dispatch after reconnect failed: %v", err)
	}
	readEnvelopeOfType(t, conn2, shared.MessageTypeCommand)
}

func TestHubHeartbeatTimeoutMarksOffline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifier := &recordingNotifier{called: make(chan string, 1)}
	hub, registry := newTestHub(t, ctx, notifier, 50*time.Millisecond, 3)
	go hub.Run()

	server := startTestServer(hub)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, "/ws/agent"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	sendEnvelope(t, conn, shared.MessageTypeRegister, shared.RegisterPayload{DeviceID: "dev-1"})
	waitFor(t, "registration", func() bool {
		dev, err := registry.GetDevice("dev-1")
		return err == nil && dev.Status == DeviceStatusOnline
	})

	// The agent goes silent; the sweep tears the connection down.
	waitFor(t, "heartbeat timeout", func() bool {
		dev, err := registry.GetDevice("dev-1")
		return err == nil && dev.Status == DeviceStatusOffline
	})

	select {
	case msg := <-notifier.called:
		if !strings.Contains(msg, "dev-1") {
			t.Fatalf("offline notification missing device id: %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no offline notification sent")
	}
}

func TestHubGracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	hub, _ := newTestHub(t, ctx, nil, time.Minute, 3)
	done := make(chan struct{})
	go func() {
		hub.Run()
		close(done)
	}()

	server := startTestServer(hub)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, "/ws/agent"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	waitFor(t, "connection tracked", func() bool {
		return hub.ConnCount() == 1
	})

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Hub.Run did not exit after context cancellation")
	}
}

func TestHubOriginCheck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := setupCoordinatorTestDB(t)
	registry := NewRegistry(db, nil, zap.NewNop())
	hub := NewHub(ctx, registry, NewSessionMap(), newTestBroadcaster(t), nil,
		[]string{"http://allowed.example.com"}, time.Minute, 3, zap.NewNop())
	go hub.Run()

	server := startTestServer(hub)
	defer server.Close()

	header := http.Header{}
	header.Set("Origin", "http://allowed.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, "/ws/agent"), header)
	if err != nil {
		t.Fatalf("dial with allowed origin failed: %v", err)
	}
	conn.Close()

	header = http.Header{}
	header.Set("Origin", "http://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, "/ws/agent"), header)
	if err == nil {
		t.Fatal("expected dial to fail with disallowed origin")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}
