package coordinator

import "testing"

func TestSessionMapBindAndResolve(t *testing.T) {
	m := NewSessionMap()

	session, superseded := m.Bind("dev-1", "sess-a", nil)
	if superseded != nil {
		t.Fatalf("first bind should supersede nothing, got %v", superseded)
	}
	if session.Generation != 1 {
		t.Fatalf("expected generation 1, got %d", session.Generation)
	}

	resolved := m.Resolve("dev-1")
	if resolved == nil || resolved.SessionID != "sess-a" {
		t.Fatalf("resolve returned %v, want sess-a", resolved)
	}
	if m.Resolve("dev-unknown") != nil {
		t.Fatal("resolve for unknown device should be nil")
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("expected 1 active session, got %d", m.ActiveCount())
	}
}

func TestSessionMapSupersession(t *testing.T) {
	m := NewSessionMap()

	m.Bind("dev-1", "sess-a", nil)
	session, superseded := m.Bind("dev-1", "sess-b", nil)

	if superseded == nil || superseded.SessionID != "sess-a" {
		t.Fatalf("expected sess-a superseded, got %v", superseded)
	}
	if session.Generation != 2 {
		t.Fatalf("expected generation 2, got %d", session.Generation)
	}
	if got := m.Resolve("dev-1"); got == nil || got.SessionID != "sess-b" {
		t.Fatalf("resolve after supersession returned %v, want sess-b", got)
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("supersession should not grow active count, got %d", m.ActiveCount())
	}
}

func TestSessionMapStaleUnbindIsNoOp(t *testing.T) {
	m := NewSessionMap()

	m.Bind("dev-1", "sess-a", nil)
	m.Bind("dev-1", "sess-b", nil)

	// The old connection's disconnect arrives after the reconnect. It must
	// not clear the new binding.
	deviceID, wasCurrent := m.Unbind("sess-a")
	if wasCurrent {
		t.Fatal("stale unbind reported as current")
	}
	if deviceID != "" {
		t.Fatalf("stale unbind returned device %q, want empty", deviceID)
	}
	if got := m.Resolve("dev-1"); got == nil || got.SessionID != "sess-b" {
		t.Fatalf("stale unbind cleared the current binding: %v", got)
	}

	// Unbinding the current session clears it.
	deviceID, wasCurrent = m.Unbind("sess-b")
	if !wasCurrent || deviceID != "dev-1" {
		t.Fatalf("current unbind returned (%q, %v), want (dev-1, true)", deviceID, wasCurrent)
	}
	if m.Resolve("dev-1") != nil {
		t.Fatal("binding survived current unbind")
	}

	// Repeated unbind of an already-cleared session is harmless.
	if _, wasCurrent := m.Unbind("sess-b"); wasCurrent {
		t.Fatal("double unbind reported as current")
	}
}

func TestSessionMapGenerationsAreMonotonicPerDevice(t *testing.T) {
	m := NewSessionMap()

	m.Bind("dev-1", "sess-a", nil)
	m.Unbind("sess-a")
	session, _ := m.Bind("dev-1", "sess-b", nil)

	// Generation keeps counting across an unbind; it never resets.
	if session.Generation != 2 {
		t.Fatalf("expected generation 2 after rebind, got %d", session.Generation)
	}

	other, _ := m.Bind("dev-2", "sess-c", nil)
	if other.Generation != 1 {
		t.Fatalf("generations should be per device, got %d for dev-2", other.Generation)
	}
}
