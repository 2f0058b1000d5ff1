package sentinelctl

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPClientGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(APIResponse{
			Data: []string{"item1", "item2"},
		})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	body, err := client.Get("/test")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	var resp APIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
}

func TestHTTPClientGetNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"device not found","code":"NOT_FOUND"}`, http.StatusNotFound)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	_, err := client.Get("/test")
	if err == nil {
		t.Fatal("expected error for not found")
	}
	if err.Error() != "resource not found: device not found" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHTTPClientPost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(APIResponse{
			Data: map[string]string{"status": "dispatched"},
		})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	body, err := client.Post("/test", map[string]string{"key": "value"})
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}

	var resp APIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
}

func TestParseErrorCodes(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{
			name:    "device unreachable",
			status:  http.StatusNotFound,
			body:    `{"error":"device unreachable","code":"DEVICE_UNREACHABLE"}`,
			wantMsg: "device unreachable: device unreachable",
		},
		{
			name:    "delivery failed",
			status:  http.StatusBadGateway,
			body:    `{"error":"session send buffer full","code":"DELIVERY_FAILED"}`,
			wantMsg: "command delivery failed: session send buffer full",
		},
		{
			name:    "bad request",
			status:  http.StatusBadRequest,
			body:    `{"error":"command is required","code":"BAD_REQUEST"}`,
			wantMsg: "invalid request: command is required",
		},
		{
			name:    "non-json body",
			status:  http.StatusNotFound,
			body:    "plain text",
			wantMsg: "resource not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, tt.body, tt.status)
			}))
			defer server.Close()

			client := NewHTTPClient(server.URL)
			_, err := client.Get("/test")
			if err == nil {
				t.Fatal("expected error")
			}
			if err.Error() != tt.wantMsg {
				t.Fatalf("error = %q, want %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestParseResponse(t *testing.T) {
	data := []ArtifactJSON{
		{DeviceID: "dev-1", URL: "http://x/uploads/dev-1/a.jpg", Filename: "a.jpg"},
		{DeviceID: "dev-2", URL: "http://x/uploads/dev-2/b.jpg", Filename: "b.jpg"},
	}
	body, err := json.Marshal(APIResponse{Data: data, Meta: &APIMeta{Total: 2}})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var parsed []ArtifactJSON
	if err := ParseResponse(body, &parsed); err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}
	if len(parsed) != 2 {
		t.Fatalf("parsed %d artifacts, want 2", len(parsed))
	}
	if parsed[0].DeviceID != "dev-1" {
		t.Fatalf("parsed[0].DeviceID = %q, want dev-1", parsed[0].DeviceID)
	}
}

func TestListDevicesSortsByID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/devices" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(APIResponse{
			Data: map[string]DeviceJSON{
				"dev-b": {ID: "dev-b", Status: "online", LastSeen: time.Now()},
				"dev-a": {ID: "dev-a", Status: "offline", LastSeen: time.Now()},
			},
			Meta: &APIMeta{Total: 2},
		})
	}))
	defer server.Close()

	devices, err := ListDevices(NewHTTPClient(server.URL))
	if err != nil {
		t.Fatalf("ListDevices failed: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}
	if devices[0].ID != "dev-a" || devices[1].ID != "dev-b" {
		t.Fatalf("devices not sorted: %q, %q", devices[0].ID, devices[1].ID)
	}
}

func TestGetDeviceRequiresID(t *testing.T) {
	if _, err := GetDevice(NewHTTPClient("http://unused"), ""); err == nil {
		t.Fatal("expected error for empty device id")
	}
}

func TestSendCommandPostsPayload(t *testing.T) {
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(APIResponse{
			Data: CommandResult{TargetDeviceID: "dev-1", Command: "set_interval", Status: "dispatched"},
		})
	}))
	defer server.Close()

	result, err := SetInterval(NewHTTPClient(server.URL), "dev-1", 30)
	if err != nil {
		t.Fatalf("SetInterval failed: %v", err)
	}
	if result.Status != "dispatched" {
		t.Fatalf("status = %q, want dispatched", result.Status)
	}

	var req commandRequest
	if err := json.Unmarshal(gotBody, &req); err != nil {
		t.Fatalf("unmarshal request failed: %v", err)
	}
	if req.TargetDeviceID != "dev-1" || req.Command != "set_interval" {
		t.Fatalf("unexpected request: %+v", req)
	}
	var payload struct {
		IntervalSec int `json:"interval_sec"`
	}
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload failed: %v", err)
	}
	if payload.IntervalSec != 30 {
		t.Fatalf("interval_sec = %d, want 30", payload.IntervalSec)
	}
}

func TestSetIntervalRejectsNonPositive(t *testing.T) {
	client := NewHTTPClient("http://unused")
	if _, err := SetInterval(client, "dev-1", 0); err == nil {
		t.Fatal("expected error for zero interval")
	}
	if _, err := SetInterval(client, "dev-1", -5); err == nil {
		t.Fatal("expected error for negative interval")
	}
}

func TestHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      "ok",
			"devices":     3,
			"connections": 2,
			"timestamp":   time.Now().UTC(),
		})
	}))
	defer server.Close()

	status, err := Health(NewHTTPClient(server.URL))
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if status.Status != "ok" || status.Devices != 3 || status.Connections != 2 {
		t.Fatalf("unexpected health status: %+v", status)
	}
}
