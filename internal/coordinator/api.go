package coordinator

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/snapsentinel/snapsentinel/internal/shared"
	"go.uber.org/zap"
)

// maxUploadBytes caps a single artifact upload.
const maxUploadBytes = 32 << 20

type API struct {
	registry   *Registry
	ingestor   *Ingestor
	router     *Router
	hub        *Hub
	uploadsDir string
	logger     *zap.Logger
	metrics    *Metrics
}

func NewAPI(registry *Registry, ingestor *Ingestor, hub *Hub, uploadsDir string, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		registry:   registry,
		ingestor:   ingestor,
		router:     hub.Router(),
		hub:        hub,
		uploadsDir: uploadsDir,
		logger:     logger,
		metrics:    GetMetrics(),
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/v1/devices", a.handleListDevices)
	mux.HandleFunc("GET /api/v1/devices/{id}", a.handleGetDevice)
	mux.HandleFunc("POST /api/v1/commands", a.handleCommand)
	mux.HandleFunc("GET /api/v1/artifacts", a.handleListArtifacts)

	mux.HandleFunc("POST /upload", a.handleUpload)
	mux.Handle("GET /uploads/", http.StripPrefix("/uploads/", http.FileServer(http.Dir(a.uploadsDir))))

	mux.HandleFunc("GET /ws/agent", a.hub.ServeAgentWS)
	mux.HandleFunc("GET /ws/observer", a.hub.ServeObserverWS)

	return mux
}

type apiResponse struct {
	Data interface{} `json:"data"`
	Meta *apiMeta    `json:"meta,omitempty"`
}

type apiMeta struct {
	Total int `json:"total"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"devices":     a.registry.OnlineCount(),
		"connections": a.hub.ConnCount(),
		"timestamp":   time.Now().UTC(),
	})
}

func (a *API) handleListDevices(w http.ResponseWriter, r *http.Request) {
	snapshot := a.registry.Snapshot()
	writeJSON(w, http.StatusOK, apiResponse{
		Data: snapshot,
		Meta: &apiMeta{Total: len(snapshot)},
	})
}

func (a *API) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dev, err := a.registry.GetDevice(id)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			writeError(w, http.StatusNotFound, "device not found", "NOT_FOUND")
			return
		}
		a.logger.Error("get device failed", zap.String("device_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{Data: dev})
}

type commandRequest struct {
	TargetDeviceID string          `json:"target_device_id"`
	Command        string          `json:"command"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

func (a *API) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}

	cmd := shared.AdminCommandPayload{
		TargetDeviceID: req.TargetDeviceID,
		Command:        req.Command,
		Payload:        req.Payload,
	}
	if err := cmd.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
		return
	}

	err := a.router.Dispatch(cmd.TargetDeviceID, cmd.Command, cmd.Payload)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, apiResponse{Data: map[string]string{
			"target_device_id": cmd.TargetDeviceID,
			"command":          cmd.Command,
			"status":           "dispatched",
		}})
	case errors.Is(err, ErrDeviceUnreachable):
		writeError(w, http.StatusNotFound, "device unreachable", "DEVICE_UNREACHABLE")
	case errors.Is(err, ErrDeliveryFailed):
		shared.LogErrorWithContext(r.Context(), a.logger, "command delivery failed", err,
			zap.String("target_device_id", cmd.TargetDeviceID))
		writeError(w, http.StatusBadGateway, "delivery failed", "DELIVERY_FAILED")
	default:
		shared.LogErrorWithContext(r.Context(), a.logger, "command dispatch failed", err,
			zap.String("target_device_id", cmd.TargetDeviceID))
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
	}
}

func (a *API) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r.URL.Query().Get("limit"), 50)

	artifacts, err := a.ingestor.RecentArtifacts(limit)
	if err != nil {
		a.logger.Error("list artifacts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{
		Data: artifacts,
		Meta: &apiMeta{Total: len(artifacts)},
	})
}

func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form", "BAD_REQUEST")
		return
	}

	deviceID := r.FormValue("device_id")
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required", "BAD_REQUEST")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image file is required", "BAD_REQUEST")
		return
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read image", "BAD_REQUEST")
		return
	}

	ev, err := a.ingestor.Ingest(r.Context(), deviceID, payload, header.Filename)
	if err != nil {
		if errors.Is(err, ErrInvalidArtifact) {
			writeError(w, http.StatusBadRequest, err.Error(), "INVALID_ARTIFACT")
			return
		}
		a.logger.Error("artifact ingest failed", zap.String("device_id", deviceID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{Data: ev})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiError{Error: message, Code: code})
}

func parseIntParam(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}
