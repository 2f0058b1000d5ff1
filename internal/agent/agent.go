package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/snapsentinel/snapsentinel/internal/config"
	"github.com/snapsentinel/snapsentinel/internal/shared"
	"go.uber.org/zap"
)

// Agent ties the coordinator connection, the capture collaborator, and the
// uploader together and runs the periodic capture loop.
type Agent struct {
	deviceID string
	client   *WSClient
	capturer Capturer
	uploader *Uploader
	logger   *zap.Logger

	intervalMu sync.Mutex
	interval   time.Duration
	reset      chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewAgent(cfg *config.AgentConfig, deviceID string, capturer Capturer, uploader *Uploader, logger *zap.Logger) (*Agent, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Agent{
		deviceID: deviceID,
		capturer: capturer,
		uploader: uploader,
		logger:   logger,
		interval: time.Duration(cfg.Capture.IntervalSec) * time.Second,
		reset:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	a.client = NewWSClient(cfg.CoordinatorURL, shared.RegisterPayload{
		DeviceID: deviceID,
		OS:       runtime.GOOS,
		Version:  cfg.Version,
	}, logger)
	a.client.RegisterCommandHandler("capture", a.handleCapture)
	a.client.RegisterCommandHandler("set_interval", a.handleSetInterval)

	return a, nil
}

// Start connects to the coordinator and launches the capture loop.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return fmt.Errorf("agent is already running")
	}

	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	a.client.Connect(ctx)
	go a.captureLoop(ctx)

	a.running = true
	a.logger.Info("agent started",
		zap.String("device_id", a.deviceID),
		zap.Duration("capture_interval", a.captureInterval()),
	)
	return nil
}

// Stop shuts the capture loop and the coordinator connection down.
func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return fmt.Errorf("agent is not running")
	}

	a.cancel()
	<-a.done
	a.client.Close()

	a.running = false
	a.logger.Info("agent stopped")
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop.
func (a *Agent) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *Agent) captureInterval() time.Duration {
	a.intervalMu.Lock()
	defer a.intervalMu.Unlock()
	return a.interval
}

// setCaptureInterval swaps the loop cadence and wakes the loop so the new
// interval takes effect immediately.
func (a *Agent) setCaptureInterval(d time.Duration) {
	a.intervalMu.Lock()
	a.interval = d
	a.intervalMu.Unlock()

	select {
	case a.reset <- struct{}{}:
	default:
	}
}

func (a *Agent) captureLoop(ctx context.Context) {
	defer close(a.done)

	timer := time.NewTimer(a.captureInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.reset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(a.captureInterval())
		case <-timer.C:
			a.captureAndUpload(ctx)
			timer.Reset(a.captureInterval())
		}
	}
}

// captureAndUpload takes one picture and ships it. Failures are logged and
// the loop carries on; the next tick tries again.
func (a *Agent) captureAndUpload(ctx context.Context) {
	data, filename, err := a.capturer.Capture(ctx)
	if err != nil {
		a.logger.Warn("capture failed", zap.Error(err))
		return
	}

	if err := a.uploader.Upload(ctx, a.deviceID, filename, data); err != nil {
		a.logger.Warn("upload failed",
			zap.String("filename", filename),
			zap.Error(err),
		)
	}
}

func (a *Agent) handleCapture(ctx context.Context, _ json.RawMessage) error {
	a.logger.Info("capture command received")
	a.captureAndUpload(ctx)
	return nil
}

type setIntervalPayload struct {
	IntervalSec int `json:"interval_sec"`
}

func (a *Agent) handleSetInterval(_ context.Context, payload json.RawMessage) error {
	var p setIntervalPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("parse set_interval payload: %w", err)
	}
	if p.IntervalSec <= 0 {
		return fmt.Errorf("set_interval: interval_sec must be positive, got %d", p.IntervalSec)
	}

	a.setCaptureInterval(time.Duration(p.IntervalSec) * time.Second)
	a.logger.Info("capture interval updated", zap.Int("interval_sec", p.IntervalSec))
	return nil
}
