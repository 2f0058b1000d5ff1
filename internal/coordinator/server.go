package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/snapsentinel/snapsentinel/internal/config"
	"go.uber.org/zap"
)

// Server owns the coordinator lifecycle: the hub loop, the HTTP listener,
// and background maintenance.
type Server struct {
	cfg      *config.CoordinatorConfig
	logger   *zap.Logger
	hub      *Hub
	registry *Registry
	api      *API

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	httpShutdown func(ctx context.Context) error
}

// NewServer builds the hub on the server's own context so cancellation in
// Stop unwinds every connection pump. The HTTP API is attached afterwards
// with SetAPI because it needs the hub for the WebSocket routes.
func NewServer(cfg *config.CoordinatorConfig, registry *Registry, sessions *SessionMap, broadcaster *Broadcaster, notifier Notifier, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		logger: logger,
		hub: NewHub(
			ctx,
			registry,
			sessions,
			broadcaster,
			notifier,
			cfg.Server.AllowedOrigins,
			time.Duration(cfg.Server.HeartbeatIntervalSec)*time.Second,
			cfg.Server.HeartbeatTimeoutCount,
			logger,
		),
		registry: registry,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Server) SetAPI(api *API) {
	s.api = api
}

// Start launches the hub loop, the maintenance loop, and the HTTP server.
func (s *Server) Start() error {
	if s.api == nil {
		return fmt.Errorf("server has no http api attached")
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("coordinator starting",
		zap.Int("port", s.cfg.Server.Port),
		zap.Int("heartbeat_interval_sec", s.cfg.Server.HeartbeatIntervalSec),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run()
	}()

	s.wg.Add(1)
	go s.maintenanceLoop()

	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      s.api.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("http server starting", zap.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()
	s.httpShutdown = httpSrv.Shutdown

	return nil
}

// Stop shuts down the HTTP listener, cancels the server context, and waits
// for the hub and maintenance loops to drain.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.mu.Unlock()

	s.logger.Info("coordinator shutting down gracefully")

	if s.httpShutdown != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpShutdown(shutdownCtx); err != nil {
			s.logger.Error("http shutdown error", zap.Error(err))
		}
		shutdownCancel()
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("coordinator shutdown complete")
	case <-time.After(10 * time.Second):
		s.logger.Warn("coordinator shutdown timeout exceeded")
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	return nil
}

// maintenanceLoop evicts long-offline devices when retention is configured.
// With retention disabled it only waits for shutdown.
func (s *Server) maintenanceLoop() {
	defer s.wg.Done()

	if s.cfg.Retention.OfflineMaxAgeHours <= 0 {
		s.logger.Debug("retention disabled, device history kept for process lifetime")
		<-s.ctx.Done()
		return
	}

	maxAge := time.Duration(s.cfg.Retention.OfflineMaxAgeHours) * time.Hour
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	s.logger.Info("retention maintenance started", zap.Duration("offline_max_age", maxAge))

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if evicted := s.registry.EvictOffline(maxAge); evicted > 0 {
				s.logger.Info("evicted offline devices", zap.Int("count", evicted))
			}
		}
	}
}

// IsRunning reports whether Start has been called without a matching Stop.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Context returns the server's context for cancellation propagation.
func (s *Server) Context() context.Context {
	return s.ctx
}

func (s *Server) Hub() *Hub {
	return s.hub
}
