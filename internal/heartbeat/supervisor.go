// Package heartbeat probes backend liveness for the process as a whole,
// independent of any single conversation, and drives reconnection with
// exponential backoff when probes fail.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Prober issues a minimal read against the backend. Implementations should
// be cheap; the probe runs on every heartbeat interval.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Config controls heartbeat behavior.
type Config struct {
	// Interval between probes.
	Interval time.Duration
	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration
	// ReconnectBaseDelay is the delay after the first failed probe.
	ReconnectBaseDelay time.Duration
	// ReconnectMaxDelay caps the reconnect delay.
	ReconnectMaxDelay time.Duration
	// MaxReconnectAttempts bounds scheduled reconnects between successes.
	MaxReconnectAttempts int
}

// DefaultConfig returns the baseline heartbeat settings: a 30s probe
// interval with reconnects at min(1s * 2^attempts, 30s).
func DefaultConfig() Config {
	return Config{
		Interval:             30 * time.Second,
		ProbeTimeout:         10 * time.Second,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// Status is the externally visible heartbeat state.
type Status struct {
	IsOnline           bool      `json:"is_online"`
	IsBackendConnected bool      `json:"is_backend_connected"`
	LastHeartbeatAt    time.Time `json:"last_heartbeat_at,omitempty"`
	ReconnectAttempts  int       `json:"reconnect_attempts"`
}

// Supervisor runs the liveness probe loop. It also accepts OS-level network
// signals: going offline marks the backend disconnected without waiting for
// the next probe, and coming back online triggers an immediate probe.
type Supervisor struct {
	prober Prober
	config Config
	logger *slog.Logger

	mu             sync.Mutex
	running        bool
	online         bool
	connected      bool
	lastHeartbeat  time.Time
	attempts       int
	reconnectTimer *time.Timer
	stopCh         chan struct{}
	doneCh         chan struct{}
	ctx            context.Context
}

// Option configures the supervisor.
type Option func(*Supervisor)

// WithLogger sets the supervisor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSupervisor creates a heartbeat supervisor.
func NewSupervisor(prober Prober, config Config, opts ...Option) *Supervisor {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	if config.ReconnectBaseDelay <= 0 {
		config.ReconnectBaseDelay = DefaultConfig().ReconnectBaseDelay
	}
	if config.ReconnectMaxDelay <= 0 {
		config.ReconnectMaxDelay = DefaultConfig().ReconnectMaxDelay
	}
	if config.MaxReconnectAttempts <= 0 {
		config.MaxReconnectAttempts = DefaultConfig().MaxReconnectAttempts
	}
	s := &Supervisor{
		prober: prober,
		config: config,
		logger: slog.Default().With("component", "heartbeat"),
		online: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the probe loop with an immediate first probe. Calling Start
// while running is a no-op.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.ctx = ctx
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.running = false
			if s.reconnectTimer != nil {
				s.reconnectTimer.Stop()
				s.reconnectTimer = nil
			}
			s.mu.Unlock()
			close(doneCh)
		}()

		s.probe(ctx)

		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				s.probe(ctx)
			}
		}
	}()
}

// Stop halts the probe loop and cancels any scheduled reconnect.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()

	<-doneCh
}

// Snapshot returns the current heartbeat status.
func (s *Supervisor) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		IsOnline:           s.online,
		IsBackendConnected: s.connected,
		LastHeartbeatAt:    s.lastHeartbeat,
		ReconnectAttempts:  s.attempts,
	}
}

// ForceReconnect cancels any scheduled reconnect, resets the attempt
// counter, and probes immediately.
func (s *Supervisor) ForceReconnect(ctx context.Context) {
	s.mu.Lock()
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.attempts = 0
	s.mu.Unlock()

	s.probe(ctx)
}

// SetOnline feeds OS-level connectivity signals. Offline marks the backend
// disconnected immediately; online triggers an immediate forced probe.
func (s *Supervisor) SetOnline(online bool) {
	s.mu.Lock()
	s.online = online
	ctx := s.ctx
	if !online {
		s.connected = false
		if s.reconnectTimer != nil {
			s.reconnectTimer.Stop()
			s.reconnectTimer = nil
		}
		s.mu.Unlock()
		s.logger.Warn("network offline, backend marked disconnected")
		return
	}
	s.mu.Unlock()

	s.logger.Info("network online, probing backend")
	if ctx == nil {
		ctx = context.Background()
	}
	s.ForceReconnect(ctx)
}

// probe issues one liveness read and updates state.
func (s *Supervisor) probe(ctx context.Context) {
	s.mu.Lock()
	if !s.online {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, s.config.ProbeTimeout)
	err := s.prober.Probe(probeCtx)
	cancel()

	if err == nil {
		s.mu.Lock()
		s.connected = true
		s.attempts = 0
		s.lastHeartbeat = time.Now()
		if s.reconnectTimer != nil {
			s.reconnectTimer.Stop()
			s.reconnectTimer = nil
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.connected = false
	attempts := s.attempts
	if attempts >= s.config.MaxReconnectAttempts {
		s.mu.Unlock()
		s.logger.Error("backend unreachable, reconnect attempts exhausted",
			"attempts", attempts, "error", err)
		return
	}
	s.attempts++
	delay := s.reconnectDelay(attempts)
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.reconnectTimer = nil
		running := s.running
		s.mu.Unlock()
		if running {
			s.probe(ctx)
		}
	})
	s.mu.Unlock()

	s.logger.Warn("heartbeat probe failed, reconnect scheduled",
		"attempt", attempts+1, "delay", delay, "error", err)
}

// reconnectDelay is min(base * 2^attempts, max).
func (s *Supervisor) reconnectDelay(attempts int) time.Duration {
	delay := s.config.ReconnectBaseDelay
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= s.config.ReconnectMaxDelay {
			return s.config.ReconnectMaxDelay
		}
	}
	if delay > s.config.ReconnectMaxDelay {
		return s.config.ReconnectMaxDelay
	}
	return delay
}
