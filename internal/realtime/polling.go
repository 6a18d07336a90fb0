package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kindredhq/kindred/internal/observability"
	"github.com/kindredhq/kindred/internal/storage"
	"github.com/kindredhq/kindred/pkg/models"
)

// MessageHandler consumes messages delivered via push or polling replay.
type MessageHandler func(*models.Message)

// Poller is the cursor-based polling substitute for push delivery. It is
// activated while the push channel is unhealthy and stopped the moment push
// delivery resumes. Delivery is at-least-once; the poller dedupes by message
// ID and the cursor only moves forward, so within one run no message is
// replayed twice and none with a newer CreatedAt is skipped.
type Poller struct {
	store    storage.MessageStore
	interval time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics
	nowFunc  func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	cursor  time.Time
	seen    map[string]struct{}
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollerLogger sets the poller logger.
func WithPollerLogger(logger *slog.Logger) PollerOption {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPollerMetrics records polling tick outcomes.
func WithPollerMetrics(metrics *observability.Metrics) PollerOption {
	return func(p *Poller) {
		p.metrics = metrics
	}
}

// WithPollerNow overrides the clock for tests.
func WithPollerNow(now func() time.Time) PollerOption {
	return func(p *Poller) {
		if now != nil {
			p.nowFunc = now
		}
	}
}

// NewPoller creates a polling fallback over the message store. A
// non-positive interval falls back to 5 seconds.
func NewPoller(store storage.MessageStore, interval time.Duration, opts ...PollerOption) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	p := &Poller{
		store:    store,
		interval: interval,
		logger:   slog.Default().With("component", "realtime.poller"),
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins polling the session's messages. The cursor is initialized to
// the current time, so only rows inserted after Start are replayed. Calling
// Start while running is a no-op.
func (p *Poller) Start(ctx context.Context, sessionID string, onMessage MessageHandler) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.cursor = p.nowFunc()
	p.seen = make(map[string]struct{})
	stopCh := p.stopCh
	doneCh := p.doneCh
	p.mu.Unlock()

	p.logger.Debug("polling fallback started", "session_id", sessionID, "interval", p.interval)

	go func() {
		defer func() {
			p.mu.Lock()
			p.running = false
			p.mu.Unlock()
			close(doneCh)
		}()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				p.tick(ctx, sessionID, onMessage)
			}
		}
	}()
}

// tick runs one polling query. Store failures skip the tick; the timer keeps
// running.
func (p *Poller) tick(ctx context.Context, sessionID string, onMessage MessageHandler) {
	p.mu.Lock()
	cursor := p.cursor
	p.mu.Unlock()

	messages, err := p.store.ListSince(ctx, sessionID, cursor)
	if err != nil {
		if p.metrics != nil {
			p.metrics.PollingTicks.WithLabelValues("error").Inc()
		}
		p.logger.Warn("polling query failed, skipping tick",
			"session_id", sessionID, "error", err)
		return
	}
	if p.metrics != nil {
		p.metrics.PollingTicks.WithLabelValues("ok").Inc()
	}

	for _, msg := range messages {
		p.mu.Lock()
		if _, dup := p.seen[msg.ID]; dup {
			p.mu.Unlock()
			continue
		}
		p.seen[msg.ID] = struct{}{}
		if msg.CreatedAt.After(p.cursor) {
			p.cursor = msg.CreatedAt
		}
		p.mu.Unlock()

		onMessage(msg)
	}
}

// Stop halts polling. It is idempotent and safe to call when the poller was
// never started; once it returns, no further onMessage calls are made.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	doneCh := p.doneCh
	p.mu.Unlock()

	<-doneCh
}

// IsRunning reports whether the poller is active.
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Cursor returns the current replay cursor.
func (p *Poller) Cursor() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}
