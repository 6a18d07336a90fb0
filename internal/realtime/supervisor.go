package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kindredhq/kindred/internal/backoff"
	"github.com/kindredhq/kindred/internal/observability"
	"github.com/kindredhq/kindred/pkg/models"
)

// SessionHandler consumes session row updates.
type SessionHandler func(*models.Session)

// StateHandler observes connection state transitions.
type StateHandler func(models.ConnectionState)

// SupervisorConfig controls the per-session connection state machine.
type SupervisorConfig struct {
	// ActivationTimeout bounds how long a subscription may sit in
	// connecting before the supervisor treats it as failed, even if the
	// channel never reports an explicit error.
	ActivationTimeout time.Duration
	// MaxRetries bounds automatic reconnection attempts. After the limit
	// the supervisor surfaces a terminal error state; polling keeps data
	// flowing and ForceReconnect resets the counter.
	MaxRetries int
	// Retry is the delay policy between reconnection attempts.
	Retry backoff.Policy
}

// DefaultSupervisorConfig returns the baseline supervisor settings.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		ActivationTimeout: 10 * time.Second,
		MaxRetries:        5,
		Retry:             backoff.DefaultPolicy(),
	}
}

// SupervisorCallbacks are the upstream hooks the UI/business layer provides.
// OnMessage fires for every message insert observed via push or polling
// replay; the two sources are mutually exclusive in time, and the supervisor
// additionally dedupes by message ID around the switchover.
type SupervisorCallbacks struct {
	OnMessage       MessageHandler
	OnSessionUpdate SessionHandler
	OnStateChange   StateHandler
}

// Supervisor is the per-session connection controller. It opens one
// subscription for message inserts and one for session row updates, tracks
// connection quality, times out slow activations, and drives the fallback
// and retry policy.
type Supervisor struct {
	sessionID string
	registry  *Registry
	poller    *Poller
	config    SupervisorConfig
	callbacks SupervisorCallbacks
	logger    *slog.Logger
	metrics   *observability.Metrics
	nowFunc   func() time.Time

	mu     sync.Mutex
	state  models.ConnectionState
	opened bool
	closed bool
	// generation discards callbacks from subscriptions belonging to an
	// earlier connection attempt.
	generation int

	msgSubID   SubscriptionID
	msgToken   HandlerToken
	sessSubID  SubscriptionID
	sessToken  HandlerToken
	subscribed bool

	retryTimer      *time.Timer
	activationTimer *time.Timer

	seen map[string]struct{} // delivered message IDs

	ctx    context.Context
	cancel context.CancelFunc
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithSupervisorLogger sets the supervisor logger.
func WithSupervisorLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger.With("session_id", s.sessionID)
		}
	}
}

// WithSupervisorConfig overrides the supervisor settings.
func WithSupervisorConfig(config SupervisorConfig) SupervisorOption {
	return func(s *Supervisor) {
		if config.ActivationTimeout > 0 {
			s.config.ActivationTimeout = config.ActivationTimeout
		}
		if config.MaxRetries > 0 {
			s.config.MaxRetries = config.MaxRetries
		}
		if config.Retry.InitialMs > 0 {
			s.config.Retry = config.Retry
		}
	}
}

// WithSupervisorMetrics records delivery and reconnect churn.
func WithSupervisorMetrics(metrics *observability.Metrics) SupervisorOption {
	return func(s *Supervisor) {
		s.metrics = metrics
	}
}

// WithSupervisorNow overrides the clock for tests.
func WithSupervisorNow(now func() time.Time) SupervisorOption {
	return func(s *Supervisor) {
		if now != nil {
			s.nowFunc = now
		}
	}
}

// NewSupervisor creates a connection supervisor for one session.
func NewSupervisor(sessionID string, registry *Registry, poller *Poller, callbacks SupervisorCallbacks, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		sessionID: sessionID,
		registry:  registry,
		poller:    poller,
		config:    DefaultSupervisorConfig(),
		callbacks: callbacks,
		logger:    slog.Default().With("component", "realtime.supervisor", "session_id", sessionID),
		nowFunc:   time.Now,
		state: models.ConnectionState{
			Status:  models.ConnDisconnected,
			Quality: models.QualityUnknown,
		},
		seen: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MessageTopic returns the push topic carrying a session's message inserts.
func MessageTopic(sessionID string) string {
	return "session:" + sessionID + ":messages"
}

// SessionTopic returns the push topic carrying a session's row updates.
func SessionTopic(sessionID string) string {
	return "session:" + sessionID
}

// Open starts the supervisor. It transitions disconnected -> connecting and
// begins channel activation. Open may only be called once.
func (s *Supervisor) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.opened {
		s.mu.Unlock()
		return fmt.Errorf("realtime: supervisor already open")
	}
	s.opened = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.transition(func(state *models.ConnectionState) {
		state.Status = models.ConnConnecting
	})
	s.connect()
	return nil
}

// State returns the current connection state.
func (s *Supervisor) State() models.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ForceReconnect cancels any scheduled retry, resets the retry counter, and
// re-enters connecting unconditionally.
func (s *Supervisor) ForceReconnect() {
	s.mu.Lock()
	if s.closed || !s.opened {
		s.mu.Unlock()
		return
	}
	s.stopTimersLocked()
	s.state.RetryCount = 0
	s.mu.Unlock()

	s.teardownSubscriptions()
	s.transition(func(state *models.ConnectionState) {
		state.Status = models.ConnConnecting
		state.RetryCount = 0
	})
	s.connect()
}

// Close tears down subscriptions, stops any fallback, cancels timers, and
// transitions to disconnected. No callbacks fire after Close returns.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.generation++
	s.stopTimersLocked()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.teardownSubscriptions()
	if s.poller != nil {
		s.poller.Stop()
	}

	s.mu.Lock()
	s.state.Status = models.ConnDisconnected
	s.mu.Unlock()
	s.logger.Debug("supervisor closed")
}

// connect opens the message and session subscriptions for the current
// generation and arms the activation timeout.
func (s *Supervisor) connect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.generation++
	gen := s.generation
	ctx := s.ctx
	s.subscribed = false
	s.activationTimer = time.AfterFunc(s.config.ActivationTimeout, func() {
		s.onActivationTimeout(gen)
	})
	s.mu.Unlock()

	onMessageEvent := func(ev Event) { s.handleMessageEvent(gen, ev) }
	onSessionEvent := func(ev Event) { s.handleSessionEvent(gen, ev) }
	onStatus := func(state ChannelState, err error) { s.handleChannelStatus(gen, state, err) }

	msgID, msgToken, err := s.registry.SubscribeWithStatus(ctx,
		MessageTopic(s.sessionID), EventInsert, "session_id=eq."+s.sessionID,
		onMessageEvent, onStatus)
	if err != nil {
		s.handleChannelStatus(gen, ChannelErrored, err)
		return
	}
	sessID, sessToken, err := s.registry.Subscribe(ctx,
		SessionTopic(s.sessionID), EventUpdate, "id=eq."+s.sessionID,
		onSessionEvent)
	if err != nil {
		s.handleChannelStatus(gen, ChannelErrored, err)
		return
	}

	s.mu.Lock()
	s.msgSubID, s.msgToken = msgID, msgToken
	s.sessSubID, s.sessToken = sessID, sessToken
	s.mu.Unlock()
}

// handleChannelStatus drives the state machine from channel activation
// signals on the message subscription.
func (s *Supervisor) handleChannelStatus(gen int, state ChannelState, err error) {
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	switch state {
	case ChannelSubscribed:
		s.onConnected(gen)
	case ChannelErrored, ChannelTimedOut:
		if err == nil {
			err = fmt.Errorf("channel %s", state)
		}
		s.onChannelDown(gen, err)
	case ChannelClosed:
		s.mu.Lock()
		wasConnected := s.state.Status == models.ConnConnected
		s.mu.Unlock()
		if wasConnected {
			s.onChannelDown(gen, fmt.Errorf("channel closed"))
		}
	}
}

func (s *Supervisor) onConnected(gen int) {
	s.mu.Lock()
	if s.closed || gen != s.generation || s.subscribed {
		s.mu.Unlock()
		return
	}
	s.subscribed = true
	s.stopTimersLocked()
	retries := s.state.RetryCount
	s.mu.Unlock()

	// Fallback is stopped the instant push delivery resumes.
	if s.poller != nil {
		s.poller.Stop()
	}

	s.transition(func(state *models.ConnectionState) {
		state.Status = models.ConnConnected
		state.RetryCount = 0
		state.LastError = ""
		state.LastConnectedAt = s.nowFunc()
		switch {
		case retries == 0:
			state.Quality = models.QualityExcellent
		case retries <= 2:
			state.Quality = models.QualityGood
		default:
			state.Quality = models.QualityPoor
		}
	})
	s.logger.Info("realtime connected", "retries", retries)
}

func (s *Supervisor) onActivationTimeout(gen int) {
	s.mu.Lock()
	if s.closed || gen != s.generation || s.subscribed {
		s.mu.Unlock()
		return
	}
	s.activationTimer = nil
	s.mu.Unlock()

	s.logger.Warn("channel activation timed out", "timeout", s.config.ActivationTimeout)
	s.onChannelDown(gen, ErrActivationTimeout)
}

// onChannelDown enters the error state, starts the polling fallback
// immediately, and schedules a retry if the budget allows.
func (s *Supervisor) onChannelDown(gen int, cause error) {
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	if s.activationTimer != nil {
		s.activationTimer.Stop()
		s.activationTimer = nil
	}
	s.subscribed = false
	// RetryCount caps at MaxRetries; a failure past the budget goes
	// terminal without incrementing further.
	exhausted := s.state.RetryCount >= s.config.MaxRetries
	if !exhausted {
		s.state.RetryCount++
	}
	retryCount := s.state.RetryCount
	ctx := s.ctx
	s.mu.Unlock()

	s.transition(func(state *models.ConnectionState) {
		state.Status = models.ConnError
		state.Quality = models.QualityUnknown
		state.LastError = displayReason(cause)
	})

	if s.poller != nil && !s.poller.IsRunning() {
		s.poller.Start(ctx, s.sessionID, func(msg *models.Message) {
			s.deliver(msg, "poll")
		})
	}

	if exhausted {
		s.logger.Error("max reconnect attempts exceeded, relying on polling fallback",
			"attempts", s.config.MaxRetries, "error", cause)
		s.transition(func(state *models.ConnectionState) {
			state.LastError = displayReason(ErrMaxRetries)
		})
		return
	}

	if s.metrics != nil {
		s.metrics.ReconnectAttempts.WithLabelValues("supervisor").Inc()
	}
	delay := backoff.Delay(s.config.Retry, retryCount)
	s.logger.Warn("realtime channel down, retry scheduled",
		"attempt", retryCount, "delay", delay, "error", cause)

	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = time.AfterFunc(delay, func() { s.retry(gen) })
	s.mu.Unlock()
}

func (s *Supervisor) retry(gen int) {
	s.mu.Lock()
	if s.closed || gen != s.generation || s.subscribed {
		// The channel may have recovered through a registry-level
		// activation retry while this timer was pending.
		s.mu.Unlock()
		return
	}
	s.retryTimer = nil
	s.mu.Unlock()

	s.teardownSubscriptions()
	s.transition(func(state *models.ConnectionState) {
		state.Status = models.ConnConnecting
	})
	s.connect()
}

func (s *Supervisor) teardownSubscriptions() {
	s.mu.Lock()
	msgID, msgToken := s.msgSubID, s.msgToken
	sessID, sessToken := s.sessSubID, s.sessToken
	s.msgSubID, s.msgToken = "", ""
	s.sessSubID, s.sessToken = "", ""
	s.mu.Unlock()

	if msgID != "" {
		if err := s.registry.Unsubscribe(msgID, msgToken); err != nil {
			s.logger.Debug("unsubscribe messages", "error", err)
		}
	}
	if sessID != "" {
		if err := s.registry.Unsubscribe(sessID, sessToken); err != nil {
			s.logger.Debug("unsubscribe session", "error", err)
		}
	}
}

func (s *Supervisor) stopTimersLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.activationTimer != nil {
		s.activationTimer.Stop()
		s.activationTimer = nil
	}
}

// transition applies a state mutation and notifies the state observer.
func (s *Supervisor) transition(mutate func(*models.ConnectionState)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	mutate(&s.state)
	state := s.state
	s.mu.Unlock()

	if s.callbacks.OnStateChange != nil {
		s.callbacks.OnStateChange(state)
	}
}

func (s *Supervisor) handleMessageEvent(gen int, ev Event) {
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	var msg models.Message
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		s.logger.Warn("malformed message event", "error", err)
		return
	}
	s.deliver(&msg, "push")
}

// deliver is the single delivery path shared by push events and polling
// replay. Delivery is at-least-once upstream, so it dedupes by message ID
// around the fallback switchover.
func (s *Supervisor) deliver(msg *models.Message, source string) {
	if msg == nil || msg.ID == "" {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, dup := s.seen[msg.ID]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[msg.ID] = struct{}{}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.MessagesDelivered.WithLabelValues(source).Inc()
	}
	if s.callbacks.OnMessage != nil {
		s.callbacks.OnMessage(msg)
	}
}

func (s *Supervisor) handleSessionEvent(gen int, ev Event) {
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	var session models.Session
	if err := json.Unmarshal(ev.Payload, &session); err != nil {
		s.logger.Warn("malformed session event", "error", err)
		return
	}
	if s.callbacks.OnSessionUpdate != nil {
		s.callbacks.OnSessionUpdate(&session)
	}
}

// displayReason converts transport errors into a reason string suitable for
// display; raw error objects never reach the UI layer.
func displayReason(err error) string {
	switch {
	case err == nil:
		return ""
	case err == ErrActivationTimeout:
		return "Connection timeout"
	case err == ErrMaxRetries:
		return "Connection failed"
	default:
		return err.Error()
	}
}
