package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/kindredhq/kindred/internal/backoff"
	"github.com/kindredhq/kindred/internal/observability"
)

// SubscriptionID identifies one logical (topic, event, filter) subscription.
type SubscriptionID string

// HandlerToken identifies one handler registration within a subscription.
type HandlerToken string

// RegistryConfig controls subscription activation behavior.
type RegistryConfig struct {
	// MaxActivationRetries bounds automatic re-activation attempts per
	// subscription. Zero means use the default.
	MaxActivationRetries int
	// Backoff is the delay policy between activation attempts.
	Backoff backoff.Policy
}

// DefaultRegistryConfig returns baseline activation retry settings.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		MaxActivationRetries: 5,
		Backoff:              backoff.ChannelPolicy(),
	}
}

// RegistryStatus is a point-in-time view of the registry.
type RegistryStatus struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

type handlerEntry struct {
	token  HandlerToken
	fn     EventHandler
	status StatusHandler
}

type subscription struct {
	id        SubscriptionID
	topic     string
	eventType EventType
	filter    string
	channel   Channel

	mu         sync.Mutex
	handlers   []handlerEntry
	active     bool
	retryCount int
	lastErr    error
	cancel     context.CancelFunc // cancels a pending activation retry
}

func (s *subscription) dispatch(ev Event) {
	s.mu.Lock()
	handlers := make([]EventHandler, len(s.handlers))
	for i, entry := range s.handlers {
		handlers[i] = entry.fn
	}
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (s *subscription) notifyStatus(state ChannelState, err error) {
	s.mu.Lock()
	observers := make([]StatusHandler, 0, len(s.handlers))
	for _, entry := range s.handlers {
		if entry.status != nil {
			observers = append(observers, entry.status)
		}
	}
	s.mu.Unlock()
	for _, fn := range observers {
		fn(state, err)
	}
}

// Registry multiplexes many logical listeners onto few physical push
// channels. A (topic, eventType, filter) triple maps to exactly one channel;
// the channel is released when its last handler is removed. The registry is
// the only component permitted to own physical channel objects.
type Registry struct {
	client  Client
	config  RegistryConfig
	logger  *slog.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	subs   map[string]*subscription // keyed by topic|event|filter
	byID   map[SubscriptionID]*subscription
	closed bool
	wg     sync.WaitGroup
}

// RegistryOption configures the registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRegistryMetrics records activation churn and subscription counts.
func WithRegistryMetrics(metrics *observability.Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = metrics
	}
}

// WithRegistryConfig overrides activation retry settings.
func WithRegistryConfig(config RegistryConfig) RegistryOption {
	return func(r *Registry) {
		if config.MaxActivationRetries > 0 {
			r.config.MaxActivationRetries = config.MaxActivationRetries
		}
		if config.Backoff.InitialMs > 0 {
			r.config.Backoff = config.Backoff
		}
	}
}

// NewRegistry creates a subscription registry over the given push client.
func NewRegistry(client Client, opts ...RegistryOption) *Registry {
	r := &Registry{
		client: client,
		config: DefaultRegistryConfig(),
		logger: slog.Default().With("component", "realtime.registry"),
		subs:   make(map[string]*subscription),
		byID:   make(map[SubscriptionID]*subscription),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func subscriptionKey(topic string, eventType EventType, filter string) string {
	return strings.Join([]string{topic, string(eventType), filter}, "|")
}

// Subscribe registers a handler for (topic, eventType, filter). If an
// equivalent subscription already exists its channel is shared. Every
// registration gets its own token; Unsubscribe with that token removes
// exactly the handler it was issued for. Function identity is never
// compared, so distinct consumers built from the same closure stay
// independent.
func (r *Registry) Subscribe(ctx context.Context, topic string, eventType EventType, filter string, handler EventHandler) (SubscriptionID, HandlerToken, error) {
	return r.SubscribeWithStatus(ctx, topic, eventType, filter, handler, nil)
}

// SubscribeWithStatus is Subscribe with an activation status observer. The
// observer sees the shared channel's state transitions; if the subscription
// is already active it is told so immediately.
func (r *Registry) SubscribeWithStatus(ctx context.Context, topic string, eventType EventType, filter string, handler EventHandler, onStatus StatusHandler) (SubscriptionID, HandlerToken, error) {
	if handler == nil {
		return "", "", fmt.Errorf("realtime: handler is required")
	}

	key := subscriptionKey(topic, eventType, filter)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", "", ErrClosed
	}
	if sub, exists := r.subs[key]; exists {
		r.mu.Unlock()
		sub.mu.Lock()
		token := HandlerToken(uuid.New().String())
		sub.handlers = append(sub.handlers, handlerEntry{token: token, fn: handler, status: onStatus})
		active := sub.active
		sub.mu.Unlock()
		if active && onStatus != nil {
			onStatus(ChannelSubscribed, nil)
		}
		return sub.id, token, nil
	}

	sub := &subscription{
		id:        SubscriptionID(uuid.New().String()),
		topic:     topic,
		eventType: eventType,
		filter:    filter,
		channel:   r.client.Channel(topic),
	}
	token := HandlerToken(uuid.New().String())
	sub.handlers = []handlerEntry{{token: token, fn: handler, status: onStatus}}
	sub.channel.On(eventType, filter, sub.dispatch)
	r.subs[key] = sub
	r.byID[sub.id] = sub
	if r.metrics != nil {
		r.metrics.ActiveSubscriptions.Set(float64(len(r.subs)))
	}
	r.mu.Unlock()

	r.activate(ctx, sub)
	return sub.id, token, nil
}

// activate subscribes the channel and schedules backoff retries on failure.
func (r *Registry) activate(ctx context.Context, sub *subscription) {
	onStatus := func(state ChannelState, err error) {
		switch state {
		case ChannelSubscribed:
			sub.mu.Lock()
			sub.active = true
			sub.retryCount = 0
			sub.lastErr = nil
			sub.mu.Unlock()
		case ChannelErrored, ChannelTimedOut:
			sub.mu.Lock()
			sub.active = false
			sub.lastErr = err
			sub.mu.Unlock()
			r.scheduleRetry(ctx, sub, err)
		case ChannelClosed:
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
		sub.notifyStatus(state, err)
	}
	if err := sub.channel.Subscribe(ctx, onStatus); err != nil {
		sub.mu.Lock()
		sub.lastErr = err
		sub.mu.Unlock()
		r.scheduleRetry(ctx, sub, err)
		sub.notifyStatus(ChannelErrored, err)
	}
}

func (r *Registry) scheduleRetry(ctx context.Context, sub *subscription, cause error) {
	if backoff.IsPermanent(cause) {
		r.logger.Warn("subscription failed permanently",
			"topic", sub.topic, "event", sub.eventType, "error", cause)
		return
	}

	sub.mu.Lock()
	if sub.cancel != nil {
		// A retry is already pending for this subscription.
		sub.mu.Unlock()
		return
	}
	sub.retryCount++
	attempt := sub.retryCount
	if attempt > r.config.MaxActivationRetries {
		sub.mu.Unlock()
		r.logger.Error("subscription activation gave up",
			"topic", sub.topic, "event", sub.eventType,
			"attempts", attempt-1, "error", cause)
		return
	}
	retryCtx, cancel := context.WithCancel(ctx)
	sub.cancel = cancel
	sub.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ReconnectAttempts.WithLabelValues("registry").Inc()
	}

	r.logger.Warn("subscription activation failed, retrying",
		"topic", sub.topic, "event", sub.eventType,
		"attempt", attempt, "error", cause)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := backoff.Sleep(retryCtx, r.config.Backoff, attempt)
		sub.mu.Lock()
		sub.cancel = nil
		sub.mu.Unlock()
		if err != nil {
			return
		}
		r.activate(ctx, sub)
	}()
}

// Unsubscribe removes one handler from a subscription. The physical channel
// is released only when the last handler is removed.
func (r *Registry) Unsubscribe(id SubscriptionID, token HandlerToken) error {
	r.mu.Lock()
	sub, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("realtime: unknown subscription %s", id)
	}

	sub.mu.Lock()
	for i, entry := range sub.handlers {
		if entry.token == token {
			sub.handlers = append(sub.handlers[:i], sub.handlers[i+1:]...)
			break
		}
	}
	remaining := len(sub.handlers)
	var cancel context.CancelFunc
	if remaining == 0 {
		// Last handler gone: take the pending retry so the released
		// channel is never re-activated.
		cancel = sub.cancel
		sub.cancel = nil
	}
	sub.mu.Unlock()

	if remaining > 0 {
		r.mu.Unlock()
		return nil
	}

	delete(r.byID, id)
	delete(r.subs, subscriptionKey(sub.topic, sub.eventType, sub.filter))
	if r.metrics != nil {
		r.metrics.ActiveSubscriptions.Set(float64(len(r.subs)))
	}
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := r.client.Remove(sub.channel); err != nil {
		return fmt.Errorf("realtime: release channel: %w", err)
	}
	return nil
}

// ReconnectAll tears down and re-activates every subscription. Used after a
// transport-level reconnect.
func (r *Registry) ReconnectAll(ctx context.Context) {
	r.mu.Lock()
	subs := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}

	for _, sub := range subs {
		sub.mu.Lock()
		if sub.cancel != nil {
			sub.cancel()
			sub.cancel = nil
		}
		sub.active = false
		sub.retryCount = 0
		sub.mu.Unlock()

		_ = sub.channel.Unsubscribe()
		sub.channel = r.client.Channel(sub.topic)
		sub.channel.On(sub.eventType, sub.filter, sub.dispatch)
		r.activate(ctx, sub)
	}
}

// Status reports subscription counts.
func (r *Registry) Status() RegistryStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := RegistryStatus{Total: len(r.subs)}
	for _, sub := range r.subs {
		sub.mu.Lock()
		if sub.active {
			status.Active++
		}
		sub.mu.Unlock()
	}
	return status
}

// Close cancels pending retries and releases every channel. The registry
// cannot be reused afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subs = make(map[string]*subscription)
	r.byID = make(map[SubscriptionID]*subscription)
	if r.metrics != nil {
		r.metrics.ActiveSubscriptions.Set(0)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if sub.cancel != nil {
			sub.cancel()
			sub.cancel = nil
		}
		sub.mu.Unlock()
		_ = r.client.Remove(sub.channel)
	}
	r.wg.Wait()
	return nil
}
