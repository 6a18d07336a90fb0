// Package realtime keeps a client's view of a conversation synchronized with
// the shared message store over an unreliable push channel, falling back to
// cursor-based polling while the channel is down.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
)

// EventType is the kind of store change delivered over a push channel.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
)

// ChannelState is the activation status reported by a push channel.
type ChannelState string

const (
	ChannelJoining    ChannelState = "joining"
	ChannelSubscribed ChannelState = "subscribed"
	ChannelErrored    ChannelState = "errored"
	ChannelTimedOut   ChannelState = "timed_out"
	ChannelClosed     ChannelState = "closed"
)

var (
	// ErrClosed is returned when an operation is attempted on a closed
	// registry, supervisor, or channel.
	ErrClosed = errors.New("realtime: closed")
	// ErrActivationTimeout is reported when a channel never reaches the
	// subscribed state within the configured window.
	ErrActivationTimeout = errors.New("realtime: channel activation timed out")
	// ErrMaxRetries is surfaced when automatic reconnection gives up.
	ErrMaxRetries = errors.New("realtime: max reconnect attempts exceeded")
)

// Event is a single store change notification.
type Event struct {
	Type    EventType       `json:"type"`
	Table   string          `json:"table"`
	Payload json.RawMessage `json:"payload"`
}

// EventHandler consumes push events.
type EventHandler func(Event)

// StatusHandler observes channel activation state changes. err is non-nil
// for errored and timed_out states.
type StatusHandler func(state ChannelState, err error)

// Channel is one physical push channel scoped to a topic. A channel carries
// any number of (eventType, filter) listeners but is subscribed exactly once.
type Channel interface {
	// Topic returns the channel's topic name.
	Topic() string
	// On registers a listener for events matching the type and filter.
	// An empty filter matches every event of the type.
	On(eventType EventType, filter string, fn EventHandler)
	// Subscribe activates the channel. Status transitions, including the
	// initial result, are delivered through onStatus.
	Subscribe(ctx context.Context, onStatus StatusHandler) error
	// Unsubscribe deactivates the channel and drops its listeners.
	Unsubscribe() error
}

// Client owns physical channel objects. The subscription registry is the
// only component that talks to a Client directly.
type Client interface {
	// Channel returns a channel for the topic, creating it if needed.
	Channel(topic string) Channel
	// Remove unsubscribes and releases a channel.
	Remove(ch Channel) error
	// Close releases every channel and the underlying transport.
	Close() error
}
