package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 45 * time.Second
	wsPingInterval = 15 * time.Second
	wsMaxPayload   = 1 << 20
)

// wsFrame is the JSON frame exchanged with the realtime gateway.
type wsFrame struct {
	Type    string          `json:"type"` // join, joined, leave, event, error, ping
	Topic   string          `json:"topic,omitempty"`
	Event   string          `json:"event,omitempty"`
	Filter  string          `json:"filter,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// WSClient is a push-channel client over a single websocket connection.
// Channels join and leave topics on the shared socket; events are fanned
// out to every channel joined to the frame's topic.
type WSClient struct {
	url    string
	logger *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	channels map[string][]*wsChannel // keyed by topic
	closed   bool
	doneCh   chan struct{}
}

// WSClientOption configures a WSClient.
type WSClientOption func(*WSClient)

// WithWSLogger sets the client logger.
func WithWSLogger(logger *slog.Logger) WSClientOption {
	return func(c *WSClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// DialWS connects to the realtime gateway and starts the read loop.
func DialWS(ctx context.Context, url string, opts ...WSClientOption) (*WSClient, error) {
	c := &WSClient{
		url:      url,
		logger:   slog.Default().With("component", "realtime.ws"),
		channels: make(map[string][]*wsChannel),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime gateway: %w", err)
	}
	conn.SetReadLimit(wsMaxPayload)
	c.conn = conn

	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// Channel returns a new channel for the topic. Each call creates a distinct
// channel object; the subscription registry is responsible for sharing.
func (c *WSClient) Channel(topic string) Channel {
	ch := &wsChannel{client: c, topic: topic}
	c.mu.Lock()
	c.channels[topic] = append(c.channels[topic], ch)
	c.mu.Unlock()
	return ch
}

// Remove unsubscribes and releases a channel.
func (c *WSClient) Remove(ch Channel) error {
	wsCh, ok := ch.(*wsChannel)
	if !ok {
		return fmt.Errorf("realtime: channel does not belong to this client")
	}
	if err := wsCh.Unsubscribe(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	siblings := c.channels[wsCh.topic]
	for i, sibling := range siblings {
		if sibling == wsCh {
			c.channels[wsCh.topic] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	if len(c.channels[wsCh.topic]) == 0 {
		delete(c.channels, wsCh.topic)
	}
	return nil
}

// Close tears down every channel and the socket.
func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	channels := c.channels
	c.channels = make(map[string][]*wsChannel)
	c.mu.Unlock()

	for _, topicChannels := range channels {
		for _, ch := range topicChannels {
			ch.markClosed(nil)
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait))
	err := conn.Close()
	<-c.doneCh
	return err
}

func (c *WSClient) writeFrame(frame wsFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(frame)
}

func (c *WSClient) readLoop() {
	defer close(c.doneCh)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var frame wsFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			c.handleDisconnect(err)
			return
		}
		c.handleFrame(frame)
	}
}

func (c *WSClient) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.doneCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			closed := c.closed
			conn := c.conn
			c.mu.Unlock()
			if closed {
				return
			}
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
		}
	}
}

func (c *WSClient) handleFrame(frame wsFrame) {
	c.mu.Lock()
	topicChannels := make([]*wsChannel, len(c.channels[frame.Topic]))
	copy(topicChannels, c.channels[frame.Topic])
	c.mu.Unlock()

	switch frame.Type {
	case "joined":
		for _, ch := range topicChannels {
			ch.markSubscribed()
		}
	case "error":
		err := fmt.Errorf("channel error: %s", frame.Error)
		for _, ch := range topicChannels {
			ch.markErrored(err)
		}
	case "event":
		ev := Event{Type: EventType(frame.Event), Payload: frame.Payload}
		for _, ch := range topicChannels {
			ch.deliver(ev, frame.Filter)
		}
	default:
		c.logger.Debug("unhandled frame", "type", frame.Type, "topic", frame.Topic)
	}
}

// handleDisconnect marks every channel closed when the socket drops. The
// subscription registry and supervisors own the reconnect policy.
func (c *WSClient) handleDisconnect(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	channels := c.channels
	c.channels = make(map[string][]*wsChannel)
	c.mu.Unlock()

	c.logger.Warn("realtime socket dropped", "error", cause)
	for _, topicChannels := range channels {
		for _, ch := range topicChannels {
			ch.markClosed(cause)
		}
	}
}

// wsChannel is one logical join on the shared socket.
type wsChannel struct {
	client *WSClient
	topic  string

	mu        sync.Mutex
	listeners []wsListener
	onStatus  StatusHandler
	state     ChannelState
}

type wsListener struct {
	eventType EventType
	filter    string
	fn        EventHandler
}

func (ch *wsChannel) Topic() string {
	return ch.topic
}

func (ch *wsChannel) On(eventType EventType, filter string, fn EventHandler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.listeners = append(ch.listeners, wsListener{eventType: eventType, filter: filter, fn: fn})
}

func (ch *wsChannel) Subscribe(ctx context.Context, onStatus StatusHandler) error {
	ch.mu.Lock()
	ch.onStatus = onStatus
	ch.state = ChannelJoining
	ch.mu.Unlock()

	if err := ch.client.writeFrame(wsFrame{Type: "join", Topic: ch.topic}); err != nil {
		return fmt.Errorf("join %s: %w", ch.topic, err)
	}
	return nil
}

func (ch *wsChannel) Unsubscribe() error {
	ch.mu.Lock()
	if ch.state == ChannelClosed {
		ch.mu.Unlock()
		return nil
	}
	ch.state = ChannelClosed
	ch.onStatus = nil
	ch.listeners = nil
	ch.mu.Unlock()

	err := ch.client.writeFrame(wsFrame{Type: "leave", Topic: ch.topic})
	if err != nil && err != ErrClosed {
		return fmt.Errorf("leave %s: %w", ch.topic, err)
	}
	return nil
}

func (ch *wsChannel) deliver(ev Event, filter string) {
	ch.mu.Lock()
	listeners := make([]wsListener, len(ch.listeners))
	copy(listeners, ch.listeners)
	ch.mu.Unlock()

	for _, listener := range listeners {
		if listener.eventType != ev.Type {
			continue
		}
		if listener.filter != "" && filter != "" && listener.filter != filter {
			continue
		}
		listener.fn(ev)
	}
}

func (ch *wsChannel) markSubscribed() {
	ch.notify(ChannelSubscribed, nil)
}

func (ch *wsChannel) markErrored(err error) {
	ch.notify(ChannelErrored, err)
}

func (ch *wsChannel) markClosed(cause error) {
	ch.notify(ChannelClosed, cause)
}

func (ch *wsChannel) notify(state ChannelState, err error) {
	ch.mu.Lock()
	if ch.state == ChannelClosed && state != ChannelClosed {
		ch.mu.Unlock()
		return
	}
	ch.state = state
	onStatus := ch.onStatus
	ch.mu.Unlock()

	if onStatus != nil {
		onStatus(state, err)
	}
}
