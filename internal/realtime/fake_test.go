package realtime

import (
	"context"
	"sync"
)

// fakeChannel is a scriptable push channel for tests. Subscribe consumes one
// scripted error per call; with no script it succeeds and, when autoJoin is
// set, reports subscribed synchronously.
type fakeChannel struct {
	topic  string
	client *fakeClient

	mu             sync.Mutex
	listeners      []fakeListener
	onStatus       StatusHandler
	subscribeCalls int
	unsubscribes   int
}

type fakeListener struct {
	eventType EventType
	filter    string
	fn        EventHandler
}

func (ch *fakeChannel) Topic() string { return ch.topic }

func (ch *fakeChannel) On(eventType EventType, filter string, fn EventHandler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.listeners = append(ch.listeners, fakeListener{eventType, filter, fn})
}

func (ch *fakeChannel) Subscribe(ctx context.Context, onStatus StatusHandler) error {
	ch.mu.Lock()
	ch.subscribeCalls++
	ch.onStatus = onStatus
	ch.mu.Unlock()

	ch.client.mu.Lock()
	var scripted error
	hasScript := false
	if len(ch.client.script) > 0 {
		scripted = ch.client.script[0]
		ch.client.script = ch.client.script[1:]
		hasScript = true
	}
	autoJoin := ch.client.autoJoin
	ch.client.mu.Unlock()

	if hasScript && scripted != nil {
		return scripted
	}
	if autoJoin {
		onStatus(ChannelSubscribed, nil)
	}
	return nil
}

func (ch *fakeChannel) Unsubscribe() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.unsubscribes++
	ch.onStatus = nil
	ch.listeners = nil
	return nil
}

// emit delivers an event to listeners matching type and filter.
func (ch *fakeChannel) emit(ev Event, filter string) {
	ch.mu.Lock()
	listeners := make([]fakeListener, len(ch.listeners))
	copy(listeners, ch.listeners)
	ch.mu.Unlock()
	for _, l := range listeners {
		if l.eventType != ev.Type {
			continue
		}
		if l.filter != "" && filter != "" && l.filter != filter {
			continue
		}
		l.fn(ev)
	}
}

// report pushes a status transition to the channel's observer.
func (ch *fakeChannel) report(state ChannelState, err error) {
	ch.mu.Lock()
	onStatus := ch.onStatus
	ch.mu.Unlock()
	if onStatus != nil {
		onStatus(state, err)
	}
}

// fakeClient hands out fakeChannels and records churn. script holds errors
// returned by successive Subscribe calls across all channels.
type fakeClient struct {
	mu       sync.Mutex
	channels map[string][]*fakeChannel
	created  int
	removed  int
	autoJoin bool
	script   []error
}

func newFakeClient(autoJoin bool) *fakeClient {
	return &fakeClient{
		channels: make(map[string][]*fakeChannel),
		autoJoin: autoJoin,
	}
}

func (c *fakeClient) Channel(topic string) Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := &fakeChannel{topic: topic, client: c}
	c.channels[topic] = append(c.channels[topic], ch)
	c.created++
	return ch
}

func (c *fakeClient) Remove(ch Channel) error {
	_ = ch.Unsubscribe()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed++
	return nil
}

func (c *fakeClient) Close() error { return nil }

// latest returns the most recently created channel for the topic.
func (c *fakeClient) latest(topic string) *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	chans := c.channels[topic]
	if len(chans) == 0 {
		return nil
	}
	return chans[len(chans)-1]
}

func (c *fakeClient) createdCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.created
}

func (c *fakeClient) removedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removed
}
