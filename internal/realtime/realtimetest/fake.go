package realtimetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/markb/tableside/internal/realtime"
)

type fakeHandler struct {
	binding realtime.Binding
	handler realtime.Handler
}

// FakeChannel is an in-memory realtime.PresenceChannel. Events and statuses
// are injected with Emit and SendStatus.
type FakeChannel struct {
	topic string
	key   string

	mu           sync.Mutex
	handlers     []fakeHandler
	onStatus     realtime.StatusFunc
	subscribes   int
	unsubscribes int
	unsubErr     error
	gate         chan struct{}
	presence     realtime.PresenceSnapshot
	tracked      []map[string]any
}

// Topic implements realtime.RealtimeChannel.
func (c *FakeChannel) Topic() string {
	return c.topic
}

// PresenceKey returns the key the channel was opened with.
func (c *FakeChannel) PresenceKey() string {
	return c.key
}

// On implements realtime.RealtimeChannel.
func (c *FakeChannel) On(b realtime.Binding, h realtime.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fakeHandler{binding: b, handler: h})
}

// Subscribe implements realtime.RealtimeChannel. It records fn; statuses
// are delivered by SendStatus.
func (c *FakeChannel) Subscribe(fn realtime.StatusFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribes++
	c.onStatus = fn
}

// Unsubscribe implements realtime.RealtimeChannel. It detaches the status
// callback like the real channel does.
func (c *FakeChannel) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribes++
	c.onStatus = nil
	return c.unsubErr
}

// PresenceState implements realtime.PresenceChannel.
func (c *FakeChannel) PresenceState() realtime.PresenceSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(realtime.PresenceSnapshot, len(c.presence))
	for k, v := range c.presence {
		out[k] = append([]map[string]any(nil), v...)
	}
	return out
}

// Track implements realtime.PresenceChannel.
func (c *FakeChannel) Track(_ context.Context, payload map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracked = append(c.tracked, payload)
	return nil
}

// SetPresence replaces the presence state returned by PresenceState.
func (c *FakeChannel) SetPresence(s realtime.PresenceSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presence = s
}

// Tracked returns the payloads passed to Track.
func (c *FakeChannel) Tracked() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.tracked...)
}

// FailUnsubscribe makes Unsubscribe return err.
func (c *FakeChannel) FailUnsubscribe(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubErr = err
}

// BlockUnsubscribe makes Unsubscribe wait until the returned func is called.
func (c *FakeChannel) BlockUnsubscribe() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// SendStatus delivers a status to the Subscribe callback, if attached.
func (c *FakeChannel) SendStatus(status realtime.ChannelStatus, err error) {
	c.mu.Lock()
	fn := c.onStatus
	c.mu.Unlock()
	if fn != nil {
		fn(status, err)
	}
}

// Emit delivers ev to handlers whose binding type matches and whose event
// is empty, "*" or equal to ev.Event. It returns the number of handlers run.
func (c *FakeChannel) Emit(ev realtime.Event) int {
	c.mu.Lock()
	var hs []realtime.Handler
	for _, h := range c.handlers {
		if h.binding.Type != ev.Type {
			continue
		}
		if h.binding.Event == "" || h.binding.Event == "*" || h.binding.Event == ev.Event {
			hs = append(hs, h.handler)
		}
	}
	c.mu.Unlock()

	if ev.Topic == "" {
		ev.Topic = c.topic
	}
	for _, h := range hs {
		h(ev)
	}
	return len(hs)
}

// Bindings returns the bindings registered with On.
func (c *FakeChannel) Bindings() []realtime.Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]realtime.Binding, len(c.handlers))
	for i, h := range c.handlers {
		out[i] = h.binding
	}
	return out
}

// Subscribes returns how many times Subscribe was called.
func (c *FakeChannel) Subscribes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes
}

// Unsubscribes returns how many times Unsubscribe completed.
func (c *FakeChannel) Unsubscribes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribes
}

// FakeOpener implements realtime.Opener and realtime.PresenceOpener over
// FakeChannels.
type FakeOpener struct {
	// OnOpen, when set, runs on every new channel before it is returned.
	OnOpen func(*FakeChannel)

	mu       sync.Mutex
	channels []*FakeChannel
}

// Open implements realtime.Opener.
func (o *FakeOpener) Open(name string, _ realtime.ChannelConfig) realtime.RealtimeChannel {
	return o.open(name, "")
}

// OpenPresence implements realtime.PresenceOpener.
func (o *FakeOpener) OpenPresence(name, key string) realtime.PresenceChannel {
	return o.open(name, key)
}

func (o *FakeOpener) open(name, key string) *FakeChannel {
	ch := &FakeChannel{topic: realtime.TopicPrefix + name, key: key}
	if o.OnOpen != nil {
		o.OnOpen(ch)
	}
	o.mu.Lock()
	o.channels = append(o.channels, ch)
	o.mu.Unlock()
	return ch
}

// Count returns how many channels have been opened.
func (o *FakeOpener) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.channels)
}

// Channels returns every channel opened so far, oldest first.
func (o *FakeOpener) Channels() []*FakeChannel {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*FakeChannel(nil), o.channels...)
}

// Opened returns the channels opened for name, oldest first.
func (o *FakeOpener) Opened(name string) []*FakeChannel {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*FakeChannel
	for _, ch := range o.channels {
		if ch.topic == realtime.TopicPrefix+name {
			out = append(out, ch)
		}
	}
	return out
}

// Last returns the newest channel opened for name. It panics if none was.
func (o *FakeOpener) Last(name string) *FakeChannel {
	opened := o.Opened(name)
	if len(opened) == 0 {
		panic(fmt.Sprintf("realtimetest: no channel opened for %q", name))
	}
	return opened[len(opened)-1]
}
