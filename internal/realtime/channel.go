// internal/realtime/channel.go
package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/markb/tableside/internal/log"
)

// ChannelState is the local join state of a channel.
type ChannelState string

const (
	ChannelClosed  ChannelState = "closed"
	ChannelJoining ChannelState = "joining"
	ChannelJoined  ChannelState = "joined"
	ChannelLeaving ChannelState = "leaving"
	ChannelErrored ChannelState = "errored"
)

// binding pairs a Binding with its handler
type binding struct {
	Binding
	handler Handler
	filter  Filter
	err     error // filter parse failure, reported at join
	id      int   // postgres_changes subscription id, assigned at join
}

// Channel is one topic joined over a Socket
type Channel struct {
	topic  string
	config ChannelConfig
	socket *Socket

	mu       sync.Mutex
	state    ChannelState
	joinRef  string
	bindings []*binding
	onStatus StatusFunc
	presence *PresenceSet
}

func newChannel(s *Socket, topic string, cfg ChannelConfig) *Channel {
	return &Channel{
		topic:    topic,
		config:   cfg,
		socket:   s,
		state:    ChannelClosed,
		presence: NewPresenceSet(),
	}
}

// Topic returns the wire topic
func (c *Channel) Topic() string {
	return c.topic
}

// State returns the local join state
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// On registers a handler. Bindings must be added before Subscribe; postgres
// bindings added later are delivered only if the server routes them without ids.
// A filter that does not parse makes the next join fail with ErrInvalidFilter.
func (c *Channel) On(b Binding, h Handler) {
	bd := &binding{Binding: b, handler: h}
	if b.Type == BindingPostgres {
		if bd.Schema == "" {
			bd.Schema = "public"
		}
		if bd.Event == "" {
			bd.Event = "*"
		}
		bd.filter, bd.err = ParseFilter(b.Filter)
	}

	c.mu.Lock()
	c.bindings = append(c.bindings, bd)
	c.mu.Unlock()
}

// Subscribe joins the channel asynchronously. fn receives SUBSCRIBED on a
// successful join and CHANNEL_ERROR, TIMED_OUT or CLOSED afterwards.
func (c *Channel) Subscribe(fn StatusFunc) {
	c.mu.Lock()
	if c.state != ChannelClosed && c.state != ChannelErrored {
		c.mu.Unlock()
		log.Warn("realtime: channel already subscribed", "topic", c.topic)
		return
	}
	c.onStatus = fn
	c.state = ChannelJoining
	c.mu.Unlock()

	go c.join()
}

func (c *Channel) join() {
	if err := c.bindingError(); err != nil {
		c.fail(ChannelErrored, StatusChannelError, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.socket.cfg.JoinTimeout)
	defer cancel()

	if err := c.socket.Connect(ctx); err != nil {
		c.fail(ChannelErrored, StatusChannelError, fmt.Errorf("connect: %w", err))
		return
	}

	c.mu.Lock()
	if c.state != ChannelJoining {
		c.mu.Unlock()
		return
	}
	c.joinRef = c.socket.makeRef()
	joinConfig := JoinConfig{
		Broadcast: c.config.Broadcast,
		Presence:  c.config.Presence,
		Private:   c.config.Private,
	}
	id := 0
	for _, b := range c.bindings {
		if b.Type != BindingPostgres {
			continue
		}
		id++
		b.id = id
		joinConfig.PostgresChanges = append(joinConfig.PostgresChanges, PostgresChangeSub{
			Event:  b.Event,
			Schema: b.Schema,
			Table:  b.Table,
			Filter: b.Filter,
		})
	}
	joinRef := c.joinRef
	c.mu.Unlock()

	c.socket.register(c)
	msg := NewJoinMessage(c.topic, joinRef, "", joinConfig, c.socket.token())
	reply, err := c.socket.request(ctx, msg)
	if err != nil {
		c.socket.unregister(c)
		if errors.Is(err, context.DeadlineExceeded) {
			c.fail(ChannelErrored, StatusTimedOut, err)
		} else {
			c.fail(ChannelErrored, StatusChannelError, err)
		}
		return
	}

	status, response := ReplyStatus(reply.Payload)
	if status != "ok" {
		c.socket.unregister(c)
		c.fail(ChannelErrored, StatusChannelError, fmt.Errorf("join rejected: %v", response["message"]))
		return
	}

	c.mu.Lock()
	if c.state != ChannelJoining || c.joinRef != joinRef {
		c.mu.Unlock()
		c.socket.unregister(c)
		return
	}
	c.state = ChannelJoined
	fn := c.onStatus
	c.mu.Unlock()

	log.Debug("realtime: joined", "topic", c.topic, "join_ref", joinRef)
	if fn != nil {
		fn(StatusSubscribed, nil)
	}
}

// bindingError returns the first binding that cannot be joined.
func (c *Channel) bindingError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.bindings {
		if b.err != nil {
			return fmt.Errorf("binding %s on %s: %w", b.Table, c.topic, b.err)
		}
	}
	return nil
}

// Unsubscribe leaves the channel. The status callback is detached first, so
// an intentional leave never reports CLOSED. Local state is always reset even
// when the leave push fails.
func (c *Channel) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	prev := c.state
	joinRef := c.joinRef
	c.state = ChannelLeaving
	c.onStatus = nil
	c.mu.Unlock()

	var err error
	if prev == ChannelJoined {
		var reply *Message
		reply, err = c.socket.request(ctx, NewLeaveMessage(c.topic, joinRef, ""))
		if err == nil {
			if status, _ := ReplyStatus(reply.Payload); status != "ok" {
				err = fmt.Errorf("leave rejected for %s", c.topic)
			}
		}
	}

	c.socket.unregister(c)
	c.mu.Lock()
	c.state = ChannelClosed
	c.joinRef = ""
	c.mu.Unlock()
	return err
}

// PresenceState returns a copy of the presence mirror
func (c *Channel) PresenceState() PresenceSnapshot {
	return c.presence.State()
}

// Track publishes this client's presence payload and waits for the server
// to acknowledge it, for at most the join timeout.
func (c *Channel) Track(ctx context.Context, payload map[string]any) error {
	c.mu.Lock()
	state, joinRef := c.state, c.joinRef
	c.mu.Unlock()
	if state != ChannelJoined {
		return ErrNotJoined
	}

	ctx, cancel := context.WithTimeout(ctx, c.socket.cfg.JoinTimeout)
	defer cancel()
	reply, err := c.socket.request(ctx, NewTrackMessage(c.topic, joinRef, "", payload))
	if err != nil {
		return fmt.Errorf("track on %s: %w", c.topic, err)
	}
	if status, response := ReplyStatus(reply.Payload); status != "ok" {
		return fmt.Errorf("track rejected on %s: %v", c.topic, response["message"])
	}
	return nil
}

// fail records a failed state and reports status
func (c *Channel) fail(state ChannelState, status ChannelStatus, err error) {
	c.mu.Lock()
	if c.state == ChannelLeaving || c.state == ChannelClosed {
		c.mu.Unlock()
		return
	}
	c.state = state
	fn := c.onStatus
	c.mu.Unlock()

	log.Debug("realtime: channel failed", "topic", c.topic, "status", string(status), "error", errString(err))
	if fn != nil {
		fn(status, err)
	}
}

// socketClosed is called by the socket when the underlying connection drops
func (c *Channel) socketClosed() {
	c.fail(ChannelClosed, StatusClosed, nil)
}

// joinRefMatches reports whether a server message belongs to the current join
func (c *Channel) joinRefMatches(ref string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ref == "" || ref == c.joinRef
}

// handleMessage routes a server message to bindings
func (c *Channel) handleMessage(msg *Message) {
	switch msg.Event {
	case EventPostgres:
		c.handleChange(msg)
	case EventBroadcast:
		event, _ := msg.Payload["event"].(string)
		payload, _ := msg.Payload["payload"].(map[string]any)
		c.dispatch(Event{Type: BindingBroadcast, Event: event, Topic: c.topic, Payload: payload}, func(b *binding) bool {
			return b.Type == BindingBroadcast && (b.Event == "*" || b.Event == event)
		})
	case EventPresenceState:
		c.presence.Sync(msg.Payload)
		c.dispatchPresence(PresenceSync, nil, nil)
	case EventPresenceDiff:
		joins, leaves := c.presence.Diff(msg.Payload)
		if len(joins) > 0 {
			c.dispatchPresence(PresenceJoin, joins, nil)
		}
		if len(leaves) > 0 {
			c.dispatchPresence(PresenceLeave, nil, leaves)
		}
		c.dispatchPresence(PresenceSync, nil, nil)
	case EventSystem:
		c.dispatch(Event{Type: BindingSystem, Event: EventSystem, Topic: c.topic, Payload: msg.Payload}, func(b *binding) bool {
			return b.Type == BindingSystem
		})
	case EventError:
		c.fail(ChannelErrored, StatusChannelError, fmt.Errorf("server error on %s", c.topic))
	case EventClose:
		c.fail(ChannelClosed, StatusClosed, nil)
	}
}

func (c *Channel) handleChange(msg *Message) {
	change, ids, err := DecodeChange(msg.Payload)
	if err != nil {
		log.Debug("realtime: bad change payload", "topic", c.topic, "error", err.Error())
		return
	}
	routed := make(map[int]bool, len(ids))
	for _, id := range ids {
		routed[id] = true
	}

	ev := Event{Type: BindingPostgres, Event: change.EventType, Topic: c.topic, Payload: msg.Payload, Change: change}
	c.dispatch(ev, func(b *binding) bool {
		if b.Type != BindingPostgres {
			return false
		}
		if len(routed) > 0 && b.id > 0 {
			return routed[b.id]
		}
		return matchesChange(b, change)
	})
}

func (c *Channel) dispatchPresence(event string, joins, leaves PresenceSnapshot) {
	c.dispatch(Event{Type: BindingPresence, Event: event, Topic: c.topic, Joins: joins, Leaves: leaves}, func(b *binding) bool {
		return b.Type == BindingPresence && (b.Event == "" || b.Event == event)
	})
}

// dispatch calls matching handlers in registration order
func (c *Channel) dispatch(ev Event, match func(*binding) bool) {
	c.mu.Lock()
	var handlers []Handler
	for _, b := range c.bindings {
		if match(b) {
			handlers = append(handlers, b.handler)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func matchesChange(b *binding, change *ChangeEvent) bool {
	if b.Schema != "*" && !strings.EqualFold(b.Schema, change.Schema) {
		return false
	}
	if b.Table != "*" && b.Table != "" && b.Table != change.Table {
		return false
	}
	if b.Event != "*" && !strings.EqualFold(b.Event, change.EventType) {
		return false
	}
	return b.filter.Match(change.New, change.Old)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
