// internal/realtime/socket.go
package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/markb/tableside/internal/log"
	gobreaker "github.com/sony/gobreaker/v2"
)

const (
	// Send buffer size for outbound messages
	sendBufferSize = 256

	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Maximum message size
	maxMessageSize = 512 * 1024 // 512KB

	protocolVersion = "1.0.0"
)

// SocketConfig configures the realtime connection.
type SocketConfig struct {
	// URL of the realtime endpoint, e.g. wss://project.example.com/realtime/v1/websocket
	URL         string
	APIKey      string
	AccessToken string

	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	JoinTimeout       time.Duration

	// Consecutive dial failures before the breaker opens, and how long it stays open.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	Dialer *websocket.Dialer
}

func (c *SocketConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = 10 * time.Second
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerTimeout == 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.DialTimeout,
		}
	}
}

// wsConn is one live WebSocket connection generation
type wsConn struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Socket multiplexes channels over a single WebSocket connection. It dials
// lazily when a channel joins and does not rejoin channels after a drop:
// every joined channel is told CLOSED and its owner decides how to recover.
type Socket struct {
	id      string
	cfg     SocketConfig
	breaker *gobreaker.CircuitBreaker[*websocket.Conn]

	connectMu sync.Mutex

	mu               sync.Mutex
	conn             *wsConn
	closed           bool
	accessToken      string
	channels         map[*Channel]struct{}
	pending          map[string]chan *Message
	pendingHeartbeat string

	ref atomic.Uint64
}

// NewSocket creates a socket. No connection is made until Connect or the
// first channel join.
func NewSocket(cfg SocketConfig) *Socket {
	cfg.defaults()
	s := &Socket{
		id:          uuid.New().String(),
		cfg:         cfg,
		accessToken: cfg.AccessToken,
		channels:    make(map[*Channel]struct{}),
		pending:     make(map[string]chan *Message),
	}
	s.breaker = gobreaker.NewCircuitBreaker[*websocket.Conn](gobreaker.Settings{
		Name:        "realtime-dial",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("realtime: dial breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return s
}

// ID returns the socket instance ID
func (s *Socket) ID() string {
	return s.id
}

// Open implements Opener.
func (s *Socket) Open(name string, cfg ChannelConfig) RealtimeChannel {
	return s.Channel(name, cfg)
}

// OpenPresence implements PresenceOpener.
func (s *Socket) OpenPresence(name, key string) PresenceChannel {
	return s.Channel(name, ChannelConfig{Presence: PresenceConfig{Key: key}})
}

// Channel creates an unjoined channel. Names without the realtime: prefix get one.
func (s *Socket) Channel(name string, cfg ChannelConfig) *Channel {
	topic := name
	if !strings.HasPrefix(topic, TopicPrefix) {
		topic = TopicPrefix + name
	}
	return newChannel(s, topic, cfg)
}

// Connected reports whether a connection is live
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// SetAccessToken replaces the token used for joins and pushes it to joined channels.
func (s *Socket) SetAccessToken(token string) {
	s.mu.Lock()
	s.accessToken = token
	channels := make([]*Channel, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	for _, ch := range channels {
		ch.mu.Lock()
		joined, joinRef := ch.state == ChannelJoined, ch.joinRef
		ch.mu.Unlock()
		if !joined {
			continue
		}
		if err := s.push(NewAccessTokenMessage(ch.topic, joinRef, s.makeRef(), token)); err != nil {
			log.Debug("realtime: access token push failed", "topic", ch.topic, "error", err.Error())
		}
	}
}

func (s *Socket) token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken
}

// endpoint builds the dial URL with apikey and protocol version
func (s *Socket) endpoint() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	if s.cfg.APIKey != "" {
		q.Set("apikey", s.cfg.APIKey)
	}
	q.Set("vsn", protocolVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the endpoint if there is no live connection.
func (s *Socket) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSocketClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	endpoint, err := s.endpoint()
	if err != nil {
		return err
	}

	ws, err := s.breaker.Execute(func() (*websocket.Conn, error) {
		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
		defer cancel()
		header := http.Header{}
		if s.cfg.APIKey != "" {
			header.Set("apikey", s.cfg.APIKey)
		}
		conn, _, err := s.cfg.Dialer.DialContext(dialCtx, endpoint, header)
		return conn, err
	})
	if err != nil {
		return fmt.Errorf("dial realtime: %w", err)
	}

	c := &wsConn{
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	s.conn = c
	s.pendingHeartbeat = ""
	s.mu.Unlock()

	log.Info("realtime: connected", "socket_id", s.id)

	go s.writePump(c)
	go s.readPump(c)
	go s.heartbeatLoop(c)
	return nil
}

// Close shuts the socket down for good
func (s *Socket) Close() {
	s.mu.Lock()
	s.closed = true
	c := s.conn
	s.mu.Unlock()

	if c != nil {
		s.drop(c, "closed")
	}
}

// Disconnect drops the current connection without closing the socket.
// Joined channels see CLOSED; the next join dials again.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c != nil {
		s.drop(c, "disconnect requested")
	}
}

// drop tears down a connection generation and notifies channels
func (s *Socket) drop(c *wsConn, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()

		s.mu.Lock()
		if s.conn == c {
			s.conn = nil
		}
		pending := s.pending
		s.pending = make(map[string]chan *Message)
		channels := make([]*Channel, 0, len(s.channels))
		for ch := range s.channels {
			channels = append(channels, ch)
		}
		s.channels = make(map[*Channel]struct{})
		s.mu.Unlock()

		for _, ch := range pending {
			close(ch)
		}

		log.Info("realtime: connection dropped", "socket_id", s.id, "reason", reason, "channels", len(channels))
		for _, ch := range channels {
			ch.socketClosed()
		}
	})
}

func (s *Socket) register(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch] = struct{}{}
}

func (s *Socket) unregister(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, ch)
}

func (s *Socket) makeRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

// push queues a message on the current connection
func (s *Socket) push(msg *Message) error {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return ErrSocketClosed
	}

	data, err := msg.Encode()
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrSocketClosed
	default:
		log.Warn("realtime: send buffer full, dropping message", "socket_id", s.id, "topic", msg.Topic)
		return ErrSendBufferFull
	}
}

// request pushes a message and waits for the matching phx_reply
func (s *Socket) request(ctx context.Context, msg *Message) (*Message, error) {
	ref := s.makeRef()
	msg.Ref = ref
	reply := make(chan *Message, 1)

	s.mu.Lock()
	s.pending[ref] = reply
	s.mu.Unlock()

	if err := s.push(msg); err != nil {
		s.mu.Lock()
		delete(s.pending, ref)
		s.mu.Unlock()
		return nil, err
	}

	select {
	case r, ok := <-reply:
		if !ok {
			return nil, ErrSocketClosed
		}
		return r, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, ref)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// readPump reads messages from the WebSocket connection
func (s *Socket) readPump(c *wsConn) {
	defer s.drop(c, "read loop ended")

	c.ws.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("realtime: read error", "socket_id", s.id, "error", err.Error())
			}
			return
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			log.Debug("realtime: invalid message", "socket_id", s.id, "error", err.Error(), "len", len(data))
			continue
		}
		s.route(msg)
	}
}

// route delivers replies to waiters and everything else to channels
func (s *Socket) route(msg *Message) {
	if msg.Event == EventReply && msg.Ref != "" {
		s.mu.Lock()
		if msg.Topic == TopicPhoenix && msg.Ref == s.pendingHeartbeat {
			s.pendingHeartbeat = ""
			s.mu.Unlock()
			return
		}
		waiter, ok := s.pending[msg.Ref]
		if ok {
			delete(s.pending, msg.Ref)
		}
		s.mu.Unlock()
		if ok {
			waiter <- msg
			return
		}
	}

	s.mu.Lock()
	var targets []*Channel
	for ch := range s.channels {
		if ch.topic == msg.Topic {
			targets = append(targets, ch)
		}
	}
	s.mu.Unlock()

	for _, ch := range targets {
		if ch.joinRefMatches(msg.JoinRef) {
			ch.handleMessage(msg)
		}
	}
}

// writePump writes messages to the WebSocket connection
func (s *Socket) writePump(c *wsConn) {
	defer s.drop(c, "write loop ended")

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug("realtime: write error", "socket_id", s.id, "error", err.Error())
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// heartbeatLoop sends phoenix heartbeats; an unanswered heartbeat drops the connection.
func (s *Socket) heartbeatLoop(c *wsConn) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			missed := s.pendingHeartbeat != ""
			s.mu.Unlock()
			if missed {
				log.Warn("realtime: heartbeat timeout", "socket_id", s.id)
				s.drop(c, "heartbeat timeout")
				return
			}

			ref := s.makeRef()
			s.mu.Lock()
			s.pendingHeartbeat = ref
			s.mu.Unlock()
			if err := s.push(NewHeartbeatMessage(ref)); err != nil {
				s.drop(c, "heartbeat push failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

// RemoveChannel leaves ch. The socket stays connected for other channels.
func (s *Socket) RemoveChannel(ctx context.Context, ch *Channel) error {
	return ch.Unsubscribe(ctx)
}
