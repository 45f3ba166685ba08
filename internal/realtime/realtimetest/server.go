// Package realtimetest runs an in-process Phoenix v1 realtime server for tests.
// It implements enough of the hosted protocol (join, leave, heartbeat,
// postgres_changes fan-out, presence) to exercise the client end to end.
package realtimetest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/markb/tableside/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server is a realtime endpoint backed by httptest.
type Server struct {
	srv *httptest.Server

	mu          sync.Mutex
	conns       map[string]*conn
	rejectJoins bool
	muteReplies bool
	joins       int
	leaves      int
	heartbeats  int
	presence    map[string]*presenceState // topic -> state
}

// subscription is one joined topic on a connection
type subscription struct {
	topic       string
	joinRef     string
	presenceKey string
	pgChanges   []realtime.PostgresChangeSub
}

type conn struct {
	id     string
	ws     *websocket.Conn
	server *Server
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	topics map[string]*subscription
}

// NewServer starts a server. Close it with Close.
func NewServer() *Server {
	s := &Server{
		conns:    make(map[string]*conn),
		presence: make(map[string]*presenceState),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	return s
}

// URL returns the ws:// endpoint
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/realtime/v1/websocket"
}

// Close stops the server and drops all connections
func (s *Server) Close() {
	s.DropAll()
	s.srv.Close()
}

// RejectJoins makes subsequent joins fail with an error reply.
func (s *Server) RejectJoins(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectJoins = reject
}

// MuteReplies stops all replies, so joins time out and heartbeats go unanswered.
func (s *Server) MuteReplies(mute bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muteReplies = mute
}

// Joins returns how many phx_join messages were accepted or rejected
func (s *Server) Joins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joins
}

// Leaves returns how many phx_leave messages were handled
func (s *Server) Leaves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaves
}

// Heartbeats returns how many heartbeats were received
func (s *Server) Heartbeats() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats
}

// Connections returns the number of live connections
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropAll closes every connection abruptly
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// EmitChange delivers a postgres change to every matching subscription.
func (s *Server) EmitChange(schema, table, eventType string, newRow, oldRow map[string]any) {
	change := realtime.ChangeEvent{
		Schema:          schema,
		Table:           table,
		CommitTimestamp: time.Now().UTC().Format(time.RFC3339),
		EventType:       eventType,
		New:             newRow,
		Old:             oldRow,
	}

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		subs := make([]*subscription, 0, len(c.topics))
		for _, sub := range c.topics {
			subs = append(subs, sub)
		}
		c.mu.Unlock()

		for _, sub := range subs {
			var ids []int
			for _, pg := range sub.pgChanges {
				if matchesSub(pg, change) {
					ids = append(ids, pg.ID)
				}
			}
			if len(ids) == 0 {
				continue
			}
			c.sendMsg(&realtime.Message{
				Event:   realtime.EventPostgres,
				Topic:   sub.topic,
				JoinRef: sub.joinRef,
				Payload: map[string]any{"ids": ids, "data": change},
			})
		}
	}
}

func matchesSub(pg realtime.PostgresChangeSub, change realtime.ChangeEvent) bool {
	if pg.Schema != "*" && pg.Schema != change.Schema {
		return false
	}
	if pg.Table != "*" && pg.Table != change.Table {
		return false
	}
	if pg.Event != "*" && pg.Event != change.EventType {
		return false
	}
	f, err := realtime.ParseFilter(pg.Filter)
	if err != nil {
		return false
	}
	return f.Match(change.New, change.Old)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{
		id:     uuid.New().String(),
		ws:     ws,
		server: s,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		topics: make(map[string]*subscription),
	}
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()

		s := c.server
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()

		c.mu.Lock()
		subs := c.topics
		c.topics = make(map[string]*subscription)
		c.mu.Unlock()
		for _, sub := range subs {
			s.untrack(sub, c)
		}
	})
}

func (c *conn) readPump() {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := realtime.DecodeMessage(data)
		if err != nil {
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *conn) writePump() {
	defer c.close()
	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) sendMsg(msg *realtime.Message) {
	data, err := msg.Encode()
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	}
}

func (c *conn) reply(topic, joinRef, ref, status string, response map[string]any) {
	c.server.mu.Lock()
	muted := c.server.muteReplies
	c.server.mu.Unlock()
	if muted {
		return
	}
	c.sendMsg(&realtime.Message{
		Event:   realtime.EventReply,
		Topic:   topic,
		JoinRef: joinRef,
		Ref:     ref,
		Payload: map[string]any{"status": status, "response": response},
	})
}

func (c *conn) handleMessage(msg *realtime.Message) {
	switch msg.Event {
	case realtime.EventHeartbeat:
		c.server.mu.Lock()
		c.server.heartbeats++
		c.server.mu.Unlock()
		c.reply(realtime.TopicPhoenix, "", msg.Ref, "ok", map[string]any{})
	case realtime.EventJoin:
		c.handleJoin(msg)
	case realtime.EventLeave:
		c.handleLeave(msg)
	case realtime.EventPresence:
		c.handlePresence(msg)
	}
}

func (c *conn) handleJoin(msg *realtime.Message) {
	s := c.server
	s.mu.Lock()
	s.joins++
	reject := s.rejectJoins
	s.mu.Unlock()

	if reject {
		c.reply(msg.Topic, msg.JoinRef, msg.Ref, "error", map[string]any{
			"code":    "unavailable",
			"message": "joins rejected",
		})
		return
	}

	sub := &subscription{topic: msg.Topic, joinRef: msg.JoinRef}
	if cfg, ok := msg.Payload["config"].(map[string]any); ok {
		if pc, ok := cfg["presence"].(map[string]any); ok {
			sub.presenceKey, _ = pc["key"].(string)
		}
		if list, ok := cfg["postgres_changes"].([]any); ok {
			for i, item := range list {
				m, ok := item.(map[string]any)
				if !ok {
					continue
				}
				pg := realtime.PostgresChangeSub{ID: i + 1}
				pg.Event, _ = m["event"].(string)
				pg.Schema, _ = m["schema"].(string)
				pg.Table, _ = m["table"].(string)
				pg.Filter, _ = m["filter"].(string)
				sub.pgChanges = append(sub.pgChanges, pg)
			}
		}
	}

	c.mu.Lock()
	c.topics[msg.Topic] = sub
	c.mu.Unlock()

	c.reply(msg.Topic, msg.JoinRef, msg.Ref, "ok", map[string]any{})

	for _, pg := range sub.pgChanges {
		c.sendMsg(&realtime.Message{
			Event:   realtime.EventSystem,
			Topic:   msg.Topic,
			JoinRef: msg.JoinRef,
			Payload: map[string]any{
				"status":          "ok",
				"message":         "Subscribed to PostgreSQL",
				"extension":       "postgres_changes",
				"subscription_id": pg.ID,
			},
		})
	}

	if sub.presenceKey != "" {
		state := s.presenceFor(msg.Topic).snapshot()
		c.sendMsg(&realtime.Message{
			Event:   realtime.EventPresenceState,
			Topic:   msg.Topic,
			JoinRef: msg.JoinRef,
			Payload: state,
		})
	}
}

func (c *conn) handleLeave(msg *realtime.Message) {
	c.mu.Lock()
	sub, ok := c.topics[msg.Topic]
	delete(c.topics, msg.Topic)
	c.mu.Unlock()

	c.server.mu.Lock()
	c.server.leaves++
	c.server.mu.Unlock()

	if !ok {
		c.reply(msg.Topic, "", msg.Ref, "error", map[string]any{"code": "not_joined"})
		return
	}
	c.server.untrack(sub, c)
	c.reply(msg.Topic, msg.JoinRef, msg.Ref, "ok", map[string]any{})
}

func (c *conn) handlePresence(msg *realtime.Message) {
	c.mu.Lock()
	sub, ok := c.topics[msg.Topic]
	c.mu.Unlock()
	if !ok || sub.presenceKey == "" {
		return
	}
	event, _ := msg.Payload["event"].(string)
	payload, _ := msg.Payload["payload"].(map[string]any)

	ps := c.server.presenceFor(msg.Topic)
	switch event {
	case "track":
		meta := ps.track(sub.presenceKey, c.id, payload)
		c.server.broadcastDiff(msg.Topic, map[string]any{sub.presenceKey: map[string]any{"metas": []any{meta}}}, map[string]any{})
	case "untrack":
		c.server.untrack(sub, c)
	}
	if msg.Ref != "" {
		c.reply(msg.Topic, msg.JoinRef, msg.Ref, "ok", map[string]any{})
	}
}

func (s *Server) untrack(sub *subscription, c *conn) {
	if sub.presenceKey == "" {
		return
	}
	leaves := s.presenceFor(sub.topic).untrack(sub.presenceKey, c.id)
	if len(leaves) == 0 {
		return
	}
	metas := make([]any, len(leaves))
	for i, m := range leaves {
		metas[i] = m
	}
	s.broadcastDiff(sub.topic, map[string]any{}, map[string]any{sub.presenceKey: map[string]any{"metas": metas}})
}

func (s *Server) broadcastDiff(topic string, joins, leaves map[string]any) {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		sub, ok := c.topics[topic]
		c.mu.Unlock()
		if !ok || sub.presenceKey == "" {
			continue
		}
		c.sendMsg(&realtime.Message{
			Event:   realtime.EventPresenceDiff,
			Topic:   topic,
			JoinRef: sub.joinRef,
			Payload: map[string]any{"joins": joins, "leaves": leaves},
		})
	}
}

func (s *Server) presenceFor(topic string) *presenceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.presence[topic]
	if !ok {
		ps = &presenceState{state: make(map[string][]presenceMeta)}
		s.presence[topic] = ps
	}
	return ps
}
