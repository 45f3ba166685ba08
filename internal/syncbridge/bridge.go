// Package syncbridge connects the recovery services to background workers.
// It reports connection health to every attached worker, reacts to worker
// requests and host events, and escalates to aggressive polling when the
// connection has been unhealthy for too long.
package syncbridge

import (
	"context"
	"sync"
	"time"

	"github.com/markb/tableside/internal/backoff"
	"github.com/markb/tableside/internal/health"
	"github.com/markb/tableside/internal/log"
	"github.com/markb/tableside/internal/registry"
)

// Config controls the bridge timers.
type Config struct {
	HeartbeatInterval  time.Duration `koanf:"heartbeat_interval"`
	StaleAfter         time.Duration `koanf:"stale_after"`
	AggressiveInterval time.Duration `koanf:"aggressive_interval"`
	RestaurantID       string        `koanf:"restaurant_id"`
}

// DefaultConfig returns a 60s heartbeat, escalation after 3 minutes and a
// 5s aggressive poll.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  60 * time.Second,
		StaleAfter:         3 * time.Minute,
		AggressiveInterval: 5 * time.Second,
	}
}

// HealthSource is the health monitor as seen by the bridge.
type HealthSource interface {
	Status() health.Status
	Subscribe(fn func(health.Status)) func()
	ForceReconnect(ctx context.Context) bool
}

// Reconnector rebuilds registry subscriptions.
type Reconnector interface {
	ReconnectAll(ctx context.Context) []registry.Result
}

// PresenceNudger is the presence tracker as seen by the bridge.
type PresenceNudger interface {
	VisibilityChanged(visible bool)
	Reconnect()
}

// Cache is the query cache as seen by the bridge. Workers report the keys
// they hold; invalidations of those keys are relayed back as refreshes.
type Cache interface {
	Set(key string, value any)
	Invalidate(prefix string) []string
	InvalidateAll() []string
	OnInvalidate(fn func(keys []string))
}

// Bridge is the background-sync coordinator. Any dependency may be nil.
type Bridge struct {
	cfg      Config
	health   HealthSource
	registry Reconnector
	presence PresenceNudger
	cache    Cache
	now      func() time.Time

	refreshing  backoff.Guard
	inbox       chan Message
	statuses    chan health.Status
	invalidated chan []string

	mu             sync.Mutex
	workers        map[int]Worker
	nextID         int
	unhealthySince time.Time
	aggressive     bool
	online         bool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithHealth sets the health source. Its ForceReconnect must rebuild the
// registry's subscriptions as well as its own channels.
func WithHealth(h HealthSource) Option {
	return func(b *Bridge) { b.health = h }
}

// WithRegistry sets the subscription registry.
func WithRegistry(r Reconnector) Option {
	return func(b *Bridge) { b.registry = r }
}

// WithPresence sets the presence tracker.
func WithPresence(p PresenceNudger) Option {
	return func(b *Bridge) { b.presence = p }
}

// WithCache sets the query cache.
func WithCache(c Cache) Option {
	return func(b *Bridge) { b.cache = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// New creates a bridge with no workers.
func New(cfg Config, opts ...Option) *Bridge {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.AggressiveInterval <= 0 {
		cfg.AggressiveInterval = def.AggressiveInterval
	}
	b := &Bridge{
		cfg:         cfg,
		now:         time.Now,
		inbox:       make(chan Message, 32),
		statuses:    make(chan health.Status, 8),
		invalidated: make(chan []string, 32),
		workers:     make(map[int]Worker),
		online:      true,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.cache != nil {
		b.cache.OnInvalidate(b.queueRefresh)
	}
	return b
}

// Attach starts relaying w's messages into the bridge and includes it in
// every broadcast. The worker is detached when its message channel closes
// or the returned func is called.
func (b *Bridge) Attach(w Worker) (detach func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.workers[id] = w
	b.mu.Unlock()

	stop := make(chan struct{})
	var once sync.Once
	detach = func() {
		once.Do(func() {
			close(stop)
			b.mu.Lock()
			delete(b.workers, id)
			b.mu.Unlock()
		})
	}
	go func() {
		defer detach()
		for {
			select {
			case <-stop:
				return
			case m, ok := <-w.Messages():
				if !ok {
					return
				}
				select {
				case b.inbox <- m:
				case <-stop:
					return
				}
			}
		}
	}()
	log.Debug("syncbridge: worker attached", "worker", id)
	return detach
}

// Workers returns the number of attached workers.
func (b *Bridge) Workers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.workers)
}

// Aggressive reports whether aggressive polling is on.
func (b *Bridge) Aggressive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aggressive
}

// Serve runs the heartbeat and aggressive timers and handles worker
// messages until ctx is done.
func (b *Bridge) Serve(ctx context.Context) error {
	if b.health != nil {
		unsubscribe := b.health.Subscribe(func(s health.Status) {
			select {
			case b.statuses <- s:
			default:
			}
		})
		defer unsubscribe()
	}

	heartbeat := time.NewTicker(b.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(b.cfg.AggressiveInterval)
	defer poll.Stop()

	b.postHealth(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			b.postHealth(ctx)
			if b.health != nil {
				b.evaluate(ctx, b.health.Status())
			}
		case s := <-b.statuses:
			b.evaluate(ctx, s)
		case <-poll.C:
			if b.Aggressive() {
				b.poll(ctx)
			}
		case m := <-b.inbox:
			b.Handle(ctx, m)
		case keys := <-b.invalidated:
			b.broadcast(ctx, b.message(TypeForceDataRefresh, func(m *Message) {
				m.Reason = "invalidated"
				m.Keys = keys
			}))
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (b *Bridge) String() string {
	return "sync-bridge"
}

// Handle processes one worker message.
func (b *Bridge) Handle(ctx context.Context, m Message) {
	log.Debug("syncbridge: worker message", "type", string(m.Type))
	switch m.Type {
	case TypeRequestHealth:
		b.postHealth(ctx)
	case TypeForceDataRefresh:
		if len(m.Keys) == 0 {
			b.invalidate("worker request")
			break
		}
		if b.cache != nil {
			for _, prefix := range m.Keys {
				b.cache.Invalidate(prefix)
			}
		}
	case TypeQueryCached:
		b.cacheKeys(m)
	case TypeForceBackgroundSync:
		b.ForceResubscribe(ctx)
	case TypeVisibilityChange:
		visible := m.Visible != nil && *m.Visible
		b.VisibilityChanged(ctx, visible)
	case TypeOnline:
		b.NetworkChanged(ctx, true)
	case TypeOffline:
		b.NetworkChanged(ctx, false)
	default:
		log.Warn("syncbridge: unknown worker message", "type", string(m.Type))
	}
}

// VisibilityChanged handles the host becoming visible or hidden. On
// becoming visible cached queries are invalidated, presence is nudged and
// an unhealthy connection is resubscribed.
func (b *Bridge) VisibilityChanged(ctx context.Context, visible bool) {
	if !visible {
		return
	}
	b.invalidate("visible")
	if b.presence != nil {
		b.presence.VisibilityChanged(true)
	}
	if b.health != nil && !b.health.Status().IsHealthy {
		b.ForceResubscribe(ctx)
	}
	b.broadcast(ctx, b.message(TypeForceDataRefresh, func(m *Message) { m.Reason = "visible" }))
}

// NetworkChanged handles the host going online or offline. Coming back
// online invalidates the cache and resubscribes everything.
func (b *Bridge) NetworkChanged(ctx context.Context, online bool) {
	b.mu.Lock()
	wasOnline := b.online
	b.online = online
	b.mu.Unlock()
	if !online {
		log.Warn("syncbridge: network offline")
		return
	}
	if wasOnline {
		return
	}
	log.Info("syncbridge: network back online")
	b.invalidate("online")
	if b.presence != nil {
		b.presence.Reconnect()
	}
	b.ForceResubscribe(ctx)
}

// ForceResubscribe reconnects every subscription and tells the workers.
// With a health source the monitor's reconnect recreates the registry's
// channels, so the registry is only driven directly without one. It
// returns false when a refresh is already running.
func (b *Bridge) ForceResubscribe(ctx context.Context) bool {
	if !b.refreshing.TryBegin() {
		log.Debug("syncbridge: resubscribe already in progress")
		return false
	}
	defer b.refreshing.End()

	via := "none"
	switch {
	case b.health != nil:
		via = "health"
		b.health.ForceReconnect(ctx)
	case b.registry != nil:
		via = "registry"
		b.registry.ReconnectAll(ctx)
	}
	log.Info("syncbridge: subscriptions refreshed", "via", via)
	b.broadcast(ctx, b.message(TypeSubscriptionRefreshed, nil))
	return true
}

// evaluate tracks how long the connection has been unhealthy and switches
// aggressive polling on or off.
func (b *Bridge) evaluate(ctx context.Context, s health.Status) {
	now := b.now()
	b.mu.Lock()
	var entered, left bool
	if s.IsHealthy {
		b.unhealthySince = time.Time{}
		left = b.aggressive
		b.aggressive = false
	} else {
		if b.unhealthySince.IsZero() {
			b.unhealthySince = now
		}
		if !b.aggressive && now.Sub(b.unhealthySince) >= b.cfg.StaleAfter {
			b.aggressive = true
			entered = true
		}
	}
	since := b.unhealthySince
	b.mu.Unlock()

	switch {
	case entered:
		log.Warn("syncbridge: connection stale, polling aggressively",
			"unhealthy_since", since, "interval", b.cfg.AggressiveInterval.String())
		b.broadcast(ctx, b.message(TypeForceBackgroundSync, func(m *Message) { m.Reason = "stale" }))
	case left:
		log.Info("syncbridge: connection recovered, aggressive polling stopped")
		b.postHealth(ctx)
	}
}

// poll is one aggressive-mode round.
func (b *Bridge) poll(ctx context.Context) {
	b.invalidate("aggressive poll")
	b.ForceResubscribe(ctx)
}

func (b *Bridge) invalidate(reason string) {
	if b.cache == nil {
		return
	}
	keys := b.cache.InvalidateAll()
	log.Debug("syncbridge: cache invalidated", "reason", reason, "keys", len(keys))
}

// cacheKeys records the queries a worker has fetched, fresh as of now.
func (b *Bridge) cacheKeys(m Message) {
	if b.cache == nil {
		return
	}
	for _, key := range m.Keys {
		b.cache.Set(key, m.Timestamp)
	}
	log.Debug("syncbridge: worker cached queries", "keys", len(m.Keys))
}

// queueRefresh hands invalidated keys to Serve. It runs inside the cache's
// invalidation, possibly on a channel goroutine, so it never blocks.
func (b *Bridge) queueRefresh(keys []string) {
	select {
	case b.invalidated <- keys:
	default:
		log.Warn("syncbridge: refresh queue full, dropping keys", "keys", len(keys))
	}
}

func (b *Bridge) postHealth(ctx context.Context) {
	if b.health == nil {
		return
	}
	s := b.health.Status()
	b.broadcast(ctx, b.message(TypeHealthUpdate, func(m *Message) { m.Health = &s }))
}

func (b *Bridge) message(t MessageType, fill func(*Message)) Message {
	m := Message{Type: t, Timestamp: b.now().UnixMilli(), RestaurantID: b.cfg.RestaurantID}
	if fill != nil {
		fill(&m)
	}
	return m
}

// broadcast posts m to every worker. A failing worker is logged and skipped.
func (b *Bridge) broadcast(ctx context.Context, m Message) {
	b.mu.Lock()
	workers := make([]Worker, 0, len(b.workers))
	for _, w := range b.workers {
		workers = append(workers, w)
	}
	b.mu.Unlock()

	for _, w := range workers {
		pctx, cancel := context.WithTimeout(ctx, writeWait)
		if err := w.Post(pctx, m); err != nil {
			log.Warn("syncbridge: post to worker failed", "type", string(m.Type), "error", err.Error())
		}
		cancel()
	}
}
