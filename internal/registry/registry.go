// Package registry keeps named realtime subscriptions alive. Each name owns
// one channel and an ordered list of callbacks; ReconnectAll tears every
// channel down and rebuilds it with the same callbacks.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/markb/tableside/internal/backoff"
	"github.com/markb/tableside/internal/log"
	"github.com/markb/tableside/internal/observability"
	"github.com/markb/tableside/internal/realtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// teardownTimeout bounds a single unsubscribe during replacement or removal.
const teardownTimeout = 10 * time.Second

// SubscriptionConfig selects the rows a subscription listens to.
type SubscriptionConfig struct {
	Table  string `koanf:"table" json:"table"`
	Event  string `koanf:"event" json:"event,omitempty"`   // INSERT, UPDATE, DELETE or * (default)
	Schema string `koanf:"schema" json:"schema,omitempty"` // default public
	Filter string `koanf:"filter" json:"filter,omitempty"` // e.g. restaurant_id=eq.7
}

// Binding returns the postgres_changes binding for c with defaults applied.
func (c SubscriptionConfig) Binding() realtime.Binding {
	b := realtime.Binding{
		Type:   realtime.BindingPostgres,
		Event:  c.Event,
		Schema: c.Schema,
		Table:  c.Table,
		Filter: c.Filter,
	}
	if b.Event == "" {
		b.Event = "*"
	}
	if b.Schema == "" {
		b.Schema = "public"
	}
	return b
}

// Callback handles one change event. A returned error or a panic is logged
// and does not affect other callbacks.
type Callback func(realtime.Event) error

// Invalidator is the slice of the query cache the registry needs.
type Invalidator interface {
	Invalidate(prefix string) []string
}

// Result reports what happened to one subscription during a sweep.
type Result struct {
	Name string
	// Err is the unsubscribe failure, if any. Teardown proceeds regardless.
	Err error
	// Replayed counts callbacks re-attached with AddCallback after recreation.
	Replayed int
}

type managed struct {
	name      string
	channel   realtime.RealtimeChannel
	config    SubscriptionConfig
	callbacks []Callback
	active    bool
	seq       uint64
}

// Registry owns the managed subscriptions. It is safe for concurrent use.
type Registry struct {
	opener  realtime.Opener
	cache   Invalidator
	metrics *observability.Metrics
	tracer  trace.Tracer

	reconnecting backoff.Guard

	mu   sync.Mutex
	subs map[string]*managed
	seq  uint64
}

// Option configures a Registry.
type Option func(*Registry)

// WithCache invalidates each subscription's table in c after ReconnectAll.
func WithCache(c Invalidator) Option {
	return func(r *Registry) { r.cache = c }
}

// WithMetrics records reconnects and callback failures.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(r *Registry) { r.tracer = t }
}

// New creates an empty registry that opens channels through opener.
func New(opener realtime.Opener, opts ...Option) *Registry {
	r := &Registry{
		opener: opener,
		tracer: otel.Tracer("tableside/registry"),
		subs:   make(map[string]*managed),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create opens a subscription for name and returns its channel. An existing
// subscription with the same name is torn down first; re-registration
// always replaces.
func (r *Registry) Create(ctx context.Context, name string, cfg SubscriptionConfig, cb Callback) realtime.RealtimeChannel {
	r.mu.Lock()
	prev := r.subs[name]
	delete(r.subs, name)
	r.mu.Unlock()
	if prev != nil {
		log.Debug("registry: replacing subscription", "subscription", name)
		r.teardown(ctx, prev)
	}

	ch := r.opener.Open(name, realtime.ChannelConfig{})
	m := &managed{
		name:      name,
		channel:   ch,
		config:    cfg,
		callbacks: []Callback{cb},
	}
	ch.On(cfg.Binding(), func(ev realtime.Event) {
		r.dispatch(m, ev)
	})

	r.mu.Lock()
	r.seq++
	m.seq = r.seq
	raced := r.subs[name]
	r.subs[name] = m
	r.mu.Unlock()
	if raced != nil {
		// a concurrent Create for the same name got in between
		r.teardown(ctx, raced)
	}

	ch.Subscribe(func(status realtime.ChannelStatus, err error) {
		r.onStatus(m, status, err)
	})
	log.Info("registry: subscription created", "subscription", name, "table", cfg.Table, "event", cfg.Binding().Event)
	return ch
}

// AddCallback appends cb to name's callbacks. It returns false, and does
// nothing, when name is not registered.
func (r *Registry) AddCallback(name string, cb Callback) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.subs[name]
	if !ok {
		return false
	}
	m.callbacks = append(m.callbacks, cb)
	return true
}

// Remove unsubscribes name and drops it. The entry is dropped even when
// the unsubscribe fails; the failure is logged and returned in the Result.
func (r *Registry) Remove(ctx context.Context, name string) Result {
	r.mu.Lock()
	m, ok := r.subs[name]
	delete(r.subs, name)
	r.mu.Unlock()
	if !ok {
		return Result{Name: name}
	}
	return Result{Name: name, Err: r.teardown(ctx, m)}
}

// ReconnectAll tears down every subscription and recreates it, replaying
// callbacks in their original order. A call made while another is running
// returns nil immediately.
func (r *Registry) ReconnectAll(ctx context.Context) []Result {
	if !r.reconnecting.TryBegin() {
		log.Debug("registry: reconnect already in progress")
		return nil
	}
	defer r.reconnecting.End()

	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "registry.reconnect_all")
	defer span.End()

	snapshot := r.snapshot()
	span.SetAttributes(attribute.Int("subscriptions", len(snapshot)))
	log.Info("registry: reconnecting all subscriptions", "count", len(snapshot))

	results := make([]Result, len(snapshot))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range snapshot {
		results[i].Name = s.m.name
		g.Go(func() error {
			results[i].Err = r.unsubscribe(gctx, s.m)
			return nil
		})
	}
	g.Wait()

	r.mu.Lock()
	for _, s := range snapshot {
		if r.subs[s.m.name] == s.m {
			delete(r.subs, s.m.name)
		}
	}
	r.mu.Unlock()

	failures := 0
	for i, s := range snapshot {
		if results[i].Err != nil {
			failures++
		}
		if len(s.callbacks) == 0 {
			continue
		}
		r.Create(ctx, s.m.name, s.m.config, s.callbacks[0])
		for _, cb := range s.callbacks[1:] {
			if r.AddCallback(s.m.name, cb) {
				results[i].Replayed++
			}
		}
		if r.cache != nil && s.m.config.Table != "" {
			r.cache.Invalidate(s.m.config.Table)
		}
	}

	r.metrics.RecordReconnect(ctx, "registry", failures, float64(time.Since(start).Milliseconds()))
	log.Info("registry: reconnect complete", "count", len(snapshot), "teardown_failures", failures,
		"duration_ms", time.Since(start).Milliseconds())
	return results
}

// Reconnecting reports whether a ReconnectAll is in flight.
func (r *Registry) Reconnecting() bool {
	return r.reconnecting.Active()
}

// replay is one subscription as captured at the start of a sweep
type replay struct {
	m         *managed
	callbacks []Callback
}

// snapshot returns the subscriptions in creation order. Callback slices
// are copied so replay is unaffected by later AddCallback calls.
func (r *Registry) snapshot() []replay {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]*managed, 0, len(r.subs))
	for _, m := range r.subs {
		list = append(list, m)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })

	out := make([]replay, len(list))
	for i, m := range list {
		out[i] = replay{m: m, callbacks: append([]Callback(nil), m.callbacks...)}
	}
	return out
}

func (r *Registry) unsubscribe(ctx context.Context, m *managed) error {
	ctx, cancel := context.WithTimeout(ctx, teardownTimeout)
	defer cancel()
	if err := m.channel.Unsubscribe(ctx); err != nil {
		log.Warn("registry: unsubscribe failed", "subscription", m.name, "topic", m.channel.Topic(), "error", err.Error())
		return err
	}
	return nil
}

func (r *Registry) teardown(ctx context.Context, m *managed) error {
	r.mu.Lock()
	m.active = false
	r.mu.Unlock()
	return r.unsubscribe(ctx, m)
}

// dispatch runs every callback for m in registration order.
func (r *Registry) dispatch(m *managed, ev realtime.Event) {
	r.mu.Lock()
	callbacks := append([]Callback(nil), m.callbacks...)
	r.mu.Unlock()

	for i, cb := range callbacks {
		if err := invoke(cb, ev); err != nil {
			log.Error("registry: callback failed", "subscription", m.name, "callback", i, "event", ev.Event, "error", err.Error())
			r.metrics.RecordCallbackError(context.Background(), m.name)
		}
	}
}

// invoke calls cb, converting a panic into an error.
func invoke(cb Callback, ev realtime.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("callback panic: %v", p)
		}
	}()
	return cb(ev)
}

func (r *Registry) onStatus(m *managed, status realtime.ChannelStatus, err error) {
	r.mu.Lock()
	current := r.subs[m.name] == m
	if current {
		m.active = status == realtime.StatusSubscribed
	}
	r.mu.Unlock()
	if !current {
		return
	}

	r.metrics.RecordStatus(context.Background(), "registry", string(status))
	if err != nil {
		log.Warn("registry: subscription status", "subscription", m.name, "status", string(status), "error", err.Error())
		return
	}
	log.Debug("registry: subscription status", "subscription", m.name, "status", string(status))
}

// Status returns each subscription's active flag.
func (r *Registry) Status() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.subs))
	for name, m := range r.subs {
		out[name] = m.active
	}
	return out
}

// HasInactive reports whether any subscription is not currently subscribed.
func (r *Registry) HasInactive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.subs {
		if !m.active {
			return true
		}
	}
	return false
}

// ActiveCount returns the number of subscribed subscriptions.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.subs {
		if m.active {
			n++
		}
	}
	return n
}

// TotalCount returns the number of registered subscriptions.
func (r *Registry) TotalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Names returns the registered names in creation order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]*managed, 0, len(r.subs))
	for _, m := range r.subs {
		list = append(list, m)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	names := make([]string, len(list))
	for i, m := range list {
		names[i] = m.name
	}
	return names
}

// Callbacks returns a copy of name's callbacks.
func (r *Registry) Callbacks(name string) []Callback {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.subs[name]
	if !ok {
		return nil
	}
	return append([]Callback(nil), m.callbacks...)
}

// Channel returns name's current channel.
func (r *Registry) Channel(name string) (realtime.RealtimeChannel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.subs[name]
	if !ok {
		return nil, false
	}
	return m.channel, true
}
