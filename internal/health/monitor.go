// Package health watches realtime channels for silence. Every channel it
// monitors carries a last-activity timestamp; a periodic tick folds them
// into one aggregate Status and, when enabled, reconnects with backoff.
//
// The monitor keeps its own channel map. It does not share state with the
// subscription registry.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/markb/tableside/internal/backoff"
	"github.com/markb/tableside/internal/log"
	"github.com/markb/tableside/internal/observability"
	"github.com/markb/tableside/internal/realtime"
	"golang.org/x/sync/errgroup"
)

// ConnectionState is the aggregate connection classification.
type ConnectionState string

const (
	StateUnknown      ConnectionState = "unknown"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateReconnecting ConnectionState = "reconnecting"
)

// Config controls the tick period and staleness classification.
type Config struct {
	TickInterval   time.Duration `koanf:"tick_interval"`
	StaleThreshold time.Duration `koanf:"stale_threshold"`
	AutoReconnect  bool          `koanf:"auto_reconnect"`
}

// DefaultConfig returns a 30s tick with a 2 minute staleness threshold.
func DefaultConfig() Config {
	return Config{
		TickInterval:   30 * time.Second,
		StaleThreshold: 2 * time.Minute,
		AutoReconnect:  true,
	}
}

// Status is the aggregate health, recomputed wholesale on every tick.
type Status struct {
	IsHealthy         bool            `json:"is_healthy"`
	LastActivity      time.Time       `json:"last_activity"`
	ConnectionState   ConnectionState `json:"connection_state"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
	ChannelCount      int             `json:"channel_count"`
}

// Scheduler runs fn after d and returns a func that cancels it.
type Scheduler func(d time.Duration, fn func()) (stop func())

func afterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

type channelHealth struct {
	ch           realtime.RealtimeChannel
	name         string
	lastActivity time.Time
}

// Monitor tracks channel activity. It is safe for concurrent use.
type Monitor struct {
	cfg      Config
	policy   backoff.Policy
	now      func() time.Time
	schedule Scheduler
	rebuild  func(ctx context.Context)
	metrics  *observability.Metrics

	reconnecting backoff.Guard

	mu        sync.Mutex
	channels  map[string]*channelHealth
	status    Status
	attempts  int
	retryStop func()
	listeners map[int]func(Status)
	nextID    int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithScheduler replaces time.AfterFunc for auto reconnect timers.
func WithScheduler(s Scheduler) Option {
	return func(m *Monitor) { m.schedule = s }
}

// WithBackoff overrides the health backoff profile.
func WithBackoff(p backoff.Policy) Option {
	return func(m *Monitor) { m.policy = p }
}

// WithRebuild sets the hook every reconnect, manual or automatic, calls
// after clearing the channel map. It is expected to Register fresh
// channels, usually by recreating them through Opener.
func WithRebuild(fn func(ctx context.Context)) Option {
	return func(m *Monitor) { m.rebuild = fn }
}

// WithMetrics records reconnects and exports the health gauges.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Monitor) { m.metrics = metrics }
}

// NewMonitor creates a monitor with no channels.
func NewMonitor(cfg Config, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = def.StaleThreshold
	}
	m := &Monitor{
		cfg:       cfg,
		policy:    backoff.HealthProfile,
		now:       time.Now,
		schedule:  afterFunc,
		channels:  make(map[string]*channelHealth),
		status:    Status{IsHealthy: true, ConnectionState: StateUnknown},
		listeners: make(map[int]func(Status)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.metrics.ObserveHealth(func() (bool, int) {
		s := m.Status()
		return s.IsHealthy, s.ReconnectAttempts
	}); err != nil {
		log.Warn("health: failed to register gauges", "error", err.Error())
	}
	return m
}

// Register starts monitoring ch under name and returns the instrumented
// handle. Handlers must be attached through the returned value for their
// events to count as activity. Registering a name again replaces the entry.
func (m *Monitor) Register(ch realtime.RealtimeChannel, name string) *Instrumented {
	entry := &channelHealth{ch: ch, name: name}
	m.mu.Lock()
	entry.lastActivity = m.now()
	m.channels[name] = entry
	m.mu.Unlock()
	log.Debug("health: channel registered", "channel", name, "topic", ch.Topic())
	return &Instrumented{RealtimeChannel: ch, monitor: m, entry: entry}
}

// Unregister stops monitoring name. The channel itself is left alone.
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	delete(m.channels, name)
	m.mu.Unlock()
}

// drop forgets e unless name has since been registered again.
func (m *Monitor) drop(e *channelHealth) {
	m.mu.Lock()
	if m.channels[e.name] == e {
		delete(m.channels, e.name)
	}
	m.mu.Unlock()
}

// Opener wraps next so every channel it opens is registered under the
// name it was opened with. Channels unsubscribed through the returned
// handle stop being monitored.
func (m *Monitor) Opener(next realtime.Opener) realtime.Opener {
	return monitoredOpener{monitor: m, next: next}
}

type monitoredOpener struct {
	monitor *Monitor
	next    realtime.Opener
}

func (o monitoredOpener) Open(name string, cfg realtime.ChannelConfig) realtime.RealtimeChannel {
	return o.monitor.Register(o.next.Open(name, cfg), name)
}

// Touch records activity on name now.
func (m *Monitor) Touch(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.channels[name]; ok {
		e.lastActivity = m.now()
	}
}

func (m *Monitor) touch(e *channelHealth) {
	m.mu.Lock()
	e.lastActivity = m.now()
	m.mu.Unlock()
}

// Channels returns the monitored channel names.
func (m *Monitor) Channels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// Status returns the status computed by the last tick or reconnect.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe registers fn for every status change and returns a func that
// removes it.
func (m *Monitor) Subscribe(fn func(Status)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Tick samples every channel and replaces the status. One stale channel
// marks the whole aggregate unhealthy. While a reconnect is in flight the
// state stays reconnecting.
func (m *Monitor) Tick(ctx context.Context) Status {
	m.mu.Lock()
	now := m.now()
	var (
		latest time.Time
		stale  []string
	)
	for name, e := range m.channels {
		if e.lastActivity.After(latest) {
			latest = e.lastActivity
		}
		if now.Sub(e.lastActivity) > m.cfg.StaleThreshold {
			stale = append(stale, name)
		}
	}

	s := Status{LastActivity: latest, ChannelCount: len(m.channels)}
	switch {
	case m.reconnecting.Active():
		s.ConnectionState = StateReconnecting
	case len(m.channels) == 0:
		s.IsHealthy = true
		s.ConnectionState = StateUnknown
		m.attempts = 0
	case len(stale) > 0:
		s.ConnectionState = StateDisconnected
		m.attempts++
	default:
		s.IsHealthy = true
		s.ConnectionState = StateConnected
		m.attempts = 0
	}
	s.ReconnectAttempts = m.attempts
	if s.IsHealthy && m.retryStop != nil {
		m.retryStop()
		m.retryStop = nil
	}
	m.status = s
	listeners := m.snapshotListeners()
	scheduleRetry := s.ConnectionState == StateDisconnected && m.cfg.AutoReconnect && m.retryStop == nil
	var delay time.Duration
	if scheduleRetry {
		delay = m.policy.Delay(m.attempts - 1)
		m.retryStop = m.schedule(delay, func() {
			m.mu.Lock()
			m.retryStop = nil
			m.mu.Unlock()
			m.reconnect(ctx, false)
		})
	}
	m.mu.Unlock()

	if len(stale) > 0 {
		log.Warn("health: stale channels", "stale", stale, "threshold", m.cfg.StaleThreshold.String(), "attempt", s.ReconnectAttempts)
	}
	if scheduleRetry {
		log.Info("health: reconnect scheduled", "delay", delay.String(), "attempt", s.ReconnectAttempts)
	}
	notify(listeners, s)
	return s
}

// ForceReconnect tears down and forgets every monitored channel, then runs
// the rebuild hook. It returns false without doing anything when a
// reconnect is already in flight.
func (m *Monitor) ForceReconnect(ctx context.Context) bool {
	return m.reconnect(ctx, true)
}

// Reconnecting reports whether a reconnect is in flight.
func (m *Monitor) Reconnecting() bool {
	return m.reconnecting.Active()
}

// reconnect runs one teardown and rebuild. Manual calls count as an
// attempt; the automatic path was already counted by the tick.
func (m *Monitor) reconnect(ctx context.Context, manual bool) bool {
	if !m.reconnecting.TryBegin() {
		log.Debug("health: reconnect already in progress")
		return false
	}
	defer m.reconnecting.End()
	start := time.Now()

	m.mu.Lock()
	old := m.channels
	m.channels = make(map[string]*channelHealth)
	if manual {
		m.attempts++
	}
	if m.retryStop != nil {
		m.retryStop()
		m.retryStop = nil
	}
	m.status = Status{
		LastActivity:      m.status.LastActivity,
		ConnectionState:   StateReconnecting,
		ReconnectAttempts: m.attempts,
	}
	s := m.status
	listeners := m.snapshotListeners()
	m.mu.Unlock()

	log.Info("health: reconnecting", "channels", len(old), "attempt", s.ReconnectAttempts, "manual", manual)
	notify(listeners, s)

	var (
		fmu      sync.Mutex
		failures int
	)
	g, gctx := errgroup.WithContext(ctx)
	for name, e := range old {
		g.Go(func() error {
			if err := e.ch.Unsubscribe(gctx); err != nil {
				log.Warn("health: unsubscribe failed", "channel", name, "error", err.Error())
				fmu.Lock()
				failures++
				fmu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	if m.rebuild != nil {
		m.rebuild(ctx)
	}
	m.metrics.RecordReconnect(ctx, "health", failures, float64(time.Since(start).Milliseconds()))
	log.Info("health: reconnect complete", "teardown_failures", failures, "duration_ms", time.Since(start).Milliseconds())
	return true
}

// Serve ticks every TickInterval until ctx is done.
func (m *Monitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()
	defer func() {
		m.mu.Lock()
		if m.retryStop != nil {
			m.retryStop()
			m.retryStop = nil
		}
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (m *Monitor) String() string {
	return "health-monitor"
}

// snapshotListeners copies the listener set. Callers hold m.mu.
func (m *Monitor) snapshotListeners() []func(Status) {
	out := make([]func(Status), 0, len(m.listeners))
	for _, fn := range m.listeners {
		out = append(out, fn)
	}
	return out
}

func notify(listeners []func(Status), s Status) {
	for _, fn := range listeners {
		fn(s)
	}
}

// Instrumented decorates a channel so every delivered event, and every
// SUBSCRIBED status, refreshes its last-activity time before reaching the
// caller's handler.
type Instrumented struct {
	realtime.RealtimeChannel
	monitor *Monitor
	entry   *channelHealth
}

// On registers h behind the activity hook.
func (i *Instrumented) On(b realtime.Binding, h realtime.Handler) {
	i.RealtimeChannel.On(b, func(ev realtime.Event) {
		i.monitor.touch(i.entry)
		h(ev)
	})
}

// Subscribe joins the channel; SUBSCRIBED counts as activity.
func (i *Instrumented) Subscribe(fn realtime.StatusFunc) {
	i.RealtimeChannel.Subscribe(func(status realtime.ChannelStatus, err error) {
		if status == realtime.StatusSubscribed {
			i.monitor.touch(i.entry)
		}
		if fn != nil {
			fn(status, err)
		}
	})
}

// Unsubscribe leaves the channel and stops monitoring it.
func (i *Instrumented) Unsubscribe(ctx context.Context) error {
	err := i.RealtimeChannel.Unsubscribe(ctx)
	i.monitor.drop(i.entry)
	return err
}

// Name returns the name the channel was registered under.
func (i *Instrumented) Name() string {
	return i.entry.name
}
