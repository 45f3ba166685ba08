// Package presence shares one presence channel between any number of
// listeners. The channel is opened for the first listener and closed after
// the last one leaves; failures are retried with the presence backoff
// profile until the retry budget runs out.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/markb/tableside/internal/backoff"
	"github.com/markb/tableside/internal/history"
	"github.com/markb/tableside/internal/log"
	"github.com/markb/tableside/internal/observability"
	"github.com/markb/tableside/internal/realtime"
)

// ConnectionStatus is the tracker's connection state.
type ConnectionStatus string

const (
	StatusIdle         ConnectionStatus = "idle"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
	StatusDisconnected ConnectionStatus = "disconnected"
)

const unsubscribeTimeout = 10 * time.Second

// Config configures the tracker.
type Config struct {
	Room                 string         `koanf:"room"`
	Key                  string         `koanf:"key"`
	Meta                 map[string]any `koanf:"meta"`
	MaxRetries           int            `koanf:"max_retries"`
	SnapshotInterval     time.Duration  `koanf:"snapshot_interval"`
	SnapshotInitialDelay time.Duration  `koanf:"snapshot_initial_delay"`
	DedupWindow          time.Duration  `koanf:"dedup_window"`
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() Config {
	return Config{
		Room:                 "staff",
		MaxRetries:           5,
		SnapshotInterval:     5 * time.Minute,
		SnapshotInitialDelay: 10 * time.Second,
		DedupWindow:          4 * time.Minute,
	}
}

// StateListener receives the presence snapshot after every sync.
type StateListener func(realtime.PresenceSnapshot)

// StatusListener receives connection status changes.
type StatusListener func(ConnectionStatus)

// SnapshotWriter is the part of history.Store the tracker writes to.
type SnapshotWriter interface {
	RecentExists(ctx context.Context, room string, since time.Time) (bool, error)
	Insert(ctx context.Context, s history.Snapshot) error
}

// Outcome of one occupancy snapshot attempt.
type Outcome string

const (
	OutcomeWritten   Outcome = "written"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeError     Outcome = "error"
)

// Scheduler runs fn after d and returns a func that cancels it.
type Scheduler func(d time.Duration, fn func()) (stop func())

// Tracker owns the shared presence channel. Construct one per process with
// NewTracker; it is safe for concurrent use.
type Tracker struct {
	opener   realtime.PresenceOpener
	cfg      Config
	policy   backoff.Policy
	store    SnapshotWriter
	now      func() time.Time
	schedule Scheduler
	metrics  *observability.Metrics

	mu              sync.Mutex
	ctx             context.Context
	cancel          context.CancelFunc
	loopDone        chan struct{}
	ch              realtime.PresenceChannel
	gen             uint64
	state           realtime.PresenceSnapshot
	status          ConnectionStatus
	attempts        int
	retryStop       func()
	listeners       map[int]StateListener
	statusListeners map[int]StatusListener
	nextID          int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithStore enables occupancy snapshots.
func WithStore(s SnapshotWriter) Option {
	return func(t *Tracker) { t.store = s }
}

// WithBackoff overrides the presence backoff profile.
func WithBackoff(p backoff.Policy) Option {
	return func(t *Tracker) { t.policy = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithScheduler replaces time.AfterFunc for retry timers.
func WithScheduler(s Scheduler) Option {
	return func(t *Tracker) { t.schedule = s }
}

// WithMetrics records snapshot outcomes and status transitions.
func WithMetrics(m *observability.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// NewTracker creates an idle tracker.
func NewTracker(opener realtime.PresenceOpener, cfg Config, opts ...Option) *Tracker {
	def := DefaultConfig()
	if cfg.Room == "" {
		cfg.Room = def.Room
	}
	if cfg.Key == "" {
		cfg.Key = uuid.NewString()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = def.SnapshotInterval
	}
	if cfg.SnapshotInitialDelay <= 0 {
		cfg.SnapshotInitialDelay = def.SnapshotInitialDelay
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = def.DedupWindow
	}
	t := &Tracker{
		opener:   opener,
		cfg:      cfg,
		policy:   backoff.PresenceProfile,
		now:      time.Now,
		schedule: func(d time.Duration, fn func()) func() {
			timer := time.AfterFunc(d, fn)
			return func() { timer.Stop() }
		},
		ctx:             context.Background(),
		status:          StatusIdle,
		state:           realtime.PresenceSnapshot{},
		listeners:       make(map[int]StateListener),
		statusListeners: make(map[int]StatusListener),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins the occupancy snapshot loop and, when listeners are
// registered but the channel was stopped, reopens it.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	t.ctx, t.cancel = ctx, cancel
	done := make(chan struct{})
	t.loopDone = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		t.snapshotLoop(ctx)
	}()
	log.Info("presence: tracker started", "room", t.cfg.Room, "key", t.cfg.Key)
	t.connect()
}

// Stop ends the snapshot loop and tears the channel down. Listeners stay
// registered; a later Subscribe reopens the channel.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.loopDone
	t.cancel, t.loopDone = nil, nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	t.teardown()
	log.Info("presence: tracker stopped", "room", t.cfg.Room)
}

// Serve runs the tracker until ctx is done.
func (t *Tracker) Serve(ctx context.Context) error {
	t.Start(ctx)
	<-ctx.Done()
	t.Stop()
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logs.
func (t *Tracker) String() string {
	return "presence-tracker"
}

// Subscribe adds a state listener and returns its unsubscribe func. The
// first listener of either kind opens the channel.
func (t *Tracker) Subscribe(fn StateListener) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	first := t.ch == nil
	state := copySnapshot(t.state)
	t.mu.Unlock()

	if first {
		t.connect()
	} else if len(state) > 0 {
		fn(state)
	}
	return t.release(func() { delete(t.listeners, id) })
}

// SubscribeStatus adds a status listener and returns its unsubscribe func.
func (t *Tracker) SubscribeStatus(fn StatusListener) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.statusListeners[id] = fn
	first := t.ch == nil
	status := t.status
	t.mu.Unlock()

	if first {
		t.connect()
	} else {
		fn(status)
	}
	return t.release(func() { delete(t.statusListeners, id) })
}

// release wraps a listener removal so it runs once and tears down the
// channel when no listeners of either kind remain.
func (t *Tracker) release(remove func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			remove()
			empty := t.listenerCount() == 0
			t.mu.Unlock()
			if empty {
				t.teardown()
			}
		})
	}
}

// Status returns the current connection status.
func (t *Tracker) Status() ConnectionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// State returns a copy of the current presence snapshot.
func (t *Tracker) State() realtime.PresenceSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copySnapshot(t.state)
}

// RetryAttempts returns the consecutive automatic retries since the last
// successful subscribe.
func (t *Tracker) RetryAttempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// VisibilityChanged handles the host becoming visible or hidden. Becoming
// visible while not connected resets the retry budget and reconnects
// immediately, skipping the backoff delay.
func (t *Tracker) VisibilityChanged(visible bool) {
	if !visible {
		return
	}
	t.mu.Lock()
	skip := t.status == StatusConnected || t.listenerCount() == 0
	t.mu.Unlock()
	if skip {
		return
	}
	log.Info("presence: visible again, reconnecting")
	t.Reconnect()
}

// Reconnect resets the retry budget and reopens the channel now. It does
// nothing without listeners.
func (t *Tracker) Reconnect() {
	t.mu.Lock()
	if t.listenerCount() == 0 {
		t.mu.Unlock()
		return
	}
	t.attempts = 0
	t.stopRetry()
	t.mu.Unlock()
	t.restart()
}

// connect opens a fresh channel generation.
func (t *Tracker) connect() {
	t.mu.Lock()
	if t.ch != nil || t.listenerCount() == 0 {
		t.mu.Unlock()
		return
	}
	t.gen++
	gen := t.gen
	ch := t.opener.OpenPresence(t.cfg.Room, t.cfg.Key)
	t.ch = ch
	t.status = StatusConnecting
	listeners := t.statusSnapshot()
	t.mu.Unlock()

	ch.On(realtime.Binding{Type: realtime.BindingPresence, Event: realtime.PresenceSync}, func(realtime.Event) {
		t.onSync(gen, ch)
	})
	log.Debug("presence: connecting", "room", t.cfg.Room, "topic", ch.Topic())
	notifyStatus(listeners, StatusConnecting)
	ch.Subscribe(func(status realtime.ChannelStatus, err error) {
		t.onStatus(gen, status, err)
	})
}

// restart drops the current channel and opens a new one.
func (t *Tracker) restart() {
	t.mu.Lock()
	old := t.ch
	t.ch = nil
	t.gen++
	t.mu.Unlock()
	t.unsubscribe(old)
	t.connect()
}

// teardown closes the channel and returns to idle.
func (t *Tracker) teardown() {
	t.mu.Lock()
	old := t.ch
	t.ch = nil
	t.gen++
	t.stopRetry()
	t.attempts = 0
	t.state = realtime.PresenceSnapshot{}
	changed := t.status != StatusIdle
	t.status = StatusIdle
	listeners := t.statusSnapshot()
	t.mu.Unlock()

	t.unsubscribe(old)
	if changed {
		notifyStatus(listeners, StatusIdle)
	}
}

func (t *Tracker) unsubscribe(ch realtime.PresenceChannel) {
	if ch == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	if err := ch.Unsubscribe(ctx); err != nil {
		log.Warn("presence: unsubscribe failed", "topic", ch.Topic(), "error", err.Error())
	}
}

func (t *Tracker) onSync(gen uint64, ch realtime.PresenceChannel) {
	state := ch.PresenceState()
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.state = state
	listeners := make([]StateListener, 0, len(t.listeners))
	for _, fn := range t.listeners {
		listeners = append(listeners, fn)
	}
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(copySnapshot(state))
	}
}

func (t *Tracker) onStatus(gen uint64, status realtime.ChannelStatus, err error) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	var next ConnectionStatus
	switch status {
	case realtime.StatusSubscribed:
		next = StatusConnected
		t.attempts = 0
		t.stopRetry()
	case realtime.StatusChannelError, realtime.StatusTimedOut:
		next = StatusError
	case realtime.StatusClosed:
		next = StatusDisconnected
	default:
		t.mu.Unlock()
		return
	}
	t.status = next
	if next != StatusConnected {
		t.scheduleRetry()
	}
	ch, ctx := t.ch, t.ctx
	listeners := t.statusSnapshot()
	t.mu.Unlock()

	t.metrics.RecordStatus(context.Background(), "presence", string(status))
	if err != nil {
		log.Warn("presence: channel status", "status", string(status), "error", err.Error())
	} else {
		log.Debug("presence: channel status", "status", string(status))
	}
	notifyStatus(listeners, next)

	if next == StatusConnected && ch != nil {
		if err := ch.Track(ctx, t.trackPayload()); err != nil {
			log.Warn("presence: track failed", "key", t.cfg.Key, "error", err.Error())
		}
	}
}

// scheduleRetry arms one retry timer unless one is pending, the budget is
// spent or nobody is listening. Callers hold t.mu.
func (t *Tracker) scheduleRetry() {
	if t.retryStop != nil || t.listenerCount() == 0 {
		return
	}
	if t.attempts >= t.cfg.MaxRetries {
		log.Warn("presence: retry budget exhausted", "attempts", t.attempts, "max_retries", t.cfg.MaxRetries)
		return
	}
	delay := t.policy.Delay(t.attempts)
	t.attempts++
	log.Info("presence: retry scheduled", "attempt", t.attempts, "delay", delay.String())
	gen := t.gen
	t.retryStop = t.schedule(delay, func() {
		t.mu.Lock()
		if gen != t.gen {
			t.mu.Unlock()
			return
		}
		t.retryStop = nil
		t.mu.Unlock()
		t.restart()
	})
}

// stopRetry cancels a pending retry. Callers hold t.mu.
func (t *Tracker) stopRetry() {
	if t.retryStop != nil {
		t.retryStop()
		t.retryStop = nil
	}
}

func (t *Tracker) listenerCount() int {
	return len(t.listeners) + len(t.statusListeners)
}

func (t *Tracker) statusSnapshot() []StatusListener {
	out := make([]StatusListener, 0, len(t.statusListeners))
	for _, fn := range t.statusListeners {
		out = append(out, fn)
	}
	return out
}

func (t *Tracker) trackPayload() map[string]any {
	payload := make(map[string]any, len(t.cfg.Meta)+1)
	for k, v := range t.cfg.Meta {
		payload[k] = v
	}
	payload["online_at"] = t.now().UTC().Format(time.RFC3339)
	return payload
}

// SnapshotOnce writes one occupancy sample if the tracker is connected and
// the room is not empty. A sample already recorded inside DedupWindow, by
// this or any other process, suppresses the write. The check and the insert
// are not atomic, so concurrent writers can both insert.
func (t *Tracker) SnapshotOnce(ctx context.Context) Outcome {
	if t.store == nil {
		return OutcomeSkipped
	}
	t.mu.Lock()
	status := t.status
	members := t.state.Keys()
	t.mu.Unlock()
	if status != StatusConnected || len(members) == 0 {
		return OutcomeSkipped
	}
	sort.Strings(members)

	now := t.now()
	outcome := t.writeSnapshot(ctx, now, members)
	t.metrics.RecordSnapshot(ctx, t.cfg.Room, string(outcome))
	return outcome
}

func (t *Tracker) writeSnapshot(ctx context.Context, now time.Time, members []string) Outcome {
	exists, err := t.store.RecentExists(ctx, t.cfg.Room, now.Add(-t.cfg.DedupWindow))
	if err != nil {
		log.Error("presence: snapshot check failed", "room", t.cfg.Room, "error", err.Error())
		return OutcomeError
	}
	if exists {
		log.Debug("presence: recent snapshot exists, skipping", "room", t.cfg.Room)
		return OutcomeDuplicate
	}
	err = t.store.Insert(ctx, history.Snapshot{
		Room:       t.cfg.Room,
		Count:      len(members),
		Members:    members,
		RecordedAt: now,
	})
	if err != nil {
		log.Error("presence: snapshot write failed", "room", t.cfg.Room, "error", err.Error())
		return OutcomeError
	}
	log.Info("presence: occupancy snapshot written", "room", t.cfg.Room, "count", len(members))
	return OutcomeWritten
}

func (t *Tracker) snapshotLoop(ctx context.Context) {
	if t.store == nil {
		return
	}
	timer := time.NewTimer(t.cfg.SnapshotInitialDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		t.SnapshotOnce(ctx)
	}

	ticker := time.NewTicker(t.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.SnapshotOnce(ctx)
		}
	}
}

func notifyStatus(listeners []StatusListener, s ConnectionStatus) {
	for _, fn := range listeners {
		fn(s)
	}
}

func copySnapshot(s realtime.PresenceSnapshot) realtime.PresenceSnapshot {
	out := make(realtime.PresenceSnapshot, len(s))
	for k, v := range s {
		out[k] = append([]map[string]any(nil), v...)
	}
	return out
}
