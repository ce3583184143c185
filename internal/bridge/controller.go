// Package bridge keeps the matcher in sync with the Threat Bus. It owns the
// bus subscription and the matcher connection, forwards allow-listed
// indicator values and drives the snapshot protocol that repairs gaps after
// outages.
package bridge

import (
	"cmp"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"fever-threatbus/internal/backoff"
	"fever-threatbus/internal/bus"
	"fever-threatbus/internal/common"
	"fever-threatbus/internal/matcher"
	"fever-threatbus/internal/metrics"
	"fever-threatbus/internal/threat"
)

// State is the synchronization state of the controller.
type State int

const (
	StateStarting State = iota
	StateSyncing
	StateSteady
	StateResyncing
	StateStopped
)

var stateNames = []string{"starting", "syncing", "steady", "resyncing", "stopped"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// SnapshotPolicy decides what happens to a snapshot request made while
// another one is outstanding.
type SnapshotPolicy string

const (
	// PolicyQueue remembers the request, keeping the largest lookback, and
	// issues it once the outstanding snapshot completes or times out.
	PolicyQueue SnapshotPolicy = "queue"
	// PolicySkip drops the request.
	PolicySkip SnapshotPolicy = "skip"
)

// Bus is the subscription handle the controller reads from.
type Bus interface {
	Receive(ctx context.Context) (bus.Event, error)
	RequestSnapshot(ctx context.Context, lookback time.Duration) (string, error)
	Close() error
}

// Matcher is the control channel the controller writes to.
type Matcher interface {
	AddPattern(ctx context.Context, value string) error
	WaitReady(ctx context.Context) error
	Status() matcher.Status
	Changed() <-chan struct{}
	Close() error
}

type (
	BusDialer     func(ctx context.Context) (Bus, error)
	MatcherDialer func(ctx context.Context) (Matcher, error)
)

type Config struct {
	AllowList threat.AllowList
	// Lookback is the snapshot window requested on start and after short
	// outages.
	Lookback time.Duration
	// SnapshotInterval triggers periodic resyncs. Zero means Lookback.
	SnapshotInterval time.Duration
	SnapshotTimeout  time.Duration
	SnapshotPolicy   SnapshotPolicy
	// MinSpacing is the minimum time between two snapshot requests.
	MinSpacing time.Duration
	BufferSize int
	Backoff    backoff.Policy
}

func (c Config) withDefaults() Config {
	c.Lookback = cmp.Or(c.Lookback, 30*time.Second)
	c.SnapshotInterval = cmp.Or(c.SnapshotInterval, c.Lookback)
	c.SnapshotTimeout = cmp.Or(c.SnapshotTimeout, 60*time.Second)
	c.SnapshotPolicy = cmp.Or(c.SnapshotPolicy, PolicyQueue)
	c.BufferSize = cmp.Or(c.BufferSize, 1000)
	if c.Backoff.Base <= 0 {
		c.Backoff = backoff.DefaultPolicy()
	}
	return c
}

// Status is what the controller reports to the status endpoint.
type Status struct {
	State             string    `json:"state"`
	Since             time.Time `json:"since"`
	Snapshot          string    `json:"outstanding_snapshot,omitempty"`
	Buffered          int       `json:"buffered"`
	BufferSize        int       `json:"buffer_size"`
	Matcher           string    `json:"matcher"`
	MatcherReconnects uint64    `json:"matcher_reconnects"`
	BusReconnects     uint64    `json:"bus_reconnects"`
	BusAttached       bool      `json:"bus_attached"`
}

type item struct {
	value string
	// marker is set instead of value to signal that everything of a
	// snapshot ahead of it has been forwarded.
	marker string
}

// Controller runs the intake, forwarding, matcher watching and periodic
// snapshot tasks.
type Controller struct {
	cfg         Config
	logger      *slog.Logger
	dialBus     BusDialer
	dialMatcher MatcherDialer
	limiter     *rate.Limiter
	queue       chan item

	resyncSignal  chan struct{}
	drainedSignal chan struct{}

	mu             sync.Mutex
	state          State
	since          time.Time
	snapshotID     string
	matcher        Matcher
	busReconnects  uint64
	busAttached    bool
	resyncLookback time.Duration
	drainedID      string
}

func New(cfg Config, dialBus BusDialer, dialMatcher MatcherDialer, logger *slog.Logger) *Controller {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.MinSpacing > 0 {
		limit = rate.Every(cfg.MinSpacing)
	}
	return &Controller{
		cfg:           cfg,
		logger:        logger.With("component", "bridge"),
		dialBus:       dialBus,
		dialMatcher:   dialMatcher,
		limiter:       rate.NewLimiter(limit, 1),
		queue:         make(chan item, cfg.BufferSize),
		resyncSignal:  make(chan struct{}, 1),
		drainedSignal: make(chan struct{}, 1),
		state:         StateStarting,
		since:         time.Now(),
	}
}

func (c *Controller) String() string { return "bridge" }

// Serve connects the matcher, then the bus, retrying each with backoff, and
// runs until ctx is done. Both connections are closed on return.
func (c *Controller) Serve(ctx context.Context) error {
	c.setState(StateStarting)
	defer c.setState(StateStopped)

	m, err := c.connectMatcher(ctx)
	if err != nil {
		return nil
	}
	c.mu.Lock()
	c.matcher = m
	c.mu.Unlock()
	defer func() {
		_ = m.Close()
		c.mu.Lock()
		c.matcher = nil
		c.mu.Unlock()
	}()

	b, err := c.connectBus(ctx)
	if err != nil {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.intake(gctx, b) })
	g.Go(func() error { return c.forward(gctx, m) })
	g.Go(func() error { return c.watchMatcher(gctx, m) })
	g.Go(func() error { return c.tick(gctx) })
	return g.Wait()
}

func (c *Controller) connectMatcher(ctx context.Context) (Matcher, error) {
	var m Matcher
	err := c.cfg.Backoff.Retry(ctx, func() error {
		var err error
		m, err = c.dialMatcher(ctx)
		return err
	}, func(err error, next time.Duration) {
		c.logger.Warn("matcher unavailable", "err", err, "retry_in", next)
	})
	return m, err
}

func (c *Controller) connectBus(ctx context.Context) (Bus, error) {
	var b Bus
	err := c.cfg.Backoff.Retry(ctx, func() error {
		var err error
		b, err = c.dialBus(ctx)
		return err
	}, func(err error, next time.Duration) {
		c.logger.Warn("threatbus unavailable", "err", err, "retry_in", next)
	})
	return b, err
}

// forward is the only caller of AddPattern so values reach the matcher in
// arrival order.
func (c *Controller) forward(ctx context.Context, m Matcher) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case it := <-c.queue:
			metrics.BufferDepth.Set(float64(len(c.queue)))
			if it.marker != "" {
				c.markDrained(it.marker)
				continue
			}
			c.deliver(ctx, m, it.value)
		}
	}
}

func (c *Controller) deliver(ctx context.Context, m Matcher, value string) {
	err := c.cfg.Backoff.Retry(ctx, func() error {
		if err := m.WaitReady(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := m.AddPattern(ctx, value)
		if err != nil && !common.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, func(err error, next time.Duration) {
		metrics.MatcherRetries.Inc()
		c.logger.Debug("retrying pattern", "value", value, "err", err, "retry_in", next)
	})
	switch {
	case err == nil:
		metrics.PatternsForwarded.Inc()
	case ctx.Err() != nil:
	default:
		metrics.PatternsRejected.Inc()
		c.logger.Warn("matcher rejected pattern", "value", value, "err", err)
	}
}

// watchMatcher requests a resync whenever the matcher comes back from an
// outage.
func (c *Controller) watchMatcher(ctx context.Context, m Matcher) error {
	last := m.Status()
	for {
		changed := m.Changed()
		st := m.Status()
		if st.State != last.State {
			c.logger.Info("matcher state changed", "from", last.State, "to", st.State)
		}
		if st.State == matcher.StateDegraded && last.State != matcher.StateDegraded {
			c.logger.Warn("forwarding paused until matcher recovers")
		}
		if st.Reconnects > last.Reconnects && st.State == matcher.StateReady {
			c.TriggerResync(max(c.cfg.Lookback, st.LastOutage), "matcher reconnected")
		}
		last = st
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		}
	}
}

func (c *Controller) tick(ctx context.Context) error {
	t := time.NewTicker(c.cfg.SnapshotInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			c.TriggerResync(c.cfg.Lookback, "periodic")
		}
	}
}

// TriggerResync asks the intake loop for a snapshot covering lookback.
// Requests that arrive before the loop picks them up are merged.
func (c *Controller) TriggerResync(lookback time.Duration, reason string) {
	c.mu.Lock()
	c.resyncLookback = max(c.resyncLookback, lookback)
	c.mu.Unlock()
	c.logger.Debug("resync requested", "reason", reason, "lookback", lookback)
	select {
	case c.resyncSignal <- struct{}{}:
	default:
	}
}

func (c *Controller) takeResync() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	lb := c.resyncLookback
	c.resyncLookback = 0
	return lb
}

func (c *Controller) markDrained(id string) {
	c.mu.Lock()
	c.drainedID = id
	c.mu.Unlock()
	select {
	case c.drainedSignal <- struct{}{}:
	default:
	}
}

func (c *Controller) takeDrained() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.drainedID
	c.drainedID = ""
	return id
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(st State) {
	c.mu.Lock()
	prev := c.state
	if prev == st {
		c.mu.Unlock()
		return
	}
	c.state, c.since = st, time.Now()
	c.mu.Unlock()
	metrics.SetState(metrics.SyncState, st.String(), stateNames...)
	c.logger.Info("sync state changed", "from", prev, "to", st)
}

func (c *Controller) setSnapshot(id string) {
	c.mu.Lock()
	c.snapshotID = id
	c.mu.Unlock()
}

// Status reports the current synchronization state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		State:         c.state.String(),
		Since:         c.since,
		Snapshot:      c.snapshotID,
		Buffered:      len(c.queue),
		BufferSize:    cap(c.queue),
		BusReconnects: c.busReconnects,
		BusAttached:   c.busAttached,
		Matcher:       matcher.StateConnecting.String(),
	}
	m := c.matcher
	c.mu.Unlock()
	if m != nil {
		ms := m.Status()
		st.Matcher = ms.State.String()
		st.MatcherReconnects = ms.Reconnects
	}
	return st
}

// Healthy reports whether the controller is connected to both sides and
// forwarding.
func (c *Controller) Healthy() bool {
	switch c.State() {
	case StateSyncing, StateSteady, StateResyncing:
	default:
		return false
	}
	c.mu.Lock()
	m, attached := c.matcher, c.busAttached
	c.mu.Unlock()
	return attached && m != nil && m.Status().State == matcher.StateReady
}

func (c *Controller) setBusAttached(attached bool) {
	c.mu.Lock()
	c.busAttached = attached
	c.mu.Unlock()
}
