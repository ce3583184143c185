package bridge

import (
	"context"
	"time"

	"fever-threatbus/internal/bus"
	"fever-threatbus/internal/common"
	"fever-threatbus/internal/metrics"
	"fever-threatbus/internal/threat"
)

type received struct {
	ev  bus.Event
	err error
}

// intake owns the bus handle and the snapshot bookkeeping. Only the intake
// goroutine touches it.
type intake struct {
	c *Controller

	bus       Bus
	events    chan received
	stopPump  context.CancelFunc
	lastEvent time.Time

	outstanding string
	timeout     *time.Timer
	timeoutC    <-chan time.Time
	retryC      <-chan time.Time

	pending         bool
	pendingLookback time.Duration
}

func (c *Controller) intake(ctx context.Context, b Bus) error {
	in := &intake{c: c}
	in.attach(ctx, b)
	defer in.detach()

	c.setState(StateSyncing)
	in.request(ctx, c.cfg.Lookback, "initial sync")

	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-in.events:
			if err := in.handle(ctx, r); err != nil {
				return nil
			}
		case <-c.resyncSignal:
			in.request(ctx, c.takeResync(), "resync")
		case <-c.drainedSignal:
			in.drained(ctx, c.takeDrained())
		case <-in.timeoutC:
			in.timedOut(ctx)
		case <-in.retryC:
			in.retryC = nil
			in.issuePending(ctx, "retry")
		}
	}
}

// attach starts pumping events from b. Each handle gets its own channel so
// nothing from a replaced handle is read after detach.
func (in *intake) attach(ctx context.Context, b Bus) {
	pctx, cancel := context.WithCancel(ctx)
	events := make(chan received)
	in.bus, in.events, in.stopPump = b, events, cancel
	in.lastEvent = time.Now()
	in.c.setBusAttached(true)
	go pump(pctx, b, events)
}

func (in *intake) detach() {
	if in.bus == nil {
		return
	}
	in.c.setBusAttached(false)
	in.stopPump()
	_ = in.bus.Close()
	in.bus, in.events = nil, nil
}

func pump(ctx context.Context, b Bus, out chan<- received) {
	for {
		ev, err := b.Receive(ctx)
		if ctx.Err() != nil {
			return
		}
		select {
		case out <- received{ev: ev, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil && !common.IsMalformed(err) {
			return
		}
	}
}

func (in *intake) handle(ctx context.Context, r received) error {
	c := in.c
	switch {
	case r.err == nil:
		in.lastEvent = time.Now()
	case common.IsMalformed(r.err):
		in.lastEvent = time.Now()
		metrics.IndicatorsMalformed.Inc()
		c.logger.Warn("skipping malformed indicator", "err", r.err)
		return nil
	default:
		return in.reconnect(ctx, r.err)
	}

	switch r.ev.Kind {
	case bus.EventIndicator:
		for _, p := range threat.Filter(r.ev.Indicator, c.cfg.AllowList) {
			if err := in.push(ctx, item{value: p.Value}); err != nil {
				return err
			}
		}
	case bus.EventSnapshotDone:
		id := r.ev.Snapshot.SnapshotID
		if id != in.outstanding {
			c.logger.Debug("ignoring marker of stale snapshot", "snapshot_id", id)
			return nil
		}
		c.logger.Debug("snapshot delivered", "snapshot_id", id, "count", r.ev.Snapshot.Count)
		return in.push(ctx, item{marker: id})
	case bus.EventGap:
		in.gap(ctx, r.ev.DroppedSince)
	}
	return nil
}

// gap resyncs the window in which the bus dropped messages. An outstanding
// snapshot may have lost part of its replay or its marker, so it is
// abandoned and the new request covers it too.
func (in *intake) gap(ctx context.Context, since time.Time) {
	c := in.c
	window := time.Since(since)
	lookback := max(c.cfg.Lookback, window)
	c.logger.Warn("threatbus dropped messages, resyncing", "window", window.Round(time.Millisecond), "lookback", lookback)
	if in.outstanding != "" {
		in.clearOutstanding()
	}
	c.setState(StateResyncing)
	in.request(ctx, lookback, "threatbus gap")
}

// push blocks while the queue is full. Intake stops receiving until the
// forwarder catches up.
func (in *intake) push(ctx context.Context, it item) error {
	select {
	case in.c.queue <- it:
		metrics.BufferDepth.Set(float64(len(in.c.queue)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *intake) reconnect(ctx context.Context, cause error) error {
	c := in.c
	outageStart := in.lastEvent
	c.logger.Warn("threatbus connection lost", "err", cause)
	in.detach()
	in.clearOutstanding()
	c.setState(StateResyncing)

	b, err := c.connectBus(ctx)
	if err != nil {
		return err
	}
	metrics.Reconnects.WithLabelValues(string(common.ComponentBus)).Inc()
	c.mu.Lock()
	c.busReconnects++
	c.mu.Unlock()
	in.attach(ctx, b)

	outage := time.Since(outageStart)
	lookback := max(c.cfg.Lookback, outage, in.pendingLookback)
	in.pending, in.pendingLookback = false, 0
	c.logger.Info("threatbus reconnected", "outage", outage.Round(time.Millisecond))
	in.request(ctx, lookback, "threatbus reconnected")
	return nil
}

// request issues a snapshot unless one is outstanding, in which case the
// snapshot policy applies.
func (in *intake) request(ctx context.Context, lookback time.Duration, reason string) {
	c := in.c
	if lookback <= 0 {
		lookback = c.cfg.Lookback
	}
	if in.outstanding != "" {
		if c.cfg.SnapshotPolicy == PolicySkip {
			metrics.Snapshots.WithLabelValues("skipped").Inc()
			c.logger.Debug("snapshot outstanding, skipping request", "reason", reason)
			return
		}
		in.pending = true
		in.pendingLookback = max(in.pendingLookback, lookback)
		return
	}
	if in.pending {
		lookback = max(lookback, in.pendingLookback)
		in.pending, in.pendingLookback, in.retryC = false, 0, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return
	}
	id, err := in.bus.RequestSnapshot(ctx, lookback)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.Snapshots.WithLabelValues("failed").Inc()
		c.logger.Warn("snapshot request failed", "err", err, "lookback", lookback)
		in.pending = true
		in.pendingLookback = max(in.pendingLookback, lookback)
		in.retryC = time.After(c.cfg.Backoff.Base)
		return
	}

	in.outstanding = id
	in.timeout = time.NewTimer(c.cfg.SnapshotTimeout)
	in.timeoutC = in.timeout.C
	c.setSnapshot(id)
	metrics.Snapshots.WithLabelValues("requested").Inc()
	if c.State() != StateSyncing {
		c.setState(StateResyncing)
	}
	c.logger.Info("snapshot requested", "snapshot_id", id, "lookback", lookback, "reason", reason)
}

func (in *intake) drained(ctx context.Context, id string) {
	if id == "" || id != in.outstanding {
		return
	}
	in.clearOutstanding()
	metrics.Snapshots.WithLabelValues("completed").Inc()
	in.c.logger.Info("snapshot drained", "snapshot_id", id)
	in.settle(ctx, "queued")
}

func (in *intake) timedOut(ctx context.Context) {
	id := in.outstanding
	in.clearOutstanding()
	metrics.Snapshots.WithLabelValues("timed_out").Inc()
	in.c.logger.Warn("snapshot timed out", "snapshot_id", id, "timeout", in.c.cfg.SnapshotTimeout)
	in.settle(ctx, "queued after timeout")
}

// settle issues a queued snapshot if there is one and otherwise returns to
// steady state.
func (in *intake) settle(ctx context.Context, reason string) {
	if in.pending {
		in.c.setState(StateResyncing)
		in.issuePending(ctx, reason)
		return
	}
	in.c.setState(StateSteady)
}

func (in *intake) issuePending(ctx context.Context, reason string) {
	if !in.pending {
		return
	}
	lb := in.pendingLookback
	in.pending, in.pendingLookback = false, 0
	in.request(ctx, lb, reason)
}

func (in *intake) clearOutstanding() {
	if in.timeout != nil {
		in.timeout.Stop()
	}
	in.outstanding, in.timeout, in.timeoutC = "", nil, nil
	in.c.setSnapshot("")
}
