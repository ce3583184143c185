// Package bus is the Threat Bus client. It subscribes to STIX-2 indicators
// over NATS, keeps the subscription alive with heartbeats and requests
// snapshots of recent history.
package bus

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"fever-threatbus/internal/common"
	"fever-threatbus/internal/metrics"
	"fever-threatbus/internal/threat"
)

var (
	ErrLivenessTimeout = errors.New("no traffic from threatbus within liveness timeout")
	ErrHeartbeatFailed = errors.New("heartbeat failed")
	ErrClosed          = errors.New("subscription closed")
)

// Config describes how to reach the bus and how to keep the subscription alive.
type Config struct {
	Address           string
	ManageSubject     string
	Topic             string
	ClientName        string
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	LivenessTimeout   time.Duration
	// PendingLimit bounds the messages handed from the NATS client to
	// Receive. While it is full the client holds further messages, up to
	// PendingBytes. Messages beyond that are dropped and Receive reports a
	// gap.
	PendingLimit int
	PendingBytes int
}

func (c Config) withDefaults() Config {
	c.ManageSubject = cmp.Or(c.ManageSubject, "threatbus.manage")
	c.Topic = cmp.Or(c.Topic, "stix2/indicator")
	c.ClientName = cmp.Or(c.ClientName, "fever-threatbus")
	c.RequestTimeout = cmp.Or(c.RequestTimeout, 5*time.Second)
	c.HeartbeatInterval = cmp.Or(c.HeartbeatInterval, 5*time.Second)
	c.LivenessTimeout = cmp.Or(c.LivenessTimeout, 30*time.Second)
	c.PendingLimit = cmp.Or(c.PendingLimit, 1024)
	c.PendingBytes = cmp.Or(c.PendingBytes, 64<<20)
	return c
}

// State is the lifecycle state of a Subscription.
type State int32

const (
	StateConnecting State = iota
	StateSubscribed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// EventKind distinguishes the events returned by Receive.
type EventKind int

const (
	EventIndicator EventKind = iota + 1
	EventSnapshotDone
	// EventGap reports that messages were dropped on the way in. DroppedSince
	// is the time of the first lost message.
	EventGap
)

// Event is one inbound message from the bus.
type Event struct {
	Kind         EventKind
	Indicator    threat.Indicator
	Snapshot     SnapshotDone
	DroppedSince time.Time
}

// DisconnectSignal is returned by Receive once the subscription is lost.
// The handle is unusable afterwards and must be replaced via Connect.
type DisconnectSignal struct {
	Reason error
}

func (d *DisconnectSignal) Error() string {
	return "threatbus disconnected: " + d.Reason.Error()
}

func (d *DisconnectSignal) Unwrap() error { return d.Reason }

// IsDisconnect reports whether err is a DisconnectSignal.
func IsDisconnect(err error) bool {
	var ds *DisconnectSignal
	return errors.As(err, &ds)
}

// Subscription is an active subscription to the bus.
type Subscription struct {
	cfg    Config
	logger *slog.Logger

	nc    *nats.Conn
	sub   *nats.Subscription
	msgs  chan *nats.Msg
	topic string

	state        atomic.Int32
	lastSeen     atomic.Int64
	gapSince     atomic.Int64
	gap          chan struct{}
	unsubscribed atomic.Bool

	lost     chan struct{}
	lostOnce sync.Once
	lostErr  error

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Connect dials the bus, performs the subscribe handshake and starts the
// heartbeat. All failures are *common.ConnectionError.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Subscription, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subscription{
		cfg:     cfg,
		logger:  logger.With("component", "threatbus"),
		msgs:    make(chan *nats.Msg, cfg.PendingLimit),
		gap:     make(chan struct{}, 1),
		lost:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	s.setState(StateConnecting)

	nc, err := nats.Connect(cfg.Address,
		nats.Name(cfg.ClientName),
		nats.Timeout(cfg.RequestTimeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.lose(fmt.Errorf("connection lost: %w", cmp.Or(err, nats.ErrConnectionClosed)))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			s.lose(nats.ErrConnectionClosed)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			if errors.Is(err, nats.ErrSlowConsumer) {
				s.markGap()
				return
			}
			s.logger.Warn("threatbus async error", "err", err)
		}),
	)
	if err != nil {
		return nil, s.connErr(err)
	}
	s.nc = nc

	s.logger.Info("subscribing", "topic", cfg.Topic, "address", cfg.Address)
	reply, err := s.manage(ctx, ManageRequest{Action: ActionSubscribe, Topic: cfg.Topic})
	if err != nil {
		nc.Close()
		return nil, s.connErr(fmt.Errorf("subscribe: %w", err))
	}
	if reply.Topic == "" {
		nc.Close()
		return nil, s.connErr(errors.New("subscribe: reply carries no topic"))
	}
	s.topic = reply.Topic

	sub, err := nc.Subscribe(s.topic+".>", s.deliver)
	if err == nil {
		err = sub.SetPendingLimits(-1, cfg.PendingBytes)
	}
	if err == nil {
		err = nc.FlushTimeout(cfg.RequestTimeout)
	}
	if err != nil {
		s.unsubscribe()
		nc.Close()
		return nil, s.connErr(fmt.Errorf("listen on %s: %w", s.topic, err))
	}
	s.sub = sub

	s.touch()
	s.setState(StateSubscribed)
	s.wg.Add(1)
	go s.heartbeat()

	s.logger.Info("subscription successful", "p2p_topic", s.topic)
	return s, nil
}

// Topic returns the peer-to-peer topic assigned by the bus.
func (s *Subscription) Topic() string { return s.topic }

func (s *Subscription) State() State { return State(s.state.Load()) }

func (s *Subscription) setState(st State) { s.state.Store(int32(st)) }

// deliver runs on the subscription's dispatch goroutine. It blocks while
// Receive is not keeping up, so the NATS client holds the backlog.
func (s *Subscription) deliver(msg *nats.Msg) {
	s.touch()
	select {
	case s.msgs <- msg:
	case <-s.closing:
	case <-s.lost:
	}
}

func (s *Subscription) markGap() {
	if s.gapSince.CompareAndSwap(0, time.Now().UnixNano()) {
		metrics.BusGaps.Inc()
		s.logger.Warn("threatbus messages dropped, intake too slow", "p2p_topic", s.topic)
	}
	select {
	case s.gap <- struct{}{}:
	default:
	}
}

func (s *Subscription) takeGap() (Event, bool) {
	since := s.gapSince.Swap(0)
	if since == 0 {
		return Event{}, false
	}
	return Event{Kind: EventGap, DroppedSince: time.Unix(0, since)}, true
}

// Receive blocks until the next indicator or end-of-snapshot marker arrives,
// messages were dropped, the subscription is lost, or ctx is done. A
// malformed indicator is returned as *common.MalformedIndicatorError and
// leaves the subscription usable. Loss is reported as *DisconnectSignal.
func (s *Subscription) Receive(ctx context.Context) (Event, error) {
	if ev, ok := s.takeGap(); ok {
		return ev, nil
	}
	liveness := time.NewTimer(s.cfg.LivenessTimeout)
	defer liveness.Stop()
	for {
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.lost:
			return Event{}, &DisconnectSignal{Reason: s.lostErr}
		case <-s.gap:
			if ev, ok := s.takeGap(); ok {
				return ev, nil
			}
		case msg := <-s.msgs:
			ev, ok, err := s.decode(msg)
			if err != nil {
				return Event{}, err
			}
			if ok {
				return ev, nil
			}
		case <-liveness.C:
			idle := time.Since(time.Unix(0, s.lastSeen.Load()))
			if idle >= s.cfg.LivenessTimeout {
				s.lose(fmt.Errorf("%w (idle %s)", ErrLivenessTimeout, idle.Round(time.Millisecond)))
				continue
			}
			liveness.Reset(s.cfg.LivenessTimeout - idle)
		}
	}
}

func (s *Subscription) decode(msg *nats.Msg) (Event, bool, error) {
	suffix := strings.TrimPrefix(msg.Subject, s.topic+".")
	switch suffix {
	case SuffixIndicator:
		metrics.IndicatorsReceived.Inc()
		ind, err := threat.ParseIndicator(msg.Data)
		if err != nil {
			return Event{}, false, err
		}
		return Event{Kind: EventIndicator, Indicator: ind}, true, nil
	case SuffixSnapshot:
		var done SnapshotDone
		if err := json.Unmarshal(msg.Data, &done); err != nil || done.SnapshotID == "" {
			s.logger.Warn("invalid snapshot marker", "subject", msg.Subject, "err", err)
			return Event{}, false, nil
		}
		return Event{Kind: EventSnapshotDone, Snapshot: done}, true, nil
	}
	s.logger.Debug("skipping unsupported message", "subject", msg.Subject)
	return Event{}, false, nil
}

// RequestSnapshot asks the bus to redeliver the indicators of the last
// lookback. The returned id is echoed in the end-of-snapshot marker.
// Failures are *common.RetryableError.
func (s *Subscription) RequestSnapshot(ctx context.Context, lookback time.Duration) (string, error) {
	if st := s.State(); st != StateSubscribed {
		return "", &common.RetryableError{Op: "snapshot request", Err: fmt.Errorf("subscription %s", st)}
	}
	secs := int(math.Ceil(lookback.Seconds()))
	if secs < 1 {
		secs = 1
	}
	id := uuid.NewString()
	if _, err := s.manage(ctx, ManageRequest{Action: ActionSnapshot, Topic: s.topic, Snapshot: secs, SnapshotID: id}); err != nil {
		return "", &common.RetryableError{Op: "snapshot request", Err: err}
	}
	s.touch()
	return id, nil
}

// Close unsubscribes from the bus and releases the connection. The
// unsubscribe is attempted whenever the connection is still up, including
// after a heartbeat or liveness failure. It is safe to call more than once.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		if s.nc.IsConnected() {
			s.unsubscribe()
		}
		s.lose(ErrClosed)
		if s.sub != nil {
			_ = s.sub.Unsubscribe()
		}
		s.nc.Close()
		s.wg.Wait()
		s.setState(StateDisconnected)
	})
	return nil
}

func (s *Subscription) unsubscribe() {
	if err := s.Release(context.Background(), s.topic); err != nil {
		return
	}
	s.unsubscribed.Store(true)
}

// Unsubscribed reports whether the bus confirmed the release of this
// subscription's topic.
func (s *Subscription) Unsubscribed() bool { return s.unsubscribed.Load() }

// Release asks the bus to drop topic. It is used for this subscription's
// own topic on Close and for the topic of an earlier subscription that
// could not release it itself.
func (s *Subscription) Release(ctx context.Context, topic string) error {
	if _, err := s.manage(ctx, ManageRequest{Action: ActionUnsubscribe, Topic: topic}); err != nil {
		s.logger.Warn("unsubscription failed", "p2p_topic", topic, "err", err)
		return err
	}
	s.logger.Info("unsubscription successful", "p2p_topic", topic)
	return nil
}

func (s *Subscription) heartbeat() {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-s.closing:
			return
		case <-s.lost:
			return
		case <-t.C:
		}
		_, err := s.manage(context.Background(), ManageRequest{Action: ActionHeartbeat, Topic: s.topic})
		if err != nil {
			select {
			case <-s.closing:
				return
			default:
			}
			s.lose(fmt.Errorf("%w: %v", ErrHeartbeatFailed, err))
			return
		}
		s.touch()
	}
}

func (s *Subscription) manage(ctx context.Context, req ManageRequest) (ManageReply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return ManageReply{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	msg, err := s.nc.RequestWithContext(ctx, s.cfg.ManageSubject, data)
	if err != nil {
		return ManageReply{}, err
	}
	var reply ManageReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return ManageReply{}, fmt.Errorf("decode %s reply: %w", req.Action, err)
	}
	if !reply.ok() {
		return reply, fmt.Errorf("%s rejected: %s", req.Action, cmp.Or(reply.Error, reply.Status))
	}
	return reply, nil
}

func (s *Subscription) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

func (s *Subscription) lose(err error) {
	s.lostOnce.Do(func() {
		s.lostErr = err
		s.setState(StateDisconnected)
		close(s.lost)
		select {
		case <-s.closing:
		default:
			s.logger.Warn("subscription lost", "err", err)
		}
	})
}

func (s *Subscription) connErr(err error) error {
	s.closeOnce.Do(func() { close(s.closing) })
	s.setState(StateDisconnected)
	return &common.ConnectionError{Component: common.ComponentBus, Addr: s.cfg.Address, Err: err}
}
