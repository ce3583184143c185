// Package matcher talks to the detection engine's pattern matcher over its
// gRPC control socket and provides a bloom filter backed implementation of
// the same service.
package matcher

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"google.golang.org/grpc"
	grpcbackoff "google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"fever-threatbus/internal/backoff"
	"fever-threatbus/internal/common"
	"fever-threatbus/internal/metrics"
)

const (
	ServiceName      = "matcher.v1.Matcher"
	addPatternMethod = "/matcher.v1.Matcher/AddPattern"
)

var ErrClosed = errors.New("matcher client closed")

// State is the connection state of a Client.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateDegraded
	StateClosed
)

var stateNames = []string{"connecting", "ready", "degraded", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

type Config struct {
	SocketPath     string
	DialTimeout    time.Duration
	CallTimeout    time.Duration
	HealthInterval time.Duration
	// FailureThreshold is the number of consecutive transient failures that
	// moves the client to Degraded.
	FailureThreshold uint32
	Backoff          backoff.Policy
}

func (c Config) withDefaults() Config {
	c.SocketPath = cmp.Or(c.SocketPath, "/tmp/fever-mgmt.sock")
	c.DialTimeout = cmp.Or(c.DialTimeout, 5*time.Second)
	c.CallTimeout = cmp.Or(c.CallTimeout, 5*time.Second)
	c.HealthInterval = cmp.Or(c.HealthInterval, 10*time.Second)
	c.FailureThreshold = cmp.Or(c.FailureThreshold, 1)
	if c.Backoff.Base <= 0 {
		c.Backoff = backoff.DefaultPolicy()
	}
	return c
}

// Status is a snapshot of the connection state.
type Status struct {
	State State
	Since time.Time
	// Reconnects counts Degraded to Ready transitions.
	Reconnects uint64
	// LastOutage is how long the most recent Degraded period lasted.
	LastOutage time.Duration
}

// Client is a connection to the matcher control socket.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	breaker *gobreaker.CircuitBreaker[any]

	mu      sync.Mutex
	status  Status
	changed chan struct{}

	wake      chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Connect opens the control channel and performs a health check handshake.
// A missing socket or a failed handshake is a *common.ConnectionError.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	connErr := func(err error) error {
		return &common.ConnectionError{Component: common.ComponentMatcher, Addr: cfg.SocketPath, Err: err}
	}

	if _, err := os.Stat(cfg.SocketPath); err != nil {
		return nil, connErr(err)
	}

	conn, err := grpc.NewClient(socketTarget(cfg.SocketPath),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: grpcbackoff.Config{
				BaseDelay:  cfg.Backoff.Base,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   cfg.Backoff.Max,
			},
			MinConnectTimeout: cfg.DialTimeout,
		}),
	)
	if err != nil {
		return nil, connErr(err)
	}

	c := &Client{
		cfg:     cfg,
		logger:  logger.With("component", "matcher"),
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		changed: make(chan struct{}),
		wake:    make(chan struct{}, 1),
		status:  Status{State: StateConnecting, Since: time.Now()},
	}
	c.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "matcher",
		MaxRequests: 1,
		Timeout:     cfg.Backoff.Base,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isTransient(err)
		},
		OnStateChange: c.onBreakerChange,
	})

	hctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	err = c.check(hctx)
	cancel()
	if err != nil {
		conn.Close()
		return nil, connErr(fmt.Errorf("handshake: %w", err))
	}

	pctx, pcancel := context.WithCancel(context.Background())
	c.cancel = pcancel
	c.setState(StateReady)
	c.wg.Add(1)
	go c.probe(pctx)

	c.logger.Info("connected to matcher", "socket", cfg.SocketPath)
	return c, nil
}

// AddPattern inserts value into the matcher. Insertion is idempotent on the
// matcher side, so a value may be sent again after a RetryableError.
func (c *Client) AddPattern(ctx context.Context, value string) error {
	switch st := c.State(); st {
	case StateClosed:
		return ErrClosed
	case StateReady:
	default:
		return &common.RetryableError{Op: "add pattern", Err: fmt.Errorf("matcher %s", st)}
	}

	_, err := c.breaker.Execute(func() (any, error) {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
		return nil, c.conn.Invoke(cctx, addPatternMethod, wrapperspb.String(value), &emptypb.Empty{})
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return &common.RetryableError{Op: "add pattern", Err: err}
	case c.State() == StateClosed:
		return ErrClosed
	case ctx.Err() != nil:
		return ctx.Err()
	case isTransient(err):
		return &common.RetryableError{Op: "add pattern", Err: err}
	}
	return fmt.Errorf("add pattern: %w", err)
}

// WaitReady blocks until the client is Ready, closed, or ctx is done.
func (c *Client) WaitReady(ctx context.Context) error {
	for {
		c.mu.Lock()
		st, ch := c.status.State, c.changed
		c.mu.Unlock()
		switch st {
		case StateReady:
			return nil
		case StateClosed:
			return ErrClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Changed returns a channel that is closed on the next state transition.
func (c *Client) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) State() State { return c.Status().State }

// Close stops the health prober and closes the connection. It is safe to
// call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		c.setState(StateClosed)
		err = c.conn.Close()
		c.logger.Info("matcher connection closed")
	})
	return err
}

// probe health checks the matcher every HealthInterval while Ready and
// drives recovery with backoff while Degraded.
func (c *Client) probe(ctx context.Context) {
	defer c.wg.Done()
	t := time.NewTicker(c.cfg.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-c.wake:
		}
		if c.State() == StateDegraded {
			c.recover(ctx)
			continue
		}
		_, _ = c.breaker.Execute(func() (any, error) {
			return nil, c.check(ctx)
		})
	}
}

func (c *Client) recover(ctx context.Context) {
	err := c.cfg.Backoff.Retry(ctx, func() error {
		c.conn.ResetConnectBackoff()
		_, err := c.breaker.Execute(func() (any, error) {
			return nil, c.check(ctx)
		})
		if err == nil && c.State() != StateReady {
			return errors.New("matcher not ready")
		}
		return err
	}, func(err error, next time.Duration) {
		c.logger.Debug("matcher still unavailable", "err", err, "retry_in", next)
	})
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("matcher recovery stopped", "err", err)
	}
}

func (c *Client) check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return status.Errorf(codes.Unavailable, "matcher %s", resp.GetStatus())
	}
	return nil
}

// onBreakerChange runs under the breaker's lock and must not call back into
// the breaker.
func (c *Client) onBreakerChange(_ string, from, to gobreaker.State) {
	switch {
	case to == gobreaker.StateOpen && from == gobreaker.StateClosed:
		c.setState(StateDegraded)
		select {
		case c.wake <- struct{}{}:
		default:
		}
	case to == gobreaker.StateClosed:
		c.setState(StateReady)
	}
}

func (c *Client) setState(st State) {
	c.mu.Lock()
	prev := c.status
	if prev.State == st || prev.State == StateClosed {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	c.status.State, c.status.Since = st, now
	if prev.State == StateDegraded && st == StateReady {
		c.status.Reconnects++
		c.status.LastOutage = now.Sub(prev.Since)
	}
	next := c.status
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()

	metrics.SetState(metrics.MatcherState, st.String(), stateNames...)
	switch {
	case st == StateDegraded:
		c.logger.Warn("matcher degraded", "socket", c.cfg.SocketPath)
	case st == StateReady && prev.State == StateDegraded:
		metrics.Reconnects.WithLabelValues(string(common.ComponentMatcher)).Inc()
		c.logger.Info("matcher ready again", "outage", next.LastOutage.Round(time.Millisecond), "reconnects", next.Reconnects)
	}
}

func isTransient(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	}
	return false
}

func socketTarget(path string) string {
	if filepath.IsAbs(path) {
		return "unix://" + path
	}
	return "unix:" + path
}
