package matcher_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fever-threatbus/internal/backoff"
	"fever-threatbus/internal/common"
	"fever-threatbus/internal/matcher"
	"fever-threatbus/internal/matcher/matchertest"
)

func fastConfig(socket string) matcher.Config {
	return matcher.Config{
		SocketPath:     socket,
		DialTimeout:    2 * time.Second,
		CallTimeout:    500 * time.Millisecond,
		HealthInterval: 20 * time.Millisecond,
		Backoff:        backoff.Policy{Base: 20 * time.Millisecond, Max: 100 * time.Millisecond, Multiplier: 2},
	}
}

func connect(t *testing.T, cfg matcher.Config) *matcher.Client {
	t.Helper()
	c, err := matcher.Connect(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestAddPatternIsIdempotent(t *testing.T) {
	rec := matchertest.NewRecorder()
	m := matchertest.Start(t, rec)
	c := connect(t, fastConfig(m.Socket()))

	ctx := context.Background()
	require.NoError(t, c.AddPattern(ctx, "evil.com"))
	require.NoError(t, c.AddPattern(ctx, "evil.com"))
	require.NoError(t, c.AddPattern(ctx, "http://bad.example/x"))

	assert.Equal(t, []string{"evil.com", "evil.com", "http://bad.example/x"}, rec.Calls())
	assert.Equal(t, []string{"evil.com", "http://bad.example/x"}, rec.Values())
	assert.Equal(t, matcher.StateReady, c.State())
}

func TestAddPatternRejectionIsPermanent(t *testing.T) {
	m := matchertest.Start(t, matchertest.NewRecorder())
	c := connect(t, fastConfig(m.Socket()))

	err := c.AddPattern(context.Background(), "")
	require.Error(t, err)
	assert.False(t, common.IsRetryable(err))
	assert.Equal(t, matcher.StateReady, c.State())
}

func TestConnectFailures(t *testing.T) {
	t.Run("missing socket", func(t *testing.T) {
		_, err := matcher.Connect(context.Background(),
			fastConfig(filepath.Join(t.TempDir(), "none.sock")), nil)
		var connErr *common.ConnectionError
		require.True(t, errors.As(err, &connErr))
		assert.Equal(t, common.ComponentMatcher, connErr.Component)
	})

	t.Run("not serving", func(t *testing.T) {
		m := matchertest.Start(t, matchertest.NewRecorder())
		m.SetServing(false)
		_, err := matcher.Connect(context.Background(), fastConfig(m.Socket()), nil)
		var connErr *common.ConnectionError
		require.True(t, errors.As(err, &connErr))
		assert.Contains(t, err.Error(), "handshake")
	})
}

func TestDegradedThenReady(t *testing.T) {
	rec := matchertest.NewRecorder()
	m := matchertest.Start(t, rec)
	c := connect(t, fastConfig(m.Socket()))
	changed := c.Changed()

	m.Stop()

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("no state change after matcher stopped")
	}
	require.Eventually(t, func() bool {
		return c.State() == matcher.StateDegraded
	}, 5*time.Second, 10*time.Millisecond)

	err := c.AddPattern(context.Background(), "while-down.example")
	require.Error(t, err)
	assert.True(t, common.IsRetryable(err))

	m.Restart()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))

	st := c.Status()
	assert.Equal(t, matcher.StateReady, st.State)
	assert.Equal(t, uint64(1), st.Reconnects)
	assert.Greater(t, st.LastOutage, time.Duration(0))

	require.NoError(t, c.AddPattern(context.Background(), "after.example"))
	assert.Equal(t, []string{"after.example"}, rec.Values())
}

func TestWaitReadyHonoursContext(t *testing.T) {
	m := matchertest.Start(t, matchertest.NewRecorder())
	c := connect(t, fastConfig(m.Socket()))
	m.Stop()
	require.Eventually(t, func() bool {
		return c.State() == matcher.StateDegraded
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitReady(ctx), context.DeadlineExceeded)
}

func TestCloseIsIdempotent(t *testing.T) {
	m := matchertest.Start(t, matchertest.NewRecorder())
	c, err := matcher.Connect(context.Background(), fastConfig(m.Socket()), nil)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.Equal(t, matcher.StateClosed, c.State())
	assert.ErrorIs(t, c.AddPattern(context.Background(), "x.example"), matcher.ErrClosed)
	assert.ErrorIs(t, c.WaitReady(context.Background()), matcher.ErrClosed)
}

func TestBloomStore(t *testing.T) {
	s := matcher.NewBloomStore(1000, 0.001)

	assert.True(t, s.Add("evil.com"))
	assert.False(t, s.Add("evil.com"))
	assert.True(t, s.Add("http://bad.example/x"))
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Test("evil.com"))
}

func TestBloomStoreBehindServer(t *testing.T) {
	store := matcher.NewBloomStore(1000, 0.001)
	m := matchertest.Start(t, store)
	c := connect(t, fastConfig(m.Socket()))

	require.NoError(t, c.AddPattern(context.Background(), "evil.com"))
	require.NoError(t, c.AddPattern(context.Background(), "evil.com"))
	assert.Equal(t, 1, store.Len())
	assert.True(t, store.Test("evil.com"))
}
