package bridge

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fever-threatbus/internal/bus"
	"fever-threatbus/internal/bus/bustest"
	"fever-threatbus/internal/matcher"
	"fever-threatbus/internal/matcher/matchertest"
)

type harness struct {
	bus     *bustest.Bus
	matcher *matchertest.Matcher
	rec     *matchertest.Recorder
	ctrl    *Controller
}

type harnessOptions struct {
	bus   func(*bus.Config)
	store func(*matchertest.Recorder) matcher.PatternStore
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, harnessOptions{})
}

func newHarnessWith(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	b := bustest.Start(t)
	rec := matchertest.NewRecorder()
	var store matcher.PatternStore = rec
	if opts.store != nil {
		store = opts.store(rec)
	}
	m := matchertest.Start(t, store)

	busCfg := bus.Config{
		Address:           b.URL(),
		ManageSubject:     bustest.ManageSubject,
		RequestTimeout:    time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		LivenessTimeout:   2 * time.Second,
	}
	if opts.bus != nil {
		opts.bus(&busCfg)
	}
	matcherCfg := matcher.Config{
		SocketPath:     m.Socket(),
		DialTimeout:    time.Second,
		CallTimeout:    500 * time.Millisecond,
		HealthInterval: 20 * time.Millisecond,
		Backoff:        fastBackoff,
	}
	ctrl := New(testConfig(t), DialBus(busCfg, nil), DialMatcher(matcherCfg, nil), nil)
	return &harness{bus: b, matcher: m, rec: rec, ctrl: ctrl}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	start(t, h.ctrl)
	require.Eventually(t, func() bool {
		return h.ctrl.State() == StateSteady
	}, 10*time.Second, 10*time.Millisecond)
}

func (h *harness) waitFor(t *testing.T, value string) {
	t.Helper()
	require.Eventually(t, func() bool { return h.rec.Has(value) }, 10*time.Second, 10*time.Millisecond)
}

func count(values []string, v string) int {
	n := 0
	for _, x := range values {
		if x == v {
			n++
		}
	}
	return n
}

func TestScenarioAllowListedDomainIsAddedOnce(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.bus.PublishIndicator("indicator--a", "[domain-name:value = 'evil.com']")

	h.waitFor(t, "evil.com")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"evil.com"}, h.rec.Calls())
}

func TestScenarioHashIndicatorMakesNoCalls(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.bus.PublishIndicator("indicator--b", "[file:hashes.MD5 = 'abc123']")
	h.bus.PublishIndicator("indicator--c", "[url:value = 'http://sentinel.example/']")

	h.waitFor(t, "http://sentinel.example/")
	assert.Equal(t, []string{"http://sentinel.example/"}, h.rec.Calls())
}

func TestInitialSyncReplaysHistory(t *testing.T) {
	h := newHarness(t)
	h.bus.PublishIndicator("indicator--old", "[domain-name:value = 'before-start.example']")

	h.start(t)

	assert.True(t, h.rec.Has("before-start.example"))
	reqs := h.bus.Requests(bus.ActionSnapshot)
	require.NotEmpty(t, reqs)
	assert.Equal(t, 30, reqs[0].Snapshot)
}

func TestScenarioMatcherOutageIsRepairedBySnapshot(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.bus.PublishIndicator("indicator--1", "[domain-name:value = 'a.example']")
	h.bus.PublishIndicator("indicator--2", "[domain-name:value = 'b.example']")
	h.waitFor(t, "b.example")

	h.matcher.Stop()
	require.Eventually(t, func() bool {
		return h.ctrl.Status().Matcher == matcher.StateDegraded.String()
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, h.ctrl.Healthy())

	h.bus.PublishIndicator("indicator--3", "[domain-name:value = 'c.example']")
	time.Sleep(200 * time.Millisecond)
	assert.False(t, h.rec.Has("c.example"))

	h.matcher.Restart()

	h.waitFor(t, "c.example")
	require.Eventually(t, func() bool {
		return count(h.rec.Calls(), "a.example") >= 2
	}, 10*time.Second, 10*time.Millisecond)

	reqs := h.bus.Requests(bus.ActionSnapshot)
	require.GreaterOrEqual(t, len(reqs), 2)
	assert.Equal(t, 30, reqs[len(reqs)-1].Snapshot)
	assert.Equal(t, []string{"a.example", "b.example", "c.example"}, h.rec.Values())
	assert.Equal(t, uint64(1), h.ctrl.Status().MatcherReconnects)
}

func TestBusRestartIsRepairedBySnapshot(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.bus.Shutdown()
	h.bus.PublishIndicator("indicator--gap", "[url:value = 'http://during-outage.example/']")
	h.bus.Restart()

	h.waitFor(t, "http://during-outage.example/")
	assert.Equal(t, uint64(1), h.ctrl.Status().BusReconnects)
	require.Eventually(t, func() bool {
		return h.ctrl.State() == StateSteady
	}, 10*time.Second, 10*time.Millisecond)
	assert.Len(t, h.bus.Topics(), 1)
}

// gatedStore holds every Add until open is closed.
type gatedStore struct {
	*matchertest.Recorder
	open chan struct{}
}

func (g *gatedStore) Add(value string) bool {
	<-g.open
	return g.Recorder.Add(value)
}

func TestSlowMatcherPausesIntakeWithoutLoss(t *testing.T) {
	gate := make(chan struct{})
	h := newHarnessWith(t, harnessOptions{
		bus: func(c *bus.Config) { c.PendingLimit = 2 },
		store: func(rec *matchertest.Recorder) matcher.PatternStore {
			return &gatedStore{Recorder: rec, open: gate}
		},
	})
	h.start(t)

	const n = 60
	for i := range n {
		h.bus.PublishIndicator(fmt.Sprintf("indicator--%d", i), fmt.Sprintf("[url:value = 'http://slow.example/%d']", i))
	}
	time.Sleep(100 * time.Millisecond)
	close(gate)

	require.Eventually(t, func() bool { return h.rec.Len() == n }, 10*time.Second, 10*time.Millisecond)
	values := h.rec.Values()
	for i := range n {
		assert.Equal(t, fmt.Sprintf("http://slow.example/%d", i), values[i])
	}
	assert.Len(t, h.bus.Requests(bus.ActionSnapshot), 1, "nothing was dropped, so no resync is needed")
}
