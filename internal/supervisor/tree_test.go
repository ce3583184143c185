package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyService struct {
	runs     atomic.Int32
	failures int32
}

func (s *flakyService) Serve(ctx context.Context) error {
	if s.runs.Add(1) <= s.failures {
		return errors.New("boom")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *flakyService) String() string { return "flaky" }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTreeRestartsFailedService(t *testing.T) {
	tree := New(testLogger(), TreeConfig{FailureBackoff: 10 * time.Millisecond, ShutdownTimeout: time.Second})
	svc := &flakyService{failures: 2}
	tree.Add(svc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tree.Serve(ctx) }()

	require.Eventually(t, func() bool { return svc.runs.Load() == 3 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tree did not stop")
	}
	assert.Equal(t, int32(3), svc.runs.Load())
}

func TestNewFillsDefaults(t *testing.T) {
	def := DefaultTreeConfig()
	assert.Equal(t, float64(5), def.FailureThreshold)
	assert.Equal(t, 15*time.Second, def.FailureBackoff)

	tree := New(testLogger(), TreeConfig{})
	require.NotNil(t, tree.root)
}
