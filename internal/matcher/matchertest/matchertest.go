// Package matchertest serves the matcher control service on a temporary
// unix socket for tests.
package matchertest

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"fever-threatbus/internal/matcher"
)

// Recorder is a PatternStore that remembers every call.
type Recorder struct {
	mu     sync.Mutex
	calls  []string
	values []string
	seen   map[string]bool
}

func NewRecorder() *Recorder {
	return &Recorder{seen: make(map[string]bool)}
}

func (r *Recorder) Add(value string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, value)
	if r.seen[value] {
		return false
	}
	r.seen[value] = true
	r.values = append(r.values, value)
	return true
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}

// Values returns the distinct values in first-insertion order.
func (r *Recorder) Values() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.values...)
}

// Calls returns every inserted value, duplicates included.
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *Recorder) Has(value string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[value]
}

// Matcher is a running control service.
type Matcher struct {
	t     testing.TB
	path  string
	store matcher.PatternStore

	mu  sync.Mutex
	srv *matcher.Server
}

// Start serves store on a fresh socket. The server is stopped when the test
// ends.
func Start(t testing.TB, store matcher.PatternStore) *Matcher {
	t.Helper()
	// Unix socket paths are limited to ~100 bytes; t.TempDir can exceed that.
	dir, err := os.MkdirTemp("", "fm")
	if err != nil {
		t.Fatalf("matchertest: temp dir: %v", err)
	}
	m := &Matcher{t: t, path: filepath.Join(dir, "m.sock"), store: store}
	m.start()
	t.Cleanup(func() {
		m.Stop()
		os.RemoveAll(dir)
	})
	return m
}

func (m *Matcher) start() {
	m.t.Helper()
	ln, err := matcher.Listen(m.path)
	if err != nil {
		m.t.Fatalf("matchertest: listen: %v", err)
	}
	srv := matcher.NewServer(m.store, nil)
	go func() { _ = srv.Serve(ln) }()
	m.mu.Lock()
	m.srv = srv
	m.mu.Unlock()
}

// Socket returns the socket path clients connect to.
func (m *Matcher) Socket() string { return m.path }

// Stop stops serving; closing the listener removes the socket file.
func (m *Matcher) Stop() {
	m.mu.Lock()
	srv := m.srv
	m.srv = nil
	m.mu.Unlock()
	if srv != nil {
		srv.Stop()
	}
}

// Restart serves the same store on the same socket again.
func (m *Matcher) Restart() {
	m.t.Helper()
	m.Stop()
	m.start()
}

// SetServing toggles the health status of the running server.
func (m *Matcher) SetServing(serving bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.srv != nil {
		m.srv.SetServing(serving)
	}
}
