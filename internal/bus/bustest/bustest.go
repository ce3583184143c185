// Package bustest runs an in-process Threat Bus for tests: an embedded NATS
// server plus a management responder that hands out peer-to-peer topics,
// answers heartbeats, keeps published indicators and replays them on
// snapshot requests.
package bustest

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"fever-threatbus/internal/bus"
)

const (
	ManageSubject  = "threatbus.manage"
	IngressSubject = "threatbus.ingress"
)

type entry struct {
	at   time.Time
	data []byte
}

// Bus is a running test bus.
type Bus struct {
	t    testing.TB
	port int

	mu        sync.Mutex
	srv       *server.Server
	nc        *nats.Conn
	topics    map[string]bool
	history   []entry
	requests  []bus.ManageRequest
	rejectAll bool
}

// Start launches a bus on a random local port. It is shut down when the test
// ends.
func Start(t testing.TB) *Bus {
	t.Helper()
	b := &Bus{t: t, topics: make(map[string]bool)}
	b.start(server.RANDOM_PORT)
	t.Cleanup(b.Shutdown)
	return b
}

func (b *Bus) start(port int) {
	b.t.Helper()
	srv, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		b.t.Fatalf("bustest: create server: %v", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		b.t.Fatalf("bustest: server not ready")
	}
	b.port = srv.Addr().(*net.TCPAddr).Port

	nc, err := nats.Connect(srv.ClientURL(), nats.NoReconnect())
	if err != nil {
		b.t.Fatalf("bustest: connect: %v", err)
	}
	if _, err := nc.Subscribe(ManageSubject, b.handleManage); err != nil {
		b.t.Fatalf("bustest: subscribe manage: %v", err)
	}
	if _, err := nc.Subscribe(IngressSubject, func(m *nats.Msg) { b.Publish(m.Data) }); err != nil {
		b.t.Fatalf("bustest: subscribe ingress: %v", err)
	}
	if err := nc.Flush(); err != nil {
		b.t.Fatalf("bustest: flush: %v", err)
	}

	b.mu.Lock()
	b.srv, b.nc = srv, nc
	b.mu.Unlock()
}

// URL returns the NATS URL clients connect to.
func (b *Bus) URL() string {
	return fmt.Sprintf("nats://127.0.0.1:%d", b.port)
}

// Shutdown stops the server. Connected subscribers observe a disconnect.
// History is kept so a later Restart can replay it.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	srv, nc := b.srv, b.nc
	b.srv, b.nc = nil, nil
	b.topics = make(map[string]bool)
	b.mu.Unlock()
	if nc != nil {
		nc.Close()
	}
	if srv != nil {
		srv.Shutdown()
		srv.WaitForShutdown()
	}
}

// Restart starts the server again on the same port.
func (b *Bus) Restart() {
	b.t.Helper()
	b.start(b.port)
}

// Publish records an indicator in the history and fans it out to every
// subscribed peer-to-peer topic. While the server is down the indicator is
// only recorded.
func (b *Bus) Publish(data []byte) {
	b.mu.Lock()
	b.history = append(b.history, entry{at: time.Now(), data: append([]byte(nil), data...)})
	nc := b.nc
	topics := b.topicList()
	b.mu.Unlock()
	if nc == nil {
		return
	}
	for _, topic := range topics {
		_ = nc.Publish(topic+"."+bus.SuffixIndicator, data)
	}
	_ = nc.Flush()
}

// PublishIndicator publishes a STIX indicator built from id and pattern.
func (b *Bus) PublishIndicator(id, pattern string) {
	b.Publish(Indicator(id, pattern))
}

// PublishRaw sends data on an arbitrary suffix of every topic without
// recording it.
func (b *Bus) PublishRaw(suffix string, data []byte) {
	b.mu.Lock()
	nc := b.nc
	topics := b.topicList()
	b.mu.Unlock()
	if nc == nil {
		return
	}
	for _, topic := range topics {
		_ = nc.Publish(topic+"."+suffix, data)
	}
	_ = nc.Flush()
}

// Topics returns the currently subscribed peer-to-peer topics.
func (b *Bus) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topicList()
}

// Expire forgets all topics so that heartbeats start failing.
func (b *Bus) Expire() {
	b.mu.Lock()
	b.topics = make(map[string]bool)
	b.mu.Unlock()
}

// RejectAll makes every management request fail.
func (b *Bus) RejectAll(reject bool) {
	b.mu.Lock()
	b.rejectAll = reject
	b.mu.Unlock()
}

// Requests returns the management requests received so far, optionally
// filtered by action.
func (b *Bus) Requests(action string) []bus.ManageRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []bus.ManageRequest
	for _, r := range b.requests {
		if action == "" || r.Action == action {
			out = append(out, r)
		}
	}
	return out
}

func (b *Bus) topicList() []string {
	out := make([]string, 0, len(b.topics))
	for t := range b.topics {
		out = append(out, t)
	}
	return out
}

func (b *Bus) handleManage(m *nats.Msg) {
	var req bus.ManageRequest
	if err := json.Unmarshal(m.Data, &req); err != nil {
		b.reply(m, bus.ManageReply{Status: bus.StatusError, Error: "invalid request"})
		return
	}

	b.mu.Lock()
	b.requests = append(b.requests, req)
	reject := b.rejectAll
	b.mu.Unlock()
	if reject {
		b.reply(m, bus.ManageReply{Status: bus.StatusError, Error: "rejected"})
		return
	}

	switch req.Action {
	case bus.ActionSubscribe:
		topic := "p2p." + strings.ReplaceAll(uuid.NewString(), "-", "")
		b.mu.Lock()
		b.topics[topic] = true
		b.mu.Unlock()
		b.reply(m, bus.ManageReply{Status: bus.StatusSuccess, Topic: topic})
	case bus.ActionUnsubscribe:
		b.mu.Lock()
		delete(b.topics, req.Topic)
		b.mu.Unlock()
		b.reply(m, bus.ManageReply{Status: bus.StatusSuccess})
	case bus.ActionHeartbeat:
		b.mu.Lock()
		known := b.topics[req.Topic]
		b.mu.Unlock()
		if !known {
			b.reply(m, bus.ManageReply{Status: bus.StatusError, Error: "unknown topic"})
			return
		}
		b.reply(m, bus.ManageReply{Status: bus.StatusSuccess})
	case bus.ActionSnapshot:
		b.mu.Lock()
		known := b.topics[req.Topic]
		b.mu.Unlock()
		if !known {
			b.reply(m, bus.ManageReply{Status: bus.StatusError, Error: "unknown topic"})
			return
		}
		b.reply(m, bus.ManageReply{Status: bus.StatusSuccess})
		b.replay(req)
	default:
		b.reply(m, bus.ManageReply{Status: bus.StatusError, Error: "unknown action"})
	}
}

// replay redelivers the history within the requested lookback, then
// publishes the end-of-snapshot marker.
func (b *Bus) replay(req bus.ManageRequest) {
	cutoff := time.Now().Add(-time.Duration(req.Snapshot) * time.Second)
	b.mu.Lock()
	nc := b.nc
	var items [][]byte
	for _, e := range b.history {
		if !e.at.Before(cutoff) {
			items = append(items, e.data)
		}
	}
	b.mu.Unlock()
	if nc == nil {
		return
	}
	for _, data := range items {
		_ = nc.Publish(req.Topic+"."+bus.SuffixIndicator, data)
	}
	done, _ := json.Marshal(bus.SnapshotDone{SnapshotID: req.SnapshotID, Count: len(items)})
	_ = nc.Publish(req.Topic+"."+bus.SuffixSnapshot, done)
	_ = nc.Flush()
}

func (b *Bus) reply(m *nats.Msg, r bus.ManageReply) {
	data, _ := json.Marshal(r)
	_ = m.Respond(data)
}

// Indicator builds a minimal STIX-2.1 indicator.
func Indicator(id, pattern string) []byte {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	data, _ := json.Marshal(map[string]string{
		"type":         "indicator",
		"spec_version": "2.1",
		"id":           id,
		"created":      now,
		"modified":     now,
		"pattern":      pattern,
		"pattern_type": "stix",
		"valid_from":   now,
	})
	return data
}
