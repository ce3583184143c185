package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fever-threatbus/internal/bridge"
	"fever-threatbus/internal/common"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func requireConfigError(t *testing.T, err error, key string) {
	t.Helper()
	var cfgErr *common.ConfigurationError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)
	assert.Equal(t, key, cfgErr.Key)
}

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "nats://127.0.0.1:4222", cfg.ThreatBus)
	assert.Equal(t, 30*time.Second, cfg.Lookback())
	assert.Equal(t, "/tmp/fever-mgmt.sock", cfg.Socket)
	assert.Equal(t, []string{"domain-name:value", "url:value"}, cfg.AllowList().Paths())
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Console)
	assert.Equal(t, "threatbus.manage", cfg.Bus.ManageSubject)
	assert.Equal(t, 5*time.Second, cfg.Bus.HeartbeatInterval)
	assert.Equal(t, 64<<20, cfg.BusConfig().PendingBytes)
	assert.Equal(t, uint32(1), cfg.Matcher.FailureThreshold)
	assert.Equal(t, 1000, cfg.Sync.BufferSize)
	assert.Equal(t, "queue", cfg.Sync.SnapshotPolicy)

	bc := cfg.BridgeConfig()
	assert.Equal(t, bridge.PolicyQueue, bc.SnapshotPolicy)
	assert.Equal(t, 500*time.Millisecond, bc.Backoff.Base)
	assert.Equal(t, 30*time.Second, bc.Backoff.Max)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.BusConfig().Address)
	assert.Equal(t, "/tmp/fever-mgmt.sock", cfg.MatcherConfig().SocketPath)
}

func TestYAMLOverridesDefaults(t *testing.T) {
	path := writeFile(t, "bridge.yaml", `
threatbus: nats://bus.internal:4222
snapshot: 120
socket: /run/fever/mgmt.sock
object_paths:
  - url:value
  - ipv4-addr:value
logging:
  level: debug
  format: json
bus:
  heartbeat_interval: 2s
sync:
  buffer_size: 50
  snapshot_policy: skip
  snapshot_timeout: 90s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://bus.internal:4222", cfg.ThreatBus)
	assert.Equal(t, 2*time.Minute, cfg.Lookback())
	assert.Equal(t, "/run/fever/mgmt.sock", cfg.Socket)
	assert.Equal(t, []string{"url:value", "ipv4-addr:value"}, cfg.AllowList().Paths())
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 2*time.Second, cfg.Bus.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.Bus.LivenessTimeout)
	assert.Equal(t, 50, cfg.Sync.BufferSize)
	assert.Equal(t, bridge.PolicySkip, cfg.BridgeConfig().SnapshotPolicy)
	assert.Equal(t, 90*time.Second, cfg.Sync.SnapshotTimeout)
}

func TestDefaultPathIsSearched(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte("snapshot: 45\n"), 0o600))
	t.Chdir(dir)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 45, cfg.Snapshot)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "bridge.yml", "snapshot: 60\nsocket: /from/file.sock\n")
	t.Setenv("FEVER_THREATBUS_SNAPSHOT", "90")
	t.Setenv("FEVER_THREATBUS_SYNC__BUFFER_SIZE", "7")
	t.Setenv("FEVER_THREATBUS_MATCHER__CALL_TIMEOUT", "250ms")
	t.Setenv("FEVER_THREATBUS_OBJECT_PATHS", "domain-name:value,url:value,domain-name:value")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 90, cfg.Snapshot)
	assert.Equal(t, "/from/file.sock", cfg.Socket)
	assert.Equal(t, 7, cfg.Sync.BufferSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Matcher.CallTimeout)
	assert.Equal(t, []string{"domain-name:value", "url:value"}, cfg.AllowList().Paths())
}

func TestRejectsUnsupportedExtension(t *testing.T) {
	path := writeFile(t, "bridge.toml", "snapshot = 30\n")
	_, err := Load(path)
	requireConfigError(t, err, "config")
	assert.Contains(t, err.Error(), ".toml")
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	requireConfigError(t, err, "config")
}

func TestMalformedYAML(t *testing.T) {
	path := writeFile(t, "bad.yaml", "snapshot: [unclosed\n")
	_, err := Load(path)
	requireConfigError(t, err, "config")
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		key  string
	}{
		{"zero snapshot", "snapshot: 0\n", "snapshot"},
		{"bad bus url", "threatbus: not a url\n", "threatbus"},
		{"unknown policy", "sync:\n  snapshot_policy: cancel\n", "sync.snapshot_policy"},
		{"liveness below heartbeat", "bus:\n  heartbeat_interval: 10s\n  liveness_timeout: 5s\n", "bus.liveness_timeout"},
		{"bad log level", "logging:\n  level: loud\n", "logging.level"},
		{"bad object path", "object_paths: [domain-name]\n", "object_paths"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "c.yaml", tc.yaml))
			requireConfigError(t, err, tc.key)
		})
	}
}
