// Package config loads the bridge configuration from defaults, an optional
// YAML file and FEVER_THREATBUS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"fever-threatbus/internal/backoff"
	"fever-threatbus/internal/bridge"
	"fever-threatbus/internal/bus"
	"fever-threatbus/internal/common"
	"fever-threatbus/internal/logging"
	"fever-threatbus/internal/matcher"
	"fever-threatbus/internal/threat"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nesting levels: FEVER_THREATBUS_SYNC__BUFFER_SIZE=500.
const EnvPrefix = "FEVER_THREATBUS_"

// DefaultConfigPaths are tried in order when no file is given.
var DefaultConfigPaths = []string{"config.yaml", "config.yml"}

type Config struct {
	ThreatBus string `koanf:"threatbus" validate:"required,url"`
	// Snapshot is the snapshot lookback in seconds.
	Snapshot    int            `koanf:"snapshot" validate:"gte=1"`
	Socket      string         `koanf:"socket" validate:"required"`
	ObjectPaths []string       `koanf:"object_paths"`
	MetricsAddr string         `koanf:"metrics_addr"`
	Logging     logging.Config `koanf:"logging"`
	Bus         BusConfig      `koanf:"bus"`
	Matcher     MatcherConfig  `koanf:"matcher"`
	Sync        SyncConfig     `koanf:"sync"`

	allow threat.AllowList
}

type BusConfig struct {
	ManageSubject     string        `koanf:"manage_subject" validate:"required"`
	IngressSubject    string        `koanf:"ingress_subject" validate:"required"`
	Topic             string        `koanf:"topic" validate:"required"`
	RequestTimeout    time.Duration `koanf:"request_timeout" validate:"gt=0"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"gt=0"`
	LivenessTimeout   time.Duration `koanf:"liveness_timeout" validate:"gtfield=HeartbeatInterval"`
	PendingLimit      int           `koanf:"pending_limit" validate:"gte=1"`
	PendingBytes      int           `koanf:"pending_bytes" validate:"gte=1"`
}

type MatcherConfig struct {
	DialTimeout      time.Duration `koanf:"dial_timeout" validate:"gt=0"`
	CallTimeout      time.Duration `koanf:"call_timeout" validate:"gt=0"`
	HealthInterval   time.Duration `koanf:"health_interval" validate:"gt=0"`
	FailureThreshold uint32        `koanf:"failure_threshold" validate:"gte=1"`
}

type SyncConfig struct {
	BufferSize int `koanf:"buffer_size" validate:"gte=1"`
	// SnapshotInterval of zero means every `snapshot` seconds.
	SnapshotInterval   time.Duration `koanf:"snapshot_interval" validate:"gte=0"`
	SnapshotTimeout    time.Duration `koanf:"snapshot_timeout" validate:"gt=0"`
	SnapshotPolicy     string        `koanf:"snapshot_policy" validate:"oneof=queue skip"`
	SnapshotMinSpacing time.Duration `koanf:"snapshot_min_spacing" validate:"gte=0"`
	BackoffBase        time.Duration `koanf:"backoff_base" validate:"gt=0"`
	BackoffMax         time.Duration `koanf:"backoff_max" validate:"gtefield=BackoffBase"`
}

func defaultConfig() *Config {
	return &Config{
		ThreatBus:   "nats://127.0.0.1:4222",
		Snapshot:    30,
		Socket:      "/tmp/fever-mgmt.sock",
		ObjectPaths: append([]string(nil), threat.DefaultObjectPaths...),
		MetricsAddr: ":9090",
		Logging:     logging.DefaultConfig(),
		Bus: BusConfig{
			ManageSubject:     "threatbus.manage",
			IngressSubject:    "threatbus.ingress",
			Topic:             "stix2/indicator",
			RequestTimeout:    5 * time.Second,
			HeartbeatInterval: 5 * time.Second,
			LivenessTimeout:   30 * time.Second,
			PendingLimit:      1024,
			PendingBytes:      64 << 20,
		},
		Matcher: MatcherConfig{
			DialTimeout:      5 * time.Second,
			CallTimeout:      5 * time.Second,
			HealthInterval:   10 * time.Second,
			FailureThreshold: 1,
		},
		Sync: SyncConfig{
			BufferSize:         1000,
			SnapshotTimeout:    60 * time.Second,
			SnapshotPolicy:     string(bridge.PolicyQueue),
			SnapshotMinSpacing: time.Second,
			BackoffBase:        500 * time.Millisecond,
			BackoffMax:         30 * time.Second,
		},
	}
}

// Load builds the configuration. path may be empty, in which case the
// DefaultConfigPaths are searched. Every failure is a
// *common.ConfigurationError.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, &common.ConfigurationError{Err: fmt.Errorf("load defaults: %w", err)}
	}

	path, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, &common.ConfigurationError{Key: "config", Err: fmt.Errorf("load %s: %w", path, err)}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, &common.ConfigurationError{Err: fmt.Errorf("load environment: %w", err)}
	}

	if err := splitList(k, "object_paths"); err != nil {
		return nil, &common.ConfigurationError{Key: "object_paths", Err: err}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, &common.ConfigurationError{Err: fmt.Errorf("unmarshal: %w", err)}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolvePath(path string) (string, error) {
	if path == "" {
		for _, p := range DefaultConfigPaths {
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
		return "", nil
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
	default:
		return "", &common.ConfigurationError{Key: "config", Err: fmt.Errorf("unsupported file extension %q, expected .yaml or .yml", ext)}
	}
	if _, err := os.Stat(path); err != nil {
		return "", &common.ConfigurationError{Key: "config", Err: err}
	}
	return path, nil
}

// envKey maps FEVER_THREATBUS_SYNC__BUFFER_SIZE to sync.buffer_size.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// splitList turns a comma separated string, as set from the environment,
// into a list.
func splitList(k *koanf.Koanf, path string) error {
	s, ok := k.Get(path).(string)
	if !ok {
		return nil
	}
	var items []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			items = append(items, p)
		}
	}
	return k.Set(path, items)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("koanf"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			key := strings.TrimPrefix(fe.Namespace(), "Config.")
			return &common.ConfigurationError{
				Key: key,
				Err: fmt.Errorf("failed %q check (value %v)", fe.Tag(), fe.Value()),
			}
		}
		return &common.ConfigurationError{Err: err}
	}

	allow, err := threat.NewAllowList(c.ObjectPaths)
	if err != nil {
		return &common.ConfigurationError{Key: "object_paths", Err: err}
	}
	c.allow = allow
	return nil
}

// AllowList returns the validated object path allow-list.
func (c *Config) AllowList() threat.AllowList { return c.allow }

// Lookback is the snapshot window as a duration.
func (c *Config) Lookback() time.Duration {
	return time.Duration(c.Snapshot) * time.Second
}

func (c *Config) Backoff() backoff.Policy {
	p := backoff.DefaultPolicy()
	p.Base, p.Max = c.Sync.BackoffBase, c.Sync.BackoffMax
	return p
}

func (c *Config) BusConfig() bus.Config {
	return bus.Config{
		Address:           c.ThreatBus,
		ManageSubject:     c.Bus.ManageSubject,
		Topic:             c.Bus.Topic,
		ClientName:        "fever-threatbus",
		RequestTimeout:    c.Bus.RequestTimeout,
		HeartbeatInterval: c.Bus.HeartbeatInterval,
		LivenessTimeout:   c.Bus.LivenessTimeout,
		PendingLimit:      c.Bus.PendingLimit,
		PendingBytes:      c.Bus.PendingBytes,
	}
}

func (c *Config) MatcherConfig() matcher.Config {
	return matcher.Config{
		SocketPath:       c.Socket,
		DialTimeout:      c.Matcher.DialTimeout,
		CallTimeout:      c.Matcher.CallTimeout,
		HealthInterval:   c.Matcher.HealthInterval,
		FailureThreshold: c.Matcher.FailureThreshold,
		Backoff:          c.Backoff(),
	}
}

func (c *Config) BridgeConfig() bridge.Config {
	return bridge.Config{
		AllowList:        c.allow,
		Lookback:         c.Lookback(),
		SnapshotInterval: c.Sync.SnapshotInterval,
		SnapshotTimeout:  c.Sync.SnapshotTimeout,
		SnapshotPolicy:   bridge.SnapshotPolicy(c.Sync.SnapshotPolicy),
		MinSpacing:       c.Sync.SnapshotMinSpacing,
		BufferSize:       c.Sync.BufferSize,
		Backoff:          c.Backoff(),
	}
}
