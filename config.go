package kvcoord

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/kvcoord/api"
	"pkt.systems/kvcoord/client"
	"pkt.systems/kvcoord/lock"
	"pkt.systems/kvcoord/watch"
	"pkt.systems/pslog"
)

const (
	// DefaultAddress is the agent HTTP endpoint used when none is configured.
	DefaultAddress = "http://127.0.0.1:8500"
	// DefaultHTTPTimeout bounds non-blocking requests.
	DefaultHTTPTimeout = client.DefaultHTTPTimeout
	// DefaultLogLevel is used when no level is configured.
	DefaultLogLevel = "info"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultDevListen is where `kvcoord dev` serves the in-memory store.
	DefaultDevListen = "127.0.0.1:8500"
)

const (
	// DefaultSessionName names sessions created for locks.
	DefaultSessionName = lock.DefaultSessionName
	// DefaultSessionTTL is the TTL of sessions created for locks.
	DefaultSessionTTL = lock.DefaultSessionTTL
	// DefaultLockDelay of zero leaves the server default in place.
	DefaultLockDelay = time.Duration(0)
	// DefaultLockWaitTime bounds blocking reads made by a lock.
	DefaultLockWaitTime = lock.DefaultLockWaitTime
	// DefaultLockRetryTime is the pause between contended attempts.
	DefaultLockRetryTime = lock.DefaultLockRetryTime
	// DefaultLockWaitTimeout pads lock reads on the client side.
	DefaultLockWaitTimeout = lock.DefaultLockWaitTimeout
)

const (
	// DefaultWatchWait is the blocking wait requested by watchers.
	DefaultWatchWait = watch.DefaultWait
	// DefaultBackoffFactor is the base of the watcher's exponential backoff.
	DefaultBackoffFactor = watch.DefaultBackoffFactor
	// DefaultBackoffMax caps a single backoff delay.
	DefaultBackoffMax = watch.DefaultBackoffMax
	// DefaultMaxAttempts of zero retries transient failures forever.
	DefaultMaxAttempts = 0
)

// Config captures the settings shared by the CLI commands. The zero value
// plus Validate yields a usable configuration.
type Config struct {
	Address     string        `yaml:"address"`
	Token       string        `yaml:"token"`
	Datacenter  string        `yaml:"datacenter"`
	Consistency string        `yaml:"consistency"`
	HTTPTimeout time.Duration `yaml:"http-timeout"`
	LogLevel    string        `yaml:"log-level"`

	MetricsListen          string `yaml:"metrics-listen"`
	PprofListen            string `yaml:"pprof-listen"`
	OTLPEndpoint           string `yaml:"otlp-endpoint"`
	EnableProfilingMetrics bool   `yaml:"enable-profiling-metrics"`

	SessionName     string        `yaml:"session-name"`
	SessionTTL      time.Duration `yaml:"session-ttl"`
	LockDelay       time.Duration `yaml:"lock-delay"`
	LockWaitTime    time.Duration `yaml:"lock-wait-time"`
	LockRetryTime   time.Duration `yaml:"lock-retry-time"`
	LockWaitTimeout time.Duration `yaml:"lock-wait-timeout"`

	WatchWait     time.Duration `yaml:"watch-wait"`
	BackoffFactor time.Duration `yaml:"backoff-factor"`
	BackoffMax    time.Duration `yaml:"backoff-max"`
	MaxAttempts   int           `yaml:"max-attempts"`
}

// DefaultConfig returns a Config populated with every default.
func DefaultConfig() Config {
	return Config{
		Address:         DefaultAddress,
		HTTPTimeout:     DefaultHTTPTimeout,
		LogLevel:        DefaultLogLevel,
		MetricsListen:   DefaultMetricsListen,
		PprofListen:     DefaultPprofListen,
		SessionName:     DefaultSessionName,
		SessionTTL:      DefaultSessionTTL,
		LockDelay:       DefaultLockDelay,
		LockWaitTime:    DefaultLockWaitTime,
		LockRetryTime:   DefaultLockRetryTime,
		LockWaitTimeout: DefaultLockWaitTimeout,
		WatchWait:       DefaultWatchWait,
		BackoffFactor:   DefaultBackoffFactor,
		BackoffMax:      DefaultBackoffMax,
		MaxAttempts:     DefaultMaxAttempts,
	}
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.Address = strings.TrimSpace(c.Address)
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	} else if c.HTTPTimeout < 0 {
		return fmt.Errorf("config: http timeout must be >= 0")
	}
	c.Consistency = strings.ToLower(strings.TrimSpace(c.Consistency))
	switch c.Consistency {
	case client.ConsistencyDefault, client.ConsistencyConsistent, client.ConsistencyStale:
	default:
		return fmt.Errorf("config: consistency must be %q or %q", client.ConsistencyConsistent, client.ConsistencyStale)
	}
	c.LogLevel = strings.TrimSpace(c.LogLevel)
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if _, ok := pslog.ParseLevel(c.LogLevel); !ok {
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}

	if c.SessionName == "" {
		c.SessionName = DefaultSessionName
	}
	durations := []struct {
		name  string
		value *time.Duration
		def   time.Duration
	}{
		{"session ttl", &c.SessionTTL, DefaultSessionTTL},
		{"lock wait time", &c.LockWaitTime, DefaultLockWaitTime},
		{"lock retry time", &c.LockRetryTime, DefaultLockRetryTime},
		{"lock wait timeout", &c.LockWaitTimeout, DefaultLockWaitTimeout},
		{"watch wait", &c.WatchWait, DefaultWatchWait},
		{"backoff factor", &c.BackoffFactor, DefaultBackoffFactor},
		{"backoff max", &c.BackoffMax, DefaultBackoffMax},
	}
	for _, d := range durations {
		if *d.value < 0 {
			return fmt.Errorf("config: %s must be >= 0", d.name)
		}
		if *d.value == 0 {
			*d.value = d.def
		}
	}
	if c.LockDelay < 0 {
		return fmt.Errorf("config: lock delay must be >= 0")
	}
	if c.BackoffMax < c.BackoffFactor {
		return fmt.Errorf("config: backoff max (%s) must be >= backoff factor (%s)", c.BackoffMax, c.BackoffFactor)
	}
	return nil
}

// ClientOptions converts the connection settings into client options.
func (c Config) ClientOptions(logger pslog.Logger) []client.Option {
	opts := []client.Option{
		client.WithHTTPTimeout(c.HTTPTimeout),
		client.WithLogger(logger),
	}
	if c.Token != "" {
		opts = append(opts, client.WithToken(c.Token))
	}
	if c.Datacenter != "" {
		opts = append(opts, client.WithDatacenter(c.Datacenter))
	}
	if c.Consistency != "" {
		opts = append(opts, client.WithConsistency(c.Consistency))
	}
	return opts
}

// LockConfig returns a lock configuration for key using the lock defaults.
func (c Config) LockConfig(key string, value []byte, logger pslog.Logger) lock.Config {
	return lock.Config{
		Key:   key,
		Value: value,
		Session: lock.SessionConfig{
			Name:      c.SessionName,
			TTL:       c.SessionTTL,
			LockDelay: c.LockDelay,
			Behavior:  api.SessionBehaviorRelease,
		},
		LockWaitTime:    c.LockWaitTime,
		LockRetryTime:   c.LockRetryTime,
		LockWaitTimeout: c.LockWaitTimeout,
		Logger:          logger,
	}
}

// WatchConfig returns a watcher configuration without an operation.
func (c Config) WatchConfig(name string, logger pslog.Logger) watch.Config {
	return watch.Config{
		Options:       watch.Options{Wait: c.WatchWait},
		BackoffFactor: c.BackoffFactor,
		BackoffMax:    c.BackoffMax,
		MaxAttempts:   c.MaxAttempts,
		Name:          name,
		Logger:        logger,
	}
}

// DefaultConfigDir returns the default configuration directory ($HOME/.kvcoord).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("KVCOORD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".kvcoord"), nil
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
