package kvcoord

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/kvcoord/api"
	"pkt.systems/pslog"
)

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	want := DefaultConfig()
	if cfg.Address != want.Address || cfg.HTTPTimeout != want.HTTPTimeout || cfg.LogLevel != want.LogLevel {
		t.Fatalf("connection defaults not applied: %+v", cfg)
	}
	if cfg.SessionTTL != DefaultSessionTTL || cfg.LockWaitTime != DefaultLockWaitTime || cfg.LockRetryTime != DefaultLockRetryTime || cfg.LockWaitTimeout != DefaultLockWaitTimeout {
		t.Fatalf("lock defaults not applied: %+v", cfg)
	}
	if cfg.WatchWait != 30*time.Second || cfg.BackoffFactor != 100*time.Millisecond || cfg.BackoffMax != 30*time.Second {
		t.Fatalf("watch defaults not applied: %+v", cfg)
	}
	if cfg.SessionName != DefaultSessionName {
		t.Fatalf("session name = %q", cfg.SessionName)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"negative timeout", Config{HTTPTimeout: -time.Second}, "http timeout"},
		{"bad consistency", Config{Consistency: "eventual"}, "consistency"},
		{"bad level", Config{LogLevel: "loud"}, "log level"},
		{"profiling without metrics", Config{EnableProfilingMetrics: true}, "metrics-listen"},
		{"negative ttl", Config{SessionTTL: -1}, "session ttl"},
		{"negative lock delay", Config{LockDelay: -1}, "lock delay"},
		{"backoff inverted", Config{BackoffFactor: time.Minute, BackoffMax: time.Second}, "backoff max"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestConfigConsistencyNormalized(t *testing.T) {
	cfg := Config{Consistency: " Stale "}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Consistency != "stale" {
		t.Fatalf("consistency = %q", cfg.Consistency)
	}
}

func TestConfigDerivedSettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LockDelay = 2 * time.Second
	cfg.MaxAttempts = 4
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	logger := pslog.NoopLogger()
	lc := cfg.LockConfig("service/leader", []byte("me"), logger)
	if lc.Key != "service/leader" || string(lc.Value) != "me" {
		t.Fatalf("lock config key/value: %+v", lc)
	}
	if lc.Session.TTL != cfg.SessionTTL || lc.Session.LockDelay != 2*time.Second || lc.Session.Behavior != api.SessionBehaviorRelease {
		t.Fatalf("lock session config: %+v", lc.Session)
	}
	wc := cfg.WatchConfig("cfg", logger)
	if wc.Options.Wait != cfg.WatchWait || wc.MaxAttempts != 4 || wc.Name != "cfg" || wc.Operation != nil {
		t.Fatalf("watch config: %+v", wc)
	}
	if opts := cfg.ClientOptions(logger); len(opts) != 2 {
		t.Fatalf("expected timeout and logger options only, got %d", len(opts))
	}
	cfg.Token, cfg.Datacenter, cfg.Consistency = "secret", "dc2", "stale"
	if opts := cfg.ClientOptions(logger); len(opts) != 5 {
		t.Fatalf("expected five client options, got %d", len(opts))
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KVCOORD_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil || got != dir {
		t.Fatalf("config dir = %q, %v", got, err)
	}
	path, err := DefaultConfigPath()
	if err != nil || path != filepath.Join(dir, "config.yaml") {
		t.Fatalf("config path = %q, %v", path, err)
	}
	t.Setenv("KVCOORD_CONFIG_DIR", "relative/dir")
	got, err = DefaultConfigDir()
	if err != nil || !filepath.IsAbs(got) || !strings.HasSuffix(got, filepath.Join("relative", "dir")) {
		t.Fatalf("relative override = %q, %v", got, err)
	}
}
