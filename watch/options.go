package watch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"pkt.systems/kvcoord/api"
	"pkt.systems/kvcoord/duration"
)

const (
	// DefaultWait is the server-side blocking ceiling used when none is set.
	DefaultWait = 30 * time.Second
	// DefaultBackoffFactor is the base of the retry delay sequence.
	DefaultBackoffFactor = 100 * time.Millisecond
	// DefaultBackoffMax caps the retry delay.
	DefaultBackoffMax = 30 * time.Second
)

// Options are the per-call parameters of the watched operation.
type Options struct {
	// Wait is how long the server may hold a blocking call open.
	Wait time.Duration
	// Timeout is the client-side ceiling per call. Zero derives it from Wait.
	Timeout time.Duration
	// Index is the starting cursor.
	Index uint64
}

func (o Options) withDefaults() Options {
	if o.Wait <= 0 {
		o.Wait = DefaultWait
	}
	if o.Timeout <= 0 {
		o.Timeout = duration.Timeout(o.Wait)
	}
	return o
}

// ParseOptions builds a Config from string settings. Keys are matched
// without regard to case or separators, so "backoff-factor",
// "backoffFactor" and "BACKOFF_FACTOR" name the same setting. Durations
// accept every form understood by duration.Parse. The Operation is left
// for the caller to set.
func ParseOptions(values map[string]string) (Config, error) {
	var cfg Config
	for rawKey, rawValue := range values {
		value := strings.TrimSpace(rawValue)
		var err error
		switch normalizeKey(rawKey) {
		case "wait":
			cfg.Options.Wait, err = duration.Parse(value)
		case "timeout":
			cfg.Options.Timeout, err = duration.Parse(value)
		case "index":
			cfg.Options.Index, err = strconv.ParseUint(value, 10, 64)
		case "backofffactor":
			cfg.BackoffFactor, err = duration.Parse(value)
		case "backoffmax":
			cfg.BackoffMax, err = duration.Parse(value)
		case "maxattempts":
			if strings.EqualFold(value, "unlimited") {
				cfg.MaxAttempts = 0
				continue
			}
			cfg.MaxAttempts, err = strconv.Atoi(value)
		case "name":
			cfg.Name = value
		default:
			return Config{}, api.Validation("watch", "unknown option %q", rawKey)
		}
		if err != nil {
			return Config{}, api.Validation("watch", "invalid %s %q: %v", rawKey, rawValue, err)
		}
	}
	return cfg, nil
}

func normalizeKey(key string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(key) {
		switch r {
		case '-', '_', '.', ' ':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// String renders the options the way ParseOptions accepts them.
func (o Options) String() string {
	return fmt.Sprintf("wait=%s timeout=%s index=%d", duration.Format(o.Wait), duration.Format(o.Timeout), o.Index)
}
