// Package duration parses and formats the duration strings accepted by the
// store ("15s", "100ms", "1m30s") and derives client-side call ceilings.
package duration

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrInvalid is returned for strings that do not describe a duration.
var ErrInvalid = errors.New("duration: invalid duration")

// MinTimeoutPadding is the smallest margin Timeout adds on top of a wait.
const MinTimeoutPadding = 500 * time.Millisecond

var units = map[string]time.Duration{
	"h":  time.Hour,
	"m":  time.Minute,
	"s":  time.Second,
	"ms": time.Millisecond,
	"us": time.Microsecond,
	"µs": time.Microsecond,
	"ns": time.Nanosecond,
}

// Parse converts s into a time.Duration. A bare number is read as
// nanoseconds, a number with a single unit suffix (h, m, s, ms, us, ns) is
// scaled by that unit, and anything else is handed to time.ParseDuration so
// compound forms such as "1m30s" also work.
func Parse(s string) (time.Duration, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return 0, fmt.Errorf("%w: empty string", ErrInvalid)
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return fromFloat(raw, n, time.Nanosecond)
	}
	num, unit := split(raw)
	if scale, ok := units[unit]; ok && num != "" {
		if n, err := strconv.ParseFloat(num, 64); err == nil {
			return fromFloat(raw, n, scale)
		}
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return d, nil
}

// MustParse is like Parse but panics on error. Intended for constants.
func MustParse(s string) time.Duration {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Format renders d using the largest single unit that represents it
// exactly, e.g. 30s, 1500ms, 2h. Zero renders as "0s".
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	for _, u := range []struct {
		suffix string
		scale  time.Duration
	}{
		{"h", time.Hour},
		{"m", time.Minute},
		{"s", time.Second},
		{"ms", time.Millisecond},
		{"us", time.Microsecond},
	} {
		if d%u.scale == 0 {
			return sign + strconv.FormatInt(int64(d/u.scale), 10) + u.suffix
		}
	}
	return sign + strconv.FormatInt(int64(d), 10) + "ns"
}

// Timeout returns the client-side ceiling for a blocking call that may be
// held open for wait: wait plus the larger of wait/10 and 500ms.
func Timeout(wait time.Duration) time.Duration {
	if wait < 0 {
		wait = 0
	}
	pad := wait / 10
	if pad < MinTimeoutPadding {
		pad = MinTimeoutPadding
	}
	return wait + pad
}

func split(raw string) (string, string) {
	i := strings.IndexFunc(raw, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	})
	if i < 0 {
		return raw, ""
	}
	return raw[:i], raw[i:]
}

func fromFloat(raw string, n float64, scale time.Duration) (time.Duration, error) {
	if math.IsNaN(n) || math.IsInf(n, 0) || n < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, raw)
	}
	v := n * float64(scale)
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalid, raw)
	}
	return time.Duration(v), nil
}
