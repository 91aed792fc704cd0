package duration_test

import (
	"errors"
	"testing"
	"time"

	"pkt.systems/kvcoord/duration"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"15s", 15 * time.Second},
		{"10ms", 10 * time.Millisecond},
		{"1.5s", 1500 * time.Millisecond},
		{"2h", 2 * time.Hour},
		{"3m", 3 * time.Minute},
		{"7us", 7 * time.Microsecond},
		{"7µs", 7 * time.Microsecond},
		{"100ns", 100 * time.Nanosecond},
		{"1000", 1000 * time.Nanosecond},
		{".5s", 500 * time.Millisecond},
		{"1m30s", 90 * time.Second},
		{" 30s ", 30 * time.Second},
	}
	for _, tc := range cases {
		got, err := duration.Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Parse(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "10 parsecs", "-5s", "s", "1e400"} {
		if _, err := duration.Parse(in); !errors.Is(err, duration.ErrInvalid) {
			t.Fatalf("Parse(%q) expected ErrInvalid, got %v", in, err)
		}
	}
}

func TestMustParsePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	duration.MustParse("nope")
}

func TestFormat(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{30 * time.Second, "30s"},
		{1500 * time.Millisecond, "1500ms"},
		{2 * time.Hour, "2h"},
		{90 * time.Second, "90s"},
		{5 * time.Minute, "5m"},
		{3 * time.Microsecond, "3us"},
		{7, "7ns"},
		{-2 * time.Second, "-2s"},
	}
	for _, tc := range cases {
		if got := duration.Format(tc.in); got != tc.want {
			t.Fatalf("Format(%v) = %q, want %q", tc.in, got, tc.want)
		}
		if tc.in >= 0 {
			back, err := duration.Parse(duration.Format(tc.in))
			if err != nil || back != tc.in {
				t.Fatalf("Format/Parse round trip of %v gave %v (%v)", tc.in, back, err)
			}
		}
	}
}

func TestTimeout(t *testing.T) {
	cases := []struct {
		wait time.Duration
		want time.Duration
	}{
		{30 * time.Second, 33 * time.Second},
		{time.Second, 1500 * time.Millisecond},
		{0, 500 * time.Millisecond},
		{10 * time.Second, 11 * time.Second},
		{5 * time.Second, 5500 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := duration.Timeout(tc.wait); got != tc.want {
			t.Fatalf("Timeout(%v) = %v, want %v", tc.wait, got, tc.want)
		}
	}
}
