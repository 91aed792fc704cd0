package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestResponseIndex(t *testing.T) {
	cases := []struct {
		name   string
		header string
		want   uint64
		ok     bool
	}{
		{"missing", "", 0, false},
		{"numeric", "42", 42, true},
		{"zero", "0", 0, true},
		{"garbage", "abc", 0, false},
		{"negative", "-1", 0, false},
		{"max", "18446744073709551615", 18446744073709551615, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &Response{StatusCode: 200, Header: http.Header{}}
			if tc.header != "" {
				r.Header.Set(HeaderIndex, tc.header)
			}
			got, ok := r.Index()
			if got != tc.want || ok != tc.ok {
				t.Fatalf("Index() = %d,%v want %d,%v", got, ok, tc.want, tc.ok)
			}
		})
	}
	var nilResp *Response
	if _, ok := nilResp.Index(); ok {
		t.Fatal("nil response must not report an index")
	}
}

func TestResponseMeta(t *testing.T) {
	r := &Response{StatusCode: 404, Header: http.Header{}}
	r.Header.Set(HeaderKnownLeader, "true")
	r.Header.Set(HeaderLastContact, "25")
	if !r.KnownLeader() {
		t.Fatal("expected known leader")
	}
	if r.LastContact() != 25*time.Millisecond {
		t.Fatalf("unexpected last contact %v", r.LastContact())
	}
	if r.OK() || !r.NotFound() {
		t.Fatalf("status helpers wrong for 404")
	}
}

func TestValidationError(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Validation("watch", "%s not supported", "blocking"))
	if !IsValidation(err) {
		t.Fatal("expected validation error to be detected through wrapping")
	}
	if IsValidation(errors.New("plain")) {
		t.Fatal("plain error is not a validation error")
	}
	if got := Validation("", "bare").Error(); got != "bare" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestKVPairHelpers(t *testing.T) {
	p := &KVPair{Key: "k", Flags: LockFlagValue, Session: "s1", Value: []byte("v")}
	if !p.IsLock() || !p.HeldBy("s1") || p.HeldBy("s2") || p.HeldBy("") {
		t.Fatalf("unexpected helper results for %+v", p)
	}
	c := p.Clone()
	c.Value[0] = 'x'
	if string(p.Value) != "v" {
		t.Fatal("clone must not share value storage")
	}
	var nilPair *KVPair
	if nilPair.IsLock() || nilPair.Clone() != nil {
		t.Fatal("nil pair helpers must be safe")
	}
}
