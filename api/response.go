package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Well-known response and request headers.
const (
	HeaderIndex       = "X-Consul-Index"
	HeaderKnownLeader = "X-Consul-Knownleader"
	HeaderLastContact = "X-Consul-Lastcontact"
	HeaderToken       = "X-Consul-Token"
)

// Response carries the transport metadata of a completed call.
type Response struct {
	StatusCode int
	Header     http.Header
}

// NewResponse captures the metadata of an *http.Response.
func NewResponse(resp *http.Response) *Response {
	if resp == nil {
		return nil
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone()}
}

// Status returns the status code, or 0 for a nil response.
func (r *Response) Status() int {
	if r == nil {
		return 0
	}
	return r.StatusCode
}

// Index parses the resource index header. The second return value is false
// when the header is absent or not an unsigned integer.
func (r *Response) Index() (uint64, bool) {
	if r == nil || r.Header == nil {
		return 0, false
	}
	raw := strings.TrimSpace(r.Header.Get(HeaderIndex))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// KnownLeader reports the known-leader header.
func (r *Response) KnownLeader() bool {
	if r == nil || r.Header == nil {
		return false
	}
	return r.Header.Get(HeaderKnownLeader) == "true"
}

// LastContact returns the last-contact header as a duration (milliseconds on
// the wire).
func (r *Response) LastContact() time.Duration {
	if r == nil || r.Header == nil {
		return 0
	}
	ms, err := strconv.ParseUint(r.Header.Get(HeaderLastContact), 10, 64)
	if err != nil {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	s := r.Status()
	return s >= 200 && s < 300
}

// NotFound reports whether the status is 404.
func (r *Response) NotFound() bool {
	return r.Status() == http.StatusNotFound
}
