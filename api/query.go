package api

import "time"

// QueryOptions parameterise a read. A non-zero Index together with Wait asks
// the server to hold the request open until the resource index moves past
// Index or Wait elapses. Timeout is the client-side ceiling for the call.
type QueryOptions struct {
	Index   uint64
	Wait    time.Duration
	Timeout time.Duration
}

// WriteOptions parameterise a KV write.
type WriteOptions struct {
	Flags uint64
	// CAS, when set, makes the write conditional on the key's ModifyIndex.
	// Zero means the key must not exist.
	CAS     *uint64
	Acquire string
	Release string
	Timeout time.Duration
}
