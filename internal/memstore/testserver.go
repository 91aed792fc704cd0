package memstore

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"pkt.systems/kvcoord/client"
	"pkt.systems/pslog"
)

// TestServer bundles a running store with an HTTP front and a client.
type TestServer struct {
	Store  *Store
	Server *httptest.Server
	Client *client.Client
}

// URL returns the base URL of the HTTP front.
func (ts *TestServer) URL() string {
	return ts.Server.URL
}

// NewClient builds an additional client against the server.
func (ts *TestServer) NewClient(t testing.TB, opts ...client.Option) *client.Client {
	t.Helper()
	cli, err := client.New(ts.Server.URL, opts...)
	if err != nil {
		t.Fatalf("memstore: new client: %v", err)
	}
	return cli
}

// NewTestServer starts a store behind httptest and registers cleanup on t.
// Store logs are routed to t.Log when KVCOORD_TEST_LOG is set.
func NewTestServer(t testing.TB, cfg ...Config) *TestServer {
	t.Helper()
	var c Config
	if len(cfg) > 0 {
		c = cfg[0]
	}
	if c.Logger == nil {
		c.Logger = NewTestingLogger(t)
	}
	store := New(c)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		store.Run(ctx)
	}()
	srv := httptest.NewServer(store.Handler())
	cli, err := client.New(srv.URL, client.WithLogger(c.Logger))
	if err != nil {
		cancel()
		srv.Close()
		t.Fatalf("memstore: new client: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		srv.CloseClientConnections()
		srv.Close()
		<-done
	})
	return &TestServer{Store: store, Server: srv, Client: cli}
}

type testingWriter struct {
	t      testing.TB
	mu     sync.Mutex
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					if strings.Contains(strings.ToLower(toString(r)), "log in goroutine") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if e, ok := v.(error); ok {
		return e.Error()
	}
	return ""
}

// NewTestingLogger returns a logger that writes to t.Log, or a disabled
// logger unless KVCOORD_TEST_LOG names a level.
func NewTestingLogger(t testing.TB) pslog.Logger {
	raw := os.Getenv("KVCOORD_TEST_LOG")
	if raw == "" {
		return pslog.NoopLogger()
	}
	level, ok := pslog.ParseLevel(raw)
	if !ok {
		level = pslog.DebugLevel
	}
	w := &testingWriter{t: t}
	t.Cleanup(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
	})
	return pslog.NewWithOptions(context.Background(), w, pslog.Options{Mode: pslog.ModeStructured, MinLevel: level})
}
