// Package kvcoord holds the shared configuration and telemetry bootstrap for
// the kvcoord coordination toolkit.
//
// kvcoord turns two primitives of a Consul-compatible key/value HTTP API,
// blocking reads and session-guarded CAS writes, into reusable building
// blocks:
//
//   - package watch runs a blocking-query loop against any resource and
//     emits a change event each time its index advances, with exponential
//     backoff on failures.
//   - package lock implements a distributed mutex as a state machine over a
//     session, a CAS acquire write and a watch-driven monitor of the key.
//   - package client speaks the /v1/kv and /v1/session HTTP endpoints and
//     satisfies the narrow interfaces those packages consume.
//
// # Watching a key
//
//	cli, _ := client.New("http://127.0.0.1:8500")
//	w, _ := watch.Key(cli, "service/config", watch.Config{})
//	w.On(event.Change, func(ev event.Event) {
//	    pair, _ := ev.Data.(*api.KVPair)
//	    fmt.Println("changed:", pair)
//	})
//	_ = w.Start(ctx)
//	<-w.Done()
//
// # Holding a lock
//
//	l, _ := lock.New(cli, cli, lock.Config{Key: "service/leader"})
//	err := lock.Hold(ctx, l, func(ctx context.Context) error {
//	    // ctx is cancelled if ownership is lost
//	    return runLeader(ctx)
//	})
//
// Events are delivered on the goroutine that drives the watcher or lock
// context, in order. Handlers must not block for long.
//
// # Configuration
//
// Config collects connection, lock and watch defaults. The kvcoord CLI binds
// it to flags, KVCOORD_* environment variables and an optional YAML file in
// DefaultConfigDir (override with KVCOORD_CONFIG_DIR).
//
// # Telemetry
//
// Watchers and locks record OpenTelemetry metrics and spans through the
// global providers. SetupTelemetry installs an OTLP trace exporter, a
// Prometheus /metrics endpoint and pprof handlers as requested.
package kvcoord
