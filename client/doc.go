// Package client talks to a Consul-compatible key/value and session HTTP
// API. It implements the collaborator contracts consumed by the watch and
// lock packages and doubles as a small general-purpose SDK.
//
// # Quick start
//
//	cli, err := client.New("http://127.0.0.1:8500", client.WithToken(token))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	resp, pair, err := cli.KVGet(ctx, "service/config", api.QueryOptions{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if pair == nil {
//	    // key does not exist; resp still carries the index
//	}
//
// # Blocking reads
//
// Setting QueryOptions.Index and QueryOptions.Wait turns a read into a
// blocking query. The per-call deadline defaults to duration.Timeout(Wait)
// so the server always gets to answer before the client gives up.
//
//	_, pair, err = cli.KVGet(ctx, "service/config", api.QueryOptions{
//	    Index: resp.Index(),
//	    Wait:  30 * time.Second,
//	})
//
// Use KVGetOperation or KVListOperation to feed a watch.Watcher.
//
// # Errors
//
// Non-2xx responses surface as *APIError. A missing key on KVGet/KVList
// is not an error: the pair is nil and the response reports 404.
package client
