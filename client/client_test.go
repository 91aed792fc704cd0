package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/kvcoord/api"
	"pkt.systems/kvcoord/client"
	"pkt.systems/kvcoord/event"
	"pkt.systems/kvcoord/internal/correlation"
	"pkt.systems/kvcoord/internal/memstore"
	"pkt.systems/kvcoord/watch"
)

func TestNewValidatesBaseURL(t *testing.T) {
	for _, bad := range []string{"", "ftp://x", "http://"} {
		if _, err := client.New(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
	cli, err := client.New("127.0.0.1:8500")
	if err != nil {
		t.Fatalf("bare host: %v", err)
	}
	if cli.Address() != "http://127.0.0.1:8500" {
		t.Fatalf("unexpected address %s", cli.Address())
	}
	if _, err := client.New("http://x", client.WithConsistency("eventual")); err == nil {
		t.Fatal("expected error for unknown consistency mode")
	}
}

func TestKVRoundTrip(t *testing.T) {
	ts := memstore.NewTestServer(t)
	ctx := context.Background()
	cli := ts.Client

	resp, pair, err := cli.KVGet(ctx, "app/config", api.QueryOptions{})
	if err != nil || pair != nil {
		t.Fatalf("missing key: pair=%v err=%v", pair, err)
	}
	if !resp.NotFound() {
		t.Fatalf("expected 404, got %d", resp.Status())
	}
	if idx, ok := resp.Index(); !ok || idx == 0 {
		t.Fatalf("404 must still carry an index, got %d %v", idx, ok)
	}

	_, ok, err := cli.KVPut(ctx, "app/config", []byte("hello"), api.WriteOptions{Flags: 42})
	if err != nil || !ok {
		t.Fatalf("put: ok=%v err=%v", ok, err)
	}
	resp, pair, err = cli.KVGet(ctx, "app/config", api.QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if string(pair.Value) != "hello" || pair.Flags != 42 || pair.Key != "app/config" {
		t.Fatalf("unexpected pair %+v", pair)
	}
	if idx, _ := resp.Index(); idx != pair.ModifyIndex {
		t.Fatalf("index header %d != modify index %d", idx, pair.ModifyIndex)
	}

	stale := pair.ModifyIndex + 100
	if _, ok, err := cli.KVPut(ctx, "app/config", []byte("x"), api.WriteOptions{CAS: &stale}); err != nil || ok {
		t.Fatalf("stale cas: ok=%v err=%v", ok, err)
	}

	if _, _, err := cli.KVPut(ctx, "app/other", nil, api.WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	_, pairs, err := cli.KVList(ctx, "app/", api.QueryOptions{})
	if err != nil || len(pairs) != 2 {
		t.Fatalf("list: %d pairs err=%v", len(pairs), err)
	}
	_, keys, err := cli.KVKeys(ctx, "", "/", api.QueryOptions{})
	if err != nil || len(keys) != 1 || keys[0] != "app/" {
		t.Fatalf("keys: %v err=%v", keys, err)
	}
	if _, ok, err := cli.KVDelete(ctx, "app/", true, nil); err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	_, pairs, err = cli.KVList(ctx, "app/", api.QueryOptions{})
	if err != nil || pairs != nil {
		t.Fatalf("expected empty list, got %v err=%v", pairs, err)
	}
}

func TestKVBlockingGet(t *testing.T) {
	ts := memstore.NewTestServer(t)
	ctx := context.Background()
	cli := ts.Client
	if _, _, err := cli.KVPut(ctx, "k", []byte("1"), api.WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	resp, _, err := cli.KVGet(ctx, "k", api.QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	idx, _ := resp.Index()

	done := make(chan *api.KVPair, 1)
	go func() {
		_, pair, err := cli.KVGet(ctx, "k", api.QueryOptions{Index: idx, Wait: 10 * time.Second})
		if err != nil {
			t.Errorf("blocking get: %v", err)
		}
		done <- pair
	}()
	time.Sleep(50 * time.Millisecond)
	if _, _, err := cli.KVPut(ctx, "k", []byte("2"), api.WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	select {
	case pair := <-done:
		if pair == nil || string(pair.Value) != "2" {
			t.Fatalf("unexpected pair %+v", pair)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("blocking get did not return")
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts := memstore.NewTestServer(t)
	ctx := context.Background()
	cli := ts.Client

	_, id, err := cli.SessionCreate(ctx, api.SessionRequest{Name: "worker", TTL: "15s"})
	if err != nil || id == "" {
		t.Fatalf("create: %q %v", id, err)
	}
	_, entry, err := cli.SessionRenew(ctx, id)
	if err != nil || entry.ID != id || entry.TTL != "15s" {
		t.Fatalf("renew: %+v %v", entry, err)
	}
	_, info, err := cli.SessionInfo(ctx, id, api.QueryOptions{})
	if err != nil || info == nil || info.Name != "worker" {
		t.Fatalf("info: %+v %v", info, err)
	}
	_, list, err := cli.SessionList(ctx, api.QueryOptions{})
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %v", list, err)
	}

	_, ok, err := cli.KVPut(ctx, "lock", nil, api.WriteOptions{Acquire: id, Flags: api.LockFlagValue})
	if err != nil || !ok {
		t.Fatalf("acquire: %v %v", ok, err)
	}
	if _, _, err := cli.KVPut(ctx, "lock", nil, api.WriteOptions{Acquire: id, Release: id}); !api.IsValidation(err) {
		t.Fatalf("expected local validation error, got %v", err)
	}

	_, ok, err = cli.SessionDestroy(ctx, id)
	if err != nil || !ok {
		t.Fatalf("destroy: %v %v", ok, err)
	}
	_, info, err = cli.SessionInfo(ctx, id, api.QueryOptions{})
	if err != nil || info != nil {
		t.Fatalf("expected no session after destroy, got %+v %v", info, err)
	}
	resp, _, err := cli.SessionRenew(ctx, id)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound || resp.Status() != http.StatusNotFound {
		t.Fatalf("expected 404 renewing a destroyed session, got %v", err)
	}
	_, ok, err = cli.KVPut(ctx, "lock", nil, api.WriteOptions{Acquire: id})
	if !errors.As(err, &apiErr) || apiErr.HTTPStatus() != http.StatusInternalServerError || ok {
		t.Fatalf("expected invalid session error, got %v", err)
	}
}

func TestBadRequestSurfacesAsAPIError(t *testing.T) {
	ts := memstore.NewTestServer(t)
	_, _, err := ts.Client.SessionCreate(context.Background(), api.SessionRequest{TTL: "forever"})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 APIError, got %v", err)
	}
	if !strings.Contains(apiErr.Error(), "invalid TTL") {
		t.Fatalf("error should carry the body: %v", apiErr)
	}
}

func TestRequestHeadersAndParams(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.Header().Set(api.HeaderIndex, "9")
		w.Write([]byte(`[{"Key":"k","Value":"aGk=","Flags":1,"ModifyIndex":9}]`))
	}))
	t.Cleanup(srv.Close)
	cli, err := client.New(srv.URL,
		client.WithToken("secret"),
		client.WithDatacenter("dc2"),
		client.WithConsistency(client.ConsistencyStale),
	)
	if err != nil {
		t.Fatal(err)
	}
	ctx := correlation.Set(context.Background(), "cid-123")
	_, pair, err := cli.KVGet(ctx, "k", api.QueryOptions{Index: 5, Wait: 30 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if string(pair.Value) != "hi" {
		t.Fatalf("base64 value not decoded: %q", pair.Value)
	}
	if got.Header.Get(api.HeaderToken) != "secret" {
		t.Fatal("token header missing")
	}
	if got.Header.Get(correlation.HeaderName) != "cid-123" {
		t.Fatalf("correlation header = %q", got.Header.Get(correlation.HeaderName))
	}
	q := got.URL.Query()
	if q.Get("index") != "5" || q.Get("wait") != "30s" || q.Get("dc") != "dc2" || !q.Has("stale") {
		t.Fatalf("unexpected query %s", got.URL.RawQuery)
	}
}

func TestKVGetOperationFeedsWatcher(t *testing.T) {
	ts := memstore.NewTestServer(t)
	ctx := context.Background()
	cli := ts.Client
	if _, _, err := cli.KVPut(ctx, "cfg", []byte("a"), api.WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	w, err := watch.New(watch.Config{
		Operation: cli.KVGetOperation("cfg"),
		Options:   watch.Options{Wait: 5 * time.Second},
	})
	if err != nil {
		t.Fatal(err)
	}
	values := make(chan string, 8)
	w.On(event.Change, func(ev event.Event) {
		pair, _ := ev.Data.(*api.KVPair)
		if pair == nil {
			values <- "<nil>"
			return
		}
		values <- string(pair.Value)
	})
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(w.End)

	expect := func(want string) {
		t.Helper()
		select {
		case v := <-values:
			if v != want {
				t.Fatalf("change value %q want %q", v, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("no change for %q", want)
		}
	}
	expect("a")
	if _, _, err := cli.KVPut(ctx, "cfg", []byte("b"), api.WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	expect("b")
	if _, _, err := cli.KVDelete(ctx, "cfg", false, nil); err != nil {
		t.Fatal(err)
	}
	expect("<nil>")
}
