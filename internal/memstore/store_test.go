package memstore_test

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"testing"
	"time"

	"pkt.systems/kvcoord/api"
	"pkt.systems/kvcoord/internal/clock"
	"pkt.systems/kvcoord/internal/memstore"
)

func newSession(t *testing.T, s *memstore.Store, req api.SessionRequest) string {
	t.Helper()
	id, _, err := s.CreateSession(req)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return id
}

func mustPut(t *testing.T, s *memstore.Store, key string, w api.WriteOptions) bool {
	t.Helper()
	ok, _, err := s.Put(key, []byte("v"), w)
	if err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
	return ok
}

func TestAcquireRelease(t *testing.T) {
	s := memstore.New(memstore.Config{})
	a := newSession(t, s, api.SessionRequest{Name: "a"})
	b := newSession(t, s, api.SessionRequest{Name: "b"})

	if !mustPut(t, s, "lock", api.WriteOptions{Acquire: a, Flags: api.LockFlagValue}) {
		t.Fatal("a should acquire a free key")
	}
	if mustPut(t, s, "lock", api.WriteOptions{Acquire: b}) {
		t.Fatal("b must not acquire a held key")
	}
	if !mustPut(t, s, "lock", api.WriteOptions{Acquire: a, Flags: api.LockFlagValue}) {
		t.Fatal("re-acquire by holder should succeed")
	}
	pair, _ := s.Get(context.Background(), "lock", api.QueryOptions{})
	if pair.Session != a || pair.LockIndex != 1 || pair.Flags != api.LockFlagValue {
		t.Fatalf("unexpected pair after acquire: %+v", pair)
	}
	if mustPut(t, s, "lock", api.WriteOptions{Release: b}) {
		t.Fatal("non-holder release must fail")
	}
	if !mustPut(t, s, "lock", api.WriteOptions{Release: a, Flags: api.LockFlagValue}) {
		t.Fatal("holder release should succeed")
	}
	if !mustPut(t, s, "lock", api.WriteOptions{Acquire: b}) {
		t.Fatal("b should acquire after release")
	}
	pair, _ = s.Get(context.Background(), "lock", api.QueryOptions{})
	if pair.Session != b || pair.LockIndex != 2 {
		t.Fatalf("unexpected pair after handover: %+v", pair)
	}
	if _, _, err := s.Put("lock", nil, api.WriteOptions{Acquire: "missing"}); !errors.Is(err, memstore.ErrInvalidSession) {
		t.Fatalf("expected invalid session, got %v", err)
	}
	if _, _, err := s.Put("lock", nil, api.WriteOptions{Acquire: a, Release: a}); !api.IsValidation(err) {
		t.Fatalf("expected validation error for conflicting flags, got %v", err)
	}
}

func TestLockDelayAfterInvalidation(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := memstore.New(memstore.Config{Clock: clk})
	a := newSession(t, s, api.SessionRequest{LockDelay: "5s"})
	b := newSession(t, s, api.SessionRequest{LockDelay: "0s"})
	mustPut(t, s, "lock", api.WriteOptions{Acquire: a})
	s.DestroySession(a)

	pair, _ := s.Get(context.Background(), "lock", api.QueryOptions{})
	if pair == nil || pair.Session != "" {
		t.Fatalf("destroy should release the key: %+v", pair)
	}
	if mustPut(t, s, "lock", api.WriteOptions{Acquire: b}) {
		t.Fatal("acquire inside lock-delay must fail")
	}
	clk.Advance(5 * time.Second)
	if !mustPut(t, s, "lock", api.WriteOptions{Acquire: b}) {
		t.Fatal("acquire after lock-delay should succeed")
	}
}

func TestSessionTTLExpiry(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := memstore.New(memstore.Config{Clock: clk})
	id := newSession(t, s, api.SessionRequest{TTL: "10s", LockDelay: "0s"})
	mustPut(t, s, "lock", api.WriteOptions{Acquire: id})

	clk.Advance(9 * time.Second)
	if n := s.ExpireSessions(); n != 0 {
		t.Fatalf("expired %d sessions early", n)
	}
	entry, _, err := s.RenewSession(id)
	if err != nil || entry.TTL != "10s" {
		t.Fatalf("renew: %+v %v", entry, err)
	}
	clk.Advance(9 * time.Second)
	if n := s.ExpireSessions(); n != 0 {
		t.Fatal("renew did not extend the TTL")
	}
	clk.Advance(2 * time.Second)
	if n := s.ExpireSessions(); n != 1 {
		t.Fatalf("expected 1 expired session, got %d", n)
	}
	pair, _ := s.Get(context.Background(), "lock", api.QueryOptions{})
	if pair.Session != "" {
		t.Fatal("expired session must release its keys")
	}
	if _, _, err := s.RenewSession(id); !errors.Is(err, memstore.ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSessionBehaviorDelete(t *testing.T) {
	s := memstore.New(memstore.Config{})
	id := newSession(t, s, api.SessionRequest{Behavior: api.SessionBehaviorDelete})
	mustPut(t, s, "eph", api.WriteOptions{Acquire: id})
	s.DestroySession(id)
	if pair, _ := s.Get(context.Background(), "eph", api.QueryOptions{}); pair != nil {
		t.Fatalf("expected key to be deleted, got %+v", pair)
	}
	if _, _, err := s.CreateSession(api.SessionRequest{Behavior: "explode"}); !api.IsValidation(err) {
		t.Fatalf("expected validation error for bad behavior, got %v", err)
	}
	if _, _, err := s.CreateSession(api.SessionRequest{TTL: "48h"}); !api.IsValidation(err) {
		t.Fatalf("expected validation error for oversized TTL, got %v", err)
	}
}

func TestCheckAndSet(t *testing.T) {
	s := memstore.New(memstore.Config{})
	zero := uint64(0)
	if !mustPut(t, s, "k", api.WriteOptions{CAS: &zero}) {
		t.Fatal("cas=0 should create a missing key")
	}
	if mustPut(t, s, "k", api.WriteOptions{CAS: &zero}) {
		t.Fatal("cas=0 must fail on an existing key")
	}
	pair, _ := s.Get(context.Background(), "k", api.QueryOptions{})
	stale := pair.ModifyIndex - 1
	if mustPut(t, s, "k", api.WriteOptions{CAS: &stale}) {
		t.Fatal("stale cas must fail")
	}
	current := pair.ModifyIndex
	if !mustPut(t, s, "k", api.WriteOptions{CAS: &current}) {
		t.Fatal("current cas should succeed")
	}
	if ok, _ := s.Delete("k", false, &current); ok {
		t.Fatal("delete with stale cas must fail")
	}
}

func TestBlockingGetWakesOnWrite(t *testing.T) {
	s := memstore.New(memstore.Config{})
	mustPut(t, s, "k", api.WriteOptions{})
	_, idx := s.Get(context.Background(), "k", api.QueryOptions{})

	type result struct {
		pair *api.KVPair
		idx  uint64
	}
	done := make(chan result, 1)
	go func() {
		pair, next := s.Get(context.Background(), "k", api.QueryOptions{Index: idx, Wait: time.Minute})
		done <- result{pair, next}
	}()
	select {
	case <-done:
		t.Fatal("blocking get returned before any write")
	case <-time.After(50 * time.Millisecond):
	}
	if _, _, err := s.Put("k", []byte("new"), api.WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-done:
		if r.idx <= idx || string(r.pair.Value) != "new" {
			t.Fatalf("unexpected result %+v idx=%d", r.pair, r.idx)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocking get did not wake on write")
	}
}

func TestBlockingGetTimesOut(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := memstore.New(memstore.Config{Clock: clk})
	mustPut(t, s, "k", api.WriteOptions{})
	_, idx := s.Get(context.Background(), "k", api.QueryOptions{})
	done := make(chan uint64, 1)
	go func() {
		_, next := s.Get(context.Background(), "k", api.QueryOptions{Index: idx, Wait: 10 * time.Second})
		done <- next
	}()
	if !clk.BlockUntil(1, time.Second) {
		t.Fatal("blocking get never armed its timer")
	}
	if got := clk.PendingDurations(); got[0] != 10*time.Second {
		t.Fatalf("unexpected wait %v", got)
	}
	clk.Advance(10 * time.Second)
	select {
	case next := <-done:
		if next != idx {
			t.Fatalf("timeout should return the unchanged index, got %d want %d", next, idx)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocking get did not time out")
	}
}

func TestKeysWithSeparator(t *testing.T) {
	s := memstore.New(memstore.Config{})
	for _, k := range []string{"app/a", "app/b/c", "app/b/d", "other"} {
		mustPut(t, s, k, api.WriteOptions{})
	}
	keys, _ := s.Keys(context.Background(), "app/", "/", api.QueryOptions{})
	if want := []string{"app/a", "app/b/"}; !reflect.DeepEqual(keys, want) {
		t.Fatalf("keys = %v want %v", keys, want)
	}
	pairs, _ := s.List(context.Background(), "app/", api.QueryOptions{})
	if len(pairs) != 3 || pairs[0].Key != "app/a" {
		t.Fatalf("unexpected list %v", pairs)
	}
	if ok, _ := s.Delete("app/", true, nil); !ok {
		t.Fatal("recursive delete failed")
	}
	if pairs, _ := s.List(context.Background(), "app/", api.QueryOptions{}); len(pairs) != 0 {
		t.Fatalf("expected empty prefix after delete, got %d", len(pairs))
	}
}

func TestHandlerStatusCodes(t *testing.T) {
	ts := memstore.NewTestServer(t)

	resp, err := http.Get(ts.URL() + "/v1/kv/missing?index=abc")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad index status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL() + "/v1/kv/missing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound || resp.Header.Get(api.HeaderIndex) == "" {
		t.Fatalf("missing key: status=%d index=%q", resp.StatusCode, resp.Header.Get(api.HeaderIndex))
	}

	req, _ := http.NewRequest(http.MethodPut, ts.URL()+"/v1/session/renew/nope", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("renew unknown status = %d", resp.StatusCode)
	}
}
