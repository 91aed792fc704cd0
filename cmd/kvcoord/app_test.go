package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"pkt.systems/kvcoord/api"
	"pkt.systems/kvcoord/internal/memstore"
	"pkt.systems/kvcoord/watch"
	"pkt.systems/pslog"
)

func executeRootCommand(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("KVCOORD_CONFIG_DIR", t.TempDir())
	cmd := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	var stdout, stderr bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestKVCommands(t *testing.T) {
	ts := memstore.NewTestServer(t)
	addr := ts.URL()

	out, _, err := executeRootCommand(t, "", "-a", addr, "kv", "put", "app/one", "hello")
	if err != nil || strings.TrimSpace(out) != "true" {
		t.Fatalf("put: out=%q err=%v", out, err)
	}
	if _, _, err := executeRootCommand(t, "from stdin", "-a", addr, "kv", "put", "app/two"); err != nil {
		t.Fatalf("put stdin: %v", err)
	}

	out, _, err = executeRootCommand(t, "", "-a", addr, "kv", "get", "app/one", "--raw")
	if err != nil || out != "hello" {
		t.Fatalf("get raw: out=%q err=%v", out, err)
	}
	out, _, err = executeRootCommand(t, "", "-a", addr, "kv", "get", "app/two")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var pair api.KVPair
	if err := json.Unmarshal([]byte(out), &pair); err != nil || string(pair.Value) != "from stdin" {
		t.Fatalf("get json: %q (%v)", out, err)
	}

	out, _, err = executeRootCommand(t, "", "-a", addr, "kv", "list", "app/", "--keys")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var keys []string
	if err := json.Unmarshal([]byte(out), &keys); err != nil || len(keys) != 2 {
		t.Fatalf("keys: %q (%v)", out, err)
	}

	_, _, err = executeRootCommand(t, "", "-a", addr, "kv", "put", "app/one", "again", "--cas", "0")
	var exitErr *exitCodeError
	if !errors.As(err, &exitErr) || exitErr.code != 2 {
		t.Fatalf("cas put on existing key should exit 2, got %v", err)
	}

	if _, _, err := executeRootCommand(t, "", "-a", addr, "kv", "delete", "app/", "--recurse"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := executeRootCommand(t, "", "-a", addr, "kv", "get", "app/one"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("get after delete: %v", err)
	}
}

func TestSessionCommands(t *testing.T) {
	ts := memstore.NewTestServer(t)
	addr := ts.URL()
	out, _, err := executeRootCommand(t, "", "-a", addr, "session", "create", "--name", "cli", "--ttl", "30s")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := strings.TrimSpace(out)
	if id == "" {
		t.Fatal("empty session id")
	}
	out, _, err = executeRootCommand(t, "", "-a", addr, "session", "info", id)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	var entry api.SessionEntry
	if err := json.Unmarshal([]byte(out), &entry); err != nil || entry.Name != "cli" || entry.ID != id {
		t.Fatalf("info json: %q (%v)", out, err)
	}
	if _, _, err := executeRootCommand(t, "", "-a", addr, "session", "renew", id); err != nil {
		t.Fatalf("renew: %v", err)
	}
	out, _, err = executeRootCommand(t, "", "-a", addr, "session", "list", "-o", "text")
	if err != nil || !strings.Contains(out, id) {
		t.Fatalf("list: %q %v", out, err)
	}
	if _, _, err := executeRootCommand(t, "", "-a", addr, "session", "destroy", id); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, _, err := executeRootCommand(t, "", "-a", addr, "session", "info", id); err == nil {
		t.Fatal("info after destroy should fail")
	}
}

func TestLockCommandRunsChildAndPropagatesStatus(t *testing.T) {
	ts := memstore.NewTestServer(t)
	addr := ts.URL()
	out, _, err := executeRootCommand(t, "", "-a", addr, "lock", "jobs/nightly", "--value", "runner", "--",
		"sh", "-c", `echo "$KVCOORD_LOCK_KEY $KVCOORD_LOCK_SESSION"; exit 3`)
	var exitErr *exitCodeError
	if !errors.As(err, &exitErr) || exitErr.code != 3 {
		t.Fatalf("expected exit status 3, got %v", err)
	}
	fields := strings.Fields(out)
	if len(fields) != 2 || fields[0] != "jobs/nightly" || fields[1] == "" {
		t.Fatalf("child environment not exported: %q", out)
	}
	pair, _ := ts.Store.Get(context.Background(), "jobs/nightly", api.QueryOptions{})
	if pair == nil || pair.Session != "" || string(pair.Value) != "runner" || pair.Flags != api.LockFlagValue {
		t.Fatalf("lock key after run: %+v", pair)
	}
	if entry, _ := ts.Store.SessionInfo(context.Background(), fields[1], api.QueryOptions{}); entry != nil {
		t.Fatal("lock session should be destroyed after the child exits")
	}

	if _, _, err := executeRootCommand(t, "", "-a", addr, "lock", "jobs/nightly", "--", "true"); err != nil {
		t.Fatalf("second run: %v", err)
	}
}

func TestLockCommandRejectsForeignKey(t *testing.T) {
	ts := memstore.NewTestServer(t)
	if _, _, err := ts.Store.Put("plain", []byte("x"), api.WriteOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, _, err := executeRootCommand(t, "", "-a", ts.URL(), "lock", "plain", "--", "true")
	if err == nil || !api.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestWatchKeyOnce(t *testing.T) {
	ts := memstore.NewTestServer(t)
	if _, _, err := ts.Store.Put("cfg/feature", []byte("on"), api.WriteOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	out, _, err := executeRootCommand(t, "", "-a", ts.URL(), "watch", "key", "cfg/feature", "--once", "--set", "wait=1s")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	var rec watchRecord
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if rec.Pair == nil || string(rec.Pair.Value) != "on" || rec.Index == 0 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestWatchPrefixText(t *testing.T) {
	ts := memstore.NewTestServer(t)
	for _, k := range []string{"svc/a", "svc/b"} {
		if _, _, err := ts.Store.Put(k, []byte("v"), api.WriteOptions{}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	out, _, err := executeRootCommand(t, "", "-a", ts.URL(), "watch", "prefix", "svc/", "--once", "-o", "text")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if !strings.Contains(out, "2 keys") || !strings.Contains(out, "svc/a") || !strings.Contains(out, "svc/b") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestWatchConfigFromSettings(t *testing.T) {
	base := watch.Config{Options: watch.Options{Wait: time.Minute}, MaxAttempts: 7, Name: "base"}
	cfg, err := watchConfigFromSettings(base, []string{"Backoff-Factor=250ms", "max_attempts=unlimited", "index=42"})
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if cfg.BackoffFactor != 250*time.Millisecond || cfg.MaxAttempts != 0 || cfg.Options.Index != 42 {
		t.Fatalf("settings not applied: %+v", cfg)
	}
	if cfg.Options.Wait != time.Minute || cfg.Name != "base" {
		t.Fatalf("untouched settings changed: %+v", cfg)
	}
	if _, err := watchConfigFromSettings(base, []string{"novalue"}); err == nil {
		t.Fatal("expected error for malformed setting")
	}
	if _, err := watchConfigFromSettings(base, []string{"bogus=1"}); !api.IsValidation(err) {
		t.Fatalf("expected validation error for unknown option, got %v", err)
	}
}

func TestConfigGenStdout(t *testing.T) {
	out, _, err := executeRootCommand(t, "", "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var got map[string]any
	if err := yaml.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if got["address"] != "http://127.0.0.1:8500" || got["session-ttl"] != "15s" || got["watch-wait"] != "30s" {
		t.Fatalf("unexpected defaults: %v", got)
	}
	for _, key := range configKeys {
		if key == "config" {
			continue
		}
		if _, ok := got[key]; !ok {
			t.Fatalf("generated config misses %q", key)
		}
	}
}

func TestConfigFileIsHonoured(t *testing.T) {
	ts := memstore.NewTestServer(t)
	dir := t.TempDir()
	data, err := defaultConfigYAML(func(c *configDefaults) { c.Address = ts.URL() })
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	path := dir + "/kvcoord.yaml"
	if err := writeFile(path, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, _, err := executeRootCommand(t, "", "--config", path, "kv", "put", "from/file", "ok")
	if err != nil || strings.TrimSpace(out) != "true" {
		t.Fatalf("put via config file: %q %v", out, err)
	}
}

func TestVersionCommand(t *testing.T) {
	out, _, err := executeRootCommand(t, "", "version", "--semver")
	if err != nil || !strings.HasPrefix(out, "v") {
		t.Fatalf("version --semver: %q %v", out, err)
	}
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o600)
}
