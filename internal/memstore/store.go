// Package memstore is an in-memory implementation of the Consul KV and
// session HTTP API subset used by kvcoord. It supports blocking reads, TTL
// sessions with lock-delay, and CAS acquire/release, and backs both the
// package tests and `kvcoord dev`.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/kvcoord/api"
	"pkt.systems/kvcoord/duration"
	"pkt.systems/kvcoord/internal/clock"
	"pkt.systems/kvcoord/internal/svcfields"
	"pkt.systems/kvcoord/internal/uuidv7"
	"pkt.systems/pslog"
)

const (
	// DefaultLockDelay applies when a session request does not set one.
	DefaultLockDelay = 15 * time.Second
	// DefaultWait is the blocking ceiling when a query omits wait.
	DefaultWait = 5 * time.Minute
	// MaxWait caps the blocking ceiling.
	MaxWait = 10 * time.Minute
	// MaxSessionTTL caps session TTLs.
	MaxSessionTTL = 24 * time.Hour
	// DefaultReapInterval is how often Run expires stale sessions.
	DefaultReapInterval = 250 * time.Millisecond
	// DefaultNode names the node sessions are attached to.
	DefaultNode = "kvcoord-dev"
)

var (
	// ErrSessionNotFound is returned for operations on unknown sessions.
	ErrSessionNotFound = errors.New("memstore: session not found")
	// ErrInvalidSession is returned when a lock operation names an unknown
	// session.
	ErrInvalidSession = errors.New("memstore: invalid session")
)

// Config configures a Store.
type Config struct {
	Clock        clock.Clock
	Logger       pslog.Logger
	ReapInterval time.Duration
	Node         string
}

type session struct {
	entry     api.SessionEntry
	ttl       time.Duration
	lockDelay time.Duration
	expires   time.Time
}

// Store holds the key/value and session state. All methods are safe for
// concurrent use.
type Store struct {
	clock  clock.Clock
	logger pslog.Logger
	reap   time.Duration
	node   string

	mu        sync.Mutex
	index     uint64
	kvIndex   uint64
	sessIndex uint64
	kv        map[string]*api.KVPair
	tombs     map[string]uint64
	sessions  map[string]*session
	delays    map[string]time.Time
	changed   chan struct{}
}

// New returns an empty store.
func New(cfg Config) *Store {
	reap := cfg.ReapInterval
	if reap <= 0 {
		reap = DefaultReapInterval
	}
	node := cfg.Node
	if node == "" {
		node = DefaultNode
	}
	return &Store{
		clock:    clock.Ensure(cfg.Clock),
		logger:   svcfields.WithSubsystem(cfg.Logger, "memstore"),
		reap:     reap,
		node:     node,
		kv:       make(map[string]*api.KVPair),
		tombs:    make(map[string]uint64),
		sessions: make(map[string]*session),
		delays:   make(map[string]time.Time),
		changed:  make(chan struct{}),
	}
}

// Run expires stale sessions until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.reap):
			s.ExpireSessions()
		}
	}
}

// Index returns the current raft-style index.
func (s *Store) Index() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

func (s *Store) nextIndexLocked() uint64 {
	s.index++
	return s.index
}

func (s *Store) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// block evaluates query under the store lock until it reports an index
// greater than minIndex, wait elapses, or ctx ends. A zero minIndex returns
// immediately.
func (s *Store) block(ctx context.Context, minIndex uint64, wait time.Duration, query func() uint64) uint64 {
	s.mu.Lock()
	s.expireLocked(s.clock.Now())
	idx := floor(query())
	ch := s.changed
	s.mu.Unlock()
	if minIndex == 0 || idx > minIndex {
		return idx
	}
	if wait <= 0 {
		wait = DefaultWait
	}
	if wait > MaxWait {
		wait = MaxWait
	}
	timeout := s.clock.After(wait)
	for {
		select {
		case <-ch:
		case <-timeout:
			ch = nil
		case <-ctx.Done():
			ch = nil
		}
		s.mu.Lock()
		idx = floor(query())
		next := s.changed
		s.mu.Unlock()
		if ch == nil || idx > minIndex {
			return idx
		}
		ch = next
	}
}

func floor(idx uint64) uint64 {
	if idx == 0 {
		return 1
	}
	return idx
}

func (s *Store) keyIndexLocked(key string) uint64 {
	if pair, ok := s.kv[key]; ok {
		return pair.ModifyIndex
	}
	if idx, ok := s.tombs[key]; ok {
		return idx
	}
	return s.kvIndex
}

func (s *Store) prefixIndexLocked(prefix string) uint64 {
	var idx uint64
	for k, pair := range s.kv {
		if strings.HasPrefix(k, prefix) && pair.ModifyIndex > idx {
			idx = pair.ModifyIndex
		}
	}
	for k, t := range s.tombs {
		if strings.HasPrefix(k, prefix) && t > idx {
			idx = t
		}
	}
	if idx == 0 {
		return s.kvIndex
	}
	return idx
}

// Get returns a copy of key (nil when missing) and the index for the read,
// blocking as described by q.
func (s *Store) Get(ctx context.Context, key string, q api.QueryOptions) (*api.KVPair, uint64) {
	var out *api.KVPair
	idx := s.block(ctx, q.Index, q.Wait, func() uint64 {
		out = s.kv[key].Clone()
		return s.keyIndexLocked(key)
	})
	return out, idx
}

// List returns copies of every key under prefix, sorted by key.
func (s *Store) List(ctx context.Context, prefix string, q api.QueryOptions) ([]*api.KVPair, uint64) {
	var out []*api.KVPair
	idx := s.block(ctx, q.Index, q.Wait, func() uint64 {
		out = out[:0]
		for k, pair := range s.kv {
			if strings.HasPrefix(k, prefix) {
				out = append(out, pair.Clone())
			}
		}
		return s.prefixIndexLocked(prefix)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, idx
}

// Keys lists key names under prefix. With a separator, keys are folded at
// the first separator following the prefix.
func (s *Store) Keys(ctx context.Context, prefix, separator string, q api.QueryOptions) ([]string, uint64) {
	var out []string
	idx := s.block(ctx, q.Index, q.Wait, func() uint64 {
		seen := make(map[string]struct{})
		out = out[:0]
		for k := range s.kv {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			name := k
			if separator != "" {
				if i := strings.Index(k[len(prefix):], separator); i >= 0 {
					name = k[:len(prefix)+i+len(separator)]
				}
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
		return s.prefixIndexLocked(prefix)
	})
	sort.Strings(out)
	return out, idx
}

// Put writes key. It reports whether the write was applied along with the
// resulting index.
func (s *Store) Put(key string, value []byte, w api.WriteOptions) (bool, uint64, error) {
	if key == "" {
		return false, 0, api.Validation("kv.put", "missing key name")
	}
	if w.Acquire != "" && w.Release != "" {
		return false, 0, api.Validation("kv.put", "conflicting flags: acquire and release")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.expireLocked(now)
	pair := s.kv[key]
	if w.CAS != nil {
		switch {
		case *w.CAS == 0 && pair != nil:
			return false, s.index, nil
		case *w.CAS != 0 && (pair == nil || pair.ModifyIndex != *w.CAS):
			return false, s.index, nil
		}
	}
	switch {
	case w.Acquire != "":
		if _, ok := s.sessions[w.Acquire]; !ok {
			return false, s.index, ErrInvalidSession
		}
		if until, ok := s.delays[key]; ok && now.Before(until) {
			s.logger.Trace("memstore.kv.lock_delay", "key", key, "until", until)
			return false, s.index, nil
		}
		if pair != nil && pair.Session != "" && pair.Session != w.Acquire {
			return false, s.index, nil
		}
	case w.Release != "":
		if pair == nil || pair.Session != w.Release {
			return false, s.index, nil
		}
	}

	idx := s.nextIndexLocked()
	if pair == nil {
		pair = &api.KVPair{Key: key, CreateIndex: idx}
		s.kv[key] = pair
		delete(s.tombs, key)
	}
	pair.Value = append([]byte(nil), value...)
	pair.Flags = w.Flags
	pair.ModifyIndex = idx
	switch {
	case w.Acquire != "":
		if pair.Session != w.Acquire {
			pair.LockIndex++
			pair.Session = w.Acquire
		}
	case w.Release != "":
		pair.Session = ""
	}
	s.kvIndex = idx
	s.notifyLocked()
	s.logger.Trace("memstore.kv.put", "key", key, "index", idx, "session", pair.Session)
	return true, idx, nil
}

// Delete removes key, or every key under it with recurse.
func (s *Store) Delete(key string, recurse bool, cas *uint64) (bool, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cas != nil && !recurse {
		pair := s.kv[key]
		if pair == nil || pair.ModifyIndex != *cas {
			return false, s.index
		}
	}
	var victims []string
	if recurse {
		for k := range s.kv {
			if strings.HasPrefix(k, key) {
				victims = append(victims, k)
			}
		}
	} else if _, ok := s.kv[key]; ok {
		victims = append(victims, key)
	}
	if len(victims) == 0 {
		return true, s.index
	}
	idx := s.nextIndexLocked()
	for _, k := range victims {
		delete(s.kv, k)
		s.tombs[k] = idx
	}
	s.kvIndex = idx
	s.notifyLocked()
	s.logger.Trace("memstore.kv.delete", "key", key, "recurse", recurse, "count", len(victims), "index", idx)
	return true, idx
}

// CreateSession registers a new session.
func (s *Store) CreateSession(req api.SessionRequest) (string, uint64, error) {
	var ttl time.Duration
	if req.TTL != "" {
		d, err := duration.Parse(req.TTL)
		if err != nil {
			return "", 0, api.Validation("session.create", "invalid TTL %q", req.TTL)
		}
		if d > MaxSessionTTL {
			return "", 0, api.Validation("session.create", "TTL %s exceeds %s", req.TTL, duration.Format(MaxSessionTTL))
		}
		ttl = d
	}
	lockDelay := DefaultLockDelay
	if req.LockDelay != "" {
		d, err := duration.Parse(req.LockDelay)
		if err != nil {
			return "", 0, api.Validation("session.create", "invalid LockDelay %q", req.LockDelay)
		}
		lockDelay = d
	}
	behavior := req.Behavior
	switch behavior {
	case "":
		behavior = api.SessionBehaviorRelease
	case api.SessionBehaviorRelease, api.SessionBehaviorDelete:
	default:
		return "", 0, api.Validation("session.create", "invalid Behavior %q", req.Behavior)
	}
	node := req.Node
	if node == "" {
		node = s.node
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	idx := s.nextIndexLocked()
	id := uuidv7.NewString()
	sess := &session{
		entry: api.SessionEntry{
			ID:          id,
			Name:        req.Name,
			Node:        node,
			LockDelay:   int64(lockDelay),
			Behavior:    behavior,
			Checks:      append([]string(nil), req.Checks...),
			CreateIndex: idx,
			ModifyIndex: idx,
		},
		ttl:       ttl,
		lockDelay: lockDelay,
	}
	if ttl > 0 {
		sess.entry.TTL = duration.Format(ttl)
		sess.expires = now.Add(ttl)
	}
	s.sessions[id] = sess
	s.sessIndex = idx
	s.notifyLocked()
	s.logger.Debug("memstore.session.create", "session", id, "name", req.Name, "ttl", ttl, "behavior", behavior)
	return id, idx, nil
}

// RenewSession resets the TTL timer of id.
func (s *Store) RenewSession(id string) (*api.SessionEntry, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.expireLocked(now)
	sess, ok := s.sessions[id]
	if !ok {
		return nil, s.index, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if sess.ttl > 0 {
		sess.expires = now.Add(sess.ttl)
	}
	entry := sess.entry
	s.logger.Trace("memstore.session.renew", "session", id)
	return &entry, floor(s.sessIndex), nil
}

// DestroySession invalidates id. Unknown sessions are ignored.
func (s *Store) DestroySession(id string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		s.invalidateLocked(id, s.clock.Now())
		s.logger.Debug("memstore.session.destroy", "session", id)
	}
	return floor(s.index)
}

// SessionInfo returns id or nil.
func (s *Store) SessionInfo(ctx context.Context, id string, q api.QueryOptions) (*api.SessionEntry, uint64) {
	var out *api.SessionEntry
	idx := s.block(ctx, q.Index, q.Wait, func() uint64 {
		out = nil
		if sess, ok := s.sessions[id]; ok {
			entry := sess.entry
			out = &entry
		}
		return s.sessIndex
	})
	return out, idx
}

// Sessions lists every live session ordered by creation.
func (s *Store) Sessions(ctx context.Context, q api.QueryOptions) ([]*api.SessionEntry, uint64) {
	var out []*api.SessionEntry
	idx := s.block(ctx, q.Index, q.Wait, func() uint64 {
		out = out[:0]
		for _, sess := range s.sessions {
			entry := sess.entry
			out = append(out, &entry)
		}
		return s.sessIndex
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreateIndex < out[j].CreateIndex })
	return out, idx
}

// ExpireSessions invalidates every session whose TTL has lapsed and returns
// how many were removed.
func (s *Store) ExpireSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expireLocked(s.clock.Now())
}

func (s *Store) expireLocked(now time.Time) int {
	expired := 0
	for id, sess := range s.sessions {
		if sess.ttl <= 0 || now.Before(sess.expires) {
			continue
		}
		s.logger.Debug("memstore.session.expired", "session", id, "ttl", sess.ttl)
		s.invalidateLocked(id, now)
		expired++
	}
	return expired
}

func (s *Store) invalidateLocked(id string, now time.Time) {
	sess := s.sessions[id]
	delete(s.sessions, id)
	idx := s.nextIndexLocked()
	s.sessIndex = idx
	for key, pair := range s.kv {
		if pair.Session != id {
			continue
		}
		if sess.entry.Behavior == api.SessionBehaviorDelete {
			delete(s.kv, key)
			s.tombs[key] = idx
		} else {
			pair.Session = ""
			pair.ModifyIndex = idx
		}
		if sess.lockDelay > 0 {
			s.delays[key] = now.Add(sess.lockDelay)
		}
		s.kvIndex = idx
	}
	s.notifyLocked()
}
