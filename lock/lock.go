// Package lock implements a session-backed distributed mutex over a
// Consul-compatible key/value store.
//
// Each call to Acquire starts a lock context that walks the states
// session → wait → acquire → monitor → end on its own goroutine. Outcomes
// are delivered as events (acquire, release, retry, error, end); Acquire and
// Release only fail synchronously on misuse.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/kvcoord/api"
	"pkt.systems/kvcoord/duration"
	"pkt.systems/kvcoord/event"
	"pkt.systems/kvcoord/internal/clock"
	"pkt.systems/kvcoord/internal/svcfields"
	"pkt.systems/kvcoord/internal/uuidv7"
	"pkt.systems/kvcoord/watch"
	"pkt.systems/pslog"
)

const (
	// DefaultSessionName names sessions created by a lock.
	DefaultSessionName = "kvcoord lock"
	// DefaultSessionTTL is the TTL of sessions created by a lock.
	DefaultSessionTTL = 15 * time.Second
	// DefaultLockWaitTime is how long wait and monitor reads may block.
	DefaultLockWaitTime = 15 * time.Second
	// DefaultLockRetryTime is the pause between contended attempts.
	DefaultLockRetryTime = 5 * time.Second
	// DefaultLockWaitTimeout is added to the wait time to form the
	// client-side ceiling of blocking reads.
	DefaultLockWaitTimeout = time.Second
	// DefaultCallTimeout bounds non-blocking calls made during teardown.
	DefaultCallTimeout = 10 * time.Second
)

// KV is the key/value collaborator used by a lock.
type KV interface {
	watch.KeyReader
	KVPut(ctx context.Context, key string, value []byte, w api.WriteOptions) (*api.Response, bool, error)
}

// Sessions is the session collaborator used by a lock.
type Sessions interface {
	SessionCreate(ctx context.Context, req api.SessionRequest) (*api.Response, string, error)
	SessionRenew(ctx context.Context, id string) (*api.Response, *api.SessionEntry, error)
	SessionDestroy(ctx context.Context, id string) (*api.Response, bool, error)
}

// SessionConfig selects or describes the session backing the lock. With ID
// set the existing session is used as-is: it is neither renewed nor
// destroyed by the lock, and TTL (when set) only drives the liveness check.
//
// Because a supplied session outlives the lock context, a Release that
// interrupts an acquire write the server has already applied can leave the
// key bound to that session with no context tracking it. Destroying the
// session, or a plain release write with Release set to its ID, frees it.
type SessionConfig struct {
	ID        string
	Name      string
	TTL       time.Duration
	LockDelay time.Duration
	Node      string
	Behavior  string
}

// Config configures a Lock.
type Config struct {
	Key     string
	Value   []byte
	Session SessionConfig
	// LockWaitTime defaults to 15s.
	LockWaitTime time.Duration
	// LockRetryTime defaults to 5s.
	LockRetryTime time.Duration
	// LockWaitTimeout defaults to 1s.
	LockWaitTimeout time.Duration
	Clock           clock.Clock
	Logger          pslog.Logger
}

// Lock is a reusable handle on one lock key. At most one context is active
// at a time.
type Lock struct {
	kv       KV
	sessions Sessions
	cfg      Config
	clock    clock.Clock
	logger   pslog.Logger
	tracer   trace.Tracer
	metrics  *lockMetrics
	events   event.Sink

	mu      sync.Mutex
	cur     *lockContext
	lastEnd error
}

// New validates cfg and returns an idle Lock.
func New(kv KV, sessions Sessions, cfg Config) (*Lock, error) {
	if kv == nil || sessions == nil {
		return nil, fmt.Errorf("%w: key/value and session clients required", ErrUsage)
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("%w: %w", ErrUsage, api.Validation("lock", "key required"))
	}
	if cfg.Session.TTL < 0 || cfg.Session.LockDelay < 0 || cfg.LockWaitTime < 0 || cfg.LockRetryTime < 0 || cfg.LockWaitTimeout < 0 {
		return nil, fmt.Errorf("%w: %w", ErrUsage, api.Validation("lock", "durations must not be negative"))
	}
	switch cfg.Session.Behavior {
	case "", api.SessionBehaviorRelease, api.SessionBehaviorDelete:
	default:
		return nil, fmt.Errorf("%w: %w", ErrUsage, api.Validation("lock", "invalid session behavior %q", cfg.Session.Behavior))
	}
	if cfg.Session.ID == "" {
		if cfg.Session.Name == "" {
			cfg.Session.Name = DefaultSessionName
		}
		if cfg.Session.TTL == 0 {
			cfg.Session.TTL = DefaultSessionTTL
		}
	}
	if cfg.LockWaitTime == 0 {
		cfg.LockWaitTime = DefaultLockWaitTime
	}
	if cfg.LockRetryTime == 0 {
		cfg.LockRetryTime = DefaultLockRetryTime
	}
	if cfg.LockWaitTimeout == 0 {
		cfg.LockWaitTimeout = DefaultLockWaitTimeout
	}
	cfg.Value = append([]byte(nil), cfg.Value...)
	logger := svcfields.WithSubsystem(cfg.Logger, "lock").With("key", cfg.Key)
	return &Lock{
		kv:       kv,
		sessions: sessions,
		cfg:      cfg,
		clock:    clock.Ensure(cfg.Clock),
		logger:   logger,
		tracer:   otel.Tracer("pkt.systems/kvcoord/lock"),
		metrics:  sharedMetrics(logger),
	}, nil
}

// Key returns the lock key.
func (l *Lock) Key() string { return l.cfg.Key }

// On registers h for kind and returns a function that removes it. Handlers
// run on the context goroutine and must not block for long.
func (l *Lock) On(kind event.Kind, h event.Handler) func() {
	return l.events.On(kind, h)
}

// OnAny registers h for every event kind.
func (l *Lock) OnAny(h event.Handler) func() {
	return l.events.OnAny(h)
}

// Acquire starts a new lock context. Cancelling ctx releases the lock (if
// held) and ends the context.
func (l *Lock) Acquire(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	if l.cur != nil {
		l.mu.Unlock()
		return ErrLockInUse
	}
	c := l.newContext(ctx)
	l.cur = c
	l.lastEnd = nil
	l.mu.Unlock()

	c.logger.Debug("lock.context.start")
	go l.run(c)
	return nil
}

// Release ends the active context. When the key is held it is released
// with a CAS write first; failures are reported through the error event.
func (l *Lock) Release() error {
	l.mu.Lock()
	c := l.cur
	l.mu.Unlock()
	if c == nil {
		return ErrNoLockInUse
	}
	c.requestRelease()
	return nil
}

// Held reports whether the active context currently owns the key.
func (l *Lock) Held() bool {
	c := l.current()
	return c != nil && c.isHeld()
}

// State returns the phase of the active context, or StateIdle.
func (l *Lock) State() State {
	c := l.current()
	if c == nil {
		return StateIdle
	}
	return c.getState()
}

// SessionID returns the session used by the active context, if known.
func (l *Lock) SessionID() string {
	c := l.current()
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Done returns a channel closed when the active context has emitted end.
// Without an active context the channel is already closed.
func (l *Lock) Done() <-chan struct{} {
	if c := l.current(); c != nil {
		return c.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// LastEndReason explains why the most recent context ended without an
// explicit release: ErrOwnershipLost, ErrSessionStale, or nil.
func (l *Lock) LastEndReason() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastEnd
}

func (l *Lock) current() *lockContext {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cur
}

type lockContext struct {
	id     string
	parent context.Context
	// ctx lives until teardown; renewal and the monitor watcher use it.
	ctx    context.Context
	cancel context.CancelFunc
	// opCtx additionally ends on Release or abort; state calls use it.
	opCtx    context.Context
	opCancel context.CancelFunc
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	logger   pslog.Logger
	span     trace.Span
	renewWG  sync.WaitGroup

	mu         sync.Mutex
	state      State
	held       bool
	acquiredAt time.Time
	sessionID  string
	created    bool
	ttl        time.Duration
	index      uint64
	watcher    *watch.Watcher
	removers   []func()
	release    bool
	abortErr   error
	abortResp  *api.Response
	lostReason error
}

func (l *Lock) newContext(parent context.Context) *lockContext {
	id := uuidv7.NewString()
	spanCtx, span := l.tracer.Start(parent, "kvcoord.lock.context", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("kvcoord.lock.key", l.cfg.Key),
		attribute.String("kvcoord.lock.context_id", id),
	)
	ctx, cancel := context.WithCancel(spanCtx)
	opCtx, opCancel := context.WithCancel(ctx)
	return &lockContext{
		id:        id,
		parent:    parent,
		ctx:       ctx,
		cancel:    cancel,
		opCtx:     opCtx,
		opCancel:  opCancel,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		logger:    l.logger.With("lock_ctx", id),
		span:      span,
		state:     StateIdle,
		sessionID: l.cfg.Session.ID,
		ttl:       l.cfg.Session.TTL,
	}
}

func (c *lockContext) interrupt() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.opCancel()
	})
}

func (c *lockContext) requestRelease() {
	c.mu.Lock()
	c.release = true
	c.mu.Unlock()
	c.interrupt()
}

func (c *lockContext) abort(err error, resp *api.Response) {
	c.mu.Lock()
	if c.abortErr == nil {
		c.abortErr = err
		c.abortResp = resp
	}
	c.mu.Unlock()
	c.interrupt()
}

func (c *lockContext) stopping() bool {
	select {
	case <-c.stop:
		return true
	case <-c.opCtx.Done():
		return true
	default:
		return false
	}
}

func (c *lockContext) isHeld() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held
}

func (c *lockContext) getState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *lockContext) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.span.AddEvent("kvcoord.lock.state", trace.WithAttributes(attribute.String("kvcoord.lock.state", s.String())))
		c.logger.Trace("lock.state", "from", prev.String(), "to", s.String())
	}
}

func (c *lockContext) setLost(reason error) {
	c.mu.Lock()
	if c.lostReason == nil {
		c.lostReason = reason
	}
	c.mu.Unlock()
}

// sleep waits d on clk and reports false if the context was interrupted.
func (c *lockContext) sleep(clk clock.Clock, d time.Duration) bool {
	select {
	case <-c.opCtx.Done():
		return false
	case <-clk.After(d):
		return !c.stopping()
	}
}

func (l *Lock) run(c *lockContext) {
	var (
		err  error
		resp *api.Response
	)
	state := StateSession
	for state != StateEnd && err == nil {
		if c.stopping() {
			break
		}
		c.setState(state)
		switch state {
		case StateSession:
			state, resp, err = l.stepSession(c)
		case StateWait:
			state, resp, err = l.stepWait(c)
		case StateAcquire:
			state, resp, err = l.stepAcquire(c)
		case StateMonitor:
			state, resp, err = l.stepMonitor(c)
		}
	}

	if err != nil && c.opCtx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		err, resp = nil, nil
	}
	c.mu.Lock()
	abortErr, abortResp, release, held := c.abortErr, c.abortResp, c.release, c.held
	c.mu.Unlock()
	if abortErr != nil {
		err, resp = abortErr, abortResp
	}
	// The release write below wakes the monitor read; its listeners must be
	// gone by then or the write would be seen as a holder change.
	c.detachMonitor()
	if err == nil && held && (release || c.parent.Err() != nil) {
		resp, err = l.releaseKey(c)
	}
	l.end(c, err, resp)
}

// detachMonitor unregisters the monitor listeners and waits for the
// watcher to finish.
func (c *lockContext) detachMonitor() {
	c.mu.Lock()
	w, removers := c.watcher, c.removers
	c.watcher, c.removers = nil, nil
	c.mu.Unlock()
	for _, remove := range removers {
		remove()
	}
	if w != nil {
		w.End()
		<-w.Done()
	}
}

func (l *Lock) stepSession(c *lockContext) (State, *api.Response, error) {
	if l.cfg.Session.ID != "" {
		return StateWait, nil, nil
	}
	req := api.SessionRequest{
		Name:     l.cfg.Session.Name,
		Node:     l.cfg.Session.Node,
		Behavior: l.cfg.Session.Behavior,
		TTL:      duration.Format(l.cfg.Session.TTL),
	}
	if req.Behavior == "" {
		req.Behavior = api.SessionBehaviorRelease
	}
	if l.cfg.Session.LockDelay > 0 {
		req.LockDelay = duration.Format(l.cfg.Session.LockDelay)
	}
	resp, id, err := l.sessions.SessionCreate(c.opCtx, req)
	if err != nil {
		c.logger.Warn("lock.session.create_failed", "error", err)
		return StateEnd, resp, err
	}
	c.mu.Lock()
	c.sessionID = id
	c.created = true
	c.mu.Unlock()
	c.span.SetAttributes(attribute.String("kvcoord.lock.session", id))
	c.logger.Debug("lock.session.created", "session", id, "ttl", l.cfg.Session.TTL)

	c.renewWG.Add(1)
	go l.renew(c, id, l.cfg.Session.TTL/2)
	return StateWait, resp, nil
}

func (l *Lock) renew(c *lockContext, id string, every time.Duration) {
	defer c.renewWG.Done()
	if every <= 0 {
		return
	}
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-l.clock.After(every):
		}
		resp, _, err := l.sessions.SessionRenew(c.ctx, id)
		if c.ctx.Err() != nil {
			return
		}
		l.metrics.recordRenew(c.ctx, err)
		if err != nil {
			c.logger.Warn("lock.session.renew_failed", "session", id, "error", err)
			c.abort(fmt.Errorf("lock: renew session %s: %w", id, err), resp)
			return
		}
		c.logger.Trace("lock.session.renewed", "session", id)
	}
}

func (l *Lock) stepWait(c *lockContext) (State, *api.Response, error) {
	c.mu.Lock()
	index, session := c.index, c.sessionID
	c.mu.Unlock()
	resp, pair, err := l.kv.KVGet(c.opCtx, l.cfg.Key, api.QueryOptions{
		Index:   index,
		Wait:    l.cfg.LockWaitTime,
		Timeout: l.cfg.LockWaitTime + l.cfg.LockWaitTimeout,
	})
	if c.stopping() {
		return StateEnd, nil, nil
	}
	out := decideWait(resp, pair, err, session)
	switch out.action {
	case waitFail:
		c.logger.Warn("lock.wait.failed", "error", out.err, "status", resp.Status())
		return StateEnd, resp, out.err
	case waitRetry:
		c.mu.Lock()
		c.index = out.index
		c.mu.Unlock()
		l.metrics.recordRetry(c.ctx, l.cfg.Key, "held")
		c.logger.Debug("lock.wait.held", "leader", out.leader, "retry_in", l.cfg.LockRetryTime)
		l.events.Emit(event.Event{Kind: event.Retry, Data: RetryInfo{Leader: out.leader}, Response: resp})
		if !c.sleep(l.clock, l.cfg.LockRetryTime) {
			return StateEnd, nil, nil
		}
		return StateWait, nil, nil
	default:
		c.mu.Lock()
		c.index = out.index
		c.mu.Unlock()
		return StateAcquire, resp, nil
	}
}

func (l *Lock) stepAcquire(c *lockContext) (State, *api.Response, error) {
	c.mu.Lock()
	session := c.sessionID
	c.mu.Unlock()
	resp, ok, err := l.kv.KVPut(c.opCtx, l.cfg.Key, l.cfg.Value, api.WriteOptions{
		Flags:   api.LockFlagValue,
		Acquire: session,
	})
	if err != nil {
		if c.stopping() {
			return StateEnd, nil, nil
		}
		c.logger.Warn("lock.acquire.failed", "error", err)
		return StateEnd, resp, err
	}
	if !ok {
		l.metrics.recordRetry(c.ctx, l.cfg.Key, "contended")
		c.logger.Debug("lock.acquire.contended", "retry_in", l.cfg.LockRetryTime)
		if !c.sleep(l.clock, l.cfg.LockRetryTime) {
			return StateEnd, nil, nil
		}
		return StateWait, nil, nil
	}
	c.mu.Lock()
	c.held = true
	c.acquiredAt = l.clock.Now()
	c.mu.Unlock()
	l.metrics.recordAcquire(c.ctx, l.cfg.Key)
	c.span.AddEvent("kvcoord.lock.acquired")
	c.logger.Info("lock.acquire.success", "session", session)
	l.events.Emit(event.Event{Kind: event.Acquire, Response: resp})
	return StateMonitor, resp, nil
}

func (l *Lock) stepMonitor(c *lockContext) (State, *api.Response, error) {
	c.mu.Lock()
	index, session, ttl := c.index, c.sessionID, c.ttl
	c.mu.Unlock()
	w, err := watch.New(watch.Config{
		Operation: watch.KeyOperation(l.kv, l.cfg.Key),
		Options: watch.Options{
			Wait:    l.cfg.LockWaitTime,
			Timeout: l.cfg.LockWaitTime + l.cfg.LockWaitTimeout,
			Index:   index,
		},
		Name:   "lock:" + l.cfg.Key,
		Clock:  l.clock,
		Logger: l.logger,
	})
	if err != nil {
		return StateEnd, nil, err
	}
	removers := []func(){
		w.On(event.Change, func(ev event.Event) {
			if ownershipLost(ev.Data, session) {
				c.setLost(ErrOwnershipLost)
				c.logger.Info("lock.monitor.lost", "session", session)
				w.End()
			}
		}),
		w.On(event.Error, func(ev event.Event) {
			c.logger.Debug("lock.monitor.error", "error", ev.Err, "status", ev.Response.Status())
		}),
	}
	c.mu.Lock()
	c.watcher = w
	c.removers = removers
	c.mu.Unlock()
	if err := w.Start(c.ctx); err != nil {
		return StateEnd, nil, err
	}

	started := l.clock.Now()
	for {
		var tick <-chan time.Time
		if ttl > 0 {
			tick = l.clock.After(livenessInterval(ttl))
		}
		select {
		case <-w.Done():
			return StateEnd, nil, nil
		case <-c.stop:
			return StateEnd, nil, nil
		case <-c.opCtx.Done():
			return StateEnd, nil, nil
		case <-tick:
			last := w.UpdateTime()
			if last.IsZero() {
				last = started
			}
			if stale(l.clock.Now(), last, ttl) {
				c.setLost(ErrSessionStale)
				c.logger.Warn("lock.monitor.stale", "last_update", last, "ttl", ttl)
				w.End()
			}
		}
	}
}

func (l *Lock) releaseKey(c *lockContext) (*api.Response, error) {
	c.mu.Lock()
	session := c.sessionID
	c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), DefaultCallTimeout)
	defer cancel()
	resp, ok, err := l.kv.KVPut(ctx, l.cfg.Key, l.cfg.Value, api.WriteOptions{
		Flags:   api.LockFlagValue,
		Release: session,
	})
	if err != nil {
		c.logger.Warn("lock.release.failed", "error", err)
		return resp, err
	}
	if !ok {
		c.logger.Warn("lock.release.rejected", "session", session)
		return resp, ErrReleaseFailed
	}
	c.logger.Debug("lock.release.written", "session", session)
	return resp, nil
}

func (l *Lock) end(c *lockContext, err error, resp *api.Response) {
	c.setState(StateEnd)
	c.detachMonitor()
	c.interrupt()
	c.cancel()
	c.renewWG.Wait()

	c.mu.Lock()
	created, session, held, lost, acquiredAt := c.created, c.sessionID, c.held, c.lostReason, c.acquiredAt
	c.held = false
	c.mu.Unlock()

	if created {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), DefaultCallTimeout)
		if _, _, derr := l.sessions.SessionDestroy(ctx, session); derr != nil {
			c.logger.Debug("lock.session.destroy_failed", "session", session, "error", derr)
		}
		cancel()
	}

	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, "lock_context_error")
		c.logger.Error("lock.context.error", "error", err)
		l.events.Emit(event.Event{Kind: event.Error, Err: err, Response: resp})
	} else {
		c.span.SetStatus(codes.Ok, "")
	}
	if held {
		reason := "released"
		if lost != nil {
			reason = "lost"
		}
		l.metrics.recordRelease(c.ctx, l.cfg.Key, reason, l.clock.Now().Sub(acquiredAt))
		c.logger.Info("lock.release", "reason", reason)
		l.events.Emit(event.Event{Kind: event.Release})
	}

	l.mu.Lock()
	if l.cur == c {
		l.cur = nil
	}
	l.lastEnd = lost
	l.mu.Unlock()

	c.logger.Debug("lock.context.end")
	l.events.Emit(event.Event{Kind: event.End})
	c.span.End()
	close(c.done)
}
