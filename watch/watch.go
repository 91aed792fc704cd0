// Package watch turns a blocking-read operation into a stream of change
// notifications. A Watcher repeatedly issues the operation with the last
// seen index, emits change when the index moves, and retries failures with
// capped exponential backoff until it is ended.
package watch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/kvcoord/api"
	"pkt.systems/kvcoord/event"
	"pkt.systems/kvcoord/internal/clock"
	"pkt.systems/kvcoord/internal/svcfields"
	"pkt.systems/pslog"
)

var (
	// ErrUsage marks API misuse.
	ErrUsage = errors.New("watch: usage error")
	// ErrMissingOperation is returned by New when Config.Operation is nil.
	ErrMissingOperation = &api.ValidationError{Op: "watch", Msg: "operation required"}
	// ErrNotSupported is raised when a response carries no usable index.
	ErrNotSupported = &api.ValidationError{Op: "watch", Msg: "watch not supported"}
	// ErrZeroIndex is raised when the server reports index 0. It is retried.
	ErrZeroIndex = errors.New("watch: server returned zero index")
)

// Operation performs one (possibly blocking) read. It should return the
// response metadata whenever a response was received, including alongside
// a non-nil error.
type Operation func(ctx context.Context, opts api.QueryOptions) (*api.Response, any, error)

// Config configures a Watcher.
type Config struct {
	Operation Operation
	Options   Options
	// BackoffFactor defaults to 100ms.
	BackoffFactor time.Duration
	// BackoffMax defaults to 30s.
	BackoffMax time.Duration
	// MaxAttempts bounds consecutive retried failures. Zero means unlimited
	// and a negative value ends the watcher on its first failure.
	MaxAttempts int
	// Name labels logs and metrics.
	Name   string
	Clock  clock.Clock
	Logger pslog.Logger
}

// Watcher drives a blocking-read loop. All events of one Watcher are
// emitted from a single goroutine, in order.
type Watcher struct {
	id      string
	name    string
	op      Operation
	opts    Options
	max     int
	clock   clock.Clock
	logger  pslog.Logger
	tracer  trace.Tracer
	metrics *watchMetrics
	events  event.Sink
	backoff Backoff

	mu         sync.Mutex
	index      uint64
	updateTime time.Time
	started    bool
	ended      bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// New validates cfg and returns an idle Watcher. Register handlers with On
// and call Start to begin polling.
func New(cfg Config) (*Watcher, error) {
	if cfg.Operation == nil {
		return nil, fmt.Errorf("%w: %w", ErrUsage, ErrMissingOperation)
	}
	opts := cfg.Options.withDefaults()
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = DefaultBackoffFactor
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	id := xid.New().String()
	name := cfg.Name
	if name == "" {
		name = "watch"
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "watch").With("watch_id", id, "watch", name)
	return &Watcher{
		id:      id,
		name:    name,
		op:      cfg.Operation,
		opts:    opts,
		max:     cfg.MaxAttempts,
		clock:   clock.Ensure(cfg.Clock),
		logger:  logger,
		tracer:  otel.Tracer("pkt.systems/kvcoord/watch"),
		metrics: sharedMetrics(logger),
		backoff: Backoff{Factor: cfg.BackoffFactor, Max: cfg.BackoffMax},
		index:   opts.Index,
		done:    make(chan struct{}),
	}, nil
}

// ID returns the watcher's unique identifier.
func (w *Watcher) ID() string { return w.id }

// Options returns the effective call options.
func (w *Watcher) Options() Options { return w.opts }

// On registers h for kind and returns a function that removes it.
func (w *Watcher) On(kind event.Kind, h event.Handler) func() {
	return w.events.On(kind, h)
}

// OnAny registers h for every event kind.
func (w *Watcher) OnAny(h event.Handler) func() {
	return w.events.OnAny(h)
}

// Start launches the polling goroutine. The watcher ends when ctx is
// cancelled, when End is called, or on a fatal failure.
func (w *Watcher) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	w.mu.Lock()
	if w.started || w.ended {
		w.mu.Unlock()
		return fmt.Errorf("%w: watcher already started or ended", ErrUsage)
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.started = true
	w.cancel = cancel
	w.mu.Unlock()

	w.metrics.addRunning(1)
	w.logger.Debug("watch.start", "index", w.Index(), "wait", w.opts.Wait, "timeout", w.opts.Timeout)
	go w.run(runCtx)
	return nil
}

// End stops the watcher. It is idempotent. The cancel and end events are
// emitted by the polling goroutine once the in-flight call (if any) has been
// abandoned; Done is closed after end has been delivered.
func (w *Watcher) End() {
	w.mu.Lock()
	if w.ended {
		w.mu.Unlock()
		return
	}
	w.ended = true
	started := w.started
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if !started {
		w.finish()
	}
}

// IsRunning reports false once the watcher has ended.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.ended
}

// UpdateTime returns the time of the last successful response, or the zero
// time before the first one.
func (w *Watcher) UpdateTime() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.updateTime
}

// Index returns the tracked cursor.
func (w *Watcher) Index() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.index
}

// Done is closed after the end event has been emitted.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) isEnded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ended
}

func (w *Watcher) run(ctx context.Context) {
	defer w.finish()
	for {
		if w.isEnded() {
			return
		}
		if ctx.Err() != nil {
			w.End()
			return
		}
		resp, data, err := w.call(ctx)
		if w.isEnded() || ctx.Err() != nil {
			w.logger.Trace("watch.response.discarded", "error", err)
			w.End()
			return
		}
		if err == nil {
			err = w.observe(ctx, resp, data)
			if err == nil {
				continue
			}
		}
		delay, retry := w.fail(ctx, err, resp)
		if !retry {
			w.End()
			return
		}
		select {
		case <-ctx.Done():
		case <-w.clock.After(delay):
		}
	}
}

func (w *Watcher) call(ctx context.Context) (*api.Response, any, error) {
	q := api.QueryOptions{Index: w.Index(), Wait: w.opts.Wait, Timeout: w.opts.Timeout}
	callCtx, span := w.tracer.Start(ctx, "kvcoord.watch.request", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("kvcoord.watch.id", w.id),
		attribute.String("kvcoord.watch.name", w.name),
		attribute.Int64("kvcoord.watch.index", int64(q.Index)),
	)
	callCtx, cancel := context.WithTimeout(callCtx, q.Timeout)
	defer cancel()

	w.logger.Trace("watch.request", "index", q.Index)
	resp, data, err := w.op(callCtx, q)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "watch_request_error")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return resp, data, err
}

// observe applies a successful response. It returns an error only when the
// response cannot be used as a blocking-query result.
func (w *Watcher) observe(ctx context.Context, resp *api.Response, data any) error {
	next, ok := resp.Index()
	if !ok {
		return ErrNotSupported
	}
	if next == 0 {
		return ErrZeroIndex
	}
	w.backoff.Reset()
	w.metrics.recordRequest(ctx, w.name, "ok")

	w.mu.Lock()
	prev := w.index
	w.updateTime = w.clock.Now()
	changed, cursor := advance(prev, next)
	w.index = cursor
	w.mu.Unlock()

	if !changed {
		w.logger.Trace("watch.unchanged", "index", next)
		return nil
	}
	reset := next < prev
	w.metrics.recordChange(ctx, w.name, reset)
	w.logger.Debug("watch.change", "index", next, "previous", prev, "reset", reset)
	w.events.Emit(event.Event{Kind: event.Change, Data: data, Response: resp})
	return nil
}

// advance compares a response index against the tracked cursor. A lower
// index means the index space was reset: the cursor drops to 0 and the
// response still counts as a change.
func advance(prev, next uint64) (changed bool, cursor uint64) {
	switch {
	case next < prev:
		return true, 0
	case next != prev:
		return true, next
	default:
		return false, prev
	}
}

func (w *Watcher) fail(ctx context.Context, err error, resp *api.Response) (time.Duration, bool) {
	w.events.Emit(event.Event{Kind: event.Error, Err: err, Response: resp})
	status := statusOf(err, resp)
	if !shouldRetry(err, status, w.backoff.Attempts(), w.max) {
		w.metrics.recordRequest(ctx, w.name, "fatal")
		w.logger.Error("watch.failed", "error", err, "status", status, "attempts", w.backoff.Attempts())
		return 0, false
	}
	delay := w.backoff.Next()
	w.metrics.recordRequest(ctx, w.name, "error")
	w.metrics.recordBackoff(ctx, w.name, delay)
	w.logger.Warn("watch.retry", "error", err, "status", status, "attempt", w.backoff.Attempts(), "delay", delay)
	return delay, true
}

// shouldRetry decides whether a failure is retried. attempts is the number
// of failures already retried since the last success.
func shouldRetry(err error, status, attempts, maxAttempts int) bool {
	if api.IsValidation(err) {
		return false
	}
	if status == http.StatusBadRequest {
		return false
	}
	if maxAttempts < 0 {
		return false
	}
	if maxAttempts > 0 && attempts >= maxAttempts {
		return false
	}
	return true
}

type httpStatuser interface {
	HTTPStatus() int
}

func statusOf(err error, resp *api.Response) int {
	if s := resp.Status(); s != 0 {
		return s
	}
	var hs httpStatuser
	if errors.As(err, &hs) {
		return hs.HTTPStatus()
	}
	return 0
}

func (w *Watcher) finish() {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		w.metrics.addRunning(-1)
	}
	w.logger.Debug("watch.end", "index", w.Index())
	w.events.Emit(event.Event{Kind: event.Cancel})
	w.events.Emit(event.Event{Kind: event.End})
	close(w.done)
}
