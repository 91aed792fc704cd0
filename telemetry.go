package kvcoord

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/kvcoord/internal/svcfields"
	"pkt.systems/kvcoord/internal/version"
	"pkt.systems/kvcoord/lock"
	"pkt.systems/kvcoord/watch"
	"pkt.systems/pslog"
)

// Resource attribute keys describing the agent a process talks to.
const (
	AttrAgentAddress = attribute.Key("kvcoord.agent.address")
	AttrDatacenter   = attribute.Key("kvcoord.datacenter")
)

// heldBoundaries buckets lock hold times in milliseconds, from short
// critical sections up to long-lived leadership.
var heldBoundaries = []float64{10, 50, 100, 500, 1000, 5000, 15000, 60000, 300000, 900000, 3600000, 21600000}

// TelemetryConfig selects which exporters SetupTelemetry starts.
type TelemetryConfig struct {
	// ServiceName is reported as service.name. Defaults to "kvcoord".
	ServiceName string
	// Address and Datacenter identify the agent in the resource.
	Address    string
	Datacenter string
	// OTLPEndpoint enables tracing. A bare host:port means OTLP/gRPC;
	// grpc://, grpcs://, http:// and https:// select the transport.
	OTLPEndpoint string
	// TraceSampleRatio defaults to 1 (sample everything).
	TraceSampleRatio float64
	// MetricsListen enables the Prometheus /metrics endpoint.
	MetricsListen string
	// PprofListen enables the net/http/pprof endpoints.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics; needs MetricsListen.
	EnableProfilingMetrics bool
	// BackoffFactor and BackoffMax shape the watch backoff histogram so its
	// buckets line up with the delays watchers actually use.
	BackoffFactor time.Duration
	BackoffMax    time.Duration
}

// TelemetryConfig derives the telemetry settings from c.
func (c Config) TelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Address:                c.Address,
		Datacenter:             c.Datacenter,
		OTLPEndpoint:           c.OTLPEndpoint,
		MetricsListen:          c.MetricsListen,
		PprofListen:            c.PprofListen,
		EnableProfilingMetrics: c.EnableProfilingMetrics,
		BackoffFactor:          c.BackoffFactor,
		BackoffMax:             c.BackoffMax,
	}
}

func (c TelemetryConfig) normalized() TelemetryConfig {
	c.OTLPEndpoint = strings.TrimSpace(c.OTLPEndpoint)
	c.MetricsListen = strings.TrimSpace(c.MetricsListen)
	c.PprofListen = strings.TrimSpace(c.PprofListen)
	if c.ServiceName == "" {
		c.ServiceName = "kvcoord"
	}
	if c.TraceSampleRatio <= 0 || c.TraceSampleRatio > 1 {
		c.TraceSampleRatio = 1
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = watch.DefaultBackoffFactor
	}
	if c.BackoffMax < c.BackoffFactor {
		c.BackoffMax = watch.DefaultBackoffMax
	}
	return c
}

func (c TelemetryConfig) enabled() bool {
	return c.OTLPEndpoint != "" || c.MetricsListen != "" || c.PprofListen != "" || c.EnableProfilingMetrics
}

// Telemetry owns the providers and listeners started by SetupTelemetry.
type Telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	metrics        *endpoint
	pprof          *endpoint
	logger         pslog.Logger
}

// endpoint is a small HTTP server bound to its own listener.
type endpoint struct {
	name string
	srv  *http.Server
	ln   net.Listener
}

func serveEndpoint(name, addr string, handler http.Handler, logger pslog.Logger) (*endpoint, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %s listen: %w", name, err)
	}
	e := &endpoint{
		name: name,
		srv:  &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second},
		ln:   ln,
	}
	go func() {
		if err := e.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("telemetry.endpoint.serve_error", "endpoint", name, "error", err)
		}
	}()
	return e, nil
}

func (e *endpoint) addr() string {
	if e == nil {
		return ""
	}
	return e.ln.Addr().String()
}

func (e *endpoint) shutdown(ctx context.Context) error {
	if e == nil {
		return nil
	}
	err := e.srv.Shutdown(ctx)
	_ = e.ln.Close()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server shutdown: %w", e.name, err)
	}
	return nil
}

type otelErrorHandler struct {
	logger pslog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err == nil {
		return
	}
	// The gRPC exporter reports every reconnect attempt.
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (t *Telemetry) MetricsAddr() string {
	if t == nil {
		return ""
	}
	return t.metrics.addr()
}

// PprofAddr returns the bound pprof address, or "" when disabled.
func (t *Telemetry) PprofAddr() string {
	if t == nil {
		return ""
	}
	return t.pprof.addr()
}

// Shutdown flushes exporters and stops the listeners. It is nil-safe.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric shutdown: %w", err))
		}
	}
	for _, e := range []*endpoint{t.metrics, t.pprof} {
		if err := e.shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace shutdown: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		t.logger.Warn("telemetry.shutdown.failed", "error", err)
		return err
	}
	t.logger.Debug("telemetry.shutdown.complete")
	return nil
}

var (
	runtimeMetricsOnce sync.Once
	runtimeMetricsErr  error
)

// SetupTelemetry installs the global tracer and meter providers requested
// by cfg. It returns nil when nothing is enabled.
func SetupTelemetry(ctx context.Context, cfg TelemetryConfig, logger pslog.Logger) (*Telemetry, error) {
	cfg = cfg.normalized()
	if !cfg.enabled() {
		return nil, nil
	}
	if cfg.EnableProfilingMetrics && cfg.MetricsListen == "" {
		return nil, fmt.Errorf("telemetry: profiling metrics require metrics listen address")
	}
	logger = svcfields.WithSubsystem(logger, "telemetry")

	res, err := telemetryResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	t := &Telemetry{logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = t.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	if cfg.OTLPEndpoint != "" {
		target, err := resolveOTLPTarget(cfg.OTLPEndpoint)
		if err != nil {
			return nil, err
		}
		exporter, err := newSpanExporter(ctx, target)
		if err != nil {
			return nil, err
		}
		t.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TraceSampleRatio))),
			sdktrace.WithBatcher(exporter),
		)
		otel.SetTracerProvider(t.tracerProvider)
		logger.Info("telemetry.tracing.enabled",
			"protocol", target.protocol,
			"endpoint", target.endpoint,
			"path", target.path,
			"insecure", target.insecure,
			"sample_ratio", cfg.TraceSampleRatio,
		)
	}

	if cfg.MetricsListen != "" {
		registry := prometheus.NewRegistry()
		exporterOpts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
		if cfg.EnableProfilingMetrics {
			exporterOpts = append(exporterOpts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		exporter, err := otelprometheus.New(exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: start prometheus exporter: %w", err)
		}
		t.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
			sdkmetric.WithView(metricViews(cfg)...),
		)
		otel.SetMeterProvider(t.meterProvider)
		if cfg.EnableProfilingMetrics {
			runtimeMetricsOnce.Do(func() {
				runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(t.meterProvider))
			})
			if runtimeMetricsErr != nil {
				return nil, fmt.Errorf("telemetry: runtime metrics: %w", runtimeMetricsErr)
			}
			logger.Info("telemetry.runtime_metrics.enabled")
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		if t.metrics, err = serveEndpoint("metrics", cfg.MetricsListen, mux, logger); err != nil {
			return nil, err
		}
		logger.Info("telemetry.metrics.enabled", "listen", t.metrics.addr())
	}

	if cfg.PprofListen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		if t.pprof, err = serveEndpoint("pprof", cfg.PprofListen, mux, logger); err != nil {
			return nil, err
		}
		logger.Info("telemetry.pprof.enabled", "listen", t.pprof.addr())
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(otelErrorHandler{logger: logger})
	ok = true
	return t, nil
}

func telemetryResource(ctx context.Context, cfg TelemetryConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(version.Current()),
	}
	if cfg.Address != "" {
		attrs = append(attrs, AttrAgentAddress.String(cfg.Address))
	}
	if cfg.Datacenter != "" {
		attrs = append(attrs, AttrDatacenter.String(cfg.Datacenter))
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}
	return res, nil
}

// metricViews gives the kvcoord histograms buckets that fit their data; the
// SDK defaults top out at 10s and are too coarse below a second.
func metricViews(cfg TelemetryConfig) []sdkmetric.View {
	return []sdkmetric.View{
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: watch.MetricBackoffDuration},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
				Boundaries: backoffBoundaries(cfg.BackoffFactor, cfg.BackoffMax),
			}},
		),
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: lock.MetricHeldDuration},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
				Boundaries: heldBoundaries,
			}},
		),
	}
}

// backoffBoundaries returns factor, 2*factor, 4*factor ... in whole
// milliseconds, ending with ceiling itself.
func backoffBoundaries(factor, ceiling time.Duration) []float64 {
	var out []float64
	add := func(d time.Duration) {
		ms := float64(d.Milliseconds())
		if len(out) == 0 || ms > out[len(out)-1] {
			out = append(out, ms)
		}
	}
	if factor > 0 {
		for d := factor; d < ceiling; d *= 2 {
			add(d)
		}
	}
	add(ceiling)
	return out
}

type otlpTarget struct {
	protocol string // "grpc" or "http"
	endpoint string // host:port
	path     string
	insecure bool
}

func newSpanExporter(ctx context.Context, target otlpTarget) (sdktrace.SpanExporter, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch target.protocol {
	case "grpc":
		creds := credentials.NewClientTLSFromCert(nil, "")
		if target.insecure {
			creds = insecure.NewCredentials()
		}
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(target.endpoint),
			otlptracegrpc.WithTimeout(10*time.Second),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(creds)),
		)
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(target.endpoint),
			otlptracehttp.WithTimeout(10 * time.Second),
		}
		if target.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if target.path != "" {
			opts = append(opts, otlptracehttp.WithURLPath(target.path))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", target.protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: start trace exporter (%s): %w", target.protocol, err)
	}
	return exporter, nil
}

// otlpSchemes maps endpoint schemes to protocol, TLS and default port.
var otlpSchemes = map[string]struct {
	protocol string
	insecure bool
	port     string
}{
	"grpc":  {"grpc", true, "4317"},
	"grpcs": {"grpc", false, "4317"},
	"http":  {"http", true, "4318"},
	"https": {"http", false, "4318"},
}

func resolveOTLPTarget(raw string) (otlpTarget, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		raw = "grpc://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	scheme, ok := otlpSchemes[strings.ToLower(u.Scheme)]
	if !ok {
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	host := u.Host
	if host == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: missing endpoint host")
	}
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), scheme.port)
	}
	path := strings.TrimSuffix(u.Path, "/")
	if scheme.protocol == "grpc" {
		path = ""
	}
	return otlpTarget{
		protocol: scheme.protocol,
		endpoint: host,
		path:     path,
		insecure: scheme.insecure,
	}, nil
}
