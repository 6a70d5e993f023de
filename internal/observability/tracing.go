package observability

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/gatesim/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// TracingConfig governs how tracing is initialised.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Exporter    string  `yaml:"exporter"` // stdout | otlp
	Endpoint    string  `yaml:"endpoint"` // used when Exporter == otlp
	SampleRatio float64 `yaml:"sample_ratio"`
}

// DefaultTracingConfig has tracing disabled and exports to stdout once
// enabled.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{ServiceName: "gatesim", Exporter: "stdout", SampleRatio: 1}
}

// TracingConfigFromEnv pulls tracing configuration from environment variables,
// using sensible defaults when unset.
func TracingConfigFromEnv() TracingConfig {
	return ApplyTracingEnv(DefaultTracingConfig())
}

// ApplyTracingEnv overrides the fields of cfg whose GATESIM_TRACING_*
// variable is set.
func ApplyTracingEnv(cfg TracingConfig) TracingConfig {
	if v, ok := os.LookupEnv("GATESIM_TRACING_ENABLED"); ok {
		cfg.Enabled = strings.EqualFold(v, "true")
	}
	if v := strings.ToLower(os.Getenv("GATESIM_TRACING_EXPORTER")); v != "" {
		cfg.Exporter = v
	}
	if v := os.Getenv("GATESIM_TRACING_SERVICE_NAME"); v != "" {
		cfg.ServiceName = v
	}
	if v := os.Getenv("GATESIM_OTLP_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if raw := os.Getenv("GATESIM_TRACING_SAMPLE_RATIO"); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed >= 0 && parsed <= 1 {
			cfg.SampleRatio = parsed
		}
	}
	return cfg
}

// SimTimeAttribute is the span attribute holding the simulated time at
// which the span started.
const SimTimeAttribute = "gatesim.sim_time"

// SimClockProcessor stamps every started span with the simulated time of
// the run. Spans started before SetClock carry no stamp.
type SimClockProcessor struct {
	now atomic.Pointer[func() time.Time]
}

func NewSimClockProcessor() *SimClockProcessor { return &SimClockProcessor{} }

// SetClock installs the simulation clock, typically the time controller's
// Now.
func (p *SimClockProcessor) SetClock(now func() time.Time) {
	if p == nil || now == nil {
		return
	}
	p.now.Store(&now)
}

func (p *SimClockProcessor) OnStart(_ context.Context, s sdktrace.ReadWriteSpan) {
	if now := p.now.Load(); now != nil {
		s.SetAttributes(attribute.String(SimTimeAttribute, (*now)().UTC().Format(time.RFC3339Nano)))
	}
}

func (p *SimClockProcessor) OnEnd(sdktrace.ReadOnlySpan)      {}
func (p *SimClockProcessor) Shutdown(context.Context) error   { return nil }
func (p *SimClockProcessor) ForceFlush(context.Context) error { return nil }

// TracingOption adjusts the tracer provider built by InitTracing.
type TracingOption func(*tracingOptions)

type tracingOptions struct {
	processors []sdktrace.SpanProcessor
	attrs      []attribute.KeyValue
}

// WithSpanProcessor registers sp ahead of the exporting batcher.
func WithSpanProcessor(sp sdktrace.SpanProcessor) TracingOption {
	return func(o *tracingOptions) {
		if sp != nil {
			o.processors = append(o.processors, sp)
		}
	}
}

// WithResourceAttributes adds attributes to the tracing resource, e.g. the
// scenario being played.
func WithResourceAttributes(attrs ...attribute.KeyValue) TracingOption {
	return func(o *tracingOptions) { o.attrs = append(o.attrs, attrs...) }
}

// InitTracing wires a tracer provider, exporter, propagators, and sampler based
// on the provided configuration. It returns a shutdown function to flush spans.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger, opts ...TracingOption) (func(context.Context) error, error) {
	log = logging.OrNoop(log)
	var o tracingOptions
	for _, opt := range opts {
		opt(&o)
	}

	if !cfg.Enabled {
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Info(ctx, "tracing disabled; using noop tracer provider")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := exporterFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	attrs := append([]attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "gatesim"),
	}, o.attrs...)
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(res),
	}
	for _, sp := range o.processors {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(sp))
	}
	tp := sdktrace.NewTracerProvider(append(tpOpts, sdktrace.WithBatcher(exp))...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.Int("processors", len(o.processors)),
		logging.String("sampler", fmt.Sprintf("parentbased_traceidratio_%0.2f", cfg.SampleRatio)),
	)

	return tp.Shutdown, nil
}

func exporterFromConfig(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "stdout", "":
		return stdouttrace.New(
			stdouttrace.WithWriter(os.Stdout),
			stdouttrace.WithPrettyPrint(),
			stdouttrace.WithoutTimestamps(),
		)
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
		return otlptrace.New(ctx, client)
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
	}
}

// ShutdownWithTimeout invokes the provided shutdown function with a bounded
// timeout, swallowing errors in the shutdown path.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	log = logging.OrNoop(log)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
