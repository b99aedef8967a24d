package observe

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Resource attribute keys describing the voice front end.
const (
	AttrModel = attribute.Key("emotivox.realtime.model")
	AttrTool  = attribute.Key("emotivox.tool")
	AttrVoice = attribute.Key("emotivox.realtime.voice")
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName defaults to "emotivox".
	ServiceName    string
	ServiceVersion string

	// Model, Tool and Voice describe the realtime session this process drives.
	// Empty values are left off the resource.
	Model string
	Tool  string
	Voice string

	// TraceExporter receives finished spans. When nil, spans are recorded for
	// log correlation but never exported.
	TraceExporter sdktrace.SpanExporter
}

// Telemetry is the installed SDK: a meter provider exporting to a private
// Prometheus registry and a tracer provider. Both are registered globally.
type Telemetry struct {
	// Registry holds the exported otel metrics plus the Go runtime and
	// process collectors.
	Registry *prometheus.Registry

	Resource *resource.Resource

	meters *sdkmetric.MeterProvider
	tracer *sdktrace.TracerProvider
}

// InitProvider installs the global meter and tracer providers and the W3C
// trace-context propagator. Call [Telemetry.Shutdown] before exit.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Telemetry, error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}

	t := &Telemetry{
		Registry: reg,
		Resource: res,
		meters:   sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp)),
	}
	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	t.tracer = sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(t.meters)
	otel.SetTracerProvider(t.tracer)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return t, nil
}

func newResource(cfg ProviderConfig) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "emotivox"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	for k, v := range map[attribute.Key]string{AttrModel: cfg.Model, AttrTool: cfg.Tool, AttrVoice: cfg.Voice} {
		if v != "" {
			attrs = append(attrs, k.String(v))
		}
	}
	// Schemaless so the merge never conflicts with the SDK's own semconv
	// version.
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

// Handler serves the registry in the Prometheus exposition format. Collection
// errors are counted in promhttp_metric_handler_errors_total on the same
// registry.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.Registry, promhttp.HandlerOpts{
		Registry:          t.Registry,
		EnableOpenMetrics: true,
	})
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.meters.Shutdown(ctx), t.tracer.Shutdown(ctx))
}
