package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/andrewh/tracewrap/pkg/obs"
	"github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log"
	lognoop "go.opentelemetry.io/otel/log/noop"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

const (
	shutdownTimeout     = 5 * time.Second
	connectCheckTimeout = 2 * time.Second
	defaultHTTPPort     = "4318"
	defaultGRPCPort     = "4317"
)

// providers holds the SDK providers of one run. Disabled signals get
// providers that export nothing.
type providers struct {
	tracer *sdktrace.TracerProvider
	meter  metric.MeterProvider
	logger log.LoggerProvider

	shutdowns []func(context.Context)
}

// shutdown flushes and stops every provider in reverse creation order.
func (p *providers) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(p.shutdowns) - 1; i >= 0; i-- {
		p.shutdowns[i](ctx)
	}
}

func newResource(serviceName string) *resource.Resource {
	return resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName), semconv.ServiceVersion(version))
}

func createProviders(ctx context.Context, opts runOptions, out io.Writer, logger *zap.Logger) (*providers, error) {
	res := newResource(opts.serviceName)
	p := &providers{}

	tp, err := createTraceProvider(ctx, opts, out, res)
	if err != nil {
		return nil, err
	}
	p.tracer = tp
	p.shutdowns = append(p.shutdowns, func(ctx context.Context) {
		shutdownAll(ctx, logger, []*sdktrace.TracerProvider{tp}, "tracer provider")
	})

	if opts.signals["metrics"] {
		mp, err := createMeterProvider(ctx, opts, out, res)
		if err != nil {
			p.shutdown()
			return nil, err
		}
		p.meter = mp
		p.shutdowns = append(p.shutdowns, func(ctx context.Context) {
			shutdownAll(ctx, logger, []*sdkmetric.MeterProvider{mp}, "meter provider")
		})
	} else {
		mp := sdkmetric.NewMeterProvider()
		p.meter = mp
	}

	if opts.signals["logs"] {
		lp, err := createLoggerProvider(ctx, opts, out, res)
		if err != nil {
			p.shutdown()
			return nil, err
		}
		p.logger = lp
		p.shutdowns = append(p.shutdowns, func(ctx context.Context) {
			shutdownAll(ctx, logger, []*sdklog.LoggerProvider{lp}, "logger provider")
		})
	} else {
		p.logger = lognoop.NewLoggerProvider()
	}
	return p, nil
}

// createTraceProvider samples new roots at the configured rate. With traces
// disabled the provider records nothing, so pipelines still run untraced.
func createTraceProvider(ctx context.Context, opts runOptions, out io.Writer, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	if !opts.signals["traces"] {
		return sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()), sdktrace.WithResource(res)), nil
	}
	exporter, err := createTraceExporter(ctx, opts, out)
	if err != nil {
		return nil, err
	}

	var sp sdktrace.SpanProcessor
	if opts.stdout {
		sp = sdktrace.NewSimpleSpanProcessor(exporter)
	} else {
		sp = sdktrace.NewBatchSpanProcessor(exporter)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sp),
		sdktrace.WithSampler(obs.NewSampler(opts.sampleRate)),
		sdktrace.WithResource(res),
	), nil
}

func createTraceExporter(ctx context.Context, opts runOptions, out io.Writer) (sdktrace.SpanExporter, error) {
	if opts.stdout {
		return stdouttrace.New(stdouttrace.WithWriter(out))
	}
	switch opts.protocol {
	case "grpc":
		var grpcOpts []otlptracegrpc.Option
		if opts.endpoint != "" {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithEndpoint(opts.endpoint), otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, grpcOpts...)
	case "http/protobuf", "":
		var httpOpts []otlptracehttp.Option
		if opts.endpoint != "" {
			httpOpts = append(httpOpts, otlptracehttp.WithEndpoint(opts.endpoint), otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, httpOpts...)
	default:
		return nil, fmt.Errorf("unsupported protocol %q, supported: http/protobuf, grpc", opts.protocol)
	}
}

func createMeterProvider(ctx context.Context, opts runOptions, out io.Writer, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exporter, err := createMetricExporter(ctx, opts, out)
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	), nil
}

func createMetricExporter(ctx context.Context, opts runOptions, out io.Writer) (sdkmetric.Exporter, error) {
	if opts.stdout {
		return stdoutmetric.New(stdoutmetric.WithWriter(out))
	}
	switch opts.protocol {
	case "grpc":
		var grpcOpts []otlpmetricgrpc.Option
		if opts.endpoint != "" {
			grpcOpts = append(grpcOpts, otlpmetricgrpc.WithEndpoint(opts.endpoint), otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, grpcOpts...)
	case "http/protobuf", "":
		var httpOpts []otlpmetrichttp.Option
		if opts.endpoint != "" {
			httpOpts = append(httpOpts, otlpmetrichttp.WithEndpoint(opts.endpoint), otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, httpOpts...)
	default:
		return nil, fmt.Errorf("unsupported protocol %q for metrics", opts.protocol)
	}
}

func createLoggerProvider(ctx context.Context, opts runOptions, out io.Writer, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	exporter, err := createLogExporter(ctx, opts, out)
	if err != nil {
		return nil, err
	}
	var processor sdklog.Processor
	if opts.stdout {
		processor = sdklog.NewSimpleProcessor(exporter)
	} else {
		processor = sdklog.NewBatchProcessor(exporter)
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(processor),
		sdklog.WithResource(res),
	), nil
}

func createLogExporter(ctx context.Context, opts runOptions, out io.Writer) (sdklog.Exporter, error) {
	if opts.stdout {
		return stdoutlog.New(stdoutlog.WithWriter(out))
	}
	switch opts.protocol {
	case "grpc":
		var grpcOpts []otlploggrpc.Option
		if opts.endpoint != "" {
			grpcOpts = append(grpcOpts, otlploggrpc.WithEndpoint(opts.endpoint), otlploggrpc.WithInsecure())
		}
		return otlploggrpc.New(ctx, grpcOpts...)
	case "http/protobuf", "":
		var httpOpts []otlploghttp.Option
		if opts.endpoint != "" {
			httpOpts = append(httpOpts, otlploghttp.WithEndpoint(opts.endpoint), otlploghttp.WithInsecure())
		}
		return otlploghttp.New(ctx, httpOpts...)
	default:
		return nil, fmt.Errorf("unsupported protocol %q for logs", opts.protocol)
	}
}

// shutdownable is anything with a Shutdown method (TracerProvider, MeterProvider, LoggerProvider).
type shutdownable interface {
	Shutdown(context.Context) error
}

// shutdownAll shuts down all items concurrently within ctx. Errors are
// logged individually; a slow item does not block others.
func shutdownAll[S shutdownable](ctx context.Context, logger *zap.Logger, items []S, label string) {
	var wg sync.WaitGroup
	for _, item := range items {
		wg.Go(func() {
			if err := item.Shutdown(ctx); err != nil {
				logger.Warn("shutdown failed", zap.String("component", label), zap.Error(err))
			}
		})
	}
	wg.Wait()
}

// checkEndpoint dials the collector so that a missing one fails fast with
// advice instead of a stream of export errors.
func checkEndpoint(endpoint, protocol string) error {
	port := defaultHTTPPort
	if protocol == "grpc" {
		port = defaultGRPCPort
	}
	host := endpoint
	if host == "" {
		host = "localhost:" + port
	} else if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, port)
	}

	conn, err := net.DialTimeout("tcp", host, connectCheckTimeout)
	if err != nil {
		return fmt.Errorf("cannot reach OTLP collector at %s\n\n"+
			"To print signals as JSON instead, use --stdout:\n"+
			"  tracewrap-demo run --stdout\n\n"+
			"To send to a specific collector, use --endpoint:\n"+
			"  tracewrap-demo run --endpoint collector.example.com:4318", host)
	}
	_ = conn.Close()
	return nil
}

// metricsServer serves a Prometheus registry on /metrics.
type metricsServer struct {
	srv      *http.Server
	listener net.Listener
	done     chan error
}

func startMetricsServer(addr string, reg *prometheus.Registry) (*metricsServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("prometheus listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	m := &metricsServer{
		srv:      &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		listener: ln,
		done:     make(chan error, 1),
	}
	go func() { m.done <- m.srv.Serve(ln) }()
	return m, nil
}

// Addr is the address the server listens on.
func (m *metricsServer) Addr() string {
	return m.listener.Addr().String()
}

func (m *metricsServer) Shutdown(ctx context.Context) error {
	if err := m.srv.Shutdown(ctx); err != nil {
		return err
	}
	if err := <-m.done; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// startProfiler streams continuous profiles to a Pyroscope server.
func startProfiler(addr, serviceName string) (*pyroscope.Profiler, error) {
	return pyroscope.Start(pyroscope.Config{
		ApplicationName: serviceName,
		ServerAddress:   addr,
		Tags:            map[string]string{"version": version},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
}
