// Demo service for tracewrap pipelines
// Runs an inventory workload through generated pipelines and exports its telemetry
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andrewh/tracewrap/pkg/config"
	"github.com/andrewh/tracewrap/pkg/obs"
	"github.com/andrewh/tracewrap/pkg/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "tracewrap-demo",
		Short:        "Run an inventory workload through traced pipelines",
		SilenceUsage: true,
	}
	root.AddCommand(runCmd())
	root.AddCommand(versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "tracewrap-demo %s (commit: %s, built: %s)\n", version, commit, buildTime)
		},
	}
}

// runOptions is the resolved configuration of one run.
type runOptions struct {
	serviceName    string
	endpoint       string
	protocol       string
	stdout         bool
	signals        map[string]bool
	sampleRate     float64
	slowThreshold  time.Duration
	prometheusAddr string
	pyroscopeAddr  string

	orders      int
	dbPath      string
	postgresDSN string
	linger      time.Duration
	verbose     bool
}

// telemetryBindings maps configuration keys to run flags.
var telemetryBindings = map[string]string{
	"telemetry.service_name":    "service-name",
	"telemetry.endpoint":        "endpoint",
	"telemetry.protocol":        "protocol",
	"telemetry.stdout":          "stdout",
	"telemetry.signals":         "signals",
	"telemetry.sample_rate":     "sample-rate",
	"telemetry.slow_threshold":  "slow-threshold",
	"telemetry.prometheus_addr": "prometheus",
	"telemetry.pyroscope_addr":  "pyroscope",
}

func runCmd() *cobra.Command {
	var (
		configPath string
		opts       runOptions
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Place orders against an inventory and export the resulting telemetry",
		Long: `Place orders against an inventory and export the resulting telemetry.

The stock store is in memory unless --db (SQLite) or --postgres is given.
Signals go to an OTLP collector, or to stdout as JSON with --stdout; the
run summary is written to stderr.`,
		Example: `  # Print spans and pipe them into the trace viewer
  tracewrap-demo run --stdout | tracewrap trace -

  # Export traces and metrics to a local collector, sampling half the roots
  tracewrap-demo run --signals traces,metrics --sample-rate 0.5

  # Serve Prometheus metrics for a minute after the run
  tracewrap-demo run --stdout --prometheus :9464 --linger 1m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := make(map[string]*pflag.Flag, len(telemetryBindings))
			for key, name := range telemetryBindings {
				flags[key] = cmd.Flags().Lookup(name)
			}
			cfg, err := config.Load(configPath, ".", flags)
			if err != nil {
				return err
			}
			if err := applyTelemetry(&opts, cfg.Telemetry); err != nil {
				return err
			}
			return runDemo(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	defaults := config.Default().Telemetry
	cmd.Flags().StringVar(&configPath, "config", "", "configuration file (default: "+config.FileName+" if present)")
	cmd.Flags().String("service-name", defaults.ServiceName, "service.name resource attribute")
	cmd.Flags().String("endpoint", defaults.Endpoint, "OTLP endpoint (default localhost:4318 for HTTP, localhost:4317 for gRPC)")
	cmd.Flags().String("protocol", defaults.Protocol, "OTLP protocol: http/protobuf or grpc")
	cmd.Flags().Bool("stdout", defaults.Stdout, "print signals to stdout as JSON")
	cmd.Flags().String("signals", defaults.Signals, "comma-separated signals to emit: traces, metrics, logs")
	cmd.Flags().Float64("sample-rate", defaults.SampleRate, "fraction of root traces to sample (0.0-1.0)")
	cmd.Flags().Duration("slow-threshold", defaults.SlowThreshold, "log spans slower than this when logs are enabled (0 disables)")
	cmd.Flags().String("prometheus", defaults.PrometheusAddr, "serve Prometheus metrics on this address")
	cmd.Flags().String("pyroscope", defaults.PyroscopeAddr, "send continuous profiles to this Pyroscope server")

	cmd.Flags().IntVar(&opts.orders, "orders", 12, "orders to place before the concurrent batch")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "SQLite database file for stock")
	cmd.Flags().StringVar(&opts.postgresDSN, "postgres", "", "PostgreSQL connection string for stock")
	cmd.Flags().DurationVar(&opts.linger, "linger", 0, "keep serving Prometheus metrics this long after the run")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log pipeline internals")

	return cmd
}

func applyTelemetry(opts *runOptions, t config.TelemetryConfig) error {
	signals, err := config.ParseSignals(t.Signals)
	if err != nil {
		return err
	}
	if opts.orders < 0 {
		return fmt.Errorf("--orders must not be negative, got %d", opts.orders)
	}
	if opts.dbPath != "" && opts.postgresDSN != "" {
		return fmt.Errorf("--db and --postgres are mutually exclusive")
	}
	opts.serviceName = t.ServiceName
	opts.endpoint = t.Endpoint
	opts.protocol = t.Protocol
	opts.stdout = t.Stdout
	opts.signals = signals
	opts.sampleRate = t.SampleRate
	opts.slowThreshold = t.SlowThreshold
	opts.prometheusAddr = t.PrometheusAddr
	opts.pyroscopeAddr = t.PyroscopeAddr
	return nil
}

func runDemo(ctx context.Context, opts runOptions, out, errOut io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(errOut, opts.verbose)
	defer func() { _ = logger.Sync() }()
	obs.InstallErrorHandler(logger)

	if !opts.stdout && len(opts.signals) > 0 {
		if err := checkEndpoint(opts.endpoint, opts.protocol); err != nil {
			return err
		}
	}

	if opts.pyroscopeAddr != "" {
		profiler, err := startProfiler(opts.pyroscopeAddr, opts.serviceName)
		if err != nil {
			return fmt.Errorf("starting profiler: %w", err)
		}
		defer func() { _ = profiler.Stop() }()
	}

	provs, err := createProviders(ctx, opts, out, logger)
	if err != nil {
		return err
	}
	defer provs.shutdown()
	if opts.postgresDSN != "" {
		// Per-query spans come from the global provider.
		otel.SetTracerProvider(provs.tracer)
	}

	tel, metrics, err := newTelemetry(opts, provs, logger)
	if err != nil {
		return err
	}
	if metrics != nil {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := metrics.Shutdown(sctx); err != nil {
				logger.Warn("prometheus server shutdown", zap.Error(err))
			}
		}()
		logger.Info("serving prometheus metrics", zap.String("addr", metrics.Addr()))
	}

	b, err := openBackend(ctx, opts, tel)
	if err != nil {
		return err
	}
	defer b.close()

	rep, err := runScenario(ctx, opts.orders, tel, b)
	if err != nil {
		return err
	}
	rep.write(errOut)

	if metrics != nil && opts.linger > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(opts.linger):
		}
	}
	return nil
}

// newTelemetry builds the collaborators shared by every pipeline. Metrics
// always reach the OTel meter provider and, with --prometheus, a registry
// served over HTTP.
func newTelemetry(opts runOptions, provs *providers, logger *zap.Logger) (pipeline.Telemetry, *metricsServer, error) {
	guard := obs.NewGuard(logger, obs.WithBreakerName("telemetry"))
	factoryOpts := []obs.FactoryOption{obs.WithGuard(guard)}
	if opts.signals["logs"] {
		factoryOpts = append(factoryOpts, obs.WithSinks(obs.NewLogSink(provs.logger, opts.slowThreshold)))
	}

	otelRec, err := obs.NewOTelRecorder(provs.meter)
	if err != nil {
		return pipeline.Telemetry{}, nil, err
	}
	recorders := obs.MultiRecorder{otelRec}

	var server *metricsServer
	if opts.prometheusAddr != "" {
		reg := prometheus.NewRegistry()
		promRec, err := obs.NewPrometheusRecorder(reg, "tracewrap")
		if err != nil {
			return pipeline.Telemetry{}, nil, err
		}
		recorders = append(recorders, promRec)
		server, err = startMetricsServer(opts.prometheusAddr, reg)
		if err != nil {
			return pipeline.Telemetry{}, nil, err
		}
	}

	return pipeline.Telemetry{
		Spans:      obs.NewTracerFactory(provs.tracer, factoryOpts...),
		Metrics:    recorders,
		Propagator: obs.NewPropagator(),
		Logger:     logger,
	}, server, nil
}

// newLogger writes human-readable logs to w. Without verbose only warnings
// and errors are shown.
func newLogger(w io.Writer, verbose bool) *zap.Logger {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), level)
	return zap.New(core)
}
