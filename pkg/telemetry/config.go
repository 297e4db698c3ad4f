package telemetry

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Config gathers everything NewTelemetry needs. pkg/config fills it from the
// settings file; DefaultConfig is what a bare invocation gets.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig

	// ResourceAttributes are stamped on every exported span.
	ResourceAttributes map[string]string
}

// LoggingConfig shapes the zerolog logger. Command output owns stdout, so
// logs go to stderr unless Output says otherwise.
type LoggingConfig struct {
	Level  string // trace, debug, info, warn, error or fatal
	Format string // console or json
	Output string // stdout, stderr or a file path

	EnableCaller bool

	// With sampling on, SamplingInitial lines per second pass and then one
	// in every SamplingThereafter.
	EnableSampling     bool
	SamplingInitial    int
	SamplingThereafter int

	TimeFormat string // rfc3339, unix, unixms or unixmicro
}

// TracingConfig selects and tunes the span exporter.
type TracingConfig struct {
	Enabled  bool
	Exporter string // otlp, stdout or none

	// Endpoint is the OTLP gRPC collector, e.g. "localhost:4317".
	Endpoint string
	Headers  map[string]string
	Insecure bool

	SamplingRate       float64
	MaxExportBatchSize int
	ExportTimeout      time.Duration
}

// MetricsConfig controls the Prometheus registry and its scrape endpoint.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string
	Path          string
	Namespace     string

	// DefaultHistogramBuckets are used for command and playbook durations,
	// in seconds.
	DefaultHistogramBuckets []float64
}

// EventsConfig controls the in-process lifecycle event bus.
type EventsConfig struct {
	Enabled bool

	// EnableAsync queues events in a channel of BufferSize and delivers
	// them from a background goroutine.
	EnableAsync bool
	BufferSize  int
}

var (
	logLevels     = []string{"trace", "debug", "info", "warn", "error", "fatal"}
	logFormats    = []string{"console", "json"}
	spanExporters = []string{"otlp", "stdout", "none"}
)

// DefaultConfig logs info to stderr in console form with tracing and metrics
// off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "froyoplay",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "stdout",
			Headers:            map[string]string{},
			Insecure:           true,
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
		},
		Metrics: MetricsConfig{
			ListenAddress:           ":9090",
			Path:                    "/metrics",
			Namespace:               "froyoplay",
			DefaultHistogramBuckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 1000,
		},
		ResourceAttributes: map[string]string{},
	}
}

// ForCollector returns c adjusted for unattended runs that ship spans to an
// OTLP collector: json logs with sampling and a tenth of traces kept.
func (c Config) ForCollector(endpoint string) *Config {
	c.Environment = "production"
	c.Logging.Format = "json"
	c.Logging.EnableSampling = true
	c.Logging.TimeFormat = "unix"
	c.Tracing.Enabled = true
	c.Tracing.Exporter = "otlp"
	c.Tracing.Endpoint = endpoint
	c.Tracing.Insecure = false
	c.Tracing.SamplingRate = 0.1
	return &c
}

// Validate reports every problem with c joined into one error.
func (c *Config) Validate() error {
	var errs []error
	if c.ServiceName == "" {
		errs = append(errs, errors.New("service name is required"))
	}
	if c.ServiceVersion == "" {
		errs = append(errs, errors.New("service version is required"))
	}
	if !slices.Contains(logLevels, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("log level %q is not one of %v", c.Logging.Level, logLevels))
	}
	if !slices.Contains(logFormats, c.Logging.Format) {
		errs = append(errs, fmt.Errorf("log format %q is not one of %v", c.Logging.Format, logFormats))
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("trace sampling rate %g is outside [0, 1]", c.Tracing.SamplingRate))
	}
	if c.Tracing.Enabled {
		switch {
		case !slices.Contains(spanExporters, c.Tracing.Exporter):
			errs = append(errs, fmt.Errorf("trace exporter %q is not one of %v", c.Tracing.Exporter, spanExporters))
		case c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "":
			errs = append(errs, errors.New("the otlp exporter needs an endpoint"))
		}
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		errs = append(errs, errors.New("metrics are enabled without a listen address"))
	}
	if c.Events.Enabled && c.Events.EnableAsync && c.Events.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("async events need a positive buffer size, got %d", c.Events.BufferSize))
	}
	return errors.Join(errs...)
}
