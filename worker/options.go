package worker

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	mi "github.com/cschleiden/go-rendertasks/internal/metrics"
	"github.com/cschleiden/go-rendertasks/metrics"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type RetryPolicy struct {
	// MaxAttempts is the number of consecutive failed increments after which a task is cancelled
	// and removed from the queue. Values <= 0 retry forever.
	MaxAttempts int

	// InitialInterval is the wait after the first failed increment. Subsequent failures back off
	// exponentially up to MaxInterval.
	InitialInterval time.Duration

	MaxInterval time.Duration
}

type Options struct {
	// Workers is the number of goroutines driving the current task. Defaults to 1.
	Workers int

	Logger *slog.Logger

	Metrics metrics.Client

	TracerProvider trace.TracerProvider

	Clock clock.Clock

	RetryPolicy RetryPolicy

	// FinishedRetention determines how long finished, failed, or removed tasks can still be
	// queried via Status and Wait. Defaults to 5 minutes.
	FinishedRetention time.Duration

	// FinishedCapacity caps the number of retained finished tasks. Defaults to 1024.
	FinishedCapacity int
}

var DefaultOptions Options = Options{
	Workers: 1,

	Logger:         slog.Default(),
	Metrics:        mi.NewNoopMetricsClient(),
	TracerProvider: noop.NewTracerProvider(),
	Clock:          clock.New(),

	RetryPolicy: RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	},

	FinishedRetention: 5 * time.Minute,
	FinishedCapacity:  1024,
}

type Option func(*Options)

func WithWorkers(workers int) Option {
	return func(o *Options) {
		o.Workers = workers
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithMetrics(client metrics.Client) Option {
	return func(o *Options) {
		o.Metrics = client
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(o *Options) {
		o.RetryPolicy = policy
	}
}

func WithFinishedRetention(retention time.Duration) Option {
	return func(o *Options) {
		o.FinishedRetention = retention
	}
}

func ApplyOptions(opts ...Option) Options {
	options := DefaultOptions

	for _, opt := range opts {
		opt(&options)
	}

	if options.Workers <= 0 {
		options.Workers = 1
	}

	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	if options.Metrics == nil {
		options.Metrics = mi.NewNoopMetricsClient()
	}

	if options.TracerProvider == nil {
		options.TracerProvider = noop.NewTracerProvider()
	}

	if options.Clock == nil {
		options.Clock = clock.New()
	}

	if options.RetryPolicy.InitialInterval <= 0 {
		options.RetryPolicy.InitialInterval = DefaultOptions.RetryPolicy.InitialInterval
	}

	if options.RetryPolicy.MaxInterval < options.RetryPolicy.InitialInterval {
		options.RetryPolicy.MaxInterval = options.RetryPolicy.InitialInterval
	}

	if options.FinishedCapacity <= 0 {
		options.FinishedCapacity = DefaultOptions.FinishedCapacity
	}

	return options
}
