package billing

import (
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Option configures the engine components.
type Option func(*options)

type options struct {
	logger           *slog.Logger
	metrics          *Metrics
	now              func() time.Time
	newBackOff       func() backoff.BackOff
	concurrency      int
	incrementTimeout time.Duration
}

func newOptions(opts []Option) *options {
	o := &options{
		logger:           slog.New(slog.DiscardHandler),
		now:              time.Now,
		newBackOff:       defaultBackOff,
		concurrency:      8,
		incrementTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	return backoff.WithMaxRetries(b, 4)
}

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithBackOff sets the retry policy for transient processor failures.
// The factory is called once per retried operation.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(o *options) {
		if factory != nil {
			o.newBackOff = factory
		}
	}
}

// WithConcurrency bounds the number of records the sweep reconciles at once.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithIncrementTimeout bounds the store calls of UsageCounter.Increment.
func WithIncrementTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.incrementTimeout = d
		}
	}
}
