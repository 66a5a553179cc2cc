package densecrf

import "log/slog"

type solverOptions struct {
	logger  *Logger
	metrics MetricsCollector
	workers int
}

// Option configures a Solver.
type Option func(*solverOptions)

// WithLogger sets the structured logger. Nil restores the no-op logger.
func WithLogger(l *Logger) Option {
	return func(o *solverOptions) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithLogLevel installs a text logger to stderr at the given level.
func WithLogLevel(level slog.Level) Option {
	return func(o *solverOptions) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector sets the metrics sink. Nil restores the no-op collector.
func WithMetricsCollector(m MetricsCollector) Option {
	return func(o *solverOptions) {
		if m == nil {
			m = NoopMetricsCollector{}
		}
		o.metrics = m
	}
}

// WithWorkers bounds the goroutines used per data-parallel step.
// Values <= 0 mean GOMAXPROCS. Results do not depend on this setting.
func WithWorkers(n int) Option {
	return func(o *solverOptions) {
		o.workers = n
	}
}
