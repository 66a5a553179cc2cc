package densecrf

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with densecrf-specific helpers and field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler.
// If handler is nil, a text handler to stderr at info level is used.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that writes JSON to stderr.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that writes human-readable text to stderr.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger discards all output. It is the Solver default.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// WithTerm adds a pairwise term index.
func (l *Logger) WithTerm(term int) *Logger {
	return &Logger{Logger: l.Logger.With("term", term)}
}

// WithGrid adds the image grid and label count.
func (l *Logger) WithGrid(w, h, k int) *Logger {
	return &Logger{Logger: l.Logger.With("width", w, "height", h, "labels", k)}
}

// LogInference logs the outcome of an Infer call.
func (l *Logger) LogInference(ctx context.Context, iterations int, converged bool, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "inference failed",
			"iterations", iterations,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "inference completed",
		"iterations", iterations,
		"converged", converged,
		"duration", d,
	)
}

// LogIteration logs one mean-field update.
func (l *Logger) LogIteration(ctx context.Context, iteration int, maxDelta float64, energy float64) {
	l.DebugContext(ctx, "mean-field iteration",
		"iteration", iteration,
		"max_delta", maxDelta,
		"energy", energy,
	)
}

// LogLattice logs a lattice build.
func (l *Logger) LogLattice(ctx context.Context, points, dim, vertices int, d time.Duration) {
	l.DebugContext(ctx, "lattice built",
		"points", points,
		"dim", dim,
		"vertices", vertices,
		"duration", d,
	)
}
