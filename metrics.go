package densecrf

import (
	"sync/atomic"
	"time"
)

// MetricsCollector receives operational metrics from the Solver.
// Implement it to feed a monitoring system such as Prometheus.
type MetricsCollector interface {
	// RecordInference is called after each Infer call.
	RecordInference(pixels, labels, iterations int, duration time.Duration, err error)

	// RecordLattice is called after a lattice is built for a pairwise term.
	RecordLattice(term, vertices int, duration time.Duration)

	// RecordFilter is called after each message computation of a term.
	RecordFilter(term int, duration time.Duration)
}

// NoopMetricsCollector discards all metrics.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordInference(int, int, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordLattice(int, int, time.Duration)             {}
func (NoopMetricsCollector) RecordFilter(int, time.Duration)                   {}

// BasicMetricsCollector keeps simple in-memory counters.
type BasicMetricsCollector struct {
	InferenceCount      atomic.Int64
	InferenceErrors     atomic.Int64
	InferenceTotalNanos atomic.Int64
	PixelsProcessed     atomic.Int64
	Iterations          atomic.Int64
	LatticeCount        atomic.Int64
	LatticeVertices     atomic.Int64
	LatticeTotalNanos   atomic.Int64
	FilterCount         atomic.Int64
	FilterTotalNanos    atomic.Int64
}

// RecordInference implements MetricsCollector.
func (b *BasicMetricsCollector) RecordInference(pixels, labels, iterations int, duration time.Duration, err error) {
	b.InferenceCount.Add(1)
	b.InferenceTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.InferenceErrors.Add(1)
		return
	}
	b.PixelsProcessed.Add(int64(pixels))
	b.Iterations.Add(int64(iterations))
}

// RecordLattice implements MetricsCollector.
func (b *BasicMetricsCollector) RecordLattice(term, vertices int, duration time.Duration) {
	b.LatticeCount.Add(1)
	b.LatticeVertices.Add(int64(vertices))
	b.LatticeTotalNanos.Add(duration.Nanoseconds())
}

// RecordFilter implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFilter(term int, duration time.Duration) {
	b.FilterCount.Add(1)
	b.FilterTotalNanos.Add(duration.Nanoseconds())
}

// BasicMetricsStats is a point-in-time snapshot of BasicMetricsCollector.
type BasicMetricsStats struct {
	InferenceCount    int64
	InferenceErrors   int64
	InferenceAvgNanos int64
	PixelsProcessed   int64
	Iterations        int64
	LatticeCount      int64
	LatticeVertices   int64
	LatticeAvgNanos   int64
	FilterCount       int64
	FilterAvgNanos    int64
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		InferenceCount:    b.InferenceCount.Load(),
		InferenceErrors:   b.InferenceErrors.Load(),
		InferenceAvgNanos: avgNanos(b.InferenceTotalNanos.Load(), b.InferenceCount.Load()),
		PixelsProcessed:   b.PixelsProcessed.Load(),
		Iterations:        b.Iterations.Load(),
		LatticeCount:      b.LatticeCount.Load(),
		LatticeVertices:   b.LatticeVertices.Load(),
		LatticeAvgNanos:   avgNanos(b.LatticeTotalNanos.Load(), b.LatticeCount.Load()),
		FilterCount:       b.FilterCount.Load(),
		FilterAvgNanos:    avgNanos(b.FilterTotalNanos.Load(), b.FilterCount.Load()),
	}
}

func avgNanos(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}
