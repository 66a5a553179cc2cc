// Package parallel provides a chunked, deterministic parallel-for built on errgroup.
//
// Chunk boundaries depend only on the problem size, never on the worker
// count, so callers that write disjoint ranges get bit-identical results
// regardless of GOMAXPROCS.
package parallel

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

const (
	// MinChunk is the smallest number of items handed to one task.
	MinChunk = 1024
	// MaxChunks caps the number of tasks a single loop is split into.
	MaxChunks = 256
)

// Workers normalises a requested worker count. Values <= 0 mean GOMAXPROCS.
func Workers(n int) int {
	if n <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return n
}

// ChunkSize returns the chunk length used for a loop over n items.
func ChunkSize(n int) int {
	size := (n + MaxChunks - 1) / MaxChunks
	return max(size, MinChunk)
}

// NumChunks returns how many chunks a loop over n items is split into.
func NumChunks(n int) int {
	if n <= 0 {
		return 0
	}
	size := ChunkSize(n)
	return (n + size - 1) / size
}

// For runs fn over [0, n) in chunks on up to workers goroutines.
func For(ctx context.Context, workers, n int, fn func(lo, hi int) error) error {
	return ForChunks(ctx, workers, n, func(_ int, lo, hi int) error {
		return fn(lo, hi)
	})
}

// ForChunks is like For but also passes the chunk index, which callers use to
// keep per-chunk partial results (reduced afterwards in chunk order).
func ForChunks(ctx context.Context, workers, n int, fn func(chunk, lo, hi int) error) error {
	if n <= 0 {
		return nil
	}
	size := ChunkSize(n)
	chunks := (n + size - 1) / size
	workers = min(Workers(workers), chunks)

	if workers <= 1 {
		for c := range chunks {
			if err := ctx.Err(); err != nil {
				return err
			}
			lo := c * size
			if err := fn(c, lo, min(lo+size, n)); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for c := range chunks {
		lo := c * size
		hi := min(lo+size, n)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(c, lo, hi)
		})
	}
	return g.Wait()
}
