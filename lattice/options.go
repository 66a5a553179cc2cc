package lattice

import "context"

type options struct {
	workers int
	ctx     context.Context
}

// Option configures lattice construction and filtering.
type Option func(*options)

// WithWorkers bounds the number of goroutines used by the lattice. Values <= 0
// mean GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithContext makes construction honour ctx. A cancelled build returns
// ctx.Err().
func WithContext(ctx context.Context) Option {
	return func(o *options) {
		o.ctx = ctx
	}
}

func applyOptions(opts []Option) options {
	o := options{ctx: context.Background()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ctx == nil {
		o.ctx = context.Background()
	}
	return o
}
