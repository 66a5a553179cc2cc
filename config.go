package densecrf

import (
	"image"
	"math"
)

// SelfTermMode controls how a pixel's own contribution to the filtered
// message is treated.
type SelfTermMode int

const (
	// SelfTermExclude subtracts the exact lattice self gain once, after
	// filtering, so a pixel never reinforces its own distribution.
	SelfTermExclude SelfTermMode = iota
	// SelfTermInclude keeps the self contribution, as classic dense CRF
	// code does.
	SelfTermInclude
)

func (m SelfTermMode) String() string {
	switch m {
	case SelfTermExclude:
		return "exclude"
	case SelfTermInclude:
		return "include"
	default:
		return "unknown"
	}
}

// Config holds the per-call inference parameters. It is a plain value and is
// never mutated by the Solver.
type Config struct {
	// Number of mean-field iterations.
	// Ideal start: 5-10. More rarely helps once labels stop changing.
	Iterations int
	// Step size of the damped update Q = (1-r)·Q_old + r·Q_new, in (0, 1].
	// With the self term excluded, undamped parallel updates let strongly
	// coupled pixels swap labels every iteration.
	// Ideal start: 0.5. Use 1.0 (plain mean field) only with SelfTermInclude
	// or weak pairwise weights.
	Relaxation float64
	// Early stop when max|Q_new - Q_old| falls below this value. 0 disables it.
	// Ideal start: 0 for reproducible iteration counts, ~1e-3 for speed.
	Tolerance float64
	// Width of the energy window kept above each pixel's minimum energy before
	// exponentiation. Larger keeps more tail mass; too small flattens confident
	// pixels.
	// Ideal start: 80.
	EnergyClamp float64
	// Self-affinity handling, see SelfTermMode.
	SelfTerm SelfTermMode
	// Colour space of bilateral features. ColorSigma is in this space's units.
	ColorSpace ColorSpace
	// Record the mean-field free energy per iteration in Result.Energy.
	TraceEnergy bool
	// OnIteration, when set, is called after every iteration with the current
	// distribution. The distribution is only valid during the call.
	OnIteration func(iteration int, q Distribution)
}

// DefaultConfig returns the standard five-iteration setup.
func DefaultConfig() Config {
	return Config{
		Iterations:  5,
		Relaxation:  0.5,
		Tolerance:   0,
		EnergyClamp: 80,
		SelfTerm:    SelfTermExclude,
		ColorSpace:  ColorSpaceRGB,
	}
}

// ConfigFromSize scales the iteration budget with the image area: large
// images propagate labels over longer distances and need a few more passes.
func ConfigFromSize(size image.Point) Config {
	cfg := DefaultConfig()
	if size.X <= 0 || size.Y <= 0 {
		return cfg
	}
	pixels := size.X * size.Y
	switch {
	case pixels <= 256*256:
		cfg.Iterations = 5
	case pixels <= 1024*1024:
		cfg.Iterations = 8
	default:
		cfg.Iterations = 10
	}
	return cfg
}

func (c Config) validate() error {
	if c.Iterations < 0 {
		return configErrorf("Iterations", "must be >= 0, got %d", c.Iterations)
	}
	if !(c.Relaxation > 0 && c.Relaxation <= 1) {
		return configErrorf("Relaxation", "must be in (0, 1], got %g", c.Relaxation)
	}
	if c.Tolerance < 0 || math.IsNaN(c.Tolerance) {
		return configErrorf("Tolerance", "must be >= 0, got %g", c.Tolerance)
	}
	if !(c.EnergyClamp > 0) || math.IsInf(c.EnergyClamp, 0) {
		return configErrorf("EnergyClamp", "must be finite and > 0, got %g", c.EnergyClamp)
	}
	if c.SelfTerm != SelfTermExclude && c.SelfTerm != SelfTermInclude {
		return configErrorf("SelfTerm", "unknown mode %d", c.SelfTerm)
	}
	if c.ColorSpace != ColorSpaceRGB && c.ColorSpace != ColorSpaceLab {
		return configErrorf("ColorSpace", "unknown colour space %d", c.ColorSpace)
	}
	return nil
}
