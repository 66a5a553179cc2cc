package tensor

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrFormat is returned for malformed headers or payloads.
	ErrFormat = errors.New("tensor: invalid format")
	// ErrChecksum is returned when the payload does not match its CRC.
	ErrChecksum = errors.New("tensor: checksum mismatch")
)

// maxElements bounds W*H*K so a corrupt header cannot trigger a huge
// allocation.
const maxElements = 1 << 31

// Kind tells consumers how to interpret the values.
type Kind uint8

const (
	// KindUnary holds per-label energies (negative log probabilities).
	KindUnary Kind = 1
	// KindProbability holds per-label probabilities summing to 1 per pixel.
	KindProbability Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindUnary:
		return "unary"
	case KindProbability:
		return "probability"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Tensor is a dense W×H×K float32 tensor.
type Tensor struct {
	W, H, K int
	Kind    Kind
	Data    []float32
}

// New allocates a zeroed tensor.
func New(w, h, k int, kind Kind) (*Tensor, error) {
	t := &Tensor{W: w, H: h, K: k, Kind: kind}
	if err := t.checkDims(); err != nil {
		return nil, err
	}
	t.Data = make([]float32, w*h*k)
	return t, nil
}

func (t *Tensor) checkDims() error {
	if t.W < 1 || t.H < 1 || t.K < 1 {
		return fmt.Errorf("%w: dimensions %dx%dx%d", ErrFormat, t.W, t.H, t.K)
	}
	if t.W > math.MaxUint32 || t.H > math.MaxUint32 || t.K > math.MaxUint32 ||
		uint64(t.W)*uint64(t.H)*uint64(t.K) > maxElements {
		return fmt.Errorf("%w: dimensions %dx%dx%d too large", ErrFormat, t.W, t.H, t.K)
	}
	if t.Kind != KindUnary && t.Kind != KindProbability {
		return fmt.Errorf("%w: unknown kind %d", ErrFormat, t.Kind)
	}
	return nil
}

// Validate checks the dimensions, kind and data length.
func (t *Tensor) Validate() error {
	if err := t.checkDims(); err != nil {
		return err
	}
	if len(t.Data) != t.W*t.H*t.K {
		return fmt.Errorf("%w: %d values for %dx%dx%d", ErrFormat, len(t.Data), t.W, t.H, t.K)
	}
	return nil
}
