package densecrf

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig is matched by every configuration or shape error.
	ErrConfig = errors.New("densecrf: invalid configuration")

	// ErrNumericInstability is matched by NumericInstabilityError.
	ErrNumericInstability = errors.New("densecrf: numeric instability")
)

// ConfigError reports a malformed model, config or input. It is returned
// before any iteration runs.
type ConfigError struct {
	Field  string
	Reason string
	cause  error
}

func (e *ConfigError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("densecrf: invalid %s: %s: %v", e.Field, e.Reason, e.cause)
	}
	return fmt.Sprintf("densecrf: invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.cause }

// Is reports ErrConfig as a match.
func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

func configErrorf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ShapeError indicates a buffer length or grid size mismatch.
type ShapeError struct {
	What     string
	Expected int
	Actual   int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("densecrf: %s: expected %d, got %d", e.What, e.Expected, e.Actual)
}

// Is reports ErrConfig as a match.
func (e *ShapeError) Is(target error) bool { return target == ErrConfig }

// NumericInstabilityError is returned when clamping cannot keep a pixel's
// energies finite. Inference stops; no partial result is returned.
type NumericInstabilityError struct {
	Pixel     int
	Iteration int // 0 is the initialisation from the unary
	Detail    string
}

func (e *NumericInstabilityError) Error() string {
	return fmt.Sprintf("densecrf: numeric instability at pixel %d, iteration %d: %s", e.Pixel, e.Iteration, e.Detail)
}

// Is reports ErrNumericInstability as a match.
func (e *NumericInstabilityError) Is(target error) bool { return target == ErrNumericInstability }
