package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned for empty or blank input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState is returned when an operation does not apply to the
	// current form of the input.
	ErrInvalidState = errors.New("invalid state")

	// ErrAlreadyTransformed is returned by Compress when the source already
	// carries the compressed or encrypted signature.
	ErrAlreadyTransformed = fmt.Errorf("%w: source already transformed", ErrInvalidState)

	// ErrCorrupt is returned when an encoded blob cannot be decoded.
	ErrCorrupt = errors.New("corrupt blob")
)

// IntegrityError reports a failed round-trip self check. The transformed
// value is never returned alongside it.
type IntegrityError struct {
	Op       string // "compress" or "decompress"
	Expected int    // length of the reference text
	Actual   int    // length of the text recovered by the inverse transform
	Err      error  // inverse transform failure, if any
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec %s: integrity check failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("codec %s: integrity check failed: expected %d bytes, got %d", e.Op, e.Expected, e.Actual)
}

func (e *IntegrityError) Unwrap() error { return e.Err }
