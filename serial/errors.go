package serial

import "errors"

var (
	// ErrRangeExhausted is returned when the active range has no number left
	// and no successor range is configured or activated.
	ErrRangeExhausted = errors.New("serial number range exhausted")

	// ErrRangeTooSmall is returned when the range cannot hold enough random bits.
	ErrRangeTooSmall = errors.New("serial number range too small for random allocation")

	// ErrAllocationFailed is returned when every random candidate collided.
	ErrAllocationFailed = errors.New("serial number allocation failed")
)
