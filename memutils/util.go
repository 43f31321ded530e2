package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

var (
	// PowerOfTwoError is returned by CheckPow2 when an alignment is not a power of two
	PowerOfTwoError = cerrors.New("number must be a power of two")
	// OutOfBoundsError is returned by CheckRange when a region runs past the end of its container
	OutOfBoundsError = cerrors.New("region exceeds the bounds of its container")
)

// Number is any integer type that alignment math can be applied to
type Number interface {
	constraints.Integer
}

// Validatable is anything DebugValidate can check, such as block metadata
type Validatable interface {
	Validate() error
}

// CheckPow2 returns PowerOfTwoError, annotated with name, if number is not a power of two
func CheckPow2[T Number](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two
func AlignUp[T Number](value T, alignment T) T {
	return (value + alignment - 1) & ^(alignment - 1)
}

// RoundUp rounds value up to the next multiple of unit. Unlike AlignUp, unit does not need to be
// a power of two, so it is safe for sizes taken from configuration.
func RoundUp[T Number](value T, unit T) T {
	if unit <= 0 {
		return value
	}
	return ((value + unit - 1) / unit) * unit
}

// CheckRange verifies that [offset, offset+size) lies entirely within [0, limit)
func CheckRange(offset, size, limit int) error {
	if offset < 0 || size < 0 || offset+size > limit {
		return cerrors.Wrapf(OutOfBoundsError, "region [%d, %d) does not fit within [0, %d)", offset, offset+size, limit)
	}
	return nil
}
