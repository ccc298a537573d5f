package txlog

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedRecord marks a stored record or metadata value this
	// package cannot interpret. It is never resolved by guessing a default.
	ErrUnsupportedRecord = errors.New("unsupported record")

	// ErrInvariantViolation marks inconsistent log counters. It signals a
	// defect or misuse, not a transient store failure.
	ErrInvariantViolation = errors.New("transaction log invariant violation")

	// ErrUnknownCategory is returned by ParseCategory.
	ErrUnknownCategory = errors.New("unknown category")

	// ErrInvalidTransition is wrapped by InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid operation transition")

	// ErrManagerClosed is returned by Manager operations after Close.
	ErrManagerClosed = errors.New("log manager is closed")
)

// InvariantError describes counters that break the metadata invariants.
type InvariantError struct {
	Metadata Metadata
	Reason   string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s (latest=%d active=%d held=%d)",
		ErrInvariantViolation, e.Reason,
		e.Metadata.Latest, e.Metadata.ActiveCount, e.Metadata.HeldCount)
}

func (e *InvariantError) Unwrap() error {
	return ErrInvariantViolation
}

// InvalidTransitionError is returned by VersionedLog.Append when the new
// operation cannot follow the one the version already holds for the name.
type InvalidTransitionError struct {
	Category Category
	Name     string
	Prev     Operation
	Next     Operation
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: %s %q: %s then %s",
		ErrInvalidTransition, e.Category, e.Name, e.Prev.Kind(), e.Next.Kind())
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}
