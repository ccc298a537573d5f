package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/rxlog/internal/txlog"
)

var (
	// ErrArtifactExists is returned by Create for a live name.
	ErrArtifactExists = errors.New("artifact already exists")

	// ErrArtifactNotFound is returned by Delete for a name that is not live.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrNotRecovered is returned by mutations before Recover succeeded.
	ErrNotRecovered = errors.New("engine has not recovered")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine is closed")
)

// RuntimeError represents an error detected while running the engine.
//
// Runtime errors include:
//   - Invalid replay: the log holds sequences that cannot be coalesced
//   - Corrupt checkpoint: the stored checkpoint cannot be decoded
//
// RuntimeError includes structured fields for diagnostics.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// CheckpointID identifies the checkpoint involved, if any.
	CheckpointID string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeInvalidReplay indicates the replay set holds invalid sequences.
	ErrCodeInvalidReplay RuntimeErrorCode = "INVALID_REPLAY"

	// ErrCodeCorruptCheckpoint indicates the checkpoint could not be decoded.
	ErrCodeCorruptCheckpoint RuntimeErrorCode = "CORRUPT_CHECKPOINT"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.CheckpointID != "" {
		return fmt.Sprintf("%s: %s (checkpoint=%s)", e.Code, e.Message, e.CheckpointID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// IsInvalidReplay returns true if the error is an invalid replay error.
// Uses errors.As to handle wrapped errors.
func IsInvalidReplay(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeInvalidReplay
	}
	return false
}

// NewInvalidReplayError creates a RuntimeError listing the invalid names.
func NewInvalidReplayError(rs *txlog.ReplaySet) *RuntimeError {
	details := make(map[string]string)
	total := 0
	for _, cat := range txlog.Categories() {
		invalid := rs.Invalid(cat)
		if len(invalid) == 0 {
			continue
		}
		names := make([]string, 0, len(invalid))
		for name := range invalid {
			names = append(names, name)
		}
		sort.Strings(names)
		details[cat.Slug()] = strings.Join(names, ",")
		total += len(names)
	}
	return &RuntimeError{
		Code:    ErrCodeInvalidReplay,
		Message: fmt.Sprintf("%d artifact(s) have invalid operation sequences", total),
		Details: details,
	}
}

// NewCorruptCheckpointError creates a RuntimeError for an undecodable checkpoint.
func NewCorruptCheckpointError(err error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeCorruptCheckpoint,
		Message: "stored checkpoint cannot be decoded",
		Err:     err,
	}
}
