// Package pipeline drives raw listings through extraction, validation,
// deduplication and finalization to a terminal status.
package pipeline

import (
	"errors"

	"github.com/rotisserie/eris"
)

// Outcome classifies a stage call
type Outcome int

const (
	// Succeeded means the provider answered and the value is its result
	Succeeded Outcome = iota
	// Degraded means the stage fell back to its documented default
	Degraded
	// Failed means the stage could not produce a value at all
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Degraded:
		return "degraded"
	default:
		return "failed"
	}
}

// Result is the explicit return of a stage call
type Result[T any] struct {
	Value   T
	Outcome Outcome
	Err     error
}

func succeeded[T any](v T) Result[T] {
	return Result[T]{Value: v, Outcome: Succeeded}
}

func degraded[T any](v T, err error) Result[T] {
	return Result[T]{Value: v, Outcome: Degraded, Err: err}
}

func failed[T any](err error) Result[T] {
	return Result[T]{Outcome: Failed, Err: err}
}

// ErrStore marks durable store failures; they abort the batch
var ErrStore = eris.New("store failure")

type storeError struct {
	err error
}

func (e *storeError) Error() string        { return "store failure: " + e.err.Error() }
func (e *storeError) Unwrap() error        { return e.err }
func (e *storeError) Is(target error) bool { return target == ErrStore }

// storeFailure tags err so errors.Is(err, ErrStore) holds
func storeFailure(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &storeError{err: eris.Wrap(err, msg)}
}

// IsStoreFailure reports whether err aborts the batch
func IsStoreFailure(err error) bool {
	return errors.Is(err, ErrStore)
}
