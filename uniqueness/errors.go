/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package uniqueness

import (
	"errors"
	"fmt"

	"github.com/acronis/go-uniqkit"
)

// ErrNotUnique is the condition reported when an attempt loses the uniqueness race.
// Use errors.Is(err, ErrNotUnique) to distinguish a lost race from a storage failure.
var ErrNotUnique = errors.New("uniqueness constraint violated")

// ErrNoRows is returned by Acquire when no rows were enrolled into the attempt.
var ErrNoRows = errors.New("uniqueness attempt has no rows")

// NotUniqueError is returned when verification of some row detects a competing claim.
// By the time the caller sees it, the attempt's probes have already been released.
// The underlying row-level cause (uniqkit.ErrRowBusy or uniqkit.ErrRowStale) is
// reachable through errors.Is/errors.As, but both mean the same final outcome.
type NotUniqueError struct {
	Token  uniqkit.ProbeToken
	RowKey string
	cause  error
}

// Error implements the error interface.
func (e *NotUniqueError) Error() string {
	return fmt.Sprintf("uniqueness constraint violated on row %q: %v", e.RowKey, e.cause)
}

// Unwrap returns the row-level verification failure.
func (e *NotUniqueError) Unwrap() error {
	return e.cause
}

// Is makes errors.Is(err, ErrNotUnique) work for NotUniqueError values.
func (e *NotUniqueError) Is(target error) bool {
	return target == ErrNotUnique
}
