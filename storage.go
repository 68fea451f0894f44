/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package uniqkit

import (
	"context"
	"time"
)

// MutationBatch accumulates writes for multiple rows and applies all of them atomically.
// A batch is produced by a Storage, filled by RowLock implementations (and, at commit
// time, optionally by the caller) and executed exactly once.
type MutationBatch interface {
	// Execute applies all accumulated writes as one atomic operation.
	Execute(ctx context.Context) error
}

// Storage is the part of the storage client the uniqueness protocol needs:
// the ability to produce an atomic multi-row mutation batch bound to a consistency level.
type Storage interface {
	NewMutationBatch(level ConsistencyLevel) MutationBatch
}

// RowLock encapsulates the probe/verify/commit/release lifecycle of a single row's
// claim column. Implementations own the column encoding and the busy/stale detection;
// the uniqueness coordinator treats them as black boxes and only distributes the shared
// probe token and attempt timestamp.
//
// writeTime is the attempt timestamp in microseconds since the Unix epoch. All rows
// of one attempt receive the same value, it anchors the busy/stale comparison on verify.
type RowLock interface {
	// FillProbeMutation contributes the row's provisional (TTL-bounded) claim write
	// into the batch. Zero ttl means the probe does not expire.
	FillProbeMutation(b MutationBatch, token ProbeToken, writeTime int64, ttl time.Duration) error

	// Verify checks that the probe written at writeTime is the sole valid claim
	// on the row. It fails with an error wrapping ErrRowBusy if another still-valid
	// claim exists, and with an error wrapping ErrRowStale if the attempt's own
	// probe is gone or was superseded.
	Verify(ctx context.Context, token ProbeToken, writeTime int64) error

	// FillCommitMutation contributes the row's permanent (TTL-less) claim write
	// into the batch.
	FillCommitMutation(b MutationBatch, token ProbeToken) error

	// FillReleaseMutation contributes a non-destructive cleanup write clearing the
	// attempt's claim. It must be a no-op if the claim is already gone. If committed
	// is true, a previously committed permanent claim is left in place.
	FillReleaseMutation(b MutationBatch, token ProbeToken, committed bool) error

	// Key returns the row key, for diagnostics and logging only.
	Key() string
}
