/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package uniqueness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/acronis/go-appkit/log"

	"github.com/acronis/go-uniqkit"
)

// State represents the protocol state of one uniqueness attempt.
type State int

// Protocol states. StateCommitted and StateReleased are terminal.
const (
	StateIdle State = iota
	StateProbesWritten
	StateVerified
	StateCommitted
	StateRollingBack
	StateReleased
)

// String implements the fmt.Stringer interface.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbesWritten:
		return "probes-written"
	case StateVerified:
		return "verified"
	case StateCommitted:
		return "committed"
	case StateRollingBack:
		return "rolling-back"
	case StateReleased:
		return "released"
	}
	return fmt.Sprintf("unknown (%d)", int(s))
}

// MutationCallback is invoked with the commit batch right before it is executed.
// Writes appended to the batch land atomically with the uniqueness commit and are
// therefore visible only if the attempt succeeds. The concrete batch type is the
// one produced by the storage backend the constraint was built with.
type MutationCallback func(b uniqkit.MutationBatch) error

// Params holds the configuration of one uniqueness attempt.
// It is frozen when Acquire begins; mutating a Params value afterwards has no
// effect on the in-flight attempt.
type Params struct {
	// TTL bounds the lifetime of probe writes so that an attempt dying between
	// probe and commit cannot block the identity forever. Optional, seconds
	// resolution. Never applied to committed claims.
	TTL time.Duration

	// ConsistencyLevel is the level every mutation batch of the attempt is bound to.
	// Default is uniqkit.DefaultConsistencyLevel.
	ConsistencyLevel uniqkit.ConsistencyLevel

	// Token overrides the autogenerated probe token.
	Token uniqkit.ProbeToken

	// Logger is used for reporting best-effort cleanup failures.
	Logger log.FieldLogger

	// MetricsCollector, when set, receives phase durations and attempt outcomes.
	MetricsCollector *uniqkit.MetricsCollector
}

// NewParams creates attempt parameters from the parsed configuration.
// Token, Logger and MetricsCollector have no configuration counterparts and are
// left for the caller to fill in.
func NewParams(cfg *uniqkit.Config) Params {
	return Params{
		TTL:              cfg.TTL,
		ConsistencyLevel: cfg.ConsistencyLevel,
	}
}

// Constraint checks that no other writer is concurrently claiming the same
// identity across the enrolled rows. A Constraint is single-use: one successful
// or failed Acquire consumes it, though Release may still be called afterwards.
// It must not be used concurrently from multiple goroutines.
type Constraint struct {
	storage uniqkit.Storage
	rows    []uniqkit.RowLock
	ttl     time.Duration
	level   uniqkit.ConsistencyLevel
	token   uniqkit.ProbeToken
	logger  log.FieldLogger
	mc      *uniqkit.MetricsCollector

	state     State
	writeTime int64
}

// NewConstraint creates a constraint over the given rows. More rows may be
// enrolled with AddRow until Acquire is called. At least one row must be
// enrolled by then.
func NewConstraint(storage uniqkit.Storage, params Params, rows ...uniqkit.RowLock) (*Constraint, error) {
	if storage == nil {
		return nil, fmt.Errorf("storage cannot be nil")
	}
	if params.TTL < 0 {
		return nil, fmt.Errorf("ttl cannot be negative")
	}
	if params.TTL%time.Second != 0 {
		return nil, fmt.Errorf("ttl must have seconds resolution")
	}

	level := params.ConsistencyLevel
	if level == "" {
		level = uniqkit.DefaultConsistencyLevel
	}
	token := params.Token
	if token.IsZero() {
		var err error
		if token, err = uniqkit.NewProbeToken(); err != nil {
			return nil, err
		}
	}
	logger := params.Logger
	if logger == nil {
		logger = log.NewDisabledLogger()
	}

	c := &Constraint{
		storage: storage,
		ttl:     params.TTL,
		level:   level,
		token:   token,
		logger:  logger,
		mc:      params.MetricsCollector,
		state:   StateIdle,
	}
	for _, row := range rows {
		if err := c.AddRow(row); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// AddRow enrolls one more row into the attempt. The enrollment order is
// preserved: it becomes the verification order and thereby determines which row
// a lost race is reported for. Fails once the attempt has started.
func (c *Constraint) AddRow(row uniqkit.RowLock) error {
	if c.state != StateIdle {
		return fmt.Errorf("cannot add row in state %q", c.state)
	}
	if row == nil {
		return fmt.Errorf("row cannot be nil")
	}
	c.rows = append(c.rows, row)
	return nil
}

// Token returns the probe token shared by all rows of the attempt.
func (c *Constraint) Token() uniqkit.ProbeToken {
	return c.token
}

// State returns the current protocol state, for diagnostics.
func (c *Constraint) State() State {
	return c.state
}

// Acquire runs the uniqueness attempt without extra commit-time writes.
func (c *Constraint) Acquire(ctx context.Context) error {
	return c.AcquireAndApplyMutation(ctx, nil)
}

// AcquireAndApplyMutation runs the uniqueness attempt. It writes TTL-bounded
// probe columns to all rows in one atomic batch, verifies each row in enrollment
// order, and commits the claims permanently in a second atomic batch. The
// optional callback may append arbitrary writes to the commit batch; they become
// visible if and only if the attempt succeeds.
//
// A lost race is reported as NotUniqueError after the attempt's probes have been
// released. A storage failure during probe write is returned as is without
// cleanup (the batch either landed completely or not at all, and the TTL bounds
// the leftovers of a partial failure inside the storage layer). A storage
// failure after the probes are written triggers a best-effort release before the
// original error is returned.
func (c *Constraint) AcquireAndApplyMutation(ctx context.Context, callback MutationCallback) (err error) {
	if c.state != StateIdle {
		return fmt.Errorf("cannot acquire in state %q", c.state)
	}
	if len(c.rows) == 0 {
		return ErrNoRows
	}

	defer func() {
		if c.mc == nil {
			return
		}
		switch {
		case err == nil:
			c.mc.CountAttempt(uniqkit.MetricsOutcomeCommitted)
		case errors.Is(err, ErrNotUnique):
			c.mc.CountAttempt(uniqkit.MetricsOutcomeNotUnique)
		default:
			c.mc.CountAttempt(uniqkit.MetricsOutcomeStorageError)
		}
	}()

	// The shared timestamp is the ordering anchor of the whole attempt:
	// every row's busy/stale comparison is made against it.
	c.writeTime = time.Now().UnixMicro()

	if err = c.writeProbes(ctx); err != nil {
		return err
	}
	c.state = StateProbesWritten

	if err = c.verifyRows(ctx); err != nil {
		c.rollback(ctx)
		return err
	}
	c.state = StateVerified

	if err = c.commit(ctx, callback); err != nil {
		c.rollback(ctx)
		return err
	}
	c.state = StateCommitted
	return nil
}

// Release clears the attempt's claims from all rows with one best-effort atomic
// batch. It is idempotent: releasing an attempt that never wrote probes, or one
// that was already released, does not corrupt row state. Releasing a committed
// attempt keeps the permanent claims in place.
func (c *Constraint) Release(ctx context.Context) error {
	if err := c.executeRelease(ctx, c.state == StateCommitted); err != nil {
		return err
	}
	if c.state != StateCommitted {
		c.state = StateReleased
	}
	return nil
}

func (c *Constraint) writeProbes(ctx context.Context) error {
	start := time.Now()
	defer c.observePhase(uniqkit.MetricsPhaseProbe, start)

	b := c.storage.NewMutationBatch(c.level)
	for _, row := range c.rows {
		if err := row.FillProbeMutation(b, c.token, c.writeTime, c.ttl); err != nil {
			return fmt.Errorf("fill probe mutation for row %q: %w", row.Key(), err)
		}
	}
	if err := b.Execute(ctx); err != nil {
		return fmt.Errorf("write probes: %w", err)
	}
	return nil
}

// verifyRows checks participants strictly in enrollment order and stops at the
// first failure, so the cost of a conflict is paid on the first conflicting row.
func (c *Constraint) verifyRows(ctx context.Context) error {
	start := time.Now()
	defer c.observePhase(uniqkit.MetricsPhaseVerify, start)

	for _, row := range c.rows {
		if err := row.Verify(ctx, c.token, c.writeTime); err != nil {
			if errors.Is(err, uniqkit.ErrRowBusy) || errors.Is(err, uniqkit.ErrRowStale) {
				return &NotUniqueError{Token: c.token, RowKey: row.Key(), cause: err}
			}
			return fmt.Errorf("verify row %q: %w", row.Key(), err)
		}
	}
	return nil
}

func (c *Constraint) commit(ctx context.Context, callback MutationCallback) error {
	start := time.Now()
	defer c.observePhase(uniqkit.MetricsPhaseCommit, start)

	b := c.storage.NewMutationBatch(c.level)
	for _, row := range c.rows {
		if err := row.FillCommitMutation(b, c.token); err != nil {
			return fmt.Errorf("fill commit mutation for row %q: %w", row.Key(), err)
		}
	}
	if callback != nil {
		if err := callback(b); err != nil {
			return fmt.Errorf("apply commit mutation callback: %w", err)
		}
	}
	if err := b.Execute(ctx); err != nil {
		return fmt.Errorf("commit claims: %w", err)
	}
	return nil
}

// rollback releases the probes written by the failed attempt. A failure of the
// cleanup write itself is logged and swallowed so that it never masks the error
// that triggered the rollback; the probe TTL covers whatever the cleanup missed.
func (c *Constraint) rollback(ctx context.Context) {
	c.state = StateRollingBack
	if err := c.executeRelease(ctx, false); err != nil {
		c.logger.Error("failed to release probes of failed uniqueness attempt",
			log.String("probe_token", c.token.String()), log.Error(err))
		return
	}
	c.state = StateReleased
}

func (c *Constraint) executeRelease(ctx context.Context, committed bool) error {
	start := time.Now()
	defer c.observePhase(uniqkit.MetricsPhaseRelease, start)

	b := c.storage.NewMutationBatch(c.level)
	for _, row := range c.rows {
		if err := row.FillReleaseMutation(b, c.token, committed); err != nil {
			return fmt.Errorf("fill release mutation for row %q: %w", row.Key(), err)
		}
	}
	if err := b.Execute(ctx); err != nil {
		return fmt.Errorf("release claims: %w", err)
	}
	return nil
}

func (c *Constraint) observePhase(phase string, start time.Time) {
	if c.mc != nil {
		c.mc.ObservePhaseDuration(phase, time.Since(start))
	}
}
