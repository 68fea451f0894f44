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
	"github.com/acronis/go-appkit/retry"
	"github.com/cenkalti/backoff/v4"
)

// ConstraintFactory produces a fresh constraint for one attempt.
// A factory is needed because a Constraint is single-use and every
// retried attempt must carry its own probe token.
type ConstraintFactory func(ctx context.Context) (*Constraint, error)

// AcquireWithRetry runs uniqueness attempts produced by the factory until one
// commits, a non-retryable error occurs, or the policy gives up. Only storage
// failures classified as retryable by isRetryable are retried; a lost
// uniqueness race (ErrNotUnique) is a final answer and is never retried.
// It returns the constraint of the committed attempt.
func AcquireWithRetry(
	ctx context.Context,
	policy retry.Policy,
	isRetryable retry.IsRetryable,
	logger log.FieldLogger,
	factory ConstraintFactory,
) (*Constraint, error) {
	if factory == nil {
		return nil, fmt.Errorf("constraint factory cannot be nil")
	}

	var notify backoff.Notify
	if logger != nil {
		notify = func(err error, d time.Duration) {
			logger.Warn("retrying uniqueness attempt",
				log.Error(err), log.String("backoff_delay", d.String()))
		}
	}

	var acquired *Constraint
	err := retry.DoWithRetry(ctx, policy, retryableUnlessNotUnique(isRetryable), notify, func(ctx context.Context) error {
		c, err := factory(ctx)
		if err != nil {
			return fmt.Errorf("make constraint: %w", err)
		}
		if err := c.Acquire(ctx); err != nil {
			return err
		}
		acquired = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acquired, nil
}

func retryableUnlessNotUnique(isRetryable retry.IsRetryable) retry.IsRetryable {
	return func(err error) bool {
		if errors.Is(err, ErrNotUnique) {
			return false
		}
		if isRetryable == nil {
			return false
		}
		return isRetryable(err)
	}
}
