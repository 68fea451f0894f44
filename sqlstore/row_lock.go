/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/acronis/go-uniqkit"
)

// rowLock implements the uniqkit.RowLock contract for one row of the claims table.
// It is stateless with regard to the attempt: the token and timestamp always come
// from the coordinator, so one handle may serve repeated attempts on the same row.
type rowLock struct {
	store  *Store
	rowKey string
	prefix string
}

// Key implements the uniqkit.RowLock interface.
func (l *rowLock) Key() string {
	return l.rowKey
}

func (l *rowLock) batchOf(b uniqkit.MutationBatch) (*Batch, error) {
	sb, ok := b.(*Batch)
	if !ok || sb.store != l.store {
		return nil, fmt.Errorf("mutation batch was not produced by this store")
	}
	return sb, nil
}

// FillProbeMutation implements the uniqkit.RowLock interface.
func (l *rowLock) FillProbeMutation(
	b uniqkit.MutationBatch, token uniqkit.ProbeToken, writeTime int64, ttl time.Duration,
) error {
	sb, err := l.batchOf(b)
	if err != nil {
		return err
	}
	var expireTS interface{}
	if ttl > 0 {
		expireTS = writeTime + ttl.Microseconds()
	}
	sb.Append(l.store.queries.upsertClaim, l.prefix, l.rowKey, token.String(), writeTime, expireTS)
	return nil
}

// Verify implements the uniqkit.RowLock interface. It reads back every claim of
// the row and checks that the probe written at writeTime is the sole valid one:
// a foreign claim that is committed or not yet expired fails the check with
// uniqkit.ErrRowBusy, a missing or rewritten own probe fails it with
// uniqkit.ErrRowStale.
func (l *rowLock) Verify(ctx context.Context, token uniqkit.ProbeToken, writeTime int64) error {
	query, args, err := l.store.sel.From(l.store.tableName).
		Prepared(true).
		Select("claim_token", "write_ts", "expire_ts").
		Where(goqu.Ex{"lock_prefix": l.prefix, "row_key": l.rowKey}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build verify query: %w", err)
	}

	rows, err := l.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("read claims of row %q: %w", l.rowKey, err)
	}
	defer func() { _ = rows.Close() }()

	nowUS := time.Now().UnixMicro()
	ownSeen := false
	for rows.Next() {
		var claimToken string
		var writeTS int64
		var expireTS sql.NullInt64
		if err = rows.Scan(&claimToken, &writeTS, &expireTS); err != nil {
			return fmt.Errorf("scan claim of row %q: %w", l.rowKey, err)
		}
		if claimToken == token.String() {
			if writeTS != writeTime {
				return fmt.Errorf("row %q: probe %s was rewritten at %d: %w",
					l.rowKey, token, writeTS, uniqkit.ErrRowStale)
			}
			ownSeen = true
			continue
		}
		if !expireTS.Valid || expireTS.Int64 > nowUS {
			return fmt.Errorf("row %q: claim %s is still valid: %w", l.rowKey, claimToken, uniqkit.ErrRowBusy)
		}
	}
	if err = rows.Err(); err != nil {
		return fmt.Errorf("read claims of row %q: %w", l.rowKey, err)
	}
	if !ownSeen {
		return fmt.Errorf("row %q: probe %s written at %d is gone: %w",
			l.rowKey, token, writeTime, uniqkit.ErrRowStale)
	}
	return nil
}

// FillCommitMutation implements the uniqkit.RowLock interface.
// Commit drops the expiration deadline of the verified probe, making the claim permanent.
func (l *rowLock) FillCommitMutation(b uniqkit.MutationBatch, token uniqkit.ProbeToken) error {
	sb, err := l.batchOf(b)
	if err != nil {
		return err
	}
	sb.Append(l.store.queries.commitClaim, l.prefix, l.rowKey, token.String())
	return nil
}

// FillReleaseMutation implements the uniqkit.RowLock interface.
// The delete matches nothing if the claim is already gone, which is what makes
// release idempotent. With committed=true only a still-provisional claim is
// removed, a permanent one survives.
func (l *rowLock) FillReleaseMutation(b uniqkit.MutationBatch, token uniqkit.ProbeToken, committed bool) error {
	sb, err := l.batchOf(b)
	if err != nil {
		return err
	}
	query := l.store.queries.releaseClaim
	if committed {
		query = l.store.queries.releaseUncommitted
	}
	sb.Append(query, l.prefix, l.rowKey, token.String())
	return nil
}
