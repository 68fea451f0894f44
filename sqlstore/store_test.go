/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package sqlstore

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/acronis/go-appkit/config"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-uniqkit"
)

func newMockedStore(t *testing.T, dialect uniqkit.Dialect) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		mock.ExpectClose()
		require.NoError(t, db.Close())
		require.NoError(t, mock.ExpectationsWereMet())
	})
	store, err := NewStore(db, dialect)
	require.NoError(t, err)
	return store, mock
}

func TestNewStore(t *testing.T) {
	t.Run("nil connection", func(t *testing.T) {
		_, err := NewStore(nil, uniqkit.DialectPostgres)
		require.EqualError(t, err, "db connection cannot be nil")
	})

	t.Run("unsupported dialect", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer func() { require.NoError(t, db.Close()) }()
		mock.ExpectClose()
		_, err = NewStore(db, "oracle")
		require.EqualError(t, err, `unsupported sql dialect "oracle"`)
	})

	t.Run("custom table name", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer func() { require.NoError(t, db.Close()) }()
		mock.ExpectClose()
		store, err := NewStoreWithOpts(db, uniqkit.DialectPostgres, StoreOpts{TableName: "email_claims"})
		require.NoError(t, err)
		require.Contains(t, store.queries.upsertClaim, `"email_claims"`)
	})
}

func TestNewStoreFromConfig(t *testing.T) {
	cfgData := bytes.NewBufferString(`
uniqueness:
  tableName: email_claims
  lockPrefix: emails_
`)
	cfg := uniqkit.NewConfig()
	require.NoError(t, config.NewDefaultLoader("").LoadFromReader(cfgData, config.DataTypeYAML, cfg))

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()
	mock.ExpectClose()

	store, err := NewStoreFromConfig(db, uniqkit.DialectPostgres, cfg)
	require.NoError(t, err)
	require.Contains(t, store.queries.upsertClaim, `"email_claims"`)

	// The configured prefix becomes the store's default claim namespace.
	lock, err := store.RowLock("user@example.com")
	require.NoError(t, err)
	require.Equal(t, "emails_", lock.(*rowLock).prefix)

	// An explicit per-row prefix still wins.
	lock, err = store.RowLockWithOpts("user@example.com", RowLockOpts{Prefix: "logins_"})
	require.NoError(t, err)
	require.Equal(t, "logins_", lock.(*rowLock).prefix)
}

func TestStore_RowLock(t *testing.T) {
	store, _ := newMockedStore(t, uniqkit.DialectPostgres)

	t.Run("empty row key", func(t *testing.T) {
		_, err := store.RowLock("")
		require.EqualError(t, err, "row key cannot be empty")
	})

	t.Run("too long row key", func(t *testing.T) {
		_, err := store.RowLock(strings.Repeat("a", maxRowKeyLen+1))
		require.EqualError(t, err, "row key cannot be longer than 255 symbols")
	})

	t.Run("default prefix", func(t *testing.T) {
		lock, err := store.RowLock("user@example.com")
		require.NoError(t, err)
		require.Equal(t, "user@example.com", lock.Key())
		require.Equal(t, DefaultLockPrefix, lock.(*rowLock).prefix)
	})

	t.Run("custom prefix", func(t *testing.T) {
		lock, err := store.RowLockWithOpts("user@example.com", RowLockOpts{Prefix: "emails_"})
		require.NoError(t, err)
		require.Equal(t, "emails_", lock.(*rowLock).prefix)
	})
}

func TestStore_Migrations(t *testing.T) {
	store, _ := newMockedStore(t, uniqkit.DialectPostgres)
	migrations := store.Migrations()
	require.Len(t, migrations, 1)
	require.Equal(t, "uniqkit_00001_create_claims_table", migrations[0].ID())
	require.Len(t, migrations[0].UpSQL(), 1)
	require.Contains(t, migrations[0].UpSQL()[0], `CREATE TABLE "uniqueness_claims"`)
	require.Len(t, migrations[0].DownSQL(), 1)
}

func TestBatch_Execute(t *testing.T) {
	ctx := context.Background()
	token := uniqkit.MustNewProbeToken()
	writeTime := time.Now().UnixMicro()

	t.Run("probe statements run in one transaction", func(t *testing.T) {
		store, mock := newMockedStore(t, uniqkit.DialectPostgres)
		lockA, err := store.RowLock("row-a")
		require.NoError(t, err)
		lockB, err := store.RowLock("row-b")
		require.NoError(t, err)

		b := store.NewMutationBatch(uniqkit.DefaultConsistencyLevel)
		require.NoError(t, lockA.FillProbeMutation(b, token, writeTime, 30*time.Second))
		require.NoError(t, lockB.FillProbeMutation(b, token, writeTime, 0))

		expireTS := writeTime + (30 * time.Second).Microseconds()
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(store.queries.upsertClaim)).
			WithArgs(DefaultLockPrefix, "row-a", token.String(), writeTime, expireTS).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(store.queries.upsertClaim)).
			WithArgs(DefaultLockPrefix, "row-b", token.String(), writeTime, nil).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, b.Execute(ctx))
	})

	t.Run("statement failure rolls the transaction back", func(t *testing.T) {
		store, mock := newMockedStore(t, uniqkit.DialectPostgres)
		lock, err := store.RowLock("row-a")
		require.NoError(t, err)

		b := store.NewMutationBatch(uniqkit.DefaultConsistencyLevel)
		require.NoError(t, lock.FillCommitMutation(b, token))

		execErr := fmt.Errorf("exec error")
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(store.queries.commitClaim)).
			WithArgs(DefaultLockPrefix, "row-a", token.String()).
			WillReturnError(execErr)
		mock.ExpectRollback()

		require.ErrorIs(t, b.Execute(ctx), execErr)
	})

	t.Run("appended caller statements run in the same transaction", func(t *testing.T) {
		store, mock := newMockedStore(t, uniqkit.DialectPostgres)
		lock, err := store.RowLock("row-a")
		require.NoError(t, err)

		b := store.NewMutationBatch(uniqkit.DefaultConsistencyLevel)
		require.NoError(t, lock.FillCommitMutation(b, token))
		b.(*Batch).Append(`INSERT INTO users (email) VALUES ($1)`, "user@example.com")

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(store.queries.commitClaim)).
			WithArgs(DefaultLockPrefix, "row-a", token.String()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO users (email) VALUES ($1)`)).
			WithArgs("user@example.com").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		require.NoError(t, b.Execute(ctx))
	})

	t.Run("foreign batch is rejected", func(t *testing.T) {
		store, _ := newMockedStore(t, uniqkit.DialectPostgres)
		otherStore, _ := newMockedStore(t, uniqkit.DialectPostgres)
		lock, err := store.RowLock("row-a")
		require.NoError(t, err)

		b := otherStore.NewMutationBatch(uniqkit.DefaultConsistencyLevel)
		err = lock.FillProbeMutation(b, token, writeTime, 0)
		require.EqualError(t, err, "mutation batch was not produced by this store")
	})
}

func TestRowLock_Verify(t *testing.T) {
	ctx := context.Background()
	verifyQueryRE := `SELECT (.+) FROM "uniqueness_claims"`
	claimColumns := []string{"claim_token", "write_ts", "expire_ts"}

	newLock := func(t *testing.T) (uniqkit.RowLock, sqlmock.Sqlmock) {
		t.Helper()
		store, mock := newMockedStore(t, uniqkit.DialectPostgres)
		lock, err := store.RowLock("row-a")
		require.NoError(t, err)
		return lock, mock
	}

	token := uniqkit.MustNewProbeToken()
	foreignToken := uniqkit.MustNewProbeToken()
	writeTime := time.Now().UnixMicro()

	t.Run("own probe alone verifies", func(t *testing.T) {
		lock, mock := newLock(t)
		mock.ExpectQuery(verifyQueryRE).
			WithArgs(DefaultLockPrefix, "row-a").
			WillReturnRows(sqlmock.NewRows(claimColumns).AddRow(token.String(), writeTime, writeTime+1000000))
		require.NoError(t, lock.Verify(ctx, token, writeTime))
	})

	t.Run("expired foreign claim is ignored", func(t *testing.T) {
		lock, mock := newLock(t)
		mock.ExpectQuery(verifyQueryRE).
			WithArgs(DefaultLockPrefix, "row-a").
			WillReturnRows(sqlmock.NewRows(claimColumns).
				AddRow(foreignToken.String(), writeTime-2000000, writeTime-1000000).
				AddRow(token.String(), writeTime, writeTime+30000000))
		require.NoError(t, lock.Verify(ctx, token, writeTime))
	})

	t.Run("unexpired foreign claim is busy", func(t *testing.T) {
		lock, mock := newLock(t)
		mock.ExpectQuery(verifyQueryRE).
			WithArgs(DefaultLockPrefix, "row-a").
			WillReturnRows(sqlmock.NewRows(claimColumns).
				AddRow(foreignToken.String(), writeTime-1, time.Now().Add(time.Hour).UnixMicro()).
				AddRow(token.String(), writeTime, writeTime+30000000))
		require.ErrorIs(t, lock.Verify(ctx, token, writeTime), uniqkit.ErrRowBusy)
	})

	t.Run("committed foreign claim is busy", func(t *testing.T) {
		lock, mock := newLock(t)
		mock.ExpectQuery(verifyQueryRE).
			WithArgs(DefaultLockPrefix, "row-a").
			WillReturnRows(sqlmock.NewRows(claimColumns).
				AddRow(foreignToken.String(), writeTime-1, nil).
				AddRow(token.String(), writeTime, writeTime+30000000))
		require.ErrorIs(t, lock.Verify(ctx, token, writeTime), uniqkit.ErrRowBusy)
	})

	t.Run("missing own probe is stale", func(t *testing.T) {
		lock, mock := newLock(t)
		mock.ExpectQuery(verifyQueryRE).
			WithArgs(DefaultLockPrefix, "row-a").
			WillReturnRows(sqlmock.NewRows(claimColumns))
		require.ErrorIs(t, lock.Verify(ctx, token, writeTime), uniqkit.ErrRowStale)
	})

	t.Run("rewritten own probe is stale", func(t *testing.T) {
		lock, mock := newLock(t)
		mock.ExpectQuery(verifyQueryRE).
			WithArgs(DefaultLockPrefix, "row-a").
			WillReturnRows(sqlmock.NewRows(claimColumns).AddRow(token.String(), writeTime+5, writeTime+30000000))
		require.ErrorIs(t, lock.Verify(ctx, token, writeTime), uniqkit.ErrRowStale)
	})

	t.Run("query error is propagated unclassified", func(t *testing.T) {
		lock, mock := newLock(t)
		queryErr := fmt.Errorf("connection reset")
		mock.ExpectQuery(verifyQueryRE).
			WithArgs(DefaultLockPrefix, "row-a").
			WillReturnError(queryErr)
		err := lock.Verify(ctx, token, writeTime)
		require.ErrorIs(t, err, queryErr)
		require.NotErrorIs(t, err, uniqkit.ErrRowBusy)
		require.NotErrorIs(t, err, uniqkit.ErrRowStale)
	})
}

func TestRowLock_FillReleaseMutation(t *testing.T) {
	ctx := context.Background()
	token := uniqkit.MustNewProbeToken()

	t.Run("uncommitted release deletes the claim unconditionally", func(t *testing.T) {
		store, mock := newMockedStore(t, uniqkit.DialectPostgres)
		lock, err := store.RowLock("row-a")
		require.NoError(t, err)

		b := store.NewMutationBatch(uniqkit.DefaultConsistencyLevel)
		require.NoError(t, lock.FillReleaseMutation(b, token, false))

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(store.queries.releaseClaim)).
			WithArgs(DefaultLockPrefix, "row-a", token.String()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		require.NoError(t, b.Execute(ctx))
	})

	t.Run("committed release keeps the permanent claim", func(t *testing.T) {
		store, mock := newMockedStore(t, uniqkit.DialectPostgres)
		lock, err := store.RowLock("row-a")
		require.NoError(t, err)

		b := store.NewMutationBatch(uniqkit.DefaultConsistencyLevel)
		require.NoError(t, lock.FillReleaseMutation(b, token, true))

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(store.queries.releaseUncommitted)).
			WithArgs(DefaultLockPrefix, "row-a", token.String()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()
		require.NoError(t, b.Execute(ctx))
	})
}

func TestStore_PurgeExpired(t *testing.T) {
	store, mock := newMockedStore(t, uniqkit.DialectPostgres)
	mock.ExpectExec(regexp.QuoteMeta(store.queries.purgeExpired)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := store.PurgeExpired(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestTxIsolationLevel(t *testing.T) {
	require.Equal(t, sql.LevelReadUncommitted, txIsolationLevel(uniqkit.ConsistencyAny))
	require.Equal(t, sql.LevelSerializable, txIsolationLevel(uniqkit.ConsistencyAll))
	require.Equal(t, sql.LevelReadCommitted, txIsolationLevel(uniqkit.ConsistencyOne))
	require.Equal(t, sql.LevelReadCommitted, txIsolationLevel(uniqkit.ConsistencyQuorum))
	require.Equal(t, sql.LevelReadCommitted, txIsolationLevel(uniqkit.DefaultConsistencyLevel))
}

func TestMySQLQueries(t *testing.T) {
	store, _ := newMockedStore(t, uniqkit.DialectMySQL)
	require.Contains(t, store.queries.upsertClaim, "ON DUPLICATE KEY UPDATE")
	require.Contains(t, store.queries.upsertClaim, "`uniqueness_claims`")
	require.NotContains(t, store.queries.upsertClaim, "$1")
}
