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
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"    // used for building verify queries
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // used for building verify queries

	"github.com/acronis/go-uniqkit"
	"github.com/acronis/go-uniqkit/migrate"
)

// DefaultTableName is the name of the claims table used when no name is configured.
const DefaultTableName = "uniqueness_claims"

// DefaultLockPrefix is the namespace prefix distinguishing uniqueness claims of
// independent constraint domains sharing one claims table.
const DefaultLockPrefix = "_lock_"

const maxRowKeyLen = 255

// Store implements the uniqkit.Storage interface on top of a SQL database.
type Store struct {
	db         *sql.DB
	dialect    uniqkit.Dialect
	tableName  string
	lockPrefix string
	queries    dbQueries
	sel        goqu.DialectWrapper
}

// StoreOpts represents an options for Store.
type StoreOpts struct {
	TableName string

	// LockPrefix is the claim namespace used by RowLock.
	// RowLockWithOpts may still override it per row.
	LockPrefix string
}

// NewStore creates a new claims store over an already opened database connection.
func NewStore(dbConn *sql.DB, dialect uniqkit.Dialect) (*Store, error) {
	return NewStoreWithOpts(dbConn, dialect, StoreOpts{TableName: DefaultTableName})
}

// NewStoreFromConfig creates a new claims store configured by the parsed configuration
// (table name and lock prefix).
func NewStoreFromConfig(dbConn *sql.DB, dialect uniqkit.Dialect, cfg *uniqkit.Config) (*Store, error) {
	return NewStoreWithOpts(dbConn, dialect, StoreOpts{TableName: cfg.TableName, LockPrefix: cfg.LockPrefix})
}

// NewStoreWithOpts is a more configurable version of the NewStore.
func NewStoreWithOpts(dbConn *sql.DB, dialect uniqkit.Dialect, opts StoreOpts) (*Store, error) {
	if dbConn == nil {
		return nil, fmt.Errorf("db connection cannot be nil")
	}
	tableName := opts.TableName
	if tableName == "" {
		tableName = DefaultTableName
	}
	lockPrefix := opts.LockPrefix
	if lockPrefix == "" {
		lockPrefix = DefaultLockPrefix
	}
	queries, err := newDBQueries(dialect, tableName)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:         dbConn,
		dialect:    dialect,
		tableName:  tableName,
		lockPrefix: lockPrefix,
		queries:    queries,
		sel:        goqu.Dialect(goquDialectName(dialect)),
	}, nil
}

// Migrations returns set of migrations that must be applied before using the store.
func (s *Store) Migrations() []migrate.Migration {
	return []migrate.Migration{
		migrate.NewCustomMigration(
			createTableMigrationID,
			[]string{s.queries.createTable},
			[]string{s.queries.dropTable},
		),
	}
}

// NewMutationBatch implements the uniqkit.Storage interface. The returned batch
// collects SQL statements and executes them in one transaction whose isolation
// level approximates the requested consistency level.
func (s *Store) NewMutationBatch(level uniqkit.ConsistencyLevel) uniqkit.MutationBatch {
	return &Batch{store: s, level: level}
}

// RowLock returns a lock handle for the given row key with the store's claim prefix.
func (s *Store) RowLock(rowKey string) (uniqkit.RowLock, error) {
	return s.RowLockWithOpts(rowKey, RowLockOpts{Prefix: s.lockPrefix})
}

// RowLockOpts represents an options for RowLockWithOpts.
type RowLockOpts struct {
	Prefix string
}

// RowLockWithOpts returns a lock handle for the given row key.
func (s *Store) RowLockWithOpts(rowKey string, opts RowLockOpts) (uniqkit.RowLock, error) {
	if rowKey == "" {
		return nil, fmt.Errorf("row key cannot be empty")
	}
	if len(rowKey) > maxRowKeyLen {
		return nil, fmt.Errorf("row key cannot be longer than %d symbols", maxRowKeyLen)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = s.lockPrefix
	}
	return &rowLock{store: s, rowKey: rowKey, prefix: prefix}, nil
}

// PurgeExpired deletes expired probe claims and returns the number of deleted rows.
// The TTL makes expired probes harmless, the sweep only bounds table growth;
// run it periodically from a maintenance job.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.queries.purgeExpired, time.Now().UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("purge expired claims: %w", err)
	}
	return result.RowsAffected()
}

// Batch collects SQL statements and applies them atomically in one transaction.
type Batch struct {
	store *Store
	level uniqkit.ConsistencyLevel
	stmts []batchStmt
}

type batchStmt struct {
	query string
	args  []interface{}
}

// Append adds an arbitrary SQL statement to the batch. Commit-time mutation
// callbacks use it to attach caller writes that must land atomically with the
// uniqueness commit.
func (b *Batch) Append(query string, args ...interface{}) {
	b.stmts = append(b.stmts, batchStmt{query: query, args: args})
}

// Execute implements the uniqkit.MutationBatch interface.
func (b *Batch) Execute(ctx context.Context) error {
	txOpts := &sql.TxOptions{Isolation: txIsolationLevel(b.level)}
	return DoInTxWithOpts(ctx, b.store.db, txOpts, func(tx *sql.Tx) error {
		for _, stmt := range b.stmts {
			if _, err := tx.ExecContext(ctx, stmt.query, stmt.args...); err != nil {
				return err
			}
			// Canceled contexts may go unnoticed by some drivers (see lib/pq issue #874),
			// so the context is checked explicitly after each statement.
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		return nil
	})
}

// txIsolationLevel maps a replicated-store consistency level onto the closest
// transaction isolation level a single-master SQL database offers.
func txIsolationLevel(level uniqkit.ConsistencyLevel) sql.IsolationLevel {
	switch level {
	case uniqkit.ConsistencyAny:
		return sql.LevelReadUncommitted
	case uniqkit.ConsistencyAll:
		return sql.LevelSerializable
	default:
		return sql.LevelReadCommitted
	}
}

func goquDialectName(dialect uniqkit.Dialect) string {
	if dialect == uniqkit.DialectMySQL {
		return "mysql"
	}
	return "postgres"
}

type dbQueries struct {
	createTable        string
	dropTable          string
	upsertClaim        string
	commitClaim        string
	releaseClaim       string
	releaseUncommitted string
	purgeExpired       string
}

func newDBQueries(dialect uniqkit.Dialect, tableName string) (dbQueries, error) {
	switch dialect {
	case uniqkit.DialectPostgres, uniqkit.DialectPgx:
		return dbQueries{
			createTable:        fmt.Sprintf(postgresCreateTableQuery, tableName),
			dropTable:          fmt.Sprintf(postgresDropTableQuery, tableName),
			upsertClaim:        fmt.Sprintf(postgresUpsertClaimQuery, tableName),
			commitClaim:        fmt.Sprintf(postgresCommitClaimQuery, tableName),
			releaseClaim:       fmt.Sprintf(postgresReleaseClaimQuery, tableName),
			releaseUncommitted: fmt.Sprintf(postgresReleaseUncommittedQuery, tableName),
			purgeExpired:       fmt.Sprintf(postgresPurgeExpiredQuery, tableName),
		}, nil
	case uniqkit.DialectMySQL:
		return dbQueries{
			createTable:        fmt.Sprintf(mySQLCreateTableQuery, tableName),
			dropTable:          fmt.Sprintf(mySQLDropTableQuery, tableName),
			upsertClaim:        fmt.Sprintf(mySQLUpsertClaimQuery, tableName),
			commitClaim:        fmt.Sprintf(mySQLCommitClaimQuery, tableName),
			releaseClaim:       fmt.Sprintf(mySQLReleaseClaimQuery, tableName),
			releaseUncommitted: fmt.Sprintf(mySQLReleaseUncommittedQuery, tableName),
			purgeExpired:       fmt.Sprintf(mySQLPurgeExpiredQuery, tableName),
		}, nil
	default:
		return dbQueries{}, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
}

const createTableMigrationID = "uniqkit_00001_create_claims_table"

//nolint:lll
const (
	postgresCreateTableQuery        = `CREATE TABLE "%s" (lock_prefix varchar(36) NOT NULL, row_key varchar(255) NOT NULL, claim_token varchar(36) NOT NULL, write_ts bigint NOT NULL, expire_ts bigint, PRIMARY KEY (lock_prefix, row_key, claim_token));`
	postgresDropTableQuery          = `DROP TABLE IF EXISTS "%s";`
	postgresUpsertClaimQuery        = `INSERT INTO "%s" (lock_prefix, row_key, claim_token, write_ts, expire_ts) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (lock_prefix, row_key, claim_token) DO UPDATE SET write_ts = EXCLUDED.write_ts, expire_ts = EXCLUDED.expire_ts;`
	postgresCommitClaimQuery        = `UPDATE "%s" SET expire_ts = NULL WHERE lock_prefix = $1 AND row_key = $2 AND claim_token = $3;`
	postgresReleaseClaimQuery       = `DELETE FROM "%s" WHERE lock_prefix = $1 AND row_key = $2 AND claim_token = $3;`
	postgresReleaseUncommittedQuery = `DELETE FROM "%s" WHERE lock_prefix = $1 AND row_key = $2 AND claim_token = $3 AND expire_ts IS NOT NULL;`
	postgresPurgeExpiredQuery       = `DELETE FROM "%s" WHERE expire_ts IS NOT NULL AND expire_ts < $1;`
)

//nolint:lll
const (
	mySQLCreateTableQuery        = "CREATE TABLE `%s` (lock_prefix VARCHAR(36) NOT NULL, row_key VARCHAR(255) NOT NULL, claim_token VARCHAR(36) NOT NULL, write_ts BIGINT NOT NULL, expire_ts BIGINT, PRIMARY KEY (lock_prefix, row_key, claim_token));"
	mySQLDropTableQuery          = "DROP TABLE IF EXISTS `%s`;"
	mySQLUpsertClaimQuery        = "INSERT INTO `%s` (lock_prefix, row_key, claim_token, write_ts, expire_ts) VALUES (?, ?, ?, ?, ?) ON DUPLICATE KEY UPDATE write_ts = VALUES(write_ts), expire_ts = VALUES(expire_ts);"
	mySQLCommitClaimQuery        = "UPDATE `%s` SET expire_ts = NULL WHERE lock_prefix = ? AND row_key = ? AND claim_token = ?;"
	mySQLReleaseClaimQuery       = "DELETE FROM `%s` WHERE lock_prefix = ? AND row_key = ? AND claim_token = ?;"
	mySQLReleaseUncommittedQuery = "DELETE FROM `%s` WHERE lock_prefix = ? AND row_key = ? AND claim_token = ? AND expire_ts IS NOT NULL;"
	mySQLPurgeExpiredQuery       = "DELETE FROM `%s` WHERE expire_ts IS NOT NULL AND expire_ts < ?;"
)
