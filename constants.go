/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package uniqkit

// ConsistencyLevel defines possible values for the consistency level
// that mutation batches are bound to.
// Storage backends that have no native notion of tunable consistency
// (for example single-master SQL databases) map these levels onto the
// closest primitive they do have.
type ConsistencyLevel string

// Consistency levels.
const (
	ConsistencyAny         ConsistencyLevel = "any"
	ConsistencyOne         ConsistencyLevel = "one"
	ConsistencyQuorum      ConsistencyLevel = "quorum"
	ConsistencyLocalQuorum ConsistencyLevel = "local-quorum"
	ConsistencyEachQuorum  ConsistencyLevel = "each-quorum"
	ConsistencyAll         ConsistencyLevel = "all"
)

// DefaultConsistencyLevel is used when no level is configured explicitly.
const DefaultConsistencyLevel = ConsistencyLocalQuorum

// Dialect defines possible values for supported SQL dialects of the sqlstore backend.
type Dialect string

// SQL dialects.
const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
	DialectPgx      Dialect = "pgx"
)

// PostgresErrCode defines the type for Postgres error codes.
type PostgresErrCode string

// Postgres error codes (will be filled gradually).
const (
	PgxErrCodeUniqueViolation      PostgresErrCode = "23505"
	PgxErrCodeDeadlockDetected     PostgresErrCode = "40P01"
	PgxErrCodeSerializationFailure PostgresErrCode = "40001"
	PgxErrFeatureNotSupported      PostgresErrCode = "0A000"

	// nolint: staticcheck // lib/pq using is deprecated. Use pgx Postgres driver.
	PostgresErrCodeUniqueViolation PostgresErrCode = "unique_violation"
	// nolint: staticcheck // lib/pq using is deprecated. Use pgx Postgres driver.
	PostgresErrCodeDeadlockDetected     PostgresErrCode = "deadlock_detected"
	PostgresErrCodeSerializationFailure PostgresErrCode = "serialization_failure"
)
