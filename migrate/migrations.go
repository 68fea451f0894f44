/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package migrate provides functionality for applying database migrations.
package migrate

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/acronis/go-appkit/log"
	migrate "github.com/rubenv/sql-migrate"

	"github.com/acronis/go-uniqkit"
)

// MigrationsTableName contains name of table in a database that stores applied migrations.
const MigrationsTableName = "migrations"

// MigrationsDirection defines possible values for direction of database migrations.
type MigrationsDirection string

// Directions of database migrations.
const (
	MigrationsDirectionUp   MigrationsDirection = "up"
	MigrationsDirectionDown MigrationsDirection = "down"
)

// MigrationsNoLimit contains a special value that will not limit the number of migrations to apply.
const MigrationsNoLimit = 0

// Migration is an interface for all database migrations.
type Migration interface {
	ID() string
	UpSQL() []string
	DownSQL() []string
}

// CustomMigration represents simplified but customizable migration
type CustomMigration struct {
	id      string
	upSQL   []string
	downSQL []string
}

// NewCustomMigration creates simplified but customizable migration.
func NewCustomMigration(id string, upSQL, downSQL []string) *CustomMigration {
	return &CustomMigration{id: id, upSQL: upSQL, downSQL: downSQL}
}

// ID returns migration identifier.
func (m *CustomMigration) ID() string {
	return m.id
}

// UpSQL returns a slice of SQL statements that will be executed during applying the migration.
func (m *CustomMigration) UpSQL() []string {
	return m.upSQL
}

// DownSQL returns a slice of SQL statements that will be executed during rolling back the migration.
func (m *CustomMigration) DownSQL() []string {
	return m.downSQL
}

// MigrationsManager is an object for running migrations.
type MigrationsManager struct {
	db      *sql.DB
	Dialect uniqkit.Dialect
	migSet  migrate.MigrationSet
	logger  log.FieldLogger
}

// MigrationsManagerOpts holds the Migration Manager options to be used in NewMigrationsManagerWithOpts
type MigrationsManagerOpts struct {
	TableName string
}

// NewMigrationsManager creates a new MigrationsManager.
func NewMigrationsManager(dbConn *sql.DB, dialect uniqkit.Dialect, logger log.FieldLogger) (*MigrationsManager, error) {
	return NewMigrationsManagerWithOpts(dbConn, dialect, logger, MigrationsManagerOpts{TableName: MigrationsTableName})
}

// NewMigrationsManagerWithOpts creates a new MigrationsManager with custom options
func NewMigrationsManagerWithOpts(
	dbConn *sql.DB,
	dialect uniqkit.Dialect,
	logger log.FieldLogger,
	opts MigrationsManagerOpts,
) (*MigrationsManager, error) {
	tableName := opts.TableName
	if tableName == "" {
		tableName = MigrationsTableName
	}
	migSet := migrate.MigrationSet{TableName: tableName}
	return &MigrationsManager{dbConn, normalizeDialect(dialect), migSet, logger}, nil
}

// TODO: normalizeDialect sets standard lib/pq driver for pgx dialect because pgx isn't supported by sql-migrate yet.
func normalizeDialect(dialect uniqkit.Dialect) uniqkit.Dialect {
	if dialect == uniqkit.DialectPgx {
		return uniqkit.DialectPostgres
	}
	return dialect
}

// Run runs all passed migrations.
func (mm *MigrationsManager) Run(migrations []Migration, direction MigrationsDirection) error {
	return mm.RunLimit(migrations, direction, MigrationsNoLimit)
}

func convertMigration(m Migration) (*migrate.Migration, error) {
	if len(m.UpSQL()) == 0 {
		return nil, fmt.Errorf("migration %s should implement UpSQL", m.ID())
	}
	return &migrate.Migration{
		Id:   m.ID(),
		Up:   m.UpSQL(),
		Down: m.DownSQL(),
	}, nil
}

// RunLimit runs at most `limit` migrations. Pass 0 (or MigrationsNoLimit const) for no limit (or use Run).
func (mm *MigrationsManager) RunLimit(migrations []Migration, direction MigrationsDirection, limit int) error {
	convertedMigrationList := make([]*migrate.Migration, 0, len(migrations))
	for i, m := range migrations {
		if m.ID() == "" {
			return fmt.Errorf("migration #%d has empty ID", i+1)
		}

		convertedMigration, err := convertMigration(m)
		if err != nil {
			return err
		}
		convertedMigrationList = append(convertedMigrationList, convertedMigration)
	}

	source := &migrate.MemoryMigrationSource{Migrations: convertedMigrationList}

	var dir migrate.MigrationDirection
	switch direction {
	case MigrationsDirectionUp:
		dir = migrate.Up
	case MigrationsDirectionDown:
		dir = migrate.Down
	default:
		return fmt.Errorf("unknown direction %q", direction)
	}

	n, err := mm.migSet.ExecMax(mm.db, string(mm.Dialect), source, dir, limit)

	logger := mm.logger.With(log.String("direction", string(direction)), log.Int("applied", n))
	if err != nil {
		logger.Error("db migration failed", log.Error(err))
		return err
	}
	logger.Info("db migration succeeded")
	return nil
}

// Status returns the current migration status.
func (mm *MigrationsManager) Status() (MigrationStatus, error) {
	var migStatus MigrationStatus

	appliedMigRecords, err := mm.migSet.GetMigrationRecords(mm.db, string(mm.Dialect))
	if err != nil {
		return migStatus, fmt.Errorf("get applied migrations: %w", err)
	}
	migStatus.AppliedMigrations = make([]AppliedMigration, 0, len(appliedMigRecords))
	for _, migRec := range appliedMigRecords {
		migStatus.AppliedMigrations = append(migStatus.AppliedMigrations, AppliedMigration{ID: migRec.Id, AppliedAt: migRec.AppliedAt})
	}

	return migStatus, nil
}

// AppliedMigration represent a single already applied migration.
type AppliedMigration struct {
	ID        string
	AppliedAt time.Time
}

// MigrationStatus is the migration status.
type MigrationStatus struct {
	AppliedMigrations []AppliedMigration
}

// LastAppliedMigration returns last applied migration if it exists.
func (ms *MigrationStatus) LastAppliedMigration() (appliedMig AppliedMigration, exist bool) {
	if len(ms.AppliedMigrations) == 0 {
		return AppliedMigration{}, false
	}
	return ms.AppliedMigrations[len(ms.AppliedMigrations)-1], true
}
