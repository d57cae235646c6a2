// Package db provides GORM-based persistence for the settlement node: the
// pending-interaction queue, settlement history, oracle state, purchases and
// purchase trackers.
package db

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/perknet/settlement-node/store"
)

const (
	// InMemoryDSN opens an ephemeral in-memory SQLite database.
	InMemoryDSN = ":memory:"

	dbDirPermissions = 0o750
)

var (
	// gormConfig disables the GORM statement logger; the node logs at the
	// worker level instead.
	gormConfig = &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	// schemaModels lists the structs auto-migrated on open.
	schemaModels = []any{
		&store.PendingInteraction{},
		&store.PushedInteraction{},
		&store.ProductOracle{},
		&store.Purchase{},
		&store.PurchaseItem{},
		&store.PurchaseTracker{},
	}
)

// DB wraps a GORM client and provides simplified lifecycle management.
type DB struct {
	client *gorm.DB
}

// Open opens the database described by dsn and migrates the schema.
// ":memory:" opens an ephemeral SQLite database, a "postgres://" URL selects
// the postgres driver, and anything else is treated as a SQLite file path.
func Open(dsn string) (*DB, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return openDialector(postgres.Open(dsn))
	}
	return openSQLite(dsn)
}

// OpenInMemory opens a non-persistent SQLite database. Used by tests.
func OpenInMemory() (*DB, error) {
	return openSQLite(InMemoryDSN)
}

func openSQLite(dsn string) (*DB, error) {
	if dsn != InMemoryDSN {
		if err := prepareFilePath(dsn); err != nil {
			return nil, errors.Wrap(err, "failed to prepare database path")
		}
		if !strings.Contains(dsn, "?") {
			// WAL and a busy timeout so concurrent worker transactions queue
			// instead of failing.
			dsn += "?_journal_mode=WAL&_busy_timeout=5000&mode=rwc"
		}
	}

	database, err := openDialector(sqlite.Open(dsn))
	if err != nil {
		return nil, err
	}
	sqlDB, err := database.client.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to access underlying sql.DB")
	}
	// SQLite performs best on a single connection in WAL mode, and an
	// in-memory database exists per connection.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	return database, nil
}

func openDialector(dialector gorm.Dialector) (*DB, error) {
	client, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if err := client.AutoMigrate(schemaModels...); err != nil {
		return nil, errors.Wrap(err, "failed to auto-migrate database schema")
	}
	return &DB{client: client}, nil
}

func prepareFilePath(dsn string) error {
	dir := filepath.Dir(dsn)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, dbDirPermissions)
}

// Client exposes the underlying GORM handle.
func (d *DB) Client() *gorm.DB {
	return d.client
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	sqlDB, err := d.client.DB()
	if err != nil {
		return errors.Wrap(err, "failed to access underlying sql.DB")
	}
	return sqlDB.Close()
}
