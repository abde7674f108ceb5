package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ksred/klear-payouts/internal/database/migrations"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	// sqliteParams make every transaction take the write lock up front and
	// wait for it instead of failing with "database is locked".
	sqliteParams = "_busy_timeout=5000&_txlock=immediate"
)

// NewDatabase opens the store, applies the connection limits of its driver
// and runs migrations
func NewDatabase(driver, dsn string) (*gorm.DB, error) {
	db, err := Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// Open connects without migrating
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "":
		dialector = sqlite.Open(SQLiteDSN(dsn))
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
		Logger: logger.New(gormWriter{}, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite || driver == "" {
		// One writer at a time; a second connection would only wait on the
		// file lock.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	return db, nil
}

// Migrate creates or updates every table the service uses
func Migrate(db *gorm.DB) error {
	if err := migrations.CreateLedgerTables(db); err != nil {
		return err
	}
	if err := migrations.CreateSettlementTables(db); err != nil {
		return err
	}
	return nil
}

// TxOptions returns the isolation a settlement build needs on driver. SQLite
// transactions are already serialized by the immediate write lock.
func TxOptions(driver string) *sql.TxOptions {
	if driver == DriverPostgres {
		return &sql.TxOptions{Isolation: sql.LevelRepeatableRead}
	}
	return nil
}

// SQLiteDSN appends the locking parameters to a file path or DSN
func SQLiteDSN(dsn string) string {
	if dsn == "" {
		dsn = "payouts.db"
	}
	if strings.Contains(dsn, "_txlock=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + sqliteParams
	}
	return dsn + "?" + sqliteParams
}

type gormWriter struct{}

func (gormWriter) Printf(format string, args ...interface{}) {
	log.Warn().Str("component", "gorm").Msgf(format, args...)
}
