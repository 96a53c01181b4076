// Package store provides the durable, append-only transaction log for the
// smartpantry inventory ledger. SQLite is the default backend; PostgreSQL is
// supported for shared deployments.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/ayusman/smartpantry/internal/logging"
)

// Driver names a supported database backend.
type Driver string

const (
	// SQLite is the embedded default backend (modernc.org/sqlite).
	SQLite Driver = "sqlite"
	// Postgres is the server backend (lib/pq).
	Postgres Driver = "postgres"
)

func init() {
	// sqlx only knows the cgo driver name "sqlite3".
	sqlx.BindDriver(string(SQLite), sqlx.QUESTION)
}

// ParseDriver validates a driver name.
func ParseDriver(name string) (Driver, error) {
	switch Driver(strings.ToLower(strings.TrimSpace(name))) {
	case SQLite, "":
		return SQLite, nil
	case Postgres, "postgresql":
		return Postgres, nil
	default:
		return "", fmt.Errorf("unsupported store driver %q", name)
	}
}

// Store represents a database connection holding the transaction log.
type Store struct {
	db     *sqlx.DB
	driver Driver
	dsn    string
	log    logrus.FieldLogger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for migrations and repository errors.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// New creates a SQLite-backed Store at dbPath.
func New(dbPath string, opts ...Option) (*Store, error) {
	return Open(SQLite, dbPath, opts...)
}

// Open opens the database, applies backend settings and runs migrations.
func Open(driver Driver, dsn string, opts ...Option) (*Store, error) {
	db, err := sqlx.Open(string(driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{
		db:     db,
		driver: driver,
		dsn:    dsn,
		log:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if driver == SQLite {
		// One connection: SQLite serializes writers anyway, and an
		// in-memory database only exists on its own connection.
		db.SetMaxOpenConns(1)

		pragmas := []string{
			"PRAGMA foreign_keys = ON",
			"PRAGMA busy_timeout = 5000",
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = FULL",
		}
		for _, pragma := range pragmas {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
			}
		}
	} else {
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Driver returns the backend in use.
func (s *Store) Driver() Driver {
	return s.driver
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// timeFormat is fixed-width so SQLite text timestamps sort chronologically.
const timeFormat = "2006-01-02 15:04:05.000000"

// dbTime converts t into the value bound for a timestamp column.
func (s *Store) dbTime(t time.Time) any {
	if s.driver == SQLite {
		return t.UTC().Format(timeFormat)
	}
	return t.UTC()
}
