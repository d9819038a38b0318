package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

const (
	// DriverModernc is the pure-Go sqlite driver
	DriverModernc = "sqlite"
	// DriverCGO is the mattn cgo sqlite driver
	DriverCGO = "sqlite3"
)

func init() {
	// sqlx only knows the bind style of "sqlite3" out of the box
	sqlx.BindDriver(DriverModernc, sqlx.QUESTION)
}

// Store is the credential store and upsert layer over a single sqlite database
type Store struct {
	db     *sqlx.DB
	outbox bool
	now    func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithOutbox makes every upsert also enqueue an outbox event
func WithOutbox(enabled bool) Option {
	return func(s *Store) { s.outbox = enabled }
}

// WithClock overrides the time source used for created/updated stamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (or creates) the database at path with the given driver and applies the schema
func Open(ctx context.Context, driver, path string, opts ...Option) (*Store, error) {
	dsn, err := buildDSN(driver, path)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite allows a single writer; one connection avoids SQLITE_BUSY between our own goroutines
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func buildDSN(driver, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("failed to create directory: %w", err)
		}
	}

	switch driver {
	case DriverModernc:
		return path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", nil
	case DriverCGO:
		return path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on", nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}
