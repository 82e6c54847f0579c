package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver registered as "pgx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"activity-sync/internal/database/migrations"
	"activity-sync/internal/metrics"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB wraps the SQL connection and the dialect its queries are written for
type DB struct {
	conn    *sql.DB
	dialect string
}

// Open connects to the configured store and applies pending migrations.
// For sqlite the dsn is a file path, for postgres a connection URL.
func Open(driver, dsn string) (*DB, error) {
	var (
		conn *sql.DB
		err  error
	)

	switch driver {
	case DriverSQLite:
		// Enable WAL mode and busy timeout to avoid "database is locked" errors
		conn, err = sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", dsn))
		if err == nil {
			conn.SetMaxOpenConns(1) // SQLite works best with a single writer
			conn.SetMaxIdleConns(1)
		}
	case DriverPostgres:
		conn, err = sql.Open("pgx", dsn)
		if err == nil {
			conn.SetMaxOpenConns(16)
			conn.SetMaxIdleConns(4)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn, dialect: driver}
	if err := db.Migrate(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

// Migrate applies every pending goose migration for the current dialect
func (d *DB) Migrate(ctx context.Context) error {
	dir, gooseDialect := "sqlite", goose.DialectSQLite3
	if d.dialect == DriverPostgres {
		dir, gooseDialect = "postgres", goose.DialectPostgres
	}

	fsys, err := fs.Sub(migrations.FS, dir)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	provider, err := goose.NewProvider(gooseDialect, d.conn, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the database connection
func (d *DB) Close() error {
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

// Health checks if the database connection is healthy
func (d *DB) Health(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

// rebind rewrites "?" placeholders into "$n" for postgres. Queries in this
// package never contain a literal question mark.
func (d *DB) rebind(query string) string {
	if d.dialect != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// forUpdate returns the row-lock suffix; sqlite serializes writers on its single connection
func (d *DB) forUpdate() string {
	if d.dialect == DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// queryer is the subset of database/sql shared by *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside a transaction, committing on success and rolling back on error or panic
func (d *DB) withTx(ctx context.Context, fn func(tx queryer) error) (err error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("failed to commit transaction: %w", cerr)
		}
	}()

	return fn(tx)
}

// fail counts a failed operation and passes the error through
func fail(op string, err error) error {
	metrics.DBOperationErrorsTotal.WithLabelValues(op).Inc()
	return err
}

func unixPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.Unix()
	return &v
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}
