// Package db is the arena's single-writer SQLite store. All persistent
// entities (models, battles, votes, pending matches, sessions) live here;
// controllers borrow rows for the duration of a transaction and cross-row
// mutation happens inside a write-locked transaction started with WithTx.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Battle status values.
const (
	StatusPendingGeneration = "pending_generation"
	StatusPendingVote       = "pending_vote"
	StatusCompleted         = "completed"
)

// Winner / vote choice values.
const (
	WinnerModelA = "model_a"
	WinnerModelB = "model_b"
	WinnerTie    = "tie"
	WinnerSkip   = "skip"
)

// Tier values.
const (
	TierHigh = "high"
	TierLow  = "low"
)

// Battle type values.
const (
	BattleTypeHigh = "high_tier"
	BattleTypeLow  = "low_tier"
)

// ErrNotFound reports a lookup for a row that does not exist, for callers
// that need an error rather than the nil-on-absent convention.
var ErrNotFound = errors.New("not found")

// DB wraps a sql.DB connection to the SQLite database.
type DB struct {
	conn *sql.DB
}

// Open creates a new DB connection and runs all pending migrations.
// The DSN requests WAL journaling, foreign keys, a 15 s lock wait, and
// immediate transactions so writers take the database lock up front.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path+"?_txlock=immediate&_pragma=journal_mode(wal)&_pragma=busy_timeout(15000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	d := &DB{conn: conn}
	if err := d.migrate(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for use by other packages if needed.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// migrate applies all pending goose migrations from the embedded FS.
func (d *DB) migrate() error {
	sub, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, d.conn, sub)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(context.Background()); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// --- Transactions ---

// txKey carries the active transaction on a context so that any store helper
// invoked inside a WithTx block participates in the same transaction without
// re-acquiring the write lock.
type txKey struct{}

// WithTx runs fn inside a write transaction. The DSN's _txlock=immediate
// makes BeginTx take the write lock up front, serializing writers across
// processes. Nested calls reuse the outer transaction; the outermost call
// commits on nil and rolls back on error or panic.
func (d *DB) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	done := false
	defer func() {
		if !done {
			_ = tx.Rollback()
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	done = true
	return nil
}

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns the context's pinned transaction when one is active, otherwise
// the autocommit connection.
func (d *DB) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return d.conn
}

// Timestamps are stored as RFC3339 UTC strings, lexicographically ordered.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Now returns the current instant in the store's timestamp format.
func Now() string {
	return formatTime(time.Now())
}
