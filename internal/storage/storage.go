// Package storage provides a single parameterised-query surface over
// either an embedded (modernc.org/sqlite) or a server (postgres via
// jackc/pgx/v5) SQL backend, so every other component issues one SQL
// dialect of queries ($1..$N placeholders) regardless of which
// backend is configured.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pressly/goose/v3"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Backend selects the SQL dialect behind the DB.
type Backend string

const (
	BackendServer   Backend = "server"
	BackendEmbedded Backend = "embedded"
)

// DB is the single writable shared resource every component depends
// on. It is safe for concurrent callers; the embedded backend runs in
// write-ahead-log mode over a single pooled connection, so its
// statements execute one at a time.
type DB struct {
	sql     *sql.DB
	backend Backend
}

// Open opens the configured backend and verifies connectivity.
// dbType selects the dialect; dsn is a sqlite file path (embedded) or
// a postgres connection string (server).
func Open(ctx context.Context, dbType Backend, dsn string) (*DB, error) {
	switch dbType {
	case BackendEmbedded:
		return openEmbedded(ctx, dsn)
	case BackendServer:
		return openServer(ctx, dsn)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", dbType)
	}
}

func openEmbedded(ctx context.Context, path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open embedded db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if _, err := sqlDB.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping embedded db: %w", err)
	}
	return &DB{sql: sqlDB, backend: BackendEmbedded}, nil
}

func openServer(ctx context.Context, dsn string) (*DB, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open server db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping server db: %w", err)
	}
	return &DB{sql: sqlDB, backend: BackendServer}, nil
}

// Backend reports which dialect this DB speaks.
func (d *DB) Backend() Backend { return d.backend }

// IsEmbedded reports whether the backend is the embedded sqlite file.
func (d *DB) IsEmbedded() bool { return d.backend == BackendEmbedded }

// Migrate runs every pending migration embedded under migrations/.
func (d *DB) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationFS)
	dialect := "postgres"
	if d.IsEmbedded() {
		dialect = "sqlite3"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, d.sql, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (d *DB) Close() error {
	return d.sql.Close()
}

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// rewrite turns $1..$N placeholders into the embedded backend's `?`
// positional form. Server backend queries pass through unchanged.
func (d *DB) rewrite(query string) string {
	if !d.IsEmbedded() {
		return query
	}
	return placeholderRe.ReplaceAllString(query, "?")
}

// Query executes a read returning rows; text uses $1..$N placeholders
// regardless of backend.
func (d *DB) Query(ctx context.Context, text string, args ...any) (*sql.Rows, error) {
	rows, err := d.sql.QueryContext(ctx, d.rewrite(text), args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return rows, nil
}

// QueryRow executes a read expected to return at most one row.
func (d *DB) QueryRow(ctx context.Context, text string, args ...any) *sql.Row {
	return d.sql.QueryRowContext(ctx, d.rewrite(text), args...)
}

// Exec executes a write and reports rows affected. On the embedded
// backend, callers relying on RETURNING must instead use Query:
// modernc.org/sqlite supports RETURNING natively (recent sqlite),
// so no fallback query is needed.
func (d *DB) Exec(ctx context.Context, text string, args ...any) (sql.Result, error) {
	res, err := d.sql.ExecContext(ctx, d.rewrite(text), args...)
	if err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}
	return res, nil
}

// BoolLiteral renders a boolean for inline use in hand-built SQL
// fragments (e.g. default-value backfills), since the embedded
// backend stores booleans as 0/1 while the server backend accepts
// native TRUE/FALSE.
func (d *DB) BoolLiteral(v bool) string {
	if d.IsEmbedded() {
		if v {
			return "1"
		}
		return "0"
	}
	return strconv.FormatBool(v)
}

// Placeholder count helper retained for callers that build queries
// dynamically (variable column lists); returns "$1, $2, ..., $n".
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(parts, ", ")
}
