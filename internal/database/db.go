// Package database provides the sqlite connection used to store fit results.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Profile selects durability settings
type Profile string

const (
	// ProfileStandard - fsync at checkpoints, for the results store
	ProfileStandard Profile = "standard"
	// ProfileScratch - no fsync, for throwaway databases
	ProfileScratch Profile = "scratch"
)

// ErrNilConn is returned by WithTransaction when given no connection.
var ErrNilConn = errors.New("database connection is nil")

// pragmas applied to every connection, after the profile ones.
var commonPragmas = []string{
	"foreign_keys(1)",
	"busy_timeout(5000)",
	"cache_size(-64000)", // KiB
	"temp_store(MEMORY)",
}

var profilePragmas = map[Profile][]string{
	ProfileStandard: {"journal_mode(WAL)", "synchronous(NORMAL)", "auto_vacuum(INCREMENTAL)"},
	ProfileScratch:  {"journal_mode(WAL)", "synchronous(OFF)"},
}

// Config holds database configuration
type Config struct {
	Path    string
	Profile Profile
	Name    string // used in errors and logs
}

// DB is an open sqlite database.
type DB struct {
	conn *sql.DB
	cfg  Config
}

// New opens the database at cfg.Path, creating parent directories for plain
// file paths. file: URIs are used as given.
func New(cfg Config) (*DB, error) {
	if cfg.Profile == "" {
		cfg.Profile = ProfileStandard
	}
	if _, ok := profilePragmas[cfg.Profile]; !ok {
		return nil, fmt.Errorf("unknown database profile %q", cfg.Profile)
	}
	if !strings.HasPrefix(cfg.Path, "file:") {
		abs, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve database path to absolute: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		cfg.Path = abs
	}

	conn, err := sql.Open("sqlite", dsn(cfg.Path, cfg.Profile))
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Name, err)
	}
	// Fit results arrive in one transaction per run, reads come from the HTTP
	// handlers. A small pool is enough.
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxIdleTime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", cfg.Name, err)
	}
	return &DB{conn: conn, cfg: cfg}, nil
}

// dsn appends the profile pragmas as _pragma query parameters.
func dsn(path string, profile Profile) string {
	q := url.Values{}
	for _, p := range append(append([]string(nil), profilePragmas[profile]...), commonPragmas...) {
		q.Add("_pragma", p)
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + q.Encode()
}

func (db *DB) Close() error { return db.conn.Close() }

// Conn exposes the pool for repositories.
func (db *DB) Conn() *sql.DB { return db.conn }

func (db *DB) Name() string { return db.cfg.Name }

func (db *DB) Path() string { return db.cfg.Path }

// Migrate executes schema inside a transaction. Statements must be idempotent
// (CREATE ... IF NOT EXISTS).
func (db *DB) Migrate(ctx context.Context, schema string) error {
	return WithTransaction(ctx, db.conn, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("failed to execute schema for %s: %w", db.cfg.Name, err)
		}
		return nil
	})
}

// WithTransaction runs fn in a transaction, committing when it returns nil and
// rolling back when it fails or panics. A panic is returned as an error.
func WithTransaction(ctx context.Context, conn *sql.DB, fn func(*sql.Tx) error) (err error) {
	if conn == nil {
		return ErrNilConn
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in transaction: %v", p)
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
	}()

	if err = fn(tx); err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// HealthCheck pings the database and runs quick_check, which skips the index
// cross-checks of integrity_check.
func (db *DB) HealthCheck(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed for %s: %w", db.cfg.Name, err)
	}
	return db.check(ctx, "quick_check")
}

// IntegrityCheck runs the full integrity_check.
func (db *DB) IntegrityCheck(ctx context.Context) error {
	return db.check(ctx, "integrity_check")
}

func (db *DB) check(ctx context.Context, pragma string) error {
	rows, err := db.conn.QueryContext(ctx, "PRAGMA "+pragma)
	if err != nil {
		return fmt.Errorf("%s query failed for %s: %w", pragma, db.cfg.Name, err)
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return fmt.Errorf("failed to read %s result: %w", pragma, err)
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%s query failed for %s: %w", pragma, db.cfg.Name, err)
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s failed for %s: %s", pragma, db.cfg.Name, strings.Join(problems, "; "))
	}
	return nil
}

// Snapshot writes a consistent copy of the database to dest, which must not exist.
func (db *DB) Snapshot(ctx context.Context, dest string) error {
	if _, err := db.conn.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return fmt.Errorf("failed to snapshot %s: %w", db.cfg.Name, err)
	}
	return nil
}

// Stats describes the on-disk footprint of the database.
type Stats struct {
	SizeBytes     int64 `json:"size_bytes"`
	WALSizeBytes  int64 `json:"wal_size_bytes"`
	PageCount     int64 `json:"page_count"`
	PageSize      int64 `json:"page_size"`
	FreelistCount int64 `json:"freelist_count"`
}

// GetStats reads file sizes and page counters. Missing files count as empty.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if fi, err := os.Stat(db.cfg.Path); err == nil {
		stats.SizeBytes = fi.Size()
	}
	if fi, err := os.Stat(db.cfg.Path + "-wal"); err == nil {
		stats.WALSizeBytes = fi.Size()
	}
	for _, p := range []struct {
		pragma string
		dst    *int64
	}{
		{"page_count", &stats.PageCount},
		{"page_size", &stats.PageSize},
		{"freelist_count", &stats.FreelistCount},
	} {
		if err := db.conn.QueryRowContext(ctx, "PRAGMA "+p.pragma).Scan(p.dst); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", p.pragma, err)
		}
	}
	return &stats, nil
}
