// Package database provides the embedded SQLite client and migration
// utilities backing the relational index, the event log, the vector index,
// and the chat tables.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver, registered as "sqlite"
)

// Config holds database configuration
type Config struct {
	// Path is the SQLite database file. ":memory:" opens an in-memory
	// database that lives as long as the client.
	Path string

	// MaxOpenConns bounds the connection pool. 0 picks a sensible default:
	// 1 for in-memory databases (a shared-cache memory DB disappears when
	// its last connection closes), 4 for file databases.
	MaxOpenConns int
}

// Client wraps the SQLite connection pool and owns schema migrations.
type Client struct {
	db   *sql.DB
	path string
}

// DB returns the underlying database handle for direct queries.
func (c *Client) DB() *sql.DB {
	return c.db
}

// Path returns the database file path the client was opened with.
func (c *Client) Path() string {
	return c.path
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// NewClient opens the database, configures pragmas, and applies all pending
// migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := sql.Open("sqlite", buildDSN(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen == 0 {
		if isMemoryPath(cfg.Path) {
			maxOpen = 1
		} else {
			maxOpen = 4
		}
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{db: db, path: cfg.Path}, nil
}

// buildDSN assembles the modernc DSN. Pragmas ride along as _pragma query
// parameters so every pooled connection gets them, not just the first.
func buildDSN(path string) string {
	pragmas := []string{
		"_pragma=busy_timeout(5000)",
		"_pragma=foreign_keys(1)",
	}

	if isMemoryPath(path) {
		// Shared cache keeps the one in-memory database visible to every
		// pooled connection.
		return "file::memory:?cache=shared&" + strings.Join(pragmas, "&")
	}

	pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	return "file:" + url.PathEscape(path) + "?" + strings.Join(pragmas, "&")
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}
