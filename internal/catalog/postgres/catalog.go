// Package postgres records saved pages in a Postgres table so runs can be
// queried without listing the output location.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/listing-crawler/internal/pagestore"
)

const defaultTable = "crawled_pages"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for catalog rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Catalog writes one row per saved page.
type Catalog struct {
	pool  execCloser
	table string
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Catalog, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Catalog{pool: pool, table: table}, nil
}

// NewWithPool constructs a catalog from an existing pool.
func NewWithPool(pool execCloser, table string) (*Catalog, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Catalog{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		return defaultTable, nil
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// EnsureTable creates the catalog table when it does not exist.
func (c *Catalog) EnsureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id       TEXT        NOT NULL,
	page_index   INTEGER     NOT NULL,
	url          TEXT        NOT NULL,
	content_uri  TEXT        NOT NULL,
	sha256       TEXT        NOT NULL,
	bytes        INTEGER     NOT NULL,
	saved_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, page_index)
)`, c.table)
	if _, err := c.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create catalog table: %w", err)
	}
	return nil
}

// RecordPage inserts a row for page.
func (c *Catalog) RecordPage(ctx context.Context, page pagestore.SavedPage) error {
	if c == nil || c.pool == nil {
		return fmt.Errorf("catalog is not configured")
	}
	if page.URL == "" || page.Index < 1 {
		return fmt.Errorf("page url and index are required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	page_index,
	url,
	content_uri,
	sha256,
	bytes,
	saved_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7
)`, c.table)

	args := []any{
		page.RunID,
		page.Index,
		page.URL,
		page.ContentURI,
		page.SHA256,
		page.Bytes,
		page.SavedAt,
	}
	if _, err := c.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert catalog row: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (c *Catalog) Close() {
	if c == nil || c.pool == nil {
		return
	}
	c.pool.Close()
}
