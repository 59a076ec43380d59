// Package db opens the relational store behind Tendrel.
//
// Two dialects are supported: PostgreSQL via pgx (production, required for
// clustered deployments) and SQLite (single-node and tests). The Pool type
// hides the SQLite writer/reader split from callers.
package db

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/tendrel/tendrel/internal/common/config"
	"github.com/tendrel/tendrel/internal/db/dialect"
)

// Pool provides separate read and write database connections.
//
// For SQLite with WAL mode this enables concurrent reads while serializing
// writes through a single connection. For PostgreSQL both Writer and Reader
// return the same *sqlx.DB since pgx pools connections internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Writer returns the pool used for INSERT, UPDATE, DELETE, and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the pool used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// DriverName reports the underlying sql driver ("pgx" or "sqlite3").
func (p *Pool) DriverName() string { return p.writer.DriverName() }

// Close closes both pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Avoid double-close when both pools share the same *sqlx.DB (Postgres).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

// Open connects to the configured database. A postgres:// (or postgresql://)
// URL selects pgx; anything else falls back to a local SQLite file at
// cfg.Path.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	if isPostgresURL(cfg.URL) {
		pg, err := openPostgres(cfg.URL, cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		x := sqlx.NewDb(pg, dialect.PGX)
		return &Pool{writer: x, reader: x}, nil
	}

	writer, err := openSQLiteWriter(cfg.Path)
	if err != nil {
		return nil, err
	}
	reader, err := openSQLiteReader(cfg.Path)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return &Pool{
		writer: sqlx.NewDb(writer, dialect.SQLite3),
		reader: sqlx.NewDb(reader, dialect.SQLite3),
	}, nil
}

func isPostgresURL(url string) bool {
	return strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://")
}

func openPostgres(dsn string, maxConns, minConns int) (*sql.DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(minConns)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return conn, nil
}
