// Package db provides a PostgreSQL-backed audit.Sink, for deployments
// that want durable, queryable WAF verdicts rather than a flat file.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veil-waf/veil-go/internal/audit"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS waf_audit_log (
	id         TEXT PRIMARY KEY,
	ts         TIMESTAMPTZ NOT NULL,
	client_ip  TEXT NOT NULL,
	method     TEXT NOT NULL,
	uri        TEXT NOT NULL,
	rule_id    TEXT,
	action     TEXT NOT NULL,
	status     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS waf_audit_log_ts_idx ON waf_audit_log (ts DESC);
`

// PostgresSink is an audit.Sink backed by a pgx connection pool.
type PostgresSink struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Connect opens a pool against dsn, runs the audit-log schema migration,
// and returns a ready PostgresSink.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}

	logger.Info("audit database connected")
	return &PostgresSink{pool: pool, logger: logger}, nil
}

// Write persists one audit entry.
func (s *PostgresSink) Write(ctx context.Context, e audit.Entry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO waf_audit_log (id, ts, client_ip, method, uri, rule_id, action, status)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Timestamp, e.ClientIP, e.Method, e.URI, e.RuleID, e.Action, e.Status,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Recent returns the most recently written audit entries, newest first.
func (s *PostgresSink) Recent(ctx context.Context, limit int) ([]audit.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, ts, client_ip, method, uri, COALESCE(rule_id, ''), action, status
		 FROM waf_audit_log ORDER BY ts DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent audit entries: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var e audit.Entry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.ClientIP, &e.Method, &e.URI, &e.RuleID, &e.Action, &e.Status); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close shuts down the connection pool.
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
