// Package storage persists the audit ledger and custody records in SQL.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to a sqlite3 or mysql database and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%s dsn must be provided", driver)
	}
	var (
		db  *sql.DB
		err error
	)
	switch normalizeDriver(driver) {
	case "sqlite3":
		db, err = sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// one writer keeps sqlite from returning SQLITE_BUSY under load
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite wal: %w", err)
		}
	case "mysql":
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func normalizeDriver(driver string) string {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return "sqlite3"
	default:
		return strings.ToLower(driver)
	}
}

// Migrate ensures the required tables are present.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	var stmts []string
	switch normalizeDriver(driver) {
	case "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS audit_entries (
				seq INTEGER PRIMARY KEY,
				ts_unix_nano INTEGER NOT NULL,
				actor TEXT NOT NULL,
				kind TEXT NOT NULL,
				subject TEXT NOT NULL,
				document_id TEXT NOT NULL DEFAULT '',
				details TEXT NOT NULL DEFAULT '',
				payload_digest TEXT NOT NULL,
				prev_digest TEXT NOT NULL,
				digest TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_entries(subject)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_document ON audit_entries(document_id)`,
			`CREATE TABLE IF NOT EXISTS custody_records (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				document_id TEXT NOT NULL,
				actor TEXT NOT NULL,
				kind TEXT NOT NULL,
				ts_unix_nano INTEGER NOT NULL,
				expected_hash TEXT NOT NULL,
				resulting_hash TEXT NOT NULL,
				verified INTEGER NOT NULL,
				audit_seq INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_custody_document ON custody_records(document_id)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS audit_entries (
				seq BIGINT UNSIGNED PRIMARY KEY,
				ts_unix_nano BIGINT NOT NULL,
				actor VARCHAR(255) NOT NULL,
				kind VARCHAR(64) NOT NULL,
				subject VARCHAR(255) NOT NULL,
				document_id VARCHAR(255) NOT NULL DEFAULT '',
				details TEXT NOT NULL,
				payload_digest CHAR(64) NOT NULL,
				prev_digest CHAR(64) NOT NULL,
				digest CHAR(64) NOT NULL,
				INDEX idx_audit_subject (subject),
				INDEX idx_audit_document (document_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS custody_records (
				id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
				document_id VARCHAR(255) NOT NULL,
				actor VARCHAR(255) NOT NULL,
				kind VARCHAR(32) NOT NULL,
				ts_unix_nano BIGINT NOT NULL,
				expected_hash CHAR(64) NOT NULL,
				resulting_hash VARCHAR(64) NOT NULL,
				verified TINYINT(1) NOT NULL,
				audit_seq BIGINT UNSIGNED NOT NULL,
				INDEX idx_custody_document (document_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
