// Package ledger implements the single-writer embedded database: schema
// migrations, startup schema verification, and the serialized event writer
// with idempotent upsert and poison-message handling.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/predictiontrader/sidecar/internal/xerr"
)

// Open opens the embedded database at path, enables WAL journaling and
// foreign keys, applies pending migrations, and verifies the resulting
// schema before returning.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline: one connection, no pool races

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL journal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := verifySchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func applyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY, applied_at TEXT NOT NULL
	);`); err != nil {
		return fmt.Errorf("bootstrap schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var applied int
		row := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, m.version)
		if err := row.Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", m.version, err)
		}
		if applied > 0 {
			continue
		}
		if _, err := db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.version, err)
		}
		if _, err := db.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			m.version, time.Now().UTC().Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("stamp migration %s: %w", m.version, err)
		}
	}
	return nil
}

// verifySchema checks that WAL and foreign_keys are actually in effect and
// that every required table carries its exact required column set. Any
// mismatch fails fast with startup_schema_mismatch.
func verifySchema(ctx context.Context, db *sql.DB) error {
	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return xerr.Wrap(xerr.CodeStartupSchemaMismatch, "read journal_mode", err)
	}
	if journalMode != "wal" {
		return xerr.New(xerr.CodeStartupSchemaMismatch, fmt.Sprintf("journal_mode is %q, want wal", journalMode))
	}

	var foreignKeys int
	if err := db.QueryRowContext(ctx, "PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		return xerr.Wrap(xerr.CodeStartupSchemaMismatch, "read foreign_keys", err)
	}
	if foreignKeys != 1 {
		return xerr.New(xerr.CodeStartupSchemaMismatch, "foreign_keys is not enabled")
	}

	for table, cols := range requiredColumns {
		present, err := tableColumns(ctx, db, table)
		if err != nil {
			return xerr.Wrap(xerr.CodeStartupSchemaMismatch, "inspect table "+table, err)
		}
		if present == nil {
			return xerr.New(xerr.CodeStartupSchemaMismatch, "missing required table: "+table)
		}
		for _, col := range cols {
			if !present[col] {
				return xerr.New(xerr.CodeStartupSchemaMismatch,
					fmt.Sprintf("table %s missing required column %s", table, col))
			}
		}
	}
	return nil
}

func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s);", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	found := false
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			dfltValue  sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &primaryKey); err != nil {
			return nil, err
		}
		cols[name] = true
		found = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return cols, nil
}
