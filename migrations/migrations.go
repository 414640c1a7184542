package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

const (
	// DriverSQLite applies migrations from migrations/sqlite.
	DriverSQLite = "sqlite"
	// DriverPostgres applies migrations from migrations/postgres.
	DriverPostgres = "postgres"
)

//go:embed sqlite/*.sql postgres/*.sql
var embedded embed.FS

type dialect struct {
	ledgerDDL string
	claimSQL  string
	listSQL   string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		ledgerDDL: `
CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`,
		claimSQL: `INSERT OR IGNORE INTO schema_migrations (name) VALUES (?)`,
		listSQL:  `SELECT name FROM schema_migrations ORDER BY name ASC`,
	},
	DriverPostgres: {
		ledgerDDL: `
CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`,
		claimSQL: `INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
		listSQL:  `SELECT name FROM schema_migrations ORDER BY name ASC`,
	},
}

func lookupDialect(driver string) (string, dialect, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	d, ok := dialects[driver]
	if !ok {
		return "", dialect{}, fmt.Errorf("unsupported migration driver %q", driver)
	}
	return driver, d, nil
}

// Files lists the embedded migration files for driver in the order Apply runs them.
func Files(driver string) ([]string, error) {
	driver, _, err := lookupDialect(driver)
	if err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(embedded, driver)
	if err != nil {
		return nil, fmt.Errorf("read embedded %s migrations: %w", driver, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".sql") {
			continue
		}
		names = append(names, path.Join(driver, entry.Name()))
	}
	sort.Strings(names)
	return names, nil
}

// Apply runs every embedded migration for driver exactly once, recording each
// one in schema_migrations. It returns the names applied by this call.
func Apply(ctx context.Context, db *sql.DB, driver string) ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	driver, d, err := lookupDialect(driver)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, d.ledgerDDL); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations table: %w", err)
	}

	names, err := Files(driver)
	if err != nil {
		return nil, err
	}

	applied := make([]string, 0, len(names))
	for _, name := range names {
		body, err := embedded.ReadFile(name)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", name, err)
		}
		ran, err := applyOne(ctx, db, d, name, string(body))
		if err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", name, err)
		}
		if ran {
			applied = append(applied, name)
		}
	}
	return applied, nil
}

// Applied lists the migrations recorded in schema_migrations.
func Applied(ctx context.Context, db *sql.DB, driver string) ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	_, d, err := lookupDialect(driver)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, d.listSQL)
	if err != nil {
		return nil, fmt.Errorf("list schema_migrations: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan schema_migrations row: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations rows: %w", err)
	}
	return names, nil
}

// applyOne claims name in the ledger and runs statement in the same
// transaction, so concurrent starters never run a migration twice.
func applyOne(ctx context.Context, db *sql.DB, d dialect, name, statement string) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, d.claimSQL, name)
	if err != nil {
		return false, fmt.Errorf("insert schema_migrations row: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read insert row count: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, statement); err != nil {
		return false, fmt.Errorf("execute migration sql: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return true, nil
}
