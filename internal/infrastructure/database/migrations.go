package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ErrBadMigrationName is returned when an .up.sql file does not follow the
// YYYYMMDD_HHMMSS_name.up.sql layout, or two files share a version.
var ErrBadMigrationName = errors.New("database: bad migration file name")

// migrationFile matches YYYYMMDD_HHMMSS_name.up.sql.
var migrationFile = regexp.MustCompile(`^(\d{8}_\d{6})_([a-z0-9_]+)\.up\.sql$`)

const createVersionTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version TEXT PRIMARY KEY,
	applied_at INTEGER NOT NULL
) STRICT`

// migration is one forward schema step.
type migration struct {
	version string
	name    string
	file    string
}

// Migrate applies the .up.sql files at the root of fsys that are not yet
// recorded in schema_migrations, oldest version first. Each file runs in
// its own transaction, so a failure leaves earlier versions applied and
// a later call resumes from the failed one.
//
// A nil fsys has nothing to apply.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - fsys: Migration source, normally migrations.FS
//
// Returns:
//   - error: If a file is misnamed or a migration fails
func (db *DB) Migrate(ctx context.Context, fsys fs.FS) error {
	if fsys == nil {
		return nil
	}

	pending, err := scanMigrations(fsys)
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, createVersionTable); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	applied, err := db.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, m := range pending {
		if applied[m.version] {
			continue
		}
		body, err := fs.ReadFile(fsys, m.file)
		if err != nil {
			return fmt.Errorf("reading %s: %w", m.file, err)
		}
		if err := db.apply(ctx, m, string(body)); err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion returns the newest applied migration version, or "" when
// nothing has been applied.
func (db *DB) SchemaVersion(ctx context.Context) (string, error) {
	var version sql.NullString
	err := db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return "", fmt.Errorf("reading schema version: %w", err)
	}
	return version.String, nil
}

func (db *DB) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning applied migration: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (db *DB) apply(ctx context.Context, m migration, body string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("migration %s (%s): %w", m.version, m.name, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
		m.version, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("recording migration %s: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %s: %w", m.version, err)
	}
	return nil
}

// scanMigrations lists the forward migrations in fsys sorted by version.
// Other files are ignored; a misnamed .up.sql file is an error.
func scanMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}

	var out []migration
	seen := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m, ok, err := parseMigrationName(e.Name())
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if prev, dup := seen[m.version]; dup {
			return nil, fmt.Errorf("%w: %s and %s share version %s", ErrBadMigrationName, prev, m.file, m.version)
		}
		seen[m.version] = m.file
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// parseMigrationName reports ok=false for files that are not forward
// migrations at all, and an error for .up.sql files with a bad name.
func parseMigrationName(file string) (migration, bool, error) {
	match := migrationFile.FindStringSubmatch(file)
	if match == nil {
		if strings.HasSuffix(file, ".up.sql") {
			return migration{}, false, fmt.Errorf("%w: %s", ErrBadMigrationName, file)
		}
		return migration{}, false, nil
	}
	return migration{version: match[1], name: match[2], file: file}, true, nil
}
