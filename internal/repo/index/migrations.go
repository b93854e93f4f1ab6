package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type migration struct {
	version int
	name    string
	up      string // {{table}} is replaced by the index table name
}

//nolint:gochecknoglobals
var migrations = []migration{
	{
		version: 1,
		name:    "create_transforms_table",
		up: `
			CREATE TABLE IF NOT EXISTS {{table}} (
				source_id   TEXT    NOT NULL,
				content_key TEXT    NOT NULL,
				created_at  INTEGER NOT NULL,
				PRIMARY KEY (source_id, content_key)
			) WITHOUT ROWID
		`,
	},
	{
		version: 2,
		name:    "index_transforms_created_at",
		up: `
			CREATE INDEX IF NOT EXISTS idx_{{table}}_created_at
			ON {{table}}(created_at)
		`,
	},
}

// runMigrations applies the pending migrations of table, each in its own transaction.
// Applied versions are tracked per table in {{table}}_migrations.
func runMigrations(ctx context.Context, db *sql.DB, table string) error {
	render := strings.NewReplacer("{{table}}", table).Replace

	if _, err := db.ExecContext(ctx, render(`
		CREATE TABLE IF NOT EXISTS {{table}}_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT    NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int

	if err := db.QueryRowContext(ctx,
		render("SELECT COALESCE(MAX(version), 0) FROM {{table}}_migrations"),
	).Scan(&current); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		if err := applyMigration(ctx, db, m, render); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}

	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration, render func(string) string) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, render(m.up)); err != nil {
		return fmt.Errorf("exec: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		render("INSERT INTO {{table}}_migrations (version, name) VALUES (?, ?)"),
		m.version, m.name,
	); err != nil {
		return fmt.Errorf("record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}
