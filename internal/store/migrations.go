package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is a single idempotent, additive schema change. Migrations never
// drop or rename columns; they only add tables, columns, and indexes.
type migration struct {
	name string
	fn   func(ctx context.Context, db *sql.DB) error
}

// migrationsList is ordered; schema_meta.version records how many have run.
// Fresh databases get the full current schema from schema.go, so every
// migration must detect work already done and skip it.
var migrationsList = []migration{
	{"report_stale_column", migrateReportStaleColumn},
	{"annotation_purpose_column", migrateAnnotationPurposeColumn},
	{"action_dedup_expression_index", migrateActionDedupIndex},
	{"run_unreachable_targets_column", migrateUnreachableTargetsColumn},
	{"finding_entity_display_column", migrateEntityDisplayColumn},
}

// runMigrations applies all pending migrations under an EXCLUSIVE
// transaction so two processes opening the same file cannot race on
// check-then-alter.
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "BEGIN EXCLUSIVE"); err != nil {
		return fmt.Errorf("acquiring exclusive lock for migrations: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = db.Exec("ROLLBACK")
		}
	}()

	version, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for i, m := range migrationsList {
		if i < version {
			continue
		}
		if err := m.fn(ctx, db); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.name, err)
		}
	}

	if _, err := db.ExecContext(ctx, `UPDATE schema_meta SET version = ?`, len(migrationsList)); err != nil {
		return fmt.Errorf("recording schema version: %w", err)
	}
	if _, err := db.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("committing migrations: %w", err)
	}
	committed = true
	return nil
}

// schemaVersion reads (seeding if absent) the single schema_meta row.
func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, `SELECT version FROM schema_meta LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_meta (version) VALUES (0)`); err != nil {
			return 0, fmt.Errorf("seeding schema_meta: %w", err)
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

func columnExists(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	var name string
	err := db.QueryRowContext(ctx,
		`SELECT name FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func migrateReportStaleColumn(ctx context.Context, db *sql.DB) error {
	exists, err := columnExists(ctx, db, "audit_runs", "report_stale")
	if err != nil || exists {
		return err
	}
	_, err = db.ExecContext(ctx, `ALTER TABLE audit_runs ADD COLUMN report_stale INTEGER NOT NULL DEFAULT 0`)
	return err
}

func migrateAnnotationPurposeColumn(ctx context.Context, db *sql.DB) error {
	exists, err := columnExists(ctx, db, "annotations", "purpose")
	if err != nil || exists {
		return err
	}
	_, err = db.ExecContext(ctx, `ALTER TABLE annotations ADD COLUMN purpose TEXT NOT NULL DEFAULT ''`)
	return err
}

func migrateActionDedupIndex(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS idx_action_dedup
		ON action_log(initial_run_id, entity_key, change_type, COALESCE(sync_run_id, 0))`)
	return err
}

func migrateUnreachableTargetsColumn(ctx context.Context, db *sql.DB) error {
	exists, err := columnExists(ctx, db, "audit_runs", "unreachable_targets")
	if err != nil || exists {
		return err
	}
	_, err = db.ExecContext(ctx, `ALTER TABLE audit_runs ADD COLUMN unreachable_targets TEXT NOT NULL DEFAULT ''`)
	return err
}

func migrateEntityDisplayColumn(ctx context.Context, db *sql.DB) error {
	exists, err := columnExists(ctx, db, "findings", "entity_display")
	if err != nil || exists {
		return err
	}
	_, err = db.ExecContext(ctx, `ALTER TABLE findings ADD COLUMN entity_display TEXT NOT NULL DEFAULT ''`)
	return err
}
