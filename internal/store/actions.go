package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sqlguard/sqlguard/internal/types"
)

const actionColumns = `id, initial_run_id, sync_run_id, entity_key, finding_type,
	change_type, status, action_date, user_date_override, description, notes`

func scanAction(row interface{ Scan(...any) error }) (*types.ActionLogEntry, error) {
	var e types.ActionLogEntry
	var syncRun sql.NullInt64
	var override sql.NullTime
	err := row.Scan(&e.ID, &e.InitialRunID, &syncRun, &e.EntityKey, &e.FindingType,
		&e.ChangeType, &e.Status, &e.ActionDate, &override, &e.Description, &e.Notes)
	if err != nil {
		return nil, err
	}
	if syncRun.Valid {
		v := syncRun.Int64
		e.SyncRunID = &v
	}
	if override.Valid {
		t := override.Time
		e.UserDateOverride = &t
	}
	return &e, nil
}

// AppendAction inserts one action log entry. Returns false when an identical
// entry (initial_run_id, entity_key, change_type, sync_run_id) already
// exists, which makes re-running a sync a no-op for the log.
func (s *Store) AppendAction(ctx context.Context, e *types.ActionLogEntry) (bool, error) {
	return appendAction(ctx, s.db, e)
}

func (tx *Tx) AppendAction(ctx context.Context, e *types.ActionLogEntry) (bool, error) {
	return appendAction(ctx, tx.q, e)
}

func appendAction(ctx context.Context, q querier, e *types.ActionLogEntry) (bool, error) {
	// A reopened cycle appends under a live sync run even when its baseline
	// was the run that got finalized, so the guard prefers the sync run.
	guardRun := e.InitialRunID
	if e.SyncRunID != nil {
		guardRun = *e.SyncRunID
	}
	if err := ensureRunMutable(ctx, q, guardRun); err != nil {
		return false, err
	}
	actionDate := e.ActionDate
	if actionDate.IsZero() {
		actionDate = time.Now().UTC()
	}
	res, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO action_log (initial_run_id, sync_run_id, entity_key,
			finding_type, change_type, status, action_date, user_date_override, description, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.InitialRunID, e.SyncRunID, e.EntityKey, string(e.FindingType),
		string(e.ChangeType), string(e.Status), actionDate, e.UserDateOverride, e.Description, e.Notes)
	if err != nil {
		return false, fmt.Errorf("appending action %s %q: %w", e.ChangeType, e.EntityKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading action insert result: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	e.ID, err = res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("reading action id: %w", err)
	}
	e.ActionDate = actionDate
	return true, nil
}

// ListActions returns every entry logged under a baseline, oldest first.
func (s *Store) ListActions(ctx context.Context, initialRunID int64) ([]*types.ActionLogEntry, error) {
	return listActions(ctx, s.db, initialRunID)
}

func (tx *Tx) ListActions(ctx context.Context, initialRunID int64) ([]*types.ActionLogEntry, error) {
	return listActions(ctx, tx.q, initialRunID)
}

func listActions(ctx context.Context, q querier, initialRunID int64) ([]*types.ActionLogEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+actionColumns+` FROM action_log WHERE initial_run_id = ? ORDER BY id
	`, initialRunID)
	if err != nil {
		return nil, fmt.Errorf("listing actions for run %d: %w", initialRunID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.ActionLogEntry
	for rows.Next() {
		e, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning action: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateActionOperatorFields writes back the two operator-editable columns of
// an action entry. Everything else on the log is append-only.
func (s *Store) UpdateActionOperatorFields(ctx context.Context, id int64, notes string, override *time.Time) error {
	return updateActionOperatorFields(ctx, s.db, id, notes, override)
}

func (tx *Tx) UpdateActionOperatorFields(ctx context.Context, id int64, notes string, override *time.Time) error {
	return updateActionOperatorFields(ctx, tx.q, id, notes, override)
}

func updateActionOperatorFields(ctx context.Context, q querier, id int64, notes string, override *time.Time) error {
	var initialRunID int64
	err := q.QueryRowContext(ctx,
		`SELECT initial_run_id FROM action_log WHERE id = ?`, id).Scan(&initialRunID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("action entry %d not found", id)
	}
	if err != nil {
		return fmt.Errorf("fetching action entry %d: %w", id, err)
	}
	if err := ensureRunMutable(ctx, q, initialRunID); err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`UPDATE action_log SET notes = ?, user_date_override = ? WHERE id = ?`, notes, override, id)
	if err != nil {
		return fmt.Errorf("updating action entry %d: %w", id, err)
	}
	return nil
}

// CountActionsByType aggregates a baseline's log by change type, optionally
// restricted to a single sync run.
func (s *Store) CountActionsByType(ctx context.Context, initialRunID int64, syncRunID *int64) (map[types.ChangeType]int, error) {
	query := `SELECT change_type, COUNT(*) FROM action_log WHERE initial_run_id = ?`
	args := []any{initialRunID}
	if syncRunID != nil {
		query += ` AND sync_run_id = ?`
		args = append(args, *syncRunID)
	}
	query += ` GROUP BY change_type`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("counting actions for run %d: %w", initialRunID, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[types.ChangeType]int)
	for rows.Next() {
		var ct string
		var n int
		if err := rows.Scan(&ct, &n); err != nil {
			return nil, fmt.Errorf("scanning action count: %w", err)
		}
		out[types.ChangeType(ct)] = n
	}
	return out, rows.Err()
}
