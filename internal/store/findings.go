package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/sqlguard/sqlguard/internal/errkind"
	"github.com/sqlguard/sqlguard/internal/types"
)

const findingColumns = `id, run_id, instance_id, finding_type, entity_key,
	entity_display, row_uuid, status, risk, description, recommendation, details`

// SaveFinding persists one finding under its run. A duplicate
// (run_id, finding_type, entity_key) indicates a collector bug and is fatal.
func (s *Store) SaveFinding(ctx context.Context, f *types.Finding) error {
	return saveFinding(ctx, s.db, f)
}

func (tx *Tx) SaveFinding(ctx context.Context, f *types.Finding) error {
	return saveFinding(ctx, tx.q, f)
}

func saveFinding(ctx context.Context, q querier, f *types.Finding) error {
	if err := ensureRunMutable(ctx, q, f.RunID); err != nil {
		return err
	}
	details := f.Details
	if details == "" {
		details = "{}"
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO findings (run_id, instance_id, finding_type, entity_key, entity_display,
			row_uuid, status, risk, description, recommendation, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.RunID, f.InstanceID, string(f.FindingType), f.EntityKey, f.EntityDisplay,
		f.RowUUID, string(f.Status), string(f.Risk), f.Description, f.Recommendation, details)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: run %d %s %q", errkind.ErrClassifierBug, f.RunID, f.FindingType, f.EntityKey)
		}
		return fmt.Errorf("saving finding %q: %w", f.EntityKey, err)
	}
	f.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading finding id: %w", err)
	}
	return nil
}

// isUniqueConstraintError checks if error is a UNIQUE constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// GetFindings returns a run's findings in deterministic order
// (instance_id, finding_type, entity_key). Pass an empty finding type for
// all types.
func (s *Store) GetFindings(ctx context.Context, runID int64, ft types.FindingType) ([]*types.Finding, error) {
	return getFindings(ctx, s.db, runID, ft)
}

func (tx *Tx) GetFindings(ctx context.Context, runID int64, ft types.FindingType) ([]*types.Finding, error) {
	return getFindings(ctx, tx.q, runID, ft)
}

func getFindings(ctx context.Context, q querier, runID int64, ft types.FindingType) ([]*types.Finding, error) {
	query := `SELECT ` + findingColumns + ` FROM findings WHERE run_id = ?`
	args := []any{runID}
	if ft != "" {
		query += ` AND finding_type = ?`
		args = append(args, string(ft))
	}
	query += ` ORDER BY instance_id, finding_type, entity_key`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying findings for run %d: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Finding
	for rows.Next() {
		var f types.Finding
		err := rows.Scan(&f.ID, &f.RunID, &f.InstanceID, &f.FindingType, &f.EntityKey,
			&f.EntityDisplay, &f.RowUUID, &f.Status, &f.Risk, &f.Description, &f.Recommendation, &f.Details)
		if err != nil {
			return nil, fmt.Errorf("scanning finding: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// FindingByKey fetches one finding of a run by its entity key.
func (s *Store) FindingByKey(ctx context.Context, runID int64, ft types.FindingType, entityKey string) (*types.Finding, error) {
	rows, err := getFindings(ctx, s.db, runID, ft)
	if err != nil {
		return nil, err
	}
	for _, f := range rows {
		if strings.EqualFold(f.EntityKey, entityKey) {
			return f, nil
		}
	}
	return nil, nil
}
