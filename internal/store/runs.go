package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sqlguard/sqlguard/internal/errkind"
	"github.com/sqlguard/sqlguard/internal/types"
)

const runColumns = `id, organization, audit_date, started_at, completed_at,
	status, run_type, parent_run_id, config_hash, report_stale, final_report_hash,
	unreachable_targets`

func scanRun(row interface{ Scan(...any) error }) (*types.AuditRun, error) {
	var r types.AuditRun
	var completed sql.NullTime
	var parent sql.NullInt64
	var stale int
	err := row.Scan(&r.ID, &r.Organization, &r.AuditDate, &r.StartedAt, &completed,
		&r.Status, &r.RunType, &parent, &r.ConfigHash, &stale, &r.FinalReportHash,
		&r.UnreachableTargets)
	if err != nil {
		return nil, err
	}
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	if parent.Valid {
		v := parent.Int64
		r.ParentRunID = &v
	}
	r.ReportStale = stale != 0
	return &r, nil
}

// BeginRun creates a new run record in status running. It refuses to start
// while another run for the same audit_date x organization is running.
func (s *Store) BeginRun(ctx context.Context, runType types.RunType, org, auditDate string, parentRunID *int64, configHash string) (*types.AuditRun, error) {
	return beginRun(ctx, s.db, runType, org, auditDate, parentRunID, configHash)
}

func (tx *Tx) BeginRun(ctx context.Context, runType types.RunType, org, auditDate string, parentRunID *int64, configHash string) (*types.AuditRun, error) {
	return beginRun(ctx, tx.q, runType, org, auditDate, parentRunID, configHash)
}

func beginRun(ctx context.Context, q querier, runType types.RunType, org, auditDate string, parentRunID *int64, configHash string) (*types.AuditRun, error) {
	var running int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_runs
		WHERE organization = ? AND audit_date = ? AND status = 'running'
	`, org, auditDate).Scan(&running)
	if err != nil {
		return nil, fmt.Errorf("checking for running runs: %w", err)
	}
	if running > 0 {
		return nil, fmt.Errorf("%w: %s %s", errkind.ErrRunInProgress, org, auditDate)
	}

	now := time.Now().UTC()
	res, err := q.ExecContext(ctx, `
		INSERT INTO audit_runs (organization, audit_date, started_at, status, run_type, parent_run_id, config_hash)
		VALUES (?, ?, ?, 'running', ?, ?, ?)
	`, org, auditDate, now, string(runType), parentRunID, configHash)
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading run id: %w", err)
	}
	return &types.AuditRun{
		ID:           id,
		Organization: org,
		AuditDate:    auditDate,
		StartedAt:    now,
		Status:       types.RunRunning,
		RunType:      runType,
		ParentRunID:  parentRunID,
		ConfigHash:   configHash,
	}, nil
}

// GetRun fetches one run by id.
func (s *Store) GetRun(ctx context.Context, id int64) (*types.AuditRun, error) {
	return getRun(ctx, s.db, id)
}

func (tx *Tx) GetRun(ctx context.Context, id int64) (*types.AuditRun, error) {
	return getRun(ctx, tx.q, id)
}

func getRun(ctx context.Context, q querier, id int64) (*types.AuditRun, error) {
	run, err := scanRun(q.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM audit_runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching run %d: %w", id, err)
	}
	return run, nil
}

// LatestBaseline returns the most recent baseline run for an organization,
// or nil when none exists.
func (s *Store) LatestBaseline(ctx context.Context, org string) (*types.AuditRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM audit_runs
		WHERE organization = ? AND run_type = 'baseline'
		ORDER BY id DESC LIMIT 1
	`, org))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching latest baseline: %w", err)
	}
	return run, nil
}

// RunChain returns the baseline and every run parented (transitively) on it,
// ordered by id.
func (s *Store) RunChain(ctx context.Context, baselineID int64) ([]*types.AuditRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE chain(id) AS (
			SELECT id FROM audit_runs WHERE id = ?
			UNION ALL
			SELECT r.id FROM audit_runs r JOIN chain c ON r.parent_run_id = c.id
		)
		SELECT `+runColumns+` FROM audit_runs WHERE id IN (SELECT id FROM chain) ORDER BY id
	`, baselineID)
	if err != nil {
		return nil, fmt.Errorf("fetching run chain: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*types.AuditRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LatestCompletedSync returns the most recent completed sync in a baseline's
// chain, or nil when the baseline has no completed syncs yet.
func (s *Store) LatestCompletedSync(ctx context.Context, baselineID int64) (*types.AuditRun, error) {
	chain, err := s.RunChain(ctx, baselineID)
	if err != nil {
		return nil, err
	}
	var latest *types.AuditRun
	for _, r := range chain {
		if r.RunType == types.RunSync && (r.Status == types.RunCompleted || r.Status == types.RunFinalized) {
			latest = r
		}
	}
	return latest, nil
}

// RecordUnreachable stores the target ids a run could not scan on its run
// record, where status output and the workbook's Instances sheet read them.
func (s *Store) RecordUnreachable(ctx context.Context, runID int64, targetIDs []string) error {
	return recordUnreachable(ctx, s.db, runID, targetIDs)
}

func (tx *Tx) RecordUnreachable(ctx context.Context, runID int64, targetIDs []string) error {
	return recordUnreachable(ctx, tx.q, runID, targetIDs)
}

func recordUnreachable(ctx context.Context, q querier, runID int64, targetIDs []string) error {
	if err := ensureRunMutable(ctx, q, runID); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `UPDATE audit_runs SET unreachable_targets = ? WHERE id = ?`,
		strings.Join(targetIDs, ","), runID)
	if err != nil {
		return fmt.Errorf("recording unreachable targets for run %d: %w", runID, err)
	}
	return nil
}

// CompleteRun marks a running run completed.
func (s *Store) CompleteRun(ctx context.Context, runID int64) error {
	return setRunStatus(ctx, s.db, runID, types.RunCompleted)
}

func (tx *Tx) CompleteRun(ctx context.Context, runID int64) error {
	return setRunStatus(ctx, tx.q, runID, types.RunCompleted)
}

// FailRun marks a run failed. Failing an already-finalized run is refused.
func (s *Store) FailRun(ctx context.Context, runID int64) error {
	return setRunStatus(ctx, s.db, runID, types.RunFailed)
}

func setRunStatus(ctx context.Context, q querier, runID int64, status types.RunStatus) error {
	if err := ensureRunMutable(ctx, q, runID); err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err := q.ExecContext(ctx, `
		UPDATE audit_runs SET status = ?, completed_at = ? WHERE id = ?
	`, string(status), now, runID)
	if err != nil {
		return fmt.Errorf("updating run %d status: %w", runID, err)
	}
	return nil
}

// FinalizeRun marks a run finalized, recording the hash of the workbook
// snapshot. All future mutations referencing the run fail with ErrFinalized.
func (s *Store) FinalizeRun(ctx context.Context, runID int64, reportHash string) error {
	if err := ensureRunMutable(ctx, s.db, runID); err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE audit_runs
		SET status = 'finalized', completed_at = COALESCE(completed_at, ?), final_report_hash = ?
		WHERE id = ?
	`, now, reportHash, runID)
	if err != nil {
		return fmt.Errorf("finalizing run %d: %w", runID, err)
	}
	return nil
}

// MarkReportStale records that the workbook could not be regenerated for a
// run, so the next sync knows to rebuild it.
func (s *Store) MarkReportStale(ctx context.Context, runID int64, stale bool) error {
	v := 0
	if stale {
		v = 1
	}
	_, err := s.db.ExecContext(ctx, `UPDATE audit_runs SET report_stale = ? WHERE id = ?`, v, runID)
	if err != nil {
		return fmt.Errorf("marking run %d report_stale=%v: %w", runID, stale, err)
	}
	return nil
}

// ensureRunMutable rejects writes against a finalized run.
func ensureRunMutable(ctx context.Context, q querier, runID int64) error {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM audit_runs WHERE id = ?`, runID).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("run %d not found", runID)
	}
	if err != nil {
		return fmt.Errorf("checking run %d status: %w", runID, err)
	}
	if types.RunStatus(status) == types.RunFinalized {
		return fmt.Errorf("%w: run %d", errkind.ErrFinalized, runID)
	}
	return nil
}
