package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/sqlguard/sqlguard/internal/errkind"
	"github.com/sqlguard/sqlguard/internal/stats"
	"github.com/sqlguard/sqlguard/internal/types"
	"github.com/sqlguard/sqlguard/internal/workbook"
)

// Finalize closes the current audit cycle. The terminal run (last completed
// sync, or the baseline itself when no sync ever ran) is marked finalized
// after a fresh workbook snapshot is written and hashed. With active issues
// still open the finalize is refused unless force is set.
func (e *Engine) Finalize(ctx context.Context, force bool) (*Outcome, error) {
	baseline, err := e.currentBaseline(ctx)
	if err != nil {
		return nil, err
	}
	if fr, err := e.finalizedRun(ctx, baseline.ID); err != nil {
		return nil, err
	} else if fr != nil {
		return nil, fmt.Errorf("%w: cycle already finalized as run %d", errkind.ErrFinalized, fr.ID)
	}

	terminal, err := e.terminalRun(ctx, baseline)
	if err != nil {
		return nil, err
	}

	st, err := stats.Calculate(ctx, e.Store, baseline.ID, terminal.ID, nil)
	if err != nil {
		return nil, err
	}
	if st.ActiveIssues > 0 && !force {
		return nil, fmt.Errorf("%w: %d active issue(s) without a documented exception",
			errkind.ErrFinalizeRefused, st.ActiveIssues)
	}

	// The final workbook is the immutable record of the cycle; refuse while
	// the operator has it open rather than hash a file we could not rewrite.
	if err := workbook.CheckLock(e.ReportPath); err != nil {
		return nil, err
	}
	report, err := e.buildReport(ctx, terminal, st)
	if err != nil {
		return nil, fmt.Errorf("building final report: %w", err)
	}
	if err := workbook.Write(e.ReportPath, report); err != nil {
		return nil, fmt.Errorf("writing final report: %w", err)
	}
	hash, err := hashFile(e.ReportPath)
	if err != nil {
		return nil, fmt.Errorf("hashing final report: %w", err)
	}

	if err := e.Store.FinalizeRun(ctx, terminal.ID, hash); err != nil {
		return nil, err
	}
	run, err := e.Store.GetRun(ctx, terminal.ID)
	if err != nil {
		return nil, err
	}
	return &Outcome{Run: run, Stats: st, ReportWritten: true}, nil
}

// Reopen starts a new sync in a finalized cycle. The new run chains to the
// original baseline; the finalized run itself stays immutable.
func (e *Engine) Reopen(ctx context.Context) (*Outcome, error) {
	baseline, err := e.currentBaseline(ctx)
	if err != nil {
		return nil, err
	}
	fr, err := e.finalizedRun(ctx, baseline.ID)
	if err != nil {
		return nil, err
	}
	if fr == nil {
		return nil, errkind.Config("cycle for %s is not finalized; use sync", e.Settings.Organization)
	}
	prevSync, err := e.Store.LatestCompletedSync(ctx, baseline.ID)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, types.RunSync, baseline, prevSync)
}

// terminalRun returns the run finalize should seal: the most recent
// completed sync, or the baseline when the cycle had none.
func (e *Engine) terminalRun(ctx context.Context, baseline *types.AuditRun) (*types.AuditRun, error) {
	prevSync, err := e.Store.LatestCompletedSync(ctx, baseline.ID)
	if err != nil {
		return nil, err
	}
	if prevSync != nil {
		return prevSync, nil
	}
	if baseline.Status != types.RunCompleted {
		return nil, errkind.Config("baseline run %d is %s; nothing to finalize", baseline.ID, baseline.Status)
	}
	return baseline, nil
}

// finalizedRun returns the finalized run in a baseline's chain, or nil.
func (e *Engine) finalizedRun(ctx context.Context, baselineID int64) (*types.AuditRun, error) {
	chain, err := e.Store.RunChain(ctx, baselineID)
	if err != nil {
		return nil, err
	}
	for _, r := range chain {
		if r.Status == types.RunFinalized {
			return r, nil
		}
	}
	return nil, nil
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
