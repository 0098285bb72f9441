// Package stats computes the counts shown by every consumer. Console
// output, workbook cover page, and finalize report all call Calculate;
// none of them count on their own.
package stats

import (
	"context"
	"fmt"
	"strings"

	"github.com/sqlguard/sqlguard/internal/types"
)

// Source is the slice of the store the calculator reads. Both the store and
// an open transaction satisfy it.
type Source interface {
	GetFindings(ctx context.Context, runID int64, ft types.FindingType) ([]*types.Finding, error)
	GetAnnotations(ctx context.Context) ([]*types.Annotation, error)
	ListActions(ctx context.Context, initialRunID int64) ([]*types.ActionLogEntry, error)
}

// Calculate produces the stats for one point in an audit cycle. Deltas come
// from the action log under baselineID; the since-last block narrows to
// entries of currentID's sync when previousID is given, otherwise it equals
// the baseline delta. Callers pass the run they are comparing against as
// previousID (the baseline for a first sync) and nil for the baseline run
// itself and for finalize, where both blocks cover the whole cycle.
func Calculate(ctx context.Context, src Source, baselineID, currentID int64, previousID *int64) (*types.Stats, error) {
	findings, err := src.GetFindings(ctx, currentID, "")
	if err != nil {
		return nil, fmt.Errorf("loading current findings: %w", err)
	}
	annotations, err := src.GetAnnotations(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading annotations: %w", err)
	}
	actions, err := src.ListActions(ctx, baselineID)
	if err != nil {
		return nil, fmt.Errorf("loading action log: %w", err)
	}

	st := &types.Stats{TotalFindings: len(findings)}

	byUUID := make(map[string]*types.Annotation)
	byKey := make(map[string]*types.Annotation)
	for _, a := range annotations {
		if a.RowUUID != "" {
			byUUID[a.RowUUID] = a
		}
		byKey[annKey(a.EntityType, a.EntityKey)] = a
	}

	for _, f := range findings {
		if !f.Status.IsIssue() {
			st.Compliant++
			continue
		}
		ann := byUUID[f.RowUUID]
		if ann == nil {
			ann = byKey[annKey(f.FindingType, f.EntityKey)]
		}
		if ann.HasExceptionText() {
			st.DocumentedExceptions++
		} else {
			st.ActiveIssues++
		}
	}

	for _, e := range actions {
		sinceLast := previousID == nil ||
			(e.SyncRunID != nil && *e.SyncRunID == currentID)
		switch e.ChangeType {
		case types.ChangeFixed:
			st.FixedSinceBaseline++
			if sinceLast {
				st.FixedSinceLast++
			}
		case types.ChangeRegression:
			st.RegressionsSinceBaseline++
			if sinceLast {
				st.RegressionsSinceLast++
			}
		case types.ChangeNewIssue:
			st.NewIssuesSinceBaseline++
			if sinceLast {
				st.NewIssuesSinceLast++
			}
		}
	}

	return st, nil
}

func annKey(ft types.FindingType, key string) string {
	return string(ft) + "\x00" + strings.ToLower(key)
}
