package stats

import (
	"context"
	"testing"

	"github.com/sqlguard/sqlguard/internal/types"
)

type fakeSource struct {
	findings    []*types.Finding
	annotations []*types.Annotation
	actions     []*types.ActionLogEntry
}

func (f *fakeSource) GetFindings(ctx context.Context, runID int64, ft types.FindingType) ([]*types.Finding, error) {
	return f.findings, nil
}

func (f *fakeSource) GetAnnotations(ctx context.Context) ([]*types.Annotation, error) {
	return f.annotations, nil
}

func (f *fakeSource) ListActions(ctx context.Context, initialRunID int64) ([]*types.ActionLogEntry, error) {
	return f.actions, nil
}

func TestCalculateBuckets(t *testing.T) {
	src := &fakeSource{
		findings: []*types.Finding{
			{FindingType: types.TypeLogin, EntityKey: "login|sql01|default|a", Status: types.StatusFail},
			{FindingType: types.TypeLogin, EntityKey: "login|sql01|default|b", Status: types.StatusWarn, RowUUID: "uuid-b"},
			{FindingType: types.TypeConfig, EntityKey: "config|sql01|default|c", Status: types.StatusPass},
			{FindingType: types.TypeConfig, EntityKey: "config|sql01|default|d", Status: types.StatusPass},
		},
		annotations: []*types.Annotation{
			// Matched by uuid: documented exception.
			{RowUUID: "uuid-b", EntityType: types.TypeLogin, EntityKey: "login|sql01|default|b",
				Justification: "vendor requirement"},
			// Justification on a PASS row is a note, not an exception.
			{EntityType: types.TypeConfig, EntityKey: "config|sql01|default|c",
				Justification: "legacy note"},
		},
	}

	st, err := Calculate(context.Background(), src, 1, 2, nil)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if st.TotalFindings != 4 {
		t.Errorf("total: expected 4, got %d", st.TotalFindings)
	}
	if st.ActiveIssues != 1 {
		t.Errorf("active: expected 1, got %d", st.ActiveIssues)
	}
	if st.DocumentedExceptions != 1 {
		t.Errorf("exceptions: expected 1, got %d", st.DocumentedExceptions)
	}
	if st.Compliant != 2 {
		t.Errorf("compliant: expected 2, got %d", st.Compliant)
	}
}

func TestCalculateKeyMatchIsCaseInsensitive(t *testing.T) {
	src := &fakeSource{
		findings: []*types.Finding{
			{FindingType: types.TypeLogin, EntityKey: "login|sql01|default|app_reader", Status: types.StatusFail},
		},
		annotations: []*types.Annotation{
			{EntityType: types.TypeLogin, EntityKey: "LOGIN|SQL01|DEFAULT|APP_READER",
				ReviewStatus: types.ReviewException},
		},
	}
	st, err := Calculate(context.Background(), src, 1, 2, nil)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if st.DocumentedExceptions != 1 || st.ActiveIssues != 0 {
		t.Fatalf("expected exception match across case, got %+v", st)
	}
}

func TestCalculateDeltas(t *testing.T) {
	sync1 := int64(2)
	sync2 := int64(3)
	src := &fakeSource{
		actions: []*types.ActionLogEntry{
			{ChangeType: types.ChangeNewIssue, InitialRunID: 1},
			{ChangeType: types.ChangeFixed, InitialRunID: 1, SyncRunID: &sync1},
			{ChangeType: types.ChangeFixed, InitialRunID: 1, SyncRunID: &sync2},
			{ChangeType: types.ChangeRegression, InitialRunID: 1, SyncRunID: &sync2},
			{ChangeType: types.ChangeExceptionAdded, InitialRunID: 1, SyncRunID: &sync2},
		},
	}

	// With a previous run, since-last narrows to the current sync's entries.
	st, err := Calculate(context.Background(), src, 1, sync2, &sync1)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if st.FixedSinceBaseline != 2 || st.RegressionsSinceBaseline != 1 || st.NewIssuesSinceBaseline != 1 {
		t.Errorf("baseline deltas wrong: %+v", st)
	}
	if st.FixedSinceLast != 1 || st.RegressionsSinceLast != 1 || st.NewIssuesSinceLast != 0 {
		t.Errorf("since-last deltas wrong: %+v", st)
	}

	// Without a previous run, since-last equals the baseline delta.
	st, err = Calculate(context.Background(), src, 1, sync1, nil)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if st.FixedSinceLast != st.FixedSinceBaseline || st.NewIssuesSinceLast != st.NewIssuesSinceBaseline {
		t.Errorf("expected since-last to equal baseline delta: %+v", st)
	}
}
