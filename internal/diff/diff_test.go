package diff

import (
	"testing"

	"github.com/sqlguard/sqlguard/internal/types"
)

func finding(instanceID int64, ft types.FindingType, key string, status types.Status) *types.Finding {
	return &types.Finding{InstanceID: instanceID, FindingType: ft, EntityKey: key, Status: status}
}

func TestDiffEmitsAllKeys(t *testing.T) {
	prev := []*types.Finding{
		finding(1, types.TypeLogin, "login|sql01|default|alpha", types.StatusFail),
		finding(1, types.TypeLogin, "login|sql01|default|dropped", types.StatusWarn),
		finding(1, types.TypeConfig, "config|sql01|default|xp_cmdshell", types.StatusPass),
	}
	curr := []*types.Finding{
		finding(1, types.TypeLogin, "login|sql01|default|alpha", types.StatusPass),
		finding(1, types.TypeConfig, "config|sql01|default|xp_cmdshell", types.StatusFail),
		finding(1, types.TypeLogin, "login|sql01|default|brandnew", types.StatusFail),
	}

	r := Diff(prev, curr)
	if len(r.Transitions) != 4 {
		t.Fatalf("expected 4 transitions, got %d", len(r.Transitions))
	}

	fixed := r.Transitions[Key{types.TypeLogin, "login|sql01|default|alpha"}]
	if *fixed.Old != types.StatusFail || *fixed.New != types.StatusPass {
		t.Errorf("alpha: got %v -> %v", fixed.Old, fixed.New)
	}

	gone := r.Transitions[Key{types.TypeLogin, "login|sql01|default|dropped"}]
	if *gone.Old != types.StatusWarn || gone.New != nil {
		t.Errorf("dropped: expected WARN -> absent, got %v -> %v", gone.Old, gone.New)
	}

	fresh := r.Transitions[Key{types.TypeLogin, "login|sql01|default|brandnew"}]
	if fresh.Old != nil || *fresh.New != types.StatusFail {
		t.Errorf("brandnew: expected absent -> FAIL, got %v -> %v", fresh.Old, fresh.New)
	}
}

func TestDiffEmptySides(t *testing.T) {
	r := Diff(nil, nil)
	if len(r.Transitions) != 0 {
		t.Fatalf("expected no transitions, got %d", len(r.Transitions))
	}

	r = Diff(nil, []*types.Finding{finding(1, types.TypeSAAccount, "sa_account|sql01|default", types.StatusFail)})
	tr := r.Transitions[Key{types.TypeSAAccount, "sa_account|sql01|default"}]
	if tr.Old != nil || tr.New == nil {
		t.Fatalf("baseline diff should have nil old side: %+v", tr)
	}
}

func TestScannedInstances(t *testing.T) {
	curr := []*types.Finding{
		finding(1, types.TypeLogin, "a", types.StatusPass),
		finding(1, types.TypeLogin, "b", types.StatusFail),
		finding(3, types.TypeConfig, "c", types.StatusWarn),
	}
	scanned := ScannedInstances(curr)
	if !scanned[1] || !scanned[3] || scanned[2] {
		t.Fatalf("unexpected scanned set: %v", scanned)
	}
}

func TestSortedKeysStableOrder(t *testing.T) {
	prev := []*types.Finding{
		finding(1, types.TypeBackup, "backup|sql01|default|db1", types.StatusFail),
		finding(1, types.TypeSAAccount, "sa_account|sql01|default", types.StatusFail),
		finding(1, types.TypeLogin, "login|sql01|default|zeta", types.StatusFail),
		finding(1, types.TypeLogin, "login|sql01|default|alpha", types.StatusFail),
	}
	r := Diff(prev, nil)
	keys := r.SortedKeys()

	want := []string{
		"sa_account|sql01|default",
		"login|sql01|default|alpha",
		"login|sql01|default|zeta",
		"backup|sql01|default|db1",
	}
	for i, k := range keys {
		if k.EntityKey != want[i] {
			t.Errorf("position %d: expected %q, got %q", i, want[i], k.EntityKey)
		}
	}
}
