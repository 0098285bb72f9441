package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/sqlguard/sqlguard/internal/classify"
	"github.com/sqlguard/sqlguard/internal/collect"
	"github.com/sqlguard/sqlguard/internal/config"
	"github.com/sqlguard/sqlguard/internal/errkind"
	"github.com/sqlguard/sqlguard/internal/identity"
	"github.com/sqlguard/sqlguard/internal/store"
	"github.com/sqlguard/sqlguard/internal/types"
)

// scriptedCollector serves canned snapshots per target id. Tests mutate the
// script between runs to simulate fixes, regressions, and outages.
type scriptedCollector struct {
	mu    sync.Mutex
	snaps map[string]*classify.Snapshot
	fail  map[string]error
}

func (c *scriptedCollector) Collect(_ context.Context, target config.Target) (*classify.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail[target.ID]; err != nil {
		return nil, err
	}
	snap, ok := c.snaps[target.ID]
	if !ok {
		return nil, errkind.ErrTargetUnreachable
	}
	// Copy so tests can mutate the script without racing a running pool.
	cp := *snap
	return &cp, nil
}

func (c *scriptedCollector) set(id string, snap *classify.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snaps == nil {
		c.snaps = make(map[string]*classify.Snapshot)
	}
	c.snaps[id] = snap
}

func (c *scriptedCollector) setDown(id string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail == nil {
		c.fail = make(map[string]error)
	}
	c.fail[id] = err
}

// failingSnapshot carries two issues: sa live under its well-known name and
// xp_cmdshell enabled.
func failingSnapshot(server string) *classify.Snapshot {
	return &classify.Snapshot{
		Server:   server,
		Instance: "DEFAULT",
		SA:       &classify.SAAccountFacts{CurrentName: "sa"},
		Configs: []classify.ConfigFacts{
			{Setting: "xp_cmdshell", Value: 1},
			{Setting: "clr enabled", Value: 0},
		},
	}
}

// cleanSnapshot is the same instance with both issues remediated.
func cleanSnapshot(server string) *classify.Snapshot {
	snap := failingSnapshot(server)
	snap.SA = &classify.SAAccountFacts{CurrentName: "sql_admin", Disabled: true}
	snap.Configs[0].Value = 0
	return snap
}

func newTestEngine(t *testing.T, fc *scriptedCollector, targetIDs ...string) *Engine {
	t.Helper()
	s, err := store.New(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	targets := make([]config.Target, 0, len(targetIDs))
	for _, id := range targetIDs {
		targets = append(targets, config.Target{ID: id, Server: id, Auth: config.AuthIntegrated})
	}

	return &Engine{
		Store:   s,
		Pool:    &collect.Pool{Collector: fc, MaxParallel: 2, TargetTimeout: 5 * time.Second},
		Targets: targets,
		Settings: &config.AuditSettings{
			Organization: "acme",
			AuditDate:    "2026-08-25",
			SecuritySettings: map[string]classify.RequiredSetting{
				"xp_cmdshell": {Required: 0, Risk: types.RiskHigh},
				"clr enabled": {Required: 0, Risk: types.RiskMedium},
			},
			BackupThresholdDays: 7,
		},
		ReportPath: filepath.Join(t.TempDir(), "audit.xlsx"),
	}
}

// editWorkbookCell sets one editable cell the way an operator would: find
// the row whose key column matches, write into the edit column, save.
func editWorkbookCell(t *testing.T, path, sheet, keyHeader, keyValue, editHeader, value string) {
	t.Helper()
	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("opening workbook: %v", err)
	}
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows(sheet)
	if err != nil || len(rows) == 0 {
		t.Fatalf("reading sheet %s: %v", sheet, err)
	}
	keyCol, editCol := -1, -1
	for i, h := range rows[0] {
		switch h {
		case keyHeader:
			keyCol = i
		case editHeader:
			editCol = i
		}
	}
	if keyCol < 0 || editCol < 0 {
		t.Fatalf("sheet %s: columns %q/%q not found in %v", sheet, keyHeader, editHeader, rows[0])
	}
	for i := 1; i < len(rows); i++ {
		if keyCol < len(rows[i]) && rows[i][keyCol] == keyValue {
			cell, err := excelize.CoordinatesToCellName(editCol+1, i+1)
			if err != nil {
				t.Fatalf("cell name: %v", err)
			}
			if err := f.SetCellValue(sheet, cell, value); err != nil {
				t.Fatalf("setting %s!%s: %v", sheet, cell, err)
			}
			if err := f.Save(); err != nil {
				t.Fatalf("saving workbook: %v", err)
			}
			return
		}
	}
	t.Fatalf("sheet %s: no row with %s=%q", sheet, keyHeader, keyValue)
}

func saKey(server string) string {
	return identity.ComposeKey(types.TypeSAAccount, server, "DEFAULT", "sa")
}

func cmdshellKey(server string) string {
	return identity.ComposeKey(types.TypeConfig, server, "DEFAULT", "xp_cmdshell")
}

func TestBaselineLogsNewIssues(t *testing.T) {
	ctx := context.Background()
	fc := &scriptedCollector{}
	fc.set("sql01", failingSnapshot("SQL01"))
	fc.set("sql02", cleanSnapshot("SQL02"))
	e := newTestEngine(t, fc, "sql01", "sql02")

	out, err := e.Baseline(ctx)
	if err != nil {
		t.Fatalf("Baseline: %v", err)
	}
	if out.Run.RunType != types.RunBaseline {
		t.Fatalf("expected baseline run, got %s", out.Run.RunType)
	}
	// sa enabled and xp_cmdshell on SQL01 are the two issues.
	if out.Logged != 2 {
		t.Fatalf("expected 2 logged entries, got %d", out.Logged)
	}
	if out.Stats.ActiveIssues != 2 {
		t.Errorf("expected 2 active issues, got %d", out.Stats.ActiveIssues)
	}
	if out.Stats.NewIssuesSinceBaseline != 2 {
		t.Errorf("expected 2 new issues since baseline, got %d", out.Stats.NewIssuesSinceBaseline)
	}
	if !out.ReportWritten {
		t.Error("expected workbook to be written")
	}
	if _, err := os.Stat(e.ReportPath); err != nil {
		t.Errorf("workbook missing: %v", err)
	}

	actions, err := e.Store.ListActions(ctx, out.Run.ID)
	if err != nil {
		t.Fatalf("ListActions: %v", err)
	}
	for _, a := range actions {
		if a.ChangeType != types.ChangeNewIssue {
			t.Errorf("baseline logged %s, want only NEW_ISSUE", a.ChangeType)
		}
		if a.SyncRunID != nil {
			t.Errorf("baseline entry %d carries a sync run id", a.ID)
		}
	}

	// A second baseline for the same organization is refused.
	if _, err := e.Baseline(ctx); !errors.Is(err, errkind.ErrConfigInvalid) {
		t.Fatalf("expected second baseline to be refused, got %v", err)
	}
}

func TestSyncWithoutChangesLogsNothing(t *testing.T) {
	ctx := context.Background()
	fc := &scriptedCollector{}
	fc.set("sql01", failingSnapshot("SQL01"))
	e := newTestEngine(t, fc, "sql01")

	if _, err := e.Baseline(ctx); err != nil {
		t.Fatalf("Baseline: %v", err)
	}
	out, err := e.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if out.Run.RunType != types.RunSync {
		t.Fatalf("expected sync run, got %s", out.Run.RunType)
	}
	if out.Logged != 0 {
		t.Fatalf("identical sync must log nothing, logged %d", out.Logged)
	}
	if out.Stats.FixedSinceLast != 0 || out.Stats.NewIssuesSinceLast != 0 {
		t.Errorf("unexpected since-last deltas: %+v", out.Stats)
	}

	// And again: rerunning the same sync state is idempotent on the log.
	out2, err := e.Sync(ctx)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if out2.Logged != 0 {
		t.Fatalf("repeated sync logged %d entries", out2.Logged)
	}
}

func TestSyncLogsExceptionAdded(t *testing.T) {
	ctx := context.Background()
	fc := &scriptedCollector{}
	fc.set("sql01", failingSnapshot("SQL01"))
	e := newTestEngine(t, fc, "sql01")

	if _, err := e.Baseline(ctx); err != nil {
		t.Fatalf("Baseline: %v", err)
	}

	// Operator documents the xp_cmdshell failure in the workbook between
	// runs; the sync harvests the edit and logs the exception.
	editWorkbookCell(t, e.ReportPath, "Configuration", "Setting", "xp_cmdshell",
		"Justification", "Vendor ETL job requires xp_cmdshell until Q4 migration")

	out, err := e.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if out.Logged != 1 {
		t.Fatalf("expected 1 logged entry, got %d", out.Logged)
	}
	if out.Stats.DocumentedExceptions != 1 {
		t.Errorf("expected 1 documented exception, got %d", out.Stats.DocumentedExceptions)
	}
	if out.Stats.ActiveIssues != 1 {
		t.Errorf("expected 1 remaining active issue, got %d", out.Stats.ActiveIssues)
	}

	baseline, _ := e.Store.LatestBaseline(ctx, "acme")
	actions, err := e.Store.ListActions(ctx, baseline.ID)
	if err != nil {
		t.Fatalf("ListActions: %v", err)
	}
	found := false
	for _, a := range actions {
		if a.ChangeType == types.ChangeExceptionAdded {
			found = true
			if a.EntityKey != cmdshellKey("SQL01") {
				t.Errorf("exception logged for %q", a.EntityKey)
			}
			if a.Status != types.ActionException {
				t.Errorf("exception entry status %s", a.Status)
			}
		}
	}
	if !found {
		t.Fatal("no EXCEPTION_ADDED entry logged")
	}
}

func TestSyncFixWinsOverException(t *testing.T) {
	ctx := context.Background()
	fc := &scriptedCollector{}
	fc.set("sql01", failingSnapshot("SQL01"))
	e := newTestEngine(t, fc, "sql01")

	if _, err := e.Baseline(ctx); err != nil {
		t.Fatalf("Baseline: %v", err)
	}

	// The operator documents the sa failure, but the DBA also fixes it
	// before the next sync. The fix is the event that gets logged.
	_, err := e.Store.UpsertAnnotation(ctx, &types.Annotation{
		EntityType:    types.TypeSAAccount,
		EntityKey:     saKey("SQL01"),
		Justification: "Pending change window",
	})
	if err != nil {
		t.Fatalf("UpsertAnnotation: %v", err)
	}
	fixed := failingSnapshot("SQL01")
	fixed.SA = &classify.SAAccountFacts{CurrentName: "sa", Disabled: true}
	fc.set("sql01", fixed)

	out, err := e.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if out.Stats.FixedSinceLast != 1 {
		t.Errorf("expected 1 fix since last, got %d", out.Stats.FixedSinceLast)
	}

	baseline, _ := e.Store.LatestBaseline(ctx, "acme")
	actions, err := e.Store.ListActions(ctx, baseline.ID)
	if err != nil {
		t.Fatalf("ListActions: %v", err)
	}
	var fixedLogged, excAdded int
	for _, a := range actions {
		if a.EntityKey != saKey("SQL01") {
			continue
		}
		switch a.ChangeType {
		case types.ChangeFixed:
			fixedLogged++
			if a.Status != types.ActionClosed {
				t.Errorf("FIXED entry status %s, want closed", a.Status)
			}
		case types.ChangeExceptionAdded:
			excAdded++
		}
	}
	if fixedLogged != 1 {
		t.Errorf("expected exactly one FIXED entry, got %d", fixedLogged)
	}
	if excAdded != 0 {
		t.Errorf("EXCEPTION_ADDED logged alongside the fix")
	}
}

func TestSyncPreservesUnscannedTarget(t *testing.T) {
	ctx := context.Background()
	fc := &scriptedCollector{}
	fc.set("sql01", failingSnapshot("SQL01"))
	fc.set("sql02", failingSnapshot("SQL02"))
	e := newTestEngine(t, fc, "sql01", "sql02")

	out, err := e.Baseline(ctx)
	if err != nil {
		t.Fatalf("Baseline: %v", err)
	}
	if out.Logged != 4 {
		t.Fatalf("expected 4 baseline issues, got %d", out.Logged)
	}

	// SQL02 goes dark. Its open findings must not be reported as fixed.
	fc.setDown("sql02", errkind.ErrTargetUnreachable)

	out, err = e.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(out.Unreachable) != 1 || out.Unreachable[0] != "sql02" {
		t.Fatalf("expected sql02 unreachable, got %v", out.Unreachable)
	}
	if out.Logged != 0 {
		t.Fatalf("outage sync logged %d entries", out.Logged)
	}

	baseline, _ := e.Store.LatestBaseline(ctx, "acme")
	actions, err := e.Store.ListActions(ctx, baseline.ID)
	if err != nil {
		t.Fatalf("ListActions: %v", err)
	}
	for _, a := range actions {
		if a.ChangeType == types.ChangeFixed {
			t.Errorf("false FIXED for %q while its instance was unscanned", a.EntityKey)
		}
	}

	// The outage is on the run record, and the workbook flags the instance.
	run, err := e.Store.GetRun(ctx, out.Run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.UnreachableTargets != "sql02" {
		t.Errorf("run record unreachable_targets = %q, want sql02", run.UnreachableTargets)
	}
	f, err := excelize.OpenFile(e.ReportPath)
	if err != nil {
		t.Fatalf("opening workbook: %v", err)
	}
	defer func() { _ = f.Close() }()
	rows, err := f.GetRows("Instances")
	if err != nil {
		t.Fatalf("Instances sheet: %v", err)
	}
	var sql02 []string
	for _, r := range rows[1:] {
		if len(r) > 0 && r[0] == `SQL02\DEFAULT` {
			sql02 = r
		}
	}
	if len(sql02) < 4 {
		t.Fatalf("SQL02 missing from Instances sheet: %v", rows)
	}
	if sql02[1] != "unreachable" {
		t.Errorf("SQL02 coverage = %q, want unreachable", sql02[1])
	}
	if sql02[3] != "target sql02 unreachable during this run" {
		t.Errorf("SQL02 note = %q", sql02[3])
	}
}

func TestSyncAfterOutageLogsRecoveredFixes(t *testing.T) {
	ctx := context.Background()
	fc := &scriptedCollector{}
	fc.set("sql01", failingSnapshot("SQL01"))
	fc.set("sql02", failingSnapshot("SQL02"))
	e := newTestEngine(t, fc, "sql01", "sql02")

	out, err := e.Baseline(ctx)
	if err != nil {
		t.Fatalf("Baseline: %v", err)
	}
	if out.Logged != 4 {
		t.Fatalf("expected 4 baseline issues, got %d", out.Logged)
	}

	// SQL02 goes dark for one sync, gets remediated while unreachable, then
	// comes back. The recovery sync must log the fixes against the state of
	// the last run that saw the instance.
	fc.setDown("sql02", errkind.ErrTargetUnreachable)
	if out, err = e.Sync(ctx); err != nil {
		t.Fatalf("outage Sync: %v", err)
	}
	if out.Logged != 0 {
		t.Fatalf("outage sync logged %d entries", out.Logged)
	}

	fc.setDown("sql02", nil)
	remediated := failingSnapshot("SQL02")
	remediated.SA = &classify.SAAccountFacts{CurrentName: "sa", Disabled: true}
	remediated.Configs[0].Value = 0
	fc.set("sql02", remediated)
	out, err = e.Sync(ctx)
	if err != nil {
		t.Fatalf("recovery Sync: %v", err)
	}
	if out.Logged != 2 {
		t.Fatalf("expected 2 FIXED entries after recovery, got %d", out.Logged)
	}
	if out.Stats.FixedSinceBaseline != 2 {
		t.Errorf("FixedSinceBaseline = %d, want 2", out.Stats.FixedSinceBaseline)
	}
	if out.Stats.FixedSinceLast != 2 {
		t.Errorf("FixedSinceLast = %d, want 2", out.Stats.FixedSinceLast)
	}

	baseline, _ := e.Store.LatestBaseline(ctx, "acme")
	actions, err := e.Store.ListActions(ctx, baseline.ID)
	if err != nil {
		t.Fatalf("ListActions: %v", err)
	}
	var fixedKeys []string
	for _, a := range actions {
		if a.ChangeType == types.ChangeFixed {
			fixedKeys = append(fixedKeys, a.EntityKey)
		}
	}
	want := map[string]bool{saKey("SQL02"): true, cmdshellKey("SQL02"): true}
	if len(fixedKeys) != 2 || !want[fixedKeys[0]] || !want[fixedKeys[1]] {
		t.Errorf("FIXED entries %v, want sa and xp_cmdshell on SQL02", fixedKeys)
	}
}

func TestSyncAfterOutageUnchangedLogsNothing(t *testing.T) {
	ctx := context.Background()
	fc := &scriptedCollector{}
	fc.set("sql01", failingSnapshot("SQL01"))
	fc.set("sql02", failingSnapshot("SQL02"))
	e := newTestEngine(t, fc, "sql01", "sql02")

	if _, err := e.Baseline(ctx); err != nil {
		t.Fatalf("Baseline: %v", err)
	}
	fc.setDown("sql02", errkind.ErrTargetUnreachable)
	if _, err := e.Sync(ctx); err != nil {
		t.Fatalf("outage Sync: %v", err)
	}

	// SQL02 comes back with the same open issues. Nothing changed, so the
	// recovery sync must not re-log them as new.
	fc.setDown("sql02", nil)
	out, err := e.Sync(ctx)
	if err != nil {
		t.Fatalf("recovery Sync: %v", err)
	}
	if out.Logged != 0 {
		t.Fatalf("recovery sync with unchanged findings logged %d entries", out.Logged)
	}
	if out.Stats.NewIssuesSinceBaseline != 4 {
		t.Errorf("NewIssuesSinceBaseline = %d, want 4", out.Stats.NewIssuesSinceBaseline)
	}
}

func TestWorkbookShowsReportedNames(t *testing.T) {
	ctx := context.Background()
	fc := &scriptedCollector{}
	snap := failingSnapshot("SQL01")
	snap.SA = &classify.SAAccountFacts{CurrentName: "SA"}
	fc.set("sql01", snap)
	e := newTestEngine(t, fc, "sql01")

	if _, err := e.Baseline(ctx); err != nil {
		t.Fatalf("Baseline: %v", err)
	}

	// Identity keys normalize case, but the sheet shows the name the server
	// reported.
	f, err := excelize.OpenFile(e.ReportPath)
	if err != nil {
		t.Fatalf("opening workbook: %v", err)
	}
	defer func() { _ = f.Close() }()
	rows, err := f.GetRows("SA Account")
	if err != nil {
		t.Fatalf("SA Account sheet: %v", err)
	}
	nameCol := -1
	for i, h := range rows[0] {
		if h == "Current Name" {
			nameCol = i
		}
	}
	if nameCol < 0 {
		t.Fatalf("Current Name column not found in %v", rows[0])
	}
	if len(rows) < 2 || rows[1][nameCol] != "SA" {
		t.Fatalf("expected reported name SA in sheet, got %v", rows[1:])
	}
}

func TestFinalizeGateAndReopen(t *testing.T) {
	ctx := context.Background()
	fc := &scriptedCollector{}
	fc.set("sql01", failingSnapshot("SQL01"))
	e := newTestEngine(t, fc, "sql01")

	if _, err := e.Baseline(ctx); err != nil {
		t.Fatalf("Baseline: %v", err)
	}

	// Reopen is only valid after finalize.
	if _, err := e.Reopen(ctx); !errors.Is(err, errkind.ErrConfigInvalid) {
		t.Fatalf("expected reopen before finalize to be refused, got %v", err)
	}

	// Two active issues block finalize without force.
	_, err := e.Finalize(ctx, false)
	if !errors.Is(err, errkind.ErrFinalizeRefused) {
		t.Fatalf("expected ErrFinalizeRefused, got %v", err)
	}
	if errkind.ExitCode(err) != errkind.ExitFinalizeRefused {
		t.Fatalf("finalize refusal maps to exit %d", errkind.ExitCode(err))
	}

	out, err := e.Finalize(ctx, true)
	if err != nil {
		t.Fatalf("Finalize --force: %v", err)
	}
	if out.Run.Status != types.RunFinalized {
		t.Fatalf("run status %s after finalize", out.Run.Status)
	}
	if len(out.Run.FinalReportHash) != 64 {
		t.Fatalf("final report hash %q is not a sha256 hex digest", out.Run.FinalReportHash)
	}

	// The sealed run rejects mutations and plain syncs.
	if _, err := e.Store.AppendAction(ctx, &types.ActionLogEntry{
		InitialRunID: out.Run.ID,
		EntityKey:    saKey("SQL01"),
		FindingType:  types.TypeSAAccount,
		ChangeType:   types.ChangeFixed,
		Status:       types.ActionClosed,
	}); !errors.Is(err, errkind.ErrFinalized) {
		t.Fatalf("expected ErrFinalized on append, got %v", err)
	}
	if _, err := e.Sync(ctx); !errors.Is(err, errkind.ErrFinalized) {
		t.Fatalf("expected sync against finalized cycle to fail, got %v", err)
	}
	if _, err := e.Finalize(ctx, true); !errors.Is(err, errkind.ErrFinalized) {
		t.Fatalf("expected double finalize to fail, got %v", err)
	}

	// Reopen chains a fresh sync to the original baseline.
	reopened, err := e.Reopen(ctx)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	if reopened.Run.RunType != types.RunSync {
		t.Fatalf("reopened run type %s", reopened.Run.RunType)
	}
	if reopened.Run.ParentRunID == nil || *reopened.Run.ParentRunID != out.Run.ID {
		t.Fatalf("reopened run not chained into the cycle: parent %v", reopened.Run.ParentRunID)
	}
	if reopened.Logged != 0 {
		t.Fatalf("reopened sync with unchanged state logged %d entries", reopened.Logged)
	}
}
