// Package engine orchestrates audit runs: collection, classification,
// annotation reconciliation, transition logging, and workbook regeneration.
// All store writes of one run happen inside a single transaction; the
// workbook rewrite afterwards is best-effort and failure marks the run's
// report stale instead of unwinding the run.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sqlguard/sqlguard/internal/annotate"
	"github.com/sqlguard/sqlguard/internal/classify"
	"github.com/sqlguard/sqlguard/internal/collect"
	"github.com/sqlguard/sqlguard/internal/config"
	"github.com/sqlguard/sqlguard/internal/debug"
	"github.com/sqlguard/sqlguard/internal/diff"
	"github.com/sqlguard/sqlguard/internal/errkind"
	"github.com/sqlguard/sqlguard/internal/identity"
	"github.com/sqlguard/sqlguard/internal/stats"
	"github.com/sqlguard/sqlguard/internal/store"
	"github.com/sqlguard/sqlguard/internal/transition"
	"github.com/sqlguard/sqlguard/internal/types"
	"github.com/sqlguard/sqlguard/internal/workbook"
)

// Engine runs the audit lifecycle against one store and one workbook path.
type Engine struct {
	Store      *store.Store
	Pool       *collect.Pool
	Targets    []config.Target
	Settings   *config.AuditSettings
	ReportPath string
}

// Outcome summarizes one completed run for the CLI.
type Outcome struct {
	Run           *types.AuditRun
	Stats         *types.Stats
	Logged        int
	Unreachable   []string
	Warnings      []string
	ReportStale   bool
	ReportWritten bool
}

// Baseline runs the initial audit of a cycle. It refuses when a baseline
// already exists for the organization; rerunning a baseline would orphan
// the existing action log.
func (e *Engine) Baseline(ctx context.Context) (*Outcome, error) {
	existing, err := e.Store.LatestBaseline(ctx, e.Settings.Organization)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status != types.RunFailed {
		return nil, errkind.Config("baseline already exists for %s (run %d); use sync",
			e.Settings.Organization, existing.ID)
	}
	return e.run(ctx, types.RunBaseline, nil, nil)
}

// Sync runs an incremental audit against the current baseline. A finalized
// cycle refuses plain syncs; reopening is a separate, explicit operation.
func (e *Engine) Sync(ctx context.Context) (*Outcome, error) {
	baseline, err := e.currentBaseline(ctx)
	if err != nil {
		return nil, err
	}
	if fr, err := e.finalizedRun(ctx, baseline.ID); err != nil {
		return nil, err
	} else if fr != nil {
		return nil, fmt.Errorf("%w: cycle finalized as run %d; reopen to continue", errkind.ErrFinalized, fr.ID)
	}
	prevSync, err := e.Store.LatestCompletedSync(ctx, baseline.ID)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, types.RunSync, baseline, prevSync)
}

func (e *Engine) currentBaseline(ctx context.Context) (*types.AuditRun, error) {
	baseline, err := e.Store.LatestBaseline(ctx, e.Settings.Organization)
	if err != nil {
		return nil, err
	}
	if baseline == nil {
		return nil, errkind.Config("no baseline for %s; run baseline first", e.Settings.Organization)
	}
	if baseline.Status == types.RunFailed {
		return nil, errkind.Config("baseline run %d failed; rerun baseline", baseline.ID)
	}
	return baseline, nil
}

// run executes the orchestration sequence shared by baseline and sync.
func (e *Engine) run(ctx context.Context, runType types.RunType, baseline, prevSync *types.AuditRun) (*Outcome, error) {
	wallCap := config.GetDuration("sync.wall-clock-cap")
	if wallCap <= 0 {
		wallCap = 60 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, wallCap)
	defer cancel()

	// Step 1: fail fast while the operator still has the workbook open.
	if err := workbook.CheckLock(e.ReportPath); err != nil {
		return nil, err
	}
	var guard *workbook.Guard
	if _, err := os.Stat(e.ReportPath); err == nil {
		g, err := workbook.NewGuard(e.ReportPath)
		if err != nil {
			return nil, err
		}
		guard = g
		defer func() { _ = g.Close() }()
	}

	out := &Outcome{}

	// Step 2: harvest operator edits before anything overwrites them.
	var parsed *workbook.Parsed
	if _, err := os.Stat(e.ReportPath); err == nil {
		parsed, err = workbook.Read(e.ReportPath)
		if err != nil {
			return nil, err
		}
		out.Warnings = append(out.Warnings, parsed.Warnings...)
	}

	// Pre-transaction reads. The store lock is held for the process
	// lifetime, so nothing can change these between here and the commit.
	priorAnnotations, err := e.Store.GetAnnotations(ctx)
	if err != nil {
		return nil, err
	}
	var prevFindings []*types.Finding
	var comparisonRun *types.AuditRun
	if runType == types.RunSync {
		comparisonRun = baseline
		if prevSync != nil {
			comparisonRun = prevSync
		}
		prevFindings, err = e.comparisonFindings(ctx, baseline)
		if err != nil {
			return nil, err
		}
	}

	// Step 3: collection happens outside the transaction; it is the slow,
	// network-bound phase and writes nothing.
	results, err := e.Pool.Run(ctx, e.Targets)
	if err != nil {
		return nil, err
	}
	var snapshots []*classify.Snapshot
	for _, r := range results {
		if r.Err != nil {
			out.Unreachable = append(out.Unreachable, r.Target.ID)
			out.Warnings = append(out.Warnings,
				fmt.Sprintf("target %s not scanned: %v", r.Target.ID, r.Err))
			continue
		}
		snapshots = append(snapshots, r.Snapshot)
	}
	if len(snapshots) == 0 {
		return nil, fmt.Errorf("%w: no target could be scanned", errkind.ErrTargetUnreachable)
	}

	resolver := &identity.Resolver{
		Index:              identity.NewIndex(priorAnnotations),
		ResurrectionWindow: time.Duration(config.GetInt("identity.resurrection-days")) * 24 * time.Hour,
	}
	reconciler := annotate.NewReconciler(resolver)

	// The run record is created outside the transaction so a failed or
	// cancelled sync leaves a visible failed run behind the rollback.
	var parentID *int64
	initialRunID := int64(0)
	if runType == types.RunSync {
		parentID = &comparisonRun.ID
		initialRunID = baseline.ID
	}
	run, err := e.Store.BeginRun(ctx, runType, e.Settings.Organization, e.Settings.AuditDate, parentID, e.Settings.Hash())
	if err != nil {
		return nil, err
	}
	out.Run = run
	if runType == types.RunBaseline {
		initialRunID = run.ID
	}

	// Steps 4 through 7: one transaction, all or nothing.
	txErr := e.Store.RunInTransaction(ctx, func(tx *store.Tx) error {
		if parsed != nil {
			_, warns, err := reconciler.Apply(ctx, tx, parsed.Rows)
			if err != nil {
				return err
			}
			out.Warnings = append(out.Warnings, warns...)
			if err := e.applyActionEdits(ctx, tx, reconciler, parsed.Actions, out); err != nil {
				return err
			}
		}

		currFindings, scanned, err := e.persistFindings(ctx, tx, run.ID, snapshots, prevFindings, priorAnnotations)
		if err != nil {
			return err
		}

		currAnnotations, err := tx.GetAnnotations(ctx)
		if err != nil {
			return err
		}

		logged, err := e.logTransitions(ctx, tx, logParams{
			initialRunID:     initialRunID,
			run:              run,
			runType:          runType,
			prevFindings:     prevFindings,
			currFindings:     currFindings,
			scanned:          scanned,
			priorAnnotations: priorAnnotations,
			currAnnotations:  currAnnotations,
		})
		if err != nil {
			return err
		}
		out.Logged = logged

		// For the first sync the baseline is the previous point, so the
		// since-last block covers only entries this sync appended.
		var previousID *int64
		if prevSync != nil {
			previousID = &prevSync.ID
		} else if runType == types.RunSync {
			previousID = &baseline.ID
		}
		out.Stats, err = stats.Calculate(ctx, tx, initialRunID, run.ID, previousID)
		if err != nil {
			return err
		}

		// Per-target failures land on the run record, not just the console.
		if err := tx.RecordUnreachable(ctx, run.ID, out.Unreachable); err != nil {
			return err
		}
		run.UnreachableTargets = strings.Join(out.Unreachable, ",")

		return tx.CompleteRun(ctx, run.ID)
	})
	if txErr != nil {
		if out.Run != nil && !errors.Is(txErr, errkind.ErrRunInProgress) {
			if err := e.Store.FailRun(ctx, out.Run.ID); err != nil {
				debug.Logf("marking run %d failed: %v", out.Run.ID, err)
			}
		}
		if ctx.Err() != nil {
			return nil, errkind.ErrCancelled
		}
		return nil, txErr
	}

	// Step 8: regenerate the workbook. Best-effort; a failure marks the
	// report stale so the next sync rebuilds it.
	e.writeReport(ctx, out, guard)
	return out, nil
}

// comparisonFindings assembles the prior state to diff against: per
// instance, the findings of the most recent completed run that scanned it.
// An instance that was unreachable last sync keeps the state of the run
// that last saw it, so on recovery a remediated entity logs FIXED and a
// still-failing one does not re-log as new.
func (e *Engine) comparisonFindings(ctx context.Context, baseline *types.AuditRun) ([]*types.Finding, error) {
	chain, err := e.Store.RunChain(ctx, baseline.ID)
	if err != nil {
		return nil, err
	}
	covered := make(map[int64]bool)
	var out []*types.Finding
	for i := len(chain) - 1; i >= 0; i-- {
		r := chain[i]
		if r.Status != types.RunCompleted && r.Status != types.RunFinalized {
			continue
		}
		findings, err := e.Store.GetFindings(ctx, r.ID, "")
		if err != nil {
			return nil, err
		}
		seen := make(map[int64]bool)
		for _, f := range findings {
			if covered[f.InstanceID] {
				continue
			}
			out = append(out, f)
			seen[f.InstanceID] = true
		}
		for id := range seen {
			covered[id] = true
		}
	}
	return out, nil
}

func (e *Engine) applyActionEdits(ctx context.Context, tx *store.Tx, r *annotate.Reconciler, edits []workbook.ActionEdit, out *Outcome) error {
	for _, edit := range edits {
		var override *time.Time
		if edit.DateOverride != "" {
			if t, ok := r.ParseDate(edit.DateOverride); ok {
				override = &t
			} else {
				out.Warnings = append(out.Warnings,
					fmt.Sprintf("action %d: date override %q not parseable, ignored", edit.EntryID, edit.DateOverride))
			}
		}
		if edit.Notes == "" && override == nil {
			continue
		}
		if err := tx.UpdateActionOperatorFields(ctx, edit.EntryID, edit.Notes, override); err != nil {
			// A stale id from an old workbook should not kill the sync.
			out.Warnings = append(out.Warnings,
				fmt.Sprintf("action %d: %v", edit.EntryID, err))
			debug.Logf("action edit %d skipped: %v", edit.EntryID, err)
		}
	}
	return nil
}

// persistFindings classifies every snapshot and stores the outcomes under
// the run. Row UUID continuity: annotation first, then the previous run's
// finding for the same key, then a fresh id.
func (e *Engine) persistFindings(ctx context.Context, tx *store.Tx, runID int64, snapshots []*classify.Snapshot, prevFindings []*types.Finding, priorAnnotations []*types.Annotation) ([]*types.Finding, map[int64]bool, error) {
	prevUUIDs := make(map[diff.Key]string, len(prevFindings))
	for _, f := range prevFindings {
		if f.RowUUID != "" {
			prevUUIDs[diff.Key{Type: f.FindingType, EntityKey: f.EntityKey}] = f.RowUUID
		}
	}
	annIndex := identity.NewIndex(priorAnnotations)
	resolver := &identity.Resolver{Index: annIndex}

	settings := e.Settings.ClassifierSettings()
	scanned := make(map[int64]bool, len(snapshots))
	var all []*types.Finding

	for _, snap := range snapshots {
		instanceID, err := tx.EnsureInstance(ctx, snap.Server, snap.Instance, snap.Port)
		if err != nil {
			return nil, nil, err
		}
		scanned[instanceID] = true

		for _, o := range classify.Classify(snap, settings) {
			parts := append([]string{snap.Server, snap.Instance}, o.KeyParts...)
			key := identity.ComposeKey(o.FindingType, parts...)

			rowUUID := ""
			if a := resolver.Resolve("", o.FindingType, key); a != nil {
				rowUUID = a.RowUUID
			}
			if rowUUID == "" {
				rowUUID = prevUUIDs[diff.Key{Type: o.FindingType, EntityKey: key}]
			}
			if rowUUID == "" {
				rowUUID = identity.NewRowID()
			}

			details := ""
			if len(o.Details) > 0 {
				if b, err := json.Marshal(o.Details); err == nil {
					details = string(b)
				}
			}
			f := &types.Finding{
				RunID:          runID,
				InstanceID:     instanceID,
				FindingType:    o.FindingType,
				EntityKey:      key,
				EntityDisplay:  strings.Join(o.KeyParts, "|"),
				RowUUID:        rowUUID,
				Status:         o.Status,
				Risk:           o.Risk,
				Description:    o.Description,
				Recommendation: o.Recommendation,
				Details:        details,
			}
			if err := tx.SaveFinding(ctx, f); err != nil {
				return nil, nil, err
			}
			all = append(all, f)
		}
	}
	return all, scanned, nil
}

type logParams struct {
	initialRunID     int64
	run              *types.AuditRun
	runType          types.RunType
	prevFindings     []*types.Finding
	currFindings     []*types.Finding
	scanned          map[int64]bool
	priorAnnotations []*types.Annotation
	currAnnotations  []*types.Annotation
}

// logTransitions classifies every entity transition and appends the
// loggable ones. Keys are processed in stable order so log ids reproduce
// the processing order of the sync.
func (e *Engine) logTransitions(ctx context.Context, tx *store.Tx, p logParams) (int, error) {
	d := diff.Diff(p.prevFindings, p.currFindings)

	priorIdx := identity.NewIndex(p.priorAnnotations)
	priorResolver := &identity.Resolver{Index: priorIdx}
	currIdx := identity.NewIndex(p.currAnnotations)
	currResolver := &identity.Resolver{Index: currIdx}

	var syncRunID *int64
	if p.runType == types.RunSync {
		syncRunID = &p.run.ID
	}

	logged := 0
	for _, key := range d.SortedKeys() {
		tr := d.Transitions[key]
		prevF := d.Prev[key]
		currF := d.Curr[key]

		in := transition.Input{Old: tr.Old, New: tr.New}
		if currF != nil {
			in.Scanned = true
		} else if prevF != nil {
			in.Scanned = p.scanned[prevF.InstanceID]
		}

		priorAnn := priorResolver.Resolve("", key.Type, key.EntityKey)
		currAnn := currResolver.Resolve("", key.Type, key.EntityKey)
		if tr.Old != nil {
			in.OldExc = annotate.IsDocumentedException(*tr.Old, priorAnn)
		}
		if tr.New != nil {
			in.NewExc = annotate.IsDocumentedException(*tr.New, currAnn)
		}
		if in.OldExc && in.NewExc {
			in.ExcTextChanged = annotate.ExceptionText(priorAnn) != annotate.ExceptionText(currAnn)
		}

		outcome := transition.Classify(in)
		if !outcome.Log {
			continue
		}

		status := types.ActionOpen
		switch outcome.Change {
		case types.ChangeFixed:
			status = types.ActionClosed
		case types.ChangeExceptionAdded:
			status = types.ActionException
		}
		description := ""
		if currF != nil {
			description = currF.Description
		} else if prevF != nil {
			description = prevF.Description
		}

		inserted, err := tx.AppendAction(ctx, &types.ActionLogEntry{
			InitialRunID: p.initialRunID,
			SyncRunID:    syncRunID,
			EntityKey:    key.EntityKey,
			FindingType:  key.Type,
			ChangeType:   outcome.Change,
			Status:       status,
			Description:  description,
		})
		if err != nil {
			return logged, err
		}
		if inserted {
			logged++
		}
	}
	return logged, nil
}

// writeReport regenerates the workbook after the transaction committed.
func (e *Engine) writeReport(ctx context.Context, out *Outcome, guard *workbook.Guard) {
	markStale := func(reason string) {
		out.ReportStale = true
		out.Warnings = append(out.Warnings, reason)
		if err := e.Store.MarkReportStale(ctx, out.Run.ID, true); err != nil {
			debug.Logf("marking report stale: %v", err)
		}
	}

	if guard != nil {
		if err := guard.Check(); err != nil {
			markStale(fmt.Sprintf("workbook edited during the run, not rewritten: %v", err))
			return
		}
		guard.Suspend()
	}

	report, err := e.buildReport(ctx, out.Run, out.Stats)
	if err != nil {
		markStale(fmt.Sprintf("building report: %v", err))
		return
	}
	if err := workbook.Write(e.ReportPath, report); err != nil {
		markStale(fmt.Sprintf("writing report: %v", err))
		return
	}
	out.ReportWritten = true
	if err := e.Store.MarkReportStale(ctx, out.Run.ID, false); err != nil {
		debug.Logf("clearing report stale flag: %v", err)
	}
}

// buildReport assembles the workbook input from a committed run.
func (e *Engine) buildReport(ctx context.Context, run *types.AuditRun, st *types.Stats) (*workbook.Report, error) {
	findings, err := e.Store.GetFindings(ctx, run.ID, "")
	if err != nil {
		return nil, err
	}
	annotations, err := e.Store.GetAnnotations(ctx)
	if err != nil {
		return nil, err
	}
	instances, err := e.Store.ListInstances(ctx)
	if err != nil {
		return nil, err
	}

	initialRunID := run.ID
	if run.ParentRunID != nil {
		baseline, err := e.Store.LatestBaseline(ctx, e.Settings.Organization)
		if err != nil {
			return nil, err
		}
		if baseline != nil {
			initialRunID = baseline.ID
		}
	}
	actions, err := e.Store.ListActions(ctx, initialRunID)
	if err != nil {
		return nil, err
	}

	resolver := &identity.Resolver{Index: identity.NewIndex(annotations)}

	rows := make(map[types.FindingType][]workbook.Row)
	for _, f := range findings {
		server, instance := splitInstanceLabel(instances[f.InstanceID])
		ann := resolver.Resolve(f.RowUUID, f.FindingType, f.EntityKey)
		rows[f.FindingType] = append(rows[f.FindingType], workbook.Row{
			RowUUID:        f.RowUUID,
			Server:         server,
			Instance:       instance,
			KeyValues:      keyValues(f),
			Status:         f.Status,
			Risk:           f.Risk,
			Description:    f.Description,
			Recommendation: f.Recommendation,
			Annotation:     ann,
		})
	}

	return &workbook.Report{
		Organization: e.Settings.Organization,
		AuditDate:    e.Settings.AuditDate,
		Stats:        st,
		Rows:         rows,
		Actions:      actions,
		Instances:    e.instanceRows(run, findings, instances),
	}, nil
}

// instanceRows summarizes scan coverage for the Instances sheet: every known
// instance, whether this run scanned it, and the per-target error note for
// the ones it could not reach.
func (e *Engine) instanceRows(run *types.AuditRun, findings []*types.Finding, instances map[int64]string) []workbook.InstanceRow {
	counts := make(map[int64]int)
	for _, f := range findings {
		counts[f.InstanceID]++
	}

	// Unreachable target ids map to server names via the target list.
	unreachable := make(map[string]string)
	for _, id := range strings.Split(run.UnreachableTargets, ",") {
		if id == "" {
			continue
		}
		note := fmt.Sprintf("target %s unreachable during this run", id)
		for _, t := range e.Targets {
			if t.ID == id {
				unreachable[strings.ToLower(t.Server)] = note
			}
		}
	}

	ids := make([]int64, 0, len(instances))
	for id := range instances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]workbook.InstanceRow, 0, len(ids))
	for _, id := range ids {
		label := instances[id]
		row := workbook.InstanceRow{
			Label:    label,
			Scanned:  counts[id] > 0,
			Findings: counts[id],
		}
		if !row.Scanned {
			server, _ := splitInstanceLabel(label)
			if note, ok := unreachable[strings.ToLower(server)]; ok {
				row.Note = note
			} else {
				row.Note = "not scanned in this run"
			}
		}
		out = append(out, row)
	}
	return out
}

// keyValues returns the per-sheet key column values as the server reported
// them. Findings from before the display column fall back to the composite
// key's normalized segments.
func keyValues(f *types.Finding) []string {
	if f.EntityDisplay != "" {
		return strings.Split(f.EntityDisplay, "|")
	}
	segs := identity.KeySegments(f.EntityKey)
	if len(segs) <= 3 {
		return nil
	}
	return segs[3:]
}

func splitInstanceLabel(label string) (string, string) {
	for i := 0; i < len(label); i++ {
		if label[i] == '\\' {
			return label[:i], label[i+1:]
		}
	}
	return label, types.DefaultInstanceName
}
