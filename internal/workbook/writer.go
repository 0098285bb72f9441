package workbook

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/sqlguard/sqlguard/internal/annotate"
	"github.com/sqlguard/sqlguard/internal/classify"
	"github.com/sqlguard/sqlguard/internal/identity"
	"github.com/sqlguard/sqlguard/internal/types"
)

// Row is one rendered finding row.
type Row struct {
	RowUUID        string
	Server         string
	Instance       string
	KeyValues      []string // raw values for the sheet's key columns
	Status         types.Status
	Risk           types.Risk
	Description    string
	Recommendation string
	Annotation     *types.Annotation
}

// InstanceRow is one line of the Instances sheet: scan coverage for one
// known instance in the reported run.
type InstanceRow struct {
	Label    string // "SERVER\INSTANCE"
	Scanned  bool
	Findings int
	Note     string // why the instance was not scanned, empty otherwise
}

// Report is everything the writer needs for one workbook.
type Report struct {
	Organization string
	AuditDate    string
	Stats        *types.Stats
	Rows         map[types.FindingType][]Row
	Actions      []*types.ActionLogEntry
	Instances    []InstanceRow
}

// Write renders the workbook to path, replacing any previous file. The
// caller holds the sync transaction open; a write failure must not unwind
// it, so Write touches only the filesystem.
func Write(path string, r *Report) error {
	if err := CheckLock(path); err != nil {
		return err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	styles, err := newStyleSet(f)
	if err != nil {
		return err
	}

	if err := writeCover(f, r, styles); err != nil {
		return err
	}
	if err := writeInstances(f, r.Instances, styles); err != nil {
		return err
	}
	for _, def := range Sheets() {
		if err := writeFindingSheet(f, def, r.Rows[def.Type], styles); err != nil {
			return fmt.Errorf("sheet %q: %w", def.Name, err)
		}
	}
	if err := writeActions(f, r.Actions, styles); err != nil {
		return err
	}

	// The default sheet is replaced by Cover.
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("removing default sheet: %w", err)
	}
	idx, err := f.GetSheetIndex(SheetCover)
	if err != nil {
		return err
	}
	f.SetActiveSheet(idx)

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("saving workbook: %w", err)
	}
	return nil
}

type styleSet struct {
	header int
	pass   int
	fail   int
	warn   int
	title  int
}

func newStyleSet(f *excelize.File) (*styleSet, error) {
	s := &styleSet{}
	var err error
	if s.header, err = f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"44546A"}, Pattern: 1},
	}); err != nil {
		return nil, err
	}
	if s.pass, err = f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"C6EFCE"}, Pattern: 1},
	}); err != nil {
		return nil, err
	}
	if s.fail, err = f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"FFC7CE"}, Pattern: 1},
	}); err != nil {
		return nil, err
	}
	if s.warn, err = f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"FFEB9C"}, Pattern: 1},
	}); err != nil {
		return nil, err
	}
	if s.title, err = f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 16},
	}); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *styleSet) forStatus(st types.Status) int {
	switch st {
	case types.StatusFail:
		return s.fail
	case types.StatusWarn:
		return s.warn
	default:
		return s.pass
	}
}

func writeCover(f *excelize.File, r *Report, styles *styleSet) error {
	if _, err := f.NewSheet(SheetCover); err != nil {
		return err
	}
	set := func(cell string, v any) {
		_ = f.SetCellValue(SheetCover, cell, v)
	}
	set("B2", "SQL Server Security Audit")
	_ = f.SetCellStyle(SheetCover, "B2", "B2", styles.title)
	set("B4", "Organization")
	set("C4", r.Organization)
	set("B5", "Audit Date")
	set("C5", r.AuditDate)

	if st := r.Stats; st != nil {
		rows := []struct {
			label string
			value int
		}{
			{"Total Findings", st.TotalFindings},
			{"Active Issues", st.ActiveIssues},
			{"Documented Exceptions", st.DocumentedExceptions},
			{"Compliant", st.Compliant},
			{"Fixed Since Baseline", st.FixedSinceBaseline},
			{"Regressions Since Baseline", st.RegressionsSinceBaseline},
			{"New Issues Since Baseline", st.NewIssuesSinceBaseline},
			{"Fixed Since Last Sync", st.FixedSinceLast},
			{"Regressions Since Last Sync", st.RegressionsSinceLast},
			{"New Issues Since Last Sync", st.NewIssuesSinceLast},
		}
		for i, row := range rows {
			set(fmt.Sprintf("B%d", 7+i), row.label)
			set(fmt.Sprintf("C%d", 7+i), row.value)
		}
	}

	// The requirement catalog anchors each sheet back to the checks it
	// reports on.
	set("B19", "Requirement Catalog")
	_ = f.SetCellStyle(SheetCover, "B19", "B19", styles.header)
	for i, req := range classify.Catalog {
		line := 20 + i
		set(fmt.Sprintf("B%d", line), req.Code)
		set(fmt.Sprintf("C%d", line), req.Title)
		set(fmt.Sprintf("D%d", line), string(req.Risk))
	}

	_ = f.SetColWidth(SheetCover, "B", "B", 28)
	_ = f.SetColWidth(SheetCover, "C", "C", 60)
	return nil
}

// writeInstances renders scan coverage: which instances the run saw, how
// many findings each produced, and why an instance went unscanned.
func writeInstances(f *excelize.File, rows []InstanceRow, styles *styleSet) error {
	if _, err := f.NewSheet(SheetInstances); err != nil {
		return err
	}
	for i, h := range instanceHeaders {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(SheetInstances, cell, h); err != nil {
			return err
		}
	}
	last, err := excelize.CoordinatesToCellName(len(instanceHeaders), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(SheetInstances, "A1", last, styles.header); err != nil {
		return err
	}

	for i, row := range rows {
		scanned := "yes"
		style := styles.pass
		if !row.Scanned {
			scanned = "unreachable"
			style = styles.fail
		}
		values := []any{row.Label, scanned, row.Findings, row.Note}
		for c, v := range values {
			cell, err := excelize.CoordinatesToCellName(c+1, i+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(SheetInstances, cell, v); err != nil {
				return err
			}
		}
		cell, err := excelize.CoordinatesToCellName(2, i+2)
		if err != nil {
			return err
		}
		if err := f.SetCellStyle(SheetInstances, cell, cell, style); err != nil {
			return err
		}
	}
	_ = f.SetColWidth(SheetInstances, "A", "A", 30)
	_ = f.SetColWidth(SheetInstances, "D", "D", 45)
	return f.SetPanes(SheetInstances, &excelize.Panes{
		Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft",
	})
}

func writeFindingSheet(f *excelize.File, def SheetDef, rows []Row, styles *styleSet) error {
	if _, err := f.NewSheet(def.Name); err != nil {
		return err
	}
	headers := def.Headers()
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(def.Name, cell, h); err != nil {
			return err
		}
	}
	last, err := excelize.CoordinatesToCellName(len(headers), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(def.Name, "A1", last, styles.header); err != nil {
		return err
	}

	statusCol := columnOf(headers, HeaderStatus)
	for i, row := range rows {
		rowUUID := row.RowUUID
		if rowUUID == "" {
			rowUUID = identity.NewRowID()
		}
		values := []any{rowUUID, row.Server, row.Instance}
		for _, kv := range row.KeyValues {
			values = append(values, kv)
		}
		values = append(values, string(row.Status), string(row.Risk), row.Description, row.Recommendation)
		values = append(values, annotationValues(row.Status, row.Annotation)...)

		for c, v := range values {
			cell, err := excelize.CoordinatesToCellName(c+1, i+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(def.Name, cell, v); err != nil {
				return err
			}
		}
		cell, err := excelize.CoordinatesToCellName(statusCol, i+2)
		if err != nil {
			return err
		}
		if err := f.SetCellStyle(def.Name, cell, cell, styles.forStatus(row.Status)); err != nil {
			return err
		}
	}

	// Column A carries the row identity; operators never edit it.
	if err := f.SetColVisible(def.Name, "A", false); err != nil {
		return err
	}
	if err := f.SetColWidth(def.Name, "A", "A", 0); err != nil {
		return err
	}

	if len(rows) > 0 {
		if err := addReviewDropdown(f, def.Name, headers, len(rows)); err != nil {
			return err
		}
		if err := mergeIdentityColumns(f, def.Name, rows); err != nil {
			return err
		}
	}

	return f.SetPanes(def.Name, &excelize.Panes{
		Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft",
	})
}

// annotationValues renders the editable columns, applying the review status
// auto-population rule.
func annotationValues(status types.Status, a *types.Annotation) []any {
	if a == nil {
		return []any{"", "", "", "", ""}
	}
	return []any{
		a.Notes,
		a.Purpose,
		a.Justification,
		string(annotate.AutoReviewStatus(status, a)),
		a.LastReviewed,
	}
}

func addReviewDropdown(f *excelize.File, sheet string, headers []string, rowCount int) error {
	col := columnOf(headers, HeaderReviewStatus)
	first, err := excelize.CoordinatesToCellName(col, 2)
	if err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(col, rowCount+1)
	if err != nil {
		return err
	}
	dv := excelize.NewDataValidation(true)
	dv.Sqref = first + ":" + last
	if err := dv.SetDropList(reviewStatusChoices); err != nil {
		return err
	}
	return f.AddDataValidation(sheet, dv)
}

// mergeIdentityColumns merges consecutive equal Server cells, and Instance
// cells within one server span, so sheets read like the grouped reports
// operators are used to. The reader undoes this with carry-forward.
func mergeIdentityColumns(f *excelize.File, sheet string, rows []Row) error {
	mergeRuns := func(col int, same func(a, b Row) bool) error {
		start := 0
		for i := 1; i <= len(rows); i++ {
			if i < len(rows) && same(rows[start], rows[i]) {
				continue
			}
			if i-start > 1 {
				top, err := excelize.CoordinatesToCellName(col, start+2)
				if err != nil {
					return err
				}
				bottom, err := excelize.CoordinatesToCellName(col, i+1)
				if err != nil {
					return err
				}
				if err := f.MergeCell(sheet, top, bottom); err != nil {
					return err
				}
			}
			start = i
		}
		return nil
	}
	if err := mergeRuns(2, func(a, b Row) bool { return a.Server == b.Server }); err != nil {
		return err
	}
	return mergeRuns(3, func(a, b Row) bool {
		return a.Server == b.Server && a.Instance == b.Instance
	})
}

func writeActions(f *excelize.File, actions []*types.ActionLogEntry, styles *styleSet) error {
	if _, err := f.NewSheet(SheetActions); err != nil {
		return err
	}
	for i, h := range actionHeaders {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(SheetActions, cell, h); err != nil {
			return err
		}
	}
	last, err := excelize.CoordinatesToCellName(len(actionHeaders), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(SheetActions, "A1", last, styles.header); err != nil {
		return err
	}

	for i, e := range actions {
		override := ""
		if e.UserDateOverride != nil {
			override = e.UserDateOverride.Format(annotate.DateLayout)
		}
		values := []any{
			e.ID,
			e.ActionDate.Format(annotate.DateLayout),
			override,
			string(e.ChangeType),
			string(e.FindingType),
			e.EntityKey,
			string(e.Status),
			e.Description,
			e.Notes,
		}
		for c, v := range values {
			cell, err := excelize.CoordinatesToCellName(c+1, i+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(SheetActions, cell, v); err != nil {
				return err
			}
		}
	}
	return f.SetPanes(SheetActions, &excelize.Panes{
		Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft",
	})
}

// columnOf returns the 1-based position of an exact header. The layout is
// self-checked at startup, so a miss here is a programming error.
func columnOf(headers []string, want string) int {
	for i, h := range headers {
		if h == want {
			return i + 1
		}
	}
	panic(fmt.Sprintf("workbook: header %q not in layout", want))
}
