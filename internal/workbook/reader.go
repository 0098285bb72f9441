package workbook

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/sqlguard/sqlguard/internal/annotate"
	"github.com/sqlguard/sqlguard/internal/identity"
)

// ActionEdit is one operator-edited Actions sheet row. DateOverride is the
// raw cell text; the reconciler owns date parsing.
type ActionEdit struct {
	EntryID      int64
	Notes        string
	DateOverride string
}

// Parsed is everything harvested from one workbook read.
type Parsed struct {
	Rows     []annotate.Row
	Actions  []ActionEdit
	Warnings []string
}

// Read harvests operator input from the workbook at path. Sheets and
// columns are located by header, not position, so a reordered or partially
// deleted workbook degrades to warnings instead of silent data loss.
func Read(path string) (*Parsed, error) {
	if err := CheckLock(path); err != nil {
		return nil, err
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	p := &Parsed{}
	for _, def := range Sheets() {
		if err := readFindingSheet(f, def, p); err != nil {
			return nil, fmt.Errorf("sheet %q: %w", def.Name, err)
		}
	}
	if err := readActions(f, p); err != nil {
		return nil, err
	}
	return p, nil
}

func readFindingSheet(f *excelize.File, def SheetDef, p *Parsed) error {
	rows, err := f.GetRows(def.Name)
	if err != nil {
		// A deleted sheet loses its edits but must not block the sync.
		p.Warnings = append(p.Warnings, fmt.Sprintf("sheet %q missing, skipped", def.Name))
		return nil
	}
	if len(rows) < 2 {
		return nil
	}

	cols, missing := locateColumns(rows[0], def.Headers())
	for _, m := range missing {
		p.Warnings = append(p.Warnings, fmt.Sprintf("sheet %q: column %q not found", def.Name, m))
	}
	// Without server and instance columns rows cannot be keyed at all.
	if cols[HeaderServer] < 0 || cols[HeaderInstance] < 0 {
		p.Warnings = append(p.Warnings, fmt.Sprintf("sheet %q: unkeyable, skipped", def.Name))
		return nil
	}

	// Merged cells surface their value only on the first row of the span.
	var lastServer, lastInstance string
	for _, raw := range rows[1:] {
		server := carryForward(cellAt(raw, cols[HeaderServer]), &lastServer)
		instance := carryForward(cellAt(raw, cols[HeaderInstance]), &lastInstance)
		if server == "" {
			continue
		}

		keyVals := make([]string, len(def.KeyHeaders))
		for i, kh := range def.KeyHeaders {
			keyVals[i] = cellAt(raw, cols[kh])
		}
		parts := append([]string{server, instance}, keyVals...)

		p.Rows = append(p.Rows, annotate.Row{
			RowUUID:       strings.TrimSpace(cellAt(raw, cols[HeaderRowID])),
			EntityType:    def.Type,
			EntityKey:     identity.ComposeKey(def.Type, parts...),
			Notes:         cellAt(raw, cols[HeaderNotes]),
			Purpose:       cellAt(raw, cols[HeaderPurpose]),
			Justification: cellAt(raw, cols[HeaderJustification]),
			ReviewStatus:  cellAt(raw, cols[HeaderReviewStatus]),
			LastReviewed:  cellAt(raw, cols[HeaderLastReviewed]),
		})
	}
	return nil
}

func readActions(f *excelize.File, p *Parsed) error {
	rows, err := f.GetRows(SheetActions)
	if err != nil {
		p.Warnings = append(p.Warnings, "Actions sheet missing, skipped")
		return nil
	}
	if len(rows) < 2 {
		return nil
	}
	cols, _ := locateColumns(rows[0], actionHeaders)
	if cols["Entry ID"] < 0 {
		p.Warnings = append(p.Warnings, "Actions sheet: Entry ID column not found, skipped")
		return nil
	}

	for i, raw := range rows[1:] {
		idText := strings.TrimSpace(cellAt(raw, cols["Entry ID"]))
		if idText == "" {
			continue
		}
		id, err := strconv.ParseInt(idText, 10, 64)
		if err != nil {
			p.Warnings = append(p.Warnings, fmt.Sprintf("Actions row %d: bad entry id %q", i+2, idText))
			continue
		}
		p.Actions = append(p.Actions, ActionEdit{
			EntryID:      id,
			Notes:        strings.TrimSpace(cellAt(raw, cols["Notes"])),
			DateOverride: strings.TrimSpace(cellAt(raw, cols["Date Override"])),
		})
	}
	return nil
}

// locateColumns maps wanted headers to 0-based column positions, -1 when
// absent. Exact matches are resolved for the whole row first so that
// "Server" can never bind to a longer header like "Server Name" when both
// exist; substring matching is the fallback for lightly renamed columns,
// and only when unambiguous.
func locateColumns(headerRow []string, want []string) (map[string]int, []string) {
	norm := make([]string, len(headerRow))
	for i, h := range headerRow {
		norm[i] = strings.ToLower(strings.TrimSpace(h))
	}

	cols := make(map[string]int, len(want))
	taken := make(map[int]bool)
	var missing []string

	for _, w := range want {
		cols[w] = -1
		lw := strings.ToLower(w)
		for i, h := range norm {
			if h == lw && !taken[i] {
				cols[w] = i
				taken[i] = true
				break
			}
		}
	}
	for _, w := range want {
		if cols[w] >= 0 {
			continue
		}
		lw := strings.ToLower(w)
		candidate := -1
		for i, h := range norm {
			if taken[i] || !strings.Contains(h, lw) {
				continue
			}
			if candidate >= 0 {
				candidate = -1 // ambiguous
				break
			}
			candidate = i
		}
		if candidate >= 0 {
			cols[w] = candidate
			taken[candidate] = true
		} else {
			missing = append(missing, w)
		}
	}
	return cols, missing
}

func cellAt(row []string, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return row[col]
}

func carryForward(v string, last *string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return *last
	}
	*last = v
	return v
}
