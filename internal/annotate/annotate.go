// Package annotate reconciles operator edits read from the workbook with
// the persisted annotations. It owns the documented-exception rule: an
// exception exists only on a FAIL or WARN row, and a justification left on
// a compliant row is a note.
package annotate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/sqlguard/sqlguard/internal/identity"
	"github.com/sqlguard/sqlguard/internal/store"
	"github.com/sqlguard/sqlguard/internal/types"
)

// DateLayout is the canonical stored form of operator-entered dates.
const DateLayout = "2006-01-02"

// Row is one annotated workbook row before normalization. String fields are
// raw cell values.
type Row struct {
	RowUUID       string
	EntityType    types.FindingType
	EntityKey     string
	Notes         string
	Purpose       string
	Justification string
	ReviewStatus  string
	LastReviewed  string
	ModifiedBy    string
}

// Reconciler applies workbook rows to the store.
type Reconciler struct {
	Resolver *identity.Resolver

	// Now is overridable for tests.
	Now func() time.Time

	dates *when.Parser
}

// NewReconciler builds a reconciler over the given annotation index.
func NewReconciler(resolver *identity.Resolver) *Reconciler {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return &Reconciler{Resolver: resolver, dates: w}
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Apply normalizes and upserts every row that carries operator input,
// returning the upserted annotations and warnings for rows whose fields
// could not be fully interpreted. Rows with no operator input are skipped
// so the store never fills with empty annotations.
func (r *Reconciler) Apply(ctx context.Context, tx *store.Tx, rows []Row) ([]*types.Annotation, []string, error) {
	var out []*types.Annotation
	var warnings []string

	for _, row := range rows {
		a, warns := r.Normalize(row)
		warnings = append(warnings, warns...)
		if a == nil {
			continue
		}
		stored, err := tx.UpsertAnnotation(ctx, a)
		if err != nil {
			return nil, warnings, fmt.Errorf("upserting annotation for %q: %w", row.EntityKey, err)
		}
		out = append(out, stored)
	}
	return out, warnings, nil
}

// Normalize resolves a row's identity and canonicalizes its editable
// fields. Returns nil when the row carries no operator input at all.
func (r *Reconciler) Normalize(row Row) (*types.Annotation, []string) {
	var warnings []string

	notes := strings.TrimSpace(row.Notes)
	purpose := strings.TrimSpace(row.Purpose)
	justification := strings.TrimSpace(row.Justification)
	review := types.ReviewStatus(strings.TrimSpace(row.ReviewStatus))
	lastReviewed := strings.TrimSpace(row.LastReviewed)

	if !review.Valid() {
		warnings = append(warnings,
			fmt.Sprintf("%s: unknown review status %q ignored", row.EntityKey, row.ReviewStatus))
		review = types.ReviewNone
	}

	if lastReviewed != "" {
		if parsed, ok := r.parseDate(lastReviewed); ok {
			lastReviewed = parsed
		} else {
			warnings = append(warnings,
				fmt.Sprintf("%s: last reviewed date %q not parseable, kept as entered", row.EntityKey, lastReviewed))
		}
	}

	if notes == "" && purpose == "" && justification == "" && review == types.ReviewNone && lastReviewed == "" {
		return nil, warnings
	}

	entityKey := identity.NormalizeKey(row.EntityKey)
	a := &types.Annotation{
		RowUUID:       row.RowUUID,
		EntityType:    row.EntityType,
		EntityKey:     entityKey,
		Notes:         notes,
		Purpose:       purpose,
		Justification: justification,
		ReviewStatus:  review,
		LastReviewed:  lastReviewed,
		ModifiedBy:    strings.TrimSpace(row.ModifiedBy),
	}

	if r.Resolver != nil {
		if existing := r.Resolver.Resolve(row.RowUUID, row.EntityType, entityKey); existing != nil {
			a.ID = existing.ID
			if a.RowUUID == "" {
				a.RowUUID = existing.RowUUID
			}
		}
	}
	return a, warnings
}

// dateLayouts are tried in order before falling back to natural language
// parsing. US-style month first, matching how operators type into the
// review column.
var dateLayouts = []string{
	DateLayout,
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
}

func (r *Reconciler) parseDate(s string) (string, bool) {
	t, ok := r.ParseDate(s)
	if !ok {
		return "", false
	}
	return t.Format(DateLayout), true
}

// ParseDate interprets an operator-entered date, fixed layouts first and
// natural language as the fallback.
func (r *Reconciler) ParseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	res, err := r.dates.Parse(s, r.now())
	if err != nil || res == nil {
		return time.Time{}, false
	}
	return res.Time, true
}

// IsDocumentedException reports whether a finding counts as a documented
// exception: non-compliant status plus exception-qualifying operator input.
func IsDocumentedException(status types.Status, a *types.Annotation) bool {
	return status.IsIssue() && a.HasExceptionText()
}

// ExceptionText returns the text whose change drives EXCEPTION_UPDATED.
func ExceptionText(a *types.Annotation) string {
	if a == nil {
		return ""
	}
	return strings.TrimSpace(a.Justification)
}

// AutoReviewStatus returns the review status the workbook writer should
// render for a row. A non-compliant row justified without an explicit
// status gets "Exception" written back; a compliant row's stale "Exception"
// is rendered as-is and never cleared.
func AutoReviewStatus(status types.Status, a *types.Annotation) types.ReviewStatus {
	if a == nil {
		return types.ReviewNone
	}
	if status.IsIssue() && a.ReviewStatus == types.ReviewNone && strings.TrimSpace(a.Justification) != "" {
		return types.ReviewException
	}
	return a.ReviewStatus
}
