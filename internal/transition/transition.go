// Package transition holds the single authoritative classifier for row
// transitions between audit runs. Every consumer (sync, stats, workbook)
// goes through Classify; nothing else is allowed to decide what a status
// change means.
package transition

import (
	"github.com/sqlguard/sqlguard/internal/types"
)

// Counted says which stats bucket an entity lands in after classification.
type Counted string

const (
	CountedActive    Counted = "active"
	CountedException Counted = "exception"
	CountedCompliant Counted = "compliant"
	// CountedPreserve means the instance was not scanned this run; the
	// entity keeps whatever bucket it had before.
	CountedPreserve Counted = "preserve"
)

// Input is one entity's state across two runs. Nil statuses mean the entity
// was absent from that run. ExcTextChanged only matters when both sides have
// an exception.
type Input struct {
	Old            *types.Status
	New            *types.Status
	OldExc         bool
	NewExc         bool
	ExcTextChanged bool
	Scanned        bool
}

// Outcome is the classification result. Log reports whether the change
// belongs in the action log.
type Outcome struct {
	Change    types.ChangeType
	Log       bool
	CountedAs Counted
}

// Classify maps one entity transition to its change type. Precedence when
// several conditions hold in one sync: FIXED beats REGRESSION beats
// EXCEPTION_ADDED beats EXCEPTION_REMOVED beats STILL_FAILING. A fix on a
// row whose exception was concurrently added wins; the exception is dropped
// without logging.
func Classify(in Input) Outcome {
	oldIssue := in.Old != nil && in.Old.IsIssue()
	newIssue := in.New != nil && in.New.IsIssue()
	newPass := in.New != nil && *in.New == types.StatusPass

	// An unscanned instance reports nothing; absence there is not a fix.
	if in.New == nil && !in.Scanned {
		if in.Old == nil {
			return Outcome{Change: types.ChangeNone, CountedAs: CountedPreserve}
		}
		return Outcome{Change: types.ChangeUnknown, CountedAs: CountedPreserve}
	}

	switch {
	case in.Old == nil && newPass:
		return Outcome{Change: types.ChangeNone, CountedAs: CountedCompliant}

	case in.Old == nil && newIssue:
		return Outcome{Change: types.ChangeNewIssue, Log: true, CountedAs: CountedActive}

	case oldIssue && newPass:
		return Outcome{Change: types.ChangeFixed, Log: true, CountedAs: CountedCompliant}

	case oldIssue && in.New == nil:
		// Scanned and gone: the entity itself was removed, the issue with it.
		return Outcome{Change: types.ChangeFixed, Log: true, CountedAs: CountedCompliant}

	case !oldIssue && newIssue:
		return Outcome{Change: types.ChangeRegression, Log: true, CountedAs: CountedActive}

	case oldIssue && newIssue:
		switch {
		case !in.OldExc && in.NewExc:
			return Outcome{Change: types.ChangeExceptionAdded, Log: true, CountedAs: CountedException}
		case in.OldExc && !in.NewExc:
			return Outcome{Change: types.ChangeExceptionRemoved, Log: true, CountedAs: CountedActive}
		case in.OldExc && in.NewExc && in.ExcTextChanged:
			return Outcome{Change: types.ChangeExceptionUpdated, CountedAs: CountedException}
		case in.NewExc:
			return Outcome{Change: types.ChangeStillFailing, CountedAs: CountedException}
		default:
			return Outcome{Change: types.ChangeStillFailing, CountedAs: CountedActive}
		}
	}

	// PASS -> PASS, PASS -> absent on a scanned instance, and both absent.
	return Outcome{Change: types.ChangeNone, CountedAs: CountedCompliant}
}
