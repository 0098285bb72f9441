package transition

import (
	"testing"

	"github.com/sqlguard/sqlguard/internal/types"
)

func status(s types.Status) *types.Status { return &s }

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		in     Input
		change types.ChangeType
		log    bool
		bucket Counted
	}{
		{
			name:   "new failing entity",
			in:     Input{New: status(types.StatusFail), Scanned: true},
			change: types.ChangeNewIssue, log: true, bucket: CountedActive,
		},
		{
			name:   "new warning entity",
			in:     Input{New: status(types.StatusWarn), Scanned: true},
			change: types.ChangeNewIssue, log: true, bucket: CountedActive,
		},
		{
			name:   "new compliant entity",
			in:     Input{New: status(types.StatusPass), Scanned: true},
			change: types.ChangeNone, bucket: CountedCompliant,
		},
		{
			name:   "issue fixed",
			in:     Input{Old: status(types.StatusFail), New: status(types.StatusPass), Scanned: true},
			change: types.ChangeFixed, log: true, bucket: CountedCompliant,
		},
		{
			name: "fix wins over concurrently added exception",
			in: Input{Old: status(types.StatusFail), New: status(types.StatusPass),
				NewExc: true, Scanned: true},
			change: types.ChangeFixed, log: true, bucket: CountedCompliant,
		},
		{
			name:   "entity removed from scanned instance",
			in:     Input{Old: status(types.StatusWarn), Scanned: true},
			change: types.ChangeFixed, log: true, bucket: CountedCompliant,
		},
		{
			name:   "regression",
			in:     Input{Old: status(types.StatusPass), New: status(types.StatusFail), Scanned: true},
			change: types.ChangeRegression, log: true, bucket: CountedActive,
		},
		{
			name: "regression wins over new exception text",
			in: Input{Old: status(types.StatusPass), New: status(types.StatusWarn),
				NewExc: true, Scanned: true},
			change: types.ChangeRegression, log: true, bucket: CountedActive,
		},
		{
			name: "exception added",
			in: Input{Old: status(types.StatusFail), New: status(types.StatusFail),
				NewExc: true, Scanned: true},
			change: types.ChangeExceptionAdded, log: true, bucket: CountedException,
		},
		{
			name: "exception removed",
			in: Input{Old: status(types.StatusFail), New: status(types.StatusFail),
				OldExc: true, Scanned: true},
			change: types.ChangeExceptionRemoved, log: true, bucket: CountedActive,
		},
		{
			name: "exception text updated not logged",
			in: Input{Old: status(types.StatusWarn), New: status(types.StatusWarn),
				OldExc: true, NewExc: true, ExcTextChanged: true, Scanned: true},
			change: types.ChangeExceptionUpdated, bucket: CountedException,
		},
		{
			name: "still failing without exception",
			in: Input{Old: status(types.StatusFail), New: status(types.StatusFail),
				Scanned: true},
			change: types.ChangeStillFailing, bucket: CountedActive,
		},
		{
			name: "still failing with standing exception",
			in: Input{Old: status(types.StatusFail), New: status(types.StatusFail),
				OldExc: true, NewExc: true, Scanned: true},
			change: types.ChangeStillFailing, bucket: CountedException,
		},
		{
			name:   "unscanned instance preserves failing state",
			in:     Input{Old: status(types.StatusFail)},
			change: types.ChangeUnknown, bucket: CountedPreserve,
		},
		{
			name:   "unscanned instance preserves passing state",
			in:     Input{Old: status(types.StatusPass)},
			change: types.ChangeUnknown, bucket: CountedPreserve,
		},
		{
			name:   "pass stays pass",
			in:     Input{Old: status(types.StatusPass), New: status(types.StatusPass), Scanned: true},
			change: types.ChangeNone, bucket: CountedCompliant,
		},
		{
			name:   "pass entity removed from scanned instance",
			in:     Input{Old: status(types.StatusPass), Scanned: true},
			change: types.ChangeNone, bucket: CountedCompliant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Classify(tt.in)
			if out.Change != tt.change {
				t.Errorf("change: expected %s, got %s", tt.change, out.Change)
			}
			if out.Log != tt.log {
				t.Errorf("log: expected %v, got %v", tt.log, out.Log)
			}
			if out.CountedAs != tt.bucket {
				t.Errorf("counted: expected %s, got %s", tt.bucket, out.CountedAs)
			}
		})
	}
}
