package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/sqlguard/sqlguard/internal/types"
)

// RenderStats renders the compliance summary block shown by audit, sync,
// and status.
func RenderStats(st *types.Stats) string {
	if st == nil {
		return ""
	}
	lines := []string{
		fmt.Sprintf("Findings      %d", st.TotalFindings),
		fmt.Sprintf("Active        %s", countText(st.ActiveIssues, FailStyle)),
		fmt.Sprintf("Exceptions    %s", countText(st.DocumentedExceptions, WarnStyle)),
		fmt.Sprintf("Compliant     %s", countText(st.Compliant, PassStyle)),
		"",
		fmt.Sprintf("Since baseline: %d fixed, %d regressed, %d new",
			st.FixedSinceBaseline, st.RegressionsSinceBaseline, st.NewIssuesSinceBaseline),
		fmt.Sprintf("Since last:     %d fixed, %d regressed, %d new",
			st.FixedSinceLast, st.RegressionsSinceLast, st.NewIssuesSinceLast),
	}
	body := strings.Join(lines, "\n")
	if !ShouldUseColor() {
		return body
	}
	return BoxStyle.Render(body)
}

// RenderRunChain renders the lifecycle of an audit cycle as a table:
// baseline first, then every sync, with the finalized run marked.
func RenderRunChain(runs []*types.AuditRun) string {
	t := NewTable().Headers("RUN", "TYPE", "STATUS", "STARTED", "COMPLETED", "REPORT")
	for _, r := range runs {
		completed := "-"
		if r.CompletedAt != nil {
			completed = r.CompletedAt.Local().Format("2006-01-02 15:04")
		}
		report := "current"
		if r.ReportStale {
			report = "stale"
		}
		t.Row(
			fmt.Sprintf("%d", r.ID),
			string(r.RunType),
			RunStatusText(r.Status),
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			completed,
			report,
		)
	}
	return t.Render()
}

// RenderFindings renders a finding list for the list command.
func RenderFindings(findings []*types.Finding) string {
	t := NewTable().Headers("TYPE", "ENTITY", "STATUS", "RISK", "DESCRIPTION")
	for _, f := range findings {
		t.Row(
			string(f.FindingType),
			truncate(f.EntityKey, 48),
			StatusText(f.Status),
			string(f.Risk),
			truncate(f.Description, 60),
		)
	}
	return t.Render()
}

// Warnf prints one warning line to stdout in the warning color.
func Warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if ShouldUseColor() {
		msg = WarnStyle.Render(msg)
	}
	fmt.Println(msg)
}

// Successf prints one success line to stdout.
func Successf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if ShouldUseColor() {
		msg = PassStyle.Render(msg)
	}
	fmt.Println(msg)
}

// Elapsed formats a duration for the run footer, rounded for humans.
func Elapsed(d time.Duration) string {
	return d.Round(100 * time.Millisecond).String()
}

func countText(n int, style interface{ Render(...string) string }) string {
	s := fmt.Sprintf("%d", n)
	if n > 0 && ShouldUseColor() {
		return style.Render(s)
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
