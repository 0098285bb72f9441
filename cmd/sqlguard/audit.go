package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sqlguard/sqlguard/internal/engine"
	"github.com/sqlguard/sqlguard/internal/ui"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Run the baseline audit of a new cycle",
	Long: `Run the initial audit: collect every target, classify, persist the
baseline run, and generate the review workbook.

A cycle has exactly one baseline. Once one exists, use sync; after a
finalize, --reopen starts a successor sync chained to the same baseline.

Examples:
  sqlguard audit            # start the cycle
  sqlguard audit --reopen   # continue a finalized cycle`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		env, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer env.close()

		reopen, _ := cmd.Flags().GetBool("reopen")
		started := time.Now()
		var out *engine.Outcome
		if reopen {
			out, err = env.engine.Reopen(ctx)
		} else {
			out, err = env.engine.Baseline(ctx)
		}
		if err != nil {
			return err
		}
		printOutcome(out, env.engine.ReportPath, time.Since(started))
		return nil
	},
}

func init() {
	auditCmd.Flags().Bool("reopen", false, "reopen a finalized cycle with a new sync run")
	rootCmd.AddCommand(auditCmd)
}

// printOutcome is the shared run footer for audit and sync.
func printOutcome(out *engine.Outcome, reportPath string, elapsed time.Duration) {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{
			"run":            out.Run,
			"stats":          out.Stats,
			"logged":         out.Logged,
			"unreachable":    out.Unreachable,
			"warnings":       out.Warnings,
			"report_written": out.ReportWritten,
			"report_stale":   out.ReportStale,
		})
		return
	}

	fmt.Printf("%s run %d (%s) completed in %s\n",
		out.Run.RunType, out.Run.ID, out.Run.Organization, ui.Elapsed(elapsed))
	fmt.Println(ui.RenderStats(out.Stats))
	if out.Logged > 0 {
		fmt.Printf("%d change(s) appended to the action log\n", out.Logged)
	}
	for _, w := range out.Warnings {
		ui.Warnf("warning: %s", w)
	}
	switch {
	case out.ReportWritten:
		ui.Successf("workbook: %s", reportPath)
	case out.ReportStale:
		ui.Warnf("workbook not regenerated; it will be rebuilt on the next run")
	}
}
