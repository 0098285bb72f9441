package main

import (
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Re-collect targets and record changes since the last run",
	Long: `Run an incremental audit against the current baseline.

A sync reads operator edits out of the workbook first, then re-collects
every target, classifies transitions (fixed, regression, new issue,
exception changes), appends them to the action log, and regenerates the
workbook. Running sync twice with no changes logs nothing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		env, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer env.close()

		started := time.Now()
		out, err := env.engine.Sync(ctx)
		if err != nil {
			return err
		}
		printOutcome(out, env.engine.ReportPath, time.Since(started))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
