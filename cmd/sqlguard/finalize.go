package main

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/sqlguard/sqlguard/internal/errkind"
	"github.com/sqlguard/sqlguard/internal/ui"
)

var finalizeCmd = &cobra.Command{
	Use:   "finalize",
	Short: "Close the audit cycle and seal its runs",
	Long: `Finalize the current cycle: write the final workbook snapshot, record
its hash, and mark the terminal run finalized. A finalized cycle rejects
every further mutation; 'sqlguard audit --reopen' starts a successor sync.

Finalize refuses while active issues without a documented exception remain.
--force overrides the gate after an interactive confirmation.

Examples:
  sqlguard finalize          # refused while active issues remain (exit 5)
  sqlguard finalize --force  # seal the cycle anyway`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		env, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer env.close()

		force, _ := cmd.Flags().GetBool("force")
		if force && ui.IsTerminal() {
			confirmed := false
			form := huh.NewForm(huh.NewGroup(
				huh.NewConfirm().
					Title("Finalize with active issues?").
					Description("Open findings without a documented exception will be sealed into the final report.").
					Affirmative("Finalize").
					Negative("Abort").
					Value(&confirmed),
			))
			if err := form.Run(); err != nil {
				return errkind.ErrCancelled
			}
			if !confirmed {
				fmt.Println("finalize aborted")
				return nil
			}
		}

		out, err := env.engine.Finalize(ctx, force)
		if err != nil {
			if errors.Is(err, errkind.ErrFinalizeRefused) {
				ui.Warnf("%v", err)
				ui.Warnf("document exceptions in the workbook and sync, or rerun with --force")
			}
			return err
		}

		ui.Successf("cycle finalized: run %d sealed", out.Run.ID)
		fmt.Printf("final report: %s\n", env.engine.ReportPath)
		fmt.Printf("report sha256: %s\n", out.Run.FinalReportHash)
		fmt.Println(ui.RenderStats(out.Stats))
		return nil
	},
}

func init() {
	finalizeCmd.Flags().Bool("force", false, "finalize despite active issues")
	rootCmd.AddCommand(finalizeCmd)
}
