package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sqlguard/sqlguard/internal/errkind"
	"github.com/sqlguard/sqlguard/internal/remedy"
	"github.com/sqlguard/sqlguard/internal/types"
	"github.com/sqlguard/sqlguard/internal/ui"
)

var remediateCmd = &cobra.Command{
	Use:   "remediate",
	Short: "Generate remediation T-SQL scripts from failed findings",
	Long: `Generate one T-SQL script per instance covering the FAIL findings of
the latest completed run. Scripts are written next to the workbook for
operator review; sqlguard never executes them.

Examples:
  sqlguard remediate
  sqlguard remediate --run 3
  sqlguard remediate --out /tmp/fixes`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		if apply, _ := cmd.Flags().GetBool("apply"); apply {
			return errkind.Config("--apply is not supported; review and run the generated scripts yourself")
		}

		env, err := openStoreOnly(ctx)
		if err != nil {
			return err
		}
		defer env.close()

		runID, _ := cmd.Flags().GetInt64("run")
		if runID == 0 {
			baseline, err := env.store.LatestBaseline(ctx, env.settings.Organization)
			if err != nil {
				return err
			}
			if baseline == nil {
				fmt.Println("no runs yet")
				return nil
			}
			chain, err := env.store.RunChain(ctx, baseline.ID)
			if err != nil {
				return err
			}
			for _, r := range chain {
				if r.Status == types.RunCompleted || r.Status == types.RunFinalized {
					runID = r.ID
				}
			}
			if runID == 0 {
				fmt.Println("no completed runs yet")
				return nil
			}
		}

		findings, err := env.store.GetFindings(ctx, runID, "")
		if err != nil {
			return err
		}
		instances, err := env.store.ListInstances(ctx)
		if err != nil {
			return err
		}

		scripts := remedy.Generate(findings, instances)
		if len(scripts) == 0 {
			ui.Successf("run %d has no failed findings; nothing to remediate", runID)
			return nil
		}

		outDir, _ := cmd.Flags().GetString("out")
		if outDir == "" {
			outDir = filepath.Dir(env.reportPathOrDefault())
		}
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return fmt.Errorf("creating script directory: %w", err)
		}

		for _, s := range scripts {
			path := filepath.Join(outDir, "remediate_"+sanitizeInstance(s.Instance)+".sql")
			if err := os.WriteFile(path, []byte(s.Render()), 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", path, err)
			}
			fmt.Printf("%s  (%d fix(es))\n", path, len(s.Fixes))
		}
		ui.Warnf("review every script before execution; exceptions are not filtered out automatically")
		return nil
	},
}

// sanitizeInstance turns a "SERVER\INSTANCE" label into a safe file stem.
func sanitizeInstance(label string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '_'
		}
	}, label)
}

func init() {
	remediateCmd.Flags().Int64("run", 0, "run id (default: latest completed run)")
	remediateCmd.Flags().String("out", "", "output directory (default: the report directory)")
	remediateCmd.Flags().Bool("apply", false, "execute scripts against targets (refused)")
	rootCmd.AddCommand(remediateCmd)
}
