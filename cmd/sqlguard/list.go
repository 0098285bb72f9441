package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sqlguard/sqlguard/internal/types"
	"github.com/sqlguard/sqlguard/internal/ui"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List findings of a run",
	Long: `List the findings of a run, most recent completed run by default.

Examples:
  sqlguard list                       # everything from the latest run
  sqlguard list --status FAIL         # open failures only
  sqlguard list --type config         # one finding type
  sqlguard list --run 3               # a specific run
  sqlguard list --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

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

		ftFilter, _ := cmd.Flags().GetString("type")
		findings, err := env.store.GetFindings(ctx, runID, types.FindingType(ftFilter))
		if err != nil {
			return err
		}

		statusFilter, _ := cmd.Flags().GetString("status")
		if statusFilter != "" {
			filtered := findings[:0]
			for _, f := range findings {
				if strings.EqualFold(string(f.Status), statusFilter) {
					filtered = append(filtered, f)
				}
			}
			findings = filtered
		}

		instFilter, _ := cmd.Flags().GetString("instance")
		if instFilter != "" {
			instances, err := env.store.ListInstances(ctx)
			if err != nil {
				return err
			}
			filtered := findings[:0]
			for _, f := range findings {
				label := instances[f.InstanceID]
				if strings.Contains(strings.ToLower(label), strings.ToLower(instFilter)) {
					filtered = append(filtered, f)
				}
			}
			findings = filtered
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(findings)
		}
		if len(findings) == 0 {
			fmt.Println("no findings match")
			return nil
		}
		fmt.Println(ui.RenderFindings(findings))
		fmt.Printf("%d finding(s) from run %d\n", len(findings), runID)
		return nil
	},
}

func init() {
	listCmd.Flags().Int64("run", 0, "run id (default: latest completed run)")
	listCmd.Flags().String("type", "", "filter by finding type")
	listCmd.Flags().String("status", "", "filter by status (PASS, WARN, FAIL)")
	listCmd.Flags().String("instance", "", "filter by instance label substring")
	rootCmd.AddCommand(listCmd)
}
