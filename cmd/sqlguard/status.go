package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sqlguard/sqlguard/internal/stats"
	"github.com/sqlguard/sqlguard/internal/types"
	"github.com/sqlguard/sqlguard/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the audit cycle lifecycle and compliance stats",
	Long: `Show the current cycle at a glance: the baseline, every sync, the
finalized run if any, and the compliance counts of the most recent
completed run.

Examples:
  sqlguard status
  sqlguard status --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		env, err := openStoreOnly(ctx)
		if err != nil {
			return err
		}
		defer env.close()

		baseline, err := env.store.LatestBaseline(ctx, env.settings.Organization)
		if err != nil {
			return err
		}
		if baseline == nil {
			fmt.Printf("no audit cycle for %s yet; run 'sqlguard audit' to start one\n",
				env.settings.Organization)
			return nil
		}
		chain, err := env.store.RunChain(ctx, baseline.ID)
		if err != nil {
			return err
		}

		// Stats reflect the most recent run that actually completed.
		var current, previous *types.AuditRun
		for _, r := range chain {
			if r.Status == types.RunCompleted || r.Status == types.RunFinalized {
				previous = current
				current = r
			}
		}

		var st *types.Stats
		var health []instanceHealth
		if current != nil {
			var previousID *int64
			if previous != nil {
				previousID = &previous.ID
			}
			st, err = stats.Calculate(ctx, env.store, baseline.ID, current.ID, previousID)
			if err != nil {
				return err
			}
			health, err = scanHealth(ctx, env, current.ID)
			if err != nil {
				return err
			}
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"organization": env.settings.Organization,
				"audit_date":   env.settings.AuditDate,
				"runs":         chain,
				"stats":        st,
				"instances":    health,
			})
		}

		fmt.Printf("%s - audit %s\n\n", env.settings.Organization, env.settings.AuditDate)
		fmt.Println(ui.RenderRunChain(chain))
		if st != nil {
			fmt.Println(ui.RenderStats(st))
		}
		if len(health) > 0 {
			fmt.Printf("\ninstances in run %d:\n", current.ID)
			for _, h := range health {
				if h.Scanned {
					fmt.Printf("  %s: %d finding(s)\n", h.Instance, h.Findings)
				} else {
					ui.Warnf("  %s: not scanned in this run", h.Instance)
				}
			}
		}
		if current != nil && current.UnreachableTargets != "" {
			ui.Warnf("unreachable targets in run %d: %s", current.ID, current.UnreachableTargets)
		}
		return nil
	},
}

type instanceHealth struct {
	Instance string `json:"instance"`
	Scanned  bool   `json:"scanned"`
	Findings int    `json:"findings"`
}

// scanHealth reports, per known instance, whether the run covered it and
// how many findings it produced. An instance with no rows in the run was
// unreachable or removed from the target list.
func scanHealth(ctx context.Context, env *env, runID int64) ([]instanceHealth, error) {
	instances, err := env.store.ListInstances(ctx)
	if err != nil {
		return nil, err
	}
	findings, err := env.store.GetFindings(ctx, runID, "")
	if err != nil {
		return nil, err
	}
	counts := make(map[int64]int)
	for _, f := range findings {
		counts[f.InstanceID]++
	}

	ids := make([]int64, 0, len(instances))
	for id := range instances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]instanceHealth, 0, len(ids))
	for _, id := range ids {
		out = append(out, instanceHealth{
			Instance: instances[id],
			Scanned:  counts[id] > 0,
			Findings: counts[id],
		})
	}
	return out, nil
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
