package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sqlguard/sqlguard/internal/collect"
	"github.com/sqlguard/sqlguard/internal/config"
	"github.com/sqlguard/sqlguard/internal/ui"
)

var prepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Validate targets and report remote prep requirements",
	Long: `Validate the target list and report what each target needs before a
collection can succeed: reachable TCP endpoint, a login with VIEW SERVER
STATE, and for SQL authentication a credential in the environment.

prepare never connects to a target and never changes remote state; it is a
preflight checklist for the operator.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		targets, err := config.LoadTargets(config.GetString("targets-file"))
		if err != nil {
			return err
		}

		var creds collect.EnvCredentialSource
		problems := 0
		for _, t := range targets {
			label := t.ID
			if t.DisplayName != "" {
				label = fmt.Sprintf("%s (%s)", t.ID, t.DisplayName)
			}
			fmt.Printf("%s\n", label)
			fmt.Printf("  endpoint: %s", t.Server)
			if t.Instance != "" {
				fmt.Printf("\\%s", t.Instance)
			}
			if t.Port != 0 {
				fmt.Printf(":%d", t.Port)
			}
			fmt.Println()

			switch t.Auth {
			case config.AuthIntegrated:
				fmt.Println("  auth: integrated (process identity needs a server login)")
			case config.AuthSQL:
				fmt.Printf("  auth: sql as %s\n", t.Username)
				if _, err := creds.Password(t.CredentialRef); err != nil {
					ui.Warnf("  credential %q not found in environment", t.CredentialRef)
					problems++
				} else {
					fmt.Printf("  credential %q resolved\n", t.CredentialRef)
				}
			}
			fmt.Println("  required grants: VIEW SERVER STATE, VIEW ANY DEFINITION, msdb read access")
		}

		if problems > 0 {
			ui.Warnf("%d target(s) need attention before an audit run", problems)
		} else {
			ui.Successf("%d target(s) ready", len(targets))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(prepareCmd)
}
