// sqlguard audits SQL Server instances against a security baseline and
// tracks remediation across an audit cycle.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sqlguard/sqlguard/internal/collect"
	"github.com/sqlguard/sqlguard/internal/config"
	"github.com/sqlguard/sqlguard/internal/debug"
	"github.com/sqlguard/sqlguard/internal/engine"
	"github.com/sqlguard/sqlguard/internal/errkind"
	"github.com/sqlguard/sqlguard/internal/store"
	"github.com/sqlguard/sqlguard/internal/workbook"
)

// Version and Build are stamped by the release workflow.
var (
	Version = "dev"
	Build   = "unknown"
)

var (
	projectDir string
	dbPath     string
	reportPath string
	verbose    bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "sqlguard",
	Short: "sqlguard - SQL Server security compliance auditor",
	Long: `sqlguard collects the security posture of SQL Server instances,
classifies it against a requirement catalog, and tracks remediation across
an audit cycle: one baseline, any number of syncs, one finalize.

Operator review happens in an Excel workbook that sqlguard regenerates after
every run; edits to its annotation columns round-trip into the durable store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("sqlguard version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if projectDir != "" {
			if err := os.Chdir(projectDir); err != nil {
				return errkind.Config("changing to %s: %v", projectDir, err)
			}
		}
		if verbose {
			os.Setenv("SQLGUARD_DEBUG", "1")
		}
		if err := config.Initialize(); err != nil {
			return errkind.Config("%v", err)
		}
		if dir, err := config.DataDir(); err == nil {
			debug.Setup(dir)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectDir, "dir", "", "project directory (default: walk up from cwd)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "store path (default: <data dir>/sqlguard.db)")
	rootCmd.PersistentFlags().StringVar(&reportPath, "report", "", "workbook path (default: <data dir>/reports/<org>_security_audit_<date>.xlsx)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose diagnostics to stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "JSON output where supported")
	rootCmd.Flags().Bool("version", false, "print version and exit")
}

// env is everything an audit command needs, opened once and closed together.
type env struct {
	store    *store.Store
	engine   *engine.Engine
	settings *config.AuditSettings
	targets  []config.Target
}

func (e *env) close() {
	if e.store != nil {
		_ = e.store.Close()
	}
}

// openEnv loads configuration, acquires the store, and wires the engine.
func openEnv(ctx context.Context) (*env, error) {
	if err := workbook.SelfCheck(); err != nil {
		return nil, err
	}
	settings, err := config.LoadSettings(config.GetString("settings-file"))
	if err != nil {
		return nil, err
	}
	targets, err := config.LoadTargets(config.GetString("targets-file"))
	if err != nil {
		return nil, err
	}
	creds := collect.EnvCredentialSource{}
	for _, t := range targets {
		if t.Auth != config.AuthSQL {
			continue
		}
		if _, err := creds.Password(t.CredentialRef); err != nil {
			return nil, errkind.Config("target %q: %v", t.ID, err)
		}
	}

	path := dbPath
	if path == "" {
		path, err = config.StorePath()
		if err != nil {
			return nil, err
		}
	}
	s, err := store.New(ctx, path)
	if err != nil {
		return nil, err
	}

	report := reportPath
	if report == "" {
		dir, err := config.DataDir()
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		reportDir := filepath.Join(dir, config.GetString("report-dir"))
		if err := os.MkdirAll(reportDir, 0o755); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("creating report directory: %w", err)
		}
		report = filepath.Join(reportDir, reportFileName(settings))
	}

	collector := collect.NewMSSQLCollector(creds)
	return &env{
		store:    s,
		settings: settings,
		targets:  targets,
		engine: &engine.Engine{
			Store:      s,
			Pool:       collect.NewPool(collector),
			Targets:    targets,
			Settings:   settings,
			ReportPath: report,
		},
	}, nil
}

// openStoreOnly is for read-only commands that need no targets or collector.
func openStoreOnly(ctx context.Context) (*env, error) {
	settings, err := config.LoadSettings(config.GetString("settings-file"))
	if err != nil {
		return nil, err
	}
	path := dbPath
	if path == "" {
		path, err = config.StorePath()
		if err != nil {
			return nil, err
		}
	}
	s, err := store.New(ctx, path)
	if err != nil {
		return nil, err
	}
	return &env{store: s, settings: settings}, nil
}

// reportPathOrDefault resolves the workbook path the way openEnv does, for
// commands that open the store without the collector.
func (e *env) reportPathOrDefault() string {
	if reportPath != "" {
		return reportPath
	}
	dir, err := config.DataDir()
	if err != nil {
		return reportFileName(e.settings)
	}
	return filepath.Join(dir, config.GetString("report-dir"), reportFileName(e.settings))
}

func reportFileName(s *config.AuditSettings) string {
	org := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s.Organization)
	return fmt.Sprintf("%s_security_audit_%s.xlsx", org, s.AuditDate)
}

// signalContext cancels on Ctrl-C or SIGTERM so a running sync rolls back
// cleanly and exits 130.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(errkind.ExitCode(err))
	}
}
