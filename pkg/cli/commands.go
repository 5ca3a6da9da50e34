package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"brickkit/internal/config"
	"brickkit/internal/convention"
	"brickkit/internal/declarative"
	"brickkit/internal/domain"
	"brickkit/internal/reconcile"
)

// loadDeclarations reads the declaration directory and surfaces convention
// validation results.
func loadDeclarations(dir string) ([]*domain.Resource, *convention.Convention, error) {
	roots, conv, err := declarative.LoadDirectory(dir)
	if err != nil {
		return nil, nil, err
	}
	if len(roots) == 0 {
		return nil, nil, fmt.Errorf("no resource declarations found in %s", dir)
	}
	return roots, conv, nil
}

func newValidateCmd() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate declarations and conventions without contacting any backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			roots, conv, err := loadDeclarations(configDir)
			if err != nil {
				return err
			}

			var failures int
			for _, root := range roots {
				if err := root.CheckTree(); err != nil {
					fmt.Fprintf(os.Stderr, "  ✗ %s: %v\n", root.FQN(), err)
					failures++
				}
				if conv == nil {
					continue
				}
				for _, v := range conv.Validate(root) {
					marker := "✗"
					if v.Severity == convention.ModeAdvisory {
						marker = "!"
					} else {
						failures++
					}
					fmt.Fprintf(os.Stderr, "  %s %s: %s: %s\n", marker, v.Resource, v.Rule, v.Detail)
				}
			}
			if failures > 0 {
				exitCode = 2
				fmt.Fprintf(os.Stdout, "Validation failed: %d error(s).\n", failures)
				return nil
			}
			fmt.Fprintln(os.Stdout, "Validation passed.")
			return nil
		},
	}

	cmd.Flags().StringVar(&configDir, "config-dir", "./governance", "Path to the declaration directory")
	return cmd
}

func newPlanCmd() *cobra.Command {
	var (
		configDir string
		offline   bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the changes a reconcile would apply, without applying them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			roots, _, err := loadDeclarations(configDir)
			if err != nil {
				return err
			}
			client, sqlExec, err := newBackends(offline)
			if err != nil {
				return err
			}

			rc := reconcile.New(client, sqlExec, reconcile.Options{
				DryRun:     true,
				Sequential: true,
				MaxRetries: cfg.MaxRetries,
			}, logger)

			report := &reconcile.RunReport{}
			for _, root := range roots {
				r, err := rc.Reconcile(cmd.Context(), root)
				if err != nil {
					return err
				}
				report.Results = append(report.Results, r.Results...)
			}
			FormatRunReport(os.Stdout, report)
			return nil
		},
	}

	cmd.Flags().StringVar(&configDir, "config-dir", "./governance", "Path to the declaration directory")
	cmd.Flags().BoolVar(&offline, "offline", false, "Plan against an empty in-memory backend")
	return cmd
}

func newDriftCmd() *cobra.Command {
	var (
		configDir string
		offline   bool
	)

	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Detect drift between declared and observed state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			roots, _, err := loadDeclarations(configDir)
			if err != nil {
				return err
			}
			client, sqlExec, err := newBackends(offline)
			if err != nil {
				return err
			}

			rc := reconcile.New(client, sqlExec, reconcile.Options{
				Sequential: true,
				MaxRetries: cfg.MaxRetries,
			}, logger)
			drift, err := rc.DetectDrift(cmd.Context(), roots)
			if err != nil {
				return err
			}
			FormatDriftReport(os.Stdout, drift)
			if drift.HasDrift() {
				exitCode = 1
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configDir, "config-dir", "./governance", "Path to the declaration directory")
	cmd.Flags().BoolVar(&offline, "offline", false, "Detect against an empty in-memory backend")
	return cmd
}

func newApplyCmd() *cobra.Command {
	var (
		configDir       string
		offline         bool
		autoApprove     bool
		continueOnError bool
		sequential      bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Reconcile declared state against the backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			roots, _, err := loadDeclarations(configDir)
			if err != nil {
				return err
			}
			client, sqlExec, err := newBackends(offline)
			if err != nil {
				return err
			}

			if !autoApprove {
				fmt.Fprintf(os.Stdout, "Apply %d resource tree(s) from %s? [y/N] ", len(roots), configDir)
				reader := bufio.NewReader(os.Stdin)
				answer, err := reader.ReadString('\n')
				if err != nil {
					return fmt.Errorf("read confirmation: %w", err)
				}
				answer = strings.TrimSpace(strings.ToLower(answer))
				if answer != "y" && answer != "yes" {
					fmt.Fprintln(os.Stdout, "Apply cancelled.")
					return nil
				}
			}

			rc := reconcile.New(client, sqlExec, reconcile.Options{
				DryRun:          cfg.DryRun,
				Sequential:      sequential,
				ContinueOnError: continueOnError,
				MaxRetries:      cfg.MaxRetries,
			}, logger)

			report, err := rc.DeployAll(cmd.Context(), roots)
			if err != nil {
				return err
			}
			FormatRunReport(os.Stdout, report)
			exitCode = report.ExitStatus()
			return nil
		},
	}

	cmd.Flags().StringVar(&configDir, "config-dir", "./governance", "Path to the declaration directory")
	cmd.Flags().BoolVar(&offline, "offline", false, "Apply to an in-memory backend (demo mode)")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Skip the confirmation prompt")
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "Keep reconciling siblings after a per-resource failure")
	cmd.Flags().BoolVar(&sequential, "sequential", false, "Disable concurrent reconciliation for deterministic output")
	return cmd
}
