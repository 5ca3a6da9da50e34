// Package cli implements the brickkit command line: validate, plan, drift,
// and apply over a declaration directory. All engine logic lives in
// internal/; the CLI is a thin shell that wires backends and prints reports.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"brickkit/internal/backend"
	"brickkit/internal/backend/memory"
	"brickkit/internal/config"
)

// exitCode carries the engine's exit convention (0 clean, 1 drift detected,
// 2 failures) out of RunE handlers.
var exitCode int

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	exitCode = 0
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return exitCode
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "brickkit",
		Short:         "Declarative governance for a lakehouse catalog",
		Long:          "brickkit reconciles declared catalogs, schemas, tables, grants, tags, and policies against a catalog service, reporting drift and applying only the changes needed.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newValidateCmd())
	root.AddCommand(newPlanCmd())
	root.AddCommand(newDriftCmd())
	root.AddCommand(newApplyCmd())
	return root
}

// newLogger builds the process logger from environment configuration.
func newLogger(cfg *config.Config) *slog.Logger {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}
	return logger
}

// newBackends returns the catalog client and SQL executor for a run. Only
// the offline in-memory backend ships with this repository; connecting a
// real workspace means supplying CatalogClient and SQLExecutor
// implementations to the engine packages directly.
func newBackends(offline bool) (backend.CatalogClient, backend.SQLExecutor, error) {
	if !offline {
		return nil, nil, fmt.Errorf("no workspace client configured; run with --offline or embed the engine with your own backend.CatalogClient")
	}
	mem := memory.New()
	return mem, mem, nil
}
