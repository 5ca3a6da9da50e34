package cli

import (
	"fmt"
	"io"

	"brickkit/internal/reconcile"
)

// FormatRunReport writes a human-readable execution report to w.
func FormatRunReport(w io.Writer, report *reconcile.RunReport) {
	if len(report.Results) == 0 {
		fmt.Fprintln(w, "Nothing to do.")
		return
	}
	for _, res := range report.Results {
		marker := "✓"
		if !res.Success {
			marker = "✗"
		}
		fmt.Fprintf(w, "  %s %-13s %-18s %s", marker, res.Operation, res.ResourceType, res.ResourceName)
		if res.Message != "" {
			fmt.Fprintf(w, " (%s)", res.Message)
		}
		fmt.Fprintln(w)
		for _, c := range res.ChangesApplied {
			fmt.Fprintf(w, "      %s %s", c.Action, c.FieldPath)
			if c.Action == reconcile.ActionModify {
				fmt.Fprintf(w, ": %q → %q", c.Observed, c.Declared)
			}
			fmt.Fprintln(w)
		}
		for _, e := range res.Errors {
			fmt.Fprintf(w, "      error: %s\n", e)
		}
	}

	summary := report.Summary()
	fmt.Fprintf(w, "\nApply complete: %d created, %d updated, %d deleted, %d unchanged, %d failed.\n",
		summary[reconcile.OpCreate], summary[reconcile.OpUpdate],
		summary[reconcile.OpDelete], summary[reconcile.OpSkip],
		summary[reconcile.OpError])
}

// FormatDriftReport writes a human-readable drift report to w.
func FormatDriftReport(w io.Writer, drift *reconcile.DriftReport) {
	fmt.Fprintf(w, "Drift report (%s, %s)\n", drift.Environment, drift.Timestamp.Format("2006-01-02 15:04:05 MST"))

	if !drift.HasDrift() && len(drift.Unmanaged) == 0 {
		fmt.Fprintf(w, "  No drift. %d resource(s) compliant.\n", len(drift.Compliant))
		return
	}

	for _, entry := range drift.Missing {
		fmt.Fprintf(w, "  - missing    [%s] %s %s\n", entry.Severity, entry.ResourceType, entry.ResourceName)
	}
	for _, entry := range drift.Drifted {
		fmt.Fprintf(w, "  ~ drifted    [%s] %s %s\n", entry.Severity, entry.ResourceType, entry.ResourceName)
		for _, c := range entry.Changes {
			fmt.Fprintf(w, "      %s %s: %q → %q\n", c.Action, c.FieldPath, c.Observed, c.Declared)
		}
	}
	for _, entry := range drift.Unmanaged {
		fmt.Fprintf(w, "  ? unmanaged  %s %s (reported only)\n", entry.ResourceType, entry.ResourceName)
	}
	fmt.Fprintf(w, "  %d compliant, %d drifted, %d missing, %d unmanaged.\n",
		len(drift.Compliant), len(drift.Drifted), len(drift.Missing), len(drift.Unmanaged))
}
