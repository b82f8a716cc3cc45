package hummingbird

import (
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
)

// WriteStatus renders a status report. planErr is the reconciliation error
// returned by Runner.Status, if any; its snapshots are printed in full.
func WriteStatus(w io.Writer, status *Status, planErr error) {
	fmt.Fprintln(w, "Migration Status:")
	fmt.Fprintln(w, "=================")

	if !status.Initialized {
		fmt.Fprintln(w, "\nTracking table not found: database has not been bootstrapped")
	}

	if len(status.Applied) > 0 {
		fmt.Fprintf(w, "\nApplied (%d):\n", len(status.Applied))
		for _, r := range status.Applied {
			fmt.Fprintf(w, "  ✓ %s (run on %s, %s)\n", r.MigrationName, formatRunOn(r), humanize.Time(r.RunTime()))
		}
	}

	if len(status.Pending) > 0 {
		fmt.Fprintf(w, "\nPending (%d):\n", len(status.Pending))
		for _, name := range status.Pending {
			fmt.Fprintf(w, "  ○ %s\n", name)
		}
	}

	writeList(w, "Missing From Plan", "?", status.MissingFromPlan)
	writeList(w, "Missing From Migration Directory", "!", status.MissingFromMigrationDir)
	writeList(w, "Listed More Than Once In Plan", "!", status.DuplicatePlanned)

	var pe *PlanError
	if errors.As(planErr, &pe) {
		WritePlanError(w, pe)
		return
	}

	if planErr == nil && len(status.Pending) == 0 && len(status.MissingFromPlan) == 0 &&
		len(status.MissingFromMigrationDir) == 0 && len(status.DuplicatePlanned) == 0 {
		fmt.Fprintln(w, "\nAll migrations are up to date!")
	}
}

// WritePlanError prints a reconciliation failure with both snapshots it carries
func WritePlanError(w io.Writer, pe *PlanError) {
	fmt.Fprintf(w, "\nPlan Error: %s\n", pe.Message)
	fmt.Fprintf(w, "\n  Planned files (%d):\n", len(pe.PlannedFiles))
	for _, name := range pe.PlannedFiles {
		fmt.Fprintf(w, "    %s\n", name)
	}
	fmt.Fprintf(w, "\n  Already run migrations (%d):\n", len(pe.AlreadyRunMigrations))
	for _, r := range pe.AlreadyRunMigrations {
		fmt.Fprintf(w, "    %s  %s\n", formatRunOn(r), r.MigrationName)
	}
}

func writeList(w io.Writer, title, marker string, names []string) {
	if len(names) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s (%d):\n", title, len(names))
	for _, name := range names {
		fmt.Fprintf(w, "  %s %s\n", marker, name)
	}
}
