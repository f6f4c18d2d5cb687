package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foxzi/mergemail/internal/table"
)

var (
	resetStatuses []string
	resetOut      string
)

var resetCmd = &cobra.Command{
	Use:   "reset <table.csv>",
	Short: "Return rows in the given statuses to pending",
	Long: `Reset rewrites a table with the selected terminal statuses returned
to pending, so the next run re-processes them. Threading identifiers are
kept, which makes resetting sent rows the way to start a follow-up run.`,
	Args: cobra.ExactArgs(1),
	RunE: runReset,
}

func init() {
	resetCmd.Flags().StringSliceVar(&resetStatuses, "status", []string{"error"},
		"statuses to reset (sent, draft, skipped, error)")
	resetCmd.Flags().StringVar(&resetOut, "out", "", "output file (default: overwrite input)")
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	tbl, err := table.Load(args[0], cfg.Send.EmailColumn)
	if err != nil {
		return fmt.Errorf("failed to load recipient table: %w", err)
	}

	var statuses []table.Status
	for _, s := range resetStatuses {
		st := table.ParseStatus(s)
		if !st.Terminal() {
			return fmt.Errorf("cannot reset status %q (must be sent, draft, skipped, or error)", s)
		}
		statuses = append(statuses, st)
	}

	n := tbl.Reset(statuses...)

	out := resetOut
	if out == "" {
		out = args[0]
	}
	if err := tbl.Save(out); err != nil {
		return fmt.Errorf("failed to save table: %w", err)
	}

	fmt.Printf("Reset %d row(s) to pending: %s\n", n, out)
	return nil
}
