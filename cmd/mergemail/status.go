package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foxzi/mergemail/internal/table"
)

var statusCmd = &cobra.Command{
	Use:   "status <table.csv>",
	Short: "Show per-status row counts for a table",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	tbl, err := table.Load(args[0], cfg.Send.EmailColumn)
	if err != nil {
		return fmt.Errorf("failed to load recipient table: %w", err)
	}

	c := tbl.Counts()
	fmt.Printf("Rows:    %d\n", c.Total)
	fmt.Printf("Pending: %d\n", c.Pending)
	fmt.Printf("Sent:    %d\n", c.Sent)
	fmt.Printf("Draft:   %d\n", c.Draft)
	fmt.Printf("Skipped: %d\n", c.Skipped)
	fmt.Printf("Error:   %d\n", c.Error)

	noAddr := 0
	for _, r := range tbl.Rows {
		if r.Email == "" && r.Status == table.StatusPending {
			noAddr++
		}
	}
	if noAddr > 0 {
		fmt.Printf("\n%d pending row(s) have no extractable address and will be skipped.\n", noAddr)
	}

	return nil
}
