package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foxzi/mergemail/internal/message"
	"github.com/foxzi/mergemail/internal/render"
	"github.com/foxzi/mergemail/internal/table"
)

var previewRow int

var previewCmd = &cobra.Command{
	Use:   "preview <table.csv>",
	Short: "Render the message for one row without sending",
	Args:  cobra.ExactArgs(1),
	RunE:  runPreview,
}

func init() {
	previewCmd.Flags().IntVar(&previewRow, "row", 0, "row index to preview")
}

func runPreview(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	subject, body, err := cfg.Templates()
	if err != nil {
		return err
	}

	intent, err := message.ParseIntent(cfg.Send.Intent)
	if err != nil {
		return err
	}
	replyPolicy, err := message.ParseReplyPolicy(cfg.Send.ReplyPolicy)
	if err != nil {
		return err
	}

	tbl, err := table.Load(args[0], cfg.Send.EmailColumn)
	if err != nil {
		return fmt.Errorf("failed to load recipient table: %w", err)
	}
	if previewRow < 0 || previewRow >= len(tbl.Rows) {
		return fmt.Errorf("row %d out of range (table has %d rows)", previewRow, len(tbl.Rows))
	}

	row := tbl.Rows[previewRow]
	if row.Email == "" {
		fmt.Printf("Row %d has no extractable address and would be skipped.\n\n", row.RowID)
	}

	renderedSubject := render.Render(subject, row.Fields)
	renderedBody := render.FormatRich(render.Render(body, row.Fields))

	payload, err := message.Build(intent, row.Email, renderedSubject, renderedBody,
		row.ThreadID, row.RfcMessageID, replyPolicy)
	if err != nil {
		return fmt.Errorf("row %d would not be sent: %w", row.RowID, err)
	}

	fmt.Printf("To:      %s\n", payload.To)
	fmt.Printf("Subject: %s\n", payload.Subject)
	if payload.InReplyTo != "" {
		fmt.Printf("In-Reply-To: %s\n", payload.InReplyTo)
		fmt.Printf("Thread:      %s\n", payload.ThreadID)
	}
	if payload.Degraded {
		fmt.Println("Note: reply intent without threading data, would be sent as a new message.")
	}
	fmt.Printf("\n%s\n", payload.HTMLBody)

	return nil
}
