package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/foxzi/mergemail/internal/config"
	"github.com/foxzi/mergemail/internal/dispatch"
	"github.com/foxzi/mergemail/internal/message"
	"github.com/foxzi/mergemail/internal/metrics"
	"github.com/foxzi/mergemail/internal/provider"
	"github.com/foxzi/mergemail/internal/quota"
	"github.com/foxzi/mergemail/internal/run"
	"github.com/foxzi/mergemail/internal/table"
)

var runCmd = &cobra.Command{
	Use:   "run <table.csv>",
	Short: "Process one batch of pending rows",
	Long: `Run loads the recipient table, sends (or drafts) one message per
pending row up to the batch size, and writes an updated snapshot. Re-run
with the snapshot to continue with the remaining pending rows.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateCredentials(); err != nil {
		return fmt.Errorf("cannot read send credential: %w", err)
	}

	logger := setupLogger(cfg.Logging)

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gm, err := provider.NewGmail(ctx, provider.GmailConfig{
		ClientID:      cfg.Gmail.ClientID,
		ClientSecret:  cfg.Gmail.ClientSecret,
		RefreshToken:  cfg.Gmail.RefreshToken,
		SenderAddress: cfg.Gmail.Sender,
		SenderName:    cfg.Gmail.SenderName,
	}, logger.With("component", "gmail"))
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}

	var collector *metrics.Collector
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		collector = metrics.New()
		metricsServer = metrics.NewServer(collector, cfg.Metrics.ListenAddr, cfg.Metrics.Path,
			logger.With("component", "metrics"))
		metricsServer.Start()
		defer metricsServer.Stop(context.Background())
	}

	dispatcher := dispatch.New(gm, dispatch.Config{
		Delay:              cfg.Send.Delay,
		BaseBackoff:        cfg.Send.BaseBackoff,
		MaxBackoff:         cfg.Send.MaxBackoff,
		MaxThrottleRetries: cfg.Send.MaxThrottleRetries,
	}, collector, logger.With("component", "dispatcher"))

	var budget run.Budget
	if cfg.Quota.Enabled {
		tracker, err := quota.Open(cfg.Quota.Path, quota.Limits{
			MessagesPerHour: cfg.Quota.MessagesPerHour,
			MessagesPerDay:  cfg.Quota.MessagesPerDay,
		}, 0)
		if err != nil {
			return fmt.Errorf("failed to open quota database: %w", err)
		}
		defer tracker.Stop()
		budget = tracker
	}

	store := run.NewSnapshotStore(cfg.OutputDir, cfg.Send.Label)
	runner := run.New(gm, dispatcher, budget, store, collector, logger.With("component", "runner"))

	summary, err := runner.Run(ctx, tbl, run.Config{
		SubjectTemplate: subject,
		BodyTemplate:    body,
		Intent:          intent,
		BatchSize:       cfg.Send.BatchSize,
		LabelName:       cfg.Send.Label,
		ReplyPolicy:     replyPolicy,
		Sender:          cfg.Gmail.Sender,
	})
	if summary != nil {
		printSummary(summary)
	}
	return err
}

func printSummary(s *run.Summary) {
	if s.NothingToDo {
		fmt.Println("Nothing to do: no pending rows.")
		return
	}

	fmt.Printf("Run %s\n", s.RunID)
	fmt.Printf("  sent:    %d\n", s.Sent)
	fmt.Printf("  drafted: %d\n", s.Drafted)
	fmt.Printf("  skipped: %d\n", s.Skipped)
	fmt.Printf("  errored: %d\n", s.Errored)
	fmt.Printf("  pending: %d\n", s.PendingRemaining)
	if s.Interrupted {
		fmt.Println("  interrupted: state saved, re-run to continue")
	}
	if s.QuotaExhausted {
		fmt.Println("  quota exhausted: remaining rows stay pending")
	}
	if s.SnapshotPath != "" {
		fmt.Printf("  snapshot: %s\n", s.SnapshotPath)
	}
	for _, e := range s.Errors {
		fmt.Printf("  row %d (%s): %s\n", e.RowID, e.Email, e.Message)
	}
}
