// Package run drives one batch invocation: it selects the pending
// rows, dispatches them one at a time, tracks per-row state
// transitions, and persists the table so a later invocation resumes
// where this one left off.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/mergemail/internal/dispatch"
	"github.com/foxzi/mergemail/internal/message"
	"github.com/foxzi/mergemail/internal/metrics"
	"github.com/foxzi/mergemail/internal/provider"
	"github.com/foxzi/mergemail/internal/quota"
	"github.com/foxzi/mergemail/internal/render"
	"github.com/foxzi/mergemail/internal/table"
)

// Config is the caller-supplied configuration for one invocation. It
// is immutable for the invocation's duration.
type Config struct {
	SubjectTemplate string
	BodyTemplate    string
	Intent          message.Intent
	BatchSize       int
	LabelName       string
	ReplyPolicy     message.ReplyPolicy

	// Sender is the sending mailbox, used as the quota key.
	Sender string
}

// RowError pairs an errored row with its failure message.
type RowError struct {
	RowID   int
	Email   string
	Message string
}

// Summary reports the outcome of one invocation.
type Summary struct {
	RunID            string
	Sent             int
	Drafted          int
	Skipped          int
	Errored          int
	PendingRemaining int
	NothingToDo      bool
	Interrupted      bool
	QuotaExhausted   bool
	SnapshotPath     string
	Errors           []RowError
}

// Budget gates sends against a persisted quota. Check is consulted
// before each send; Record counts a send the provider accepted, so
// failed attempts spend nothing. A nil budget allows everything.
type Budget interface {
	Check(sender string) quota.Result
	Record(sender string)
}

// stopReason tells the batch loop why a row could not complete.
type stopReason int

const (
	stopNone stopReason = iota
	stopQuota
	stopInterrupted
)

// Runner executes batch invocations.
type Runner struct {
	provider   provider.Provider
	dispatcher *dispatch.Dispatcher
	budget     Budget
	store      Store
	metrics    *metrics.Collector
	logger     *slog.Logger
}

// New creates a runner. budget may be nil (no quota enforcement);
// metrics may be nil (no instrumentation).
func New(p provider.Provider, d *dispatch.Dispatcher, budget Budget, store Store, m *metrics.Collector, logger *slog.Logger) *Runner {
	return &Runner{
		provider:   p,
		dispatcher: d,
		budget:     budget,
		store:      store,
		metrics:    m,
		logger:     logger,
	}
}

// Run processes one batch of pending rows and persists the updated
// table. Per-row failures are recorded on the rows and in the summary;
// only infrastructure failures (snapshot persistence) are returned as
// errors, since losing updated state risks duplicate sends on retry.
func (r *Runner) Run(ctx context.Context, tbl *table.Table, cfg Config) (*Summary, error) {
	start := time.Now()
	summary := &Summary{RunID: uuid.NewString()}
	logger := r.logger.With("run_id", summary.RunID, "intent", cfg.Intent)

	limit := cfg.BatchSize
	if cfg.Intent == message.IntentDraft {
		// Drafts carry no delay cost; process all pending rows at once.
		limit = 0
	}

	batch := tbl.Pending(limit)
	if len(batch) == 0 {
		summary.NothingToDo = true
		summary.PendingRemaining = 0
		logger.Info("nothing to do, no pending rows")
		return summary, nil
	}

	logger.Info("starting batch",
		"rows", len(batch),
		"batch_size", cfg.BatchSize,
		"delay_limited", cfg.Intent != message.IntentDraft,
	)

	labelID := r.ensureLabel(ctx, cfg, logger)

	for i, row := range batch {
		// Cancellation is honored between rows and during waits, never
		// mid provider call, so a completed send is always recorded
		// before we stop.
		if ctx.Err() != nil {
			summary.Interrupted = true
			logger.Warn("batch interrupted", "processed", i, "remaining", len(batch)-i)
			break
		}

		called, stop := r.processRow(ctx, row, cfg, labelID, summary, logger)
		if stop == stopQuota {
			summary.QuotaExhausted = true
			logger.Warn("send budget exhausted, stopping batch", "processed", i)
			break
		}
		if stop == stopInterrupted {
			summary.Interrupted = true
			logger.Warn("batch interrupted during dispatch", "processed", i)
			break
		}

		// The delay paces provider calls; rows resolved without one
		// proceed immediately.
		if called && i < len(batch)-1 {
			if err := r.dispatcher.Wait(ctx, cfg.Intent); err != nil {
				summary.Interrupted = true
				logger.Warn("batch interrupted during delay", "processed", i+1)
				break
			}
		}
	}

	counts := tbl.Counts()
	summary.PendingRemaining = counts.Pending
	r.metrics.SetPending(counts.Pending)
	r.metrics.ObserveRunDuration(time.Since(start).Seconds())

	path, err := r.store.Save(tbl)
	if err != nil {
		// Escalated: the caller must not trust this run's result until
		// the updated state is safely persisted.
		return summary, fmt.Errorf("failed to persist table snapshot: %w", err)
	}
	summary.SnapshotPath = path

	logger.Info("batch finished",
		"sent", summary.Sent,
		"drafted", summary.Drafted,
		"skipped", summary.Skipped,
		"errored", summary.Errored,
		"pending_remaining", summary.PendingRemaining,
		"snapshot", path,
	)

	return summary, nil
}

// processRow takes one row from pending to a terminal state. called
// reports whether a provider call was made, so the loop knows whether
// to pace before the next row. A non-zero stop reason halts the batch
// with this row left pending.
func (r *Runner) processRow(ctx context.Context, row *table.Row, cfg Config, labelID string, summary *Summary, logger *slog.Logger) (called bool, stop stopReason) {
	rowLog := logger.With("row_id", row.RowID)

	if row.Email == "" {
		row.MarkSkipped()
		summary.Skipped++
		r.metrics.IncSkipped()
		rowLog.Info("row skipped, no extractable address")
		return false, stopNone
	}

	subject := render.Render(cfg.SubjectTemplate, row.Fields)
	body := render.FormatRich(render.Render(cfg.BodyTemplate, row.Fields))

	payload, err := message.Build(cfg.Intent, row.Email, subject, body, row.ThreadID, row.RfcMessageID, cfg.ReplyPolicy)
	if err != nil {
		if errors.Is(err, message.ErrThreadingDataMissing) {
			row.MarkSkipped()
			summary.Skipped++
			r.metrics.IncSkipped()
			rowLog.Warn("row skipped, reply has no threading data")
			return false, stopNone
		}
		row.MarkError(err.Error())
		summary.Errored++
		summary.Errors = append(summary.Errors, RowError{RowID: row.RowID, Email: row.Email, Message: err.Error()})
		r.metrics.IncErrored("build")
		return false, stopNone
	}

	if payload.Degraded {
		rowLog.Warn("reply downgraded to new message, threading data missing", "to", row.Email)
	}

	if r.budget != nil && cfg.Intent != message.IntentDraft {
		if res := r.budget.Check(cfg.Sender); !res.Allowed {
			rowLog.Warn("send denied by quota", "retry_after", res.RetryAfter)
			return false, stopQuota
		}
	}

	res, err := r.dispatcher.Dispatch(ctx, payload, cfg.Intent)
	if err != nil {
		// Cancellation mid-dispatch means the call was cut short, not
		// exhausted; the row stays pending for the next invocation.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			rowLog.Warn("dispatch interrupted, row stays pending", "to", row.Email)
			return true, stopInterrupted
		}
		var derr *dispatch.Error
		kind := "dispatch"
		if errors.As(err, &derr) {
			kind = string(derr.Kind)
		}
		row.MarkError(err.Error())
		summary.Errored++
		summary.Errors = append(summary.Errors, RowError{RowID: row.RowID, Email: row.Email, Message: err.Error()})
		r.metrics.IncErrored(kind)
		rowLog.Error("row failed", "to", row.Email, "kind", kind, "error", err)
		return true, stopNone
	}

	if cfg.Intent == message.IntentDraft {
		row.MarkDraft(res.ThreadID, res.RfcMessageID)
		summary.Drafted++
		r.metrics.IncDrafted()
		rowLog.Info("draft saved", "to", row.Email)
		return true, stopNone
	}

	row.MarkSent(res.ThreadID, res.RfcMessageID)
	summary.Sent++
	r.metrics.IncSent()
	rowLog.Info("row sent", "to", row.Email, "thread_id", res.ThreadID)

	if r.budget != nil {
		r.budget.Record(cfg.Sender)
	}
	if cfg.Intent == message.IntentNew && labelID != "" {
		r.dispatcher.ApplyLabel(ctx, res.ID, labelID)
	}

	return true, stopNone
}

// ensureLabel resolves the configured label for new-intent runs.
// Label handling is best-effort end to end: a failure here only means
// sent messages go untagged.
func (r *Runner) ensureLabel(ctx context.Context, cfg Config, logger *slog.Logger) string {
	if cfg.Intent != message.IntentNew || cfg.LabelName == "" {
		return ""
	}
	labelID, err := r.provider.EnsureLabel(ctx, cfg.LabelName)
	if err != nil {
		r.metrics.IncLabelFailure()
		logger.Warn("could not resolve label, sent messages will be untagged",
			"label", cfg.LabelName, "error", err)
		return ""
	}
	return labelID
}
