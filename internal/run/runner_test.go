package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/foxzi/mergemail/internal/dispatch"
	"github.com/foxzi/mergemail/internal/message"
	"github.com/foxzi/mergemail/internal/provider"
	"github.com/foxzi/mergemail/internal/quota"
	"github.com/foxzi/mergemail/internal/table"
)

// mockProvider implements provider.Provider with per-address behavior.
type mockProvider struct {
	failAddrs map[string]error
	labelErr  error

	sent    []string
	drafted []string
	labeled []string
	nextID  int
}

func (m *mockProvider) result() provider.Result {
	m.nextID++
	return provider.Result{
		ID:           fmt.Sprintf("id-%d", m.nextID),
		ThreadID:     fmt.Sprintf("thread-%d", m.nextID),
		RfcMessageID: fmt.Sprintf("<m%d@mail>", m.nextID),
	}
}

func (m *mockProvider) Send(ctx context.Context, p *message.Payload) (provider.Result, error) {
	if err, ok := m.failAddrs[p.To]; ok {
		return provider.Result{}, err
	}
	m.sent = append(m.sent, p.To)
	return m.result(), nil
}

func (m *mockProvider) CreateDraft(ctx context.Context, p *message.Payload) (provider.Result, error) {
	if err, ok := m.failAddrs[p.To]; ok {
		return provider.Result{}, err
	}
	m.drafted = append(m.drafted, p.To)
	return m.result(), nil
}

func (m *mockProvider) EnsureLabel(ctx context.Context, name string) (string, error) {
	if m.labelErr != nil {
		return "", m.labelErr
	}
	return "label-1", nil
}

func (m *mockProvider) ApplyLabel(ctx context.Context, messageID, labelID string) error {
	m.labeled = append(m.labeled, messageID)
	return nil
}

// memStore keeps saved tables in memory; failErr makes Save fail.
type memStore struct {
	saves   int
	failErr error
}

func (s *memStore) Save(t *table.Table) (string, error) {
	if s.failErr != nil {
		return "", s.failErr
	}
	s.saves++
	return fmt.Sprintf("snapshot-%d.csv", s.saves), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestRunner(p provider.Provider, store Store, budget Budget) *Runner {
	d := dispatch.New(p, dispatch.Config{
		Delay:               0,
		BaseBackoff:         time.Millisecond,
		MaxBackoff:          2 * time.Millisecond,
		MaxThrottleRetries:  2,
		MaxTransientRetries: 1,
	}, nil, testLogger())
	return New(p, d, budget, store, nil, testLogger())
}

func testTable(emails ...string) *table.Table {
	t := &table.Table{
		Columns:     []string{"Name", "Email"},
		EmailColumn: "Email",
	}
	for i, e := range emails {
		t.Rows = append(t.Rows, &table.Row{
			RowID:  i,
			Fields: map[string]string{"Name": fmt.Sprintf("User%d", i), "Email": e},
			Email:  table.ExtractEmail(e),
			Status: table.StatusPending,
		})
	}
	return t
}

func newCfg(intent message.Intent, batchSize int) Config {
	return Config{
		SubjectTemplate: "Hello {Name}",
		BodyTemplate:    "Dear {Name},\nwelcome.",
		Intent:          intent,
		BatchSize:       batchSize,
		ReplyPolicy:     message.ReplyPolicyDowngrade,
		Sender:          "me@example.com",
	}
}

func TestExampleScenario(t *testing.T) {
	// Row A valid, row B invalid address, row C valid but excluded by
	// the batch bound of 2.
	tbl := testTable("a@example.com", "not-an-email", "c@example.com")
	p := &mockProvider{}
	store := &memStore{}
	r := newTestRunner(p, store, nil)

	summary, err := r.Run(context.Background(), tbl, newCfg(message.IntentNew, 2))
	if err != nil {
		t.Fatal(err)
	}

	if summary.Sent != 1 || summary.Skipped != 1 || summary.Errored != 0 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if summary.PendingRemaining != 1 {
		t.Errorf("expected 1 pending remaining, got %d", summary.PendingRemaining)
	}

	a, b, c := tbl.Rows[0], tbl.Rows[1], tbl.Rows[2]
	if a.Status != table.StatusSent || a.ThreadID == "" || a.RfcMessageID == "" {
		t.Errorf("row A should be sent with identifiers: %+v", a)
	}
	if b.Status != table.StatusSkipped || b.ThreadID != "" || b.RfcMessageID != "" {
		t.Errorf("row B should be skipped with empty identifiers: %+v", b)
	}
	if c.Status != table.StatusPending {
		t.Errorf("row C should stay pending: %+v", c)
	}
	if store.saves != 1 {
		t.Errorf("expected one snapshot save, got %d", store.saves)
	}
}

func TestBatchBound(t *testing.T) {
	tbl := testTable("a@example.com", "b@example.com", "c@example.com", "d@example.com", "e@example.com")
	p := &mockProvider{}
	r := newTestRunner(p, &memStore{}, nil)

	summary, err := r.Run(context.Background(), tbl, newCfg(message.IntentNew, 3))
	if err != nil {
		t.Fatal(err)
	}

	if summary.Sent != 3 {
		t.Errorf("expected exactly 3 sent, got %d", summary.Sent)
	}
	if summary.PendingRemaining != 2 {
		t.Errorf("expected 2 pending, got %d", summary.PendingRemaining)
	}
}

func TestDraftIntentIgnoresBatchBound(t *testing.T) {
	tbl := testTable("a@example.com", "b@example.com", "c@example.com", "d@example.com")
	p := &mockProvider{}
	r := newTestRunner(p, &memStore{}, nil)

	summary, err := r.Run(context.Background(), tbl, newCfg(message.IntentDraft, 2))
	if err != nil {
		t.Fatal(err)
	}

	if summary.Drafted != 4 {
		t.Errorf("draft intent processes all pending rows, got %d", summary.Drafted)
	}
	if summary.PendingRemaining != 0 {
		t.Errorf("expected 0 pending, got %d", summary.PendingRemaining)
	}
	for _, row := range tbl.Rows {
		if row.Status != table.StatusDraft {
			t.Errorf("row %d: expected draft, got %s", row.RowID, row.Status)
		}
	}
}

func TestIdempotentResume(t *testing.T) {
	tbl := testTable("a@example.com", "b@example.com", "c@example.com")
	p := &mockProvider{}
	r := newTestRunner(p, &memStore{}, nil)

	// First invocation covers two rows.
	if _, err := r.Run(context.Background(), tbl, newCfg(message.IntentNew, 2)); err != nil {
		t.Fatal(err)
	}
	if len(p.sent) != 2 {
		t.Fatalf("expected 2 sends in first run, got %d", len(p.sent))
	}

	// Second invocation with the same table sends only the remainder.
	summary, err := r.Run(context.Background(), tbl, newCfg(message.IntentNew, 2))
	if err != nil {
		t.Fatal(err)
	}
	if summary.Sent != 1 || len(p.sent) != 3 {
		t.Errorf("resume must not re-send terminal rows: summary=%+v total_sends=%d", summary, len(p.sent))
	}

	// A third invocation has nothing to do and makes no provider calls.
	summary, err = r.Run(context.Background(), tbl, newCfg(message.IntentNew, 2))
	if err != nil {
		t.Fatal(err)
	}
	if !summary.NothingToDo || len(p.sent) != 3 {
		t.Errorf("expected nothing-to-do run, got %+v total_sends=%d", summary, len(p.sent))
	}
}

func TestFaultIsolation(t *testing.T) {
	tbl := testTable("a@example.com", "b@example.com", "c@example.com")
	p := &mockProvider{
		failAddrs: map[string]error{
			"b@example.com": &googleapi.Error{Code: 400, Message: "invalid recipient"},
		},
	}
	r := newTestRunner(p, &memStore{}, nil)

	summary, err := r.Run(context.Background(), tbl, newCfg(message.IntentNew, 0))
	if err != nil {
		t.Fatal(err)
	}

	if summary.Sent != 2 || summary.Errored != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}

	if tbl.Rows[1].Status != table.StatusError || tbl.Rows[1].LastError == "" {
		t.Errorf("failed row should be errored with message: %+v", tbl.Rows[1])
	}
	if tbl.Rows[0].Status != table.StatusSent || tbl.Rows[2].Status != table.StatusSent {
		t.Errorf("failure on one row must not block the others")
	}

	if len(summary.Errors) != 1 || summary.Errors[0].Email != "b@example.com" {
		t.Errorf("summary must list the errored address: %+v", summary.Errors)
	}
	if !strings.Contains(summary.Errors[0].Message, "invalid recipient") {
		t.Errorf("summary must carry the provider message: %q", summary.Errors[0].Message)
	}
}

func TestThrottleExhaustionMarksRowError(t *testing.T) {
	tbl := testTable("a@example.com", "b@example.com")
	p := &mockProvider{
		failAddrs: map[string]error{
			"a@example.com": &googleapi.Error{Code: 429, Message: "rate limit exceeded"},
		},
	}
	r := newTestRunner(p, &memStore{}, nil)

	summary, err := r.Run(context.Background(), tbl, newCfg(message.IntentNew, 0))
	if err != nil {
		t.Fatal(err)
	}

	if tbl.Rows[0].Status != table.StatusError {
		t.Errorf("throttle exhaustion should error the row: %+v", tbl.Rows[0])
	}
	if tbl.Rows[1].Status != table.StatusSent {
		t.Errorf("batch must continue past the throttled row")
	}
	if summary.Errored != 1 || summary.Sent != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestReplyDegradation(t *testing.T) {
	tbl := testTable("a@example.com")
	// Pending reply row without threading data
	tbl.Rows[0].ThreadID = ""
	tbl.Rows[0].RfcMessageID = ""

	p := &mockProvider{}
	r := newTestRunner(p, &memStore{}, nil)

	summary, err := r.Run(context.Background(), tbl, newCfg(message.IntentReply, 0))
	if err != nil {
		t.Fatal(err)
	}

	if summary.Sent != 1 {
		t.Errorf("degraded reply must still send: %+v", summary)
	}
	if tbl.Rows[0].Status != table.StatusSent {
		t.Errorf("row should be sent: %+v", tbl.Rows[0])
	}
}

func TestReplySkipPolicy(t *testing.T) {
	tbl := testTable("a@example.com", "b@example.com")
	tbl.Rows[1].ThreadID = "t1"
	tbl.Rows[1].RfcMessageID = "<m1@mail>"

	p := &mockProvider{}
	r := newTestRunner(p, &memStore{}, nil)

	cfg := newCfg(message.IntentReply, 0)
	cfg.ReplyPolicy = message.ReplyPolicySkip

	summary, err := r.Run(context.Background(), tbl, cfg)
	if err != nil {
		t.Fatal(err)
	}

	if tbl.Rows[0].Status != table.StatusSkipped {
		t.Errorf("unthreaded reply row should be skipped under skip policy: %+v", tbl.Rows[0])
	}
	if tbl.Rows[1].Status != table.StatusSent {
		t.Errorf("threaded reply row should be sent: %+v", tbl.Rows[1])
	}
	if summary.Skipped != 1 || summary.Sent != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestLabelAppliedForNewIntentOnly(t *testing.T) {
	p := &mockProvider{}
	r := newTestRunner(p, &memStore{}, nil)

	cfg := newCfg(message.IntentNew, 0)
	cfg.LabelName = "Mail Merge Sent"

	if _, err := r.Run(context.Background(), testTable("a@example.com"), cfg); err != nil {
		t.Fatal(err)
	}
	if len(p.labeled) != 1 {
		t.Errorf("expected one label application, got %d", len(p.labeled))
	}

	// Reply intent: no labeling even when a label is configured.
	tbl := testTable("b@example.com")
	tbl.Rows[0].ThreadID = "t1"
	tbl.Rows[0].RfcMessageID = "<m@mail>"
	cfg.Intent = message.IntentReply
	if _, err := r.Run(context.Background(), tbl, cfg); err != nil {
		t.Fatal(err)
	}
	if len(p.labeled) != 1 {
		t.Errorf("reply intent must not apply labels, got %d", len(p.labeled))
	}
}

func TestLabelFailureDoesNotBlockSends(t *testing.T) {
	p := &mockProvider{labelErr: errors.New("labels unavailable")}
	r := newTestRunner(p, &memStore{}, nil)

	cfg := newCfg(message.IntentNew, 0)
	cfg.LabelName = "Mail Merge Sent"

	summary, err := r.Run(context.Background(), testTable("a@example.com"), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Sent != 1 {
		t.Errorf("label failure must not affect sends: %+v", summary)
	}
}

func TestPersistenceFailureEscalates(t *testing.T) {
	p := &mockProvider{}
	store := &memStore{failErr: errors.New("disk full")}
	r := newTestRunner(p, store, nil)

	summary, err := r.Run(context.Background(), testTable("a@example.com"), newCfg(message.IntentNew, 0))
	if err == nil {
		t.Fatal("persistence failure must escalate to the caller")
	}
	// The summary still reports what happened before the failure.
	if summary == nil || summary.Sent != 1 {
		t.Errorf("summary should survive persistence failure: %+v", summary)
	}
}

func TestCancellationPersistsState(t *testing.T) {
	tbl := testTable("a@example.com", "b@example.com", "c@example.com")
	store := &memStore{}

	ctx, cancel := context.WithCancel(context.Background())
	p := &mockProvider{}

	// Cancel after the first successful send.
	d := dispatch.New(&cancelAfterFirst{inner: p, cancel: cancel}, dispatch.Config{
		BaseBackoff: time.Millisecond,
	}, nil, testLogger())
	r := New(p, d, nil, store, nil, testLogger())

	summary, err := r.Run(ctx, tbl, newCfg(message.IntentNew, 0))
	if err != nil {
		t.Fatal(err)
	}

	if !summary.Interrupted {
		t.Errorf("expected interrupted summary: %+v", summary)
	}
	if summary.Sent != 1 {
		t.Errorf("expected 1 sent before cancellation, got %d", summary.Sent)
	}
	if store.saves != 1 {
		t.Errorf("cancelled batch must persist accumulated state")
	}
	// The completed send stays recorded; untouched rows stay pending.
	if tbl.Rows[0].Status != table.StatusSent {
		t.Errorf("completed send lost: %+v", tbl.Rows[0])
	}
	if tbl.Rows[2].Status != table.StatusPending {
		t.Errorf("unprocessed row must stay pending: %+v", tbl.Rows[2])
	}
}

// cancelAfterFirst cancels the run context after the first send.
type cancelAfterFirst struct {
	inner  *mockProvider
	cancel context.CancelFunc
	done   bool
}

func (c *cancelAfterFirst) Send(ctx context.Context, p *message.Payload) (provider.Result, error) {
	res, err := c.inner.Send(ctx, p)
	if !c.done {
		c.done = true
		c.cancel()
	}
	return res, err
}

func (c *cancelAfterFirst) CreateDraft(ctx context.Context, p *message.Payload) (provider.Result, error) {
	return c.inner.CreateDraft(ctx, p)
}

func (c *cancelAfterFirst) EnsureLabel(ctx context.Context, name string) (string, error) {
	return c.inner.EnsureLabel(ctx, name)
}

func (c *cancelAfterFirst) ApplyLabel(ctx context.Context, messageID, labelID string) error {
	return c.inner.ApplyLabel(ctx, messageID, labelID)
}

func TestCancelDuringBackoffKeepsRowPending(t *testing.T) {
	tbl := testTable("a@example.com", "b@example.com")
	store := &memStore{}

	ctx, cancel := context.WithCancel(context.Background())
	p := &mockProvider{
		failAddrs: map[string]error{
			"a@example.com": &googleapi.Error{Code: 429, Message: "rate limit"},
		},
	}

	// The first attempt is throttled and the context is cancelled
	// before the backoff wait completes.
	d := dispatch.New(&cancelAfterFirst{inner: p, cancel: cancel}, dispatch.Config{
		BaseBackoff: time.Millisecond,
	}, nil, testLogger())
	r := New(p, d, nil, store, nil, testLogger())

	summary, err := r.Run(ctx, tbl, newCfg(message.IntentNew, 0))
	if err != nil {
		t.Fatal(err)
	}

	if !summary.Interrupted {
		t.Errorf("expected interrupted summary: %+v", summary)
	}
	if summary.Errored != 0 {
		t.Errorf("an interrupted dispatch must not error the row: %+v", summary)
	}
	if tbl.Rows[0].Status != table.StatusPending || tbl.Rows[0].LastError != "" {
		t.Errorf("row cut short mid-retry must stay pending: %+v", tbl.Rows[0])
	}
	if tbl.Rows[1].Status != table.StatusPending {
		t.Errorf("untouched row must stay pending: %+v", tbl.Rows[1])
	}
	if store.saves != 1 {
		t.Errorf("interrupted batch must persist state")
	}
}

// mockBudget counts Check and Record calls.
type mockBudget struct {
	checks   int
	recorded int
}

func (b *mockBudget) Check(sender string) quota.Result { b.checks++; return quota.Result{Allowed: true} }
func (b *mockBudget) Record(sender string)             { b.recorded++ }

func TestFailedSendSpendsNoBudget(t *testing.T) {
	tbl := testTable("a@example.com", "b@example.com")
	p := &mockProvider{
		failAddrs: map[string]error{
			"a@example.com": &googleapi.Error{Code: 400, Message: "invalid recipient"},
		},
	}
	budget := &mockBudget{}
	r := newTestRunner(p, &memStore{}, budget)

	summary, err := r.Run(context.Background(), tbl, newCfg(message.IntentNew, 0))
	if err != nil {
		t.Fatal(err)
	}

	if summary.Errored != 1 || summary.Sent != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if budget.checks != 2 {
		t.Errorf("every send attempt must be budget-checked, got %d checks", budget.checks)
	}
	if budget.recorded != 1 {
		t.Errorf("only accepted sends spend budget, got %d recorded", budget.recorded)
	}
}

func TestPacingOnlyAfterProviderCalls(t *testing.T) {
	p := &mockProvider{
		failAddrs: map[string]error{
			"c@example.com": &googleapi.Error{Code: 400, Message: "invalid recipient"},
		},
	}
	r := newTestRunner(p, &memStore{}, nil)
	cfg := newCfg(message.IntentReply, 0)
	cfg.ReplyPolicy = message.ReplyPolicySkip
	summary := &Summary{}

	// Rows resolved without a provider call must not trigger the
	// inter-row delay.
	noAddr := &table.Row{RowID: 0, Fields: map[string]string{}, Status: table.StatusPending}
	if called, stop := r.processRow(context.Background(), noAddr, cfg, "", summary, testLogger()); called || stop != stopNone {
		t.Errorf("addressless row: called=%v stop=%v", called, stop)
	}

	unthreaded := &table.Row{RowID: 1, Fields: map[string]string{}, Email: "a@example.com", Status: table.StatusPending}
	if called, stop := r.processRow(context.Background(), unthreaded, cfg, "", summary, testLogger()); called || stop != stopNone {
		t.Errorf("skipped reply row: called=%v stop=%v", called, stop)
	}

	// Rows that reached the provider pace the next one, whether the
	// call succeeded or failed.
	threaded := &table.Row{RowID: 2, Fields: map[string]string{}, Email: "b@example.com", Status: table.StatusPending, ThreadID: "t1", RfcMessageID: "<m@mail>"}
	if called, _ := r.processRow(context.Background(), threaded, cfg, "", summary, testLogger()); !called {
		t.Errorf("sent row must pace the next one")
	}

	rejected := &table.Row{RowID: 3, Fields: map[string]string{}, Email: "c@example.com", Status: table.StatusPending, ThreadID: "t2", RfcMessageID: "<m2@mail>"}
	if called, _ := r.processRow(context.Background(), rejected, cfg, "", summary, testLogger()); !called {
		t.Errorf("rejected row reached the provider and must pace the next one")
	}
}

func TestQuotaStopsBatchEarly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota.db")
	budget, err := quota.Open(path, quota.Limits{MessagesPerHour: 2}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer budget.Stop()

	tbl := testTable("a@example.com", "b@example.com", "c@example.com", "d@example.com")
	p := &mockProvider{}
	r := newTestRunner(p, &memStore{}, budget)

	summary, err := r.Run(context.Background(), tbl, newCfg(message.IntentNew, 0))
	if err != nil {
		t.Fatal(err)
	}

	if summary.Sent != 2 {
		t.Errorf("expected 2 sends within budget, got %d", summary.Sent)
	}
	if !summary.QuotaExhausted {
		t.Errorf("expected quota-exhausted summary: %+v", summary)
	}
	if summary.PendingRemaining != 2 {
		t.Errorf("budget-denied rows must stay pending, got %d remaining", summary.PendingRemaining)
	}
}

func TestSkippedRowsConsumeNoBudget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota.db")
	budget, err := quota.Open(path, quota.Limits{MessagesPerHour: 1}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer budget.Stop()

	tbl := testTable("not-an-email", "bad-too", "a@example.com")
	p := &mockProvider{}
	r := newTestRunner(p, &memStore{}, budget)

	summary, err := r.Run(context.Background(), tbl, newCfg(message.IntentNew, 0))
	if err != nil {
		t.Fatal(err)
	}
	if summary.Skipped != 2 || summary.Sent != 1 {
		t.Errorf("skips must not consume budget: %+v", summary)
	}
}
