package table

import (
	"regexp"
	"strings"
)

// Status represents the send state of a recipient row
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusDraft   Status = "draft"
	StatusSkipped Status = "skipped"
	StatusError   Status = "error"
)

// Terminal reports whether the status is terminal for a row within a run.
// Only an explicit reset returns a terminal row to pending.
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusDraft, StatusSkipped, StatusError:
		return true
	}
	return false
}

// ParseStatus maps a stored cell value to a Status.
// Empty and unknown values load as pending.
func ParseStatus(v string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(v))) {
	case StatusSent:
		return StatusSent
	case StatusDraft:
		return StatusDraft
	case StatusSkipped:
		return StatusSkipped
	case StatusError:
		return StatusError
	default:
		return StatusPending
	}
}

// emailRe matches the first RFC-5322-ish address substring in a field value.
var emailRe = regexp.MustCompile(`[\w.-]+@[\w.-]+\.\w+`)

// ExtractEmail returns the first address-looking substring of v,
// or empty string if none is found.
func ExtractEmail(v string) string {
	return emailRe.FindString(v)
}

// Row represents one recipient with its send state.
type Row struct {
	// RowID is the original row position. It is the join key across
	// invocations and is never reassigned.
	RowID int

	// Fields holds the input columns. Read-only for the core.
	Fields map[string]string

	// Email is extracted once at load from the designated email column.
	// Empty means no address could be resolved.
	Email string

	Status       Status
	ThreadID     string
	RfcMessageID string

	// LastError holds the dispatch failure message for errored rows.
	// It is reported in the run summary but not persisted in snapshots.
	LastError string
}

// MarkSent records a successful send. ThreadID and RfcMessageID are
// set together with the status flip, never partially.
func (r *Row) MarkSent(threadID, rfcMessageID string) {
	r.Status = StatusSent
	r.ThreadID = threadID
	r.RfcMessageID = rfcMessageID
}

// MarkDraft records a successful draft creation.
func (r *Row) MarkDraft(threadID, rfcMessageID string) {
	r.Status = StatusDraft
	r.ThreadID = threadID
	r.RfcMessageID = rfcMessageID
}

// MarkSkipped records an unresolvable recipient address.
func (r *Row) MarkSkipped() {
	r.Status = StatusSkipped
}

// MarkError records a terminal dispatch failure.
func (r *Row) MarkError(msg string) {
	r.Status = StatusError
	r.LastError = msg
}

// Table is an ordered recipient list with per-row send state.
type Table struct {
	Rows []*Row

	// Columns preserves the input column order for snapshots.
	Columns []string

	// EmailColumn is the designated address column.
	EmailColumn string
}

// Pending returns the ordered subset of rows still pending, truncated
// to the first limit rows. limit <= 0 means no truncation.
func (t *Table) Pending(limit int) []*Row {
	var rows []*Row
	for _, r := range t.Rows {
		if r.Status != StatusPending {
			continue
		}
		rows = append(rows, r)
		if limit > 0 && len(rows) >= limit {
			break
		}
	}
	return rows
}

// Counts holds per-status row counts.
type Counts struct {
	Pending int
	Sent    int
	Draft   int
	Skipped int
	Error   int
	Total   int
}

// Counts returns per-status totals for the table.
func (t *Table) Counts() Counts {
	var c Counts
	for _, r := range t.Rows {
		c.Total++
		switch r.Status {
		case StatusPending:
			c.Pending++
		case StatusSent:
			c.Sent++
		case StatusDraft:
			c.Draft++
		case StatusSkipped:
			c.Skipped++
		case StatusError:
			c.Error++
		}
	}
	return c
}

// Reset returns rows in the given statuses to pending so a later
// invocation re-processes them. ThreadID and RfcMessageID are kept:
// a sent row reset for a follow-up run still needs its threading data.
// Returns the number of rows reset.
func (t *Table) Reset(statuses ...Status) int {
	match := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		match[s] = true
	}

	n := 0
	for _, r := range t.Rows {
		if !match[r.Status] {
			continue
		}
		r.Status = StatusPending
		r.LastError = ""
		n++
	}
	return n
}
