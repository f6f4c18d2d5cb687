package table

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// State columns managed by the tool. They are recognized
// case-insensitively on load and re-created on save.
const (
	colStatus       = "Status"
	colThreadID     = "ThreadId"
	colRfcMessageID = "RfcMessageId"
)

// Load reads a recipient table from a CSV file. The first record is the
// header; emailColumn designates the address column. State columns are
// picked up if present so a previously saved snapshot resumes where it
// left off; rows missing them start pending.
func Load(path, emailColumn string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open table: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse table: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("table is empty: %s", path)
	}

	header := records[0]

	// Column indexes: input columns keep order, state columns are tracked
	// separately.
	var columns []string
	inputIdx := make(map[int]string)
	statusIdx, threadIdx, rfcIdx := -1, -1, -1

	for i, name := range header {
		name = strings.TrimSpace(name)
		switch strings.ToLower(name) {
		case "status":
			statusIdx = i
		case "threadid":
			threadIdx = i
		case "rfcmessageid":
			rfcIdx = i
		default:
			columns = append(columns, name)
			inputIdx[i] = name
		}
	}

	emailFound := false
	for _, c := range columns {
		if strings.EqualFold(c, emailColumn) {
			emailColumn = c
			emailFound = true
			break
		}
	}
	if !emailFound {
		return nil, fmt.Errorf("table has no %q column", emailColumn)
	}

	t := &Table{
		Columns:     columns,
		EmailColumn: emailColumn,
	}

	for rowNum, rec := range records[1:] {
		fields := make(map[string]string, len(columns))
		for i, name := range inputIdx {
			if i < len(rec) {
				fields[name] = rec[i]
			} else {
				fields[name] = ""
			}
		}

		row := &Row{
			RowID:  rowNum,
			Fields: fields,
			Email:  ExtractEmail(fields[emailColumn]),
			Status: StatusPending,
		}

		if statusIdx >= 0 && statusIdx < len(rec) {
			row.Status = ParseStatus(rec[statusIdx])
		}
		if threadIdx >= 0 && threadIdx < len(rec) {
			row.ThreadID = strings.TrimSpace(rec[threadIdx])
		}
		if rfcIdx >= 0 && rfcIdx < len(rec) {
			row.RfcMessageID = strings.TrimSpace(rec[rfcIdx])
		}

		t.Rows = append(t.Rows, row)
	}

	return t, nil
}

// Save writes the table to path as CSV: all input columns in their
// original order plus Status, ThreadId and RfcMessageId.
func (t *Table) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	// Write to a temp file first so an interrupted save never truncates
	// a snapshot that is still needed for resume.
	tmp, err := os.CreateTemp(dir, ".snapshot-*.csv")
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := csv.NewWriter(tmp)

	header := append(append([]string{}, t.Columns...), colStatus, colThreadID, colRfcMessageID)
	if err := w.Write(header); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot header: %w", err)
	}

	for _, row := range t.Rows {
		rec := make([]string, 0, len(header))
		for _, c := range t.Columns {
			rec = append(rec, row.Fields[c])
		}
		status := ""
		if row.Status != StatusPending {
			status = string(row.Status)
		}
		rec = append(rec, status, row.ThreadID, row.RfcMessageID)

		if err := w.Write(rec); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write snapshot row %d: %w", row.RowID, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to finalize snapshot: %w", err)
	}

	return nil
}

var unsafeLabelChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeLabel replaces characters unsuitable for file names with
// underscores.
func SanitizeLabel(label string) string {
	if label == "" {
		return "mergemail"
	}
	return unsafeLabelChars.ReplaceAllString(label, "_")
}

// SnapshotName builds the deterministic snapshot file name from a label
// and a timestamp.
func SnapshotName(label string, ts time.Time) string {
	return fmt.Sprintf("%s_%s.csv", SanitizeLabel(label), ts.Format("20060102-150405"))
}
