package run

import (
	"path/filepath"
	"time"

	"github.com/foxzi/mergemail/internal/table"
)

// Store persists the table after a batch. Returns the snapshot path.
type Store interface {
	Save(t *table.Table) (string, error)
}

// SnapshotStore writes timestamped CSV snapshots into a directory.
type SnapshotStore struct {
	Dir   string
	Label string

	// now is swapped out in tests.
	now func() time.Time
}

// NewSnapshotStore creates a store writing snapshots named after the
// label into dir.
func NewSnapshotStore(dir, label string) *SnapshotStore {
	return &SnapshotStore{Dir: dir, Label: label, now: time.Now}
}

// Save writes the table to a deterministically named snapshot file.
func (s *SnapshotStore) Save(t *table.Table) (string, error) {
	path := filepath.Join(s.Dir, table.SnapshotName(s.Label, s.now()))
	if err := t.Save(path); err != nil {
		return "", err
	}
	return path, nil
}
