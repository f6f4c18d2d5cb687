package quota

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestTracker(t *testing.T, path string, limits Limits) *Tracker {
	t.Helper()
	tr, err := Open(path, limits, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestCheckWithinBudget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota.db")
	tr := openTestTracker(t, path, Limits{MessagesPerHour: 3})
	defer tr.Stop()

	for i := 0; i < 3; i++ {
		if res := tr.Check("me@example.com"); !res.Allowed {
			t.Fatalf("send %d should be allowed", i+1)
		}
		tr.Record("me@example.com")
	}

	res := tr.Check("me@example.com")
	if res.Allowed {
		t.Fatal("fourth send should be denied")
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Hour {
		t.Errorf("unexpected retry-after: %v", res.RetryAfter)
	}
}

func TestCheckDoesNotConsume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota.db")
	tr := openTestTracker(t, path, Limits{MessagesPerHour: 1})
	defer tr.Stop()

	for i := 0; i < 5; i++ {
		if res := tr.Check("me@example.com"); !res.Allowed {
			t.Fatalf("check %d should be allowed", i+1)
		}
	}

	tr.Record("me@example.com")
	if res := tr.Check("me@example.com"); res.Allowed {
		t.Fatal("check after exhausting budget should deny")
	}
}

func TestUnlimitedByDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota.db")
	tr := openTestTracker(t, path, Limits{})
	defer tr.Stop()

	for i := 0; i < 100; i++ {
		if res := tr.Check("me@example.com"); !res.Allowed {
			t.Fatalf("zero limits must never deny, denied at %d", i+1)
		}
		tr.Record("me@example.com")
	}
}

func TestCountersSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota.db")

	tr := openTestTracker(t, path, Limits{MessagesPerDay: 2})
	tr.Record("me@example.com")
	tr.Record("me@example.com")
	if err := tr.Stop(); err != nil {
		t.Fatal(err)
	}

	tr2 := openTestTracker(t, path, Limits{MessagesPerDay: 2})
	defer tr2.Stop()

	if res := tr2.Check("me@example.com"); res.Allowed {
		t.Fatal("budget must survive a restart")
	}
}

func TestSendersAreIndependent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota.db")
	tr := openTestTracker(t, path, Limits{MessagesPerHour: 1})
	defer tr.Stop()

	tr.Record("a@example.com")
	if res := tr.Check("a@example.com"); res.Allowed {
		t.Fatal("first sender's budget is spent")
	}
	if res := tr.Check("b@example.com"); !res.Allowed {
		t.Fatal("second sender has its own budget")
	}
}
