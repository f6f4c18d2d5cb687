// Package quota tracks how many messages a sender has dispatched in
// the current hour and day, persisted across invocations so resumed
// runs keep counting against the same provider budget.
package quota

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketQuota = []byte("quota")

// Limits contains the send budget. Zero values mean unlimited.
type Limits struct {
	MessagesPerHour int `yaml:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day"`
}

// Counter tracks rolling hourly and daily send counts.
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Result reports a budget decision.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Tracker enforces the send budget with bbolt-persisted counters.
type Tracker struct {
	db       *bolt.DB
	limits   Limits
	counters map[string]*Counter // sender -> counter
	mu       sync.Mutex
	stopCh   chan struct{}
}

// Open creates a tracker backed by the database at path.
func Open(path string, limits Limits, flushInterval time.Duration) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create quota directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open quota database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketQuota)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create quota bucket: %w", err)
	}

	t := &Tracker{
		db:       db,
		limits:   limits,
		counters: make(map[string]*Counter),
		stopCh:   make(chan struct{}),
	}

	if err := t.load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load quota counters: %w", err)
	}

	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}
	go t.flushLoop(flushInterval)

	return t, nil
}

// Record counts one accepted send against the sender's budget. Callers
// gate with Check first and record only sends the provider accepted, so
// failed attempts never spend budget.
func (t *Tracker) Record(sender string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	c := t.counter(sender, now)
	t.resetExpired(c, now)
	c.HourlyCount++
	c.DailyCount++
}

// Check reports whether the next send would be allowed without
// consuming budget.
func (t *Tracker) Check(sender string) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	c, ok := t.counters[sender]
	if !ok {
		return Result{Allowed: true}
	}

	hourly, daily := c.HourlyCount, c.DailyCount
	if now.Sub(c.HourStart) >= time.Hour {
		hourly = 0
	}
	if now.Sub(c.DayStart) >= 24*time.Hour {
		daily = 0
	}

	if t.limits.MessagesPerHour > 0 && hourly >= t.limits.MessagesPerHour {
		return Result{RetryAfter: c.HourStart.Add(time.Hour).Sub(now)}
	}
	if t.limits.MessagesPerDay > 0 && daily >= t.limits.MessagesPerDay {
		return Result{RetryAfter: c.DayStart.Add(24 * time.Hour).Sub(now)}
	}
	return Result{Allowed: true}
}

// Stop persists counters and closes the database.
func (t *Tracker) Stop() error {
	close(t.stopCh)
	if err := t.persist(); err != nil {
		t.db.Close()
		return err
	}
	return t.db.Close()
}

func (t *Tracker) counter(sender string, now time.Time) *Counter {
	c, ok := t.counters[sender]
	if !ok {
		c = &Counter{HourStart: now, DayStart: now}
		t.counters[sender] = c
	}
	return c
}

func (t *Tracker) resetExpired(c *Counter, now time.Time) {
	if now.Sub(c.HourStart) >= time.Hour {
		c.HourlyCount = 0
		c.HourStart = now
	}
	if now.Sub(c.DayStart) >= 24*time.Hour {
		c.DailyCount = 0
		c.DayStart = now
	}
}

func (t *Tracker) load() error {
	return t.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQuota)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var c Counter
			if err := json.Unmarshal(v, &c); err != nil {
				return nil // skip invalid entries
			}
			t.counters[string(k)] = &c
			return nil
		})
	})
}

func (t *Tracker) persist() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQuota)
		if b == nil {
			return nil
		}
		for sender, c := range t.counters {
			data, err := json.Marshal(c)
			if err != nil {
				continue
			}
			if err := b.Put([]byte(sender), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (t *Tracker) flushLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.persist()
		}
	}
}
