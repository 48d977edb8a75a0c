// Package errtrack tracks per-object hook errors and reports objects that
// reach the configured destruction threshold.
package errtrack

import (
	"sync"
	"time"
)

// Record holds the error state of a single object.
type Record struct {
	Count    int       `json:"count"`
	LastKind string    `json:"lastKind"`
	LastAt   time.Time `json:"lastAt"`
}

// ThresholdFunc is invoked once when an object's error count reaches the
// threshold. The callback runs on the recording goroutine.
type ThresholdFunc func(id int64, record Record)

// Tracker maps object id to its error record. The threshold and the callback
// are fixed at construction.
type Tracker struct {
	threshold   int
	onThreshold ThresholdFunc

	mu      sync.Mutex
	records map[int64]Record
}

// NewTracker creates a tracker. threshold must be positive; onThreshold may
// be nil.
func NewTracker(threshold int, onThreshold ThresholdFunc) *Tracker {
	if threshold < 1 {
		threshold = 1
	}
	return &Tracker{
		threshold:   threshold,
		onThreshold: onThreshold,
		records:     make(map[int64]Record),
	}
}

// Record registers an error of the given kind against id and returns the new
// count. Reaching the threshold fires the callback exactly once per
// threshold crossing.
func (t *Tracker) Record(id int64, kind string) int {
	t.mu.Lock()
	rec := t.records[id]
	rec.Count++
	rec.LastKind = kind
	rec.LastAt = time.Now()
	t.records[id] = rec
	count := rec.Count
	fire := count == t.threshold
	t.mu.Unlock()

	if fire && t.onThreshold != nil {
		t.onThreshold(id, rec)
	}
	return count
}

// Count returns the current error count for id.
func (t *Tracker) Count(id int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.records[id].Count
}

// Clear removes the record for id. Called when the object completes its
// Destroyed transition.
func (t *Tracker) Clear(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, id)
}

// Stats returns a snapshot of all records keyed by object id, plus the total
// error count across objects.
func (t *Tracker) Stats() (map[int64]Record, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := make(map[int64]Record, len(t.records))
	total := 0
	for id, rec := range t.records {
		snapshot[id] = rec
		total += rec.Count
	}
	return snapshot, total
}
