// Package progress aggregates per-segment byte counters into an overall
// transfer snapshot that can be read concurrently with in-flight updates.
package progress

import (
	"sync"
	"sync/atomic"
	"time"
)

// UnknownTotal marks a transfer whose total size the server did not report.
const UnknownTotal int64 = -1

// rateWindow is the trailing interval the instantaneous rate is computed
// over, so the rate reacts to throughput changes instead of averaging the
// whole transfer.
const rateWindow = 5 * time.Second

// Snapshot is a point-in-time view of a transfer.
type Snapshot struct {
	Done    int64
	Total   int64 // UnknownTotal when the server did not report a size
	Elapsed time.Duration
	Rate    float64 // bytes/sec over the trailing window
	ETA     time.Duration
	HasETA  bool
}

// Percent returns completion in [0, 100], or -1 when the total is unknown.
func (s Snapshot) Percent() float64 {
	if s.Total <= 0 {
		return -1
	}
	return float64(s.Done) / float64(s.Total) * 100
}

type sample struct {
	at   time.Time
	done int64
}

// Aggregator merges byte deltas from any number of fetchers. Add is a single
// atomic operation so counters never double count; rate bookkeeping happens
// only on Snapshot reads.
type Aggregator struct {
	done  atomic.Int64
	total atomic.Int64
	start time.Time

	mu      sync.Mutex
	samples []sample
}

func NewAggregator(total int64) *Aggregator {
	a := &Aggregator{start: time.Now()}
	a.total.Store(total)
	return a
}

// Add records n more transferred bytes. Negative n rolls progress back, used
// when a segment resets after a failed attempt.
func (a *Aggregator) Add(n int64) {
	a.done.Add(n)
}

// SetTotal updates the total size, for transfers whose size is only learned
// after streaming begins.
func (a *Aggregator) SetTotal(total int64) {
	a.total.Store(total)
}

func (a *Aggregator) Done() int64 {
	return a.done.Load()
}

// Snapshot returns the current progress view. Safe to call at any cadence
// from any goroutine.
func (a *Aggregator) Snapshot() Snapshot {
	now := time.Now()
	done := a.done.Load()
	total := a.total.Load()

	a.mu.Lock()
	a.samples = append(a.samples, sample{at: now, done: done})
	// Keep one sample older than the window as the rate anchor.
	cutoff := now.Add(-rateWindow)
	firstInWindow := 0
	for i, s := range a.samples {
		if s.at.After(cutoff) {
			firstInWindow = i
			break
		}
	}
	if firstInWindow > 1 {
		a.samples = a.samples[firstInWindow-1:]
	}
	anchor := sample{at: a.start, done: 0}
	if len(a.samples) > 1 {
		anchor = a.samples[0]
	}
	a.mu.Unlock()

	snap := Snapshot{
		Done:    done,
		Total:   total,
		Elapsed: now.Sub(a.start),
	}
	if span := now.Sub(anchor.at).Seconds(); span > 0 {
		snap.Rate = float64(done-anchor.done) / span
	}
	if total > 0 && snap.Rate > 0 && done <= total {
		snap.ETA = time.Duration(float64(total-done) / snap.Rate * float64(time.Second))
		snap.HasETA = true
	}
	return snap
}
