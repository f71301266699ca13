// Package commit tracks local transactions that are inside their commit
// path so a donor can drain them before a state snapshot is taken.
package commit

import (
	"sync"
	"time"

	"github.com/maxpert/wsrepd/telemetry"
)

// Tracker counts in-flight commits.
type Tracker struct {
	mu   sync.Mutex
	cond *sync.Cond
	n    int
}

func NewTracker() *Tracker {
	t := &Tracker{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Enter marks the start of a commit. Every Enter must be paired with Leave.
func (t *Tracker) Enter() {
	t.mu.Lock()
	t.n++
	telemetry.CommittingTransactions.Set(float64(t.n))
	t.mu.Unlock()
}

// Leave marks the end of a commit.
func (t *Tracker) Leave() {
	t.mu.Lock()
	if t.n > 0 {
		t.n--
	}
	telemetry.CommittingTransactions.Set(float64(t.n))
	if t.n == 0 {
		t.cond.Broadcast()
	}
	t.mu.Unlock()
}

// Committing returns the number of commits in flight.
func (t *Tracker) Committing() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

// WaitIdle waits up to timeout for in-flight commits to drain and returns
// how many are still committing. A zero timeout only samples the count.
func (t *Tracker) WaitIdle(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer timer.Stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	for t.n > 0 && time.Now().Before(deadline) {
		t.cond.Wait()
	}
	return t.n
}
