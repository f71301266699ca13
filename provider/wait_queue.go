package provider

import (
	"context"
	"sort"
	"sync"

	"github.com/maxpert/wsrepd/wsrep"
)

type seqnoWaiter struct {
	seqno wsrep.Seqno
	ch    chan struct{}
}

// waitQueue parks callers until a seqno has been committed.
// Sorted list gives O(k) notification where k = satisfied waiters.
type waitQueue struct {
	mu      sync.Mutex
	waiters []seqnoWaiter // sorted by seqno ascending
}

func newWaitQueue() *waitQueue {
	return &waitQueue{waiters: make([]seqnoWaiter, 0)}
}

// add registers a waiter for seqno.
func (q *waitQueue) add(seqno wsrep.Seqno) chan struct{} {
	ch := make(chan struct{})

	q.mu.Lock()
	defer q.mu.Unlock()
	i := sort.Search(len(q.waiters), func(i int) bool {
		return q.waiters[i].seqno >= seqno
	})
	q.waiters = append(q.waiters, seqnoWaiter{})
	copy(q.waiters[i+1:], q.waiters[i:])
	q.waiters[i] = seqnoWaiter{seqno: seqno, ch: ch}
	return ch
}

// wait blocks until ch is closed or ctx is done.
func (q *waitQueue) wait(ctx context.Context, ch chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		// the position may have been reached while ctx was cancelled
		select {
		case <-ch:
			return nil
		default:
		}
		q.mu.Lock()
		defer q.mu.Unlock()
		for j, w := range q.waiters {
			if w.ch == ch {
				q.waiters = append(q.waiters[:j], q.waiters[j+1:]...)
				return context.Cause(ctx)
			}
		}
		// already woken and removed by a notifier
		return nil
	}
}

// notifyUpTo wakes every waiter with seqno <= seqno.
func (q *waitQueue) notifyUpTo(seqno wsrep.Seqno) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := sort.Search(len(q.waiters), func(i int) bool {
		return q.waiters[i].seqno > seqno
	})
	for j := 0; j < i; j++ {
		close(q.waiters[j].ch)
	}
	q.waiters = q.waiters[i:]
}

// failAll wakes every waiter; used when the cluster identity changes and
// pending positions can never be reached.
func (q *waitQueue) failAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, w := range q.waiters {
		close(w.ch)
	}
	q.waiters = q.waiters[:0]
}

func (q *waitQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}
