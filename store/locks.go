package store

import (
	"context"
	"sync"
)

// tableLocks hands out exclusive table locks that outlive a single call:
// a transaction takes the lock on first write and keeps it until the owner
// calls ReleaseLocks. Each lock is a one-slot channel so waits can be
// abandoned when the owner's context is cancelled.
type tableLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newTableLocks() *tableLocks {
	return &tableLocks{locks: make(map[string]chan struct{})}
}

func (t *tableLocks) slot(table string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.locks[table]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[table] = ch
	}
	return ch
}

func (t *tableLocks) acquire(ctx context.Context, table string) error {
	select {
	case t.slot(table) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *tableLocks) release(table string) {
	select {
	case <-t.slot(table):
	default:
	}
}

// held tracks which table locks one session owns.
type held struct {
	locks  *tableLocks
	tables map[string]struct{}
}

func newHeld(locks *tableLocks) held {
	return held{locks: locks, tables: make(map[string]struct{})}
}

func (h *held) lock(ctx context.Context, table string) error {
	if _, ok := h.tables[table]; ok {
		return nil
	}
	if err := h.locks.acquire(ctx, table); err != nil {
		return err
	}
	h.tables[table] = struct{}{}
	return nil
}

func (h *held) releaseAll() {
	for table := range h.tables {
		h.locks.release(table)
		delete(h.tables, table)
	}
}
