// Package rollback runs the background rollbacker: clients whose
// transaction was BF-aborted while they were idle are rolled back here
// instead of on their own thread.
package rollback

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/wsrepd/execctx"
	"github.com/maxpert/wsrepd/store"
	"github.com/maxpert/wsrepd/telemetry"
	"github.com/maxpert/wsrepd/wsrep"
)

var (
	ErrQueueFull = errors.New("rollback: queue full")
	ErrStopped   = errors.New("rollback: rollbacker stopped")
)

// Func rolls back the transaction of client.
type Func func(ctx context.Context, client execctx.ClientState) error

type txnStateSetter interface {
	SetTxnState(wsrep.TxnState)
}

// StorageRollback rolls back the client's open storage transaction, drops
// its table locks and marks the transaction aborted.
func StorageRollback(_ context.Context, client execctx.ClientState) error {
	if u := client.Unit(); u != nil && u.Session != nil {
		if err := u.Session.Rollback(); err != nil && !errors.Is(err, store.ErrNoTransaction) {
			return err
		}
		u.Session.ReleaseLocks()
	}
	if s, ok := client.(txnStateSetter); ok {
		s.SetTxnState(wsrep.TxnAborted)
	}
	return nil
}

// Rollbacker is a single worker draining a bounded queue.
type Rollbacker struct {
	fn     Func
	queue  chan execctx.ClientState
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// New creates a rollbacker with room for depth queued clients.
func New(fn Func, depth int) *Rollbacker {
	if depth <= 0 {
		depth = 64
	}
	return &Rollbacker{
		fn:     fn,
		queue:  make(chan execctx.ClientState, depth),
		stopCh: make(chan struct{}),
	}
}

// Start begins processing the queue
func (r *Rollbacker) Start() {
	r.wg.Add(1)
	go r.loop()
}

// Stop drains what is queued and stops the worker
func (r *Rollbacker) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.stopCh)
	r.mu.Unlock()
	r.wg.Wait()
}

// Enqueue hands client to the worker without blocking.
func (r *Rollbacker) Enqueue(client execctx.ClientState) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		telemetry.BackgroundRollbacksTotal.With("rejected").Inc()
		return ErrStopped
	}
	select {
	case r.queue <- client:
		return nil
	default:
		telemetry.BackgroundRollbacksTotal.With("rejected").Inc()
		return ErrQueueFull
	}
}

func (r *Rollbacker) loop() {
	defer r.wg.Done()

	for {
		select {
		case client := <-r.queue:
			r.rollback(client)
		case <-r.stopCh:
			for {
				select {
				case client := <-r.queue:
					r.rollback(client)
				default:
					return
				}
			}
		}
	}
}

func (r *Rollbacker) rollback(client execctx.ClientState) {
	var unitID uint64
	if u := client.Unit(); u != nil {
		unitID = u.ID
	}
	if err := r.fn(context.Background(), client); err != nil {
		telemetry.BackgroundRollbacksTotal.With("failed").Inc()
		log.Error().Err(err).Uint64("unit_id", unitID).Msg("Background rollback failed")
		return
	}
	telemetry.BackgroundRollbacksTotal.With("ok").Inc()
	log.Debug().Uint64("unit_id", unitID).Msg("Background rollback done")
}
