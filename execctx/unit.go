package execctx

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/maxpert/wsrepd/store"
	"github.com/maxpert/wsrepd/wsrep"
)

// Unit is an execution unit: the identity a piece of server work runs
// under, with its own storage session.
type Unit struct {
	ID      uint64
	Created time.Time
	Session store.Session
	Vars    *ThreadVars

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// Context is the cancellation domain of the unit.
func (u *Unit) Context() context.Context { return u.ctx }

// ClientState is the view of a replicating client the server service needs.
type ClientState interface {
	TxnState() wsrep.TxnState
	// Context is cancelled when the client is BF-aborted.
	Context() context.Context
	Thread() *Thread
	Unit() *Unit
}

// Client is a local client session running on a provider thread.
type Client struct {
	thread *Thread
	unit   *Unit
	state  atomic.Int32

	ctx    context.Context
	cancel context.CancelCauseFunc
}

var _ ClientState = (*Client)(nil)

// NewClient creates a client on thread whose cancellation derives from parent.
func NewClient(parent context.Context, thread *Thread, unit *Unit) *Client {
	ctx, cancel := context.WithCancelCause(parent)
	return &Client{thread: thread, unit: unit, ctx: ctx, cancel: cancel}
}

func (c *Client) TxnState() wsrep.TxnState    { return wsrep.TxnState(c.state.Load()) }
func (c *Client) SetTxnState(s wsrep.TxnState) { c.state.Store(int32(s)) }
func (c *Client) Context() context.Context     { return c.ctx }
func (c *Client) Thread() *Thread              { return c.thread }
func (c *Client) Unit() *Unit                  { return c.unit }

// Abort BF-aborts the client: its context is cancelled with reason as cause
// and its transaction moves to aborting.
func (c *Client) Abort(reason error) {
	c.SetTxnState(wsrep.TxnAborting)
	c.cancel(reason)
}
