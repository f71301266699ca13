package execctx

import (
	"context"
	"sync/atomic"

	"github.com/maxpert/wsrepd/store"
	"github.com/maxpert/wsrepd/wsrep"
)

// Kind distinguishes the two execution context flavors.
type Kind int

const (
	KindStorage Kind = iota
	KindStreamingApplier
)

func (k Kind) String() string {
	switch k {
	case KindStorage:
		return "storage"
	case KindStreamingApplier:
		return "streaming_applier"
	}
	return "unknown"
}

// Context is a unit of server work handed to the provider: either a storage
// access context or a streaming applier context.
type Context struct {
	kind   Kind
	unit   *Unit
	thread *Thread
	reason string

	state    atomic.Int32
	released atomic.Bool
}

var _ ClientState = (*Context)(nil)

func (c *Context) Kind() Kind               { return c.kind }
func (c *Context) Unit() *Unit              { return c.unit }
func (c *Context) Thread() *Thread          { return c.thread }
func (c *Context) Session() store.Session   { return c.unit.Session }
func (c *Context) Context() context.Context { return c.unit.ctx }

// Reason is the tag the streaming applier was created for.
func (c *Context) Reason() string { return c.reason }

func (c *Context) TxnState() wsrep.TxnState     { return wsrep.TxnState(c.state.Load()) }
func (c *Context) SetTxnState(s wsrep.TxnState) { c.state.Store(int32(s)) }

// Abort BF-aborts work running under the context. Lock waits inside its
// storage transaction return with the cancellation cause.
func (c *Context) Abort(reason error) {
	c.SetTxnState(wsrep.TxnAborting)
	c.unit.cancel(reason)
}

// Released reports whether the context has been handed back to the factory.
func (c *Context) Released() bool { return c.released.Load() }
