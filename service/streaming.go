package service

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/wsrepd/execctx"
	"github.com/maxpert/wsrepd/store"
	"github.com/maxpert/wsrepd/wsrep"
)

// StreamingRegistry receives streaming applier contexts rebuilt from the
// streaming log.
type StreamingRegistry interface {
	Adopt(ec *execctx.Context, source wsrep.ID, trxID uint64, fragments []store.Fragment) error
}

type streamingKey struct {
	source wsrep.ID
	trxID  uint64
}

type streamingApplier struct {
	ctx       *execctx.Context
	fragments []store.Fragment
}

// Appliers keeps the streaming appliers of in-flight streaming
// transactions until they commit or roll back.
type Appliers struct {
	factory  *execctx.Factory
	engine   store.Engine
	appliers *xsync.MapOf[streamingKey, streamingApplier]
}

var _ StreamingRegistry = (*Appliers)(nil)

func NewAppliers(factory *execctx.Factory, engine store.Engine) *Appliers {
	return &Appliers{
		factory:  factory,
		engine:   engine,
		appliers: xsync.NewMapOf[streamingKey, streamingApplier](),
	}
}

// Adopt takes ownership of ec for the transaction (source, trxID).
func (a *Appliers) Adopt(ec *execctx.Context, source wsrep.ID, trxID uint64, fragments []store.Fragment) error {
	key := streamingKey{source: source, trxID: trxID}
	_, loaded := a.appliers.LoadOrStore(key, streamingApplier{ctx: ec, fragments: fragments})
	if loaded {
		return fmt.Errorf("streaming applier for %s/%d already registered", source, trxID)
	}
	return nil
}

// Get returns the applier of (source, trxID).
func (a *Appliers) Get(source wsrep.ID, trxID uint64) (*execctx.Context, []store.Fragment, bool) {
	sa, ok := a.appliers.Load(streamingKey{source: source, trxID: trxID})
	return sa.ctx, sa.fragments, ok
}

// Finish releases the applier of (source, trxID) and drops its fragments
// from the streaming log.
func (a *Appliers) Finish(source wsrep.ID, trxID uint64) error {
	sa, ok := a.appliers.LoadAndDelete(streamingKey{source: source, trxID: trxID})
	if !ok {
		return nil
	}
	a.factory.Release(sa.ctx)
	return a.engine.RemoveFragments(source, trxID)
}

// Len returns the number of registered appliers.
func (a *Appliers) Len() int {
	return a.appliers.Size()
}

// Close releases every applier, keeping their fragments for the next recovery.
func (a *Appliers) Close() {
	a.appliers.Range(func(k streamingKey, sa streamingApplier) bool {
		a.appliers.Delete(k)
		a.factory.Release(sa.ctx)
		return true
	})
	log.Debug().Msg("Released streaming appliers")
}
