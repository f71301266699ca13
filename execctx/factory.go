// Package execctx creates and releases the execution contexts the provider
// asks the server for: storage access contexts bound to a client's thread
// and streaming applier contexts with thread-local storage of their own.
package execctx

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/wsrepd/id"
	"github.com/maxpert/wsrepd/store"
	"github.com/maxpert/wsrepd/telemetry"
)

var (
	// ErrResourceExhausted is returned when no execution unit can be created.
	ErrResourceExhausted = errors.New("execctx: resources exhausted")
	// ErrNoOrigin is returned when a context is requested without a client.
	ErrNoOrigin = errors.New("execctx: no originating client")
)

// Factory creates execution contexts. Safe for concurrent use.
type Factory struct {
	engine   store.Engine
	registry *Registry
	ids      id.Generator
	maxUnits int64

	active atomic.Int64
}

// NewFactory creates a factory; maxUnits <= 0 means unlimited.
func NewFactory(engine store.Engine, registry *Registry, ids id.Generator, maxUnits int) *Factory {
	return &Factory{
		engine:   engine,
		registry: registry,
		ids:      ids,
		maxUnits: int64(maxUnits),
	}
}

// Registry returns the thread-local storage registry the factory allocates from.
func (f *Factory) Registry() *Registry { return f.registry }

// Active returns the number of execution units not yet released.
func (f *Factory) Active() int { return int(f.active.Load()) }

// ActiveUnits and OpenSessions implement telemetry.StatsProvider.
func (f *Factory) ActiveUnits() int  { return f.Active() }
func (f *Factory) OpenSessions() int { return f.engine.OpenSessions() }

func (f *Factory) reserve() bool {
	for {
		n := f.active.Load()
		if f.maxUnits > 0 && n >= f.maxUnits {
			return false
		}
		if f.active.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (f *Factory) newUnit(parent context.Context, vars *ThreadVars) (*Unit, error) {
	if !f.reserve() {
		return nil, fmt.Errorf("%w: %d units in use", ErrResourceExhausted, f.maxUnits)
	}

	unitID := f.ids.NextID()
	session, err := f.engine.NewSession(unitID)
	if err != nil {
		f.active.Add(-1)
		return nil, fmt.Errorf("%w: open session: %v", ErrResourceExhausted, err)
	}

	ctx, cancel := context.WithCancelCause(parent)
	telemetry.ExecutionUnits.Set(float64(f.active.Load()))
	return &Unit{
		ID:      unitID,
		Created: time.Now(),
		Session: session,
		Vars:    vars,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (f *Factory) destroyUnit(u *Unit) {
	// close first: the session's open transaction is bound to ctx
	if err := u.Session.Close(); err != nil {
		log.Warn().Err(err).Uint64("unit_id", u.ID).Msg("Failed to close storage session")
	}
	u.cancel(context.Canceled)
	u.Vars = nil
	telemetry.ExecutionUnits.Set(float64(f.active.Add(-1)))
}

// NewStorageContext creates a storage access context for origin. The new
// unit shares origin's thread-local storage and cancellation so that a
// BF-abort of the client also aborts its storage access.
func (f *Factory) NewStorageContext(origin ClientState) (*Context, error) {
	if origin == nil || origin.Thread() == nil {
		return nil, ErrNoOrigin
	}

	thread := origin.Thread()
	unit, err := f.newUnit(origin.Context(), thread.Vars())
	if err != nil {
		telemetry.ExecutionContextsTotal.With(KindStorage.String(), "failed").Inc()
		log.Error().Err(err).Msg("Failed to create storage context")
		return nil, err
	}

	log.Debug().Uint64("unit_id", unit.ID).Str("thread", thread.Name()).Msg("Created storage context")
	telemetry.ExecutionContextsTotal.With(KindStorage.String(), "create").Inc()
	return &Context{kind: KindStorage, unit: unit, thread: thread}, nil
}

// NewStreamingApplier creates a streaming applier context on origin's
// thread. The applier gets its own thread-local storage; the thread's
// bindings are the same on return as on entry, whether or not creation
// succeeds.
func (f *Factory) NewStreamingApplier(origin ClientState, reasonTag string) (*Context, error) {
	if origin == nil || origin.Thread() == nil {
		return nil, ErrNoOrigin
	}

	thread := origin.Thread()
	guard := Save(thread)
	defer guard.Restore()

	thread.reset()
	vars := f.registry.Alloc(reasonTag)
	thread.bind(nil, vars)

	unit, err := f.newUnit(context.Background(), vars)
	if err != nil {
		f.registry.Free(vars)
		telemetry.ExecutionContextsTotal.With(KindStreamingApplier.String(), "failed").Inc()
		log.Error().Err(err).Str("reason", reasonTag).Msg("Failed to create streaming applier")
		return nil, err
	}
	thread.bind(unit, vars)

	log.Debug().
		Uint64("unit_id", unit.ID).
		Uint64("vars_id", vars.ID).
		Str("reason", reasonTag).
		Msg("Created streaming applier")
	telemetry.ExecutionContextsTotal.With(KindStreamingApplier.String(), "create").Inc()
	return &Context{kind: KindStreamingApplier, unit: unit, thread: thread, reason: reasonTag}, nil
}

// Release destroys c. Releasing a context twice logs a warning and does
// nothing.
func (f *Factory) Release(c *Context) {
	if c == nil {
		return
	}
	if c.released.Swap(true) {
		log.Warn().Uint64("unit_id", c.unit.ID).Str("kind", c.kind.String()).Msg("Execution context released twice")
		return
	}

	switch c.kind {
	case KindStorage:
		f.destroyUnit(c.unit)
	case KindStreamingApplier:
		guard := Save(c.thread)
		vars := c.unit.Vars
		c.thread.bind(c.unit, vars)
		f.destroyUnit(c.unit)
		f.registry.Free(vars)
		c.thread.reset()
		guard.Restore()
	}

	log.Debug().Uint64("unit_id", c.unit.ID).Str("kind", c.kind.String()).Msg("Released execution context")
	telemetry.ExecutionContextsTotal.With(c.kind.String(), "release").Inc()
}
