package execctx

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// ThreadVars is a thread-local storage block. Storage contexts borrow the
// block of the thread they were created on; streaming appliers own one.
type ThreadVars struct {
	ID  uint64
	Tag string
}

// Thread is a provider-owned thread and its thread-local bindings: the
// execution unit currently running on it and the storage block in use.
type Thread struct {
	name string

	mu      sync.Mutex
	current *Unit
	vars    *ThreadVars
}

// NewThread creates a thread bound to vars with no current unit.
func NewThread(name string, vars *ThreadVars) *Thread {
	return &Thread{name: name, vars: vars}
}

func (t *Thread) Name() string { return t.name }

// Bindings returns the thread's current unit and storage block.
func (t *Thread) Bindings() (*Unit, *ThreadVars) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current, t.vars
}

func (t *Thread) Current() *Unit {
	u, _ := t.Bindings()
	return u
}

func (t *Thread) Vars() *ThreadVars {
	_, v := t.Bindings()
	return v
}

func (t *Thread) bind(u *Unit, vars *ThreadVars) {
	t.mu.Lock()
	t.current, t.vars = u, vars
	t.mu.Unlock()
}

func (t *Thread) reset() {
	t.bind(nil, nil)
}

// Guard holds a saved copy of a thread's bindings.
type Guard struct {
	thread *Thread
	unit   *Unit
	vars   *ThreadVars
}

// Save captures t's bindings; Restore puts them back.
func Save(t *Thread) Guard {
	u, v := t.Bindings()
	return Guard{thread: t, unit: u, vars: v}
}

func (g Guard) Restore() {
	g.thread.bind(g.unit, g.vars)
}

// Registry tracks every allocated thread-local storage block in the process.
type Registry struct {
	seq    atomic.Uint64
	blocks *xsync.MapOf[uint64, *ThreadVars]
}

func NewRegistry() *Registry {
	return &Registry{blocks: xsync.NewMapOf[uint64, *ThreadVars]()}
}

// Alloc allocates a new block tagged with tag.
func (r *Registry) Alloc(tag string) *ThreadVars {
	v := &ThreadVars{ID: r.seq.Add(1), Tag: tag}
	r.blocks.Store(v.ID, v)
	return v
}

// Free releases v. Freeing an unknown or nil block is a no-op.
func (r *Registry) Free(v *ThreadVars) {
	if v == nil {
		return
	}
	r.blocks.Delete(v.ID)
}

// Len returns the number of live blocks.
func (r *Registry) Len() int {
	return r.blocks.Size()
}

// Snapshot returns the ids of the live blocks in ascending order.
func (r *Registry) Snapshot() []uint64 {
	ids := make([]uint64, 0, r.blocks.Size())
	r.blocks.Range(func(id uint64, _ *ThreadVars) bool {
		ids = append(ids, id)
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
