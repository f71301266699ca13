package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/maxpert/wsrepd/wsrep"
)

// Fault names accepted by MemoryEngine.InjectFault.
const (
	FaultSession         = "session"
	FaultBegin           = "begin"
	FaultStoreView       = "store_view"
	FaultCommit          = "commit"
	FaultWriteCheckpoint = "write_checkpoint"
)

type fragmentKey struct {
	source wsrep.ID
	trxID  uint64
	seqno  wsrep.Seqno
}

// MemoryEngine implements Engine with lock-free concurrent maps. Nothing
// survives the process; it backs tests and the "memory" engine setting.
type MemoryEngine struct {
	history    *xsync.MapOf[wsrep.ID, []ViewRecord]
	fragments  *xsync.MapOf[fragmentKey, Fragment]
	checkpoint atomic.Pointer[wsrep.GTID]

	locks    *tableLocks
	cache    *viewCache
	sessions atomic.Int64
	closed   atomic.Bool

	faultMu sync.Mutex
	faults  map[string]error
}

var _ Engine = (*MemoryEngine)(nil)

// NewMemoryEngine creates an empty engine.
func NewMemoryEngine(viewCacheSize int) *MemoryEngine {
	e := &MemoryEngine{
		history:   xsync.NewMapOf[wsrep.ID, []ViewRecord](),
		fragments: xsync.NewMapOf[fragmentKey, Fragment](),
		locks:     newTableLocks(),
		cache:     newViewCache(viewCacheSize),
		faults:    make(map[string]error),
	}
	undefined := wsrep.UndefinedGTID
	e.checkpoint.Store(&undefined)
	return e
}

// InjectFault makes the next operation named op fail with err.
func (e *MemoryEngine) InjectFault(op string, err error) {
	e.faultMu.Lock()
	defer e.faultMu.Unlock()
	e.faults[op] = err
}

func (e *MemoryEngine) fault(op string) error {
	e.faultMu.Lock()
	defer e.faultMu.Unlock()
	err := e.faults[op]
	delete(e.faults, op)
	return err
}

func (e *MemoryEngine) NewSession(unitID uint64) (Session, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if err := e.fault(FaultSession); err != nil {
		return nil, err
	}
	e.sessions.Add(1)
	return &memorySession{bufferedSession: newBufferedSession(unitID, e), engine: e}, nil
}

func (e *MemoryEngine) ReadCheckpoint() (wsrep.GTID, error) {
	return *e.checkpoint.Load(), nil
}

func (e *MemoryEngine) WriteCheckpoint(g wsrep.GTID) error {
	if err := e.fault(FaultWriteCheckpoint); err != nil {
		return err
	}
	e.checkpoint.Store(&g)
	return nil
}

func (e *MemoryEngine) AppendFragment(f Fragment) error {
	f.Data = append([]byte(nil), f.Data...)
	e.fragments.Store(fragmentKey{source: f.SourceID, trxID: f.TrxID, seqno: f.Seqno}, f)
	return nil
}

func (e *MemoryEngine) RemoveFragments(sourceID wsrep.ID, trxID uint64) error {
	e.fragments.Range(func(k fragmentKey, _ Fragment) bool {
		if k.source == sourceID && k.trxID == trxID {
			e.fragments.Delete(k)
		}
		return true
	})
	return nil
}

func (e *MemoryEngine) StreamingFragments() ([]Fragment, error) {
	out := make([]Fragment, 0, e.fragments.Size())
	e.fragments.Range(func(_ fragmentKey, f Fragment) bool {
		out = append(out, f)
		return true
	})
	sortFragments(out)
	return out, nil
}

func (e *MemoryEngine) OpenSessions() int {
	return int(e.sessions.Load())
}

func (e *MemoryEngine) Close() error {
	e.closed.Store(true)
	return nil
}

// ViewHistory returns every committed view of nodeID, oldest first.
func (e *MemoryEngine) ViewHistory(nodeID wsrep.ID) []ViewRecord {
	recs, _ := e.history.Load(nodeID)
	return append([]ViewRecord(nil), recs...)
}

func (e *MemoryEngine) commitViews(recs []ViewRecord) error {
	for _, rec := range recs {
		rec := rec
		e.history.Compute(rec.NodeID, func(old []ViewRecord, _ bool) ([]ViewRecord, bool) {
			return append(append([]ViewRecord(nil), old...), rec), false
		})
	}
	return nil
}

func (e *MemoryEngine) restoreView(nodeID wsrep.ID) (wsrep.View, error) {
	recs, ok := e.history.Load(nodeID)
	if !ok || len(recs) == 0 {
		return wsrep.View{}, ErrViewNotFound
	}
	return recs[len(recs)-1].View, nil
}

func (e *MemoryEngine) tableLocks() *tableLocks { return e.locks }
func (e *MemoryEngine) views() *viewCache       { return e.cache }
func (e *MemoryEngine) sessionClosed()          { e.sessions.Add(-1) }

type memorySession struct {
	*bufferedSession
	engine *MemoryEngine
}

func (s *memorySession) Begin(ctx context.Context) error {
	if err := s.engine.fault(FaultBegin); err != nil {
		return err
	}
	return s.bufferedSession.Begin(ctx)
}

func (s *memorySession) StoreView(nodeID wsrep.ID, v *wsrep.View) error {
	if err := s.bufferedSession.StoreView(nodeID, v); err != nil {
		return err
	}
	if err := s.engine.fault(FaultStoreView); err != nil {
		// Undo the statement the way a failing INSERT would: the caller
		// is expected to call RollbackStatement.
		s.txn = s.txn[:len(s.txn)-1]
		s.stmt = append(s.stmt, ViewRecord{NodeID: nodeID, View: *v})
		return err
	}
	return nil
}

func (s *memorySession) Commit() error {
	if err := s.engine.fault(FaultCommit); err != nil {
		_ = s.bufferedSession.Rollback()
		return err
	}
	return s.bufferedSession.Commit()
}

func sortFragments(frags []Fragment) {
	sort.Slice(frags, func(i, j int) bool {
		a, b := frags[i], frags[j]
		if a.SourceID != b.SourceID {
			return a.SourceID.String() < b.SourceID.String()
		}
		if a.TrxID != b.TrxID {
			return a.TrxID < b.TrxID
		}
		return a.Seqno < b.Seqno
	})
}
