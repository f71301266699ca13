package store

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/maxpert/wsrepd/wsrep"
)

// viewCache keeps the latest committed view per node so get_view and the
// view coordinator do not hit storage on every membership change.
type viewCache struct {
	cache *lru.Cache[wsrep.ID, wsrep.View]
}

func newViewCache(size int) *viewCache {
	if size <= 0 {
		size = 16
	}
	c, err := lru.New[wsrep.ID, wsrep.View](size)
	if err != nil {
		// lru.New only fails for non-positive sizes
		panic(err)
	}
	return &viewCache{cache: c}
}

func (c *viewCache) get(nodeID wsrep.ID) (wsrep.View, bool) {
	v, ok := c.cache.Get(nodeID)
	if !ok {
		return wsrep.View{}, false
	}
	return cloneView(v), true
}

func (c *viewCache) put(nodeID wsrep.ID, v wsrep.View) {
	c.cache.Add(nodeID, cloneView(v))
}

func cloneView(v wsrep.View) wsrep.View {
	out := v
	out.Members = append([]wsrep.Member(nil), v.Members...)
	return out
}

// viewBackend is the part of an engine a bufferedSession delegates to.
type viewBackend interface {
	commitViews(recs []ViewRecord) error
	restoreView(nodeID wsrep.ID) (wsrep.View, error)
	tableLocks() *tableLocks
	views() *viewCache
	sessionClosed()
}

// bufferedSession implements Session for key/value engines: writes are
// buffered per statement and per transaction and handed to the backend as
// one atomic batch on Commit.
type bufferedSession struct {
	unitID  uint64
	backend viewBackend
	held    held

	ctx    context.Context
	active bool
	closed bool
	stmt   []ViewRecord
	txn    []ViewRecord
}

func newBufferedSession(unitID uint64, backend viewBackend) *bufferedSession {
	return &bufferedSession{
		unitID:  unitID,
		backend: backend,
		held:    newHeld(backend.tableLocks()),
		ctx:     context.Background(),
	}
}

func (s *bufferedSession) UnitID() uint64 { return s.unitID }

func (s *bufferedSession) Begin(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.active {
		return ErrTxnActive
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx = ctx
	s.active = true
	return nil
}

func (s *bufferedSession) StoreView(nodeID wsrep.ID, v *wsrep.View) error {
	if s.closed {
		return ErrSessionClosed
	}
	if !s.active {
		return ErrNoTransaction
	}
	if err := s.held.lock(s.ctx, TableClusterView); err != nil {
		return err
	}
	s.stmt = append(s.stmt, ViewRecord{NodeID: nodeID, View: cloneView(*v), StoredAt: time.Now().UnixNano()})
	s.endStatement()
	return nil
}

func (s *bufferedSession) endStatement() {
	s.txn = append(s.txn, s.stmt...)
	s.stmt = s.stmt[:0]
}

func (s *bufferedSession) RestoreView(nodeID wsrep.ID) (wsrep.View, error) {
	if s.closed {
		return wsrep.View{}, ErrSessionClosed
	}
	cache := s.backend.views()
	if v, ok := cache.get(nodeID); ok {
		return v, nil
	}
	v, err := s.backend.restoreView(nodeID)
	if err != nil {
		return wsrep.View{}, err
	}
	cache.put(nodeID, v)
	return v, nil
}

func (s *bufferedSession) Commit() error {
	if !s.active {
		return ErrNoTransaction
	}
	recs := s.txn
	s.active = false
	s.stmt, s.txn = nil, nil

	if len(recs) == 0 {
		return nil
	}
	if err := s.backend.commitViews(recs); err != nil {
		return err
	}
	cache := s.backend.views()
	for _, rec := range recs {
		cache.put(rec.NodeID, rec.View)
	}
	return nil
}

func (s *bufferedSession) RollbackStatement() error {
	if !s.active {
		return ErrNoTransaction
	}
	s.stmt = s.stmt[:0]
	return nil
}

func (s *bufferedSession) Rollback() error {
	if !s.active {
		return ErrNoTransaction
	}
	s.active = false
	s.stmt, s.txn = nil, nil
	return nil
}

func (s *bufferedSession) ReleaseLocks() {
	s.held.releaseAll()
}

func (s *bufferedSession) Close() error {
	if s.closed {
		return nil
	}
	if s.active {
		_ = s.Rollback()
	}
	s.ReleaseLocks()
	s.closed = true
	s.backend.sessionClosed()
	return nil
}
