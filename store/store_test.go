package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maxpert/wsrepd/cfg"
	"github.com/maxpert/wsrepd/wsrep"
)

type engineFactory struct {
	name string
	open func(t *testing.T, dir string) Engine
	// durable engines keep state across reopen
	durable bool
}

func engineFactories() []engineFactory {
	return []engineFactory{
		{
			name: "memory",
			open: func(t *testing.T, dir string) Engine { return NewMemoryEngine(4) },
		},
		{
			name:    "pebble",
			durable: true,
			open: func(t *testing.T, dir string) Engine {
				e, err := NewPebbleEngine(filepath.Join(dir, "wsrep.pebble"), PebbleOptions{ViewCacheSize: 4})
				require.NoError(t, err)
				return e
			},
		},
		{
			name:    "sqlite",
			durable: true,
			open: func(t *testing.T, dir string) Engine {
				e, err := NewSQLiteEngine(filepath.Join(dir, "wsrep.db"), SQLiteOptions{BusyTimeoutMS: 2000, ViewCacheSize: 4})
				require.NoError(t, err)
				return e
			},
		},
	}
}

func testView(stateID wsrep.GTID, viewSeqno wsrep.Seqno, members int) wsrep.View {
	v := wsrep.View{
		StateID:         stateID,
		ViewSeqno:       viewSeqno,
		Status:          wsrep.ViewPrimary,
		OwnIndex:        0,
		ProtocolVersion: 4,
	}
	for i := 0; i < members; i++ {
		v.Members = append(v.Members, wsrep.Member{ID: wsrep.NewID(), Name: "node"})
	}
	return v
}

func storeView(t *testing.T, e Engine, nodeID wsrep.ID, v wsrep.View) {
	t.Helper()
	s, err := e.NewSession(1)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Begin(context.Background()))
	require.NoError(t, s.StoreView(nodeID, &v))
	require.NoError(t, s.Commit())
	s.ReleaseLocks()
}

func TestEngineCheckpoint(t *testing.T) {
	for _, f := range engineFactories() {
		t.Run(f.name, func(t *testing.T) {
			dir := t.TempDir()
			e := f.open(t, dir)

			g, err := e.ReadCheckpoint()
			require.NoError(t, err)
			require.True(t, g.IsUndefined())

			want := wsrep.GTID{ID: wsrep.NewID(), Seqno: 42}
			require.NoError(t, e.WriteCheckpoint(want))

			got, err := e.ReadCheckpoint()
			require.NoError(t, err)
			require.Equal(t, want, got)

			require.NoError(t, e.Close())
			if !f.durable {
				return
			}

			e = f.open(t, dir)
			defer e.Close()
			got, err = e.ReadCheckpoint()
			require.NoError(t, err)
			require.Equal(t, want, got)
		})
	}
}

func TestEngineViewRestoresLatest(t *testing.T) {
	for _, f := range engineFactories() {
		t.Run(f.name, func(t *testing.T) {
			dir := t.TempDir()
			e := f.open(t, dir)
			node := wsrep.NewID()
			cluster := wsrep.NewID()

			s, err := e.NewSession(1)
			require.NoError(t, err)
			_, err = s.RestoreView(node)
			require.ErrorIs(t, err, ErrViewNotFound)
			require.NoError(t, s.Close())

			first := testView(wsrep.GTID{ID: cluster, Seqno: 10}, 3, 2)
			second := testView(wsrep.GTID{ID: cluster, Seqno: 11}, 4, 3)
			storeView(t, e, node, first)
			storeView(t, e, node, second)

			s, err = e.NewSession(2)
			require.NoError(t, err)
			got, err := s.RestoreView(node)
			require.NoError(t, err)
			require.Equal(t, second.StateID, got.StateID)
			require.Equal(t, second.ViewSeqno, got.ViewSeqno)
			require.Len(t, got.Members, 3)
			require.NoError(t, s.Close())
			require.NoError(t, e.Close())

			if !f.durable {
				return
			}

			e = f.open(t, dir)
			defer e.Close()
			s, err = e.NewSession(3)
			require.NoError(t, err)
			defer s.Close()
			got, err = s.RestoreView(node)
			require.NoError(t, err)
			require.Equal(t, second.StateID, got.StateID)
		})
	}
}

func TestEngineRollbackDiscardsView(t *testing.T) {
	for _, f := range engineFactories() {
		t.Run(f.name, func(t *testing.T) {
			e := f.open(t, t.TempDir())
			defer e.Close()
			node := wsrep.NewID()
			v := testView(wsrep.GTID{ID: wsrep.NewID(), Seqno: 1}, 1, 1)

			s, err := e.NewSession(1)
			require.NoError(t, err)
			require.NoError(t, s.Begin(context.Background()))
			require.NoError(t, s.StoreView(node, &v))
			require.NoError(t, s.RollbackStatement())
			require.NoError(t, s.Rollback())
			s.ReleaseLocks()
			require.NoError(t, s.Close())

			s, err = e.NewSession(2)
			require.NoError(t, err)
			defer s.Close()
			_, err = s.RestoreView(node)
			require.ErrorIs(t, err, ErrViewNotFound)
		})
	}
}

func TestEngineTransactionErrors(t *testing.T) {
	for _, f := range engineFactories() {
		t.Run(f.name, func(t *testing.T) {
			e := f.open(t, t.TempDir())
			defer e.Close()
			v := testView(wsrep.GTID{ID: wsrep.NewID(), Seqno: 1}, 1, 1)

			s, err := e.NewSession(1)
			require.NoError(t, err)
			require.ErrorIs(t, s.StoreView(wsrep.NewID(), &v), ErrNoTransaction)
			require.ErrorIs(t, s.Commit(), ErrNoTransaction)

			require.NoError(t, s.Begin(context.Background()))
			require.ErrorIs(t, s.Begin(context.Background()), ErrTxnActive)
			require.NoError(t, s.Close())

			require.ErrorIs(t, s.Begin(context.Background()), ErrSessionClosed)
		})
	}
}

func TestEngineLocksHeldUntilRelease(t *testing.T) {
	for _, f := range engineFactories() {
		t.Run(f.name, func(t *testing.T) {
			e := f.open(t, t.TempDir())
			defer e.Close()
			v := testView(wsrep.GTID{ID: wsrep.NewID(), Seqno: 1}, 1, 1)

			owner, err := e.NewSession(1)
			require.NoError(t, err)
			require.NoError(t, owner.Begin(context.Background()))
			require.NoError(t, owner.StoreView(wsrep.NewID(), &v))
			require.NoError(t, owner.Commit())

			// owner still holds the table lock: a second writer must time out
			other, err := e.NewSession(2)
			require.NoError(t, err)
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			require.NoError(t, other.Begin(ctx))
			err = other.StoreView(wsrep.NewID(), &v)
			require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
			require.NoError(t, other.Rollback())
			require.NoError(t, other.Close())

			owner.ReleaseLocks()
			require.NoError(t, owner.Close())

			other, err = e.NewSession(3)
			require.NoError(t, err)
			defer other.Close()
			require.NoError(t, other.Begin(context.Background()))
			require.NoError(t, other.StoreView(wsrep.NewID(), &v))
			require.NoError(t, other.Commit())
			other.ReleaseLocks()
		})
	}
}

func TestEngineSessionCount(t *testing.T) {
	for _, f := range engineFactories() {
		t.Run(f.name, func(t *testing.T) {
			e := f.open(t, t.TempDir())
			defer e.Close()

			a, err := e.NewSession(1)
			require.NoError(t, err)
			b, err := e.NewSession(2)
			require.NoError(t, err)
			require.Equal(t, 2, e.OpenSessions())

			require.NoError(t, a.Close())
			require.NoError(t, a.Close())
			require.Equal(t, 1, e.OpenSessions())
			require.NoError(t, b.Close())
			require.Equal(t, 0, e.OpenSessions())
		})
	}
}

func TestEngineStreamingFragments(t *testing.T) {
	for _, f := range engineFactories() {
		t.Run(f.name, func(t *testing.T) {
			e := f.open(t, t.TempDir())
			defer e.Close()
			src := wsrep.NewID()

			require.NoError(t, e.AppendFragment(Fragment{SourceID: src, TrxID: 7, Seqno: 12, Data: []byte("b")}))
			require.NoError(t, e.AppendFragment(Fragment{SourceID: src, TrxID: 7, Seqno: 11, Data: []byte("a")}))
			require.NoError(t, e.AppendFragment(Fragment{SourceID: src, TrxID: 9, Seqno: 13, Data: []byte("c")}))

			frags, err := e.StreamingFragments()
			require.NoError(t, err)
			require.Len(t, frags, 3)
			require.Equal(t, wsrep.Seqno(11), frags[0].Seqno)
			require.Equal(t, []byte("a"), frags[0].Data)
			require.Equal(t, wsrep.Seqno(12), frags[1].Seqno)
			require.Equal(t, uint64(9), frags[2].TrxID)

			require.NoError(t, e.RemoveFragments(src, 7))
			frags, err = e.StreamingFragments()
			require.NoError(t, err)
			require.Len(t, frags, 1)
			require.Equal(t, uint64(9), frags[0].TrxID)
		})
	}
}

func TestMemoryEngineFaults(t *testing.T) {
	e := NewMemoryEngine(4)
	boom := errors.New("boom")
	node := wsrep.NewID()
	v := testView(wsrep.GTID{ID: wsrep.NewID(), Seqno: 1}, 1, 1)

	e.InjectFault(FaultSession, boom)
	_, err := e.NewSession(1)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, e.OpenSessions())

	s, err := e.NewSession(1)
	require.NoError(t, err)
	defer s.Close()

	e.InjectFault(FaultStoreView, boom)
	require.NoError(t, s.Begin(context.Background()))
	require.ErrorIs(t, s.StoreView(node, &v), boom)
	require.NoError(t, s.RollbackStatement())
	require.NoError(t, s.Commit())
	require.Empty(t, e.ViewHistory(node))

	e.InjectFault(FaultCommit, boom)
	require.NoError(t, s.Begin(context.Background()))
	require.NoError(t, s.StoreView(node, &v))
	require.ErrorIs(t, s.Commit(), boom)
	require.Empty(t, e.ViewHistory(node))
	s.ReleaseLocks()
}

func TestOpenDispatchesEngine(t *testing.T) {
	dir := t.TempDir()
	for _, engine := range []cfg.StorageEngine{cfg.EngineSQLite, cfg.EnginePebble, cfg.EngineMemory} {
		e, err := Open(dir, cfg.StorageConfiguration{Engine: engine, ViewCacheSize: 2})
		require.NoError(t, err, engine)
		require.NoError(t, e.Close())
	}

	_, err := Open(dir, cfg.StorageConfiguration{Engine: "bogus"})
	require.Error(t, err)
}
