// Package store is the storage/transaction engine the server service persists
// into: the durable replication checkpoint, the per-node view history and the
// streaming replication log. Three engines implement it (sqlite, pebble and
// memory); they are interchangeable behind Engine.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/maxpert/wsrepd/cfg"
	"github.com/maxpert/wsrepd/wsrep"
)

var (
	ErrViewNotFound  = errors.New("store: no view stored for node")
	ErrNoTransaction = errors.New("store: no active transaction")
	ErrTxnActive     = errors.New("store: transaction already active")
	ErrSessionClosed = errors.New("store: session closed")
	ErrEngineClosed  = errors.New("store: engine closed")
)

// Table names, shared by every engine for lock and schema naming.
const (
	TableClusterView  = "wsrep_cluster_view"
	TableCheckpoint   = "wsrep_checkpoint"
	TableStreamingLog = "wsrep_streaming_log"
)

// ViewRecord is one row of view history.
type ViewRecord struct {
	NodeID   wsrep.ID   `msgpack:"node_id"`
	View     wsrep.View `msgpack:"view"`
	StoredAt int64      `msgpack:"stored_at"` // unix nanos
}

// Fragment is one stored piece of a streaming (multi-part) transaction.
type Fragment struct {
	SourceID wsrep.ID    `msgpack:"source_id"`
	TrxID    uint64      `msgpack:"trx_id"`
	Seqno    wsrep.Seqno `msgpack:"seqno"`
	Flags    int         `msgpack:"flags"`
	Data     []byte      `msgpack:"data"`
}

// Session is the storage access handle owned by one execution unit. It runs
// at most one transaction at a time and is not safe for concurrent use.
type Session interface {
	UnitID() uint64

	// Begin starts a read-write transaction. ctx bounds lock waits inside
	// the transaction; cancelling it aborts them.
	Begin(ctx context.Context) error
	Commit() error
	// RollbackStatement undoes the last failed statement, keeping the
	// transaction open.
	RollbackStatement() error
	Rollback() error
	// ReleaseLocks drops table locks taken by the transaction. Safe to call
	// after Commit or Rollback, and when no locks are held.
	ReleaseLocks()

	// StoreView appends v to nodeID's view history inside the transaction.
	StoreView(nodeID wsrep.ID, v *wsrep.View) error
	// RestoreView returns the most recently committed view of nodeID.
	RestoreView(nodeID wsrep.ID) (wsrep.View, error)

	Close() error
}

// Engine is the storage/transaction engine.
type Engine interface {
	NewSession(unitID uint64) (Session, error)

	ReadCheckpoint() (wsrep.GTID, error)
	WriteCheckpoint(g wsrep.GTID) error

	AppendFragment(f Fragment) error
	RemoveFragments(sourceID wsrep.ID, trxID uint64) error
	StreamingFragments() ([]Fragment, error)

	// OpenSessions reports sessions not yet closed.
	OpenSessions() int
	Close() error
}

// Open creates the engine selected by cfg.Config.Storage.
func Open(dataDir string, sc cfg.StorageConfiguration) (Engine, error) {
	switch sc.Engine {
	case cfg.EngineSQLite:
		return NewSQLiteEngine(filepath.Join(dataDir, "wsrep.db"), SQLiteOptions{
			BusyTimeoutMS:   sc.BusyTimeoutMS,
			ViewCacheSize:   sc.ViewCacheSize,
			SyncCheckpoints: sc.SyncCheckpoints,
		})
	case cfg.EnginePebble:
		return NewPebbleEngine(filepath.Join(dataDir, "wsrep.pebble"), PebbleOptions{
			CacheSizeMB:     sc.CacheSizeMB,
			MemTableSizeMB:  sc.MemTableSizeMB,
			ViewCacheSize:   sc.ViewCacheSize,
			SyncCheckpoints: sc.SyncCheckpoints,
		})
	case cfg.EngineMemory:
		return NewMemoryEngine(sc.ViewCacheSize), nil
	}
	return nil, fmt.Errorf("unknown storage engine %q", sc.Engine)
}
