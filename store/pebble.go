package store

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/wsrepd/encoding"
	"github.com/maxpert/wsrepd/wsrep"
)

// Key layout
const (
	pebblePrefixView = "/view/"        // /view/{nodeUUID}/{recordSeq:016x}
	pebblePrefixSR   = "/sr/"          // /sr/{sourceUUID}/{trxID:016x}/{seqno:016x}
	pebbleKeyCkpt    = "/checkpoint"   // sealed GTID
	pebbleKeyViewSeq = "/meta/viewseq" // last record sequence written under /view/
)

// PebbleOptions configures the Pebble engine
type PebbleOptions struct {
	CacheSizeMB     int64
	MemTableSizeMB  int64
	ViewCacheSize   int
	SyncCheckpoints bool
	DisableWAL      bool // Only for testing!
}

// pebbleLogger wraps zerolog for Pebble
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// PebbleEngine implements Engine on a Pebble LSM
type PebbleEngine struct {
	db   *pebble.DB
	path string
	opts PebbleOptions

	// commitMu serializes view batches so record sequences are assigned in
	// commit order
	commitMu sync.Mutex
	viewSeq  uint64

	locks    *tableLocks
	cache    *viewCache
	sessions atomic.Int64
	closed   atomic.Bool
}

var _ Engine = (*PebbleEngine)(nil)

// NewPebbleEngine opens (or creates) a Pebble engine at path
func NewPebbleEngine(path string, opts PebbleOptions) (*PebbleEngine, error) {
	if opts.CacheSizeMB <= 0 {
		opts.CacheSizeMB = 16
	}
	if opts.MemTableSizeMB <= 0 {
		opts.MemTableSizeMB = 4
	}

	cache := pebble.NewCache(opts.CacheSizeMB << 20)
	defer cache.Unref() // DB will hold reference

	db, err := pebble.Open(path, &pebble.Options{
		Cache:        cache,
		MemTableSize: uint64(opts.MemTableSizeMB << 20),
		DisableWAL:   opts.DisableWAL,
		Logger:       &pebbleLogger{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	e := &PebbleEngine{
		db:    db,
		path:  path,
		opts:  opts,
		locks: newTableLocks(),
		cache: newViewCache(opts.ViewCacheSize),
	}

	seq, err := e.loadViewSeq()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load view sequence: %w", err)
	}
	e.viewSeq = seq

	log.Debug().Str("path", path).Uint64("view_seq", seq).Msg("Opened pebble storage engine")
	return e, nil
}

func (e *PebbleEngine) loadViewSeq() (uint64, error) {
	val, closer, err := e.db.Get([]byte(pebbleKeyViewSeq))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(val) < 8 {
		return 0, fmt.Errorf("corrupt view sequence (%d bytes)", len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

func (e *PebbleEngine) writeOpts() *pebble.WriteOptions {
	if e.opts.SyncCheckpoints {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (e *PebbleEngine) NewSession(unitID uint64) (Session, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	e.sessions.Add(1)
	return newBufferedSession(unitID, e), nil
}

func (e *PebbleEngine) ReadCheckpoint() (wsrep.GTID, error) {
	val, closer, err := e.db.Get([]byte(pebbleKeyCkpt))
	if err == pebble.ErrNotFound {
		return wsrep.UndefinedGTID, nil
	}
	if err != nil {
		return wsrep.UndefinedGTID, err
	}
	defer closer.Close()

	var g wsrep.GTID
	if err := encoding.Open(val, &g); err != nil {
		return wsrep.UndefinedGTID, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return g, nil
}

func (e *PebbleEngine) WriteCheckpoint(g wsrep.GTID) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	data, err := encoding.Seal(g)
	if err != nil {
		return err
	}
	return e.db.Set([]byte(pebbleKeyCkpt), data, e.writeOpts())
}

func fragmentPrefix(sourceID wsrep.ID, trxID uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%016x/", pebblePrefixSR, sourceID, trxID))
}

// orderedSeqno maps a signed seqno onto an unsigned value with the same order
func orderedSeqno(s wsrep.Seqno) uint64 {
	return uint64(s) ^ (1 << 63)
}

func (e *PebbleEngine) AppendFragment(f Fragment) error {
	data, err := encoding.Seal(f)
	if err != nil {
		return err
	}
	key := append(fragmentPrefix(f.SourceID, f.TrxID), []byte(fmt.Sprintf("%016x", orderedSeqno(f.Seqno)))...)
	return e.db.Set(key, data, e.writeOpts())
}

func (e *PebbleEngine) RemoveFragments(sourceID wsrep.ID, trxID uint64) error {
	prefix := fragmentPrefix(sourceID, trxID)
	return e.db.DeleteRange(prefix, prefixUpperBound(prefix), e.writeOpts())
}

func (e *PebbleEngine) StreamingFragments() ([]Fragment, error) {
	prefix := []byte(pebblePrefixSR)
	iter, err := e.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Fragment
	for iter.First(); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		var f Fragment
		if err := encoding.Open(val, &f); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping corrupt streaming fragment")
			continue
		}
		out = append(out, f)
	}
	sortFragments(out)
	return out, nil
}

func (e *PebbleEngine) OpenSessions() int {
	return int(e.sessions.Load())
}

// Close closes the Pebble DB (idempotent - safe to call multiple times)
func (e *PebbleEngine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	return e.db.Close()
}

func viewPrefix(nodeID wsrep.ID) []byte {
	return []byte(pebblePrefixView + nodeID.String() + "/")
}

func (e *PebbleEngine) commitViews(recs []ViewRecord) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	batch := e.db.NewBatch()
	defer batch.Close()

	seq := e.viewSeq
	for _, rec := range recs {
		data, err := encoding.Seal(rec)
		if err != nil {
			return err
		}
		seq++
		key := append(viewPrefix(rec.NodeID), []byte(fmt.Sprintf("%016x", seq))...)
		if err := batch.Set(key, data, nil); err != nil {
			return err
		}
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	if err := batch.Set([]byte(pebbleKeyViewSeq), buf, nil); err != nil {
		return err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}
	e.viewSeq = seq
	return nil
}

func (e *PebbleEngine) restoreView(nodeID wsrep.ID) (wsrep.View, error) {
	prefix := viewPrefix(nodeID)
	iter, err := e.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return wsrep.View{}, err
	}
	defer iter.Close()

	if !iter.Last() {
		return wsrep.View{}, ErrViewNotFound
	}
	val, err := iter.ValueAndErr()
	if err != nil {
		return wsrep.View{}, err
	}
	var rec ViewRecord
	if err := encoding.Open(val, &rec); err != nil {
		return wsrep.View{}, fmt.Errorf("failed to decode view record: %w", err)
	}
	return rec.View, nil
}

func (e *PebbleEngine) tableLocks() *tableLocks { return e.locks }
func (e *PebbleEngine) views() *viewCache       { return e.cache }
func (e *PebbleEngine) sessionClosed()          { e.sessions.Add(-1) }

// prefixUpperBound returns an exclusive upper bound covering every key
// that starts with prefix
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix)+8)
	copy(upper, prefix)
	for i := len(prefix); i < len(upper); i++ {
		upper[i] = 0xFF
	}
	return upper
}
