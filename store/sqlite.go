package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/wsrepd/encoding"
	"github.com/maxpert/wsrepd/wsrep"
)

var dialect = goqu.Dialect("sqlite3")

// sqliteSchemas creates the replication tables next to user data so the
// checkpoint commits atomically with the rows it describes.
var sqliteSchemas = []string{
	`CREATE TABLE IF NOT EXISTS ` + TableClusterView + ` (
		record_id        INTEGER PRIMARY KEY AUTOINCREMENT,
		node_uuid        TEXT    NOT NULL,
		view_seqno       INTEGER NOT NULL,
		state_uuid       TEXT    NOT NULL,
		state_seqno      INTEGER NOT NULL,
		status           TEXT    NOT NULL,
		protocol_version INTEGER NOT NULL,
		members          INTEGER NOT NULL,
		payload          BLOB    NOT NULL,
		stored_at        INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ` + TableClusterView + `_node ON ` + TableClusterView + ` (node_uuid, record_id)`,
	`CREATE TABLE IF NOT EXISTS ` + TableCheckpoint + ` (
		id           INTEGER PRIMARY KEY CHECK (id = 1),
		cluster_uuid TEXT    NOT NULL,
		seqno        INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ` + TableStreamingLog + ` (
		source_uuid TEXT    NOT NULL,
		trx_id      INTEGER NOT NULL,
		seqno       INTEGER NOT NULL,
		flags       INTEGER NOT NULL,
		frag        BLOB    NOT NULL,
		PRIMARY KEY (source_uuid, trx_id, seqno)
	)`,
}

const sqliteUpsertCheckpoint = `INSERT OR REPLACE INTO ` + TableCheckpoint + ` (id, cluster_uuid, seqno) VALUES (1, ?, ?)`

// SQLiteOptions configures the SQLite engine
type SQLiteOptions struct {
	BusyTimeoutMS   int
	ViewCacheSize   int
	SyncCheckpoints bool
}

// SQLiteEngine implements Engine on a SQLite database
type SQLiteEngine struct {
	db   *sql.DB
	path string

	locks    *tableLocks
	cache    *viewCache
	sessions atomic.Int64
	closed   atomic.Bool
}

var _ Engine = (*SQLiteEngine)(nil)

// NewSQLiteEngine opens (or creates) the SQLite engine at path
func NewSQLiteEngine(path string, opts SQLiteOptions) (*SQLiteEngine, error) {
	if opts.BusyTimeoutMS <= 0 {
		opts.BusyTimeoutMS = 5000
	}
	synchronous := "NORMAL"
	if opts.SyncCheckpoints {
		synchronous = "FULL"
	}

	dsn := path
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += fmt.Sprintf("%s_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate&_synchronous=%s", sep, opts.BusyTimeoutMS, synchronous)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(0)

	for _, schema := range sqliteSchemas {
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	log.Debug().Str("path", path).Msg("Opened sqlite storage engine")
	return &SQLiteEngine{
		db:    db,
		path:  path,
		locks: newTableLocks(),
		cache: newViewCache(opts.ViewCacheSize),
	}, nil
}

// DB exposes the underlying database (tests and admin introspection)
func (e *SQLiteEngine) DB() *sql.DB {
	return e.db
}

func (e *SQLiteEngine) NewSession(unitID uint64) (Session, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	e.sessions.Add(1)
	return &sqliteSession{
		unitID: unitID,
		engine: e,
		held:   newHeld(e.locks),
	}, nil
}

func (e *SQLiteEngine) ReadCheckpoint() (wsrep.GTID, error) {
	query, args, err := dialect.From(TableCheckpoint).
		Select("cluster_uuid", "seqno").
		Where(goqu.C("id").Eq(1)).
		Prepared(true).ToSQL()
	if err != nil {
		return wsrep.UndefinedGTID, err
	}

	var clusterUUID string
	var seqno int64
	err = e.db.QueryRow(query, args...).Scan(&clusterUUID, &seqno)
	if errors.Is(err, sql.ErrNoRows) {
		return wsrep.UndefinedGTID, nil
	}
	if err != nil {
		return wsrep.UndefinedGTID, err
	}

	id, err := wsrep.ParseID(clusterUUID)
	if err != nil {
		return wsrep.UndefinedGTID, fmt.Errorf("corrupt checkpoint: %w", err)
	}
	return wsrep.GTID{ID: id, Seqno: wsrep.Seqno(seqno)}, nil
}

func (e *SQLiteEngine) WriteCheckpoint(g wsrep.GTID) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	_, err := e.db.Exec(sqliteUpsertCheckpoint, g.ID.String(), int64(g.Seqno))
	return err
}

func (e *SQLiteEngine) AppendFragment(f Fragment) error {
	query, args, err := dialect.Insert(TableStreamingLog).Rows(goqu.Record{
		"source_uuid": f.SourceID.String(),
		"trx_id":      int64(f.TrxID),
		"seqno":       int64(f.Seqno),
		"flags":       f.Flags,
		"frag":        f.Data,
	}).Prepared(true).ToSQL()
	if err != nil {
		return err
	}
	_, err = e.db.Exec(query, args...)
	return err
}

func (e *SQLiteEngine) RemoveFragments(sourceID wsrep.ID, trxID uint64) error {
	query, args, err := dialect.Delete(TableStreamingLog).
		Where(goqu.Ex{"source_uuid": sourceID.String(), "trx_id": int64(trxID)}).
		Prepared(true).ToSQL()
	if err != nil {
		return err
	}
	_, err = e.db.Exec(query, args...)
	return err
}

func (e *SQLiteEngine) StreamingFragments() ([]Fragment, error) {
	query, args, err := dialect.From(TableStreamingLog).
		Select("source_uuid", "trx_id", "seqno", "flags", "frag").
		Order(goqu.C("source_uuid").Asc(), goqu.C("trx_id").Asc(), goqu.C("seqno").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := e.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Fragment
	for rows.Next() {
		var source string
		var trxID, seqno int64
		var f Fragment
		if err := rows.Scan(&source, &trxID, &seqno, &f.Flags, &f.Data); err != nil {
			return nil, err
		}
		if f.SourceID, err = wsrep.ParseID(source); err != nil {
			log.Warn().Err(err).Str("source_uuid", source).Msg("Skipping streaming fragment with bad source")
			continue
		}
		f.TrxID = uint64(trxID)
		f.Seqno = wsrep.Seqno(seqno)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortFragments(out)
	return out, nil
}

func (e *SQLiteEngine) OpenSessions() int {
	return int(e.sessions.Load())
}

func (e *SQLiteEngine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	return e.db.Close()
}

func (e *SQLiteEngine) restoreView(nodeID wsrep.ID) (wsrep.View, error) {
	if v, ok := e.cache.get(nodeID); ok {
		return v, nil
	}

	query, args, err := dialect.From(TableClusterView).
		Select("payload").
		Where(goqu.C("node_uuid").Eq(nodeID.String())).
		Order(goqu.C("record_id").Desc()).
		Limit(1).
		Prepared(true).ToSQL()
	if err != nil {
		return wsrep.View{}, err
	}

	var payload []byte
	err = e.db.QueryRow(query, args...).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return wsrep.View{}, ErrViewNotFound
	}
	if err != nil {
		return wsrep.View{}, err
	}

	var rec ViewRecord
	if err := encoding.Open(payload, &rec); err != nil {
		return wsrep.View{}, fmt.Errorf("failed to decode view record: %w", err)
	}
	e.cache.put(nodeID, rec.View)
	return rec.View, nil
}

// sqliteSession runs one SQL transaction at a time on a dedicated
// connection; each statement is wrapped in a savepoint so a failed statement
// can be undone without losing the transaction.
type sqliteSession struct {
	unitID uint64
	engine *SQLiteEngine
	held   held

	ctx      context.Context
	tx       *sql.Tx
	stmtOpen bool
	pending  []ViewRecord
	closed   bool
}

func (s *sqliteSession) UnitID() uint64 { return s.unitID }

func (s *sqliteSession) Begin(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.tx != nil {
		return ErrTxnActive
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := s.engine.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	s.ctx = ctx
	s.tx = tx
	return nil
}

func (s *sqliteSession) StoreView(nodeID wsrep.ID, v *wsrep.View) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.tx == nil {
		return ErrNoTransaction
	}
	if err := s.held.lock(s.ctx, TableClusterView); err != nil {
		return err
	}

	rec := ViewRecord{NodeID: nodeID, View: cloneView(*v), StoredAt: time.Now().UnixNano()}
	payload, err := encoding.Seal(rec)
	if err != nil {
		return err
	}
	query, args, err := dialect.Insert(TableClusterView).Rows(goqu.Record{
		"node_uuid":        nodeID.String(),
		"view_seqno":       int64(v.ViewSeqno),
		"state_uuid":       v.StateID.ID.String(),
		"state_seqno":      int64(v.StateID.Seqno),
		"status":           v.Status.String(),
		"protocol_version": v.ProtocolVersion,
		"members":          len(v.Members),
		"payload":          payload,
		"stored_at":        rec.StoredAt,
	}).Prepared(true).ToSQL()
	if err != nil {
		return err
	}

	if _, err := s.tx.ExecContext(s.ctx, "SAVEPOINT wsrep_stmt"); err != nil {
		return err
	}
	s.stmtOpen = true
	if _, err := s.tx.ExecContext(s.ctx, query, args...); err != nil {
		return err
	}
	if _, err := s.tx.ExecContext(s.ctx, "RELEASE SAVEPOINT wsrep_stmt"); err != nil {
		return err
	}
	s.stmtOpen = false
	s.pending = append(s.pending, rec)
	return nil
}

func (s *sqliteSession) RestoreView(nodeID wsrep.ID) (wsrep.View, error) {
	if s.closed {
		return wsrep.View{}, ErrSessionClosed
	}
	return s.engine.restoreView(nodeID)
}

func (s *sqliteSession) Commit() error {
	if s.tx == nil {
		return ErrNoTransaction
	}
	tx := s.tx
	pending := s.pending
	s.tx, s.stmtOpen, s.pending = nil, false, nil

	if err := tx.Commit(); err != nil {
		return err
	}
	for _, rec := range pending {
		s.engine.cache.put(rec.NodeID, rec.View)
	}
	return nil
}

func (s *sqliteSession) RollbackStatement() error {
	if s.tx == nil {
		return ErrNoTransaction
	}
	if !s.stmtOpen {
		return nil
	}
	if _, err := s.tx.ExecContext(s.ctx, "ROLLBACK TO SAVEPOINT wsrep_stmt"); err != nil {
		return err
	}
	_, err := s.tx.ExecContext(s.ctx, "RELEASE SAVEPOINT wsrep_stmt")
	s.stmtOpen = false
	return err
}

func (s *sqliteSession) Rollback() error {
	if s.tx == nil {
		return ErrNoTransaction
	}
	tx := s.tx
	s.tx, s.stmtOpen, s.pending = nil, false, nil
	return tx.Rollback()
}

func (s *sqliteSession) ReleaseLocks() {
	s.held.releaseAll()
}

func (s *sqliteSession) Close() error {
	if s.closed {
		return nil
	}
	var err error
	if s.tx != nil {
		err = s.Rollback()
	}
	s.ReleaseLocks()
	s.closed = true
	s.engine.sessions.Add(-1)
	return err
}
