// Package service implements the server side of the replication provider
// interface: the callbacks the provider invokes to create execution
// contexts, deliver views and state changes, and negotiate state transfer.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/wsrepd/checkpoint"
	"github.com/maxpert/wsrepd/commit"
	"github.com/maxpert/wsrepd/execctx"
	"github.com/maxpert/wsrepd/rollback"
	"github.com/maxpert/wsrepd/sst"
	"github.com/maxpert/wsrepd/status"
	"github.com/maxpert/wsrepd/store"
	"github.com/maxpert/wsrepd/wsrep"
)

// ErrNoClient is returned by operations that need a caller identity.
var ErrNoClient = errors.New("service: no client")

// Streaming applier reason tags, by the kind of context that asked.
const (
	ReasonLocal        = "local"
	ReasonHighPriority = "high priority"
	ReasonRecovery     = "recovery"
)

// Options wires a ServerService.
type Options struct {
	NodeID     wsrep.ID
	Engine     store.Engine
	Factory    *execctx.Factory
	Checkpoint *checkpoint.Manager
	Views      *ViewCoordinator
	Lifecycle  *Lifecycle
	SST        *sst.Negotiator
	Commits    *commit.Tracker
	Rollbacker *rollback.Rollbacker
	Streaming  StreamingRegistry
	Globals    *status.Globals
}

// ServerService is the callback surface the provider drives.
type ServerService struct {
	nodeID     wsrep.ID
	engine     store.Engine
	factory    *execctx.Factory
	checkpoint *checkpoint.Manager
	views      *ViewCoordinator
	lifecycle  *Lifecycle
	sst        *sst.Negotiator
	commits    *commit.Tracker
	rollbacker *rollback.Rollbacker
	streaming  StreamingRegistry
	globals    *status.Globals
}

func New(opts Options) *ServerService {
	return &ServerService{
		nodeID:     opts.NodeID,
		engine:     opts.Engine,
		factory:    opts.Factory,
		checkpoint: opts.Checkpoint,
		views:      opts.Views,
		lifecycle:  opts.Lifecycle,
		sst:        opts.SST,
		commits:    opts.Commits,
		rollbacker: opts.Rollbacker,
		streaming:  opts.Streaming,
		globals:    opts.Globals,
	}
}

// NewStorageContext creates a storage access context for origin.
func (s *ServerService) NewStorageContext(origin execctx.ClientState) (*execctx.Context, error) {
	return s.factory.NewStorageContext(origin)
}

// NewStreamingApplier creates a streaming applier on origin's thread.
// Returns nil when no unit could be allocated.
func (s *ServerService) NewStreamingApplier(origin execctx.ClientState) *execctx.Context {
	reason := ReasonLocal
	if _, ok := origin.(*execctx.Context); ok {
		reason = ReasonHighPriority
	}
	ec, err := s.factory.NewStreamingApplier(origin, reason)
	if err != nil {
		return nil
	}
	return ec
}

func (s *ServerService) ReleaseStorageContext(ec *execctx.Context) {
	s.factory.Release(ec)
}

func (s *ServerService) ReleaseStreamingApplier(ec *execctx.Context) {
	s.factory.Release(ec)
}

// BackgroundRollback hands client to the background rollbacker.
func (s *ServerService) BackgroundRollback(client execctx.ClientState) error {
	return s.rollbacker.Enqueue(client)
}

// Bootstrap is called when this node forms a new cluster.
func (s *ServerService) Bootstrap() error {
	log.Info().Msgf("Bootstrapping a new cluster, setting initial position to %s", wsrep.UndefinedGTID)
	return s.checkpoint.Reset()
}

// LogMessage writes a provider log message.
func (s *ServerService) LogMessage(level wsrep.LogLevel, msg string) {
	switch level {
	case wsrep.LogDebug:
		log.Debug().Str("source", "provider").Msg("debug: " + msg)
	case wsrep.LogInfo:
		log.Info().Str("source", "provider").Msg(msg)
	case wsrep.LogWarning:
		log.Warn().Str("source", "provider").Msg(msg)
	case wsrep.LogError:
		log.Error().Str("source", "provider").Msg(msg)
	default:
		log.Debug().Str("source", "provider").Msg("unknown: " + msg)
	}
}

func (s *ServerService) OnView(ec *execctx.Context, v wsrep.View) {
	s.views.OnView(ec, v)
}

// RecoverStreamingTransactions rebuilds one streaming applier per
// transaction found in the streaming log and hands each to the registry.
// It returns how many were recovered.
func (s *ServerService) RecoverStreamingTransactions(origin execctx.ClientState) (int, error) {
	frags, err := s.engine.StreamingFragments()
	if err != nil {
		return 0, fmt.Errorf("read streaming log: %w", err)
	}

	recovered := 0
	var errs []error
	for len(frags) > 0 {
		n := 1
		for n < len(frags) && frags[n].SourceID == frags[0].SourceID && frags[n].TrxID == frags[0].TrxID {
			n++
		}
		group := frags[:n]
		frags = frags[n:]

		source, trxID := group[0].SourceID, group[0].TrxID
		ec, err := s.factory.NewStreamingApplier(origin, ReasonRecovery)
		if err != nil {
			errs = append(errs, fmt.Errorf("applier for %s/%d: %w", source, trxID, err))
			continue
		}
		if err := s.streaming.Adopt(ec, source, trxID, group); err != nil {
			s.factory.Release(ec)
			errs = append(errs, err)
			continue
		}
		recovered++
	}

	log.Info().Int("transactions", recovered).Msg("Recovered streaming transactions")
	return recovered, errors.Join(errs...)
}

// GetView returns the last persisted view with OwnIndex recomputed for
// ownID.
func (s *ServerService) GetView(client execctx.ClientState, ownID wsrep.ID) (wsrep.View, error) {
	if client == nil {
		return wsrep.View{}, ErrNoClient
	}
	var session store.Session
	if u := client.Unit(); u != nil && u.Session != nil {
		session = u.Session
	} else {
		ec, err := s.factory.NewStorageContext(client)
		if err != nil {
			return wsrep.View{}, err
		}
		defer s.factory.Release(ec)
		session = ec.Session()
	}

	v, err := session.RestoreView(s.nodeID)
	if err != nil {
		return wsrep.View{}, err
	}
	v.OwnIndex = v.MemberIndex(ownID)
	return v, nil
}

func (s *ServerService) Position() wsrep.GTID {
	return s.checkpoint.Position()
}

// SetPosition advances the checkpoint on behalf of an aborted client.
func (s *ServerService) SetPosition(client execctx.ClientState, gtid wsrep.GTID) error {
	var ctx context.Context
	if client != nil {
		ctx = client.Context()
	}
	return s.checkpoint.SetPosition(ctx, client, gtid)
}

func (s *ServerService) OnStateChange(prev, cur wsrep.State) {
	s.lifecycle.OnStateChange(prev, cur)
}

func (s *ServerService) SSTBeforeInit() bool {
	return s.sst.NeededBeforeStorageInit()
}

func (s *ServerService) SSTRequest() (string, error) {
	return s.sst.PrepareRequest()
}

func (s *ServerService) StartSST(ctx context.Context, request string, gtid wsrep.GTID, bypass bool) int {
	return s.sst.Start(ctx, request, gtid, bypass)
}

// WaitCommittingTransactions waits for local commits to drain and returns
// how many are still in flight. A non-zero result is reported, not enforced.
func (s *ServerService) WaitCommittingTransactions(timeout time.Duration) int {
	n := s.commits.WaitIdle(timeout)
	if n > 0 {
		log.Warn().Int("committing", n).Dur("timeout", timeout).Msg("Transactions still committing after wait")
	}
	return n
}

// Globals exposes the shared status variables.
func (s *ServerService) Globals() *status.Globals {
	return s.globals
}
