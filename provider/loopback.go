// Package provider contains an in-process replication provider that forms a
// single-node cluster. It drives the server service through the same
// callback sequence a group communication provider does and commits
// positions locally, so the service can run stand-alone and in tests.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/wsrepd/execctx"
	"github.com/maxpert/wsrepd/wsrep"
)

var (
	ErrClusterMismatch = errors.New("provider: position belongs to another cluster")
	ErrNotConnected    = errors.New("provider: not connected")
	ErrWaitTimeout     = errors.New("provider: wait for position timed out")
)

// ProtocolVersion is the replication protocol the loopback provider speaks.
const ProtocolVersion = 4

// Server is the part of the server service the provider calls back into.
type Server interface {
	Bootstrap() error
	OnStateChange(prev, cur wsrep.State)
	OnView(ctx *execctx.Context, v wsrep.View)
	NewStreamingApplier(origin execctx.ClientState) *execctx.Context
	ReleaseStreamingApplier(ec *execctx.Context)
}

// Loopback is a single-node provider.
type Loopback struct {
	nodeID   wsrep.ID
	nodeName string
	server   Server
	// applier is the client views are applied on
	applier *execctx.Client

	mu        sync.Mutex
	state     wsrep.State
	clusterID wsrep.ID
	committed wsrep.Seqno
	viewSeqno wsrep.Seqno
	queue     *waitQueue
}

var _ wsrep.Provider = (*Loopback)(nil)

// NewLoopback creates a disconnected provider for the local node. server
// may be nil and attached later, before Bootstrap.
func NewLoopback(nodeID wsrep.ID, nodeName string, server Server) *Loopback {
	return &Loopback{
		nodeID:    nodeID,
		nodeName:  nodeName,
		server:    server,
		applier:   execctx.NewClient(context.Background(), execctx.NewThread("loopback-applier", nil), nil),
		state:     wsrep.StateDisconnected,
		committed: wsrep.SeqnoUndefined,
		viewSeqno: wsrep.SeqnoUndefined,
		queue:     newWaitQueue(),
	}
}

// Attach sets the server the provider calls back into.
func (p *Loopback) Attach(server Server) {
	p.server = server
}

// State returns the provider's current node state.
func (p *Loopback) State() wsrep.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Loopback) transition(to wsrep.State) {
	p.mu.Lock()
	from := p.state
	p.state = to
	p.mu.Unlock()
	p.server.OnStateChange(from, to)
}

// Bootstrap forms a new cluster from the stored position. When from is
// defined the cluster keeps its identity and continues after from.Seqno;
// otherwise a fresh identity starts at seqno 0.
func (p *Loopback) Bootstrap(from wsrep.GTID) error {
	if p.server == nil {
		return errors.New("provider: no server attached")
	}
	if p.State() != wsrep.StateDisconnected {
		return fmt.Errorf("provider: bootstrap from state %s", p.State())
	}

	p.transition(wsrep.StateInitializing)
	p.transition(wsrep.StateInitialized)

	p.mu.Lock()
	if from.IsUndefined() {
		p.clusterID = wsrep.NewID()
		p.committed = 0
	} else {
		p.clusterID = from.ID
		p.committed = from.Seqno
	}
	p.mu.Unlock()

	if from.IsUndefined() {
		if err := p.server.Bootstrap(); err != nil {
			return fmt.Errorf("provider: server bootstrap: %w", err)
		}
	}

	p.transition(wsrep.StateConnected)
	p.deliverView(wsrep.ViewPrimary, true)
	p.transition(wsrep.StateJoined)
	p.transition(wsrep.StateSynced)

	log.Info().Str("cluster", p.LastCommittedGTID().String()).Msg("Bootstrapped single node cluster")
	return nil
}

// Disconnect leaves the cluster: delivers the final view and walks the node
// down to disconnected.
func (p *Loopback) Disconnect() {
	if p.State() == wsrep.StateDisconnected {
		return
	}
	p.transition(wsrep.StateDisconnecting)
	p.deliverView(wsrep.ViewDisconnected, false)
	p.transition(wsrep.StateDisconnected)
	p.queue.failAll()
}

func (p *Loopback) deliverView(status wsrep.ViewStatus, member bool) {
	p.mu.Lock()
	p.viewSeqno++
	v := wsrep.View{
		StateID:         wsrep.GTID{ID: p.clusterID, Seqno: p.committed},
		ViewSeqno:       p.viewSeqno,
		Status:          status,
		OwnIndex:        -1,
		ProtocolVersion: ProtocolVersion,
	}
	if member {
		v.OwnIndex = 0
		v.Members = []wsrep.Member{{ID: p.nodeID, Name: p.nodeName}}
	}
	p.mu.Unlock()

	if status != wsrep.ViewPrimary {
		p.server.OnView(nil, v)
		return
	}
	ec := p.server.NewStreamingApplier(p.applier)
	p.server.OnView(ec, v)
	if ec != nil {
		p.server.ReleaseStreamingApplier(ec)
	}
}

// Replicate assigns the next position in total order.
func (p *Loopback) Replicate() (wsrep.GTID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != wsrep.StateSynced && p.state != wsrep.StateJoined {
		return wsrep.UndefinedGTID, ErrNotConnected
	}
	return wsrep.GTID{ID: p.clusterID, Seqno: p.committed + 1}, nil
}

// Commit marks g as committed and wakes waiters up to it. Commits must
// arrive in order.
func (p *Loopback) Commit(g wsrep.GTID) error {
	p.mu.Lock()
	if g.ID != p.clusterID {
		p.mu.Unlock()
		return ErrClusterMismatch
	}
	if g.Seqno > p.committed {
		p.committed = g.Seqno
	}
	p.mu.Unlock()

	p.queue.notifyUpTo(g.Seqno)
	return nil
}

func (p *Loopback) LastCommittedGTID() wsrep.GTID {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clusterID.IsUndefined() {
		return wsrep.UndefinedGTID
	}
	return wsrep.GTID{ID: p.clusterID, Seqno: p.committed}
}

// WaitForGTID blocks until g is committed, ctx is done or timeout expires
// (zero waits without a deadline).
func (p *Loopback) WaitForGTID(ctx context.Context, g wsrep.GTID, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, ErrWaitTimeout)
		defer cancel()
	}

	for {
		p.mu.Lock()
		if g.Seqno < 0 {
			p.mu.Unlock()
			return nil
		}
		if p.state == wsrep.StateDisconnected || p.state == wsrep.StateDisconnecting {
			p.mu.Unlock()
			return ErrNotConnected
		}
		if p.clusterID != g.ID {
			p.mu.Unlock()
			return fmt.Errorf("%w: waiting for %s", ErrClusterMismatch, g)
		}
		if p.committed >= g.Seqno {
			p.mu.Unlock()
			return nil
		}
		// registered under mu so a concurrent Commit cannot slip between
		// the check and the wait
		ch := p.queue.add(g.Seqno)
		p.mu.Unlock()

		if err := p.queue.wait(ctx, ch); err != nil {
			return err
		}
	}
}
