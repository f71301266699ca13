package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/wsrepd/execctx"
	"github.com/maxpert/wsrepd/wsrep"
)

type recordingServer struct {
	mu          sync.Mutex
	transitions []wsrep.State
	views       []wsrep.View
	bootstraps  int
}

func (s *recordingServer) Bootstrap() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bootstraps++
	return nil
}

func (s *recordingServer) OnStateChange(_, cur wsrep.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, cur)
}

func (s *recordingServer) OnView(_ *execctx.Context, v wsrep.View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views = append(s.views, v)
}

func (s *recordingServer) NewStreamingApplier(execctx.ClientState) *execctx.Context { return nil }
func (s *recordingServer) ReleaseStreamingApplier(*execctx.Context)                  {}

func TestWaitQueue_NotifyUpTo(t *testing.T) {
	q := newWaitQueue()

	var wg sync.WaitGroup
	results := make([]error, 5)
	for i, seqno := range []wsrep.Seqno{10, 20, 30, 40, 50} {
		ch := q.add(seqno)
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = q.wait(context.Background(), ch)
		}(i)
	}

	if q.len() != 5 {
		t.Fatalf("expected 5 waiters, got %d", q.len())
	}

	q.notifyUpTo(30)
	if q.len() != 2 {
		t.Fatalf("expected 2 waiters remaining, got %d", q.len())
	}

	q.notifyUpTo(50)
	wg.Wait()
	for i, err := range results {
		if err != nil {
			t.Fatalf("waiter %d: unexpected error %v", i, err)
		}
	}
}

func TestWaitQueue_CancelRemovesWaiter(t *testing.T) {
	q := newWaitQueue()
	ch := q.add(100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.wait(ctx, ch); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if q.len() != 0 {
		t.Fatalf("expected 0 waiters after cancel, got %d", q.len())
	}
}

func TestWaitQueue_ReachedBeforeCancelWins(t *testing.T) {
	q := newWaitQueue()
	ch := q.add(5)
	q.notifyUpTo(5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// both cases are ready; the reached position must win every time
	for i := 0; i < 100; i++ {
		if err := q.wait(ctx, ch); err != nil {
			t.Fatalf("iteration %d: expected nil for a reached position, got %v", i, err)
		}
	}
	if q.len() != 0 {
		t.Fatalf("expected 0 waiters, got %d", q.len())
	}
}

func TestLoopback_BootstrapSequence(t *testing.T) {
	srv := &recordingServer{}
	node := wsrep.NewID()
	p := NewLoopback(node, "n1", srv)

	if err := p.Bootstrap(wsrep.UndefinedGTID); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	want := []wsrep.State{
		wsrep.StateInitializing,
		wsrep.StateInitialized,
		wsrep.StateConnected,
		wsrep.StateJoined,
		wsrep.StateSynced,
	}
	if len(srv.transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, srv.transitions)
	}
	for i := range want {
		if srv.transitions[i] != want[i] {
			t.Fatalf("transition %d: expected %s, got %s", i, want[i], srv.transitions[i])
		}
	}
	if srv.bootstraps != 1 {
		t.Fatalf("expected one server bootstrap, got %d", srv.bootstraps)
	}
	if len(srv.views) != 1 || srv.views[0].Status != wsrep.ViewPrimary {
		t.Fatalf("expected one primary view, got %+v", srv.views)
	}
	if own, ok := srv.views[0].Own(); !ok || own.ID != node {
		t.Fatalf("expected own member %s, got %+v", node, own)
	}

	p.Disconnect()
	if p.State() != wsrep.StateDisconnected {
		t.Fatalf("expected disconnected, got %s", p.State())
	}
	last := srv.views[len(srv.views)-1]
	if !last.Final() {
		t.Fatalf("expected final view, got %+v", last)
	}
}

func TestLoopback_RestartKeepsIdentity(t *testing.T) {
	srv := &recordingServer{}
	p := NewLoopback(wsrep.NewID(), "n1", srv)
	from := wsrep.GTID{ID: wsrep.NewID(), Seqno: 41}

	if err := p.Bootstrap(from); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if srv.bootstraps != 0 {
		t.Fatalf("restart must not reset the server, got %d bootstraps", srv.bootstraps)
	}
	if got := p.LastCommittedGTID(); got != from {
		t.Fatalf("expected %s, got %s", from, got)
	}
	next, err := p.Replicate()
	if err != nil || next.Seqno != 42 || next.ID != from.ID {
		t.Fatalf("expected %s:42, got %s (%v)", from.ID, next, err)
	}
}

func TestLoopback_WaitForGTID(t *testing.T) {
	p := NewLoopback(wsrep.NewID(), "n1", &recordingServer{})
	if err := p.Bootstrap(wsrep.UndefinedGTID); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	cluster := p.LastCommittedGTID().ID

	// already committed
	if err := p.WaitForGTID(context.Background(), wsrep.GTID{ID: cluster, Seqno: 0}, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- p.WaitForGTID(context.Background(), wsrep.GTID{ID: cluster, Seqno: 2}, 0)
	}()
	time.Sleep(10 * time.Millisecond)
	if err := p.Commit(wsrep.GTID{ID: cluster, Seqno: 1}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	select {
	case err := <-done:
		t.Fatalf("woke before position committed: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	if err := p.Commit(wsrep.GTID{ID: cluster, Seqno: 2}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not notified")
	}

	err := p.WaitForGTID(context.Background(), wsrep.GTID{ID: cluster, Seqno: 10}, 10*time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}

	err = p.WaitForGTID(context.Background(), wsrep.GTID{ID: wsrep.NewID(), Seqno: 1}, 0)
	if !errors.Is(err, ErrClusterMismatch) {
		t.Fatalf("expected ErrClusterMismatch, got %v", err)
	}
}

func TestLoopback_DisconnectWakesWaiters(t *testing.T) {
	p := NewLoopback(wsrep.NewID(), "n1", &recordingServer{})
	if err := p.Bootstrap(wsrep.UndefinedGTID); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	cluster := p.LastCommittedGTID().ID

	done := make(chan error, 1)
	go func() {
		done <- p.WaitForGTID(context.Background(), wsrep.GTID{ID: cluster, Seqno: 100}, 0)
	}()
	time.Sleep(10 * time.Millisecond)
	p.Disconnect()

	select {
	case err := <-done:
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by disconnect")
	}
}
