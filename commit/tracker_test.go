package commit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitIdleDrained(t *testing.T) {
	tr := NewTracker()
	require.Equal(t, 0, tr.WaitIdle(0))

	tr.Enter()
	tr.Enter()
	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.Leave()
		tr.Leave()
	}()
	require.Equal(t, 0, tr.WaitIdle(time.Second))
}

func TestWaitIdleTimeoutReturnsRemaining(t *testing.T) {
	tr := NewTracker()
	tr.Enter()
	tr.Enter()
	tr.Leave()

	start := time.Now()
	require.Equal(t, 1, tr.WaitIdle(20*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	require.Equal(t, 1, tr.Committing())
}

func TestLeaveNeverNegative(t *testing.T) {
	tr := NewTracker()
	tr.Leave()
	require.Equal(t, 0, tr.Committing())
}
