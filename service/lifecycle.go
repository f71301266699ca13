package service

import (
	"github.com/rs/zerolog/log"

	"github.com/maxpert/wsrepd/notify"
	"github.com/maxpert/wsrepd/status"
	"github.com/maxpert/wsrepd/telemetry"
	"github.com/maxpert/wsrepd/wsrep"
)

// Lifecycle tracks the node state the provider drives us through.
type Lifecycle struct {
	globals *status.Globals
	hub     *notify.Hub
}

func NewLifecycle(globals *status.Globals, hub *notify.Hub) *Lifecycle {
	return &Lifecycle{globals: globals, hub: hub}
}

// OnStateChange updates status string, readiness and connectivity in one
// critical section.
func (l *Lifecycle) OnStateChange(prev, cur wsrep.State) {
	log.Info().Msgf("Server status change %s -> %s", prev, cur)

	var ready, connected bool
	l.globals.UpdateStatus(func(s *status.StatusVars) {
		switch cur {
		case wsrep.StateSynced:
			s.Ready = true
			fallthrough
		case wsrep.StateJoined, wsrep.StateDonor:
			s.ClusterStatus = status.ClusterPrimary
		case wsrep.StateConnected:
			s.ClusterStatus = status.ClusterNonPrimary
			s.Ready = false
			s.Connected = true
		case wsrep.StateDisconnected:
			s.Ready = false
			s.Connected = false
			s.ClusterStatus = status.ClusterDisconnected
		default:
			s.Ready = false
			s.ClusterStatus = status.ClusterNonPrimary
		}
		s.LocalState = cur
		ready, connected = s.Ready, s.Connected
	})

	if cur == wsrep.StateSynced {
		log.Info().Msg("Synchronized with group, ready for connections")
	}

	telemetry.NodeStateTransitionsTotal.With(prev.String(), cur.String()).Inc()
	telemetry.NodeState.With(prev.String()).Set(0)
	telemetry.NodeState.With(cur.String()).Set(1)
	telemetry.NodeReady.Set(boolGauge(ready))
	telemetry.NodeConnected.Set(boolGauge(connected))

	if l.hub != nil {
		l.hub.Publish(notify.Event{Kind: notify.KindState, From: prev, To: cur})
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
