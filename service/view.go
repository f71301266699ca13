package service

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/wsrepd/cfg"
	"github.com/maxpert/wsrepd/checkpoint"
	"github.com/maxpert/wsrepd/execctx"
	"github.com/maxpert/wsrepd/notify"
	"github.com/maxpert/wsrepd/status"
	"github.com/maxpert/wsrepd/store"
	"github.com/maxpert/wsrepd/telemetry"
	"github.com/maxpert/wsrepd/wsrep"
)

// MultiVersionProtocolThreshold is the lowest protocol version spoken only
// by current-major members. A view below it contains older-major members.
const MultiVersionProtocolThreshold = 4

// ViewCoordinator reacts to membership views.
type ViewCoordinator struct {
	nodeID     wsrep.ID
	globals    *status.Globals
	checkpoint *checkpoint.Manager
	provider   wsrep.Provider
	hub        *notify.Hub
	verbose    bool
}

func NewViewCoordinator(nodeID wsrep.ID, globals *status.Globals, ckpt *checkpoint.Manager, provider wsrep.Provider, hub *notify.Hub, verbose bool) *ViewCoordinator {
	return &ViewCoordinator{
		nodeID:     nodeID,
		globals:    globals,
		checkpoint: ckpt,
		provider:   provider,
		hub:        hub,
		verbose:    verbose,
	}
}

// OnView processes a delivered view. ec is the applier context the view
// arrived on; without one the view is not persisted.
func (c *ViewCoordinator) OnView(ec *execctx.Context, v wsrep.View) {
	c.applyConfig(&v)
	c.applyStatus(&v)
	telemetry.ViewsTotal.With(v.Status.String()).Inc()

	if v.Status == wsrep.ViewPrimary {
		if ec != nil {
			c.reconcile(ec, &v)
		} else {
			log.Debug().Int64("view_seqno", int64(v.ViewSeqno)).Msg("No applier context for view, skipping view persistence")
		}
	}

	if c.hub != nil {
		c.hub.Publish(notify.Event{Kind: notify.KindView, View: &v})
	}
}

// applyConfig updates auto-increment partitioning and the maintenance mode
// policy under the config lock.
func (c *ViewCoordinator) applyConfig(v *wsrep.View) {
	permissive := cfg.StrictLevel(cfg.StrictPermissive)

	var maint status.MaintMode
	c.globals.UpdateConfig(func(cv *status.ConfigVars) {
		if cv.AutoIncrementControl && v.OwnIndex >= 0 {
			cv.AutoIncrementOffset = v.OwnIndex + 1
			cv.AutoIncrementIncrement = len(v.Members)
		}
		cv.ProtocolVersion = v.ProtocolVersion

		notShutdown := cv.MaintMode != status.MaintShutdown
		multiVersion := v.ProtocolVersion < MultiVersionProtocolThreshold
		if notShutdown && multiVersion && cv.StrictLevel > permissive {
			// an operator's MAINTENANCE stays theirs to undo
			if cv.MaintMode == status.MaintDisabled {
				log.Info().Int("protocol_version", v.ProtocolVersion).Msg("Mixed version cluster detected, changing maintenance mode to MAINTENANCE")
				cv.MaintMode = status.MaintMaintenance
				cv.MaintForced = true
			}
		} else if cv.MaintForced && notShutdown {
			// only undo what this layer forced
			log.Info().Int("protocol_version", v.ProtocolVersion).Msg("Protocol version uniform again, changing maintenance mode to DISABLED")
			cv.MaintMode = status.MaintDisabled
			cv.MaintForced = false
		}
		maint = cv.MaintMode
	})

	telemetry.ProtocolVersion.Set(float64(v.ProtocolVersion))
	if maint == status.MaintDisabled {
		telemetry.MaintenanceMode.Set(0)
	} else {
		telemetry.MaintenanceMode.Set(1)
	}
}

func (c *ViewCoordinator) applyStatus(v *wsrep.View) {
	c.globals.UpdateStatus(func(s *status.StatusVars) {
		s.ClusterSize = len(v.Members)
		s.LocalIndex = v.OwnIndex
		s.ClusterConfID = int64(v.ViewSeqno)
		s.ClusterStateUUID = v.StateID.ID.String()
	})

	telemetry.ClusterSize.Set(float64(len(v.Members)))
	telemetry.LocalIndex.Set(float64(v.OwnIndex))
	telemetry.ClusterConfID.Set(float64(v.ViewSeqno))
}

func (c *ViewCoordinator) reconcile(ec *execctx.Context, v *wsrep.View) {
	prev, err := ec.Session().RestoreView(c.nodeID)
	if err != nil && !errors.Is(err, store.ErrViewNotFound) {
		log.Warn().Err(err).Msg("Failed to restore previous view")
	}

	reset := false
	if prev.StateID.ID != v.StateID.ID {
		log.Debug().
			Str("previous", prev.StateID.ID.String()).
			Str("current", v.StateID.ID.String()).
			Msg("New cluster UUID was generated, resetting position info")
		if err := c.checkpoint.Reset(); err != nil {
			log.Error().Err(err).Msg("Failed to reset checkpoint for new cluster")
		}
		telemetry.ClusterEpochResetsTotal.Inc()
		reset = true
	}

	if c.verbose {
		log.Info().Msgf("Storing cluster view:\n%s", v)
		if !reset && v.StateID.Seqno < prev.StateID.Seqno {
			log.Error().
				Str("previous", prev.StateID.String()).
				Str("current", v.StateID.String()).
				Msg("View state seqno went backwards within the same cluster")
		}
	}

	c.storeView(ec, v)

	// Backwards compatibility: providers speaking older protocols do not
	// assign unique seqnos to views. When last committed equals the view's
	// state seqno the cluster runs in that mode and the checkpoint already
	// covers the view, so it is left alone.
	lastCommitted := c.provider.LastCommittedGTID().Seqno
	if reset || lastCommitted != v.StateID.Seqno {
		if err := c.checkpoint.Set(v.StateID); err != nil {
			log.Warn().Err(err).Str("gtid", v.StateID.String()).Msg("Failed to reconcile checkpoint with view")
		}
	}

	if pos := c.checkpoint.Position(); pos.ID != v.StateID.ID {
		log.Error().
			Str("checkpoint", pos.String()).
			Str("view_state", v.StateID.String()).
			Msg("Checkpoint cluster identity does not match view after reconciliation")
	}
}

// storeView appends v to view history in its own transaction. Failures are
// logged and rolled back; view processing continues.
func (c *ViewCoordinator) storeView(ec *execctx.Context, v *wsrep.View) {
	start := time.Now()
	s := ec.Session()

	if err := s.Begin(ec.Context()); err != nil {
		telemetry.ViewPersistFailuresTotal.With("begin").Inc()
		log.Warn().Err(err).Msg("Failed to start transaction for store view")
		return
	}
	defer s.ReleaseLocks()

	if err := s.StoreView(c.nodeID, v); err != nil {
		telemetry.ViewPersistFailuresTotal.With("store").Inc()
		log.Warn().Err(err).Msg("Failed to store view")
		if err := s.RollbackStatement(); err != nil {
			log.Warn().Err(err).Msg("Failed to roll back view statement")
		}
		if err := s.Rollback(); err != nil {
			log.Warn().Err(err).Msg("Failed to roll back view transaction")
		}
		return
	}

	if err := s.Commit(); err != nil {
		telemetry.ViewPersistFailuresTotal.With("commit").Inc()
		log.Warn().Err(err).Msg("Failed to commit transaction for store view")
		return
	}
	telemetry.ViewPersistSeconds.Observe(time.Since(start).Seconds())
}
