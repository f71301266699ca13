// Package checkpoint owns the durable replication checkpoint: the last
// replication position whose effects are known to be in storage.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/wsrepd/execctx"
	"github.com/maxpert/wsrepd/store"
	"github.com/maxpert/wsrepd/telemetry"
	"github.com/maxpert/wsrepd/wsrep"
)

var (
	// ErrPreconditionViolated is returned by SetPosition when the client's
	// transaction has not been aborted.
	ErrPreconditionViolated = errors.New("checkpoint: client transaction not aborted")
	// ErrPositionRegression is returned when a write would move the
	// checkpoint backwards within the same cluster identity.
	ErrPositionRegression = errors.New("checkpoint: position regression")
)

// Manager caches the checkpoint in front of the storage engine.
type Manager struct {
	engine      store.Engine
	provider    wsrep.Provider
	waitTimeout time.Duration

	mu  sync.RWMutex
	pos wsrep.GTID
}

// NewManager loads the checkpoint from engine. waitTimeout bounds the
// ordering wait in SetPosition; zero waits until the client is aborted.
func NewManager(engine store.Engine, provider wsrep.Provider, waitTimeout time.Duration) (*Manager, error) {
	pos, err := engine.ReadCheckpoint()
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	telemetry.CheckpointSeqno.Set(float64(pos.Seqno))
	log.Info().Str("position", pos.String()).Msg("Loaded replication checkpoint")
	return &Manager{
		engine:      engine,
		provider:    provider,
		waitTimeout: waitTimeout,
		pos:         pos,
	}, nil
}

// Position returns the current checkpoint. It never fails.
func (m *Manager) Position() wsrep.GTID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pos
}

// SetPosition records gtid on behalf of a client whose transaction was
// aborted, after every commit ordered before gtid has completed. A failed
// ordering wait is logged and the checkpoint is advanced anyway.
func (m *Manager) SetPosition(ctx context.Context, client execctx.ClientState, gtid wsrep.GTID) error {
	if client == nil || client.TxnState() != wsrep.TxnAborted {
		return ErrPreconditionViolated
	}
	if ctx == nil {
		ctx = client.Context()
	}

	prev := gtid.Prev()
	start := time.Now()
	err := m.provider.WaitForGTID(ctx, prev, m.waitTimeout)
	telemetry.FenceWaitSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.FenceWaitErrorsTotal.Inc()
		log.Warn().Err(err).Str("gtid", prev.String()).Msg("Wait for prior commits failed, advancing checkpoint anyway")
	}

	return m.Set(gtid)
}

// Set durably writes gtid. A lower seqno under the same cluster identity is
// refused; a different identity or an undefined position is accepted.
func (m *Manager) Set(gtid wsrep.GTID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.pos.IsUndefined() && !gtid.IsUndefined() &&
		m.pos.ID == gtid.ID && gtid.Seqno < m.pos.Seqno {
		telemetry.CheckpointUpdatesTotal.With("regression").Inc()
		log.Error().
			Str("current", m.pos.String()).
			Str("requested", gtid.String()).
			Msg("Refusing to move checkpoint backwards")
		return fmt.Errorf("%w: %s -> %s", ErrPositionRegression, m.pos, gtid)
	}

	return m.write(gtid, "ok")
}

// Reset stores the undefined position. Used on bootstrap and when the
// cluster identity changes.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write(wsrep.UndefinedGTID, "reset")
}

func (m *Manager) write(gtid wsrep.GTID, result string) error {
	if err := m.engine.WriteCheckpoint(gtid); err != nil {
		telemetry.CheckpointUpdatesTotal.With("failed").Inc()
		log.Error().Err(err).Str("gtid", gtid.String()).Msg("Failed to store checkpoint")
		return fmt.Errorf("store checkpoint: %w", err)
	}
	m.pos = gtid
	telemetry.CheckpointUpdatesTotal.With(result).Inc()
	telemetry.CheckpointSeqno.Set(float64(gtid.Seqno))
	log.Debug().Str("gtid", gtid.String()).Msg("Checkpoint updated")
	return nil
}
