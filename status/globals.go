// Package status holds the process-wide variables the replication layer
// shares with client sessions: configuration derived from cluster
// membership and the externally visible node status.
//
// Two locks guard them. The config lock is always taken before the status
// lock, never the other way round, and neither is held across storage I/O.
package status

import (
	"fmt"
	"strings"
	"sync"

	"github.com/maxpert/wsrepd/wsrep"
)

// MaintMode is the operational mode clients observe.
type MaintMode int

const (
	MaintDisabled MaintMode = iota
	MaintMaintenance
	MaintShutdown
)

func (m MaintMode) String() string {
	switch m {
	case MaintDisabled:
		return "DISABLED"
	case MaintMaintenance:
		return "MAINTENANCE"
	case MaintShutdown:
		return "SHUTDOWN"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(m))
}

// ParseMaintMode parses a mode name, case-insensitively.
func ParseMaintMode(s string) (MaintMode, error) {
	switch strings.ToUpper(s) {
	case "DISABLED":
		return MaintDisabled, nil
	case "MAINTENANCE":
		return MaintMaintenance, nil
	case "SHUTDOWN":
		return MaintShutdown, nil
	}
	return MaintDisabled, fmt.Errorf("unknown maintenance mode %q", s)
}

// Cluster status strings.
const (
	ClusterPrimary      = "Primary"
	ClusterNonPrimary   = "non-Primary"
	ClusterDisconnected = "Disconnected"
)

// ConfigVars are the configuration-derived globals.
type ConfigVars struct {
	AutoIncrementControl   bool      `json:"auto_increment_control"`
	AutoIncrementOffset    int       `json:"auto_increment_offset"`
	AutoIncrementIncrement int       `json:"auto_increment_increment"`
	ProtocolVersion        int       `json:"protocol_version"`
	StrictLevel            int       `json:"strict_level"`
	MaintMode              MaintMode `json:"-"`
	// MaintForced is set while MaintMode was switched on by the
	// replication layer rather than by the operator.
	MaintForced bool `json:"maint_mode_forced"`
}

// StatusVars are the externally visible node status variables.
type StatusVars struct {
	ClusterStatus    string      `json:"cluster_status"`
	Ready            bool        `json:"ready"`
	Connected        bool        `json:"connected"`
	ClusterSize      int         `json:"cluster_size"`
	LocalIndex       int         `json:"local_index"`
	ClusterConfID    int64       `json:"cluster_conf_id"`
	ClusterStateUUID string      `json:"cluster_state_uuid"`
	LocalState       wsrep.State `json:"-"`
}

// Snapshot is a consistent copy of both sections.
type Snapshot struct {
	ConfigVars
	StatusVars
	MaintModeName  string `json:"maint_mode"`
	LocalStateName string `json:"local_state"`
}

// Globals is the single owner of the shared variables.
type Globals struct {
	configMu sync.Mutex
	config   ConfigVars

	statusMu sync.Mutex
	status   StatusVars
}

// NewGlobals creates the globals in their disconnected state.
func NewGlobals(autoIncrementControl bool, strictLevel int) *Globals {
	return &Globals{
		config: ConfigVars{
			AutoIncrementControl:   autoIncrementControl,
			AutoIncrementOffset:    1,
			AutoIncrementIncrement: 1,
			StrictLevel:            strictLevel,
			MaintMode:              MaintDisabled,
		},
		status: StatusVars{
			ClusterStatus: ClusterDisconnected,
			LocalIndex:    -1,
			ClusterConfID: -1,
			LocalState:    wsrep.StateDisconnected,
		},
	}
}

// UpdateConfig runs fn with the config lock held.
func (g *Globals) UpdateConfig(fn func(c *ConfigVars)) {
	g.configMu.Lock()
	defer g.configMu.Unlock()
	fn(&g.config)
}

// UpdateStatus runs fn with the status lock held.
func (g *Globals) UpdateStatus(fn func(s *StatusVars)) {
	g.statusMu.Lock()
	defer g.statusMu.Unlock()
	fn(&g.status)
}

// Config returns a copy of the config section.
func (g *Globals) Config() ConfigVars {
	g.configMu.Lock()
	defer g.configMu.Unlock()
	return g.config
}

// Status returns a copy of the status section.
func (g *Globals) Status() StatusVars {
	g.statusMu.Lock()
	defer g.statusMu.Unlock()
	return g.status
}

// Snapshot copies both sections, honoring the lock order.
func (g *Globals) Snapshot() Snapshot {
	g.configMu.Lock()
	defer g.configMu.Unlock()
	g.statusMu.Lock()
	defer g.statusMu.Unlock()

	return Snapshot{
		ConfigVars:     g.config,
		StatusVars:     g.status,
		MaintModeName:  g.config.MaintMode.String(),
		LocalStateName: g.status.LocalState.String(),
	}
}

// SetMaintMode is the operator's switch. An operator choice is never
// reverted by the replication layer.
func (g *Globals) SetMaintMode(m MaintMode) {
	g.UpdateConfig(func(c *ConfigVars) {
		c.MaintMode = m
		c.MaintForced = false
	})
}

// SetStrictLevel changes the strictness policy used on the next view.
func (g *Globals) SetStrictLevel(level int) {
	g.UpdateConfig(func(c *ConfigVars) {
		c.StrictLevel = level
	})
}
