package wsrep

import (
	"context"
	"fmt"
	"time"
)

// State is the server state driven by the provider.
type State int

const (
	StateDisconnected State = iota
	StateInitializing
	StateInitialized
	StateConnected
	StateJoiner
	StateJoined
	StateDonor
	StateSynced
	StateDisconnecting
)

var stateNames = [...]string{
	StateDisconnected:  "disconnected",
	StateInitializing:  "initializing",
	StateInitialized:   "initialized",
	StateConnected:     "connected",
	StateJoiner:        "joiner",
	StateJoined:        "joined",
	StateDonor:         "donor",
	StateSynced:        "synced",
	StateDisconnecting: "disconnecting",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// LogLevel is the severity of a provider log message.
type LogLevel int

const (
	LogUnknown LogLevel = iota
	LogDebug
	LogInfo
	LogWarning
	LogError
)

// TxnState is the state of a client's current transaction.
type TxnState int

const (
	TxnExecuting TxnState = iota
	TxnCommitting
	TxnCommitted
	TxnAborting
	TxnAborted
)

func (s TxnState) String() string {
	switch s {
	case TxnExecuting:
		return "executing"
	case TxnCommitting:
		return "committing"
	case TxnCommitted:
		return "committed"
	case TxnAborting:
		return "aborting"
	case TxnAborted:
		return "aborted"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Provider is the subset of the group communication provider the server
// service calls into.
type Provider interface {
	// WaitForGTID blocks until gtid has been committed locally, the timeout
	// expires (0 means no timeout) or ctx is cancelled.
	WaitForGTID(ctx context.Context, gtid GTID, timeout time.Duration) error

	// LastCommittedGTID returns the last position committed in total order.
	LastCommittedGTID() GTID
}
