package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// FenceWaitBuckets for the commit-ordering wait before a checkpoint update
	FenceWaitBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30}

	// SSTBuckets for state transfers, which run from seconds to hours
	SSTBuckets = []float64{1, 5, 15, 60, 300, 900, 3600, 14400}

	// PersistBuckets for storage engine transactions (view history, checkpoint)
	PersistBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}
)

// Cluster status metrics
var (
	// ClusterSize is the member count of the last view
	ClusterSize Gauge = NoopStat{}

	// LocalIndex is this node's index in the last view (-1 when not a member)
	LocalIndex Gauge = NoopStat{}

	// ClusterConfID is the sequence number of the last view
	ClusterConfID Gauge = NoopStat{}

	// ProtocolVersion is the replication protocol version of the last view
	ProtocolVersion Gauge = NoopStat{}

	// NodeReady is 1 when the node accepts client connections
	NodeReady Gauge = NoopStat{}

	// NodeConnected is 1 while the node is connected to the group
	NodeConnected Gauge = NoopStat{}

	// MaintenanceMode is 1 while maintenance mode is in effect
	MaintenanceMode Gauge = NoopStat{}

	// NodeState is 1 for the node's current state and 0 for the others
	NodeState GaugeVec = noopGaugeVec{}

	// NodeStateTransitionsTotal counts state transitions (from -> to)
	NodeStateTransitionsTotal CounterVec = noopCounterVec{}

	// ViewsTotal counts delivered views by status (primary, non-primary, disconnected)
	ViewsTotal CounterVec = noopCounterVec{}
)

// Checkpoint and persistence metrics
var (
	// CheckpointSeqno is the seqno of the durable checkpoint (-1 when undefined)
	CheckpointSeqno Gauge = NoopStat{}

	// CheckpointUpdatesTotal counts checkpoint writes by result (ok, failed, regression, reset)
	CheckpointUpdatesTotal CounterVec = noopCounterVec{}

	// FenceWaitSeconds measures the ordering wait issued by set_position
	FenceWaitSeconds Histogram = NoopStat{}

	// FenceWaitErrorsTotal counts ordering waits that returned an error
	FenceWaitErrorsTotal Counter = NoopStat{}

	// ViewPersistSeconds measures the view history transaction
	ViewPersistSeconds Histogram = NoopStat{}

	// ViewPersistFailuresTotal counts view history failures by stage (begin, store, commit)
	ViewPersistFailuresTotal CounterVec = noopCounterVec{}

	// ClusterEpochResetsTotal counts checkpoint resets caused by a new cluster identity
	ClusterEpochResetsTotal Counter = NoopStat{}
)

// Execution context metrics
var (
	// ExecutionUnits tracks live execution units
	ExecutionUnits Gauge = NoopStat{}

	// ExecutionContextsTotal counts context operations by kind and op (create, release, failed)
	ExecutionContextsTotal CounterVec = noopCounterVec{}

	// OpenSessions tracks storage sessions held by execution units
	OpenSessions Gauge = NoopStat{}

	// CommittingTransactions tracks local transactions inside their commit path
	CommittingTransactions Gauge = NoopStat{}

	// BackgroundRollbacksTotal counts clients handed to the background rollbacker by result
	BackgroundRollbacksTotal CounterVec = noopCounterVec{}

	// SSTTotal counts state transfers by role and result
	SSTTotal CounterVec = noopCounterVec{}

	// SSTSeconds measures donations by method
	SSTSeconds HistogramVec = noopHistogramVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	ClusterSize = NewGauge("cluster_size", "Number of members in the current view")
	LocalIndex = NewGauge("local_index", "Index of this node in the current view")
	ClusterConfID = NewGauge("cluster_conf_id", "Sequence number of the current view")
	ProtocolVersion = NewGauge("protocol_version", "Replication protocol version of the current view")
	NodeReady = NewGauge("ready", "Whether the node accepts client connections (1=yes, 0=no)")
	NodeConnected = NewGauge("connected", "Whether the node is connected to the group (1=yes, 0=no)")
	MaintenanceMode = NewGauge("maintenance_mode", "Whether maintenance mode is in effect (1=yes, 0=no)")
	NodeState = NewGaugeVec("node_state", "Current node state (1 for the current state)", []string{"state"})
	NodeStateTransitionsTotal = NewCounterVec(
		"node_state_transitions_total",
		"Node state transitions",
		[]string{"from", "to"},
	)
	ViewsTotal = NewCounterVec(
		"views_total",
		"Delivered views by status",
		[]string{"status"},
	)

	CheckpointSeqno = NewGauge("checkpoint_seqno", "Seqno of the durable checkpoint")
	CheckpointUpdatesTotal = NewCounterVec(
		"checkpoint_updates_total",
		"Checkpoint updates by result",
		[]string{"result"},
	)
	FenceWaitSeconds = NewHistogramWithBuckets(
		"fence_wait_seconds",
		"Time waiting for prior commits before advancing the checkpoint",
		FenceWaitBuckets,
	)
	FenceWaitErrorsTotal = NewCounter("fence_wait_errors_total", "Ordering waits that returned an error")
	ViewPersistSeconds = NewHistogramWithBuckets(
		"view_persist_seconds",
		"View history transaction duration in seconds",
		PersistBuckets,
	)
	ViewPersistFailuresTotal = NewCounterVec(
		"view_persist_failures_total",
		"View history persistence failures by stage",
		[]string{"stage"},
	)
	ClusterEpochResetsTotal = NewCounter("cluster_epoch_resets_total", "Checkpoint resets caused by a new cluster identity")

	ExecutionUnits = NewGauge("execution_units", "Live execution units")
	ExecutionContextsTotal = NewCounterVec(
		"execution_contexts_total",
		"Execution context operations by kind and op",
		[]string{"kind", "op"},
	)
	OpenSessions = NewGauge("open_sessions", "Storage sessions held by execution units")
	CommittingTransactions = NewGauge("committing_transactions", "Local transactions inside their commit path")
	BackgroundRollbacksTotal = NewCounterVec(
		"background_rollbacks_total",
		"Clients handed to the background rollbacker by result",
		[]string{"result"},
	)
	SSTTotal = NewCounterVec(
		"sst_total",
		"State transfers by role and result",
		[]string{"role", "result"},
	)
	SSTSeconds = NewHistogramVec(
		"sst_seconds",
		"State transfer duration by method",
		[]string{"method"},
		SSTBuckets,
	)
}
