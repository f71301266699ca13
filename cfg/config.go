package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// StorageEngine selects the durable storage/transaction engine
type StorageEngine string

const (
	EngineSQLite StorageEngine = "sqlite" // SQLite database in data_dir
	EnginePebble StorageEngine = "pebble" // Pebble LSM in data_dir
	EngineMemory StorageEngine = "memory" // In-process, not durable (tests only)
)

// Strict mode levels, ordered by strictness
const (
	StrictDisabled   = "DISABLED"
	StrictPermissive = "PERMISSIVE"
	StrictEnforcing  = "ENFORCING"
	StrictMaster     = "MASTER"
)

// StorageConfiguration controls the storage engine
type StorageConfiguration struct {
	Engine          StorageEngine `toml:"engine"`
	BusyTimeoutMS   int           `toml:"busy_timeout_ms"`  // SQLite busy timeout
	CacheSizeMB     int64         `toml:"cache_size_mb"`    // Pebble block cache
	MemTableSizeMB  int64         `toml:"memtable_size_mb"` // Pebble write buffer
	ViewCacheSize   int           `toml:"view_cache_size"`  // Restored views kept in LRU
	SyncCheckpoints bool          `toml:"sync_checkpoints"` // fsync every checkpoint write
}

// ReplicationConfiguration controls how the node reacts to the provider
type ReplicationConfiguration struct {
	AutoIncrementControl bool   `toml:"auto_increment_control"`
	StrictMode           string `toml:"strict_mode"`
	ProviderEnabled      bool   `toml:"provider_enabled"`
}

// CheckpointConfiguration controls checkpoint advancement
type CheckpointConfiguration struct {
	WaitTimeoutMS int `toml:"wait_timeout_ms"` // Ordering fence timeout, 0 = unbounded
}

// ExecutionConfiguration bounds execution unit allocation
type ExecutionConfiguration struct {
	MaxUnits int `toml:"max_units"` // Concurrent execution units, 0 = unlimited
}

// SSTConfiguration controls state snapshot transfer negotiation
type SSTConfiguration struct {
	Method         string `toml:"method"`
	ReceiveAddress string `toml:"receive_address"`
	ScriptDir      string `toml:"script_dir"`
	DonorTimeoutS  int    `toml:"donor_timeout_seconds"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the HTTP status endpoints
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // PSK for mutating endpoints, empty = open
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID   uint64 `toml:"node_id"`
	NodeUUID string `toml:"node_uuid"`
	NodeName string `toml:"node_name"`
	DataDir  string `toml:"data_dir"`

	Storage     StorageConfiguration     `toml:"storage"`
	Replication ReplicationConfiguration `toml:"replication"`
	Checkpoint  CheckpointConfiguration  `toml:"checkpoint"`
	Execution   ExecutionConfiguration   `toml:"execution"`
	SST         SSTConfiguration         `toml:"sst"`
	Logging     LoggingConfiguration     `toml:"logging"`
	Prometheus  PrometheusConfiguration  `toml:"prometheus"`
	Admin       AdminConfiguration       `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
	SSTMethodFlag  = flag.String("sst-method", "", "SST method (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:   0, // Auto-generate
	NodeName: "",
	DataDir:  "./wsrep-data",

	Storage: StorageConfiguration{
		Engine:          EngineSQLite,
		BusyTimeoutMS:   5000,
		CacheSizeMB:     16,
		MemTableSizeMB:  4,
		ViewCacheSize:   16,
		SyncCheckpoints: true,
	},

	Replication: ReplicationConfiguration{
		AutoIncrementControl: true,
		StrictMode:           StrictEnforcing,
		ProviderEnabled:      true,
	},

	Checkpoint: CheckpointConfiguration{
		WaitTimeoutMS: 0,
	},

	Execution: ExecutionConfiguration{
		MaxUnits: 1024,
	},

	SST: SSTConfiguration{
		Method:        "rsync",
		ScriptDir:     "/usr/bin",
		DonorTimeoutS: 3600,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "127.0.0.1",
		Port:        4580,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}
	if *SSTMethodFlag != "" {
		Config.SST.Method = *SSTMethodFlag
	}

	if Config.NodeID == 0 || Config.NodeUUID == "" {
		machine, err := machineid.ProtectedID("wsrepd")
		if err != nil {
			return fmt.Errorf("failed to read machine id: %w", err)
		}
		if Config.NodeID == 0 {
			Config.NodeID = nodeIDFrom(machine)
			log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
		}
		if Config.NodeUUID == "" {
			Config.NodeUUID = nodeUUIDFrom(machine, Config.DataDir)
			log.Info().Str("node_uuid", Config.NodeUUID).Msg("Auto-generated node UUID")
		}
	}

	if Config.NodeName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "localhost"
		}
		Config.NodeName = hostname
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

func nodeIDFrom(machine string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(machine))
	return h.Sum64()
}

// nodeUUIDFrom is stable per machine and data directory so that two nodes
// sharing a host still get distinct identities.
func nodeUUIDFrom(machine, dataDir string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(machine+":"+dataDir)).String()
}

// StrictLevel returns the numeric level of a strict mode name, -1 if unknown
func StrictLevel(mode string) int {
	switch strings.ToUpper(mode) {
	case StrictDisabled:
		return 0
	case StrictPermissive:
		return 1
	case StrictEnforcing:
		return 2
	case StrictMaster:
		return 3
	}
	return -1
}

// Validate checks configuration for errors
func Validate() error {
	switch Config.Storage.Engine {
	case EngineSQLite, EnginePebble, EngineMemory:
	default:
		return fmt.Errorf("invalid storage engine: %q", Config.Storage.Engine)
	}

	if Config.NodeUUID != "" {
		if _, err := uuid.Parse(Config.NodeUUID); err != nil {
			return fmt.Errorf("invalid node uuid %q: %w", Config.NodeUUID, err)
		}
	}

	if StrictLevel(Config.Replication.StrictMode) < 0 {
		return fmt.Errorf("invalid strict mode: %s", Config.Replication.StrictMode)
	}

	if Config.Checkpoint.WaitTimeoutMS < 0 {
		return fmt.Errorf("checkpoint wait timeout must be >= 0")
	}

	if Config.Execution.MaxUnits < 0 {
		return fmt.Errorf("execution max units must be >= 0")
	}

	if Config.Storage.ViewCacheSize < 1 {
		return fmt.Errorf("view cache size must be >= 1")
	}

	if Config.SST.Method == "" {
		return fmt.Errorf("sst method must not be empty")
	}
	if strings.ContainsAny(Config.SST.Method, "/\x00 ") {
		return fmt.Errorf("invalid sst method: %q", Config.SST.Method)
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}

// IsAdminAuthEnabled reports whether admin requests must carry the secret
func IsAdminAuthEnabled() bool {
	return Config.Admin.Secret != ""
}
