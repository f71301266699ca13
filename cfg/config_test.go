package cfg

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Configuration {
	return &Configuration{
		NodeID:   1,
		NodeUUID: "6f1c2d3e-4a5b-4c6d-8e7f-0a1b2c3d4e5f",
		DataDir:  "./test-data",
		Storage: StorageConfiguration{
			Engine:        EngineSQLite,
			ViewCacheSize: 4,
		},
		Replication: ReplicationConfiguration{
			StrictMode: StrictEnforcing,
		},
		SST: SSTConfiguration{
			Method: "rsync",
		},
		Admin: AdminConfiguration{
			Enabled: true,
			Port:    4580,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	if err := Validate(); err != nil {
		t.Errorf("Expected no error for valid config, got: %v", err)
	}
}

func TestValidate_DefaultConfig(t *testing.T) {
	if err := Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got: %v", err)
	}
}

func TestValidate_InvalidFields(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tests := []struct {
		name   string
		mutate func(c *Configuration)
	}{
		{"unknown engine", func(c *Configuration) { c.Storage.Engine = "rocks" }},
		{"bad node uuid", func(c *Configuration) { c.NodeUUID = "not-a-uuid" }},
		{"bad strict mode", func(c *Configuration) { c.Replication.StrictMode = "LENIENT" }},
		{"negative wait timeout", func(c *Configuration) { c.Checkpoint.WaitTimeoutMS = -1 }},
		{"negative max units", func(c *Configuration) { c.Execution.MaxUnits = -5 }},
		{"zero view cache", func(c *Configuration) { c.Storage.ViewCacheSize = 0 }},
		{"empty sst method", func(c *Configuration) { c.SST.Method = "" }},
		{"sst method with path", func(c *Configuration) { c.SST.Method = "../evil" }},
		{"admin port out of range", func(c *Configuration) { c.Admin.Port = 70000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Config = validConfig()
			tt.mutate(Config)
			if err := Validate(); err == nil {
				t.Errorf("Expected validation error")
			}
		})
	}
}

func TestValidate_AdminPortIgnoredWhenDisabled(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Admin.Enabled = false
	Config.Admin.Port = 0
	if err := Validate(); err != nil {
		t.Errorf("Expected no error when admin disabled, got: %v", err)
	}
}

func TestStrictLevel(t *testing.T) {
	if StrictLevel("disabled") != 0 {
		t.Error("DISABLED should be level 0")
	}
	if StrictLevel(StrictPermissive) >= StrictLevel(StrictEnforcing) {
		t.Error("PERMISSIVE must be weaker than ENFORCING")
	}
	if StrictLevel(StrictMaster) != 3 {
		t.Error("MASTER should be level 3")
	}
	if StrictLevel("bogus") != -1 {
		t.Error("unknown modes should be -1")
	}
}

func TestLoad_FromFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tmpDir := t.TempDir()
	dataDir := filepath.Join(tmpDir, "data")
	configPath := filepath.Join(tmpDir, "config.toml")
	content := `
node_id = 7
node_uuid = "6f1c2d3e-4a5b-4c6d-8e7f-0a1b2c3d4e5f"
node_name = "node-7"
data_dir = "` + dataDir + `"

[storage]
engine = "pebble"
view_cache_size = 8

[replication]
auto_increment_control = false
strict_mode = "PERMISSIVE"

[sst]
method = "mysqldump"
receive_address = "10.0.0.7:4444"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	copied := *original
	Config = &copied

	if err := Load(configPath); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if Config.NodeID != 7 {
		t.Errorf("Expected node_id 7, got %d", Config.NodeID)
	}
	if Config.Storage.Engine != EnginePebble {
		t.Errorf("Expected pebble engine, got %s", Config.Storage.Engine)
	}
	if Config.Replication.AutoIncrementControl {
		t.Error("Expected auto_increment_control=false")
	}
	if Config.SST.Method != "mysqldump" {
		t.Errorf("Expected mysqldump, got %s", Config.SST.Method)
	}
	if Config.SST.ReceiveAddress != "10.0.0.7:4444" {
		t.Errorf("Unexpected receive address %s", Config.SST.ReceiveAddress)
	}
	if _, err := os.Stat(dataDir); err != nil {
		t.Errorf("Expected data dir to be created: %v", err)
	}
}

func TestNodeUUIDFrom_StablePerDataDir(t *testing.T) {
	a := nodeUUIDFrom("machine", "/data/a")
	b := nodeUUIDFrom("machine", "/data/b")
	if a == b {
		t.Error("Expected distinct identities for distinct data dirs")
	}
	if a != nodeUUIDFrom("machine", "/data/a") {
		t.Error("Expected stable identity")
	}
}

func TestIsAdminAuthEnabled(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	if IsAdminAuthEnabled() {
		t.Error("Expected auth disabled without a secret")
	}
	Config.Admin.Secret = "s3cret"
	if !IsAdminAuthEnabled() {
		t.Error("Expected auth enabled with a secret")
	}
}
