package cliconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.DBPath = "/data/orders.db"
	cfg.Bucket = "backups"
	return cfg
}

func TestValidateDerivesDBID(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.DBID != "orders" {
		t.Fatalf("derived db id = %q, want %q", cfg.DBID, "orders")
	}

	cfg = validConfig()
	cfg.DBID = "custom"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.DBID != "custom" {
		t.Fatalf("explicit db id overwritten: %q", cfg.DBID)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"missing db path":   func(c *Config) { c.DBPath = "" },
		"missing bucket":    func(c *Config) { c.Bucket = "" },
		"tiny page size":    func(c *Config) { c.PageSize = 256 },
		"odd page size":     func(c *Config) { c.PageSize = 5000 },
		"soft above hard":   func(c *Config) { c.BufferSoftBytes = c.BufferHardBytes },
		"zero batch bytes":  func(c *Config) { c.MaxBatchBytes = 0 },
		"zero poll":         func(c *Config) { c.PollInterval = 0 },
	}
	for name, mutate := range cases {
		cfg := validConfig()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: validate accepted bad config", name)
		}
	}
}

func TestApplyFileConfigRespectsChangedFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
db_path = "/data/from-file.db"
bucket = "file-bucket"
batch_interval = "3s"
max_batch_bytes = 1048576
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	fc, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Bucket = "flag-bucket"
	changed := map[string]bool{"bucket": true}
	if err := ApplyFileConfig(&cfg, fc, changed); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if cfg.Bucket != "flag-bucket" {
		t.Fatalf("explicit flag overridden by file: %q", cfg.Bucket)
	}
	if cfg.DBPath != "/data/from-file.db" {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
	if cfg.BatchInterval != 3*time.Second {
		t.Fatalf("batch interval = %v, want 3s", cfg.BatchInterval)
	}
	if cfg.MaxBatchBytes != 1<<20 {
		t.Fatalf("max batch bytes = %d", cfg.MaxBatchBytes)
	}
}

func TestApplyFileConfigRejectsBadDuration(t *testing.T) {
	cfg := DefaultConfig()
	fc := FileConfig{Retention: "soon"}
	if err := ApplyFileConfig(&cfg, fc, nil); err == nil {
		t.Fatal("bad duration accepted")
	}
}

func TestApplyEnvConfig(t *testing.T) {
	t.Setenv("WALVAULT_BUCKET", "env-bucket")
	t.Setenv("WALVAULT_RETENTION", "48h")
	t.Setenv("WALVAULT_ROLLOVER_BYTES", "1024")

	cfg := DefaultConfig()
	if err := ApplyEnvConfig(&cfg, nil); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Bucket != "env-bucket" {
		t.Fatalf("bucket = %q", cfg.Bucket)
	}
	if cfg.Retention != 48*time.Hour {
		t.Fatalf("retention = %v", cfg.Retention)
	}
	if cfg.RolloverBytes != 1024 {
		t.Fatalf("rollover = %d", cfg.RolloverBytes)
	}

	// Explicitly set flags win over the environment.
	cfg = DefaultConfig()
	cfg.Bucket = "flag-bucket"
	if err := ApplyEnvConfig(&cfg, map[string]bool{"bucket": true}); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Bucket != "flag-bucket" {
		t.Fatalf("flag overridden by env: %q", cfg.Bucket)
	}
}
