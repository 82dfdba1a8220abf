package cliconfig

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to make TOML
// friendly.
type FileConfig struct {
	DBPath string `toml:"db_path"`
	DBID   string `toml:"db_id"`

	PageSize int `toml:"page_size"`

	Bucket          string `toml:"bucket"`
	Endpoint        string `toml:"endpoint"`
	Region          string `toml:"region"`
	Profile         string `toml:"profile"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`

	MaxBatchBytes int    `toml:"max_batch_bytes"`
	BatchInterval string `toml:"batch_interval"`
	PollInterval  string `toml:"poll_interval"`

	SnapshotInterval string `toml:"snapshot_interval"`
	Retention        string `toml:"retention"`
	RolloverBytes    int64  `toml:"rollover_bytes"`

	BufferSoftBytes int `toml:"buffer_soft_bytes"`
	BufferHardBytes int `toml:"buffer_hard_bytes"`

	ShutdownFlushTimeout string `toml:"shutdown_flush_timeout"`
	MaxRetries           int    `toml:"max_retries"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns the default configuration file path.
// Returns ~/.walvault/config.toml if the user home directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".walvault", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("db-path", fc.DBPath, &cfg.DBPath)
	s.setString("db-id", fc.DBID, &cfg.DBID)
	s.setString("bucket", fc.Bucket, &cfg.Bucket)
	s.setString("endpoint", fc.Endpoint, &cfg.Endpoint)
	s.setString("region", fc.Region, &cfg.Region)
	s.setString("profile", fc.Profile, &cfg.Profile)
	s.setString("access-key-id", fc.AccessKeyID, &cfg.AccessKeyID)
	s.setString("secret-access-key", fc.SecretAccessKey, &cfg.SecretAccessKey)

	if err := s.setDuration("batch-interval", fc.BatchInterval, &cfg.BatchInterval); err != nil {
		return err
	}
	if err := s.setDuration("poll-interval", fc.PollInterval, &cfg.PollInterval); err != nil {
		return err
	}
	if err := s.setDuration("snapshot-interval", fc.SnapshotInterval, &cfg.SnapshotInterval); err != nil {
		return err
	}
	if err := s.setDuration("retention", fc.Retention, &cfg.Retention); err != nil {
		return err
	}
	if err := s.setDuration("flush-timeout", fc.ShutdownFlushTimeout, &cfg.ShutdownFlushTimeout); err != nil {
		return err
	}

	s.setInt("page-size", fc.PageSize, &cfg.PageSize)
	s.setInt("max-batch-bytes", fc.MaxBatchBytes, &cfg.MaxBatchBytes)
	s.setInt("buffer-soft-bytes", fc.BufferSoftBytes, &cfg.BufferSoftBytes)
	s.setInt("buffer-hard-bytes", fc.BufferHardBytes, &cfg.BufferHardBytes)
	s.setInt("max-retries", fc.MaxRetries, &cfg.MaxRetries)
	s.setInt64("rollover-bytes", fc.RolloverBytes, &cfg.RolloverBytes)

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
