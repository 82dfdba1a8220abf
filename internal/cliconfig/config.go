package cliconfig

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds the replication configuration for one database.
type Config struct {
	// DBPath is the database file path. The local WAL lives beside it.
	DBPath string

	// DBID is the object key prefix for this database's backup set.
	// Derived from DBPath if empty.
	DBID string

	// PageSize is the database page size in bytes.
	PageSize int

	// Object store target.
	Bucket          string
	Endpoint        string
	Region          string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string

	// Shipping cadence.
	MaxBatchBytes int
	BatchInterval time.Duration
	PollInterval  time.Duration

	// Generation lifecycle.
	SnapshotInterval time.Duration
	Retention        time.Duration
	RolloverBytes    int64

	// Buffer limits: past SoftBytes commits signal backpressure, past
	// HardBytes they block until the buffer drains.
	BufferSoftBytes int
	BufferHardBytes int

	// ShutdownFlushTimeout bounds how long Close waits for queued frames
	// to ship before giving up and leaving them to the next restore.
	ShutdownFlushTimeout time.Duration

	// MaxRetries is how many attempts a transient upload failure gets
	// before the frame lease is released back to the buffer.
	MaxRetries int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		PageSize:             4096,
		MaxBatchBytes:        4 << 20,
		BatchInterval:        time.Second,
		PollInterval:         250 * time.Millisecond,
		SnapshotInterval:     time.Hour,
		Retention:            24 * time.Hour,
		RolloverBytes:        1 << 30,
		BufferSoftBytes:      8 << 20,
		BufferHardBytes:      64 << 20,
		ShutdownFlushTimeout: 10 * time.Second,
		MaxRetries:           5,
	}
}

// Validate checks the configuration for errors and sets derived defaults.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db-path is required")
	}
	if c.DBID == "" {
		c.DBID = strings.TrimSuffix(filepath.Base(c.DBPath), filepath.Ext(c.DBPath))
	}
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if c.PageSize < 512 || c.PageSize > 65536 || c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("page-size must be a power of two between 512 and 65536, got %d", c.PageSize)
	}
	if c.MaxBatchBytes <= 0 {
		return fmt.Errorf("max-batch-bytes must be positive")
	}
	if c.BatchInterval <= 0 {
		return fmt.Errorf("batch interval must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.BufferSoftBytes <= 0 || c.BufferHardBytes <= c.BufferSoftBytes {
		return fmt.Errorf("buffer limits: need 0 < soft (%d) < hard (%d)",
			c.BufferSoftBytes, c.BufferHardBytes)
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 1
	}
	return nil
}

// configSetter helps apply configuration values while respecting flag
// precedence. It only applies values if the corresponding flag hasn't been
// explicitly set.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

// setString sets a string value if not empty and flag not changed.
func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt sets an int value if positive and flag not changed.
func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt64 sets an int64 value if positive and flag not changed.
func (s *configSetter) setInt64(flag string, value int64, dst *int64) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setDuration parses and sets a duration from string if valid and flag not
// changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setIntFromString parses a string to int and sets the destination if valid.
// Used for environment variables that come as strings.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}

// setInt64FromString parses a string to int64 and sets the destination if
// valid. Used for environment variables that come as strings.
func (s *configSetter) setInt64FromString(flag, value string, dst *int64) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}
