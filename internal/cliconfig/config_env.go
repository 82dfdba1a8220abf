package cliconfig

import "os"

// ApplyEnvConfig applies configuration from environment variables
// (WALVAULT_*). It respects flags that have been explicitly set (changed
// map). Returns an error if any environment variable has an invalid format.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("db-path", os.Getenv("WALVAULT_DB_PATH"), &cfg.DBPath)
	s.setString("db-id", os.Getenv("WALVAULT_DB_ID"), &cfg.DBID)
	s.setString("bucket", os.Getenv("WALVAULT_BUCKET"), &cfg.Bucket)
	s.setString("endpoint", os.Getenv("WALVAULT_ENDPOINT"), &cfg.Endpoint)
	s.setString("region", os.Getenv("WALVAULT_REGION"), &cfg.Region)
	s.setString("profile", os.Getenv("WALVAULT_PROFILE"), &cfg.Profile)
	s.setString("access-key-id", os.Getenv("WALVAULT_ACCESS_KEY_ID"), &cfg.AccessKeyID)
	s.setString("secret-access-key", os.Getenv("WALVAULT_SECRET_ACCESS_KEY"), &cfg.SecretAccessKey)

	if err := s.setDuration("batch-interval", os.Getenv("WALVAULT_BATCH_INTERVAL"), &cfg.BatchInterval); err != nil {
		return err
	}
	if err := s.setDuration("poll-interval", os.Getenv("WALVAULT_POLL_INTERVAL"), &cfg.PollInterval); err != nil {
		return err
	}
	if err := s.setDuration("snapshot-interval", os.Getenv("WALVAULT_SNAPSHOT_INTERVAL"), &cfg.SnapshotInterval); err != nil {
		return err
	}
	if err := s.setDuration("retention", os.Getenv("WALVAULT_RETENTION"), &cfg.Retention); err != nil {
		return err
	}
	if err := s.setDuration("flush-timeout", os.Getenv("WALVAULT_FLUSH_TIMEOUT"), &cfg.ShutdownFlushTimeout); err != nil {
		return err
	}

	if err := s.setIntFromString("page-size", os.Getenv("WALVAULT_PAGE_SIZE"), &cfg.PageSize); err != nil {
		return err
	}
	if err := s.setIntFromString("max-batch-bytes", os.Getenv("WALVAULT_MAX_BATCH_BYTES"), &cfg.MaxBatchBytes); err != nil {
		return err
	}
	if err := s.setIntFromString("buffer-soft-bytes", os.Getenv("WALVAULT_BUFFER_SOFT_BYTES"), &cfg.BufferSoftBytes); err != nil {
		return err
	}
	if err := s.setIntFromString("buffer-hard-bytes", os.Getenv("WALVAULT_BUFFER_HARD_BYTES"), &cfg.BufferHardBytes); err != nil {
		return err
	}
	if err := s.setIntFromString("max-retries", os.Getenv("WALVAULT_MAX_RETRIES"), &cfg.MaxRetries); err != nil {
		return err
	}
	if err := s.setInt64FromString("rollover-bytes", os.Getenv("WALVAULT_ROLLOVER_BYTES"), &cfg.RolloverBytes); err != nil {
		return err
	}

	return nil
}
