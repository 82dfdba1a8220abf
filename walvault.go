// Package walvault provides continuous backup and point-of-open restore for
// an embedded database's write-ahead log.
//
// Example usage:
//
//	cfg := walvault.DefaultConfig()
//	cfg.DBPath = "/data/orders.db"
//	cfg.Bucket = "my-backups"
//	db, err := walvault.Open(context.Background(), cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
package walvault

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bft-labs/walvault/internal/cliconfig"
	"github.com/bft-labs/walvault/internal/domain"
	"github.com/bft-labs/walvault/internal/ports"
	"github.com/bft-labs/walvault/internal/replica"
	"github.com/bft-labs/walvault/pkg/log"
)

// Config holds the replication configuration for one database.
// Use DefaultConfig() to get a Config with sensible defaults.
type Config = cliconfig.Config

// DB is a replicated database handle. Open restores the latest backup (or
// establishes a first run) before the handle accepts any commits.
type DB = replica.DB

// Frame is a single WAL frame: one page's new content plus metadata.
type Frame = domain.Frame

// Manifest is the published description of the latest recoverable state.
type Manifest = domain.Manifest

// Option configures Open.
type Option = replica.Option

// Sentinel errors surfaced by the replication pipeline.
var (
	ErrBufferBusy         = domain.ErrBufferBusy
	ErrReplicationStalled = domain.ErrReplicationStalled
	ErrRestoreFailed      = domain.ErrRestoreFailed
	ErrCorruptManifest    = domain.ErrCorruptManifest
)

// Open restores the database from the object store and starts replication.
func Open(ctx context.Context, cfg Config, opts ...Option) (*DB, error) {
	return replica.Open(ctx, cfg, opts...)
}

// DefaultConfig returns a Config with sensible default values.
// At minimum, set DBPath and Bucket before calling Open.
func DefaultConfig() Config {
	return cliconfig.DefaultConfig()
}

// WithLogger sets the logger used by the pipeline. Defaults to no logging.
func WithLogger(l log.Logger) Option {
	return replica.WithLogger(l)
}

// WithStore overrides the object store. Defaults to S3 built from the
// configuration.
func WithStore(s ports.ObjectStore) Option {
	return replica.WithStore(s)
}

// WithMetrics registers the replication metrics with the given registerer.
func WithMetrics(r prometheus.Registerer) Option {
	return replica.WithMetrics(r)
}
