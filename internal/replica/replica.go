// Package replica wires restore, the local WAL, the generation manager and
// the uploader into one replicated database handle.
//
// Open order is fixed: restore first, then the local WAL, then the shipping
// pipeline. The handle never serves reads or accepts commits before restore
// has either reconstructed the latest backup or established a first run.
package replica

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bft-labs/walvault/internal/adapters/s3"
	"github.com/bft-labs/walvault/internal/buffer"
	"github.com/bft-labs/walvault/internal/cliconfig"
	"github.com/bft-labs/walvault/internal/domain"
	"github.com/bft-labs/walvault/internal/generation"
	"github.com/bft-labs/walvault/internal/metrics"
	"github.com/bft-labs/walvault/internal/ports"
	"github.com/bft-labs/walvault/internal/restore"
	"github.com/bft-labs/walvault/internal/uploader"
	"github.com/bft-labs/walvault/internal/wal"
	"github.com/bft-labs/walvault/pkg/log"
)

// DB is a replicated database handle.
type DB struct {
	cfg    cliconfig.Config
	logger log.Logger
	store  ports.ObjectStore

	mgr     *generation.Manager
	fileWAL *wal.FileWAL
	hook    *wal.Hook
	up      *uploader.Uploader
	result  restore.Result

	cancelUploader context.CancelFunc
	cancelManager  context.CancelFunc
	uploaderDone   chan struct{}
	wg             sync.WaitGroup
	closeOnce      sync.Once
	closeErr       error
}

type options struct {
	logger   log.Logger
	store    ports.ObjectStore
	registry prometheus.Registerer
	upOpts   []uploader.Option
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStore overrides the object store. Defaults to S3 built from the
// configuration. Tests use this to substitute an in-memory store.
func WithStore(s ports.ObjectStore) Option {
	return func(o *options) { o.store = s }
}

// WithMetrics registers the replication metrics with the given registerer.
func WithMetrics(r prometheus.Registerer) Option {
	return func(o *options) { o.registry = r }
}

// WithUploaderOptions appends extra uploader options. Test hook.
func WithUploaderOptions(opts ...uploader.Option) Option {
	return func(o *options) { o.upOpts = append(o.upOpts, opts...) }
}

// Open restores the database from the object store (or establishes a first
// run), opens the local WAL, and starts the shipping pipeline.
func Open(ctx context.Context, cfg cliconfig.Config, opts ...Option) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: log.NewNoopLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	store := o.store
	if store == nil {
		var err error
		store, err = s3.New(s3.Options{
			Bucket:          cfg.Bucket,
			Endpoint:        cfg.Endpoint,
			Region:          cfg.Region,
			Profile:         cfg.Profile,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
	}
	if o.registry != nil {
		metrics.Register(o.registry)
	}

	var restoreOpts []restore.Option
	if id, ok := loadIdentity(cfg.DBPath); ok {
		restoreOpts = append(restoreOpts, restore.WithExpectedBackupID(id))
	}
	eng := restore.NewEngine(store, o.logger, restoreOpts...)
	man, result, err := eng.Run(ctx, cfg.DBID, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if result == restore.ResultFirstRun {
		man = domain.NewManifest(cfg.DBID, uint32(cfg.PageSize), time.Now())
	}
	if uint32(cfg.PageSize) != man.PageSize {
		return nil, errors.New("walvault: configured page size differs from the backup set's")
	}
	if err := saveIdentity(cfg.DBPath, man.BackupID); err != nil {
		return nil, err
	}

	mgr := generation.New(
		o.logger,
		buffer.New(cfg.BufferSoftBytes, cfg.BufferHardBytes),
		man,
		tunables(cfg),
	)
	fileWAL, err := wal.OpenFileWAL(cfg.DBPath, man.PageSize, o.logger)
	if err != nil {
		return nil, err
	}

	db := &DB{
		cfg:     cfg,
		logger:  o.logger,
		store:   store,
		mgr:     mgr,
		fileWAL: fileWAL,
		hook:    wal.NewHook(fileWAL, mgr, o.logger),
		result:  result,
	}

	upOpts := append([]uploader.Option{
		uploader.WithPollInterval(cfg.PollInterval),
		uploader.WithMaxAttempts(cfg.MaxRetries),
	}, o.upOpts...)
	db.up = uploader.New(store, mgr, o.logger, man.PageSize, upOpts...)

	mgrCtx, cancelMgr := context.WithCancel(context.Background())
	db.cancelManager = cancelMgr
	db.wg.Add(1)
	go func() {
		defer db.wg.Done()
		_ = mgr.Run(mgrCtx)
	}()

	upCtx, cancelUp := context.WithCancel(context.Background())
	db.cancelUploader = cancelUp
	db.uploaderDone = make(chan struct{})
	go func() {
		defer close(db.uploaderDone)
		if err := db.up.Run(upCtx); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error("shipping loop exited", log.Err(err))
		}
	}()
	db.wg.Add(1)
	go func() {
		defer db.wg.Done()
		db.snapshotLoop(upCtx)
	}()

	// A first run over a pre-existing database seeds the backup set with an
	// initial snapshot of the current content.
	if result == restore.ResultFirstRun {
		if info, serr := os.Stat(cfg.DBPath); serr == nil && info.Size() > 0 {
			if _, cerr := db.hook.Checkpoint(); cerr != nil {
				o.logger.Warn("initial snapshot failed", log.Err(cerr))
			}
		}
	}

	o.logger.Info("replica open",
		log.String("db", cfg.DBID),
		log.String("result", result.String()),
	)
	return db, nil
}

// snapshotLoop drives the time-based snapshot cadence.
func (db *DB) snapshotLoop(ctx context.Context) {
	if db.cfg.SnapshotInterval <= 0 {
		return
	}
	tick := db.cfg.SnapshotInterval / 10
	if tick > time.Minute {
		tick = time.Minute
	}
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if db.mgr.SnapshotDue() {
				if _, err := db.hook.Checkpoint(); err != nil {
					db.logger.Warn("cadence snapshot failed", log.Err(err))
				}
			}
		}
	}
}

// WriteFrames stages frames for the current transaction.
func (db *DB) WriteFrames(frames []domain.Frame) error {
	return db.hook.WriteFrames(frames)
}

// Commit commits the staged transaction locally and queues it for shipping.
func (db *DB) Commit(ctx context.Context) error {
	return db.hook.Commit(ctx)
}

// Rollback discards the staged transaction.
func (db *DB) Rollback() { db.hook.Rollback() }

// ReadFrame returns the committed WAL content for pgno, if any.
func (db *DB) ReadFrame(pgno uint32) ([]byte, bool) {
	return db.hook.ReadFrame(pgno)
}

// ReadPage reads a page through the local WAL overlay.
func (db *DB) ReadPage(pgno uint32) ([]byte, error) {
	return db.hook.ReadPage(pgno)
}

// Checkpoint folds the local WAL into the database file and starts a new
// generation on a fresh snapshot.
func (db *DB) Checkpoint() error {
	_, err := db.hook.Checkpoint()
	return err
}

// Manifest returns a copy of the current manifest state.
func (db *DB) Manifest() *domain.Manifest { return db.mgr.Manifest() }

// Stalled reports the advisory ReplicationStalled condition.
func (db *DB) Stalled() bool { return db.mgr.Stalled() }

// FirstRun reports whether Open found no prior backup.
func (db *DB) FirstRun() bool { return db.result == restore.ResultFirstRun }

// UpdateConfig applies the live-tunable parts of a reloaded configuration.
func (db *DB) UpdateConfig(cfg cliconfig.Config) {
	db.mgr.UpdateTunables(tunables(cfg))
}

// Close stops the pipeline, flushing queued frames within the configured
// shutdown grace period. Whatever does not ship in time is reconciled by
// the next open's restore.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		// The shipping loop and Flush share the manager's single job slot:
		// the loop must be fully stopped, with any in-flight job handed
		// back, before Flush drains the tail.
		db.cancelUploader()
		<-db.uploaderDone
		db.mgr.ForceShip()

		flushCtx, cancel := context.WithTimeout(context.Background(), db.cfg.ShutdownFlushTimeout)
		defer cancel()
		if err := db.up.Flush(flushCtx); err != nil {
			db.logger.Warn("shutdown flush incomplete", log.Err(err))
		}

		db.cancelManager()
		db.wg.Wait()
		db.closeErr = db.fileWAL.Close()
	})
	return db.closeErr
}

func tunables(cfg cliconfig.Config) generation.Tunables {
	return generation.Tunables{
		MaxBatchBytes:    cfg.MaxBatchBytes,
		BatchInterval:    cfg.BatchInterval,
		SnapshotInterval: cfg.SnapshotInterval,
		Retention:        cfg.Retention,
		RolloverBytes:    cfg.RolloverBytes,
	}
}

// identity is the sidecar file pinning this database to its backup set.
type identity struct {
	BackupID uuid.UUID `json:"backup_id"`
}

func identityPath(dbPath string) string { return dbPath + ".walvault" }

func loadIdentity(dbPath string) (uuid.UUID, bool) {
	b, err := os.ReadFile(identityPath(dbPath))
	if err != nil {
		return uuid.Nil, false
	}
	var id identity
	if err := json.Unmarshal(b, &id); err != nil || id.BackupID == uuid.Nil {
		return uuid.Nil, false
	}
	return id.BackupID, true
}

func saveIdentity(dbPath string, backupID uuid.UUID) error {
	b, err := json.Marshal(identity{BackupID: backupID})
	if err != nil {
		return err
	}
	tmp := identityPath(dbPath) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, identityPath(dbPath))
}
