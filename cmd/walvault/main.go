package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/bft-labs/walvault"
	"github.com/bft-labs/walvault/internal/adapters/s3"
	"github.com/bft-labs/walvault/internal/cliconfig"
	"github.com/bft-labs/walvault/internal/domain"
	"github.com/bft-labs/walvault/internal/restore"
	"github.com/bft-labs/walvault/pkg/log"
)

const longHelp = `Continuous backup for embedded databases.

walvault replicates committed WAL frames to an object store as they happen
and restores the latest recoverable state when a database opens. Configure
via flags, WALVAULT_* environment variables, or a TOML config file
(default: $HOME/.walvault/config.toml); flags win over environment, which
wins over the file.`

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := cliconfig.DefaultConfig()
	var cfgPath string

	root := &cobra.Command{
		Use:     "walvault",
		Short:   "Continuous backup for embedded databases",
		Long:    longHelp,
		Version: fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "", "path to config file (default: $HOME/.walvault/config.toml)")
	pf.StringVar(&cfg.DBPath, "db-path", "", "database file path")
	pf.StringVar(&cfg.DBID, "db-id", "", "backup set name (defaults to the database file name)")
	pf.StringVar(&cfg.Bucket, "bucket", "", "object store bucket")
	pf.StringVar(&cfg.Endpoint, "endpoint", "", "S3-compatible endpoint override")
	pf.StringVar(&cfg.Region, "region", "", "bucket region")
	pf.StringVar(&cfg.Profile, "profile", "", "shared credentials profile")
	pf.IntVar(&cfg.PageSize, "page-size", cfg.PageSize, "database page size in bytes")
	pf.IntVar(&cfg.MaxBatchBytes, "max-batch-bytes", cfg.MaxBatchBytes, "frame batch size threshold")
	pf.DurationVar(&cfg.BatchInterval, "batch-interval", cfg.BatchInterval, "frame batch time threshold")
	pf.DurationVar(&cfg.SnapshotInterval, "snapshot-interval", cfg.SnapshotInterval, "time-based snapshot cadence (0 disables)")
	pf.DurationVar(&cfg.Retention, "retention", cfg.Retention, "how long superseded generations are kept")
	pf.DurationVar(&cfg.ShutdownFlushTimeout, "flush-timeout", cfg.ShutdownFlushTimeout, "shutdown flush grace period")

	// resolve layers the config file and environment under the explicitly
	// set flags, then validates.
	resolve := func(cmd *cobra.Command) (map[string]bool, error) {
		changed := map[string]bool{}
		cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })
		cmd.InheritedFlags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

		cfgFile := cfgPath
		if cfgFile == "" {
			cfgFile = cliconfig.DefaultConfigPath()
		}
		if cfgFile != "" && cliconfig.FileExists(cfgFile) {
			fc, err := cliconfig.LoadFileConfig(cfgFile)
			if err != nil {
				return nil, fmt.Errorf("load config: %w", err)
			}
			if err := cliconfig.ApplyFileConfig(&cfg, fc, changed); err != nil {
				return nil, err
			}
		}
		if err := cliconfig.ApplyEnvConfig(&cfg, changed); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return changed, nil
	}

	root.AddCommand(
		newReplicateCmd(&cfg, &cfgPath, resolve),
		newRestoreCmd(&cfg, resolve),
		newGenerationsCmd(&cfg, resolve),
	)
	return root
}

func newReplicateCmd(cfg *cliconfig.Config, cfgPath *string, resolve func(*cobra.Command) (map[string]bool, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "replicate",
		Short: "Run continuous replication for a database",
		RunE: func(cmd *cobra.Command, args []string) error {
			changed, err := resolve(cmd)
			if err != nil {
				return err
			}
			logger := log.NewZerologAdapter()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			db, err := walvault.Open(ctx, *cfg,
				walvault.WithLogger(logger),
				walvault.WithMetrics(prometheus.DefaultRegisterer),
			)
			if err != nil {
				return fmt.Errorf("open replica: %w", err)
			}

			watchPath := *cfgPath
			if watchPath == "" {
				watchPath = cliconfig.DefaultConfigPath()
			}
			if watchPath != "" && cliconfig.FileExists(watchPath) {
				w := cliconfig.NewWatcher(watchPath, *cfg, changed, logger, db.UpdateConfig)
				go w.Run(ctx)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logger.Info("received signal, stopping")

			if err := db.Close(); err != nil {
				return fmt.Errorf("close replica: %w", err)
			}
			return nil
		},
	}
}

func newRestoreCmd(cfg *cliconfig.Config, resolve func(*cobra.Command) (map[string]bool, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Restore the latest recoverable state to the database path",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := resolve(cmd); err != nil {
				return err
			}
			logger := log.NewZerologAdapter()

			store, err := newStore(*cfg)
			if err != nil {
				return err
			}
			eng := restore.NewEngine(store, logger)
			man, res, err := eng.Run(context.Background(), cfg.DBID, cfg.DBPath)
			if err != nil {
				return err
			}
			if res == restore.ResultFirstRun {
				fmt.Printf("no backup found for %q\n", cfg.DBID)
				return nil
			}
			fmt.Printf("restored %q to %s (backup %s, updated %s)\n",
				cfg.DBID, cfg.DBPath, man.BackupID, humanize.Time(man.UpdatedAt))
			return nil
		},
	}
}

func newGenerationsCmd(cfg *cliconfig.Config, resolve func(*cobra.Command) (map[string]bool, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "generations",
		Short: "List the backup set's generations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := resolve(cmd); err != nil {
				return err
			}
			store, err := newStore(*cfg)
			if err != nil {
				return err
			}
			rc, err := store.Get(context.Background(), domain.ManifestKey(cfg.DBID))
			if err != nil {
				return fmt.Errorf("fetch manifest: %w", err)
			}
			defer rc.Close()
			b, err := io.ReadAll(rc)
			if err != nil {
				return err
			}
			man, err := domain.DecodeManifest(b)
			if err != nil {
				return err
			}

			fmt.Printf("backup %s  db %q  page size %d  updated %s\n\n",
				man.BackupID, man.DBID, man.PageSize, humanize.Time(man.UpdatedAt))
			tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tSTART\tLAST\tDURABLE\tSNAPSHOT")
			for _, g := range man.Generations {
				snap := "-"
				if g.Snapshot != nil {
					snap = fmt.Sprintf("%d pages, %s",
						g.Snapshot.PageCount, g.Snapshot.CreatedAt.Format(time.RFC3339))
				}
				fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%s\n",
					g.ID, g.Status, g.StartSeq, g.LastSeq, g.LastDurableSeq, snap)
			}
			return tw.Flush()
		},
	}
}

func newStore(cfg cliconfig.Config) (*s3.Store, error) {
	return s3.New(s3.Options{
		Bucket:          cfg.Bucket,
		Endpoint:        cfg.Endpoint,
		Region:          cfg.Region,
		Profile:         cfg.Profile,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
	})
}
