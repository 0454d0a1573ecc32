package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/trailsync/internal/config"
	"github.com/livinlefevreloca/trailsync/internal/db"
	"github.com/livinlefevreloca/trailsync/internal/discovery"
	"github.com/livinlefevreloca/trailsync/internal/logging"
	"github.com/livinlefevreloca/trailsync/internal/manifest"
	"github.com/livinlefevreloca/trailsync/internal/processor"
	"github.com/livinlefevreloca/trailsync/internal/ratelimit"
	"github.com/livinlefevreloca/trailsync/internal/remote"
	"github.com/livinlefevreloca/trailsync/internal/syncjob"
	"github.com/livinlefevreloca/trailsync/internal/syncmgr"
	"github.com/livinlefevreloca/trailsync/internal/workerpool"
)

var (
	configFile string
	logLevel   string

	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "trailsync",
	Short: "Incremental sync of athlete activities and streams",
	Long: `trailsync mirrors athlete activities and their time-series streams from
a rate limited remote site into a local SQLite store, then computes derived
statistics over them.

Run "trailsync serve" to keep every enabled athlete up to date, or use the
athlete commands for one-off changes.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		loaded, err := config.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if logLevel != "" {
			loaded.Logging.Level = logLevel
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		l, closer, err := logging.New(loaded.Logging)
		if err != nil {
			return err
		}
		slog.SetDefault(l)
		cfg, logger, logCloser = loaded, l, closer
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to configuration file (TOML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openDB opens the store and applies pending migrations unless disabled
func openDB() (*db.DB, error) {
	logger.Debug("connecting to database", "driver", cfg.Database.Driver, "dsn", cfg.Database.DSN)
	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if cfg.Database.SkipMigrations {
		return database, nil
	}
	version, err := database.Migrate(cfg.Database.MigrationsDir)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Debug("database schema ready", "version", version)
	return database, nil
}

// engine is everything a sync needs
type engine struct {
	db      *db.DB
	pool    *workerpool.Pool
	manager *syncmgr.Manager
}

func (e *engine) Close() {
	e.pool.Close()
	e.db.Close()
}

// newRegistry declares the stock stages
func newRegistry() (*manifest.Registry, error) {
	reg := manifest.NewRegistry()
	if err := processor.RegisterDefaults(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func newEngine(ctx context.Context) (*engine, error) {
	database, err := openDB()
	if err != nil {
		return nil, err
	}

	reg, err := newRegistry()
	if err != nil {
		database.Close()
		return nil, err
	}
	limiter, err := ratelimit.NewGroup(ctx, cfg.RateLimits, database, ratelimit.RealClock, logger)
	if err != nil {
		database.Close()
		return nil, err
	}
	pool, err := workerpool.New(cfg.Workers, processor.Operations(), logger)
	if err != nil {
		database.Close()
		return nil, err
	}

	client := remote.NewClient(cfg.Remote, nil, logger)
	deps := syncjob.Deps{
		Registry: reg,
		Source:   client,
		Scanner:  discovery.New(cfg.Discovery, client, database, logger),
		Limiter:  limiter,
		Pool:     pool,
		Clock:    ratelimit.RealClock,
		Logger:   logger,
	}
	mgr, err := syncmgr.New(cfg.Manager, cfg.Sync, deps, database, cfg.CurrentAthlete, logger)
	if err != nil {
		pool.Close()
		database.Close()
		return nil, err
	}
	return &engine{db: database, pool: pool, manager: mgr}, nil
}

func parseAthleteID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid athlete id %q", s)
	}
	return id, nil
}
