package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"data-sync-bridge/internal/api"
	"data-sync-bridge/internal/auth"
	"data-sync-bridge/internal/changelog"
	"data-sync-bridge/internal/config"
	"data-sync-bridge/internal/logging"
	"data-sync-bridge/internal/manager"
	"data-sync-bridge/internal/notify"
	"data-sync-bridge/internal/offline"
	"data-sync-bridge/internal/pool"
	"data-sync-bridge/internal/scheduler"
	"data-sync-bridge/internal/syncengine"
)

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "data-sync-bridge",
	Short: "Local-first synchronized data layer",
	Long: `A connection-pooling database access layer that operates against a local
embedded analytical store and an optional remote managed replica. Mutations
are change-logged locally, queued while offline, and reconciled with the
replica once connectivity returns.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// bridge bundles the wired components for one process.
type bridge struct {
	cfg    *config.Config
	logger *logrus.Logger
	mgr    *manager.Manager
	log    *changelog.Log
	queue  *offline.Queue
	engine *syncengine.Engine
}

// setup loads configuration and wires the data layer. The manager comes up
// even when the replica is unreachable; the bridge then starts offline.
func setup() (*bridge, error) {
	logger := logging.Initialize(logLevel)

	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if cfg.LogFile != "" {
		if err := logging.SetupFileLogging(logger, cfg.LogFile); err != nil {
			return nil, fmt.Errorf("failed to set up file logging: %w", err)
		}
	}

	localTarget := pool.Target{Name: "local", Driver: cfg.LocalDriver, DSN: cfg.LocalPath}
	var remoteTarget *pool.Target
	if cfg.HasRemote() {
		remoteTarget = &pool.Target{Name: "remote", Driver: cfg.RemoteDriver, DSN: cfg.RemoteDSN}
		if cfg.RemoteToken != "" {
			auth.CheckToken(logger, cfg.RemoteToken, 7*24*time.Hour)
		}
	}

	mgr, err := manager.New(localTarget, remoteTarget, cfg.PoolSize, cfg.AcquireTimeoutDuration(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create database manager: %w", err)
	}

	log := changelog.New(mgr, logger)
	queue := offline.New(cfg.QueueMaxSize, logger)
	engine := syncengine.New(mgr, log, queue, cfg.SyncTables, logger)

	return &bridge{
		cfg:    cfg,
		logger: logger,
		mgr:    mgr,
		log:    log,
		queue:  queue,
		engine: engine,
	}, nil
}

func runDaemon() error {
	b, err := setup()
	if err != nil {
		return err
	}
	defer b.mgr.Close()

	b.logger.WithFields(logrus.Fields{
		"local_driver": b.cfg.LocalDriver,
		"remote":       b.cfg.HasRemote(),
		"tables":       b.cfg.SyncTables,
	}).Info("Bridge starting up")

	if b.cfg.RedisEnabled {
		publisher, err := notify.New(b.cfg.RedisAddr, b.cfg.RedisPassword, b.cfg.RedisDB, b.cfg.RedisQueue, b.logger)
		if err != nil {
			return fmt.Errorf("failed to connect notifier: %w", err)
		}
		defer publisher.Close()
		b.engine.OnResult(publisher.NotifyResult)
	}

	var server *api.Server
	if b.cfg.APIEnabled {
		server = api.NewServer(b.cfg.APIListen, b.cfg.APIJWTSecret, b.cfg.SyncWindow(), b.mgr, b.engine, b.logger)
		b.engine.OnResult(server.Hub().Broadcast)
		go func() {
			if err := server.Start(); err != nil {
				b.logger.WithError(err).Error("Admin API stopped")
			}
		}()
	}

	sched, err := scheduler.New(b.engine, b.log, b.cfg.SyncSchedule, b.cfg.SyncWindow(), b.cfg.ChangeLogRetention(), b.logger)
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	b.logger.Info("Bridge shutting down gracefully")
	sched.Stop()
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			b.logger.WithError(err).Warn("Admin API shutdown incomplete")
		}
	}

	return nil
}
