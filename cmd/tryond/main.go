package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/modaworks/tryon/internal/billing"
	"github.com/modaworks/tryon/internal/dispatch"
	"github.com/modaworks/tryon/internal/httpapi"
	"github.com/modaworks/tryon/internal/store/gormstore"
	"github.com/modaworks/tryon/internal/sweeper"
	"github.com/modaworks/tryon/internal/tryon"
	"github.com/modaworks/tryon/internal/wallet"
	"github.com/modaworks/tryon/pkg/ledger"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagRedisAddr      = "redis-addr"
	flagQueueKey       = "queue-key"
	flagSweepSchedule  = "sweep-schedule"
	flagStaleAfter     = "stale-after"
	flagAllowedOrigins = "allowed-origins"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyRedisAddr      = "redis_addr"
	configKeyQueueKey       = "queue_key"
	configKeySweepSchedule  = "sweep_schedule"
	configKeyStaleAfter     = "stale_after"
	configKeyAllowedOrigins = "allowed_origins"

	defaultDatabaseURL   = "sqlite:///tmp/tryon.db"
	defaultListenAddr    = ":8080"
	defaultRedisAddr     = "localhost:6379"
	defaultQueueKey      = "tryon:jobs:queue"
	defaultSweepSchedule = "@every 1m"
	defaultStaleAfter    = 2 * time.Minute
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	RedisAddr      string
	QueueKey       string
	SweepSchedule  string
	StaleAfter     time.Duration
	AllowedOrigins []string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tryond: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "tryond",
		Short:         "Try-on credit ledger and job orchestration server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagRedisAddr, defaultRedisAddr, "Redis address for the job queue")
	cmd.Flags().String(flagQueueKey, defaultQueueKey, "Redis list key for the job queue")
	cmd.Flags().String(flagSweepSchedule, defaultSweepSchedule, "cron spec for the reconciliation sweep")
	cmd.Flags().Duration(flagStaleAfter, defaultStaleAfter, "age before a pending job is re-dispatched")
	cmd.Flags().StringSlice(flagAllowedOrigins, []string{"*"}, "allowed CORS origins")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeyRedisAddr:      "REDIS_ADDR",
		configKeyQueueKey:       "QUEUE_KEY",
		configKeySweepSchedule:  "SWEEP_SCHEDULE",
		configKeyStaleAfter:     "STALE_AFTER",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flagsByKey := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeyRedisAddr:      flagRedisAddr,
		configKeyQueueKey:       flagQueueKey,
		configKeySweepSchedule:  flagSweepSchedule,
		configKeyStaleAfter:     flagStaleAfter,
		configKeyAllowedOrigins: flagAllowedOrigins,
	}
	for key, flag := range flagsByKey {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.RedisAddr = viper.GetString(configKeyRedisAddr)
	cfg.QueueKey = viper.GetString(configKeyQueueKey)
	cfg.SweepSchedule = viper.GetString(configKeySweepSchedule)
	cfg.StaleAfter = viper.GetDuration(configKeyStaleAfter)
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyAllowedOrigins)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen addr is required")
	}
	if cfg.RedisAddr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	dispatcher, err := dispatch.New(redisClient, logger, dispatch.WithQueueKey(cfg.QueueKey))
	if err != nil {
		return fmt.Errorf("dispatcher init: %w", err)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }

	ledgerService, err := ledger.NewService(gormstore.NewLedgerStore(gormDB), clock,
		ledger.WithOperationLogger(ledger.NewZapOperationLogger(logger)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	walletService, err := wallet.NewService(gormstore.NewWalletStore(gormDB))
	if err != nil {
		return fmt.Errorf("wallet service init: %w", err)
	}
	resolver, err := billing.NewResolver(gormstore.NewDirectory(gormDB), walletService, ledgerService, logger)
	if err != nil {
		return fmt.Errorf("resolver init: %w", err)
	}
	jobStore := gormstore.NewJobStore(gormDB)
	orchestrator, err := tryon.NewOrchestrator(jobStore, resolver, ledgerService, walletService, dispatcher, clock, logger)
	if err != nil {
		return fmt.Errorf("orchestrator init: %w", err)
	}

	jobSweeper, err := sweeper.New(jobStore, dispatcher, clock, logger, sweeper.WithStaleAfter(cfg.StaleAfter))
	if err != nil {
		return fmt.Errorf("sweeper init: %w", err)
	}
	cronRunner := cron.New()
	if err := jobSweeper.Schedule(cronRunner, cfg.SweepSchedule); err != nil {
		return fmt.Errorf("sweeper schedule: %w", err)
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	server, err := httpapi.NewServer(httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	}, orchestrator, jobStore, ledgerService, walletService, logger)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}
	return server.Run(ctx)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "tryon.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
