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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/modaworks/tryon/internal/billing"
	"github.com/modaworks/tryon/internal/dispatch"
	"github.com/modaworks/tryon/internal/store/gormstore"
	"github.com/modaworks/tryon/internal/tryon"
	"github.com/modaworks/tryon/internal/wallet"
	"github.com/modaworks/tryon/internal/worker"
	"github.com/modaworks/tryon/pkg/ledger"
)

const (
	flagDatabaseURL        = "database-url"
	flagRedisAddr          = "redis-addr"
	flagQueueKey           = "queue-key"
	flagGenerationEndpoint = "generation-endpoint"

	configKeyDatabaseURL        = "database_url"
	configKeyRedisAddr          = "redis_addr"
	configKeyQueueKey           = "queue_key"
	configKeyGenerationEndpoint = "generation_endpoint"

	defaultDatabaseURL = "sqlite:///tmp/tryon.db"
	defaultRedisAddr   = "localhost:6379"
	defaultQueueKey    = "tryon:jobs:queue"
)

type runtimeConfig struct {
	DatabaseURL        string
	RedisAddr          string
	QueueKey           string
	GenerationEndpoint string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tryonworker: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "tryonworker",
		Short:         "Try-on generation queue worker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagRedisAddr, defaultRedisAddr, "Redis address for the job queue")
	cmd.Flags().String(flagQueueKey, defaultQueueKey, "Redis list key for the job queue")
	cmd.Flags().String(flagGenerationEndpoint, "", "URL of the generation backend")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:        "DATABASE_URL",
		configKeyRedisAddr:          "REDIS_ADDR",
		configKeyQueueKey:           "QUEUE_KEY",
		configKeyGenerationEndpoint: "GENERATION_ENDPOINT",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flagsByKey := map[string]string{
		configKeyDatabaseURL:        flagDatabaseURL,
		configKeyRedisAddr:          flagRedisAddr,
		configKeyQueueKey:           flagQueueKey,
		configKeyGenerationEndpoint: flagGenerationEndpoint,
	}
	for key, flag := range flagsByKey {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.RedisAddr = viper.GetString(configKeyRedisAddr)
	cfg.QueueKey = viper.GetString(configKeyQueueKey)
	cfg.GenerationEndpoint = viper.GetString(configKeyGenerationEndpoint)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.RedisAddr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if cfg.GenerationEndpoint == "" {
		return fmt.Errorf("generation endpoint is required")
	}
	return nil
}

func runWorker(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

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

	generator, err := worker.NewHTTPGenerator(cfg.GenerationEndpoint, nil)
	if err != nil {
		return fmt.Errorf("generator init: %w", err)
	}
	runner, err := worker.NewRunner(dispatcher, jobStore, generator, orchestrator, logger)
	if err != nil {
		return fmt.Errorf("runner init: %w", err)
	}

	logger.Info("worker starting",
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("queue_key", cfg.QueueKey),
	)
	return runner.Run(ctx)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
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
