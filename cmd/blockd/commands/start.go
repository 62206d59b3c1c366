package commands

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/gomodule/redigo/redis"
	"github.com/spf13/cobra"

	"github.com/qabelwerk/blockd/internal/logger"
	"github.com/qabelwerk/blockd/pkg/accounting"
	"github.com/qabelwerk/blockd/pkg/api"
	"github.com/qabelwerk/blockd/pkg/api/handlers"
	"github.com/qabelwerk/blockd/pkg/blob"
	localstore "github.com/qabelwerk/blockd/pkg/blob/local"
	s3store "github.com/qabelwerk/blockd/pkg/blob/s3"
	"github.com/qabelwerk/blockd/pkg/cache"
	"github.com/qabelwerk/blockd/pkg/config"
	"github.com/qabelwerk/blockd/pkg/metrics"
	"github.com/qabelwerk/blockd/pkg/pubsub"
	"github.com/qabelwerk/blockd/pkg/userdb"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the block storage gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfigAndLogger()
		if err != nil {
			return err
		}
		return runGateway(cmd.Context(), cfg)
	},
}

func runGateway(parent context.Context, cfg *config.Config) error {
	log := logger.With("component", "main")
	log.Info("starting blockd",
		"version", Version,
		"storage", cfg.Storage.Backend,
		"cache", cfg.Cache.Backend,
		"pubsub", cfg.PubSub.Backend)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}
	gw := metrics.NewGateway()

	db, err := userdb.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open user database: %w", err)
	}
	defer db.Close()
	metrics.RegisterDBStats(func() sql.DBStats {
		stats, _ := db.Stats()
		return stats
	})

	var pool *redis.Pool
	if cfg.Cache.Backend == "redis" || cfg.PubSub.Backend == "redis" {
		pool = cache.NewRedisPool(cfg.Redis.Address, cfg.Redis.Username, cfg.Redis.Password)
		defer pool.Close()
	}

	var metaCache cache.Cache
	if cfg.Cache.Backend == "redis" {
		metaCache = cache.NewRedis(pool)
	} else {
		metaCache = cache.NewMemory()
	}

	var bus pubsub.Bus
	if cfg.PubSub.Backend == "redis" {
		bus = pubsub.NewRedisBus(pool, gw)
	} else {
		bus = pubsub.NewMemoryBus(gw)
	}
	if closer, ok := bus.(io.Closer); ok {
		defer closer.Close()
	}

	transfer, err := buildTransfer(ctx, cfg, metaCache)
	if err != nil {
		return err
	}
	driver := blob.NewPool(transfer, cfg.Transfers)

	var resolver accounting.Resolver = accounting.NewClient(
		cfg.Accounting.Host, cfg.Accounting.APISecret, metaCache, gw)
	if cfg.Accounting.BypassToken != "" {
		log.Warn("accounting bypass token configured; do not use in production")
		resolver = accounting.NewBypassResolver(resolver, cfg.Accounting.BypassToken)
	}

	serverConfig := cfg.Server
	serverConfig.ShutdownTimeout = cfg.ShutdownTimeout
	srv := api.NewServer(serverConfig, handlers.Deps{
		Driver:   driver,
		DB:       db,
		Resolver: resolver,
		Bus:      bus,
		Metrics:  gw,
	})

	log.Info("gateway ready", "port", cfg.Server.Port)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("shutdown complete")
	return nil
}

// buildTransfer constructs the object store driver selected by the config.
func buildTransfer(ctx context.Context, cfg *config.Config, metaCache cache.Cache) (blob.Transfer, error) {
	switch cfg.Storage.Backend {
	case "s3":
		client, err := s3store.NewClientFromConfig(ctx,
			cfg.Storage.S3.Endpoint,
			cfg.Storage.S3.Region,
			cfg.Storage.S3.AccessKeyID,
			cfg.Storage.S3.SecretAccessKey,
			cfg.Storage.S3.ForcePathStyle)
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 client: %w", err)
		}
		return s3store.New(client, cfg.Storage.S3.Bucket, metaCache), nil
	default:
		store, err := localstore.New(cfg.Storage.Local.Root, metaCache)
		if err != nil {
			return nil, fmt.Errorf("failed to open local store: %w", err)
		}
		return store, nil
	}
}
