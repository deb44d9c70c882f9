package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/umit144/purchase-reconciler/internal/config"
	"github.com/umit144/purchase-reconciler/internal/database"
	"github.com/umit144/purchase-reconciler/internal/kv"
	"github.com/umit144/purchase-reconciler/internal/kv/rediskv"
	"github.com/umit144/purchase-reconciler/internal/kv/sealed"
	"github.com/umit144/purchase-reconciler/internal/logging"
	"github.com/umit144/purchase-reconciler/internal/notify"
	"github.com/umit144/purchase-reconciler/internal/repositories"
	"github.com/umit144/purchase-reconciler/internal/services"
	"github.com/umit144/purchase-reconciler/internal/store"
	"github.com/umit144/purchase-reconciler/internal/verifier"
)

const redisHash = "purchase.kv"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Config{
		ServiceName: "purchase-reconciler",
		Env:         cfg.AppEnv,
		Level:       cfg.LogLevel,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logging.Sync(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if cfg.StorageDriver == config.StorageRedis || cfg.NotifyRedisChannel != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("Failed to connect to redis", zap.Error(err), zap.String("addr", cfg.RedisAddr))
		}
	}

	var backend kv.Backend
	switch cfg.StorageDriver {
	case config.StorageRedis:
		backend = rediskv.New(rdb, redisHash, logger)
	default:
		db, err := database.NewDatabase(cfg.StorageDriver, cfg.StorageDSN)
		if err != nil {
			logger.Fatal("Failed to initialize database", zap.Error(err))
		}
		defer db.Close()

		repo := repositories.NewKeyValueRepository(db, "")
		if err := repo.Migrate(ctx); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
		backend = repo
	}

	key, err := cfg.SealingKey()
	if err != nil {
		logger.Fatal("Invalid sealing key", zap.Error(err))
	}
	if key != nil {
		backend, err = sealed.New(backend, key)
		if err != nil {
			logger.Fatal("Failed to initialize sealed storage", zap.Error(err))
		}
	}

	transactions := store.NewTransactionStore(backend, cfg.StorageNamespace, logger)

	dispatcher := notify.NewDispatcher()
	if rdb != nil && cfg.NotifyRedisChannel != "" {
		dispatcher.Register(notify.NewRedisPublisher(rdb, cfg.NotifyRedisChannel, logger))
	}
	if cfg.NATSURL != "" {
		conn, err := notify.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer conn.Drain()
		dispatcher.Register(notify.NewNATSPublisher(conn, cfg.NATSSubject, logger))
	}

	receiptVerifier := verifier.New(verifier.Config{
		ProductionURL: cfg.AppStoreURL,
		SandboxURL:    cfg.AppStoreSandboxURL,
		Sandbox:       cfg.AppStoreSandbox,
		Timeout:       cfg.VerifyTimeout,
	}, logger)
	defer receiptVerifier.InvalidateAndCancel()

	svc := services.NewReverificationService(transactions, receiptVerifier, dispatcher, services.DefaultSleeper{}, logger, services.ReverificationConfig{
		SharedSecret: cfg.AppStoreSharedSecret,
		Retries:      cfg.VerifyRetries,
		Concurrency:  cfg.WorkerConcurrency,
	})

	summary, err := svc.ProcessStoredTransactions(ctx)
	if err != nil {
		logger.Error("Failed to process stored transactions", zap.Error(err))
		return
	}

	logger.Info("Reverification finished",
		zap.Int("total", summary.Total),
		zap.Int("verified", summary.Verified),
		zap.Int("rejected", summary.Rejected),
		zap.Int("errored", summary.Errored),
	)
}
