package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"escrowpay/internal/chains"
	"escrowpay/internal/config"
	"escrowpay/internal/contracts"
	"escrowpay/internal/escrow"
	"escrowpay/internal/events"
	"escrowpay/internal/idempotency"
	"escrowpay/internal/intent"
	"escrowpay/internal/logging"
	"escrowpay/internal/receipt"
	"escrowpay/internal/release"
	"escrowpay/internal/server"
	"escrowpay/internal/tokens"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(cfg.Service.LogLevel, cfg.Service.Env)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chainReg, err := chains.NewRegistry(cfg.Catalog.Chains)
	if err != nil {
		logger.Fatal("chain registry", zap.Error(err))
	}
	tokenReg, err := tokens.NewRegistry(chainReg, cfg.Catalog.Tokens)
	if err != nil {
		logger.Fatal("token registry", zap.Error(err))
	}
	bindings, err := contracts.Load()
	if err != nil {
		logger.Fatal("contract bindings", zap.Error(err))
	}
	for _, c := range chainReg.EnabledChains() {
		if !chainReg.ValidateChainContracts(c.ID) {
			logger.Warn("chain enabled without deployed contracts", zap.Uint64("chain_id", c.ID), zap.String("name", c.Name))
		}
	}

	var escrowStore escrow.Store = escrow.NewMemoryStore()
	if cfg.Storage.DatabaseURL != "" {
		pg, err := escrow.NewPostgresStore(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			logger.Fatal("escrow store", zap.Error(err))
		}
		defer pg.Close()
		escrowStore = pg
	} else {
		logger.Warn("DATABASE_URL not set, escrows are kept in memory")
	}

	var rdb *redis.Client
	if cfg.Storage.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
		defer func() { _ = rdb.Close() }()
	}

	idemStore, closeIdem, err := openIdempotencyStore(ctx, cfg, rdb)
	if err != nil {
		logger.Fatal("idempotency store", zap.Error(err))
	}
	defer closeIdem()

	var escClient escrow.Client = escrow.NewFakeClient()
	if cfg.Chain.PrivateKey != "" {
		ethClient, err := escrow.NewEthClient(ctx, escrow.EthClientConfig{
			Chains:        chainReg.EnabledChains(),
			PrivateKeyHex: cfg.Chain.PrivateKey,
			PollInterval:  cfg.Chain.PollInterval,
		})
		if err != nil {
			logger.Fatal("escrow client", zap.Error(err))
		}
		defer ethClient.Close()
		escClient = ethClient
	} else {
		logger.Warn("OPERATOR_PRIVATE_KEY not set, using the simulated chain client")
	}

	var publisher events.Publisher = events.Nop{}
	if len(cfg.Events.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: cfg.Events.KafkaBrokers,
			Topic:   cfg.Events.KafkaTopic,
		})
		if err != nil {
			logger.Fatal("event publisher", zap.Error(err))
		}
		publisher = kp
	}
	defer func() { _ = publisher.Close() }()

	metrics := server.NewMetrics()

	receiptCfg := receipt.Config{
		Store:    escrowStore,
		Client:   escClient,
		Chains:   chainReg,
		Tokens:   tokenReg,
		Bindings: bindings,
		Logger:   logger,
	}
	if rdb != nil {
		receiptCfg.Cache = receipt.NewRedisCache(rdb, cfg.Storage.ReceiptTTL)
	}

	releases := release.NewService(release.Config{
		Store:  escrowStore,
		Client: escClient,
		Retry: release.RetryPolicy{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			InitialBackoff:    cfg.Retry.InitialBackoff,
			MaxBackoff:        cfg.Retry.MaxBackoff,
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		},
		DLQ:      release.NewDLQ(cfg.Service.DLQPath),
		Events:   publisher,
		Observer: metrics,
		Logger:   logger,
	})

	apiServer := server.NewServer(cfg, server.Deps{
		Chains:      chainReg,
		Tokens:      tokenReg,
		Builder:     intent.NewBuilder(chainReg, tokenReg, bindings),
		Escrows:     escrowStore,
		Client:      escClient,
		Receipts:    receipt.NewService(receiptCfg),
		Releases:    releases,
		Idempotency: idemStore,
		Events:      publisher,
		Metrics:     metrics,
		Logger:      logger,
	})

	scheduler := release.NewScheduler(releases, cfg.Release.SweepInterval, cfg.Release.BatchSize)
	go func() {
		if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("release scheduler stopped", zap.Error(err))
		}
	}()

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
}

// openIdempotencyStore prefers Redis, then Postgres, then the local file.
func openIdempotencyStore(ctx context.Context, cfg *config.AppConfig, rdb *redis.Client) (idempotency.Store, func(), error) {
	switch {
	case rdb != nil:
		return idempotency.NewRedisStore(rdb), func() {}, nil
	case cfg.Storage.DatabaseURL != "":
		pg, err := idempotency.NewPostgresStore(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		fs, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	}
}
