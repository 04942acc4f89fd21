package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"heritrust/internal/config"
	"heritrust/internal/handler"
	"heritrust/internal/httpserver"
	"heritrust/internal/ledger"
	"heritrust/internal/mqhandler"
	"heritrust/internal/repository"
	"heritrust/internal/scorer"
	"heritrust/migrations"
	"heritrust/pkg/auth"
	"heritrust/pkg/db"
	"heritrust/pkg/logger"
	"heritrust/pkg/mq"
	tracing "heritrust/pkg/otel"
	"heritrust/pkg/outbox"
	"heritrust/pkg/rbac"
	"heritrust/pkg/redis"
	"heritrust/pkg/util"
)

const (
	idempotencyTTL = 24 * time.Hour
	retryTTL       = 24 * time.Hour
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger HTTP API, outbox dispatcher and optional auto-score worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envName, configDir)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.NewLogger(cfg.Log.Level)
	defer log.Sync()

	log.Info("Starting heritrust ledger...",
		zap.String("env", envName),
		zap.String("store", cfg.Ledger.Store),
		zap.String("port", cfg.Server.Port),
	)

	shutdownTracing, err := tracing.Init(cfg.OTel, log)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer shutdownTracing()

	var checks []httpserver.ReadinessCheck

	// Store
	var (
		store       ledger.Store
		outboxStore outbox.Store
	)
	switch cfg.Ledger.Store {
	case config.StorePostgres:
		log.Info("Initializing database connection...")
		pool, err := db.NewConnection(ctx, cfg.DB, log)
		if err != nil {
			return fmt.Errorf("failed to init DB: %w", err)
		}
		defer pool.Close()

		if err := db.RunMigrations(pool, migrations.FS, log); err != nil {
			return err
		}
		store = repository.NewLedgerRepository(pool, log)
		outboxStore = outbox.NewRepository(pool)
		checks = append(checks, pool.Ping)
	default:
		memStore := ledger.NewMemoryStore()
		memOutbox := outbox.NewMemoryRepository()
		repository.AttachOutbox(memStore, memOutbox, log)
		store = memStore
		outboxStore = memOutbox
		log.Warn("Using in-memory ledger store, state is lost on restart")
	}

	seed, err := seedRegistry(cfg.Ledger)
	if err != nil {
		return err
	}
	roles, err := ledger.LoadRoles(ctx, store, seed, func() time.Time { return time.Now().UTC() })
	if err != nil {
		return err
	}
	l := ledger.New(store, roles, log, ledger.Options{EnforceAllocation: cfg.Ledger.EnforceAllocation})

	// Redis（可选）：幂等键、分布式锁、重试计数
	var (
		deduper      *util.Deduper
		retryCounter *util.RetryCounter
		lockManager  *redis.LockManager
	)
	if cfg.Redis.Addr != "" {
		rdb, err := redis.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			if cfg.Scorer.AutoVerify {
				return fmt.Errorf("auto verify requires redis: %w", err)
			}
			log.Warn("Redis unavailable, idempotency keys and dispatcher lock disabled", zap.Error(err))
		} else {
			defer rdb.Close()
			deduper = util.NewDeduper(rdb, idempotencyTTL, log)
			retryCounter = util.NewRetryCounter(rdb, retryTTL)
			lockManager = redis.NewLockManager(rdb, redis.DefaultLockOptions(), log)
			checks = append(checks, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		}
	}

	// Outbox → RabbitMQ
	var replayService *outbox.ReplayService
	if cfg.Outbox.Enabled {
		publisher, err := mq.NewPublisher(cfg.MQ.URL, cfg.MQ.Exchange)
		if err != nil {
			return fmt.Errorf("failed to init publisher: %w", err)
		}
		defer publisher.Close()
		checks = append(checks, func(context.Context) error {
			if !publisher.IsConnected() {
				return errors.New("mq publisher disconnected")
			}
			return nil
		})

		dispatcher := outbox.NewDispatcher(outboxStore, publisher, log).
			WithMaxRetries(cfg.Outbox.MaxRetries).
			WithInterval(cfg.Outbox.Interval).
			WithBatchSize(cfg.Outbox.BatchSize)
		if lockManager != nil {
			dispatcher = dispatcher.WithLocker(lockManager)
		}
		go dispatcher.Start(ctx)

		replayService = outbox.NewReplayService(outboxStore, publisher, log, cfg.Outbox.MaxRetries)
	}

	var scorerClient *scorer.Client
	if cfg.Scorer.URL != "" {
		scorerClient = scorer.NewClient(cfg.Scorer.URL, cfg.Scorer.Timeout, log)
	}

	// 自动评分消费者
	if cfg.Scorer.AutoVerify {
		if deduper == nil {
			return errors.New("auto verify requires redis")
		}
		verifier := rbac.NormalizePrincipal(cfg.Scorer.Verifier)
		if !roles.HasRole(verifier, rbac.RoleVerifier) {
			log.Warn("Auto-score verifier does not hold the verifier role yet", zap.String("verifier", string(verifier)))
		}

		log.Info("Initializing MQ consumer for auto scoring...",
			zap.String("queue", mqhandler.AutoScoreQueue),
			zap.String("routing_key", string(ledger.EventProofSubmitted)),
		)
		consumer, err := mq.NewConsumer(cfg.MQ.URL, cfg.MQ.Exchange, mqhandler.AutoScoreQueue, string(ledger.EventProofSubmitted), log)
		if err != nil {
			return fmt.Errorf("failed to init consumer: %w", err)
		}
		defer consumer.Close()

		autoScore := mqhandler.NewAutoScoreHandler(l, scorerClient, verifier, retryCounter, deduper, log)
		consumer.SetHandler(autoScore.Handle)
		go func() {
			if err := consumer.StartConsuming(ctx); err != nil {
				log.Error("Auto-score consumer stopped", zap.Error(err))
			}
		}()
	}

	// HTTP
	tokens := auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.TTL)
	router := httpserver.NewRouter(
		handler.NewLedgerHandler(l, scorerClient, log),
		handler.NewAdminHandler(l, replayService, log),
		tokens,
		roles,
		deduper,
		readiness(checks),
		log,
	)
	srv := router.NewServer(cfg.Server.Port)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	log.Info("heritrust ledger is fully initialized and running")

	// 优雅退出处理
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	log.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}

	log.Info("heritrust ledger shutdown complete")
	return nil
}

func seedRegistry(cfg config.LedgerConfig) (*rbac.Registry, error) {
	verifiers := make([]rbac.Principal, 0, len(cfg.Verifiers))
	for _, v := range cfg.Verifiers {
		verifiers = append(verifiers, rbac.Principal(v))
	}
	registry, err := rbac.NewRegistry(rbac.Principal(cfg.Admin), verifiers...)
	if err != nil {
		return nil, fmt.Errorf("invalid initial roles: %w", err)
	}
	return registry, nil
}

func readiness(checks []httpserver.ReadinessCheck) httpserver.ReadinessCheck {
	return func(ctx context.Context) error {
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}
