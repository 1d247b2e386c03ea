package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/outcome-exchange/internal/api"
	"github.com/atmx/outcome-exchange/internal/config"
	"github.com/atmx/outcome-exchange/internal/events"
	"github.com/atmx/outcome-exchange/internal/funding"
	"github.com/atmx/outcome-exchange/internal/ledger"
	"github.com/atmx/outcome-exchange/internal/limits"
	"github.com/atmx/outcome-exchange/internal/logging"
	"github.com/atmx/outcome-exchange/internal/position"
	"github.com/atmx/outcome-exchange/internal/pricing"
	"github.com/atmx/outcome-exchange/internal/store"
	"github.com/atmx/outcome-exchange/internal/trade"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New("outcome-exchange", cfg.Server.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("exchange stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("exchange stopped")
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	// --- Event fan-out ---
	hub := events.NewWSHub(log)
	sinks := []events.Publisher{hub}

	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		if err != nil {
			return fmt.Errorf("kafka publisher: %w", err)
		}
		defer kp.Close()
		sinks = append(sinks, kp)
		log.Info("kafka publishing enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}
	if cfg.NATS.URL != "" {
		np, nc, err := events.ConnectNATS(ctx, cfg.NATS.URL, cfg.NATS.SubjectPrefix, log)
		if err != nil {
			return fmt.Errorf("nats publisher: %w", err)
		}
		defer nc.Drain()
		sinks = append(sinks, np)
		log.Info("nats publishing enabled", zap.String("stream", events.StreamName))
	}
	publisher := events.NewMulti(log, sinks...).WithTimeout(cfg.Events.PublishTimeout)

	// --- Services ---
	retrier := ledger.Retrier{
		MaxAttempts: cfg.Ledger.MaxAttempts,
		Backoff:     cfg.Ledger.RetryBackoff,
		OnRetry: func(attempt int, err error) {
			log.Debug("retrying after version conflict", zap.Int("attempt", attempt), zap.Error(err))
		},
	}
	ledgerSvc := ledger.NewService(st, retrier, log)
	tracker := position.NewTracker(st)
	limiter := limits.NewPositionLimiter(cfg.Trade.MaxSharesPerOutcome, cfg.Trade.MaxSharesPerMarket)
	executor := trade.NewExecutor(st, ledgerSvc, tracker, limiter, publisher, log)
	pricingSvc := pricing.NewService(st, cfg.Trade.DefaultLiquidityB, log)
	fundingSvc := funding.NewService(st, ledgerSvc, publisher, log)

	// --- HTTP router ---
	router := api.NewRouter(api.Deps{
		Pricing:        pricingSvc,
		Trades:         executor,
		Ledger:         ledgerSvc,
		Positions:      tracker,
		Funding:        fundingSvc,
		WS:             hub.HandleWS,
		Log:            log,
		RateLimitRPS:   cfg.RateLimit.RPS,
		RateLimitBurst: cfg.RateLimit.Burst,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("exchange listening", zap.String("port", cfg.Server.Port), zap.String("env", cfg.Server.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openStore picks PostgreSQL when DATABASE_URL is set, optionally behind the
// Redis read-through cache, and the in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Store, func(), error) {
	if cfg.DB.URL == "" {
		log.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DB.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	if cfg.IsLocal() {
		if err := store.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}
	log.Info("connected to PostgreSQL")

	var st store.Store = store.NewPostgresStore(pool)
	cleanup := []func(){pool.Close}

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
		log.Info("redis cache enabled", zap.Duration("ttl", cfg.Redis.TTL))
	}

	return st, func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}, nil
}
