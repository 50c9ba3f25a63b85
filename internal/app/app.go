package app

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
	"github.com/kirinyoku/tix-saga/internal/clock"
	"github.com/kirinyoku/tix-saga/internal/config"
	"github.com/kirinyoku/tix-saga/internal/logger"
	"github.com/kirinyoku/tix-saga/internal/metrics"
	"github.com/kirinyoku/tix-saga/internal/notify"
	"github.com/kirinyoku/tix-saga/internal/postgres"
	"github.com/kirinyoku/tix-saga/internal/queue"
	"github.com/kirinyoku/tix-saga/internal/redis"
	postgresrepo "github.com/kirinyoku/tix-saga/internal/repository/postgres"
	redisrepo "github.com/kirinyoku/tix-saga/internal/repository/redis"
	"github.com/kirinyoku/tix-saga/internal/service"
	"github.com/kirinyoku/tix-saga/internal/service/query"
	"github.com/kirinyoku/tix-saga/internal/service/saga"
	httpgin "github.com/kirinyoku/tix-saga/internal/transport/http/gin"
	"github.com/kirinyoku/tix-saga/internal/validator"
	"github.com/kirinyoku/tix-saga/internal/worker"
	"github.com/kirinyoku/tix-saga/migrations"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	// Migrate applies the embedded schema migrations on startup.
	Migrate bool
}

type App struct {
	cfg    *config.Config
	logger *zap.Logger

	pool *pgxpool.Pool
	rdb  *goredis.Client

	httpServer *http.Server
	dispatcher *worker.Dispatcher
	sweeper    *worker.Sweeper
	pubsub     *redisrepo.EventsPubSub
	cache      *redisrepo.Cache
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger, opts Options) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}

	pgxPool, err := postgres.New(ctx, postgres.Config{
		DSN:      cfg.Postgres.DSN(),
		MaxConns: cfg.Postgres.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres: %w", err)
	}

	if opts.Migrate {
		if err := migrations.Apply(ctx, pgxPool); err != nil {
			pgxPool.Close()
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
		log.Info("migrations applied")
	}

	rdb, err := redis.New(ctx, redis.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		pgxPool.Close()
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	clk := clock.System{}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Initialize repositories
	store := postgresrepo.NewStore(pgxPool)
	cache := redisrepo.New(rdb)
	pubsub := redisrepo.NewEventsPubSub(rdb, clk)
	broadcaster := redisrepo.NewEventBroadcaster(cache, pubsub, logger.WithComponent(log, "broadcaster"))
	idempotencyStore := redisrepo.NewIdempotencyStore(rdb, 2*time.Hour)

	var limiter saga.RateLimiter
	if cfg.Saga.ReserveRateLimit > 0 {
		limiter = redisrepo.NewSlidingWindowLimiter(rdb, "reserve", cfg.Saga.ReserveRateLimit, cfg.Saga.ReserveRateLimitEvery, clk)
	}

	validations, err := queue.New(ctx, rdb, "", queue.Config{ClaimMinIdle: cfg.Validator.RetryIdle}, logger.WithComponent(log, "queue"))
	if err != nil {
		pgxPool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to initialize validation queue: %w", err)
	}

	policy, err := saga.ParseGroupPolicy(cfg.Saga.UntrustedGroupPolicy)
	if err != nil {
		pgxPool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("invalid saga config: %w", err)
	}

	// Initialize services
	services := service.NewServices(store, cache, broadcaster, saga.Deps{
		Queue:    validations,
		Notifier: newNotifier(cfg.Notify, log),
		Limiter:  limiter,
		Log:      logger.WithComponent(log, "saga"),
		Metrics:  m,
	}, clk, service.Config{
		Saga: saga.Config{
			TrustedGroupID:  cfg.Validator.GroupID,
			Seller:          cfg.Validator.Seller,
			UntrustedPolicy: policy,
			PendingTTL:      cfg.Saga.PendingTTL,
			SweepBatch:      cfg.Saga.SweepBatch,
			ArtifactBaseURL: cfg.Notify.ArtifactBaseURL,
		},
		Query: query.Config{},
	})

	if cfg.Validator.URL == "" {
		log.Warn("VALIDATOR_URL is not set; validation requests will fail and expire")
	}

	dispatcher := worker.NewDispatcher(
		validations,
		validator.NewClient(cfg.Validator.URL, cfg.Validator.Timeout),
		services.Saga,
		worker.DispatcherConfig{MaxAttempts: cfg.Validator.MaxAttempts},
		log,
		m,
	)
	sweeper := worker.NewSweeper(services.Saga, cfg.Saga.SweepInterval, log)

	// Initialize Gin router
	router := httpgin.NewRouter(
		httpgin.Services{
			Saga:    services.Saga,
			Query:   services.Query,
			Catalog: services.Catalog,
		},
		httpgin.Options{
			Idempotency: idempotencyStore,
			Gatherer:    reg,
			Logger:      logger.WithComponent(log, "http"),
		},
	)

	return &App{
		cfg:    cfg,
		logger: log,
		pool:   pgxPool,
		rdb:    rdb,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		dispatcher: dispatcher,
		sweeper:    sweeper,
		pubsub:     pubsub,
		cache:      cache,
	}, nil
}

func newNotifier(cfg config.NotifyConfig, log *zap.Logger) notify.Notifier {
	nlog := logger.WithComponent(log, "notify")

	if cfg.PubNubPublishKey == "" || cfg.PubNubSubscribeKey == "" {
		nlog.Info("pubnub keys not set, notifications are logged only")
		return notify.NewLogNotifier(nlog)
	}

	return notify.NewRealtimeNotifier(notify.NewPubNubPublisher(notify.PubNubConfig{
		PublishKey:   cfg.PubNubPublishKey,
		SubscribeKey: cfg.PubNubSubscribeKey,
		UserID:       cfg.PubNubUserID,
	}), nlog)
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer a.close()

	g, gCtx := errgroup.WithContext(ctx)

	// Start HTTP server
	g.Go(func() error {
		a.logger.Info("HTTP server listening", zap.String("host", a.cfg.Server.Host), zap.Int("port", a.cfg.Server.Port))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	})

	// Validation request delivery
	g.Go(func() error {
		return a.dispatcher.Run(gCtx)
	})

	// Pending ticket expiry
	g.Go(func() error {
		return a.sweeper.Run(gCtx)
	})

	// Event change notices from other instances
	g.Go(func() error {
		err := a.pubsub.Subscribe(gCtx, func(ctx context.Context, eventID int64) {
			if err := a.cache.InvalidateEvent(ctx, eventID); err != nil {
				a.logger.Warn("invalidate event cache failed", zap.Int64("event_id", eventID), zap.Error(err))
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("events subscription: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("shutting down HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(ctx)
	})

	return g.Wait()
}

func (a *App) close() {
	if err := a.rdb.Close(); err != nil {
		a.logger.Warn("close redis", zap.Error(err))
	}
	a.pool.Close()
}
