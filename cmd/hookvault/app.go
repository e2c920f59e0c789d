package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	_ "github.com/lib/pq"

	"hookvault/internal/billing"
	"hookvault/internal/config"
	"hookvault/internal/constants"
	"hookvault/internal/deduplication"
	"hookvault/internal/eventstore"
	"hookvault/internal/logger"
	"hookvault/internal/notify"
	"hookvault/internal/processing"
	"hookvault/internal/query"
	"hookvault/internal/receiver"
	"hookvault/internal/scheduler"
	"hookvault/internal/signature"
	"hookvault/pkg/bootstrap"
	"hookvault/pkg/health"
	"hookvault/pkg/metrics"
	"hookvault/pkg/middleware"
	"hookvault/pkg/migrations"
	"hookvault/pkg/ratelimit"
	"hookvault/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector

	db          *sql.DB
	mongoClient *mongo.Client
	redis       *redis.Client

	store     eventstore.Backend
	ledger    deduplication.KeyLedger
	processor *processing.Processor
	scheduler *scheduler.Scheduler

	health         *health.CheckerRegistry
	server         *http.Server
	tracerProvider *tracing.TracerProvider
	stopBackground context.CancelFunc
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
		health:      health.NewCheckerRegistry(),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(a.Config.Tracing, constants.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.Register()

	if err := a.initStore(ctx); err != nil {
		return fmt.Errorf("failed to initialize event store: %w", err)
	}
	if err := a.initLedger(ctx); err != nil {
		return fmt.Errorf("failed to initialize idempotency ledger: %w", err)
	}
	if err := a.InitBroker(); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}
	if err := a.initProcessing(); err != nil {
		return fmt.Errorf("failed to initialize processing: %w", err)
	}
	a.initServer()
	return nil
}

func (a *App) initStore(ctx context.Context) error {
	var backend eventstore.Backend
	switch a.Config.Database.Driver {
	case constants.DriverPostgres:
		db, err := a.dbConnector.InitPostgreSQL(ctx)
		if err != nil {
			return err
		}
		if db == nil {
			return errors.New("database.postgres.host is required for the postgres driver")
		}
		a.db = db
		if a.Config.Database.RunMigrations {
			if err := migrations.RunPostgres(db); err != nil {
				return err
			}
		}
		a.health.Register(health.NewPostgreSQLChecker(db))
		backend = eventstore.NewPostgresStore(db)

	case constants.DriverMongoDB:
		client, err := a.dbConnector.InitMongoDB(ctx)
		if err != nil {
			return err
		}
		if client == nil {
			return errors.New("database.mongodb.uri is required for the mongodb driver")
		}
		a.mongoClient = client
		mdb := a.dbConnector.MongoDatabase(client)
		if a.Config.Database.RunMigrations {
			if err := migrations.EnsureMongoCollections(ctx, mdb); err != nil {
				return err
			}
		}
		a.health.Register(health.NewMongoDBChecker(client))
		backend = eventstore.NewMongoStore(client, mdb)

	default:
		a.Logger.WarnwCtx(ctx, "Using in-memory event store, events are lost on restart")
		backend = eventstore.NewMemoryStore()
		a.health.Register(health.NewFuncChecker("event_store", backend.Ping))
	}

	a.store = eventstore.NewCircuitBreakerStore(backend, a.Config.CircuitBreaker)
	if a.Config.CircuitBreaker.Enabled {
		a.Logger.InfowCtx(ctx, "Circuit breaker enabled for event store")
	}
	a.Logger.InfowCtx(ctx, "Event store ready", "driver", a.Config.Database.Driver)
	return nil
}

func (a *App) initLedger(ctx context.Context) error {
	if a.Config.Idempotency.Backend != constants.IdempotencyBackendRedis {
		a.ledger = deduplication.NewStoreLedger(a.store)
		return nil
	}

	rdb, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		return err
	}
	if rdb == nil {
		return errors.New("database.redis.host is required for the redis idempotency backend")
	}
	a.redis = rdb
	a.health.Register(health.NewRedisChecker(rdb))
	a.ledger = deduplication.NewCircuitBreakerLedger(
		deduplication.NewRedisLedger(rdb, a.Config.Idempotency.TTL),
		a.Config.CircuitBreaker,
	)
	a.Logger.InfowCtx(ctx, "Redis idempotency ledger ready", "ttl", a.Config.Idempotency.TTL)
	return nil
}

func (a *App) notifier() notify.Notifier {
	if a.Producer == nil {
		return notify.NewLogNotifier(a.Logger)
	}
	return notify.NewKafkaNotifier(a.Producer, a.Config.Notify.Topic, a.Logger)
}

func (a *App) initProcessing() error {
	filters, err := processing.NewFilters(a.Config.Processing.Filters, a.Logger)
	if err != nil {
		return err
	}
	registry, err := processing.NewRegistry(billing.NewHandlers(a.notifier(), a.Logger).Routes()...)
	if err != nil {
		return err
	}
	a.Logger.Infow("Handlers registered", "routes", registry.Describe())

	a.processor = processing.NewProcessor(a.store, a.ledger, registry, filters, processing.Config{
		Timeout:     a.Config.Processing.Timeout,
		Lease:       a.Config.Processing.Lease(),
		MaxAttempts: a.Config.Processing.MaxAttempts,
	}, a.Logger)

	a.scheduler = scheduler.New(a.store, a.processor, scheduler.Config{
		TickInterval: a.Config.Retry.TickInterval,
		BaseBackoff:  a.Config.Retry.BaseBackoff,
		MaxBackoff:   a.Config.Retry.MaxBackoff,
		BatchSize:    a.Config.Retry.BatchSize,
		Concurrency:  a.Config.Retry.Concurrency,
		QueueSize:    a.Config.Retry.QueueSize,
	}, a.Logger)
	return nil
}

func (a *App) initServer() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.Config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(constants.ServiceName)...)
	}
	router.Use(middleware.RecoveryMiddleware(a.Logger))
	router.Use(middleware.LoggerMiddleware(a.Logger))
	router.Use(middleware.RequestIDMiddleware())

	router.GET("/health", a.health.Handler())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	inbound := router.Group("")
	if rl := a.Config.Webhooks.RateLimit; rl.Enabled {
		limiter := ratelimit.New(ratelimit.Config{
			RPS:             rl.RPS,
			Burst:           rl.Burst,
			CleanupInterval: time.Duration(rl.CleanupInterval) * time.Second,
			MaxAge:          time.Duration(rl.MaxAge) * time.Second,
		})
		bgCtx, cancel := context.WithCancel(context.Background())
		a.stopBackground = cancel
		go limiter.Run(bgCtx)
		inbound.Use(limiter.Middleware())
		a.Logger.Infow("Rate limiting enabled", "rps", rl.RPS, "burst", rl.Burst)
	}

	receiver.NewHandler(
		signature.NewVerifier(a.Config.Webhooks.SignatureTolerance),
		deduplication.NewService(a.store, a.Logger),
		a.processor,
		a.scheduler,
		receiver.Options{
			Mode:         a.Config.Processing.Mode,
			MaxBodyBytes: a.Config.Webhooks.MaxBodyBytes,
			Secrets:      a.Config.Webhooks.Secret,
		},
		a.Logger,
	).RegisterRoutes(inbound)

	query.NewHandler(query.NewService(a.store, a.Config.Query), a.Logger).RegisterRoutes(router)

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.scheduler.Run(gCtx)
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	return a.Base.Shutdown(ctx,
		bootstrap.ShutdownStep{Name: "background", Fn: func(context.Context) error {
			if a.stopBackground != nil {
				a.stopBackground()
			}
			return nil
		}},
		bootstrap.ShutdownStep{Name: "tracing", Fn: func(ctx context.Context) error {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				return fmt.Errorf("tracer provider shutdown error: %w", err)
			}
			return nil
		}},
		bootstrap.ShutdownStep{Name: "databases", Fn: func(ctx context.Context) error {
			return a.dbConnector.ShutdownDatabases(ctx, a.redis, a.db, a.mongoClient)
		}},
	)
}

// Migrate applies the embedded migrations of the configured driver.
func Migrate(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	dc := bootstrap.NewDatabaseConnector(cfg, log)
	switch cfg.Database.Driver {
	case constants.DriverPostgres:
		db, err := dc.InitPostgreSQL(ctx)
		if err != nil {
			return err
		}
		if db == nil {
			return errors.New("database.postgres.host is required")
		}
		defer db.Close()
		if err := migrations.RunPostgres(db); err != nil {
			return err
		}
	case constants.DriverMongoDB:
		client, err := dc.InitMongoDB(ctx)
		if err != nil {
			return err
		}
		if client == nil {
			return errors.New("database.mongodb.uri is required")
		}
		defer client.Disconnect(context.WithoutCancel(ctx))
		if err := migrations.EnsureMongoCollections(ctx, dc.MongoDatabase(client)); err != nil {
			return err
		}
	default:
		log.InfowCtx(ctx, "Nothing to migrate", "driver", cfg.Database.Driver)
		return nil
	}
	log.InfowCtx(ctx, "Migrations applied", "driver", cfg.Database.Driver)
	return nil
}
