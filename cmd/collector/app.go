package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"eventgate/internal/collector"
	"eventgate/internal/config"
	"eventgate/internal/constants"
	"eventgate/internal/consumer"
	"eventgate/internal/logger"
	"eventgate/pkg/bootstrap"
	"eventgate/pkg/cel"
	"eventgate/pkg/circuitbreaker"
	"eventgate/pkg/health"
	"eventgate/pkg/metrics"
)

type App struct {
	*bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector
	db          *sql.DB
	mongoClient *mongo.Client
	redis       *redis.Client
	batcher     *consumer.Batcher
	consumed    chan struct{}
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		Base:        bootstrap.NewBase(constants.ServiceCollector, cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
		consumed:    make(chan struct{}),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.InitTracing(); err != nil {
		return err
	}

	sink, err := a.initSink(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize sink: %w", err)
	}
	a.Health.Register(health.NewStoreChecker(sink.Name(), sink))

	var opts []collector.Option

	if expr := a.Config.Collector.Filter; expr != "" {
		evaluator, err := cel.NewEvaluator()
		if err != nil {
			return fmt.Errorf("failed to create CEL evaluator: %w", err)
		}
		filter, err := evaluator.CompileFilter(expr)
		if err != nil {
			return fmt.Errorf("invalid collector filter: %w", err)
		}
		opts = append(opts, collector.WithFilter(filter))
		a.Logger.InfowCtx(ctx, "Collector filter enabled", "expression", expr)
	}

	if a.Config.Collector.Dedup.Enabled {
		dedup, err := a.initDedup(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize dedup: %w", err)
		}
		opts = append(opts, collector.WithDeduplicator(dedup))
	}

	if err := a.InitBroker(ctx); err != nil {
		return err
	}
	sub, err := a.Broker.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	handler := collector.New(sink, a.Logger, metrics.NewSinkMetrics(a.Registry), opts...)

	cc := a.Config.Consumer
	a.batcher = consumer.NewBatcher(sub,
		consumer.Config{
			BatchSize:    cc.BatchSize,
			BatchTimeout: cc.BatchTimeout(),
			Concurrency:  cc.Concurrency,
			FetchSize:    cc.FetchSize,
		},
		a.Logger,
		metrics.NewConsumerMetrics(a.Registry),
		handler,
	)

	a.InitServer(a.NewRouter())
	return nil
}

func (a *App) initSink(ctx context.Context) (collector.Sink, error) {
	switch a.Config.Collector.Sink {
	case constants.SinkMongoDB:
		client, db, err := a.dbConnector.InitMongoDB(ctx)
		if err != nil {
			return nil, err
		}
		a.mongoClient = client
		return collector.NewMongoSink(db), nil
	default:
		db, err := a.dbConnector.InitPostgreSQL(ctx)
		if err != nil {
			return nil, err
		}
		a.db = db
		return collector.NewPostgresSink(db), nil
	}
}

func (a *App) initDedup(ctx context.Context) (*collector.Deduplicator, error) {
	rdb, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		return nil, err
	}
	a.redis = rdb
	a.Health.RegisterOptional(health.NewRedisChecker(rdb))

	var repo collector.Repository = collector.NewRepository(rdb)
	if a.Config.CircuitBreaker.Enabled {
		cb := circuitbreaker.NewWrapper(circuitbreaker.FromSettings(
			"redis-dedup",
			a.Config.CircuitBreaker,
			metrics.NewCircuitBreakerMetrics(a.Registry),
		))
		repo = collector.NewCircuitBreakerRepository(repo, cb)
		a.Logger.InfowCtx(ctx, "Circuit breaker enabled for dedup repository")
	}

	dc := a.Config.Collector.Dedup
	return collector.NewDeduplicator(repo,
		time.Duration(dc.TTLSeconds)*time.Second,
		dc.OnRedisError,
		a.Logger,
		metrics.NewDedupMetrics(a.Registry),
	), nil
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.ServeHTTP(gCtx)
	})

	g.Go(func() error {
		defer close(a.consumed)
		return a.batcher.Run(gCtx)
	})

	g.Go(func() error {
		<-gCtx.Done()
		return a.Shutdown()
	})

	return g.Wait()
}

// Shutdown waits for the batcher to settle everything it received before
// the stores are closed.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownGrace())
	defer cancel()

	select {
	case <-a.consumed:
	case <-ctx.Done():
		a.Logger.ErrorwCtx(ctx, "Consumer did not finish before shutdown deadline")
	}

	return a.Base.Shutdown(ctx, func(ctx context.Context) []error {
		return a.dbConnector.ShutdownDatabases(ctx, a.redis, a.db, a.mongoClient)
	})
}
