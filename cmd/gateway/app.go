package main

import (
	"context"
	"database/sql"
	"fmt"

	"golang.org/x/sync/errgroup"

	"eventgate/internal/config"
	"eventgate/internal/constants"
	"eventgate/internal/ingest"
	"eventgate/internal/logger"
	"eventgate/internal/outbox"
	"eventgate/pkg/bootstrap"
	"eventgate/pkg/health"
	"eventgate/pkg/metrics"
	"eventgate/pkg/ratelimit"
)

type App struct {
	*bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector
	db          *sql.DB
	pipeline    *ingest.Pipeline
	limiter     *ratelimit.PerIP
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		Base:        bootstrap.NewBase(constants.ServiceGateway, cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.InitTracing(); err != nil {
		return err
	}

	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.db = db

	store := outbox.NewPostgresStore(db)
	a.Health.Register(health.NewStoreChecker("outbox", store))

	im := metrics.NewIngestMetrics(a.Registry)
	a.pipeline = ingest.NewPipeline(store,
		ingest.Config{BatchSize: a.Config.Ingest.BatchSize, Workers: a.Config.Ingest.Workers},
		a.Logger,
		metrics.NewOutboxMetrics(a.Registry, constants.ServiceGateway),
		im,
	)

	router := a.NewRouter()
	api := router.Group("/")
	if a.Config.RateLimit.Enabled {
		cfg := ratelimit.FromSettings(a.Config.RateLimit)
		a.limiter = ratelimit.NewPerIP(cfg, metrics.NewRateLimitMetrics(a.Registry))
		api.Use(a.limiter.Middleware())
		a.Logger.InfowCtx(ctx, "Rate limiting enabled", "rps", cfg.RPS, "burst", cfg.Burst)
	}

	handler := ingest.NewHandler(a.pipeline, a.Config.Ingest.MaxBodyBytes, a.Logger, im)
	handler.RegisterRoutes(api)

	a.InitServer(router)
	return nil
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.ServeHTTP(gCtx)
	})

	if a.limiter != nil {
		g.Go(func() error {
			a.limiter.RunCleanup(gCtx)
			return nil
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		return a.Shutdown()
	})

	return g.Wait()
}

// Shutdown refuses new ingest requests, waits for in-flight ones to reach
// the outbox, then stops the server and closes the database.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownGrace())
	defer cancel()

	drainErr := a.pipeline.Drain(ctx)
	if drainErr != nil {
		a.Logger.ErrorwCtx(ctx, "Ingest drain incomplete", "error", drainErr)
	}

	return a.Base.Shutdown(ctx, func(ctx context.Context) []error {
		errs := a.dbConnector.ShutdownDatabases(ctx, nil, a.db, nil)
		if drainErr != nil {
			errs = append(errs, drainErr)
		}
		return errs
	})
}
