package main

import (
	"context"
	"database/sql"
	"fmt"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"golang.org/x/sync/errgroup"

	"eventgate/internal/config"
	"eventgate/internal/constants"
	"eventgate/internal/logger"
	"eventgate/internal/reports"
	"eventgate/pkg/bootstrap"
	"eventgate/pkg/health"
	"eventgate/pkg/metrics"
	"eventgate/pkg/ratelimit"
)

type App struct {
	*bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector
	db          *sql.DB
	limiter     *ratelimit.PerIP
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		Base:        bootstrap.NewBase(constants.ServiceReporter, cfg, log),
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
	a.Health.Register(health.NewPostgreSQLChecker(db))

	router := a.NewRouter()
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := router.Group("/")
	if a.Config.RateLimit.Enabled {
		cfg := ratelimit.FromSettings(a.Config.RateLimit)
		a.limiter = ratelimit.NewPerIP(cfg, metrics.NewRateLimitMetrics(a.Registry))
		api.Use(a.limiter.Middleware())
		a.Logger.InfowCtx(ctx, "Rate limiting enabled", "rps", cfg.RPS, "burst", cfg.Burst)
	}

	m := metrics.NewReportMetrics(a.Registry)
	handler := reports.NewHandler(reports.NewService(reports.NewRepository(db), m), a.Logger, m)
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
		ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownGrace())
		defer cancel()
		return a.Shutdown(ctx, func(ctx context.Context) []error {
			return a.dbConnector.ShutdownDatabases(ctx, nil, a.db, nil)
		})
	})

	return g.Wait()
}
