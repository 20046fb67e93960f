package main

import (
	"context"
	"database/sql"
	"fmt"

	"golang.org/x/sync/errgroup"

	"eventgate/internal/config"
	"eventgate/internal/constants"
	"eventgate/internal/logger"
	"eventgate/internal/outbox"
	"eventgate/pkg/bootstrap"
	"eventgate/pkg/circuitbreaker"
	"eventgate/pkg/health"
	"eventgate/pkg/metrics"
)

type App struct {
	*bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector
	db          *sql.DB
	dispatcher  *outbox.Dispatcher
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		Base:        bootstrap.NewBase(constants.ServiceRelay, cfg, log),
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

	if err := a.InitBroker(ctx); err != nil {
		return err
	}

	oc := a.Config.Outbox
	claimer, err := outbox.NewClaimer(db, outbox.ClaimOptions{
		Strategy:  oc.ClaimStrategy,
		Lease:     oc.ClaimLease(),
		OnSuccess: oc.OnSuccess,
	})
	if err != nil {
		return fmt.Errorf("failed to create claimer: %w", err)
	}

	var publisher outbox.Publisher = a.Broker
	if a.Config.CircuitBreaker.Enabled {
		cb := circuitbreaker.NewWrapper(circuitbreaker.FromSettings(
			"broker-publish",
			a.Config.CircuitBreaker,
			metrics.NewCircuitBreakerMetrics(a.Registry),
		))
		publisher = outbox.NewBreakerPublisher(publisher, cb)
		a.Logger.InfowCtx(ctx, "Circuit breaker enabled for broker publishing")
	}

	a.dispatcher = outbox.NewDispatcher(claimer, publisher, store,
		outbox.DispatcherConfig{
			BatchSize:          oc.BatchSize,
			MaxRetries:         oc.MaxRetries,
			PollInterval:       oc.PollInterval(),
			PublishTimeout:     oc.PublishTimeout(),
			PublishConcurrency: oc.PublishConcurrency,
		},
		a.Logger,
		metrics.NewOutboxMetrics(a.Registry, constants.ServiceRelay),
	)

	a.InitServer(a.NewRouter())
	return nil
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.ServeHTTP(gCtx)
	})

	g.Go(func() error {
		return a.dispatcher.Run(gCtx)
	})

	g.Go(func() error {
		<-gCtx.Done()
		return a.Shutdown()
	})

	return g.Wait()
}

// Shutdown lets the in-flight cycle reconcile before the broker and the
// database are closed.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownGrace())
	defer cancel()

	stopErr := a.dispatcher.Stop(ctx)
	if stopErr != nil {
		a.Logger.ErrorwCtx(ctx, "Dispatcher did not stop cleanly", "error", stopErr)
	}

	return a.Base.Shutdown(ctx, func(ctx context.Context) []error {
		errs := a.dbConnector.ShutdownDatabases(ctx, nil, a.db, nil)
		if stopErr != nil {
			errs = append(errs, stopErr)
		}
		return errs
	})
}
