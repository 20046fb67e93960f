package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"eventgate/internal/broker"
	"eventgate/internal/config"
	"eventgate/internal/logger"
	"eventgate/pkg/health"
	"eventgate/pkg/metrics"
	"eventgate/pkg/middleware"
	"eventgate/pkg/retry"
	"eventgate/pkg/tracing"
)

// Base holds what every service binary shares: config, logger, a private
// metrics registry, the readiness registry and, once started, the HTTP
// server and broker connection.
type Base struct {
	Name     string
	Config   *config.Config
	Logger   logger.Logger
	Registry *prometheus.Registry
	Health   *health.CheckerRegistry
	Broker   broker.Broker
	Tracer   *tracing.TracerProvider

	server *http.Server
}

func NewBase(name string, cfg *config.Config, log logger.Logger) *Base {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(name)
	}
	return &Base{
		Name:     name,
		Config:   cfg,
		Logger:   log,
		Registry: metrics.NewRegistry(),
		Health:   health.NewCheckerRegistry(),
	}
}

func (b *Base) InitTracing() error {
	tp, err := tracing.Init(b.Config.Tracing, b.Name)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	b.Tracer = tp
	return nil
}

// InitBroker connects to the configured broker, retrying while it is not yet
// reachable, and makes sure streams or topics exist. The broker becomes a
// required readiness check.
func (b *Base) InitBroker(ctx context.Context) error {
	m := metrics.NewBrokerMetrics(b.Registry)

	err := retry.Do(ctx, retry.StartupPolicy(), func() error {
		br, err := broker.New(b.Config.Broker, b.Logger, m)
		if err != nil {
			return err
		}
		b.Broker = br
		return nil
	}, func(attempt int, err error, next time.Duration) {
		b.Logger.WarnwCtx(ctx, "Broker not reachable, retrying", "attempt", attempt, "retry_in", next, "error", err)
	})
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	if err := b.Broker.EnsureTopology(ctx); err != nil {
		_ = b.Broker.Close()
		return fmt.Errorf("failed to ensure broker topology: %w", err)
	}

	b.Health.Register(health.NewBrokerChecker(b.Broker))
	b.Logger.InfowCtx(ctx, "Broker connected", "type", b.Config.Broker.Type)
	return nil
}

// NewRouter returns a gin engine with the shared middleware stack, health
// routes and the /metrics endpoint already mounted.
func (b *Base) NewRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if b.Config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(b.Name))
	}
	router.Use(middleware.RecoveryMiddleware(b.Logger))
	router.Use(middleware.LoggerMiddleware(b.Logger))
	router.Use(middleware.RequestIDMiddleware())

	health.RegisterRoutes(router, b.Health)
	router.GET("/metrics", gin.WrapH(metrics.Handler(b.Registry)))
	return router
}

func (b *Base) InitServer(handler http.Handler) {
	b.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", b.Config.Server.Port),
		Handler:      handler,
		ReadTimeout:  b.Config.Server.ReadTimeout(),
		WriteTimeout: b.Config.Server.WriteTimeout(),
	}
}

// ServeHTTP blocks until the server stops. A graceful shutdown is not an
// error.
func (b *Base) ServeHTTP(ctx context.Context) error {
	if b.server == nil {
		return nil
	}
	b.Logger.InfowCtx(ctx, "HTTP server listening", "port", b.Config.Server.Port)
	if err := b.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// ShutdownServer stops accepting connections and waits for in-flight
// requests.
func (b *Base) ShutdownServer(ctx context.Context) error {
	if b.server == nil {
		return nil
	}
	if err := b.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server, runs the service specific shutdown, then
// closes the broker and flushes traces.
func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	b.Logger.InfowCtx(ctx, "Shutting down application...")

	var errs []error

	if err := b.ShutdownServer(ctx); err != nil {
		errs = append(errs, err)
	}

	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}

	if b.Broker != nil {
		if err := b.Broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("broker close error: %w", err))
		}
	}

	if b.Tracer != nil {
		if err := b.Tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown error: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown errors: %w", err)
	}

	b.Logger.InfowCtx(ctx, "Application exited successfully")
	return nil
}
