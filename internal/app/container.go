package app

import (
	"context"
	"database/sql"
	"fmt"

	"agroflow/internal/config"
	"agroflow/internal/platform/bus"
	"agroflow/internal/platform/mongodb"
	"agroflow/internal/platform/observability"
	"agroflow/internal/platform/postgres"
	"agroflow/internal/platform/scheduler"

	"go.mongodb.org/mongo-driver/mongo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Container holds expensive-to-create singleton resources and dependencies
type Container struct {
	config         *config.Config
	logger         *zap.Logger
	tracer         observability.Tracer
	meter          metric.Meter
	tracerProvider trace.TracerProvider
	bus            bus.Bus
	scheduler      *scheduler.Scheduler
	db             *sql.DB
	mongoClient    *mongo.Client
	otelShutdown   observability.ShutdownFunc
}

// NewContainer loads the configuration of service and initializes logging,
// telemetry, the event bus and the task scheduler.
func NewContainer(ctx context.Context, service string) (*Container, error) {
	cfg, err := config.LoadConfig(service)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	container := &Container{
		config: cfg,
	}

	if err := container.setupLogger(); err != nil {
		return nil, err
	}

	container.setupObservability(ctx)

	if err := container.setupBus(ctx); err != nil {
		container.Shutdown(context.Background())
		return nil, err
	}

	container.scheduler = scheduler.New(ctx)
	return container, nil
}

// setupLogger starts with a plain production logger until telemetry is up.
func (c *Container) setupLogger() error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	c.logger = logger
	return nil
}

// setupObservability configures OpenTelemetry logging, tracing and metrics.
// Failures are logged and leave the corresponding signal disabled.
func (c *Container) setupObservability(ctx context.Context) {
	otelLogShutdown, err := observability.SetupLoggingSDK(ctx, c.config)
	if err != nil {
		c.logger.Error("Failed to setup OpenTelemetry logging", zap.Error(err))
	}

	tp, otelTraceShutdown, err := observability.SetupTracingSDK(ctx, c.config)
	if err != nil {
		c.logger.Error("Failed to setup OpenTelemetry tracing", zap.Error(err))
	}
	c.tracerProvider = tp

	otelMetricShutdown, err := observability.SetupMetricsSDK(ctx, c.config)
	if err != nil {
		c.logger.Error("Failed to setup OpenTelemetry metrics", zap.Error(err))
	}

	c.otelShutdown = observability.JoinShutdown(otelMetricShutdown, otelTraceShutdown, otelLogShutdown)

	c.reinitializeLoggerWithOTel()

	c.tracer = otel.Tracer(c.config.ServiceName)
	c.meter = otel.Meter(c.config.ServiceName)
}

// reinitializeLoggerWithOTel swaps in the logger bridged to OpenTelemetry.
func (c *Container) reinitializeLoggerWithOTel() {
	c.logger = observability.NewLogger(c.config.ServiceName)
	c.logger.Info("Logger re-initialized with OpenTelemetry bridge",
		zap.Bool("otel_export", c.config.OtelEnabled()),
	)
}

func (c *Container) setupBus(ctx context.Context) error {
	switch c.config.BusDriver {
	case config.DriverAMQP:
		amqpBus, err := bus.NewAMQP(ctx, c.config.RabbitMQURL, config.Exchange, c.config.ServiceName, c.logger)
		if err != nil {
			return fmt.Errorf("failed to set up RabbitMQ bus: %w", err)
		}
		c.bus = amqpBus
	case config.DriverKafka:
		kafkaBus, err := bus.NewKafka(c.config.KafkaBrokers, config.Exchange, c.config.ServiceName, c.tracerProvider, c.logger)
		if err != nil {
			return fmt.Errorf("failed to set up Kafka bus: %w", err)
		}
		c.bus = kafkaBus
	case config.DriverMemory:
		c.bus = bus.NewMemory(c.logger)
	default:
		return fmt.Errorf("unsupported bus driver %q", c.config.BusDriver)
	}
	c.logger.Info("Event bus ready", zap.String("driver", c.config.BusDriver))
	return nil
}

// Postgres opens the service database and applies schema.
func (c *Container) Postgres(ctx context.Context, schema string) (*sql.DB, error) {
	db, err := postgres.Open(ctx, c.config.DatabaseURL, c.logger)
	if err != nil {
		return nil, err
	}
	c.db = db
	if err := postgres.Migrate(ctx, db, schema, c.logger); err != nil {
		return nil, err
	}
	return db, nil
}

// Mongo connects to the service's Mongo database.
func (c *Container) Mongo(ctx context.Context) (*mongo.Database, error) {
	client, db, err := mongodb.Connect(ctx, c.config.MongoURI, c.config.MongoDatabase, c.logger)
	if err != nil {
		return nil, err
	}
	c.mongoClient = client
	return db, nil
}

// Shutdown gracefully shuts down all infrastructure components
func (c *Container) Shutdown(ctx context.Context) {
	c.logger.Info("Shutting down infrastructure...")

	if c.scheduler != nil {
		if err := c.scheduler.Stop(ctx); err != nil {
			c.logger.Error("Scheduled tasks did not finish in time", zap.Error(err))
		}
	}

	if c.bus != nil {
		if err := c.bus.Close(); err != nil {
			c.logger.Error("Failed to close event bus", zap.Error(err))
		}
	}

	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.logger.Error("Failed to close database", zap.Error(err))
		}
	}

	if c.mongoClient != nil {
		if err := c.mongoClient.Disconnect(ctx); err != nil {
			c.logger.Error("Failed to disconnect from MongoDB", zap.Error(err))
		}
	}

	if c.otelShutdown != nil {
		if err := c.otelShutdown(ctx); err != nil {
			c.logger.Error("Failed to shutdown OpenTelemetry", zap.Error(err))
		}
	}

	c.logger.Info("Infrastructure shutdown complete")

	// stdout sync fails on some terminals; nothing useful to do with it.
	_ = c.logger.Sync()
}

// Getters for accessing infrastructure components
func (c *Container) Config() *config.Config          { return c.config }
func (c *Container) Logger() observability.Logger    { return c.logger }
func (c *Container) Tracer() observability.Tracer    { return c.tracer }
func (c *Container) Meter() metric.Meter             { return c.meter }
func (c *Container) Bus() bus.Bus                    { return c.bus }
func (c *Container) Scheduler() *scheduler.Scheduler { return c.scheduler }
