package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"agroflow/internal/config"
	"agroflow/internal/harvest"
	"agroflow/internal/invoicing"
	"agroflow/internal/platform/bus"
	"agroflow/internal/platform/httpapi"
	"agroflow/internal/reservation"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Application holds all the components and manages the application lifecycle
type Application struct {
	ctx       context.Context
	cancel    context.CancelFunc
	container *Container
	component Component
}

// NewApplication creates and fully initializes the named service
func NewApplication(ctx context.Context, service string) (*Application, error) {
	// Set up signal handling
	appCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)

	app := &Application{
		ctx:    appCtx,
		cancel: cancel,
	}

	// Initialize container (expensive singletons)
	container, err := NewContainer(app.ctx, service)
	if err != nil {
		cancel() // Clean up context if initialization fails
		return nil, err
	}
	app.container = container

	app.component, err = app.build(NewServiceFactory(container))
	if err != nil {
		app.Shutdown()
		return nil, fmt.Errorf("failed to build %s: %w", service, err)
	}

	app.container.Logger().Info("Application initialized successfully",
		zap.Int("consumers", len(app.component.Consumers)),
	)
	return app, nil
}

func (app *Application) build(factory *ServiceFactory) (Component, error) {
	cfg := app.container.Config()
	switch cfg.ServiceName {
	case config.RegistryService:
		db, err := app.container.Postgres(app.ctx, harvest.Schema)
		if err != nil {
			return Component{}, err
		}
		_, component, err := factory.CreateRegistry(harvest.NewPostgresStore(db))
		return component, err

	case config.ReservationService:
		db, err := app.container.Postgres(app.ctx, reservation.Schema)
		if err != nil {
			return Component{}, err
		}
		_, component, err := factory.CreateReservation(reservation.NewPostgresStore(db))
		return component, err

	case config.IssuanceService:
		db, err := app.container.Mongo(app.ctx)
		if err != nil {
			return Component{}, err
		}
		store := invoicing.NewMongoStore(db)
		if err := store.EnsureIndexes(app.ctx); err != nil {
			return Component{}, err
		}
		registry := invoicing.NewRegistryClient(cfg.RegistryURL, cfg.RegistryTimeout)
		return factory.CreateIssuance(store, registry)

	case config.SandboxService:
		sandbox, err := factory.CreateSandbox(app.ctx, SandboxStock)
		if err != nil {
			return Component{}, err
		}
		return sandbox.Component, nil
	}
	return Component{}, fmt.Errorf("unknown service %q", cfg.ServiceName)
}

// Run consumes every bound queue and serves the HTTP API until the process
// is signalled or one of them fails.
func (app *Application) Run() error {
	cfg := app.container.Config()
	logger := app.container.Logger()
	eventBus := app.container.Bus()

	// Queues must exist before the API can publish into them.
	if memory, ok := eventBus.(*bus.Memory); ok {
		for _, c := range app.component.Consumers {
			memory.Declare(c.Binding())
		}
	}

	router := httpapi.NewRouter(cfg.ServiceName)
	for _, routes := range app.component.Routes {
		routes(router)
	}
	server := httpapi.NewServer(app.ctx, cfg.HTTPAddr, cfg.ServiceName, router, logger)

	g, ctx := errgroup.WithContext(app.ctx)
	for _, c := range app.component.Consumers {
		g.Go(func() error {
			return eventBus.Subscribe(ctx, c.Binding(), c.Handle)
		})
	}
	g.Go(func() error {
		return server.Run(ctx, cfg.ShutdownTimeout)
	})

	err := g.Wait()
	logger.Info("Event loop finished. Shutting down...", zap.String("service", cfg.ServiceName))
	return err
}

// Shutdown gracefully shuts down all application components
func (app *Application) Shutdown() {
	if app.container != nil {
		app.container.Logger().Info("Starting application shutdown...")
	}

	// Cancel context
	if app.cancel != nil {
		app.cancel()
	}

	// Shutdown container
	if app.container != nil {
		ctx, cancel := context.WithTimeout(context.Background(), app.container.Config().ShutdownTimeout)
		defer cancel()
		app.container.Shutdown(ctx)
	}
}
