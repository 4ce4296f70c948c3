package app

import (
	"context"
	"fmt"

	"agroflow/internal/config"
	"agroflow/internal/harvest"
	"agroflow/internal/invoicing"
	"agroflow/internal/platform/bus"
	"agroflow/internal/platform/httpapi"
	"agroflow/internal/platform/observability"
	"agroflow/internal/platform/scheduler"
	"agroflow/internal/reservation"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Consumer handles the events routed to one queue.
type Consumer interface {
	Binding() bus.Binding
	Handle(ctx context.Context, env bus.Envelope) error
}

// Component is what a service contributes to a process: HTTP routes and
// queue consumers.
type Component struct {
	Routes    []func(chi.Router)
	Consumers []Consumer
}

func (c Component) merge(other Component) Component {
	return Component{
		Routes:    append(c.Routes, other.Routes...),
		Consumers: append(c.Consumers, other.Consumers...),
	}
}

// ServiceFactory creates business logic services with their dependencies
type ServiceFactory struct {
	config    *config.Config
	logger    observability.Logger
	tracer    observability.Tracer
	meter     metric.Meter
	bus       bus.Bus
	scheduler *scheduler.Scheduler
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(container *Container) *ServiceFactory {
	return &ServiceFactory{
		config:    container.Config(),
		logger:    container.Logger(),
		tracer:    container.Tracer(),
		meter:     container.Meter(),
		bus:       container.Bus(),
		scheduler: container.Scheduler(),
	}
}

func (f *ServiceFactory) adapter() *httpapi.Adapter {
	return httpapi.NewAdapter(f.logger)
}

// CreateRegistry creates the harvest registry over store.
func (f *ServiceFactory) CreateRegistry(store harvest.Store) (*harvest.Service, Component, error) {
	svc, err := harvest.NewService(store, f.bus, f.logger, f.tracer, f.meter)
	if err != nil {
		return nil, Component{}, err
	}
	handler := harvest.NewHandler(svc, f.adapter())
	return svc, Component{Routes: []func(chi.Router){handler.Routes}}, nil
}

// CreateReservation creates the inventory service and its consumer.
func (f *ServiceFactory) CreateReservation(store reservation.Store) (*reservation.Service, Component, error) {
	svc, err := reservation.NewService(store, f.logger, f.tracer, f.meter)
	if err != nil {
		return nil, Component{}, err
	}
	handler := reservation.NewHandler(svc, f.adapter())
	consumer := reservation.NewConsumer(svc, f.bus, f.logger, f.config.CompensationEnabled)
	return svc, Component{
		Routes:    []func(chi.Router){handler.Routes},
		Consumers: []Consumer{consumer},
	}, nil
}

// CreateIssuance creates the invoice issuer, the correlator that reports back
// to registry, and their shared consumer.
func (f *ServiceFactory) CreateIssuance(store invoicing.Store, registry invoicing.Registry) (Component, error) {
	issuer, err := invoicing.NewIssuer(store, f.logger, f.tracer, f.meter)
	if err != nil {
		return Component{}, err
	}
	correlator, err := invoicing.NewCorrelator(store, registry, f.scheduler, f.bus, f.logger, f.tracer, f.meter,
		invoicing.CorrelatorConfig{
			LookupRetryDelay:   f.config.InvoiceLookupRetryDelay,
			CallbackRetryDelay: f.config.RegistryRetryDelay,
			Compensation:       f.config.CompensationEnabled,
		})
	if err != nil {
		return Component{}, err
	}
	handler := invoicing.NewHandler(store, f.adapter())
	consumer := invoicing.NewConsumer(issuer, correlator, f.logger)
	return Component{
		Routes:    []func(chi.Router){handler.Routes},
		Consumers: []Consumer{consumer},
	}, nil
}

// Sandbox is the whole saga in one process on in-memory stores.
type Sandbox struct {
	Harvests  *harvest.Service
	Inventory *reservation.Service
	Invoices  invoicing.Store
	Component Component
}

// SandboxStock is the inventory a sandbox starts with.
var SandboxStock = []reservation.InputRequest{
	{Nombre: "Semilla Arroz L-23", Stock: decimal.NewFromInt(1000), Categoria: "semillas"},
	{Nombre: "Fertilizante N-PK", Stock: decimal.NewFromInt(2000), Categoria: "fertilizantes"},
	{Nombre: "Semilla Café Premium", Stock: decimal.NewFromInt(500), Categoria: "semillas"},
	{Nombre: "Fertilizante Orgánico", Stock: decimal.NewFromInt(800), Categoria: "fertilizantes"},
}

// CreateSandbox wires the three services together. Status updates go through
// the registry's HTTP API when a registry URL is configured and straight to
// the registry service otherwise.
func (f *ServiceFactory) CreateSandbox(ctx context.Context, stock []reservation.InputRequest) (*Sandbox, error) {
	harvests, registryPart, err := f.CreateRegistry(harvest.NewMemoryStore())
	if err != nil {
		return nil, err
	}

	inventory, reservationPart, err := f.CreateReservation(reservation.NewMemoryStore())
	if err != nil {
		return nil, err
	}
	for _, req := range stock {
		if _, err := inventory.CreateInput(ctx, req); err != nil {
			return nil, fmt.Errorf("seed %s: %w", req.Nombre, err)
		}
	}

	var registry invoicing.Registry = localRegistry{harvests: harvests}
	if f.config.RegistryURL != "" {
		registry = invoicing.NewRegistryClient(f.config.RegistryURL, f.config.RegistryTimeout)
	}

	invoices := invoicing.NewMemoryStore()
	issuancePart, err := f.CreateIssuance(invoices, registry)
	if err != nil {
		return nil, err
	}

	f.logger.Info("Sandbox ready",
		zap.Int("seeded_inputs", len(stock)),
		zap.Bool("compensation", f.config.CompensationEnabled),
	)
	return &Sandbox{
		Harvests:  harvests,
		Inventory: inventory,
		Invoices:  invoices,
		Component: registryPart.merge(reservationPart).merge(issuancePart),
	}, nil
}

// localRegistry applies correlator status updates directly to the registry
// service.
type localRegistry struct {
	harvests *harvest.Service
}

func (r localRegistry) UpdateHarvestStatus(ctx context.Context, harvestID string, update invoicing.StatusUpdate) error {
	_, err := r.harvests.UpdateStatus(ctx, harvestID, harvest.StatusUpdate{
		Estado:    harvest.Status(update.Estado),
		FacturaID: update.FacturaID,
	})
	return err
}
