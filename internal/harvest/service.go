package harvest

import (
	"context"
	"errors"
	"fmt"

	"agroflow/internal/catalog"
	"agroflow/internal/config"
	"agroflow/internal/events"
	"agroflow/internal/platform/bus"
	"agroflow/internal/platform/observability"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Service implements the registry operations.
type Service struct {
	store     Store
	publisher bus.Publisher
	logger    observability.Logger
	tracer    observability.Tracer

	registered metric.Int64Counter
	statuses   metric.Int64Counter
}

// NewService wires the registry to its store and the event bus.
func NewService(store Store, publisher bus.Publisher, logger observability.Logger, tracer observability.Tracer, meter metric.Meter) (*Service, error) {
	registered, err := meter.Int64Counter("agroflow.harvests.registered",
		metric.WithDescription("Harvests recorded by the registry"))
	if err != nil {
		return nil, fmt.Errorf("harvest counter: %w", err)
	}
	statuses, err := meter.Int64Counter("agroflow.harvests.status_updates",
		metric.WithDescription("Harvest status updates by resulting status"))
	if err != nil {
		return nil, fmt.Errorf("status counter: %w", err)
	}
	return &Service{
		store:      store,
		publisher:  publisher,
		logger:     logger,
		tracer:     tracer,
		registered: registered,
		statuses:   statuses,
	}, nil
}

func (s *Service) RegisterFarmer(ctx context.Context, in FarmerInput) (*Farmer, error) {
	f := &Farmer{
		ID:        uuid.NewString(),
		Nombre:    in.Nombre,
		Finca:     in.Finca,
		Ubicacion: in.Ubicacion,
		Correo:    in.Correo,
	}
	if err := s.store.CreateFarmer(ctx, f); err != nil {
		return nil, err
	}
	s.logger.Info("👩‍🌾 Farmer registered", zap.String("agricultor_id", f.ID))
	return f, nil
}

func (s *Service) Farmer(ctx context.Context, id string) (*Farmer, error) {
	return s.store.GetFarmer(ctx, id)
}

func (s *Service) Farmers(ctx context.Context) ([]Farmer, error) {
	return s.store.ListFarmers(ctx)
}

func (s *Service) UpdateFarmer(ctx context.Context, id string, in FarmerInput) (*Farmer, error) {
	f := &Farmer{
		ID:        id,
		Nombre:    in.Nombre,
		Finca:     in.Finca,
		Ubicacion: in.Ubicacion,
		Correo:    in.Correo,
	}
	if err := s.store.UpdateFarmer(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Service) DeleteFarmer(ctx context.Context, id string) error {
	return s.store.DeleteFarmer(ctx, id)
}

func (s *Service) Harvest(ctx context.Context, id string) (*Harvest, error) {
	return s.store.GetHarvest(ctx, id)
}

func (s *Service) Harvests(ctx context.Context) ([]Harvest, error) {
	return s.store.ListHarvests(ctx)
}

// RegisterHarvest records a harvest for an existing farmer and announces it
// on the bus. A failed publish is logged and does not undo the insert.
func (s *Service) RegisterHarvest(ctx context.Context, in HarvestInput) (*Harvest, error) {
	ctx, span := s.tracer.Start(ctx, "register_harvest")
	defer span.End()

	span.SetAttributes(
		attribute.String("farmer.id", in.AgricultorID),
		attribute.String("harvest.product", in.Producto),
		attribute.String("harvest.tonnes", in.Toneladas.String()),
	)

	if in.Toneladas.IsNegative() {
		return nil, ErrInvalidQuantity
	}
	if _, err := s.store.GetFarmer(ctx, in.AgricultorID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnknownFarmer
		}
		return nil, err
	}

	h := &Harvest{
		ID:           uuid.NewString(),
		AgricultorID: in.AgricultorID,
		Producto:     in.Producto,
		Toneladas:    in.Toneladas.Round(2),
		Estado:       StatusRegistered,
	}
	if err := s.store.CreateHarvest(ctx, h); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("harvest.id", h.ID))
	s.registered.Add(ctx, 1, metric.WithAttributes(attribute.String("product", h.Producto)))

	event := events.HarvestCreated{
		CosechaID:       h.ID,
		Producto:        h.Producto,
		Toneladas:       h.Toneladas.InexactFloat64(),
		RequiereInsumos: catalog.InputNames(h.Producto),
	}
	if err := s.publisher.Publish(ctx, config.HarvestCreated, event); err != nil {
		span.RecordError(err)
		s.logger.Error("❌ Failed to publish harvest event",
			zap.String("cosecha_id", h.ID),
			zap.Error(err),
		)
	} else {
		s.logger.Info("🌾 Harvest registered",
			zap.String("cosecha_id", h.ID),
			zap.String("producto", h.Producto),
			zap.String("toneladas", h.Toneladas.String()),
		)
	}

	span.SetStatus(codes.Ok, "Harvest registered")
	return h, nil
}

// UpdateStatus overwrites a harvest's status and invoice reference. Repeating
// the same update leaves the harvest unchanged.
func (s *Service) UpdateStatus(ctx context.Context, id string, in StatusUpdate) (*Harvest, error) {
	ctx, span := s.tracer.Start(ctx, "update_harvest_status")
	defer span.End()

	span.SetAttributes(
		attribute.String("harvest.id", id),
		attribute.String("harvest.status", string(in.Estado)),
	)
	if in.FacturaID != nil {
		span.SetAttributes(attribute.String("invoice.id", *in.FacturaID))
	}

	h, err := s.store.SetStatus(ctx, id, in.Estado, in.FacturaID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "status update failed")
		}
		return nil, err
	}
	s.statuses.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(in.Estado))))

	s.logger.Info("✅ Harvest status updated",
		zap.String("cosecha_id", id),
		zap.String("estado", string(h.Estado)),
	)
	span.SetStatus(codes.Ok, "Harvest status updated")
	return h, nil
}
