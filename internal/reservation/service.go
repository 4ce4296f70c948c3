package reservation

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"agroflow/internal/catalog"
	"agroflow/internal/events"
	"agroflow/internal/platform/observability"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Service reserves inputs for harvests and manages input stock.
type Service struct {
	store  Store
	logger observability.Logger
	tracer observability.Tracer

	reservations metric.Int64Counter
	releases     metric.Int64Counter
}

// NewService creates a Service backed by store.
func NewService(store Store, logger observability.Logger, tracer observability.Tracer, meter metric.Meter) (*Service, error) {
	reservations, err := meter.Int64Counter("agroflow.reservations",
		metric.WithDescription("Input reservations by overall status"))
	if err != nil {
		return nil, fmt.Errorf("reservation counter: %w", err)
	}
	releases, err := meter.Int64Counter("agroflow.reservations.released",
		metric.WithDescription("Reservations whose stock was returned"))
	if err != nil {
		return nil, fmt.Errorf("release counter: %w", err)
	}
	return &Service{
		store:        store,
		logger:       logger,
		tracer:       tracer,
		reservations: reservations,
		releases:     releases,
	}, nil
}

// Reserve decrements the inputs the harvest's formula requires. Stock that
// could be reserved stays reserved even when other lines fail. A harvest that
// was already reserved gets its recorded outcome back without touching stock.
func (s *Service) Reserve(ctx context.Context, e events.HarvestCreated) (events.InventoryAdjusted, error) {
	ctx, span := s.tracer.Start(ctx, "reserve_inputs")
	defer span.End()

	span.SetAttributes(
		attribute.String("harvest.id", e.CosechaID),
		attribute.String("harvest.product", e.Producto),
		attribute.Float64("harvest.tonnes", e.Toneladas),
		attribute.Bool("catalog.known_product", catalog.Known(e.Producto)),
	)

	requirements := catalog.Requirements(e.Producto, decimal.NewFromFloat(e.Toneladas))
	s.logger.Info("🔍 Reserving inputs for harvest",
		zap.String("cosecha_id", e.CosechaID),
		zap.String("producto", e.Producto),
		zap.Int("lines", len(requirements)),
	)

	outcome, replayed, err := s.store.Reserve(ctx, e.CosechaID, func(ctx context.Context, d Decrementer) (events.InventoryAdjusted, error) {
		return reserveLines(ctx, d, e.CosechaID, requirements)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reservation failed")
		s.reservations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(events.AdjustmentError))))
		return events.InventoryAdjusted{
			CosechaID:  e.CosechaID,
			Status:     events.AdjustmentError,
			Resultados: []events.LineResult{},
		}, fmt.Errorf("reserve inputs for %s: %w", e.CosechaID, err)
	}

	span.SetAttributes(
		attribute.String("reservation.status", string(outcome.Status)),
		attribute.Bool("reservation.replayed", replayed),
	)
	if replayed {
		s.logger.Info("♻️ Harvest already reserved, replaying outcome",
			zap.String("cosecha_id", e.CosechaID),
			zap.String("status", string(outcome.Status)),
		)
	} else {
		s.reservations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(outcome.Status))))
		s.logger.Info("✅ Inputs reserved",
			zap.String("cosecha_id", e.CosechaID),
			zap.String("status", string(outcome.Status)),
		)
	}

	span.SetStatus(codes.Ok, "Inputs reserved")
	return outcome, nil
}

// reserveLines decrements in input-name order and reports in formula order.
func reserveLines(ctx context.Context, d Decrementer, harvestID string, requirements []catalog.Requirement) (events.InventoryAdjusted, error) {
	order := make([]int, len(requirements))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return requirements[order[a]].Input < requirements[order[b]].Input
	})

	lines := make([]events.LineResult, len(requirements))
	for _, i := range order {
		req := requirements[i]
		remaining, err := d.Decrement(ctx, req.Input, req.Quantity)

		var short *InsufficientStockError
		switch {
		case err == nil:
			lines[i] = events.Reserved(req.Input, req.Quantity.InexactFloat64(), remaining.InexactFloat64())
		case errors.Is(err, ErrNotFound):
			lines[i] = events.NotFound(req.Input)
		case errors.As(err, &short):
			lines[i] = events.Insufficient(req.Input, req.Quantity.InexactFloat64(), short.Available.InexactFloat64())
		default:
			return events.InventoryAdjusted{}, err
		}
	}

	return events.InventoryAdjusted{
		CosechaID:  harvestID,
		Status:     events.Summarize(lines),
		Resultados: lines,
	}, nil
}

// Release returns the stock reserved for a harvest that cannot be fulfilled.
func (s *Service) Release(ctx context.Context, e events.HarvestNeedsAttention) error {
	ctx, span := s.tracer.Start(ctx, "release_inputs")
	defer span.End()
	span.SetAttributes(
		attribute.String("harvest.id", e.CosechaID),
		attribute.String("reservation.status", string(e.Status)),
	)

	lines, released, err := s.store.Release(ctx, e.CosechaID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "release failed")
		return fmt.Errorf("release inputs for %s: %w", e.CosechaID, err)
	}
	if !released {
		s.logger.Info("Reservation already released", zap.String("cosecha_id", e.CosechaID))
		span.SetStatus(codes.Ok, "Already released")
		return nil
	}

	s.releases.Add(ctx, 1)
	s.logger.Info("↩️ Reserved inputs returned to stock",
		zap.String("cosecha_id", e.CosechaID),
		zap.String("motivo", e.Motivo),
		zap.Int("lines", len(lines)),
	)
	span.SetStatus(codes.Ok, "Inputs released")
	return nil
}

func (s *Service) Inputs(ctx context.Context) ([]Input, error) { return s.store.ListInputs(ctx) }

func (s *Service) Input(ctx context.Context, id string) (*Input, error) {
	return s.store.GetInput(ctx, id)
}

func (s *Service) CreateInput(ctx context.Context, req InputRequest) (*Input, error) {
	if req.Stock.IsNegative() {
		return nil, ErrInvalidQuantity
	}
	in := &Input{
		ID:           uuid.NewString(),
		Nombre:       req.Nombre,
		Stock:        req.Stock.Round(2),
		UnidadMedida: req.UnidadMedida,
		Categoria:    req.Categoria,
	}
	if in.UnidadMedida == "" {
		in.UnidadMedida = defaultUnit
	}
	if err := s.store.CreateInput(ctx, in); err != nil {
		return nil, err
	}
	s.logger.Info("📦 Input created", zap.String("insumo_id", in.ID), zap.String("nombre_insumo", in.Nombre))
	return in, nil
}

func (s *Service) UpdateInput(ctx context.Context, id string, req InputRequest) (*Input, error) {
	if req.Stock.IsNegative() {
		return nil, ErrInvalidQuantity
	}
	in := &Input{
		ID:           id,
		Nombre:       req.Nombre,
		Stock:        req.Stock.Round(2),
		UnidadMedida: req.UnidadMedida,
		Categoria:    req.Categoria,
	}
	if in.UnidadMedida == "" {
		in.UnidadMedida = defaultUnit
	}
	if err := s.store.UpdateInput(ctx, in); err != nil {
		return nil, err
	}
	return in, nil
}

func (s *Service) DeleteInput(ctx context.Context, id string) error {
	return s.store.DeleteInput(ctx, id)
}

// AdjustStock applies a manual stock change.
func (s *Service) AdjustStock(ctx context.Context, id string, adj StockAdjustment) (*Input, error) {
	if adj.Cantidad.IsNegative() {
		return nil, ErrInvalidQuantity
	}
	adj.Cantidad = adj.Cantidad.Round(2)
	in, err := s.store.AdjustStock(ctx, id, adj)
	if err != nil {
		return nil, err
	}
	s.logger.Info("📦 Stock adjusted",
		zap.String("insumo_id", id),
		zap.String("operacion", string(adj.Operacion)),
		zap.String("stock", in.Stock.String()),
	)
	return in, nil
}

func (s *Service) LowStock(ctx context.Context, limit decimal.Decimal) ([]Input, error) {
	return s.store.LowStock(ctx, limit)
}

func (s *Service) ByCategory(ctx context.Context, category string) ([]Input, error) {
	return s.store.ByCategory(ctx, category)
}
