package invoicing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agroflow/internal/config"
	"agroflow/internal/events"
	"agroflow/internal/platform/bus"
	"agroflow/internal/platform/observability"
	"agroflow/internal/platform/scheduler"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Scheduler runs a task once after a delay.
type Scheduler interface {
	After(delay time.Duration, task scheduler.Task) bool
}

// CorrelatorConfig holds the correlator's retry delays and the compensation
// switch.
type CorrelatorConfig struct {
	LookupRetryDelay   time.Duration
	CallbackRetryDelay time.Duration
	Compensation       bool
}

// Correlator confirms a harvest at the registry once its inputs were reserved
// and its invoice exists.
type Correlator struct {
	store     Store
	registry  Registry
	scheduler Scheduler
	publisher bus.Publisher
	logger    observability.Logger
	tracer    observability.Tracer
	cfg       CorrelatorConfig

	callbacks metric.Int64Counter
}

// NewCorrelator wires a Correlator.
func NewCorrelator(store Store, registry Registry, sched Scheduler, publisher bus.Publisher, logger observability.Logger, tracer observability.Tracer, meter metric.Meter, cfg CorrelatorConfig) (*Correlator, error) {
	callbacks, err := meter.Int64Counter("agroflow.registry.callbacks",
		metric.WithDescription("Registry status updates by outcome"))
	if err != nil {
		return nil, fmt.Errorf("callback counter: %w", err)
	}
	return &Correlator{
		store:     store,
		registry:  registry,
		scheduler: sched,
		publisher: publisher,
		logger:    logger,
		tracer:    tracer,
		cfg:       cfg,
		callbacks: callbacks,
	}, nil
}

// Handle reacts to a reservation outcome. Only an OK outcome confirms the
// harvest; any other outcome leaves it registered unless compensation is on.
func (c *Correlator) Handle(ctx context.Context, e events.InventoryAdjusted) error {
	ctx, span := c.tracer.Start(ctx, "correlate_reservation")
	defer span.End()
	span.SetAttributes(
		attribute.String("harvest.id", e.CosechaID),
		attribute.String("reservation.status", string(e.Status)),
	)

	if !e.OK() {
		c.logger.Warn("⚠️ Reservation did not succeed, harvest not confirmed",
			zap.String("cosecha_id", e.CosechaID),
			zap.String("status", string(e.Status)),
		)
		if !c.cfg.Compensation {
			span.SetStatus(codes.Ok, "Harvest left registered")
			return nil
		}
		if err := c.compensate(ctx, e); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "compensation failed")
			return err
		}
		span.SetStatus(codes.Ok, "Harvest flagged for attention")
		return nil
	}

	inv, err := c.store.FindByHarvest(ctx, e.CosechaID)
	switch {
	case err == nil:
		c.notify(ctx, e.CosechaID, StatusUpdate{Estado: HarvestInvoiced, FacturaID: &inv.ID})
	case errors.Is(err, ErrNotFound):
		c.logger.Info("⏳ Invoice not issued yet, retrying lookup",
			zap.String("cosecha_id", e.CosechaID),
			zap.Duration("retry_in", c.cfg.LookupRetryDelay),
		)
		harvestID := e.CosechaID
		scheduled := c.scheduler.After(c.cfg.LookupRetryDelay, func(ctx context.Context) {
			c.retryLookup(ctx, harvestID)
		})
		if !scheduled {
			c.logger.Warn("⚠️ Shutting down, invoice lookup retry dropped", zap.String("cosecha_id", harvestID))
		}
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "invoice lookup failed")
		return fmt.Errorf("look up invoice for %s: %w", e.CosechaID, err)
	}

	span.SetStatus(codes.Ok, "Reservation correlated")
	return nil
}

func (c *Correlator) retryLookup(ctx context.Context, harvestID string) {
	inv, err := c.store.FindByHarvest(ctx, harvestID)
	if err != nil {
		c.logger.Error("❌ No invoice for reserved harvest, giving up",
			zap.String("cosecha_id", harvestID),
			zap.Error(err),
		)
		return
	}
	c.notify(ctx, harvestID, StatusUpdate{Estado: HarvestInvoiced, FacturaID: &inv.ID})
}

// notify calls the registry, retrying once after a delay. A second failure is
// only logged.
func (c *Correlator) notify(ctx context.Context, harvestID string, update StatusUpdate) {
	err := c.callRegistry(ctx, harvestID, update)
	if err == nil {
		c.callbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))
		return
	}

	c.logger.Warn("⚠️ Registry update failed, retrying",
		zap.String("cosecha_id", harvestID),
		zap.Duration("retry_in", c.cfg.CallbackRetryDelay),
		zap.Error(err),
	)
	scheduled := c.scheduler.After(c.cfg.CallbackRetryDelay, func(ctx context.Context) {
		if err := c.callRegistry(ctx, harvestID, update); err != nil {
			c.callbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
			c.logger.Error("❌ Registry update failed after retry",
				zap.String("cosecha_id", harvestID),
				zap.String("estado", update.Estado),
				zap.Error(err),
			)
			return
		}
		c.callbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "retried")))
	})
	if !scheduled {
		c.callbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		c.logger.Warn("⚠️ Shutting down, registry update retry dropped",
			zap.String("cosecha_id", harvestID),
			zap.String("estado", update.Estado),
		)
	}
}

func (c *Correlator) callRegistry(ctx context.Context, harvestID string, update StatusUpdate) error {
	ctx, span := c.tracer.Start(ctx, "registry_status_update")
	defer span.End()
	span.SetAttributes(
		attribute.String("harvest.id", harvestID),
		attribute.String("harvest.status", update.Estado),
	)

	if err := c.registry.UpdateHarvestStatus(ctx, harvestID, update); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "registry update failed")
		return err
	}

	c.logger.Info("✅ Harvest status updated at registry",
		zap.String("cosecha_id", harvestID),
		zap.String("estado", update.Estado),
	)
	span.SetStatus(codes.Ok, "Registry updated")
	return nil
}

// compensate announces that the harvest cannot be fulfilled so its stock is
// returned, then flags it at the registry.
func (c *Correlator) compensate(ctx context.Context, e events.InventoryAdjusted) error {
	notice := events.HarvestNeedsAttention{
		CosechaID: e.CosechaID,
		Status:    e.Status,
		Motivo:    reason(e),
	}
	if err := c.publisher.Publish(ctx, config.HarvestNeedsAttention, notice); err != nil {
		return fmt.Errorf("publish needs-attention for %s: %w", e.CosechaID, err)
	}
	c.notify(ctx, e.CosechaID, StatusUpdate{Estado: HarvestNeedsAttention})
	return nil
}

func reason(e events.InventoryAdjusted) string {
	var failed []string
	for _, l := range e.Resultados {
		if l.Status != events.LineOK {
			failed = append(failed, fmt.Sprintf("%s %s", l.Insumo, l.Status))
		}
	}
	if len(failed) == 0 {
		return fmt.Sprintf("reserva de insumos %s", e.Status)
	}
	return fmt.Sprintf("reserva de insumos %s: %s", e.Status, strings.Join(failed, ", "))
}
