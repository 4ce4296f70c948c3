package invoicing

import (
	"context"

	"agroflow/internal/config"
	"agroflow/internal/events"
	"agroflow/internal/platform/bus"
	"agroflow/internal/platform/observability"

	"go.uber.org/zap"
)

// Consumer feeds the invoicing queue to the Issuer and the Correlator.
type Consumer struct {
	issuer     *Issuer
	correlator *Correlator
	logger     observability.Logger
}

func NewConsumer(issuer *Issuer, correlator *Correlator, logger observability.Logger) *Consumer {
	return &Consumer{issuer: issuer, correlator: correlator, logger: logger}
}

// Binding is the queue this consumer reads.
func (c *Consumer) Binding() bus.Binding {
	return bus.Binding{
		Queue:       config.InvoicingQueue,
		RoutingKeys: []string{config.HarvestCreated, config.InventoryAdjusted},
	}
}

// Handle routes a delivery by event type.
func (c *Consumer) Handle(ctx context.Context, env bus.Envelope) error {
	switch env.EventType {
	case config.HarvestCreated:
		var e events.HarvestCreated
		if err := env.Decode(&e); err != nil {
			return err
		}
		if err := e.Validate(); err != nil {
			return err
		}
		c.logger.Info("📨 Harvest received for invoicing",
			zap.String("cosecha_id", e.CosechaID),
			zap.String("event_id", env.EventID),
		)
		if _, _, err := c.issuer.Issue(ctx, e); err != nil {
			c.logger.Error("❌ Failed to issue invoice", zap.String("cosecha_id", e.CosechaID), zap.Error(err))
			return err
		}
		return nil

	case config.InventoryAdjusted:
		var e events.InventoryAdjusted
		if err := env.Decode(&e); err != nil {
			return err
		}
		if err := e.Validate(); err != nil {
			return err
		}
		c.logger.Info("📨 Reservation outcome received",
			zap.String("cosecha_id", e.CosechaID),
			zap.String("status", string(e.Status)),
			zap.String("event_id", env.EventID),
		)
		return c.correlator.Handle(ctx, e)

	default:
		c.logger.Warn("⚠️ Ignoring unexpected event", zap.String("event_type", env.EventType))
		return nil
	}
}
