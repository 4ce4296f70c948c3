package reservation

import (
	"context"

	"agroflow/internal/config"
	"agroflow/internal/events"
	"agroflow/internal/platform/bus"
	"agroflow/internal/platform/observability"

	"go.uber.org/zap"
)

// Consumer feeds bus deliveries on the inventory queue to the Service.
type Consumer struct {
	service      *Service
	publisher    bus.Publisher
	logger       observability.Logger
	compensation bool
}

// NewConsumer creates a Consumer. With compensation enabled the queue also
// receives needs-attention events and releases their reservations.
func NewConsumer(service *Service, publisher bus.Publisher, logger observability.Logger, compensation bool) *Consumer {
	return &Consumer{
		service:      service,
		publisher:    publisher,
		logger:       logger,
		compensation: compensation,
	}
}

// Binding is the queue this consumer reads.
func (c *Consumer) Binding() bus.Binding {
	keys := []string{config.HarvestCreated}
	if c.compensation {
		keys = append(keys, config.HarvestNeedsAttention)
	}
	return bus.Binding{Queue: config.InventoryQueue, RoutingKeys: keys}
}

// Handle routes a delivery by event type.
func (c *Consumer) Handle(ctx context.Context, env bus.Envelope) error {
	switch env.EventType {
	case config.HarvestCreated:
		return c.handleHarvestCreated(ctx, env)
	case config.HarvestNeedsAttention:
		return c.handleNeedsAttention(ctx, env)
	default:
		c.logger.Warn("⚠️ Ignoring unexpected event", zap.String("event_type", env.EventType))
		return nil
	}
}

func (c *Consumer) handleHarvestCreated(ctx context.Context, env bus.Envelope) error {
	var e events.HarvestCreated
	if err := env.Decode(&e); err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return err
	}

	c.logger.Info("📨 Harvest received",
		zap.String("cosecha_id", e.CosechaID),
		zap.String("event_id", env.EventID),
	)

	outcome, err := c.service.Reserve(ctx, e)
	if err != nil {
		c.logger.Error("❌ Failed to reserve inputs", zap.String("cosecha_id", e.CosechaID), zap.Error(err))
		if pubErr := c.publisher.Publish(ctx, config.InventoryAdjusted, outcome); pubErr != nil {
			c.logger.Error("❌ Failed to publish reservation error",
				zap.String("cosecha_id", e.CosechaID),
				zap.Error(pubErr),
			)
		}
		return err
	}

	if err := c.publisher.Publish(ctx, config.InventoryAdjusted, outcome); err != nil {
		c.logger.Error("❌ Failed to publish reservation outcome",
			zap.String("cosecha_id", e.CosechaID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (c *Consumer) handleNeedsAttention(ctx context.Context, env bus.Envelope) error {
	var e events.HarvestNeedsAttention
	if err := env.Decode(&e); err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return err
	}
	return c.service.Release(ctx, e)
}
