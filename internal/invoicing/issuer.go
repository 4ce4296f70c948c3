package invoicing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agroflow/internal/catalog"
	"agroflow/internal/events"
	"agroflow/internal/platform/observability"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Issuer creates at most one invoice per harvest. Concurrent deliveries for
// the same harvest inside one process share a single attempt; across
// processes the store's uniqueness constraint decides.
type Issuer struct {
	store  Store
	group  singleflight.Group
	logger observability.Logger
	tracer observability.Tracer
	now    func() time.Time

	issued metric.Int64Counter
}

// NewIssuer creates an Issuer backed by store.
func NewIssuer(store Store, logger observability.Logger, tracer observability.Tracer, meter metric.Meter) (*Issuer, error) {
	issued, err := meter.Int64Counter("agroflow.invoices.issued",
		metric.WithDescription("Invoices created, one per harvest"))
	if err != nil {
		return nil, fmt.Errorf("invoice counter: %w", err)
	}
	return &Issuer{
		store:  store,
		logger: logger,
		tracer: tracer,
		now:    func() time.Time { return time.Now().UTC() },
		issued: issued,
	}, nil
}

type issueResult struct {
	invoice *Invoice
	created bool
}

// Issue returns the harvest's invoice, creating it if none exists yet.
// created reports whether this call stored a new invoice.
func (i *Issuer) Issue(ctx context.Context, e events.HarvestCreated) (inv *Invoice, created bool, err error) {
	ctx, span := i.tracer.Start(ctx, "issue_invoice")
	defer span.End()
	span.SetAttributes(
		attribute.String("harvest.id", e.CosechaID),
		attribute.String("harvest.product", e.Producto),
	)

	v, err, shared := i.group.Do(e.CosechaID, func() (any, error) {
		return i.issue(ctx, e)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "issuance failed")
		return nil, false, err
	}

	res := v.(issueResult)
	span.SetAttributes(
		attribute.String("invoice.id", res.invoice.ID),
		attribute.Bool("invoice.created", res.created),
		attribute.Bool("invoice.shared_attempt", shared),
	)
	span.SetStatus(codes.Ok, "Invoice issued")
	return res.invoice, res.created, nil
}

func (i *Issuer) issue(ctx context.Context, e events.HarvestCreated) (issueResult, error) {
	existing, err := i.store.FindByHarvest(ctx, e.CosechaID)
	if err == nil {
		i.logger.Info("♻️ Invoice already issued for harvest",
			zap.String("cosecha_id", e.CosechaID),
			zap.String("factura_id", existing.ID),
		)
		return issueResult{invoice: existing}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return issueResult{}, fmt.Errorf("look up invoice for %s: %w", e.CosechaID, err)
	}

	tonnes := decimal.NewFromFloat(e.Toneladas)
	price := catalog.UnitPrice(e.Producto)
	amount := catalog.Amount(e.Producto, tonnes)

	inv := &Invoice{
		ID:           uuid.NewString(),
		CosechaID:    e.CosechaID,
		MontoTotal:   amount.InexactFloat64(),
		FechaEmision: i.now(),
		CodigoQR:     catalog.ReferenceToken(e.CosechaID, amount),
		DetallesCosecha: HarvestDetails{
			Producto:          e.Producto,
			Toneladas:         e.Toneladas,
			PrecioPorTonelada: price.InexactFloat64(),
		},
	}

	err = i.store.Create(ctx, inv)
	if errors.Is(err, ErrDuplicate) {
		existing, err := i.store.FindByHarvest(ctx, e.CosechaID)
		if err != nil {
			return issueResult{}, fmt.Errorf("load concurrently issued invoice for %s: %w", e.CosechaID, err)
		}
		i.logger.Info("♻️ Invoice issued concurrently elsewhere",
			zap.String("cosecha_id", e.CosechaID),
			zap.String("factura_id", existing.ID),
		)
		return issueResult{invoice: existing}, nil
	}
	if err != nil {
		return issueResult{}, fmt.Errorf("store invoice for %s: %w", e.CosechaID, err)
	}

	i.issued.Add(ctx, 1, metric.WithAttributes(attribute.String("product", e.Producto)))
	i.logger.Info("🧾 Invoice issued",
		zap.String("cosecha_id", e.CosechaID),
		zap.String("factura_id", inv.ID),
		zap.Float64("monto_total", inv.MontoTotal),
		zap.String("codigo_qr", inv.CodigoQR),
	)
	return issueResult{invoice: inv, created: true}, nil
}
