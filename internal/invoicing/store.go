package invoicing

import (
	"context"
	"time"
)

// Store persists invoices. Create fails with ErrDuplicate when the harvest
// already has an invoice, which makes the insert itself the issuance claim.
type Store interface {
	Create(ctx context.Context, inv *Invoice) error
	Get(ctx context.Context, id string) (*Invoice, error)
	FindByHarvest(ctx context.Context, harvestID string) (*Invoice, error)
	List(ctx context.Context, filter ListFilter) (Page, error)
	MarkPaid(ctx context.Context, id string, method PaymentMethod, at time.Time) (*Invoice, error)
	Delete(ctx context.Context, id string) error
}
