package reservation

import (
	"context"

	"agroflow/internal/events"

	"github.com/shopspring/decimal"
)

// Decrementer subtracts stock inside a reservation.
type Decrementer interface {
	// Decrement subtracts qty from the named input only if at least qty is in
	// stock, returning the remaining stock. It fails with ErrNotFound for an
	// unknown input and *InsufficientStockError otherwise.
	Decrement(ctx context.Context, input string, qty decimal.Decimal) (decimal.Decimal, error)
}

// ReserveFunc computes a reservation outcome through d.
type ReserveFunc func(ctx context.Context, d Decrementer) (events.InventoryAdjusted, error)

// Ledger records one reservation per harvest.
type Ledger interface {
	// Reserve claims harvestID and runs fn atomically with the claim. When the
	// harvest was already claimed, fn is not run and the stored outcome is
	// returned with replayed set. If fn fails nothing is kept.
	Reserve(ctx context.Context, harvestID string, fn ReserveFunc) (outcome events.InventoryAdjusted, replayed bool, err error)
	// Release returns the stock reserved for harvestID. It reports false when
	// the reservation had already been released. A harvest never reserved is
	// marked released so a late delivery cannot reserve for it.
	Release(ctx context.Context, harvestID string) (released []events.LineResult, ok bool, err error)
}

// StockStore manages inputs directly.
type StockStore interface {
	ListInputs(ctx context.Context) ([]Input, error)
	GetInput(ctx context.Context, id string) (*Input, error)
	CreateInput(ctx context.Context, in *Input) error
	UpdateInput(ctx context.Context, in *Input) error
	DeleteInput(ctx context.Context, id string) error
	AdjustStock(ctx context.Context, id string, adj StockAdjustment) (*Input, error)
	// LowStock lists inputs whose stock is below limit, lowest first.
	LowStock(ctx context.Context, limit decimal.Decimal) ([]Input, error)
	ByCategory(ctx context.Context, category string) ([]Input, error)
}

// Store is everything the reservation processor persists.
type Store interface {
	Ledger
	StockStore
}

// releasable picks the lines returned by a release from a stored outcome.
func releasable(outcome events.InventoryAdjusted) []events.LineResult {
	var lines []events.LineResult
	for _, l := range outcome.Resultados {
		if l.Status == events.LineOK && l.CantidadUsada != nil {
			lines = append(lines, l)
		}
	}
	return lines
}
