package harvest

import "context"

// FarmerStore persists farmers.
type FarmerStore interface {
	CreateFarmer(ctx context.Context, f *Farmer) error
	GetFarmer(ctx context.Context, id string) (*Farmer, error)
	ListFarmers(ctx context.Context) ([]Farmer, error)
	UpdateFarmer(ctx context.Context, f *Farmer) error
	DeleteFarmer(ctx context.Context, id string) error
}

// HarvestStore persists harvests.
type HarvestStore interface {
	CreateHarvest(ctx context.Context, h *Harvest) error
	GetHarvest(ctx context.Context, id string) (*Harvest, error)
	ListHarvests(ctx context.Context) ([]Harvest, error)
	// SetStatus overwrites status and invoice reference unconditionally.
	SetStatus(ctx context.Context, id string, status Status, invoiceID *string) (*Harvest, error)
}

// Store is everything the registry persists.
type Store interface {
	FarmerStore
	HarvestStore
}
