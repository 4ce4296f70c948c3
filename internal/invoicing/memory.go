package invoicing

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store used by the sandbox and tests. It
// enforces the same one-invoice-per-harvest constraint as the Mongo index.
type MemoryStore struct {
	mu        sync.RWMutex
	invoices  map[string]Invoice
	byHarvest map[string]string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invoices:  make(map[string]Invoice),
		byHarvest: make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, inv *Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHarvest[inv.CosechaID]; ok {
		return ErrDuplicate
	}
	if _, ok := s.invoices[inv.ID]; ok {
		return ErrDuplicate
	}
	s.invoices[inv.ID] = *inv
	s.byHarvest[inv.CosechaID] = inv.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &inv, nil
}

func (s *MemoryStore) FindByHarvest(ctx context.Context, harvestID string) (*Invoice, error) {
	s.mu.RLock()
	id, ok := s.byHarvest[harvestID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) (Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]Invoice, 0, len(s.invoices))
	for _, inv := range s.invoices {
		if filter.Paid == nil || inv.Pagado == *filter.Paid {
			matched = append(matched, inv)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].FechaEmision.After(matched[j].FechaEmision) })

	page := Page{Invoices: []Invoice{}, Total: int64(len(matched))}
	skip := filter.Skip()
	if skip < 0 || skip >= int64(len(matched)) {
		return page, nil
	}
	start := int(skip)
	end := min(start+filter.Limit, len(matched))
	page.Invoices = append(page.Invoices, matched[start:end]...)
	return page, nil
}

func (s *MemoryStore) MarkPaid(_ context.Context, id string, method PaymentMethod, at time.Time) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	inv.Pagado = true
	inv.MetodoPago = method
	inv.FechaPago = &at
	s.invoices[id] = inv
	return &inv, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.invoices, id)
	delete(s.byHarvest, inv.CosechaID)
	return nil
}
