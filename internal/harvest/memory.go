package harvest

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store used by the sandbox and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	farmers  map[string]Farmer
	harvests map[string]Harvest
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		farmers:  make(map[string]Farmer),
		harvests: make(map[string]Harvest),
	}
}

func (s *MemoryStore) emailTaken(email, exceptID string) bool {
	for id, f := range s.farmers {
		if f.Correo == email && id != exceptID {
			return true
		}
	}
	return false
}

func (s *MemoryStore) CreateFarmer(_ context.Context, f *Farmer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.farmers[f.ID]; ok || s.emailTaken(f.Correo, "") {
		return ErrDuplicate
	}
	f.FechaRegistro = time.Now().UTC()
	s.farmers[f.ID] = *f
	return nil
}

func (s *MemoryStore) GetFarmer(_ context.Context, id string) (*Farmer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.farmers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &f, nil
}

func (s *MemoryStore) ListFarmers(_ context.Context) ([]Farmer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Farmer, 0, len(s.farmers))
	for _, f := range s.farmers {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FechaRegistro.Before(out[j].FechaRegistro) })
	return out, nil
}

func (s *MemoryStore) UpdateFarmer(_ context.Context, f *Farmer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.farmers[f.ID]
	if !ok {
		return ErrNotFound
	}
	if s.emailTaken(f.Correo, f.ID) {
		return ErrDuplicate
	}
	f.FechaRegistro = cur.FechaRegistro
	s.farmers[f.ID] = *f
	return nil
}

func (s *MemoryStore) DeleteFarmer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.farmers[id]; !ok {
		return ErrNotFound
	}
	for _, h := range s.harvests {
		if h.AgricultorID == id {
			return ErrFarmerInUse
		}
	}
	delete(s.farmers, id)
	return nil
}

func (s *MemoryStore) CreateHarvest(_ context.Context, h *Harvest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.farmers[h.AgricultorID]; !ok {
		return ErrUnknownFarmer
	}
	if _, ok := s.harvests[h.ID]; ok {
		return ErrDuplicate
	}
	h.CreadoEn = time.Now().UTC()
	s.harvests[h.ID] = *h
	return nil
}

func (s *MemoryStore) GetHarvest(_ context.Context, id string) (*Harvest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.harvests[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.embedFarmer(&h)
	return &h, nil
}

// Callers hold s.mu.
func (s *MemoryStore) embedFarmer(h *Harvest) {
	if f, ok := s.farmers[h.AgricultorID]; ok {
		h.Agricultor = &FarmerSummary{Nombre: f.Nombre, Finca: f.Finca}
	}
}

func (s *MemoryStore) ListHarvests(_ context.Context) ([]Harvest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Harvest, 0, len(s.harvests))
	for _, h := range s.harvests {
		s.embedFarmer(&h)
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreadoEn.After(out[j].CreadoEn) })
	return out, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, status Status, invoiceID *string) (*Harvest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.harvests[id]
	if !ok {
		return nil, ErrNotFound
	}
	h.Estado = status
	h.FacturaID = invoiceID
	s.harvests[id] = h
	return &h, nil
}
