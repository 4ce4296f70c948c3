package reservation

import (
	"context"
	"sort"
	"sync"
	"time"

	"agroflow/internal/events"

	"github.com/shopspring/decimal"
)

type memoryReservation struct {
	outcome  events.InventoryAdjusted
	released bool
}

// MemoryStore is a process-local Store used by the sandbox and tests. A
// reservation holds the store lock for its whole duration.
type MemoryStore struct {
	mu           sync.Mutex
	inputs       map[string]*Input
	reservations map[string]*memoryReservation
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		inputs:       make(map[string]*Input),
		reservations: make(map[string]*memoryReservation),
	}
}

func (s *MemoryStore) byName(name string) *Input {
	for _, in := range s.inputs {
		if in.Nombre == name {
			return in
		}
	}
	return nil
}

type undo struct {
	input *Input
	qty   decimal.Decimal
}

type memoryDecrementer struct {
	store *MemoryStore
	undos []undo
}

func (d *memoryDecrementer) Decrement(_ context.Context, input string, qty decimal.Decimal) (decimal.Decimal, error) {
	in := d.store.byName(input)
	if in == nil {
		return decimal.Zero, ErrNotFound
	}
	if in.Stock.LessThan(qty) {
		return decimal.Zero, &InsufficientStockError{Input: input, Required: qty, Available: in.Stock}
	}
	in.Stock = in.Stock.Sub(qty)
	in.UltimaActualizacion = time.Now().UTC()
	d.undos = append(d.undos, undo{input: in, qty: qty})
	return in.Stock, nil
}

func (d *memoryDecrementer) rollback() {
	for i := len(d.undos) - 1; i >= 0; i-- {
		d.undos[i].input.Stock = d.undos[i].input.Stock.Add(d.undos[i].qty)
	}
}

func (s *MemoryStore) Reserve(ctx context.Context, harvestID string, fn ReserveFunc) (events.InventoryAdjusted, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.reservations[harvestID]; ok {
		return r.outcome, true, nil
	}

	d := &memoryDecrementer{store: s}
	outcome, err := fn(ctx, d)
	if err != nil {
		d.rollback()
		return events.InventoryAdjusted{}, false, err
	}
	s.reservations[harvestID] = &memoryReservation{outcome: outcome}
	return outcome, false, nil
}

func (s *MemoryStore) Release(_ context.Context, harvestID string) ([]events.LineResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[harvestID]
	if !ok {
		s.reservations[harvestID] = &memoryReservation{
			outcome:  events.InventoryAdjusted{CosechaID: harvestID, Status: events.AdjustmentError, Resultados: []events.LineResult{}},
			released: true,
		}
		return nil, true, nil
	}
	if r.released {
		return nil, false, nil
	}

	lines := releasable(r.outcome)
	for _, l := range lines {
		if in := s.byName(l.Insumo); in != nil {
			in.Stock = in.Stock.Add(decimal.NewFromFloat(*l.CantidadUsada))
			in.UltimaActualizacion = time.Now().UTC()
		}
	}
	r.released = true
	return lines, true, nil
}

func (s *MemoryStore) collect(keep func(*Input) bool, less func(a, b Input) bool) []Input {
	out := []Input{}
	for _, in := range s.inputs {
		if keep(in) {
			out = append(out, *in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func (s *MemoryStore) ListInputs(_ context.Context) ([]Input, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(func(*Input) bool { return true }, func(a, b Input) bool {
		if a.Categoria != b.Categoria {
			return a.Categoria < b.Categoria
		}
		return a.Nombre < b.Nombre
	}), nil
}

func (s *MemoryStore) LowStock(_ context.Context, limit decimal.Decimal) ([]Input, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(
		func(in *Input) bool { return in.Stock.LessThan(limit) },
		func(a, b Input) bool { return a.Stock.LessThan(b.Stock) },
	), nil
}

func (s *MemoryStore) ByCategory(_ context.Context, category string) ([]Input, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(
		func(in *Input) bool { return in.Categoria == category },
		func(a, b Input) bool { return a.Nombre < b.Nombre },
	), nil
}

func (s *MemoryStore) GetInput(_ context.Context, id string) (*Input, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.inputs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *in
	return &cp, nil
}

func (s *MemoryStore) CreateInput(_ context.Context, in *Input) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inputs[in.ID]; ok || s.byName(in.Nombre) != nil {
		return ErrDuplicate
	}
	in.UltimaActualizacion = time.Now().UTC()
	cp := *in
	s.inputs[in.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateInput(_ context.Context, in *Input) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.inputs[in.ID]
	if !ok {
		return ErrNotFound
	}
	if other := s.byName(in.Nombre); other != nil && other.ID != in.ID {
		return ErrDuplicate
	}
	in.UltimaActualizacion = time.Now().UTC()
	*cur = *in
	return nil
}

func (s *MemoryStore) DeleteInput(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inputs[id]; !ok {
		return ErrNotFound
	}
	delete(s.inputs, id)
	return nil
}

func (s *MemoryStore) AdjustStock(_ context.Context, id string, adj StockAdjustment) (*Input, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.inputs[id]
	if !ok {
		return nil, ErrNotFound
	}
	in.Stock = adj.Apply(in.Stock)
	in.UltimaActualizacion = time.Now().UTC()
	cp := *in
	return &cp, nil
}
