package reservation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"agroflow/internal/events"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap/zaptest"
)

func newTestService(t *testing.T, store Store) *Service {
	t.Helper()
	svc, err := NewService(store, zaptest.NewLogger(t), otel.Tracer("test"), otel.Meter("test"))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func seed(t *testing.T, store *MemoryStore, stock map[string]int64) map[string]string {
	t.Helper()
	ids := make(map[string]string, len(stock))
	for name, qty := range stock {
		in := &Input{ID: fmt.Sprintf("id-%s", name), Nombre: name, Stock: decimal.NewFromInt(qty), UnidadMedida: "kg", Categoria: "general"}
		if err := store.CreateInput(context.Background(), in); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
		ids[name] = in.ID
	}
	return ids
}

func stockOf(t *testing.T, store *MemoryStore, id string) decimal.Decimal {
	t.Helper()
	in, err := store.GetInput(context.Background(), id)
	if err != nil {
		t.Fatalf("GetInput %s: %v", id, err)
	}
	return in.Stock
}

func line(t *testing.T, outcome events.InventoryAdjusted, input string) events.LineResult {
	t.Helper()
	for _, l := range outcome.Resultados {
		if l.Insumo == input {
			return l
		}
	}
	t.Fatalf("no line for %s in %+v", input, outcome.Resultados)
	return events.LineResult{}
}

func TestReserveFormulas(t *testing.T) {
	cases := []struct {
		name     string
		product  string
		tonnes   float64
		expected map[string]float64
	}{
		{"rice", "Arroz", 10, map[string]float64{"Semilla Arroz L-23": 50, "Fertilizante N-PK": 20}},
		{"coffee", "Café", 4, map[string]float64{"Semilla Café Premium": 12, "Fertilizante Orgánico": 8}},
		{"unknown product", "Cacao", 3.5, map[string]float64{"Fertilizante N-PK": 7}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := NewMemoryStore()
			ids := seed(t, store, map[string]int64{
				"Semilla Arroz L-23":    1000,
				"Fertilizante N-PK":     1000,
				"Semilla Café Premium":  1000,
				"Fertilizante Orgánico": 1000,
			})
			svc := newTestService(t, store)

			outcome, err := svc.Reserve(context.Background(), events.HarvestCreated{CosechaID: "h1", Producto: tc.product, Toneladas: tc.tonnes})
			if err != nil {
				t.Fatalf("Reserve: %v", err)
			}
			if outcome.Status != events.AdjustmentOK || len(outcome.Resultados) != len(tc.expected) {
				t.Fatalf("outcome = %+v", outcome)
			}
			for input, used := range tc.expected {
				l := line(t, outcome, input)
				if l.Status != events.LineOK || *l.CantidadUsada != used || *l.StockRestante != 1000-used {
					t.Fatalf("%s line = %+v", input, l)
				}
				want := decimal.NewFromInt(1000).Sub(decimal.NewFromFloat(used))
				if got := stockOf(t, store, ids[input]); !got.Equal(want) {
					t.Fatalf("%s stock = %s, want %s", input, got, want)
				}
			}
		})
	}
}

func TestReserveKeepsFormulaOrder(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, map[string]int64{"Semilla Arroz L-23": 100, "Fertilizante N-PK": 100})
	svc := newTestService(t, store)

	outcome, err := svc.Reserve(context.Background(), events.HarvestCreated{CosechaID: "h1", Producto: "Arroz Oro", Toneladas: 1})
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Resultados[0].Insumo != "Semilla Arroz L-23" || outcome.Resultados[1].Insumo != "Fertilizante N-PK" {
		t.Fatalf("order = %+v", outcome.Resultados)
	}
}

func TestReservePartial(t *testing.T) {
	store := NewMemoryStore()
	ids := seed(t, store, map[string]int64{"Semilla Arroz L-23": 20, "Fertilizante N-PK": 100})
	svc := newTestService(t, store)

	outcome, err := svc.Reserve(context.Background(), events.HarvestCreated{CosechaID: "h1", Producto: "Arroz", Toneladas: 10})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if outcome.Status != events.AdjustmentPartial {
		t.Fatalf("status = %s", outcome.Status)
	}
	seedLine := line(t, outcome, "Semilla Arroz L-23")
	if seedLine.Status != events.LineInsufficient || *seedLine.CantidadRequerida != 50 || *seedLine.StockDisponible != 20 {
		t.Fatalf("seed line = %+v", seedLine)
	}
	if got := stockOf(t, store, ids["Semilla Arroz L-23"]); !got.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("refused input stock changed to %s", got)
	}
	if got := stockOf(t, store, ids["Fertilizante N-PK"]); !got.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("reserved input stock = %s, want 80", got)
	}
}

func TestReserveUnknownInput(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, map[string]int64{"Semilla Café Premium": 100})
	svc := newTestService(t, store)

	outcome, err := svc.Reserve(context.Background(), events.HarvestCreated{CosechaID: "h1", Producto: "Café", Toneladas: 1})
	if err != nil {
		t.Fatal(err)
	}
	missing := line(t, outcome, "Fertilizante Orgánico")
	if outcome.Status != events.AdjustmentPartial || missing.Status != events.LineNotFound || missing.CantidadRequerida != nil {
		t.Fatalf("outcome = %+v", outcome)
	}
}

func TestReserveReplaysStoredOutcome(t *testing.T) {
	store := NewMemoryStore()
	ids := seed(t, store, map[string]int64{"Semilla Arroz L-23": 100, "Fertilizante N-PK": 100})
	svc := newTestService(t, store)
	event := events.HarvestCreated{CosechaID: "h1", Producto: "Arroz", Toneladas: 10}

	first, err := svc.Reserve(context.Background(), event)
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Reserve(context.Background(), event)
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != first.Status || len(second.Resultados) != len(first.Resultados) {
		t.Fatalf("replayed = %+v, first = %+v", second, first)
	}
	if got := stockOf(t, store, ids["Semilla Arroz L-23"]); !got.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("stock after replay = %s, want 50", got)
	}
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	store := NewMemoryStore()
	ids := seed(t, store, map[string]int64{"Fertilizante N-PK": 100})
	svc := newTestService(t, store)

	const harvests = 25
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reserved int
	)
	for i := 0; i < harvests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, err := svc.Reserve(context.Background(), events.HarvestCreated{
				CosechaID: fmt.Sprintf("h%d", i),
				Producto:  "Maíz",
				Toneladas: 5,
			})
			if err != nil {
				t.Errorf("Reserve h%d: %v", i, err)
				return
			}
			if outcome.OK() {
				mu.Lock()
				reserved++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if reserved != 10 {
		t.Fatalf("reserved %d harvests, want 10", reserved)
	}
	if got := stockOf(t, store, ids["Fertilizante N-PK"]); !got.IsZero() {
		t.Fatalf("stock = %s, want 0", got)
	}
}

type flakyDecrementer struct {
	Decrementer
	failOn string
}

func (d flakyDecrementer) Decrement(ctx context.Context, input string, qty decimal.Decimal) (decimal.Decimal, error) {
	if input == d.failOn {
		return decimal.Zero, errors.New("connection reset by peer")
	}
	return d.Decrementer.Decrement(ctx, input, qty)
}

// flakyStore fails the decrement of one input mid-reservation.
type flakyStore struct {
	*MemoryStore
	failOn string
}

func (s flakyStore) Reserve(ctx context.Context, harvestID string, fn ReserveFunc) (events.InventoryAdjusted, bool, error) {
	return s.MemoryStore.Reserve(ctx, harvestID, func(ctx context.Context, d Decrementer) (events.InventoryAdjusted, error) {
		return fn(ctx, flakyDecrementer{Decrementer: d, failOn: s.failOn})
	})
}

func TestReserveStorageFailureRollsBack(t *testing.T) {
	mem := NewMemoryStore()
	ids := seed(t, mem, map[string]int64{"Semilla Arroz L-23": 100, "Fertilizante N-PK": 100})
	svc := newTestService(t, flakyStore{MemoryStore: mem, failOn: "Semilla Arroz L-23"})

	outcome, err := svc.Reserve(context.Background(), events.HarvestCreated{CosechaID: "h1", Producto: "Arroz", Toneladas: 10})
	if err == nil {
		t.Fatal("expected storage error")
	}
	if outcome.Status != events.AdjustmentError || outcome.Resultados == nil || len(outcome.Resultados) != 0 {
		t.Fatalf("outcome = %+v", outcome)
	}
	if got := stockOf(t, mem, ids["Fertilizante N-PK"]); !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("stock = %s, want rollback to 100", got)
	}

	// Nothing was claimed, so a later delivery reserves normally.
	retry := newTestService(t, mem)
	outcome, err = retry.Reserve(context.Background(), events.HarvestCreated{CosechaID: "h1", Producto: "Arroz", Toneladas: 10})
	if err != nil || !outcome.OK() {
		t.Fatalf("retry = %+v, %v", outcome, err)
	}
}

func TestReleaseReturnsStockOnce(t *testing.T) {
	store := NewMemoryStore()
	ids := seed(t, store, map[string]int64{"Semilla Arroz L-23": 20, "Fertilizante N-PK": 100})
	svc := newTestService(t, store)
	ctx := context.Background()

	if _, err := svc.Reserve(ctx, events.HarvestCreated{CosechaID: "h1", Producto: "Arroz", Toneladas: 10}); err != nil {
		t.Fatal(err)
	}
	notice := events.HarvestNeedsAttention{CosechaID: "h1", Status: events.AdjustmentPartial, Motivo: "stock insuficiente"}
	for i := 0; i < 2; i++ {
		if err := svc.Release(ctx, notice); err != nil {
			t.Fatalf("Release #%d: %v", i, err)
		}
	}
	if got := stockOf(t, store, ids["Fertilizante N-PK"]); !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("N-PK stock = %s, want 100", got)
	}
	if got := stockOf(t, store, ids["Semilla Arroz L-23"]); !got.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("seed stock = %s, want 20", got)
	}
}

func TestReleaseBeforeReservationBlocksIt(t *testing.T) {
	store := NewMemoryStore()
	ids := seed(t, store, map[string]int64{"Fertilizante N-PK": 100})
	svc := newTestService(t, store)
	ctx := context.Background()

	if err := svc.Release(ctx, events.HarvestNeedsAttention{CosechaID: "h9", Status: events.AdjustmentError}); err != nil {
		t.Fatal(err)
	}
	outcome, err := svc.Reserve(ctx, events.HarvestCreated{CosechaID: "h9", Producto: "Maíz", Toneladas: 1})
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Status != events.AdjustmentError {
		t.Fatalf("status = %s", outcome.Status)
	}
	if got := stockOf(t, store, ids["Fertilizante N-PK"]); !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("stock = %s", got)
	}
}

func TestStockAdjustment(t *testing.T) {
	cases := []struct {
		op   Operation
		qty  int64
		want int64
	}{
		{OperationAdd, 30, 130},
		{OperationSubtract, 30, 70},
		{OperationSubtract, 300, 0},
		{OperationSet, 5, 5},
		{"", 7, 7},
	}
	for _, tc := range cases {
		got := StockAdjustment{Cantidad: decimal.NewFromInt(tc.qty), Operacion: tc.op}.Apply(decimal.NewFromInt(100))
		if !got.Equal(decimal.NewFromInt(tc.want)) {
			t.Errorf("%q %d: got %s, want %d", tc.op, tc.qty, got, tc.want)
		}
	}
}
