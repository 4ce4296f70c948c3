package reservation

import (
	"context"
	"sync"
	"testing"
	"time"

	"agroflow/internal/config"
	"agroflow/internal/events"
	"agroflow/internal/platform/bus"

	"go.uber.org/zap/zaptest"
)

type harness struct {
	bus      *bus.Memory
	mu       sync.Mutex
	outcomes []events.InventoryAdjusted
}

func (h *harness) results() []events.InventoryAdjusted {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]events.InventoryAdjusted(nil), h.outcomes...)
}

func startConsumer(t *testing.T, store Store, compensation bool) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{bus: bus.NewMemory(logger)}
	consumer := NewConsumer(newTestService(t, store), h.bus, logger, compensation)

	capture := bus.Binding{Queue: "capture", RoutingKeys: []string{config.InventoryAdjusted}}
	h.bus.Declare(capture)
	h.bus.Declare(consumer.Binding())

	go func() { _ = h.bus.Subscribe(ctx, consumer.Binding(), consumer.Handle) }()
	go func() {
		_ = h.bus.Subscribe(ctx, capture, func(ctx context.Context, env bus.Envelope) error {
			var e events.InventoryAdjusted
			if err := env.Decode(&e); err != nil {
				return err
			}
			h.mu.Lock()
			h.outcomes = append(h.outcomes, e)
			h.mu.Unlock()
			return nil
		})
	}()
	return h
}

func (h *harness) publishAndWait(t *testing.T, routingKey string, payload any) {
	t.Helper()
	if err := h.bus.Publish(context.Background(), routingKey, payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.bus.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
}

func TestConsumerPublishesOutcome(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, map[string]int64{"Semilla Arroz L-23": 100, "Fertilizante N-PK": 100})
	h := startConsumer(t, store, false)

	h.publishAndWait(t, config.HarvestCreated, events.HarvestCreated{CosechaID: "h1", Producto: "Arroz", Toneladas: 10})

	got := h.results()
	if len(got) != 1 || got[0].CosechaID != "h1" || !got[0].OK() {
		t.Fatalf("outcomes = %+v", got)
	}
}

func TestConsumerRedeliveryRepublishesSameOutcome(t *testing.T) {
	store := NewMemoryStore()
	ids := seed(t, store, map[string]int64{"Semilla Arroz L-23": 100, "Fertilizante N-PK": 100})
	h := startConsumer(t, store, false)

	event := events.HarvestCreated{CosechaID: "h1", Producto: "Arroz", Toneladas: 10}
	h.publishAndWait(t, config.HarvestCreated, event)
	h.publishAndWait(t, config.HarvestCreated, event)

	got := h.results()
	if len(got) != 2 || got[0].Status != got[1].Status {
		t.Fatalf("outcomes = %+v", got)
	}
	if s := stockOf(t, store, ids["Semilla Arroz L-23"]); s.String() != "50" {
		t.Fatalf("stock = %s, want 50", s)
	}
}

func TestConsumerStorageFailurePublishesErrorAndDeadLetters(t *testing.T) {
	mem := NewMemoryStore()
	seed(t, mem, map[string]int64{"Semilla Arroz L-23": 100, "Fertilizante N-PK": 100})
	h := startConsumer(t, flakyStore{MemoryStore: mem, failOn: "Fertilizante N-PK"}, false)

	h.publishAndWait(t, config.HarvestCreated, events.HarvestCreated{CosechaID: "h1", Producto: "Arroz", Toneladas: 10})

	got := h.results()
	if len(got) != 1 || got[0].Status != events.AdjustmentError || len(got[0].Resultados) != 0 {
		t.Fatalf("outcomes = %+v", got)
	}
	if dead := h.bus.DeadLetters(config.InventoryQueue); len(dead) != 1 {
		t.Fatalf("dead letters = %d", len(dead))
	}
}

func TestConsumerRejectsInvalidPayload(t *testing.T) {
	h := startConsumer(t, NewMemoryStore(), false)

	h.publishAndWait(t, config.HarvestCreated, map[string]any{"producto": "Arroz"})

	if len(h.results()) != 0 {
		t.Fatal("no outcome may be published for an invalid payload")
	}
	if dead := h.bus.DeadLetters(config.InventoryQueue); len(dead) != 1 {
		t.Fatalf("dead letters = %d", len(dead))
	}
}

func TestConsumerCompensationBinding(t *testing.T) {
	store := NewMemoryStore()
	ids := seed(t, store, map[string]int64{"Semilla Arroz L-23": 20, "Fertilizante N-PK": 100})
	h := startConsumer(t, store, true)

	h.publishAndWait(t, config.HarvestCreated, events.HarvestCreated{CosechaID: "h1", Producto: "Arroz", Toneladas: 10})
	if s := stockOf(t, store, ids["Fertilizante N-PK"]); s.String() != "80" {
		t.Fatalf("stock after reservation = %s", s)
	}

	h.publishAndWait(t, config.HarvestNeedsAttention, events.HarvestNeedsAttention{CosechaID: "h1", Status: events.AdjustmentPartial, Motivo: "stock insuficiente"})
	if s := stockOf(t, store, ids["Fertilizante N-PK"]); s.String() != "100" {
		t.Fatalf("stock after release = %s", s)
	}

	without := NewConsumer(nil, nil, zaptest.NewLogger(t), false).Binding()
	for _, key := range without.RoutingKeys {
		if key == config.HarvestNeedsAttention {
			t.Fatal("needs-attention must only be bound with compensation enabled")
		}
	}
}
