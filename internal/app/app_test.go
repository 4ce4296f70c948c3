package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"agroflow/internal/config"
	"agroflow/internal/harvest"
	"agroflow/internal/invoicing"
	"agroflow/internal/platform/bus"
	"agroflow/internal/platform/httpapi"
	"agroflow/internal/platform/scheduler"
	"agroflow/internal/reservation"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap/zaptest"
)

type harness struct {
	sandbox   *Sandbox
	bus       *bus.Memory
	scheduler *scheduler.Scheduler
}

func testConfig() *config.Config {
	return &config.Config{
		ServiceName:             config.SandboxService,
		BusDriver:               config.DriverMemory,
		RegistryTimeout:         time.Second,
		RegistryRetryDelay:      5 * time.Millisecond,
		InvoiceLookupRetryDelay: 5 * time.Millisecond,
		ShutdownTimeout:         time.Second,
	}
}

func startSandbox(t *testing.T, cfg *config.Config, stock []reservation.InputRequest) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	memory := bus.NewMemory(logger)
	sched := scheduler.New(context.Background())

	factory := &ServiceFactory{
		config:    cfg,
		logger:    logger,
		tracer:    otel.Tracer("test"),
		meter:     otel.Meter("test"),
		bus:       memory,
		scheduler: sched,
	}
	sandbox, err := factory.CreateSandbox(context.Background(), stock)
	if err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, len(sandbox.Component.Consumers))
	for _, c := range sandbox.Component.Consumers {
		memory.Declare(c.Binding())
		go func() {
			defer func() { done <- struct{}{} }()
			if err := memory.Subscribe(ctx, c.Binding(), c.Handle); err != nil {
				t.Errorf("Subscribe %s: %v", c.Binding().Queue, err)
			}
		}()
	}
	t.Cleanup(func() {
		cancel()
		for range sandbox.Component.Consumers {
			<-done
		}
		_ = sched.Stop(context.Background())
	})
	return &harness{sandbox: sandbox, bus: memory, scheduler: sched}
}

// settle waits until every event chain and scheduled retry has run.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		if err := h.bus.WaitIdle(ctx); err != nil {
			t.Fatalf("WaitIdle: %v", err)
		}
		h.scheduler.Wait()
	}
}

func (h *harness) registerHarvest(t *testing.T, product string, tonnes int64) *harvest.Harvest {
	t.Helper()
	ctx := context.Background()
	farmer, err := h.sandbox.Harvests.RegisterFarmer(ctx, harvest.FarmerInput{
		Nombre: "Rosa Quispe", Finca: "El Alto", Ubicacion: "Cusco", Correo: "rosa.quispe@example.com",
	})
	if err != nil {
		t.Fatalf("RegisterFarmer: %v", err)
	}
	created, err := h.sandbox.Harvests.RegisterHarvest(ctx, harvest.HarvestInput{
		AgricultorID: farmer.ID, Producto: product, Toneladas: decimal.NewFromInt(tonnes),
	})
	if err != nil {
		t.Fatalf("RegisterHarvest: %v", err)
	}
	return created
}

func (h *harness) stock(t *testing.T, name string) decimal.Decimal {
	t.Helper()
	inputs, err := h.sandbox.Inventory.Inputs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, in := range inputs {
		if in.Nombre == name {
			return in.Stock
		}
	}
	t.Fatalf("no input %s", name)
	return decimal.Zero
}

func stockOf(semilla, npk int64) []reservation.InputRequest {
	return []reservation.InputRequest{
		{Nombre: "Semilla Arroz L-23", Stock: decimal.NewFromInt(semilla), Categoria: "semillas"},
		{Nombre: "Fertilizante N-PK", Stock: decimal.NewFromInt(npk), Categoria: "fertilizantes"},
	}
}

func TestHarvestConvergesToInvoiced(t *testing.T) {
	h := startSandbox(t, testConfig(), stockOf(1000, 1000))
	created := h.registerHarvest(t, "Arroz", 10)
	h.settle(t)

	got, err := h.sandbox.Harvests.Harvest(context.Background(), created.ID)
	if err != nil {
		t.Fatal(err)
	}
	inv, err := h.sandbox.Invoices.FindByHarvest(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("FindByHarvest: %v", err)
	}
	if got.Estado != harvest.StatusInvoiced {
		t.Fatalf("estado = %s", got.Estado)
	}
	if got.FacturaID == nil || *got.FacturaID != inv.ID {
		t.Fatalf("factura_id = %v, invoice %s", got.FacturaID, inv.ID)
	}
	if inv.MontoTotal != 1200 {
		t.Fatalf("monto_total = %v", inv.MontoTotal)
	}
	if s := h.stock(t, "Semilla Arroz L-23"); !s.Equal(decimal.NewFromInt(950)) {
		t.Fatalf("semilla stock = %s", s)
	}
	if s := h.stock(t, "Fertilizante N-PK"); !s.Equal(decimal.NewFromInt(980)) {
		t.Fatalf("N-PK stock = %s", s)
	}
}

func TestPartialReservationLeavesHarvestRegistered(t *testing.T) {
	h := startSandbox(t, testConfig(), stockOf(20, 1000))
	created := h.registerHarvest(t, "Arroz", 10)
	h.settle(t)

	got, err := h.sandbox.Harvests.Harvest(context.Background(), created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Estado != harvest.StatusRegistered || got.FacturaID != nil {
		t.Fatalf("harvest = %+v", got)
	}
	// The invoice is issued regardless of the reservation outcome.
	if _, err := h.sandbox.Invoices.FindByHarvest(context.Background(), created.ID); err != nil {
		t.Fatalf("FindByHarvest: %v", err)
	}
	if s := h.stock(t, "Semilla Arroz L-23"); !s.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("semilla stock = %s", s)
	}
	if s := h.stock(t, "Fertilizante N-PK"); !s.Equal(decimal.NewFromInt(980)) {
		t.Fatalf("N-PK stock = %s", s)
	}
}

func TestCompensationReleasesStockAndFlagsHarvest(t *testing.T) {
	cfg := testConfig()
	cfg.CompensationEnabled = true
	h := startSandbox(t, cfg, stockOf(20, 1000))
	created := h.registerHarvest(t, "Arroz", 10)
	h.settle(t)

	got, err := h.sandbox.Harvests.Harvest(context.Background(), created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Estado != harvest.StatusNeedsAttention {
		t.Fatalf("estado = %s", got.Estado)
	}
	if s := h.stock(t, "Fertilizante N-PK"); !s.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("N-PK stock after release = %s", s)
	}
	if dead := h.bus.DeadLetters(config.InventoryQueue); len(dead) != 0 {
		t.Fatalf("dead letters = %+v", dead)
	}
}

func TestMissingInputsLeaveHarvestRegistered(t *testing.T) {
	h := startSandbox(t, testConfig(), stockOf(1000, 1000))
	created := h.registerHarvest(t, "Café", 2)
	h.settle(t)

	got, err := h.sandbox.Harvests.Harvest(context.Background(), created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Estado != harvest.StatusRegistered {
		t.Fatalf("estado = %s", got.Estado)
	}
	if _, err := h.sandbox.Invoices.FindByHarvest(context.Background(), created.ID); err != nil {
		t.Fatalf("FindByHarvest: %v", err)
	}
	if s := h.stock(t, "Fertilizante N-PK"); !s.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("N-PK stock = %s", s)
	}
}

func TestSandboxOverHTTP(t *testing.T) {
	router := httpapi.NewRouter(config.SandboxService)
	srv := httptest.NewServer(router)
	defer srv.Close()

	cfg := testConfig()
	cfg.RegistryURL = srv.URL
	h := startSandbox(t, cfg, SandboxStock)
	for _, routes := range h.sandbox.Component.Routes {
		routes(router)
	}

	call := func(method, path, body string, want int, out any) {
		t.Helper()
		req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("%s %s = %d, want %d", method, path, resp.StatusCode, want)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				t.Fatal(err)
			}
		}
	}

	var farmer harvest.Farmer
	call(http.MethodPost, "/api/agricultores",
		`{"nombre":"Rosa Quispe","finca":"El Alto","ubicacion":"Cusco","correo":"rosa@example.com"}`,
		http.StatusCreated, &farmer)

	var created harvest.Harvest
	call(http.MethodPost, "/api/cosechas",
		`{"agricultor_id":"`+farmer.ID+`","producto":"Café Premium","toneladas":2}`,
		http.StatusCreated, &created)

	h.settle(t)

	var inv invoicing.Invoice
	call(http.MethodGet, "/api/facturas/cosecha/"+created.ID, "", http.StatusOK, &inv)
	if inv.MontoTotal != 600 {
		t.Fatalf("monto_total = %v", inv.MontoTotal)
	}

	var got harvest.Harvest
	call(http.MethodGet, "/api/cosechas/"+created.ID, "", http.StatusOK, &got)
	if got.Estado != harvest.StatusInvoiced || got.FacturaID == nil || *got.FacturaID != inv.ID {
		t.Fatalf("harvest = %+v", got)
	}

	var inputs []reservation.Input
	call(http.MethodGet, "/api/insumos/categoria/semillas", "", http.StatusOK, &inputs)
	for _, in := range inputs {
		if in.Nombre == "Semilla Café Premium" && !in.Stock.Equal(decimal.NewFromInt(494)) {
			t.Fatalf("café seed stock = %s", in.Stock)
		}
	}
}
