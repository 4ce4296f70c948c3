package events

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestSummarize(t *testing.T) {
	ok := []LineResult{Reserved("a", 1, 9), Reserved("b", 2, 8)}
	if got := Summarize(ok); got != AdjustmentOK {
		t.Fatalf("all reserved = %s", got)
	}
	mixed := []LineResult{Reserved("a", 1, 9), Insufficient("b", 50, 20)}
	if got := Summarize(mixed); got != AdjustmentPartial {
		t.Fatalf("mixed = %s", got)
	}
	if got := Summarize([]LineResult{NotFound("c")}); got != AdjustmentPartial {
		t.Fatalf("not found = %s", got)
	}
}

func TestLineResultWireShape(t *testing.T) {
	raw, err := json.Marshal(Insufficient("Semilla Arroz L-23", 50, 20))
	if err != nil {
		t.Fatal(err)
	}
	s := string(raw)
	for _, want := range []string{`"cantidad_requerida":50`, `"stock_disponible":20`, `"status":"INSUFICIENTE"`} {
		if !strings.Contains(s, want) {
			t.Fatalf("%s missing %s", s, want)
		}
	}
	if strings.Contains(s, "cantidad_usada") {
		t.Fatalf("unexpected cantidad_usada in %s", s)
	}

	raw, _ = json.Marshal(NotFound("X"))
	if string(raw) != `{"insumo":"X","status":"NO_ENCONTRADO"}` {
		t.Fatalf("not found shape = %s", raw)
	}
}

func TestValidate(t *testing.T) {
	if err := (HarvestCreated{}).Validate(); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("empty harvest: %v", err)
	}
	if err := (HarvestCreated{CosechaID: "h1", Toneladas: -1}).Validate(); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("negative toneladas: %v", err)
	}
	if err := (HarvestCreated{CosechaID: "h1", Toneladas: 10}).Validate(); err != nil {
		t.Fatalf("valid harvest: %v", err)
	}
	if err := (InventoryAdjusted{}).Validate(); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("empty adjustment: %v", err)
	}
}
