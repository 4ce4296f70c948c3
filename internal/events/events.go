// Package events holds the payloads exchanged on the cosechas exchange.
package events

import (
	"errors"
	"fmt"
)

// AdjustmentStatus is the overall outcome of an input reservation.
type AdjustmentStatus string

const (
	AdjustmentOK      AdjustmentStatus = "OK"
	AdjustmentPartial AdjustmentStatus = "PARTIAL"
	AdjustmentError   AdjustmentStatus = "ERROR"
)

// LineStatus is the outcome for a single input line.
type LineStatus string

const (
	LineOK           LineStatus = "OK"
	LineInsufficient LineStatus = "INSUFICIENTE"
	LineNotFound     LineStatus = "NO_ENCONTRADO"
)

// ErrInvalidPayload marks a payload that decoded but cannot be processed.
var ErrInvalidPayload = errors.New("invalid event payload")

// HarvestCreated is published by the registry when a harvest is recorded.
type HarvestCreated struct {
	CosechaID       string   `json:"cosecha_id"`
	Producto        string   `json:"producto"`
	Toneladas       float64  `json:"toneladas"`
	RequiereInsumos []string `json:"requiere_insumos"`
}

// Validate rejects payloads no consumer can act on.
func (e HarvestCreated) Validate() error {
	if e.CosechaID == "" {
		return fmt.Errorf("%w: missing cosecha_id", ErrInvalidPayload)
	}
	if e.Toneladas < 0 {
		return fmt.Errorf("%w: negative toneladas %v", ErrInvalidPayload, e.Toneladas)
	}
	return nil
}

// LineResult reports what happened to one required input.
type LineResult struct {
	Insumo            string     `json:"insumo"`
	CantidadUsada     *float64   `json:"cantidad_usada,omitempty"`
	StockRestante     *float64   `json:"stock_restante,omitempty"`
	CantidadRequerida *float64   `json:"cantidad_requerida,omitempty"`
	StockDisponible   *float64   `json:"stock_disponible,omitempty"`
	Status            LineStatus `json:"status"`
}

// Reserved builds the result line for a successful decrement.
func Reserved(input string, used, remaining float64) LineResult {
	return LineResult{Insumo: input, CantidadUsada: &used, StockRestante: &remaining, Status: LineOK}
}

// Insufficient builds the result line for an input without enough stock.
func Insufficient(input string, required, available float64) LineResult {
	return LineResult{Insumo: input, CantidadRequerida: &required, StockDisponible: &available, Status: LineInsufficient}
}

// NotFound builds the result line for an unknown input.
func NotFound(input string) LineResult {
	return LineResult{Insumo: input, Status: LineNotFound}
}

// InventoryAdjusted is published by the reservation processor once per harvest.
type InventoryAdjusted struct {
	CosechaID  string           `json:"cosecha_id"`
	Status     AdjustmentStatus `json:"status"`
	Resultados []LineResult     `json:"resultados"`
}

// Validate rejects payloads without a harvest id.
func (e InventoryAdjusted) Validate() error {
	if e.CosechaID == "" {
		return fmt.Errorf("%w: missing cosecha_id", ErrInvalidPayload)
	}
	return nil
}

// OK reports whether every input was reserved.
func (e InventoryAdjusted) OK() bool { return e.Status == AdjustmentOK }

// Summarize derives the overall status from the individual lines.
func Summarize(lines []LineResult) AdjustmentStatus {
	for _, l := range lines {
		if l.Status != LineOK {
			return AdjustmentPartial
		}
	}
	return AdjustmentOK
}

// HarvestNeedsAttention is the compensating event raised when a harvest
// cannot be fulfilled.
type HarvestNeedsAttention struct {
	CosechaID string           `json:"cosecha_id"`
	Status    AdjustmentStatus `json:"status"`
	Motivo    string           `json:"motivo"`
}

// Validate rejects payloads without a harvest id.
func (e HarvestNeedsAttention) Validate() error {
	if e.CosechaID == "" {
		return fmt.Errorf("%w: missing cosecha_id", ErrInvalidPayload)
	}
	return nil
}
