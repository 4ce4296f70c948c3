// Package reservation is the input reservation processor: it owns input
// stock and turns every harvest into a set of atomic stock decrements.
package reservation

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("input not found")
	ErrDuplicate         = errors.New("input already exists")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("quantity must not be negative")
)

// InsufficientStockError reports a decrement refused for lack of stock.
type InsufficientStockError struct {
	Input     string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("%s: required %s, available %s", e.Input, e.Required, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// Input is a stocked agricultural input.
type Input struct {
	ID                  string          `json:"insumo_id"`
	Nombre              string          `json:"nombre_insumo"`
	Stock               decimal.Decimal `json:"stock"`
	UnidadMedida        string          `json:"unidad_medida"`
	Categoria           string          `json:"categoria"`
	UltimaActualizacion time.Time       `json:"ultima_actualizacion"`
}

// InputRequest is the writable part of an Input.
type InputRequest struct {
	Nombre       string          `json:"nombre_insumo" validate:"required,max=100"`
	Stock        decimal.Decimal `json:"stock"`
	UnidadMedida string          `json:"unidad_medida" validate:"omitempty,max=10"`
	Categoria    string          `json:"categoria" validate:"required,max=30"`
}

// Operation is a manual stock adjustment.
type Operation string

const (
	OperationAdd      Operation = "sumar"
	OperationSubtract Operation = "restar"
	OperationSet      Operation = "establecer"
)

// StockAdjustment is the body of a manual stock change.
type StockAdjustment struct {
	Cantidad  decimal.Decimal `json:"cantidad"`
	Operacion Operation       `json:"operacion" validate:"omitempty,oneof=sumar restar establecer"`
}

// Apply returns the stock after the adjustment. Subtraction clamps at zero;
// an empty operation sets the stock.
func (a StockAdjustment) Apply(current decimal.Decimal) decimal.Decimal {
	switch a.Operacion {
	case OperationAdd:
		return current.Add(a.Cantidad)
	case OperationSubtract:
		next := current.Sub(a.Cantidad)
		if next.IsNegative() {
			return decimal.Zero
		}
		return next
	default:
		return a.Cantidad
	}
}

const defaultUnit = "kg"
