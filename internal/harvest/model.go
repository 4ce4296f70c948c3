// Package harvest is the harvest registry: the service of record for farmers,
// harvests and harvest status.
package harvest

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a harvest. StatusNeedsAttention is only
// set when compensation is enabled and the reservation did not succeed.
type Status string

const (
	StatusRegistered     Status = "REGISTRADA"
	StatusInvoiced       Status = "FACTURADA"
	StatusNeedsAttention Status = "REQUIERE_ATENCION"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicate       = errors.New("already exists")
	ErrUnknownFarmer   = errors.New("farmer does not exist")
	ErrFarmerInUse     = errors.New("farmer has registered harvests")
	ErrInvalidQuantity = errors.New("toneladas must not be negative")
)

// Farmer owns harvests.
type Farmer struct {
	ID            string    `json:"agricultor_id"`
	Nombre        string    `json:"nombre"`
	Finca         string    `json:"finca"`
	Ubicacion     string    `json:"ubicacion"`
	Correo        string    `json:"correo"`
	FechaRegistro time.Time `json:"fecha_registro"`
}

// FarmerSummary is the owner embedded in harvest reads.
type FarmerSummary struct {
	Nombre string `json:"nombre"`
	Finca  string `json:"finca"`
}

// Harvest is a registered produce lot. Agricultor is filled on reads only.
type Harvest struct {
	ID           string          `json:"cosecha_id"`
	AgricultorID string          `json:"agricultor_id"`
	Producto     string          `json:"producto"`
	Toneladas    decimal.Decimal `json:"toneladas"`
	Estado       Status          `json:"estado"`
	CreadoEn     time.Time       `json:"creado_en"`
	FacturaID    *string         `json:"factura_id"`
	Agricultor   *FarmerSummary  `json:"agricultor,omitempty"`
}

// FarmerInput is the writable part of a Farmer.
type FarmerInput struct {
	Nombre    string `json:"nombre" validate:"required,max=100"`
	Finca     string `json:"finca" validate:"required,max=100"`
	Ubicacion string `json:"ubicacion" validate:"required,max=100"`
	Correo    string `json:"correo" validate:"required,email,max=150"`
}

// HarvestInput is the body of a harvest registration.
type HarvestInput struct {
	AgricultorID string          `json:"agricultor_id" validate:"required,uuid"`
	Producto     string          `json:"producto" validate:"required,max=50"`
	Toneladas    decimal.Decimal `json:"toneladas"`
}

// StatusUpdate is the body of the status-update operation.
type StatusUpdate struct {
	Estado    Status  `json:"estado" validate:"required,oneof=REGISTRADA FACTURADA REQUIERE_ATENCION"`
	FacturaID *string `json:"factura_id" validate:"omitempty,uuid"`
}
