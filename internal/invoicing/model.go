// Package invoicing issues one invoice per harvest and correlates reservation
// outcomes with issued invoices to confirm harvests at the registry.
package invoicing

import (
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("invoice not found")
	ErrDuplicate = errors.New("invoice already issued for harvest")
)

// PaymentMethod is how an invoice was settled.
type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "efectivo"
	PaymentTransfer PaymentMethod = "transferencia"
	PaymentCheque   PaymentMethod = "cheque"
	PaymentCard     PaymentMethod = "tarjeta"
)

// HarvestDetails is the priced snapshot of the harvest an invoice bills.
type HarvestDetails struct {
	Producto          string  `json:"producto" bson:"producto"`
	Toneladas         float64 `json:"toneladas" bson:"toneladas"`
	PrecioPorTonelada float64 `json:"precio_por_tonelada" bson:"precio_por_tonelada"`
}

// Invoice bills one harvest.
type Invoice struct {
	ID              string         `json:"factura_id" bson:"factura_id"`
	CosechaID       string         `json:"cosecha_id" bson:"cosecha_id"`
	MontoTotal      float64        `json:"monto_total" bson:"monto_total"`
	Pagado          bool           `json:"pagado" bson:"pagado"`
	FechaEmision    time.Time      `json:"fecha_emision" bson:"fecha_emision"`
	MetodoPago      PaymentMethod  `json:"metodo_pago,omitempty" bson:"metodo_pago,omitempty"`
	FechaPago       *time.Time     `json:"fecha_pago" bson:"fecha_pago"`
	CodigoQR        string         `json:"codigo_qr" bson:"codigo_qr"`
	DetallesCosecha HarvestDetails `json:"detalles_cosecha" bson:"detalles_cosecha"`
}

// ListFilter selects a page of invoices, newest first.
type ListFilter struct {
	Page  int
	Limit int
	Paid  *bool
}

// Skip is the number of invoices before the requested page.
func (f ListFilter) Skip() int64 {
	return int64(f.Page-1) * int64(f.Limit)
}

// Page is one page of invoices plus the total matching the filter.
type Page struct {
	Invoices []Invoice
	Total    int64
}

// InvoiceRequest is the body of a manually issued invoice.
type InvoiceRequest struct {
	CosechaID       string         `json:"cosecha_id" validate:"required,max=64"`
	MontoTotal      float64        `json:"monto_total" validate:"gte=0"`
	DetallesCosecha HarvestDetails `json:"detalles_cosecha"`
}

// PaymentRequest is the body of the pay operation.
type PaymentRequest struct {
	MetodoPago PaymentMethod `json:"metodo_pago" validate:"omitempty,oneof=efectivo transferencia cheque tarjeta"`
}
