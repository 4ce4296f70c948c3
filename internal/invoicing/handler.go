package invoicing

import (
	"errors"
	"math"
	"net/http"
	"time"

	"agroflow/internal/catalog"
	"agroflow/internal/platform/httpapi"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultPage  = 1
	defaultLimit = 10
	maxLimit     = 100
)

// Handler serves the invoice API.
type Handler struct {
	store   Store
	adapter *httpapi.Adapter
	now     func() time.Time
}

func NewHandler(store Store, adapter *httpapi.Adapter) *Handler {
	return &Handler{store: store, adapter: adapter, now: func() time.Time { return time.Now().UTC() }}
}

// Routes mounts /api/facturas on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/facturas", func(r chi.Router) {
		r.Get("/", h.adapter.Handle(h.list))
		r.Post("/", h.adapter.Handle(h.create))
		r.Get("/cosecha/{cosecha_id}", h.adapter.Handle(h.byHarvest))
		r.Get("/{id}", h.adapter.Handle(h.get))
		r.Put("/{id}/pagar", h.adapter.Handle(h.pay))
		r.Delete("/{id}", h.adapter.Handle(h.delete))
	})
}

type pagination struct {
	Total        int64 `json:"total"`
	Pagina       int   `json:"pagina"`
	Limite       int   `json:"limite"`
	TotalPaginas int64 `json:"total_paginas"`
}

type listResponse struct {
	Facturas   []Invoice  `json:"facturas"`
	Paginacion pagination `json:"paginacion"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) error {
	page, err := httpapi.QueryInt(r, "pagina", defaultPage)
	if err != nil {
		return err
	}
	limit, err := httpapi.QueryInt(r, "limite", defaultLimit)
	if err != nil {
		return err
	}
	if page < 1 || limit < 1 || limit > maxLimit || page > math.MaxInt32/limit {
		return httpapi.BadRequest("pagina debe ser >= 1 y limite entre 1 y 100")
	}

	filter := ListFilter{Page: page, Limit: limit}
	if raw := r.URL.Query().Get("pagado"); raw != "" {
		paid := raw == "true"
		filter.Paid = &paid
	}

	result, err := h.store.List(r.Context(), filter)
	if err != nil {
		return err
	}
	return httpapi.WriteJSON(w, http.StatusOK, listResponse{
		Facturas: result.Invoices,
		Paginacion: pagination{
			Total:        result.Total,
			Pagina:       page,
			Limite:       limit,
			TotalPaginas: (result.Total + int64(limit) - 1) / int64(limit),
		},
	})
}

func invoiceError(err error, message string) error {
	if errors.Is(err, ErrNotFound) {
		return httpapi.NotFound(message)
	}
	return err
}

// create issues an invoice outside the saga, for back-office corrections.
func (h *Handler) create(w http.ResponseWriter, r *http.Request) error {
	var req InvoiceRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		return err
	}
	inv := &Invoice{
		ID:              uuid.NewString(),
		CosechaID:       req.CosechaID,
		MontoTotal:      req.MontoTotal,
		FechaEmision:    h.now(),
		CodigoQR:        catalog.ReferenceToken(req.CosechaID, decimal.NewFromFloat(req.MontoTotal)),
		DetallesCosecha: req.DetallesCosecha,
	}
	err := h.store.Create(r.Context(), inv)
	if errors.Is(err, ErrDuplicate) {
		return httpapi.Conflict("Ya existe una factura para esta cosecha")
	}
	if err != nil {
		return err
	}
	return httpapi.WriteJSON(w, http.StatusCreated, inv)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) error {
	inv, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return invoiceError(err, "Factura no encontrada")
	}
	return httpapi.WriteJSON(w, http.StatusOK, inv)
}

func (h *Handler) byHarvest(w http.ResponseWriter, r *http.Request) error {
	inv, err := h.store.FindByHarvest(r.Context(), chi.URLParam(r, "cosecha_id"))
	if err != nil {
		return invoiceError(err, "Factura no encontrada para esta cosecha")
	}
	return httpapi.WriteJSON(w, http.StatusOK, inv)
}

func (h *Handler) pay(w http.ResponseWriter, r *http.Request) error {
	var req PaymentRequest
	if r.ContentLength != 0 {
		if err := httpapi.DecodeJSON(r, &req); err != nil {
			return err
		}
	}
	if req.MetodoPago == "" {
		req.MetodoPago = PaymentCash
	}

	inv, err := h.store.MarkPaid(r.Context(), chi.URLParam(r, "id"), req.MetodoPago, h.now())
	if err != nil {
		return invoiceError(err, "Factura no encontrada")
	}
	return httpapi.WriteJSON(w, http.StatusOK, inv)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) error {
	if err := h.store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		return invoiceError(err, "Factura no encontrada")
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
