package reservation

import (
	"errors"
	"net/http"

	"agroflow/internal/platform/httpapi"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

const defaultLowStockLimit = 50

// Handler serves the input stock API.
type Handler struct {
	service *Service
	adapter *httpapi.Adapter
}

func NewHandler(service *Service, adapter *httpapi.Adapter) *Handler {
	return &Handler{service: service, adapter: adapter}
}

// Routes mounts /api/insumos on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/insumos", func(r chi.Router) {
		r.Get("/", h.adapter.Handle(h.list))
		r.Post("/", h.adapter.Handle(h.create))
		r.Get("/stock/bajo", h.adapter.Handle(h.lowStock))
		r.Get("/categoria/{categoria}", h.adapter.Handle(h.byCategory))
		r.Get("/{id}", h.adapter.Handle(h.get))
		r.Put("/{id}", h.adapter.Handle(h.update))
		r.Delete("/{id}", h.adapter.Handle(h.delete))
		r.Put("/{id}/stock", h.adapter.Handle(h.adjustStock))
	})
}

func inputError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return httpapi.NotFound("Insumo no encontrado")
	case errors.Is(err, ErrDuplicate):
		return httpapi.Conflict("Ya existe un insumo con ese nombre")
	case errors.Is(err, ErrInvalidQuantity):
		return httpapi.BadRequest("La cantidad no puede ser negativa")
	}
	return err
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) error {
	inputs, err := h.service.Inputs(r.Context())
	if err != nil {
		return err
	}
	return httpapi.WriteJSON(w, http.StatusOK, inputs)
}

func (h *Handler) lowStock(w http.ResponseWriter, r *http.Request) error {
	limit, err := httpapi.QueryInt(r, "limite", defaultLowStockLimit)
	if err != nil {
		return err
	}
	inputs, err := h.service.LowStock(r.Context(), decimal.NewFromInt(int64(limit)))
	if err != nil {
		return err
	}
	return httpapi.WriteJSON(w, http.StatusOK, inputs)
}

func (h *Handler) byCategory(w http.ResponseWriter, r *http.Request) error {
	inputs, err := h.service.ByCategory(r.Context(), chi.URLParam(r, "categoria"))
	if err != nil {
		return err
	}
	return httpapi.WriteJSON(w, http.StatusOK, inputs)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) error {
	in, err := h.service.Input(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return inputError(err)
	}
	return httpapi.WriteJSON(w, http.StatusOK, in)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) error {
	var req InputRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		return err
	}
	in, err := h.service.CreateInput(r.Context(), req)
	if err != nil {
		return inputError(err)
	}
	return httpapi.WriteJSON(w, http.StatusCreated, in)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) error {
	var req InputRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		return err
	}
	in, err := h.service.UpdateInput(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		return inputError(err)
	}
	return httpapi.WriteJSON(w, http.StatusOK, in)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) error {
	if err := h.service.DeleteInput(r.Context(), chi.URLParam(r, "id")); err != nil {
		return inputError(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handler) adjustStock(w http.ResponseWriter, r *http.Request) error {
	var adj StockAdjustment
	if err := httpapi.DecodeJSON(r, &adj); err != nil {
		return err
	}
	in, err := h.service.AdjustStock(r.Context(), chi.URLParam(r, "id"), adj)
	if err != nil {
		return inputError(err)
	}
	return httpapi.WriteJSON(w, http.StatusOK, in)
}
