package harvest

import (
	"errors"
	"net/http"

	"agroflow/internal/platform/httpapi"

	"github.com/go-chi/chi/v5"
)

// Handler serves the registry API.
type Handler struct {
	service *Service
	adapter *httpapi.Adapter
}

func NewHandler(service *Service, adapter *httpapi.Adapter) *Handler {
	return &Handler{service: service, adapter: adapter}
}

// Routes mounts the farmer and harvest resources on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/agricultores", func(r chi.Router) {
		r.Get("/", h.adapter.Handle(h.listFarmers))
		r.Post("/", h.adapter.Handle(h.createFarmer))
		r.Get("/{id}", h.adapter.Handle(h.getFarmer))
		r.Put("/{id}", h.adapter.Handle(h.updateFarmer))
		r.Delete("/{id}", h.adapter.Handle(h.deleteFarmer))
	})
	r.Route("/api/cosechas", func(r chi.Router) {
		r.Get("/", h.adapter.Handle(h.listHarvests))
		r.Post("/", h.adapter.Handle(h.createHarvest))
		r.Get("/{id}", h.adapter.Handle(h.getHarvest))
		r.Put("/{id}/estado", h.adapter.Handle(h.updateStatus))
	})
}

func farmerError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return httpapi.NotFound("Agricultor no encontrado")
	case errors.Is(err, ErrDuplicate):
		return httpapi.Conflict("Ya existe un agricultor con ese correo")
	case errors.Is(err, ErrFarmerInUse):
		return httpapi.Conflict("El agricultor tiene cosechas registradas")
	}
	return err
}

func harvestError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return httpapi.NotFound("Cosecha no encontrada")
	case errors.Is(err, ErrUnknownFarmer):
		return httpapi.BadRequest("Agricultor no encontrado")
	case errors.Is(err, ErrInvalidQuantity):
		return httpapi.BadRequest("toneladas debe ser mayor o igual a 0")
	}
	return err
}

func (h *Handler) listFarmers(w http.ResponseWriter, r *http.Request) error {
	farmers, err := h.service.Farmers(r.Context())
	if err != nil {
		return err
	}
	return httpapi.WriteJSON(w, http.StatusOK, farmers)
}

func (h *Handler) createFarmer(w http.ResponseWriter, r *http.Request) error {
	var in FarmerInput
	if err := httpapi.DecodeJSON(r, &in); err != nil {
		return err
	}
	f, err := h.service.RegisterFarmer(r.Context(), in)
	if err != nil {
		return farmerError(err)
	}
	return httpapi.WriteJSON(w, http.StatusCreated, f)
}

func (h *Handler) getFarmer(w http.ResponseWriter, r *http.Request) error {
	f, err := h.service.Farmer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return farmerError(err)
	}
	return httpapi.WriteJSON(w, http.StatusOK, f)
}

func (h *Handler) updateFarmer(w http.ResponseWriter, r *http.Request) error {
	var in FarmerInput
	if err := httpapi.DecodeJSON(r, &in); err != nil {
		return err
	}
	f, err := h.service.UpdateFarmer(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		return farmerError(err)
	}
	return httpapi.WriteJSON(w, http.StatusOK, f)
}

func (h *Handler) deleteFarmer(w http.ResponseWriter, r *http.Request) error {
	if err := h.service.DeleteFarmer(r.Context(), chi.URLParam(r, "id")); err != nil {
		return farmerError(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handler) listHarvests(w http.ResponseWriter, r *http.Request) error {
	harvests, err := h.service.Harvests(r.Context())
	if err != nil {
		return err
	}
	return httpapi.WriteJSON(w, http.StatusOK, harvests)
}

func (h *Handler) createHarvest(w http.ResponseWriter, r *http.Request) error {
	var in HarvestInput
	if err := httpapi.DecodeJSON(r, &in); err != nil {
		return err
	}
	harvest, err := h.service.RegisterHarvest(r.Context(), in)
	if err != nil {
		return harvestError(err)
	}
	return httpapi.WriteJSON(w, http.StatusCreated, harvest)
}

func (h *Handler) getHarvest(w http.ResponseWriter, r *http.Request) error {
	harvest, err := h.service.Harvest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return harvestError(err)
	}
	return httpapi.WriteJSON(w, http.StatusOK, harvest)
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) error {
	var in StatusUpdate
	if err := httpapi.DecodeJSON(r, &in); err != nil {
		return err
	}
	harvest, err := h.service.UpdateStatus(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		return harvestError(err)
	}
	return httpapi.WriteJSON(w, http.StatusOK, harvest)
}
