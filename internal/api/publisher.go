package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/claworc/bmcp-gateway/internal/publisher"
)

func (h *Handlers) GetPublisher(w http.ResponseWriter, r *http.Request) {
	v, err := h.Publishers.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"publisher": v})
}

func (h *Handlers) UpdatePricing(w http.ResponseWriter, r *http.Request) {
	var body publisher.PricingUpdate
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	v, err := h.Publishers.UpdatePricing(r.Context(), chi.URLParam(r, "id"), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"publisher": v})
}

func (h *Handlers) UpdateSplits(w http.ResponseWriter, r *http.Request) {
	var body publisher.Splits
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	v, err := h.Publishers.UpdateSplits(r.Context(), chi.URLParam(r, "id"), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"publisher": v})
}

func (h *Handlers) UpdateWallet(w http.ResponseWriter, r *http.Request) {
	var body publisher.WalletUpdate
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	v, err := h.Publishers.UpdateWallet(r.Context(), chi.URLParam(r, "id"), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"publisher": v})
}
