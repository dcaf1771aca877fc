package api

import (
	"net/http"

	"github.com/gluk-w/claworc/bmcp-gateway/internal/metrics"
)

func healthCode(status string) int {
	if status == metrics.StatusOK {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	rep := h.Reporter.Health(r.Context())
	writeJSON(w, healthCode(rep.Status), rep)
}

func (h *Handlers) HealthDetailed(w http.ResponseWriter, r *http.Request) {
	rep := h.Reporter.Detailed(r.Context())
	writeJSON(w, healthCode(rep.Status), rep)
}
