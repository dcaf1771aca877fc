package api

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/claworc/bmcp-gateway/internal/apperr"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/id"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/logging"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/logutil"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/proxy"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/store"
)

const callerKeyPrefix = "bk_"

func newCallerKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return callerKeyPrefix + hex.EncodeToString(b), nil
}

// IssueCallerKey creates an API key for a caller. The raw key is returned
// once and only its hash is stored.
func (h *Handlers) IssueCallerKey(w http.ResponseWriter, r *http.Request) {
	callerID := strings.TrimSpace(chi.URLParam(r, "callerId"))
	if callerID == "" || len(callerID) > 128 {
		writeError(w, apperr.WithDetails(apperr.ErrValidation, "callerId must be 1-128 characters", map[string]string{"field": "callerId"}))
		return
	}
	raw, err := newCallerKey()
	if err != nil {
		writeError(w, apperr.Store("generate caller key", err))
		return
	}
	k := &store.CallerKey{
		ID:       id.New(id.PrefixCallerKey),
		CallerID: callerID,
		KeyHash:  proxy.HashKey(raw),
		Enabled:  true,
	}
	if err := h.Store.CreateCallerKey(r.Context(), k); err != nil {
		writeError(w, apperr.Store("create caller key", err))
		return
	}
	log.Printf("[admin] issued caller key %s for %s", k.ID, logutil.SanitizeForLog(callerID))
	writeJSON(w, http.StatusCreated, map[string]interface{}{"id": k.ID, "callerId": callerID, "apiKey": raw})
}

func (h *Handlers) DisableCallerKey(w http.ResponseWriter, r *http.Request) {
	k, err := h.Store.DisableCallerKey(r.Context(), chi.URLParam(r, "keyId"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, apperr.ErrCallerKeyNotFound)
		return
	}
	if err != nil {
		writeError(w, apperr.Store("disable caller key", err))
		return
	}
	h.CallerAuth.Invalidate(k.KeyHash)
	w.WriteHeader(http.StatusNoContent)
}

// GetLogs returns the tail of the gateway log file.
func (h *Handlers) GetLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, apperr.New(apperr.ErrValidation, "lines must be a positive integer"))
			return
		}
		lines = n
	}
	out, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, apperr.Store("read logs", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": out})
}

func (h *Handlers) ClearLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, apperr.Store("clear logs", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
