package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/claworc/bmcp-gateway/internal/apperr"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/crypto"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/pricing"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/registry"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/store"
)

const maxAPIBody = 1 << 20

const maxBatchIDs = 100

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	apperr.WriteJSON(w, code, v)
}

func writeError(w http.ResponseWriter, err error) {
	apperr.Write(w, err)
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAPIBody+1))
	if err != nil {
		return nil, apperr.New(apperr.ErrValidation, "Failed to read request body")
	}
	if len(body) > maxAPIBody {
		return nil, apperr.New(apperr.ErrValidation, "Request body too large")
	}
	return body, nil
}

func decodeJSON(r *http.Request, v any) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperr.New(apperr.ErrValidation, "Invalid request body")
	}
	return nil
}

// maskMapping hides header values before a mapping leaves the gateway.
func maskMapping(m store.Mapping) store.Mapping {
	m.CustomHeaders = crypto.MaskHeaders(m.CustomHeaders)
	if c := m.MCPConnectionConfig; c != nil {
		m.MCPConnectionConfig = &store.MCPConnectionConfig{Headers: crypto.MaskHeaders(c.Headers), Timeout: c.Timeout}
	}
	return m
}

func maskMappings(ms []store.Mapping) []store.Mapping {
	out := make([]store.Mapping, len(ms))
	for i := range ms {
		out[i] = maskMapping(ms[i])
	}
	return out
}

type registerRequest struct {
	OriginalURL         string                     `json:"originalUrl"`
	Kind                store.Kind                 `json:"kind"`
	Pricing             pricing.Policy             `json:"pricing"`
	Enable402           *bool                      `json:"enable402"`
	SettlementToken     string                     `json:"settlementToken"`
	ChainID             int64                      `json:"chainId"`
	PublisherID         string                     `json:"publisherId"`
	MCPEndpoint         string                     `json:"mcpEndpoint"`
	MCPConnectionConfig *store.MCPConnectionConfig `json:"mcpConnectionConfig"`
	MCPRequestBody      json.RawMessage            `json:"mcpRequestBody"`
	DefaultMethod       string                     `json:"defaultMethod"`
	CustomHeaders       map[string]string          `json:"customHeaders"`
}

type registerResponse struct {
	MappingID   string         `json:"mappingId"`
	GatewayURL  string         `json:"gatewayUrl"`
	OriginalURL string         `json:"originalUrl"`
	Pricing     pricing.Policy `json:"pricing"`
}

// Register creates a mapping.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := validateDocument(registerSchema, body); err != nil {
		writeError(w, err)
		return
	}
	var req registerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, apperr.New(apperr.ErrValidation, "Invalid request body"))
		return
	}

	m, err := h.Registry.Register(r.Context(), registry.RegisterInput{
		CreateInput: registry.CreateInput{
			OriginalURL:         req.OriginalURL,
			PublisherID:         req.PublisherID,
			Kind:                req.Kind,
			Enable402:           req.Enable402,
			SettlementToken:     req.SettlementToken,
			ChainID:             req.ChainID,
			DefaultMethod:       req.DefaultMethod,
			CustomHeaders:       req.CustomHeaders,
			MCPEndpoint:         req.MCPEndpoint,
			MCPConnectionConfig: req.MCPConnectionConfig,
			MCPRequestBody:      req.MCPRequestBody,
		},
		Pricing: req.Pricing,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{
		MappingID:   m.ID,
		GatewayURL:  m.GatewayURL,
		OriginalURL: m.OriginalURL,
		Pricing:     req.Pricing,
	})
}

// ListMappings returns active mappings.
func (h *Handlers) ListMappings(w http.ResponseWriter, r *http.Request) {
	ms, err := h.Registry.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"mappings": maskMappings(ms)})
}

func (h *Handlers) GetMapping(w http.ResponseWriter, r *http.Request) {
	m, err := h.Registry.Resolve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"mapping": maskMapping(*m)})
}

// SetMappingStatus toggles isActive.
func (h *Handlers) SetMappingStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IsActive *bool `json:"isActive"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.IsActive == nil {
		writeError(w, apperr.WithDetails(apperr.ErrValidation, "isActive is required", map[string]string{"field": "isActive"}))
		return
	}
	m, err := h.Registry.SetActive(r.Context(), chi.URLParam(r, "id"), *body.IsActive)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"mapping": maskMapping(*m)})
}

type resolveResponse struct {
	OriginalURL string     `json:"originalUrl"`
	GatewayURL  string     `json:"gatewayUrl"`
	Kind        store.Kind `json:"kind"`
	IsActive    bool       `json:"isActive"`
}

func (h *Handlers) Resolve(w http.ResponseWriter, r *http.Request) {
	m, err := h.Registry.Resolve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{
		OriginalURL: m.OriginalURL,
		GatewayURL:  m.GatewayURL,
		Kind:        m.Kind,
		IsActive:    m.IsActive,
	})
}

func (h *Handlers) ResolveBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if len(body.IDs) == 0 || len(body.IDs) > maxBatchIDs {
		writeError(w, apperr.WithDetails(apperr.ErrValidation,
			fmt.Sprintf("ids must hold between 1 and %d entries", maxBatchIDs), map[string]string{"field": "ids"}))
		return
	}
	ms, err := h.Registry.ResolveBatch(r.Context(), body.IDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"mappings": maskMappings(ms)})
}

func callerParam(r *http.Request) (string, error) {
	callerID := strings.TrimSpace(r.URL.Query().Get("caller_id"))
	if callerID == "" {
		return "", apperr.WithDetails(apperr.ErrValidation, "caller_id is required", map[string]string{"field": "caller_id"})
	}
	return callerID, nil
}

func (h *Handlers) ListInvoices(w http.ResponseWriter, r *http.Request) {
	callerID, err := callerParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	invs, err := h.Billing.ListInvoices(r.Context(), callerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"invoices": invs})
}

// InvoicePaymentRequest returns payment instructions for a pending invoice.
func (h *Handlers) InvoicePaymentRequest(w http.ResponseWriter, r *http.Request) {
	inv, pr, err := h.Billing.PaymentRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"invoice": inv, "paymentRequired": pr})
}

// PayInvoice is the settlement callback.
func (h *Handlers) PayInvoice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ref := q.Get("tx")
	if ref == "" {
		ref = q.Get("paymentRef")
	}
	inv, err := h.Billing.MarkPaid(r.Context(), chi.URLParam(r, "invoiceId"), ref)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"invoice": inv})
}

func (h *Handlers) GetBalance(w http.ResponseWriter, r *http.Request) {
	callerID, err := callerParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	bal, err := h.Billing.Balance(r.Context(), callerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"callerId": callerID, "balance": bal})
}

// GetReceipt returns a receipt and whether its signature still verifies.
func (h *Handlers) GetReceipt(w http.ResponseWriter, r *http.Request) {
	rc, err := h.Store.GetReceipt(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, apperr.New(apperr.ErrReceiptNotFound, "Receipt not found"))
		return
	}
	if err != nil {
		writeError(w, apperr.Store("load receipt", err))
		return
	}
	verifyErr := h.Ledger.Verify(rc)
	resp := map[string]interface{}{"receipt": rc, "verified": verifyErr == nil}
	if verifyErr != nil {
		resp["verifyError"] = verifyErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) ListChains(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"chains": h.Chains.All()})
}
