package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/claworc/bmcp-gateway/internal/apperr"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/billing"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/logutil"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/metrics"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/pricing"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/store"
)

// Observer receives one event per settled call.
type Observer interface {
	Observe(ev metrics.Event)
}

// PaymentRequiredBody is returned with HTTP 402.
type PaymentRequiredBody struct {
	Error           string                   `json:"error"`
	PaymentRequired *billing.PaymentRequired `json:"paymentRequired"`
}

// Handler serves ALL /proxy/{mappingId}/*.
type Handler struct {
	engine   *Engine
	billing  *billing.Workflow
	observer Observer
	maxBody  int64
}

func NewHandler(engine *Engine, wf *billing.Workflow, obs Observer, maxBody int64) *Handler {
	if maxBody <= 0 {
		maxBody = 10 << 20
	}
	return &Handler{engine: engine, billing: wf, observer: obs, maxBody: maxBody}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mappingID := chi.URLParam(r, "mappingId")
	path := chi.URLParam(r, "*")
	if path != "" {
		path = "/" + path
	}
	callerID := CallerID(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apperr.Write(w, &apperr.Error{Code: "payload_too_large", Status: http.StatusRequestEntityTooLarge,
				Message: fmt.Sprintf("Request body exceeds %d bytes", h.maxBody)})
			return
		}
		apperr.Write(w, apperr.New(apperr.ErrValidation, "Failed to read request body"))
		return
	}

	out, err := h.engine.Prepare(r.Context(), ForwardRequest{
		MappingID: mappingID,
		Path:      path,
		RawQuery:  r.URL.RawQuery,
		Method:    r.Method,
		Header:    r.Header,
		Body:      body,
		CallerID:  callerID,
	})
	if err != nil {
		apperr.Write(w, err)
		return
	}

	auth, err := h.billing.Authorize(r.Context(), billing.Request{
		Mapping:  out.Mapping,
		CallerID: callerID,
		ReqBytes: int64(len(out.Body)),
	})
	if err != nil {
		apperr.Write(w, err)
		return
	}

	// settlement must not be lost to a disconnecting caller
	settleCtx := context.WithoutCancel(r.Context())

	if !auth.Allowed() {
		call := h.call(out, &Result{CallID: out.CallID, Status: http.StatusPaymentRequired, Start: h.engine.now(),
			ReqBytes: int64(len(out.Body))})
		call.Outcome = store.OutcomePaymentRequired
		call.Fingerprint = fingerprint(out.URL, out.Method, call.Status, call.Timestamp)
		if _, err := h.billing.Settle(settleCtx, auth, call, pricing.Metrics{}); err != nil {
			apperr.Write(w, err)
			return
		}
		h.observe(call, nil)
		w.Header().Set(HeaderCallID, out.CallID)
		apperr.WriteJSON(w, http.StatusPaymentRequired, PaymentRequiredBody{
			Error:           apperr.ErrPaymentRequired.Code,
			PaymentRequired: auth.PaymentRequired,
		})
		return
	}

	res := h.engine.Send(r.Context(), out)
	call := h.call(out, res)
	settlement, err := h.billing.Settle(settleCtx, auth, call, pricing.Metrics{
		ReqBytes:   res.ReqBytes,
		RespBytes:  res.RespBytes,
		DurationMs: res.Duration.Milliseconds(),
	})
	if err != nil {
		if rerr := h.billing.Release(settleCtx, auth); rerr != nil {
			log.Printf("[proxy] release hold for call %s: %v", out.CallID, rerr)
		}
		apperr.Write(w, err)
		return
	}
	h.observe(call, settlement)

	if res.NotAttempted {
		log.Printf("[proxy] call %s abandoned before upstream attempt", out.CallID)
		return
	}

	w.Header().Set(HeaderCallID, out.CallID)
	if res.Err != nil {
		log.Printf("[proxy] call %s mapping=%s caller=%s: %v", out.CallID, out.Mapping.ID,
			logutil.SanitizeForLog(callerID), res.Err)
		apperr.WriteJSON(w, http.StatusInternalServerError, res.ErrorBody())
		return
	}

	for key, vals := range res.Header {
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.Header().Set(HeaderCallID, out.CallID)
	w.Header().Set(HeaderCost, settlement.Cost.String())
	if settlement.Receipt != nil {
		w.Header().Set(HeaderReceiptID, settlement.Receipt.ID)
	}
	w.WriteHeader(res.Status)
	if r.Method != http.MethodHead {
		w.Write(res.Body)
	}
}

func (h *Handler) call(out *Outbound, res *Result) *store.Call {
	c := &store.Call{
		ID:          out.CallID,
		MappingID:   out.Mapping.ID,
		CallerID:    out.CallerID,
		Method:      out.Method,
		Path:        out.Path,
		Timestamp:   res.Start,
		DurationMs:  res.Duration.Milliseconds(),
		ReqBytes:    res.ReqBytes,
		RespBytes:   res.RespBytes,
		Status:      res.Status,
		Outcome:     res.Outcome(),
		Fingerprint: res.Fingerprint,
	}
	switch {
	case res.Err != nil:
		c.ErrorKind = string(res.Err.Kind)
		c.ErrorMessage = res.Err.Error()
	case res.RPCError != nil:
		c.ErrorKind = "RPC_ERROR"
		c.ErrorMessage = res.RPCError.Message
	}
	return c
}

func (h *Handler) observe(c *store.Call, s *billing.Settlement) {
	if h.observer == nil {
		return
	}
	ev := metrics.Event{
		MappingID:  c.MappingID,
		CallerID:   c.CallerID,
		Status:     c.Status,
		Outcome:    c.Outcome,
		ErrorKind:  c.ErrorKind,
		DurationMs: c.DurationMs,
		At:         c.Timestamp,
	}
	if s != nil {
		ev.Cost = s.Cost
		ev.Charged = s.Receipt != nil
	}
	h.observer.Observe(ev)
}
