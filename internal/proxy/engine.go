// Package proxy forwards inbound calls to the origin behind a mapping and
// serves the metered /proxy surface.
package proxy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gluk-w/claworc/bmcp-gateway/internal/apperr"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/id"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/store"
)

const (
	HeaderCallID    = "X-BMCP-Call-Id"
	HeaderCost      = "X-BMCP-Cost"
	HeaderReceiptID = "X-BMCP-Receipt-Id"
)

// StatusClientClosed is recorded for calls abandoned before the upstream
// attempt.
const StatusClientClosed = 499

const defaultMaxResponseBytes = 32 << 20

// Resolver looks up a mapping regardless of its active flag.
type Resolver interface {
	Resolve(ctx context.Context, mappingID string) (*store.Mapping, error)
}

type Options struct {
	Timeout          time.Duration
	MaxResponseBytes int64
	Client           *http.Client
}

type Engine struct {
	resolver Resolver
	client   *http.Client
	timeout  time.Duration
	maxResp  int64
	now      func() time.Time
}

func NewEngine(r Resolver, opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = defaultMaxResponseBytes
	}
	client := opts.Client
	if client == nil {
		// per-request timeouts come from the context
		client = &http.Client{}
	}
	return &Engine{resolver: r, client: client, timeout: opts.Timeout, maxResp: opts.MaxResponseBytes, now: time.Now}
}

type ForwardRequest struct {
	MappingID string
	// Path is the residual path after the mapping id, e.g. "/forecast".
	Path     string
	RawQuery string
	Method   string
	Header   http.Header
	Body     []byte
	CallerID string
	// CallID is generated when empty.
	CallID string
}

// Outbound is a fully prepared upstream request.
type Outbound struct {
	Mapping  *store.Mapping
	CallID   string
	CallerID string
	Method   string
	Path     string
	URL      string
	Header   http.Header
	Body     []byte
	Timeout  time.Duration
}

type Result struct {
	CallID    string
	TargetURL string
	Status    int
	Header    http.Header
	Body      []byte
	// Data is the decoded JSON body, or the body as a string when it is
	// not JSON.
	Data        any
	Fingerprint string
	Start       time.Time
	Duration    time.Duration
	ReqBytes    int64
	RespBytes   int64

	Err          *TransportError
	RPCError     *RPCError
	NotAttempted bool
}

func (r *Result) Outcome() store.Outcome {
	switch {
	case r.NotAttempted:
		return store.OutcomeNotAttempted
	case r.Err != nil:
		return store.OutcomeTransportError
	}
	return store.OutcomeCompleted
}

// ErrorBody is the structured 500 body for a transport failure.
func (r *Result) ErrorBody() apperr.Body {
	return apperr.Body{
		Error:   apperr.ErrUpstreamTransport.Code,
		Message: r.Err.Message,
		Details: map[string]any{
			"kind":      r.Err.Kind,
			"targetUrl": r.Err.TargetURL,
			"method":    r.Err.Method,
			"mappingId": r.Err.MappingID,
			"callId":    r.CallID,
		},
	}
}

// Prepare resolves the mapping and builds the upstream request without
// sending it.
func (e *Engine) Prepare(ctx context.Context, req ForwardRequest) (*Outbound, error) {
	m, err := e.resolver.Resolve(ctx, req.MappingID)
	if err != nil {
		return nil, err
	}
	if !m.IsActive {
		return nil, apperr.New(apperr.ErrMappingInactive, fmt.Sprintf("Mapping %s is inactive", m.ID))
	}

	target, err := targetURL(m, req.Path, req.RawQuery)
	if err != nil {
		return nil, apperr.WithDetails(apperr.ErrUpstreamTransport, "Mapping has an unusable origin",
			map[string]any{"kind": ErrUnknown, "mappingId": m.ID})
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = strings.ToUpper(m.DefaultMethod)
	}
	if method == "" {
		method = http.MethodGet
	}

	callID := req.CallID
	if callID == "" {
		callID = id.New(id.PrefixCall)
	}

	var body []byte
	if !bodyless(method) {
		body = req.Body
		if m.Kind == store.KindMCP {
			body, err = mcpBody(m.MCPRequestBody, req.Body)
			if err != nil {
				return nil, apperr.New(apperr.ErrValidation, err.Error())
			}
		}
	}

	timeout := e.timeout
	if m.MCPConnectionConfig != nil && m.MCPConnectionConfig.Timeout > 0 {
		timeout = time.Duration(m.MCPConnectionConfig.Timeout) * time.Millisecond
	}

	return &Outbound{
		Mapping:  m,
		CallID:   callID,
		CallerID: req.CallerID,
		Method:   method,
		Path:     req.Path,
		URL:      target,
		Header:   outboundHeaders(m, req.Header, callID),
		Body:     body,
		Timeout:  timeout,
	}, nil
}

// Send makes the single upstream attempt for out. Once started, the
// attempt runs to completion or timeout even if ctx is cancelled, so its
// outcome can be metered.
func (e *Engine) Send(ctx context.Context, out *Outbound) *Result {
	res := &Result{
		CallID:    out.CallID,
		TargetURL: out.URL,
		Start:     e.now(),
		ReqBytes:  int64(len(out.Body)),
		Header:    http.Header{},
	}
	if ctx.Err() != nil {
		res.NotAttempted = true
		res.Status = StatusClientClosed
		res.Fingerprint = fingerprint(out.URL, out.Method, res.Status, res.Start)
		return res
	}

	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), out.Timeout)
	defer cancel()

	var reader io.Reader
	if out.Body != nil {
		reader = bytes.NewReader(out.Body)
	}
	req, err := http.NewRequestWithContext(uctx, out.Method, out.URL, reader)
	if err != nil {
		return e.fail(res, out, err)
	}
	req.Header = out.Header.Clone()

	resp, err := e.client.Do(req)
	if err != nil {
		return e.fail(res, out, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, e.maxResp+1))
	if err != nil {
		return e.fail(res, out, err)
	}
	if int64(len(raw)) > e.maxResp {
		return e.fail(res, out, fmt.Errorf("response exceeds %d bytes", e.maxResp))
	}

	res.Duration = e.now().Sub(res.Start)
	res.Status = resp.StatusCode
	res.RespBytes = int64(len(raw))
	res.Header = copyResponseHeaders(resp.Header)
	res.Body = raw

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if out.Mapping.Kind == store.KindMCP && mediaType == "text/event-stream" {
		if msg, ok := lastSSEMessage(raw); ok {
			res.Body = msg
			res.Header.Set("Content-Type", "application/json")
		}
	}
	res.Data = decodeBody(res.Body)
	if out.Mapping.Kind == store.KindMCP {
		res.RPCError = rpcError(res.Body)
	}
	res.Fingerprint = fingerprint(out.URL, out.Method, res.Status, res.Start)
	return res
}

// Forward prepares and sends in one step.
func (e *Engine) Forward(ctx context.Context, req ForwardRequest) (*Result, error) {
	out, err := e.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.Send(ctx, out), nil
}

func (e *Engine) fail(res *Result, out *Outbound, err error) *Result {
	kind := Classify(err)
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrTimeout
	}
	res.Duration = e.now().Sub(res.Start)
	res.Status = http.StatusInternalServerError
	res.Err = &TransportError{
		Kind:      kind,
		Message:   kindMessages[kind],
		TargetURL: out.URL,
		Method:    out.Method,
		MappingID: out.Mapping.ID,
		Cause:     err,
	}
	res.Fingerprint = fingerprint(out.URL, out.Method, res.Status, res.Start)
	return res
}

func decodeBody(body []byte) any {
	if len(bytes.TrimSpace(body)) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(body, &v); err == nil {
		return v
	}
	return string(body)
}

func fingerprint(url, method string, status int, start time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%d", url, method, status, start.UnixNano())))
	return hex.EncodeToString(sum[:])
}
