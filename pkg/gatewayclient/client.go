// Package gatewayclient talks to a BMCP gateway's REST and admin APIs.
package gatewayclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is safe for concurrent use.
type Client struct {
	baseURL     string
	adminSecret string
	http        *http.Client
}

func New(baseURL, adminSecret string) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		adminSecret: adminSecret,
		http:        &http.Client{Timeout: 10 * time.Second},
	}
}

// WithHTTPClient replaces the underlying http.Client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// APIError is a non-2xx answer from the gateway.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
	Body    string `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d: %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

func (c *Client) do(method, path string, body, out interface{}, admin bool) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set("Authorization", "Bearer "+c.adminSecret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Body: string(raw)}
		json.Unmarshal(raw, apiErr)
		return apiErr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type Pricing struct {
	Policy       string `json:"policy"`
	PricePerCall string `json:"pricePerCall,omitempty"`
	PricePerByte string `json:"pricePerByte,omitempty"`
	PricePerMs   string `json:"pricePerMs,omitempty"`
}

type RegisterRequest struct {
	Kind            string            `json:"kind"`
	OriginalURL     string            `json:"originalUrl,omitempty"`
	MCPEndpoint     string            `json:"mcpEndpoint,omitempty"`
	PublisherID     string            `json:"publisherId"`
	Pricing         Pricing           `json:"pricing"`
	SettlementToken string            `json:"settlementToken,omitempty"`
	ChainID         int64             `json:"chainId,omitempty"`
	DefaultMethod   string            `json:"defaultMethod,omitempty"`
	CustomHeaders   map[string]string `json:"customHeaders,omitempty"`
}

type Registration struct {
	MappingID   string `json:"mappingId"`
	GatewayURL  string `json:"gatewayUrl"`
	OriginalURL string `json:"originalUrl"`
}

// Register creates a mapping and returns its gateway URL.
func (c *Client) Register(req RegisterRequest) (*Registration, error) {
	var out Registration
	if err := c.do("POST", "/api/register", req, &out, false); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return &out, nil
}

type Resolution struct {
	OriginalURL string `json:"originalUrl"`
	GatewayURL  string `json:"gatewayUrl"`
	Kind        string `json:"kind"`
	IsActive    bool   `json:"isActive"`
}

func (c *Client) Resolve(mappingID string) (*Resolution, error) {
	var out Resolution
	if err := c.do("GET", "/api/resolve/"+url.PathEscape(mappingID), nil, &out, false); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", mappingID, err)
	}
	return &out, nil
}

// SetActive toggles whether a mapping accepts traffic.
func (c *Client) SetActive(mappingID string, active bool) error {
	err := c.do("PATCH", "/api/register/"+url.PathEscape(mappingID)+"/status",
		map[string]bool{"isActive": active}, nil, false)
	if err != nil {
		return fmt.Errorf("set status %s: %w", mappingID, err)
	}
	return nil
}

type Invoice struct {
	ID         string     `json:"id"`
	CallerID   string     `json:"callerId"`
	Amount     string     `json:"amount"`
	Status     string     `json:"status"`
	ChainID    int64      `json:"chainId"`
	PaymentRef string     `json:"paymentRef,omitempty"`
	PaidAt     *time.Time `json:"paidAt,omitempty"`
}

func (c *Client) ListInvoices(callerID string) ([]Invoice, error) {
	var out struct {
		Invoices []Invoice `json:"invoices"`
	}
	if err := c.do("GET", "/api/invoices?caller_id="+url.QueryEscape(callerID), nil, &out, false); err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	return out.Invoices, nil
}

// PayInvoice reports an on-chain settlement for invoiceID.
func (c *Client) PayInvoice(invoiceID, txRef string) (*Invoice, error) {
	path := "/api/invoices/pay/" + url.PathEscape(invoiceID)
	if txRef != "" {
		path += "?tx=" + url.QueryEscape(txRef)
	}
	var out struct {
		Invoice Invoice `json:"invoice"`
	}
	if err := c.do("GET", path, nil, &out, false); err != nil {
		return nil, fmt.Errorf("pay invoice %s: %w", invoiceID, err)
	}
	return &out.Invoice, nil
}

func (c *Client) Balance(callerID string) (string, error) {
	var out struct {
		Balance string `json:"balance"`
	}
	if err := c.do("GET", "/api/balance?caller_id="+url.QueryEscape(callerID), nil, &out, false); err != nil {
		return "", fmt.Errorf("balance: %w", err)
	}
	return out.Balance, nil
}

type CallerKey struct {
	ID       string `json:"id"`
	CallerID string `json:"callerId"`
	APIKey   string `json:"apiKey"`
}

// IssueCallerKey mints an API key. The raw key is only ever returned here.
func (c *Client) IssueCallerKey(callerID string) (*CallerKey, error) {
	var out CallerKey
	if err := c.do("POST", "/admin/callers/"+url.PathEscape(callerID)+"/keys", nil, &out, true); err != nil {
		return nil, fmt.Errorf("issue key: %w", err)
	}
	return &out, nil
}

func (c *Client) DisableCallerKey(keyID string) error {
	if err := c.do("DELETE", "/admin/keys/"+url.PathEscape(keyID), nil, nil, true); err != nil {
		return fmt.Errorf("disable key: %w", err)
	}
	return nil
}

type HealthStats struct {
	TotalMappings       int64   `json:"totalMappings"`
	ActiveMappings      int64   `json:"activeMappings"`
	TotalCalls          int64   `json:"totalCalls"`
	CallsLast24h        int64   `json:"callsLast24h"`
	AverageResponseTime float64 `json:"averageResponseTime"`
}

type Health struct {
	Status   string      `json:"status"`
	Version  string      `json:"version"`
	Uptime   float64     `json:"uptime"`
	Database string      `json:"database"`
	Stats    HealthStats `json:"stats"`
}

// Health returns the gateway's health report. A degraded gateway answers
// 503 with the same body, which is returned alongside the error.
func (c *Client) Health() (*Health, error) {
	var out Health
	err := c.do("GET", "/health", nil, &out, false)
	if apiErr, ok := err.(*APIError); ok && apiErr.Status == http.StatusServiceUnavailable {
		json.Unmarshal([]byte(apiErr.Body), &out)
		return &out, fmt.Errorf("health: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	return &out, nil
}
