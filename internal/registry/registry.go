// Package registry creates and resolves mappings from gateway addresses to
// origin endpoints.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gluk-w/claworc/bmcp-gateway/internal/apperr"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/chains"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/id"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/pricing"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/store"
)

// placeholderGatewayURL is stored between create and backfill. It is
// never visible outside the registering transaction.
const placeholderGatewayURL = "pending"

var settlementTokens = map[string]bool{"USDC": true, "USDT": true, "PLATFORM": true}

var methods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true, "HEAD": true, "OPTIONS": true,
}

type Registry struct {
	store          store.Store
	chains         *chains.Registry
	gatewayBase    string
	defaultChainID int64
}

func New(st store.Store, ch *chains.Registry, gatewayBase string, defaultChainID int64) *Registry {
	return &Registry{
		store:          st,
		chains:         ch,
		gatewayBase:    strings.TrimRight(gatewayBase, "/"),
		defaultChainID: defaultChainID,
	}
}

func (r *Registry) in(tx store.Store) *Registry {
	cp := *r
	cp.store = tx
	return &cp
}

type CreateInput struct {
	OriginalURL         string
	PublisherID         string
	Kind                store.Kind
	Enable402           *bool
	SettlementToken     string
	ChainID             int64
	DefaultMethod       string
	CustomHeaders       map[string]string
	MCPEndpoint         string
	MCPConnectionConfig *store.MCPConnectionConfig
	MCPRequestBody      json.RawMessage
}

func invalid(field, msg string) error {
	return apperr.WithDetails(apperr.ErrValidation, msg, map[string]string{"field": field})
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (r *Registry) build(in CreateInput) (*store.Mapping, error) {
	if in.PublisherID == "" {
		return nil, invalid("publisherId", "publisherId is required")
	}
	if in.Kind != store.KindMCP && in.Kind != store.KindCompiled {
		return nil, invalid("kind", fmt.Sprintf("kind must be %q or %q", store.KindMCP, store.KindCompiled))
	}

	original := in.OriginalURL
	if original == "" && in.Kind == store.KindMCP {
		original = in.MCPEndpoint
	}
	if original == "" {
		return nil, invalid("originalUrl", "originalUrl is required unless kind is mcp with an mcpEndpoint")
	}
	if !validURL(original) {
		return nil, invalid("originalUrl", "originalUrl must be an absolute http(s) URL")
	}
	if in.MCPEndpoint != "" && !validURL(in.MCPEndpoint) {
		return nil, invalid("mcpEndpoint", "mcpEndpoint must be an absolute http(s) URL")
	}

	token := strings.ToUpper(in.SettlementToken)
	if token == "" {
		token = "USDC"
	}
	if !settlementTokens[token] {
		return nil, invalid("settlementToken", "settlementToken must be USDC, USDT or PLATFORM")
	}
	chainID := in.ChainID
	if chainID == 0 {
		chainID = r.defaultChainID
	}
	chain, ok := r.chains.Get(chainID)
	if !ok {
		return nil, invalid("chainId", fmt.Sprintf("chain %d is not supported", chainID))
	}
	if _, ok := chain.Token(token); !ok {
		return nil, invalid("settlementToken", fmt.Sprintf("%s is not available on %s", token, chain.Name))
	}

	method := strings.ToUpper(in.DefaultMethod)
	if method == "" {
		method = "GET"
		if in.Kind == store.KindMCP {
			method = "POST"
		}
	}
	if !methods[method] {
		return nil, invalid("defaultMethod", fmt.Sprintf("unsupported method %q", in.DefaultMethod))
	}

	if len(in.MCPRequestBody) > 0 {
		var tmpl map[string]any
		if err := json.Unmarshal(in.MCPRequestBody, &tmpl); err != nil {
			return nil, invalid("mcpRequestBody", "mcpRequestBody must be a JSON object")
		}
	}
	if c := in.MCPConnectionConfig; c != nil && c.Timeout < 0 {
		return nil, invalid("mcpConnectionConfig.timeout", "timeout must not be negative")
	}

	enable402 := true
	if in.Enable402 != nil {
		enable402 = *in.Enable402
	}

	return &store.Mapping{
		ID:                  id.New(id.PrefixMapping),
		OriginalURL:         original,
		PublisherID:         in.PublisherID,
		Kind:                in.Kind,
		GatewayURL:          placeholderGatewayURL,
		Enable402:           enable402,
		SettlementToken:     token,
		ChainID:             chainID,
		DefaultMethod:       method,
		CustomHeaders:       in.CustomHeaders,
		MCPEndpoint:         in.MCPEndpoint,
		MCPConnectionConfig: in.MCPConnectionConfig,
		MCPRequestBody:      []byte(in.MCPRequestBody),
		IsActive:            true,
	}, nil
}

// Create validates and stores a mapping with a placeholder gateway URL.
// Use Register unless the caller backfills within its own transaction.
func (r *Registry) Create(ctx context.Context, in CreateInput) (*store.Mapping, error) {
	m, err := r.build(in)
	if err != nil {
		return nil, err
	}
	if err := r.store.CreateMapping(ctx, m); err != nil {
		return nil, apperr.Store("create mapping", err)
	}
	return m, nil
}

// GatewayURL is the public address of a mapping.
func (r *Registry) GatewayURL(mappingID string) string {
	return r.gatewayBase + "/proxy/" + mappingID
}

// BackfillGatewayURL writes the deterministic gateway URL. Repeating it is
// harmless.
func (r *Registry) BackfillGatewayURL(ctx context.Context, mappingID string) (string, error) {
	u := r.GatewayURL(mappingID)
	if err := r.store.SetGatewayURL(ctx, mappingID, u); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", notFound(mappingID)
		}
		return "", apperr.Store("backfill gateway url", err)
	}
	return u, nil
}

type RegisterInput struct {
	CreateInput
	Pricing pricing.Policy
}

// Register creates the mapping, backfills its gateway URL and records the
// publisher's pricing in one transaction.
func (r *Registry) Register(ctx context.Context, in RegisterInput) (*store.Mapping, error) {
	if err := in.Pricing.Validate(); err != nil {
		return nil, invalid("pricing", err.Error())
	}
	pricingJSON, err := json.Marshal(in.Pricing)
	if err != nil {
		return nil, invalid("pricing", err.Error())
	}

	var created *store.Mapping
	err = r.store.Transaction(ctx, func(tx store.Store) error {
		reg := r.in(tx)
		m, err := reg.Create(ctx, in.CreateInput)
		if err != nil {
			return err
		}
		if m.GatewayURL, err = reg.BackfillGatewayURL(ctx, m.ID); err != nil {
			return err
		}

		pub, err := tx.GetPublisher(ctx, in.PublisherID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			pub = &store.PublisherConfig{PublisherID: in.PublisherID, ChainPref: m.ChainID}
		case err != nil:
			return apperr.Store("load publisher config", err)
		}
		pub.PricingJSON = pricingJSON
		if err := tx.SavePublisher(ctx, pub); err != nil {
			return apperr.Store("save publisher config", err)
		}
		created = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func notFound(mappingID string) error {
	return apperr.New(apperr.ErrMappingNotFound, fmt.Sprintf("Mapping %s not found", mappingID))
}

// Resolve returns the mapping whether or not it is active.
func (r *Registry) Resolve(ctx context.Context, mappingID string) (*store.Mapping, error) {
	m, err := r.store.GetMapping(ctx, mappingID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound(mappingID)
	}
	if err != nil {
		return nil, apperr.Store("load mapping", err)
	}
	return m, nil
}

// SetActive toggles availability. Concurrent toggles are last-write-wins.
func (r *Registry) SetActive(ctx context.Context, mappingID string, active bool) (*store.Mapping, error) {
	if err := r.store.SetMappingActive(ctx, mappingID, active); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound(mappingID)
		}
		return nil, apperr.Store("update mapping status", err)
	}
	return r.Resolve(ctx, mappingID)
}

// List returns active mappings, newest first.
func (r *Registry) List(ctx context.Context) ([]store.Mapping, error) {
	ms, err := r.store.ListActiveMappings(ctx)
	if err != nil {
		return nil, apperr.Store("list mappings", err)
	}
	if ms == nil {
		ms = []store.Mapping{}
	}
	return ms, nil
}

// ResolveBatch returns the mappings that exist among ids; unknown ids are
// skipped.
func (r *Registry) ResolveBatch(ctx context.Context, ids []string) ([]store.Mapping, error) {
	ms, err := r.store.GetMappings(ctx, ids)
	if err != nil {
		return nil, apperr.Store("resolve mappings", err)
	}
	if ms == nil {
		ms = []store.Mapping{}
	}
	return ms, nil
}
