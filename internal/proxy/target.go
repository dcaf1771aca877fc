package proxy

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gluk-w/claworc/bmcp-gateway/internal/store"
)

// targetURL joins the mapping's origin with the residual request path.
// MCP mappings with an explicit endpoint ignore a bare "/" path.
func targetURL(m *store.Mapping, path, rawQuery string) (string, error) {
	base := m.OriginalURL
	if m.Kind == store.KindMCP && m.MCPEndpoint != "" {
		base = m.MCPEndpoint
		if path == "/" {
			path = ""
		}
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid origin url %q", base)
	}
	if path != "" {
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		u.Path = strings.TrimSuffix(u.Path, "/") + path
		u.RawPath = ""
	}
	if rawQuery != "" {
		if u.RawQuery == "" {
			u.RawQuery = rawQuery
		} else {
			u.RawQuery = u.RawQuery + "&" + rawQuery
		}
	}
	return u.String(), nil
}

// Headers never forwarded upstream. The caller credential headers are
// gateway-local.
var strippedRequestHeaders = map[string]bool{
	"host":                true,
	"content-length":      true,
	"connection":          true,
	"upgrade":             true,
	"proxy-connection":    true,
	"proxy-authorization": true,
	"keep-alive":          true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"accept-encoding":     true,
	"x-api-key":           true,
	"x-caller-id":         true,
	"x-payment-token":     true,
}

var strippedResponseHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
	"trailer":           true,
	"te":                true,
	"content-length":    true,
	"content-encoding":  true,
}

func outboundHeaders(m *store.Mapping, in http.Header, callID string) http.Header {
	out := make(http.Header, len(in)+4)
	for key, vals := range in {
		if strippedRequestHeaders[strings.ToLower(key)] {
			continue
		}
		for _, v := range vals {
			out.Add(key, v)
		}
	}
	if m.MCPConnectionConfig != nil {
		for k, v := range m.MCPConnectionConfig.Headers {
			out.Set(k, v)
		}
	}
	for k, v := range m.CustomHeaders {
		out.Set(k, v)
	}
	if m.Kind == store.KindMCP {
		if out.Get("Content-Type") == "" {
			out.Set("Content-Type", "application/json")
		}
		if out.Get("Accept") == "" {
			out.Set("Accept", "application/json, text/event-stream")
		}
	}
	out.Set(HeaderCallID, callID)
	return out
}

// copyResponseHeaders drops hop-by-hop headers and any X-BMCP-* header,
// which only the gateway may set.
func copyResponseHeaders(src http.Header) http.Header {
	out := make(http.Header, len(src))
	for key, vals := range src {
		lower := strings.ToLower(key)
		if strippedResponseHeaders[lower] || strings.HasPrefix(lower, "x-bmcp-") {
			continue
		}
		out[key] = append([]string(nil), vals...)
	}
	return out
}

func bodyless(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
