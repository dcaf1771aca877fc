package proxy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

const defaultMCPMethod = "tools/call"

type mcpTemplate struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     any             `json:"id"`
}

func isEnvelope(fields map[string]json.RawMessage) bool {
	_, rpc := fields["jsonrpc"]
	_, method := fields["method"]
	return rpc && method
}

// mcpBody builds the JSON-RPC request sent to an MCP origin. A caller body
// that is already an envelope goes through untouched; otherwise the
// caller's fields are merged over the template's params.
func mcpBody(template, body []byte) ([]byte, error) {
	var fields map[string]json.RawMessage
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &fields); err != nil {
			if len(template) == 0 {
				return body, nil
			}
			return nil, fmt.Errorf("request body must be a JSON object: %w", err)
		}
		if isEnvelope(fields) {
			return body, nil
		}
	}
	if len(bytes.TrimSpace(template)) == 0 || string(template) == "null" {
		return body, nil
	}

	var tmpl mcpTemplate
	if err := json.Unmarshal(template, &tmpl); err != nil {
		return nil, fmt.Errorf("decode mcp request template: %w", err)
	}
	method := tmpl.Method
	if method == "" {
		method = defaultMCPMethod
	}

	params := map[string]json.RawMessage{}
	if len(tmpl.Params) > 0 && string(tmpl.Params) != "null" {
		if err := json.Unmarshal(tmpl.Params, &params); err != nil {
			return nil, fmt.Errorf("mcp template params must be an object: %w", err)
		}
	}
	for k, v := range fields {
		params[k] = v
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	// MakeID takes the decoded JSON forms: string or float64.
	idValue := tmpl.ID
	if idValue == nil {
		idValue = uuid.NewString()
	}
	reqID, err := jsonrpc.MakeID(idValue)
	if err != nil {
		return nil, fmt.Errorf("mcp request id: %w", err)
	}
	return jsonrpc.EncodeMessage(&jsonrpc.Request{ID: reqID, Method: method, Params: rawParams})
}

// RPCError is a JSON-RPC error returned by an MCP origin inside an
// otherwise successful HTTP exchange.
type RPCError struct {
	Message string `json:"message"`
}

// rpcError reports the error member of a JSON-RPC response, if any.
func rpcError(body []byte) *RPCError {
	msg, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		return nil
	}
	resp, ok := msg.(*jsonrpc.Response)
	if !ok || resp.Error == nil {
		return nil
	}
	return &RPCError{Message: resp.Error.Error()}
}

// lastSSEMessage collapses an event stream to the data of its final
// event that parses as JSON. Multi-line data fields are joined with "\n".
func lastSSEMessage(stream []byte) ([]byte, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(stream))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var (
		last []byte
		data []string
	)
	flush := func() {
		if len(data) == 0 {
			return
		}
		joined := []byte(strings.Join(data, "\n"))
		if json.Valid(joined) {
			last = joined
		}
		data = data[:0]
	}
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	flush()
	return last, last != nil
}
