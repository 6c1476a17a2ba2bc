package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTransport_Call_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req JSONRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tools/list", req.Method)
		assert.Equal(t, "custom-value", r.Header.Get("X-Custom"))

		resp := JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  json.RawMessage(`{"tools":[{"name":"ping"}]}`),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	cfg := &ServerConfig{ID: "srv", URL: srv.URL, Headers: map[string]string{"X-Custom": "custom-value"}}
	transport := NewHTTPTransport(cfg)
	require.NoError(t, transport.Connect(context.Background()))
	defer transport.Close()

	raw, err := transport.Call(context.Background(), "tools/list", nil)
	require.NoError(t, err)

	var result ListToolsResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "ping", result.Tools[0].Name)
}

func TestHTTPTransport_Call_RPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      "1",
			Error:   &JSONRPCError{Code: -32601, Message: "method not found"},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	transport := NewHTTPTransport(&ServerConfig{ID: "srv", URL: srv.URL})
	_, err := transport.Call(context.Background(), "bogus", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "method not found")
}

func TestHTTPTransport_Call_HTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	transport := NewHTTPTransport(&ServerConfig{ID: "srv", URL: srv.URL})
	_, err := transport.Call(context.Background(), "tools/list", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestHTTPTransport_Connect_RequiresURL(t *testing.T) {
	transport := NewHTTPTransport(&ServerConfig{ID: "srv"})
	err := transport.Connect(context.Background())
	assert.Error(t, err)
}
