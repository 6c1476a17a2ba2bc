package mcp

import (
	"context"
	"encoding/json"
)

// Transport is the minimal JSON-RPC round-trip contract both MCP
// sub-transports satisfy: one blocking request/response Call, and Close to
// release whatever the transport is holding (an HTTP client needs nothing,
// a stdio transport holds a child process).
type Transport interface {
	// Connect prepares the transport for calls (spawns a child process for
	// stdio; for HTTP it only checks that a URL is configured).
	Connect(ctx context.Context) error

	// Call sends one JSON-RPC request and returns its result payload.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Close releases transport resources. For stdio this terminates the
	// child process, escalating from signal to kill after a grace period.
	Close() error
}

// NewTransport creates a transport for the given server configuration.
func NewTransport(cfg *ServerConfig) Transport {
	if cfg.ResolvedTransport() == TransportHTTP {
		return NewHTTPTransport(cfg)
	}
	return NewStdioTransport(cfg)
}
