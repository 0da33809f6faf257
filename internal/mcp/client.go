// Package mcp provides utilities for creating and initializing MCP client connections to backends.
package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/fedmcp/gateway/internal/config"
)

const (
	clientName    = "mcp-aggregation-gateway"
	clientVersion = "0.1.0"
)

// InitializeClient performs the standard MCP initialization handshake.
func InitializeClient(ctx context.Context, mcpClient client.MCPClient) (*mcp.InitializeResult, error) {
	return mcpClient.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: clientVersion,
			},
		},
	})
}

// NewClient creates a started but uninitialized MCP client for the given
// backend. Stdio clients spawn the backend process on creation; streamable
// HTTP clients are started with continuous listening so backend notifications
// are delivered.
func NewClient(ctx context.Context, backend *config.Backend) (*client.Client, error) {
	switch backend.Transport {
	case config.TransportStdio:
		stdioClient, err := client.NewStdioMCPClient(backend.Command, backend.Env, backend.Args...)
		if err != nil {
			return nil, fmt.Errorf("failed to create stdio client: %w", err)
		}
		return stdioClient, nil
	case config.TransportStreamableHTTP:
		options := []transport.StreamableHTTPCOption{
			transport.WithContinuousListening(),
		}
		headers := map[string]string{
			"user-agent": clientName,
		}
		if backend.Credential != "" {
			headers["Authorization"] = backend.Credential
		}
		options = append(options, transport.WithHTTPHeaders(headers))
		httpClient, err := client.NewStreamableHttpClient(backend.URL, options...)
		if err != nil {
			return nil, fmt.Errorf("failed to create streamable client: %w", err)
		}
		if err := httpClient.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start streamable client: %w", err)
		}
		return httpClient, nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q for backend %q", backend.Transport, backend.Name)
	}
}
