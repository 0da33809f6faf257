/*
Package transport owns the per-backend connections and the pool that hands
them out. Each Transport wraps a single logical MCP connection to one backend;
the Pool deduplicates concurrent connection attempts and evicts dead entries.
*/
package transport

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/fedmcp/gateway/internal/config"
	gatewaymcp "github.com/fedmcp/gateway/internal/mcp"
)

// Capabilities is the slice of a backend's initialize result the gateway cares about.
type Capabilities struct {
	Tools                bool
	ToolsListChanged     bool
	Prompts              bool
	PromptsListChanged   bool
	Resources            bool
	ResourcesListChanged bool
	ResourceSubscribe    bool
}

// Transport is one logical connection to a backend MCP server. It is created
// healthy and becomes permanently unhealthy when the connection is lost or
// closed; the pool then dials a replacement on the next request.
type Transport struct {
	backend *config.Backend
	mcp     client.MCPClient
	init    *mcp.InitializeResult
	logger  *slog.Logger

	healthy    atomic.Bool
	notifyOnce sync.Once

	mu      sync.Mutex
	onClose []func(error)
}

// Dial connects to the backend, performs the MCP handshake, and returns a
// healthy Transport. The concrete client is wired to mark the transport
// unhealthy when the backend side goes away (process exit, stream closure).
func Dial(ctx context.Context, backend *config.Backend, logger *slog.Logger) (*Transport, error) {
	cli, err := gatewaymcp.NewClient(ctx, backend)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		backend: backend,
		mcp:     cli,
		logger:  logger.With("backend", backend.Name),
	}
	cli.OnConnectionLost(func(err error) {
		t.logger.Warn("connection lost to backend", "error", err)
		t.ConnectionLost(err)
	})

	init, err := gatewaymcp.InitializeClient(ctx, cli)
	if err != nil {
		_ = cli.Close()
		return nil, err
	}
	t.init = init
	t.healthy.Store(true)
	return t, nil
}

// NewFromClient wraps an already connected and initialized client. Used where
// the connection is established out of band, and by tests.
func NewFromClient(backend *config.Backend, cli client.MCPClient, init *mcp.InitializeResult, logger *slog.Logger) *Transport {
	t := &Transport{
		backend: backend,
		mcp:     cli,
		init:    init,
		logger:  logger.With("backend", backend.Name),
	}
	t.healthy.Store(true)
	return t
}

// ID returns the identifier of the backend this transport belongs to.
func (t *Transport) ID() string {
	return t.backend.Name
}

// Backend returns the backend configuration this transport was dialed with.
func (t *Transport) Backend() *config.Backend {
	return t.backend
}

// Healthy reports whether the connection is believed usable.
func (t *Transport) Healthy() bool {
	return t.healthy.Load()
}

// OnClose registers a handler invoked exactly once when the transport stops
// being usable, whether by backend-side disconnection or explicit Close. The
// error is nil for an explicit close.
func (t *Transport) OnClose(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = append(t.onClose, fn)
}

// OnNotification registers a handler for notifications originated by the backend.
func (t *Transport) OnNotification(handler func(notification mcp.JSONRPCNotification)) {
	t.mcp.OnNotification(handler)
}

// Capabilities reports what the backend declared during the handshake.
func (t *Transport) Capabilities() Capabilities {
	caps := Capabilities{}
	if t.init == nil {
		return caps
	}
	if t.init.Capabilities.Tools != nil {
		caps.Tools = true
		caps.ToolsListChanged = t.init.Capabilities.Tools.ListChanged
	}
	if t.init.Capabilities.Prompts != nil {
		caps.Prompts = true
		caps.PromptsListChanged = t.init.Capabilities.Prompts.ListChanged
	}
	if t.init.Capabilities.Resources != nil {
		caps.Resources = true
		caps.ResourcesListChanged = t.init.Capabilities.Resources.ListChanged
		caps.ResourceSubscribe = t.init.Capabilities.Resources.Subscribe
	}
	return caps
}

// Ping verifies the connection end to end.
func (t *Transport) Ping(ctx context.Context) error {
	return t.mcp.Ping(ctx)
}

// ListToolsPage fetches one page of the backend's tool catalog.
func (t *Transport) ListToolsPage(ctx context.Context, cursor mcp.Cursor) ([]mcp.Tool, mcp.Cursor, error) {
	req := mcp.ListToolsRequest{}
	req.Params.Cursor = cursor
	res, err := t.mcp.ListToolsByPage(ctx, req)
	if err != nil {
		return nil, "", err
	}
	return res.Tools, res.NextCursor, nil
}

// ListPromptsPage fetches one page of the backend's prompt catalog.
func (t *Transport) ListPromptsPage(ctx context.Context, cursor mcp.Cursor) ([]mcp.Prompt, mcp.Cursor, error) {
	req := mcp.ListPromptsRequest{}
	req.Params.Cursor = cursor
	res, err := t.mcp.ListPromptsByPage(ctx, req)
	if err != nil {
		return nil, "", err
	}
	return res.Prompts, res.NextCursor, nil
}

// ListResourcesPage fetches one page of the backend's resource catalog.
func (t *Transport) ListResourcesPage(ctx context.Context, cursor mcp.Cursor) ([]mcp.Resource, mcp.Cursor, error) {
	req := mcp.ListResourcesRequest{}
	req.Params.Cursor = cursor
	res, err := t.mcp.ListResourcesByPage(ctx, req)
	if err != nil {
		return nil, "", err
	}
	return res.Resources, res.NextCursor, nil
}

// ListResourceTemplatesPage fetches one page of the backend's resource template catalog.
func (t *Transport) ListResourceTemplatesPage(ctx context.Context, cursor mcp.Cursor) ([]mcp.ResourceTemplate, mcp.Cursor, error) {
	req := mcp.ListResourceTemplatesRequest{}
	req.Params.Cursor = cursor
	res, err := t.mcp.ListResourceTemplatesByPage(ctx, req)
	if err != nil {
		return nil, "", err
	}
	return res.ResourceTemplates, res.NextCursor, nil
}

// CallTool invokes a tool by its backend-native name.
func (t *Transport) CallTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return t.mcp.CallTool(ctx, req)
}

// GetPrompt fetches a prompt by its backend-native name.
func (t *Transport) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	req := mcp.GetPromptRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return t.mcp.GetPrompt(ctx, req)
}

// ReadResource reads a resource by its backend-native URI.
func (t *Transport) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri
	return t.mcp.ReadResource(ctx, req)
}

// SubscribeResource subscribes to update notifications for a backend-native URI.
func (t *Transport) SubscribeResource(ctx context.Context, uri string) error {
	req := mcp.SubscribeRequest{}
	req.Params.URI = uri
	return t.mcp.Subscribe(ctx, req)
}

// UnsubscribeResource removes a subscription for a backend-native URI.
func (t *Transport) UnsubscribeResource(ctx context.Context, uri string) error {
	req := mcp.UnsubscribeRequest{}
	req.Params.URI = uri
	return t.mcp.Unsubscribe(ctx, req)
}

// Close disconnects from the backend and fires the close handlers.
func (t *Transport) Close() error {
	err := t.mcp.Close()
	t.shutdown(nil)
	return err
}

// ConnectionLost marks the transport dead as if the underlying client
// reported a dropped connection: it becomes unhealthy and the close handlers
// fire with the cause. Dial wires this to the client's connection-lost
// callback; tests use it to simulate a backend going away.
func (t *Transport) ConnectionLost(cause error) {
	t.shutdown(cause)
}

func (t *Transport) shutdown(cause error) {
	t.healthy.Store(false)
	t.notifyOnce.Do(func() {
		t.mu.Lock()
		handlers := make([]func(error), len(t.onClose))
		copy(handlers, t.onClose)
		t.mu.Unlock()
		for _, fn := range handlers {
			fn(cause)
		}
	})
}
