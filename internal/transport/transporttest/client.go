// Package transporttest provides a scriptable in-memory MCP client used by
// the gateway's unit tests in place of a real backend connection.
package transporttest

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/fedmcp/gateway/internal/config"
	"github.com/fedmcp/gateway/internal/transport"
)

var _ client.MCPClient = &Client{}

// Client is a fake MCP client. Catalog fields are served through the list
// calls, optionally split into pages; the Func fields override individual
// call behavior when set.
type Client struct {
	mu sync.Mutex

	Tools     []mcp.Tool
	Prompts   []mcp.Prompt
	Resources []mcp.Resource
	Templates []mcp.ResourceTemplate

	// PageSize splits list responses into pages of this size. Zero serves
	// everything in one page.
	PageSize int

	// ListErr fails every list call when set.
	ListErr error

	InitResult *mcp.InitializeResult

	CallToolFunc     func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	GetPromptFunc    func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error)
	ReadResourceFunc func(ctx context.Context, req mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error)
	// SubscribeFunc intercepts subscribe requests; a non-nil error fails the
	// request before any subscription state is recorded.
	SubscribeFunc func(ctx context.Context, req mcp.SubscribeRequest) error
	SubscribeErr  error

	subscribed     map[string]bool
	subscribeCalls int
	handlers       []func(mcp.JSONRPCNotification)
	closed         bool
}

// NewTransport wraps the fake in a healthy transport for the named backend.
// A nil init advertises every capability.
func NewTransport(name string, cli client.MCPClient, init *mcp.InitializeResult) *transport.Transport {
	if init == nil {
		init = InitWithCapabilities(true, true, true, true)
	}
	backend := &config.Backend{
		Name:      name,
		Transport: config.TransportStreamableHTTP,
		URL:       "http://" + name + ".test",
		Enabled:   true,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return transport.NewFromClient(backend, cli, init, logger)
}

// InitWithCapabilities builds an initialize result advertising the given
// capability set.
func InitWithCapabilities(tools, prompts, resources, subscribe bool) *mcp.InitializeResult {
	res := &mcp.InitializeResult{}
	if tools {
		res.Capabilities.Tools = &struct {
			ListChanged bool `json:"listChanged,omitempty"`
		}{ListChanged: true}
	}
	if prompts {
		res.Capabilities.Prompts = &struct {
			ListChanged bool `json:"listChanged,omitempty"`
		}{ListChanged: true}
	}
	if resources {
		res.Capabilities.Resources = &struct {
			Subscribe   bool `json:"subscribe,omitempty"`
			ListChanged bool `json:"listChanged,omitempty"`
		}{Subscribe: subscribe, ListChanged: true}
	}
	return res
}

func (c *Client) Initialize(_ context.Context, _ mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	if c.InitResult != nil {
		return c.InitResult, nil
	}
	return InitWithCapabilities(true, true, true, true), nil
}

func (c *Client) Ping(_ context.Context) error { return nil }

// page slices [0, total) according to PageSize and the cursor.
func (c *Client) page(cursor mcp.Cursor, total int) (start, end int, next mcp.Cursor, err error) {
	if c.ListErr != nil {
		return 0, 0, "", c.ListErr
	}
	if cursor != "" {
		start, err = strconv.Atoi(string(cursor))
		if err != nil {
			return 0, 0, "", err
		}
	}
	end = total
	if c.PageSize > 0 && start+c.PageSize < total {
		end = start + c.PageSize
		next = mcp.Cursor(strconv.Itoa(end))
	}
	return start, end, next, nil
}

func (c *Client) ListToolsByPage(_ context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start, end, next, err := c.page(req.Params.Cursor, len(c.Tools))
	if err != nil {
		return nil, err
	}
	res := &mcp.ListToolsResult{Tools: c.Tools[start:end]}
	res.NextCursor = next
	return res, nil
}

func (c *Client) ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	return c.ListToolsByPage(ctx, req)
}

func (c *Client) ListPromptsByPage(_ context.Context, req mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start, end, next, err := c.page(req.Params.Cursor, len(c.Prompts))
	if err != nil {
		return nil, err
	}
	res := &mcp.ListPromptsResult{Prompts: c.Prompts[start:end]}
	res.NextCursor = next
	return res, nil
}

func (c *Client) ListPrompts(ctx context.Context, req mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error) {
	return c.ListPromptsByPage(ctx, req)
}

func (c *Client) ListResourcesByPage(_ context.Context, req mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start, end, next, err := c.page(req.Params.Cursor, len(c.Resources))
	if err != nil {
		return nil, err
	}
	res := &mcp.ListResourcesResult{Resources: c.Resources[start:end]}
	res.NextCursor = next
	return res, nil
}

func (c *Client) ListResources(ctx context.Context, req mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error) {
	return c.ListResourcesByPage(ctx, req)
}

func (c *Client) ListResourceTemplatesByPage(_ context.Context, req mcp.ListResourceTemplatesRequest) (*mcp.ListResourceTemplatesResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start, end, next, err := c.page(req.Params.Cursor, len(c.Templates))
	if err != nil {
		return nil, err
	}
	res := &mcp.ListResourceTemplatesResult{ResourceTemplates: c.Templates[start:end]}
	res.NextCursor = next
	return res, nil
}

func (c *Client) ListResourceTemplates(ctx context.Context, req mcp.ListResourceTemplatesRequest) (*mcp.ListResourceTemplatesResult, error) {
	return c.ListResourceTemplatesByPage(ctx, req)
}

func (c *Client) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if c.CallToolFunc != nil {
		return c.CallToolFunc(ctx, req)
	}
	return mcp.NewToolResultText("ok"), nil
}

func (c *Client) GetPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	if c.GetPromptFunc != nil {
		return c.GetPromptFunc(ctx, req)
	}
	return &mcp.GetPromptResult{}, nil
}

func (c *Client) ReadResource(ctx context.Context, req mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	if c.ReadResourceFunc != nil {
		return c.ReadResourceFunc(ctx, req)
	}
	return &mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{
			mcp.TextResourceContents{URI: req.Params.URI, Text: "contents of " + req.Params.URI},
		},
	}, nil
}

func (c *Client) Subscribe(ctx context.Context, req mcp.SubscribeRequest) error {
	if c.SubscribeFunc != nil {
		if err := c.SubscribeFunc(ctx, req); err != nil {
			return err
		}
	} else if c.SubscribeErr != nil {
		return c.SubscribeErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribed == nil {
		c.subscribed = make(map[string]bool)
	}
	c.subscribed[req.Params.URI] = true
	c.subscribeCalls++
	return nil
}

// SubscribeCalls reports how many subscribe requests reached the backend.
func (c *Client) SubscribeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribeCalls
}

func (c *Client) Unsubscribe(_ context.Context, req mcp.UnsubscribeRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribed, req.Params.URI)
	return nil
}

// Subscribed reports whether the backend currently holds a subscription for
// the URI.
func (c *Client) Subscribed(uri string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed[uri]
}

func (c *Client) Complete(_ context.Context, _ mcp.CompleteRequest) (*mcp.CompleteResult, error) {
	return &mcp.CompleteResult{}, nil
}

func (c *Client) SetLevel(_ context.Context, _ mcp.SetLevelRequest) error { return nil }

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) OnNotification(handler func(notification mcp.JSONRPCNotification)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Notify delivers a backend-originated notification to every registered
// handler, synchronously.
func (c *Client) Notify(method string, params map[string]any) {
	c.mu.Lock()
	handlers := make([]func(mcp.JSONRPCNotification), len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	n := mcp.JSONRPCNotification{
		JSONRPC: mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{
			Method: method,
			Params: mcp.NotificationParams{AdditionalFields: params},
		},
	}
	for _, handler := range handlers {
		handler(n)
	}
}
