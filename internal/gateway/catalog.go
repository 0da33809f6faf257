package gateway

import (
	"context"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/fedmcp/gateway/internal/registry"
)

// handleCatalogChange mirrors one kind of the aggregated catalog onto the
// front-facing MCP server. Registration by namespaced name overrides any
// previous definition, so the whole current set is re-registered and only
// removals need an explicit diff. The server library notifies connected
// clients of the list change itself.
func (s *Server) handleCatalogChange(ev registry.ChangeEvent) {
	entries := s.registry.Entries(ev.Kind)
	current := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		current[e.NamespacedID] = struct{}{}
	}

	s.mu.Lock()
	known := s.registered[ev.Kind]
	removed := make([]string, 0)
	for name := range known {
		if _, ok := current[name]; !ok {
			removed = append(removed, name)
			delete(known, name)
		}
	}
	for name := range current {
		known[name] = struct{}{}
	}
	s.mu.Unlock()
	sort.Strings(removed)

	switch ev.Kind {
	case registry.KindTool:
		if len(removed) > 0 {
			s.mcpServer.DeleteTools(removed...)
		}
		tools := make([]server.ServerTool, 0, len(entries))
		for _, e := range entries {
			tools = append(tools, server.ServerTool{Tool: *e.Tool, Handler: s.handleToolCall})
		}
		if len(tools) > 0 {
			s.mcpServer.AddTools(tools...)
		}
	case registry.KindPrompt:
		if len(removed) > 0 {
			s.mcpServer.DeletePrompts(removed...)
		}
		for _, e := range entries {
			s.mcpServer.AddPrompt(*e.Prompt, s.handlePromptGet)
		}
	case registry.KindResource:
		for _, name := range removed {
			s.mcpServer.RemoveResource(name)
		}
		for _, e := range entries {
			s.mcpServer.AddResource(*e.Resource, s.handleResourceRead)
		}
	case registry.KindResourceTemplate:
		// TODO: remove stale templates once the server API grows a
		// template removal call; until then they linger after a backend
		// drops one.
		for _, e := range entries {
			s.mcpServer.AddResourceTemplate(*e.ResourceTemplate, s.handleResourceRead)
		}
	}

	s.logger.Debug("catalog mirrored",
		"backend", ev.Backend,
		"kind", ev.Kind.String(),
		"entries", len(entries),
		"removed", len(removed))
}

func (s *Server) handleToolCall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.router.CallTool(ctx, req.Params.Name, req.Params.Arguments)
}

func (s *Server) handlePromptGet(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return s.router.GetPrompt(ctx, req.Params.Name, req.Params.Arguments)
}

func (s *Server) handleResourceRead(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	backend, _, err := s.registry.SplitName(req.Params.URI)
	if err != nil {
		return nil, err
	}
	res, err := s.router.ReadResource(ctx, req.Params.URI)
	if err != nil {
		return nil, err
	}
	return namespaceContents(backend, res.Contents), nil
}

// namespaceContents rewrites backend-native URIs in read results so clients
// only ever see namespaced identifiers.
func namespaceContents(backend string, contents []mcp.ResourceContents) []mcp.ResourceContents {
	out := make([]mcp.ResourceContents, 0, len(contents))
	for _, c := range contents {
		switch rc := c.(type) {
		case mcp.TextResourceContents:
			rc.URI = registry.NamespacedName(backend, rc.URI)
			out = append(out, rc)
		case mcp.BlobResourceContents:
			rc.URI = registry.NamespacedName(backend, rc.URI)
			out = append(out, rc)
		default:
			out = append(out, c)
		}
	}
	return out
}
