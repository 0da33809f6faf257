//go:build e2e

package e2e

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/fedmcp/gateway/internal/breaker"
	"github.com/fedmcp/gateway/internal/config"
	"github.com/fedmcp/gateway/internal/gateway"
	"github.com/fedmcp/gateway/internal/registry"
	"github.com/fedmcp/gateway/internal/router"
	"github.com/fedmcp/gateway/internal/transport"
)

const (
	TestTimeoutMedium = time.Second * 30
	TestRetryInterval = time.Millisecond * 250
)

// testBackend is one in-process MCP server playing the role of a backend.
type testBackend struct {
	mcpServer *server.MCPServer
	http      *httptest.Server
}

// URL returns the streamable HTTP endpoint of the backend.
func (b *testBackend) URL() string {
	return b.http.URL + "/mcp"
}

func (b *testBackend) Close() {
	b.http.Close()
}

// echoTool builds an echo tool served under the given name.
func echoTool(name string) server.ServerTool {
	return server.ServerTool{
		Tool: mcp.NewTool(name,
			mcp.WithDescription("echoes the msg argument"),
			mcp.WithString("msg", mcp.Required()),
		),
		Handler: func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("echo: " + req.GetString("msg", "")), nil
		},
	}
}

// startBackend runs an in-process backend MCP server over streamable HTTP.
func startBackend(name string, tools ...server.ServerTool) *testBackend {
	s := server.NewMCPServer(name, "1.0.0",
		server.WithToolCapabilities(true),
		server.WithPromptCapabilities(true),
		server.WithResourceCapabilities(true, true),
	)
	s.AddTools(tools...)

	mux := http.NewServeMux()
	mux.Handle("/mcp", server.NewStreamableHTTPServer(s))
	return &testBackend{mcpServer: s, http: httptest.NewServer(mux)}
}

// gatewayHarness is a fully assembled gateway mounted on an HTTP test server.
type gatewayHarness struct {
	conf    *config.GatewayConfig
	server  *gateway.Server
	http    *httptest.Server
	clients []*mcpclient.Client
}

// startGateway assembles the gateway over the given name to URL backend map
// and serves it on /mcp with /status alongside.
func startGateway(backends map[string]string) *gatewayHarness {
	conf := &config.GatewayConfig{}
	for name, url := range backends {
		conf.Backends = append(conf.Backends, &config.Backend{
			Name:      name,
			Transport: config.TransportStreamableHTTP,
			URL:       url,
			Enabled:   true,
		})
	}
	conf.SetDefaults()
	conf.CallTimeout = 10 * time.Second

	logger := slog.New(slog.NewTextHandler(GinkgoWriter, nil))
	reg := registry.New(conf.MaxSubscriptionsPerClient, logger)
	pool := transport.NewPool(conf, logger)
	breakers := breaker.NewManager(conf, logger)
	rtr := router.New(conf, reg, pool, breakers, logger)
	gw := gateway.New(conf, reg, rtr, pool, breakers, logger)
	gw.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/mcp", server.NewStreamableHTTPServer(gw.MCPServer()))
	statusHandler := gateway.NewStatusHandler(gw, logger)
	mux.Handle("/status", statusHandler)
	mux.Handle("/status/", statusHandler)

	return &gatewayHarness{
		conf:   conf,
		server: gw,
		http:   httptest.NewServer(mux),
	}
}

// URL returns the gateway's MCP endpoint.
func (h *gatewayHarness) URL() string {
	return h.http.URL + "/mcp"
}

// StatusURL returns the gateway's status endpoint.
func (h *gatewayHarness) StatusURL() string {
	return h.http.URL + "/status"
}

// Connect opens and initializes a client session against the gateway.
func (h *gatewayHarness) Connect() *mcpclient.Client {
	c, err := mcpclient.NewStreamableHttpClient(h.URL())
	Expect(err).ToNot(HaveOccurred())
	Expect(c.Start(ctx)).To(Succeed())

	_, err = c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "e2e-client",
				Version: "0.0.1",
			},
		},
	})
	Expect(err).ToNot(HaveOccurred())

	h.clients = append(h.clients, c)
	return c
}

func (h *gatewayHarness) Close() {
	for _, c := range h.clients {
		_ = c.Close()
	}
	_ = h.server.Shutdown(ctx)
	h.http.Close()
}
