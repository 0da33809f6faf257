package router_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedmcp/gateway/internal/breaker"
	"github.com/fedmcp/gateway/internal/config"
	"github.com/fedmcp/gateway/internal/gwerr"
	"github.com/fedmcp/gateway/internal/registry"
	"github.com/fedmcp/gateway/internal/router"
	"github.com/fedmcp/gateway/internal/transport"
	"github.com/fedmcp/gateway/internal/transport/transporttest"
)

type fakePool struct {
	mu         sync.Mutex
	transports map[string]*transport.Transport
	gets       int
}

func (p *fakePool) Get(_ context.Context, id string) (*transport.Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gets++
	t, ok := p.transports[id]
	if !ok {
		return nil, errors.New("no transport for " + id)
	}
	return t, nil
}

type fixture struct {
	conf   *config.GatewayConfig
	reg    *registry.Registry
	pool   *fakePool
	router *router.Router
}

func newFixture(t *testing.T, conf *config.GatewayConfig) *fixture {
	t.Helper()
	if conf == nil {
		conf = &config.GatewayConfig{}
	}
	conf.SetDefaults()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(16, logger)
	pool := &fakePool{transports: make(map[string]*transport.Transport)}
	breakers := breaker.NewManager(conf, logger)
	return &fixture{
		conf:   conf,
		reg:    reg,
		pool:   pool,
		router: router.New(conf, reg, pool, breakers, logger),
	}
}

func (f *fixture) addBackend(t *testing.T, name string, cli *transporttest.Client) {
	t.Helper()
	tr := transporttest.NewTransport(name, cli, nil)
	require.NoError(t, f.reg.AddBackend(context.Background(), name, tr))
	f.pool.mu.Lock()
	f.pool.transports[name] = tr
	f.pool.mu.Unlock()
}

func TestCallToolStripsNamespaceBeforeForwarding(t *testing.T) {
	f := newFixture(t, nil)

	var forwarded mcp.CallToolRequest
	cli := &transporttest.Client{
		Tools: []mcp.Tool{{Name: "read"}},
		CallToolFunc: func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			forwarded = req
			return mcp.NewToolResultText("file contents"), nil
		},
	}
	f.addBackend(t, "fs", cli)

	result, err := f.router.CallTool(context.Background(), "fs_read", map[string]any{"path": "/x"})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, "read", forwarded.Params.Name, "backend sees the original name")
	args, ok := forwarded.Params.Arguments.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "/x", args["path"])
}

func TestCallToolUnknownNameIsNotFound(t *testing.T) {
	f := newFixture(t, nil)
	f.addBackend(t, "fs", &transporttest.Client{Tools: []mcp.Tool{{Name: "read"}}})

	_, err := f.router.CallTool(context.Background(), "web_fetch", nil)
	require.Error(t, err)
	assert.Equal(t, gwerr.KindNotFound, gwerr.KindOf(err))
	assert.Zero(t, f.pool.gets, "no backend is contacted for an unresolvable name")
}

func TestCallToolTagsBackendErrors(t *testing.T) {
	f := newFixture(t, nil)
	backendErr := errors.New("disk on fire")
	f.addBackend(t, "fs", &transporttest.Client{
		Tools: []mcp.Tool{{Name: "read"}},
		CallToolFunc: func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return nil, backendErr
		},
	})

	_, err := f.router.CallTool(context.Background(), "fs_read", nil)
	require.Error(t, err)
	assert.Equal(t, gwerr.KindBackend, gwerr.KindOf(err))
	assert.ErrorIs(t, err, backendErr, "the backend payload is preserved")

	var gerr *gwerr.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, "fs", gerr.Backend)
}

func TestCallToolTimeout(t *testing.T) {
	conf := &config.GatewayConfig{CallTimeout: 50 * time.Millisecond}
	f := newFixture(t, conf)

	release := make(chan struct{})
	f.addBackend(t, "fs", &transporttest.Client{
		Tools: []mcp.Tool{{Name: "read"}},
		CallToolFunc: func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			<-release
			return mcp.NewToolResultText("too late"), nil
		},
	})
	defer close(release)

	start := time.Now()
	_, err := f.router.CallTool(context.Background(), "fs_read", nil)
	require.Error(t, err)
	assert.Equal(t, gwerr.KindTimeout, gwerr.KindOf(err))
	assert.Less(t, time.Since(start), time.Second, "the caller is released at the timeout, not when the backend answers")
}

func TestCircuitOpenShortCircuits(t *testing.T) {
	conf := &config.GatewayConfig{}
	conf.SetDefaults()
	conf.Breaker = config.BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, OpenTimeout: time.Minute}
	f := newFixture(t, conf)

	f.addBackend(t, "fs", &transporttest.Client{
		Tools: []mcp.Tool{{Name: "read"}},
		CallToolFunc: func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return nil, errors.New("boom")
		},
	})

	_, err := f.router.CallTool(context.Background(), "fs_read", nil)
	require.Error(t, err)
	gets := f.pool.gets

	_, err = f.router.CallTool(context.Background(), "fs_read", nil)
	require.Error(t, err)
	assert.Equal(t, gwerr.KindCircuitOpen, gwerr.KindOf(err))
	assert.Equal(t, gets, f.pool.gets, "an open circuit never reaches the pool")
}

func TestGetPromptAndReadResource(t *testing.T) {
	f := newFixture(t, nil)
	f.addBackend(t, "fs", &transporttest.Client{
		Prompts:   []mcp.Prompt{{Name: "summarize"}},
		Resources: []mcp.Resource{{URI: "file:///x", Name: "x"}},
	})

	_, err := f.router.GetPrompt(context.Background(), "fs_summarize", map[string]string{"n": "3"})
	require.NoError(t, err)

	res, err := f.router.ReadResource(context.Background(), "fs_file:///x")
	require.NoError(t, err)
	require.Len(t, res.Contents, 1)
	text, ok := res.Contents[0].(mcp.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, "file:///x", text.URI, "the backend saw the original URI")
}

func TestSubscribeBackendForwarding(t *testing.T) {
	f := newFixture(t, nil)
	cli := &transporttest.Client{Resources: []mcp.Resource{{URI: "file:///x", Name: "x"}}}
	f.addBackend(t, "fs", cli)

	require.NoError(t, f.router.SubscribeBackend(context.Background(), "fs", "file:///x"))
	assert.True(t, cli.Subscribed("file:///x"))

	require.NoError(t, f.router.UnsubscribeBackend(context.Background(), "fs", "file:///x"))
	assert.False(t, cli.Subscribed("file:///x"))
}

func TestDrainWaitsForInFlightCalls(t *testing.T) {
	f := newFixture(t, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	f.addBackend(t, "fs", &transporttest.Client{
		Tools: []mcp.Tool{{Name: "read"}},
		CallToolFunc: func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			close(started)
			<-release
			return mcp.NewToolResultText("done"), nil
		},
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.router.CallTool(context.Background(), "fs_read", nil)
	}()
	<-started
	assert.Equal(t, 1, f.router.InFlight())

	shortCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, f.router.Drain(shortCtx), "drain times out while a call is in flight")

	close(release)
	<-done
	require.NoError(t, f.router.Drain(context.Background()))
	assert.Zero(t, f.router.InFlight())
}
