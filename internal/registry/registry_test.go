package registry_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedmcp/gateway/internal/gwerr"
	"github.com/fedmcp/gateway/internal/registry"
	"github.com/fedmcp/gateway/internal/transport/transporttest"
)

func newTestRegistry() *registry.Registry {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return registry.New(16, logger)
}

func addBackend(t *testing.T, reg *registry.Registry, name string, cli *transporttest.Client) {
	t.Helper()
	tr := transporttest.NewTransport(name, cli, cli.InitResult)
	require.NoError(t, reg.AddBackend(context.Background(), name, tr))
}

func TestNamespaceUniqueness(t *testing.T) {
	reg := newTestRegistry()
	addBackend(t, reg, "fs", &transporttest.Client{Tools: []mcp.Tool{{Name: "read"}}})
	addBackend(t, reg, "web", &transporttest.Client{Tools: []mcp.Tool{{Name: "read"}}})

	cards := reg.ListCompact(registry.KindTool, "")
	require.Len(t, cards, 2)
	assert.Equal(t, "fs_read", cards[0].Name)
	assert.Equal(t, "fs", cards[0].Backend)
	assert.Equal(t, "web_read", cards[1].Name)
	assert.Equal(t, "web", cards[1].Backend)
}

func TestAddBackendFollowsPagination(t *testing.T) {
	reg := newTestRegistry()
	cli := &transporttest.Client{
		Tools:    []mcp.Tool{{Name: "read"}, {Name: "write"}, {Name: "stat"}},
		PageSize: 1,
	}
	addBackend(t, reg, "fs", cli)

	assert.Len(t, reg.ListCompact(registry.KindTool, ""), 3)
}

func TestGetFullReturnsNamespacedDefinition(t *testing.T) {
	reg := newTestRegistry()
	addBackend(t, reg, "fs", &transporttest.Client{
		Tools:   []mcp.Tool{{Name: "read", Description: "read a file"}},
		Prompts: []mcp.Prompt{{Name: "summarize"}},
		Resources: []mcp.Resource{
			{URI: "file:///etc/motd", Name: "motd"},
		},
	})

	entry, err := reg.GetFull("fs_read")
	require.NoError(t, err)
	assert.Equal(t, registry.KindTool, entry.Kind)
	assert.Equal(t, "read", entry.OriginalName)
	assert.Equal(t, "fs", entry.Backend)
	require.NotNil(t, entry.Tool)
	assert.Equal(t, "fs_read", entry.Tool.Name)

	entry, err = reg.GetFull("fs_file:///etc/motd")
	require.NoError(t, err)
	assert.Equal(t, registry.KindResource, entry.Kind)
	assert.Equal(t, "file:///etc/motd", entry.OriginalName)
	require.NotNil(t, entry.Resource)
	assert.Equal(t, "fs_file:///etc/motd", entry.Resource.URI)

	_, err = reg.GetFull("fs_missing")
	assert.Equal(t, gwerr.KindNotFound, gwerr.KindOf(err))
}

func TestCompactViewCarriesNoSchema(t *testing.T) {
	reg := newTestRegistry()
	addBackend(t, reg, "fs", &transporttest.Client{
		Tools: []mcp.Tool{{Name: "read", Description: "read a file"}},
	})

	cards := reg.ListCompact(registry.KindTool, "")
	require.Len(t, cards, 1)
	assert.Equal(t, registry.CompactCard{
		Name:        "fs_read",
		Description: "read a file",
		Backend:     "fs",
	}, cards[0])
}

func TestListCompactFilter(t *testing.T) {
	reg := newTestRegistry()
	addBackend(t, reg, "fs", &transporttest.Client{
		Tools: []mcp.Tool{
			{Name: "read", Description: "read a file"},
			{Name: "write", Description: "write a file"},
			{Name: "fetch", Description: "download a URL"},
		},
	})

	assert.Len(t, reg.ListCompact(registry.KindTool, "file"), 2)
	assert.Len(t, reg.ListCompact(registry.KindTool, "URL"), 1)
	assert.Empty(t, reg.ListCompact(registry.KindTool, "nothing"))
}

func TestCacheFreshAfterResync(t *testing.T) {
	reg := newTestRegistry()
	cli := &transporttest.Client{Tools: []mcp.Tool{{Name: "read"}}}
	addBackend(t, reg, "fs", cli)
	require.Len(t, reg.ListCompact(registry.KindTool, ""), 1)

	// Any reader triggered by the change event must already see fresh data.
	observed := make(map[registry.Kind]int)
	reg.OnChange(func(ev registry.ChangeEvent) {
		observed[ev.Kind] = len(reg.ListCompact(ev.Kind, ""))
	})

	cli.Tools = []mcp.Tool{{Name: "read"}, {Name: "write"}}
	tr := transporttest.NewTransport("fs", cli, nil)
	require.NoError(t, reg.SyncBackend(context.Background(), "fs", tr))

	assert.Equal(t, 2, observed[registry.KindTool])
	assert.Len(t, reg.ListCompact(registry.KindTool, ""), 2)
}

func TestSyncFailureRetainsPreviousCatalog(t *testing.T) {
	reg := newTestRegistry()
	cli := &transporttest.Client{Tools: []mcp.Tool{{Name: "read"}}}
	addBackend(t, reg, "fs", cli)

	var events int
	reg.OnChange(func(registry.ChangeEvent) { events++ })

	cli.ListErr = errors.New("backend went away")
	tr := transporttest.NewTransport("fs", cli, nil)
	err := reg.SyncBackend(context.Background(), "fs", tr)
	require.Error(t, err)
	assert.Equal(t, gwerr.KindSyncFailed, gwerr.KindOf(err))

	assert.Len(t, reg.ListCompact(registry.KindTool, ""), 1, "failed sync must not touch the catalog")
	assert.Zero(t, events, "failed sync must not emit change events")
}

func TestSyncFailureDoesNotAffectOtherBackends(t *testing.T) {
	reg := newTestRegistry()
	addBackend(t, reg, "web", &transporttest.Client{Tools: []mcp.Tool{{Name: "fetch"}}})

	failing := &transporttest.Client{ListErr: errors.New("refused")}
	tr := transporttest.NewTransport("fs", failing, nil)
	require.Error(t, reg.AddBackend(context.Background(), "fs", tr))

	cards := reg.ListCompact(registry.KindTool, "")
	require.Len(t, cards, 1)
	assert.Equal(t, "web_fetch", cards[0].Name)
}

func TestRemoveBackend(t *testing.T) {
	reg := newTestRegistry()
	addBackend(t, reg, "fs", &transporttest.Client{
		Tools:     []mcp.Tool{{Name: "read"}},
		Resources: []mcp.Resource{{URI: "file:///x", Name: "x"}},
	})
	addBackend(t, reg, "web", &transporttest.Client{Tools: []mcp.Tool{{Name: "fetch"}}})

	_, err := reg.Subscribe("client-1", "fs_file:///x")
	require.NoError(t, err)

	var events []registry.ChangeEvent
	reg.OnChange(func(ev registry.ChangeEvent) { events = append(events, ev) })

	reg.RemoveBackend("fs")

	cards := reg.ListCompact(registry.KindTool, "")
	require.Len(t, cards, 1)
	assert.Equal(t, "web_fetch", cards[0].Name)
	assert.Empty(t, reg.ListCompact(registry.KindResource, ""))
	assert.NotEmpty(t, events)

	assert.Zero(t, reg.SubscriptionCount("client-1"), "subscriptions for the removed backend are dropped")
	assert.Empty(t, reg.ResourceUpdated("fs", "file:///x"))
}

func TestSplitNameLongestPrefixWins(t *testing.T) {
	reg := newTestRegistry()
	addBackend(t, reg, "fs", &transporttest.Client{Tools: []mcp.Tool{{Name: "read"}}})
	addBackend(t, reg, "fs_prod", &transporttest.Client{Tools: []mcp.Tool{{Name: "read"}}})

	tests := []struct {
		name        string
		wantBackend string
		wantOrig    string
		wantErr     bool
	}{
		{name: "fs_read", wantBackend: "fs", wantOrig: "read"},
		{name: "fs_prod_read", wantBackend: "fs_prod", wantOrig: "read"},
		{name: "web_read", wantErr: true},
		{name: "fs", wantErr: true},
	}
	for _, tc := range tests {
		backend, original, err := reg.SplitName(tc.name)
		if tc.wantErr {
			assert.Equal(t, gwerr.KindNotFound, gwerr.KindOf(err), "splitting %q", tc.name)
			continue
		}
		require.NoError(t, err, "splitting %q", tc.name)
		assert.Equal(t, tc.wantBackend, backend)
		assert.Equal(t, tc.wantOrig, original)
	}
}

func TestResourceTemplatesAreNamespaced(t *testing.T) {
	reg := newTestRegistry()
	addBackend(t, reg, "fs", &transporttest.Client{
		Templates: []mcp.ResourceTemplate{
			mcp.NewResourceTemplate("file:///{path}", "by-path"),
		},
	})

	entry, err := reg.GetFull("fs_by-path")
	require.NoError(t, err)
	require.NotNil(t, entry.ResourceTemplate)
	assert.Equal(t, "fs_by-path", entry.ResourceTemplate.Name)
	assert.Equal(t, "fs_file:///{path}", entry.ResourceTemplate.URITemplate.Raw())
}

func TestListCompactConcurrentWithSync(t *testing.T) {
	reg := newTestRegistry()
	cli := &transporttest.Client{Tools: []mcp.Tool{{Name: "read"}, {Name: "write"}}}
	addBackend(t, reg, "fs", cli)
	tr := transporttest.NewTransport("fs", cli, cli.InitResult)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					cards := reg.ListCompact(registry.KindTool, "")
					assert.Len(t, cards, 2)
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		require.NoError(t, reg.SyncBackend(context.Background(), "fs", tr))
	}
	close(done)
	wg.Wait()
}
