// Package gateway assembles the registry, router, pool, and breaker layers
// behind a single front-facing MCP server that federates every configured
// backend under one namespace.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/fedmcp/gateway/internal/breaker"
	"github.com/fedmcp/gateway/internal/config"
	"github.com/fedmcp/gateway/internal/registry"
	"github.com/fedmcp/gateway/internal/router"
	"github.com/fedmcp/gateway/internal/transport"
)

const (
	serverName    = "mcp-aggregation-gateway"
	serverVersion = "0.1.0"
)

var _ config.Observer = &Server{}

// Server is the protocol-facing boundary of the gateway. It mirrors the
// registry's aggregated catalog onto an MCP server, dispatches client calls
// through the router, and fans backend-originated notifications out to the
// subscribed clients.
type Server struct {
	conf     *config.GatewayConfig
	registry *registry.Registry
	router   *router.Router
	pool     *transport.Pool
	breakers *breaker.Manager
	logger   *slog.Logger

	mcpServer *server.MCPServer

	mu         sync.Mutex
	registered map[registry.Kind]map[string]struct{}
	applied    map[string]config.Backend

	// subMu serializes subscription changes together with their backend
	// forwarding, so a failed first-subscriber forward cannot interleave
	// with a second subscriber joining the same pair.
	subMu sync.Mutex
}

// New builds the gateway server and hooks it into the pool and registry
// event streams. Call Start to perform the initial backend sync.
func New(conf *config.GatewayConfig, reg *registry.Registry, rtr *router.Router, pool *transport.Pool, breakers *breaker.Manager, logger *slog.Logger) *Server {
	s := &Server{
		conf:       conf,
		registry:   reg,
		router:     rtr,
		pool:       pool,
		breakers:   breakers,
		logger:     logger,
		registered: make(map[registry.Kind]map[string]struct{}, len(registry.Kinds)),
		applied:    make(map[string]config.Backend),
	}
	for _, k := range registry.Kinds {
		s.registered[k] = make(map[string]struct{})
	}

	hooks := &server.Hooks{}
	hooks.AddOnRegisterSession(func(_ context.Context, session server.ClientSession) {
		logger.Info("client connected", "session_id", session.SessionID())
	})
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		logger.Info("client disconnected", "session_id", session.SessionID())
		s.handleClientDisconnect(session.SessionID())
	})

	s.mcpServer = server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithHooks(hooks),
		server.WithToolCapabilities(true),
		server.WithPromptCapabilities(true),
		server.WithResourceCapabilities(true, true),
	)

	pool.OnDial(s.attachTransport)
	reg.OnChange(s.handleCatalogChange)
	return s
}

// MCPServer returns the front-facing MCP server to mount on a transport.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Start connects every enabled backend and publishes its catalog. A backend
// that cannot be reached at startup is logged and skipped; the reconnect loop
// keeps retrying it until it comes back or leaves the configuration.
func (s *Server) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, b := range s.conf.EnabledBackends() {
		s.mu.Lock()
		s.applied[b.Name] = *b
		s.mu.Unlock()

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.addBackend(ctx, id); err != nil {
				s.logger.Warn("backend unavailable at startup", "backend", id, "error", err)
			}
		}(b.Name)
	}
	wg.Wait()

	go s.reconnectLoop(ctx)
}

// reconnectLoop periodically re-adds applied backends whose catalog is not
// published, covering backends that were down at startup and connections that
// dropped after it.
func (s *Server) reconnectLoop(ctx context.Context) {
	ticker := time.NewTicker(s.conf.ReconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconnectMissing(ctx)
		}
	}
}

func (s *Server) reconnectMissing(ctx context.Context) {
	synced := make(map[string]struct{})
	for _, id := range s.registry.BackendIDs() {
		synced[id] = struct{}{}
	}

	s.mu.Lock()
	missing := make([]string, 0, len(s.applied))
	for id := range s.applied {
		if _, ok := synced[id]; !ok {
			missing = append(missing, id)
		}
	}
	s.mu.Unlock()

	for _, id := range missing {
		s.logger.Info("retrying backend", "backend", id)
		if err := s.addBackend(ctx, id); err != nil {
			s.logger.Warn("backend still unreachable", "backend", id, "error", err)
		}
	}
}

// OnConfigChange reconciles the running state against a replaced
// configuration: removed or disabled backends are torn down, new ones are
// connected and synced, and changed ones are reconnected.
func (s *Server) OnConfigChange(ctx context.Context, conf *config.GatewayConfig) {
	s.logger.Debug("reconciling configuration change")

	enabled := make(map[string]*config.Backend)
	for _, b := range conf.EnabledBackends() {
		enabled[b.Name] = b
	}

	s.mu.Lock()
	previous := make(map[string]config.Backend, len(s.applied))
	for id, b := range s.applied {
		previous[id] = b
	}
	s.mu.Unlock()

	for id := range previous {
		if _, ok := enabled[id]; !ok {
			s.removeBackend(id)
		}
	}

	for id, b := range enabled {
		prev, known := previous[id]
		if known && !b.Changed(&prev) {
			continue
		}
		if known {
			// Connection parameters changed; drop the old transport so the
			// sync below dials with the new ones.
			s.pool.Evict(id)
		}
		s.mu.Lock()
		s.applied[id] = *b
		s.mu.Unlock()
		if err := s.addBackend(ctx, id); err != nil {
			s.logger.Warn("backend sync failed after config change", "backend", id, "error", err)
		}
	}
}

// Subscribe records a client's subscription to a namespaced resource URI and
// forwards it to the owning backend when that backend supports native
// subscriptions and this is the first subscriber to the pair.
func (s *Server) Subscribe(ctx context.Context, clientID, namespacedURI string) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	res, err := s.registry.Subscribe(clientID, namespacedURI)
	if err != nil {
		return err
	}
	if res.Native && res.First {
		if err := s.router.SubscribeBackend(ctx, res.Backend, res.URI); err != nil {
			if _, uerr := s.registry.Unsubscribe(clientID, namespacedURI); uerr != nil {
				s.logger.Error("subscription rollback failed", "client_id", clientID, "uri", namespacedURI, "error", uerr)
			}
			return err
		}
	}
	return nil
}

// Unsubscribe removes a client's subscription, propagating the removal to
// the backend when the last subscriber for the pair is gone.
func (s *Server) Unsubscribe(ctx context.Context, clientID, namespacedURI string) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	release, err := s.registry.Unsubscribe(clientID, namespacedURI)
	if err != nil {
		return err
	}
	if release != nil && release.Native {
		if err := s.router.UnsubscribeBackend(ctx, release.Backend, release.URI); err != nil {
			s.logger.Warn("backend unsubscribe failed", "backend", release.Backend, "uri", release.URI, "error", err)
		}
	}
	return nil
}

// Shutdown drains in-flight client calls, bounded by the context, then
// releases every backend connection.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.router.Drain(ctx); err != nil {
		s.logger.Warn("abandoning in-flight requests", "remaining", s.router.InFlight())
	}
	return s.pool.CloseAll(ctx)
}

// addBackend dials (or reuses) the transport and publishes the catalog.
func (s *Server) addBackend(ctx context.Context, id string) error {
	t, err := s.pool.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.registry.AddBackend(ctx, id, t)
}

// removeBackend tears down everything owned by a backend that left the
// configuration.
func (s *Server) removeBackend(id string) {
	s.logger.Info("removing backend", "backend", id)
	s.mu.Lock()
	delete(s.applied, id)
	s.mu.Unlock()
	s.registry.RemoveBackend(id)
	s.pool.Evict(id)
	s.breakers.Remove(id)
}

// attachTransport runs once per pooled connection, wiring the backend's
// notification stream and connection loss into the gateway.
func (s *Server) attachTransport(t *transport.Transport) {
	id := t.ID()
	t.OnNotification(func(n mcp.JSONRPCNotification) {
		s.handleBackendNotification(id, n)
	})
	t.OnClose(func(cause error) {
		s.handleBackendDisconnect(id, cause)
	})
}

// handleBackendDisconnect unpublishes a backend whose connection dropped, so
// clients stop seeing a catalog no call can reach. The reconnect loop
// republishes it once the backend is dialable again. An explicit close
// (shutdown, config removal or reload) cleans up through its own path and
// carries a nil cause.
func (s *Server) handleBackendDisconnect(id string, cause error) {
	if cause == nil {
		return
	}
	s.logger.Warn("backend connection lost, unpublishing its catalog", "backend", id, "error", cause)
	s.registry.RemoveBackend(id)
}

func (s *Server) handleBackendNotification(id string, n mcp.JSONRPCNotification) {
	switch n.Method {
	case "notifications/tools/list_changed",
		"notifications/prompts/list_changed",
		"notifications/resources/list_changed":
		s.logger.Info("backend catalog changed", "backend", id, "method", n.Method)
		go s.resyncBackend(id)
	case "notifications/resources/updated":
		uri, _ := n.Params.AdditionalFields["uri"].(string)
		if uri == "" {
			s.logger.Warn("resource update without uri", "backend", id)
			return
		}
		s.handleResourceUpdated(id, uri)
	default:
		s.logger.Debug("ignoring backend notification", "backend", id, "method", n.Method)
	}
}

// resyncBackend re-runs the catalog sync after a backend reported a change.
func (s *Server) resyncBackend(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.conf.CallTimeout)
	defer cancel()
	if err := s.addBackend(ctx, id); err != nil {
		s.logger.Warn("catalog resync failed", "backend", id, "error", err)
	}
}

// handleResourceUpdated forwards a backend's resource update to every client
// subscribed to exactly that (backend, uri) pair, using the namespaced URI
// toward clients. No matching subscriber is a normal outcome.
func (s *Server) handleResourceUpdated(id, uri string) {
	clients := s.registry.ResourceUpdated(id, uri)
	if len(clients) == 0 {
		return
	}
	namespacedURI := registry.NamespacedName(id, uri)
	params := map[string]any{"uri": namespacedURI}
	for _, clientID := range clients {
		if err := s.mcpServer.SendNotificationToSpecificClient(clientID, "notifications/resources/updated", params); err != nil {
			s.logger.Warn("resource update delivery failed", "client_id", clientID, "uri", namespacedURI, "error", err)
		}
	}
}

// handleClientDisconnect cascades subscription removal for a departed client
// and unsubscribes at any backend left without subscribers.
func (s *Server) handleClientDisconnect(clientID string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	releases := s.registry.ClientDisconnected(clientID)
	for _, release := range releases {
		if !release.Native {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.conf.CallTimeout)
		if err := s.router.UnsubscribeBackend(ctx, release.Backend, release.URI); err != nil {
			s.logger.Warn("backend unsubscribe failed on disconnect", "backend", release.Backend, "uri", release.URI, "error", err)
		}
		cancel()
	}
}
