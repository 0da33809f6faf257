package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fedmcp/gateway/internal/gwerr"
	"github.com/fedmcp/gateway/internal/registry"
)

// BackendStatus describes one configured backend for the status endpoint.
type BackendStatus struct {
	Name              string `json:"name"`
	Transport         string `json:"transport"`
	Enabled           bool   `json:"enabled"`
	Connected         bool   `json:"connected"`
	Healthy           bool   `json:"healthy"`
	CircuitState      string `json:"circuitState"`
	SupportsSubscribe bool   `json:"supportsSubscribe"`
	Tools             int    `json:"tools"`
	Prompts           int    `json:"prompts"`
	Resources         int    `json:"resources"`
	ResourceTemplates int    `json:"resourceTemplates"`
}

// StatusResponse is the full status document.
type StatusResponse struct {
	Backends          []BackendStatus `json:"backends"`
	TotalBackends     int             `json:"totalBackends"`
	HealthyBackends   int             `json:"healthyBackends"`
	UnhealthyBackends int             `json:"unhealthyBackends"`
	ActiveRequests    int             `json:"activeRequests"`
	Timestamp         time.Time       `json:"timestamp"`
}

// Status assembles the current view of every configured backend.
func (s *Server) Status() StatusResponse {
	connections := s.pool.Snapshot()
	breakers := s.breakers.States()

	counts := make(map[string]map[registry.Kind]int)
	for _, k := range registry.Kinds {
		for _, e := range s.registry.Entries(k) {
			if counts[e.Backend] == nil {
				counts[e.Backend] = make(map[registry.Kind]int)
			}
			counts[e.Backend][k]++
		}
	}

	response := StatusResponse{Timestamp: time.Now()}
	for _, b := range s.conf.AllBackends() {
		healthy, connected := connections[b.Name]
		state := "closed"
		if cs, ok := breakers[b.Name]; ok {
			state = cs.String()
		}
		status := BackendStatus{
			Name:              b.Name,
			Transport:         string(b.Transport),
			Enabled:           b.Enabled,
			Connected:         connected,
			Healthy:           connected && healthy,
			CircuitState:      state,
			SupportsSubscribe: s.registry.SupportsSubscribe(b.Name),
			Tools:             counts[b.Name][registry.KindTool],
			Prompts:           counts[b.Name][registry.KindPrompt],
			Resources:         counts[b.Name][registry.KindResource],
			ResourceTemplates: counts[b.Name][registry.KindResourceTemplate],
		}
		response.Backends = append(response.Backends, status)
		response.TotalBackends++
		if status.Healthy {
			response.HealthyBackends++
		} else {
			response.UnhealthyBackends++
		}
	}
	response.ActiveRequests = s.router.InFlight()
	return response
}

// PingBackend actively validates the live connection to a backend.
func (s *Server) PingBackend(ctx context.Context, name string) error {
	t, ok := s.pool.Peek(name)
	if !ok {
		return gwerr.NotFound("no live connection to backend %q", name)
	}
	ctx, cancel := context.WithTimeout(ctx, s.conf.ConnectTimeout)
	defer cancel()
	return t.Ping(ctx)
}

// StatusHandler serves the status document over HTTP.
type StatusHandler struct {
	server *Server
	logger *slog.Logger
}

// NewStatusHandler builds the handler for the /status route.
func NewStatusHandler(server *Server, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{server: server, logger: logger}
}

// ServeHTTP implements http.Handler interface
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setResponseHeaders(w)

	switch r.Method {
	case http.MethodGet:
		h.handleGetStatus(w, r)
	default:
		h.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed. Supported methods: GET")
	}
}

func (h *StatusHandler) setResponseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func (h *StatusHandler) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	response := h.server.Status()

	// /status/{name} narrows the document to a single backend.
	name := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/status"), "/")
	if name != "" {
		for i := range response.Backends {
			if response.Backends[i].Name == name {
				backend := response.Backends[i]
				// The single-backend view validates the connection instead
				// of reporting the last known state.
				if backend.Connected {
					backend.Healthy = h.server.PingBackend(r.Context(), name) == nil
				}
				h.sendJSONResponse(w, http.StatusOK, backend)
				return
			}
		}
		h.sendErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Backend '%s' not found", name))
		return
	}

	h.sendJSONResponse(w, http.StatusOK, response)
}

func (h *StatusHandler) sendJSONResponse(w http.ResponseWriter, statusCode int, data any) {
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (h *StatusHandler) sendErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	h.sendJSONResponse(w, statusCode, map[string]string{"error": message})
}
