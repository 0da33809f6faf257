package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"sigs.k8s.io/yaml"
)

// UpdateHandler handles dynamic configuration updates via HTTP. Every gateway
// instance receives the same replacement payload, so a push from an operator
// or a controller reaches each one identically.
type UpdateHandler struct {
	config    *GatewayConfig
	authToken string
	logger    *slog.Logger
}

// NewUpdateHandler creates a new config update handler.
func NewUpdateHandler(cfg *GatewayConfig, authToken string, logger *slog.Logger) *UpdateHandler {
	if cfg == nil {
		panic("cfg cannot be nil")
	}
	if logger == nil {
		panic("logger cannot be nil")
	}
	return &UpdateHandler{
		config:    cfg,
		authToken: authToken,
		logger:    logger,
	}
}

// UpdateConfig handles config replacement requests.
func (h *UpdateHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	// method check handled by mux with "POST /config" pattern
	if h.authToken != "" {
		token := r.Header.Get("Authorization")
		expectedToken := "Bearer " + h.authToken
		if token != expectedToken {
			h.logger.Warn("unauthorized config update attempt")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read request", http.StatusBadRequest)
		return
	}
	defer func() { _ = r.Body.Close() }()

	var payload struct {
		Backends []*Backend `json:"backends"`
	}
	if err := yaml.Unmarshal(body, &payload); err != nil {
		h.logger.Error("failed to parse config", "error", err)
		http.Error(w, "Invalid YAML format", http.StatusBadRequest)
		return
	}

	if err := h.config.Replace(r.Context(), payload.Backends); err != nil {
		h.logger.Error("rejected config update", "error", err)
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	h.logger.Info("configuration updated via API", "backendCount", len(payload.Backends))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	response := map[string]any{
		"success": true,
		"message": fmt.Sprintf("Configuration updated with %d backends", len(payload.Backends)),
	}
	_ = json.NewEncoder(w).Encode(response)
}
