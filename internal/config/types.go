// Package config provides the gateway configuration types and change notification.
package config

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"
)

// TransportKind selects how the gateway reaches a backend.
type TransportKind string

const (
	// TransportStdio spawns the backend as a local process and speaks over its pipes.
	TransportStdio TransportKind = "stdio"
	// TransportStreamableHTTP connects to a remote streamable HTTP endpoint.
	TransportStreamableHTTP TransportKind = "streamablehttp"
)

// Valid reports whether the transport kind is one the gateway knows how to dial.
func (t TransportKind) Valid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// Backend describes one configured backend MCP server.
type Backend struct {
	Name      string        `json:"name"                yaml:"name"`
	Transport TransportKind `json:"transport"           yaml:"transport"`
	URL       string        `json:"url,omitempty"       yaml:"url,omitempty"`
	Command   string        `json:"command,omitempty"   yaml:"command,omitempty"`
	Args      []string      `json:"args,omitempty"      yaml:"args,omitempty"`
	Env       []string      `json:"env,omitempty"       yaml:"env,omitempty"`
	// Credential is an opaque Authorization header value passed through on dial.
	Credential string `json:"credential,omitempty" yaml:"credential,omitempty"`
	Enabled    bool   `json:"enabled"             yaml:"enabled"`
}

// Validate checks a single backend entry.
func (b *Backend) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("backend name must not be empty")
	}
	if !b.Transport.Valid() {
		return fmt.Errorf("backend %q: unknown transport %q", b.Name, b.Transport)
	}
	switch b.Transport {
	case TransportStreamableHTTP:
		if b.URL == "" {
			return fmt.Errorf("backend %q: url is required for %s transport", b.Name, b.Transport)
		}
		if _, err := url.Parse(b.URL); err != nil {
			return fmt.Errorf("backend %q: invalid url: %w", b.Name, err)
		}
	case TransportStdio:
		if b.Command == "" {
			return fmt.Errorf("backend %q: command is required for %s transport", b.Name, b.Transport)
		}
	}
	return nil
}

// Changed reports whether the backend differs from existing in a way that requires a reconnect.
func (b *Backend) Changed(existing *Backend) bool {
	if b.Transport != existing.Transport ||
		b.URL != existing.URL ||
		b.Command != existing.Command ||
		b.Credential != existing.Credential ||
		b.Enabled != existing.Enabled ||
		len(b.Args) != len(existing.Args) ||
		len(b.Env) != len(existing.Env) {
		return true
	}
	for i := range b.Args {
		if b.Args[i] != existing.Args[i] {
			return true
		}
	}
	for i := range b.Env {
		if b.Env[i] != existing.Env[i] {
			return true
		}
	}
	return false
}

// BreakerConfig holds the per-backend circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           `json:"failureThreshold" yaml:"failureThreshold"`
	SuccessThreshold int           `json:"successThreshold" yaml:"successThreshold"`
	OpenTimeout      time.Duration `json:"openTimeout"      yaml:"openTimeout"`
}

// GatewayConfig is the validated configuration the core consumes.
type GatewayConfig struct {
	Backends []*Backend `json:"backends" yaml:"backends"`

	CallTimeout       time.Duration `json:"callTimeout"       yaml:"callTimeout"`
	ConnectTimeout    time.Duration `json:"connectTimeout"    yaml:"connectTimeout"`
	ShutdownTimeout   time.Duration `json:"shutdownTimeout"   yaml:"shutdownTimeout"`
	ReconnectInterval time.Duration `json:"reconnectInterval" yaml:"reconnectInterval"`

	MaxSubscriptionsPerClient int `json:"maxSubscriptionsPerClient" yaml:"maxSubscriptionsPerClient"`

	Breaker BreakerConfig `json:"breaker" yaml:"breaker"`

	mu        sync.Mutex
	observers []Observer
}

// Defaults used when the corresponding config keys are absent.
const (
	DefaultCallTimeout               = 30 * time.Second
	DefaultConnectTimeout            = 10 * time.Second
	DefaultShutdownTimeout           = 10 * time.Second
	DefaultReconnectInterval         = 30 * time.Second
	DefaultMaxSubscriptionsPerClient = 64
	DefaultFailureThreshold          = 5
	DefaultSuccessThreshold          = 2
	DefaultOpenTimeout               = 30 * time.Second
)

// SetDefaults fills zero-valued settings with their defaults.
func (c *GatewayConfig) SetDefaults() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.MaxSubscriptionsPerClient <= 0 {
		c.MaxSubscriptionsPerClient = DefaultMaxSubscriptionsPerClient
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = DefaultFailureThreshold
	}
	if c.Breaker.SuccessThreshold <= 0 {
		c.Breaker.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.Breaker.OpenTimeout <= 0 {
		c.Breaker.OpenTimeout = DefaultOpenTimeout
	}
}

// Validate checks the whole configuration, including backend name uniqueness.
func (c *GatewayConfig) Validate() error {
	seen := make(map[string]struct{}, len(c.Backends))
	for _, b := range c.Backends {
		if b == nil {
			return fmt.Errorf("backend entry must not be null")
		}
		if err := b.Validate(); err != nil {
			return err
		}
		if _, dup := seen[b.Name]; dup {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		seen[b.Name] = struct{}{}
	}
	return nil
}

// GetBackend returns the backend with the given name, or nil.
func (c *GatewayConfig) GetBackend(name string) *Backend {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.Backends {
		if b.Name == name {
			return b
		}
	}
	return nil
}

// AllBackends returns a snapshot of the configured backends, enabled or not.
// Replace swaps the underlying slice concurrently, so readers must not range
// over the field directly.
func (c *GatewayConfig) AllBackends() []*Backend {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Backend, len(c.Backends))
	copy(out, c.Backends)
	return out
}

// EnabledBackends returns the backends that are enabled.
func (c *GatewayConfig) EnabledBackends() []*Backend {
	c.mu.Lock()
	defer c.mu.Unlock()
	enabled := make([]*Backend, 0, len(c.Backends))
	for _, b := range c.Backends {
		if b.Enabled {
			enabled = append(enabled, b)
		}
	}
	return enabled
}

// Observer provides an interface to implement in order to be notified of config replacement.
type Observer interface {
	OnConfigChange(ctx context.Context, config *GatewayConfig)
}

// RegisterObserver registers an observer to be notified of changes to the config.
func (c *GatewayConfig) RegisterObserver(obs Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, obs)
}

// Notify notifies registered observers of config changes.
func (c *GatewayConfig) Notify(ctx context.Context) {
	c.mu.Lock()
	observers := make([]Observer, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()
	for _, observer := range observers {
		go observer.OnConfigChange(ctx, c)
	}
}

// Replace swaps the backend set and notifies observers. The replacement is
// validated first; an invalid set leaves the current config untouched.
func (c *GatewayConfig) Replace(ctx context.Context, backends []*Backend) error {
	next := &GatewayConfig{Backends: backends}
	if err := next.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.Backends = backends
	c.mu.Unlock()
	c.Notify(ctx)
	return nil
}
