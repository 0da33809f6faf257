// Package router turns namespaced client calls into backend invocations
// under the gateway's timeout and failure-isolation policy.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/fedmcp/gateway/internal/breaker"
	"github.com/fedmcp/gateway/internal/config"
	"github.com/fedmcp/gateway/internal/gwerr"
	"github.com/fedmcp/gateway/internal/registry"
	"github.com/fedmcp/gateway/internal/transport"
)

// TransportSource hands out live backend connections. *transport.Pool
// satisfies it; tests substitute fakes.
type TransportSource interface {
	Get(ctx context.Context, id string) (*transport.Transport, error)
}

// Router resolves namespaced names against the registry and executes backend
// calls wrapped in the per-backend circuit breaker and the per-call timeout.
type Router struct {
	conf     *config.GatewayConfig
	registry *registry.Registry
	pool     TransportSource
	breakers *breaker.Manager
	logger   *slog.Logger

	active   sync.WaitGroup
	mu       sync.Mutex
	inFlight int
}

// New wires a router over its collaborators.
func New(conf *config.GatewayConfig, reg *registry.Registry, pool TransportSource, breakers *breaker.Manager, logger *slog.Logger) *Router {
	return &Router{
		conf:     conf,
		registry: reg,
		pool:     pool,
		breakers: breakers,
		logger:   logger,
	}
}

// CallTool routes a namespaced tool call to its owning backend.
func (r *Router) CallTool(ctx context.Context, namespacedName string, args any) (*mcp.CallToolResult, error) {
	backend, original, err := r.registry.SplitName(namespacedName)
	if err != nil {
		return nil, err
	}
	return execute(r, ctx, backend, "tools/call", namespacedName,
		func(ctx context.Context, t *transport.Transport) (*mcp.CallToolResult, error) {
			return t.CallTool(ctx, original, args)
		})
}

// GetPrompt routes a namespaced prompt fetch to its owning backend.
func (r *Router) GetPrompt(ctx context.Context, namespacedName string, args map[string]string) (*mcp.GetPromptResult, error) {
	backend, original, err := r.registry.SplitName(namespacedName)
	if err != nil {
		return nil, err
	}
	return execute(r, ctx, backend, "prompts/get", namespacedName,
		func(ctx context.Context, t *transport.Transport) (*mcp.GetPromptResult, error) {
			return t.GetPrompt(ctx, original, args)
		})
}

// ReadResource routes a namespaced resource read to its owning backend.
func (r *Router) ReadResource(ctx context.Context, namespacedURI string) (*mcp.ReadResourceResult, error) {
	backend, original, err := r.registry.SplitName(namespacedURI)
	if err != nil {
		return nil, err
	}
	return execute(r, ctx, backend, "resources/read", namespacedURI,
		func(ctx context.Context, t *transport.Transport) (*mcp.ReadResourceResult, error) {
			return t.ReadResource(ctx, original)
		})
}

// SubscribeBackend forwards a resource subscription to a backend that
// supports native subscriptions. The URI is backend-native.
func (r *Router) SubscribeBackend(ctx context.Context, backend, uri string) error {
	_, err := execute(r, ctx, backend, "resources/subscribe", uri,
		func(ctx context.Context, t *transport.Transport) (struct{}, error) {
			return struct{}{}, t.SubscribeResource(ctx, uri)
		})
	return err
}

// UnsubscribeBackend removes a native resource subscription at a backend.
func (r *Router) UnsubscribeBackend(ctx context.Context, backend, uri string) error {
	_, err := execute(r, ctx, backend, "resources/unsubscribe", uri,
		func(ctx context.Context, t *transport.Transport) (struct{}, error) {
			return struct{}{}, t.UnsubscribeResource(ctx, uri)
		})
	return err
}

// InFlight reports how many routed calls are currently executing.
func (r *Router) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}

// Drain blocks until every in-flight call has finished or the context
// expires, whichever comes first.
func (r *Router) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type outcome[T any] struct {
	result T
	err    error
}

// execute runs one backend invocation through the breaker and races it
// against the configured call timeout. A call that loses the race keeps
// running with best-effort cancellation; its late result is discarded, though
// its outcome still feeds the breaker.
func execute[T any](r *Router, ctx context.Context, backend, op, target string, fn func(context.Context, *transport.Transport) (T, error)) (T, error) {
	var zero T

	r.track(1)
	defer r.track(-1)

	cb := r.breakers.Get(backend)
	if !cb.Allow() {
		return zero, gwerr.CircuitOpen(backend)
	}

	callID := uuid.NewString()
	log := r.logger.With("backend", backend, "op", op, "target", target, "call_id", callID)
	start := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, r.conf.CallTimeout)

	ch := make(chan outcome[T], 1)
	go func() {
		defer cancel()
		t, err := r.pool.Get(callCtx, backend)
		if err != nil {
			ch <- outcome[T]{err: gwerr.Backend(backend, err)}
			return
		}
		res, err := fn(callCtx, t)
		if err != nil {
			err = gwerr.Backend(backend, err)
		}
		ch <- outcome[T]{result: res, err: err}
	}()

	select {
	case out := <-ch:
		cb.Record(out.err == nil)
		if out.err != nil {
			log.Warn("backend call failed", "error", out.err, "duration", time.Since(start))
			return zero, out.err
		}
		log.Debug("backend call completed", "duration", time.Since(start))
		return out.result, nil
	case <-callCtx.Done():
		// The goroutine settles on its own and records its outcome then.
		go func() {
			out := <-ch
			cb.Record(out.err == nil)
		}()
		if ctx.Err() != nil {
			log.Warn("caller context cancelled", "duration", time.Since(start))
			return zero, ctx.Err()
		}
		log.Warn("backend call timed out", "timeout", r.conf.CallTimeout)
		return zero, gwerr.Timeout(backend, "%s %q exceeded %s", op, target, r.conf.CallTimeout)
	}
}

func (r *Router) track(delta int) {
	r.mu.Lock()
	r.inFlight += delta
	r.mu.Unlock()
	if delta > 0 {
		r.active.Add(delta)
	} else {
		r.active.Done()
	}
}
