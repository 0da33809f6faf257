package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/fedmcp/gateway/internal/config"
)

// ErrPoolClosed is returned by Get after CloseAll has run.
var ErrPoolClosed = errors.New("transport pool is closed")

// DialFunc produces a connected transport for a backend. Injectable for tests.
type DialFunc func(ctx context.Context, backend *config.Backend) (*Transport, error)

// Pool caches one live transport per backend and collapses concurrent
// connection attempts for the same backend into a single dial. A failed dial
// is shared by every caller waiting on it and is not cached, so the next
// request triggers a fresh attempt.
type Pool struct {
	conf   *config.GatewayConfig
	dial   DialFunc
	logger *slog.Logger

	group singleflight.Group

	mu     sync.Mutex
	live   map[string]*Transport
	onDial []func(*Transport)
	closed bool
}

// NewPool builds a pool that dials with the package Dial function, bounded by
// the configured connect timeout.
func NewPool(conf *config.GatewayConfig, logger *slog.Logger) *Pool {
	p := &Pool{
		conf:   conf,
		logger: logger,
		live:   make(map[string]*Transport),
	}
	p.dial = func(ctx context.Context, backend *config.Backend) (*Transport, error) {
		dialCtx, cancel := context.WithTimeout(ctx, conf.ConnectTimeout)
		defer cancel()
		return Dial(dialCtx, backend, logger)
	}
	return p
}

// SetDialFunc replaces the dial function. Intended for tests.
func (p *Pool) SetDialFunc(dial DialFunc) {
	p.dial = dial
}

// OnDial registers a hook invoked once for every transport that enters the
// pool, before any caller receives it. The gateway uses this to attach
// notification handlers exactly once per connection.
func (p *Pool) OnDial(fn func(*Transport)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDial = append(p.onDial, fn)
}

// Get returns the live transport for the backend, dialing one if needed.
// Concurrent callers for the same backend share a single dial attempt and all
// observe its outcome.
func (p *Pool) Get(ctx context.Context, id string) (*Transport, error) {
	if t, err, ok := p.cached(id); ok {
		return t, err
	}

	v, err, _ := p.group.Do(id, func() (any, error) {
		// A dial that settled while we queued may have populated the cache.
		if t, err, ok := p.cached(id); ok {
			return t, err
		}

		backend := p.conf.GetBackend(id)
		if backend == nil {
			return nil, fmt.Errorf("no backend named %q is configured", id)
		}
		if !backend.Enabled {
			return nil, fmt.Errorf("backend %q is disabled", id)
		}

		t, err := p.dial(ctx, backend)
		if err != nil {
			return nil, err
		}
		t.OnClose(func(cause error) {
			p.evict(id, t)
		})

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = t.Close()
			return nil, ErrPoolClosed
		}
		if old, ok := p.live[id]; ok && old != t {
			go func() { _ = old.Close() }()
		}
		p.live[id] = t
		hooks := make([]func(*Transport), len(p.onDial))
		copy(hooks, p.onDial)
		p.mu.Unlock()

		for _, fn := range hooks {
			fn(t)
		}
		p.logger.Info("connected to backend", "backend", id)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Transport), nil
}

// cached returns the live healthy transport for id if one exists, removing a
// stale entry on the way. The bool reports whether the caller is done: either
// a usable transport was found or the pool is closed.
func (p *Pool) cached(id string) (*Transport, error, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed, true
	}
	t, ok := p.live[id]
	if !ok {
		return nil, nil, false
	}
	if t.Healthy() {
		return t, nil, true
	}
	delete(p.live, id)
	go func() { _ = t.Close() }()
	return nil, nil, false
}

// Evict drops and closes the live transport for the backend, if any. The
// next Get dials a fresh connection.
func (p *Pool) Evict(id string) {
	p.mu.Lock()
	t, ok := p.live[id]
	if ok {
		delete(p.live, id)
	}
	p.mu.Unlock()
	if ok {
		_ = t.Close()
	}
}

func (p *Pool) evict(id string, t *Transport) {
	p.mu.Lock()
	if cur, ok := p.live[id]; ok && cur == t {
		delete(p.live, id)
	}
	p.mu.Unlock()
}

// Peek returns the live healthy transport for the backend without dialing.
func (p *Pool) Peek(id string) (*Transport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.live[id]
	if !ok || !t.Healthy() {
		return nil, false
	}
	return t, true
}

// Snapshot reports the backends with a cached transport and whether each one
// is currently healthy.
func (p *Pool) Snapshot() map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]bool, len(p.live))
	for id, t := range p.live {
		out[id] = t.Healthy()
	}
	return out
}

// CloseAll closes every live transport concurrently and marks the pool
// closed. In-flight dial attempts are not awaited; they settle on their own
// and discard their connection on arrival.
func (p *Pool) CloseAll(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	transports := make([]*Transport, 0, len(p.live))
	for _, t := range p.live {
		transports = append(transports, t)
	}
	p.live = make(map[string]*Transport)
	p.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, t := range transports {
		g.Go(t.Close)
	}
	return g.Wait()
}
