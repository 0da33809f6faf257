// Package breaker implements a per-backend circuit breaker with the classic
// closed, open, and half-open states driven by consecutive outcome counts.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fedmcp/gateway/internal/config"
	"github.com/fedmcp/gateway/internal/gwerr"
)

// State is a circuit breaker state.
type State int

const (
	// Closed passes requests through and counts consecutive failures.
	Closed State = iota
	// Open rejects requests until the open timeout elapses.
	Open
	// HalfOpen passes probe requests and counts consecutive successes.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// clock is overridable in tests.
type clock func() time.Time

// CircuitBreaker guards calls to a single backend. In the closed state it
// counts consecutive failures and opens when the failure threshold is
// reached. While open it rejects calls until the open timeout has elapsed,
// then admits probes in the half-open state. Consecutive probe successes
// close the circuit again; any probe failure reopens it immediately.
type CircuitBreaker struct {
	backend string
	conf    config.BreakerConfig
	logger  *slog.Logger
	now     clock

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probing   bool
	openedAt  time.Time
}

// New builds a closed breaker for the backend.
func New(backend string, conf config.BreakerConfig, logger *slog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		backend: backend,
		conf:    conf,
		logger:  logger.With("backend", backend),
		now:     time.Now,
	}
}

// State reports the current state, accounting for open timeout expiry.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.conf.OpenTimeout {
		return HalfOpen
	}
	return b.state
}

// Allow reports whether a request may proceed right now. It transitions from
// open to half-open when the open timeout has elapsed. While half-open only
// one trial call is admitted at a time; concurrent requests short-circuit.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		if b.now().Sub(b.openedAt) < b.conf.OpenTimeout {
			return false
		}
		b.state = HalfOpen
		b.successes = 0
		b.probing = true
		b.logger.Info("circuit half-open, admitting trial call")
		return true
	}
}

// Do runs fn through the breaker. When the circuit is open it returns a
// circuit-open error without invoking fn; otherwise fn's outcome feeds the
// state machine and its error is returned unchanged.
func (b *CircuitBreaker) Do(fn func() error) error {
	if !b.Allow() {
		return gwerr.CircuitOpen(b.backend)
	}
	err := fn()
	b.Record(err == nil)
	return err
}

// Record feeds one request outcome into the state machine.
func (b *CircuitBreaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.conf.FailureThreshold {
			b.trip()
		}
	case HalfOpen:
		b.probing = false
		if !success {
			b.trip()
			return
		}
		b.successes++
		if b.successes >= b.conf.SuccessThreshold {
			b.state = Closed
			b.failures = 0
			b.successes = 0
			b.logger.Info("circuit closed")
		}
	case Open:
		// A request admitted just before the circuit tripped; its outcome
		// no longer changes the state.
	}
}

// Reset forces the breaker back to closed with cleared counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.successes = 0
	b.probing = false
}

// trip moves to open. Caller holds the lock.
func (b *CircuitBreaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
	b.probing = false
	b.logger.Warn("circuit opened", "open_timeout", b.conf.OpenTimeout)
}

// Manager owns one breaker per backend, created lazily from the gateway
// configuration.
type Manager struct {
	conf   *config.GatewayConfig
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewManager builds an empty manager.
func NewManager(conf *config.GatewayConfig, logger *slog.Logger) *Manager {
	return &Manager{
		conf:     conf,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for the backend, creating it on first use.
func (m *Manager) Get(backend string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[backend]
	if !ok {
		b = New(backend, m.conf.Breaker, m.logger)
		m.breakers[backend] = b
	}
	return b
}

// Remove drops the breaker for a backend that left the configuration.
func (m *Manager) Remove(backend string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, backend)
}

// ResetAll force-closes every known breaker.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.breakers {
		b.Reset()
	}
}

// States snapshots the current state of every known breaker.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	states := make(map[string]State, len(m.breakers))
	for name, b := range m.breakers {
		states[name] = b.State()
	}
	return states
}
