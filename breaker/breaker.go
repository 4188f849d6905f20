// Package breaker wraps calls to external dependencies in circuit
// breakers. Each dependency gets its own breaker: an open analyzer
// breaker must not stop actions from executing.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/storefront-ops/remedy/common"
)

// Config tunes a single breaker.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before admitting the
	// single half-open probe.
	OpenTimeout time.Duration
}

// DefaultConfig returns the tuning used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// Breaker guards one external dependency. While open, calls fail fast
// with a dependency error instead of waiting on a dead service; after the
// open timeout exactly one probe is admitted.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// New builds a named breaker.
func New(name string, cfg Config, logger *common.ContextLogger) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = DefaultConfig().OpenTimeout
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	}
	if logger != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			logger.WithFields(map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state change")
		}
	}
	return &Breaker{
		name: name,
		cb:   gobreaker.NewCircuitBreaker(settings),
	}
}

// Do runs fn through the breaker. Context cancellation counts as a
// failure like any other error.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return common.NewDependencyError("breaker."+b.name, "circuit open, failing fast", err)
	}
	return err
}

// State returns the breaker's current state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Set is a registry of breakers keyed by dependency name. Independent
// dependencies never share a breaker.
type Set struct {
	cfg    Config
	logger *common.ContextLogger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewSet builds a registry sharing one config across its breakers.
func NewSet(cfg Config, logger *common.ContextLogger) *Set {
	return &Set{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a dependency, creating it on first use.
func (s *Set) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[name]; ok {
		return b
	}
	b := New(name, s.cfg, s.logger)
	s.breakers[name] = b
	return b
}

// States reports every known breaker's state, for the health endpoint.
func (s *Set) States() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.breakers))
	for name, b := range s.breakers {
		out[name] = b.State().String()
	}
	return out
}
