package governance

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a call is refused because its breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState represents the state of a circuit breaker.
type BreakerState string

const (
	// StateClosed lets every call through.
	StateClosed BreakerState = "closed"
	// StateOpen refuses calls until the cool-down elapses.
	StateOpen BreakerState = "open"
	// StateHalfOpen lets a limited number of probe calls through.
	StateHalfOpen BreakerState = "half-open"
)

// BreakerConfig defines thresholds for circuit breaking.
type BreakerConfig struct {
	// MaxFailures is the consecutive failure count that opens the circuit.
	MaxFailures int
	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration
	// HalfOpenProbes is the number of successful probes needed to close again.
	HalfOpenProbes int
	// IsFailure classifies call errors. Nil counts every non-nil error.
	IsFailure func(error) bool
}

// DefaultBreakerConfig returns sensible defaults for collaborator calls.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:    5,
		Cooldown:       10 * time.Second,
		HalfOpenProbes: 1,
	}
}

// BreakerStats exposes breaker status information.
type BreakerStats struct {
	State               string `json:"state"`
	Failures            int    `json:"failures"`
	Successes           int    `json:"successes"`
	Rejected            int    `json:"rejected"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastStateChange     string `json:"lastStateChange"`
}

// CircuitBreaker trips after consecutive failures and recovers through
// half-open probes.
type CircuitBreaker struct {
	mu     sync.Mutex
	config BreakerConfig
	now    func() time.Time

	state           BreakerState
	consecutiveFail int
	consecutiveOK   int
	inFlightProbes  int
	openUntil       time.Time
	lastStateChange time.Time

	failures  int
	successes int
	rejected  int
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	return newCircuitBreaker(config, time.Now)
}

func newCircuitBreaker(config BreakerConfig, now func() time.Time) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if config.MaxFailures <= 0 {
		config.MaxFailures = def.MaxFailures
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HalfOpenProbes <= 0 {
		config.HalfOpenProbes = def.HalfOpenProbes
	}
	return &CircuitBreaker{
		config:          config,
		now:             now,
		state:           StateClosed,
		lastStateChange: now(),
	}
}

// Execute runs fn unless the circuit is open. A cancelled ctx is returned
// before fn runs and is never counted against the collaborator.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.beforeCall(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.state {
	case StateOpen:
		if now.Before(cb.openUntil) {
			cb.rejected++
			return ErrCircuitOpen
		}
		cb.transitionLocked(StateHalfOpen, now)
		cb.inFlightProbes++
		return nil
	case StateHalfOpen:
		if cb.inFlightProbes >= cb.config.HalfOpenProbes {
			cb.rejected++
			return ErrCircuitOpen
		}
		cb.inFlightProbes++
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	failed := err != nil
	if failed && cb.config.IsFailure != nil {
		failed = cb.config.IsFailure(err)
	}

	if cb.state == StateHalfOpen && cb.inFlightProbes > 0 {
		cb.inFlightProbes--
	}

	if failed {
		cb.failures++
		cb.consecutiveFail++
		cb.consecutiveOK = 0
		switch cb.state {
		case StateHalfOpen:
			cb.transitionLocked(StateOpen, now)
		case StateClosed:
			if cb.consecutiveFail >= cb.config.MaxFailures {
				cb.transitionLocked(StateOpen, now)
			}
		}
		return
	}

	cb.successes++
	cb.consecutiveFail = 0
	cb.consecutiveOK++
	if cb.state == StateHalfOpen && cb.consecutiveOK >= cb.config.HalfOpenProbes {
		cb.transitionLocked(StateClosed, now)
	}
}

func (cb *CircuitBreaker) transitionLocked(state BreakerState, now time.Time) {
	if cb.state == state {
		return
	}
	cb.state = state
	cb.lastStateChange = now
	cb.consecutiveOK = 0
	cb.inFlightProbes = 0
	if state == StateOpen {
		cb.openUntil = now.Add(cb.config.Cooldown)
	} else {
		cb.openUntil = time.Time{}
	}
	if state == StateClosed {
		cb.consecutiveFail = 0
	}
}

// State returns the current state, reporting an expired open circuit as half-open.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && !cb.now().Before(cb.openUntil) {
		return StateHalfOpen
	}
	return cb.state
}

// Stats returns a snapshot of breaker counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		State:               string(cb.state),
		Failures:            cb.failures,
		Successes:           cb.successes,
		Rejected:            cb.rejected,
		ConsecutiveFailures: cb.consecutiveFail,
		LastStateChange:     cb.lastStateChange.Format(time.RFC3339),
	}
}

// Reset closes the circuit and clears counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed, cb.now())
	cb.consecutiveFail = 0
	cb.failures = 0
	cb.successes = 0
	cb.rejected = 0
}

// BreakerSet keeps one breaker per named collaborator operation.
type BreakerSet struct {
	mu       sync.RWMutex
	config   BreakerConfig
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates a set whose breakers share config.
func NewBreakerSet(config BreakerConfig) *BreakerSet {
	return &BreakerSet{config: config, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for name, creating it on first use.
func (s *BreakerSet) Get(name string) *CircuitBreaker {
	s.mu.RLock()
	cb, ok := s.breakers[name]
	s.mu.RUnlock()
	if ok {
		return cb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[name]; ok {
		return cb
	}
	cb = NewCircuitBreaker(s.config)
	s.breakers[name] = cb
	return cb
}

// Stats returns statistics for every breaker in the set.
func (s *BreakerSet) Stats() map[string]BreakerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]BreakerStats, len(s.breakers))
	for name, cb := range s.breakers {
		out[name] = cb.Stats()
	}
	return out
}
