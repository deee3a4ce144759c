package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrWaitExceeded is returned when a bounded wait elapses before the
// condition is satisfied.
var ErrWaitExceeded = errors.New("bounded wait exceeded")

// BackoffConfig defines how quickly a waiter re-polls a contended resource.
type BackoffConfig struct {
	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration
	// Multiplier is the factor by which the delay grows per attempt.
	Multiplier float64
	// Jitter adds up to 25% random delay so waiters do not move in lockstep.
	Jitter bool
}

// DefaultBackoffConfig returns the defaults used for lock acquisition.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     250 * time.Millisecond,
		Multiplier:     2.0,
		Jitter:         true,
	}
}

// BackoffPolicy computes delays and drives bounded polling loops.
type BackoffPolicy struct {
	config BackoffConfig
}

// NewBackoffPolicy creates a policy, filling zero fields from the defaults.
func NewBackoffPolicy(config BackoffConfig) *BackoffPolicy {
	def := DefaultBackoffConfig()
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = def.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = config.InitialBackoff
	}
	if config.Multiplier < 1 {
		config.Multiplier = def.Multiplier
	}
	return &BackoffPolicy{config: config}
}

// Config returns a copy of the policy configuration.
func (p *BackoffPolicy) Config() BackoffConfig {
	return p.config
}

// Delay returns the pause before attempt+1. Attempt zero is the first retry.
func (p *BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	backoff := time.Duration(float64(p.config.InitialBackoff) * math.Pow(p.config.Multiplier, float64(attempt)))
	if backoff > p.config.MaxBackoff || backoff <= 0 {
		backoff = p.config.MaxBackoff
	}

	if p.config.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int63n(int64(backoff / 4)))
	}
	return backoff
}

// Wait calls try until it reports done, returns an error, ctx ends, or bound
// elapses. try is always called at least once, even with a zero bound. When
// the bound elapses Wait returns an error wrapping ErrWaitExceeded.
func (p *BackoffPolicy) Wait(ctx context.Context, bound time.Duration, try func() (bool, error)) error {
	deadline := time.Now().Add(bound)
	for attempt := 0; ; attempt++ {
		done, err := try()
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w after %d attempts", ErrWaitExceeded, attempt+1)
		}
		delay := p.Delay(attempt)
		if delay > remaining {
			delay = remaining
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
