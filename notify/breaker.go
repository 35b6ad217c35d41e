package notify

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// BreakerState is the state of a subscriber's circuit breaker.
type BreakerState string

const (
	// BreakerClosed lets deliveries through
	BreakerClosed BreakerState = "closed"
	// BreakerOpen skips deliveries until the cooldown elapses
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen lets a single probe delivery through
	BreakerHalfOpen BreakerState = "half_open"
)

var (
	// ErrBreakerOpen is returned by Allow while the breaker is open.
	ErrBreakerOpen = errors.New("subscriber circuit breaker is open")
	// ErrProbeInFlight is returned while a half-open probe is running.
	ErrProbeInFlight = errors.New("subscriber circuit breaker probe in flight")
	// ErrInvalidBreakerConfig is returned for unusable breaker settings.
	ErrInvalidBreakerConfig = errors.New("invalid circuit breaker configuration")
)

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the breaker
	MaxFailures uint32 `mapstructure:"max_failures"`
	// Cooldown is how long the breaker stays open before probing
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// Validate checks the breaker configuration.
func (c BreakerConfig) Validate() error {
	if c.MaxFailures == 0 {
		return fmt.Errorf("%w: max_failures must be greater than 0", ErrInvalidBreakerConfig)
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("%w: cooldown must be greater than 0", ErrInvalidBreakerConfig)
	}
	return nil
}

// DefaultBreakerConfig returns the breaker settings used when none are configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures: 5,
		Cooldown:    30 * time.Second,
	}
}

// Breaker stops calling a subscriber that keeps failing.
type Breaker struct {
	config   BreakerConfig
	clock    func() time.Time
	mu       sync.Mutex
	state    BreakerState
	failures uint32
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(config BreakerConfig, clock func() time.Time) (*Breaker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = time.Now
	}
	return &Breaker{config: config, clock: clock, state: BreakerClosed}, nil
}

// Allow reports whether a delivery may be attempted.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.clock().Sub(b.openedAt) < b.config.Cooldown {
			return ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return ErrProbeInFlight
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *Breaker) RecordSuccess() (oldState, newState BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState = b.state
	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
	return oldState, b.state
}

// RecordFailure counts a failure and opens the breaker when the limit is hit
// or when a half-open probe fails.
func (b *Breaker) RecordFailure() (oldState, newState BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState = b.state
	b.failures++
	switch b.state {
	case BreakerClosed:
		if b.failures >= b.config.MaxFailures {
			b.state = BreakerOpen
			b.openedAt = b.clock()
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = b.clock()
		b.probing = false
	}
	return oldState, b.state
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
