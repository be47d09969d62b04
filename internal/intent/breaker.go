package intent

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// breakerState is the circuit breaker's lifecycle: closed (normal),
// open (collaborator calls blocked), half-open (one probe in flight).
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes how aggressively the Resolver backs off from a
// failing LLM collaborator.
type BreakerConfig struct {
	FailureThreshold  int
	SuccessThreshold  int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultBreakerConfig mirrors the conservative defaults the teacher used
// for its own AI-provider breaker: three consecutive failures trips it,
// two consecutive successes in half-open closes it again.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  3,
		SuccessThreshold:  2,
		InitialBackoff:    time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// Breaker guards the Intent Resolver's calls into its LLM collaborator.
// A collaborator that fails repeatedly stops receiving calls for a
// backoff window instead of blocking every intent one timeout at a time.
type Breaker struct {
	mu sync.Mutex

	config BreakerConfig
	state  breakerState

	consecutiveFailures  int
	consecutiveSuccesses int
	currentBackoff       time.Duration
	openedAt             time.Time
	probeInFlight        bool
}

// NewBreaker constructs a Breaker in the closed state.
func NewBreaker(config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 5 * time.Minute
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	return &Breaker{config: config, state: breakerClosed, currentBackoff: config.InitialBackoff}
}

// Allow reports whether a collaborator call should proceed, transitioning
// open -> half-open once the backoff window has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(b.openedAt) < b.currentBackoff {
			return false
		}
		b.state = breakerHalfOpen
		b.probeInFlight = true
		log.Debug().Msg("intent: collaborator breaker half-open, allowing probe")
		return true
	case breakerHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return true
	}
}

// RecordSuccess records a successful collaborator call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.consecutiveSuccesses++

	if b.state == breakerHalfOpen {
		b.probeInFlight = false
		if b.consecutiveSuccesses >= b.config.SuccessThreshold {
			b.state = breakerClosed
			b.currentBackoff = b.config.InitialBackoff
			log.Info().Msg("intent: collaborator breaker closed")
		}
	}
}

// RecordFailure records a failed collaborator call and trips the breaker
// once the configured threshold of consecutive failures is reached.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveSuccesses = 0
	b.consecutiveFailures++

	switch b.state {
	case breakerClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.trip(err)
		}
	case breakerHalfOpen:
		b.probeInFlight = false
		b.currentBackoff = time.Duration(float64(b.currentBackoff) * b.config.BackoffMultiplier)
		if b.currentBackoff > b.config.MaxBackoff {
			b.currentBackoff = b.config.MaxBackoff
		}
		b.trip(err)
	}
}

func (b *Breaker) trip(err error) {
	b.state = breakerOpen
	b.openedAt = time.Now()
	b.probeInFlight = false
	log.Warn().Err(err).Dur("backoff", b.currentBackoff).Msg("intent: collaborator breaker tripped")
}

// State reports the breaker's current state, for diagnostics.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}
