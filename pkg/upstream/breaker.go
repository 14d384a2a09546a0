// Package upstream guards calls to the profile and content APIs with circuit
// breakers so an unavailable dependency sends requests to passthrough at once
// instead of after the upstream timeout.
package upstream

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the position of a breaker.
type State string

const (
	// StateClosed lets every call through.
	StateClosed State = "closed"
	// StateOpen rejects calls until OpenTimeout has passed.
	StateOpen State = "open"
	// StateHalfOpen lets a limited number of probe calls through.
	StateHalfOpen State = "half-open"
)

// BreakerConfig holds the thresholds of a breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the breaker.
	// Zero disables the breaker.
	MaxFailures int
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenRequests is the number of probes that must succeed to close again.
	HalfOpenRequests int
}

// DefaultBreakerConfig returns the thresholds used when none are configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:      5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	mu     sync.Mutex
	config BreakerConfig
	now    func() time.Time

	state          State
	failures       int
	probes         int
	probeSuccesses int
	openUntil      time.Time
	lastChange     time.Time
	rejected       uint64
	onStateChange  func(State)
}

// NewBreaker creates a closed breaker. Non-positive timeouts and probe counts
// take their defaults.
func NewBreaker(config BreakerConfig) *Breaker {
	defaults := DefaultBreakerConfig()
	if config.MaxFailures < 0 {
		config.MaxFailures = 0
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = defaults.OpenTimeout
	}
	if config.HalfOpenRequests <= 0 {
		config.HalfOpenRequests = defaults.HalfOpenRequests
	}
	return &Breaker{
		config:     config,
		now:        time.Now,
		state:      StateClosed,
		lastChange: time.Now(),
	}
}

// Allow reports whether a call may proceed. Every allowed call must be
// followed by exactly one Record or Cancel.
func (b *Breaker) Allow() error {
	if b.config.MaxFailures == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Before(b.openUntil) {
			b.rejected++
			return ErrCircuitOpen
		}
		b.transitionLocked(StateHalfOpen)
		b.probes++
		return nil
	case StateHalfOpen:
		if b.probes >= b.config.HalfOpenRequests {
			b.rejected++
			return ErrCircuitOpen
		}
		b.probes++
		return nil
	default:
		return nil
	}
}

// Record reports the outcome of an allowed call.
func (b *Breaker) Record(success bool) {
	if b.config.MaxFailures == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		if !success {
			b.transitionLocked(StateOpen)
			return
		}
		b.probeSuccesses++
		if b.probeSuccesses >= b.config.HalfOpenRequests {
			b.transitionLocked(StateClosed)
		}
	case StateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.config.MaxFailures {
			b.transitionLocked(StateOpen)
		}
	}
}

// Cancel reports that an allowed call was abandoned by its caller. It counts
// as neither success nor failure.
func (b *Breaker) Cancel() {
	if b.config.MaxFailures == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
}

func (b *Breaker) transitionLocked(next State) {
	if b.state == next {
		return
	}
	now := b.now()
	b.state = next
	b.lastChange = now
	b.failures = 0
	b.probes = 0
	b.probeSuccesses = 0
	if next == StateOpen {
		b.openUntil = now.Add(b.config.OpenTimeout)
	} else {
		b.openUntil = time.Time{}
	}
	if b.onStateChange != nil {
		b.onStateChange(next)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a snapshot of a breaker for the admin endpoint.
type Stats struct {
	State           State  `json:"state"`
	Rejected        uint64 `json:"rejected"`
	LastStateChange string `json:"last_state_change"`
	MaxFailures     int    `json:"max_failures"`
	OpenTimeout     string `json:"open_timeout"`
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:           b.state,
		Rejected:        b.rejected,
		LastStateChange: b.lastChange.Format(time.RFC3339),
		MaxFailures:     b.config.MaxFailures,
		OpenTimeout:     b.config.OpenTimeout.String(),
	}
}
